package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/valethq/valet/internal/audit"
	"github.com/valethq/valet/internal/backend"
	"github.com/valethq/valet/internal/config"
	"github.com/valethq/valet/internal/conversations"
	"github.com/valethq/valet/internal/permission"
)

func TestNewAssemblesWithoutCloudKeys(t *testing.T) {
	base := t.TempDir()
	cfgPath := filepath.Join(base, "valet.yaml")
	if err := os.WriteFile(cfgPath, []byte("base_dir: "+base+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}

	core, err := New(context.Background(), cfg, "test")
	if err != nil {
		t.Fatal(err)
	}
	defer core.Close()

	for _, path := range []string{
		cfg.ConversationsDB(), cfg.FactsDB(), cfg.SettingsDB(), cfg.AlertsDB(), cfg.AuditDB(),
	} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("store not created: %s", path)
		}
	}
	if _, err := os.Stat(cfg.FilesDir()); err != nil {
		t.Errorf("files dir not created: %v", err)
	}
}

func TestSetPermissionLevelAppliesAndAudits(t *testing.T) {
	base := t.TempDir()
	cfgPath := filepath.Join(base, "valet.yaml")
	if err := os.WriteFile(cfgPath, []byte("base_dir: "+base+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	core, err := New(context.Background(), cfg, "test")
	if err != nil {
		t.Fatal(err)
	}
	defer core.Close()

	ctx := context.Background()
	if got := core.PermissionLevel(); got != permission.Local {
		t.Fatalf("startup level %v", got)
	}

	err = core.SetPermissionLevel(ctx, permission.System, "api", "installing packages", "192.0.2.7", "valet-cli/1.0")
	if err != nil {
		t.Fatal(err)
	}
	// The runner reads the level per invocation, so the change is live.
	if got := core.PermissionLevel(); got != permission.System {
		t.Fatalf("level after change %v", got)
	}

	core.audit.Flush()
	entries, err := core.audit.Query(ctx, audit.Filter{Kind: audit.KindPermission})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d permission entries, want 1", len(entries))
	}
	e := entries[0]
	if e.FromLevel != "LOCAL" || e.ToLevel != "SYSTEM" || e.Source != "api" {
		t.Errorf("entry %+v", e)
	}
	if e.UserIP != "192.0.2.7" || e.UserAgent != "valet-cli/1.0" {
		t.Errorf("attribution %q %q", e.UserIP, e.UserAgent)
	}

	// Setting the same level again is a no-op, not a second entry.
	if err := core.SetPermissionLevel(ctx, permission.System, "api", "", "", ""); err != nil {
		t.Fatal(err)
	}
	core.audit.Flush()
	entries, err = core.audit.Query(ctx, audit.Filter{Kind: audit.KindPermission})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("no-op change recorded: %d entries", len(entries))
	}
}

func TestBackendOrder(t *testing.T) {
	adapters := map[string]backend.Adapter{
		"anthropic": nil, "openai": nil, "ollama": nil,
	}

	got := backendOrder("openai", adapters)
	want := []string{"openai", "anthropic", "ollama"}
	if len(got) != len(want) {
		t.Fatalf("order %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("order %v, want %v", got, want)
		}
	}

	// A primary without credentials drops out; local stays last.
	delete(adapters, "anthropic")
	got = backendOrder("anthropic", adapters)
	want = []string{"openai", "ollama"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order %v, want %v", got, want)
		}
	}
}

type cannedAdapter struct {
	text string
	err  error
}

func (c cannedAdapter) Name() string  { return "canned" }
func (c cannedAdapter) Model() string { return "canned-1" }

func (c cannedAdapter) Capabilities(ctx context.Context) backend.Capabilities {
	return backend.Capabilities{SupportsStreaming: true}
}

func (c cannedAdapter) ChatStream(ctx context.Context, req *backend.Request) (<-chan backend.Delta, error) {
	if c.err != nil {
		return nil, c.err
	}
	ch := make(chan backend.Delta, 2)
	ch <- backend.Delta{Text: c.text}
	ch <- backend.Delta{End: &backend.End{Reason: backend.EndStop}}
	close(ch)
	return ch, nil
}

func TestChatSummarizer(t *testing.T) {
	sum := chatSummarizer(cannedAdapter{text: "They discussed the launch plan."})
	got, err := sum(context.Background(), []conversations.Message{
		{Role: "user", Content: "Let's plan the launch"},
		{Role: "assistant", Content: "Sure, here is a plan."},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "They discussed the launch plan." {
		t.Errorf("summary %q", got)
	}
}

func TestChatSummarizerPropagatesFailure(t *testing.T) {
	sum := chatSummarizer(cannedAdapter{err: errors.New("model down")})
	if _, err := sum(context.Background(), []conversations.Message{{Role: "user", Content: "x"}}); err == nil {
		t.Fatal("expected error so the store falls back to its extractive summary")
	}
}
