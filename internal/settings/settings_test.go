package settings

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/valethq/valet/internal/secrets"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	keeper, err := secrets.Open(filepath.Join(dir, ".encryption_key_salt"))
	if err != nil {
		t.Fatalf("secrets.Open: %v", err)
	}
	s, err := Open(filepath.Join(dir, "settings.db"), keeper)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTypedRoundTrips(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.SetString(ctx, "persona", "concise"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if got, _ := s.GetString(ctx, "persona", ""); got != "concise" {
		t.Errorf("GetString = %q", got)
	}

	if err := s.SetInt(ctx, "budget", 4000); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if got, _ := s.GetInt(ctx, "budget", 0); got != 4000 {
		t.Errorf("GetInt = %d", got)
	}

	if err := s.SetFloat(ctx, "temperature", 0.7); err != nil {
		t.Fatalf("SetFloat: %v", err)
	}
	if got, _ := s.GetFloat(ctx, "temperature", 0); got != 0.7 {
		t.Errorf("GetFloat = %v", got)
	}

	if err := s.SetBool(ctx, "local_only", true); err != nil {
		t.Fatalf("SetBool: %v", err)
	}
	if got, _ := s.GetBool(ctx, "local_only", false); !got {
		t.Error("GetBool = false")
	}

	type prefs struct {
		Style string `json:"style"`
	}
	if err := s.SetJSON(ctx, "prefs", prefs{Style: "markdown"}); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	var out prefs
	if err := s.GetJSON(ctx, "prefs", &out); err != nil || out.Style != "markdown" {
		t.Errorf("GetJSON = %+v, err %v", out, err)
	}
}

func TestFallbacksWhenAbsent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if got, err := s.GetString(ctx, "missing", "dflt"); err != nil || got != "dflt" {
		t.Errorf("GetString fallback = %q, err %v", got, err)
	}
	if got, err := s.GetInt(ctx, "missing", 7); err != nil || got != 7 {
		t.Errorf("GetInt fallback = %d, err %v", got, err)
	}
	var out map[string]any
	if err := s.GetJSON(ctx, "missing", &out); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJSON missing err = %v", err)
	}
}

func TestSecretKeysEncryptedAtRest(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.SetString(ctx, "anthropic_api_key", "sk-ant-value"); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	// The row itself must hold an envelope, never the plaintext.
	var raw string
	if err := s.db.QueryRow(`SELECT value FROM settings WHERE key = 'anthropic_api_key'`).Scan(&raw); err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if !secrets.IsEnvelope(raw) {
		t.Errorf("secret stored in clear: %q", raw)
	}
	if strings.Contains(raw, "sk-ant-value") {
		t.Error("plaintext visible in stored value")
	}

	got, err := s.GetString(ctx, "anthropic_api_key", "")
	if err != nil {
		t.Fatalf("GetString: %v", err)
	}
	if got != "sk-ant-value" {
		t.Errorf("decrypted read = %q", got)
	}

	if got, err := s.GetSecret(ctx, "anthropic_api_key"); err != nil || got != "sk-ant-value" {
		t.Errorf("GetSecret = %q, err %v", got, err)
	}
}

func TestIsSecretKey(t *testing.T) {
	for key, want := range map[string]bool{
		"anthropic_api_key": true,
		"OPENAI_API_KEY":    true,
		"webhook_token":     true,
		"db_password":       true,
		"persona":           false,
		"model.anthropic":   false,
	} {
		if got := IsSecretKey(key); got != want {
			t.Errorf("IsSecretKey(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestVerifySecrets(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.SetSecret(ctx, "openai_api_key", "sk-ok"); err != nil {
		t.Fatalf("SetSecret: %v", err)
	}
	if err := s.VerifySecrets(ctx); err != nil {
		t.Errorf("VerifySecrets on healthy store: %v", err)
	}

	// Simulate a secret sealed on another machine: overwrite the row with
	// an envelope this keeper cannot open.
	otherDir := t.TempDir()
	otherKeeper, err := secrets.Open(filepath.Join(otherDir, "salt"))
	if err != nil {
		t.Fatalf("secrets.Open: %v", err)
	}
	foreign, err := otherKeeper.Encrypt("sk-foreign")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE settings SET value = ? WHERE key = 'openai_api_key'`, foreign); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	err = s.VerifySecrets(ctx)
	if err == nil {
		t.Fatal("VerifySecrets accepted an undecryptable secret")
	}
	if !strings.Contains(err.Error(), "openai_api_key") {
		t.Errorf("error does not name the failing key: %v", err)
	}
}

func TestModelAllowList(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.SetModel(ctx, "anthropic", "claude-3-haiku-20240307"); err != nil {
		t.Errorf("allowed model rejected: %v", err)
	}
	if err := s.SetModel(ctx, "anthropic", "made-up-model"); err == nil {
		t.Error("disallowed model accepted")
	}
	if err := s.SetModel(ctx, "openai", "gpt-4o"); err != nil {
		t.Errorf("allowed model rejected: %v", err)
	}
	// The local backend has no fixed list.
	if err := ValidateModel("ollama", "mistral-nemo"); err != nil {
		t.Errorf("local model rejected: %v", err)
	}
	if err := ValidateModel("ollama", ""); err == nil {
		t.Error("empty model accepted")
	}

	got, err := s.GetModel(ctx, "anthropic", "fallback")
	if err != nil || got != "claude-3-haiku-20240307" {
		t.Errorf("GetModel = %q, err %v", got, err)
	}
}

func TestDeleteAndKeys(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_ = s.SetString(ctx, "a", "1")
	_ = s.SetString(ctx, "b", "2")
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "b" {
		t.Errorf("Keys = %v", keys)
	}
}
