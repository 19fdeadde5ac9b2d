package builtin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/valethq/valet/internal/tools"
	"github.com/valethq/valet/pkg/api"
)

func TestRegisterAll(t *testing.T) {
	reg := tools.NewRegistry()
	if err := RegisterAll(reg, Config{AllowedRoots: []string{t.TempDir()}}); err != nil {
		t.Fatal(err)
	}

	want := []string{"datetime", "file_list", "file_read", "file_write", "shell_exec", "web_fetch", "web_search"}
	got := reg.Names()
	if len(got) != len(want) {
		t.Fatalf("got tools %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got tools %v, want %v", got, want)
		}
	}
}

func TestFetchURLPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "valet/") {
			t.Errorf("user agent %q", ua)
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello world\n"))
	}))
	defer srv.Close()

	res := fetchURL(context.Background(), srv.URL, defaultMaxFetchBytes)
	if !res.Success {
		t.Fatalf("fetch failed: %s", res.Message)
	}
	if res.Value != "hello world" {
		t.Errorf("got %q", res.Value)
	}
}

func TestFetchURLStripsHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><script>var x = 1;</script><style>p{}</style></head>` +
			`<body><h1>Title</h1><p>Body text.</p></body></html>`))
	}))
	defer srv.Close()

	res := fetchURL(context.Background(), srv.URL, defaultMaxFetchBytes)
	if !res.Success {
		t.Fatalf("fetch failed: %s", res.Message)
	}
	text := res.Value
	if !strings.Contains(text, "Title") || !strings.Contains(text, "Body text.") {
		t.Errorf("got %q", text)
	}
	if strings.Contains(text, "var x") || strings.Contains(text, "<p>") {
		t.Errorf("markup leaked into %q", text)
	}
}

func TestFetchURLTruncatesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("a", 100)))
	}))
	defer srv.Close()

	res := fetchURL(context.Background(), srv.URL, 10)
	if !res.Success {
		t.Fatalf("fetch failed: %s", res.Message)
	}
	if len(res.Value) != 10 {
		t.Errorf("got %d bytes, want 10", len(res.Value))
	}
}

func TestFetchURLErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	res := fetchURL(context.Background(), srv.URL, defaultMaxFetchBytes)
	if res.Success || res.Kind != api.ErrTransient {
		t.Errorf("got success=%v kind=%s", res.Success, res.Kind)
	}
}

func TestFetchURLBlocksRedirectToPrivateAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data/", http.StatusFound)
	}))
	defer srv.Close()

	res := fetchURL(context.Background(), srv.URL, defaultMaxFetchBytes)
	if res.Success {
		t.Fatal("redirect to a link-local address must not be followed")
	}
}

func TestStripHTMLUnclosedScript(t *testing.T) {
	got := stripHTML("<p>before</p><script>never ends")
	if got != "before" {
		t.Errorf("got %q", got)
	}
}

func TestSearchWeb(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if q := r.URL.Query().Get("q"); q != "go testing" {
			t.Errorf("query %q", q)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"Heading": "Go",
			"AbstractText": "A programming language.",
			"AbstractURL": "https://go.dev",
			"RelatedTopics": [
				{"Text": "Testing package", "FirstURL": "https://pkg.go.dev/testing"},
				{"Text": "", "FirstURL": "https://example.com/skipped"},
				{"Text": "Benchmarks", "FirstURL": "https://go.dev/bench"}
			]
		}`))
	}))
	defer srv.Close()

	old := searchEndpoint
	searchEndpoint = srv.URL
	defer func() { searchEndpoint = old }()

	res := searchWeb(context.Background(), "go testing", 2)
	if !res.Success {
		t.Fatalf("search failed: %s", res.Message)
	}
	lines := strings.Split(res.Value, "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d results: %q", len(lines), res.Value)
	}
	if !strings.Contains(lines[0], "go.dev") || !strings.Contains(lines[1], "Testing package") {
		t.Errorf("got %q", res.Value)
	}
}

func TestSearchWebNoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	old := searchEndpoint
	searchEndpoint = srv.URL
	defer func() { searchEndpoint = old }()

	res := searchWeb(context.Background(), "nothing", 5)
	if !res.Success || res.Value != "no results" {
		t.Errorf("got %+v", res)
	}
}

func TestSearchWebEmptyQuery(t *testing.T) {
	res := searchWeb(context.Background(), "   ", 5)
	if res.Success || res.Kind != api.ErrUnsafeInput {
		t.Errorf("got %+v", res)
	}
}

func TestFileReadWriteRoundTrip(t *testing.T) {
	root := t.TempDir()
	cfg := Config{AllowedRoots: []string{root}}
	path := filepath.Join(root, "notes", "a.txt")

	write := fileWriteSpec(cfg)
	args := map[string]any{"path": path, "content": "first line\n"}
	if err := write.Sanitize(args); err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if res := write.Handler(context.Background(), args); !res.Success {
		t.Fatalf("write: %s", res.Message)
	}

	args = map[string]any{"path": path, "content": "second line\n", "append": true}
	if err := write.Sanitize(args); err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if res := write.Handler(context.Background(), args); !res.Success {
		t.Fatalf("append: %s", res.Message)
	}

	read := fileReadSpec(cfg)
	args = map[string]any{"path": path}
	if err := read.Sanitize(args); err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	res := read.Handler(context.Background(), args)
	if !res.Success {
		t.Fatalf("read: %s", res.Message)
	}
	if res.Value != "first line\nsecond line\n" {
		t.Errorf("got %q", res.Value)
	}
}

func TestFileSanitizerRejectsEscape(t *testing.T) {
	root := t.TempDir()
	spec := fileReadSpec(Config{AllowedRoots: []string{root}})

	for _, path := range []string{
		filepath.Join(root, "..", "etc", "passwd"),
		"/etc/passwd",
	} {
		args := map[string]any{"path": path}
		if err := spec.Sanitize(args); err == nil {
			t.Errorf("path %q escaped the allowed roots", path)
		}
	}
}

func TestFileReadRejectsDirectory(t *testing.T) {
	root := t.TempDir()
	spec := fileReadSpec(Config{AllowedRoots: []string{root}})

	args := map[string]any{"path": root}
	if err := spec.Sanitize(args); err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	res := spec.Handler(context.Background(), args)
	if res.Success || res.Kind != api.ErrUnsafeInput {
		t.Errorf("got %+v", res)
	}
}

func TestFileList(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"b.txt", "a.txt"} {
		if err := os.WriteFile(filepath.Join(root, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	spec := fileListSpec(Config{AllowedRoots: []string{root}})
	args := map[string]any{"path": root}
	if err := spec.Sanitize(args); err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	res := spec.Handler(context.Background(), args)
	if !res.Success {
		t.Fatalf("list: %s", res.Message)
	}
	if res.Value != "a.txt\nb.txt\nsub/" {
		t.Errorf("got %q", res.Value)
	}
}

func TestDatetime(t *testing.T) {
	spec := datetimeSpec()

	res := spec.Handler(context.Background(), map[string]any{"tz": "UTC"})
	if !res.Success {
		t.Fatalf("datetime: %s", res.Message)
	}
	if !strings.Contains(res.Value, "UTC") {
		t.Errorf("got %q", res.Value)
	}

	res = spec.Handler(context.Background(), map[string]any{"tz": "Not/AZone"})
	if res.Success || res.Kind != api.ErrUnsafeInput {
		t.Errorf("got %+v", res)
	}
}
