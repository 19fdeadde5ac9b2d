package conversations

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "conversations.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDefaultConversationExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.Get(ctx, DefaultConversationID)
	if err != nil {
		t.Fatalf("Get(default) error = %v", err)
	}
	if c.Title != "Default" {
		t.Errorf("default title = %q, want %q", c.Title, "Default")
	}

	// Ensure with an empty id resolves to the default conversation.
	c2, err := s.Ensure(ctx, "")
	if err != nil {
		t.Fatalf("Ensure(\"\") error = %v", err)
	}
	if c2.ID != DefaultConversationID {
		t.Errorf("Ensure(\"\") id = %q, want %q", c2.ID, DefaultConversationID)
	}
}

func TestAppendAndMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "conv1", "Test"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	inputs := []struct{ role, content string }{
		{RoleUser, "hello there"},
		{RoleAssistant, "hi, how can I help?"},
		{RoleUser, "what time is it"},
	}
	for _, in := range inputs {
		if _, err := s.Append(ctx, "conv1", in.role, in.content); err != nil {
			t.Fatalf("Append(%q) error = %v", in.content, err)
		}
	}

	msgs, err := s.Messages(ctx, "conv1", 0, 0)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != len(inputs) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(inputs))
	}
	for i, m := range msgs {
		if m.Role != inputs[i].role || m.Content != inputs[i].content {
			t.Errorf("message %d = (%s, %q), want (%s, %q)",
				i, m.Role, m.Content, inputs[i].role, inputs[i].content)
		}
		if want := EstimateTokens(inputs[i].content); m.TokenCount != want {
			t.Errorf("message %d token count = %d, want %d", i, m.TokenCount, want)
		}
	}

	n, err := s.Count(ctx, "conv1")
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != len(inputs) {
		t.Errorf("Count() = %d, want %d", n, len(inputs))
	}
}

func TestAppendMonotonicTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if _, err := s.Append(ctx, "conv1", RoleUser, fmt.Sprintf("message %d", i)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	msgs, err := s.Messages(ctx, "conv1", 0, 0)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	for i := 1; i < len(msgs); i++ {
		if !msgs[i].CreatedAt.After(msgs[i-1].CreatedAt) {
			t.Fatalf("message %d created_at %v not after message %d created_at %v",
				i, msgs[i].CreatedAt, i-1, msgs[i-1].CreatedAt)
		}
	}
}

func TestMessagesLimitOffset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := s.Append(ctx, "conv1", RoleUser, fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	msgs, err := s.Messages(ctx, "conv1", 3, 5)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].Content != "msg 5" || msgs[2].Content != "msg 7" {
		t.Errorf("window = [%q..%q], want [\"msg 5\"..\"msg 7\"]", msgs[0].Content, msgs[2].Content)
	}
}

func TestSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, "conv1", RoleUser, "remind me about the dentist appointment tomorrow"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := s.Append(ctx, "conv1", RoleAssistant, "I will remind you about the dentist."); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := s.Append(ctx, "conv2", RoleUser, "what is the weather like"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	hits, err := s.Search(ctx, "dentist", "", 10, 0)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	for _, h := range hits {
		if !strings.Contains(strings.ToLower(h.Snippet), "dentist") {
			t.Errorf("snippet %q does not contain match", h.Snippet)
		}
	}

	// Case-insensitive.
	hits, err = s.Search(ctx, "DENTIST", "", 10, 0)
	if err != nil {
		t.Fatalf("Search(upper) error = %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("case-insensitive search: got %d hits, want 2", len(hits))
	}

	// Scoped to one conversation.
	hits, err = s.Search(ctx, "weather", "conv1", 10, 0)
	if err != nil {
		t.Fatalf("Search(scoped) error = %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("scoped search leaked %d hits from other conversations", len(hits))
	}

	// Operator characters in the query are treated literally, not as syntax.
	if _, err := s.Search(ctx, `"quoted" AND (weird)`, "", 10, 0); err != nil {
		t.Errorf("Search with operator characters error = %v", err)
	}

	// Blank query is a no-op.
	hits, err = s.Search(ctx, "   ", "", 10, 0)
	if err != nil || hits != nil {
		t.Errorf("blank query = (%v, %v), want (nil, nil)", hits, err)
	}
}

func TestSearchSnippetWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	long := strings.Repeat("a", 200) + " needle " + strings.Repeat("b", 200)
	if _, err := s.Append(ctx, "conv1", RoleUser, long); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	hits, err := s.Search(ctx, "needle", "", 10, 0)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	sn := hits[0].Snippet
	if !strings.HasPrefix(sn, "...") || !strings.HasSuffix(sn, "...") {
		t.Errorf("snippet missing ellipses: %q", sn)
	}
	if !strings.Contains(sn, "needle") {
		t.Errorf("snippet missing match: %q", sn)
	}
	if len(sn) > len("needle")+2*snippetContextChars+6 {
		t.Errorf("snippet too long: %d bytes", len(sn))
	}
}

func TestDeleteRemovesFromSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, "doomed", RoleUser, "unique xylophone content"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.Delete(ctx, "doomed"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, err := s.Get(ctx, "doomed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(deleted) error = %v, want ErrNotFound", err)
	}
	hits, err := s.Search(ctx, "xylophone", "", 10, 0)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("search returned %d hits from a deleted conversation", len(hits))
	}
}

func TestDeleteDefaultRecreates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, DefaultConversationID, RoleUser, "hello"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.Delete(ctx, DefaultConversationID); err != nil {
		t.Fatalf("Delete(default) error = %v", err)
	}

	c, err := s.Get(ctx, DefaultConversationID)
	if err != nil {
		t.Fatalf("default conversation missing after delete: %v", err)
	}
	n, err := s.Count(ctx, c.ID)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 0 {
		t.Errorf("recreated default has %d messages, want 0", n)
	}
}

func TestRename(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "conv1", ""); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Rename(ctx, "conv1", "Trip planning"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	c, err := s.Get(ctx, "conv1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if c.Title != "Trip planning" {
		t.Errorf("title = %q, want %q", c.Title, "Trip planning")
	}

	if err := s.Rename(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Rename(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSystemPromptAndPersona(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "conv1", ""); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.SetSystemPrompt(ctx, "conv1", "You are terse."); err != nil {
		t.Fatalf("SetSystemPrompt() error = %v", err)
	}
	if err := s.SetPersona(ctx, "conv1", "pirate"); err != nil {
		t.Fatalf("SetPersona() error = %v", err)
	}
	c, err := s.Get(ctx, "conv1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if c.SystemPrompt != "You are terse." || c.Persona != "pirate" {
		t.Errorf("got (%q, %q)", c.SystemPrompt, c.Persona)
	}
}

func TestListOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "old", ""); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := s.Append(ctx, "fresh", RoleUser, "newest activity"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	convs, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(convs) < 2 {
		t.Fatalf("got %d conversations", len(convs))
	}
	if convs[0].ID != "fresh" {
		t.Errorf("most recently updated = %q, want %q", convs[0].ID, "fresh")
	}
}

func TestBuildContextSplitsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Ten messages of ~25 estimated tokens each.
	content := strings.Repeat("word ", 20)
	for i := 0; i < 10; i++ {
		if _, err := s.Append(ctx, "conv1", RoleUser, fmt.Sprintf("%d %s", i, content)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	perMsg := EstimateTokens(fmt.Sprintf("%d %s", 0, content))
	budget := perMsg * 3

	msgs, stats, err := s.BuildContext(ctx, "conv1", budget)
	if err != nil {
		t.Fatalf("BuildContext() error = %v", err)
	}
	if stats.TotalMessages != 10 {
		t.Errorf("TotalMessages = %d, want 10", stats.TotalMessages)
	}
	if stats.VerbatimCount != 3 {
		t.Errorf("VerbatimCount = %d, want 3", stats.VerbatimCount)
	}
	if stats.SummarizedCount != 7 {
		t.Errorf("SummarizedCount = %d, want 7", stats.SummarizedCount)
	}

	// First message is the synthesized summary, then the newest suffix whole.
	if len(msgs) != 4 {
		t.Fatalf("got %d context messages, want 4", len(msgs))
	}
	if msgs[0].Role != RoleSystem || !strings.HasPrefix(msgs[0].Content, "Summary of earlier conversation:") {
		t.Errorf("first message = (%s, %q), want system summary", msgs[0].Role, msgs[0].Content)
	}
	if !strings.HasPrefix(msgs[1].Content, "7 ") || !strings.HasPrefix(msgs[3].Content, "9 ") {
		t.Errorf("verbatim window = [%q..%q], want messages 7..9", msgs[1].Content, msgs[3].Content)
	}
}

func TestBuildContextAllFit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, "conv1", RoleUser, "short"); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	msgs, stats, err := s.BuildContext(ctx, "conv1", 10_000)
	if err != nil {
		t.Fatalf("BuildContext() error = %v", err)
	}
	if stats.SummarizedCount != 0 {
		t.Errorf("SummarizedCount = %d, want 0", stats.SummarizedCount)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (no summary message)", len(msgs))
	}
	for _, m := range msgs {
		if m.Role == RoleSystem {
			t.Errorf("unexpected summary message when everything fits")
		}
	}
}

func TestBuildContextTinyBudget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, "conv1", RoleUser, strings.Repeat("x", 400)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	msgs, stats, err := s.BuildContext(ctx, "conv1", 5)
	if err != nil {
		t.Fatalf("BuildContext() error = %v", err)
	}
	if stats.VerbatimCount != 0 || stats.SummarizedCount != 1 {
		t.Errorf("stats = %+v, want everything summarized", stats)
	}
	if len(msgs) != 1 || msgs[0].Role != RoleSystem {
		t.Fatalf("want summary-only context, got %d messages", len(msgs))
	}
}

func TestBuildContextEmptyConversation(t *testing.T) {
	s := newTestStore(t)

	msgs, stats, err := s.BuildContext(context.Background(), "nope", 1000)
	if err != nil {
		t.Fatalf("BuildContext() error = %v", err)
	}
	if msgs != nil || stats.TotalMessages != 0 {
		t.Errorf("empty conversation: msgs=%v stats=%+v", msgs, stats)
	}
}

// Growing the budget must never shrink the verbatim window.
func TestBuildContextBudgetMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if _, err := s.Append(ctx, "conv1", RoleUser, strings.Repeat("t", 10+i*13)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	prev := -1
	for budget := 0; budget <= 1500; budget += 25 {
		_, stats, err := s.BuildContext(ctx, "conv1", budget)
		if err != nil {
			t.Fatalf("BuildContext(%d) error = %v", budget, err)
		}
		if stats.VerbatimCount < prev {
			t.Fatalf("budget %d: verbatim count %d dropped below %d", budget, stats.VerbatimCount, prev)
		}
		prev = stats.VerbatimCount
	}
}

func TestBuildContextCustomSummarizer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, "conv1", RoleUser, strings.Repeat("a", 400)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := s.Append(ctx, "conv1", RoleUser, "tail"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	s.SetSummarizer(func(ctx context.Context, msgs []Message) (string, error) {
		return fmt.Sprintf("custom summary of %d messages", len(msgs)), nil
	})
	msgs, _, err := s.BuildContext(ctx, "conv1", EstimateTokens("tail"))
	if err != nil {
		t.Fatalf("BuildContext() error = %v", err)
	}
	if !strings.Contains(msgs[0].Content, "custom summary of 1 messages") {
		t.Errorf("summary = %q, want custom summarizer output", msgs[0].Content)
	}

	// A failing summarizer falls back to the extractive one.
	s.SetSummarizer(func(ctx context.Context, msgs []Message) (string, error) {
		return "", errors.New("model offline")
	})
	msgs, _, err = s.BuildContext(ctx, "conv1", EstimateTokens("tail"))
	if err != nil {
		t.Fatalf("BuildContext() error = %v", err)
	}
	if !strings.Contains(msgs[0].Content, "user:") {
		t.Errorf("fallback summary = %q, want extractive output", msgs[0].Content)
	}
}

func TestExtractiveSummaryDeterministic(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "Book a flight to Lisbon. Also check hotels."},
		{Role: RoleAssistant, Content: "Sure! I found three options for flights."},
	}
	a := ExtractiveSummary(msgs)
	b := ExtractiveSummary(msgs)
	if a != b {
		t.Fatalf("summary not deterministic:\n%q\n%q", a, b)
	}
	if !strings.Contains(a, "user: Book a flight to Lisbon.") {
		t.Errorf("summary = %q, want first sentence of first message", a)
	}
	if strings.Contains(a, "Also check hotels") {
		t.Errorf("summary = %q, should stop at first sentence", a)
	}

	if got := ExtractiveSummary(nil); got != "(no earlier messages)" {
		t.Errorf("empty summary = %q", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 1},
		{"abcd", 2},
		{strings.Repeat("x", 400), 101},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%d chars) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}

func TestAppendPartial(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendPartial(ctx, "conv1", RoleAssistant, "half an ans"); err != nil {
		t.Fatalf("AppendPartial() error = %v", err)
	}
	msgs, err := s.Messages(ctx, "conv1", 0, 0)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 1 || !msgs[0].Partial {
		t.Fatalf("want one partial message, got %+v", msgs)
	}
}
