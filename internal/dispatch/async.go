package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/valethq/valet/internal/backend"
	"github.com/valethq/valet/internal/conversations"
)

const (
	asyncTimeout = 30 * time.Second
	maxTitleLen  = 60
)

// afterFinalize kicks off the best-effort background work of a finished
// request: auto-titling and fact extraction. Failures are logged and
// dropped; nothing here can fail the request.
func (d *Dispatcher) afterFinalize(convID string, userMsg, assistantMsg *conversations.Message, backendName string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		d.autoTitle(ctx, convID, userMsg, assistantMsg, backendName)
		d.extractFacts(ctx, userMsg, assistantMsg)
	}()
}

// autoTitle names an untitled conversation once it holds a full exchange.
// It asks the model for a title and falls back to a truncation of the first
// user message when the model is unreachable.
func (d *Dispatcher) autoTitle(ctx context.Context, convID string, userMsg, assistantMsg *conversations.Message, backendName string) {
	conv, err := d.cfg.Conversations.Get(ctx, convID)
	if err != nil || conv.Title != "" {
		return
	}
	count, err := d.cfg.Conversations.Count(ctx, convID)
	if err != nil || count < 2 {
		return
	}

	title := d.modelTitle(ctx, userMsg, assistantMsg, backendName)
	if title == "" {
		title = deriveTitle(userMsg.Content)
	}
	if title == "" {
		return
	}
	if err := d.cfg.Conversations.Rename(ctx, convID, title); err != nil {
		d.log.Warn(ctx, "auto-title failed", "conversation_id", convID, "error", err)
	}
}

func (d *Dispatcher) modelTitle(ctx context.Context, userMsg, assistantMsg *conversations.Message, backendName string) string {
	adapter, ok := d.cfg.Backends[backendName]
	if !ok {
		return ""
	}

	var exchange strings.Builder
	exchange.WriteString("User: ")
	exchange.WriteString(deriveTitleSource(userMsg))
	if assistantMsg != nil {
		exchange.WriteString("\nAssistant: ")
		exchange.WriteString(deriveTitleSource(assistantMsg))
	}

	resp, err := backend.ChatOnce(ctx, adapter, &backend.Request{
		Model:  adapter.Model(),
		System: "Name conversations. Reply with a title of at most six words and nothing else.",
		Messages: []backend.Message{
			{Role: backend.RoleUser, Content: exchange.String()},
		},
		MaxTokens: 24,
	})
	if err != nil {
		return ""
	}
	return cleanTitle(resp.Text)
}

func deriveTitleSource(m *conversations.Message) string {
	content := m.Content
	if len(content) > 400 {
		content = content[:400]
	}
	return content
}

// deriveTitle is the offline fallback: the first line of the user message,
// truncated on a word boundary.
func deriveTitle(text string) string {
	return cleanTitle(text)
}

func cleanTitle(text string) string {
	title := strings.TrimSpace(text)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.Trim(title, `"'`)
	if len(title) > maxTitleLen {
		cut := strings.LastIndexByte(title[:maxTitleLen], ' ')
		if cut <= 0 {
			cut = maxTitleLen
		}
		title = title[:cut] + "..."
	}
	return strings.TrimSpace(title)
}

// extractFacts mines the exchange for durable user facts.
func (d *Dispatcher) extractFacts(ctx context.Context, userMsg, assistantMsg *conversations.Message) {
	if d.cfg.Extractor == nil || d.cfg.Facts == nil {
		return
	}

	msgs := []*conversations.Message{userMsg}
	if assistantMsg != nil {
		msgs = append(msgs, assistantMsg)
	}
	for _, m := range msgs {
		for _, f := range d.cfg.Extractor.Extract(ctx, m.ID, m.Role, m.Content) {
			applied, err := d.cfg.Facts.Upsert(ctx, f)
			if err != nil {
				d.log.Warn(ctx, "fact upsert failed", "type", f.Type, "error", err)
				continue
			}
			if applied && d.cfg.Profile != nil {
				if _, err := d.cfg.Profile.Apply(ctx, f); err != nil {
					d.log.Warn(ctx, "profile apply failed", "type", f.Type, "error", err)
				}
			}
		}
	}
}
