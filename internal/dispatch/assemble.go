package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/valethq/valet/internal/backend"
	"github.com/valethq/valet/internal/conversations"
)

// assembleContext builds the system prompt and the message window for one
// request. System prompt resolution: per-conversation override, then
// per-conversation persona, then the global persona; the profile summary and
// any history summary synthesized by the store are folded into the system
// prompt so every backend sees them regardless of how it treats system-role
// messages.
func (d *Dispatcher) assembleContext(ctx context.Context, convID string, fileIDs []string) (string, []backend.Message, conversations.ContextStats, error) {
	conv, err := d.cfg.Conversations.Get(ctx, convID)
	if err != nil {
		return "", nil, conversations.ContextStats{}, err
	}

	var sys strings.Builder
	switch {
	case conv.SystemPrompt != "":
		sys.WriteString(conv.SystemPrompt)
	case conv.Persona != "":
		sys.WriteString(conv.Persona)
	default:
		sys.WriteString(d.cfg.Persona)
	}

	if d.cfg.Profile != nil {
		summary, err := d.cfg.Profile.Summary(ctx)
		if err != nil {
			d.log.Warn(ctx, "profile summary unavailable", "error", err)
		} else if summary != "" {
			if sys.Len() > 0 {
				sys.WriteString("\n\n")
			}
			sys.WriteString(summary)
		}
	}

	history, stats, err := d.cfg.Conversations.BuildContext(ctx, convID, d.cfg.ContextTokenBudget)
	if err != nil {
		return "", nil, stats, err
	}

	msgs := make([]backend.Message, 0, len(history))
	for _, m := range history {
		if m.Role == conversations.RoleSystem {
			if sys.Len() > 0 {
				sys.WriteString("\n\n")
			}
			sys.WriteString(m.Content)
			continue
		}
		msgs = append(msgs, backend.Message{Role: m.Role, Content: m.Content})
	}

	msgs = d.attachFiles(ctx, msgs, fileIDs)
	return sys.String(), msgs, stats, nil
}

// attachFiles resolves file ids onto the newest user message. Image
// attachments ride as content parts; anything else becomes a textual note
// the model can ask a file tool about.
func (d *Dispatcher) attachFiles(ctx context.Context, msgs []backend.Message, fileIDs []string) []backend.Message {
	if len(fileIDs) == 0 || d.cfg.Files == nil || len(msgs) == 0 {
		return msgs
	}

	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == backend.RoleUser {
			last = i
			break
		}
	}
	if last < 0 {
		return msgs
	}

	for _, id := range fileIDs {
		stored, err := d.cfg.Files.Get(id)
		if err != nil {
			d.log.Warn(ctx, "attachment not found", "file_id", id, "error", err)
			continue
		}
		if strings.HasPrefix(stored.MimeType, "image/") {
			msgs[last].Attachments = append(msgs[last].Attachments, backend.Attachment{
				Type:     "image",
				MimeType: stored.MimeType,
				URL:      "file://" + stored.Path,
			})
			continue
		}
		msgs[last].Content += fmt.Sprintf(
			"\n\n[attached file %s (%s, %d bytes) at %s]", stored.ID, stored.MimeType, stored.Size, stored.Path)
	}
	return msgs
}
