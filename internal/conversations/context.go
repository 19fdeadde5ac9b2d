package conversations

import (
	"context"
	"fmt"
	"strings"
)

// Summarizer condenses older messages into one block of prose. BuildContext
// falls back to ExtractiveSummary when the summarizer is nil or fails, so
// context assembly never depends on a model being reachable.
type Summarizer func(ctx context.Context, messages []Message) (string, error)

// ContextStats describes how BuildContext split the history.
type ContextStats struct {
	SummarizedCount int `json:"summarized_count"`
	VerbatimCount   int `json:"verbatim_count"`
	TotalMessages   int `json:"total_messages"`
}

// BuildContext returns the context window for a model call: the longest
// suffix of the history whose estimated tokens fit tokenBudget, preceded by
// one synthesized system message summarizing everything older. Messages are
// never truncated mid-content; a message either fits whole or is summarized.
// The summary message does not count against tokenBudget.
func (s *Store) BuildContext(ctx context.Context, conversationID string, tokenBudget int) ([]Message, ContextStats, error) {
	history, err := s.Messages(ctx, conversationID, 0, 0)
	if err != nil {
		return nil, ContextStats{}, err
	}

	stats := ContextStats{TotalMessages: len(history)}
	if len(history) == 0 {
		return nil, stats, nil
	}

	// Walk from newest to oldest so a larger budget can only keep more.
	cut := len(history)
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		cost := history[i].TokenCount
		if cost <= 0 {
			cost = EstimateTokens(history[i].Content)
		}
		if used+cost > tokenBudget {
			break
		}
		used += cost
		cut = i
	}

	verbatim := history[cut:]
	older := history[:cut]
	stats.VerbatimCount = len(verbatim)
	stats.SummarizedCount = len(older)

	if len(older) == 0 {
		return verbatim, stats, nil
	}

	summary := s.summarize(ctx, older)
	out := make([]Message, 0, len(verbatim)+1)
	out = append(out, Message{
		ConversationID: conversationID,
		Role:           RoleSystem,
		Content:        "Summary of earlier conversation: " + summary,
		TokenCount:     EstimateTokens(summary),
	})
	out = append(out, verbatim...)
	return out, stats, nil
}

func (s *Store) summarize(ctx context.Context, older []Message) string {
	if s.summarizer != nil {
		if text, err := s.summarizer(ctx, older); err == nil && strings.TrimSpace(text) != "" {
			return text
		}
	}
	return ExtractiveSummary(older)
}

// extractive summary limits, chosen so the synthesized message stays a small
// fraction of any realistic budget.
const (
	summaryPerMessageChars = 100
	summaryTotalChars      = 1200
)

// ExtractiveSummary is the deterministic fallback summarizer: the first
// sentence of each message, role-tagged, oldest first, truncated at fixed
// bounds. Same input always yields the same output.
func ExtractiveSummary(messages []Message) string {
	if len(messages) == 0 {
		return "(no earlier messages)"
	}

	var b strings.Builder
	for _, m := range messages {
		line := fmt.Sprintf("%s: %s", m.Role, firstSentence(m.Content, summaryPerMessageChars))
		if b.Len() > 0 {
			if b.Len()+2+len(line) > summaryTotalChars {
				b.WriteString(" ...")
				break
			}
			b.WriteString("; ")
		}
		b.WriteString(line)
	}
	return b.String()
}

// firstSentence returns content up to the first sentence terminator, capped
// at max bytes on a rune boundary.
func firstSentence(content string, max int) string {
	content = strings.TrimSpace(content)
	if i := strings.IndexAny(content, ".!?\n"); i >= 0 {
		content = strings.TrimSpace(content[:i+1])
	}
	if len(content) <= max {
		return content
	}
	cut := max
	for cut > 0 && content[cut]&0xC0 == 0x80 {
		cut--
	}
	return content[:cut] + "..."
}
