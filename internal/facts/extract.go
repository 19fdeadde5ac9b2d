package facts

import (
	"context"
	"regexp"
	"strings"
)

// Extractor derives facts from a message. Implementations must be safe for
// concurrent use; extraction runs on a background goroutine after each
// completed exchange.
type Extractor interface {
	Extract(ctx context.Context, messageID, role, content string) []Fact
}

// RegexExtractor is the default extractor: a fixed set of patterns over user
// messages. Deterministic, no model involved.
type RegexExtractor struct{}

// NewRegexExtractor returns the default pattern extractor.
func NewRegexExtractor() *RegexExtractor { return &RegexExtractor{} }

type pattern struct {
	re         *regexp.Regexp
	factType   string
	key        string // empty means derive from the captured value
	confidence float64
}

var patterns = []pattern{
	{
		re:         regexp.MustCompile(`(?i)\bmy name is ([A-Z][a-zA-Z'-]+(?: [A-Z][a-zA-Z'-]+)?)`),
		factType:   TypePersonal,
		key:        "name",
		confidence: 0.9,
	},
	{
		re:         regexp.MustCompile(`(?i)\bcall me ([A-Z][a-zA-Z'-]+)`),
		factType:   TypePersonal,
		key:        "nickname",
		confidence: 0.8,
	},
	{
		re:         regexp.MustCompile(`(?i)\bI live in ([A-Z][a-zA-Z' -]{1,40}?)(?:[.,!?\n]|$)`),
		factType:   TypePersonal,
		key:        "location",
		confidence: 0.8,
	},
	{
		re:         regexp.MustCompile(`(?i)\bI work (?:at|for) ([A-Z][a-zA-Z0-9&.' -]{1,40}?)(?:[.,!?\n]|$)`),
		factType:   TypeWork,
		key:        "employer",
		confidence: 0.8,
	},
	{
		re:         regexp.MustCompile(`(?i)\bI(?:'m| am) an? ([a-z][a-z -]{2,40}?)(?: at | by trade|[.,!?\n]|$)`),
		factType:   TypeWork,
		key:        "role",
		confidence: 0.6,
	},
	{
		re:         regexp.MustCompile(`(?i)\bI (?:prefer|like|love) ([a-zA-Z0-9' -]{2,60}?)(?:[.,!?\n]|$)`),
		factType:   TypePreference,
		confidence: 0.6,
	},
	{
		re:         regexp.MustCompile(`(?i)\bI(?:'m| am) working on ([a-zA-Z0-9' -]{2,60}?)(?:[.,!?\n]|$)`),
		factType:   TypeProject,
		confidence: 0.6,
	},
	{
		re:         regexp.MustCompile(`(?i)\bevery (monday|tuesday|wednesday|thursday|friday|saturday|sunday|morning|afternoon|evening|night|weekend|weekday)\b([a-zA-Z0-9' -]{0,60})`),
		factType:   TypeTemporal,
		confidence: 0.5,
	},
	{
		re:         regexp.MustCompile(`(?i)\b(?:please )?(?:keep|make) (?:it|answers|responses) (short|brief|concise|detailed|formal|casual)\b`),
		factType:   TypeBehavioral,
		key:        "response_style",
		confidence: 0.7,
	},
}

// Extract applies the pattern set. Only user messages carry facts; assistant
// and tool output is ignored.
func (e *RegexExtractor) Extract(ctx context.Context, messageID, role, content string) []Fact {
	if role != "user" || strings.TrimSpace(content) == "" {
		return nil
	}

	var out []Fact
	for _, p := range patterns {
		m := p.re.FindStringSubmatch(content)
		if m == nil {
			continue
		}
		value := strings.TrimSpace(m[1])
		if value == "" {
			continue
		}

		key := p.key
		switch p.factType {
		case TypePreference, TypeProject:
			key = slug(value)
		case TypeTemporal:
			key = strings.ToLower(m[1])
			value = strings.TrimSpace(m[1] + m[2])
		}
		if key == "" {
			continue
		}

		out = append(out, Fact{
			Type:            p.factType,
			Key:             key,
			Value:           value,
			SourceMessageID: messageID,
			Confidence:      p.confidence,
		})
	}
	return out
}

const maxSlugLen = 32

// slug normalizes a captured value into a stable fact key.
func slug(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	var b strings.Builder
	lastDash := true
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('_')
				lastDash = true
			}
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.TrimRight(b.String(), "_")
}
