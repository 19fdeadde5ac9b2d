package safety

import (
	"regexp"
	"strings"
)

// DefaultMaxToolOutput caps tool output fed back to the model.
const DefaultMaxToolOutput = 10_000

// TruncationMarker is appended when output exceeds the cap.
const TruncationMarker = "\n...[output truncated]"

// SecurityWarning is prepended when injection patterns were redacted.
const SecurityWarning = "[SECURITY WARNING: potential prompt injection detected and redacted]\n"

// injectionPatterns cover instruction-override phrasing and model control
// markers. Matched spans are replaced with [REDACTED].
var injectionPatterns = []struct {
	re   *regexp.Regexp
	name string
}{
	{regexp.MustCompile(`(?i)ignore\s+(?:all\s+|any\s+)?(?:previous|prior|above)\s+(?:instructions|prompts|context|rules)`), "ignore previous instructions"},
	{regexp.MustCompile(`(?i)disregard\s+(?:all\s+|any\s+)?(?:previous|prior|your)\s+(?:instructions|prompts|rules)`), "disregard instructions"},
	{regexp.MustCompile(`(?i)forget\s+(?:all\s+|everything\s+)?(?:previous|prior|your)\s+(?:instructions|training|rules)`), "forget instructions"},
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+(?:a|an|in)\b`), "role reassignment"},
	{regexp.MustCompile(`(?i)new\s+(?:system\s+)?instructions?\s*:`), "new instructions marker"},
	{regexp.MustCompile(`(?i)system\s+prompt\s*:`), "system prompt marker"},
	{regexp.MustCompile(`<\|im_start\|>|<\|im_end\|>|<\|endoftext\|>`), "chat control token"},
	{regexp.MustCompile(`\[INST\]|\[/INST\]`), "instruction token"},
	{regexp.MustCompile(`(?i)\bDAN\s+mode\b|do\s+anything\s+now`), "jailbreak phrase"},
}

// DetectInjection replaces every injection-pattern match with [REDACTED] and
// returns the names of the patterns that fired.
func DetectInjection(text string) (string, []string) {
	var matched []string
	for _, p := range injectionPatterns {
		if p.re.MatchString(text) {
			text = p.re.ReplaceAllString(text, "[REDACTED]")
			matched = append(matched, p.name)
		}
	}
	return text, matched
}

// TruncateOutput caps s at max bytes on a rune boundary, appending the
// truncation marker when anything was cut. max <= 0 selects the default.
func TruncateOutput(s string, max int) string {
	if max <= 0 {
		max = DefaultMaxToolOutput
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + TruncationMarker
}

// SanitizeToolOutput runs injection detection and the size cap over raw tool
// output. When patterns were redacted the returned text leads with the
// security warning; the warning and marker do not count against max.
func SanitizeToolOutput(text string, max int) (string, []string) {
	sanitized, matched := DetectInjection(text)
	sanitized = TruncateOutput(sanitized, max)
	if len(matched) > 0 {
		sanitized = SecurityWarning + sanitized
	}
	return sanitized, matched
}

// Summarize renders a result summary bounded to n chars for audit rows.
func Summarize(s string, n int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}
