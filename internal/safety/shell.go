package safety

import (
	"regexp"
	"strings"
)

// shellMetachars maps rejected shell metacharacters to their risk category.
var shellMetachars = map[rune]string{
	';':  "command chaining",
	'&':  "background execution",
	'|':  "pipe",
	'`':  "subshell",
	'$':  "expansion",
	'<':  "redirect",
	'>':  "redirect",
	'(':  "subshell",
	')':  "subshell",
	'[':  "glob",
	']':  "glob",
	'{':  "brace expansion",
	'}':  "brace expansion",
	'*':  "glob",
	'?':  "glob",
	'~':  "home expansion",
}

// destructivePatterns are rejected even when no metacharacter appears.
var destructivePatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`(?i)\brm\s+(?:-[a-zA-Z]+\s+)*-[a-zA-Z]*[rf][a-zA-Z]*\s+/(?:\s|$)`), "recursive delete of filesystem root"},
	{regexp.MustCompile(`:\(\)\s*\{`), "fork bomb"},
	{regexp.MustCompile(`(?i)\bmkfs\b`), "filesystem format"},
	{regexp.MustCompile(`(?i)\bdd\s+[^\n]*\bif=/dev/(?:zero|u?random)\b`), "disk overwrite via dd"},
	{regexp.MustCompile(`(?i)\bof=/dev/(?:sd[a-z]|hd[a-z]|vd[a-z]|nvme\d+n\d+|disk\d+)`), "write to raw block device"},
	{regexp.MustCompile(`(?i)\bchmod\s+(?:-[a-zA-Z]+\s+)*0?777\s+/(?:\s|$)`), "world-writable filesystem root"},
	{regexp.MustCompile(`(?i)\bchown\s+(?:-[a-zA-Z]+\s+)*root(?::\w+)?\s+/(?:\s|$)`), "ownership change of filesystem root"},
}

// SanitizeShell vets a shell command before it reaches the sandbox. It
// returns the trimmed command, or a BlockedError naming the first
// destructive pattern or metacharacter found.
func SanitizeShell(cmd string) (string, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return "", blocked("empty command")
	}

	for _, p := range destructivePatterns {
		if p.re.MatchString(cmd) {
			return "", blocked("destructive command blocked: %s", p.desc)
		}
	}

	for i, r := range cmd {
		if risk, ok := shellMetachars[r]; ok {
			return "", blocked("shell metacharacter %q at position %d (%s)", r, i, risk)
		}
	}

	return cmd, nil
}
