// Package capabilities scans the host for useful command-line programs.
// The scan result feeds the suggested_tools hint in chat responses and is
// cached on disk so restarts do not re-probe the PATH.
package capabilities

import (
	"encoding/json"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long a scan stays fresh.
const DefaultTTL = 24 * time.Hour

// probes maps binaries worth detecting to the tools they make useful.
var probes = map[string]string{
	"git":     "shell_exec",
	"docker":  "shell_exec",
	"kubectl": "shell_exec",
	"python3": "shell_exec",
	"node":    "shell_exec",
	"go":      "shell_exec",
	"ffmpeg":  "shell_exec",
	"rg":      "shell_exec",
	"curl":    "web_fetch",
}

// Snapshot is the persisted scan result.
type Snapshot struct {
	ScannedAt time.Time         `json:"scanned_at"`
	Binaries  map[string]string `json:"binaries"` // name -> resolved path
}

// Scanner probes the PATH and caches the result in a JSON file.
type Scanner struct {
	path string
	ttl  time.Duration

	mu   sync.Mutex
	snap *Snapshot

	// seams for tests
	now      func() time.Time
	lookPath func(string) (string, error)
}

// NewScanner caches scans in the given file. Zero ttl selects DefaultTTL.
func NewScanner(path string, ttl time.Duration) *Scanner {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Scanner{
		path:     path,
		ttl:      ttl,
		now:      time.Now,
		lookPath: exec.LookPath,
	}
}

// Scan returns the current snapshot, re-probing only when the cached one
// is missing or stale.
func (s *Scanner) Scan() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap == nil {
		s.snap = s.load()
	}
	if s.snap != nil && s.now().Sub(s.snap.ScannedAt) < s.ttl {
		return s.snap
	}

	snap := &Snapshot{ScannedAt: s.now(), Binaries: make(map[string]string)}
	for name := range probes {
		if resolved, err := s.lookPath(name); err == nil {
			snap.Binaries[name] = resolved
		}
	}
	s.snap = snap
	s.store(snap)
	return snap
}

// SuggestedTools returns the tool names the detected binaries make useful,
// sorted and deduplicated.
func (s *Scanner) SuggestedTools() []string {
	snap := s.Scan()
	seen := make(map[string]struct{})
	for name := range snap.Binaries {
		if tool, ok := probes[name]; ok {
			seen[tool] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for tool := range seen {
		out = append(out, tool)
	}
	sort.Strings(out)
	return out
}

func (s *Scanner) load() *Snapshot {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil
	}
	return &snap
}

// store persists the snapshot. A write failure loses only the cache.
func (s *Scanner) store(snap *Snapshot) {
	if s.path == "" {
		return
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	os.WriteFile(s.path, data, 0o644)
}
