// Package permission defines the process-wide tool permission levels.
// Levels are totally ordered: a tool runs only when the current level is at
// least its required level.
package permission

import (
	"fmt"
	"strconv"
	"strings"
)

// Level is an ordered permission tier.
type Level int

const (
	// Sandbox allows only tools that run inside the sandbox launcher or
	// are pure computations.
	Sandbox Level = iota

	// Local adds read access to local files and outbound network tools.
	Local

	// System adds writes and unsandboxed subprocess execution.
	System

	// Full removes remaining restrictions.
	Full
)

var names = [...]string{"SANDBOX", "LOCAL", "SYSTEM", "FULL"}

func (l Level) String() string {
	if l < Sandbox || l > Full {
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
	return names[l]
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l >= Sandbox && l <= Full
}

// Allows reports whether a caller at level l may run a tool requiring need.
func (l Level) Allows(need Level) bool {
	return l >= need
}

// Parse accepts a level name ("LOCAL") or its ordinal ("1").
func Parse(s string) (Level, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Sandbox, fmt.Errorf("permission: empty level")
	}
	for i, name := range names {
		if strings.EqualFold(trimmed, name) {
			return Level(i), nil
		}
	}
	if n, err := strconv.Atoi(trimmed); err == nil {
		l := Level(n)
		if l.Valid() {
			return l, nil
		}
	}
	return Sandbox, fmt.Errorf("permission: unknown level %q", s)
}
