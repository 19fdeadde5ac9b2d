// Package safety validates tool inputs and outputs before and after
// execution: shell command sanitization, path containment, URL vetting
// against private address ranges, and prompt-injection detection. Functions
// here are pure; the only state is compiled patterns.
package safety

import "fmt"

// BlockedError is returned when an input is rejected by a safety rule.
type BlockedError struct {
	Reason string
}

// Error implements the error interface.
func (e *BlockedError) Error() string {
	return e.Reason
}

func blocked(format string, args ...any) *BlockedError {
	return &BlockedError{Reason: fmt.Sprintf(format, args...)}
}
