// Package builtin registers the stock tools: web fetch and search, sandboxed
// shell execution, file access under the allowed roots, and a datetime
// helper. Every tool routes its safety checks through the safety package;
// handlers report recoverable failures inside the result, never as panics.
package builtin

import (
	"fmt"

	"github.com/valethq/valet/internal/ratelimit"
	"github.com/valethq/valet/internal/tools"
)

// Config wires the builtins.
type Config struct {
	// AllowedRoots are the directory roots file tools may touch.
	AllowedRoots []string
	// MaxFetchBytes caps a fetched response body. Zero selects 512 KiB.
	MaxFetchBytes int64
}

// RegisterAll registers every builtin tool with the registry.
func RegisterAll(reg *tools.Registry, cfg Config) error {
	if cfg.MaxFetchBytes <= 0 {
		cfg.MaxFetchBytes = defaultMaxFetchBytes
	}

	specs := []tools.Spec{
		webFetchSpec(cfg),
		webSearchSpec(cfg),
		shellExecSpec(),
		fileReadSpec(cfg),
		fileWriteSpec(cfg),
		fileListSpec(cfg),
		datetimeSpec(),
	}
	for _, spec := range specs {
		if err := reg.Register(spec); err != nil {
			return fmt.Errorf("builtin: %w", err)
		}
	}
	return nil
}

func shellRatePolicy() *ratelimit.Policy {
	p := ratelimit.ShellPolicy()
	return &p
}

// stringArg reads a string parameter; schema validation has already
// guaranteed the type, so the fallback is for optional params only.
func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

// intArg reads a numeric parameter. JSON numbers decode as float64.
func intArg(args map[string]any, name string, fallback int) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
