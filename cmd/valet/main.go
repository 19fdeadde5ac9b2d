// Package main is the valet CLI: a single-user local AI assistant server.
//
// Start the server:
//
//	valet serve --config ~/.valet/valet.yaml
//
// Environment variables:
//
//   - ANTHROPIC_API_KEY: Anthropic API key (settings store takes precedence)
//   - OPENAI_API_KEY: OpenAI API key (settings store takes precedence)
//   - VALET_OLLAMA_HOST / VALET_OLLAMA_MODEL: local backend overrides
//   - VALET_MASTER_KEY: base64 32-byte secrets master key override
//   - PERMISSION_LEVEL: startup tool permission level (0..3 or name)
//   - LOG_LEVEL: debug, info, warn, error
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/valethq/valet/internal/config"
	"github.com/valethq/valet/internal/server"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes: 0 success, 1 runtime failure, 2 configuration or usage error.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ce *configError
		if errors.As(err, &ce) {
			return exitConfig
		}
		return exitRuntime
	}
	return exitOK
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "valet",
		Short:        "valet - local AI assistant server",
		Long:         "valet runs a single-user assistant: chat dispatch across cloud and local models,\nsafe tool execution, and durable conversation memory, all behind one HTTP port.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildVersionCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the valet server",
		Long: `Start the valet server: open the stores under the base directory, wire the
model backends and tools, and serve the HTTP API.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("valet %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &configError{err: err}
	}

	core, err := server.New(ctx, cfg, version)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- core.Start() }()

	select {
	case err := <-errCh:
		core.Shutdown(context.Background())
		return err
	case <-ctx.Done():
		stop()
		return core.Shutdown(context.Background())
	}
}

// configError marks failures that warrant exit code 2.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }
