package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/valethq/valet/internal/permission"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "valet.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dispatch.PrimaryBackend != "anthropic" {
		t.Errorf("primary_backend default = %q", cfg.Dispatch.PrimaryBackend)
	}
	if cfg.Degrade.RecoveryWindow != 60*time.Second {
		t.Errorf("recovery_window default = %v", cfg.Degrade.RecoveryWindow)
	}
	if cfg.Tools.MaxOutputChars != 10000 {
		t.Errorf("max_output_chars default = %d", cfg.Tools.MaxOutputChars)
	}
	if cfg.Degrade.QueueCap != 100 {
		t.Errorf("queue_cap default = %d", cfg.Degrade.QueueCap)
	}
}

func TestLoadParsesAndDefaults(t *testing.T) {
	path := writeConfig(t, `
base_dir: /tmp/valet-test
dispatch:
  primary_backend: ollama
  local_only: true
backends:
  ollama:
    host: http://127.0.0.1:11434
permission:
  level: SYSTEM
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Dispatch.LocalOnly {
		t.Error("local_only not parsed")
	}
	if cfg.Dispatch.PrimaryBackend != "ollama" {
		t.Errorf("primary_backend = %q", cfg.Dispatch.PrimaryBackend)
	}
	if cfg.PermissionLevel() != permission.System {
		t.Errorf("permission level = %v", cfg.PermissionLevel())
	}
	if got := cfg.ConversationsDB(); got != "/tmp/valet-test/conversations.db" {
		t.Errorf("ConversationsDB = %q", got)
	}
	if got := cfg.EncryptionSaltFile(); got != "/tmp/valet-test/.encryption_key_salt" {
		t.Errorf("EncryptionSaltFile = %q", got)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, "dispatch:\n  primary_backend: bedrock\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown primary_backend")
	}
}

func TestLoadRejectsBadPermission(t *testing.T) {
	path := writeConfig(t, "permission:\n  level: root\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown permission level")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PERMISSION_LEVEL", "FULL")
	t.Setenv("VALET_OLLAMA_HOST", "http://10.0.0.9:11434")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PermissionLevel() != permission.Full {
		t.Errorf("PERMISSION_LEVEL override ignored: %v", cfg.PermissionLevel())
	}
	if cfg.Backends.Ollama.Host != "http://10.0.0.9:11434" {
		t.Errorf("VALET_OLLAMA_HOST override ignored: %q", cfg.Backends.Ollama.Host)
	}
}

func TestExternalServerValidation(t *testing.T) {
	path := writeConfig(t, "tools:\n  external:\n    - name: calc\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for external server without url")
	}
}
