package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "gateway.yaml", `
security:
  spicy_enabled: true
  workspace_root: /tmp/ws
  context_root: /tmp/ctx
codex:
  request_timeout: 30s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Security.SpicyEnabled {
		t.Error("expected spicy_enabled true")
	}
	if cfg.Security.WorkspaceRoot != "/tmp/ws" {
		t.Errorf("workspace_root = %q", cfg.Security.WorkspaceRoot)
	}
	if cfg.Codex.RequestTimeout != 30*time.Second {
		t.Errorf("request_timeout = %v", cfg.Codex.RequestTimeout)
	}
	// Untouched fields keep defaults.
	if cfg.Codex.Command != "codex" {
		t.Errorf("codex.command = %q, expected default", cfg.Codex.Command)
	}
	if len(cfg.Security.ContinuityFiles) == 0 {
		t.Error("expected default continuity files")
	}
}

func TestLoad_JSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "gateway.json5", `{
  // comments are allowed
  security: { workspace_root: "/tmp/ws", context_root: "/tmp/ctx" },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Security.WorkspaceRoot != "/tmp/ws" {
		t.Errorf("workspace_root = %q", cfg.Security.WorkspaceRoot)
	}
}

func TestLoad_IncludeMerge(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
security:
  workspace_root: /tmp/base-ws
  context_root: /tmp/base-ctx
logging:
  level: debug
`)
	path := writeFile(t, dir, "main.yaml", `
$include: base.yaml
security:
  workspace_root: /tmp/override-ws
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Security.WorkspaceRoot != "/tmp/override-ws" {
		t.Errorf("workspace_root = %q, expected override", cfg.Security.WorkspaceRoot)
	}
	if cfg.Security.ContextRoot != "/tmp/base-ctx" {
		t.Errorf("context_root = %q, expected inherited", cfg.Security.ContextRoot)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, expected inherited", cfg.Logging.Level)
	}
}

func TestLoad_IncludeList(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "first.yaml", `
logging:
  level: debug
security:
  workspace_root: /tmp/first-ws
  context_root: /tmp/first-ctx
`)
	writeFile(t, dir, "second.yaml", `
security:
  workspace_root: /tmp/second-ws
`)
	path := writeFile(t, dir, "main.yaml", `
$include:
  - first.yaml
  - second.yaml
metrics:
  enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Later includes override earlier ones, the including file wins last.
	if cfg.Security.WorkspaceRoot != "/tmp/second-ws" {
		t.Errorf("workspace_root = %q", cfg.Security.WorkspaceRoot)
	}
	if cfg.Security.ContextRoot != "/tmp/first-ctx" {
		t.Errorf("context_root = %q", cfg.Security.ContextRoot)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q", cfg.Logging.Level)
	}
	if !cfg.Metrics.Enabled {
		t.Error("metrics.enabled should come from main.yaml")
	}
}

func TestLoad_IncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	writeFile(t, dir, "b.yaml", "$include: a.yaml\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("CLAWGATE_TEST_WS", "/tmp/env-ws")
	dir := t.TempDir()
	path := writeFile(t, dir, "gateway.yaml", `
security:
  workspace_root: ${CLAWGATE_TEST_WS}
  context_root: /tmp/ctx
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Security.WorkspaceRoot != "/tmp/env-ws" {
		t.Errorf("workspace_root = %q", cfg.Security.WorkspaceRoot)
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "gateway.yaml", "no_such_section:\n  x: 1\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_ContinuityFilesMustBeBareNames(t *testing.T) {
	cfg := Default()
	cfg.Security.ContinuityFiles = []string{"../identity.md"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for path-like continuity entry")
	}
}
