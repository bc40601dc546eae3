package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	t.Setenv("BASE_ROOT", base)
	t.Setenv("PLATFORM_TOKEN", "test-token-abcdef123456")
	return base
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxQueueSize != 10 {
		t.Fatalf("default queue size = %d", cfg.MaxQueueSize)
	}
	if cfg.TaskTimeout != 30*time.Minute {
		t.Fatalf("default task timeout = %v", cfg.TaskTimeout)
	}
	if cfg.DefaultBranch != "main" {
		t.Fatalf("default branch = %q", cfg.DefaultBranch)
	}
}

func TestLoad_MissingTokenRejected(t *testing.T) {
	t.Setenv("BASE_ROOT", t.TempDir())
	t.Setenv("PLATFORM_TOKEN", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without platform token")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	base := setBaseEnv(t)
	yaml := "max_queue_size: 3\ndefault_branch: develop\n"
	if err := os.WriteFile(filepath.Join(base, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MAX_QUEUE_SIZE", "7")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxQueueSize != 7 {
		t.Fatalf("env must override file, got %d", cfg.MaxQueueSize)
	}
	if cfg.DefaultBranch != "develop" {
		t.Fatalf("file value lost, got %q", cfg.DefaultBranch)
	}
}

func TestLoad_SnowflakeValidation(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ADMIN_CHANNEL_ID", "not-a-snowflake")
	if _, err := Load(); err == nil {
		t.Fatalf("expected malformed admin channel id to be rejected")
	}

	t.Setenv("ADMIN_CHANNEL_ID", "123456789012345678")
	t.Setenv("DM_USER_ALLOWLIST", "123456789012345678, 98765432109876543210999")
	if _, err := Load(); err == nil {
		t.Fatalf("expected oversized allowlist entry to be rejected")
	}

	t.Setenv("DM_USER_ALLOWLIST", "123456789012345678,987654321098765432")
	if _, err := Load(); err != nil {
		t.Fatalf("valid ids rejected: %v", err)
	}
}

func TestLoad_DurationEnvForms(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("TASK_TIMEOUT_MS", "60000")
	t.Setenv("EDIT_THROTTLE_MS", "2s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TaskTimeout != time.Minute {
		t.Fatalf("ms form: got %v", cfg.TaskTimeout)
	}
	if cfg.EditThrottle != 2*time.Second {
		t.Fatalf("duration form: got %v", cfg.EditThrottle)
	}
}

func TestIsSnowflake(t *testing.T) {
	if !IsSnowflake("12345678901234567") {
		t.Fatalf("17 digits must pass")
	}
	if IsSnowflake("1234567890123456") {
		t.Fatalf("16 digits must fail")
	}
	if IsSnowflake("123456789012345678901") {
		t.Fatalf("21 digits must fail")
	}
	if IsSnowflake("12345678901234567a") {
		t.Fatalf("non-digit must fail")
	}
}

func TestPaths(t *testing.T) {
	cfg := Config{BaseRoot: "/data/pilot"}
	if cfg.WorkspacesRoot() != filepath.Join("/data/pilot", "workspaces") {
		t.Fatalf("workspaces root = %q", cfg.WorkspacesRoot())
	}
	if cfg.StorePath() != filepath.Join("/data/pilot", "autopilot.db") {
		t.Fatalf("store path = %q", cfg.StorePath())
	}
}
