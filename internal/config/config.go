// Package config loads runtime configuration from the environment with an
// optional config.yaml underneath the base root. Environment values win.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// snowflakeRe validates chat-platform identifiers: 17-20 digit strings.
var snowflakeRe = regexp.MustCompile(`^[0-9]{17,20}$`)

// Config is the resolved runtime configuration.
type Config struct {
	// BaseRoot is the on-disk state directory holding workspaces/, repos/,
	// logs/, and the durable store file.
	BaseRoot string `yaml:"base_root"`

	PlatformToken string `yaml:"platform_token"`
	HostToken     string `yaml:"host_token"` // hosting-service token for clones, optional

	AdminChannelID string `yaml:"admin_channel_id"`
	AdminUserID    string `yaml:"admin_user_id"`
	AdminRoleIDs   []string `yaml:"admin_role_ids"`

	GuildAllowlist   []string `yaml:"guild_allowlist"`
	ChannelAllowlist []string `yaml:"channel_allowlist"`
	DMUserAllowlist  []string `yaml:"dm_user_allowlist"`

	DefaultModel  string `yaml:"default_model"`
	DefaultRepo   string `yaml:"default_repo"`   // owner/repo cloned when a channel has no override
	DefaultBranch string `yaml:"default_branch"` // base ref fallback

	MaxQueueSize    int           `yaml:"max_queue_size"`
	MaxPromptLen    int           `yaml:"max_prompt_len"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	EditThrottle    time.Duration `yaml:"edit_throttle"`
	PauseGrace      time.Duration `yaml:"pause_grace"`
	IdleSweepAfter  time.Duration `yaml:"idle_sweep_after"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	AutoApprovePush bool `yaml:"auto_approve_push"`
	AutoRetryCrash  bool `yaml:"auto_retry_crash"`

	LogLevel string `yaml:"log_level"`
}

func defaults() Config {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return Config{
		BaseRoot:        filepath.Join(home, ".autopilot"),
		DefaultBranch:   "main",
		DefaultModel:    "claude-sonnet-4-5",
		MaxQueueSize:    10,
		MaxPromptLen:    16000,
		TaskTimeout:     30 * time.Minute,
		EditThrottle:    1500 * time.Millisecond,
		PauseGrace:      6 * time.Hour,
		IdleSweepAfter:  24 * time.Hour,
		ShutdownTimeout: 15 * time.Second,
		LogLevel:        "info",
	}
}

// Load resolves configuration: defaults, then config.yaml if present, then
// environment overrides. Identifier allowlists are validated before use.
func Load() (Config, error) {
	cfg := defaults()

	if root := os.Getenv("BASE_ROOT"); root != "" {
		cfg.BaseRoot = root
	}

	path := filepath.Join(cfg.BaseRoot, "config.yaml")
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.PlatformToken == "" {
		return Config{}, fmt.Errorf("platform token is required (PLATFORM_TOKEN)")
	}
	if err := validateIDs(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setList := func(dst *[]string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = splitList(v)
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	setDur := func(dst *time.Duration, key string) {
		if v := os.Getenv(key); v != "" {
			if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
				*dst = time.Duration(ms) * time.Millisecond
			} else if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*dst = d
			}
		}
	}
	setBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}

	setString(&cfg.PlatformToken, "PLATFORM_TOKEN")
	setString(&cfg.HostToken, "HOST_TOKEN")
	setString(&cfg.AdminChannelID, "ADMIN_CHANNEL_ID")
	setString(&cfg.AdminUserID, "ADMIN_USER_ID")
	setList(&cfg.AdminRoleIDs, "ADMIN_ROLE_IDS")
	setList(&cfg.GuildAllowlist, "GUILD_ALLOWLIST")
	setList(&cfg.ChannelAllowlist, "CHANNEL_ALLOWLIST")
	setList(&cfg.DMUserAllowlist, "DM_USER_ALLOWLIST")
	setString(&cfg.DefaultModel, "DEFAULT_MODEL")
	setString(&cfg.DefaultRepo, "DEFAULT_REPO")
	setString(&cfg.DefaultBranch, "DEFAULT_BRANCH")
	setInt(&cfg.MaxQueueSize, "MAX_QUEUE_SIZE")
	setInt(&cfg.MaxPromptLen, "MAX_PROMPT_LEN")
	setDur(&cfg.TaskTimeout, "TASK_TIMEOUT_MS")
	setDur(&cfg.EditThrottle, "EDIT_THROTTLE_MS")
	setDur(&cfg.PauseGrace, "PAUSE_GRACE_MS")
	setDur(&cfg.IdleSweepAfter, "IDLE_SWEEP_AFTER_MS")
	setBool(&cfg.AutoApprovePush, "AUTO_APPROVE_PUSH")
	setBool(&cfg.AutoRetryCrash, "AUTO_RETRY_CRASH")
	setString(&cfg.LogLevel, "LOG_LEVEL")
}

func validateIDs(cfg *Config) error {
	check := func(name, id string) error {
		if id != "" && !snowflakeRe.MatchString(id) {
			return fmt.Errorf("%s %q is not a 17-20 digit identifier", name, id)
		}
		return nil
	}
	if err := check("admin channel id", cfg.AdminChannelID); err != nil {
		return err
	}
	if err := check("admin user id", cfg.AdminUserID); err != nil {
		return err
	}
	for _, group := range []struct {
		name string
		ids  []string
	}{
		{"admin role id", cfg.AdminRoleIDs},
		{"guild allowlist entry", cfg.GuildAllowlist},
		{"channel allowlist entry", cfg.ChannelAllowlist},
		{"dm user allowlist entry", cfg.DMUserAllowlist},
	} {
		for _, id := range group.ids {
			if err := check(group.name, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// WorkspacesRoot returns the directory holding per-channel worktrees.
func (c Config) WorkspacesRoot() string {
	return filepath.Join(c.BaseRoot, "workspaces")
}

// ReposRoot returns the directory holding bare-ish local clones.
func (c Config) ReposRoot() string {
	return filepath.Join(c.BaseRoot, "repos")
}

// StorePath returns the durable store file path.
func (c Config) StorePath() string {
	return filepath.Join(c.BaseRoot, "autopilot.db")
}

// IsSnowflake reports whether id is a well-formed platform identifier.
func IsSnowflake(id string) bool {
	return snowflakeRe.MatchString(id)
}
