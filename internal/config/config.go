// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RustingSword/jarvis/internal/trigger"
)

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`

	Telegram struct {
		Token        string   `json:"token"`
		AllowedChats []string `json:"allowed_chats"`
		// StartupChats receive a short hello when the daemon starts.
		StartupChats []string `json:"startup_chats"`
	} `json:"telegram"`

	Agent struct {
		ExecPath       string   `json:"exec_path"`
		WorkspaceDir   string   `json:"workspace_dir"`
		ExtraArgs      []string `json:"extra_args"`
		Model          string   `json:"model"`
		TimeoutMinutes int      `json:"timeout_minutes"`
		MaxRetries     int      `json:"max_retries"`
		BackoffSeconds int      `json:"backoff_seconds"`
	} `json:"agent"`

	Bundler struct {
		WaitSeconds float64 `json:"wait_seconds"`
	} `json:"bundler"`

	Workers struct {
		MessageConcurrency int `json:"message_concurrency"`
	} `json:"workers"`

	Memory struct {
		Dir         string `json:"dir"`
		MaxResults  int    `json:"max_results"`
		TokenBudget int    `json:"token_budget"`
	} `json:"memory"`

	Verbosity string `json:"verbosity"`

	Heartbeat struct {
		ChatID   string   `json:"chat_id"`
		Files    []string `json:"files"`
		Schedule string   `json:"schedule"`
	} `json:"heartbeat"`

	Triggers struct {
		Cron                   []trigger.CronRule    `json:"cron"`
		Monitors               []trigger.MonitorRule `json:"monitors"`
		MonitorIntervalSeconds int                   `json:"monitor_interval_seconds"`
	} `json:"triggers"`

	Webhook struct {
		Addr        string `json:"addr"`
		Token       string `json:"token"`
		DefaultChat string `json:"default_chat"`
	} `json:"webhook"`
}

// Load reads path, writing a commented-out default file on first run.
// Environment variables override file values for secrets and paths.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	} else {
		return nil, err
	}

	// Env overrides (highest precedence).
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if token := os.Getenv("JARVIS_WEBHOOK_TOKEN"); token != "" {
		cfg.Webhook.Token = token
	}
	if dir := os.Getenv("JARVIS_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if execPath := os.Getenv("JARVIS_AGENT_EXEC"); execPath != "" {
		cfg.Agent.ExecPath = execPath
	}
	if chats := os.Getenv("JARVIS_ALLOWED_CHATS"); chats != "" {
		cfg.Telegram.AllowedChats = splitList(chats)
	}

	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{
		DataDir:   filepath.Join(os.Getenv("HOME"), ".jarvis"),
		LogLevel:  "info",
		Verbosity: "full",
	}
	cfg.Agent.ExecPath = "codex"
	cfg.Agent.Model = "gpt-4"
	cfg.Agent.TimeoutMinutes = 30
	cfg.Agent.MaxRetries = 2
	cfg.Agent.BackoffSeconds = 2
	cfg.Bundler.WaitSeconds = 2.0
	cfg.Workers.MessageConcurrency = 1
	cfg.Memory.MaxResults = 8
	cfg.Memory.TokenBudget = 1024
	cfg.Heartbeat.Schedule = "@every 30m"
	cfg.Triggers.MonitorIntervalSeconds = 60
	cfg.Webhook.Addr = ""
	return cfg
}

// DBPath is the SQLite database location under the data dir.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "jarvis.db") }

// SummaryDir holds archived compaction summaries.
func (c *Config) SummaryDir() string { return filepath.Join(c.DataDir, "summaries") }

// SpoolDir receives downloaded attachments.
func (c *Config) SpoolDir() string { return filepath.Join(c.DataDir, "spool") }

// HeartbeatStatePath holds the heartbeat change-detection record.
func (c *Config) HeartbeatStatePath() string {
	return filepath.Join(c.DataDir, "heartbeat.json")
}

// PIDPath is the daemon pid file.
func (c *Config) PIDPath() string { return filepath.Join(c.DataDir, "jarvis.pid") }

// AgentTimeout converts the configured minutes to a duration.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutMinutes) * time.Minute
}

// AgentBackoff converts the configured seconds to a duration.
func (c *Config) AgentBackoff() time.Duration {
	return time.Duration(c.Agent.BackoffSeconds) * time.Second
}

// BundlerWait converts the configured seconds to a duration.
func (c *Config) BundlerWait() time.Duration {
	return time.Duration(c.Bundler.WaitSeconds * float64(time.Second))
}

// MonitorInterval converts the configured seconds to a duration.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Triggers.MonitorIntervalSeconds) * time.Second
}

// HeartbeatFiles returns the configured watch list, defaulting to
// HEARTBEAT.md in the agent workspace.
func (c *Config) HeartbeatFiles() []string {
	if len(c.Heartbeat.Files) > 0 {
		return c.Heartbeat.Files
	}
	if c.Agent.WorkspaceDir == "" {
		return nil
	}
	return []string{filepath.Join(c.Agent.WorkspaceDir, "HEARTBEAT.md")}
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}

// Save writes cfg back to path atomically.
func Save(path string, cfg *Config) error {
	return writeDefaults(path, cfg)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
