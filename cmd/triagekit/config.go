package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config holds all triagekit configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath   string `json:"db_path"`
	LogLevel string `json:"log_level"`

	// Provider selects the capability backend: "stub" serves deterministic
	// canned responses, "subprocess" launches the two MCP backend commands.
	Provider        string   `json:"provider"`
	InternalCommand string   `json:"internal_command"`
	InternalArgs    []string `json:"internal_args"`
	ExternalCommand string   `json:"external_command"`
	ExternalArgs    []string `json:"external_args"`

	// Decision rule expressions. Empty values keep the defaults.
	EscalationRule string `json:"escalation_rule"`
	AutoCloseRule  string `json:"auto_close_rule"`
	NotifyRule     string `json:"notify_rule"`
	ReportQuery    string `json:"report_query"`

	// Retention sweep schedule and window.
	RetentionCron   string `json:"retention_cron"`
	RetentionMaxAge string `json:"retention_max_age"`
}

func defaultConfig() Config {
	return Config{
		DBPath:          filepath.Join(triagekitDir(), "triagekit.db"),
		LogLevel:        "info",
		Provider:        "stub",
		RetentionCron:   "0 3 * * *",
		RetentionMaxAge: "168h",
	}
}

func triagekitDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".triagekit"
	}
	return filepath.Join(home, ".triagekit")
}

func settingsPath() string {
	return filepath.Join(triagekitDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("TRIAGE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TRIAGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TRIAGE_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("TRIAGE_INTERNAL_COMMAND"); v != "" {
		cfg.InternalCommand = v
	}
	if v := os.Getenv("TRIAGE_EXTERNAL_COMMAND"); v != "" {
		cfg.ExternalCommand = v
	}
	if v := os.Getenv("TRIAGE_ESCALATION_RULE"); v != "" {
		cfg.EscalationRule = v
	}
	if v := os.Getenv("TRIAGE_AUTO_CLOSE_RULE"); v != "" {
		cfg.AutoCloseRule = v
	}
	if v := os.Getenv("TRIAGE_NOTIFY_RULE"); v != "" {
		cfg.NotifyRule = v
	}
	if v := os.Getenv("TRIAGE_REPORT_QUERY"); v != "" {
		cfg.ReportQuery = v
	}
	if v := os.Getenv("TRIAGE_RETENTION_CRON"); v != "" {
		cfg.RetentionCron = v
	}
	if v := os.Getenv("TRIAGE_RETENTION_MAX_AGE"); v != "" {
		cfg.RetentionMaxAge = v
	}

	return cfg
}

// retentionMaxAge parses the retention window, falling back to 7 days on a
// malformed value.
func (c Config) retentionMaxAge() time.Duration {
	d, err := time.ParseDuration(c.RetentionMaxAge)
	if err != nil || d <= 0 {
		return 168 * time.Hour
	}
	return d
}
