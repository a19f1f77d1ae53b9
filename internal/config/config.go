// Package config provides configuration management for solace.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Default configuration values. Timing values follow the standard profile;
// the brief and extended profiles in profiles.yaml shift them.
const (
	DefaultPort                    = 8787
	DefaultDatabaseDriver          = "sqlite"
	DefaultFeedBackend             = "memory"
	DefaultProfile                 = "standard"
	DefaultMaxConns                = 4
	DefaultIdleTimeoutMinutes      = 5
	DefaultMaxDurationMinutes      = 15
	DefaultMinUserMessages         = 3
	DefaultPollAttempts            = 5
	DefaultPollIntervalSeconds     = 3
	DefaultMonitorTickSeconds      = 1
	DefaultDedupWindowMillis       = 2000
	DefaultTranscriptTokenBudget   = 6000
	DefaultAssistantTimeoutSeconds = 30
	DefaultAnalysisTimeoutSeconds  = 60
	DefaultLogLevel                = "info"
)

// Config holds all solace settings. JSON keys double as the environment
// variable names that override them.
type Config struct {
	Port           int    `json:"SOLACE_PORT"`
	DatabaseDriver string `json:"SOLACE_DB_DRIVER"`
	DatabaseDSN    string `json:"SOLACE_DB_DSN"`
	MaxConns       int    `json:"SOLACE_DB_MAX_CONNS"`

	FeedBackend string `json:"SOLACE_FEED_BACKEND"`
	RedisAddr   string `json:"SOLACE_REDIS_ADDR"`

	AssistantURL            string `json:"SOLACE_ASSISTANT_URL"`
	AssistantTimeoutSeconds int    `json:"SOLACE_ASSISTANT_TIMEOUT_SECONDS"`
	AnalysisURL             string `json:"SOLACE_ANALYSIS_URL"`
	AnalysisTimeoutSeconds  int    `json:"SOLACE_ANALYSIS_TIMEOUT_SECONDS"`
	GraphAddr               string `json:"SOLACE_GRAPH_ADDR"`

	AuthTokenHash string `json:"SOLACE_AUTH_TOKEN_HASH"`

	Profile               string `json:"SOLACE_PROFILE"`
	IdleTimeoutMinutes    int    `json:"SOLACE_IDLE_TIMEOUT_MINUTES"`
	MaxDurationMinutes    int    `json:"SOLACE_MAX_DURATION_MINUTES"`
	MinUserMessages       int    `json:"SOLACE_MIN_USER_MESSAGES"`
	PollAttempts          int    `json:"SOLACE_POLL_ATTEMPTS"`
	PollIntervalSeconds   int    `json:"SOLACE_POLL_INTERVAL_SECONDS"`
	MonitorTickSeconds    int    `json:"SOLACE_MONITOR_TICK_SECONDS"`
	DedupWindowMillis     int    `json:"SOLACE_DEDUP_WINDOW_MILLIS"`
	TranscriptTokenBudget int    `json:"SOLACE_TRANSCRIPT_TOKEN_BUDGET"`

	// RedactTerms is a comma-separated deny list redacted from outbound
	// transcripts in addition to user-tagged spans.
	RedactTerms string `json:"SOLACE_REDACT_TERMS"`

	LogLevel string `json:"SOLACE_LOG_LEVEL"`
}

var (
	cached   *Config
	cachedMu sync.Mutex
)

// Default returns the built-in configuration (standard profile).
func Default() *Config {
	return &Config{
		Port:                    DefaultPort,
		DatabaseDriver:          DefaultDatabaseDriver,
		MaxConns:                DefaultMaxConns,
		FeedBackend:             DefaultFeedBackend,
		AssistantTimeoutSeconds: DefaultAssistantTimeoutSeconds,
		AnalysisTimeoutSeconds:  DefaultAnalysisTimeoutSeconds,
		Profile:                 DefaultProfile,
		IdleTimeoutMinutes:      DefaultIdleTimeoutMinutes,
		MaxDurationMinutes:      DefaultMaxDurationMinutes,
		MinUserMessages:         DefaultMinUserMessages,
		PollAttempts:            DefaultPollAttempts,
		PollIntervalSeconds:     DefaultPollIntervalSeconds,
		MonitorTickSeconds:      DefaultMonitorTickSeconds,
		DedupWindowMillis:       DefaultDedupWindowMillis,
		TranscriptTokenBudget:   DefaultTranscriptTokenBudget,
		LogLevel:                DefaultLogLevel,
	}
}

// DataDir returns the solace data directory (~/.solace by default,
// SOLACE_DATA_DIR overrides).
func DataDir() string {
	if dir := os.Getenv("SOLACE_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".solace")
}

// DBPath returns the SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), "solace.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// SessionsDir returns the directory holding per-user session snapshots.
func SessionsDir() string {
	return filepath.Join(DataDir(), "sessions")
}

// ProfilesPath returns the optional profile-override file path.
func ProfilesPath() string {
	return filepath.Join(DataDir(), "profiles.yaml")
}

// EnsureDataDir creates the data directory if missing.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSessionsDir creates the snapshot directory if missing.
func EnsureSessionsDir() error {
	return os.MkdirAll(SessionsDir(), 0750)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureAll initializes the data directory, settings file, and snapshot dir.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	if err := EnsureSettings(); err != nil {
		return err
	}
	return EnsureSessionsDir()
}

// Load builds the effective configuration: defaults, then the selected
// profile preset, then the settings file, then environment overrides.
// A malformed settings file falls back to defaults rather than failing.
func Load() (*Config, error) {
	cfg := Default()

	raw := readSettingsMap()
	applyEnvMap(raw)

	// Profile must be resolved before the preset is applied so that file or
	// env can select it.
	if p, ok := raw["SOLACE_PROFILE"]; ok {
		if s, ok := p.(string); ok && s != "" {
			cfg.Profile = s
		}
	}
	if preset, ok := lookupProfile(cfg.Profile); ok {
		preset.applyTo(cfg)
	}

	applySettings(cfg, raw)
	return cfg, nil
}

// Get returns the cached configuration, loading it on first use.
func Get() *Config {
	cachedMu.Lock()
	defer cachedMu.Unlock()
	if cached == nil {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		cached = cfg
	}
	return cached
}

// Reset clears the cached configuration. Intended for tests.
func Reset() {
	cachedMu.Lock()
	defer cachedMu.Unlock()
	cached = nil
}

// GetPort returns the listen port, preferring a valid SOLACE_PORT env value.
func GetPort() int {
	if v := os.Getenv("SOLACE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			return port
		}
	}
	return Get().Port
}

// IdleTimeout returns the idle timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

// MaxDuration returns the forced-completion cap as a duration.
func (c *Config) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationMinutes) * time.Minute
}

// PollInterval returns the fallback poll spacing as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// MonitorTick returns the idle-monitor tick as a duration.
func (c *Config) MonitorTick() time.Duration {
	return time.Duration(c.MonitorTickSeconds) * time.Second
}

// DedupWindow returns the legacy content-dedup window as a duration.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMillis) * time.Millisecond
}

// RedactTermList returns the configured deny-list terms.
func (c *Config) RedactTermList() []string {
	return splitTrim(c.RedactTerms)
}

// AssistantTimeout returns the assistant request timeout as a duration.
func (c *Config) AssistantTimeout() time.Duration {
	return time.Duration(c.AssistantTimeoutSeconds) * time.Second
}

// AnalysisTimeout returns the analysis request timeout as a duration.
func (c *Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.AnalysisTimeoutSeconds) * time.Second
}

// readSettingsMap reads the settings file into a loose key map. Missing or
// malformed files yield an empty map.
func readSettingsMap() map[string]interface{} {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(SettingsPath())
	if err != nil {
		return raw
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return map[string]interface{}{}
	}
	return raw
}

// applyEnvMap lets environment variables override file values key by key.
func applyEnvMap(raw map[string]interface{}) {
	for _, key := range settingKeys {
		if v := os.Getenv(key); v != "" {
			raw[key] = v
		}
	}
}

var settingKeys = []string{
	"SOLACE_PORT", "SOLACE_DB_DRIVER", "SOLACE_DB_DSN", "SOLACE_DB_MAX_CONNS",
	"SOLACE_FEED_BACKEND", "SOLACE_REDIS_ADDR",
	"SOLACE_ASSISTANT_URL", "SOLACE_ASSISTANT_TIMEOUT_SECONDS",
	"SOLACE_ANALYSIS_URL", "SOLACE_ANALYSIS_TIMEOUT_SECONDS",
	"SOLACE_GRAPH_ADDR", "SOLACE_AUTH_TOKEN_HASH",
	"SOLACE_PROFILE", "SOLACE_IDLE_TIMEOUT_MINUTES", "SOLACE_MAX_DURATION_MINUTES",
	"SOLACE_MIN_USER_MESSAGES", "SOLACE_POLL_ATTEMPTS", "SOLACE_POLL_INTERVAL_SECONDS",
	"SOLACE_MONITOR_TICK_SECONDS", "SOLACE_DEDUP_WINDOW_MILLIS",
	"SOLACE_TRANSCRIPT_TOKEN_BUDGET", "SOLACE_REDACT_TERMS", "SOLACE_LOG_LEVEL",
}

// applySettings copies recognized keys from the loose map onto the config.
func applySettings(cfg *Config, raw map[string]interface{}) {
	setInt(raw, "SOLACE_PORT", &cfg.Port)
	setString(raw, "SOLACE_DB_DRIVER", &cfg.DatabaseDriver)
	setString(raw, "SOLACE_DB_DSN", &cfg.DatabaseDSN)
	setInt(raw, "SOLACE_DB_MAX_CONNS", &cfg.MaxConns)
	setString(raw, "SOLACE_FEED_BACKEND", &cfg.FeedBackend)
	setString(raw, "SOLACE_REDIS_ADDR", &cfg.RedisAddr)
	setString(raw, "SOLACE_ASSISTANT_URL", &cfg.AssistantURL)
	setInt(raw, "SOLACE_ASSISTANT_TIMEOUT_SECONDS", &cfg.AssistantTimeoutSeconds)
	setString(raw, "SOLACE_ANALYSIS_URL", &cfg.AnalysisURL)
	setInt(raw, "SOLACE_ANALYSIS_TIMEOUT_SECONDS", &cfg.AnalysisTimeoutSeconds)
	setString(raw, "SOLACE_GRAPH_ADDR", &cfg.GraphAddr)
	setString(raw, "SOLACE_AUTH_TOKEN_HASH", &cfg.AuthTokenHash)
	setString(raw, "SOLACE_PROFILE", &cfg.Profile)
	setInt(raw, "SOLACE_IDLE_TIMEOUT_MINUTES", &cfg.IdleTimeoutMinutes)
	setInt(raw, "SOLACE_MAX_DURATION_MINUTES", &cfg.MaxDurationMinutes)
	setInt(raw, "SOLACE_MIN_USER_MESSAGES", &cfg.MinUserMessages)
	setInt(raw, "SOLACE_POLL_ATTEMPTS", &cfg.PollAttempts)
	setInt(raw, "SOLACE_POLL_INTERVAL_SECONDS", &cfg.PollIntervalSeconds)
	setInt(raw, "SOLACE_MONITOR_TICK_SECONDS", &cfg.MonitorTickSeconds)
	setInt(raw, "SOLACE_DEDUP_WINDOW_MILLIS", &cfg.DedupWindowMillis)
	setInt(raw, "SOLACE_TRANSCRIPT_TOKEN_BUDGET", &cfg.TranscriptTokenBudget)
	setString(raw, "SOLACE_REDACT_TERMS", &cfg.RedactTerms)
	setString(raw, "SOLACE_LOG_LEVEL", &cfg.LogLevel)
}

func setString(raw map[string]interface{}, key string, dst *string) {
	v, ok := raw[key]
	if !ok {
		return
	}
	if s, ok := v.(string); ok && s != "" {
		*dst = s
	}
}

func setInt(raw map[string]interface{}, key string, dst *int) {
	v, ok := raw[key]
	if !ok {
		return
	}
	switch n := v.(type) {
	case float64:
		if n > 0 {
			*dst = int(n)
		}
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(n)); err == nil && parsed > 0 {
			*dst = parsed
		}
	}
}

// splitTrim splits a comma-separated string, trimming whitespace and
// dropping empty entries.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
