package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

const (
	DefaultTimeoutSec      = 1800
	DefaultSubmitTTLSec    = 300
	DefaultCleanupInterval = 60
	DefaultPollTimeoutSec  = 30
	DefaultSendRate        = 20
	DefaultBanner          = "❓ MCP Escalation"
	DefaultHTTPListen      = "127.0.0.1:18791"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			PollTimeoutSec:    DefaultPollTimeoutSec,
			SendRatePerMinute: DefaultSendRate,
		},
		Escalation: EscalationConfig{
			Banner:             DefaultBanner,
			DefaultTimeoutSec:  DefaultTimeoutSec,
			SubmitTTLSec:       DefaultSubmitTTLSec,
			CleanupIntervalSec: DefaultCleanupInterval,
		},
		MCP: MCPConfig{
			Transport: "stdio",
			Listen:    DefaultHTTPListen,
		},
		Database: DatabaseConfig{
			Driver:     "none",
			SQLitePath: "~/.humanloop/history.db",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values. The unprefixed TELEGRAM_* names
// are accepted for compatibility with existing MCP client setups.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	envStr("TELEGRAM_BOT_TOKEN", &c.Telegram.Token)
	envStr("HUMANLOOP_TELEGRAM_TOKEN", &c.Telegram.Token)
	envStr("TELEGRAM_CHAT_ID", &c.Telegram.ChatID)
	envStr("HUMANLOOP_TELEGRAM_CHAT_ID", &c.Telegram.ChatID)
	envStr("HUMANLOOP_TELEGRAM_PROXY", &c.Telegram.Proxy)
	if v := os.Getenv("TELEGRAM_ALLOWED_USER_IDS"); v != "" {
		c.Telegram.AllowFrom = parseIDList(v)
	}
	if v := os.Getenv("HUMANLOOP_TELEGRAM_ALLOW_FROM"); v != "" {
		c.Telegram.AllowFrom = parseIDList(v)
	}
	envInt("HUMANLOOP_TELEGRAM_POLL_TIMEOUT_SEC", &c.Telegram.PollTimeoutSec)

	envInt("HUMANLOOP_DEFAULT_TIMEOUT_SEC", &c.Escalation.DefaultTimeoutSec)
	envInt("HUMANLOOP_MAX_TIMEOUT_SEC", &c.Escalation.MaxTimeoutSec)
	envInt("COMMAND_TIMEOUT", &c.Escalation.SubmitTTLSec)
	envInt("HUMANLOOP_SUBMIT_TTL_SEC", &c.Escalation.SubmitTTLSec)

	envStr("HUMANLOOP_MCP_TRANSPORT", &c.MCP.Transport)
	envStr("HUMANLOOP_MCP_LISTEN", &c.MCP.Listen)

	// Database
	envStr("HUMANLOOP_DB_DRIVER", &c.Database.Driver)
	envStr("HUMANLOOP_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("HUMANLOOP_POSTGRES_DSN", &c.Database.PostgresDSN)

	// Telemetry
	envStr("HUMANLOOP_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("HUMANLOOP_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("HUMANLOOP_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("HUMANLOOP_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("HUMANLOOP_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// applyDefaults fills zero values left by a sparse config file.
func (c *Config) applyDefaults() {
	if c.Telegram.PollTimeoutSec <= 0 {
		c.Telegram.PollTimeoutSec = DefaultPollTimeoutSec
	}
	if c.Telegram.SendRatePerMinute <= 0 {
		c.Telegram.SendRatePerMinute = DefaultSendRate
	}
	if c.Escalation.Banner == "" {
		c.Escalation.Banner = DefaultBanner
	}
	if c.Escalation.DefaultTimeoutSec <= 0 {
		c.Escalation.DefaultTimeoutSec = DefaultTimeoutSec
	}
	if c.Escalation.SubmitTTLSec <= 0 {
		c.Escalation.SubmitTTLSec = DefaultSubmitTTLSec
	}
	if c.Escalation.CleanupIntervalSec <= 0 {
		c.Escalation.CleanupIntervalSec = DefaultCleanupInterval
	}
	if c.MCP.Transport == "" {
		c.MCP.Transport = "stdio"
	}
	if c.MCP.Listen == "" {
		c.MCP.Listen = DefaultHTTPListen
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "none"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "humanloop"
	}
}

// CleanupInterval returns the janitor period.
func (c *Config) CleanupInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Escalation.CleanupIntervalSec) * time.Second
}

// Save writes the config to a JSON file with secrets stripped.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	cp := cfg.copyData()
	cp.StripSecrets()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// SaveWithSecrets writes the config including the bot token. Used by onboard
// when the operator explicitly asks to keep the token on disk.
func SaveWithSecrets(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg.copyData(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// copyData returns a shallow copy of the data fields. Caller holds c.mu.
func (c *Config) copyData() *Config {
	return &Config{
		Telegram:   c.Telegram,
		Escalation: c.Escalation,
		MCP:        c.MCP,
		Database:   c.Database,
		Telemetry:  c.Telemetry,
	}
}

// Hash returns a SHA-256 hash of the config, used to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c.copyData())
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a copy of the config with all secret fields masked.
// Used by doctor output.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cp := c.copyData()
	maskNonEmpty(&cp.Telegram.Token)
	maskNonEmpty(&cp.Database.PostgresDSN)
	if len(c.Telemetry.Headers) > 0 {
		headers := make(map[string]string, len(c.Telemetry.Headers))
		for k := range c.Telemetry.Headers {
			headers[k] = secretMask
		}
		cp.Telemetry.Headers = headers
	}
	return cp
}

// StripSecrets zeros out all secret fields in the config.
// Used before saving to disk so secrets never persist in config.json.
func (c *Config) StripSecrets() {
	c.Telegram.Token = ""
	c.Database.PostgresDSN = ""
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
