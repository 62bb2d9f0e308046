package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
// Telegram user ids are usually written as bare numbers.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for humanloop.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Escalation EscalationConfig `json:"escalation"`
	MCP        MCPConfig        `json:"mcp"`
	Database   DatabaseConfig   `json:"database,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	mu         sync.RWMutex
}

// EscalationConfig tunes the rendezvous engine.
type EscalationConfig struct {
	Banner             string `json:"banner,omitempty"`               // first line of every prompt
	DefaultTimeoutSec  int    `json:"default_timeout_sec,omitempty"`  // default 1800
	MaxTimeoutSec      int    `json:"max_timeout_sec,omitempty"`      // 0 = unlimited
	SubmitTTLSec       int    `json:"submit_ttl_sec,omitempty"`       // TTL for telegram_prompt requests (default 300)
	CleanupIntervalSec int    `json:"cleanup_interval_sec,omitempty"` // janitor period (default 60)
}

// MCPConfig selects how the tool server is exposed.
type MCPConfig struct {
	Transport string `json:"transport,omitempty"` // "stdio" (default) or "http"
	Listen    string `json:"listen,omitempty"`    // listen address for "http" (default 127.0.0.1:18791)
}

// DatabaseConfig configures the escalation history store.
// PostgresDSN is never read from config.json, only from env HUMANLOOP_POSTGRES_DSN.
type DatabaseConfig struct {
	Driver      string `json:"driver,omitempty"`      // "none" (default), "sqlite", "postgres"
	SQLitePath  string `json:"sqlite_path,omitempty"` // default ~/.humanloop/history.db
	PostgresDSN string `json:"-"`
}

// TelemetryConfig configures OpenTelemetry export for escalation spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport (local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "humanloop")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// HistoryEnabled reports whether a history backend is configured.
func (c *Config) HistoryEnabled() bool {
	switch c.Database.Driver {
	case "sqlite":
		return true
	case "postgres":
		return c.Database.PostgresDSN != ""
	default:
		return false
	}
}

// Validate checks that the configuration can run an escalation bridge.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var problems []string
	if c.Telegram.Token == "" {
		problems = append(problems, "telegram.token is required (or HUMANLOOP_TELEGRAM_TOKEN)")
	}
	if c.Telegram.ChatID == "" {
		problems = append(problems, "telegram.chat_id is required (or HUMANLOOP_TELEGRAM_CHAT_ID)")
	}
	if len(c.Telegram.effectiveAllowFrom()) == 0 {
		problems = append(problems, "telegram.allow_from is empty and chat_id is not a private chat: no one could answer")
	}
	switch c.MCP.Transport {
	case "", "stdio", "http":
	default:
		problems = append(problems, fmt.Sprintf("mcp.transport %q is not one of stdio, http", c.MCP.Transport))
	}
	switch c.Database.Driver {
	case "", "none", "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not one of none, sqlite, postgres", c.Database.Driver))
	}
	if c.Database.Driver == "postgres" && c.Database.PostgresDSN == "" {
		problems = append(problems, "database.driver is postgres but HUMANLOOP_POSTGRES_DSN is not set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
