package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// clearEnv blanks every variable Load reads so host settings cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TELEGRAM_BOT_TOKEN", "HUMANLOOP_TELEGRAM_TOKEN", "TELEGRAM_CHAT_ID",
		"HUMANLOOP_TELEGRAM_CHAT_ID", "TELEGRAM_ALLOWED_USER_IDS", "HUMANLOOP_TELEGRAM_ALLOW_FROM",
		"HUMANLOOP_DEFAULT_TIMEOUT_SEC", "COMMAND_TIMEOUT", "HUMANLOOP_SUBMIT_TTL_SEC",
		"HUMANLOOP_DB_DRIVER", "HUMANLOOP_POSTGRES_DSN", "HUMANLOOP_MCP_TRANSPORT",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFlexibleStringSlice(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"strings", `["1", "alice"]`, []string{"1", "alice"}},
		{"numbers", `[123456789, 42]`, []string{"123456789", "42"}},
		{"mixed", `[7, "bob"]`, []string{"7", "bob"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got FlexibleStringSlice
			if err := json.Unmarshal([]byte(tt.in), &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Escalation.DefaultTimeoutSec != DefaultTimeoutSec {
		t.Errorf("default timeout = %d, want %d", cfg.Escalation.DefaultTimeoutSec, DefaultTimeoutSec)
	}
	if cfg.Escalation.SubmitTTLSec != DefaultSubmitTTLSec {
		t.Errorf("submit ttl = %d, want %d", cfg.Escalation.SubmitTTLSec, DefaultSubmitTTLSec)
	}
	if cfg.MCP.Transport != "stdio" {
		t.Errorf("transport = %q, want stdio", cfg.MCP.Transport)
	}
}

func TestLoad_JSON5AndEnvOverride(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `{
		// comments are fine
		telegram: {
			token: "file-token",
			chat_id: "-100123",
			allow_from: [111, "carol"],
		},
		escalation: { default_timeout_sec: 60 },
	}`)
	t.Setenv("HUMANLOOP_TELEGRAM_TOKEN", "env-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Errorf("token = %q, env should win", cfg.Telegram.Token)
	}
	if cfg.Telegram.ChatID != "-100123" {
		t.Errorf("chat id = %q", cfg.Telegram.ChatID)
	}
	if got := strings.Join(cfg.Telegram.AllowFrom, ","); got != "111,carol" {
		t.Errorf("allow_from = %q", got)
	}
	if cfg.Escalation.DefaultTimeoutSec != 60 {
		t.Errorf("default timeout = %d, want 60", cfg.Escalation.DefaultTimeoutSec)
	}
	// Sparse file: untouched sections still get defaults.
	if cfg.Escalation.Banner != DefaultBanner {
		t.Errorf("banner = %q", cfg.Escalation.Banner)
	}
}

func TestLoad_LegacyAllowedUserIDs(t *testing.T) {
	clearEnv(t)
	t.Setenv("TELEGRAM_ALLOWED_USER_IDS", " 1, 2 ,,3")
	cfg, err := Load(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := strings.Join(cfg.Telegram.AllowFrom, ","); got != "1,2,3" {
		t.Errorf("allow_from = %q, want 1,2,3", got)
	}
}

func TestLoad_ParseError(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `{telegram: `)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEffectiveAllowFrom(t *testing.T) {
	tests := []struct {
		name   string
		tg     TelegramConfig
		expect string
	}{
		{"explicit list wins", TelegramConfig{ChatID: "5", AllowFrom: FlexibleStringSlice{"9"}}, "9"},
		{"private chat fallback", TelegramConfig{ChatID: "12345"}, "12345"},
		{"group chat has no fallback", TelegramConfig{ChatID: "-100777"}, ""},
		{"channel username has no fallback", TelegramConfig{ChatID: "@ops"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Telegram = tt.tg
			if got := strings.Join(cfg.EffectiveAllowFrom(), ","); got != tt.expect {
				t.Errorf("EffectiveAllowFrom() = %q, want %q", got, tt.expect)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty config should not validate")
	}

	cfg.Telegram.Token = "t"
	cfg.Telegram.ChatID = "42"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.Database.Driver = "postgres"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "HUMANLOOP_POSTGRES_DSN") {
		t.Errorf("expected DSN complaint, got %v", err)
	}
}

func TestSaveStripsSecrets(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	cfg.Telegram.Token = "secret"
	cfg.Telegram.ChatID = "42"
	path := filepath.Join(t.TempDir(), "sub", "config.json")

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(data), "secret") {
		t.Error("token written to disk")
	}
	if cfg.Telegram.Token != "secret" {
		t.Error("Save mutated the live config")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Telegram.ChatID != "42" {
		t.Errorf("chat id lost: %q", loaded.Telegram.ChatID)
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Telegram.Token = "secret"
	masked := cfg.MaskedCopy()
	if masked.Telegram.Token != secretMask {
		t.Errorf("token = %q, want mask", masked.Telegram.Token)
	}
	if cfg.Telegram.Token != "secret" {
		t.Error("MaskedCopy mutated source")
	}
}
