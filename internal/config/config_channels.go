package config

import (
	"strconv"
	"strings"
)

// TelegramConfig configures the Telegram bot used as the escalation channel.
type TelegramConfig struct {
	Token             string              `json:"token"`
	ChatID            string              `json:"chat_id"`                         // numeric chat id or "@channelname"
	Proxy             string              `json:"proxy,omitempty"`                 // HTTP proxy for Bot API calls
	AllowFrom         FlexibleStringSlice `json:"allow_from"`                      // user ids or usernames allowed to answer
	PollTimeoutSec    int                 `json:"poll_timeout_sec,omitempty"`      // getUpdates long-poll wait (default 30)
	SendRatePerMinute int                 `json:"send_rate_per_minute,omitempty"` // outbound prompt budget (default 20)
}

// EffectiveAllowFrom returns the senders allowed to answer escalations.
// With no explicit allowlist, a private chat id doubles as the single allowed
// user (private chats share their id with the user).
func (c *Config) EffectiveAllowFrom() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Telegram.effectiveAllowFrom()
}

func (t TelegramConfig) effectiveAllowFrom() []string {
	if len(t.AllowFrom) > 0 {
		out := make([]string, 0, len(t.AllowFrom))
		for _, id := range t.AllowFrom {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
		return out
	}
	if id, err := strconv.ParseInt(strings.TrimSpace(t.ChatID), 10, 64); err == nil && id > 0 {
		return []string{strconv.FormatInt(id, 10)}
	}
	return nil
}

// parseIDList splits a comma-separated id list, dropping blanks.
func parseIDList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
