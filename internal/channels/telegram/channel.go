package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/humanloop/internal/channels"
	"github.com/nextlevelbuilder/humanloop/internal/config"
)

// maxMessageLength is the Bot API limit for a single text message.
const maxMessageLength = 4096

// httpSlack is added on top of the long-poll wait so the HTTP client never
// gives up before Telegram answers an empty getUpdates.
const httpSlack = 15 * time.Second

// Channel connects to Telegram via the Bot API. Updates are pulled explicitly
// with getUpdates so the caller owns the offset.
type Channel struct {
	bot    *telego.Bot
	config config.TelegramConfig
	chatID telego.ChatID
}

// Option configures a Channel beyond what config provides.
type Option func(*[]telego.BotOption)

// WithAPIServer points the bot at a different Bot API server (tests, local bot API).
func WithAPIServer(apiURL string) Option {
	return func(opts *[]telego.BotOption) {
		*opts = append(*opts, telego.WithAPIServer(apiURL))
	}
}

// New creates a new Telegram channel from config.
func New(cfg config.TelegramConfig, extra ...Option) (*Channel, error) {
	chatID, err := parseChatID(cfg.ChatID)
	if err != nil {
		return nil, err
	}

	pollTimeout := time.Duration(cfg.PollTimeoutSec) * time.Second
	transport := &http.Transport{}
	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	opts := []telego.BotOption{
		telego.WithHTTPClient(&http.Client{
			Transport: transport,
			Timeout:   pollTimeout + httpSlack,
		}),
		telego.WithDiscardLogger(),
	}
	for _, o := range extra {
		o(&opts)
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		bot:    bot,
		config: cfg,
		chatID: chatID,
	}, nil
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "telegram" }

// MaxMessageLength returns the Bot API text limit.
func (c *Channel) MaxMessageLength() int { return maxMessageLength }

// Send posts text to the configured chat and returns the scoped message id.
func (c *Channel) Send(ctx context.Context, text string) (string, error) {
	msg, err := c.bot.SendMessage(ctx, tu.Message(c.chatID, text))
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	slog.Debug("telegram.message_sent", "chat_id", msg.Chat.ID, "message_id", msg.MessageID)
	return scopedMessageID(msg.Chat.ID, msg.MessageID), nil
}

// FetchUpdates long-polls getUpdates from offset. Messages from chats other
// than the configured one are returned without content.
func (c *Channel) FetchUpdates(ctx context.Context, offset int64, waitSeconds int) ([]channels.Update, error) {
	raw, err := c.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
		Offset:         int(offset),
		Timeout:        waitSeconds,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates: %w", err)
	}

	out := make([]channels.Update, 0, len(raw))
	for _, u := range raw {
		if u.Message != nil && !inChat(u.Message.Chat, c.chatID) {
			slog.Debug("telegram.foreign_chat_dropped", "update_id", u.UpdateID, "chat_id", u.Message.Chat.ID)
		}
		out = append(out, convertUpdate(u, c.chatID))
	}
	return out, nil
}

// Ping verifies the token by calling getMe. Used by doctor.
func (c *Channel) Ping(ctx context.Context) (string, error) {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return "", fmt.Errorf("telegram getMe: %w", err)
	}
	return me.Username, nil
}

// parseChatID accepts a numeric chat id or an "@channelname" username.
func parseChatID(raw string) (telego.ChatID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return telego.ChatID{}, fmt.Errorf("telegram chat id is empty")
	}
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return tu.ID(id), nil
	}
	if !strings.HasPrefix(raw, "@") {
		return telego.ChatID{}, fmt.Errorf("telegram chat id %q is neither numeric nor an @username", raw)
	}
	return tu.Username(raw), nil
}

// scopedMessageID makes a message id unique across chats: Telegram numbers
// messages per chat.
func scopedMessageID(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}
