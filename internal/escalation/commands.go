package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/humanloop/internal/channels"
)

const commandReplyTimeout = 10 * time.Second

// maxListedRequests bounds the /pending reply.
const maxListedRequests = 20

// commandHandler builds the reply text for a bot command.
type commandHandler func(args string) string

// Commands answers slash commands sent by allowed users in the escalation
// chat. Replies go out through the same channel as prompts.
type Commands struct {
	reply    channels.Sender
	open     func() []PendingRequest
	now      func() time.Time
	handlers map[string]commandHandler
}

// NewCommands registers /pending and /help. open lists outstanding requests.
func NewCommands(reply channels.Sender, open func() []PendingRequest) *Commands {
	c := &Commands{reply: reply, open: open, now: time.Now}
	c.handlers = map[string]commandHandler{
		"/pending": c.pending,
		"/help":    c.help,
		"/start":   c.help,
	}
	return c
}

// Handle replies to u if it is a known command and reports whether it was one.
func (c *Commands) Handle(ctx context.Context, u channels.Update) bool {
	text := strings.TrimSpace(u.Text)
	if text == "" || text[0] != '/' {
		return false
	}

	// "/pending@my_bot args" → "/pending"
	name, args, _ := strings.Cut(text, " ")
	name, _, _ = strings.Cut(name, "@")
	name = strings.ToLower(name)

	h, ok := c.handlers[name]
	if !ok {
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, commandReplyTimeout)
	defer cancel()
	if _, err := c.reply.Send(sendCtx, h(strings.TrimSpace(args))); err != nil {
		slog.Warn("escalation.command.reply_failed", "command", name, "error", err)
	} else {
		slog.Info("escalation.command.handled", "command", name, "sender", u.SenderID)
	}
	return true
}

func (c *Commands) pending(string) string {
	reqs := c.open()
	if len(reqs) == 0 {
		return "No open escalations."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d open escalation(s):\n", len(reqs))
	now := c.now()
	for i, r := range reqs {
		if i == maxListedRequests {
			fmt.Fprintf(&b, "\n… and %d more", len(reqs)-i)
			break
		}
		question := channels.Truncate(strings.Join(strings.Fields(r.Question), " "), 80)
		fmt.Fprintf(&b, "\n#%s  %s\n  asked %s ago, %s left\n",
			r.ID, question, roundAge(now.Sub(r.CreatedAt)), roundAge(r.CreatedAt.Add(r.TTL).Sub(now)))
	}
	b.WriteString("\nReply with #<id> <answer>.")
	return b.String()
}

func (c *Commands) help(string) string {
	return "I relay questions from automated agents.\n\n" +
		"Answer a question by replying directly to its message, or send:\n" +
		"#<id> <answer>\n\n" +
		"/pending lists the questions still waiting for an answer."
}

func roundAge(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d.Round(time.Second)
}
