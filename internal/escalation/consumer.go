package escalation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/humanloop/internal/channels"
)

const (
	initialFetchBackoff = 1 * time.Second
	maxFetchBackoff     = 30 * time.Second
)

// Resolver is the part of the Coordinator the consumer drives.
type Resolver interface {
	Resolve(id, answer string) bool
	LookupMessage(messageID string) (string, bool)
}

// candidate is a (correlation id, answer) pair extracted from an update.
type candidate struct {
	id     string
	answer string
}

// matchStrategy tries to extract a candidate from an update.
type matchStrategy struct {
	name  string
	match func(u channels.Update) (candidate, bool)
}

// Consumer drains a channel's update stream and routes authorized replies to
// their waiters. Offsets advance before an update is inspected, so an update
// is considered at most once even if handling it panics or is dropped.
type Consumer struct {
	source      channels.UpdateSource
	resolver    Resolver
	allow       *channels.Allowlist
	waitSeconds int
	strategies  []matchStrategy
	commands    *Commands

	offset int64
	sleep  func(ctx context.Context, d time.Duration) bool
}

// NewConsumer creates a consumer. waitSeconds is the long-poll window passed
// to every fetch.
func NewConsumer(source channels.UpdateSource, resolver Resolver, allow *channels.Allowlist, waitSeconds int) *Consumer {
	c := &Consumer{
		source:      source,
		resolver:    resolver,
		allow:       allow,
		waitSeconds: waitSeconds,
		sleep:       sleepCtx,
	}
	c.strategies = []matchStrategy{
		{name: "threaded", match: c.matchThreaded},
		{name: "tagged", match: matchTagged},
	}
	return c
}

// SetCommands enables slash-command handling for non-reply messages.
func (c *Consumer) SetCommands(cmds *Commands) { c.commands = cmds }

// Offset returns the next update id the consumer will ask for.
func (c *Consumer) Offset() int64 { return c.offset }

// Run loops until ctx is cancelled. Fetch failures are logged and retried
// with exponential backoff; they never end the loop.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := initialFetchBackoff
	slog.Info("escalation.consumer.started", "wait_seconds", c.waitSeconds)

	for {
		if ctx.Err() != nil {
			slog.Info("escalation.consumer.stopped")
			return nil
		}

		updates, err := c.source.FetchUpdates(ctx, c.offset, c.waitSeconds)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			slog.Warn("escalation.consumer.fetch_failed", "error", err, "backoff", backoff)
			if !c.sleep(ctx, backoff) {
				continue
			}
			backoff *= 2
			if backoff > maxFetchBackoff {
				backoff = maxFetchBackoff
			}
			continue
		}
		backoff = initialFetchBackoff

		c.handleBatch(ctx, updates)
	}
}

// handleBatch processes every update of a fetched batch, in order.
func (c *Consumer) handleBatch(ctx context.Context, updates []channels.Update) {
	for _, u := range updates {
		if u.UpdateID >= c.offset {
			c.offset = u.UpdateID + 1
		}
		c.handle(ctx, u)
	}
}

func (c *Consumer) handle(ctx context.Context, u channels.Update) {
	if strings.TrimSpace(u.Text) == "" {
		return
	}
	if !c.allow.IsAllowed(u.SenderID) {
		slog.Debug("escalation.consumer.unauthorized", "sender", u.SenderID, "update_id", u.UpdateID)
		return
	}
	// A threaded reply is always an answer, even when it starts with "/".
	if c.commands != nil && u.ReplyToMessageID == "" && c.commands.Handle(ctx, u) {
		return
	}

	for _, s := range c.strategies {
		cand, ok := s.match(u)
		if !ok {
			continue
		}
		if cand.answer == "" {
			slog.Debug("escalation.consumer.empty_answer", "strategy", s.name, "correlation_id", cand.id)
			return
		}
		if c.resolver.Resolve(cand.id, cand.answer) {
			slog.Info("escalation.consumer.matched", "strategy", s.name, "correlation_id", cand.id)
		} else {
			slog.Debug("escalation.consumer.no_waiter", "strategy", s.name, "correlation_id", cand.id)
		}
		return
	}
}

// matchThreaded resolves a reply to a prompt message we sent. A tag for the
// same id inside the reply is stripped; a tag for a different id is kept as
// part of the answer.
func (c *Consumer) matchThreaded(u channels.Update) (candidate, bool) {
	if u.ReplyToMessageID == "" {
		return candidate{}, false
	}
	id, ok := c.resolver.LookupMessage(u.ReplyToMessageID)
	if !ok {
		return candidate{}, false
	}
	answer := strings.TrimSpace(u.Text)
	if tagID, tagged, ok := ParseTaggedReply(u.Text); ok && tagID == id {
		answer = tagged
	}
	return candidate{id: id, answer: answer}, true
}

func matchTagged(u channels.Update) (candidate, bool) {
	id, answer, ok := ParseTaggedReply(u.Text)
	if !ok {
		return candidate{}, false
	}
	return candidate{id: id, answer: answer}, true
}

// sleepCtx waits for d and reports whether it elapsed before ctx ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
