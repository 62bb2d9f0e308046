package channels

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// sendBurst lets a short flurry of escalations through before throttling kicks in.
const sendBurst = 3

// RateLimited wraps a Channel so outbound sends respect a per-minute budget.
// Telegram rejects bursts to a single chat with 429s; waiting here keeps the
// escalation from failing outright. Updates are not throttled.
type RateLimited struct {
	Channel
	limiter *rate.Limiter
}

// NewRateLimited returns ch throttled to perMinute sends. perMinute <= 0
// disables throttling and returns ch unchanged.
func NewRateLimited(ch Channel, perMinute int) Channel {
	if perMinute <= 0 {
		return ch
	}
	return &RateLimited{
		Channel: ch,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), sendBurst),
	}
}

// Send waits for a token, then delegates. A cancelled ctx while waiting is a
// send failure like any other.
func (r *RateLimited) Send(ctx context.Context, text string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("send rate limit: %w", err)
	}
	return r.Channel.Send(ctx, text)
}
