// Package channels provides the messaging-channel abstraction used to reach the
// human on the other side of an escalation. A channel sends prompts outward and
// exposes an ordered update stream that the escalation consumer drains.
package channels

import (
	"context"
	"strings"
	"sync"
	"unicode/utf16"

	"github.com/mattn/go-runewidth"
)

// Update is one inbound event from a channel's update stream.
type Update struct {
	UpdateID         int64  // monotonically increasing position in the stream
	SenderID         string // compound "id|username" when the platform has usernames
	ChatID           string
	MessageID        string // channel-scoped message id
	ReplyToMessageID string // set when the message is a threaded reply
	Text             string
}

// Sender delivers outbound prompts.
type Sender interface {
	// Send posts text to the configured recipient and returns the
	// channel-scoped id of the created message.
	Send(ctx context.Context, text string) (string, error)
}

// UpdateSource yields the inbound update stream.
type UpdateSource interface {
	// FetchUpdates returns updates with UpdateID >= offset, waiting up to
	// waitSeconds for at least one to arrive. Updates are returned in stream order.
	FetchUpdates(ctx context.Context, offset int64, waitSeconds int) ([]Update, error)
}

// Channel is a bidirectional messaging channel.
type Channel interface {
	Sender
	UpdateSource

	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// MaxMessageLength is the largest outbound message in UTF-16 code units,
	// the unit Telegram counts in (0 = unlimited).
	MaxMessageLength() int
}

// Allowlist holds the senders permitted to answer escalations.
// Safe for concurrent use; Replace is called on config reload.
type Allowlist struct {
	mu      sync.RWMutex
	entries []string
}

// NewAllowlist creates an allowlist from ids and/or usernames.
func NewAllowlist(entries []string) *Allowlist {
	a := &Allowlist{}
	a.Replace(entries)
	return a
}

// Replace swaps the allowlist contents.
func (a *Allowlist) Replace(entries []string) {
	cp := make([]string, 0, len(entries))
	for _, e := range entries {
		if e = strings.TrimSpace(e); e != "" {
			cp = append(cp, e)
		}
	}
	a.mu.Lock()
	a.entries = cp
	a.mu.Unlock()
}

// Len returns the number of entries.
func (a *Allowlist) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// IsAllowed checks if a sender is permitted.
// Supports compound senderID format: "123456|username".
// An empty allowlist admits nobody: an escalation answer is an authorization.
func (a *Allowlist) IsAllowed(senderID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.entries) == 0 || senderID == "" {
		return false
	}

	// Extract parts from compound senderID like "123456|username"
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range a.entries {
		// Strip leading "@" from allowed value for username matching
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID := trimmed
		allowedUser := ""
		if idx := strings.Index(trimmed, "|"); idx > 0 {
			allowedID = trimmed[:idx]
			allowedUser = trimmed[idx+1:]
		}

		if senderID == allowed ||
			idPart == trimmed ||
			idPart == allowedID ||
			(userPart != "" && (userPart == trimmed || userPart == allowedUser)) {
			return true
		}
	}

	return false
}

// Truncate shortens s to at most maxWidth display cells, appending "..." if
// truncated. Never splits a multi-byte rune.
func Truncate(s string, maxWidth int) string {
	return runewidth.Truncate(s, maxWidth, "...")
}

// UTF16Len returns the length of s in UTF-16 code units.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16Units(r)
	}
	return n
}

// TruncateUTF16 shortens s to at most maxUnits UTF-16 code units including
// the "..." tail. Never splits a rune or a surrogate pair.
func TruncateUTF16(s string, maxUnits int) string {
	if UTF16Len(s) <= maxUnits {
		return s
	}
	tail := "..."
	if maxUnits <= len(tail) {
		tail = ""
	}
	limit := maxUnits - len(tail)
	n := 0
	for i, r := range s {
		w := utf16Units(r)
		if n+w > limit {
			return s[:i] + tail
		}
		n += w
	}
	return s
}

func utf16Units(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	// invalid runes are encoded as U+FFFD
	return 1
}
