package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/humanloop/internal/channels"
	"github.com/nextlevelbuilder/humanloop/internal/store"
)

// fakeChannel is an in-memory channel. Sent prompts are recorded; updates
// pushed with push are returned by the next FetchUpdates.
type fakeChannel struct {
	mu      sync.Mutex
	sent    []sentMessage
	nextID  int
	sendErr error
	onSend  func(text string)
	offsets []int64

	updates chan channels.Update
	sentCh  chan sentMessage
}

type sentMessage struct {
	ID   string
	Text string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		updates: make(chan channels.Update, 16),
		sentCh:  make(chan sentMessage, 16),
	}
}

func (f *fakeChannel) Name() string          { return "fake" }
func (f *fakeChannel) MaxMessageLength() int { return 4096 }

func (f *fakeChannel) Send(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return "", err
	}
	f.nextID++
	msg := sentMessage{ID: fmt.Sprintf("chat:%d", f.nextID), Text: text}
	f.sent = append(f.sent, msg)
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(text)
	}
	f.sentCh <- msg
	return msg.ID, nil
}

func (f *fakeChannel) FetchUpdates(ctx context.Context, offset int64, waitSeconds int) ([]channels.Update, error) {
	f.mu.Lock()
	f.offsets = append(f.offsets, offset)
	f.mu.Unlock()

	timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case u := <-f.updates:
		return []channels.Update{u}, nil
	case <-timer.C:
		return nil, nil
	}
}

func (f *fakeChannel) push(u channels.Update) { f.updates <- u }

// waitSent returns the next prompt sent through the channel.
func (f *fakeChannel) waitSent(t *testing.T) sentMessage {
	t.Helper()
	select {
	case msg := <-f.sentCh:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a prompt to be sent")
		return sentMessage{}
	}
}

// waitOffset blocks until the consumer has asked for an offset >= min,
// i.e. every update below min has been handled.
func (f *fakeChannel) waitOffset(t *testing.T, min int64) {
	t.Helper()
	waitFor(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, o := range f.offsets {
			if o >= min {
				return true
			}
		}
		return false
	})
}

// idFromPrompt extracts the correlation id from a prompt's reply footer.
func idFromPrompt(t *testing.T, text string) string {
	t.Helper()
	lines := strings.Split(text, "\n")
	last := lines[len(lines)-1]
	fields := strings.Fields(last)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "#") {
		t.Fatalf("prompt has no tagged footer: %q", text)
	}
	return strings.TrimPrefix(fields[0], "#")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memHistory is an in-memory store.HistoryStore.
type memHistory struct {
	mu   sync.Mutex
	recs map[string]store.EscalationRecord
	err  error
}

func newMemHistory() *memHistory {
	return &memHistory{recs: map[string]store.EscalationRecord{}}
}

func (m *memHistory) Record(_ context.Context, rec store.EscalationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recs[rec.ID] = rec
	return nil
}

func (m *memHistory) Get(_ context.Context, id string) (*store.EscalationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (m *memHistory) List(context.Context, store.HistoryFilter) ([]store.EscalationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.EscalationRecord, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	return out, nil
}

func (m *memHistory) Close() error { return nil }

func (m *memHistory) status(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recs[id].Status
}

var errSendBoom = errors.New("boom")
