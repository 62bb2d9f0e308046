package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/humanloop/internal/channels"
	"github.com/nextlevelbuilder/humanloop/pkg/protocol"
)

// Status is the terminal state of one escalation.
type Status string

const (
	StatusAnswered   Status = "answered"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
	StatusSendFailed Status = "send_failed"
)

// ErrShuttingDown is the cause reported to waiters released by Close.
var ErrShuttingDown = errors.New("server shutting down")

// Outcome is what AskAndWait hands back to its caller.
type Outcome struct {
	CorrelationID string
	Status        Status
	Answer        string // set when Status == StatusAnswered
	Err           error  // send error or cancellation cause
}

// PollStatus is the state reported to non-blocking callers.
type PollStatus string

const (
	PollUnknown  PollStatus = protocol.PollUnknown
	PollPending  PollStatus = protocol.PollPending
	PollAnswered PollStatus = protocol.PollAnswered
	PollExpired  PollStatus = protocol.PollExpired
)

// PollResult is the reply to Poll.
type PollResult struct {
	Status PollStatus `json:"status"`
	Answer *string    `json:"answer,omitempty"`
}

// waiter is the rendezvous handle for one request. result has capacity one
// and is written at most once, under Coordinator.mu, by whoever removes the
// waiter from the table with an answer.
type waiter struct {
	id       string
	result   chan string
	ready    bool    // message-id mapping installed; threaded replies can find it
	early    *string // answer that arrived while the prompt was being sent
	detached bool
	deadline time.Time
}

// Formatter renders the outbound prompt for a request.
type Formatter func(PendingRequest) string

// Coordinator owns the waiter table, the paired message-id maps and the
// Store. Every mutation of any of them happens under mu, so the tables never
// disagree with one another.
type Coordinator struct {
	mu      sync.Mutex
	store   *Store
	waiters map[string]*waiter
	byMsg   map[string]string // channel message id → correlation id
	byID    map[string]string // correlation id → channel message id

	sender    channels.Sender
	format    Formatter
	onResolve func(PendingRequest)
	now       func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithResolveHook registers fn to run, outside the lock, after each
// successful resolution.
func WithResolveHook(fn func(PendingRequest)) CoordinatorOption {
	return func(c *Coordinator) { c.onResolve = fn }
}

// WithClock overrides the time source used for TTL bookkeeping.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator sending prompts through sender.
func NewCoordinator(sender channels.Sender, format Formatter, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		waiters: make(map[string]*waiter),
		byMsg:   make(map[string]string),
		byID:    make(map[string]string),
		sender:  sender,
		format:  format,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.store = NewStore(c.now)
	return c
}

// AskAndWait sends question and blocks until it is answered, timeout elapses,
// or ctx is cancelled. A failed send is reported immediately and leaves no
// state behind.
func (c *Coordinator) AskAndWait(ctx context.Context, question, contextText string, timeout time.Duration) Outcome {
	select {
	case <-c.done:
		return Outcome{Status: StatusCancelled, Err: ErrShuttingDown}
	default:
	}
	req, w := c.register(question, contextText, timeout, false)

	if err := c.send(ctx, req); err != nil {
		return Outcome{CorrelationID: req.ID, Status: StatusSendFailed, Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	status := StatusTimeout
	var cause error
	select {
	case answer := <-w.result:
		return Outcome{CorrelationID: req.ID, Status: StatusAnswered, Answer: answer}
	case <-timer.C:
	case <-ctx.Done():
		status = StatusCancelled
		cause = ctx.Err()
	case <-c.done:
		status = StatusCancelled
		cause = ErrShuttingDown
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiters[req.ID] != w {
		// A resolve won the race with the timer; its answer is already buffered.
		select {
		case answer := <-w.result:
			return Outcome{CorrelationID: req.ID, Status: StatusAnswered, Answer: answer}
		default:
		}
	}
	c.removeLocked(req.ID)
	slog.Debug("escalation.waiter_released", "correlation_id", req.ID, "status", status)
	return Outcome{CorrelationID: req.ID, Status: status, Err: cause}
}

// Submit sends question without blocking. The request can be polled until
// ttl elapses; replies are matched exactly as for AskAndWait.
func (c *Coordinator) Submit(ctx context.Context, question, contextText string, ttl time.Duration) (string, error) {
	req, _ := c.register(question, contextText, ttl, true)
	if err := c.send(ctx, req); err != nil {
		return req.ID, err
	}
	return req.ID, nil
}

// Resolve completes the waiter for id with answer. It returns false when no
// waiter is registered (unknown, already resolved, timed out) or the request
// has expired; that is a normal condition, not an error.
func (c *Coordinator) Resolve(id, answer string) bool {
	c.mu.Lock()
	w, ok := c.waiters[id]
	if !ok {
		c.mu.Unlock()
		return false
	}

	if !w.ready {
		// Prompt still in flight: stash, deliver on install.
		if w.early != nil || !c.store.Answer(id, answer) {
			c.mu.Unlock()
			return false
		}
		w.early = &answer
		c.mu.Unlock()
		return true
	}

	if !c.store.Answer(id, answer) {
		c.mu.Unlock()
		return false
	}
	req := c.completeLocked(w, answer)
	c.mu.Unlock()

	c.notifyResolved(req)
	return true
}

// LookupMessage maps a channel message id back to its correlation id.
func (c *Coordinator) LookupMessage(messageID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byMsg[messageID]
	return id, ok
}

// Poll reports the state of a request for non-blocking callers.
func (c *Coordinator) Poll(id string) PollResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.store.Get(id)
	switch {
	case !ok:
		return PollResult{Status: PollUnknown}
	case req.Answered():
		return PollResult{Status: PollAnswered, Answer: req.Answer}
	case req.Expired(c.now()):
		return PollResult{Status: PollExpired}
	default:
		return PollResult{Status: PollPending}
	}
}

// Sweep drops detached waiters past their deadline and expired store
// entries. It returns the expired requests.
func (c *Coordinator) Sweep() []PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for id, w := range c.waiters {
		if w.detached && now.After(w.deadline) {
			c.removeLocked(id)
		}
	}
	return c.store.Cleanup()
}

// Close releases every blocked AskAndWait with StatusCancelled; later calls
// return cancelled without sending. Safe to call more than once.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Open lists the requests still waiting for an answer, oldest first.
func (c *Coordinator) Open() []PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Open()
}

// Pending returns the number of live waiters.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *Coordinator) register(question, contextText string, ttl time.Duration, detached bool) (PendingRequest, *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := c.store.Create(question, contextText, ttl)
	req.Detached = detached
	if stored, ok := c.store.pending[req.ID]; ok {
		stored.Detached = detached
	}
	w := &waiter{
		id:       req.ID,
		result:   make(chan string, 1),
		detached: detached,
		deadline: req.CreatedAt.Add(ttl),
	}
	c.waiters[req.ID] = w
	return req, w
}

// send delivers the prompt and installs the message-id mapping. On failure
// all state for the request is dropped.
func (c *Coordinator) send(ctx context.Context, req PendingRequest) error {
	messageID, err := c.sender.Send(ctx, c.format(req))
	if err != nil {
		c.mu.Lock()
		c.removeLocked(req.ID)
		c.store.Remove(req.ID)
		c.mu.Unlock()
		slog.Warn("escalation.send_failed", "correlation_id", req.ID, "error", err)
		return fmt.Errorf("send prompt: %w", err)
	}

	c.mu.Lock()
	w, ok := c.waiters[req.ID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if messageID != "" {
		c.byMsg[messageID] = req.ID
		c.byID[req.ID] = messageID
	}
	w.ready = true

	var resolved *PendingRequest
	if w.early != nil {
		r := c.completeLocked(w, *w.early)
		resolved = &r
	}
	c.mu.Unlock()

	slog.Info("escalation.sent", "correlation_id", req.ID, "message_id", messageID, "detached", req.Detached)
	if resolved != nil {
		c.notifyResolved(*resolved)
	}
	return nil
}

// completeLocked hands answer to the waiter and forgets it. Caller holds mu.
func (c *Coordinator) completeLocked(w *waiter, answer string) PendingRequest {
	w.result <- answer
	c.removeLocked(w.id)
	req, _ := c.store.Get(w.id)
	return req
}

// removeLocked deletes the waiter and both halves of its mapping. Caller holds mu.
func (c *Coordinator) removeLocked(id string) {
	delete(c.waiters, id)
	if messageID, ok := c.byID[id]; ok {
		delete(c.byMsg, messageID)
		delete(c.byID, id)
	}
}

func (c *Coordinator) notifyResolved(req PendingRequest) {
	slog.Info("escalation.resolved", "correlation_id", req.ID, "detached", req.Detached)
	if c.onResolve != nil {
		c.onResolve(req)
	}
}
