package escalation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// idFormat renders the bare correlation id so tests can read it back from
// the sent message.
func idFormat(req PendingRequest) string { return req.ID }

func TestCoordinator_AnsweredAfterSend(t *testing.T) {
	ch := newFakeChannel()
	c := NewCoordinator(ch, idFormat)

	done := make(chan Outcome, 1)
	go func() { done <- c.AskAndWait(context.Background(), "q", "", 5*time.Second) }()

	msg := ch.waitSent(t)
	waitFor(t, func() bool { _, ok := c.LookupMessage(msg.ID); return ok })

	if !c.Resolve(msg.Text, "blue") {
		t.Fatal("Resolve returned false for a live waiter")
	}
	out := <-done
	if out.Status != StatusAnswered || out.Answer != "blue" || out.CorrelationID != msg.Text {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending = %d after resolve, want 0", c.Pending())
	}
	if _, ok := c.LookupMessage(msg.ID); ok {
		t.Error("message mapping survived resolution")
	}
	if p := c.Poll(msg.Text); p.Status != PollAnswered || p.Answer == nil || *p.Answer != "blue" {
		t.Errorf("Poll = %+v, want answered/blue", p)
	}
}

func TestCoordinator_ConcurrentResolveExactlyOnce(t *testing.T) {
	ch := newFakeChannel()
	c := NewCoordinator(ch, idFormat)

	done := make(chan Outcome, 1)
	go func() { done <- c.AskAndWait(context.Background(), "q", "", 5*time.Second) }()
	msg := ch.waitSent(t)
	waitFor(t, func() bool { _, ok := c.LookupMessage(msg.ID); return ok })

	const n = 50
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if c.Resolve(msg.Text, "answer") {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("%d resolves succeeded, want exactly 1", got)
	}
	if out := <-done; out.Status != StatusAnswered {
		t.Fatalf("status = %s, want answered", out.Status)
	}
}

func TestCoordinator_TimeoutThenLateReply(t *testing.T) {
	ch := newFakeChannel()
	c := NewCoordinator(ch, idFormat)

	out := c.AskAndWait(context.Background(), "q", "", 50*time.Millisecond)
	if out.Status != StatusTimeout {
		t.Fatalf("status = %s, want timeout", out.Status)
	}
	if c.Pending() != 0 {
		t.Errorf("waiter left behind after timeout")
	}
	if c.Resolve(out.CorrelationID, "too late") {
		t.Error("late reply resolved a timed-out request")
	}
	msg := ch.waitSent(t)
	if _, ok := c.LookupMessage(msg.ID); ok {
		t.Error("message mapping survived timeout")
	}
}

func TestCoordinator_SendFailureLeavesNoState(t *testing.T) {
	ch := newFakeChannel()
	ch.sendErr = errSendBoom
	c := NewCoordinator(ch, idFormat)

	out := c.AskAndWait(context.Background(), "q", "", time.Minute)
	if out.Status != StatusSendFailed {
		t.Fatalf("status = %s, want send_failed", out.Status)
	}
	if !errors.Is(out.Err, errSendBoom) {
		t.Errorf("err = %v, want wrapped send error", out.Err)
	}
	if c.Pending() != 0 {
		t.Error("waiter left behind after send failure")
	}
	if p := c.Poll(out.CorrelationID); p.Status != PollUnknown {
		t.Errorf("Poll = %s, want unknown", p.Status)
	}
	if c.Resolve(out.CorrelationID, "x") {
		t.Error("resolve succeeded for a failed send")
	}
}

func TestCoordinator_ReplyDuringSendIsDelivered(t *testing.T) {
	ch := newFakeChannel()
	var c *Coordinator
	var early atomic.Bool
	ch.onSend = func(text string) {
		// The human answers before Send has returned.
		early.Store(c.Resolve(text, "quick"))
	}
	c = NewCoordinator(ch, idFormat)

	out := c.AskAndWait(context.Background(), "q", "", 5*time.Second)
	if !early.Load() {
		t.Fatal("Resolve during send returned false")
	}
	if out.Status != StatusAnswered || out.Answer != "quick" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if c.Pending() != 0 {
		t.Error("waiter left behind")
	}
}

func TestCoordinator_Cancelled(t *testing.T) {
	ch := newFakeChannel()
	c := NewCoordinator(ch, idFormat)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Outcome, 1)
	go func() { done <- c.AskAndWait(ctx, "q", "", time.Minute) }()
	ch.waitSent(t)
	cancel()

	out := <-done
	if out.Status != StatusCancelled || !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if c.Pending() != 0 {
		t.Error("waiter left behind after cancel")
	}
}

func TestCoordinator_CloseReleasesWaiters(t *testing.T) {
	ch := newFakeChannel()
	c := NewCoordinator(ch, idFormat)

	done := make(chan Outcome, 1)
	go func() { done <- c.AskAndWait(context.Background(), "q", "", time.Hour) }()
	ch.waitSent(t)
	c.Close()
	c.Close()

	out := <-done
	if out.Status != StatusCancelled || !errors.Is(out.Err, ErrShuttingDown) {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	late := c.AskAndWait(context.Background(), "after close", "", time.Hour)
	if late.Status != StatusCancelled || late.CorrelationID != "" {
		t.Fatalf("ask after close = %+v, want cancelled without sending", late)
	}
	if len(ch.sent) != 1 {
		t.Errorf("sent %d prompts, want 1", len(ch.sent))
	}
}

func TestCoordinator_SubmitPollSweep(t *testing.T) {
	clock := newFakeClock()
	ch := newFakeChannel()
	var hooked []PendingRequest
	c := NewCoordinator(ch, idFormat,
		WithClock(clock.Now),
		WithResolveHook(func(req PendingRequest) { hooked = append(hooked, req) }),
	)

	answered, err := c.Submit(context.Background(), "first", "", time.Minute)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	abandoned, err := c.Submit(context.Background(), "second", "", time.Minute)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if p := c.Poll(answered); p.Status != PollPending {
		t.Fatalf("Poll = %s, want pending", p.Status)
	}
	if !c.Resolve(answered, "yes") {
		t.Fatal("Resolve of submitted request failed")
	}
	if p := c.Poll(answered); p.Status != PollAnswered || *p.Answer != "yes" {
		t.Fatalf("Poll = %+v, want answered/yes", p)
	}
	if len(hooked) != 1 || hooked[0].ID != answered || !hooked[0].Detached {
		t.Fatalf("resolve hook saw %+v", hooked)
	}

	clock.Advance(2 * time.Minute)
	if p := c.Poll(abandoned); p.Status != PollExpired {
		t.Fatalf("Poll = %s, want expired", p.Status)
	}
	if p := c.Poll(answered); p.Status != PollAnswered {
		t.Fatalf("answered request must report answered even past TTL, got %s", p.Status)
	}

	expired := c.Sweep()
	if len(expired) != 2 {
		t.Fatalf("Sweep removed %d requests, want 2", len(expired))
	}
	if c.Pending() != 0 {
		t.Errorf("Pending = %d after sweep, want 0", c.Pending())
	}
	if p := c.Poll(abandoned); p.Status != PollUnknown {
		t.Errorf("Poll after sweep = %s, want unknown", p.Status)
	}
	if c.Resolve(abandoned, "late") {
		t.Error("late reply to swept request resolved it")
	}
}

func TestCoordinator_IndependentRequests(t *testing.T) {
	ch := newFakeChannel()
	c := NewCoordinator(ch, func(req PendingRequest) string { return req.Question + " " + req.ID })

	first := make(chan Outcome, 1)
	second := make(chan Outcome, 1)
	go func() { first <- c.AskAndWait(context.Background(), "one", "", 5*time.Second) }()
	go func() { second <- c.AskAndWait(context.Background(), "two", "", time.Second) }()

	ids := map[string]string{}
	for i := 0; i < 2; i++ {
		msg := ch.waitSent(t)
		question, id, _ := strings.Cut(msg.Text, " ")
		ids[question] = id
	}
	if ids["one"] == ids["two"] {
		t.Fatal("two requests share a correlation id")
	}

	if !c.Resolve(ids["one"], "only this") {
		t.Fatal("resolve failed")
	}

	out := <-first
	if out.Status != StatusAnswered || out.CorrelationID != ids["one"] {
		t.Fatalf("first outcome = %+v, want answered", out)
	}
	if p := c.Poll(ids["two"]); p.Status != PollPending {
		t.Fatalf("unanswered request reports %s, want pending", p.Status)
	}
	out = <-second
	if out.Status != StatusTimeout || out.CorrelationID != ids["two"] {
		t.Fatalf("second outcome = %+v, want timeout", out)
	}
}
