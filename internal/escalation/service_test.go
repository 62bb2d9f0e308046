package escalation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/humanloop/internal/channels"
	"github.com/nextlevelbuilder/humanloop/internal/store"
)

// startService runs a service against a fake channel until the test ends.
func startService(t *testing.T, history store.HistoryStore, opts Options) (*Service, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel()
	if opts.PollWaitSeconds == 0 {
		opts.PollWaitSeconds = 1
	}
	svc := NewService(ch, channels.NewAllowlist([]string{"42"}), history, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svc, ch
}

func escalateAsync(svc *Service, ctx context.Context, req Request) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		res, _ := svc.Escalate(ctx, req)
		out <- res
	}()
	return out
}

func TestService_TimeoutScenario(t *testing.T) {
	history := newMemHistory()
	svc, _ := startService(t, history, Options{})

	res, err := svc.Escalate(context.Background(), Request{Question: "Deploy now?", TimeoutSec: 1})
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if res.Answer != nil {
		t.Errorf("answer = %q, want nil", *res.Answer)
	}
	if res.Error != "timed out after 1 seconds" {
		t.Errorf("error = %q", res.Error)
	}
	if !hexID.MatchString(res.CorrelationID) {
		t.Errorf("correlation id = %q", res.CorrelationID)
	}
	if res.Status != StatusTimeout {
		t.Errorf("status = %s, want timeout", res.Status)
	}
	if got := history.status(res.CorrelationID); got != store.HistoryTimeout {
		t.Errorf("history status = %q, want timeout", got)
	}
}

func TestService_TaggedReplyScenario(t *testing.T) {
	history := newMemHistory()
	svc, ch := startService(t, history, Options{})

	pending := escalateAsync(svc, context.Background(), Request{Question: "Pick a color", Context: "ui task", TimeoutSec: 10})
	msg := ch.waitSent(t)
	id := idFromPrompt(t, msg.Text)

	ch.push(channels.Update{UpdateID: 1, SenderID: "42", Text: "#" + id + " blue"})

	res := <-pending
	if res.Status != StatusAnswered || res.Answer == nil || *res.Answer != "blue" || res.CorrelationID != id {
		t.Fatalf("unexpected result: %+v", res)
	}
	waitFor(t, func() bool { return history.status(id) == store.HistoryAnswered })
}

func TestService_ThreadedReplyScenario(t *testing.T) {
	svc, ch := startService(t, nil, Options{})

	pending := escalateAsync(svc, context.Background(), Request{Question: "Pick a color", TimeoutSec: 10})
	msg := ch.waitSent(t)
	id := idFromPrompt(t, msg.Text)
	waitFor(t, func() bool { _, ok := svc.Coordinator().LookupMessage(msg.ID); return ok })

	ch.push(channels.Update{UpdateID: 1, SenderID: "42", ReplyToMessageID: msg.ID, Text: "blue"})

	res := <-pending
	if res.Status != StatusAnswered || *res.Answer != "blue" || res.CorrelationID != id {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestService_UnauthorizedSenderScenario(t *testing.T) {
	svc, ch := startService(t, nil, Options{})

	sub, err := svc.Submit(context.Background(), "Approve?", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ch.waitSent(t)

	ch.push(channels.Update{UpdateID: 7, SenderID: "666|mallory", Text: "#" + sub.CorrelationID + " yes"})
	ch.waitOffset(t, 8)

	if p := svc.Poll(sub.CorrelationID); p.Status != PollPending {
		t.Fatalf("poll = %s, want pending", p.Status)
	}
}

func TestService_ConcurrentEscalationsScenario(t *testing.T) {
	svc, ch := startService(t, nil, Options{})

	ctxTwo, cancelTwo := context.WithCancel(context.Background())
	defer cancelTwo()
	one := escalateAsync(svc, context.Background(), Request{Question: "one", TimeoutSec: 30})
	two := escalateAsync(svc, ctxTwo, Request{Question: "two", TimeoutSec: 30})

	ids := map[string]string{}
	for i := 0; i < 2; i++ {
		text := ch.waitSent(t).Text
		question := strings.Split(text, "\n")[2]
		ids[question] = idFromPrompt(t, text)
	}
	if ids["one"] == ids["two"] {
		t.Fatal("concurrent escalations share a correlation id")
	}

	ch.push(channels.Update{UpdateID: 1, SenderID: "42", Text: "#" + ids["one"] + " only one"})

	res := <-one
	if res.Status != StatusAnswered || res.CorrelationID != ids["one"] || *res.Answer != "only one" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if p := svc.Poll(ids["two"]); p.Status != PollPending {
		t.Fatalf("unanswered escalation reports %s, want pending", p.Status)
	}
	if svc.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", svc.Pending())
	}

	cancelTwo()
	res = <-two
	if res.Status != StatusCancelled || res.Answer != nil || res.CorrelationID != ids["two"] {
		t.Fatalf("unexpected result after cancel: %+v", res)
	}
	if res.Error != "cancelled: request cancelled" {
		t.Errorf("error after caller cancel = %q", res.Error)
	}
}

func TestService_ShutdownCancelsWaiting(t *testing.T) {
	ch := newFakeChannel()
	svc := NewService(ch, channels.NewAllowlist([]string{"42"}), nil, Options{PollWaitSeconds: 1})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	pending := escalateAsync(svc, context.Background(), Request{Question: "q", TimeoutSec: 3600})
	ch.waitSent(t)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	res := <-pending
	if res.Status != StatusCancelled || res.Answer != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Error != "cancelled: server shutting down" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestService_SendFailure(t *testing.T) {
	history := newMemHistory()
	svc, ch := startService(t, history, Options{})
	ch.mu.Lock()
	ch.sendErr = errSendBoom
	ch.mu.Unlock()

	res, err := svc.Escalate(context.Background(), Request{Question: "q"})
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if res.Status != StatusSendFailed || res.Answer != nil || res.Error == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := history.status(res.CorrelationID); got != store.HistorySendFailed {
		t.Errorf("history status = %q, want send_failed", got)
	}

	if _, err := svc.Submit(context.Background(), "q", ""); !errors.Is(err, errSendBoom) {
		t.Errorf("Submit err = %v, want send error", err)
	}
}

func TestService_EmptyQuestion(t *testing.T) {
	svc := NewService(newFakeChannel(), channels.NewAllowlist(nil), nil, Options{})

	if _, err := svc.Escalate(context.Background(), Request{Question: "   "}); !errors.Is(err, ErrEmptyQuestion) {
		t.Errorf("Escalate err = %v, want ErrEmptyQuestion", err)
	}
	if _, err := svc.Submit(context.Background(), "", "ctx"); !errors.Is(err, ErrEmptyQuestion) {
		t.Errorf("Submit err = %v, want ErrEmptyQuestion", err)
	}
}

func TestService_ResolveTimeout(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		sec  int
		want time.Duration
	}{
		{"default", Options{}, 0, 1800 * time.Second},
		{"negative uses default", Options{}, -5, 1800 * time.Second},
		{"explicit", Options{}, 5, 5 * time.Second},
		{"capped", Options{MaxTimeout: time.Minute}, 3600, time.Minute},
		{"default capped", Options{MaxTimeout: time.Minute}, 0, time.Minute},
		{"huge clamped", Options{}, math.MaxInt32, maxTimeoutSec * time.Second},
		{"max int clamped", Options{}, math.MaxInt, maxTimeoutSec * time.Second},
		{"huge then capped", Options{MaxTimeout: time.Hour}, math.MaxInt32, time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(newFakeChannel(), channels.NewAllowlist(nil), nil, tt.opts)
			if got := svc.resolveTimeout(tt.sec); got != tt.want {
				t.Errorf("resolveTimeout(%d) = %v, want %v", tt.sec, got, tt.want)
			}
		})
	}
}

func TestCancelReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "cancelled: server shutting down"},
		{"shutdown", ErrShuttingDown, "cancelled: server shutting down"},
		{"caller cancel", context.Canceled, "cancelled: request cancelled"},
		{"wrapped cancel", fmt.Errorf("wait: %w", context.Canceled), "cancelled: request cancelled"},
		{"deadline", context.DeadlineExceeded, "cancelled: context deadline exceeded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cancelReason(tt.err); got != tt.want {
				t.Errorf("cancelReason(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestService_SweepRecordsExpiredSubmissions(t *testing.T) {
	history := newMemHistory()
	ch := newFakeChannel()
	svc := NewService(ch, channels.NewAllowlist(nil), history, Options{SubmitTTL: time.Second})
	clock := newFakeClock()
	svc.coord.now = clock.Now
	svc.coord.store.now = clock.Now

	sub, err := svc.Submit(context.Background(), "q", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := history.status(sub.CorrelationID); got != store.HistorySubmitted {
		t.Fatalf("history status = %q, want submitted", got)
	}

	clock.Advance(2 * time.Second)
	if n := svc.Sweep(context.Background()); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if got := history.status(sub.CorrelationID); got != store.HistoryExpired {
		t.Errorf("history status = %q, want expired", got)
	}
	if p := svc.Poll(sub.CorrelationID); p.Status != PollUnknown {
		t.Errorf("poll = %s, want unknown", p.Status)
	}
}

func TestService_HistoryFailureIsNotFatal(t *testing.T) {
	history := newMemHistory()
	history.err = errors.New("disk full")
	svc, _ := startService(t, history, Options{})

	res, err := svc.Escalate(context.Background(), Request{Question: "q", TimeoutSec: 1})
	if err != nil || res.Status != StatusTimeout {
		t.Fatalf("Escalate = %+v, %v", res, err)
	}
}
