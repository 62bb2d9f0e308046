package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/humanloop/internal/channels"
	"github.com/nextlevelbuilder/humanloop/internal/config"
	"github.com/nextlevelbuilder/humanloop/internal/store"
)

// ErrEmptyQuestion is returned when an escalation has no question text.
var ErrEmptyQuestion = errors.New("question is required")

const historyWriteTimeout = 5 * time.Second

// maxTimeoutSec bounds caller-supplied timeouts so the duration never
// overflows. One year.
const maxTimeoutSec = 365 * 24 * 60 * 60

// Request is one blocking escalation.
type Request struct {
	Question   string `json:"question"`
	Context    string `json:"context,omitempty"`
	TimeoutSec int    `json:"timeout_sec,omitempty"` // 0 = default
}

// Result is the normalized escalation reply handed to tool callers.
type Result struct {
	Answer        *string `json:"answer"`
	CorrelationID string  `json:"correlation_id"`
	Error         string  `json:"error,omitempty"`
	Status        Status  `json:"-"`
}

// SubmitResult is returned by the non-blocking submit call.
type SubmitResult struct {
	CorrelationID string `json:"correlation_id"`
}

// Options tunes a Service.
type Options struct {
	Banner          string
	DefaultTimeout  time.Duration
	MaxTimeout      time.Duration // 0 = unlimited
	SubmitTTL       time.Duration
	CleanupInterval time.Duration
	PollWaitSeconds int
}

// OptionsFromConfig derives service options from the loaded config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Banner:          cfg.Escalation.Banner,
		DefaultTimeout:  time.Duration(cfg.Escalation.DefaultTimeoutSec) * time.Second,
		MaxTimeout:      time.Duration(cfg.Escalation.MaxTimeoutSec) * time.Second,
		SubmitTTL:       time.Duration(cfg.Escalation.SubmitTTLSec) * time.Second,
		CleanupInterval: cfg.CleanupInterval(),
		PollWaitSeconds: cfg.Telegram.PollTimeoutSec,
	}
}

func (o *Options) applyDefaults() {
	if o.Banner == "" {
		o.Banner = config.DefaultBanner
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = config.DefaultTimeoutSec * time.Second
	}
	if o.SubmitTTL <= 0 {
		o.SubmitTTL = config.DefaultSubmitTTLSec * time.Second
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = config.DefaultCleanupInterval * time.Second
	}
	if o.PollWaitSeconds <= 0 {
		o.PollWaitSeconds = config.DefaultPollTimeoutSec
	}
}

// Service is the facade the tool layer and CLI talk to. It wires the
// Coordinator to a channel, runs the update consumer and the janitor, and
// records outcomes in the optional history store.
type Service struct {
	coord    *Coordinator
	consumer *Consumer
	history  store.HistoryStore // may be nil
	opts     Options
	tracer   trace.Tracer
}

// NewService builds a service on ch. history may be nil.
func NewService(ch channels.Channel, allow *channels.Allowlist, history store.HistoryStore, opts Options) *Service {
	opts.applyDefaults()
	s := &Service{
		history: history,
		opts:    opts,
		tracer:  otel.Tracer("github.com/nextlevelbuilder/humanloop/internal/escalation"),
	}

	maxLen := ch.MaxMessageLength()
	format := func(req PendingRequest) string {
		return FormatPrompt(opts.Banner, req, maxLen)
	}
	s.coord = NewCoordinator(ch, format, WithResolveHook(s.onResolved))
	s.consumer = NewConsumer(ch, s.coord, allow, opts.PollWaitSeconds)
	s.consumer.SetCommands(NewCommands(ch, s.coord.Open))
	return s
}

// Coordinator exposes the underlying rendezvous coordinator.
func (s *Service) Coordinator() *Coordinator { return s.coord }

// Pending returns the number of live waiters.
func (s *Service) Pending() int { return s.coord.Pending() }

// Escalate sends req to the human and blocks until an outcome is reached.
// Only validation failures are returned as errors; every other outcome,
// send failures included, is described by the Result.
func (s *Service) Escalate(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Question) == "" {
		return Result{}, ErrEmptyQuestion
	}
	timeout := s.resolveTimeout(req.TimeoutSec)
	started := time.Now().UTC()

	ctx, span := s.tracer.Start(ctx, "escalation.escalate",
		trace.WithAttributes(attribute.Int("escalation.timeout_sec", int(timeout/time.Second))))
	defer span.End()

	out := s.coord.AskAndWait(ctx, req.Question, req.Context, timeout)
	span.SetAttributes(
		attribute.String("escalation.correlation_id", out.CorrelationID),
		attribute.String("escalation.status", string(out.Status)),
	)

	res := Result{CorrelationID: out.CorrelationID, Status: out.Status}
	switch out.Status {
	case StatusAnswered:
		answer := out.Answer
		res.Answer = &answer
		// recorded by the resolve hook
		return res, nil
	case StatusTimeout:
		res.Error = fmt.Sprintf("timed out after %d seconds", int(timeout/time.Second))
	case StatusCancelled:
		res.Error = cancelReason(out.Err)
	case StatusSendFailed:
		res.Error = fmt.Sprintf("failed to send message: %v", out.Err)
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, "send failed")
	}

	slog.Info("escalation.finished", "correlation_id", out.CorrelationID, "status", out.Status)
	s.record(ctx, store.EscalationRecord{
		ID:         out.CorrelationID,
		Question:   req.Question,
		Context:    req.Context,
		Status:     string(out.Status),
		Error:      res.Error,
		TimeoutSec: int(timeout / time.Second),
		CreatedAt:  started,
	})
	return res, nil
}

// Submit sends a question without waiting. The answer is collected later
// with Poll.
func (s *Service) Submit(ctx context.Context, question, contextText string) (SubmitResult, error) {
	if strings.TrimSpace(question) == "" {
		return SubmitResult{}, ErrEmptyQuestion
	}

	ctx, span := s.tracer.Start(ctx, "escalation.submit")
	defer span.End()

	id, err := s.coord.Submit(ctx, question, contextText, s.opts.SubmitTTL)
	span.SetAttributes(attribute.String("escalation.correlation_id", id))

	rec := store.EscalationRecord{
		ID:         id,
		Question:   question,
		Context:    contextText,
		Status:     store.HistorySubmitted,
		TimeoutSec: int(s.opts.SubmitTTL / time.Second),
		Detached:   true,
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		rec.Status = store.HistorySendFailed
		rec.Error = err.Error()
		s.record(ctx, rec)
		return SubmitResult{CorrelationID: id}, err
	}
	s.record(ctx, rec)
	return SubmitResult{CorrelationID: id}, nil
}

// Poll reports the state of a submitted request.
func (s *Service) Poll(id string) PollResult {
	return s.coord.Poll(id)
}

// Run drives the update consumer and the janitor until ctx ends. On return
// every escalation still waiting is released as cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.consumer.Run(gctx) })
	g.Go(func() error { return s.janitor(gctx) })
	err := g.Wait()
	s.coord.Close()
	return err
}

// Sweep runs one cleanup pass. Detached requests that expired without an
// answer are recorded as expired.
func (s *Service) Sweep(ctx context.Context) int {
	expired := s.coord.Sweep()
	for _, req := range expired {
		if !req.Detached || req.Answered() {
			continue
		}
		s.record(ctx, store.EscalationRecord{
			ID:         req.ID,
			Question:   req.Question,
			Context:    req.Context,
			Status:     store.HistoryExpired,
			TimeoutSec: int(req.TTL / time.Second),
			Detached:   true,
			CreatedAt:  req.CreatedAt,
		})
	}
	if len(expired) > 0 {
		slog.Debug("escalation.sweep", "removed", len(expired), "pending", s.coord.Pending())
	}
	return len(expired)
}

func (s *Service) janitor(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Service) resolveTimeout(sec int) time.Duration {
	timeout := s.opts.DefaultTimeout
	if sec > maxTimeoutSec {
		sec = maxTimeoutSec
	}
	if sec > 0 {
		timeout = time.Duration(sec) * time.Second
	}
	if s.opts.MaxTimeout > 0 && timeout > s.opts.MaxTimeout {
		timeout = s.opts.MaxTimeout
	}
	return timeout
}

func cancelReason(err error) string {
	switch {
	case err == nil, errors.Is(err, ErrShuttingDown):
		return "cancelled: " + ErrShuttingDown.Error()
	case errors.Is(err, context.Canceled):
		return "cancelled: request cancelled"
	default:
		return "cancelled: " + err.Error()
	}
}

func (s *Service) onResolved(req PendingRequest) {
	s.record(context.Background(), store.EscalationRecord{
		ID:         req.ID,
		Question:   req.Question,
		Context:    req.Context,
		Status:     store.HistoryAnswered,
		Answer:     req.Answer,
		TimeoutSec: int(req.TTL / time.Second),
		Detached:   req.Detached,
		CreatedAt:  req.CreatedAt,
	})
}

// record writes rec to the history store, if any. Failures are logged and
// never reach the escalation caller.
func (s *Service) record(ctx context.Context, rec store.EscalationRecord) {
	if s.history == nil || rec.ID == "" {
		return
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyWriteTimeout)
	defer cancel()
	if err := s.history.Record(ctx, rec); err != nil {
		slog.Warn("escalation.history_failed", "correlation_id", rec.ID, "status", rec.Status, "error", err)
	}
}
