package store

import (
	"context"
	"time"
)

// Escalation history statuses. The first four mirror the blocking outcomes;
// submitted and expired belong to detached requests.
const (
	HistoryAnswered   = "answered"
	HistoryTimeout    = "timeout"
	HistoryCancelled  = "cancelled"
	HistorySendFailed = "send_failed"
	HistorySubmitted  = "submitted"
	HistoryExpired    = "expired"
)

// EscalationRecord is one row of the escalation audit log.
type EscalationRecord struct {
	ID         string    `json:"correlation_id"`
	Question   string    `json:"question"`
	Context    string    `json:"context,omitempty"`
	Status     string    `json:"status"`
	Answer     *string   `json:"answer,omitempty"`
	Error      string    `json:"error,omitempty"`
	TimeoutSec int       `json:"timeout_sec"`
	Detached   bool      `json:"detached,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HistoryFilter narrows List. Zero values mean "no restriction".
type HistoryFilter struct {
	Statuses []string
	Since    time.Time
	Limit    int // default 50
}

// DefaultHistoryLimit caps List when the filter sets no limit.
const DefaultHistoryLimit = 50

// HistoryStore persists terminal escalation outcomes. It is an audit log:
// nothing in it is ever resumed.
type HistoryStore interface {
	// Record inserts rec or, when the id exists, overwrites status, answer,
	// error and updated_at. Question/context are kept from the first write.
	Record(ctx context.Context, rec EscalationRecord) error
	Get(ctx context.Context, id string) (*EscalationRecord, error)
	List(ctx context.Context, filter HistoryFilter) ([]EscalationRecord, error)
	Close() error
}
