// Package escalation implements the human-escalation rendezvous: a question is
// sent to a human over a channel, the caller blocks on a waiter, and the
// update consumer maps the human's reply back to that waiter exactly once.
package escalation

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PendingRequest is one outstanding escalation.
type PendingRequest struct {
	ID        string
	Question  string
	Context   string
	CreatedAt time.Time
	TTL       time.Duration
	Answer    *string // set at most once
	Detached  bool    // submitted without a blocking caller
}

// Expired reports whether the TTL has elapsed at now. Derived on every call.
func (r PendingRequest) Expired(now time.Time) bool {
	return now.Sub(r.CreatedAt) > r.TTL
}

// Answered reports whether an answer has been recorded.
func (r PendingRequest) Answered() bool { return r.Answer != nil }

// NewCorrelationID returns a fresh 32-hex-char id from a random UUIDv4.
// Collisions are treated as impossible (122 random bits).
func NewCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Store holds outstanding requests keyed by correlation id.
// It is not safe for concurrent use; the Coordinator serializes every call.
type Store struct {
	pending map[string]*PendingRequest
	now     func() time.Time
	newID   func() string
}

// NewStore creates an empty store. now may be nil (time.Now).
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		pending: make(map[string]*PendingRequest),
		now:     now,
		newID:   NewCorrelationID,
	}
}

// Create allocates a new request and stores it.
func (s *Store) Create(question, context string, ttl time.Duration) PendingRequest {
	req := &PendingRequest{
		ID:        s.newID(),
		Question:  question,
		Context:   context,
		CreatedAt: s.now(),
		TTL:       ttl,
	}
	s.pending[req.ID] = req
	return *req
}

// Get returns a copy of the request, if present. Expired entries are still
// returned until Cleanup removes them.
func (s *Store) Get(id string) (PendingRequest, bool) {
	req, ok := s.pending[id]
	if !ok {
		return PendingRequest{}, false
	}
	return *req, true
}

// Answer records text as the answer. It returns false, changing nothing, when
// the id is unknown, expired, or already answered: the first answer wins.
func (s *Store) Answer(id, text string) bool {
	req, ok := s.pending[id]
	if !ok || req.Expired(s.now()) || req.Answer != nil {
		return false
	}
	req.Answer = &text
	return true
}

// Remove drops an entry regardless of its state.
func (s *Store) Remove(id string) {
	delete(s.pending, id)
}

// Cleanup removes every expired entry and returns what it removed.
func (s *Store) Cleanup() []PendingRequest {
	now := s.now()
	var removed []PendingRequest
	for id, req := range s.pending {
		if req.Expired(now) {
			removed = append(removed, *req)
			delete(s.pending, id)
		}
	}
	return removed
}

// Len returns the number of stored entries.
func (s *Store) Len() int { return len(s.pending) }

// Open returns the unanswered, unexpired entries, oldest first.
func (s *Store) Open() []PendingRequest {
	now := s.now()
	var out []PendingRequest
	for _, req := range s.pending {
		if req.Answer == nil && !req.Expired(now) {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
