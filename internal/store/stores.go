package store

import "errors"

// ErrNotFound is returned by lookups for ids the store has never seen.
var ErrNotFound = errors.New("not found")

// Stores is the top-level container for all storage backends.
// History is nil when no database is configured.
type Stores struct {
	History HistoryStore
}

// Close releases every backend.
func (s *Stores) Close() error {
	if s == nil || s.History == nil {
		return nil
	}
	return s.History.Close()
}
