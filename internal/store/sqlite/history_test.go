package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/humanloop/internal/store"
)

func openTestStore(t *testing.T) *HistoryStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHistoryStore_RecordAndUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := store.EscalationRecord{
		ID:         "abc",
		Question:   "Deploy now?",
		Context:    "release",
		Status:     store.HistorySubmitted,
		TimeoutSec: 300,
		Detached:   true,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
	if err := s.Record(ctx, rec); err != nil {
		t.Fatalf("Record: %v", err)
	}

	answer := "yes"
	rec.Status = store.HistoryAnswered
	rec.Answer = &answer
	rec.Question = "overwritten?"
	rec.UpdatedAt = created.Add(time.Minute)
	if err := s.Record(ctx, rec); err != nil {
		t.Fatalf("Record upsert: %v", err)
	}

	got, err := s.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != store.HistoryAnswered || got.Answer == nil || *got.Answer != "yes" {
		t.Errorf("upsert not applied: %+v", got)
	}
	if got.Question != "Deploy now?" {
		t.Errorf("question = %q, want first write kept", got.Question)
	}
	if !got.Detached || got.TimeoutSec != 300 {
		t.Errorf("unexpected record: %+v", got)
	}
	if !got.CreatedAt.Equal(created) || !got.UpdatedAt.Equal(created.Add(time.Minute)) {
		t.Errorf("timestamps = %v / %v", got.CreatedAt, got.UpdatedAt)
	}
}

func TestHistoryStore_GetMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestHistoryStore_List(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	statuses := []string{store.HistoryAnswered, store.HistoryTimeout, store.HistoryAnswered, store.HistorySendFailed}
	for i, st := range statuses {
		at := base.Add(time.Duration(i) * time.Minute)
		rec := store.EscalationRecord{
			ID: string(rune('a' + i)), Question: "q", Status: st, CreatedAt: at, UpdatedAt: at,
		}
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	all, err := s.List(ctx, store.HistoryFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 4 || all[0].ID != "d" || all[3].ID != "a" {
		t.Fatalf("List order = %v", ids(all))
	}

	answered, err := s.List(ctx, store.HistoryFilter{Statuses: []string{store.HistoryAnswered}})
	if err != nil {
		t.Fatalf("List answered: %v", err)
	}
	if got := ids(answered); len(got) != 2 || got[0] != "c" || got[1] != "a" {
		t.Fatalf("answered = %v, want [c a]", got)
	}

	recent, err := s.List(ctx, store.HistoryFilter{Since: base.Add(2 * time.Minute), Limit: 1})
	if err != nil {
		t.Fatalf("List recent: %v", err)
	}
	if got := ids(recent); len(got) != 1 || got[0] != "d" {
		t.Fatalf("recent = %v, want [d]", got)
	}
}

func ids(recs []store.EscalationRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
