package store

import (
	"context"
	"log/slog"

	"tradegate/internal/dispatch"
)

var _ dispatch.Observer = (*Journal)(nil)

// Journal records every dispatch in a JournalStore.
type Journal struct {
	store JournalStore
	log   *slog.Logger
}

// NewJournal creates a Journal writing to s.
func NewJournal(s JournalStore, log *slog.Logger) *Journal {
	return &Journal{store: s, log: log}
}

// ObserveDispatch appends rec to the journal. Write errors are logged and
// never affect the response.
func (j *Journal) ObserveDispatch(ctx context.Context, rec dispatch.Record) {
	e := Entry{
		Op:         string(rec.Op),
		Origin:     rec.Origin,
		OK:         rec.Kind == "",
		Kind:       string(rec.Kind),
		Message:    rec.Message,
		StartedAt:  rec.Started,
		DurationMS: rec.Duration.Milliseconds(),
	}
	// The request may already be cancelled; the entry is still worth keeping.
	if _, err := j.store.Append(context.WithoutCancel(ctx), e); err != nil {
		j.log.Warn("journal append failed", "op", rec.Op, "error", err)
	}
}

// Recent returns up to limit journal entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return j.store.Recent(ctx, limit)
}
