// Package store persists the gateway's dispatch journal: one row per
// operation the dispatcher ran, with its outcome.
package store

import (
	"context"
	"time"
)

// Entry is one journaled dispatch.
type Entry struct {
	ID         int64     `json:"id"`
	Op         string    `json:"op"`
	Origin     string    `json:"origin"`
	OK         bool      `json:"ok"`
	Kind       string    `json:"kind,omitempty"`
	Message    string    `json:"message,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// JournalStore appends and reads journal entries.
type JournalStore interface {
	// Append persists e and returns the id assigned to it.
	Append(ctx context.Context, e Entry) (int64, error)

	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)

	// Close releases the underlying storage.
	Close() error
}

// MaxRecent caps the number of entries a single Recent call returns.
const MaxRecent = 1000
