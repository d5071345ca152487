// Package store defines the persistence interface for the lending engine's
// journal. Implementations include PostgreSQL, SQLite (embedded), Redis
// (read-through cache over another store), and in-memory (for testing).
//
// The journal is append-only: committed events are never rewritten, and a
// loan history row changes only when its loan closes.
package store

import (
	"context"
	"errors"

	"github.com/atmx/vault-lending/internal/model"
)

// ErrSequenceConflict is returned when a batch carries an event sequence
// number that is not above everything already journaled.
var ErrSequenceConflict = errors.New("store: event sequence conflict")

// Store is the persistence interface.
type Store interface {
	// Commit atomically appends the batch's events and upserts its loan
	// history rows. Either all of it is visible afterwards or none is.
	Commit(ctx context.Context, batch *model.Batch) error

	// ListEvents returns up to limit events with Seq > after, oldest first.
	ListEvents(ctx context.Context, after uint64, limit int) ([]model.Event, error)

	// EventsByAccount returns up to limit of the most recent events touching
	// account, newest first.
	EventsByAccount(ctx context.Context, account string, limit int) ([]model.Event, error)

	// LoanHistory returns every loan epoch of borrower, oldest first.
	LoanHistory(ctx context.Context, borrower string) ([]model.LoanRecord, error)

	// LastSeq returns the highest journaled event sequence, 0 when empty.
	LastSeq(ctx context.Context) (uint64, error)
}

func checkSeq(last uint64, events []model.Event) error {
	for _, e := range events {
		if e.Seq <= last {
			return ErrSequenceConflict
		}
		last = e.Seq
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}
