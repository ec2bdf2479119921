package rnaqueue

import (
	"context"
	"time"
)

// Lock is a held per-user lock. Release must be called exactly once on every
// path out of processing.
type Lock interface {
	Release(ctx context.Context) error
}

// Coordinator is the shared key-value store the dispatchers coordinate
// through: atomic set-if-absent locks and the advisory FIFO position list.
type Coordinator interface {
	// TryLock atomically takes the (kind, user) lock. ok is false when
	// another holder has it.
	TryLock(ctx context.Context, kind Kind, userID int64, ttl time.Duration) (lock Lock, ok bool, err error)
	// Enqueue appends userID to the kind's position list and returns its
	// 1-based position.
	Enqueue(ctx context.Context, kind Kind, userID int64) (int, error)
	// Position returns the 1-based position of userID, or 0 if absent.
	Position(ctx context.Context, kind Kind, userID int64) (int, error)
	// Dequeue removes one occurrence of userID from the kind's list.
	Dequeue(ctx context.Context, kind Kind, userID int64) error
}
