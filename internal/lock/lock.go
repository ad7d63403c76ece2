// Package lock implements a cluster-wide mutual-exclusion lock on top of a
// Postgres table with conditional writes and expiry. Acquisition is
// non-blocking: if another holder owns the lock, TryAcquire reports that
// and returns, it never waits.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Service hands out named locks backed by the sync_locks table.
type Service struct {
	pool *pgxpool.Pool
}

// NewService creates a lock service over the given connection pool.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// Handle represents an acquired lock. Release it when the protected work
// finishes; the lock also self-expires after its maximum hold time.
type Handle struct {
	name    string
	holder  uuid.UUID
	minHold time.Duration
	pool    *pgxpool.Pool
}

// TryAcquire attempts to take the named lock for at most maxHold. The
// returned bool reports whether the lock was acquired; false with a nil
// error means another instance holds it, which is the expected outcome
// under multi-instance deployment.
//
// The row's expiry is the only thing maxHold bounds. A run that outlives
// maxHold keeps executing; the lock merely becomes available to others.
func (s *Service) TryAcquire(ctx context.Context, name string, maxHold, minHold time.Duration) (*Handle, bool, error) {
	holder := uuid.New()

	// The conditional update only steals the row when the previous
	// holder's expiry has passed.
	row := s.pool.QueryRow(ctx, `
		INSERT INTO sync_locks (name, holder, acquired_at, expires_at)
		VALUES ($1, $2, now(), now() + make_interval(secs => $3))
		ON CONFLICT (name) DO UPDATE
		SET holder      = excluded.holder,
		    acquired_at = excluded.acquired_at,
		    expires_at  = excluded.expires_at
		WHERE sync_locks.expires_at <= now()
		RETURNING holder`,
		name, holder, maxHold.Seconds())

	var got uuid.UUID
	if err := row.Scan(&got); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conditional write lost: the lock is live elsewhere.
			return nil, false, nil
		}
		return nil, false, err
	}

	return &Handle{
		name:    name,
		holder:  holder,
		minHold: minHold,
		pool:    s.pool,
	}, true, nil
}

// Release frees the lock, keeping the row reserved until the minimum hold
// time has passed since acquisition. If the lock expired and was taken
// over while the work was still running, Release is a no-op and logs the
// hold/run duration mismatch.
func (h *Handle) Release(ctx context.Context) error {
	tag, err := h.pool.Exec(ctx, `
		UPDATE sync_locks
		SET expires_at = greatest(now(), acquired_at + make_interval(secs => $3))
		WHERE name = $1 AND holder = $2`,
		h.name, h.holder, h.minHold.Seconds())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		slog.Warn("Lock expired before release; the run outlived the maximum hold time",
			"lock", h.name)
	}
	return nil
}
