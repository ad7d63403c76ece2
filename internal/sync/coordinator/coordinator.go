// Package coordinator schedules sync runs: a jittered ticker drives the
// scheduled pipeline, and a shared Postgres lock guarantees at most one run
// executes across all server instances at a time.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/tallyhq/tally-sync-server/internal/domain"
	"github.com/tallyhq/tally-sync-server/internal/lock"
)

const (
	// defaultInterval is the base interval between scheduled sync runs
	defaultInterval = 5 * time.Minute
	// defaultJitter is the maximum random offset applied to each interval
	defaultJitter = 30 * time.Second
	// defaultLockName is the shared lock all instances compete for
	defaultLockName = "tracker-sync"
	// defaultMaxHold bounds how long a crashed holder blocks other instances
	defaultMaxHold = 10 * time.Minute
	// defaultMinHold keeps the lock row alive briefly after release so that
	// instances with skewed clocks do not immediately re-run
	defaultMinHold = 30 * time.Second
)

// ErrSyncInProgress is returned by RunNow when another sync run already
// holds the lock.
var ErrSyncInProgress = errors.New("a sync run is already in progress")

// SyncRunner executes one full sync pass.
type SyncRunner interface {
	Run(ctx context.Context, trigger domain.TriggerType, actor string) (*domain.SyncRun, error)
}

// Locker hands out the cross-instance sync lock.
type Locker interface {
	TryAcquire(ctx context.Context, name string, maxHold, minHold time.Duration) (Unlocker, bool, error)
}

// Unlocker releases a held lock.
type Unlocker interface {
	Release(ctx context.Context) error
}

// PgLocker adapts the Postgres lock service to the Locker interface.
func PgLocker(svc *lock.Service) Locker {
	return pgLocker{svc: svc}
}

type pgLocker struct {
	svc *lock.Service
}

func (p pgLocker) TryAcquire(ctx context.Context, name string, maxHold, minHold time.Duration) (Unlocker, bool, error) {
	h, ok, err := p.svc.TryAcquire(ctx, name, maxHold, minHold)
	if h == nil {
		return nil, ok, err
	}
	return h, ok, err
}

// Coordinator manages background sync scheduling and on-demand runs.
type Coordinator interface {
	// Start begins background sync scheduling.
	// Blocks until the context is cancelled or Stop is called.
	Start(ctx context.Context) error

	// Stop gracefully stops the coordinator.
	Stop() error

	// RunNow executes a sync run immediately on behalf of actor, competing
	// for the same lock as scheduled runs. Returns ErrSyncInProgress when
	// the lock is already held.
	RunNow(ctx context.Context, actor string) (*domain.SyncRun, error)
}

// Options tune the schedule and the lock. Zero values fall back to defaults.
type Options struct {
	Interval time.Duration
	Jitter   time.Duration
	LockName string
	MaxHold  time.Duration
	MinHold  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.Jitter <= 0 {
		o.Jitter = defaultJitter
	}
	if o.LockName == "" {
		o.LockName = defaultLockName
	}
	if o.MaxHold <= 0 {
		o.MaxHold = defaultMaxHold
	}
	if o.MinHold <= 0 {
		o.MinHold = defaultMinHold
	}
	return o
}

type defaultCoordinator struct {
	runner SyncRunner
	locks  Locker
	opts   Options

	// Lifecycle management
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// New creates a coordinator with injected dependencies.
func New(runner SyncRunner, locks Locker, opts Options) Coordinator {
	return &defaultCoordinator{
		runner: runner,
		locks:  locks,
		opts:   opts.withDefaults(),
		done:   make(chan struct{}),
	}
}

// nextInterval returns the base interval with a random jitter applied.
// The jitter keeps multiple instances from competing for the lock at the
// exact same moment.
func (c *defaultCoordinator) nextInterval() time.Duration {
	//nolint:gosec // G404: Non-cryptographic randomness is sufficient for polling jitter
	jitterOffset := time.Duration(rand.Int64N(int64(2*c.opts.Jitter))) - c.opts.Jitter
	return c.opts.Interval + jitterOffset
}

// Start begins background sync scheduling.
func (c *defaultCoordinator) Start(ctx context.Context) error {
	coordCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	defer func() {
		close(c.done)
		slog.Info("Sync coordinator shut down")
	}()

	interval := c.nextInterval()
	slog.Info("Starting sync coordinator",
		"base_interval", c.opts.Interval,
		"actual_interval", interval,
		"lock", c.opts.LockName,
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First scheduled run happens immediately on startup.
	c.tick(coordCtx)

	for {
		select {
		case <-ticker.C:
			c.tick(coordCtx)

			// Recalculate interval with new jitter for next iteration
			ticker.Reset(c.nextInterval())
		case <-coordCtx.Done():
			slog.Info("Sync coordinator stopping")
			return nil
		}
	}
}

// Stop gracefully stops the coordinator.
func (c *defaultCoordinator) Stop() error {
	if c.cancelFunc != nil {
		slog.Info("Stopping sync coordinator")
		c.cancelFunc()
		<-c.done
	}
	return nil
}

// tick attempts one scheduled run. Nothing a tick does can stop the
// coordinator loop; failures are logged and the next tick tries again.
func (c *defaultCoordinator) tick(ctx context.Context) {
	_, err := c.runLocked(ctx, domain.TriggerScheduled, "scheduler")
	switch {
	case errors.Is(err, ErrSyncInProgress):
		slog.Debug("Sync lock held elsewhere, skipping scheduled run")
	case err != nil:
		slog.Error("Scheduled sync run failed", "error", err)
	}
}

// RunNow executes a sync run immediately on behalf of actor.
func (c *defaultCoordinator) RunNow(ctx context.Context, actor string) (*domain.SyncRun, error) {
	return c.runLocked(ctx, domain.TriggerManual, actor)
}

// runLocked acquires the shared lock, performs one run, and releases the
// lock. The lock expires on its own after MaxHold, so a run that outlives
// it may overlap with the next one; that is logged but not prevented.
func (c *defaultCoordinator) runLocked(ctx context.Context, trigger domain.TriggerType, actor string) (*domain.SyncRun, error) {
	handle, acquired, err := c.locks.TryAcquire(ctx, c.opts.LockName, c.opts.MaxHold, c.opts.MinHold)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if !acquired {
		return nil, ErrSyncInProgress
	}

	start := time.Now()
	defer func() {
		if elapsed := time.Since(start); elapsed > c.opts.MaxHold {
			slog.Warn("Sync run outlived its lock",
				"elapsed", elapsed,
				"max_hold", c.opts.MaxHold,
			)
		}
		if err := handle.Release(ctx); err != nil {
			slog.Error("Failed to release sync lock", "error", err)
		}
	}()

	return c.runner.Run(ctx, trigger, actor)
}
