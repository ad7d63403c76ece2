package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally-sync-server/internal/domain"
)

type fakeRunner struct {
	mu       sync.Mutex
	runs     []domain.TriggerType
	actors   []string
	err      error
	blockFor time.Duration
}

func (f *fakeRunner) Run(_ context.Context, trigger domain.TriggerType, actor string) (*domain.SyncRun, error) {
	f.mu.Lock()
	f.runs = append(f.runs, trigger)
	f.actors = append(f.actors, actor)
	f.mu.Unlock()

	if f.blockFor > 0 {
		time.Sleep(f.blockFor)
	}
	if f.err != nil {
		return nil, f.err
	}
	run := domain.StartSyncRun(trigger, actor)
	run.Complete()
	return run, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type fakeUnlocker struct {
	mu       *sync.Mutex
	held     *bool
	released int
	err      error
}

func (f *fakeUnlocker) Release(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.held = false
	f.released++
	return f.err
}

// fakeLocker is an in-memory lock: exactly one holder at a time.
type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	err      error
	acquires int
	names    []string
}

func (f *fakeLocker) TryAcquire(_ context.Context, name string, _, _ time.Duration) (Unlocker, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	f.names = append(f.names, name)
	if f.err != nil {
		return nil, false, f.err
	}
	if f.held {
		return nil, false, nil
	}
	f.held = true
	return &fakeUnlocker{mu: &f.mu, held: &f.held}, true, nil
}

func TestCoordinator_RunNow(t *testing.T) {
	t.Parallel()

	t.Run("runs manual sync with actor", func(t *testing.T) {
		t.Parallel()

		runner := &fakeRunner{}
		locks := &fakeLocker{}
		c := New(runner, locks, Options{})

		run, err := c.RunNow(context.Background(), "alice")
		require.NoError(t, err)
		require.NotNil(t, run)
		assert.Equal(t, domain.TriggerManual, run.Trigger)

		assert.Equal(t, []domain.TriggerType{domain.TriggerManual}, runner.runs)
		assert.Equal(t, []string{"alice"}, runner.actors)
	})

	t.Run("releases the lock after the run", func(t *testing.T) {
		t.Parallel()

		runner := &fakeRunner{}
		locks := &fakeLocker{}
		c := New(runner, locks, Options{})

		_, err := c.RunNow(context.Background(), "alice")
		require.NoError(t, err)

		// Lock must be free again for the next run.
		_, err = c.RunNow(context.Background(), "bob")
		require.NoError(t, err)
		assert.Equal(t, 2, locks.acquires)
		assert.Equal(t, 2, runner.count())
	})

	t.Run("returns ErrSyncInProgress when lock is held", func(t *testing.T) {
		t.Parallel()

		runner := &fakeRunner{}
		locks := &fakeLocker{held: true}
		c := New(runner, locks, Options{})

		run, err := c.RunNow(context.Background(), "alice")
		require.ErrorIs(t, err, ErrSyncInProgress)
		assert.Nil(t, run)
		assert.Equal(t, 0, runner.count(), "runner must not run without the lock")
	})

	t.Run("lock released even when the run errors", func(t *testing.T) {
		t.Parallel()

		runner := &fakeRunner{err: errors.New("db down")}
		locks := &fakeLocker{}
		c := New(runner, locks, Options{})

		_, err := c.RunNow(context.Background(), "alice")
		require.Error(t, err)
		assert.False(t, locks.held, "lock must be released after a failed run")
	})

	t.Run("lock service error is propagated", func(t *testing.T) {
		t.Parallel()

		runner := &fakeRunner{}
		locks := &fakeLocker{err: errors.New("connection refused")}
		c := New(runner, locks, Options{})

		_, err := c.RunNow(context.Background(), "alice")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrSyncInProgress)
		assert.Equal(t, 0, runner.count())
	})

	t.Run("uses the configured lock name", func(t *testing.T) {
		t.Parallel()

		runner := &fakeRunner{}
		locks := &fakeLocker{}
		c := New(runner, locks, Options{LockName: "custom-lock"})

		_, err := c.RunNow(context.Background(), "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"custom-lock"}, locks.names)
	})
}

func TestCoordinator_StartStop(t *testing.T) {
	t.Parallel()

	t.Run("runs immediately on start and stops cleanly", func(t *testing.T) {
		t.Parallel()

		runner := &fakeRunner{}
		locks := &fakeLocker{}
		c := New(runner, locks, Options{Interval: time.Hour, Jitter: time.Millisecond})

		errCh := make(chan error, 1)
		go func() {
			errCh <- c.Start(context.Background())
		}()

		// The initial tick fires before the first interval elapses.
		require.Eventually(t, func() bool {
			return runner.count() == 1
		}, time.Second, 10*time.Millisecond)

		require.NoError(t, c.Stop())

		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Start did not return after Stop")
		}

		assert.Equal(t, []domain.TriggerType{domain.TriggerScheduled}, runner.runs)
		assert.Equal(t, []string{"scheduler"}, runner.actors)
	})

	t.Run("ticks keep firing on the interval", func(t *testing.T) {
		t.Parallel()

		runner := &fakeRunner{}
		locks := &fakeLocker{}
		c := New(runner, locks, Options{Interval: 20 * time.Millisecond, Jitter: time.Millisecond})

		go func() { _ = c.Start(context.Background()) }()
		defer func() { _ = c.Stop() }()

		require.Eventually(t, func() bool {
			return runner.count() >= 3
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("held lock skips the tick without stopping the loop", func(t *testing.T) {
		t.Parallel()

		runner := &fakeRunner{}
		locks := &fakeLocker{held: true}
		c := New(runner, locks, Options{Interval: 20 * time.Millisecond, Jitter: time.Millisecond})

		go func() { _ = c.Start(context.Background()) }()
		defer func() { _ = c.Stop() }()

		require.Eventually(t, func() bool {
			locks.mu.Lock()
			defer locks.mu.Unlock()
			return locks.acquires >= 3
		}, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, 0, runner.count())
	})

	t.Run("stop cancels via parent context too", func(t *testing.T) {
		t.Parallel()

		runner := &fakeRunner{}
		locks := &fakeLocker{}
		c := New(runner, locks, Options{Interval: time.Hour, Jitter: time.Millisecond})

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			errCh <- c.Start(ctx)
		}()

		require.Eventually(t, func() bool {
			return runner.count() == 1
		}, time.Second, 10*time.Millisecond)

		cancel()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Start did not return after context cancellation")
		}
	})
}

func TestOptions_Defaults(t *testing.T) {
	t.Parallel()

	opts := Options{}.withDefaults()
	assert.Equal(t, defaultInterval, opts.Interval)
	assert.Equal(t, defaultJitter, opts.Jitter)
	assert.Equal(t, defaultLockName, opts.LockName)
	assert.Equal(t, defaultMaxHold, opts.MaxHold)
	assert.Equal(t, defaultMinHold, opts.MinHold)

	custom := Options{Interval: time.Minute, LockName: "x"}.withDefaults()
	assert.Equal(t, time.Minute, custom.Interval)
	assert.Equal(t, "x", custom.LockName)
	assert.Equal(t, defaultJitter, custom.Jitter)
}

func TestNextInterval_Bounds(t *testing.T) {
	t.Parallel()

	c := &defaultCoordinator{opts: Options{Interval: time.Minute, Jitter: 10 * time.Second}.withDefaults()}
	for range 100 {
		interval := c.nextInterval()
		assert.GreaterOrEqual(t, interval, 50*time.Second)
		assert.LessOrEqual(t, interval, 70*time.Second)
	}
}
