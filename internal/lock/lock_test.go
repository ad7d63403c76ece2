package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally-sync-server/database"
	"github.com/tallyhq/tally-sync-server/internal/lock"
)

func TestService_TryAcquire(t *testing.T) {
	t.Parallel()

	pool, cleanup := database.SetupTestDB(t)
	t.Cleanup(cleanup)

	ctx := context.Background()
	svc := lock.NewService(pool)

	t.Run("acquires a free lock", func(t *testing.T) {
		h, acquired, err := svc.TryAcquire(ctx, "free", time.Minute, 0)
		require.NoError(t, err)
		require.True(t, acquired)
		require.NotNil(t, h)
		require.NoError(t, h.Release(ctx))
	})

	t.Run("second acquire is rejected while held", func(t *testing.T) {
		h, acquired, err := svc.TryAcquire(ctx, "contended", time.Minute, 0)
		require.NoError(t, err)
		require.True(t, acquired)

		h2, acquired2, err := svc.TryAcquire(ctx, "contended", time.Minute, 0)
		require.NoError(t, err)
		assert.False(t, acquired2)
		assert.Nil(t, h2)

		require.NoError(t, h.Release(ctx))
	})

	t.Run("released lock can be acquired again", func(t *testing.T) {
		h, acquired, err := svc.TryAcquire(ctx, "reuse", time.Minute, 0)
		require.NoError(t, err)
		require.True(t, acquired)
		require.NoError(t, h.Release(ctx))

		h2, acquired2, err := svc.TryAcquire(ctx, "reuse", time.Minute, 0)
		require.NoError(t, err)
		assert.True(t, acquired2)
		require.NoError(t, h2.Release(ctx))
	})

	t.Run("expired lock can be stolen", func(t *testing.T) {
		_, acquired, err := svc.TryAcquire(ctx, "stale", 100*time.Millisecond, 0)
		require.NoError(t, err)
		require.True(t, acquired)

		time.Sleep(200 * time.Millisecond)

		h2, acquired2, err := svc.TryAcquire(ctx, "stale", time.Minute, 0)
		require.NoError(t, err)
		assert.True(t, acquired2, "expired lock should be acquirable")
		require.NoError(t, h2.Release(ctx))
	})

	t.Run("minimum hold keeps the lock reserved after release", func(t *testing.T) {
		h, acquired, err := svc.TryAcquire(ctx, "min-hold", time.Minute, time.Hour)
		require.NoError(t, err)
		require.True(t, acquired)
		require.NoError(t, h.Release(ctx))

		_, acquired2, err := svc.TryAcquire(ctx, "min-hold", time.Minute, 0)
		require.NoError(t, err)
		assert.False(t, acquired2, "lock must stay reserved until the minimum hold passes")
	})

	t.Run("release after takeover does not disturb the new holder", func(t *testing.T) {
		h1, acquired, err := svc.TryAcquire(ctx, "takeover", 100*time.Millisecond, 0)
		require.NoError(t, err)
		require.True(t, acquired)

		time.Sleep(200 * time.Millisecond)

		h2, acquired2, err := svc.TryAcquire(ctx, "takeover", time.Minute, 0)
		require.NoError(t, err)
		require.True(t, acquired2)

		// The original holder releasing late must not free the new
		// holder's lock.
		require.NoError(t, h1.Release(ctx))

		_, acquired3, err := svc.TryAcquire(ctx, "takeover", time.Minute, 0)
		require.NoError(t, err)
		assert.False(t, acquired3)

		require.NoError(t, h2.Release(ctx))
	})

	t.Run("independent names do not contend", func(t *testing.T) {
		h1, acquired1, err := svc.TryAcquire(ctx, "name-a", time.Minute, 0)
		require.NoError(t, err)
		require.True(t, acquired1)

		h2, acquired2, err := svc.TryAcquire(ctx, "name-b", time.Minute, 0)
		require.NoError(t, err)
		assert.True(t, acquired2)

		require.NoError(t, h1.Release(ctx))
		require.NoError(t, h2.Release(ctx))
	})
}
