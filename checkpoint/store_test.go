package checkpoint

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/researchflow/types"
)

// runStoreConformance exercises the Store contract shared by all
// backends: strictly ordered append-only log, latest-wins resumption,
// and whole-job deletion.
func runStoreConformance(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		require.NoError(t, store.Ping(ctx))
	})

	t.Run("EmptyJobHasNoLatest", func(t *testing.T) {
		_, err := store.Latest(ctx, "no-such-job")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("AppendAssignsIncreasingSequence", func(t *testing.T) {
		stages := []types.Stage{types.StagePlanning, types.StageRetrieving, types.StageSynthesizing}
		for i, st := range stages {
			rec, err := store.Append(ctx, "job-1", st, StatusSuccess, json.RawMessage(`{"n":1}`))
			require.NoError(t, err)
			assert.Equal(t, i+1, rec.Sequence)
			assert.Equal(t, st, rec.Stage)
			assert.NotEmpty(t, rec.ID)
		}
	})

	t.Run("LatestReturnsHighestSequence", func(t *testing.T) {
		rec, err := store.Latest(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, 3, rec.Sequence)
		assert.Equal(t, types.StageSynthesizing, rec.Stage)
		assert.JSONEq(t, `{"n":1}`, string(rec.State))
	})

	t.Run("HistoryIsOrdered", func(t *testing.T) {
		recs, err := store.History(ctx, "job-1")
		require.NoError(t, err)
		require.Len(t, recs, 3)
		for i, rec := range recs {
			assert.Equal(t, i+1, rec.Sequence)
		}
	})

	t.Run("JobsAreIsolated", func(t *testing.T) {
		rec, err := store.Append(ctx, "job-2", types.StagePlanning, StatusInProgress, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Sequence)
		assert.Equal(t, StatusInProgress, rec.Status)

		recs, err := store.History(ctx, "job-1")
		require.NoError(t, err)
		assert.Len(t, recs, 3)
	})

	t.Run("DeleteJob", func(t *testing.T) {
		n, err := store.DeleteJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		_, err = store.Latest(ctx, "job-1")
		assert.ErrorIs(t, err, ErrNotFound)

		// The other job's log is untouched.
		rec, err := store.Latest(ctx, "job-2")
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Sequence)
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	runStoreConformance(t, store)
}

func TestMemoryStoreClosed(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())

	_, err := store.Append(context.Background(), "job-1", types.StagePlanning, StatusSuccess, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrStoreUnavailable, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestGormStoreSQLite(t *testing.T) {
	store, err := NewGormStore(StoreConfig{Type: StoreTypeGorm, Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	defer store.Close()
	runStoreConformance(t, store)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, "test:")
	defer store.Close()
	runStoreConformance(t, store)
}

func TestRedisStoreCorruptRecord(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, "test:")
	defer store.Close()
	ctx := context.Background()

	_, err := store.Append(ctx, "job-x", types.StagePlanning, StatusSuccess, nil)
	require.NoError(t, err)

	// Damage the log directly; reads must surface the fatal
	// CHECKPOINT_CORRUPT code, not a decode panic or a silent skip.
	require.NoError(t, client.ZAdd(ctx, "test:ckpt:log:job-x", redis.Z{Score: 2, Member: "{not json"}).Err())

	_, err = store.Latest(ctx, "job-x")
	require.Error(t, err)
	assert.Equal(t, types.ErrCheckpointCorrupt, types.GetErrorCode(err))
	assert.False(t, types.IsRetryable(err))
}

func TestFactory(t *testing.T) {
	store, err := NewStore(StoreConfig{Type: StoreTypeMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)
	store.Close()

	store, err = NewStore(StoreConfig{Type: StoreTypeGorm, Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	assert.IsType(t, &GormStore{}, store)
	store.Close()

	_, err = NewStore(StoreConfig{Type: "bogus"})
	assert.Error(t, err)
}
