package job

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/researchflow/types"
)

func sampleJob(stage types.Stage) *types.Job {
	now := time.Now()
	return &types.Job{
		ID:    uuid.New().String(),
		Query: "solid state battery supply chain",
		Constraints: types.Constraints{
			Region:       "EU",
			AllowSources: []string{"web", "academic"},
		},
		Output:    types.OutputConfig{Format: "markdown", Length: "long"},
		HIL:       types.HILConfig{PlanGate: true},
		Stage:     stage,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// runStoreConformance exercises the Store contract against any backend.
func runStoreConformance(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("create and get round-trip", func(t *testing.T) {
		job := sampleJob(types.StagePending)
		require.NoError(t, store.CreateJob(ctx, job))

		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, job.Query, got.Query)
		assert.Equal(t, job.Constraints, got.Constraints)
		assert.Equal(t, job.Output, got.Output)
		assert.Equal(t, job.HIL, got.HIL)
		assert.Equal(t, types.StagePending, got.Stage)
	})

	t.Run("get missing job", func(t *testing.T) {
		_, err := store.GetJob(ctx, "no-such-job")
		require.Error(t, err)
		assert.Equal(t, types.ErrJobNotFound, types.GetErrorCode(err))
	})

	t.Run("save mutates", func(t *testing.T) {
		job := sampleJob(types.StagePending)
		require.NoError(t, store.CreateJob(ctx, job))

		job.Stage = types.StageDrafting
		job.Progress = 0.45
		job.Feedback = "tighten the scope"
		require.NoError(t, store.SaveJob(ctx, job))

		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StageDrafting, got.Stage)
		assert.Equal(t, 0.45, got.Progress)
		assert.Equal(t, "tighten the scope", got.Feedback)
	})

	t.Run("save missing job", func(t *testing.T) {
		job := sampleJob(types.StagePending)
		err := store.SaveJob(ctx, job)
		require.Error(t, err)
		assert.Equal(t, types.ErrJobNotFound, types.GetErrorCode(err))
	})

	t.Run("list filters and pages", func(t *testing.T) {
		var failedID string
		for i := 0; i < 5; i++ {
			job := sampleJob(types.StageCompleted)
			job.Query = fmt.Sprintf("graphene anodes batch %d", i)
			if i == 0 {
				job.Stage = types.StageFailed
				failedID = job.ID
			}
			require.NoError(t, store.CreateJob(ctx, job))
		}

		jobs, total, err := store.ListJobs(ctx, ListFilter{Query: "graphene anodes", Limit: 3})
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
		assert.Len(t, jobs, 3)

		jobs, total, err = store.ListJobs(ctx, ListFilter{Query: "graphene anodes", Stage: types.StageFailed, Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		require.Len(t, jobs, 1)
		assert.Equal(t, failedID, jobs[0].ID)
	})

	t.Run("soft-deleted jobs hidden from listing", func(t *testing.T) {
		job := sampleJob(types.StageCompleted)
		job.Query = "perovskite tandem cells"
		require.NoError(t, store.CreateJob(ctx, job))

		now := time.Now()
		job.DeletedAt = &now
		require.NoError(t, store.SaveJob(ctx, job))

		jobs, total, err := store.ListJobs(ctx, ListFilter{Query: "perovskite tandem"})
		require.NoError(t, err)
		assert.Zero(t, total)
		assert.Empty(t, jobs)

		jobs, total, err = store.ListJobs(ctx, ListFilter{Query: "perovskite tandem", IncludeDeleted: true})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		assert.Len(t, jobs, 1)

		// Still directly addressable.
		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.NotNil(t, got.DeletedAt)
	})

	t.Run("stuck listing", func(t *testing.T) {
		fresh := sampleJob(types.StageRetrieving)
		require.NoError(t, store.CreateJob(ctx, fresh))

		stale := sampleJob(types.StageDrafting)
		stale.UpdatedAt = time.Now().Add(-time.Hour)
		require.NoError(t, store.CreateJob(ctx, stale))

		idle := sampleJob(types.StagePending)
		idle.UpdatedAt = time.Now().Add(-time.Hour)
		require.NoError(t, store.CreateJob(ctx, idle))

		stuck, err := store.ListStuck(ctx, time.Now().Add(-10*time.Minute))
		require.NoError(t, err)
		ids := make(map[string]bool)
		for _, j := range stuck {
			ids[j.ID] = true
		}
		assert.True(t, ids[stale.ID])
		assert.False(t, ids[fresh.ID])
		assert.False(t, ids[idle.ID], "pending jobs are not stuck")
	})

	t.Run("deleted-before listing", func(t *testing.T) {
		old := sampleJob(types.StageCompleted)
		oldDel := time.Now().Add(-48 * time.Hour)
		old.DeletedAt = &oldDel
		require.NoError(t, store.CreateJob(ctx, old))

		recent := sampleJob(types.StageCompleted)
		recentDel := time.Now().Add(-time.Minute)
		recent.DeletedAt = &recentDel
		require.NoError(t, store.CreateJob(ctx, recent))

		expired, err := store.ListDeletedBefore(ctx, time.Now().Add(-24*time.Hour))
		require.NoError(t, err)
		ids := make(map[string]bool)
		for _, j := range expired {
			ids[j.ID] = true
		}
		assert.True(t, ids[old.ID])
		assert.False(t, ids[recent.ID])
	})

	t.Run("stats buckets", func(t *testing.T) {
		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Positive(t, stats.Total)
		assert.Equal(t, stats.Total,
			stats.Pending+stats.Running+stats.Suspended+stats.Completed+stats.Failed+stats.Cancelled)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreConformance(t, NewMemoryStore())
}

func TestGormStoreSQLite(t *testing.T) {
	store, err := NewGormStore(StoreConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	defer store.Close()
	runStoreConformance(t, store)
}

func TestCreateDuplicateID(t *testing.T) {
	store := NewMemoryStore()
	job := sampleJob(types.StagePending)
	require.NoError(t, store.CreateJob(context.Background(), job))
	assert.Error(t, store.CreateJob(context.Background(), job))
}
