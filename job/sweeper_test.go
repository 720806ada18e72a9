package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/researchflow/checkpoint"
	"github.com/BaSui01/researchflow/pipeline"
	"github.com/BaSui01/researchflow/types"
)

func newSweeper(f *managerFixture) *Sweeper {
	return NewSweeper(f.manager, f.store, f.ckpts, nil, SweeperConfig{
		Interval:         time.Minute,
		StuckAfter:       10 * time.Minute,
		DeletedRetention: 24 * time.Hour,
	}, nil)
}

func TestSweeperResumesOrphanedJob(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	// Simulate a crash: planning and retrieving checkpointed, the job
	// row left mid-pipeline with a stale update time and no holder.
	job, err := f.manager.Create(ctx, CreateRequest{Query: "ammonia shipping"})
	require.NoError(t, err)

	st := pipeline.NewState(job)
	blob, err := st.Marshal()
	require.NoError(t, err)
	_, err = f.ckpts.Append(ctx, job.ID, types.StagePlanning, checkpoint.StatusSuccess, blob)
	require.NoError(t, err)
	_, err = f.ckpts.Append(ctx, job.ID, types.StageRetrieving, checkpoint.StatusSuccess, blob)
	require.NoError(t, err)

	job.Stage = types.StageSynthesizing
	job.Progress = 0.35
	job.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, f.store.SaveJob(ctx, job))

	newSweeper(f).Sweep(ctx)

	done := f.awaitStage(t, job.ID, types.StageCompleted)
	assert.Equal(t, 1.0, done.Progress)

	history, err := f.ckpts.History(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, history, len(types.PipelineStages()),
		"resume continues the existing log instead of restarting it")
}

func TestSweeperSkipsFreshAndRunningJobs(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	fresh, err := f.manager.Create(ctx, CreateRequest{Query: "fresh"})
	require.NoError(t, err)
	fresh.Stage = types.StageDrafting
	require.NoError(t, f.store.SaveJob(ctx, fresh))

	newSweeper(f).Sweep(ctx)
	time.Sleep(20 * time.Millisecond)

	got, err := f.store.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageDrafting, got.Stage, "recently updated jobs are left alone")
}

func TestSweeperPurgesDeletedCheckpoints(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	job, err := f.manager.Create(ctx, CreateRequest{Query: "methane monitoring"})
	require.NoError(t, err)
	_, err = f.manager.Start(ctx, job.ID)
	require.NoError(t, err)
	f.awaitStage(t, job.ID, types.StageCompleted)

	require.NoError(t, f.manager.SoftDelete(ctx, job.ID))

	// Fresh deletions are retained.
	newSweeper(f).Sweep(ctx)
	history, err := f.ckpts.History(ctx, job.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, history)

	// Age the deletion past the retention window.
	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	old := time.Now().Add(-48 * time.Hour)
	stored.DeletedAt = &old
	require.NoError(t, f.store.SaveJob(ctx, stored))

	newSweeper(f).Sweep(ctx)
	history, err = f.ckpts.History(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}
