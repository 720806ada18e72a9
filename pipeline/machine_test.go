package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/researchflow/capability"
	"github.com/BaSui01/researchflow/checkpoint"
	"github.com/BaSui01/researchflow/progress"
	"github.com/BaSui01/researchflow/types"
)

// memJobSaver records every job save, keeping the latest copy.
type memJobSaver struct {
	mu    sync.Mutex
	last  types.Job
	saves int
}

func (s *memJobSaver) SaveJob(ctx context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = *job
	s.saves++
	return nil
}

// eventRecorder is a Sink that remembers everything published.
type eventRecorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *eventRecorder) Publish(ev progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) byType(t progress.EventType) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func fastConfig() Config {
	return Config{
		MaxStageRetries:   2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		StoreRetries:      2,
		HILMaxLoops:       2,
	}
}

type machineFixture struct {
	machine *Machine
	job     *types.Job
	store   checkpoint.Store
	saver   *memJobSaver
	sink    *eventRecorder
}

func newFixture(t *testing.T, job *types.Job, store checkpoint.Store, caps []capability.Capability) *machineFixture {
	t.Helper()
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	registry := capability.NewRegistry()
	for _, c := range caps {
		registry.Register(c)
	}
	invoker := capability.NewInvoker(registry, capability.InvokerConfig{
		DefaultTimeout: 5 * time.Second,
		GracePeriod:    50 * time.Millisecond,
	}, nil)
	exec := NewExecutor(invoker, ExecutorConfig{
		StageTimeout:  5 * time.Second,
		SourceTimeout: time.Second,
		MaxFanOut:     3,
	}, nil)

	saver := &memJobSaver{}
	sink := &eventRecorder{}
	m := NewMachine(job, store, saver, exec, sink, fastConfig(), nil)
	require.NoError(t, m.Restore(context.Background()))
	return &machineFixture{machine: m, job: job, store: store, saver: saver, sink: sink}
}

// drive steps the machine until it stops advancing.
func (f *machineFixture) drive(t *testing.T, ctx context.Context) StepOutcome {
	t.Helper()
	for {
		outcome, err := f.machine.Step(ctx)
		switch outcome {
		case StepAdvanced:
			continue
		case StepFailed:
			require.Error(t, err)
			return outcome
		default:
			require.NoError(t, err)
			return outcome
		}
	}
}

func TestMachineRunsFullPipeline(t *testing.T) {
	job := newTestJob()
	f := newFixture(t, job, nil, capability.MockSet())

	outcome := f.drive(t, context.Background())
	assert.Equal(t, StepCompleted, outcome)
	assert.Equal(t, types.StageCompleted, job.Stage)
	assert.Equal(t, 1.0, job.Progress)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)

	history, err := f.store.History(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, history, len(types.PipelineStages()))
	for i, rec := range history {
		assert.Equal(t, types.PipelineStages()[i], rec.Stage)
		assert.Equal(t, i+1, rec.Sequence)
		assert.Equal(t, checkpoint.StatusSuccess, rec.Status)
	}

	// One stage event and one progress event per stage, then complete.
	assert.Len(t, f.sink.byType(progress.EventStage), len(types.PipelineStages()))
	assert.Len(t, f.sink.byType(progress.EventProgress), len(types.PipelineStages()))
	assert.Len(t, f.sink.byType(progress.EventComplete), 1)

	// Progress events are non-decreasing and land at the stage weights.
	events := f.sink.byType(progress.EventProgress)
	prev := 0.0
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.Progress, prev)
		prev = ev.Progress
	}
	assert.InDelta(t, 0.15, events[0].Progress, 1e-9)
	assert.InDelta(t, 0.35, events[1].Progress, 1e-9)
}

func TestMachineSuspendsAtPlanGate(t *testing.T) {
	job := newTestJob()
	job.HIL = types.HILConfig{PlanGate: true}
	f := newFixture(t, job, nil, capability.MockSet())

	outcome := f.drive(t, context.Background())
	assert.Equal(t, StepSuspended, outcome)
	assert.Equal(t, types.StageAwaitingPlanApproval, job.Stage)
	assert.InDelta(t, 0.15, job.Progress, 1e-9)
	assert.Len(t, f.sink.byType(progress.EventSuspended), 1)

	// Stepping while suspended is a no-op.
	again, err := f.machine.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StepSuspended, again)

	// Planning checkpointed before suspension.
	latest, err := f.store.Latest(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StagePlanning, latest.Stage)
}

func TestMachineApproveResumesPastGate(t *testing.T) {
	job := newTestJob()
	job.HIL = types.HILConfig{PlanGate: true, FinalGate: true}
	f := newFixture(t, job, nil, capability.MockSet())
	ctx := context.Background()

	require.Equal(t, StepSuspended, f.drive(t, ctx))
	require.Equal(t, types.StageAwaitingPlanApproval, job.Stage)

	outcome, err := f.machine.ApplyDecision(ctx, types.ApprovalDecision{Approve: true})
	require.NoError(t, err)
	assert.Equal(t, StepAdvanced, outcome)

	require.Equal(t, StepSuspended, f.drive(t, ctx))
	require.Equal(t, types.StageAwaitingFinalApproval, job.Stage)

	outcome, err = f.machine.ApplyDecision(ctx, types.ApprovalDecision{Approve: true})
	require.NoError(t, err)
	assert.Equal(t, StepAdvanced, outcome)

	assert.Equal(t, StepCompleted, f.drive(t, ctx))
	assert.Equal(t, types.StageCompleted, job.Stage)

	// Approving re-runs nothing: exactly one checkpoint per stage.
	history, err := f.store.History(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, history, len(types.PipelineStages()))
}

func TestMachineRequestChangesLoopsBack(t *testing.T) {
	var planCalls int
	var feedbacks []string
	caps := append(capability.MockSet(),
		capability.NewFuncCapability("query_understanding", "v2",
			func(ctx context.Context, input capability.Document) (capability.Document, error) {
				planCalls++
				fb, _ := input["feedback"].(string)
				feedbacks = append(feedbacks, fb)
				return capability.Document{"plan": "plan", "sources": []any{"web"}}, nil
			}))

	job := newTestJob()
	job.HIL = types.HILConfig{PlanGate: true}
	f := newFixture(t, job, nil, caps)
	ctx := context.Background()

	require.Equal(t, StepSuspended, f.drive(t, ctx))

	outcome, err := f.machine.ApplyDecision(ctx, types.ApprovalDecision{
		Approve:  false,
		Feedback: "focus on 2025 only",
	})
	require.NoError(t, err)
	assert.Equal(t, StepAdvanced, outcome)
	assert.Equal(t, 1, job.PlanLoops)

	// The machine loops back to planning, carrying the feedback.
	require.Equal(t, StepSuspended, f.drive(t, ctx))
	assert.Equal(t, 2, planCalls)
	assert.Equal(t, []string{"", "focus on 2025 only"}, feedbacks)

	// Planning was checkpointed twice; the log is append-only.
	history, err := f.store.History(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.StagePlanning, history[0].Stage)
	assert.Equal(t, types.StagePlanning, history[1].Stage)

	outcome, err = f.machine.ApplyDecision(ctx, types.ApprovalDecision{Approve: true})
	require.NoError(t, err)
	assert.Equal(t, StepAdvanced, outcome)
	assert.Equal(t, StepCompleted, f.drive(t, ctx))
}

func TestMachineHILLoopCap(t *testing.T) {
	job := newTestJob()
	job.HIL = types.HILConfig{PlanGate: true}
	f := newFixture(t, job, nil, capability.MockSet())
	ctx := context.Background()

	require.Equal(t, StepSuspended, f.drive(t, ctx))
	for i := 0; i < fastConfig().HILMaxLoops; i++ {
		outcome, err := f.machine.ApplyDecision(ctx, types.ApprovalDecision{Feedback: "again"})
		require.NoError(t, err)
		require.Equal(t, StepAdvanced, outcome)
		require.Equal(t, StepSuspended, f.drive(t, ctx))
	}

	outcome, err := f.machine.ApplyDecision(ctx, types.ApprovalDecision{Feedback: "once more"})
	assert.Equal(t, StepFailed, outcome)
	require.Error(t, err)
	assert.Equal(t, types.ErrHilLoopExceeded, types.GetErrorCode(err))
	assert.Equal(t, types.StageFailed, job.Stage)
	assert.NotEmpty(t, job.ErrorDetail)
}

func TestMachineApplyDecisionOutsideGate(t *testing.T) {
	job := newTestJob()
	f := newFixture(t, job, nil, capability.MockSet())

	_, err := f.machine.ApplyDecision(context.Background(), types.ApprovalDecision{Approve: true})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))
}

func TestMachineRetriesTransientAgentError(t *testing.T) {
	var attempts int
	caps := append(capability.MockSet(),
		capability.NewFuncCapability("evidence_synthesis", "v2",
			func(ctx context.Context, input capability.Document) (capability.Document, error) {
				attempts++
				if attempts < 3 {
					return nil, types.NewError(types.ErrAgentError, "upstream flake").WithRetryable(true)
				}
				return capability.Document{"claims": "ok"}, nil
			}))

	job := newTestJob()
	f := newFixture(t, job, nil, caps)

	assert.Equal(t, StepCompleted, f.drive(t, context.Background()))
	assert.Equal(t, 3, attempts)
}

func TestMachineRetryBudgetExhausted(t *testing.T) {
	caps := append(capability.MockSet(),
		capability.NewFuncCapability("evidence_synthesis", "v2",
			func(ctx context.Context, input capability.Document) (capability.Document, error) {
				return nil, types.NewError(types.ErrAgentError, "always down").WithRetryable(true)
			}))

	job := newTestJob()
	f := newFixture(t, job, nil, caps)

	outcome := f.drive(t, context.Background())
	assert.Equal(t, StepFailed, outcome)
	assert.Equal(t, types.StageFailed, job.Stage)
	assert.Contains(t, job.ErrorDetail, "exhausted")
	assert.Len(t, f.sink.byType(progress.EventError), 1)

	// Stages before the failure are durably checkpointed.
	history, err := f.store.History(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.StageRetrieving, history[1].Stage)
}

func TestMachineFatalErrorSkipsRetry(t *testing.T) {
	var attempts int
	caps := append(capability.MockSet(),
		capability.NewFuncCapability("drafting", "v2",
			func(ctx context.Context, input capability.Document) (capability.Document, error) {
				attempts++
				return nil, types.NewError(types.ErrValidation, "malformed brief")
			}))

	job := newTestJob()
	f := newFixture(t, job, nil, caps)

	assert.Equal(t, StepFailed, f.drive(t, context.Background()))
	assert.Equal(t, 1, attempts)
	assert.Equal(t, types.StageFailed, job.Stage)
}

func TestMachineResumeFromCheckpoint(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	ctx := context.Background()

	var synthCalls int
	failing := append(capability.MockSet(),
		capability.NewFuncCapability("evidence_synthesis", "v2",
			func(ctx context.Context, input capability.Document) (capability.Document, error) {
				synthCalls++
				return nil, types.NewError(types.ErrAgentError, "crash window")
			}))

	job := newTestJob()
	f := newFixture(t, job, store, failing)
	require.Equal(t, StepFailed, f.drive(t, ctx))
	require.Equal(t, 1, synthCalls)

	// A fresh machine over the same store resumes at synthesizing, not
	// from the beginning.
	job2 := newTestJob()
	job2.Stage = types.StagePending
	var planCalls int
	healthy := append(capability.MockSet(),
		capability.NewFuncCapability("query_understanding", "v2",
			func(ctx context.Context, input capability.Document) (capability.Document, error) {
				planCalls++
				return capability.Document{"plan": "plan"}, nil
			}))
	f2 := newFixture(t, job2, store, healthy)

	assert.Equal(t, StepCompleted, f2.drive(t, ctx))
	assert.Zero(t, planCalls, "completed stages must not re-execute")
	assert.Equal(t, types.StageCompleted, job2.Stage)

	history, err := store.History(ctx, job2.ID)
	require.NoError(t, err)
	assert.Len(t, history, len(types.PipelineStages()))
}

func TestMachineResumeReExecutesInProgressStage(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	ctx := context.Background()
	job := newTestJob()

	// Simulate a crash after planning completed and drafting began.
	st := NewState(job)
	st.Fold(types.StagePlanning, json.RawMessage(`{"plan":"p","sources":["web"]}`))
	blob, err := st.Marshal()
	require.NoError(t, err)
	_, err = store.Append(ctx, job.ID, types.StagePlanning, checkpoint.StatusSuccess, blob)
	require.NoError(t, err)
	_, err = store.Append(ctx, job.ID, types.StageRetrieving, checkpoint.StatusInProgress, blob)
	require.NoError(t, err)

	var retrievalCalls int
	caps := append(capability.MockSet(),
		capability.NewFuncCapability("retrieval_hub", "v2",
			func(ctx context.Context, input capability.Document) (capability.Document, error) {
				retrievalCalls++
				return capability.Document{"passages": []any{"p"}}, nil
			}))
	f := newFixture(t, job, store, caps)

	assert.Equal(t, StepCompleted, f.drive(t, ctx))
	assert.Equal(t, 1, retrievalCalls, "in-progress stage re-executes exactly once")
}

func TestMachineCancelledContext(t *testing.T) {
	job := newTestJob()
	f := newFixture(t, job, nil, capability.MockSet())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := f.machine.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, StepCancelled, outcome)
	assert.Equal(t, types.StageCancelled, job.Stage)
	assert.Equal(t, types.StageCancelled, f.saver.last.Stage)
}

func TestMachineCancelMidStage(t *testing.T) {
	started := make(chan struct{})
	caps := append(capability.MockSet(),
		capability.NewFuncCapability("query_understanding", "v2",
			func(ctx context.Context, input capability.Document) (capability.Document, error) {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			}))

	job := newTestJob()
	f := newFixture(t, job, nil, caps)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	outcome, err := f.machine.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, StepCancelled, outcome)
	assert.Equal(t, types.StageCancelled, job.Stage)
}

// flakyStore injects transient append failures.
type flakyStore struct {
	checkpoint.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Append(ctx context.Context, jobID string, stage types.Stage, status checkpoint.RecordStatus, state json.RawMessage) (*checkpoint.Record, error) {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return nil, types.NewError(types.ErrStoreUnavailable, "connection reset").WithRetryable(true)
	}
	return s.Store.Append(ctx, jobID, stage, status, state)
}

func TestMachineRetriesCheckpointAppend(t *testing.T) {
	store := &flakyStore{Store: checkpoint.NewMemoryStore(), failures: 2}
	job := newTestJob()
	f := newFixture(t, job, store, capability.MockSet())

	assert.Equal(t, StepCompleted, f.drive(t, context.Background()))

	history, err := store.History(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, history, len(types.PipelineStages()))
}

func TestMachineFailsWhenStoreStaysDown(t *testing.T) {
	store := &flakyStore{Store: checkpoint.NewMemoryStore(), failures: 100}
	job := newTestJob()
	f := newFixture(t, job, store, capability.MockSet())

	outcome := f.drive(t, context.Background())
	assert.Equal(t, StepFailed, outcome)
	assert.Equal(t, types.StageFailed, job.Stage)
}

func TestMachineStepOnTerminalJob(t *testing.T) {
	job := newTestJob()
	job.Stage = types.StageCompleted
	f := newFixture(t, job, nil, capability.MockSet())

	outcome, err := f.machine.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, outcome)
}
