package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/checkpoint"
	"github.com/BaSui01/researchflow/progress"
	"github.com/BaSui01/researchflow/types"
)

// JobSaver persists job mutations. The machine is the only writer for
// its job; the job manager's per-job lease guarantees exclusivity.
type JobSaver interface {
	SaveJob(ctx context.Context, job *types.Job) error
}

// Config is the workflow machine policy: retry budget, backoff, and
// HIL loop bounds.
type Config struct {
	// MaxStageRetries is the per-stage retry budget for recoverable
	// agent errors.
	MaxStageRetries int `yaml:"max_stage_retries" json:"max_stage_retries"`

	// InitialBackoff/MaxBackoff/BackoffMultiplier shape the
	// exponential backoff between retries.
	InitialBackoff    time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff" json:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`

	// StoreRetries bounds checkpoint append retries on transient
	// store failures.
	StoreRetries int `yaml:"store_retries" json:"store_retries"`

	// HILMaxLoops caps request-changes loops per gate before the job
	// fails with HIL_LOOP_EXCEEDED.
	HILMaxLoops int `yaml:"hil_max_loops" json:"hil_max_loops"`
}

// DefaultConfig returns the default machine policy. Conservative
// retry strategy: max 3 retries with exponential backoff 1s/2s/4s.
func DefaultConfig() Config {
	return Config{
		MaxStageRetries:   3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		StoreRetries:      3,
		HILMaxLoops:       3,
	}
}

// backoff computes the delay before retry attempt n (0-based).
func (c Config) backoff(attempt int) time.Duration {
	d := c.InitialBackoff
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * c.BackoffMultiplier)
		if d > c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return d
}

// StepOutcome reports what one machine step did.
type StepOutcome int

const (
	// StepAdvanced means a stage completed and more work remains.
	StepAdvanced StepOutcome = iota
	// StepSuspended means the machine parked at a HIL gate.
	StepSuspended
	// StepCompleted means the pipeline finished.
	StepCompleted
	// StepFailed means the job moved to failed.
	StepFailed
	// StepCancelled means the job observed cancellation and unwound.
	StepCancelled
)

// Machine drives one job through the fixed stage sequence. It owns all
// job mutation while running; each Step executes exactly one stage so
// the job occupies a worker slot for one stage at a time.
type Machine struct {
	job    *types.Job
	state  *State
	cursor types.Stage

	ckpts  checkpoint.Store
	jobs   JobSaver
	exec   *Executor
	sink   progress.Sink
	config Config
	logger *zap.Logger
}

// NewMachine creates a machine for a job. Call Restore before Step.
func NewMachine(job *types.Job, ckpts checkpoint.Store, jobs JobSaver, exec *Executor, sink progress.Sink, config Config, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxStageRetries <= 0 {
		config = DefaultConfig()
	}
	return &Machine{
		job:    job,
		ckpts:  ckpts,
		jobs:   jobs,
		exec:   exec,
		sink:   sink,
		config: config,
		logger: logger.With(zap.String("component", "workflow_machine"), zap.String("job_id", job.ID)),
	}
}

// Job returns the job the machine drives.
func (m *Machine) Job() *types.Job { return m.job }

// Restore rebuilds working state from the latest durable checkpoint
// and positions the cursor: a success checkpoint for stage X resumes
// at X+1; an in-progress checkpoint re-executes X from scratch,
// relying on stage idempotency.
func (m *Machine) Restore(ctx context.Context) error {
	latest, err := m.ckpts.Latest(ctx, m.job.ID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		m.state = NewState(m.job)
		m.cursor = types.StagePlanning
		return nil
	}
	if err != nil {
		if types.GetErrorCode(err) == types.ErrCheckpointCorrupt {
			return m.fail(ctx, err)
		}
		return err
	}

	st, err := LoadState(latest.State)
	if err != nil {
		return m.fail(ctx, err)
	}
	m.state = st
	m.state.Feedback = m.job.Feedback

	if latest.Status == checkpoint.StatusSuccess {
		next, ok := types.NextStage(latest.Stage)
		if !ok {
			// Formatting already checkpointed; only completion
			// bookkeeping remains.
			m.cursor = ""
			return nil
		}
		m.cursor = next
	} else {
		m.cursor = latest.Stage
	}

	m.logger.Info("restored from checkpoint",
		zap.String("checkpoint_stage", string(latest.Stage)),
		zap.Int("sequence", latest.Sequence),
		zap.String("resume_stage", string(m.cursor)),
	)
	return nil
}

// Step executes the next stage. Exactly one of the outcomes is
// returned; the machine never runs past a gate or a terminal state.
func (m *Machine) Step(ctx context.Context) (StepOutcome, error) {
	switch {
	case m.job.Stage.IsTerminal():
		return m.terminalOutcome(), nil
	case m.job.Stage.IsSuspended():
		return StepSuspended, nil
	}

	if err := ctx.Err(); err != nil {
		return m.cancel(ctx)
	}

	if m.cursor == "" {
		return m.complete(ctx)
	}

	spec, ok := SpecFor(m.cursor)
	if !ok {
		err := types.NewError(types.ErrInternalError, fmt.Sprintf("no stage spec for %s", m.cursor))
		return StepFailed, m.fail(ctx, err)
	}

	// Enter the stage.
	m.job.Stage = spec.Stage
	if m.job.StartedAt == nil {
		now := time.Now()
		m.job.StartedAt = &now
	}
	if err := m.saveJob(ctx); err != nil {
		return StepFailed, m.fail(ctx, err)
	}
	m.publish(progress.Event{Type: progress.EventStage, JobID: m.job.ID, Stage: spec.Stage, Progress: m.job.Progress})

	result, err := m.runWithRetry(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			return m.cancel(ctx)
		}
		return StepFailed, m.fail(ctx, err)
	}

	m.state.Fold(spec.Stage, result.Payload)
	if err := m.appendCheckpoint(ctx, spec.Stage); err != nil {
		if ctx.Err() != nil {
			return m.cancel(ctx)
		}
		return StepFailed, m.fail(ctx, err)
	}

	// Progress is monotonically non-decreasing within an attempt; a
	// gate loop-back re-completes a stage at its previous fraction.
	if p := types.ProgressAfter(spec.Stage); p > m.job.Progress {
		m.job.Progress = p
	}
	if err := m.saveJob(ctx); err != nil {
		return StepFailed, m.fail(ctx, err)
	}
	m.publish(progress.Event{Type: progress.EventProgress, JobID: m.job.ID, Stage: spec.Stage, Progress: m.job.Progress})

	// HIL gates open after the gated stage's agent work completes.
	if gate, open := m.gateAfter(spec.Stage); open {
		m.job.Stage = gate
		if err := m.saveJob(ctx); err != nil {
			return StepFailed, m.fail(ctx, err)
		}
		m.publish(progress.Event{Type: progress.EventSuspended, JobID: m.job.ID, Stage: gate, Progress: m.job.Progress})
		m.logger.Info("suspended at HIL gate", zap.String("gate", string(gate)))
		return StepSuspended, nil
	}

	next, ok := types.NextStage(spec.Stage)
	if !ok {
		return m.complete(ctx)
	}
	m.cursor = next
	return StepAdvanced, nil
}

// ApplyDecision consumes an approval decision while the job is parked
// at a gate. Approve resumes past the gate; request-changes loops back
// to the gated stage with the feedback attached, bounded by the HIL
// loop cap.
func (m *Machine) ApplyDecision(ctx context.Context, decision types.ApprovalDecision) (StepOutcome, error) {
	gate := m.job.Stage
	gated, ok := gate.GatedStage()
	if !ok {
		return StepFailed, types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("job is not awaiting approval (stage %s)", gate))
	}

	if decision.Approve {
		next, ok := types.NextStage(gated)
		if !ok {
			return m.complete(ctx)
		}
		m.cursor = next
		m.job.Stage = next
		m.job.Feedback = ""
		m.state.Feedback = ""
		if err := m.saveJob(ctx); err != nil {
			return StepFailed, m.fail(ctx, err)
		}
		m.logger.Info("gate approved", zap.String("gate", string(gate)), zap.String("resume", string(next)))
		return StepAdvanced, nil
	}

	var loops int
	switch gate {
	case types.StageAwaitingPlanApproval:
		m.job.PlanLoops++
		loops = m.job.PlanLoops
	case types.StageAwaitingFinalApproval:
		m.job.FinalLoops++
		loops = m.job.FinalLoops
	}
	if loops > m.config.HILMaxLoops {
		err := types.NewError(types.ErrHilLoopExceeded,
			fmt.Sprintf("gate %s exceeded %d request-changes loops", gate, m.config.HILMaxLoops))
		return StepFailed, m.fail(ctx, err)
	}

	m.job.Feedback = decision.Feedback
	m.state.Feedback = decision.Feedback
	m.cursor = gated
	m.job.Stage = gated
	if err := m.saveJob(ctx); err != nil {
		return StepFailed, m.fail(ctx, err)
	}
	m.logger.Info("gate requested changes",
		zap.String("gate", string(gate)),
		zap.Int("loop", loops),
	)
	return StepAdvanced, nil
}

// runWithRetry applies the per-stage retry budget with exponential
// backoff to recoverable errors.
func (m *Machine) runWithRetry(ctx context.Context, spec StageSpec) (*types.StageResult, error) {
	var lastErr error
	for attempt := 0; attempt <= m.config.MaxStageRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.config.backoff(attempt - 1)):
			}
			m.logger.Info("retrying stage",
				zap.String("stage", string(spec.Stage)),
				zap.Int("attempt", attempt),
			)
		}

		result, err := m.exec.Execute(ctx, spec, m.state)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !types.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, types.NewError(types.ErrAgentError,
		fmt.Sprintf("stage %s exhausted %d retries", spec.Stage, m.config.MaxStageRetries)).
		WithCause(lastErr).
		WithStage(spec.Stage)
}

// appendCheckpoint durably records the completed stage, retrying
// transient store failures. No partial checkpoint is ever visible, so
// a retried append re-sends the identical record.
func (m *Machine) appendCheckpoint(ctx context.Context, stage types.Stage) error {
	blob, err := m.state.Marshal()
	if err != nil {
		return types.NewError(types.ErrInternalError, "state does not encode").WithCause(err)
	}

	var lastErr error
	for attempt := 0; attempt <= m.config.StoreRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.config.backoff(attempt - 1)):
			}
		}

		rec, err := m.ckpts.Append(ctx, m.job.ID, stage, checkpoint.StatusSuccess, blob)
		if err == nil {
			m.logger.Debug("checkpoint appended",
				zap.String("stage", string(stage)),
				zap.Int("sequence", rec.Sequence),
			)
			return nil
		}
		lastErr = err
		if types.GetErrorCode(err) == types.ErrCheckpointCorrupt {
			return err
		}
		if !types.IsRetryable(err) {
			return err
		}
	}
	return lastErr
}

func (m *Machine) gateAfter(stage types.Stage) (types.Stage, bool) {
	switch {
	case stage == types.StagePlanning && m.job.HIL.PlanGate:
		return types.StageAwaitingPlanApproval, true
	case stage == types.StageReviewing && m.job.HIL.FinalGate:
		return types.StageAwaitingFinalApproval, true
	default:
		return "", false
	}
}

func (m *Machine) complete(ctx context.Context) (StepOutcome, error) {
	now := time.Now()
	m.job.Stage = types.StageCompleted
	m.job.Progress = 1.0
	m.job.CompletedAt = &now
	m.job.ErrorDetail = ""
	if err := m.saveJob(ctx); err != nil {
		return StepFailed, err
	}
	m.publish(progress.Event{Type: progress.EventComplete, JobID: m.job.ID, Stage: types.StageCompleted, Progress: 1.0})
	m.logger.Info("job completed")
	return StepCompleted, nil
}

// fail moves the job to failed, recording the error verbatim.
func (m *Machine) fail(ctx context.Context, cause error) error {
	m.job.Stage = types.StageFailed
	m.job.ErrorDetail = cause.Error()
	if err := m.saveJob(ctx); err != nil {
		m.logger.Error("failed to persist job failure", zap.Error(err))
	}
	m.publish(progress.Event{
		Type:        progress.EventError,
		JobID:       m.job.ID,
		Stage:       types.StageFailed,
		Progress:    m.job.Progress,
		ErrorDetail: m.job.ErrorDetail,
	})
	m.logger.Warn("job failed", zap.Error(cause))
	return cause
}

func (m *Machine) cancel(ctx context.Context) (StepOutcome, error) {
	m.job.Stage = types.StageCancelled
	// Persist with a fresh context; the job's own context is gone.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := m.jobs.SaveJob(saveCtx, m.job); err != nil {
		m.logger.Error("failed to persist cancellation", zap.Error(err))
	}
	m.publish(progress.Event{
		Type:     progress.EventError,
		JobID:    m.job.ID,
		Stage:    types.StageCancelled,
		Progress: m.job.Progress,
	})
	m.logger.Info("job cancelled")
	return StepCancelled, nil
}

func (m *Machine) terminalOutcome() StepOutcome {
	switch m.job.Stage {
	case types.StageCompleted:
		return StepCompleted
	case types.StageCancelled:
		return StepCancelled
	default:
		return StepFailed
	}
}

func (m *Machine) saveJob(ctx context.Context) error {
	m.job.UpdatedAt = time.Now()
	return m.jobs.SaveJob(ctx, m.job)
}

func (m *Machine) publish(ev progress.Event) {
	if m.sink != nil {
		m.sink.Publish(ev)
	}
}
