package job

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/checkpoint"
	"github.com/BaSui01/researchflow/internal/metrics"
	"github.com/BaSui01/researchflow/internal/pool"
	"github.com/BaSui01/researchflow/pipeline"
	"github.com/BaSui01/researchflow/progress"
	"github.com/BaSui01/researchflow/types"
)

// ManagerConfig tunes the job manager.
type ManagerConfig struct {
	// Machine is the workflow machine policy applied to every job.
	Machine pipeline.Config `yaml:"machine" json:"machine"`

	// ShutdownGrace bounds how long Shutdown waits for running jobs
	// to observe cancellation.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Machine:       pipeline.DefaultConfig(),
		ShutdownGrace: 30 * time.Second,
	}
}

// CreateRequest carries the inputs for a new job.
type CreateRequest struct {
	Query       string             `json:"query"`
	Constraints types.Constraints  `json:"constraints"`
	Output      types.OutputConfig `json:"output"`
	HIL         types.HILConfig    `json:"hil"`
}

// Manager owns the job lifecycle: creation, start, cancellation,
// retry, HIL approvals, and queries. Execution runs on the shared
// worker pool, one slot per stage, under a per-job lease.
type Manager struct {
	store   Store
	ckpts   checkpoint.Store
	exec    *pipeline.Executor
	leaser  Leaser
	sink    progress.Sink
	workers *pool.WorkerPool
	metrics *metrics.Collector
	config  ManagerConfig
	logger  *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup

	baseCtx  context.Context
	stopBase context.CancelFunc
}

// NewManager wires the job manager. metrics may be nil.
func NewManager(store Store, ckpts checkpoint.Store, exec *pipeline.Executor, leaser Leaser, sink progress.Sink, workers *pool.WorkerPool, collector *metrics.Collector, config ManagerConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = DefaultManagerConfig().ShutdownGrace
	}
	baseCtx, stopBase := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		ckpts:    ckpts,
		exec:     exec,
		leaser:   leaser,
		sink:     sink,
		workers:  workers,
		metrics:  collector,
		config:   config,
		logger:   logger.With(zap.String("component", "job_manager")),
		cancels:  make(map[string]context.CancelFunc),
		baseCtx:  baseCtx,
		stopBase: stopBase,
	}
}

// Create validates and persists a new job in the pending stage. The
// job does not execute until Start.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*types.Job, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, types.NewError(types.ErrValidation, "query must not be empty").WithHTTPStatus(400)
	}
	if len(query) > 4096 {
		return nil, types.NewError(types.ErrValidation, "query exceeds 4096 characters").WithHTTPStatus(400)
	}

	now := time.Now()
	job := &types.Job{
		ID:          uuid.New().String(),
		Query:       query,
		Constraints: req.Constraints,
		Output:      req.Output,
		HIL:         req.HIL,
		Stage:       types.StagePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	m.metrics.JobCreated()
	m.publish(progress.Event{Type: progress.EventCreated, JobID: job.ID, Stage: types.StagePending})
	m.logger.Info("job created", zap.String("job_id", job.ID), zap.Bool("plan_gate", job.HIL.PlanGate), zap.Bool("final_gate", job.HIL.FinalGate))
	return job, nil
}

// Start begins (or resumes) execution of a job. A second Start while
// the job runs returns JOB_ALREADY_RUNNING with the current snapshot.
func (m *Manager) Start(ctx context.Context, id string) (*types.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.DeletedAt != nil {
		return nil, notFound(id)
	}
	switch {
	case job.Stage.IsTerminal():
		return job, types.NewError(types.ErrInvalidTransition,
			"job is in terminal stage "+string(job.Stage)).WithHTTPStatus(409)
	case job.Stage.IsSuspended():
		return job, types.NewError(types.ErrInvalidTransition,
			"job awaits an approval decision").WithHTTPStatus(409)
	}

	release, ok, err := m.leaser.Acquire(ctx, id)
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "lease acquisition failed").
			WithCause(err).WithRetryable(true)
	}
	if !ok {
		return job, types.NewError(types.ErrJobAlreadyRunning,
			"job is already being executed").WithHTTPStatus(409)
	}

	machine := pipeline.NewMachine(job, m.ckpts, m.store, m.exec, m.sink, m.config.Machine, m.logger)
	if err := machine.Restore(ctx); err != nil {
		release()
		return job, err
	}

	m.publish(progress.Event{Type: progress.EventStarted, JobID: job.ID, Stage: job.Stage, Progress: job.Progress})
	m.launch(machine, release)
	return job, nil
}

// launch runs the machine's step loop in a background goroutine. Each
// step occupies one worker pool slot.
func (m *Manager) launch(machine *pipeline.Machine, release func()) {
	job := machine.Job()
	runCtx, cancel := context.WithCancel(m.baseCtx)

	m.mu.Lock()
	m.cancels[job.ID] = cancel
	m.mu.Unlock()
	m.metrics.RunningJobs(1)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.cancels, job.ID)
			m.mu.Unlock()
			cancel()
			release()
			m.metrics.RunningJobs(-1)
		}()
		m.runLoop(runCtx, machine)
	}()
}

func (m *Manager) runLoop(ctx context.Context, machine *pipeline.Machine) {
	job := machine.Job()
	for {
		var (
			outcome pipeline.StepOutcome
			stepErr error
		)
		before := job.Stage
		start := time.Now()

		result, err := m.workers.SubmitNotify(ctx, func(taskCtx context.Context) error {
			outcome, stepErr = machine.Step(taskCtx)
			return stepErr
		})
		if err != nil {
			// Closed pool or context end before the step was enqueued.
			// Nothing ran; the job stays resumable from its last
			// checkpoint.
			m.logger.Warn("stage submission aborted",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			return
		}
		// Wait for the step itself, not just our context: on cancel the
		// machine persists the cancelled state under a detached context,
		// and the lease must not be released until that write is done.
		select {
		case <-result:
		case <-ctx.Done():
			<-result
		}
		elapsed := time.Since(start)

		switch outcome {
		case pipeline.StepAdvanced:
			m.metrics.StageExecuted(string(before), "success", elapsed, 0)
			continue
		case pipeline.StepSuspended:
			m.metrics.JobSuspended(string(job.Stage))
			return
		case pipeline.StepCompleted:
			m.metrics.StageExecuted(string(before), "success", elapsed, 0)
			m.metrics.JobFinished("completed")
			return
		case pipeline.StepCancelled:
			m.metrics.JobFinished("cancelled")
			return
		case pipeline.StepFailed:
			m.metrics.StageExecuted(string(before), "failure", elapsed, 0)
			m.metrics.JobFinished("failed")
			return
		}
	}
}

// Cancel stops a job. Running jobs unwind cooperatively; pending and
// suspended jobs move to cancelled directly.
func (m *Manager) Cancel(ctx context.Context, id string) (*types.Job, error) {
	m.mu.Lock()
	cancel, running := m.cancels[id]
	m.mu.Unlock()
	if running {
		cancel()
		m.logger.Info("cancellation requested", zap.String("job_id", id))
		return m.store.GetJob(ctx, id)
	}

	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.DeletedAt != nil {
		return nil, notFound(id)
	}
	if job.Stage.IsTerminal() {
		return job, types.NewError(types.ErrInvalidTransition,
			"job is in terminal stage "+string(job.Stage)).WithHTTPStatus(409)
	}

	// Not running here: pending, suspended, or orphaned mid-pipeline
	// after a crash. All move straight to cancelled.
	job.Stage = types.StageCancelled
	job.UpdatedAt = time.Now()
	if err := m.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	m.publish(progress.Event{
		Type:     progress.EventError,
		JobID:    job.ID,
		Stage:    types.StageCancelled,
		Progress: job.Progress,
	})
	m.metrics.JobFinished("cancelled")
	m.logger.Info("job cancelled", zap.String("job_id", id))
	return job, nil
}

// Retry restarts a failed job. The checkpoint log survives, so
// execution resumes after the last successfully checkpointed stage.
func (m *Manager) Retry(ctx context.Context, id string) (*types.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.DeletedAt != nil {
		return nil, notFound(id)
	}
	if job.Stage != types.StageFailed {
		return job, types.NewError(types.ErrInvalidTransition,
			"only failed jobs can be retried (stage "+string(job.Stage)+")").WithHTTPStatus(409)
	}

	job.Stage = types.StagePending
	job.Progress = 0
	job.RetryCount++
	job.ErrorDetail = ""
	job.CompletedAt = nil
	job.UpdatedAt = time.Now()
	if err := m.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	m.logger.Info("job reset for retry", zap.String("job_id", id), zap.Int("retry_count", job.RetryCount))

	return m.Start(ctx, id)
}

// SubmitApproval delivers a HIL decision to a suspended job and
// resumes execution.
func (m *Manager) SubmitApproval(ctx context.Context, id string, decision types.ApprovalDecision) (*types.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.DeletedAt != nil {
		return nil, notFound(id)
	}
	if !job.Stage.IsSuspended() {
		return job, types.NewError(types.ErrInvalidTransition,
			"job is not awaiting approval (stage "+string(job.Stage)+")").WithHTTPStatus(409)
	}

	release, ok, err := m.leaser.Acquire(ctx, id)
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "lease acquisition failed").
			WithCause(err).WithRetryable(true)
	}
	if !ok {
		return job, types.NewError(types.ErrJobAlreadyRunning,
			"a concurrent decision is being processed").WithHTTPStatus(409)
	}

	machine := pipeline.NewMachine(job, m.ckpts, m.store, m.exec, m.sink, m.config.Machine, m.logger)
	if err := machine.Restore(ctx); err != nil {
		release()
		return job, err
	}

	outcome, err := machine.ApplyDecision(ctx, decision)
	if err != nil {
		release()
		return job, err
	}
	m.logger.Info("approval decision applied",
		zap.String("job_id", id),
		zap.Bool("approve", decision.Approve),
	)

	switch outcome {
	case pipeline.StepAdvanced:
		m.launch(machine, release)
	case pipeline.StepCompleted:
		release()
		m.metrics.JobFinished("completed")
	default:
		release()
	}
	return job, nil
}

// Get returns a job by ID.
func (m *Manager) Get(ctx context.Context, id string) (*types.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.DeletedAt != nil {
		return nil, notFound(id)
	}
	return job, nil
}

// List returns a filtered job page plus the total match count.
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]*types.Job, int64, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	return m.store.ListJobs(ctx, filter)
}

// UpdateRequest carries mutable job fields. Nil fields are unchanged.
type UpdateRequest struct {
	Query       *string             `json:"query,omitempty"`
	Constraints *types.Constraints  `json:"constraints,omitempty"`
	Output      *types.OutputConfig `json:"output,omitempty"`
	HIL         *types.HILConfig    `json:"hil,omitempty"`
}

// Update modifies a job's inputs. Only pending jobs accept updates;
// anything already executing has folded its inputs into checkpoints.
func (m *Manager) Update(ctx context.Context, id string, req UpdateRequest) (*types.Job, error) {
	job, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Stage != types.StagePending {
		return job, types.NewError(types.ErrInvalidTransition,
			"only pending jobs can be updated (stage "+string(job.Stage)+")").WithHTTPStatus(409)
	}

	if req.Query != nil {
		query := strings.TrimSpace(*req.Query)
		if query == "" {
			return nil, types.NewError(types.ErrValidation, "query must not be empty").WithHTTPStatus(400)
		}
		job.Query = query
	}
	if req.Constraints != nil {
		job.Constraints = *req.Constraints
	}
	if req.Output != nil {
		job.Output = *req.Output
	}
	if req.HIL != nil {
		job.HIL = *req.HIL
	}
	job.UpdatedAt = time.Now()
	if err := m.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// SoftDelete hides a job from listings and marks its checkpoints for
// garbage collection. Running jobs must be cancelled first.
func (m *Manager) SoftDelete(ctx context.Context, id string) error {
	m.mu.Lock()
	_, running := m.cancels[id]
	m.mu.Unlock()
	if running {
		return types.NewError(types.ErrInvalidTransition,
			"cancel the job before deleting it").WithHTTPStatus(409)
	}

	job, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Stage.IsExecutable() {
		return types.NewError(types.ErrInvalidTransition,
			"cancel the job before deleting it").WithHTTPStatus(409)
	}

	now := time.Now()
	job.DeletedAt = &now
	job.UpdatedAt = now
	if err := m.store.SaveJob(ctx, job); err != nil {
		return err
	}
	m.logger.Info("job soft-deleted", zap.String("job_id", id))
	return nil
}

// GetProgress returns the job's current progress snapshot.
func (m *Manager) GetProgress(ctx context.Context, id string) (*types.ProgressSnapshot, error) {
	job, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &types.ProgressSnapshot{
		JobID:       job.ID,
		Stage:       job.Stage,
		Progress:    job.Progress,
		RetryCount:  job.RetryCount,
		ErrorDetail: job.ErrorDetail,
	}, nil
}

// Stats returns job counts by lifecycle state.
func (m *Manager) Stats(ctx context.Context) (*types.JobStats, error) {
	return m.store.Stats(ctx)
}

// History returns the checkpoint log of a job.
func (m *Manager) History(ctx context.Context, id string) ([]*checkpoint.Record, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.ckpts.History(ctx, id)
}

// Running reports whether this process is currently executing the job.
func (m *Manager) Running(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cancels[id]
	return ok
}

// Shutdown cancels all running jobs and waits for their run loops to
// drain, bounded by the shutdown grace period.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopBase()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	grace := m.config.ShutdownGrace
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		m.logger.Warn("shutdown grace period elapsed with jobs still unwinding")
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) publish(ev progress.Event) {
	if m.sink != nil {
		m.sink.Publish(ev)
	}
}
