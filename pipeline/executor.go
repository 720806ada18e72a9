package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/researchflow/capability"
	"github.com/BaSui01/researchflow/types"
)

// ExecutorConfig tunes stage execution.
type ExecutorConfig struct {
	// StageTimeout bounds one whole stage execution.
	StageTimeout time.Duration `yaml:"stage_timeout" json:"stage_timeout"`

	// SourceTimeout bounds each fan-out sub-call. The effective
	// per-task deadline is the minimum of the two.
	SourceTimeout time.Duration `yaml:"source_timeout" json:"source_timeout"`

	// MaxFanOut bounds concurrent fan-out sub-tasks.
	MaxFanOut int `yaml:"max_fan_out" json:"max_fan_out"`
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		StageTimeout:  5 * time.Minute,
		SourceTimeout: 90 * time.Second,
		MaxFanOut:     5,
	}
}

// Executor runs one pipeline stage: it invokes the stage's capability
// (fanning out for parallelizable sub-work) and returns a pure result.
// It performs no persistence, so re-executing a stage with the same
// inputs is always safe.
type Executor struct {
	invoker *capability.Invoker
	config  ExecutorConfig
	logger  *zap.Logger
}

// NewExecutor creates a stage executor over the given invoker.
func NewExecutor(invoker *capability.Invoker, config ExecutorConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultExecutorConfig()
	if config.StageTimeout <= 0 {
		config.StageTimeout = def.StageTimeout
	}
	if config.SourceTimeout <= 0 {
		config.SourceTimeout = def.SourceTimeout
	}
	if config.MaxFanOut <= 0 {
		config.MaxFanOut = def.MaxFanOut
	}
	return &Executor{
		invoker: invoker,
		config:  config,
		logger:  logger.With(zap.String("component", "stage_executor")),
	}
}

// Execute runs the stage described by spec against the current working
// state and returns its result. Cancellation is observed before each
// agent call and between fan-out tasks.
func (e *Executor) Execute(ctx context.Context, spec StageSpec, st *State) (*types.StageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stageCtx, cancel := context.WithTimeout(ctx, e.config.StageTimeout)
	defer cancel()

	if spec.FanOut {
		return e.executeFanOut(stageCtx, spec, st)
	}
	return e.executeSingle(stageCtx, spec, st)
}

func (e *Executor) executeSingle(ctx context.Context, spec StageSpec, st *State) (*types.StageResult, error) {
	inv, err := e.invoker.Invoke(ctx, spec.Capability, e.baseInput(st), e.config.StageTimeout)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(inv.Output)
	if err != nil {
		return nil, types.NewError(types.ErrAgentError, "capability output does not encode").
			WithCause(err).
			WithStage(spec.Stage)
	}

	return &types.StageResult{
		Stage:       spec.Stage,
		Status:      types.ResultSuccess,
		Payload:     payload,
		Diagnostics: inv.Diagnostics,
	}, nil
}

// sourceOutcome carries one fan-out sub-call's result back to the join.
type sourceOutcome struct {
	source string
	output capability.Document
	diag   types.Diagnostics
	err    error
}

// executeFanOut issues one capability call per source under a bounded
// concurrency limit and joins the results. The stage succeeds when at
// least one source call succeeds; only successful outputs are folded
// into the payload.
func (e *Executor) executeFanOut(ctx context.Context, spec StageSpec, st *State) (*types.StageResult, error) {
	sources := e.sources(st)

	sem := semaphore.NewWeighted(int64(e.config.MaxFanOut))
	outcomes := make([]sourceOutcome, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	for idx, source := range sources {
		if err := sem.Acquire(gctx, 1); err != nil {
			// Cancellation between fan-out tasks.
			break
		}
		g.Go(func() error {
			defer sem.Release(1)

			input := e.baseInput(st)
			input["source"] = source

			timeout := e.config.SourceTimeout
			inv, err := e.invoker.Invoke(gctx, spec.Capability, input, timeout)
			if err != nil {
				outcomes[idx] = sourceOutcome{source: source, err: err}
				// Per-source failures are tolerated; never fail the group.
				return nil
			}
			outcomes[idx] = sourceOutcome{source: source, output: inv.Output, diag: inv.Diagnostics}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	succeeded := make(map[string]capability.Document)
	var failed []string
	var diags types.Diagnostics
	var lastErr error
	for _, oc := range outcomes {
		switch {
		case oc.err != nil:
			failed = append(failed, oc.source)
			lastErr = oc.err
			diags.CallCount++
		case oc.output != nil:
			succeeded[oc.source] = oc.output
			diags.Add(oc.diag)
		}
	}

	e.logger.Info("fan-out join",
		zap.String("stage", string(spec.Stage)),
		zap.Int("sources", len(sources)),
		zap.Int("succeeded", len(succeeded)),
		zap.Int("failed", len(failed)),
	)

	if len(succeeded) == 0 {
		if lastErr == nil {
			lastErr = types.NewError(types.ErrAgentError, "no sources to retrieve from").WithRetryable(true)
		}
		return nil, lastErr
	}

	payload, err := json.Marshal(map[string]any{
		"sources":        succeeded,
		"failed_sources": failed,
	})
	if err != nil {
		return nil, types.NewError(types.ErrAgentError, "fan-out payload does not encode").WithCause(err)
	}

	return &types.StageResult{
		Stage:       spec.Stage,
		Status:      types.ResultSuccess,
		Payload:     payload,
		Diagnostics: diags,
	}, nil
}

// baseInput builds the capability input document from the working
// state: the query, configuration, HIL feedback, and every prior
// stage's folded output.
func (e *Executor) baseInput(st *State) capability.Document {
	input := capability.Document{
		"job_id":      st.JobID,
		"query":       st.Query,
		"constraints": st.Constraints,
		"output":      st.Output,
	}
	if st.Feedback != "" {
		input["feedback"] = st.Feedback
	}

	prior := make(map[string]any, len(st.Outputs))
	for stage, raw := range st.Outputs {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			prior[string(stage)] = decoded
		}
	}
	if len(prior) > 0 {
		input["prior"] = prior
	}
	return input
}

// sources determines the fan-out targets: the planner's published
// source list first, then the job's allow list, then a single generic
// web source.
func (e *Executor) sources(st *State) []string {
	if raw := st.StageOutput(types.StagePlanning); raw != nil {
		var plan struct {
			Sources []string `json:"sources"`
		}
		if err := json.Unmarshal(raw, &plan); err == nil && len(plan.Sources) > 0 {
			return plan.Sources
		}
	}
	if len(st.Constraints.AllowSources) > 0 {
		return st.Constraints.AllowSources
	}
	return []string{"web"}
}
