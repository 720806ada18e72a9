package capability

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/types"
)

// Invocation is the structured result of one capability call.
type Invocation struct {
	Output      Document
	Diagnostics types.Diagnostics
}

// InvokerConfig tunes timeout enforcement.
type InvokerConfig struct {
	// DefaultTimeout applies when the caller passes zero.
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`

	// GracePeriod is how long an already-issued call may keep running
	// after the invoker's context is cancelled before the call is
	// abandoned. A late result is discarded.
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period"`
}

// DefaultInvokerConfig returns sensible defaults.
func DefaultInvokerConfig() InvokerConfig {
	return InvokerConfig{
		DefaultTimeout: 2 * time.Minute,
		GracePeriod:    5 * time.Second,
	}
}

// Invoker calls capabilities with a hard wall-clock timeout that does
// not depend on the callee's cooperation. It performs no caching and
// no retries; retry is workflow machine policy.
type Invoker struct {
	registry *Registry
	config   InvokerConfig
	logger   *zap.Logger
}

// NewInvoker creates an invoker over the given registry.
func NewInvoker(registry *Registry, config InvokerConfig, logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultInvokerConfig().DefaultTimeout
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultInvokerConfig().GracePeriod
	}
	return &Invoker{
		registry: registry,
		config:   config,
		logger:   logger.With(zap.String("component", "agent_invoker")),
	}
}

type invokeResult struct {
	output Document
	err    error
}

// Invoke resolves and calls the named capability. On timeout the call
// is cancelled and reported as AGENT_TIMEOUT; if ctx is cancelled the
// call gets the configured grace period to return before being
// abandoned.
func (i *Invoker) Invoke(ctx context.Context, name string, input Document, timeout time.Duration) (*Invocation, error) {
	cap, err := i.registry.Resolve(name)
	if err != nil {
		return nil, types.NewError(types.ErrAgentNotFound, err.Error())
	}

	if timeout <= 0 {
		timeout = i.config.DefaultTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resultCh := make(chan invokeResult, 1)
	go func() {
		output, err := cap.Invoke(callCtx, input)
		resultCh <- invokeResult{output: output, err: err}
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case res := <-resultCh:
		return i.finish(name, cap.Version(), start, res)

	case <-deadline.C:
		// Hard wall-clock timeout, independent of the callee honoring
		// callCtx. The goroutine's eventual result is discarded.
		cancel()
		i.logger.Warn("capability call timed out",
			zap.String("capability", name),
			zap.Duration("timeout", timeout),
		)
		return nil, types.NewError(types.ErrAgentTimeout, "capability call timed out: "+name).
			WithRetryable(true)

	case <-ctx.Done():
		// Cancellation is advisory-cooperative: the issued call gets a
		// grace period to return before being abandoned.
		grace := time.NewTimer(i.config.GracePeriod)
		defer grace.Stop()
		select {
		case res := <-resultCh:
			if res.err == nil {
				// Late success during unwind is discarded.
				i.logger.Debug("discarding result of cancelled call",
					zap.String("capability", name))
			}
			return nil, ctx.Err()
		case <-grace.C:
			cancel()
			i.logger.Warn("abandoning capability call after grace period",
				zap.String("capability", name),
				zap.Duration("grace", i.config.GracePeriod),
			)
			return nil, ctx.Err()
		}
	}
}

func (i *Invoker) finish(name, version string, start time.Time, res invokeResult) (*Invocation, error) {
	latency := time.Since(start)
	if res.err != nil {
		i.logger.Warn("capability call failed",
			zap.String("capability", name),
			zap.Duration("latency", latency),
			zap.Error(res.err),
		)
		if e, ok := res.err.(*types.Error); ok {
			return nil, e
		}
		return nil, types.NewError(types.ErrAgentError, "capability failed: "+name).
			WithCause(res.err).
			WithRetryable(true)
	}

	inv := &Invocation{
		Output: res.output,
		Diagnostics: types.Diagnostics{
			LatencyMS: latency.Milliseconds(),
			CallCount: 1,
		},
	}
	// Capabilities may report token usage alongside their output.
	if tokens, ok := res.output["tokens_used"].(float64); ok {
		inv.Diagnostics.TokensUsed = int(tokens)
	}

	i.logger.Debug("capability call completed",
		zap.String("capability", name),
		zap.String("version", version),
		zap.Duration("latency", latency),
	)
	return inv, nil
}
