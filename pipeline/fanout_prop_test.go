package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/BaSui01/researchflow/capability"
	"github.com/BaSui01/researchflow/types"
)

// Property: for any mix of succeeding and failing sources, the fan-out
// join succeeds exactly when at least one source succeeds, the payload
// partitions the sources, and no failing source leaks into the output.
func TestFanOutJoinProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "sources")
		sources := make([]string, n)
		healthy := make(map[string]bool, n)
		var anyHealthy bool
		for i := range sources {
			sources[i] = fmt.Sprintf("source-%d", i)
			healthy[sources[i]] = rapid.Bool().Draw(t, fmt.Sprintf("healthy-%d", i))
			anyHealthy = anyHealthy || healthy[sources[i]]
		}

		registry := capability.NewRegistry()
		registry.Register(capability.NewFuncCapability("retrieval_hub", "v1",
			func(ctx context.Context, input capability.Document) (capability.Document, error) {
				source, _ := input["source"].(string)
				if !healthy[source] {
					return nil, errors.New("connector down")
				}
				return capability.Document{"passages": []any{source}}, nil
			}))
		invoker := capability.NewInvoker(registry, capability.InvokerConfig{
			DefaultTimeout: time.Second,
			GracePeriod:    10 * time.Millisecond,
		}, nil)
		exec := NewExecutor(invoker, ExecutorConfig{
			StageTimeout:  time.Second,
			SourceTimeout: time.Second,
			MaxFanOut:     rapid.IntRange(1, 4).Draw(t, "max_fan_out"),
		}, nil)

		job := newTestJob()
		job.Constraints.AllowSources = sources
		st := NewState(job)
		spec, _ := SpecFor(types.StageRetrieving)

		result, err := exec.Execute(context.Background(), spec, st)
		if !anyHealthy {
			if err == nil {
				t.Fatalf("expected failure with zero healthy sources")
			}
			return
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		var payload struct {
			Sources       map[string]json.RawMessage `json:"sources"`
			FailedSources []string                   `json:"failed_sources"`
		}
		if err := json.Unmarshal(result.Payload, &payload); err != nil {
			t.Fatalf("payload does not decode: %v", err)
		}
		if len(payload.Sources)+len(payload.FailedSources) != n {
			t.Fatalf("payload does not partition %d sources: %d ok, %d failed",
				n, len(payload.Sources), len(payload.FailedSources))
		}
		for source := range payload.Sources {
			if !healthy[source] {
				t.Fatalf("failing source %s leaked into output", source)
			}
		}
		for _, source := range payload.FailedSources {
			if healthy[source] {
				t.Fatalf("healthy source %s reported as failed", source)
			}
		}
	})
}
