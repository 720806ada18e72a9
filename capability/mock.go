package capability

import (
	"context"
	"fmt"
)

// MockSet registers a deterministic capability implementation for
// every pipeline stage. It lets the orchestration core run end-to-end
// without real agent backends, development and demo use.
//
// The planner publishes a source list so the retrieval stage has
// something to fan out over; every other capability echoes a summary
// of its input.
func MockSet() []Capability {
	return []Capability{
		NewFuncCapability("query_understanding", "mock-1", func(ctx context.Context, input Document) (Document, error) {
			query, _ := input["query"].(string)
			return Document{
				"plan":    fmt.Sprintf("research plan for: %s", query),
				"sources": []any{"web", "news", "academic"},
			}, nil
		}),
		NewFuncCapability("retrieval_hub", "mock-1", func(ctx context.Context, input Document) (Document, error) {
			source, _ := input["source"].(string)
			return Document{
				"source":   source,
				"passages": []any{fmt.Sprintf("passage from %s", source)},
			}, nil
		}),
		mockEcho("evidence_synthesis", "claims"),
		mockEcho("drafting", "draft"),
		mockEcho("fact_checking", "citations"),
		mockEcho("visualization", "figures"),
		mockEcho("review_gate", "review"),
		mockEcho("formatting", "report"),
	}
}

func mockEcho(name, field string) Capability {
	return NewFuncCapability(name, "mock-1", func(ctx context.Context, input Document) (Document, error) {
		query, _ := input["query"].(string)
		return Document{field: fmt.Sprintf("%s for: %s", field, query)}, nil
	})
}
