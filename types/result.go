package types

import "encoding/json"

// ResultStatus classifies the outcome of one stage execution.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
	ResultTimeout ResultStatus = "timeout"
)

// Diagnostics aggregates call accounting across the agent invocations
// a stage performed.
type Diagnostics struct {
	TokensUsed int   `json:"tokens_used"`
	LatencyMS  int64 `json:"latency_ms"`
	CallCount  int   `json:"call_count"`
}

// Add folds another invocation's accounting into d.
func (d *Diagnostics) Add(other Diagnostics) {
	d.TokensUsed += other.TokensUsed
	d.LatencyMS += other.LatencyMS
	d.CallCount += other.CallCount
}

// StageResult is the transient product of one stage execution. It is
// never persisted directly; the workflow machine folds the payload
// into the next checkpoint.
type StageResult struct {
	Stage       Stage           `json:"stage"`
	Status      ResultStatus    `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Diagnostics Diagnostics     `json:"diagnostics"`
}
