package types

import "time"

// Constraints narrows the research scope. The orchestration core
// treats every field as opaque input to the agent capabilities.
type Constraints struct {
	Region       string   `json:"region,omitempty" yaml:"region,omitempty"`
	DateFrom     string   `json:"date_from,omitempty" yaml:"date_from,omitempty"`
	DateTo       string   `json:"date_to,omitempty" yaml:"date_to,omitempty"`
	Industries   []string `json:"industries,omitempty" yaml:"industries,omitempty"`
	AllowSources []string `json:"allow_sources,omitempty" yaml:"allow_sources,omitempty"`
	DenySources  []string `json:"deny_sources,omitempty" yaml:"deny_sources,omitempty"`
}

// OutputConfig describes the requested report artifact.
type OutputConfig struct {
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
	Length string `json:"length,omitempty" yaml:"length,omitempty"`
	Tone   string `json:"tone,omitempty" yaml:"tone,omitempty"`
}

// HILConfig enables the human-in-the-loop approval gates.
type HILConfig struct {
	PlanGate  bool `json:"plan_gate" yaml:"plan_gate"`
	FinalGate bool `json:"final_gate" yaml:"final_gate"`
}

// Job is the root aggregate of the orchestration core. It is created
// by the job manager and mutated exclusively by the workflow machine
// driving it; terminal jobs are immutable except for soft delete.
type Job struct {
	ID          string       `json:"id"`
	Query       string       `json:"query"`
	Constraints Constraints  `json:"constraints"`
	Output      OutputConfig `json:"output"`
	HIL         HILConfig    `json:"hil"`

	Stage      Stage   `json:"stage"`
	Progress   float64 `json:"progress"`
	RetryCount int     `json:"retry_count"`

	// HIL loop counters, one per gate, bounded by the configured cap.
	PlanLoops  int `json:"plan_loops,omitempty"`
	FinalLoops int `json:"final_loops,omitempty"`

	// Feedback carries the latest request-changes text into the
	// re-run of the gated stage.
	Feedback    string `json:"feedback,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Active reports whether the job currently occupies (or may occupy)
// an executor: any state that is neither terminal, suspended, nor
// pre-start.
func (j *Job) Active() bool {
	return j.Stage.IsExecutable()
}

// ApprovalDecision is delivered externally while a HIL gate is open
// and consumed exactly once by the workflow machine.
type ApprovalDecision struct {
	Approve  bool   `json:"approve"`
	Feedback string `json:"feedback,omitempty"`
}

// ProgressSnapshot is the answer to a get-progress call and the seed
// event for new stream subscriptions.
type ProgressSnapshot struct {
	JobID       string  `json:"job_id"`
	Stage       Stage   `json:"stage"`
	Progress    float64 `json:"progress"`
	RetryCount  int     `json:"retry_count"`
	ErrorDetail string  `json:"error_detail,omitempty"`
}

// JobStats summarizes job counts by lifecycle state.
type JobStats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Suspended int64 `json:"suspended"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}
