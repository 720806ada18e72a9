// Package types defines the shared data model of the ResearchFlow
// orchestration core: jobs, pipeline stages, stage results, approval
// decisions, and the unified error type used across all components.
package types
