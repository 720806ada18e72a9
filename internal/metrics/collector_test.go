package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("researchflow", reg)

	c.JobCreated()
	c.JobCreated()
	c.JobFinished("completed")
	c.JobSuspended("awaiting_plan_approval")
	c.RunningJobs(1)
	c.StageExecuted("planning", "success", 250*time.Millisecond, 128)
	c.RecordHTTPRequest("POST", "/api/v1/jobs", "201", 10*time.Millisecond)
	c.StuckJobRequeued()
	c.CheckpointsPurged(7)
	c.PoolGauges(4, 2)

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				byName[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				byName[mf.GetName()] += m.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, 2.0, byName["researchflow_jobs_created_total"])
	assert.Equal(t, 1.0, byName["researchflow_jobs_finished_total"])
	assert.Equal(t, 1.0, byName["researchflow_jobs_suspended_total"])
	assert.Equal(t, 1.0, byName["researchflow_jobs_running"])
	assert.Equal(t, 1.0, byName["researchflow_stage_executions_total"])
	assert.Equal(t, 128.0, byName["researchflow_stage_tokens_used_total"])
	assert.Equal(t, 7.0, byName["researchflow_checkpoints_purged_total"])
	assert.Equal(t, 4.0, byName["researchflow_pool_workers"])
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.JobCreated()
	c.JobFinished("failed")
	c.StageExecuted("drafting", "failure", time.Second, 0)
	c.RecordHTTPRequest("GET", "/healthz", "200", time.Millisecond)
	c.PoolGauges(0, 0)
}
