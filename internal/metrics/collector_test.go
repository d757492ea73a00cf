package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilCollectorIsNoOp(t *testing.T) {
	var c *Collector
	c.JobFinished("success")
	c.TaskFinished("initial_research", "success", time.Second)
	c.SandboxRun("timeout", time.Second)
	c.AgentCall("success")
	c.Verdict("supported")
}

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectorWith("test", reg)

	c.JobFinished("success")
	c.JobFinished("success")
	c.JobFinished("failed")
	c.TaskFinished("compilation", "success", 2*time.Second)
	c.Verdict("supported")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.jobsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.jobsTotal.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.tasksTotal.WithLabelValues("compilation", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.verdictsTotal.WithLabelValues("supported")))
}
