package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_RecordCommand(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordCommand("regular", "success", 0.01)
	m.RecordCommand("regular", "error", 0.02)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.CommandsTotal.WithLabelValues("regular", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CommandsTotal.WithLabelValues("regular", "error")))
}

func TestMetrics_SetQueueDepth(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SetQueueDepth("session-1", 7)
	assert.Equal(t, float64(7), testutil.ToFloat64(m.QueueDepth.WithLabelValues("session-1")))
}

func TestMetrics_GathererMatchesRegisteredRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.RecordCommand("regular", "success", 0.01)

	families, err := m.Gatherer().Gather()
	assert.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "pgreplay_commands_total" {
			found = true
		}
	}
	assert.True(t, found, "gatherer should see collectors registered on the same registry")
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordCommand("regular", "success", 0.01)
		m.RecordRetry("timeout")
		m.RecordClassifiedError("database_error", "23505")
		m.RecordTracingEvent("83", false)
		m.RecordConnectionOpen("widgets", 0.01, true)
		m.SetActiveWorkers(3)
		m.SetQueueDepth("session-1", 1)
	})
}
