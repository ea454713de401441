package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRecord(t *testing.T) {
	m := New()
	m.Transition("completed", false)
	m.Transition("completed", true)
	m.Transition("completed", true)
	m.Blocked()
	m.RuleExecuted("auto_enable", nil)
	m.RuleExecuted("auto_enable", errors.New("boom"))
	m.Notification("deduplicated")
	m.EdgeRejected("cycle")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("completed", "user")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("completed", "automation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.blocked))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ruleExecutions.WithLabelValues("auto_enable", "error")))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["famtasks_notifications_total"])
	assert.True(t, names["famtasks_dependency_edges_rejected_total"])
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Transition("completed", false)
		m.Blocked()
		m.Conflict()
		m.RuleExecuted("assign_user", nil)
		m.AutomationRefused()
		m.SubscriberFailed("rules")
		m.Notification("failed")
		m.EdgeRejected("self")
	})
	assert.Nil(t, m.Registry())
	assert.NotNil(t, m.Handler())
}
