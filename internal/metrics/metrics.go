// Package metrics exposes prometheus counters for the workflow engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	transitions        *prometheus.CounterVec
	blocked            prometheus.Counter
	conflicts          prometheus.Counter
	ruleExecutions     *prometheus.CounterVec
	automationRefused  prometheus.Counter
	subscriberFailures *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	edgeRejections     *prometheus.CounterVec
}

// New builds the counters on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "famtasks",
			Name:      "transitions_total",
			Help:      "Accepted status transitions by target status and origin.",
		}, []string{"status", "origin"}),
		blocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "famtasks",
			Name:      "transitions_blocked_total",
			Help:      "Forward transitions rejected by unmet required dependencies.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "famtasks",
			Name:      "transition_conflicts_total",
			Help:      "Transitions lost to a concurrent write on the same instance.",
		}),
		ruleExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "famtasks",
			Name:      "rule_executions_total",
			Help:      "Workflow rule actions by action and result.",
		}, []string{"action", "result"}),
		automationRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "famtasks",
			Name:      "automation_depth_refused_total",
			Help:      "Automated actions refused because the chain depth limit was reached.",
		}),
		subscriberFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "famtasks",
			Name:      "event_subscriber_failures_total",
			Help:      "Event subscriber errors and panics by subscriber.",
		}, []string{"subscriber"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "famtasks",
			Name:      "notifications_total",
			Help:      "Notification outcomes by result.",
		}, []string{"result"}),
		edgeRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "famtasks",
			Name:      "dependency_edges_rejected_total",
			Help:      "Dependency edge insertions rejected by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.transitions, m.blocked, m.conflicts, m.ruleExecutions, m.automationRefused,
		m.subscriberFailures, m.notifications, m.edgeRejections)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Transition(status string, automated bool) {
	if m == nil {
		return
	}
	origin := "user"
	if automated {
		origin = "automation"
	}
	m.transitions.WithLabelValues(status, origin).Inc()
}

func (m *Metrics) Blocked() {
	if m != nil {
		m.blocked.Inc()
	}
}

func (m *Metrics) Conflict() {
	if m != nil {
		m.conflicts.Inc()
	}
}

func (m *Metrics) RuleExecuted(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ruleExecutions.WithLabelValues(action, result).Inc()
}

func (m *Metrics) AutomationRefused() {
	if m != nil {
		m.automationRefused.Inc()
	}
}

func (m *Metrics) SubscriberFailed(name string) {
	if m != nil {
		m.subscriberFailures.WithLabelValues(name).Inc()
	}
}

// Notification records "delivered", "failed", "deduplicated" or "dropped".
func (m *Metrics) Notification(result string) {
	if m != nil {
		m.notifications.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) EdgeRejected(reason string) {
	if m != nil {
		m.edgeRejections.WithLabelValues(reason).Inc()
	}
}
