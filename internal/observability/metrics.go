// Package observability wires OpenTelemetry tracing and Prometheus
// metrics through the orchestrator.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orchestrator"

// Metrics holds the Prometheus collectors the Pipeline Engine, MAKER Voter,
// and Request Server update as they run.
type Metrics struct {
	registry *prometheus.Registry

	TasksInFlight    prometheus.Gauge
	TasksTotal       *prometheus.CounterVec // label: final_status
	IterationCount   prometheus.Histogram
	StageDuration    *prometheus.HistogramVec // label: stage
	AgentCalls       *prometheus.CounterVec   // labels: role, outcome
	AgentCallLatency *prometheus.HistogramVec // label: role
	MAKERRounds      prometheus.Counter
	MAKERWinnerVotes prometheus.Histogram
	ContextCompress  prometheus.Counter
}

// NewMetrics registers and returns the metric set against a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tasks_in_flight",
			Help: "Number of tasks currently being processed.",
		}),
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_total",
			Help: "Tasks reaching a terminal status, by status.",
		}, []string{"final_status"}),
		IterationCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_iterations",
			Help:    "Iteration count of completed tasks.",
			Buckets: prometheus.LinearBuckets(0, 1, 5),
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stage_duration_seconds",
			Help: "Duration of each pipeline stage.",
		}, []string{"stage"}),
		AgentCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_calls_total",
			Help: "Agent client calls by role and outcome.",
		}, []string{"role", "outcome"}),
		AgentCallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "agent_call_latency_seconds",
			Help: "Latency of agent client calls by role.",
		}, []string{"role"}),
		MAKERRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "maker_rounds_total",
			Help: "Total MAKER voting rounds run.",
		}),
		MAKERWinnerVotes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "maker_winner_votes",
			Help:    "Tally count of the winning candidate per round.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
		ContextCompress: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "context_compressions_total",
			Help: "Number of times the context compressor folded a span into a summary or fell back to lossy truncation.",
		}),
	}
	reg.MustRegister(
		m.TasksInFlight, m.TasksTotal, m.IterationCount, m.StageDuration,
		m.AgentCalls, m.AgentCallLatency, m.MAKERRounds, m.MAKERWinnerVotes,
		m.ContextCompress,
	)
	return m
}

// Handler exposes the registry via the standard Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
