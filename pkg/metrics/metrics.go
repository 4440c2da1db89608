// Package metrics exposes Prometheus counters for dispatches, executions and scheduled fires.
package metrics

import (
	"net/http"

	"github.com/dukex/psaflow/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "psaflow"

// Recorder records engine metrics. A nil *Recorder discards everything.
type Recorder struct {
	registry *prometheus.Registry

	eventsReceived    *prometheus.CounterVec
	workflowsMatched  *prometheus.CounterVec
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	actionResults     *prometheus.CounterVec
	actionAttempts    *prometheus.HistogramVec
	scheduledFires    prometheus.Counter
	persistenceErrors *prometheus.CounterVec
}

// New creates a recorder on its own registry, with the Go and process collectors attached.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return NewWithRegistry(registry)
}

// NewWithRegistry creates a recorder registering its collectors on registry.
func NewWithRegistry(registry *prometheus.Registry) *Recorder {
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		eventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Domain events handed to the engine",
		}, []string{"event_type"}),
		workflowsMatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_matched_total",
			Help:      "Workflow definitions whose trigger and conditions matched an event",
		}, []string{"event_type"}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Finished workflow executions by status",
		}, []string{"status"}),
		executionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_execution_duration_seconds",
			Help:      "Wall time of workflow executions",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"status"}),
		actionResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_results_total",
			Help:      "Action slot results by type and status",
		}, []string{"action_type", "status"}),
		actionAttempts: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_attempts",
			Help:      "Attempts spent per executed action slot",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{"action_type"}),
		scheduledFires: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_fires_total",
			Help:      "SCHEDULE events emitted by the scheduler",
		}),
		persistenceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Failed writes of execution records or stats",
		}, []string{"operation"}),
	}
}

// Registry returns the registry the recorder writes to.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}

	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) EventReceived(eventType models.EventType) {
	if r == nil {
		return
	}

	r.eventsReceived.WithLabelValues(string(eventType)).Inc()
}

func (r *Recorder) WorkflowsMatched(eventType models.EventType, n int) {
	if r == nil || n == 0 {
		return
	}

	r.workflowsMatched.WithLabelValues(string(eventType)).Add(float64(n))
}

// ExecutionFinished records the execution status, its duration and every slot result.
func (r *Recorder) ExecutionFinished(record *models.ExecutionRecord) {
	if r == nil || record == nil {
		return
	}

	status := string(record.Status)
	r.executions.WithLabelValues(status).Inc()
	r.executionDuration.WithLabelValues(status).Observe(float64(record.DurationMs) / 1000)

	for _, result := range record.ActionResults {
		r.actionResults.WithLabelValues(string(result.ActionType), string(result.Status)).Inc()

		if result.Attempts > 0 {
			r.actionAttempts.WithLabelValues(string(result.ActionType)).Observe(float64(result.Attempts))
		}
	}
}

func (r *Recorder) ScheduledFire() {
	if r == nil {
		return
	}

	r.scheduledFires.Inc()
}

// PersistenceError counts a failed write; operation is "save_execution" or "record_stats".
func (r *Recorder) PersistenceError(operation string) {
	if r == nil {
		return
	}

	r.persistenceErrors.WithLabelValues(operation).Inc()
}
