package telemetry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors on a private registry,
// so several runs in one process never collide on the default registerer.
// Every Record method is a no-op on a nil or disabled Metrics.
type Metrics struct {
	cfg      MetricsConfig
	registry *prometheus.Registry
	server   *http.Server

	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge
	rowsLoaded    *prometheus.CounterVec
	tokenOutcomes *prometheus.CounterVec

	nodeDuration *prometheus.HistogramVec
	nodeErrors   *prometheus.CounterVec
	retries      *prometheus.CounterVec

	batchFlushes   *prometheus.CounterVec
	coalesceMerges *prometheus.CounterVec

	sinkWrites      *prometheus.CounterVec
	sinkRowsWritten *prometheus.CounterVec

	engineErrors *prometheus.CounterVec
	checkpoints  prometheus.Counter
	queueDepth   prometheus.Gauge
}

// NewMetrics registers the collectors. A disabled config returns a
// Metrics that records nothing and has no registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	m := &Metrics{cfg: cfg}
	if !cfg.Enabled {
		return m, nil
	}
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	m.registry = prometheus.NewRegistry()
	f := promauto.With(m.registry)
	ns := cfg.Namespace

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: name, Help: help, Buckets: buckets}, labels)
	}

	m.runsStarted = counter("runs_started_total", "Runs started, by mode (run or resume).", "mode")
	m.runsFinished = counter("runs_finished_total", "Runs finalized, by status.", "status")
	m.runDuration = histogram("run_duration_seconds", "Wall time of finalized runs.", "status")
	m.activeRuns = f.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "active_runs", Help: "Runs currently executing."})
	m.rowsLoaded = counter("rows_loaded_total", "Rows yielded by sources.", "source", "valid")
	m.tokenOutcomes = counter("token_outcomes_total", "Terminal token outcomes recorded.", "outcome")

	m.nodeDuration = histogram("node_duration_seconds", "Duration of one plugin call.", "node_type", "plugin")
	m.nodeErrors = counter("node_errors_total", "Plugin calls that returned an error.", "node_type", "plugin")
	m.retries = counter("transform_retries_total", "Transform attempts beyond the first.", "plugin")

	m.batchFlushes = counter("aggregation_flushes_total", "Aggregation batch flushes.", "trigger", "status")
	m.coalesceMerges = counter("coalesce_results_total", "Coalesce merges and failures.", "policy", "result")

	m.sinkWrites = counter("sink_writes_total", "Sink write calls.", "sink", "status")
	m.sinkRowsWritten = counter("sink_rows_written_total", "Rows accepted by sinks.", "sink")

	m.engineErrors = counter("engine_errors_total", "Engine errors by code.", "code")
	m.checkpoints = f.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "checkpoints_saved_total", Help: "Checkpoints persisted."})
	m.queueDepth = f.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "work_queue_depth", Help: "Tokens waiting in the processor work queue."})
	return m, nil
}

func (m *Metrics) on() bool { return m != nil && m.registry != nil }

// RecordRunStarted counts a run and marks it active until RecordRunCompleted.
func (m *Metrics) RecordRunStarted(mode string) {
	if m.on() {
		m.runsStarted.WithLabelValues(mode).Inc()
		m.activeRuns.Inc()
	}
}

func (m *Metrics) RecordRunCompleted(status string, d time.Duration) {
	if m.on() {
		m.runsFinished.WithLabelValues(status).Inc()
		m.runDuration.WithLabelValues(status).Observe(d.Seconds())
		m.activeRuns.Dec()
	}
}

func (m *Metrics) RecordRowLoaded(source string, valid bool) {
	if m.on() {
		m.rowsLoaded.WithLabelValues(source, strconv.FormatBool(valid)).Inc()
	}
}

func (m *Metrics) RecordTokenOutcome(outcome string) {
	if m.on() {
		m.tokenOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) RecordNodeExecution(nodeType, plugin string, d time.Duration, err error) {
	if !m.on() {
		return
	}
	m.nodeDuration.WithLabelValues(nodeType, plugin).Observe(d.Seconds())
	if err != nil {
		m.nodeErrors.WithLabelValues(nodeType, plugin).Inc()
	}
}

func (m *Metrics) RecordRetry(plugin string) {
	if m.on() {
		m.retries.WithLabelValues(plugin).Inc()
	}
}

func (m *Metrics) RecordBatchFlush(trigger, status string) {
	if m.on() {
		m.batchFlushes.WithLabelValues(trigger, status).Inc()
	}
}

// RecordCoalesce counts a merge or a failure; result is its reason.
func (m *Metrics) RecordCoalesce(policy, result string) {
	if m.on() {
		m.coalesceMerges.WithLabelValues(policy, result).Inc()
	}
}

// RecordSinkWrite counts one write call. Rows are only added on success.
func (m *Metrics) RecordSinkWrite(sink string, rows int, err error) {
	if !m.on() {
		return
	}
	if err != nil {
		m.sinkWrites.WithLabelValues(sink, "failed").Inc()
		return
	}
	m.sinkWrites.WithLabelValues(sink, "ok").Inc()
	m.sinkRowsWritten.WithLabelValues(sink).Add(float64(rows))
}

func (m *Metrics) RecordError(code string) {
	if m.on() && code != "" {
		m.engineErrors.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) RecordCheckpoint() {
	if m.on() {
		m.checkpoints.Inc()
	}
}

func (m *Metrics) SetQueuedWorkItems(n int) {
	if m.on() {
		m.queueDepth.Set(float64(n))
	}
}

// Registry is nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the OpenMetrics format.
func (m *Metrics) Handler() http.Handler {
	if !m.on() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer serves Handler on the configured address in the
// background. Without an address it does nothing. Serve failures after
// startup go to onError.
func (m *Metrics) StartMetricsServer(onError func(error)) error {
	if !m.on() || m.cfg.ListenAddress == "" {
		return nil
	}
	path := m.cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	m.server = &http.Server{Addr: m.cfg.ListenAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		err := m.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()
	return nil
}

func (m *Metrics) StopMetricsServer() error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Close()
}
