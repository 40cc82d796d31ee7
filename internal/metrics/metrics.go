package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the dispatch pipeline. All methods are nil-safe.
type Metrics struct {
	logsReceived    *prometheus.CounterVec
	logsDropped     *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	processorErrors *prometheus.CounterVec
	eventsFiltered  *prometheus.CounterVec
	jobsDispatched  *prometheus.CounterVec
	jobErrors       *prometheus.CounterVec
	transportRetry  *prometheus.CounterVec
	bindingFailures *prometheus.CounterVec
	inFlight        prometheus.Gauge
	runnerState     prometheus.Gauge
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics registered on the default registry (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = New(prometheus.DefaultRegisterer)
	})
	return metrics
}

// New builds a Metrics set and registers it on reg.
func New(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_operator_" + name,
			Help: help,
		}, []string{"binding"})
	}
	m := &Metrics{
		logsReceived:    counter("logs_received_total", "Raw logs delivered by event sources"),
		logsDropped:     counter("logs_dropped_total", "Logs dropped undelivered during shutdown"),
		decodeErrors:    counter("decode_errors_total", "Logs that failed ABI decoding"),
		processorErrors: counter("processor_errors_total", "Pre-processor failures"),
		eventsFiltered:  counter("events_filtered_total", "Events filtered by predicates or pre-processors"),
		jobsDispatched:  counter("jobs_dispatched_total", "Job handler invocations"),
		jobErrors:       counter("job_errors_total", "Job handler invocations that returned an error"),
		transportRetry:  counter("transport_retries_total", "Retried RPC calls"),
		bindingFailures: counter("binding_failures_total", "Bindings stopped by a fatal error"),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "event_operator_jobs_in_flight",
			Help: "Admitted events whose processing has not completed",
		}),
		runnerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "event_operator_runner_state",
			Help: "Runner state (0 created, 1 running, 2 draining, 3 stopped)",
		}),
	}
	reg.MustRegister(
		m.logsReceived,
		m.logsDropped,
		m.decodeErrors,
		m.processorErrors,
		m.eventsFiltered,
		m.jobsDispatched,
		m.jobErrors,
		m.transportRetry,
		m.bindingFailures,
		m.inFlight,
		m.runnerState,
	)
	return m
}

// LogReceived increments the received logs counter.
func (m *Metrics) LogReceived(binding string) {
	if m != nil {
		m.logsReceived.WithLabelValues(binding).Inc()
	}
}

// LogsDropped adds n to the dropped logs counter.
func (m *Metrics) LogsDropped(binding string, n int) {
	if m != nil && n > 0 {
		m.logsDropped.WithLabelValues(binding).Add(float64(n))
	}
}

// DecodeError increments the decode errors counter.
func (m *Metrics) DecodeError(binding string) {
	if m != nil {
		m.decodeErrors.WithLabelValues(binding).Inc()
	}
}

// ProcessorError increments the pre-processor errors counter.
func (m *Metrics) ProcessorError(binding string) {
	if m != nil {
		m.processorErrors.WithLabelValues(binding).Inc()
	}
}

// EventFiltered increments the filtered events counter.
func (m *Metrics) EventFiltered(binding string) {
	if m != nil {
		m.eventsFiltered.WithLabelValues(binding).Inc()
	}
}

// JobDispatched increments the handler invocations counter.
func (m *Metrics) JobDispatched(binding string) {
	if m != nil {
		m.jobsDispatched.WithLabelValues(binding).Inc()
	}
}

// JobError increments the handler errors counter.
func (m *Metrics) JobError(binding string) {
	if m != nil {
		m.jobErrors.WithLabelValues(binding).Inc()
	}
}

// TransportRetry increments the RPC retry counter.
func (m *Metrics) TransportRetry(binding string) {
	if m != nil {
		m.transportRetry.WithLabelValues(binding).Inc()
	}
}

// BindingFailed increments the fatal binding failures counter.
func (m *Metrics) BindingFailed(binding string) {
	if m != nil {
		m.bindingFailures.WithLabelValues(binding).Inc()
	}
}

// InFlight adjusts the in-flight gauge by delta.
func (m *Metrics) InFlight(delta int) {
	if m != nil {
		m.inFlight.Add(float64(delta))
	}
}

// RunnerState records the numeric runner state.
func (m *Metrics) RunnerState(state int) {
	if m != nil {
		m.runnerState.Set(float64(state))
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
