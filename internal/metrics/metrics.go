package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Polling counters
	Polls      atomic.Uint64
	PollErrors atomic.Uint64

	// Parameter cache refreshes that reached the gateway
	ParamCacheFetches atomic.Uint64

	// Latest observed state (0/1)
	DeviceConnected   atomic.Uint64
	DeviceStreaming   atomic.Uint64
	ProcessingRunning atomic.Uint64

	// Poll latency of the last completed poll
	PollLatencyMs atomic.Uint64

	// Processing loop cycles and the ones that hit a gateway error
	Frames      atomic.Uint64
	FrameErrors atomic.Uint64

	commands *prometheus.CounterVec
	applies  *prometheus.CounterVec

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_commands_total",
			Help: "Inference commands by kind and outcome",
		}, []string{"kind", "outcome"}),
		applies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_apply_total",
			Help: "Parameter applies by outcome",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(m.commands, m.applies)
	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name string
		help string
		v    *atomic.Uint64
	}{
		{"monitor_polls_total", "Total device state polls", &m.Polls},
		{"monitor_poll_errors_total", "Polls that degraded to Unknown", &m.PollErrors},
		{"monitor_param_cache_fetches_total", "Parameter file list fetches", &m.ParamCacheFetches},
		{"monitor_device_connected", "Device connected (0/1)", &m.DeviceConnected},
		{"monitor_device_streaming", "Device streaming (0/1)", &m.DeviceStreaming},
		{"monitor_processing_running", "Local processing loop running (0/1)", &m.ProcessingRunning},
		{"monitor_poll_latency_ms", "Latency of the last device poll in milliseconds", &m.PollLatencyMs},
		{"monitor_frames_total", "Processing loop cycles", &m.Frames},
		{"monitor_frame_errors_total", "Processing loop cycles with a fetch error", &m.FrameErrors},
	}
	for _, g := range gauges {
		v := g.v
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(v.Load()) },
		))
	}
}

// ObservePoll records one completed poll.
func (m *Metrics) ObservePoll(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.Polls.Add(1)
	if failed {
		m.PollErrors.Add(1)
	}
	m.PollLatencyMs.Store(uint64(d.Milliseconds()))
}

// SetDeviceState records the latest observed connection and streaming flags.
func (m *Metrics) SetDeviceState(connected, streaming bool) {
	if m == nil {
		return
	}
	m.DeviceConnected.Store(boolValue(connected))
	m.DeviceStreaming.Store(boolValue(streaming))
}

// SetProcessing records whether the processing loop runs.
func (m *Metrics) SetProcessing(running bool) {
	if m == nil {
		return
	}
	m.ProcessingRunning.Store(boolValue(running))
}

// Frame counts one processing cycle.
func (m *Metrics) Frame(failed bool) {
	if m == nil {
		return
	}
	m.Frames.Add(1)
	if failed {
		m.FrameErrors.Add(1)
	}
}

// CacheFetch counts a parameter list fetch.
func (m *Metrics) CacheFetch() {
	if m == nil {
		return
	}
	m.ParamCacheFetches.Add(1)
}

// Command counts a command outcome (requested, confirmed, timeout, failed, skipped).
func (m *Metrics) Command(kind, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind, outcome).Inc()
}

// Apply counts a parameter apply outcome.
func (m *Metrics) Apply(outcome string) {
	if m == nil {
		return
	}
	m.applies.WithLabelValues(outcome).Inc()
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server returns an HTTP server exposing /metrics on addr.
func (m *Metrics) Server(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func boolValue(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
