package metrics

import (
	"bytes"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Registry keeps name-addressed counter and histogram vectors so call sites
// can record a sample with a plain label map.
type Registry struct {
	reg        *prometheus.Registry
	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	r.RegisterCounter("beacon_relay_connections_total", "Relay connection lifecycle events by event (open, close, error, rejected).", "event")
	r.RegisterCounter("beacon_relay_frames_total", "Frames received by the relay by kind.", "kind")
	r.RegisterCounter("beacon_relay_fanout_total", "Per-receiver fan-out outcomes by result.", "result")
	r.RegisterHistogram("beacon_relay_fanout_peers", "Number of receivers a frame was queued for.", []float64{0, 1, 2, 4, 8, 16, 32, 64})
	r.RegisterCounter("beacon_presence_transitions_total", "Device presence transitions by target state.", "online")
	r.RegisterHistogram("beacon_session_duration_ms", "Online session duration in milliseconds.", []float64{1000, 5000, 30000, 60000, 300000, 900000, 3600000, 14400000})
	r.RegisterCounter("beacon_journal_writes_total", "Presence journal writes by status.", "status")
	r.RegisterCounter("beacon_job_runs_total", "Total background job runs by job and status.", "job", "status")
	r.RegisterHistogram("beacon_job_duration_ms", "Background job duration in milliseconds by job.", []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}, "job")
}

func (r *Registry) RegisterCounter(name, help string, labels ...string) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.counters[name]; ok {
		return
	}
	r.reg.MustRegister(vec)
	r.counters[name] = vec
}

func (r *Registry) RegisterHistogram(name, help string, buckets []float64, labels ...string) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.histograms[name]; ok {
		return
	}
	r.reg.MustRegister(vec)
	r.histograms[name] = vec
}

// IncCounter is a no-op for unknown names or mismatched labels.
func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.mu.RLock()
	vec := r.counters[name]
	r.mu.RUnlock()
	if vec == nil {
		return
	}
	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	c.Inc()
}

func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.RLock()
	vec := r.histograms[name]
	r.mu.RUnlock()
	if vec == nil {
		return
	}
	o, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	o.Observe(value)
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Render returns the registry in the Prometheus text exposition format.
func (r *Registry) Render() string {
	families, err := r.reg.Gather()
	if err != nil {
		return ""
	}
	var b bytes.Buffer
	enc := expfmt.NewEncoder(&b, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return b.String()
		}
	}
	return b.String()
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = NewRegistry()
)

func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

func ResetDefaultForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
}
