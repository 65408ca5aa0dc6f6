package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "provisioner"

// Recorder owns the Prometheus collectors for reconciliation passes, the
// control planes they call, encoder launches and the HTTP hook surface. Each
// Recorder registers into its own registry so tests never collide.
type Recorder struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	reconcileRuns   *prometheus.CounterVec
	reconcileTime   prometheus.Histogram
	roomOutcomes    *prometheus.CounterVec
	evictions       *prometheus.CounterVec
	launches        *prometheus.CounterVec
	cdnQueries      *prometheus.CounterVec
	hookEvents      *prometheus.CounterVec
	liveSessions    prometheus.Gauge
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder backed by a fresh registry that also exposes Go
// runtime and process collectors.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	r := &Recorder{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, normalized path and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and normalized path.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation passes by result.",
		}, []string{"result"}),
		reconcileTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Wall time of completed reconciliation passes.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		roomOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_provisions_total",
			Help:      "Room provisioning outcomes by strategy and final state.",
		}, []string{"strategy", "state"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_evictions_total",
			Help:      "Relay client deletions by result.",
		}, []string{"result"}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoder_launches_total",
			Help:      "Encoder process launches by status.",
		}, []string{"status"}),
		cdnQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cdn_calls_total",
			Help:      "CDN control plane calls by action and result.",
		}, []string{"action", "result"}),
		hookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_hook_events_total",
			Help:      "Relay publish callbacks by action and result.",
		}, []string{"action", "result"}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions",
			Help:      "Live sessions recorded after the last reconciliation pass.",
		}),
	}
	registry.MustRegister(
		r.requests,
		r.requestDuration,
		r.reconcileRuns,
		r.reconcileTime,
		r.roomOutcomes,
		r.evictions,
		r.launches,
		r.cdnQueries,
		r.hookEvents,
		r.liveSessions,
	)
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder. Nil is ignored.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// OrDefault returns r, or the default Recorder when r is nil.
func OrDefault(r *Recorder) *Recorder {
	if r != nil {
		return r
	}
	return Default()
}

// Registry exposes the underlying Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	method = strings.ToUpper(method)
	path = normalizePath(path)
	r.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveReconcile records a finished reconciliation pass.
func (r *Recorder) ObserveReconcile(result string, duration time.Duration) {
	r.reconcileRuns.WithLabelValues(result).Inc()
	if duration > 0 {
		r.reconcileTime.Observe(duration.Seconds())
	}
}

// ObserveRoom records the final state of one room's provisioning.
func (r *Recorder) ObserveRoom(strategy, state string) {
	r.roomOutcomes.WithLabelValues(strategy, state).Inc()
}

// ObserveEviction records one relay client deletion.
func (r *Recorder) ObserveEviction(err error) {
	r.evictions.WithLabelValues(result(err)).Inc()
}

// ObserveLaunch records an encoder launch attempt.
func (r *Recorder) ObserveLaunch(status string) {
	r.launches.WithLabelValues(status).Inc()
}

// ObserveCDNCall records one CDN control plane call.
func (r *Recorder) ObserveCDNCall(action string, err error) {
	r.cdnQueries.WithLabelValues(action, result(err)).Inc()
}

// ObserveHook records one relay callback.
func (r *Recorder) ObserveHook(action string, err error) {
	r.hookEvents.WithLabelValues(action, result(err)).Inc()
}

// SetLiveSessions sets the live session gauge.
func (r *Recorder) SetLiveSessions(n int) {
	r.liveSessions.Set(float64(n))
}

// ObserveRequest records a request on the default Recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}
