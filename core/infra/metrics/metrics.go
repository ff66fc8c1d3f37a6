package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines the resolution engine counters.
type Metrics interface {
	IncGranted(asset string)
	IncRejected(asset, reason string)
	IncFailed(asset, kind string)
	IncHashComputed(asset, result string)
	IncHashCacheHit(asset, source string)
	IncOutcome(outcome string)
}

// GatewayMetrics captures request metrics for the HTTP gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncGranted(string)              {}
func (Noop) IncRejected(string, string)     {}
func (Noop) IncFailed(string, string)       {}
func (Noop) IncHashComputed(string, string) {}
func (Noop) IncHashCacheHit(string, string) {}
func (Noop) IncOutcome(string)              {}

// Prom implements Metrics backed by Prometheus counters.
type Prom struct {
	grants     *prometheus.CounterVec
	rejections *prometheus.CounterVec
	failures   *prometheus.CounterVec
	hashes     *prometheus.CounterVec
	hashHits   *prometheus.CounterVec
	outcomes   *prometheus.CounterVec
	once       sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grants_total",
			Help:      "Download grants issued by asset",
		}, []string{"asset"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Resolutions rejected by asset and reason",
		}, []string{"asset", "reason"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Resolutions failed by asset and failure kind",
		}, []string{"asset", "kind"}),
		hashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hash_computations_total",
			Help:      "Content hash computations by asset and result",
		}, []string{"asset", "result"}),
		hashHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hash_cache_hits_total",
			Help:      "Hash lookups served without computation by asset and source",
		}, []string{"asset", "source"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Attempt outcomes reported by hosts",
		}, []string{"outcome"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.grants, p.rejections, p.failures, p.hashes, p.hashHits, p.outcomes)
	})
}

func (p *Prom) IncGranted(asset string) {
	p.grants.WithLabelValues(asset).Inc()
}

func (p *Prom) IncRejected(asset, reason string) {
	p.rejections.WithLabelValues(asset, reason).Inc()
}

func (p *Prom) IncFailed(asset, kind string) {
	p.failures.WithLabelValues(asset, kind).Inc()
}

func (p *Prom) IncHashComputed(asset, result string) {
	p.hashes.WithLabelValues(asset, result).Inc()
}

func (p *Prom) IncHashCacheHit(asset, source string) {
	p.hashHits.WithLabelValues(asset, source).Inc()
}

func (p *Prom) IncOutcome(outcome string) {
	p.outcomes.WithLabelValues(outcome).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
