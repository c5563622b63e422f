package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus exposes pipeline metrics on a private registry.
type Prometheus struct {
	registry             *prometheus.Registry
	providerCallsTotal   *prometheus.CounterVec
	providerCallSeconds  *prometheus.HistogramVec
	tokensTotal          *prometheus.CounterVec
	jobStatusTotal       *prometheus.CounterVec
	stepDurationSeconds  *prometheus.HistogramVec
	stagingRequestsTotal *prometheus.CounterVec
}

// NewPrometheus constructs the registry and registers all collectors.
func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()

	providerCallsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "moduleconv",
			Subsystem: "llm",
			Name:      "provider_calls_total",
			Help:      "Provider call attempts by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)
	providerCallSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "moduleconv",
			Subsystem: "llm",
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of single provider attempts.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"provider"},
	)
	tokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "moduleconv",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Tokens consumed by direction.",
		},
		[]string{"direction"},
	)
	jobStatusTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "moduleconv",
			Subsystem: "job",
			Name:      "status_total",
			Help:      "Conversion job status transitions.",
		},
		[]string{"status"},
	)
	stepDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "moduleconv",
			Subsystem: "job",
			Name:      "step_duration_seconds",
			Help:      "Duration of pipeline steps.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"step", "status"},
	)
	stagingRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "moduleconv",
			Subsystem: "staging",
			Name:      "requests_total",
			Help:      "Staging API requests by operation and HTTP status.",
		},
		[]string{"operation", "status"},
	)

	registry.MustRegister(
		providerCallsTotal,
		providerCallSeconds,
		tokensTotal,
		jobStatusTotal,
		stepDurationSeconds,
		stagingRequestsTotal,
	)

	return &Prometheus{
		registry:             registry,
		providerCallsTotal:   providerCallsTotal,
		providerCallSeconds:  providerCallSeconds,
		tokensTotal:          tokensTotal,
		jobStatusTotal:       jobStatusTotal,
		stepDurationSeconds:  stepDurationSeconds,
		stagingRequestsTotal: stagingRequestsTotal,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (p *Prometheus) Handler() http.Handler {
	if p == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) observeProviderCall(provider, outcome string, d time.Duration) {
	if p == nil {
		return
	}
	p.providerCallsTotal.WithLabelValues(provider, outcome).Inc()
	p.providerCallSeconds.WithLabelValues(provider).Observe(d.Seconds())
}

func (p *Prometheus) addTokens(in, out int64) {
	if p == nil {
		return
	}
	p.tokensTotal.WithLabelValues("input").Add(float64(in))
	p.tokensTotal.WithLabelValues("output").Add(float64(out))
}

func (p *Prometheus) incJobStatus(status string) {
	if p == nil {
		return
	}
	p.jobStatusTotal.WithLabelValues(status).Inc()
}

func (p *Prometheus) observeStep(kind, status string, d time.Duration) {
	if p == nil {
		return
	}
	p.stepDurationSeconds.WithLabelValues(kind, status).Observe(d.Seconds())
}

func (p *Prometheus) incStagingCall(operation string, status int) {
	if p == nil {
		return
	}
	p.stagingRequestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
}
