package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the Prometheus collectors. Each instance owns its registry so
// tests can build as many handlers as they like.
type metrics struct {
	registry *prometheus.Registry

	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	SafetyOutcomes    *prometheus.CounterVec
	LLMCalls          *prometheus.CounterVec
	LLMDuration       prometheus.Histogram
	PersistenceErrors *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &metrics{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		}, []string{"route", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coach_http_request_duration_seconds",
			Help:    "Duration of HTTP request handling",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		SafetyOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_safety_outcomes_total",
			Help: "Safety gate outcomes by kind (underweight, target_rate, red_flag)",
		}, []string{"kind"}),

		LLMCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_llm_calls_total",
			Help: "LLM completion calls by outcome (ok, retry, error, fallback)",
		}, []string{"outcome"}),

		LLMDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "coach_llm_sequence_duration_seconds",
			Help:    "Duration of a full LLM draft, tool and synthesis sequence",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}),

		PersistenceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_persistence_errors_total",
			Help: "Session store failures by operation",
		}, []string{"op"}),
	}
}

// handler serves the registry in the Prometheus exposition format.
func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// middleware records request count and latency per matched route.
func (m *metrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
