// Package metrics exports rule evaluation and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/cartrules/internal/logger"
	"github.com/liamcoop/cartrules/rules"
)

const namespace = "cartrules"

// Metrics implements rules.Observer.
//
// Exported series:
//   - cartrules_rule_evaluations_total{rule_id,outcome}: one per rule per pass
//   - cartrules_evaluation_duration_seconds: full pass over a cart
//   - cartrules_evaluation_rules: rules considered per pass
//   - cartrules_http_requests_total{method,route,status}
//   - cartrules_http_request_duration_seconds{method,route}
//   - cartrules_log_*_total: counters kept by the logger
type Metrics struct {
	registry *prometheus.Registry

	ruleEvaluations *prometheus.CounterVec
	passDuration    prometheus.Histogram
	passRules       prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ rules.Observer = (*Metrics)(nil)

// Rule outcomes. A result falls in exactly one.
const (
	OutcomeApplied   = "applied"
	OutcomeMatched   = "matched"
	OutcomeUnmatched = "unmatched"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
)

// New creates and registers every collector on a fresh registry, including
// the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ruleEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_evaluations_total",
			Help:      "Rule evaluations by rule and outcome",
		}, []string{"rule_id", "outcome"}),

		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of one evaluation pass over a cart",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to ~160ms
		}),

		passRules: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_rules",
			Help:      "Rules considered per evaluation pass",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status",
		}, []string{"method", "route", "status"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route pattern",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		m.ruleEvaluations,
		m.passDuration,
		m.passRules,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		logCounter("log_errors_total", "Error level log calls, sampled or not", &logger.TotalErrors),
		logCounter("log_warnings_total", "Warn level log calls, sampled or not", &logger.TotalWarnings),
		logCounter("log_skipped_rules_total", "Rules skipped because they failed to compile", &logger.SkippedRules),
		logCounter("log_failed_rules_total", "Rules whose conditions or actions failed", &logger.FailedRules),
		logCounter("http_4xx_responses_total", "Responses with a 4xx status", &logger.Total4xxErrors),
		logCounter("http_5xx_responses_total", "Responses with a 5xx status", &logger.Total5xxErrors),
	)
	return m
}

type loadInt64 interface{ Load() int64 }

func logCounter(name, help string, v loadInt64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(v.Load()) })
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Outcome classifies a rule result.
func Outcome(r rules.Result) string {
	switch {
	case r.Skipped:
		return OutcomeSkipped
	case r.Error != nil:
		return OutcomeError
	case r.Applied:
		return OutcomeApplied
	case r.Matched:
		return OutcomeMatched
	default:
		return OutcomeUnmatched
	}
}

func (m *Metrics) RuleEvaluated(r rules.Result) {
	if m == nil {
		return
	}
	m.ruleEvaluations.WithLabelValues(r.RuleID, Outcome(r)).Inc()
}

func (m *Metrics) PassCompleted(n int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.Observe(elapsed.Seconds())
	m.passRules.Observe(float64(n))
}

// ObserveRequest records one HTTP request. route is the router pattern, not
// the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
