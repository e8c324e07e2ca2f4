package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric label values for outcomes.
const (
	resultPassed   = "passed"
	resultFailed   = "failed"
	resultTimedOut = "timed_out"
	resultError    = "error"
)

var (
	validationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctfcheck_validations_total",
			Help: "Total number of challenge validation runs by result.",
		},
		[]string{"result"},
	)

	validationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctfcheck_validation_duration_seconds",
			Help:    "Wall time of a whole validation run, in seconds.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	readinessTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctfcheck_readiness_checks_total",
			Help: "Readiness waits by whether every exposed port came up.",
		},
		[]string{"ready"},
	)

	testsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctfcheck_tests_total",
			Help: "Sandboxed test executions by kind and result.",
		},
		[]string{"kind", "result"},
	)

	testDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ctfcheck_test_duration_seconds",
			Help:    "Sandboxed test execution time, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(validationsTotal)
	prometheus.MustRegister(validationDuration)
	prometheus.MustRegister(readinessTotal)
	prometheus.MustRegister(testsTotal)
	prometheus.MustRegister(testDuration)

	for _, r := range []string{resultPassed, resultFailed, resultError} {
		validationsTotal.WithLabelValues(r)
	}
	readinessTotal.WithLabelValues("true")
	readinessTotal.WithLabelValues("false")
}

func observeTest(kind, result string, d time.Duration) {
	testsTotal.WithLabelValues(kind, result).Inc()
	testDuration.WithLabelValues(kind).Observe(d.Seconds())
}
