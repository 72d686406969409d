// Package metrics exposes Prometheus collectors for localization runs
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels runs that produced a result
	OutcomeSuccess = "success"
	// OutcomeError labels runs that aborted with an error
	OutcomeError = "error"

	// OpSync labels window extraction runs
	OpSync = "sync"
	// OpTDOA labels full localization runs
	OpTDOA = "tdoa"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtgun",
			Name:      "runs_total",
			Help:      "Total number of pipeline runs, partitioned by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	runDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rtgun",
			Name:      "run_seconds",
			Help:      "Pipeline run latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"op"},
	)

	gccPeak = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "rtgun",
			Name:      "gcc_peak",
			Help:      "GCC-PHAT correlation peak per non-reference mic.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		},
	)

	degradedWindowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rtgun",
			Name:      "degraded_windows_total",
			Help:      "Windows that were partially or entirely zero filled.",
		},
	)

	undefinedBearingsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rtgun",
			Name:      "undefined_bearings_total",
			Help:      "Runs whose geometry or delays gave no bearing.",
		},
	)
)

// Register attaches rtgun collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		runsTotal,
		runDurationSeconds,
		gccPeak,
		degradedWindowsTotal,
		undefinedBearingsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveRun records a run duration and outcome label.
func ObserveRun(op string, duration time.Duration, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	runsTotal.WithLabelValues(op, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	runDurationSeconds.WithLabelValues(op).Observe(duration.Seconds())
}

// ObservePeak records one pairwise correlation peak
func ObservePeak(peak float64) {
	gccPeak.Observe(peak)
}

// AddDegradedWindows counts zero filled windows
func AddDegradedWindows(n int) {
	if n > 0 {
		degradedWindowsTotal.Add(float64(n))
	}
}

// IncUndefinedBearing counts a run without a bearing
func IncUndefinedBearing() {
	undefinedBearingsTotal.Inc()
}
