package lifecycle

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OperationsTotalKey          = "smbvol_operations_total"
	OperationDurationSecondsKey = "smbvol_operation_duration_seconds"

	Fail = "fail"
	Ok   = "ok"
)

var (
	OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: OperationsTotalKey,
		Help: "Cumulative number of volume operations.",
	}, []string{"op", "result"})
	OperationDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    OperationDurationSecondsKey,
		Help:    "Duration of volume operations.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"op"})
)

// Collectors lists the collectors updated by the driver.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		OperationsTotal,
		OperationDurationSeconds,
	}
}

// track is deferred as `defer track("op")(&err)`.
func track(op string) func(*error) {
	start := time.Now()
	return func(err *error) {
		OperationDurationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
		result := Ok
		if *err != nil {
			result = Fail
		}
		OperationsTotal.WithLabelValues(op, result).Inc()
	}
}
