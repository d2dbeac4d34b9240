package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "frr_agent",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "frr_agent",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "frr_agent",
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Sessions closed, by close reason.",
		},
		[]string{"reason"},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "frr_agent",
			Subsystem: "session",
			Name:      "frames_total",
			Help:      "Frames handled, by direction and kind.",
		},
		[]string{"direction", "kind"},
	)
	reloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "frr_agent",
			Subsystem: "reload",
			Name:      "invocations_total",
			Help:      "Reload invocations, by outcome.",
		},
		[]string{"outcome"},
	)
	reloadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "frr_agent",
			Subsystem: "reload",
			Name:      "duration_seconds",
			Help:      "Reload invocation duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, sessionsClosed, framesTotal, reloadsTotal, reloadDuration)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSessionClosed(reason string) {
	RegisterMetrics()
	sessionsClosed.WithLabelValues(reason).Inc()
}

// RecordFrame counts one frame; direction is "in" or "out", kind is
// "keepalive" or "config".
func RecordFrame(direction, kind string) {
	RegisterMetrics()
	framesTotal.WithLabelValues(direction, kind).Inc()
}

func RecordReload(success bool, duration time.Duration) {
	RegisterMetrics()
	outcome := "failure"
	if success {
		outcome = "success"
	}
	reloadsTotal.WithLabelValues(outcome).Inc()
	reloadDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}
