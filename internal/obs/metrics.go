package obs

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idcore_operations_total",
			Help: "Core operations by component, operation and outcome.",
		},
		[]string{"component", "operation", "outcome"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "idcore_operation_duration_seconds",
			Help:    "Core operation latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component", "operation"},
	)

	cacheRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idcore_role_cache_refresh_total",
			Help: "Role cache refreshes by outcome.",
		},
		[]string{"outcome"},
	)
)

// Init registers the core metrics in the default registry. Safe to call more
// than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(operationsTotal, operationDuration, cacheRefreshTotal)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOperation records one core operation. Call it deferred with the
// operation start time and the (possibly nil) final error.
func ObserveOperation(component, operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	operationsTotal.WithLabelValues(component, operation, outcome).Inc()
	operationDuration.WithLabelValues(component, operation).Observe(time.Since(start).Seconds())
}

// ObserveCacheRefresh records a role cache refresh.
func ObserveCacheRefresh(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	cacheRefreshTotal.WithLabelValues(outcome).Inc()
}
