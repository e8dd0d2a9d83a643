package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cardio/consult/internal/platform/apperror"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardio_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cardio_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cardio_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Business metrics
	samplesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardio_bpm_samples_ingested_total",
			Help: "Total number of BPM samples ingested, by risk band",
		},
		[]string{"band", "source"},
	)

	storeConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardio_store_version_conflicts_total",
			Help: "Total number of optimistic version conflicts retried",
		},
		[]string{"operation"},
	)

	checkupTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardio_checkup_transitions_total",
			Help: "Total number of checkup request state changes",
		},
		[]string{"from_state", "to_state"},
	)

	checkupRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardio_checkup_rejections_total",
			Help: "Total number of rejected checkup submissions, by reason",
		},
		[]string{"reason"},
	)

	rollupCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardio_rollup_cache_lookups_total",
			Help: "Rollup cache lookups, by result",
		},
		[]string{"result"},
	)

	feedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardio_feed_messages_total",
			Help: "Camera feed messages received, by outcome",
		},
		[]string{"outcome"},
	)
)

// Handler returns the Prometheus metrics endpoint.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}

// Middleware records request counts and latency. The route template is used
// as the label so that patient ids do not explode cardinality.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			httpRequestsInFlight.Inc()
			defer httpRequestsInFlight.Dec()

			err := next(c)

			status := c.Response().Status
			if err != nil {
				var appErr *apperror.Error
				var httpErr *echo.HTTPError
				switch {
				case errors.As(err, &appErr):
					status = appErr.HTTPStatus
				case errors.As(err, &httpErr):
					status = httpErr.Code
				default:
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			httpRequestsTotal.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// RecordSampleIngested counts an ingested sample.
func RecordSampleIngested(band, source string) {
	samplesIngested.WithLabelValues(band, source).Inc()
}

// RecordStoreConflict counts a version conflict that triggered a retry.
func RecordStoreConflict(operation string) {
	storeConflicts.WithLabelValues(operation).Inc()
}

// RecordCheckupTransition records a checkup state change.
func RecordCheckupTransition(from, to string) {
	checkupTransitions.WithLabelValues(from, to).Inc()
}

// RecordCheckupRejection records a rejected checkup submission.
func RecordCheckupRejection(reason string) {
	checkupRejections.WithLabelValues(reason).Inc()
}

// RecordRollupCache records a cache hit or miss.
func RecordRollupCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	rollupCacheLookups.WithLabelValues(result).Inc()
}

// RecordFeedMessage records the outcome of a camera feed message.
func RecordFeedMessage(outcome string) {
	feedMessages.WithLabelValues(outcome).Inc()
}
