// Package metrics exposes the service's Prometheus instruments.
//
// Available metrics:
//   - health_monitor_checks_total{type, status}
//   - health_monitor_check_duration_seconds{type}
//   - health_monitor_check_attempts{type}
//   - health_monitor_alerts_total{type, severity}
//   - health_monitor_notifications_total{channel, result}
//   - health_monitor_anomalies_total{method}
//   - health_monitor_monitored_services
//   - health_monitor_http_requests_total{method, endpoint, status_code}
//   - health_monitor_http_request_duration_seconds{method, endpoint}
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_monitor_checks_total",
			Help: "Total number of completed health checks",
		},
		[]string{"type", "status"},
	)

	checkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "health_monitor_check_duration_seconds",
			Help:    "Health check duration in seconds, including retries",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"type"},
	)

	checkAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "health_monitor_check_attempts",
			Help:    "Attempt index of the final health check outcome",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		},
		[]string{"type"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_monitor_alerts_total",
			Help: "Total number of alerts raised",
		},
		[]string{"type", "severity"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_monitor_notifications_total",
			Help: "Total number of alert notification deliveries",
		},
		[]string{"channel", "result"}, // result: success, failure
	)

	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_monitor_anomalies_total",
			Help: "Total number of data points flagged anomalous",
		},
		[]string{"method"},
	)

	monitoredServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "health_monitor_monitored_services",
			Help: "Number of services with active monitoring loops",
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_monitor_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "health_monitor_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func init() {
	prometheus.MustRegister(
		checksTotal,
		checkDuration,
		checkAttempts,
		alertsTotal,
		notificationsTotal,
		anomaliesTotal,
		monitoredServices,
		httpRequestsTotal,
		httpRequestDuration,
	)
}

func RecordHealthCheck(serviceType, status string, duration time.Duration, attempt int) {
	checksTotal.WithLabelValues(serviceType, status).Inc()
	checkDuration.WithLabelValues(serviceType).Observe(duration.Seconds())
	checkAttempts.WithLabelValues(serviceType).Observe(float64(attempt))
}

func RecordAlert(alertType, severity string) {
	alertsTotal.WithLabelValues(alertType, severity).Inc()
}

func RecordNotification(channel string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	notificationsTotal.WithLabelValues(channel, result).Inc()
}

func RecordAnomalies(method string, count int) {
	if count > 0 {
		anomaliesTotal.WithLabelValues(method).Add(float64(count))
	}
}

func SetMonitoredServices(n int) {
	monitoredServices.Set(float64(n))
}

// GinMiddleware records request counts and latency per route template
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}
