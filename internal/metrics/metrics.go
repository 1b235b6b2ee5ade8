package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tasksync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Sync jobs processed by action and final status.",
		},
		[]string{"action", "status"},
	)

	remoteRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_requests_total",
			Help:      "Requests sent to the remote task service by method and status code.",
		},
		[]string{"method", "status"},
	)

	remoteRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_retries_total",
			Help:      "Retried remote requests.",
		},
	)

	tokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Access token refreshes by result.",
		},
		[]string{"result"},
	)

	syncConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_conflicts_total",
			Help:      "Push updates rejected by a remote precondition.",
		},
	)

	webhookNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_notifications_total",
			Help:      "Inbound change notifications by result.",
		},
		[]string{"result"},
	)

	queuePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Pending sync jobs observed by the last worker pass.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			jobsProcessed,
			remoteRequests,
			remoteRetries,
			tokenRefreshes,
			syncConflicts,
			webhookNotifications,
			queuePending,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncJob(action, status string) {
	jobsProcessed.WithLabelValues(action, status).Inc()
}

// IncRemote records one remote attempt; status 0 means a transport error.
func IncRemote(method string, status int) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	remoteRequests.WithLabelValues(method, label).Inc()
}

func IncRemoteRetry() {
	remoteRetries.Inc()
}

func IncTokenRefresh(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	tokenRefreshes.WithLabelValues(result).Inc()
}

func IncConflict() {
	syncConflicts.Inc()
}

func IncWebhook(result string) {
	webhookNotifications.WithLabelValues(result).Inc()
}

func SetQueuePending(n int) {
	queuePending.Set(float64(n))
}
