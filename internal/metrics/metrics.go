package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsOpened = prometheus.NewCounter(prometheus.CounterOpts{Name: "feed_sessions_opened_total", Help: "Feed sessions whose transport opened"})
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{Name: "feed_sessions_active", Help: "Feed sessions currently holding a connection"})
	SessionErrors  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feed_session_errors_total", Help: "Feed session failures by reason"}, []string{"reason"})
	FramesTotal    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feed_frames_total", Help: "Inbound frames by kind"}, []string{"kind"})
	SnapshotWait   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "feed_snapshot_wait_seconds", Help: "Time from subscribe to first snapshot", Buckets: prometheus.ExponentialBuckets(0.05, 2, 10)})
	QueriesTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "book_queries_total", Help: "Book queries by query and outcome"}, []string{"query", "outcome"})
)

func Init(logger *slog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		SessionsOpened, SessionsActive, SessionErrors, FramesTotal, SnapshotWait, QueriesTotal,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	logger.Info("prometheus metrics initialized")
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
