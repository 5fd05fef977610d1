package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics are the gauges/counters exported on GET /metrics (Prometheus text
// format, admin-gated via ADMIN_API_KEY per spec.md §6).
type metrics struct {
	registry        *prometheus.Registry
	wsClients       prometheus.Gauge
	activeSessions  prometheus.GaugeFunc
	workflowRuns    *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	webhookDelivery *prometheus.CounterVec
}

func newMetrics(activeSessionCount func() float64) *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "goclaw", Name: "ws_clients_connected",
			Help: "Number of currently connected WebSocket clients.",
		}),
		activeSessions: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "goclaw", Name: "sessions_active",
			Help: "Number of currently running agent sub-process sessions.",
		}, activeSessionCount),
		workflowRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goclaw", Name: "workflow_runs_total",
			Help: "Workflow runs triggered, labeled by terminal status.",
		}, []string{"status"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goclaw", Name: "notifications_total",
			Help: "Notifications sent, labeled by level.",
		}, []string{"level"}),
		webhookDelivery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goclaw", Name: "webhook_deliveries_total",
			Help: "Outbound webhook delivery attempts, labeled by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.wsClients, m.activeSessions, m.workflowRuns, m.notifications, m.webhookDelivery)
	return m
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !requireToken(w, r, s.cfg.AdminAPIKey) {
		return
	}
	promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
