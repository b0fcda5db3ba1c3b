package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	PushesReceived    prometheus.Counter
	Notifications     *prometheus.CounterVec // result: shown|failed
	Clicks            *prometheus.CounterVec // action: view|reply|default
	Polls             *prometheus.CounterVec // result: ok|failed
	Replies           *prometheus.CounterVec // result: ok|failed|empty
	Subscriptions     *prometheus.CounterVec // result: ok|failed
	PushServiceStatus prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		PushesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "scanmycar_pushes_received_total",
			Help: "Push messages delivered by the push service.",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scanmycar_notifications_total",
			Help: "Notifications rendered by the worker.",
		}, []string{"result"}),
		Clicks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scanmycar_notification_clicks_total",
			Help: "Notification clicks routed to a dashboard.",
		}, []string{"action"}),
		Polls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scanmycar_alert_polls_total",
			Help: "Alert fetches made by dashboard pages.",
		}, []string{"result"}),
		Replies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scanmycar_replies_total",
			Help: "Reply submissions.",
		}, []string{"result"}),
		Subscriptions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scanmycar_subscriptions_total",
			Help: "Push subscription attempts.",
		}, []string{"result"}),
		PushServiceStatus: f.NewGauge(prometheus.GaugeOpts{
			Name: "scanmycar_push_service_connected",
			Help: "1 while the push service websocket is connected.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func Result(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
