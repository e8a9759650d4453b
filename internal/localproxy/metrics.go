package localproxy

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	kindHTTP      = "http"
	kindWebSocket = "websocket"
	kindConnect   = "connect"
	kindLanding   = "landing"
	kindRejected  = "rejected"
	kindMalformed = "malformed"

	directionUpstream   = "downstream_to_upstream"
	directionDownstream = "upstream_to_downstream"
)

type metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	sessions prometheus.Gauge
	messages *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fbiproxy",
			Name:      "requests_total",
			Help:      "Requests handled, by dispatch kind and response code.",
		}, []string{"kind", "code"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fbiproxy",
			Name:      "request_duration_seconds",
			Help:      "Time from request receipt to handler return. For websockets this is the session lifetime.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"kind"}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "fbiproxy",
			Name:      "websocket_sessions_active",
			Help:      "Open websocket bridge sessions.",
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fbiproxy",
			Name:      "websocket_messages_total",
			Help:      "Websocket data messages relayed, by direction.",
		}, []string{"direction"}),
	}
}

// newRegistry returns a registry carrying the process and Go collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func (m *metrics) observe(kind string, code int, started time.Time) {
	m.requests.WithLabelValues(kind, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}
