package server

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type metrics struct {
	connections prometheus.Gauge
	persisted   prometheus.Counter
	deliveries  prometheus.Counter
	evictions   prometheus.Counter
	rejections  *prometheus.CounterVec
	notices     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, activeChats func() float64) *metrics {
	m := &metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "groupchat",
			Name:      "active_connections",
			Help:      "Streaming connections currently registered.",
		}),
		persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "groupchat",
			Name:      "messages_persisted_total",
			Help:      "Messages stored through streaming sessions.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "groupchat",
			Name:      "broadcast_deliveries_total",
			Help:      "Outbound frames queued to subscribers.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "groupchat",
			Name:      "evicted_connections_total",
			Help:      "Connections dropped because their send buffer was full.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groupchat",
			Name:      "session_rejections_total",
			Help:      "Sessions closed before streaming, by close code.",
		}, []string{"code"}),
		notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groupchat",
			Name:      "notices_total",
			Help:      "Private error notices sent, by code.",
		}, []string{"code"}),
	}

	reg.MustRegister(
		m.connections, m.persisted, m.deliveries, m.evictions, m.rejections, m.notices,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "groupchat",
			Name:      "active_chats",
			Help:      "Chats with at least one streaming connection.",
		}, activeChats),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) rejected(code int) {
	m.rejections.WithLabelValues(strconv.Itoa(code)).Inc()
}
