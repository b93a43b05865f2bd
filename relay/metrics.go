package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Connections prometheus.Gauge
	Events      *prometheus.CounterVec
	Broadcasts  *prometheus.CounterVec
	Rejected    *prometheus.CounterVec
	Records     *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "atelier",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open bus connections.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atelier",
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Inbound bus events by event name.",
		}, []string{"event"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atelier",
			Subsystem: "relay",
			Name:      "broadcasts_total",
			Help:      "Outbound broadcasts by event name.",
		}, []string{"event"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atelier",
			Subsystem: "relay",
			Name:      "rejected_total",
			Help:      "Inbound bus events answered with an error.",
		}, []string{"event"}),
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atelier",
			Subsystem: "relay",
			Name:      "records_created_total",
			Help:      "Records created by collection.",
		}, []string{"collection"}),
	}
	registerer.MustRegister(
		metrics.Connections,
		metrics.Events,
		metrics.Broadcasts,
		metrics.Rejected,
		metrics.Records,
	)
	return metrics
}
