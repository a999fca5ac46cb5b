package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the host's Prometheus collectors, kept on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests            *prometheus.CounterVec
	bids                *prometheus.CounterVec
	settlements         *prometheus.CounterVec
	proceeds            prometheus.Counter
	rejectedConnections prometheus.Counter
	currentStep         prometheus.Gauge
	currentPrice        prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auctiond",
			Name:      "requests_total",
			Help:      "Requests handled, by request type.",
		}, []string{"type"}),
		bids: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auctiond",
			Name:      "bids_total",
			Help:      "Bids received, by result code.",
		}, []string{"result"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "auctiond",
			Name:      "settlements_total",
			Help:      "Auction closings, by outcome.",
		}, []string{"outcome"}),
		proceeds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "auctiond",
			Name:      "proceeds_withdrawn_total",
			Help:      "Proceeds paid to the owner, in token base units.",
		}),
		rejectedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "auctiond",
			Name:      "rejected_connections_total",
			Help:      "Connections rejected because every worker was busy.",
		}),
		currentStep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "auctiond",
			Name:      "current_step",
			Help:      "Step counter of the auction.",
		}),
		currentPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "auctiond",
			Name:      "current_price",
			Help:      "Asking price at the current step, in token base units.",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.bids,
		m.settlements,
		m.proceeds,
		m.rejectedConnections,
		m.currentStep,
		m.currentPrice,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
