// Package metrics exposes Prometheus instruments for the clearing core. A
// Metrics value owns its own registry so tests and parallel instances never
// collide on global registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

const namespace = "gridclear"

// Metrics groups every instrument.
type Metrics struct {
	registry *prometheus.Registry

	OrdersAccepted      *prometheus.CounterVec
	OrdersRejected      *prometheus.CounterVec
	OrdersCancelled     prometheus.Counter
	BookDepth           *prometheus.GaugeVec
	Matches             prometheus.Counter
	MatchedVolume       prometheus.Counter
	EpochTransitions    *prometheus.CounterVec
	ClearingDuration    prometheus.Histogram
	Settlements         *prometheus.CounterVec
	SettlementRetries   prometheus.Counter
	SettlementExhausted prometheus.Counter
	LedgerLatency       *prometheus.HistogramVec
	EventsDropped       *prometheus.CounterVec
	OutboxPending       prometheus.Gauge
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

// New creates and registers every instrument on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OrdersAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_accepted_total",
			Help: "Orders admitted into an epoch.",
		}, []string{"side"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_rejected_total",
			Help: "Order submissions rejected, by reason.",
		}, []string{"reason"}),
		OrdersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_cancelled_total",
			Help: "Orders cancelled before clearing.",
		}),
		BookDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "book_orders",
			Help: "Live orders in the active epoch's book.",
		}, []string{"side"}),
		Matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "matches_total",
			Help: "Matches produced by clearing.",
		}),
		MatchedVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "matched_volume_kwh_total",
			Help: "Energy quantity matched.",
		}),
		EpochTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "epoch_transitions_total",
			Help: "Epoch status transitions.",
		}, []string{"to"}),
		ClearingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "clearing_duration_seconds",
			Help:    "Wall time of a clearing pass including persistence.",
			Buckets: prometheus.DefBuckets,
		}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "settlements_total",
			Help: "Settlement attempts by outcome.",
		}, []string{"outcome"}),
		SettlementRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "settlement_retries_total",
			Help: "Failed settlements picked up again by the sweep.",
		}),
		SettlementExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "settlement_exhausted_total",
			Help: "Settlements that failed permanently.",
		}),
		LedgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ledger_call_duration_seconds",
			Help:    "Ledger client call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Events dropped because the dispatch queue was full.",
		}, []string{"type"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "outbox_pending",
			Help: "Outbox records not yet acknowledged by Kafka.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Admin API requests.",
		}, []string{"method", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "Admin API latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.OrdersAccepted, m.OrdersRejected, m.OrdersCancelled, m.BookDepth,
		m.Matches, m.MatchedVolume, m.EpochTransitions, m.ClearingDuration,
		m.Settlements, m.SettlementRetries, m.SettlementExhausted, m.LedgerLatency,
		m.EventsDropped, m.OutboxPending, m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveMatches records the volume of freshly persisted matches.
func (m *Metrics) ObserveMatches(matches []domain.Match) {
	for _, mt := range matches {
		m.Matches.Inc()
		v, _ := mt.Quantity.Float64()
		m.MatchedVolume.Add(v)
	}
}

// ObserveBook records the depth of a snapshot.
func (m *Metrics) ObserveBook(snap domain.BookSnapshot) {
	m.BookDepth.WithLabelValues(string(domain.OrderSideBuy)).Set(float64(len(snap.Bids)))
	m.BookDepth.WithLabelValues(string(domain.OrderSideSell)).Set(float64(len(snap.Asks)))
}

// EventDropped counts an event lost to a full dispatch queue.
func (m *Metrics) EventDropped(typ domain.EventType) {
	m.EventsDropped.WithLabelValues(string(typ)).Inc()
}
