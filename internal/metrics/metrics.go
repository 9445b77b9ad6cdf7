// Package metrics exposes gateway counters through Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the gateway records to. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	cacheLookups     *prometheus.CounterVec
	tokenRefreshes   *prometheus.CounterVec
	brokerCalls      *prometheus.CounterVec
	brokerLatency    *prometheus.HistogramVec
	upstreamConns    *prometheus.GaugeVec
	reconnects       *prometheus.CounterVec
	subscriptions    prometheus.Gauge
	ticksDelivered   prometheus.Counter
	ticksDropped     prometheus.Counter
	instrumentLoads  *prometheus.CounterVec
	instrumentsTotal *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "credential_cache_lookups_total",
			Help:      "Credential cache lookups by result (hit, negative_hit, miss).",
		}, []string{"result"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "token_refreshes_total",
			Help:      "Upstream access token refresh attempts.",
		}, []string{"broker", "result"}),
		brokerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "broker_calls_total",
			Help:      "Dispatched broker calls by outcome kind.",
		}, []string{"broker", "op", "kind"}),
		brokerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "broker_call_duration_seconds",
			Help:      "Latency of dispatched broker calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"broker", "op"}),
		upstreamConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "upstream_connections",
			Help:      "Connected upstream market data sockets.",
		}, []string{"broker"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "upstream_reconnects_total",
			Help:      "Upstream market data reconnect attempts.",
		}, []string{"broker"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "stream_subscriptions",
			Help:      "Active downstream subscriptions.",
		}),
		ticksDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "ticks_delivered_total",
			Help:      "Ticks delivered to downstream subscribers.",
		}),
		ticksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "ticks_dropped_total",
			Help:      "Ticks dropped from full subscriber buffers.",
		}),
		instrumentLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "instrument_loads_total",
			Help:      "Symbol master loads by result.",
		}, []string{"broker", "result"}),
		instrumentsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "instruments",
			Help:      "Instruments in the resolver index.",
		}, []string{"broker"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.cacheLookups, m.tokenRefreshes, m.brokerCalls, m.brokerLatency,
			m.upstreamConns, m.reconnects, m.subscriptions, m.ticksDelivered,
			m.ticksDropped, m.instrumentLoads, m.instrumentsTotal,
		)
	}
	return m
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

func (m *Metrics) CacheNegativeHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("negative_hit").Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// TokenRefresh records a refresh attempt; result is "ok" or "failed".
func (m *Metrics) TokenRefresh(broker, result string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(broker, result).Inc()
}

// BrokerCall records a dispatched call. kind is "ok" on success.
func (m *Metrics) BrokerCall(broker, op, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.brokerCalls.WithLabelValues(broker, op, kind).Inc()
	m.brokerLatency.WithLabelValues(broker, op).Observe(d.Seconds())
}

func (m *Metrics) UpstreamConnected(broker string) {
	if m == nil {
		return
	}
	m.upstreamConns.WithLabelValues(broker).Inc()
}

func (m *Metrics) UpstreamDisconnected(broker string) {
	if m == nil {
		return
	}
	m.upstreamConns.WithLabelValues(broker).Dec()
}

func (m *Metrics) Reconnect(broker string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(broker).Inc()
}

func (m *Metrics) SubscriptionAdded() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

func (m *Metrics) SubscriptionRemoved() {
	if m == nil {
		return
	}
	m.subscriptions.Dec()
}

func (m *Metrics) TickDelivered() {
	if m == nil {
		return
	}
	m.ticksDelivered.Inc()
}

func (m *Metrics) TickDropped() {
	if m == nil {
		return
	}
	m.ticksDropped.Inc()
}

// InstrumentLoad records a symbol master load and the resulting table size.
func (m *Metrics) InstrumentLoad(broker string, count int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.instrumentLoads.WithLabelValues(broker, "failed").Inc()
		return
	}
	m.instrumentLoads.WithLabelValues(broker, "ok").Inc()
	m.instrumentsTotal.WithLabelValues(broker).Set(float64(count))
}
