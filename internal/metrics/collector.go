// Package metrics exposes the daemon's Prometheus collector: a small set
// of server-wide gauges and counters served over HTTP for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "rendez"
)

// Collector groups every metric the dispatcher and transport update.
// Every method is safe to call on a nil *Collector (a no-op), so callers
// that run with metrics disabled don't need to guard every call site.
type Collector struct {
	SessionsActive  prometheus.Gauge
	PeersActive     prometheus.Gauge
	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	PacketsDropped  prometheus.Counter
	Pairings        prometheus.Counter
	Evictions       prometheus.Counter
	Pings           prometheus.Counter
}

// NewCollector builds a Collector and registers every metric against reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently advertised and unpaired.",
		}),
		PeersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_active",
			Help:      "Number of known client addresses currently tracked.",
		}),
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Outbound data frames written on first send, including eviction Close frames; acks and retransmissions are not counted.",
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Inbound datagrams successfully decoded.",
		}),
		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Inbound datagrams discarded (decode failure, unknown fingerprint).",
		}),
		Pairings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairings_total",
			Help:      "Successful session pairings.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Peers removed for exceeding the silence timeout.",
		}),
		Pings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_total",
			Help:      "Keepalive pings emitted.",
		}),
	}

	reg.MustRegister(
		c.SessionsActive,
		c.PeersActive,
		c.PacketsSent,
		c.PacketsReceived,
		c.PacketsDropped,
		c.Pairings,
		c.Evictions,
		c.Pings,
	)
	return c
}

// Handler returns the promhttp handler for reg, for mounting under /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// IncPacketsSent records one outbound datagram write.
func (c *Collector) IncPacketsSent() {
	if c == nil {
		return
	}
	c.PacketsSent.Inc()
}

// IncPacketsReceived records one successfully decoded inbound datagram.
func (c *Collector) IncPacketsReceived() {
	if c == nil {
		return
	}
	c.PacketsReceived.Inc()
}

// IncPacketsDropped records one discarded inbound datagram.
func (c *Collector) IncPacketsDropped() {
	if c == nil {
		return
	}
	c.PacketsDropped.Inc()
}

// IncPairings records one successful pairing.
func (c *Collector) IncPairings() {
	if c == nil {
		return
	}
	c.Pairings.Inc()
}

// IncEvictions records one silence-timeout eviction.
func (c *Collector) IncEvictions() {
	if c == nil {
		return
	}
	c.Evictions.Inc()
}

// IncPings records one keepalive ping emitted.
func (c *Collector) IncPings() {
	if c == nil {
		return
	}
	c.Pings.Inc()
}

// SetSnapshot updates the point-in-time session/peer gauges.
func (c *Collector) SetSnapshot(sessionsActive, peersActive int) {
	if c == nil {
		return
	}
	c.SessionsActive.Set(float64(sessionsActive))
	c.PeersActive.Set(float64(peersActive))
}
