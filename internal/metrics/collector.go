// Package metrics exposes the proxy's Prometheus metrics: per-frame
// decision counters and an active-sessions gauge, registered against a
// caller-supplied registry and served on a loopback-only HTTP endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "dbus_proxy"
	subsystem = "frames"
)

// Collector holds all proxy Prometheus metrics.
//
//   - Forwarded/Dropped/Synthesized track the outcome of each decision
//     handleClientFrame reaches for a client-to-bus frame.
//   - ActiveSessions tracks currently relayed connections.
type Collector struct {
	// Forwarded counts frames relayed unchanged to the upstream bus,
	// whether because they didn't match any filter rule, enforcement
	// was disabled, or consent granted Allow/AllowOnce.
	Forwarded prometheus.Counter

	// Dropped counts denied frames that expected no reply and were
	// silently discarded instead of answered with a synthesized error,
	// plus denied calls whose error reply could not be synthesized.
	Dropped prometheus.Counter

	// Synthesized counts denied method calls answered with a
	// synthesized org.freedesktop.DBus.Error.AccessDenied reply.
	Synthesized prometheus.Counter

	// ActiveSessions tracks the number of currently active proxy sessions.
	ActiveSessions prometheus.Gauge
}

// NewCollector creates a Collector with all metrics registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()
	reg.MustRegister(c.Forwarded, c.Dropped, c.Synthesized, c.ActiveSessions)
	return c
}

// newMetrics creates all Prometheus metrics without registering them.
func newMetrics() *Collector {
	return &Collector{
		Forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "forwarded_total",
			Help:      "Total client-to-bus frames forwarded unchanged.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_total",
			Help:      "Total denied frames silently discarded (no reply expected).",
		}),
		Synthesized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "synthesized_total",
			Help:      "Total denied method calls answered with a synthesized error reply.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of currently active proxy sessions.",
		}),
	}
}

// FrameForwarded implements session.MetricsReporter.
func (c *Collector) FrameForwarded() { c.Forwarded.Inc() }

// FrameDropped implements session.MetricsReporter.
func (c *Collector) FrameDropped() { c.Dropped.Inc() }

// FrameSynthesized implements session.MetricsReporter.
func (c *Collector) FrameSynthesized() { c.Synthesized.Inc() }

// SessionStarted implements session.MetricsReporter.
func (c *Collector) SessionStarted() { c.ActiveSessions.Inc() }

// SessionEnded implements session.MetricsReporter.
func (c *Collector) SessionEnded() { c.ActiveSessions.Dec() }

// NewServer builds an HTTP server exposing reg's metrics at path,
// intended to be bound to a loopback-only addr.
func NewServer(addr, path string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
