// Package metrics implements the hub's exported counters: a private
// prometheus.Registry carrying the hub's gauges and counters, plus an EWMA
// for messages_per_second.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bconhub/hub/internal/envelope"
)

const namespace = "bcon_hub"

// ewmaAlpha weights the most recent one-second sample against the running
// average.
const ewmaAlpha = 0.3

// Collector holds every exported counter/gauge and the raw state the EWMA
// sampler needs between ticks.
type Collector struct {
	registry *prometheus.Registry

	activeAdapters      prometheus.Gauge
	activeClientsByRole *prometheus.GaugeVec
	pendingAcks         prometheus.Gauge
	bansActive          prometheus.Gauge
	messagesPerSecond   prometheus.Gauge

	messagesIn       prometheus.Counter
	messagesOut      prometheus.Counter
	connectionErrors prometheus.Counter
	authFailures     prometheus.Counter
	rateLimitDenies  prometheus.Counter

	ewmaMu       sync.Mutex
	msgCount     uint64
	lastCount    uint64
	lastSampleAt time.Time
	ewmaValue    float64
}

// NewCollector builds a Collector and registers every instrument against
// reg. If reg is nil, prometheus.NewRegistry() is used (never the global
// DefaultRegisterer, so tests can build independent collectors).
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := newMetrics(reg)

	reg.MustRegister(
		c.activeAdapters,
		c.activeClientsByRole,
		c.pendingAcks,
		c.bansActive,
		c.messagesPerSecond,
		c.messagesIn,
		c.messagesOut,
		c.connectionErrors,
		c.authFailures,
		c.rateLimitDenies,
	)
	return c
}

func newMetrics(reg *prometheus.Registry) *Collector {
	return &Collector{
		registry: reg,

		activeAdapters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_adapters",
			Help: "Number of currently connected adapter sessions.",
		}),
		activeClientsByRole: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_clients_by_role",
			Help: "Number of currently connected client sessions, by role.",
		}, []string{"role"}),
		pendingAcks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_acks",
			Help: "Number of requiresAck requests awaiting a command_result.",
		}),
		bansActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bans_active",
			Help: "Number of remote addresses currently banned.",
		}),
		messagesPerSecond: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "messages_per_second",
			Help: "EWMA of inbound+outbound envelopes per second.",
		}),
		messagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_in_total",
			Help: "Total envelopes accepted from any session.",
		}),
		messagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_out_total",
			Help: "Total envelopes written to any session.",
		}),
		connectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connection_errors_total",
			Help: "Total unexpected socket read/write errors across all sessions.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "authentication_failures_total",
			Help: "Total rejected bearer tokens or missing-auth handshakes.",
		}),
		rateLimitDenies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limit_denies_total",
			Help: "Total admission-control denials across all sessions.",
		}),
	}
}

// Handler serves this collector's registry for scraping, mounted by
// transport next to /health.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// IncMessagesIn implements session.Metrics.
func (c *Collector) IncMessagesIn() {
	c.messagesIn.Inc()
	c.touch()
}

// IncMessagesOut implements session.Metrics.
func (c *Collector) IncMessagesOut() {
	c.messagesOut.Inc()
	c.touch()
}

// IncConnectionError implements session.Metrics.
func (c *Collector) IncConnectionError() { c.connectionErrors.Inc() }

// IncRateLimitDenied implements session.Metrics.
func (c *Collector) IncRateLimitDenied() { c.rateLimitDenies.Inc() }

// IncAuthFailure is called by transport on a rejected handshake.
func (c *Collector) IncAuthFailure() { c.authFailures.Inc() }

func (c *Collector) touch() {
	c.ewmaMu.Lock()
	c.msgCount++
	c.ewmaMu.Unlock()
}

// Snapshot implements supervisor.MetricsSnapshotter. Called once per
// supervisor tick with the current registry/ack/ban counts; also advances
// the messages_per_second EWMA by one sample.
func (c *Collector) Snapshot(adapters int, clientsByRole [4]int, pendingAcks, activeBans int) {
	c.activeAdapters.Set(float64(adapters))
	for role := 0; role < len(clientsByRole); role++ {
		c.activeClientsByRole.WithLabelValues(envelope.Role(role).String()).Set(float64(clientsByRole[role]))
	}
	c.pendingAcks.Set(float64(pendingAcks))
	c.bansActive.Set(float64(activeBans))
	c.sampleEWMA()
}

func (c *Collector) sampleEWMA() {
	now := time.Now()

	c.ewmaMu.Lock()
	defer c.ewmaMu.Unlock()

	if c.lastSampleAt.IsZero() {
		c.lastSampleAt = now
		c.lastCount = c.msgCount
		return
	}

	elapsed := now.Sub(c.lastSampleAt).Seconds()
	if elapsed <= 0 {
		return
	}
	delta := c.msgCount - c.lastCount
	instantRate := float64(delta) / elapsed

	c.ewmaValue = ewmaAlpha*instantRate + (1-ewmaAlpha)*c.ewmaValue
	c.lastCount = c.msgCount
	c.lastSampleAt = now
	c.messagesPerSecond.Set(c.ewmaValue)
}
