// Package metrics exposes exocore counters to Prometheus: packets and
// handshakes reported by the session layer, plus gauges sampled from the
// socket, the task queue, the alarm queue and the event bus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/exoengine/exocore/internal/events"
	"github.com/exoengine/exocore/internal/network"
	"github.com/exoengine/exocore/internal/protocol"
	"github.com/exoengine/exocore/internal/scheduler"
)

const namespace = "exocore"

// Metrics owns a registry and the session counters. It implements
// session.Observer.
type Metrics struct {
	registry *prometheus.Registry

	packetsReceived *prometheus.CounterVec
	packetsSent     *prometheus.CounterVec
	protocolErrors  *prometheus.CounterVec
	handshakes      *prometheus.CounterVec
}

// New creates the collectors on a private registry, with the Go runtime
// and process collectors included.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "net",
			Name:      "packets_received_total",
			Help:      "Packets received, by packet type.",
		}, []string{"type"}),
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "net",
			Name:      "packets_sent_total",
			Help:      "Packets sent, by packet type.",
		}, []string{"type"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "net",
			Name:      "protocol_errors_total",
			Help:      "Error replies sent to peers, by reply type.",
		}, []string{"reply"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "handshakes_total",
			Help:      "Completed handshakes, by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.packetsReceived,
		m.packetsSent,
		m.protocolErrors,
		m.handshakes,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// PacketReceived counts an inbound packet.
func (m *Metrics) PacketReceived(t protocol.Type) {
	m.packetsReceived.WithLabelValues(t.String()).Inc()
}

// PacketSent counts an outbound packet.
func (m *Metrics) PacketSent(t protocol.Type) {
	m.packetsSent.WithLabelValues(t.String()).Inc()
}

// ProtocolError counts an error reply.
func (m *Metrics) ProtocolError(reply protocol.Type) {
	m.protocolErrors.WithLabelValues(reply.String()).Inc()
}

// Handshake counts a handshake outcome.
func (m *Metrics) Handshake(outcome string) {
	m.handshakes.WithLabelValues(outcome).Inc()
}

// WatchSocket exports the socket client count and capacity.
func (m *Metrics) WatchSocket(s *network.Socket) error {
	labels := prometheus.Labels{"transport": s.Kind().String()}
	return register(m.registry,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "net",
			Name:        "clients",
			Help:        "Clients currently registered on the socket.",
			ConstLabels: labels,
		}, func() float64 { return float64(s.ClientCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "net",
			Name:        "clients_max",
			Help:        "Client capacity of the socket.",
			ConstLabels: labels,
		}, func() float64 { return float64(s.MaxClients()) }),
	)
}

// WatchQueue exports the task queue statistics.
func (m *Metrics) WatchQueue(q *scheduler.TaskQueue) error {
	gauge := func(name, help string, fn func(scheduler.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(q.Stats()) })
	}
	counter := func(name, help string, fn func(scheduler.Stats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(q.Stats()) })
	}

	return register(m.registry,
		gauge("pending", "Tasks waiting for a runner.", func(s scheduler.Stats) float64 { return float64(s.Pending) }),
		gauge("capacity", "Task queue capacity.", func(s scheduler.Stats) float64 { return float64(s.Capacity) }),
		gauge("workers", "Runner count.", func(s scheduler.Stats) float64 { return float64(s.Workers) }),
		gauge("abandoned_runners", "Runners that missed the join timeout.", func(s scheduler.Stats) float64 { return float64(s.Abandoned) }),
		counter("executed_total", "Tasks run to completion.", func(s scheduler.Stats) float64 { return float64(s.Executed) }),
		counter("rejected_total", "Tasks refused because the queue was full or closed.", func(s scheduler.Stats) float64 { return float64(s.Rejected) }),
		counter("evicted_total", "Pending tasks dropped to make room.", func(s scheduler.Stats) float64 { return float64(s.Evicted) }),
		counter("panicked_total", "Tasks that panicked.", func(s scheduler.Stats) float64 { return float64(s.Panicked) }),
	)
}

// WatchAlarms exports the number of armed alarms.
func (m *Metrics) WatchAlarms(a *scheduler.AlarmQueue) error {
	return register(m.registry, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "alarms",
		Name:      "pending",
		Help:      "Alarms waiting to fire.",
	}, func() float64 { return float64(a.Len()) }))
}

// WatchBus exports the number of event deliveries dropped by the bus.
func (m *Metrics) WatchBus(bus *events.EventBus) error {
	return register(m.registry, prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Event deliveries dropped because the task queue refused them.",
	}, func() float64 { return float64(bus.Dropped()) }))
}

func register(r *prometheus.Registry, cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
