// Package metrics holds the Prometheus collectors for the modem engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gsmux"

var (
	Registry = prometheus.NewRegistry()

	Commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "AT commands written, by dialect.",
	}, []string{"dialect"})

	Waits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "waits_total",
		Help:      "Response waits by outcome (matched, timeout).",
	}, []string{"dialect", "outcome"})

	Notices = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notices_total",
		Help:      "Unsolicited notifications handled inline, by kind.",
	}, []string{"dialect", "kind"})

	DroppedBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_bytes_total",
		Help:      "Socket payload bytes consumed but discarded (buffer full, unknown or closed socket).",
	}, []string{"dialect"})

	UnmatchedBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unmatched_bytes_total",
		Help:      "Bytes discarded when a wait timed out without a match.",
	}, []string{"dialect"})

	SocketBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "socket_bytes_total",
		Help:      "Socket payload bytes by direction (rx, tx).",
	}, []string{"dialect", "direction"})

	Modems = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "modems",
		Help:      "Modems currently served by a worker.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		Commands, Waits, Notices, DroppedBytes, UnmatchedBytes, SocketBytes, Modems,
	)
}

// Handler serves the collectors in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
