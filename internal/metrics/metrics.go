// Package metrics holds the prometheus collectors for chat turns and the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry collects everything in this package plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// Turns counts finished turns by outcome (completed, closed, failed).
	Turns = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "turns_total",
		Help:      "Finished chat turns by outcome.",
	}, []string{"outcome"})

	// Rejections counts turns refused before anything was sent.
	Rejections = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "turn_rejections_total",
		Help:      "Turn submissions rejected by a guard.",
	}, []string{"reason"})

	// Frames counts inbound frames by decoded kind.
	Frames = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "frames_total",
		Help:      "Inbound stream frames by kind.",
	}, []string{"kind"})

	// RelaySessions counts relay websocket sessions by result.
	RelaySessions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "relay",
		Name:      "sessions_total",
		Help:      "Relay websocket sessions by result.",
	}, []string{"result"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
