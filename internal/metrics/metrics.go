// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PushEvents counts push events by name and outcome (applied, ignored, dropped).
	PushEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "davomat",
		Name:      "push_events_total",
		Help:      "Push events handled by rosters.",
	}, []string{"collection", "event", "outcome"})

	// Reloads counts full roster reloads by outcome (ok, error, stale).
	Reloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "davomat",
		Name:      "roster_reloads_total",
		Help:      "Full roster reloads.",
	}, []string{"collection", "outcome"})

	// RosterSize is the number of people currently held per roster.
	RosterSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "davomat",
		Name:      "roster_size",
		Help:      "People held in a roster.",
	}, []string{"collection"})

	// HubDropped counts events a slow subscriber missed.
	HubDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "davomat",
		Name:      "push_hub_dropped_total",
		Help:      "Events dropped because a subscriber buffer was full.",
	})

	// UpstreamRequests counts calls to the school backend by endpoint and status class.
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "davomat",
		Name:      "upstream_requests_total",
		Help:      "Requests to the upstream REST API.",
	}, []string{"endpoint", "code"})
)
