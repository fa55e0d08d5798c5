package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the conference focus.
// Declared in one place to keep metrics close to business logic
// and avoid coupling between packages.
//
// Naming convention: namespace_subsystem_name
// - namespace: conference_focus (application-level grouping)
// - subsystem: conference, bridge, colibri (feature-level grouping)
// - name: specific metric (conferences_active, requests_total, etc.)
//
// Metric Types:
// - Gauge: Current state (conferences, participants, operational bridges)
// - Counter: Cumulative events (allocations, failures, moves)
// - Histogram: Latency distributions (allocation round-trip time)

var (
	// ActiveConferences tracks the current number of live conferences (Gauge - current state)
	ActiveConferences = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "conference_focus",
		Subsystem: "conference",
		Name:      "conferences_active",
		Help:      "Current number of active conferences",
	})

	// Participants tracks the total participant count across all conferences (Gauge - current state)
	Participants = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "conference_focus",
		Subsystem: "conference",
		Name:      "participants",
		Help:      "Total participants across all conferences",
	})

	// ParticipantInvites tracks session invitations sent to clients (CounterVec - cumulative)
	ParticipantInvites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conference_focus",
		Subsystem: "conference",
		Name:      "invites_total",
		Help:      "Total client session invitations by outcome",
	}, []string{"status"})

	// OperationalBridges tracks bridges currently eligible for selection (Gauge - current state)
	OperationalBridges = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "conference_focus",
		Subsystem: "bridge",
		Name:      "operational",
		Help:      "Number of bridges currently operational",
	})

	// BridgeStress tracks the last reported corrected stress per bridge (GaugeVec with bridge label)
	BridgeStress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conference_focus",
		Subsystem: "bridge",
		Name:      "stress",
		Help:      "Corrected stress level per bridge",
	}, []string{"bridge"})

	// BridgeSelections tracks bridge selection outcomes (CounterVec - cumulative)
	BridgeSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conference_focus",
		Subsystem: "bridge",
		Name:      "selections_total",
		Help:      "Bridge selection attempts by outcome",
	}, []string{"status"})

	// EndpointMoves tracks endpoints moved off bridges during redistribution (Counter - cumulative)
	EndpointMoves = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conference_focus",
		Subsystem: "bridge",
		Name:      "endpoint_moves_total",
		Help:      "Endpoints moved off bridges by the load redistributor",
	})

	// ColibriRequests tracks allocation-protocol requests sent to bridges (CounterVec - cumulative)
	ColibriRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conference_focus",
		Subsystem: "colibri",
		Name:      "requests_total",
		Help:      "Bridge control requests by type and outcome",
	}, []string{"request_type", "status"})

	// ColibriRequestDuration tracks round-trip time of bridge control requests (HistogramVec - latency distribution)
	ColibriRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conference_focus",
		Subsystem: "colibri",
		Name:      "request_seconds",
		Help:      "Round-trip time of bridge control requests",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"request_type"})

	// AllocationFailures tracks failed channel allocations by error kind (CounterVec - cumulative)
	AllocationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conference_focus",
		Subsystem: "colibri",
		Name:      "allocation_failures_total",
		Help:      "Failed channel allocations by error kind",
	}, []string{"reason"})

	// RestartRequestsRateLimited tracks restart requests rejected by the rate limiter (Counter - cumulative)
	RestartRequestsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conference_focus",
		Subsystem: "conference",
		Name:      "restart_rate_limited_total",
		Help:      "Session restart requests rejected by the rate limiter",
	})
)
