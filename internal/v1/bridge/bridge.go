package bridge

import (
	"time"

	"github.com/sony/gobreaker"
	"k8s.io/utils/clock"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/metrics"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
)

// Bridge is one media relay server as known from brewery presence. Mutators
// run under the owning Selector's lock; Status snapshots are handed to
// readers.
type Bridge struct {
	jid xmpp.JID

	relayID string
	region  types.Region
	version types.BridgeVersion

	stress             float64
	draining           bool
	shutdownInProgress bool
	operational        bool
	healthy            bool
	lastPresence       time.Time
	failureInstant     time.Time

	// recentlyAdded holds assignment instants inside the rampup window, so
	// rapid placements raise correctedStress before the next presence report.
	recentlyAdded  []time.Time
	rampupInterval time.Duration
	endpointStress float64

	breaker *gobreaker.CircuitBreaker
	clock   clock.PassiveClock
}

// Status is an immutable snapshot of a bridge for consumers outside the
// selector's lock.
type Status struct {
	JID                xmpp.JID
	RelayID            string
	Region             types.Region
	Version            types.BridgeVersion
	Stress             float64
	CorrectedStress    float64
	Draining           bool
	ShutdownInProgress bool
	Operational        bool
	LastPresence       time.Time
}

// PresenceStats is the payload a bridge publishes in brewery presence.
type PresenceStats struct {
	Stress             float64
	Region             types.Region
	RelayID            string
	Version            types.BridgeVersion
	Draining           bool
	ShutdownInProgress bool
	Healthy            bool
}

func newBridge(jid xmpp.JID, endpointStress float64, rampup time.Duration, clk clock.PassiveClock) *Bridge {
	b := &Bridge{
		jid:            jid,
		operational:    true,
		healthy:        true,
		endpointStress: endpointStress,
		rampupInterval: rampup,
		clock:          clk,
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(jid),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return b
}

// JID returns the bridge's identity.
func (b *Bridge) JID() xmpp.JID {
	return b.jid
}

// Breaker guards the bridge's request path. Consecutive colibri failures
// open it; an open breaker is treated like a non-operational bridge.
func (b *Bridge) Breaker() *gobreaker.CircuitBreaker {
	return b.breaker
}

// updateFromPresence folds a presence report into the bridge.
func (b *Bridge) updateFromPresence(stats PresenceStats) {
	b.stress = stats.Stress
	b.region = stats.Region
	b.relayID = stats.RelayID
	b.version = stats.Version
	b.draining = stats.Draining
	b.shutdownInProgress = stats.ShutdownInProgress
	b.healthy = stats.Healthy
	b.lastPresence = b.clock.Now()
}

// failureResetThreshold is how long a failed bridge is fully excluded from
// selection before it may be probed again. Only a successful allocation
// flips it operational.
const failureResetThreshold = time.Minute

// setOperational flips selection eligibility. Marking a bridge failed also
// records the failure instant; after failureResetThreshold the bridge may be
// probed again even though it is still non-operational.
func (b *Bridge) setOperational(operational bool) {
	if b.operational && !operational {
		b.failureInstant = b.clock.Now()
	}
	b.operational = operational
}

// endpointAdded records one assignment toward the stress correction.
func (b *Bridge) endpointAdded() {
	b.pruneRecent()
	b.recentlyAdded = append(b.recentlyAdded, b.clock.Now())
}

// EndpointsMoved reports n endpoints migrated off this bridge, for metrics.
func (b *Bridge) EndpointsMoved(n int) {
	metrics.EndpointMoves.Add(float64(n))
}

func (b *Bridge) pruneRecent() {
	cutoff := b.clock.Now().Add(-b.rampupInterval)
	kept := b.recentlyAdded[:0]
	for _, t := range b.recentlyAdded {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.recentlyAdded = kept
}

// correctedStress is the reported stress plus a penalty per endpoint
// assigned inside the rampup window.
func (b *Bridge) correctedStress() float64 {
	b.pruneRecent()
	return b.stress + float64(len(b.recentlyAdded))*b.endpointStress
}

func (b *Bridge) isSelectable() bool {
	if !b.healthy || b.draining || b.shutdownInProgress || b.breaker.State() == gobreaker.StateOpen {
		return false
	}
	if b.operational {
		return true
	}
	return b.clock.Now().Sub(b.failureInstant) > failureResetThreshold
}

func (b *Bridge) status() Status {
	return Status{
		JID:                b.jid,
		RelayID:            b.relayID,
		Region:             b.region,
		Version:            b.version,
		Stress:             b.stress,
		CorrectedStress:    b.correctedStress(),
		Draining:           b.draining,
		ShutdownInProgress: b.shutdownInProgress,
		Operational:        b.operational,
		LastPresence:       b.lastPresence,
	}
}
