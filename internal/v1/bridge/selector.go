package bridge

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/logging"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/metrics"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
)

// ErrNoBridgeAvailable is returned when every candidate is filtered out or
// overloaded.
var ErrNoBridgeAvailable = errors.New("no bridge available")

// SelectorConfig tunes the fleet bookkeeping.
type SelectorConfig struct {
	// StressThreshold marks the overload boundary for corrected stress.
	StressThreshold float64
	// AverageParticipantStress is the penalty per recently assigned endpoint.
	AverageParticipantStress float64
	// ParticipantRampupInterval bounds how long an assignment counts toward
	// corrected stress.
	ParticipantRampupInterval time.Duration
}

// Selector maintains the bridge fleet and picks a bridge per allocation.
// One lock protects the fleet; Bridge mutators only run under it.
type Selector struct {
	cfg   SelectorConfig
	clock clock.PassiveClock

	mu           sync.Mutex
	bridges      map[xmpp.JID]*Bridge
	fleetChanged []func()
}

// NewSelector builds an empty fleet.
func NewSelector(cfg SelectorConfig, clk clock.PassiveClock) *Selector {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Selector{
		cfg:     cfg,
		clock:   clk,
		bridges: make(map[xmpp.JID]*Bridge),
	}
}

// OnFleetChanged subscribes to capacity changes: a bridge added, recovered
// or its presence updated. The orchestrator uses it to retry participants
// queued on BridgeSelectionFailed.
func (s *Selector) OnFleetChanged(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fleetChanged = append(s.fleetChanged, fn)
}

// UpdateFromPresence upserts a bridge from its brewery presence report.
func (s *Selector) UpdateFromPresence(jid xmpp.JID, stats PresenceStats) {
	s.mu.Lock()
	b, ok := s.bridges[jid]
	if !ok {
		b = newBridge(jid, s.cfg.AverageParticipantStress, s.cfg.ParticipantRampupInterval, s.clock)
		s.bridges[jid] = b
		logging.Info(context.Background(), "bridge joined the fleet",
			zap.String("bridge", jid.String()), zap.String("region", string(stats.Region)))
	}
	b.updateFromPresence(stats)
	hooks := s.snapshotHooksLocked()
	s.mu.Unlock()

	metrics.BridgeStress.WithLabelValues(jid.String()).Set(stats.Stress)
	s.updateOperationalGauge()
	for _, fn := range hooks {
		fn()
	}
}

// Remove drops a bridge, used when its presence goes unavailable.
func (s *Selector) Remove(jid xmpp.JID) {
	s.mu.Lock()
	_, existed := s.bridges[jid]
	delete(s.bridges, jid)
	s.mu.Unlock()

	if existed {
		metrics.BridgeStress.DeleteLabelValues(jid.String())
		s.updateOperationalGauge()
		logging.Info(context.Background(), "bridge left the fleet", zap.String("bridge", jid.String()))
	}
}

// Get looks up a bridge by JID.
func (s *Selector) Get(jid xmpp.JID) (*Bridge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bridges[jid]
	return b, ok
}

// StatusOf snapshots one bridge's status.
func (s *Selector) StatusOf(jid xmpp.JID) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bridges[jid]
	if !ok {
		return Status{}, false
	}
	return b.status(), true
}

// All snapshots the fleet's status.
func (s *Selector) All() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.bridges))
	for _, b := range s.bridges {
		out = append(out, b.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JID < out[j].JID })
	return out
}

// OperationalCount counts selectable bridges.
func (s *Selector) OperationalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.bridges {
		if b.isSelectable() {
			n++
		}
	}
	return n
}

// Select picks a bridge for one endpoint. inUse maps bridges already
// carrying this conference to their endpoint counts; participantRegion and
// pinnedVersion are hints per the selection policy. The chosen bridge gets
// an endpointAdded mark so corrected stress reflects the assignment at once.
func (s *Selector) Select(inUse map[*Bridge]int, participantRegion types.Region, pinnedVersion types.BridgeVersion) (*Bridge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Bridge
	for _, b := range s.bridges {
		if !b.isSelectable() {
			continue
		}
		if pinnedVersion != "" && b.version != pinnedVersion {
			continue
		}
		candidates = append(candidates, b)
	}
	if len(candidates) == 0 {
		metrics.BridgeSelections.WithLabelValues("failed").Inc()
		return nil, ErrNoBridgeAvailable
	}

	// Deterministic base order: identity.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].jid < candidates[j].jid })

	chosen := s.pickLocked(candidates, inUse, participantRegion)
	if chosen == nil {
		metrics.BridgeSelections.WithLabelValues("overloaded").Inc()
		return nil, ErrNoBridgeAvailable
	}
	chosen.endpointAdded()
	metrics.BridgeSelections.WithLabelValues("ok").Inc()
	return chosen, nil
}

// pickLocked applies the priority chain: conference bridge under threshold,
// then same region, then least corrected stress.
func (s *Selector) pickLocked(candidates []*Bridge, inUse map[*Bridge]int, region types.Region) *Bridge {
	// A bridge already carrying the conference wins while not overloaded;
	// keeping endpoints together avoids relays.
	var conferenceBridge *Bridge
	for _, b := range candidates {
		if inUse[b] > 0 && b.correctedStress() < s.cfg.StressThreshold {
			if conferenceBridge == nil || s.lessLoadedLocked(b, conferenceBridge) {
				conferenceBridge = b
			}
		}
	}
	if conferenceBridge != nil {
		return conferenceBridge
	}

	var sameRegion []*Bridge
	if region != "" {
		for _, b := range candidates {
			if b.region == region && b.correctedStress() < s.cfg.StressThreshold {
				sameRegion = append(sameRegion, b)
			}
		}
	}
	if len(sameRegion) > 0 {
		return s.leastLoadedLocked(sameRegion)
	}

	var underThreshold []*Bridge
	for _, b := range candidates {
		if b.correctedStress() < s.cfg.StressThreshold {
			underThreshold = append(underThreshold, b)
		}
	}
	if len(underThreshold) > 0 {
		return s.leastLoadedLocked(underThreshold)
	}

	// Everything is overloaded. A bridge already carrying the conference is
	// still a valid home for one more endpoint; only fail when the
	// conference would need a brand-new bridge.
	var overloadedConference []*Bridge
	for _, b := range candidates {
		if inUse[b] > 0 {
			overloadedConference = append(overloadedConference, b)
		}
	}
	if len(overloadedConference) > 0 {
		return s.leastLoadedLocked(overloadedConference)
	}
	return nil
}

func (s *Selector) leastLoadedLocked(bridges []*Bridge) *Bridge {
	best := bridges[0]
	for _, b := range bridges[1:] {
		if s.lessLoadedLocked(b, best) {
			best = b
		}
	}
	return best
}

// lessLoadedLocked orders by corrected stress, ties broken by identity.
func (s *Selector) lessLoadedLocked(a, b *Bridge) bool {
	sa, sb := a.correctedStress(), b.correctedStress()
	if sa != sb {
		return sa < sb
	}
	return a.jid < b.jid
}

// HasNonOverloadedBridge reports whether any selectable bridge is under the
// overload threshold.
func (s *Selector) HasNonOverloadedBridge() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bridges {
		if b.isSelectable() && b.correctedStress() < s.cfg.StressThreshold {
			return true
		}
	}
	return false
}

// MarkNonOperational takes a bridge out of selection after a hard failure.
func (s *Selector) MarkNonOperational(jid xmpp.JID) {
	s.mu.Lock()
	if b, ok := s.bridges[jid]; ok {
		b.setOperational(false)
	}
	s.mu.Unlock()
	s.updateOperationalGauge()
}

// MarkAllocationSucceeded records a successful allocation, which is what
// brings a failed bridge back to operational.
func (s *Selector) MarkAllocationSucceeded(jid xmpp.JID) {
	s.mu.Lock()
	b, ok := s.bridges[jid]
	var hooks []func()
	if ok && !b.operational {
		b.setOperational(true)
		hooks = s.snapshotHooksLocked()
	}
	s.mu.Unlock()

	s.updateOperationalGauge()
	for _, fn := range hooks {
		fn()
	}
}

// OverloadedBridges snapshots selectable bridges at or above the threshold.
func (s *Selector) OverloadedBridges(threshold float64) []xmpp.JID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []xmpp.JID
	for _, b := range s.bridges {
		if b.isSelectable() && b.correctedStress() >= threshold {
			out = append(out, b.jid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Selector) snapshotHooksLocked() []func() {
	out := make([]func(), len(s.fleetChanged))
	copy(out, s.fleetChanged)
	return out
}

func (s *Selector) updateOperationalGauge() {
	metrics.OperationalBridges.Set(float64(s.OperationalCount()))
}
