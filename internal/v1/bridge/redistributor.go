package bridge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/logging"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
)

// ErrUnknownBridge is returned for move requests naming a bridge not in the
// fleet.
var ErrUnknownBridge = errors.New("unknown bridge")

// Mover carries out the actual migration: a re-invite that goes through
// normal selection. The redistributor never picks the target bridge.
type Mover interface {
	// ConferencesOn returns, per live conference, how many of its endpoints
	// sit on the bridge.
	ConferencesOn(bridge xmpp.JID) map[types.RoomID]int
	// MoveEndpoints re-invites up to n endpoints of the conference away from
	// the bridge and returns how many moves were started.
	MoveEndpoints(room types.RoomID, bridge xmpp.JID, n int) int
	// MoveEndpoint re-invites one named endpoint away from the bridge it is
	// on; fromBridge, when set, must match.
	MoveEndpoint(room types.RoomID, endpoint types.EndpointID, fromBridge xmpp.JID) error
}

// RedistributorConfig drives the automatic migration loop.
type RedistributorConfig struct {
	Enabled bool
	// Interval between automatic passes.
	Interval time.Duration
	// Timeout is the per-bridge cool-off after the loop unloaded it.
	Timeout time.Duration
	// Endpoints moved off an overloaded bridge per pass.
	Endpoints int
	// StressThreshold marks a bridge as needing unloading.
	StressThreshold float64
}

// Redistributor migrates endpoints away from overloaded bridges, both on
// operator demand and on a timer.
type Redistributor struct {
	cfg      RedistributorConfig
	selector *Selector
	mover    Mover

	mu sync.Mutex
	// cooloff rations automatic unloading to one pass per Timeout per
	// bridge, so a slow-reporting bridge is not drained repeatedly.
	cooloff map[xmpp.JID]*rate.Limiter
}

// NewRedistributor wires the redistributor to the fleet and the mover.
func NewRedistributor(cfg RedistributorConfig, selector *Selector, mover Mover) *Redistributor {
	return &Redistributor{
		cfg:      cfg,
		selector: selector,
		mover:    mover,
		cooloff:  make(map[xmpp.JID]*rate.Limiter),
	}
}

// Run executes the automatic loop until ctx is canceled. No-op when the
// loop is disabled.
func (r *Redistributor) Run(ctx context.Context) {
	if !r.cfg.Enabled {
		return
	}
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

// runOnce is one pass of the automatic loop. Moves happen only while some
// bridge can absorb them; otherwise migration would shuffle load for
// nothing.
func (r *Redistributor) runOnce(ctx context.Context) {
	if !r.selector.HasNonOverloadedBridge() {
		logging.Warn(ctx, "skipping load redistribution, every bridge is overloaded")
		return
	}

	for _, jid := range r.selector.OverloadedBridges(r.cfg.StressThreshold) {
		if !r.allow(jid) {
			continue
		}
		moved := r.MoveEndpoints(jid, "", r.cfg.Endpoints)
		logging.Info(ctx, "redistributed endpoints off overloaded bridge",
			zap.String("bridge", jid.String()), zap.Int("moved", moved))
	}
}

// allow consumes the bridge's cool-off token: one automatic
// redistribution per Timeout.
func (r *Redistributor) allow(jid xmpp.JID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	limiter, ok := r.cooloff[jid]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(r.cfg.Timeout), 1)
		r.cooloff[jid] = limiter
	}
	return limiter.Allow()
}

// MoveEndpoint migrates one named endpoint. fromBridge, when non-empty,
// must be a known bridge.
func (r *Redistributor) MoveEndpoint(room types.RoomID, endpoint types.EndpointID, fromBridge xmpp.JID) error {
	if room == "" {
		return errors.New("conference is required")
	}
	if err := endpoint.Validate(); err != nil {
		return err
	}
	if fromBridge != "" {
		if _, ok := r.selector.Get(fromBridge); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownBridge, fromBridge)
		}
	}
	return r.mover.MoveEndpoint(room, endpoint, fromBridge)
}

// MoveEndpoints migrates up to n endpoints off the bridge; when room is
// set, only that conference's endpoints move. Selection within the bridge is
// greedy over conferences by descending endpoint count. Returns the number
// of moves started.
func (r *Redistributor) MoveEndpoints(bridge xmpp.JID, room types.RoomID, n int) int {
	if n <= 0 {
		return 0
	}
	if room != "" {
		return r.mover.MoveEndpoints(room, bridge, n)
	}

	counts := r.mover.ConferencesOn(bridge)
	type entry struct {
		room  types.RoomID
		count int
	}
	ordered := make([]entry, 0, len(counts))
	for room, count := range counts {
		ordered = append(ordered, entry{room, count})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].count != ordered[j].count {
			return ordered[i].count > ordered[j].count
		}
		return ordered[i].room < ordered[j].room
	})

	remaining := n
	moved := 0
	for _, e := range ordered {
		if remaining == 0 {
			break
		}
		take := e.count
		if take > remaining {
			take = remaining
		}
		got := r.mover.MoveEndpoints(e.room, bridge, take)
		moved += got
		remaining -= got
	}

	if moved > 0 {
		if b, ok := r.selector.Get(bridge); ok {
			b.EndpointsMoved(moved)
		}
	}
	return moved
}

// MoveFraction migrates the given fraction of the bridge's endpoints,
// rounded to nearest.
func (r *Redistributor) MoveFraction(bridge xmpp.JID, fraction float64) int {
	if fraction <= 0 {
		return 0
	}
	total := 0
	for _, count := range r.mover.ConferencesOn(bridge) {
		total += count
	}
	n := int(math.Round(float64(total) * fraction))
	return r.MoveEndpoints(bridge, "", n)
}
