// Package registry owns the room -> conference map: idempotent creation,
// idle expiry, bridge version pinning and inbound IQ routing.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/bridge"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/colibri"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/conference"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/config"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/logging"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
)

// focusNick is the MUC nickname the focus joins every room with.
const focusNick = "focus"

// expiryScanInterval is how often the idle and pin sweepers run.
const expiryScanInterval = 5 * time.Second

var ErrConferenceNotFound = errors.New("no conference for this room")

// Listener observes conference lifecycle. Callbacks fire outside the store
// lock, on the goroutine that triggered the transition.
type Listener interface {
	ConferenceCreated(c *conference.Conference)
	ConferenceEnded(c *conference.Conference)
}

// SessionOptions is what the session-manager factory gets per conference.
type SessionOptions struct {
	Room            types.RoomID
	MeetingID       string
	PinnedVersion   func() types.BridgeVersion
	OnBridgeFailure func(jid xmpp.JID, reason colibri.FailureReason)
}

// Options wires the store. The factories default to the real xmpp.Room and
// colibri.Manager; tests replace them.
type Options struct {
	Config   *config.FocusConfig
	Conn     *xmpp.Conn
	Selector *bridge.Selector
	Limiter  conference.RestartLimiter
	Clock    clock.WithTicker

	// Signaler overrides the IQ surface toward participants; defaults to
	// Conn. Tests set it together with the factories below.
	Signaler    conference.Signaler
	NewChatRoom func(room types.RoomID) conference.ChatRoom
	NewSessions func(opts SessionOptions) conference.SessionManager
}

// Store is the conference registry. It implements bridge.Mover so the load
// redistributor can migrate endpoints through it.
type Store struct {
	cfg         *config.FocusConfig
	conn        conference.Signaler
	limiter     conference.RestartLimiter
	clk         clock.WithTicker
	newChatRoom func(room types.RoomID) conference.ChatRoom
	newSessions func(opts SessionOptions) conference.SessionManager

	mu          sync.Mutex
	conferences map[types.RoomID]*conference.Conference
	pins        map[types.RoomID]pin
	listeners   []Listener
}

type pin struct {
	version types.BridgeVersion
	expires time.Time
}

// PinSnapshot is one active pin, for the operator surface.
type PinSnapshot struct {
	Room    types.RoomID        `json:"conference"`
	Version types.BridgeVersion `json:"version"`
	Expires time.Time           `json:"expires"`
}

func NewStore(opts Options) *Store {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	signaler := opts.Signaler
	if signaler == nil {
		signaler = opts.Conn
	}
	s := &Store{
		cfg:         opts.Config,
		conn:        signaler,
		limiter:     opts.Limiter,
		clk:         clk,
		newChatRoom: opts.NewChatRoom,
		newSessions: opts.NewSessions,
		conferences: make(map[types.RoomID]*conference.Conference),
		pins:        make(map[types.RoomID]pin),
	}
	if s.newChatRoom == nil {
		s.newChatRoom = func(room types.RoomID) conference.ChatRoom {
			return xmpp.NewRoom(opts.Conn, xmpp.JID(room), focusNick)
		}
	}
	if s.newSessions == nil {
		s.newSessions = func(so SessionOptions) conference.SessionManager {
			return colibri.NewManager(opts.Conn, opts.Selector, colibri.ManagerConfig{
				MeetingID:       so.MeetingID,
				RoomName:        string(so.Room),
				RequestTimeout:  time.Duration(opts.Config.Bridge.RequestTimeout) * time.Second,
				RelaysEnabled:   opts.Config.Relay.Enabled,
				PinnedVersion:   so.PinnedVersion,
				OnBridgeFailure: so.OnBridgeFailure,
			})
		}
	}
	if opts.Selector != nil {
		// New capacity re-runs invites that waited for a bridge.
		opts.Selector.OnFleetChanged(s.retryQueuedInvites)
	}
	return s
}

// GetOrCreate returns the conference for the room, creating and starting it
// when absent. The map insert holds the lock, so concurrent callers agree on
// one handle; joining the room happens outside it.
func (s *Store) GetOrCreate(ctx context.Context, room types.RoomID) (*conference.Conference, bool, error) {
	s.mu.Lock()
	if c, ok := s.conferences[room]; ok {
		s.mu.Unlock()
		return c, false, nil
	}

	meetingID := uuid.NewString()
	// The failure hook closes over the handle; allocations cannot run before
	// NewConference returned, so the late bind is safe.
	var conf *conference.Conference
	sessions := s.newSessions(SessionOptions{
		Room:          room,
		MeetingID:     meetingID,
		PinnedVersion: func() types.BridgeVersion { return s.PinnedVersion(room) },
		OnBridgeFailure: func(jid xmpp.JID, reason colibri.FailureReason) {
			conf.BridgeSessionFailed(jid, reason)
		},
	})
	conf = conference.NewConference(conference.Options{
		Room:           room,
		MeetingID:      meetingID,
		Config:         s.cfg,
		Conn:           s.conn,
		ChatRoom:       s.newChatRoom(room),
		Sessions:       sessions,
		RestartLimiter: s.limiter,
		OnEnded:        s.conferenceEnded,
		Clock:          s.clk,
	})
	s.conferences[room] = conf
	listeners := s.snapshotListenersLocked()
	s.mu.Unlock()

	if err := conf.Start(ctx); err != nil {
		s.mu.Lock()
		if s.conferences[room] == conf {
			delete(s.conferences, room)
		}
		s.mu.Unlock()
		conf.Stop("failed to start")
		return nil, false, fmt.Errorf("failed to start conference for %s: %w", room, err)
	}
	for _, l := range listeners {
		l.ConferenceCreated(conf)
	}
	return conf, true, nil
}

// Get returns the live conference for a room.
func (s *Store) Get(room types.RoomID) (*conference.Conference, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conferences[room]
	return c, ok
}

// All snapshots the live conferences.
func (s *Store) All() []*conference.Conference {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conference.Conference, 0, len(s.conferences))
	for _, c := range s.conferences {
		out = append(out, c)
	}
	return out
}

// Count returns how many conferences are live.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conferences)
}

// AddListener subscribes to conference lifecycle events.
func (s *Store) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// RemoveListener drops a subscription.
func (s *Store) RemoveListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.listeners {
		if cur == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Store) snapshotListenersLocked() []Listener {
	return append([]Listener(nil), s.listeners...)
}

// conferenceEnded is the OnEnded hook: drop the handle and tell listeners.
func (s *Store) conferenceEnded(c *conference.Conference) {
	room := c.Room()
	s.mu.Lock()
	if s.conferences[room] == c {
		delete(s.conferences, room)
		delete(s.pins, room)
	}
	listeners := s.snapshotListenersLocked()
	s.mu.Unlock()
	for _, l := range listeners {
		l.ConferenceEnded(c)
	}
}

// retryQueuedInvites fans a fleet change out to every conference.
func (s *Store) retryQueuedInvites() {
	for _, c := range s.All() {
		c.RetryQueuedInvites()
	}
}

// --- version pinning ---

// Pin restricts the room's bridge selection to one version for d. The
// expiry is wall-clock, truncated to the second, so it reads cleanly on the
// operator surface and survives sub-second clock jitter.
func (s *Store) Pin(room types.RoomID, version types.BridgeVersion, d time.Duration) {
	expires := s.clk.Now().Add(d).Truncate(time.Second)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[room] = pin{version: version, expires: expires}
	logging.Info(context.Background(), "conference pinned",
		zap.String("room", string(room)), zap.String("version", string(version)),
		zap.Time("expires", expires))
}

// Unpin lifts the room's version restriction.
func (s *Store) Unpin(room types.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pins, room)
}

// PinnedVersion returns the room's pinned bridge version, or empty when the
// room is not pinned (or the pin lapsed).
func (s *Store) PinnedVersion(room types.RoomID) types.BridgeVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pins[room]
	if !ok {
		return ""
	}
	if !s.clk.Now().Before(p.expires) {
		delete(s.pins, room)
		return ""
	}
	return p.version
}

// Pins snapshots the active pins.
func (s *Store) Pins() []PinSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	out := make([]PinSnapshot, 0, len(s.pins))
	for room, p := range s.pins {
		if !now.Before(p.expires) {
			continue
		}
		out = append(out, PinSnapshot{Room: room, Version: p.version, Expires: p.expires})
	}
	return out
}

// --- sweepers ---

// Run drives the periodic sweeps until ctx is canceled.
func (s *Store) Run(ctx context.Context) {
	ticker := s.clk.NewTicker(expiryScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	s.sweepPins()
	s.sweepIdle()
}

// sweepPins drops lapsed pins so they do not linger on the debug surface.
func (s *Store) sweepPins() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	for room, p := range s.pins {
		if !now.Before(p.expires) {
			delete(s.pins, room)
		}
	}
}

// sweepIdle terminates rooms the focus joined but nobody else ever did.
func (s *Store) sweepIdle() {
	timeout := time.Duration(s.cfg.Conference.InitialTimeout) * time.Second
	if timeout <= 0 {
		return
	}
	for _, c := range s.All() {
		if !c.HasHadParticipant() && s.clk.Since(c.CreatedAt()) > timeout {
			logging.Info(context.Background(), "expiring idle conference",
				zap.String("room", string(c.Room())))
			c.Stop("no participants arrived")
		}
	}
}

// Shutdown terminates every conference, for process exit.
func (s *Store) Shutdown(reason string) {
	for _, c := range s.All() {
		c.Stop(reason)
	}
}

// --- bridge.Mover ---

// ConferencesOn reports, per conference, how many endpoints sit on a bridge.
func (s *Store) ConferencesOn(bridgeJID xmpp.JID) map[types.RoomID]int {
	out := make(map[types.RoomID]int)
	for _, c := range s.All() {
		if n := c.EndpointsOnBridge(bridgeJID); n > 0 {
			out[c.Room()] = n
		}
	}
	return out
}

// MoveEndpoints re-invites up to n of the conference's endpoints away from
// the bridge.
func (s *Store) MoveEndpoints(room types.RoomID, bridgeJID xmpp.JID, n int) int {
	c, ok := s.Get(room)
	if !ok {
		return 0
	}
	return c.MoveEndpointsFrom(bridgeJID, n)
}

// MoveEndpoint re-invites one endpoint. fromBridge, when set, must match
// where the endpoint actually is.
func (s *Store) MoveEndpoint(room types.RoomID, endpoint types.EndpointID, fromBridge xmpp.JID) error {
	c, ok := s.Get(room)
	if !ok {
		return ErrConferenceNotFound
	}
	if fromBridge != "" {
		onBridge := false
		for _, id := range c.ParticipantsOnBridge(fromBridge) {
			if id == endpoint {
				onBridge = true
				break
			}
		}
		if !onBridge {
			return fmt.Errorf("endpoint %s is not on bridge %s", endpoint, fromBridge)
		}
	}
	return c.MoveEndpoint(endpoint)
}
