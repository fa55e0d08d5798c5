package conference

import (
	"bytes"
	"context"
	"encoding/xml"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/colibri"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/config"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/jingle"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/logging"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/metrics"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
)

// inviteTimeout bounds how long a client gets to ack a session-initiate.
const inviteTimeout = 60 * time.Second

// State is the conference lifecycle stage.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// SessionManager is the bridge-session surface the orchestrator drives.
// Implemented by colibri.Manager.
type SessionManager interface {
	Allocate(ctx context.Context, p colibri.ParticipantAllocation) (*colibri.Allocation, error)
	UpdateParticipant(id types.EndpointID, transport *jingle.IceUdpTransport, sources *jingle.SourceSet, suppressLocalBridgeUpdate bool) error
	Mute(ids []types.EndpointID, mute bool, media types.MediaType) bool
	IsForceMuted(id types.EndpointID, media types.MediaType) bool
	RemoveParticipant(id types.EndpointID)
	RemoveBridge(jid xmpp.JID) []types.EndpointID
	Expire()
	EndpointsOn(jid xmpp.JID) int
	ParticipantsOn(jid xmpp.JID) []types.EndpointID
	BridgeSessionID(id types.EndpointID) (string, bool)
	SessionCount() int
}

// ChatRoom is the MUC occupancy surface. Implemented by xmpp.Room.
type ChatRoom interface {
	JID() xmpp.JID
	Nick() string
	Join(ctx context.Context) error
	Leave()
	AddListener(l xmpp.OccupantListener)
	Occupants() []xmpp.Occupant
	GrantOwner(ctx context.Context, nick string) error
}

// Signaler sends IQs to participants. Implemented by xmpp.Conn.
type Signaler interface {
	SendIQ(ctx context.Context, iq *xmpp.IQ) (*xmpp.IQ, error)
	SendIQAsync(iq *xmpp.IQ, cb func(*xmpp.IQ, error))
}

// RestartLimiter bounds per-participant session restart requests.
// Implemented by ratelimit.RestartLimiter.
type RestartLimiter interface {
	Allow(room types.RoomID, id types.EndpointID) error
}

// Options wires one conference.
type Options struct {
	Room types.RoomID
	// MeetingID overrides the generated meeting uuid so callers can share
	// it with the bridge-session layer. Optional.
	MeetingID      string
	Config         *config.FocusConfig
	Conn           Signaler
	ChatRoom       ChatRoom
	Sessions       SessionManager
	RestartLimiter RestartLimiter
	// OnEnded fires once, after the conference reached Terminated.
	OnEnded func(*Conference)
	// Clock defaults to the real clock; tests inject a fake.
	Clock clock.Clock
}

// Conference orchestrates one room: roster, per-participant signaling
// sessions, source propagation and moderation. All roster and participant
// state is owned by a per-conference serial executor; cross-conference work
// runs in parallel.
type Conference struct {
	id       string
	room     types.RoomID
	cfg      *config.FocusConfig
	conn     Signaler
	chatRoom ChatRoom
	sessions SessionManager
	limiter  RestartLimiter
	clk      clock.Clock
	onEnded  func(*Conference)

	exec    *executor
	sources *SourceMap
	prop    *propagator

	state             atomic.Int32
	createdAt         time.Time
	hasHadParticipant atomic.Bool
	includeInStats    bool

	// mu guards the participants map for snapshot readers; mutation happens
	// only on the executor.
	mu           sync.RWMutex
	participants map[types.EndpointID]*Participant

	// Executor-owned.
	suspended      bool
	singleTimerGen int

	endedOnce sync.Once
}

// NewConference builds a conference handle. Call Start to join the room.
func NewConference(opts Options) *Conference {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	meetingID := opts.MeetingID
	if meetingID == "" {
		meetingID = uuid.NewString()
	}
	c := &Conference{
		id:           meetingID,
		room:         opts.Room,
		cfg:          opts.Config,
		conn:         opts.Conn,
		chatRoom:     opts.ChatRoom,
		sessions:     opts.Sessions,
		limiter:      opts.RestartLimiter,
		clk:          clk,
		onEnded:      opts.OnEnded,
		exec:         newExecutor(),
		sources:      NewSourceMap(),
		createdAt:    clk.Now(),
		participants: make(map[types.EndpointID]*Participant),
		// Rooms named like load tests are kept out of the statistics.
		includeInStats: !strings.HasPrefix(xmpp.JID(opts.Room).Local(), "__test"),
	}
	c.prop = newPropagator(clk, c.signalingDelay, c.deliverSourceBatch)
	return c
}

// MeetingID is the stable uuid used toward bridges and recorders.
func (c *Conference) MeetingID() string { return c.id }

// Room returns the room this conference belongs to.
func (c *Conference) Room() types.RoomID { return c.room }

// State returns the lifecycle stage.
func (c *Conference) State() State { return State(c.state.Load()) }

// CreatedAt is when the handle was created, for idle expiry.
func (c *Conference) CreatedAt() time.Time { return c.createdAt }

// HasHadParticipant reports whether anyone ever joined.
func (c *Conference) HasHadParticipant() bool { return c.hasHadParticipant.Load() }

// IncludeInStatistics reports whether this room counts toward metrics.
func (c *Conference) IncludeInStatistics() bool { return c.includeInStats }

// ParticipantCount returns the current roster size.
func (c *Conference) ParticipantCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.participants)
}

// Start joins the MUC and moves Created -> Started. Existing occupants are
// admitted as if they had just joined.
func (c *Conference) Start(ctx context.Context) error {
	c.chatRoom.AddListener(c)
	if err := c.chatRoom.Join(ctx); err != nil {
		return err
	}
	c.state.Store(int32(StateStarted))
	if c.includeInStats {
		metrics.ActiveConferences.Inc()
	}
	for _, o := range c.chatRoom.Occupants() {
		occ := o
		_ = c.exec.post(func() { c.memberJoined(occ) })
	}
	logging.Info(logging.WithConference(ctx, string(c.room)), "conference started",
		zap.String("meeting_id", c.id))
	return nil
}

// Stop terminates the conference and blocks until its executor drained.
func (c *Conference) Stop(reason string) {
	_ = c.exec.post(func() { c.terminate(reason) })
	c.exec.close()
	c.exec.wait()
	// The terminate task may have been dropped if the executor was already
	// closed; make the teardown idempotent either way.
	c.terminateOnce(reason)
}

// --- xmpp.OccupantListener (callbacks fire on the connection read loop) ---

func (c *Conference) OccupantJoined(o xmpp.Occupant) {
	_ = c.exec.post(func() { c.memberJoined(o) })
}

func (c *Conference) OccupantUpdated(o xmpp.Occupant) {
	_ = c.exec.post(func() { c.memberUpdated(o) })
}

func (c *Conference) OccupantLeft(o xmpp.Occupant) {
	_ = c.exec.post(func() { c.memberLeft(o) })
}

func (c *Conference) RoomDestroyed() {
	_ = c.exec.post(func() { c.terminate("room destroyed") })
}

// SetRegistered implements the signaling registration listener: invites are
// suspended while the connection is down and replayed on reconnect.
func (c *Conference) SetRegistered(connected bool) {
	_ = c.exec.post(func() {
		c.suspended = !connected
		if connected {
			c.retryQueuedLocked()
		}
	})
}

// RetryQueuedInvites re-runs invites that waited for bridge capacity.
func (c *Conference) RetryQueuedInvites() {
	_ = c.exec.post(c.retryQueuedLocked)
}

// --- roster (executor) ---

func (c *Conference) memberJoined(o xmpp.Occupant) {
	if c.State() == StateTerminated || !isRealParticipant(o, c.chatRoom.Nick()) {
		return
	}
	if _, exists := c.getParticipant(types.EndpointID(o.Nick)); exists {
		c.memberUpdated(o)
		return
	}

	p := newParticipant(c.chatRoom.JID(), o)
	c.mu.Lock()
	c.participants[p.id] = p
	count := len(c.participants)
	c.mu.Unlock()

	c.hasHadParticipant.Store(true)
	if c.includeInStats {
		metrics.Participants.Inc()
	}
	logging.Info(logging.WithEndpoint(logging.WithConference(context.Background(), string(c.room)), string(p.id)),
		"participant joined", zap.Int("count", count))

	if count == 1 && c.cfg.Conference.EnableAutoOwner && !p.isOwner() {
		nick := o.Nick
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := c.chatRoom.GrantOwner(ctx, nick); err != nil {
				logging.Warn(context.Background(), "auto-owner grant failed",
					zap.String("nick", nick), zap.Error(err))
			}
		}()
	}

	c.resetSingleParticipantTimer(count)
	c.maybeInviteAll()
}

func (c *Conference) memberUpdated(o xmpp.Occupant) {
	if p, ok := c.getParticipant(types.EndpointID(o.Nick)); ok {
		p.role = o.Role
		p.affiliation = o.Affiliation
		if hints := parseClientHints(o.Presence); hints.Region != "" {
			p.region = types.Region(hints.Region)
		}
	}
}

func (c *Conference) memberLeft(o xmpp.Occupant) {
	id := types.EndpointID(o.Nick)
	c.mu.Lock()
	_, ok := c.participants[id]
	if ok {
		delete(c.participants, id)
	}
	count := len(c.participants)
	c.mu.Unlock()
	if !ok {
		return
	}

	if c.includeInStats {
		metrics.Participants.Dec()
	}
	removed := c.sources.RemoveOwner(id)
	c.prop.Remove(id, removed)
	c.sessions.RemoveParticipant(id)

	if count == 0 && c.State() == StateStarted {
		c.terminate("last participant left")
		return
	}
	c.resetSingleParticipantTimer(count)
}

// resetSingleParticipantTimer arms the lone-participant grace timer when
// the roster drops to one, and disarms it otherwise.
func (c *Conference) resetSingleParticipantTimer(count int) {
	c.singleTimerGen++
	if count != 1 {
		return
	}
	timeout := time.Duration(c.cfg.Conference.SingleParticipantTimeout) * time.Second
	if timeout <= 0 {
		return
	}
	gen := c.singleTimerGen
	t := c.clk.NewTimer(timeout)
	go func() {
		<-t.C()
		_ = c.exec.post(func() {
			if gen == c.singleTimerGen && c.ParticipantCount() == 1 {
				c.terminate("single participant timeout")
			}
		})
	}()
}

// --- invitations (prepared on the executor, IQ round-trips off it) ---

func (c *Conference) maybeInviteAll() {
	min := c.cfg.Conference.MinParticipants
	if min < 1 {
		min = 1
	}
	c.mu.RLock()
	pending := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		if !p.invited && !p.inviteRunning {
			pending = append(pending, p)
		}
	}
	deferred := len(c.participants) < min
	c.mu.RUnlock()

	for _, p := range pending {
		if deferred {
			p.queued = true
			continue
		}
		c.startInvite(p, jingle.ActionSessionInitiate)
	}
}

func (c *Conference) retryQueuedLocked() {
	if c.suspended || c.State() == StateTerminated {
		return
	}
	c.mu.RLock()
	queued := make([]*Participant, 0)
	for _, p := range c.participants {
		if p.queued && !p.inviteRunning {
			queued = append(queued, p)
		}
	}
	c.mu.RUnlock()
	for _, p := range queued {
		c.startInvite(p, jingle.ActionSessionInitiate)
	}
}

// startInvite kicks off the allocate-and-offer task for one participant.
// action is session-initiate for fresh sessions or transport-replace for an
// in-place re-invite.
func (c *Conference) startInvite(p *Participant, action string) {
	if c.suspended {
		p.queued = true
		return
	}
	if p.inviteRunning {
		p.queued = true
		return
	}
	if p.inviteAttempts >= maxInviteAttempts {
		logging.Warn(context.Background(), "abandoning participant after repeated invite failures",
			zap.String("endpoint", string(p.id)))
		metrics.ParticipantInvites.WithLabelValues("abandoned").Inc()
		return
	}
	p.queued = false
	p.invited = true
	p.inviteRunning = true
	p.inviteAttempts++

	sid := p.sessionID
	if action == jingle.ActionSessionInitiate {
		sid = p.newSession()
	}
	id, region, statsID := p.id, p.region, p.statsID
	go c.inviteTask(id, sid, region, statsID, action)
}

// inviteTask runs off the executor: allocation, offer composition and the
// client round-trip. Results are posted back onto the executor.
func (c *Conference) inviteTask(id types.EndpointID, sid string, region types.Region, statsID types.StatsID, action string) {
	ctx := logging.WithEndpoint(logging.WithConference(context.Background(), string(c.room)), string(id))

	offerOpts := jingle.OfferOptions{
		EnableSCTP:            c.cfg.Conference.EnableSCTP,
		UseSSRCRewriting:      c.cfg.Conference.UseSSRCRewriting,
		UseJSONEncodedSources: c.cfg.Conference.UseJSONEncodedSources,
		StripSimulcast:        c.cfg.Conference.StripSimulcast,
	}
	baseContents, _, err := jingle.BuildOffer(offerOpts, nil)
	if err != nil {
		logging.Error(ctx, "failed to build base offer", zap.Error(err))
		_ = c.exec.post(func() { c.inviteFinished(id, sid, false) })
		return
	}

	caps := []colibri.Capability{{Name: colibri.CapSourceNames}}
	if c.cfg.Conference.UseSSRCRewriting {
		caps = append(caps, colibri.Capability{Name: colibri.CapSSRCRewriting})
	}
	alloc, err := c.sessions.Allocate(ctx, colibri.ParticipantAllocation{
		ID:             id,
		StatsID:        statsID,
		Region:         region,
		Sources:        c.sources.Of(id),
		Medias:         colibri.MediasFromContents(baseContents),
		UseSctp:        c.cfg.Conference.EnableSCTP,
		Capabilities:   caps,
		ForceMuteAudio: c.sessions.IsForceMuted(id, types.MediaTypeAudio),
		ForceMuteVideo: c.sessions.IsForceMuted(id, types.MediaTypeVideo),
	})
	if err != nil {
		_ = c.exec.post(func() { c.allocationFailed(id, err) })
		return
	}

	remote := c.sources.Snapshot(id)
	if alloc.FeedbackSources != nil && !alloc.FeedbackSources.IsEmpty() {
		remote["jvb"] = alloc.FeedbackSources
	}
	contents, jsonSources, err := jingle.BuildOffer(offerOpts, remote)
	if err != nil {
		logging.Error(ctx, "failed to build offer", zap.Error(err))
		_ = c.exec.post(func() { c.inviteFinished(id, sid, false) })
		return
	}
	attachTransport(contents, alloc)

	offer := &jingle.Jingle{
		Action:    action,
		SID:       sid,
		Initiator: c.chatRoom.JID().WithResource(c.chatRoom.Nick()).String(),
		Contents:  contents,
		BridgeSession: &jingle.BridgeSession{
			ID:     alloc.BridgeSessionID,
			Region: string(alloc.Region),
		},
		JSONSources: jsonSources,
	}

	target, ok := c.occupantJIDOf(id)
	if !ok {
		// Left while we were allocating.
		c.sessions.RemoveParticipant(id)
		_ = c.exec.post(func() { c.inviteFinished(id, sid, false) })
		return
	}
	iq, err := jingle.NewIQ(target, offer)
	if err != nil {
		logging.Error(ctx, "failed to build session-initiate", zap.Error(err))
		_ = c.exec.post(func() { c.inviteFinished(id, sid, false) })
		return
	}

	sendCtx, cancel := context.WithTimeout(context.Background(), inviteTimeout)
	resp, sendErr := c.conn.SendIQ(sendCtx, iq)
	cancel()

	rejected := sendErr != nil || resp == nil || resp.IsError()
	_ = c.exec.post(func() {
		if rejected {
			c.inviteRejected(id, sid)
			return
		}
		c.inviteAcked(id, sid, alloc)
	})
}

func (c *Conference) inviteAcked(id types.EndpointID, sid string, alloc *colibri.Allocation) {
	p, ok := c.getParticipant(id)
	if !ok || p.sessionID != sid {
		// Re-invited (or gone) while the ack was in flight; that exchange
		// owns the bridge session now.
		return
	}
	p.inviteRunning = false
	p.inviteAttempts = 0
	p.bridgeSessionID = alloc.BridgeSessionID
	metrics.ParticipantInvites.WithLabelValues("ok").Inc()
	if p.queued {
		c.startInvite(p, jingle.ActionSessionInitiate)
	}
}

func (c *Conference) inviteRejected(id types.EndpointID, sid string) {
	p, ok := c.getParticipant(id)
	if !ok || p.sessionID != sid {
		return
	}
	p.inviteRunning = false
	if p.accepted {
		// The client acted on the session before acking the initiate;
		// treat the invite as successful.
		metrics.ParticipantInvites.WithLabelValues("ok").Inc()
		return
	}
	metrics.ParticipantInvites.WithLabelValues("rejected").Inc()
	logging.Warn(context.Background(), "client rejected session-initiate",
		zap.String("endpoint", string(id)))
	c.sessions.RemoveParticipant(id)
}

func (c *Conference) inviteFinished(id types.EndpointID, sid string, ok bool) {
	p, found := c.getParticipant(id)
	if !found || p.sessionID != sid {
		return
	}
	p.inviteRunning = false
	if !ok {
		metrics.ParticipantInvites.WithLabelValues("failed").Inc()
	}
}

// allocationFailed applies the recovery policy for a failed allocation.
func (c *Conference) allocationFailed(id types.EndpointID, err error) {
	p, ok := c.getParticipant(id)
	if ok {
		p.inviteRunning = false
	}
	ae, isAlloc := colibri.AsAllocationError(err)
	if !isAlloc {
		metrics.ParticipantInvites.WithLabelValues("failed").Inc()
		logging.Error(context.Background(), "allocation failed",
			zap.String("endpoint", string(id)), zap.Error(err))
		return
	}

	switch {
	case ae.Reason == colibri.ReasonSelectionFailed:
		// No capacity right now; wait for the fleet to change.
		if ok {
			p.queued = true
			p.inviteAttempts--
		}
		metrics.ParticipantInvites.WithLabelValues("no_bridge").Inc()

	case ae.Reason == colibri.ReasonBadRequest:
		metrics.ParticipantInvites.WithLabelValues("abandoned").Inc()
		logging.Error(context.Background(), "bridge rejected our request, abandoning participant",
			zap.String("endpoint", string(id)), zap.Error(ae))

	case ae.RemovesSession() && ae.Bridge != "":
		displaced := c.sessions.RemoveBridge(ae.Bridge)
		logging.Warn(context.Background(), "bridge session lost, re-inviting",
			zap.String("bridge", ae.Bridge.String()),
			zap.String("reason", string(ae.Reason)),
			zap.Int("displaced", len(displaced)))
		for _, other := range displaced {
			if op, found := c.getParticipant(other); found {
				c.startInvite(op, jingle.ActionSessionInitiate)
			}
		}
		if ok {
			c.startInvite(p, jingle.ActionSessionInitiate)
		}

	default:
		metrics.ParticipantInvites.WithLabelValues("failed").Inc()
		if ok {
			c.startInvite(p, jingle.ActionSessionInitiate)
		}
	}
}

// --- re-invites and moves ---

// reinvite moves a participant to a fresh bridge session. The endpoint id
// survives; only bridgeSessionID changes.
func (c *Conference) reinvite(p *Participant) {
	c.sessions.RemoveParticipant(p.id)
	switch c.cfg.Conference.ReinviteMethod {
	case config.ReinviteTerminateAndReinitiate:
		if p.accepted {
			c.sendSessionTerminate(p, "expired", "moving to a new bridge session")
		}
		c.startInvite(p, jingle.ActionSessionInitiate)
	default: // transport-replace: the jingle session continues
		if p.accepted {
			c.startInvite(p, jingle.ActionTransportReplace)
		} else {
			c.startInvite(p, jingle.ActionSessionInitiate)
		}
	}
}

// MoveEndpoint re-invites one endpoint away from its current bridge.
func (c *Conference) MoveEndpoint(id types.EndpointID) error {
	errCh := make(chan error, 1)
	postErr := c.exec.post(func() {
		p, ok := c.getParticipant(id)
		if !ok {
			errCh <- ErrUnknownEndpoint
			return
		}
		c.reinvite(p)
		errCh <- nil
	})
	if postErr != nil {
		return postErr
	}
	return <-errCh
}

// EndpointsOnBridge counts this conference's endpoints on one bridge.
func (c *Conference) EndpointsOnBridge(jid xmpp.JID) int {
	return c.sessions.EndpointsOn(jid)
}

// ParticipantsOnBridge lists this conference's endpoints on one bridge.
func (c *Conference) ParticipantsOnBridge(jid xmpp.JID) []types.EndpointID {
	return c.sessions.ParticipantsOn(jid)
}

// MoveEndpointsFrom re-invites up to n endpoints currently on the given
// bridge and returns how many were kicked off.
func (c *Conference) MoveEndpointsFrom(jid xmpp.JID, n int) int {
	if n <= 0 {
		return 0
	}
	ids := c.sessions.ParticipantsOn(jid)
	if len(ids) > n {
		ids = ids[:n]
	}
	moved := 0
	done := make(chan struct{})
	if err := c.exec.post(func() {
		defer close(done)
		for _, id := range ids {
			if p, ok := c.getParticipant(id); ok {
				c.reinvite(p)
				moved++
			}
		}
	}); err != nil {
		return 0
	}
	<-done
	return moved
}

// --- termination ---

func (c *Conference) terminate(reason string) {
	if State(c.state.Swap(int32(StateTerminated))) == StateTerminated {
		return
	}
	c.terminateWork(reason)
}

// terminateOnce is the idempotent half used by Stop for the case where the
// executor is already gone.
func (c *Conference) terminateOnce(reason string) {
	if State(c.state.Swap(int32(StateTerminated))) == StateTerminated {
		return
	}
	c.terminateWork(reason)
}

func (c *Conference) terminateWork(reason string) {
	ctx := logging.WithConference(context.Background(), string(c.room))
	logging.Info(ctx, "conference terminating", zap.String("reason", reason))

	c.singleTimerGen++
	c.prop.Stop()

	c.mu.Lock()
	remaining := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		remaining = append(remaining, p)
	}
	count := len(c.participants)
	c.participants = make(map[types.EndpointID]*Participant)
	c.mu.Unlock()

	for _, p := range remaining {
		if p.accepted {
			c.sendSessionTerminate(p, "gone", reason)
		}
	}
	c.sessions.Expire()
	c.chatRoom.Leave()

	if c.includeInStats {
		metrics.ActiveConferences.Dec()
		metrics.Participants.Sub(float64(count))
	}
	c.exec.close()
	c.fireEnded()
}

func (c *Conference) fireEnded() {
	c.endedOnce.Do(func() {
		if c.onEnded != nil {
			go c.onEnded(c)
		}
	})
}

func (c *Conference) sendSessionTerminate(p *Participant, condition, text string) {
	term := &jingle.Jingle{
		Action: jingle.ActionSessionTerminate,
		SID:    p.sessionID,
		Reason: &jingle.Reason{Condition: condition, Text: text},
	}
	iq, err := jingle.NewIQ(p.occupantJID, term)
	if err != nil {
		return
	}
	c.conn.SendIQAsync(iq, nil)
}

// --- helpers ---

func (c *Conference) getParticipant(id types.EndpointID) (*Participant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.participants[id]
	return p, ok
}

func (c *Conference) occupantJIDOf(id types.EndpointID) (xmpp.JID, bool) {
	p, ok := c.getParticipant(id)
	if !ok {
		return "", false
	}
	return p.occupantJID, true
}

// signalingDelay is the propagation window for the current roster size.
func (c *Conference) signalingDelay() time.Duration {
	return c.cfg.Conference.SourceSignalingDelay(c.ParticipantCount())
}

// deliverSourceBatch fans a flushed propagation window out to every
// accepted participant. Adds go out before removes.
func (c *Conference) deliverSourceBatch(batch sourceBatch) {
	c.mu.RLock()
	targets := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		if p.accepted {
			targets = append(targets, p)
		}
	}
	c.mu.RUnlock()

	send := func(action string, owner types.EndpointID, set *jingle.SourceSet) {
		contents := jingle.ContentsFromSourceSet(set, string(owner))
		for _, p := range targets {
			if p.id == owner {
				continue
			}
			msg := &jingle.Jingle{Action: action, SID: p.sessionID, Contents: contents}
			iq, err := jingle.NewIQ(p.occupantJID, msg)
			if err != nil {
				continue
			}
			c.conn.SendIQAsync(iq, nil)
		}
	}
	for owner, set := range batch.adds {
		send(jingle.ActionSourceAdd, owner, set)
	}
	for owner, set := range batch.removes {
		send(jingle.ActionSourceRemove, owner, set)
	}
}

func attachTransport(contents []jingle.Content, alloc *colibri.Allocation) {
	if alloc.Transport == nil {
		return
	}
	for i := range contents {
		t := *alloc.Transport
		if contents[i].Name == "data" {
			if alloc.SCTPPort != nil {
				t.SCTP = &jingle.SctpMap{Port: *alloc.SCTPPort, Protocol: "webrtc-datachannel", Streams: 1024}
			}
		} else {
			t.SCTP = nil
		}
		contents[i].Transport = &t
	}
}

// isRealParticipant filters our own seat and service occupants (bridges and
// detectors announce themselves with a colibri stats extension).
func isRealParticipant(o xmpp.Occupant, ownNick string) bool {
	if o.Nick == ownNick {
		return false
	}
	if o.Presence != nil && hasStatsExtension(o.Presence.Payload) {
		return false
	}
	return true
}

func hasStatsExtension(payload []byte) bool {
	dec := xml.NewDecoder(bytes.NewReader(payload))
	for {
		tok, err := dec.Token()
		if err != nil {
			return false
		}
		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Local == "stats" {
				return true
			}
			if err := dec.Skip(); err != nil {
				return false
			}
		}
	}
}
