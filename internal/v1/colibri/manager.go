package colibri

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/bridge"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/jingle"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/logging"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/metrics"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
)

// Sender is the slice of the signaling connection the manager needs.
type Sender interface {
	SendIQ(ctx context.Context, iq *xmpp.IQ) (*xmpp.IQ, error)
	SendIQAsync(iq *xmpp.IQ, cb func(*xmpp.IQ, error))
}

// ManagerConfig fixes one conference's bridge contract.
type ManagerConfig struct {
	// MeetingID identifies the conference toward bridges.
	MeetingID string
	// RoomName is informational, carried on conference creation.
	RoomName string
	// RequestTimeout bounds the allocation round-trip.
	RequestTimeout time.Duration
	// RelaysEnabled allows the conference to span multiple bridges.
	RelaysEnabled bool
	// PinnedVersion, when non-nil, is consulted at selection time.
	PinnedVersion func() types.BridgeVersion
	// OnBridgeFailure is told when an asynchronous bridge update failed in a
	// way that dooms the session. May be nil.
	OnBridgeFailure func(bridgeJID xmpp.JID, reason FailureReason)
}

// ParticipantAllocation is the input to Allocate.
type ParticipantAllocation struct {
	ID      types.EndpointID
	StatsID types.StatsID
	Region  types.Region
	Sources *jingle.SourceSet
	// Medias is the payload-type surface from the participant's offer.
	Medias []Media
	// UseSctp asks for a data channel association.
	UseSctp bool
	// Capabilities the client advertised (source names, ssrc rewriting).
	Capabilities    []Capability
	ForceMuteAudio  bool
	ForceMuteVideo  bool
}

// Allocation is the immutable result of an accepted endpoint.
type Allocation struct {
	// BridgeSessionID changes on every re-invite, exposing stale client
	// exchanges.
	BridgeSessionID string
	Bridge          xmpp.JID
	Region          types.Region
	Transport       *jingle.IceUdpTransport
	SCTPPort        *uint16
	// FeedbackSources are the sources the bridge itself emits.
	FeedbackSources *jingle.SourceSet
}

// Manager owns the colibri contract for one conference: sessions per
// bridge, the relay mesh between them, endpoint state and expiry. One lock
// protects the maps; every IQ round-trip happens outside it.
type Manager struct {
	conn     Sender
	selector *bridge.Selector
	cfg      ManagerConfig

	mu              sync.Mutex
	sessions        map[*bridge.Bridge]*session
	participants    map[types.EndpointID]*participantInfo
	feedbackSources *jingle.SourceSet
	sessionSeq      int
	expired         bool
}

// outbound is a bridge message prepared under the lock and sent outside it.
type outbound struct {
	to         xmpp.JID
	payload    *ConferenceModify
	onResponse func(resp *xmpp.IQ, err error)
}

// NewManager builds the bridge-session manager for one conference.
func NewManager(conn Sender, selector *bridge.Selector, cfg ManagerConfig) *Manager {
	return &Manager{
		conn:         conn,
		selector:     selector,
		cfg:          cfg,
		sessions:     make(map[*bridge.Bridge]*session),
		participants: make(map[types.EndpointID]*participantInfo),
	}
}

// Allocate runs the allocation protocol for one participant and returns the
// accepted allocation. Errors are *AllocationError; the caller decides the
// recovery policy.
func (m *Manager) Allocate(ctx context.Context, p ParticipantAllocation) (*Allocation, error) {
	m.mu.Lock()
	if m.expired {
		m.mu.Unlock()
		return nil, &AllocationError{Reason: ReasonGeneric, Cause: fmt.Errorf("conference expired")}
	}
	if _, dup := m.participants[p.ID]; dup {
		m.mu.Unlock()
		return nil, &AllocationError{Reason: ReasonBadRequest,
			Cause: fmt.Errorf("participant %s already allocated", p.ID)}
	}

	var pinned types.BridgeVersion
	if m.cfg.PinnedVersion != nil {
		pinned = m.cfg.PinnedVersion()
	}
	b, err := m.selector.Select(m.sessionCountsLocked(), p.Region, pinned)
	if err != nil {
		m.mu.Unlock()
		metrics.AllocationFailures.WithLabelValues(string(ReasonSelectionFailed)).Inc()
		return nil, &AllocationError{Reason: ReasonSelectionFailed, Cause: err}
	}

	s, isNew := m.getOrCreateSessionLocked(b)
	info := &participantInfo{
		id:              p.ID,
		statsID:         p.StatsID,
		sources:         cloneOrEmpty(p.Sources),
		session:         s,
		audioForceMuted: p.ForceMuteAudio,
		videoForceMuted: p.ForceMuteVideo,
		medias:          p.Medias,
		useSctp:         p.UseSctp,
		caps:            p.Capabilities,
	}
	m.participants[p.ID] = info
	s.participants[p.ID] = info

	req := m.buildAllocationRequestLocked(s, info)
	var relayMsgs []outbound
	if m.cfg.RelaysEnabled {
		if isNew {
			// The new session is initiator toward every existing one; its
			// own relay elements ride in the allocation request so the
			// bridge sees the conference create first. The existing
			// sessions get their halves here.
			for _, other := range m.sessions {
				if other == s {
					continue
				}
				req.Relays = append(req.Relays, m.relayCreateLocked(s, other))
				relayMsgs = append(relayMsgs, m.relayCreateMessageLocked(other, s))
			}
		} else {
			// Established session: every other session learns the new
			// endpoint over its relay toward this bridge.
			for _, other := range m.sessions {
				if other == s {
					continue
				}
				relayMsgs = append(relayMsgs, m.relayEndpointUpdateLocked(other, s, info, false))
			}
		}
	}
	m.mu.Unlock()

	for _, msg := range relayMsgs {
		m.send(msg)
	}

	start := time.Now()
	resp, sendErr := m.roundTrip(ctx, b, req)
	metrics.ColibriRequestDuration.WithLabelValues("allocate").Observe(time.Since(start).Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	if fail := classifyResponse(b.JID(), resp, sendErr); fail != nil {
		for _, msg := range m.removeParticipantLocked(p.ID) {
			m.send(msg)
		}
		if fail.MarksBridgeFaulty() {
			m.selector.MarkNonOperational(b.JID())
		}
		metrics.AllocationFailures.WithLabelValues(string(fail.Reason)).Inc()
		metrics.ColibriRequests.WithLabelValues("allocate", "error").Inc()
		return nil, fail
	}

	modified, parseErr := ParseResponse(resp)
	if parseErr == nil {
		_, ok := modified.EndpointByID(string(p.ID))
		if !ok {
			parseErr = fmt.Errorf("response has no endpoint %s", p.ID)
		}
	}
	if parseErr != nil {
		for _, msg := range m.removeParticipantLocked(p.ID) {
			m.send(msg)
		}
		m.selector.MarkNonOperational(b.JID())
		metrics.AllocationFailures.WithLabelValues(string(ReasonParsing)).Inc()
		metrics.ColibriRequests.WithLabelValues("allocate", "error").Inc()
		return nil, &AllocationError{Reason: ReasonParsing, Bridge: b.JID(), Cause: parseErr}
	}

	endpoint, _ := modified.EndpointByID(string(p.ID))
	if !s.created {
		if fb, err := SetFromSources(modified.Sources); err == nil {
			m.feedbackSources = fb
		}
		s.created = true
	}
	m.selector.MarkAllocationSucceeded(b.JID())
	metrics.ColibriRequests.WithLabelValues("allocate", "ok").Inc()

	// Relay transports the bridge returned ride in the same response.
	m.handleRelayTransportsLocked(s, modified.Relays)

	alloc := &Allocation{
		BridgeSessionID: s.id,
		Bridge:          b.JID(),
		FeedbackSources: cloneOrEmpty(m.feedbackSources),
	}
	if status, ok := m.selector.StatusOf(b.JID()); ok {
		alloc.Region = status.Region
	}
	if endpoint.Transport != nil {
		alloc.Transport = endpoint.Transport.ICE
		if endpoint.Transport.SCTP != nil {
			alloc.SCTPPort = endpoint.Transport.SCTP.Port
		}
	}
	return alloc, nil
}

// UpdateParticipant pushes a participant's new transport and/or sources to
// its bridge and propagates the sources over the relay mesh.
func (m *Manager) UpdateParticipant(id types.EndpointID, transport *jingle.IceUdpTransport, sources *jingle.SourceSet, suppressLocalBridgeUpdate bool) error {
	m.mu.Lock()
	info, ok := m.participants[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown participant %s", id)
	}
	if sources != nil {
		info.sources = sources.Clone()
	}

	var msgs []outbound
	if !suppressLocalBridgeUpdate {
		ep := Endpoint{ID: string(id), StatsID: string(info.statsID)}
		if transport != nil {
			ep.Transport = &Transport{ICE: transport}
		}
		if sources != nil {
			ep.Sources = SourcesFromSet(info.sources)
		}
		msgs = append(msgs, outbound{
			to:      info.session.bridge.JID(),
			payload: m.conferenceModifyLocked(info.session, func(cm *ConferenceModify) { cm.Endpoints = []Endpoint{ep} }),
		})
	}
	if sources != nil && m.cfg.RelaysEnabled {
		for _, other := range m.sessions {
			if other == info.session {
				continue
			}
			msgs = append(msgs, m.relayEndpointUpdateLocked(other, info.session, info, false))
		}
	}
	m.mu.Unlock()

	for _, msg := range msgs {
		m.send(msg)
	}
	return nil
}

// Mute applies force-mute to the given participants on their bridges.
// Returns false when any id is unknown; known participants are still muted.
func (m *Manager) Mute(ids []types.EndpointID, mute bool, media types.MediaType) bool {
	m.mu.Lock()
	ok := true
	dirty := map[*session][]*participantInfo{}
	for _, id := range ids {
		info, found := m.participants[id]
		if !found {
			ok = false
			continue
		}
		switch media {
		case types.MediaTypeAudio:
			info.audioForceMuted = mute
		case types.MediaTypeVideo:
			info.videoForceMuted = mute
		default:
			ok = false
			continue
		}
		dirty[info.session] = append(dirty[info.session], info)
	}

	var msgs []outbound
	for s, infos := range dirty {
		var eps []Endpoint
		for _, info := range infos {
			eps = append(eps, Endpoint{
				ID:        string(info.id),
				ForceMute: &ForceMute{Audio: info.audioForceMuted, Video: info.videoForceMuted},
			})
		}
		captured := eps
		msgs = append(msgs, outbound{
			to:      s.bridge.JID(),
			payload: m.conferenceModifyLocked(s, func(cm *ConferenceModify) { cm.Endpoints = captured }),
		})
	}
	m.mu.Unlock()

	for _, msg := range msgs {
		m.send(msg)
	}
	return ok
}

// IsForceMuted reports the recorded moderation state of a participant.
func (m *Manager) IsForceMuted(id types.EndpointID, media types.MediaType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.participants[id]
	if !ok {
		return false
	}
	if media == types.MediaTypeAudio {
		return info.audioForceMuted
	}
	return info.videoForceMuted
}

// RemoveParticipant expires the endpoint on its bridge and on every relay.
// Removing an unknown participant is a no-op.
func (m *Manager) RemoveParticipant(id types.EndpointID) {
	m.mu.Lock()
	msgs := m.removeParticipantLocked(id)
	m.mu.Unlock()

	for _, msg := range msgs {
		m.send(msg)
	}
}

// removeParticipantLocked detaches the participant and prepares the expiry
// traffic. When the participant was the session's last, the whole session
// goes with it.
func (m *Manager) removeParticipantLocked(id types.EndpointID) []outbound {
	info, ok := m.participants[id]
	if !ok {
		return nil
	}
	delete(m.participants, id)
	s := info.session
	delete(s.participants, id)

	if len(s.participants) == 0 {
		return m.removeSessionLocked(s, true)
	}

	msgs := []outbound{{
		to: s.bridge.JID(),
		payload: m.conferenceModifyLocked(s, func(cm *ConferenceModify) {
			cm.Endpoints = []Endpoint{{ID: string(id), Expire: true}}
		}),
	}}
	if m.cfg.RelaysEnabled {
		for _, other := range m.sessions {
			if other == s {
				continue
			}
			msgs = append(msgs, m.relayEndpointUpdateLocked(other, s, info, true))
		}
	}
	return msgs
}

// removeSessionLocked drops a session and its relay twins. When notify is
// set the session's bridge is told to expire the conference.
func (m *Manager) removeSessionLocked(s *session, notify bool) []outbound {
	delete(m.sessions, s.bridge)

	var msgs []outbound
	if notify {
		msgs = append(msgs, outbound{
			to:      s.bridge.JID(),
			payload: &ConferenceModify{MeetingID: m.cfg.MeetingID, Expire: true},
		})
	}
	for _, other := range m.sessions {
		if _, ok := other.relays[s.relayID]; !ok {
			continue
		}
		delete(other.relays, s.relayID)
		msgs = append(msgs, outbound{
			to: other.bridge.JID(),
			payload: m.conferenceModifyLocked(other, func(cm *ConferenceModify) {
				cm.Relays = []RelayElement{{ID: s.relayID, Expire: true}}
			}),
		})
	}
	s.relays = make(map[string]*relay)
	return msgs
}

// RemoveBridge drops the session on a failed bridge without telling it and
// returns the endpoint ids that need re-inviting.
func (m *Manager) RemoveBridge(jid xmpp.JID) []types.EndpointID {
	m.mu.Lock()
	var victim *session
	for b, s := range m.sessions {
		if b.JID() == jid {
			victim = s
			break
		}
	}
	if victim == nil {
		m.mu.Unlock()
		return nil
	}
	ids := victim.participantIDs()
	for _, id := range ids {
		delete(m.participants, id)
	}
	victim.participants = make(map[types.EndpointID]*participantInfo)
	msgs := m.removeSessionLocked(victim, false)
	m.mu.Unlock()

	for _, msg := range msgs {
		m.send(msg)
	}
	return ids
}

// Expire tears down every session, best-effort.
func (m *Manager) Expire() {
	m.mu.Lock()
	if m.expired {
		m.mu.Unlock()
		return
	}
	m.expired = true
	var msgs []outbound
	for _, s := range m.sessions {
		msgs = append(msgs, outbound{
			to:      s.bridge.JID(),
			payload: &ConferenceModify{MeetingID: m.cfg.MeetingID, Expire: true},
		})
	}
	m.sessions = make(map[*bridge.Bridge]*session)
	m.participants = make(map[types.EndpointID]*participantInfo)
	m.mu.Unlock()

	for _, msg := range msgs {
		m.send(msg)
	}
}

// SessionCounts snapshots endpoints per bridge; the selector's inUse hint.
func (m *Manager) SessionCounts() map[*bridge.Bridge]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionCountsLocked()
}

// EndpointsOn counts this conference's endpoints on one bridge.
func (m *Manager) EndpointsOn(jid xmpp.JID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for b, s := range m.sessions {
		if b.JID() == jid {
			return len(s.participants)
		}
	}
	return 0
}

// ParticipantsOn lists this conference's endpoints on one bridge.
func (m *Manager) ParticipantsOn(jid xmpp.JID) []types.EndpointID {
	m.mu.Lock()
	defer m.mu.Unlock()
	for b, s := range m.sessions {
		if b.JID() == jid {
			return s.participantIDs()
		}
	}
	return nil
}

// BridgeSessionID returns the session id behind a participant, used to
// detect stale client exchanges after a re-invite.
func (m *Manager) BridgeSessionID(id types.EndpointID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.participants[id]
	if !ok {
		return "", false
	}
	return info.session.id, true
}

// SessionCount returns the number of live bridge sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) sessionCountsLocked() map[*bridge.Bridge]int {
	out := make(map[*bridge.Bridge]int, len(m.sessions))
	for b, s := range m.sessions {
		out[b] = len(s.participants)
	}
	return out
}

func (m *Manager) getOrCreateSessionLocked(b *bridge.Bridge) (*session, bool) {
	if s, ok := m.sessions[b]; ok {
		return s, false
	}
	m.sessionSeq++
	s := &session{
		id:           uuid.NewString(),
		bridge:       b,
		seq:          m.sessionSeq,
		participants: make(map[types.EndpointID]*participantInfo),
		relays:       make(map[string]*relay),
	}
	// Relay id defaults to the bridge identity when presence carried none;
	// it only needs to be unique within the conference.
	s.relayID = b.JID().String()
	if status, ok := m.selector.StatusOf(b.JID()); ok && status.RelayID != "" {
		s.relayID = status.RelayID
	}
	m.sessions[b] = s
	return s, true
}

// buildAllocationRequestLocked is step 3 of the allocation protocol.
func (m *Manager) buildAllocationRequestLocked(s *session, info *participantInfo) *ConferenceModify {
	ep := Endpoint{
		ID:      string(info.id),
		StatsID: string(info.statsID),
		Create:  true,
		Media:   info.medias,
		Caps:    info.caps,
		Transport: &Transport{
			IceControlling: true,
		},
		Sources: SourcesFromSet(info.sources),
	}
	if info.useSctp {
		ep.Transport.SCTP = &Sctp{Role: "server"}
	}
	if info.audioForceMuted || info.videoForceMuted {
		ep.ForceMute = &ForceMute{Audio: info.audioForceMuted, Video: info.videoForceMuted}
	}
	cm := &ConferenceModify{
		MeetingID: m.cfg.MeetingID,
		Endpoints: []Endpoint{ep},
	}
	if !s.created {
		cm.Create = true
		cm.Name = m.cfg.RoomName
	}
	return cm
}

// conferenceModifyLocked builds the message envelope for a session.
func (m *Manager) conferenceModifyLocked(_ *session, fill func(*ConferenceModify)) *ConferenceModify {
	cm := &ConferenceModify{MeetingID: m.cfg.MeetingID}
	fill(cm)
	return cm
}

// relayCreateLocked builds local's relay element toward remote and records
// the relay object.
func (m *Manager) relayCreateLocked(local, remote *session) RelayElement {
	initiator := local.isInitiatorToward(remote)
	local.relays[remote.relayID] = &relay{remoteRelayID: remote.relayID, initiator: initiator}

	eps := RelayEndpoints{}
	for _, info := range remote.participants {
		eps.Endpoints = append(eps.Endpoints, Endpoint{
			ID:      string(info.id),
			StatsID: string(info.statsID),
			Create:  true,
			Sources: SourcesFromSet(info.sources),
		})
	}
	return RelayElement{
		ID:        remote.relayID,
		Create:    true,
		MeshID:    "0",
		Endpoints: &eps,
		Transport: &Transport{
			IceControlling: initiator,
			UseUniquePort:  !initiator,
		},
	}
}

// relayCreateMessageLocked prepares the standalone relay create sent to an
// established session when a new session joins the mesh.
func (m *Manager) relayCreateMessageLocked(local, remote *session) outbound {
	rel := m.relayCreateLocked(local, remote)
	localJID := local.bridge.JID()
	remoteRelayID := remote.relayID
	return outbound{
		to: localJID,
		payload: m.conferenceModifyLocked(local, func(cm *ConferenceModify) {
			cm.Relays = []RelayElement{rel}
		}),
		onResponse: func(resp *xmpp.IQ, err error) {
			m.handleRelayCreateResponse(localJID, remoteRelayID, resp, err)
		},
	}
}

// relayEndpointUpdateLocked carries one participant of target over local's
// relay toward target: create/update its sources, or expire it.
func (m *Manager) relayEndpointUpdateLocked(local, target *session, info *participantInfo, expire bool) outbound {
	ep := Endpoint{ID: string(info.id), StatsID: string(info.statsID)}
	if expire {
		ep.Expire = true
	} else {
		ep.Create = true
		ep.Sources = SourcesFromSet(info.sources)
	}
	return outbound{
		to: local.bridge.JID(),
		payload: m.conferenceModifyLocked(local, func(cm *ConferenceModify) {
			cm.Relays = []RelayElement{{
				ID:        target.relayID,
				Endpoints: &RelayEndpoints{Endpoints: []Endpoint{ep}},
			}}
		}),
	}
}

// handleRelayCreateResponse forwards the transport a bridge returned for
// its relay half to the peer bridge.
func (m *Manager) handleRelayCreateResponse(from xmpp.JID, remoteRelayID string, resp *xmpp.IQ, err error) {
	ctx := context.Background()
	if fail := classifyResponse(from, resp, err); fail != nil {
		logging.Warn(ctx, "relay create failed",
			zap.String("bridge", from.String()), zap.String("reason", string(fail.Reason)))
		m.reportAsyncFailure(from, fail)
		return
	}
	modified, perr := ParseResponse(resp)
	if perr != nil {
		logging.Warn(ctx, "malformed relay create response", zap.Error(perr))
		return
	}
	rel, ok := modified.RelayByID(remoteRelayID)
	if !ok || rel.Transport == nil || rel.Transport.ICE == nil {
		return
	}

	m.mu.Lock()
	var local *session
	for b, s := range m.sessions {
		if b.JID() == from {
			local = s
			break
		}
	}
	if local == nil {
		m.mu.Unlock()
		return
	}
	msg, fwdErr := m.forwardRelayTransportLocked(local, remoteRelayID, rel.Transport.ICE)
	m.mu.Unlock()

	if fwdErr != nil {
		logging.Warn(ctx, "dropping relay transport", zap.Error(fwdErr))
		return
	}
	if msg != nil {
		m.send(*msg)
	}
}

// handleRelayTransportsLocked processes relay transports that rode along in
// an allocation response. Sending is non-blocking, so it is safe under the
// lock.
func (m *Manager) handleRelayTransportsLocked(local *session, relays []RelayElement) {
	for _, rel := range relays {
		if rel.Transport == nil || rel.Transport.ICE == nil {
			continue
		}
		msg, err := m.forwardRelayTransportLocked(local, rel.ID, rel.Transport.ICE)
		if err != nil {
			logging.Warn(context.Background(), "dropping relay transport", zap.Error(err))
			continue
		}
		if msg != nil {
			m.send(*msg)
		}
	}
}

// forwardRelayTransportLocked rewrites local's relay transport for the peer
// session and prepares the message setting it there. The DTLS role and the
// WebSocket advertisement are derived from the initiator flag so both ends
// converge without negotiation.
func (m *Manager) forwardRelayTransportLocked(local *session, remoteRelayID string, ice *jingle.IceUdpTransport) (*outbound, error) {
	rel, ok := local.relays[remoteRelayID]
	if !ok {
		return nil, fmt.Errorf("no relay %s on session %s", remoteRelayID, local.id)
	}
	var peer *session
	for _, s := range m.sessions {
		if s != local && s.relayID == remoteRelayID {
			peer = s
			break
		}
	}
	if peer == nil {
		return nil, fmt.Errorf("no peer session with relay id %s", remoteRelayID)
	}

	fwd := *ice
	fwd.Candidates = append([]jingle.Candidate(nil), ice.Candidates...)
	fwd.Fingerprints = append([]jingle.Fingerprint(nil), ice.Fingerprints...)
	for i := range fwd.Fingerprints {
		if fwd.Fingerprints[i].Setup != "actpass" {
			return nil, fmt.Errorf("bridge sent dtls setup %q, want actpass", fwd.Fingerprints[i].Setup)
		}
		if rel.initiator {
			// local is the active end; the peer must act as server.
			fwd.Fingerprints[i].Setup = "active"
		} else {
			fwd.Fingerprints[i].Setup = "passive"
		}
	}
	if rel.initiator {
		// The non-initiator never sees a websocket advertisement, so the
		// initiator alone connects as the websocket client.
		fwd.WebSockets = nil
	}
	rel.transportUpdated = true

	localRelayID := local.relayID
	return &outbound{
		to: peer.bridge.JID(),
		payload: m.conferenceModifyLocked(peer, func(cm *ConferenceModify) {
			cm.Relays = []RelayElement{{
				ID:        localRelayID,
				Transport: &Transport{ICE: &fwd},
			}}
		}),
	}, nil
}

// roundTrip sends the allocation request through the bridge's breaker so
// consecutive failures take the bridge out of selection.
func (m *Manager) roundTrip(ctx context.Context, b *bridge.Bridge, payload *ConferenceModify) (*xmpp.IQ, error) {
	iq, err := xmpp.NewIQ(xmpp.IQTypeSet, b.JID(), payload)
	if err != nil {
		return nil, err
	}
	if m.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.RequestTimeout)
		defer cancel()
	}
	result, err := b.Breaker().Execute(func() (interface{}, error) {
		return m.conn.SendIQ(ctx, iq)
	})
	if err != nil {
		return nil, err
	}
	return result.(*xmpp.IQ), nil
}

// send fires a prepared message without blocking the caller. Responses are
// classified so session-dooming failures surface to the orchestrator.
func (m *Manager) send(msg outbound) {
	iq, err := xmpp.NewIQ(xmpp.IQTypeSet, msg.to, msg.payload)
	if err != nil {
		logging.Error(context.Background(), "failed to build bridge message", zap.Error(err))
		return
	}
	to := msg.to
	cb := msg.onResponse
	m.conn.SendIQAsync(iq, func(resp *xmpp.IQ, err error) {
		if cb != nil {
			cb(resp, err)
			return
		}
		if fail := classifyResponse(to, resp, err); fail != nil {
			logging.Warn(context.Background(), "bridge update failed",
				zap.String("bridge", to.String()), zap.String("reason", string(fail.Reason)))
			metrics.ColibriRequests.WithLabelValues("update", "error").Inc()
			m.reportAsyncFailure(to, fail)
			return
		}
		metrics.ColibriRequests.WithLabelValues("update", "ok").Inc()
	})
}

func (m *Manager) reportAsyncFailure(jid xmpp.JID, fail *AllocationError) {
	if fail.MarksBridgeFaulty() {
		m.selector.MarkNonOperational(jid)
	}
	if m.cfg.OnBridgeFailure != nil && fail.RemovesSession() {
		m.cfg.OnBridgeFailure(jid, fail.Reason)
	}
}

func cloneOrEmpty(set *jingle.SourceSet) *jingle.SourceSet {
	if set == nil {
		return &jingle.SourceSet{}
	}
	return set.Clone()
}
