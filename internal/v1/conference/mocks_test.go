package conference

import (
	"context"
	"encoding/xml"
	"fmt"
	"sync"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/colibri"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/jingle"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
)

// fakeSessions is a scripted SessionManager recording every call.
type fakeSessions struct {
	mu        sync.Mutex
	allocated []types.EndpointID
	regions   map[types.EndpointID]types.Region
	statsIDs  map[types.EndpointID]types.StatsID
	removed   []types.EndpointID
	updates   []updateCall
	muteCalls []muteCall
	expired   bool

	muted     map[string]bool
	allocErr  error
	bridgeSeq int
	onBridge  map[xmpp.JID][]types.EndpointID
}

type updateCall struct {
	id        types.EndpointID
	transport *jingle.IceUdpTransport
	sources   *jingle.SourceSet
}

type muteCall struct {
	id    types.EndpointID
	mute  bool
	media types.MediaType
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		muted:    make(map[string]bool),
		regions:  make(map[types.EndpointID]types.Region),
		statsIDs: make(map[types.EndpointID]types.StatsID),
		onBridge: make(map[xmpp.JID][]types.EndpointID),
	}
}

func (f *fakeSessions) Allocate(_ context.Context, p colibri.ParticipantAllocation) (*colibri.Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allocErr != nil {
		err := f.allocErr
		f.allocErr = nil
		return nil, err
	}
	f.allocated = append(f.allocated, p.ID)
	f.regions[p.ID] = p.Region
	f.statsIDs[p.ID] = p.StatsID
	f.bridgeSeq++
	return &colibri.Allocation{
		BridgeSessionID: fmt.Sprintf("bs-%d", f.bridgeSeq),
		Bridge:          "jvb1.example.com",
		Transport:       &jingle.IceUdpTransport{Ufrag: "uf", Pwd: "pw"},
	}, nil
}

func (f *fakeSessions) UpdateParticipant(id types.EndpointID, transport *jingle.IceUdpTransport, sources *jingle.SourceSet, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updateCall{id: id, transport: transport, sources: sources})
	return nil
}

func (f *fakeSessions) Mute(ids []types.EndpointID, mute bool, media types.MediaType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.muteCalls = append(f.muteCalls, muteCall{id: id, mute: mute, media: media})
		f.muted[string(id)+"/"+string(media)] = mute
	}
	return true
}

func (f *fakeSessions) IsForceMuted(id types.EndpointID, media types.MediaType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted[string(id)+"/"+string(media)]
}

func (f *fakeSessions) RemoveParticipant(id types.EndpointID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
}

func (f *fakeSessions) RemoveBridge(jid xmpp.JID) []types.EndpointID {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := f.onBridge[jid]
	delete(f.onBridge, jid)
	return ids
}

func (f *fakeSessions) Expire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = true
}

func (f *fakeSessions) EndpointsOn(jid xmpp.JID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.onBridge[jid])
}

func (f *fakeSessions) ParticipantsOn(jid xmpp.JID) []types.EndpointID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.EndpointID(nil), f.onBridge[jid]...)
}

func (f *fakeSessions) BridgeSessionID(types.EndpointID) (string, bool) {
	return fmt.Sprintf("bs-%d", f.bridgeSeq), f.bridgeSeq > 0
}

func (f *fakeSessions) SessionCount() int {
	return len(f.onBridge)
}

func (f *fakeSessions) allocRegion(id types.EndpointID) types.Region {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regions[id]
}

func (f *fakeSessions) allocStatsID(id types.EndpointID) types.StatsID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statsIDs[id]
}

func (f *fakeSessions) allocCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.allocated)
}

func (f *fakeSessions) removedIDs() []types.EndpointID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.EndpointID(nil), f.removed...)
}

func (f *fakeSessions) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

// fakeRoom is a scripted ChatRoom; tests fire occupant events directly.
type fakeRoom struct {
	mu        sync.Mutex
	jid       xmpp.JID
	nick      string
	listeners []xmpp.OccupantListener
	occupants map[string]xmpp.Occupant
	left      bool
	granted   []string
}

func newFakeRoom(jid xmpp.JID) *fakeRoom {
	return &fakeRoom{jid: jid, nick: "focus", occupants: make(map[string]xmpp.Occupant)}
}

func (r *fakeRoom) JID() xmpp.JID { return r.jid }
func (r *fakeRoom) Nick() string  { return r.nick }

func (r *fakeRoom) Join(context.Context) error { return nil }

func (r *fakeRoom) Leave() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.left = true
}

func (r *fakeRoom) AddListener(l xmpp.OccupantListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *fakeRoom) Occupants() []xmpp.Occupant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]xmpp.Occupant, 0, len(r.occupants))
	for _, o := range r.occupants {
		out = append(out, o)
	}
	return out
}

func (r *fakeRoom) GrantOwner(_ context.Context, nick string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.granted = append(r.granted, nick)
	return nil
}

func (r *fakeRoom) join(o xmpp.Occupant) {
	r.mu.Lock()
	r.occupants[o.Nick] = o
	listeners := append([]xmpp.OccupantListener(nil), r.listeners...)
	r.mu.Unlock()
	for _, l := range listeners {
		l.OccupantJoined(o)
	}
}

func (r *fakeRoom) leave(nick string) {
	r.mu.Lock()
	o := r.occupants[nick]
	delete(r.occupants, nick)
	listeners := append([]xmpp.OccupantListener(nil), r.listeners...)
	r.mu.Unlock()
	for _, l := range listeners {
		l.OccupantLeft(o)
	}
}

// fakeSignaler acks every IQ and records what was sent. With rejectIQ set
// it answers service-unavailable instead, like a client that refuses the
// session.
type fakeSignaler struct {
	mu       sync.Mutex
	sent     []*xmpp.IQ
	rejectIQ bool
}

func (s *fakeSignaler) SendIQ(_ context.Context, iq *xmpp.IQ) (*xmpp.IQ, error) {
	s.record(iq)
	s.mu.Lock()
	reject := s.rejectIQ
	s.mu.Unlock()
	if reject {
		return &xmpp.IQ{
			ID: iq.ID, From: iq.To, Type: xmpp.IQTypeError,
			Error: xmpp.NewStanzaError(xmpp.ErrorTypeCancel, xmpp.CondServiceUnavailable, ""),
		}, nil
	}
	return &xmpp.IQ{ID: iq.ID, From: iq.To, Type: xmpp.IQTypeResult}, nil
}

func (s *fakeSignaler) SendIQAsync(iq *xmpp.IQ, cb func(*xmpp.IQ, error)) {
	s.record(iq)
	if cb != nil {
		cb(&xmpp.IQ{ID: iq.ID, From: iq.To, Type: xmpp.IQTypeResult}, nil)
	}
}

func (s *fakeSignaler) record(iq *xmpp.IQ) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, iq)
}

// jinglesTo decodes every jingle stanza sent to one occupant, in order.
func (s *fakeSignaler) jinglesTo(to xmpp.JID) []*jingle.Jingle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*jingle.Jingle
	for _, iq := range s.sent {
		if iq.To != to {
			continue
		}
		var j jingle.Jingle
		if err := xml.Unmarshal(iq.Payload, &j); err == nil && j.Action != "" {
			out = append(out, &j)
		}
	}
	return out
}

func (s *fakeSignaler) jinglesByAction(to xmpp.JID, action string) []*jingle.Jingle {
	var out []*jingle.Jingle
	for _, j := range s.jinglesTo(to) {
		if j.Action == action {
			out = append(out, j)
		}
	}
	return out
}

// fakeLimiter scripts the restart rate limiter.
type fakeLimiter struct {
	mu  sync.Mutex
	err error
	n   int
}

func (l *fakeLimiter) Allow(types.RoomID, types.EndpointID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.n++
	return l.err
}

func occupant(nick string) xmpp.Occupant {
	return xmpp.Occupant{
		Nick:        nick,
		RealJID:     xmpp.JID(nick + "@example.com/client"),
		Role:        xmpp.MUCRoleParticipant,
		Affiliation: xmpp.MUCAffiliationMember,
	}
}

func moderator(nick string) xmpp.Occupant {
	o := occupant(nick)
	o.Role = xmpp.MUCRoleModerator
	return o
}
