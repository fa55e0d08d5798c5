package xmpp

import (
	"context"
	"encoding/xml"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/logging"
)

// MUC namespaces.
const (
	NSMUC     = "http://jabber.org/protocol/muc"
	NSMUCUser = "http://jabber.org/protocol/muc#user"
)

// MUC roles and affiliations as carried in presence items.
const (
	MUCRoleModerator   = "moderator"
	MUCRoleParticipant = "participant"
	MUCRoleVisitor     = "visitor"
	MUCRoleNone        = "none"

	MUCAffiliationOwner  = "owner"
	MUCAffiliationAdmin  = "admin"
	MUCAffiliationMember = "member"
	MUCAffiliationNone   = "none"
)

// Occupant is one member of a MUC room as last seen in presence.
type Occupant struct {
	// Nick is the room resource, unique within the room.
	Nick string
	// RealJID is the occupant's real address when the room discloses it.
	RealJID JID
	// Role and Affiliation as assigned by the MUC service.
	Role        string
	Affiliation string
	// Presence is the occupant's last full presence, for extension parsing.
	Presence *Presence
}

// OccupantJID returns the occupant's address inside the room.
func (o *Occupant) OccupantJID(room JID) JID {
	return room.WithResource(o.Nick)
}

// OccupantListener observes room membership. Callbacks fire outside the
// room lock, on the connection's read loop.
type OccupantListener interface {
	OccupantJoined(o Occupant)
	OccupantUpdated(o Occupant)
	OccupantLeft(o Occupant)
	RoomDestroyed()
}

// Room is a MUC occupancy view built from routed presence. It never persists
// anything; state is rebuilt by re-joining.
type Room struct {
	conn    *Conn
	roomJID JID
	nick    string

	mu        sync.RWMutex
	occupants map[string]*Occupant
	listeners []OccupantListener
	joined    bool

	joinedOnce sync.Once
	joinedCh   chan struct{}
}

// NewRoom prepares a room view and routes its presence. Call Join to enter.
func NewRoom(conn *Conn, roomJID JID, nick string) *Room {
	r := &Room{
		conn:      conn,
		roomJID:   roomJID.Bare(),
		nick:      nick,
		occupants: make(map[string]*Occupant),
		joinedCh:  make(chan struct{}),
	}
	conn.RoutePresence(r.roomJID, r.handlePresence)
	return r
}

// JID returns the bare room address.
func (r *Room) JID() JID {
	return r.roomJID
}

// Nick returns our own room resource.
func (r *Room) Nick() string {
	return r.nick
}

// AddListener subscribes to membership events. Add before Join so no event
// is missed.
func (r *Room) AddListener(l OccupantListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Join announces our presence and blocks until the service echoes it back
// or ctx expires.
func (r *Room) Join(ctx context.Context) error {
	join := &Presence{
		To:      r.roomJID.WithResource(r.nick),
		Payload: []byte(`<x xmlns="` + NSMUC + `"/>`),
	}
	if err := r.conn.SendStanza(join); err != nil {
		return fmt.Errorf("failed to send join presence: %w", err)
	}

	select {
	case <-r.joinedCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("joining %s: %w", r.roomJID, ctx.Err())
	}
}

// Leave exits the room and stops tracking it.
func (r *Room) Leave() {
	r.conn.UnroutePresence(r.roomJID)
	leave := &Presence{
		To:   r.roomJID.WithResource(r.nick),
		Type: PresenceUnavailable,
	}
	if err := r.conn.SendStanza(leave); err != nil {
		logging.Warn(context.Background(), "failed to send leave presence",
			zap.String("room", r.roomJID.String()), zap.Error(err))
	}

	r.mu.Lock()
	r.occupants = make(map[string]*Occupant)
	r.joined = false
	r.mu.Unlock()
}

// SendPresence publishes our presence in the room with the given extension
// payload (already-marshaled elements).
func (r *Room) SendPresence(payload []byte) error {
	return r.conn.SendStanza(&Presence{
		To:      r.roomJID.WithResource(r.nick),
		Payload: payload,
	})
}

// Joined reports whether our own join was confirmed.
func (r *Room) Joined() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.joined
}

// Occupant looks up a member by nick.
func (r *Room) Occupant(nick string) (Occupant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.occupants[nick]
	if !ok {
		return Occupant{}, false
	}
	return *o, true
}

// Occupants snapshots the membership, excluding ourselves.
func (r *Room) Occupants() []Occupant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Occupant, 0, len(r.occupants))
	for _, o := range r.occupants {
		if o.Nick == r.nick {
			continue
		}
		out = append(out, *o)
	}
	return out
}

// OccupantCount counts members, excluding ourselves.
func (r *Room) OccupantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.occupants)
	if _, ok := r.occupants[r.nick]; ok {
		n--
	}
	return n
}

// NSMUCAdmin is the namespace of room administration requests.
const NSMUCAdmin = "http://jabber.org/protocol/muc#admin"

// mucAdminQuery is the payload of an affiliation change request.
type mucAdminQuery struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/muc#admin query"`
	Items   []struct {
		Nick        string `xml:"nick,attr,omitempty"`
		Affiliation string `xml:"affiliation,attr"`
	} `xml:"item"`
}

// GrantOwner promotes an occupant to room owner. Requires that we hold
// owner affiliation ourselves.
func (r *Room) GrantOwner(ctx context.Context, nick string) error {
	query := mucAdminQuery{}
	query.Items = append(query.Items, struct {
		Nick        string `xml:"nick,attr,omitempty"`
		Affiliation string `xml:"affiliation,attr"`
	}{Nick: nick, Affiliation: MUCAffiliationOwner})

	iq, err := NewIQ(IQTypeSet, r.roomJID, query)
	if err != nil {
		return fmt.Errorf("failed to build affiliation request: %w", err)
	}
	resp, err := r.conn.SendIQ(ctx, iq)
	if err != nil {
		return fmt.Errorf("granting owner to %s in %s: %w", nick, r.roomJID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("room refused owner grant for %s: %s", nick, resp.Error.Condition())
	}
	return nil
}

// mucUserExtension is the muc#user payload of a room presence.
type mucUserExtension struct {
	XMLName xml.Name `xml:"presence"`
	X       *struct {
		Item struct {
			JID         string `xml:"jid,attr"`
			Role        string `xml:"role,attr"`
			Affiliation string `xml:"affiliation,attr"`
		} `xml:"item"`
		Status []struct {
			Code int `xml:"code,attr"`
		} `xml:"status"`
		Destroy *struct{} `xml:"destroy"`
	} `xml:"http://jabber.org/protocol/muc#user x"`
}

func (r *Room) handlePresence(p *Presence) {
	nick := p.From.Resource()
	if nick == "" {
		return
	}

	var ext mucUserExtension
	if err := xml.Unmarshal(p.Raw, &ext); err != nil {
		logging.Warn(context.Background(), "malformed room presence",
			zap.String("room", r.roomJID.String()), zap.Error(err))
		return
	}

	if p.IsUnavailable() {
		if ext.X != nil && ext.X.Destroy != nil {
			r.handleDestroyed()
			return
		}
		r.handleLeft(nick)
		return
	}

	occ := Occupant{Nick: nick, Presence: p}
	if ext.X != nil {
		occ.RealJID = JID(ext.X.Item.JID)
		occ.Role = ext.X.Item.Role
		occ.Affiliation = ext.X.Item.Affiliation
	}

	r.mu.Lock()
	_, existed := r.occupants[nick]
	r.occupants[nick] = &occ
	self := nick == r.nick
	if self {
		r.joined = true
	}
	listeners := r.snapshotListenersLocked()
	r.mu.Unlock()

	if self {
		r.joinedOnce.Do(func() { close(r.joinedCh) })
		return
	}
	for _, l := range listeners {
		if existed {
			l.OccupantUpdated(occ)
		} else {
			l.OccupantJoined(occ)
		}
	}
}

func (r *Room) handleLeft(nick string) {
	r.mu.Lock()
	occ, existed := r.occupants[nick]
	if existed {
		delete(r.occupants, nick)
	}
	if nick == r.nick {
		r.joined = false
	}
	listeners := r.snapshotListenersLocked()
	r.mu.Unlock()

	if !existed || nick == r.nick {
		return
	}
	for _, l := range listeners {
		l.OccupantLeft(*occ)
	}
}

func (r *Room) handleDestroyed() {
	r.mu.Lock()
	r.occupants = make(map[string]*Occupant)
	r.joined = false
	listeners := r.snapshotListenersLocked()
	r.mu.Unlock()

	for _, l := range listeners {
		l.RoomDestroyed()
	}
}

func (r *Room) snapshotListenersLocked() []OccupantListener {
	out := make([]OccupantListener, len(r.listeners))
	copy(out, r.listeners)
	return out
}
