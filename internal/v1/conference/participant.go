package conference

import (
	"encoding/xml"

	"github.com/google/uuid"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/jingle"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
)

// maxInviteAttempts bounds how often one participant is re-invited after
// allocation failures before being abandoned.
const maxInviteAttempts = 2

// Participant is one client seat in a conference. The endpoint id is the
// MUC nick and survives re-invites; only the bridge session behind it
// changes. All fields are owned by the conference executor.
type Participant struct {
	id      types.EndpointID
	statsID types.StatsID
	// occupantJID is where signaling for this participant goes.
	occupantJID xmpp.JID
	realJID     xmpp.JID
	region      types.Region

	role        string
	affiliation string

	// sessionID is the jingle session id, minted per invite.
	sessionID string
	// bridgeSessionID is echoed by the client; a mismatch marks a stale
	// exchange from before a re-invite.
	bridgeSessionID string

	invited        bool
	inviteRunning  bool
	accepted       bool
	queued         bool
	inviteAttempts int

	// transport accumulates the client's ICE candidates across
	// session-accept and transport-info.
	transport *jingle.IceUdpTransport
}

// clientHints are the extensions Jitsi clients carry in their MUC presence.
type clientHints struct {
	XMLName xml.Name `xml:"presence"`
	Region  string   `xml:"jitsi_participant_region"`
	StatsID string   `xml:"stats-id"`
}

func parseClientHints(p *xmpp.Presence) clientHints {
	var h clientHints
	if p == nil || len(p.Raw) == 0 {
		return h
	}
	_ = xml.Unmarshal(p.Raw, &h)
	return h
}

func newParticipant(room xmpp.JID, o xmpp.Occupant) *Participant {
	hints := parseClientHints(o.Presence)
	statsID := hints.StatsID
	if statsID == "" {
		statsID = o.Nick
	}
	return &Participant{
		id:          types.EndpointID(o.Nick),
		statsID:     types.StatsID(statsID),
		occupantJID: o.OccupantJID(room),
		realJID:     o.RealJID,
		region:      types.Region(hints.Region),
		role:        o.Role,
		affiliation: o.Affiliation,
	}
}

// ID returns the endpoint id.
func (p *Participant) ID() types.EndpointID {
	return p.id
}

// newSession mints a fresh jingle session id for an (re-)invite.
func (p *Participant) newSession() string {
	p.sessionID = uuid.NewString()
	p.accepted = false
	p.transport = nil
	return p.sessionID
}

// mergeTransport folds a transport fragment from the client into the
// accumulated state.
func (p *Participant) mergeTransport(t *jingle.IceUdpTransport) {
	if t == nil {
		return
	}
	if p.transport == nil {
		p.transport = &jingle.IceUdpTransport{}
	}
	p.transport.Merge(t)
}

// isModerator reports whether this participant may moderate others.
func (p *Participant) isModerator() bool {
	return p.role == xmpp.MUCRoleModerator ||
		p.affiliation == xmpp.MUCAffiliationOwner ||
		p.affiliation == xmpp.MUCAffiliationAdmin
}

// isOwner reports room ownership; owners cannot be muted by non-owners.
func (p *Participant) isOwner() bool {
	return p.affiliation == xmpp.MUCAffiliationOwner
}
