package colibri

import (
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/bridge"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/jingle"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
)

// participantInfo is the manager's record of one endpoint.
type participantInfo struct {
	id      types.EndpointID
	statsID types.StatsID
	sources *jingle.SourceSet
	session *session

	audioForceMuted bool
	videoForceMuted bool

	medias  []Media
	useSctp bool
	caps    []Capability
}

// session is the manager's contract with one bridge for this conference.
type session struct {
	id     string
	bridge *bridge.Bridge
	// relayID is the bridge's relay identity as reported in presence.
	relayID string
	// seq is the creation order within the conference; of any two sessions
	// the one created later is the relay initiator, so both ends derive the
	// same role without negotiation.
	seq int
	// created flips after the first accepted allocation; until then the
	// conference-create flag rides along with endpoint creates.
	created bool

	participants map[types.EndpointID]*participantInfo
	// relays is keyed by the remote session's relay id.
	relays map[string]*relay
}

// relay is one half of a bridge-to-bridge link.
type relay struct {
	// remoteRelayID identifies the peer session's bridge.
	remoteRelayID string
	// initiator controls ICE controlling, DTLS active role, unique-port and
	// WebSocket advertisement, all derived from session creation order.
	initiator bool
	// transportUpdated flips once the peer's transport was forwarded.
	transportUpdated bool
}

func (s *session) participantIDs() []types.EndpointID {
	out := make([]types.EndpointID, 0, len(s.participants))
	for id := range s.participants {
		out = append(out, id)
	}
	return out
}

// isInitiatorToward reports whether s is the relay initiator toward other.
func (s *session) isInitiatorToward(other *session) bool {
	return s.seq > other.seq
}
