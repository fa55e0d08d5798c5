package types

import "errors"

// --- Core Domain Types ---

// RoomID is the opaque identifier of a conference room. It is the equality
// key for conferences: one live conference exists per RoomID at most.
type RoomID string

// EndpointID is a short identifier for one client seat in a conference.
// It is unique within its conference and stable across re-invites.
type EndpointID string

// StatsID is an opaque identifier reported by clients for telemetry.
// It is never used as a key.
type StatsID string

// Region is a geographic placement hint carried by bridges and clients.
// Empty means "no preference".
type Region string

// BridgeVersion identifies the software version a bridge reports in presence.
type BridgeVersion string

// MediaType distinguishes the two media kinds the focus signals.
type MediaType string

const (
	MediaTypeAudio MediaType = "audio"
	MediaTypeVideo MediaType = "video"
)

// Valid reports whether m is one of the recognized media types.
func (m MediaType) Valid() bool {
	return m == MediaTypeAudio || m == MediaTypeVideo
}

// Role is the chat-room role of a participant, used by moderation checks.
type Role string

// Role constants in ascending order of privilege.
const (
	RoleVisitor     Role = "visitor"
	RoleParticipant Role = "participant"
	RoleModerator   Role = "moderator"
	RoleOwner       Role = "owner"
)

// HasModeratorRights reports whether the role may act on other participants
// (force mute, kick, grant ownership).
func (r Role) HasModeratorRights() bool {
	return r == RoleModerator || r == RoleOwner
}

// ErrUnknownMediaType is returned when a request names a media type the focus
// does not signal.
var ErrUnknownMediaType = errors.New("unknown media type")

// Validate returns an error when the endpoint id is unusable as a signaling
// identifier.
func (e EndpointID) Validate() error {
	if e == "" {
		return errors.New("endpoint id cannot be empty")
	}
	if len(e) > 64 {
		return errors.New("endpoint id cannot exceed 64 characters")
	}
	return nil
}
