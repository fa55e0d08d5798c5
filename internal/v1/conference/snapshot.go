package conference

import (
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
)

// Snapshot is a point-in-time view of one conference, for the operator
// debug surface.
type Snapshot struct {
	MeetingID    string                `json:"meetingId"`
	Room         types.RoomID          `json:"room"`
	State        string                `json:"state"`
	SessionCount int                   `json:"bridgeSessions"`
	Participants []ParticipantSnapshot `json:"participants,omitempty"`
}

// ParticipantSnapshot is one endpoint's debug view.
type ParticipantSnapshot struct {
	ID              types.EndpointID `json:"id"`
	BridgeSessionID string           `json:"bridgeSessionId,omitempty"`
	Accepted        bool             `json:"accepted"`
	Sources         int              `json:"sources"`
}

// Snapshot captures the conference state. full adds per-participant detail.
// Runs on the executor so participant fields are read consistently.
func (c *Conference) Snapshot(full bool) Snapshot {
	res := make(chan Snapshot, 1)
	if err := c.exec.post(func() { res <- c.snapshot(full) }); err != nil {
		// Terminated; only the identity is left to report.
		return Snapshot{MeetingID: c.id, Room: c.room, State: c.State().String()}
	}
	return <-res
}

func (c *Conference) snapshot(full bool) Snapshot {
	snap := Snapshot{
		MeetingID:    c.id,
		Room:         c.room,
		State:        c.State().String(),
		SessionCount: c.sessions.SessionCount(),
	}
	if !full {
		return snap
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, p := range c.participants {
		snap.Participants = append(snap.Participants, ParticipantSnapshot{
			ID:              id,
			BridgeSessionID: p.bridgeSessionID,
			Accepted:        p.accepted,
			Sources:         c.sources.Of(id).Len(),
		})
	}
	return snap
}
