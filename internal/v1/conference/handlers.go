package conference

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/colibri"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/jingle"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/logging"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/metrics"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
)

// Operation errors surfaced to callers of the orchestrator's public API.
var (
	ErrUnknownEndpoint = errors.New("no such endpoint in this conference")
	ErrNotModerator    = errors.New("operation requires moderator rights")
	ErrOwnerProtected  = errors.New("owners cannot be muted by non-owners")
)

// call runs fn on the conference executor and waits for its verdict. Used
// by IQ handlers that must ack or reject synchronously.
func (c *Conference) call(fn func() *xmpp.StanzaError) *xmpp.StanzaError {
	done := make(chan *xmpp.StanzaError, 1)
	if err := c.exec.post(func() { done <- fn() }); err != nil {
		return xmpp.NewStanzaError(xmpp.ErrorTypeWait, xmpp.CondResourceConstraint, err.Error())
	}
	return <-done
}

// HandleJingle processes one inbound jingle request from a participant.
// A nil return means the request is acked.
func (c *Conference) HandleJingle(from xmpp.JID, j *jingle.Jingle) *xmpp.StanzaError {
	id := types.EndpointID(from.Resource())
	return c.call(func() *xmpp.StanzaError {
		p, ok := c.getParticipant(id)
		if !ok {
			return xmpp.NewStanzaError(xmpp.ErrorTypeCancel, xmpp.CondItemNotFound,
				"not a participant of this conference")
		}
		switch j.Action {
		case jingle.ActionSessionAccept:
			return c.handleSessionAccept(p, j)
		case jingle.ActionTransportInfo, jingle.ActionTransportAccept:
			return c.handleTransportUpdate(p, j)
		case jingle.ActionTransportReject:
			logging.Warn(context.Background(), "client rejected transport",
				zap.String("endpoint", string(p.id)))
			return nil
		case jingle.ActionSourceAdd:
			return c.handleSourceAdd(p, j)
		case jingle.ActionSourceRemove:
			return c.handleSourceRemove(p, j)
		case jingle.ActionSessionTerminate:
			return c.handleSessionTerminate(p, j)
		default:
			return xmpp.NewStanzaError(xmpp.ErrorTypeCancel, xmpp.CondFeatureNotImplemented,
				"unsupported jingle action "+j.Action)
		}
	})
}

func (c *Conference) handleSessionAccept(p *Participant, j *jingle.Jingle) *xmpp.StanzaError {
	if j.SID != p.sessionID {
		return xmpp.NewStanzaError(xmpp.ErrorTypeCancel, xmpp.CondItemNotFound,
			"unknown session "+j.SID)
	}
	p.accepted = true
	for _, content := range j.Contents {
		p.mergeTransport(content.Transport)
	}

	accepted, err := jingle.SourceSetFromContents(j.Contents)
	if err != nil {
		return xmpp.NewStanzaError(xmpp.ErrorTypeModify, xmpp.CondBadRequest, err.Error())
	}
	if stanzaErr := c.admitSources(p, accepted); stanzaErr != nil {
		return stanzaErr
	}
	if err := c.sessions.UpdateParticipant(p.id, p.transport, c.sources.Of(p.id), false); err != nil {
		logging.Warn(context.Background(), "failed to push session-accept to bridge",
			zap.String("endpoint", string(p.id)), zap.Error(err))
	}
	c.prop.Add(p.id, accepted)
	return nil
}

func (c *Conference) handleTransportUpdate(p *Participant, j *jingle.Jingle) *xmpp.StanzaError {
	if j.BridgeSession != nil && j.BridgeSession.ID != "" && j.BridgeSession.ID != p.bridgeSessionID {
		// The client is answering a session that a re-invite already
		// replaced; dropping it is the correct outcome.
		logging.Debug(context.Background(), "ignoring stale transport update",
			zap.String("endpoint", string(p.id)),
			zap.String("stale_session", j.BridgeSession.ID))
		return nil
	}
	for _, content := range j.Contents {
		p.mergeTransport(content.Transport)
	}
	if err := c.sessions.UpdateParticipant(p.id, p.transport, nil, false); err != nil {
		logging.Warn(context.Background(), "failed to push transport to bridge",
			zap.String("endpoint", string(p.id)), zap.Error(err))
	}
	return nil
}

func (c *Conference) handleSourceAdd(p *Participant, j *jingle.Jingle) *xmpp.StanzaError {
	add, err := jingle.SourceSetFromContents(j.Contents)
	if err != nil {
		return xmpp.NewStanzaError(xmpp.ErrorTypeModify, xmpp.CondBadRequest, err.Error())
	}
	if stanzaErr := c.admitSources(p, add); stanzaErr != nil {
		return stanzaErr
	}
	if err := c.sessions.UpdateParticipant(p.id, nil, c.sources.Of(p.id), false); err != nil {
		logging.Warn(context.Background(), "failed to push source-add to bridge",
			zap.String("endpoint", string(p.id)), zap.Error(err))
	}
	c.prop.Add(p.id, add)
	return nil
}

// admitSources validates a source-add against moderation state, sender caps
// and conference-wide disjointness, then commits it. On error nothing
// changed and nobody was told.
func (c *Conference) admitSources(p *Participant, add *jingle.SourceSet) *xmpp.StanzaError {
	if add == nil || add.IsEmpty() {
		return nil
	}
	for _, media := range []types.MediaType{types.MediaTypeAudio, types.MediaTypeVideo} {
		if add.MediaCount(media) == 0 {
			continue
		}
		if c.sessions.IsForceMuted(p.id, media) {
			return xmpp.NewStanzaError(xmpp.ErrorTypeCancel, xmpp.CondNotAcceptable,
				string(media)+" is force-muted")
		}
		if c.senderCapReached(p.id, media) {
			return xmpp.NewStanzaError(xmpp.ErrorTypeWait, xmpp.CondResourceConstraint,
				"the maximum number of "+string(media)+" senders is reached")
		}
	}
	limits := SourceLimits{
		MaxSSRCsPerUser:      c.cfg.Conference.MaxSSRCsPerUser,
		MaxSSRCGroupsPerUser: c.cfg.Conference.MaxSSRCGroupsPerUser,
	}
	if err := c.sources.Add(p.id, add, limits); err != nil {
		return xmpp.NewStanzaError(xmpp.ErrorTypeModify, xmpp.CondBadRequest, err.Error())
	}
	return nil
}

// senderCapReached checks the conference-wide sender limits for one media
// type. A participant already sending that media is grandfathered.
func (c *Conference) senderCapReached(id types.EndpointID, media types.MediaType) bool {
	var limit int
	switch media {
	case types.MediaTypeAudio:
		limit = c.cfg.Conference.MaxAudioSenders
	case types.MediaTypeVideo:
		limit = c.cfg.Conference.MaxVideoSenders
	}
	if limit <= 0 {
		return false
	}
	if c.sources.Of(id).MediaCount(media) > 0 {
		return false
	}
	return c.sources.SenderCount(media) >= limit
}

func (c *Conference) handleSourceRemove(p *Participant, j *jingle.Jingle) *xmpp.StanzaError {
	remove, err := jingle.SourceSetFromContents(j.Contents)
	if err != nil {
		return xmpp.NewStanzaError(xmpp.ErrorTypeModify, xmpp.CondBadRequest, err.Error())
	}
	removed := c.sources.Remove(p.id, remove)
	if removed.IsEmpty() {
		return nil
	}
	if err := c.sessions.UpdateParticipant(p.id, nil, c.sources.Of(p.id), false); err != nil {
		logging.Warn(context.Background(), "failed to push source-remove to bridge",
			zap.String("endpoint", string(p.id)), zap.Error(err))
	}
	c.prop.Remove(p.id, removed)
	return nil
}

func (c *Conference) handleSessionTerminate(p *Participant, j *jingle.Jingle) *xmpp.StanzaError {
	if j.SID != p.sessionID {
		return nil
	}
	if j.Reason != nil && j.Reason.Condition == "restart" {
		return c.handleRestartRequest(p)
	}
	p.accepted = false
	p.invited = false
	c.sessions.RemoveParticipant(p.id)
	removed := c.sources.RemoveOwner(p.id)
	c.prop.Remove(p.id, removed)
	return nil
}

// handleRestartRequest re-invites a participant on its own request, subject
// to the restart rate limits.
func (c *Conference) handleRestartRequest(p *Participant) *xmpp.StanzaError {
	if c.limiter != nil {
		if err := c.limiter.Allow(c.room, p.id); err != nil {
			metrics.RestartRequestsRateLimited.Inc()
			return xmpp.NewStanzaError(xmpp.ErrorTypeWait, xmpp.CondResourceConstraint, err.Error())
		}
	}
	c.reinvite(p)
	return nil
}

// HandleMuteRequest applies a client's (or moderator's) force-mute request.
// Target empty means self.
func (c *Conference) HandleMuteRequest(from xmpp.JID, target types.EndpointID, mute bool, media types.MediaType) *xmpp.StanzaError {
	requesterID := types.EndpointID(from.Resource())
	return c.call(func() *xmpp.StanzaError {
		requester, ok := c.getParticipant(requesterID)
		if !ok {
			return xmpp.NewStanzaError(xmpp.ErrorTypeCancel, xmpp.CondItemNotFound,
				"not a participant of this conference")
		}
		if target == "" {
			target = requesterID
		}
		targetP, ok := c.getParticipant(target)
		if !ok {
			return xmpp.NewStanzaError(xmpp.ErrorTypeCancel, xmpp.CondItemNotFound,
				"no such participant "+string(target))
		}

		if c.cfg.Conference.EnableModeratorChecks {
			if err := checkMutePermission(requester, targetP, mute, c.sessions.IsForceMuted(target, media)); err != nil {
				return xmpp.NewStanzaError(xmpp.ErrorTypeCancel, xmpp.CondForbidden, err.Error())
			}
		}
		if !c.sessions.Mute([]types.EndpointID{target}, mute, media) {
			return xmpp.NewStanzaError(xmpp.ErrorTypeCancel, xmpp.CondInternalServerError,
				"participant has no active bridge session")
		}
		return nil
	})
}

// checkMutePermission is the moderation policy: muting others needs
// moderator rights, owners are protected from non-owners, and lifting a
// force-mute is a moderator-only act.
func checkMutePermission(requester, target *Participant, mute, forceMuted bool) error {
	self := requester.id == target.id
	if self {
		if !mute && forceMuted && !requester.isModerator() {
			return ErrNotModerator
		}
		return nil
	}
	if !requester.isModerator() {
		return ErrNotModerator
	}
	if target.isOwner() && !requester.isOwner() {
		return ErrOwnerProtected
	}
	return nil
}

// IsForceMuted exposes moderation state for the operator surface.
func (c *Conference) IsForceMuted(id types.EndpointID, media types.MediaType) bool {
	return c.sessions.IsForceMuted(id, media)
}

// BridgeSessionFailed is called by the session manager's async failure hook
// when a bridge update revealed a dead session.
func (c *Conference) BridgeSessionFailed(jid xmpp.JID, reason colibri.FailureReason) {
	_ = c.exec.post(func() {
		displaced := c.sessions.RemoveBridge(jid)
		logging.Warn(context.Background(), "bridge session failed, re-inviting",
			zap.String("bridge", jid.String()), zap.String("reason", string(reason)),
			zap.Int("displaced", len(displaced)))
		for _, id := range displaced {
			if p, ok := c.getParticipant(id); ok {
				c.reinvite(p)
			}
		}
	})
}
