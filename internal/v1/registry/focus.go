package registry

import (
	"context"
	"encoding/xml"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/auth"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/logging"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
)

// NSFocus is the namespace of the conference entry handshake: a client asks
// the focus to make sure its room's conference exists before joining the MUC.
const NSFocus = "http://jitsi.org/protocol/focus"

// conferenceReplyTimeout bounds the off-loop entry handshake, which includes
// joining the conference MUC.
const conferenceReplyTimeout = 30 * time.Second

// ConferenceRequest is the payload of the entry IQ in both directions. On the
// way in it names the room and carries credentials; on the way out Ready and
// FocusJID confirm the conference, and SessionID lets the client skip
// re-authentication on restarts from the same machine.
type ConferenceRequest struct {
	XMLName    xml.Name `xml:"http://jitsi.org/protocol/focus conference"`
	Room       string   `xml:"room,attr"`
	MachineUID string   `xml:"machine-uid,attr,omitempty"`
	SessionID  string   `xml:"session-id,attr,omitempty"`
	Token      string   `xml:"token,attr,omitempty"`

	Ready    bool   `xml:"ready,attr,omitempty"`
	FocusJID string `xml:"focusjid,attr,omitempty"`
	AuthURL  string `xml:"auth-url,attr,omitempty"`
}

func (r *Router) handleConference(ctx context.Context, iq *xmpp.IQ) *xmpp.IQ {
	var wrap struct {
		XMLName    xml.Name           `xml:"iq"`
		Conference *ConferenceRequest `xml:"http://jitsi.org/protocol/focus conference"`
	}
	if err := xml.Unmarshal(iq.Raw, &wrap); err != nil || wrap.Conference == nil {
		return iq.ErrorReply(xmpp.NewStanzaError(xmpp.ErrorTypeModify, xmpp.CondBadRequest,
			"malformed conference request"))
	}
	req := wrap.Conference
	if req.Room == "" {
		return iq.ErrorReply(xmpp.NewStanzaError(xmpp.ErrorTypeModify, xmpp.CondBadRequest,
			"conference request without a room"))
	}

	// Creating the conference joins its MUC, which blocks until the room
	// echoes the focus presence back through this same connection. The read
	// loop has to keep running for that echo to arrive, so the reply is
	// produced and sent off-loop.
	go func() {
		ctx, cancel := context.WithTimeout(ctx, conferenceReplyTimeout)
		defer cancel()
		resp := r.conferenceReply(ctx, iq, req)
		if err := r.conn.SendStanza(resp); err != nil {
			logging.Warn(ctx, "conference reply not sent",
				zap.String("room", req.Room), zap.Error(err))
		}
	}()
	return nil
}

// conferenceReply authorizes the requester, ensures the room's conference
// exists, and builds the response stanza.
func (r *Router) conferenceReply(ctx context.Context, iq *xmpp.IQ, req *ConferenceRequest) *xmpp.IQ {
	room := types.RoomID(req.Room)

	sessionID, stanzaErr := r.authorize(ctx, iq, req, room)
	if stanzaErr != nil {
		return iq.ErrorReply(stanzaErr)
	}

	conf, created, err := r.store.GetOrCreate(ctx, room)
	if err != nil {
		logging.Error(ctx, "conference request failed",
			zap.String("room", req.Room), zap.Error(err))
		return iq.ErrorReply(xmpp.NewStanzaError(xmpp.ErrorTypeWait, xmpp.CondInternalServerError,
			err.Error()))
	}
	if created {
		logging.Info(ctx, "conference created on request",
			zap.String("room", req.Room), zap.String("from", iq.From.String()))
	}

	result, err := iq.Result(&ConferenceRequest{
		Room:      string(conf.Room()),
		Ready:     true,
		FocusJID:  string(r.focusJID),
		SessionID: sessionID,
	})
	if err != nil {
		return iq.ErrorReply(xmpp.NewStanzaError(xmpp.ErrorTypeWait, xmpp.CondInternalServerError,
			err.Error()))
	}
	return result
}

// authorize resolves the requester's identity and returns the auth session id
// to hand back, if auto-login is on. A nil Authenticator admits everyone.
func (r *Router) authorize(ctx context.Context, iq *xmpp.IQ, req *ConferenceRequest, room types.RoomID) (string, *xmpp.StanzaError) {
	if r.Authenticator == nil {
		return "", nil
	}

	// A valid session from a previous login short-circuits authentication.
	if req.SessionID != "" && r.Sessions != nil {
		if sess, ok := r.Sessions.Get(req.SessionID); ok {
			return sess.ID, nil
		}
		return "", xmpp.NewStanzaError(xmpp.ErrorTypeAuth, xmpp.CondNotAuthorized,
			"unknown or expired session")
	}

	token := req.Token
	if token == "" {
		// XMPP-mode deployments authenticate by the sender's bare JID.
		token = string(iq.From.Bare())
	}
	identity, err := r.Authenticator.Authenticate(ctx, token, room)
	if err != nil {
		if errors.Is(err, auth.ErrNotAuthorized) {
			logging.Warn(ctx, "conference request rejected",
				zap.String("room", string(room)), zap.String("from", iq.From.String()))
			return "", xmpp.NewStanzaError(xmpp.ErrorTypeAuth, xmpp.CondNotAuthorized, err.Error())
		}
		return "", xmpp.NewStanzaError(xmpp.ErrorTypeWait, xmpp.CondInternalServerError, err.Error())
	}

	if r.Sessions != nil && req.MachineUID != "" {
		return r.Sessions.Login(req.MachineUID, *identity).ID, nil
	}
	return "", nil
}
