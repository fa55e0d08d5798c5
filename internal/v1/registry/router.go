package registry

import (
	"context"
	"encoding/xml"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/auth"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/jingle"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/logging"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
)

// Router directs inbound participant IQs to the conference of the sender's
// room. The sender's bare JID is the room; the resource is the endpoint.
type Router struct {
	store *Store

	// Authenticator gates the conference entry handshake; nil admits
	// everyone. Sessions, when set, gives authenticated clients a reusable
	// session id keyed by machine uid.
	Authenticator auth.Authenticator
	Sessions      *auth.Sessions

	conn     *xmpp.Conn
	focusJID xmpp.JID
}

func NewRouter(store *Store) *Router {
	return &Router{store: store}
}

// Attach registers the participant-facing IQ namespaces on the connection.
func (r *Router) Attach(conn *xmpp.Conn) {
	r.conn = conn
	r.focusJID = conn.JID()
	conn.RegisterIQHandler(NSFocus, "conference", r.handleConference)
	conn.RegisterIQHandler(jingle.NSJingle, "jingle", r.handleJingle)
	conn.RegisterIQHandler(jingle.NSMuteRequest, "mute", r.handleAudioMute)
	conn.RegisterIQHandler(jingle.NSVideoMute, "mute", r.handleVideoMute)
}

func (r *Router) handleJingle(ctx context.Context, iq *xmpp.IQ) *xmpp.IQ {
	j, err := jingle.Parse(iq)
	if err != nil {
		return iq.ErrorReply(xmpp.NewStanzaError(xmpp.ErrorTypeModify, xmpp.CondBadRequest, err.Error()))
	}
	conf, ok := r.store.Get(types.RoomID(iq.From.Bare()))
	if !ok {
		logging.Debug(ctx, "jingle for unknown conference",
			zap.String("from", iq.From.String()), zap.String("action", j.Action))
		return iq.ErrorReply(xmpp.NewStanzaError(xmpp.ErrorTypeCancel, xmpp.CondItemNotFound,
			"no conference for this room"))
	}
	if stanzaErr := conf.HandleJingle(iq.From, j); stanzaErr != nil {
		return iq.ErrorReply(stanzaErr)
	}
	return ack(iq)
}

func (r *Router) handleAudioMute(ctx context.Context, iq *xmpp.IQ) *xmpp.IQ {
	var wrap struct {
		XMLName xml.Name            `xml:"iq"`
		Mute    *jingle.MuteRequest `xml:"http://jitsi.org/jitmeet/audio mute"`
	}
	if err := xml.Unmarshal(iq.Raw, &wrap); err != nil || wrap.Mute == nil {
		return iq.ErrorReply(xmpp.NewStanzaError(xmpp.ErrorTypeModify, xmpp.CondBadRequest,
			"malformed mute request"))
	}
	return r.applyMute(ctx, iq, wrap.Mute.JID, wrap.Mute.Muted(), types.MediaTypeAudio)
}

func (r *Router) handleVideoMute(ctx context.Context, iq *xmpp.IQ) *xmpp.IQ {
	var wrap struct {
		XMLName xml.Name                 `xml:"iq"`
		Mute    *jingle.VideoMuteRequest `xml:"http://jitsi.org/jitmeet/video mute"`
	}
	if err := xml.Unmarshal(iq.Raw, &wrap); err != nil || wrap.Mute == nil {
		return iq.ErrorReply(xmpp.NewStanzaError(xmpp.ErrorTypeModify, xmpp.CondBadRequest,
			"malformed mute request"))
	}
	return r.applyMute(ctx, iq, wrap.Mute.JID, wrap.Mute.Muted(), types.MediaTypeVideo)
}

func (r *Router) applyMute(ctx context.Context, iq *xmpp.IQ, targetJID string, mute bool, media types.MediaType) *xmpp.IQ {
	conf, ok := r.store.Get(types.RoomID(iq.From.Bare()))
	if !ok {
		return iq.ErrorReply(xmpp.NewStanzaError(xmpp.ErrorTypeCancel, xmpp.CondItemNotFound,
			"no conference for this room"))
	}
	target := muteTarget(targetJID)
	if stanzaErr := conf.HandleMuteRequest(iq.From, target, mute, media); stanzaErr != nil {
		return iq.ErrorReply(stanzaErr)
	}
	logging.Debug(ctx, "applied mute request",
		zap.String("room", iq.From.Bare().String()), zap.String("target", string(target)),
		zap.Bool("mute", mute), zap.String("media", string(media)))
	return ack(iq)
}

// muteTarget maps the optional jid attribute to an endpoint id. Empty means
// the sender mutes itself.
func muteTarget(targetJID string) types.EndpointID {
	if targetJID == "" {
		return ""
	}
	return types.EndpointID(xmpp.JID(targetJID).Resource())
}

func ack(iq *xmpp.IQ) *xmpp.IQ {
	res, err := iq.Result(nil)
	if err != nil {
		return iq.ErrorReply(xmpp.NewStanzaError(xmpp.ErrorTypeCancel, xmpp.CondInternalServerError, ""))
	}
	return res
}
