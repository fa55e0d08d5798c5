package registry

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/auth"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/conference"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/config"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
)

// denyAuthenticator rejects every room except allowed.
type denyAuthenticator struct {
	allowed types.RoomID
}

func (d *denyAuthenticator) Authenticate(_ context.Context, token string, room types.RoomID) (*auth.Identity, error) {
	if room != d.allowed {
		return nil, fmt.Errorf("%w: room mismatch", auth.ErrNotAuthorized)
	}
	return &auth.Identity{Subject: token}, nil
}

func conferenceIQ(from xmpp.JID, attrs string) *xmpp.IQ {
	return inboundIQ(from, fmt.Sprintf(`<iq><conference xmlns="%s" %s/></iq>`, NSFocus, attrs))
}

func resultPayload(t *testing.T, resp *xmpp.IQ) ConferenceRequest {
	t.Helper()
	var out ConferenceRequest
	require.NoError(t, xml.Unmarshal(resp.Payload, &out))
	return out
}

// requestConference drives the reply path directly, skipping the off-loop
// handoff that a live connection would do.
func requestConference(t *testing.T, r *Router, from xmpp.JID, attrs string) *xmpp.IQ {
	t.Helper()
	iq := conferenceIQ(from, attrs)
	var wrap struct {
		XMLName    xml.Name           `xml:"iq"`
		Conference *ConferenceRequest `xml:"http://jitsi.org/protocol/focus conference"`
	}
	require.NoError(t, xml.Unmarshal(iq.Raw, &wrap))
	require.NotNil(t, wrap.Conference)
	return r.conferenceReply(context.Background(), iq, wrap.Conference)
}

func TestConferenceRequest_CreatesConference(t *testing.T) {
	f := newStoreFixture(t, nil)
	r := NewRouter(f.store)
	r.focusJID = "focus@example.com/focus"

	resp := requestConference(t, r, "alice@example.com/web", `room="`+string(room)+`"`)
	require.NotNil(t, resp)
	require.False(t, resp.IsError())

	payload := resultPayload(t, resp)
	assert.True(t, payload.Ready)
	assert.Equal(t, string(room), payload.Room)
	assert.Equal(t, "focus@example.com/focus", payload.FocusJID)

	_, ok := f.store.Get(room)
	assert.True(t, ok, "conference should exist after the request")

	// A second request for the same room reuses the conference.
	resp = requestConference(t, r, "alice@example.com/web", `room="`+string(room)+`"`)
	require.False(t, resp.IsError())
	assert.Equal(t, 1, f.store.Count())
}

func TestConferenceRequest_Malformed(t *testing.T) {
	f := newStoreFixture(t, nil)
	r := NewRouter(f.store)

	for name, raw := range map[string]string{
		"truncated":    `<iq><conference`,
		"wrong child":  `<iq><query xmlns="other"/></iq>`,
		"without room": fmt.Sprintf(`<iq><conference xmlns="%s"/></iq>`, NSFocus),
	} {
		resp := r.handleConference(context.Background(), inboundIQ("alice@example.com/web", raw))
		require.NotNil(t, resp, name)
		require.True(t, resp.IsError(), name)
		assert.Equal(t, xmpp.CondBadRequest, resp.Error.Condition(), name)
	}
}

func TestConferenceRequest_Unauthorized(t *testing.T) {
	f := newStoreFixture(t, nil)
	r := NewRouter(f.store)
	r.Authenticator = &denyAuthenticator{allowed: "other@conference.example.com"}

	resp := requestConference(t, r, "alice@example.com/web", `room="`+string(room)+`"`)
	require.True(t, resp.IsError())
	assert.Equal(t, xmpp.CondNotAuthorized, resp.Error.Condition())

	_, ok := f.store.Get(room)
	assert.False(t, ok, "rejected request must not create a conference")
}

func TestConferenceRequest_AutoLoginSession(t *testing.T) {
	f := newStoreFixture(t, nil)
	r := NewRouter(f.store)
	r.Authenticator = &denyAuthenticator{allowed: room}
	r.Sessions = auth.NewSessions(config.AuthConfig{AuthenticationLifetime: 3600}, nil)

	// First request authenticates and mints a session for the machine uid.
	resp := requestConference(t, r, "alice@example.com/web",
		`room="`+string(room)+`" machine-uid="m-1" token="alice"`)
	require.False(t, resp.IsError())
	sessionID := resultPayload(t, resp).SessionID
	require.NotEmpty(t, sessionID)

	// A follow-up presenting the session id skips authentication entirely,
	// even against a room the authenticator would reject.
	resp = requestConference(t, r, "alice@example.com/web",
		`room="denied@conference.example.com" session-id="`+sessionID+`"`)
	require.False(t, resp.IsError())
	assert.Equal(t, sessionID, resultPayload(t, resp).SessionID)

	// An unknown session id is rejected outright.
	resp = requestConference(t, r, "alice@example.com/web",
		`room="`+string(room)+`" session-id="bogus"`)
	require.True(t, resp.IsError())
	assert.Equal(t, xmpp.CondNotAuthorized, resp.Error.Condition())
}

// mucServiceTransport feeds injected stanzas to the connection and plays the
// MUC service: when the focus announces itself into a room, it echoes the
// self presence back so the join completes.
type mucServiceTransport struct {
	mu      sync.Mutex
	closed  bool
	inbound chan []byte
	written chan []byte
}

func newMUCServiceTransport() *mucServiceTransport {
	return &mucServiceTransport{
		inbound: make(chan []byte, 16),
		written: make(chan []byte, 16),
	}
}

func (tr *mucServiceTransport) WriteStanza(data []byte) error {
	tr.written <- data

	var p struct {
		XMLName xml.Name  `xml:"presence"`
		To      string    `xml:"to,attr"`
		Type    string    `xml:"type,attr"`
		X       *struct{} `xml:"http://jabber.org/protocol/muc x"`
	}
	if err := xml.Unmarshal(data, &p); err == nil && p.X != nil && p.Type == "" {
		tr.inject(fmt.Sprintf(`<presence from="%s" to="focus@example.com/focus">`+
			`<x xmlns="http://jabber.org/protocol/muc#user">`+
			`<item jid="focus@example.com/focus" role="moderator" affiliation="owner"/>`+
			`<status code="110"/></x></presence>`, p.To))
	}
	return nil
}

func (tr *mucServiceTransport) ReadStanza() ([]byte, error) {
	data, ok := <-tr.inbound
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (tr *mucServiceTransport) Close() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.closed {
		tr.closed = true
		close(tr.inbound)
	}
	return nil
}

func (tr *mucServiceTransport) inject(stanza string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.closed {
		return
	}
	tr.inbound <- []byte(stanza)
}

func (tr *mucServiceTransport) awaitIQ(t *testing.T, id string) *xmpp.IQ {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-tr.written:
			var iq xmpp.IQ
			if err := xml.Unmarshal(data, &iq); err == nil && iq.ID == id {
				return &iq
			}
		case <-deadline:
			t.Fatal("no reply on the wire")
		}
	}
}

// The entry handshake must answer over a live connection even though creating
// the conference joins its MUC, and the join presence echo can only arrive
// through the same read loop that delivered the request.
func TestConferenceRequest_RepliesOverLiveConnection(t *testing.T) {
	transport := newMUCServiceTransport()
	conn := xmpp.NewConn(transport, "focus@example.com/focus")

	store := NewStore(Options{
		Config: config.DefaultFocusConfig(),
		Conn:   conn,
		NewSessions: func(SessionOptions) conference.SessionManager {
			return newStubSessions()
		},
	})
	r := NewRouter(store)
	r.Attach(conn)

	runDone := make(chan struct{})
	go func() {
		_ = conn.Run(context.Background())
		close(runDone)
	}()
	t.Cleanup(func() {
		store.Shutdown("test over")
		_ = conn.Close()
		<-runDone
	})

	transport.inject(fmt.Sprintf(
		`<iq type="set" id="entry-1" from="alice@example.com/web" to="focus@example.com/focus">`+
			`<conference xmlns="%s" room="%s"/></iq>`, NSFocus, room))

	resp := transport.awaitIQ(t, "entry-1")
	require.Equal(t, xmpp.IQTypeResult, resp.Type)
	payload := resultPayload(t, resp)
	assert.True(t, payload.Ready)
	assert.Equal(t, string(room), payload.Room)

	_, ok := store.Get(room)
	assert.True(t, ok, "conference should be live after the reply")
}
