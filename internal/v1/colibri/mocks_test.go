package colibri

import (
	"context"
	"encoding/xml"
	"fmt"
	"sync"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
)

// fakeConn is a scripted bridge connection: every outgoing IQ is recorded
// and answered by the per-destination handler. Async sends run inline so
// tests observe effects deterministically.
type fakeConn struct {
	mu       sync.Mutex
	sent     []sentIQ
	handlers map[xmpp.JID]func(iq *xmpp.IQ, req *ConferenceModify) (*xmpp.IQ, error)
}

type sentIQ struct {
	to  xmpp.JID
	req *ConferenceModify
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[xmpp.JID]func(*xmpp.IQ, *ConferenceModify) (*xmpp.IQ, error))}
}

// respond installs the handler for one bridge JID.
func (c *fakeConn) respond(to xmpp.JID, h func(iq *xmpp.IQ, req *ConferenceModify) (*xmpp.IQ, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[to] = h
}

// acceptAll makes a bridge echo back every endpoint with a transport.
func (c *fakeConn) acceptAll(to xmpp.JID) {
	c.respond(to, func(iq *xmpp.IQ, req *ConferenceModify) (*xmpp.IQ, error) {
		return okResponse(iq, req), nil
	})
}

func (c *fakeConn) SendIQ(ctx context.Context, iq *xmpp.IQ) (*xmpp.IQ, error) {
	req := decodeModify(iq)
	c.mu.Lock()
	c.sent = append(c.sent, sentIQ{to: iq.To, req: req})
	h := c.handlers[iq.To]
	c.mu.Unlock()
	if h == nil {
		return nil, xmpp.ErrRequestTimeout
	}
	return h(iq, req)
}

func (c *fakeConn) SendIQAsync(iq *xmpp.IQ, cb func(*xmpp.IQ, error)) {
	resp, err := c.SendIQ(context.Background(), iq)
	if cb != nil {
		cb(resp, err)
	}
}

// sentTo returns the requests sent to one bridge, in order.
func (c *fakeConn) sentTo(to xmpp.JID) []*ConferenceModify {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*ConferenceModify
	for _, s := range c.sent {
		if s.to == to {
			out = append(out, s.req)
		}
	}
	return out
}

func decodeModify(iq *xmpp.IQ) *ConferenceModify {
	var cm ConferenceModify
	if err := xml.Unmarshal(iq.Payload, &cm); err != nil {
		return nil
	}
	return &cm
}

// okResponse builds a conference-modified echoing every endpoint and relay
// of the request with a transport attached.
func okResponse(iq *xmpp.IQ, req *ConferenceModify) *xmpp.IQ {
	inner := `<conference-modified xmlns="jitsi:colibri2">`
	inner += `<sources><media-source type="audio">` +
		`<source xmlns="urn:xmpp:jingle:apps:rtp:ssma:0" ssrc="999" name="jvb-a0"/>` +
		`</media-source></sources>`
	for _, ep := range req.Endpoints {
		if ep.Expire {
			continue
		}
		inner += fmt.Sprintf(`<endpoint id=%q><transport>`+
			`<transport xmlns="urn:xmpp:jingle:transports:ice-udp:1" ufrag="uf-%s" pwd="pw">`+
			`<fingerprint xmlns="urn:xmpp:jingle:apps:dtls:0" hash="sha-256" setup="actpass">AA:BB</fingerprint>`+
			`<candidate id="c1" component="1" foundation="1" generation="0" ip="198.51.100.1" port="10000" priority="1" protocol="udp" type="host"/>`+
			`<web-socket xmlns="http://jitsi.org/protocol/colibri" url="wss://%s/colibri-ws"/>`+
			`</transport><sctp port="5000"/></transport></endpoint>`, ep.ID, ep.ID, iq.To)
	}
	for _, rel := range req.Relays {
		if !rel.Create {
			continue
		}
		inner += fmt.Sprintf(`<relay id=%q><transport>`+
			`<transport xmlns="urn:xmpp:jingle:transports:ice-udp:1" ufrag="relay-uf" pwd="relay-pw">`+
			`<fingerprint xmlns="urn:xmpp:jingle:apps:dtls:0" hash="sha-256" setup="actpass">CC:DD</fingerprint>`+
			`<web-socket xmlns="http://jitsi.org/protocol/colibri" url="wss://%s/relay-ws"/>`+
			`</transport></transport></relay>`, rel.ID, iq.To)
	}
	inner += `</conference-modified>`
	return resultIQ(iq, inner)
}

func resultIQ(iq *xmpp.IQ, inner string) *xmpp.IQ {
	raw := fmt.Sprintf(`<iq id=%q type="result" from=%q>%s</iq>`, iq.ID, iq.To, inner)
	return &xmpp.IQ{ID: iq.ID, From: iq.To, Type: xmpp.IQTypeResult, Raw: []byte(raw)}
}

// errorIQ builds an error response with the given condition and optional
// colibri reason.
func errorIQ(iq *xmpp.IQ, condition, reason string) *xmpp.IQ {
	stanzaErr := xmpp.NewStanzaError(xmpp.ErrorTypeCancel, condition, "")
	if reason != "" {
		stanzaErr = stanzaErr.WithReason(NSColibri2, "colibri2-error", reason)
	}
	childXML, _ := xml.Marshal(stanzaErr)
	raw := fmt.Sprintf(`<iq id=%q type="error" from=%q>%s</iq>`, iq.ID, iq.To, childXML)
	var out xmpp.IQ
	_ = xml.Unmarshal([]byte(raw), &out)
	out.Raw = []byte(raw)
	return &out
}
