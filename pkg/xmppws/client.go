// Package xmppws carries XMPP stanzas over a WebSocket subprotocol stream
// (RFC 7395): one complete stanza per text message, with <open/> and
// <close/> framing elements delimiting the stream. It is a transport, not an
// XMPP implementation; authentication and resource binding belong to the
// server side of the socket.
package xmppws

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/logging"
)

// framingNS wraps the stream delimiters defined by RFC 7395.
const framingNS = "urn:ietf:params:xml:ns:xmpp-framing"

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultPingInterval     = 30 * time.Second
	// defaultMaxStanzaSize bounds a single inbound frame. Conference offers
	// with many sources stay well under this.
	defaultMaxStanzaSize = 1 << 20
)

// ErrStreamClosed is returned from ReadStanza after the server closed the
// stream with a framing <close/>.
var ErrStreamClosed = errors.New("xmppws: stream closed by peer")

// wsConn is the slice of *websocket.Conn the client uses, split out so tests
// can stand in for the network.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Options configures a Dial.
type Options struct {
	// URL of the websocket endpoint, e.g. wss://xmpp.example.com/xmpp-websocket.
	URL string
	// Domain goes into the framing open element's to attribute.
	Domain string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval spaces keepalive pings; zero takes the default, negative
	// disables them.
	PingInterval time.Duration
	// MaxStanzaSize caps one inbound message.
	MaxStanzaSize int64
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.MaxStanzaSize == 0 {
		opts.MaxStanzaSize = defaultMaxStanzaSize
	}
	return opts
}

// Client is one framed stanza stream. It satisfies the connection layer's
// transport contract: WriteStanza, ReadStanza, Close.
type Client struct {
	conn wsConn
	opts Options

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects, upgrades with the xmpp subprotocol and completes the
// framing handshake: our <open/> out, the server's <open/> back.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	o := opts.withDefaults()
	dialer := websocket.Dialer{
		HandshakeTimeout: o.HandshakeTimeout,
		Subprotocols:     []string{"xmpp"},
	}
	conn, _, err := dialer.DialContext(ctx, o.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	c := newClient(conn, o)
	if err := c.handshake(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if o.PingInterval > 0 {
		go c.pingLoop()
	}
	return c, nil
}

func newClient(conn wsConn, opts Options) *Client {
	conn.SetReadLimit(opts.MaxStanzaSize)
	conn.SetPongHandler(func(string) error {
		// Any pong pushes the read deadline out; the ping loop keeps them
		// coming.
		return conn.SetReadDeadline(time.Now().Add(2 * opts.PingInterval))
	})
	return &Client{
		conn: conn,
		opts: opts,
		done: make(chan struct{}),
	}
}

// openElement is the RFC 7395 stream header.
type openElement struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing open"`
	To      string   `xml:"to,attr,omitempty"`
	From    string   `xml:"from,attr,omitempty"`
	Version string   `xml:"version,attr,omitempty"`
}

type closeElement struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing close"`
}

func (c *Client) handshake(ctx context.Context) error {
	open, err := xml.Marshal(openElement{To: c.opts.Domain, Version: "1.0"})
	if err != nil {
		return fmt.Errorf("failed to marshal open element: %w", err)
	}
	if err := c.WriteStanza(open); err != nil {
		return fmt.Errorf("failed to send open element: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	}
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("no open element from server: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		name, ok := firstElement(data)
		if !ok {
			continue
		}
		switch {
		case name.Space == framingNS && name.Local == "open":
			return nil
		case name.Space == framingNS && name.Local == "close":
			return ErrStreamClosed
		default:
			return fmt.Errorf("unexpected element '%s' before stream open", name.Local)
		}
	}
}

// WriteStanza sends one stanza as one text message.
func (c *Client) WriteStanza(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadStanza blocks for the next stanza. Non-text frames and framing noise
// are skipped; a framing <close/> ends the stream.
func (c *Client) ReadStanza() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil, io.EOF
			default:
			}
			return nil, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		name, ok := firstElement(data)
		if !ok {
			continue
		}
		if name.Space == framingNS {
			if name.Local == "close" {
				// Mirror the close, then report end of stream.
				_ = c.writeClose()
				return nil, ErrStreamClosed
			}
			continue
		}
		return data, nil
	}
}

// Close ends the stream: framing <close/> out, websocket close frame, then
// the underlying connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.writeClose()
		deadline := time.Now().Add(c.opts.WriteTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) writeClose() error {
	data, err := xml.Marshal(closeElement{})
	if err != nil {
		return err
	}
	return c.WriteStanza(data)
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logging.Warn(context.Background(), "websocket ping failed", zap.Error(err))
				// A dead socket must also unblock the reader.
				_ = c.conn.Close()
				return
			}
		}
	}
}

// firstElement returns the name of the first XML start element.
func firstElement(data []byte) (xml.Name, bool) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.Name{}, false
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name, true
		}
	}
}
