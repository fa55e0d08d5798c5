package xmpp

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/logging"
)

// ErrRequestTimeout is returned when no response arrived within the
// deadline. Callers treat it differently from a typed error response.
var ErrRequestTimeout = errors.New("xmpp: request timed out")

// ErrConnClosed is returned for operations on a closed connection.
var ErrConnClosed = errors.New("xmpp: connection closed")

// Transport carries whole stanzas. ReadStanza blocks until a stanza or a
// terminal error; reconnection is the transport's business.
type Transport interface {
	WriteStanza(data []byte) error
	ReadStanza() ([]byte, error)
	Close() error
}

// IQHandler processes an incoming request IQ (get/set) and returns the
// response stanza, or nil when the handler replies on its own. Handlers run
// on the read loop and must hand long work off.
type IQHandler func(ctx context.Context, iq *IQ) *IQ

// PresenceHandler observes presences not claimed by a room route.
type PresenceHandler func(p *Presence)

// RegistrationListener is told when the connection to the signaling bus is
// established or lost.
type RegistrationListener func(connected bool)

// Conn correlates request and response stanzas on a Transport. Responses are
// matched to callers by stanza id; requests are dispatched to handlers by
// payload element name.
type Conn struct {
	transport Transport
	jid       JID

	requestTimeout time.Duration

	mu             sync.Mutex
	pending        map[string]chan *IQ
	iqHandlers     map[xml.Name]IQHandler
	presenceRoutes map[JID]func(*Presence)
	presenceAll    []PresenceHandler
	regListeners   []RegistrationListener
	registered     bool
	closed         bool
}

// ConnOption customizes a Conn.
type ConnOption func(*Conn)

// WithRequestTimeout overrides the default response deadline.
func WithRequestTimeout(d time.Duration) ConnOption {
	return func(c *Conn) { c.requestTimeout = d }
}

// NewConn wraps a transport. jid is the focus's own address on the bus.
func NewConn(transport Transport, jid JID, opts ...ConnOption) *Conn {
	c := &Conn{
		transport:      transport,
		jid:            jid,
		requestTimeout: 15 * time.Second,
		pending:        make(map[string]chan *IQ),
		iqHandlers:     make(map[xml.Name]IQHandler),
		presenceRoutes: make(map[JID]func(*Presence)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// JID returns the connection's own address.
func (c *Conn) JID() JID {
	return c.jid
}

// Run reads stanzas until the context is canceled or the transport fails.
// Request and presence handlers run inline so one sender's stanzas are
// observed in receive order.
func (c *Conn) Run(ctx context.Context) error {
	for {
		data, err := c.transport.ReadStanza()
		if err != nil {
			c.failPending()
			if ctx.Err() != nil || c.isClosed() {
				return nil
			}
			return fmt.Errorf("transport read failed: %w", err)
		}

		name, ok := firstElement(data)
		if !ok {
			continue
		}

		switch name.Local {
		case "iq":
			c.dispatchIQ(ctx, data)
		case "presence":
			c.dispatchPresence(data)
		default:
			logging.Debug(ctx, "ignoring stanza", zap.String("name", name.Local))
		}
	}
}

// SendIQ writes a request and blocks until its response, the context
// deadline, or the request timeout. A typed error response is returned as a
// stanza, not as an error; a missing response is ErrRequestTimeout.
func (c *Conn) SendIQ(ctx context.Context, iq *IQ) (*IQ, error) {
	if iq.ID == "" {
		iq.ID = uuid.NewString()
	}
	if iq.From == "" {
		iq.From = c.jid
	}

	ch := make(chan *IQ, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.pending[iq.ID] = ch
	c.mu.Unlock()

	if err := c.SendStanza(iq); err != nil {
		c.removePending(iq.ID)
		return nil, err
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnClosed
		}
		return resp, nil
	case <-ctx.Done():
		c.removePending(iq.ID)
		return nil, ctx.Err()
	case <-timer.C:
		c.removePending(iq.ID)
		return nil, ErrRequestTimeout
	}
}

// SendIQAsync fires the request on its own goroutine and invokes cb with the
// outcome. Used where the caller must not block, e.g. source pushes.
func (c *Conn) SendIQAsync(iq *IQ, cb func(*IQ, error)) {
	go func() {
		resp, err := c.SendIQ(context.Background(), iq)
		if cb != nil {
			cb(resp, err)
		}
	}()
}

// SendStanza marshals and writes any stanza without awaiting a response.
func (c *Conn) SendStanza(v any) error {
	if c.isClosed() {
		return ErrConnClosed
	}
	data, err := xml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal stanza: %w", err)
	}
	return c.transport.WriteStanza(data)
}

// RegisterIQHandler routes request IQs whose first payload element matches
// space/local to h. Registration happens at startup, before Run.
func (c *Conn) RegisterIQHandler(space, local string, h IQHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.iqHandlers[xml.Name{Space: space, Local: local}] = h
}

// RoutePresence directs presences from the given bare room JID to fn.
func (c *Conn) RoutePresence(room JID, fn func(*Presence)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presenceRoutes[room.Bare()] = fn
}

// UnroutePresence removes a room route.
func (c *Conn) UnroutePresence(room JID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.presenceRoutes, room.Bare())
}

// AddPresenceHandler observes presences that no room route claimed.
func (c *Conn) AddPresenceHandler(h PresenceHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presenceAll = append(c.presenceAll, h)
}

// OnRegistration subscribes to connect/disconnect notifications.
func (c *Conn) OnRegistration(l RegistrationListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regListeners = append(c.regListeners, l)
}

// SetRegistered records the bus connection state and notifies listeners.
// Listeners are snapshotted under the lock and fired outside it.
func (c *Conn) SetRegistered(connected bool) {
	c.mu.Lock()
	if c.registered == connected {
		c.mu.Unlock()
		return
	}
	c.registered = connected
	listeners := make([]RegistrationListener, len(c.regListeners))
	copy(listeners, c.regListeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l(connected)
	}
}

// Registered reports whether the bus connection is up.
func (c *Conn) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// Close tears the connection down and fails all pending requests.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.transport.Close()
	c.failPending()
	return err
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) removePending(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// failPending closes every collector so blocked callers fail fast.
func (c *Conn) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *IQ)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

func (c *Conn) dispatchIQ(ctx context.Context, data []byte) {
	var iq IQ
	if err := xml.Unmarshal(data, &iq); err != nil {
		logging.Warn(ctx, "dropping malformed iq", zap.Error(err))
		return
	}
	iq.Raw = data

	switch iq.Type {
	case IQTypeResult, IQTypeError:
		c.mu.Lock()
		ch, ok := c.pending[iq.ID]
		if ok {
			delete(c.pending, iq.ID)
		}
		c.mu.Unlock()
		if !ok {
			logging.Debug(ctx, "response for unknown stanza id", zap.String("id", iq.ID))
			return
		}
		ch <- &iq

	case IQTypeGet, IQTypeSet:
		name, ok := iq.PayloadName()
		if !ok {
			c.replyError(ctx, &iq, NewStanzaError(ErrorTypeModify, CondBadRequest, "empty iq"))
			return
		}
		c.mu.Lock()
		handler := c.iqHandlers[name]
		c.mu.Unlock()
		if handler == nil {
			c.replyError(ctx, &iq, NewStanzaError(ErrorTypeCancel, CondServiceUnavailable, ""))
			return
		}
		if resp := handler(ctx, &iq); resp != nil {
			if err := c.SendStanza(resp); err != nil {
				logging.Warn(ctx, "failed to send iq response", zap.Error(err))
			}
		}

	default:
		logging.Warn(ctx, "iq with unknown type", zap.String("type", iq.Type))
	}
}

func (c *Conn) replyError(ctx context.Context, iq *IQ, stanzaErr *StanzaError) {
	if err := c.SendStanza(iq.ErrorReply(stanzaErr)); err != nil {
		logging.Warn(ctx, "failed to send error reply", zap.Error(err))
	}
}

func (c *Conn) dispatchPresence(data []byte) {
	var p Presence
	if err := xml.Unmarshal(data, &p); err != nil {
		logging.Warn(context.Background(), "dropping malformed presence", zap.Error(err))
		return
	}
	p.Raw = data

	c.mu.Lock()
	route := c.presenceRoutes[p.From.Bare()]
	all := make([]PresenceHandler, len(c.presenceAll))
	copy(all, c.presenceAll)
	c.mu.Unlock()

	if route != nil {
		route(&p)
		return
	}
	for _, h := range all {
		h(&p)
	}
}
