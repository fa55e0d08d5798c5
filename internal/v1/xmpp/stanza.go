package xmpp

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"
)

// IQ stanza types.
const (
	IQTypeGet    = "get"
	IQTypeSet    = "set"
	IQTypeResult = "result"
	IQTypeError  = "error"
)

// Stanza error types.
const (
	ErrorTypeAuth   = "auth"
	ErrorTypeCancel = "cancel"
	ErrorTypeModify = "modify"
	ErrorTypeWait   = "wait"
)

// Defined error conditions (urn:ietf:params:xml:ns:xmpp-stanzas).
const (
	CondBadRequest            = "bad-request"
	CondConflict              = "conflict"
	CondFeatureNotImplemented = "feature-not-implemented"
	CondForbidden             = "forbidden"
	CondInternalServerError   = "internal-server-error"
	CondItemNotFound          = "item-not-found"
	CondNotAcceptable         = "not-acceptable"
	CondNotAuthorized         = "not-authorized"
	CondResourceConstraint    = "resource-constraint"
	CondRemoteServerTimeout   = "remote-server-timeout"
	CondServiceUnavailable    = "service-unavailable"
)

// Presence types.
const (
	PresenceAvailable   = ""
	PresenceUnavailable = "unavailable"
)

// NSStanzas is the namespace of defined error conditions.
const NSStanzas = "urn:ietf:params:xml:ns:xmpp-stanzas"

// IQ is a request/response stanza. Payload holds the raw inner XML; typed
// consumers unmarshal Raw (the full stanza) into their own element structs.
type IQ struct {
	XMLName xml.Name     `xml:"iq"`
	From    JID          `xml:"from,attr,omitempty"`
	To      JID          `xml:"to,attr,omitempty"`
	ID      string       `xml:"id,attr"`
	Type    string       `xml:"type,attr"`
	Payload []byte       `xml:",innerxml"`
	Error   *StanzaError `xml:"error"`

	// Raw is the stanza exactly as read off the wire; unset on outbound IQs.
	Raw []byte `xml:"-"`
}

// NewIQ builds an IQ with a fresh stanza id and the given payload element.
func NewIQ(iqType string, to JID, payload any) (*IQ, error) {
	body, err := xml.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal IQ payload: %w", err)
	}
	return &IQ{
		ID:      uuid.NewString(),
		To:      to,
		Type:    iqType,
		Payload: body,
	}, nil
}

// Result builds the result reply to a request, carrying an optional payload.
func (iq *IQ) Result(payload any) (*IQ, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = xml.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal IQ payload: %w", err)
		}
	}
	return &IQ{
		ID:      iq.ID,
		From:    iq.To,
		To:      iq.From,
		Type:    IQTypeResult,
		Payload: body,
	}, nil
}

// ErrorReply builds the error reply to a request.
func (iq *IQ) ErrorReply(stanzaErr *StanzaError) *IQ {
	return &IQ{
		ID:    iq.ID,
		From:  iq.To,
		To:    iq.From,
		Type:  IQTypeError,
		Error: stanzaErr,
	}
}

// PayloadName returns the name of the first payload element. Dispatching is
// keyed on this.
func (iq *IQ) PayloadName() (xml.Name, bool) {
	return firstElement(iq.Payload)
}

// IsError reports whether this stanza is a typed error response.
func (iq *IQ) IsError() bool {
	return iq.Type == IQTypeError
}

// StanzaError is the <error/> child of an error stanza. Children (the
// defined condition, optional text, optional application element) are kept
// raw; accessors parse on demand.
type StanzaError struct {
	XMLName  xml.Name `xml:"error"`
	Type     string   `xml:"type,attr,omitempty"`
	Children []byte   `xml:",innerxml"`
}

// NewStanzaError builds an error with a defined condition and optional text.
func NewStanzaError(errType, condition, text string) *StanzaError {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `<%s xmlns="%s"/>`, condition, NSStanzas)
	if text != "" {
		buf.WriteString(`<text xmlns="` + NSStanzas + `">`)
		_ = xml.EscapeText(&buf, []byte(text))
		buf.WriteString(`</text>`)
	}
	return &StanzaError{Type: errType, Children: buf.Bytes()}
}

// WithReason appends an application-specific reason element in the given
// namespace. Bridges use it to distinguish their own errors from ones
// produced by intermediaries.
func (e *StanzaError) WithReason(namespace, element, reason string) *StanzaError {
	var buf bytes.Buffer
	buf.Write(e.Children)
	fmt.Fprintf(&buf, `<%s xmlns="%s" reason="%s"/>`, element, namespace, reason)
	e.Children = buf.Bytes()
	return e
}

// Condition returns the defined error condition, or "" when absent.
func (e *StanzaError) Condition() string {
	if e == nil {
		return ""
	}
	dec := xml.NewDecoder(bytes.NewReader(e.Children))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Space == NSStanzas && start.Name.Local != "text" {
				return start.Name.Local
			}
			if err := dec.Skip(); err != nil {
				return ""
			}
		}
	}
}

// Text returns the human-readable error text, or "".
func (e *StanzaError) Text() string {
	if e == nil {
		return ""
	}
	dec := xml.NewDecoder(bytes.NewReader(e.Children))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Space == NSStanzas && start.Name.Local == "text" {
				var text string
				if err := dec.DecodeElement(&text, &start); err != nil {
					return ""
				}
				return text
			}
			if err := dec.Skip(); err != nil {
				return ""
			}
		}
	}
}

// Reason returns the reason attribute of the application element in the
// given namespace. The second return is false when no such element exists.
func (e *StanzaError) Reason(namespace string) (string, bool) {
	if e == nil {
		return "", false
	}
	dec := xml.NewDecoder(bytes.NewReader(e.Children))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", false
		}
		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Space == namespace {
				for _, attr := range start.Attr {
					if attr.Name.Local == "reason" {
						return attr.Value, true
					}
				}
				return "", true
			}
			if err := dec.Skip(); err != nil {
				return "", false
			}
		}
	}
}

// Presence is a broadcast stanza. Extensions stay raw; consumers unmarshal
// Raw into their own shapes.
type Presence struct {
	XMLName xml.Name `xml:"presence"`
	From    JID      `xml:"from,attr,omitempty"`
	To      JID      `xml:"to,attr,omitempty"`
	Type    string   `xml:"type,attr,omitempty"`
	Payload []byte   `xml:",innerxml"`

	// Raw is the stanza exactly as read off the wire; unset on outbound.
	Raw []byte `xml:"-"`
}

// IsUnavailable reports whether the sender left.
func (p *Presence) IsUnavailable() bool {
	return p.Type == PresenceUnavailable
}

// firstElement returns the name of the first XML element in raw.
func firstElement(raw []byte) (xml.Name, bool) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
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
