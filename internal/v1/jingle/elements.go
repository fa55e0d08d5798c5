package jingle

import (
	"encoding/xml"
	"fmt"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
)

// Namespaces of the client signaling dialect.
const (
	NSJingle       = "urn:xmpp:jingle:1"
	NSRTP          = "urn:xmpp:jingle:apps:rtp:1"
	NSSSMA         = "urn:xmpp:jingle:apps:rtp:ssma:0"
	NSRTPHdrExt    = "urn:xmpp:jingle:apps:rtp:rtp-hdrext:0"
	NSIceUdp       = "urn:xmpp:jingle:transports:ice-udp:1"
	NSDTLS         = "urn:xmpp:jingle:apps:dtls:0"
	NSSCTP         = "urn:xmpp:jingle:transports:dtls-sctp:1"
	NSWebSocket    = "http://jitsi.org/protocol/colibri"
	NSJSONSources  = "jitsi:json-sources"
	NSSourceOwner  = "http://jitsi.org/jitmeet"
	NSMuteRequest  = "http://jitsi.org/jitmeet/audio"
	NSVideoMute    = "http://jitsi.org/jitmeet/video"
)

// Jingle actions used by the focus.
const (
	ActionSessionInitiate  = "session-initiate"
	ActionSessionAccept    = "session-accept"
	ActionSessionTerminate = "session-terminate"
	ActionTransportInfo    = "transport-info"
	ActionTransportReplace = "transport-replace"
	ActionTransportAccept  = "transport-accept"
	ActionTransportReject  = "transport-reject"
	ActionSourceAdd        = "source-add"
	ActionSourceRemove     = "source-remove"
)

// Session terminate reasons.
const (
	ReasonSuccess        = "success"
	ReasonExpired        = "expired"
	ReasonGone           = "gone"
	ReasonFailedTransport = "failed-transport"
)

// Jingle is the request payload of every client signaling exchange.
type Jingle struct {
	XMLName   xml.Name  `xml:"urn:xmpp:jingle:1 jingle"`
	Action    string    `xml:"action,attr"`
	SID       string    `xml:"sid,attr"`
	Initiator string    `xml:"initiator,attr,omitempty"`
	Responder string    `xml:"responder,attr,omitempty"`
	Contents  []Content `xml:"content"`
	Reason    *Reason   `xml:"reason"`
	// BridgeSessionID marks which underlying bridge session this exchange
	// belongs to; clients echo it so stale exchanges are detectable.
	BridgeSession *BridgeSession `xml:"bridge-session"`
	// JSONSources carries the compact source encoding when the conference
	// uses the JSON dialect instead of per-content ssma elements.
	JSONSources *JSONSources `xml:"json-sources"`
}

// BridgeSession identifies the colibri session behind a client session.
type BridgeSession struct {
	XMLName xml.Name `xml:"http://jitsi.org/protocol/focus bridge-session"`
	ID      string   `xml:"id,attr"`
	Region  string   `xml:"region,attr,omitempty"`
}

// Reason is the child of session-terminate.
type Reason struct {
	XMLName xml.Name `xml:"reason"`
	// Condition is the reason element name (success, expired, ...).
	Condition string `xml:",any"`
	Text      string `xml:"text,omitempty"`
}

// JSONSources is the compact JSON source encoding extension.
type JSONSources struct {
	XMLName xml.Name `xml:"jitsi:json-sources json-sources"`
	Body    string   `xml:",chardata"`
}

// Content is one media (or data) section of a Jingle exchange.
type Content struct {
	XMLName     xml.Name         `xml:"content"`
	Creator     string           `xml:"creator,attr,omitempty"`
	Name        string           `xml:"name,attr"`
	Senders     string           `xml:"senders,attr,omitempty"`
	Description *RTPDescription  `xml:"description"`
	Transport   *IceUdpTransport `xml:"transport"`
}

// RTPDescription describes one RTP media section.
type RTPDescription struct {
	XMLName      xml.Name           `xml:"urn:xmpp:jingle:apps:rtp:1 description"`
	Media        string             `xml:"media,attr"`
	PayloadTypes []PayloadType      `xml:"payload-type"`
	HdrExts      []RTPHdrExt        `xml:"rtp-hdrext"`
	Sources      []SourceElement    `xml:"source"`
	SSRCGroups   []SSRCGroupElement `xml:"ssrc-group"`
}

// PayloadType is one negotiated codec.
type PayloadType struct {
	XMLName    xml.Name    `xml:"payload-type"`
	ID         int         `xml:"id,attr"`
	Name       string      `xml:"name,attr,omitempty"`
	Clockrate  int         `xml:"clockrate,attr,omitempty"`
	Channels   int         `xml:"channels,attr,omitempty"`
	Parameters []Parameter `xml:"parameter"`
	Feedback   []RtcpFb    `xml:"rtcp-fb"`
}

// RtcpFb is an rtcp feedback capability of a payload type.
type RtcpFb struct {
	XMLName xml.Name `xml:"rtcp-fb"`
	Type    string   `xml:"type,attr"`
	Subtype string   `xml:"subtype,attr,omitempty"`
}

// RTPHdrExt is one negotiated RTP header extension.
type RTPHdrExt struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle:apps:rtp:rtp-hdrext:0 rtp-hdrext"`
	ID      int      `xml:"id,attr"`
	URI     string   `xml:"uri,attr"`
}

// Parameter is a name/value pair on a source or payload type.
type Parameter struct {
	XMLName xml.Name `xml:"parameter"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

// SourceElement is the ssma representation of one Source.
type SourceElement struct {
	XMLName    xml.Name    `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	SSRC       uint32      `xml:"ssrc,attr"`
	Name       string      `xml:"name,attr,omitempty"`
	VideoType  string      `xml:"videoType,attr,omitempty"`
	Parameters []Parameter `xml:"parameter"`
	Info       *SSRCInfo   `xml:"ssrc-info"`
}

// SSRCInfo ties a propagated source to its owning participant.
type SSRCInfo struct {
	XMLName xml.Name `xml:"http://jitsi.org/jitmeet ssrc-info"`
	Owner   string   `xml:"owner,attr"`
}

// SSRCGroupElement is the ssma representation of one SSRCGroup.
type SSRCGroupElement struct {
	XMLName   xml.Name   `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 ssrc-group"`
	Semantics string     `xml:"semantics,attr"`
	Sources   []struct {
		SSRC uint32 `xml:"ssrc,attr"`
	} `xml:"source"`
}

// IceUdpTransport carries ICE credentials, candidates, the DTLS fingerprint
// and, when the endpoint offers one, a colibri WebSocket.
type IceUdpTransport struct {
	XMLName      xml.Name      `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport"`
	Ufrag        string        `xml:"ufrag,attr,omitempty"`
	Pwd          string        `xml:"pwd,attr,omitempty"`
	Fingerprints []Fingerprint `xml:"fingerprint"`
	Candidates   []Candidate   `xml:"candidate"`
	WebSockets   []WebSocket   `xml:"web-socket"`
	SCTP         *SctpMap      `xml:"sctpmap"`
}

// Fingerprint is the DTLS fingerprint with its setup role.
type Fingerprint struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle:apps:dtls:0 fingerprint"`
	Hash    string   `xml:"hash,attr"`
	Setup   string   `xml:"setup,attr,omitempty"`
	Value   string   `xml:",chardata"`
}

// Candidate is one ICE candidate.
type Candidate struct {
	XMLName    xml.Name `xml:"candidate"`
	ID         string   `xml:"id,attr,omitempty"`
	Component  int      `xml:"component,attr"`
	Foundation string   `xml:"foundation,attr"`
	Generation int      `xml:"generation,attr"`
	IP         string   `xml:"ip,attr"`
	Port       int      `xml:"port,attr"`
	Priority   uint32   `xml:"priority,attr"`
	Protocol   string   `xml:"protocol,attr"`
	Type       string   `xml:"type,attr"`
	RelAddr    string   `xml:"rel-addr,attr,omitempty"`
	RelPort    int      `xml:"rel-port,attr,omitempty"`
}

// WebSocket is a colibri WebSocket advertisement on a transport.
type WebSocket struct {
	XMLName xml.Name `xml:"http://jitsi.org/protocol/colibri web-socket"`
	URL     string   `xml:"url,attr"`
}

// SctpMap advertises the SCTP data channel port.
type SctpMap struct {
	XMLName  xml.Name `xml:"urn:xmpp:jingle:transports:dtls-sctp:1 sctpmap"`
	Port     uint16   `xml:"number,attr"`
	Protocol string   `xml:"protocol,attr,omitempty"`
	Streams  int      `xml:"streams,attr,omitempty"`
}

// Merge folds another transport fragment into t: credentials and
// fingerprints replace when present, candidates accumulate.
func (t *IceUdpTransport) Merge(other *IceUdpTransport) {
	if other == nil {
		return
	}
	if other.Ufrag != "" {
		t.Ufrag = other.Ufrag
	}
	if other.Pwd != "" {
		t.Pwd = other.Pwd
	}
	if len(other.Fingerprints) > 0 {
		t.Fingerprints = other.Fingerprints
	}
	t.Candidates = append(t.Candidates, other.Candidates...)
	if len(other.WebSockets) > 0 {
		t.WebSockets = other.WebSockets
	}
	if other.SCTP != nil {
		t.SCTP = other.SCTP
	}
}

// ToElement converts a Source to its ssma element, stamping the owner when
// given.
func ToElement(src Source, owner string) SourceElement {
	el := SourceElement{
		SSRC:      src.SSRC,
		Name:      src.Name,
		VideoType: src.VideoType,
	}
	if src.MSID != "" {
		el.Parameters = append(el.Parameters, Parameter{Name: "msid", Value: src.MSID})
	}
	if owner != "" {
		el.Info = &SSRCInfo{Owner: owner}
	}
	return el
}

// FromElement converts an ssma element back to a Source.
func FromElement(el SourceElement, media types.MediaType) Source {
	src := Source{
		SSRC:      el.SSRC,
		MediaType: media,
		Name:      el.Name,
		VideoType: el.VideoType,
	}
	for _, p := range el.Parameters {
		if p.Name == "msid" {
			src.MSID = p.Value
		}
	}
	return src
}

// ContentsFromSourceSet renders a source set as one content per media type,
// with owner stamped on every source. Used for source-add/source-remove and
// for folding remote sources into an offer.
func ContentsFromSourceSet(set *SourceSet, owner string) []Content {
	byMedia := map[types.MediaType]*RTPDescription{}
	order := []types.MediaType{types.MediaTypeAudio, types.MediaTypeVideo}

	for _, src := range set.Sources() {
		desc, ok := byMedia[src.MediaType]
		if !ok {
			desc = &RTPDescription{Media: string(src.MediaType)}
			byMedia[src.MediaType] = desc
		}
		desc.Sources = append(desc.Sources, ToElement(src, owner))
	}
	for _, g := range set.Groups() {
		// Groups are video-only in practice; attach to the video section.
		desc, ok := byMedia[types.MediaTypeVideo]
		if !ok {
			desc = &RTPDescription{Media: string(types.MediaTypeVideo)}
			byMedia[types.MediaTypeVideo] = desc
		}
		ge := SSRCGroupElement{Semantics: g.Semantics}
		for _, ssrc := range g.SSRCs {
			ge.Sources = append(ge.Sources, struct {
				SSRC uint32 `xml:"ssrc,attr"`
			}{SSRC: ssrc})
		}
		desc.SSRCGroups = append(desc.SSRCGroups, ge)
	}

	var contents []Content
	for _, media := range order {
		if desc, ok := byMedia[media]; ok {
			contents = append(contents, Content{
				Creator:     "initiator",
				Name:        string(media),
				Description: desc,
			})
		}
	}
	return contents
}

// SourceSetFromContents extracts every source and group from the contents.
// Unknown media sections are rejected.
func SourceSetFromContents(contents []Content) (*SourceSet, error) {
	set := &SourceSet{}
	for _, c := range contents {
		if c.Description == nil {
			continue
		}
		media := types.MediaType(c.Description.Media)
		if !media.Valid() {
			return nil, fmt.Errorf("content %q: %w", c.Name, types.ErrUnknownMediaType)
		}
		for _, el := range c.Description.Sources {
			set.Add(FromElement(el, media))
		}
		for _, ge := range c.Description.SSRCGroups {
			g := SSRCGroup{Semantics: ge.Semantics}
			for _, s := range ge.Sources {
				g.SSRCs = append(g.SSRCs, s.SSRC)
			}
			set.AddGroup(g)
		}
	}
	return set, nil
}

// NewIQ wraps a Jingle payload in a set IQ addressed to the participant.
func NewIQ(to xmpp.JID, payload *Jingle) (*xmpp.IQ, error) {
	return xmpp.NewIQ(xmpp.IQTypeSet, to, payload)
}

// Parse extracts the Jingle payload of a request IQ.
func Parse(iq *xmpp.IQ) (*Jingle, error) {
	var wrapper struct {
		XMLName xml.Name `xml:"iq"`
		Jingle  *Jingle  `xml:"urn:xmpp:jingle:1 jingle"`
	}
	if err := xml.Unmarshal(iq.Raw, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to parse jingle iq: %w", err)
	}
	if wrapper.Jingle == nil {
		return nil, fmt.Errorf("iq %s carries no jingle payload", iq.ID)
	}
	return wrapper.Jingle, nil
}

// MuteRequest is the client-to-focus force-mute payload. The body is the
// literal "true" or "false".
type MuteRequest struct {
	XMLName xml.Name `xml:"http://jitsi.org/jitmeet/audio mute"`
	// JID of the participant to mute, empty for self.
	JID  string `xml:"jid,attr,omitempty"`
	Mute string `xml:",chardata"`
}

// Muted reports the requested state.
func (m *MuteRequest) Muted() bool {
	return m.Mute == "true"
}

// VideoMuteRequest mirrors MuteRequest for video.
type VideoMuteRequest struct {
	XMLName xml.Name `xml:"http://jitsi.org/jitmeet/video mute"`
	JID     string   `xml:"jid,attr,omitempty"`
	Mute    string   `xml:",chardata"`
}

// Muted reports the requested state.
func (m *VideoMuteRequest) Muted() bool {
	return m.Mute == "true"
}
