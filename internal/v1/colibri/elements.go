package colibri

import (
	"encoding/xml"
	"fmt"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/jingle"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
)

// NSColibri2 is the namespace of the bridge control dialect.
const NSColibri2 = "jitsi:colibri2"

// Error reasons bridges attach to error stanzas to mark them as their own.
const (
	ReasonElementConferenceNotFound      = "conference-not-found"
	ReasonElementConferenceAlreadyExists = "conference-already-exists"
	ReasonElementGracefulShutdown        = "graceful-shutdown"
	ReasonElementUnknownEndpoint         = "unknown-endpoint"
)

// ConferenceModify is the request payload of every bridge exchange: it
// creates, updates or expires the conference, its endpoints and relays.
type ConferenceModify struct {
	XMLName   xml.Name `xml:"jitsi:colibri2 conference-modify"`
	MeetingID string   `xml:"meeting-id,attr"`
	// Name is the room the conference belongs to; informational.
	Name   string `xml:"name,attr,omitempty"`
	Create bool   `xml:"create,attr,omitempty"`
	Expire bool   `xml:"expire,attr,omitempty"`

	Endpoints []Endpoint     `xml:"endpoint"`
	Relays    []RelayElement `xml:"relay"`
}

// ConferenceModified is the bridge's acknowledgement, carrying the accepted
// transports and the bridge's own (feedback) sources.
type ConferenceModified struct {
	XMLName   xml.Name       `xml:"jitsi:colibri2 conference-modified"`
	Sources   *Sources       `xml:"sources"`
	Endpoints []Endpoint     `xml:"endpoint"`
	Relays    []RelayElement `xml:"relay"`
}

// Endpoint is one client seat as the bridge sees it.
type Endpoint struct {
	XMLName xml.Name `xml:"endpoint"`
	ID      string   `xml:"id,attr"`
	StatsID string   `xml:"stats-id,attr,omitempty"`
	Create  bool     `xml:"create,attr,omitempty"`
	Expire  bool     `xml:"expire,attr,omitempty"`

	ForceMute *ForceMute   `xml:"force-mute"`
	Media     []Media      `xml:"media"`
	Transport *Transport   `xml:"transport"`
	Sources   *Sources     `xml:"sources"`
	Caps      []Capability `xml:"capability"`
}

// ForceMute carries the moderation state the bridge enforces regardless of
// what the client sends.
type ForceMute struct {
	XMLName xml.Name `xml:"force-mute"`
	Audio   bool     `xml:"audio,attr"`
	Video   bool     `xml:"video,attr"`
}

// Capability flags what the endpoint's client understands.
type Capability struct {
	XMLName xml.Name `xml:"capability"`
	Name    string   `xml:"name,attr"`
}

// Capability names.
const (
	CapSourceNames   = "source-names"
	CapSSRCRewriting = "ssrc-rewriting"
)

// Media is one media section of an endpoint: the negotiated payload types
// and header extensions the bridge must accept.
type Media struct {
	XMLName      xml.Name             `xml:"media"`
	Type         string               `xml:"type,attr"`
	PayloadTypes []jingle.PayloadType `xml:"payload-type"`
	HdrExts      []jingle.RTPHdrExt   `xml:"rtp-hdrext"`
}

// Transport wraps an ICE transport with colibri-level attributes.
type Transport struct {
	XMLName        xml.Name                `xml:"transport"`
	IceControlling bool                    `xml:"ice-controlling,attr,omitempty"`
	UseUniquePort  bool                    `xml:"use-unique-port,attr,omitempty"`
	ICE            *jingle.IceUdpTransport `xml:"transport"`
	SCTP           *Sctp                   `xml:"sctp"`
}

// Sctp asks the bridge for (or reports) an SCTP association.
type Sctp struct {
	XMLName xml.Name `xml:"sctp"`
	Role    string   `xml:"role,attr,omitempty"`
	Port    *uint16  `xml:"port,attr,omitempty"`
}

// Sources groups per-media source lists.
type Sources struct {
	XMLName xml.Name      `xml:"sources"`
	Media   []MediaSource `xml:"media-source"`
}

// MediaSource lists the sources of one media type.
type MediaSource struct {
	XMLName    xml.Name                  `xml:"media-source"`
	Type       string                    `xml:"type,attr"`
	Sources    []jingle.SourceElement    `xml:"source"`
	SSRCGroups []jingle.SSRCGroupElement `xml:"ssrc-group"`
}

// RelayElement is one bridge-to-bridge link in a conference-modify.
type RelayElement struct {
	XMLName xml.Name `xml:"relay"`
	// ID is the remote bridge's relay id.
	ID     string `xml:"id,attr"`
	Create bool   `xml:"create,attr,omitempty"`
	Expire bool   `xml:"expire,attr,omitempty"`
	// MeshID groups relays into one mesh; a single mesh is used here.
	MeshID string `xml:"mesh-id,attr,omitempty"`

	Endpoints *RelayEndpoints `xml:"endpoints"`
	Transport *Transport      `xml:"transport"`
}

// RelayEndpoints is the remote endpoint set carried over a relay.
type RelayEndpoints struct {
	XMLName   xml.Name   `xml:"endpoints"`
	Endpoints []Endpoint `xml:"endpoint"`
}

// SourcesFromSet renders a source set as colibri media-source sections.
func SourcesFromSet(set *jingle.SourceSet) *Sources {
	if set == nil || set.IsEmpty() {
		return nil
	}
	byMedia := map[types.MediaType]*MediaSource{}
	order := []types.MediaType{types.MediaTypeAudio, types.MediaTypeVideo}

	for _, src := range set.Sources() {
		ms, ok := byMedia[src.MediaType]
		if !ok {
			ms = &MediaSource{Type: string(src.MediaType)}
			byMedia[src.MediaType] = ms
		}
		ms.Sources = append(ms.Sources, jingle.ToElement(src, ""))
	}
	for _, g := range set.Groups() {
		ms, ok := byMedia[types.MediaTypeVideo]
		if !ok {
			ms = &MediaSource{Type: string(types.MediaTypeVideo)}
			byMedia[types.MediaTypeVideo] = ms
		}
		ge := jingle.SSRCGroupElement{Semantics: g.Semantics}
		for _, ssrc := range g.SSRCs {
			ge.Sources = append(ge.Sources, struct {
				SSRC uint32 `xml:"ssrc,attr"`
			}{SSRC: ssrc})
		}
		ms.SSRCGroups = append(ms.SSRCGroups, ge)
	}

	out := &Sources{}
	for _, media := range order {
		if ms, ok := byMedia[media]; ok {
			out.Media = append(out.Media, *ms)
		}
	}
	return out
}

// SetFromSources converts colibri media-source sections back to a set.
func SetFromSources(sources *Sources) (*jingle.SourceSet, error) {
	set := &jingle.SourceSet{}
	if sources == nil {
		return set, nil
	}
	for _, ms := range sources.Media {
		media := types.MediaType(ms.Type)
		if !media.Valid() {
			return nil, fmt.Errorf("media-source %q: %w", ms.Type, types.ErrUnknownMediaType)
		}
		for _, el := range ms.Sources {
			set.Add(jingle.FromElement(el, media))
		}
		for _, ge := range ms.SSRCGroups {
			g := jingle.SSRCGroup{Semantics: ge.Semantics}
			for _, s := range ge.Sources {
				g.SSRCs = append(g.SSRCs, s.SSRC)
			}
			set.AddGroup(g)
		}
	}
	return set, nil
}

// MediasFromContents derives the colibri media sections from an offer's
// contents.
func MediasFromContents(contents []jingle.Content) []Media {
	var out []Media
	for _, c := range contents {
		if c.Description == nil {
			continue
		}
		out = append(out, Media{
			Type:         c.Description.Media,
			PayloadTypes: c.Description.PayloadTypes,
			HdrExts:      c.Description.HdrExts,
		})
	}
	return out
}

// ParseResponse extracts the conference-modified payload of a result IQ.
func ParseResponse(iq *xmpp.IQ) (*ConferenceModified, error) {
	var wrapper struct {
		XMLName  xml.Name            `xml:"iq"`
		Modified *ConferenceModified `xml:"jitsi:colibri2 conference-modified"`
	}
	if err := xml.Unmarshal(iq.Raw, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to parse conference-modified: %w", err)
	}
	if wrapper.Modified == nil {
		return nil, fmt.Errorf("result %s carries no conference-modified payload", iq.ID)
	}
	return wrapper.Modified, nil
}

// EndpointByID finds an endpoint element in a response.
func (m *ConferenceModified) EndpointByID(id string) (*Endpoint, bool) {
	for i := range m.Endpoints {
		if m.Endpoints[i].ID == id {
			return &m.Endpoints[i], true
		}
	}
	return nil, false
}

// RelayByID finds a relay element in a response.
func (m *ConferenceModified) RelayByID(id string) (*RelayElement, bool) {
	for i := range m.Relays {
		if m.Relays[i].ID == id {
			return &m.Relays[i], true
		}
	}
	return nil, false
}
