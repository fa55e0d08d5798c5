package jingle

import (
	"encoding/json"
	"fmt"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
)

// OfferOptions are the conference-wide toggles that shape a client offer.
type OfferOptions struct {
	// EnableSCTP adds the data content with an sctpmap.
	EnableSCTP bool
	// UseSSRCRewriting advertises that the bridge renumbers SSRCs, so the
	// offer omits remote ssma sources entirely.
	UseSSRCRewriting bool
	// UseJSONEncodedSources carries remote sources as a compact JSON
	// extension instead of per-content ssma elements.
	UseJSONEncodedSources bool
	// StripSimulcast removes simulcast layers from propagated sources.
	StripSimulcast bool
}

// BuildOffer composes the contents of a session-initiate: the static codec
// and header-extension surface plus, per options, the remote sources known
// at invite time.
func BuildOffer(opts OfferOptions, remote map[string]*SourceSet) ([]Content, *JSONSources, error) {
	contents := []Content{
		{
			Creator: "initiator",
			Name:    "audio",
			Senders: "both",
			Description: &RTPDescription{
				Media: "audio",
				PayloadTypes: []PayloadType{
					{ID: 111, Name: "opus", Clockrate: 48000, Channels: 2,
						Parameters: []Parameter{{Name: "minptime", Value: "10"}, {Name: "useinbandfec", Value: "1"}},
						Feedback:   []RtcpFb{{Type: "transport-cc"}}},
					{ID: 126, Name: "telephone-event", Clockrate: 8000},
				},
				HdrExts: []RTPHdrExt{
					{ID: 1, URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level"},
					{ID: 5, URI: "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"},
				},
			},
		},
		{
			Creator: "initiator",
			Name:    "video",
			Senders: "both",
			Description: &RTPDescription{
				Media: "video",
				PayloadTypes: []PayloadType{
					{ID: 100, Name: "VP8", Clockrate: 90000,
						Feedback: []RtcpFb{{Type: "ccm", Subtype: "fir"}, {Type: "nack"}, {Type: "nack", Subtype: "pli"}, {Type: "transport-cc"}}},
					{ID: 101, Name: "VP9", Clockrate: 90000,
						Feedback: []RtcpFb{{Type: "ccm", Subtype: "fir"}, {Type: "nack"}, {Type: "nack", Subtype: "pli"}, {Type: "transport-cc"}}},
					{ID: 96, Name: "rtx", Clockrate: 90000,
						Parameters: []Parameter{{Name: "apt", Value: "100"}}},
				},
				HdrExts: []RTPHdrExt{
					{ID: 3, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"},
					{ID: 5, URI: "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"},
				},
			},
		},
	}

	var jsonSources *JSONSources
	switch {
	case opts.UseSSRCRewriting:
		// The bridge renumbers; clients learn sources via the data channel.
	case opts.UseJSONEncodedSources:
		js, err := EncodeJSONSources(remote, opts.StripSimulcast)
		if err != nil {
			return nil, nil, err
		}
		jsonSources = js
	default:
		for owner, set := range remote {
			use := set
			if opts.StripSimulcast {
				use = set.Clone()
				use.StripSimulcast()
			}
			mergeSourceContents(contents, ContentsFromSourceSet(use, owner))
		}
	}

	if opts.EnableSCTP {
		contents = append(contents, Content{
			Creator: "initiator",
			Name:    "data",
			Transport: &IceUdpTransport{
				SCTP: &SctpMap{Port: 5000, Protocol: "webrtc-datachannel", Streams: 1024},
			},
		})
	}
	return contents, jsonSources, nil
}

// mergeSourceContents folds the sources of extra into the matching media
// sections of base. Sections are matched by description media.
func mergeSourceContents(base []Content, extra []Content) {
	for _, e := range extra {
		if e.Description == nil {
			continue
		}
		for i := range base {
			if base[i].Description != nil && base[i].Description.Media == e.Description.Media {
				base[i].Description.Sources = append(base[i].Description.Sources, e.Description.Sources...)
				base[i].Description.SSRCGroups = append(base[i].Description.SSRCGroups, e.Description.SSRCGroups...)
				break
			}
		}
	}
}

// jsonSource is the compact wire form of one source.
type jsonSource struct {
	SSRC      uint32 `json:"s"`
	Media     string `json:"m"`
	Name      string `json:"n,omitempty"`
	MSID      string `json:"i,omitempty"`
	VideoType string `json:"v,omitempty"`
}

type jsonSourceGroup struct {
	Semantics string   `json:"sem"`
	SSRCs     []uint32 `json:"ssrcs"`
}

type jsonOwnerSources struct {
	Sources []jsonSource      `json:"sources,omitempty"`
	Groups  []jsonSourceGroup `json:"groups,omitempty"`
}

// EncodeJSONSources renders per-owner sources as the JSON extension body.
func EncodeJSONSources(remote map[string]*SourceSet, stripSimulcast bool) (*JSONSources, error) {
	doc := make(map[string]jsonOwnerSources, len(remote))
	for owner, set := range remote {
		use := set
		if stripSimulcast {
			use = set.Clone()
			use.StripSimulcast()
		}
		var entry jsonOwnerSources
		for _, src := range use.Sources() {
			entry.Sources = append(entry.Sources, jsonSource{
				SSRC:      src.SSRC,
				Media:     string(src.MediaType),
				Name:      src.Name,
				MSID:      src.MSID,
				VideoType: src.VideoType,
			})
		}
		for _, g := range use.Groups() {
			entry.Groups = append(entry.Groups, jsonSourceGroup{Semantics: g.Semantics, SSRCs: g.SSRCs})
		}
		doc[owner] = entry
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json sources: %w", err)
	}
	return &JSONSources{Body: string(body)}, nil
}

// DecodeJSONSources parses the JSON extension body back to per-owner sets.
func DecodeJSONSources(js *JSONSources) (map[string]*SourceSet, error) {
	var doc map[string]jsonOwnerSources
	if err := json.Unmarshal([]byte(js.Body), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode json sources: %w", err)
	}
	out := make(map[string]*SourceSet, len(doc))
	for owner, entry := range doc {
		set := &SourceSet{}
		for _, s := range entry.Sources {
			media := types.MediaType(s.Media)
			if !media.Valid() {
				return nil, fmt.Errorf("owner %s ssrc %d: %w", owner, s.SSRC, types.ErrUnknownMediaType)
			}
			set.Add(Source{SSRC: s.SSRC, MediaType: media, Name: s.Name, MSID: s.MSID, VideoType: s.VideoType})
		}
		for _, g := range entry.Groups {
			set.AddGroup(SSRCGroup{Semantics: g.Semantics, SSRCs: g.SSRCs})
		}
		out[owner] = set
	}
	return out, nil
}
