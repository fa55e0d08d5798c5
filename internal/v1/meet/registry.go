// Package meet tracks the optional service integrations that announce
// themselves in detector brewery rooms: recorders, SIP gateways and
// transcribers. The focus only does roster bookkeeping and instance
// selection; the services themselves join conferences as participants.
package meet

import (
	"encoding/xml"
	"sort"
	"strconv"
	"sync"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
)

// Kind names one detector brewery.
type Kind string

const (
	KindRecorder    Kind = "recorder"
	KindSIPGateway  Kind = "sip"
	KindTranscriber Kind = "transcriber"
)

// Instance is one service as last seen in its brewery presence.
type Instance struct {
	JID                   xmpp.JID     `json:"jid"`
	Region                types.Region `json:"region,omitempty"`
	ParticipantCount      int          `json:"participants"`
	GracefulShutdown      bool         `json:"gracefulShutdown,omitempty"`
	SupportsSIP           bool         `json:"supportsSip,omitempty"`
	SupportsTranscription bool         `json:"supportsTranscription,omitempty"`
}

// Registry holds the per-kind rosters.
type Registry struct {
	localRegion types.Region

	mu      sync.RWMutex
	rosters map[Kind]map[xmpp.JID]Instance
}

func NewRegistry(localRegion types.Region) *Registry {
	return &Registry{
		localRegion: localRegion,
		rosters:     make(map[Kind]map[xmpp.JID]Instance),
	}
}

// Listener returns the occupant listener that feeds one brewery room into
// the registry. Register it on the brewery's MUC room.
func (r *Registry) Listener(kind Kind) xmpp.OccupantListener {
	return &breweryListener{reg: r, kind: kind}
}

// Instances snapshots one roster, ordered by JID.
func (r *Registry) Instances(kind Kind) []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instance, 0, len(r.rosters[kind]))
	for _, inst := range r.rosters[kind] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JID < out[j].JID })
	return out
}

// SelectSIPGateway picks the gateway a new SIP call should land on.
func (r *Registry) SelectSIPGateway(exclude []xmpp.JID, preferredRegions []types.Region) (Instance, bool) {
	return r.pick(KindSIPGateway, exclude, preferredRegions, func(i Instance) bool {
		return i.SupportsSIP
	})
}

// SelectTranscriber picks the transcriber for a new transcription request.
func (r *Registry) SelectTranscriber(exclude []xmpp.JID, preferredRegions []types.Region) (Instance, bool) {
	return r.pick(KindTranscriber, exclude, preferredRegions, func(i Instance) bool {
		return i.SupportsTranscription
	})
}

// pick narrows the roster step by step: capability and shutdown filter,
// preferred regions when any candidate matches, then the local region, then
// least loaded with the JID as the stable tiebreak.
func (r *Registry) pick(kind Kind, exclude []xmpp.JID, preferred []types.Region, capable func(Instance) bool) (Instance, bool) {
	excluded := make(map[xmpp.JID]bool, len(exclude))
	for _, jid := range exclude {
		excluded[jid] = true
	}

	candidates := make([]Instance, 0)
	for _, inst := range r.Instances(kind) {
		if excluded[inst.JID] || inst.GracefulShutdown || !capable(inst) {
			continue
		}
		candidates = append(candidates, inst)
	}
	if len(candidates) == 0 {
		return Instance{}, false
	}

	if narrowed := inRegions(candidates, preferred); len(narrowed) > 0 {
		candidates = narrowed
	} else if local := inRegions(candidates, []types.Region{r.localRegion}); len(local) > 0 {
		candidates = local
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.ParticipantCount < best.ParticipantCount ||
			(c.ParticipantCount == best.ParticipantCount && c.JID < best.JID) {
			best = c
		}
	}
	return best, true
}

func inRegions(instances []Instance, regions []types.Region) []Instance {
	var out []Instance
	for _, inst := range instances {
		for _, region := range regions {
			if region != "" && inst.Region == region {
				out = append(out, inst)
				break
			}
		}
	}
	return out
}

func (r *Registry) upsert(kind Kind, inst Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roster, ok := r.rosters[kind]
	if !ok {
		roster = make(map[xmpp.JID]Instance)
		r.rosters[kind] = roster
	}
	roster[inst.JID] = inst
}

func (r *Registry) remove(kind Kind, jid xmpp.JID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rosters[kind], jid)
}

// breweryListener feeds one brewery room's occupancy into the registry.
type breweryListener struct {
	reg  *Registry
	kind Kind
}

func (l *breweryListener) OccupantJoined(o xmpp.Occupant)  { l.update(o) }
func (l *breweryListener) OccupantUpdated(o xmpp.Occupant) { l.update(o) }

func (l *breweryListener) OccupantLeft(o xmpp.Occupant) {
	l.reg.remove(l.kind, instanceJID(o))
}

// RoomDestroyed keeps the roster: instances re-announce when the brewery
// room comes back.
func (l *breweryListener) RoomDestroyed() {}

func (l *breweryListener) update(o xmpp.Occupant) {
	inst, err := parsePresence(o)
	if err != nil {
		return
	}
	l.reg.upsert(l.kind, inst)
}

// instanceJID is the service's identity: its real JID when the brewery
// discloses it, else the occupant JID.
func instanceJID(o xmpp.Occupant) xmpp.JID {
	if o.RealJID != "" {
		return o.RealJID
	}
	return xmpp.JID(o.Nick)
}

// detectorExtension is the <stats/> payload of a detector brewery presence,
// the same extension shape the bridges publish.
type detectorExtension struct {
	XMLName xml.Name `xml:"presence"`
	Stats   *struct {
		Stat []struct {
			Name  string `xml:"name,attr"`
			Value string `xml:"value,attr"`
		} `xml:"stat"`
	} `xml:"http://jitsi.org/protocol/colibri stats"`
}

func parsePresence(o xmpp.Occupant) (Instance, error) {
	inst := Instance{JID: instanceJID(o)}
	if o.Presence == nil {
		return inst, nil
	}
	var ext detectorExtension
	if err := xml.Unmarshal(o.Presence.Raw, &ext); err != nil {
		return Instance{}, err
	}
	if ext.Stats == nil {
		return inst, nil
	}
	for _, st := range ext.Stats.Stat {
		switch st.Name {
		case "region":
			inst.Region = types.Region(st.Value)
		case "participants":
			if v, err := strconv.Atoi(st.Value); err == nil {
				inst.ParticipantCount = v
			}
		case "graceful_shutdown":
			inst.GracefulShutdown = st.Value == "true"
		case "supports_sip":
			inst.SupportsSIP = st.Value == "true"
		case "supports_transcription":
			inst.SupportsTranscription = st.Value == "true"
		}
	}
	return inst, nil
}
