package bridge

import (
	"encoding/xml"
	"fmt"
	"strconv"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
)

// NSColibriStats is the namespace of the stats extension bridges publish.
const NSColibriStats = "http://jitsi.org/protocol/colibri"

// statsExtension is the <stats/> payload of a bridge brewery presence.
type statsExtension struct {
	XMLName xml.Name `xml:"presence"`
	Stats   *struct {
		Stat []struct {
			Name  string `xml:"name,attr"`
			Value string `xml:"value,attr"`
		} `xml:"stat"`
	} `xml:"http://jitsi.org/protocol/colibri stats"`
}

// ParsePresenceStats extracts the bridge status payload from a brewery
// presence. A presence with no stats extension is an error; the bridge is
// not usable without its relay id and stress report.
func ParsePresenceStats(p *xmpp.Presence) (PresenceStats, error) {
	var ext statsExtension
	if err := xml.Unmarshal(p.Raw, &ext); err != nil {
		return PresenceStats{}, fmt.Errorf("failed to parse bridge presence: %w", err)
	}
	if ext.Stats == nil {
		return PresenceStats{}, fmt.Errorf("bridge presence carries no stats extension")
	}

	stats := PresenceStats{Healthy: true}
	for _, st := range ext.Stats.Stat {
		switch st.Name {
		case "stress_level":
			v, err := strconv.ParseFloat(st.Value, 64)
			if err != nil {
				return PresenceStats{}, fmt.Errorf("bad stress_level %q: %w", st.Value, err)
			}
			stats.Stress = v
		case "region":
			stats.Region = types.Region(st.Value)
		case "relay_id":
			stats.RelayID = st.Value
		case "version":
			stats.Version = types.BridgeVersion(st.Value)
		case "drain":
			stats.Draining = st.Value == "true"
		case "graceful_shutdown":
			stats.ShutdownInProgress = st.Value == "true"
		case "healthy":
			stats.Healthy = st.Value != "false"
		}
	}
	return stats, nil
}

// BreweryListener feeds brewery room membership into the selector. Register
// it on the bridge brewery MUC room.
type BreweryListener struct {
	selector *Selector
}

// NewBreweryListener wires a selector to brewery occupancy events.
func NewBreweryListener(selector *Selector) *BreweryListener {
	return &BreweryListener{selector: selector}
}

// OccupantJoined records a new bridge from its first presence.
func (l *BreweryListener) OccupantJoined(o xmpp.Occupant) {
	l.update(o)
}

// OccupantUpdated folds a fresh stats report into the fleet.
func (l *BreweryListener) OccupantUpdated(o xmpp.Occupant) {
	l.update(o)
}

// OccupantLeft drops the bridge from the fleet.
func (l *BreweryListener) OccupantLeft(o xmpp.Occupant) {
	l.selector.Remove(bridgeJID(o))
}

// RoomDestroyed drops nothing: bridges re-announce when the brewery room
// comes back.
func (l *BreweryListener) RoomDestroyed() {}

func (l *BreweryListener) update(o xmpp.Occupant) {
	stats, err := ParsePresenceStats(o.Presence)
	if err != nil {
		return
	}
	l.selector.UpdateFromPresence(bridgeJID(o), stats)
}

// bridgeJID is the bridge's identity: its real JID when the brewery
// discloses it, else the occupant JID.
func bridgeJID(o xmpp.Occupant) xmpp.JID {
	if o.RealJID != "" {
		return o.RealJID
	}
	return xmpp.JID(o.Nick)
}
