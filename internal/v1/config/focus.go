package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FocusConfig is the service option tree, loaded from YAML. Timeouts and
// intervals are plain seconds unless the field name says otherwise.
type FocusConfig struct {
	// Region this focus deployment runs in; used as a selection hint for
	// participants that do not report one.
	LocalRegion string `yaml:"localRegion"`

	Conference ConferenceConfig `yaml:"conference"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Relay      RelayConfig      `yaml:"relay"`
	Meet       MeetConfig       `yaml:"meet"`
	Recording  RecordingConfig  `yaml:"recording"`
	Auth       AuthConfig       `yaml:"auth"`
}

// ConferenceConfig holds per-conference behavior options.
type ConferenceConfig struct {
	// Idle-expiry for rooms that never saw a participant. (in seconds)
	InitialTimeout int `yaml:"initialTimeout"`
	// Grace period before tearing down a room with a single participant. (in seconds)
	SingleParticipantTimeout int `yaml:"singleParticipantTimeout"`
	// Grant moderator rights to the first participant automatically.
	EnableAutoOwner bool `yaml:"enableAutoOwner"`
	// Require moderator rights for mute/moderation operations.
	EnableModeratorChecks bool `yaml:"enableModeratorChecks"`
	// Number of participants required before session invitations are sent.
	MinParticipants int `yaml:"minParticipants"`

	// Validation caps for participant-advertised sources.
	MaxSSRCsPerUser      int `yaml:"maxSsrcsPerUser"`
	MaxSSRCGroupsPerUser int `yaml:"maxSsrcGroupsPerUser"`
	MaxAudioSenders      int `yaml:"maxAudioSenders"`
	MaxVideoSenders      int `yaml:"maxVideoSenders"`

	// Offer/advertisement dialect toggles.
	UseSSRCRewriting      bool `yaml:"useSsrcRewriting"`
	UseJSONEncodedSources bool `yaml:"useJsonEncodedSources"`
	StripSimulcast        bool `yaml:"stripSimulcast"`
	EnableSCTP            bool `yaml:"enableSctp"`

	// Step function from conference size to source signaling delay
	// (milliseconds); lookup is by floor entry.
	SourceSignalingDelays map[int]int `yaml:"sourceSignalingDelays"`

	RestartRequestRateLimits RestartRateLimits `yaml:"restartRequestRateLimits"`

	// ReinviteTransportReplace or ReinviteTerminateAndReinitiate.
	ReinviteMethod string `yaml:"reinviteMethod"`
}

// Recognized reinvite methods.
const (
	ReinviteTransportReplace       = "transport-replace"
	ReinviteTerminateAndReinitiate = "terminate-and-reinitiate"
)

// RestartRateLimits bounds how often a participant may request a session restart.
type RestartRateLimits struct {
	// Minimum time between any two restart requests. (in seconds)
	MinInterval int `yaml:"minInterval"`
	// Window over which MaxRequests is counted. (in seconds)
	Interval int `yaml:"interval"`
	// Maximum restart requests per Interval.
	MaxRequests int `yaml:"maxRequests"`
}

// BridgeConfig holds bridge fleet and selection options.
type BridgeConfig struct {
	// MUC room where bridges announce themselves via presence.
	BreweryJid string `yaml:"breweryJid"`
	// Name of the signaling connection used to reach bridges.
	XMPPConnectionName string `yaml:"xmppConnectionName"`
	// Whether periodic bridge health checks run.
	HealthChecksEnabled bool `yaml:"healthChecksEnabled"`

	// A bridge with correctedStress at or above this is overloaded.
	StressThreshold float64 `yaml:"stressThreshold"`
	// Stress penalty per recently assigned endpoint, applied until the
	// bridge's next report catches up.
	AverageParticipantStress float64 `yaml:"averageParticipantStress"`
	// Window over which a recently assigned endpoint still counts toward
	// correctedStress. (in seconds)
	ParticipantRampupInterval int `yaml:"participantRampupInterval"`
	// Cap on conference participants per bridge; 0 disables the cap.
	MaxBridgeParticipants int `yaml:"maxBridgeParticipants"`
	// Round-trip deadline for bridge control requests. (in seconds)
	RequestTimeout int `yaml:"requestTimeout"`

	LoadRedistribution LoadRedistributionConfig `yaml:"loadRedistribution"`
}

// LoadRedistributionConfig drives the automatic endpoint migration loop.
type LoadRedistributionConfig struct {
	Enabled bool `yaml:"enabled"`
	// How often the loop runs. (in seconds)
	Interval int `yaml:"interval"`
	// Per-bridge cool-off after a redistribution. (in seconds)
	Timeout int `yaml:"timeout"`
	// Endpoints moved off an overloaded bridge per pass.
	Endpoints int `yaml:"endpoints"`
	// Bridges at or above this corrected stress get unloaded.
	StressThreshold float64 `yaml:"stressThreshold"`
}

// RelayConfig controls the inter-bridge relay mesh.
type RelayConfig struct {
	// When disabled a conference is confined to a single bridge.
	Enabled bool `yaml:"enabled"`
}

// MeetConfig holds the detector brewery rooms for optional integrations.
type MeetConfig struct {
	Enabled               bool   `yaml:"enabled"`
	SipBreweryJid         string `yaml:"sipBreweryJid"`
	TranscriberBreweryJid string `yaml:"transcriberBreweryJid"`
	RecorderBreweryJid    string `yaml:"recorderBreweryJid"`
}

// RecordingConfig holds recorder integration options.
type RecordingConfig struct {
	// Template for the multi-track recorder URL; the literal token
	// MEETING_ID is replaced with the meeting id.
	MultiTrackRecorderURLTemplate string `yaml:"multiTrackRecorderUrlTemplate"`
}

// AuthConfig selects the client authentication mode.
type AuthConfig struct {
	// One of NONE, XMPP, JWT.
	Type            string `yaml:"type"`
	LoginURL        string `yaml:"loginUrl"`
	EnableAutoLogin bool   `yaml:"enableAutoLogin"`
	// How long an authentication stays valid. (in seconds)
	AuthenticationLifetime int `yaml:"authenticationLifetime"`
	// JWT mode only: the token issuer domain hosting the JWKS document,
	// and the audience claim tokens must carry.
	JWTDomain   string `yaml:"jwtDomain"`
	JWTAudience string `yaml:"jwtAudience"`
}

// DefaultFocusConfig returns the option tree with every default applied.
// Loading YAML on top only overrides the keys present in the document.
func DefaultFocusConfig() *FocusConfig {
	return &FocusConfig{
		Conference: ConferenceConfig{
			InitialTimeout:           15,
			SingleParticipantTimeout: 20,
			EnableAutoOwner:          true,
			EnableModeratorChecks:    true,
			MinParticipants:          2,
			MaxSSRCsPerUser:          20,
			MaxSSRCGroupsPerUser:     20,
			MaxAudioSenders:          999999,
			MaxVideoSenders:          999999,
			UseJSONEncodedSources:    true,
			StripSimulcast:           true,
			EnableSCTP:               true,
			RestartRequestRateLimits: RestartRateLimits{
				MinInterval: 10,
				Interval:    300,
				MaxRequests: 3,
			},
			ReinviteMethod: "transport-replace",
		},
		Bridge: BridgeConfig{
			XMPPConnectionName:        "client",
			HealthChecksEnabled:       true,
			StressThreshold:           0.8,
			AverageParticipantStress:  0.01,
			ParticipantRampupInterval: 20,
			RequestTimeout:            15,
			LoadRedistribution: LoadRedistributionConfig{
				Enabled:         false,
				Interval:        15,
				Timeout:         60,
				Endpoints:       1,
				StressThreshold: 0.8,
			},
		},
		Relay: RelayConfig{Enabled: true},
		Auth: AuthConfig{
			Type:                   "NONE",
			EnableAutoLogin:        true,
			AuthenticationLifetime: 86400,
		},
	}
}

// ErrNoFocusConfigEnvVar is returned when the CONFIG environment variable is not set.
var ErrNoFocusConfigEnvVar = errors.New("environment variable not set or invalid")

// LoadFocusConfig tries the `CONFIG` environment variable first and falls
// back to the provided path. Returns an error if neither yields a valid
// config.
func LoadFocusConfig(path string) (*FocusConfig, error) {
	config, err := LoadFocusConfigFromEnv()
	if err != nil {
		if !errors.Is(err, ErrNoFocusConfigEnvVar) {
			return nil, err
		}

		return LoadFocusConfigFromPath(path)
	}

	return config, nil
}

// LoadFocusConfigFromEnv loads the config from the `CONFIG` environment variable.
func LoadFocusConfigFromEnv() (*FocusConfig, error) {
	configEnv := os.Getenv("CONFIG")
	if configEnv == "" {
		return nil, ErrNoFocusConfigEnvVar
	}

	return LoadFocusConfigFromString(configEnv)
}

// LoadFocusConfigFromPath loads the config from a YAML file.
func LoadFocusConfigFromPath(path string) (*FocusConfig, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return LoadFocusConfigFromString(string(file))
}

// LoadFocusConfigFromString parses a YAML document over the defaults.
func LoadFocusConfigFromString(configString string) (*FocusConfig, error) {
	config := DefaultFocusConfig()
	if err := yaml.Unmarshal([]byte(configString), config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects option values the focus cannot run with.
func (c *FocusConfig) Validate() error {
	var errs []string

	if c.Bridge.BreweryJid == "" {
		errs = append(errs, "bridge.breweryJid is required")
	}
	if c.Bridge.StressThreshold <= 0 || c.Bridge.StressThreshold > 1 {
		errs = append(errs, fmt.Sprintf("bridge.stressThreshold must be in (0,1] (got %v)", c.Bridge.StressThreshold))
	}
	if c.Bridge.RequestTimeout <= 0 {
		errs = append(errs, "bridge.requestTimeout must be positive")
	}
	if c.Conference.InitialTimeout <= 0 {
		errs = append(errs, "conference.initialTimeout must be positive")
	}
	if c.Conference.MinParticipants < 1 {
		errs = append(errs, "conference.minParticipants must be at least 1")
	}
	switch c.Conference.ReinviteMethod {
	case ReinviteTransportReplace, ReinviteTerminateAndReinitiate:
	default:
		errs = append(errs, fmt.Sprintf("conference.reinviteMethod must be 'transport-replace' or 'terminate-and-reinitiate' (got '%s')", c.Conference.ReinviteMethod))
	}
	for size, delay := range c.Conference.SourceSignalingDelays {
		if size < 0 || delay < 0 {
			errs = append(errs, fmt.Sprintf("conference.sourceSignalingDelays entries must be non-negative (got %d: %d)", size, delay))
		}
	}
	switch strings.ToUpper(c.Auth.Type) {
	case "NONE", "XMPP":
	case "JWT":
		if c.Auth.JWTDomain == "" || c.Auth.JWTAudience == "" {
			errs = append(errs, "auth.jwtDomain and auth.jwtAudience are required when auth.type is JWT")
		}
	default:
		errs = append(errs, fmt.Sprintf("auth.type must be one of NONE, XMPP, JWT (got '%s')", c.Auth.Type))
	}
	if tmpl := c.Recording.MultiTrackRecorderURLTemplate; tmpl != "" && !strings.Contains(tmpl, "MEETING_ID") {
		errs = append(errs, "recording.multiTrackRecorderUrlTemplate must contain the MEETING_ID token")
	}

	if len(errs) > 0 {
		return fmt.Errorf("focus config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// SourceSignalingDelay returns the batching delay for a conference of the
// given size, using the floor entry of the configured step function.
func (c *ConferenceConfig) SourceSignalingDelay(conferenceSize int) time.Duration {
	if len(c.SourceSignalingDelays) == 0 {
		return 0
	}

	sizes := make([]int, 0, len(c.SourceSignalingDelays))
	for size := range c.SourceSignalingDelays {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)

	delay := 0
	for _, size := range sizes {
		if conferenceSize < size {
			break
		}
		delay = c.SourceSignalingDelays[size]
	}
	return time.Duration(delay) * time.Millisecond
}

// RecorderURL expands the multi-track recorder template for a meeting.
// Returns empty when no template is configured.
func (c *RecordingConfig) RecorderURL(meetingID string) string {
	if c.MultiTrackRecorderURLTemplate == "" {
		return ""
	}
	return strings.ReplaceAll(c.MultiTrackRecorderURLTemplate, "MEETING_ID", meetingID)
}
