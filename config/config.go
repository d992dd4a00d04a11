// Package config supplies the read-only runtime configuration for callkit:
// call timeouts, per-feature enable flags, conference limits, network
// quality threshold tables and named media quality profiles.
//
// Values come from an optional YAML file layered over built-in defaults.
// The provider is read-only to the rest of the module; callers poll the
// typed getters, they never mutate.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// QualityThresholds describes the band a network measurement must stay
// within to be classified at a given level. Bandwidth is a floor, latency
// and packet loss are ceilings.
type QualityThresholds struct {
	MinBandwidthKbps float64 `mapstructure:"min_bandwidth_kbps"`
	MaxLatencyMs     float64 `mapstructure:"max_latency_ms"`
	MaxPacketLoss    float64 `mapstructure:"max_packet_loss"`
}

// VideoProfile is a named bundle of encoding parameters applied together
// when adapting to a quality level.
type VideoProfile struct {
	Width       int `mapstructure:"width"`
	Height      int `mapstructure:"height"`
	FrameRate   int `mapstructure:"frame_rate"`
	BitrateKbps int `mapstructure:"bitrate_kbps"`
}

// AudioProfile bundles audio encoding parameters for a quality level.
type AudioProfile struct {
	BitrateKbps int `mapstructure:"bitrate_kbps"`
	SampleRate  int `mapstructure:"sample_rate"`
}

// Provider exposes typed, read-only access to the callkit configuration.
type Provider struct {
	v *viper.Viper
}

// Load builds a Provider from defaults plus an optional YAML file.
//
// A missing file is not an error; defaults cover every key so the module
// works out of the box. A present but unparsable file is an error.
func Load(path string) (*Provider, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
			logrus.WithFields(logrus.Fields{
				"function": "Load",
				"path":     path,
			}).Debug("Configuration file loaded")
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "Load",
				"path":     path,
			}).Debug("Configuration file not found, using defaults")
		}
	}

	return &Provider{v: v}, nil
}

// Default returns a Provider backed purely by built-in defaults.
func Default() *Provider {
	p, _ := Load("")
	return p
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("calls.timeout_ms", 30000)
	v.SetDefault("calls.audio_enabled", true)
	v.SetDefault("calls.video_enabled", true)
	v.SetDefault("calls.max_conference_participants", 8)

	// Quality bands. Bandwidth floors in kbps, latency ceilings in ms,
	// packet loss ceilings as fractions.
	v.SetDefault("network.thresholds.excellent.min_bandwidth_kbps", 2000.0)
	v.SetDefault("network.thresholds.excellent.max_latency_ms", 50.0)
	v.SetDefault("network.thresholds.excellent.max_packet_loss", 0.01)
	v.SetDefault("network.thresholds.good.min_bandwidth_kbps", 1000.0)
	v.SetDefault("network.thresholds.good.max_latency_ms", 150.0)
	v.SetDefault("network.thresholds.good.max_packet_loss", 0.03)
	v.SetDefault("network.thresholds.fair.min_bandwidth_kbps", 400.0)
	v.SetDefault("network.thresholds.fair.max_latency_ms", 300.0)
	v.SetDefault("network.thresholds.fair.max_packet_loss", 0.08)
	v.SetDefault("network.thresholds.poor.min_bandwidth_kbps", 0.0)
	v.SetDefault("network.thresholds.poor.max_latency_ms", 10000.0)
	v.SetDefault("network.thresholds.poor.max_packet_loss", 1.0)

	v.SetDefault("profiles.video.low.width", 320)
	v.SetDefault("profiles.video.low.height", 240)
	v.SetDefault("profiles.video.low.frame_rate", 15)
	v.SetDefault("profiles.video.low.bitrate_kbps", 250)
	v.SetDefault("profiles.video.medium.width", 640)
	v.SetDefault("profiles.video.medium.height", 480)
	v.SetDefault("profiles.video.medium.frame_rate", 24)
	v.SetDefault("profiles.video.medium.bitrate_kbps", 700)
	v.SetDefault("profiles.video.high.width", 1280)
	v.SetDefault("profiles.video.high.height", 720)
	v.SetDefault("profiles.video.high.frame_rate", 30)
	v.SetDefault("profiles.video.high.bitrate_kbps", 1500)
	v.SetDefault("profiles.video.ultra.width", 1920)
	v.SetDefault("profiles.video.ultra.height", 1080)
	v.SetDefault("profiles.video.ultra.frame_rate", 30)
	v.SetDefault("profiles.video.ultra.bitrate_kbps", 3000)

	v.SetDefault("profiles.audio.low.bitrate_kbps", 16)
	v.SetDefault("profiles.audio.low.sample_rate", 16000)
	v.SetDefault("profiles.audio.medium.bitrate_kbps", 32)
	v.SetDefault("profiles.audio.medium.sample_rate", 48000)
	v.SetDefault("profiles.audio.high.bitrate_kbps", 64)
	v.SetDefault("profiles.audio.high.sample_rate", 48000)
	v.SetDefault("profiles.audio.ultra.bitrate_kbps", 128)
	v.SetDefault("profiles.audio.ultra.sample_rate", 48000)
}

// CallTimeout returns how long a call may stay in initiating/ringing
// before it is auto-failed.
func (p *Provider) CallTimeout() time.Duration {
	return time.Duration(p.v.GetInt64("calls.timeout_ms")) * time.Millisecond
}

// FeatureEnabled reports whether the given call type ("audio" or "video")
// is enabled.
func (p *Provider) FeatureEnabled(callType string) bool {
	switch strings.ToLower(callType) {
	case "audio":
		return p.v.GetBool("calls.audio_enabled")
	case "video":
		return p.v.GetBool("calls.video_enabled")
	default:
		return false
	}
}

// MaxConferenceParticipants returns the conference size limit.
func (p *Provider) MaxConferenceParticipants() int {
	return p.v.GetInt("calls.max_conference_participants")
}

// Thresholds returns the quality band for a level name
// (excellent, good, fair, poor).
func (p *Provider) Thresholds(level string) (QualityThresholds, error) {
	key := "network.thresholds." + strings.ToLower(level)
	if !p.v.IsSet(key + ".max_latency_ms") {
		return QualityThresholds{}, fmt.Errorf("unknown quality level %q", level)
	}
	var t QualityThresholds
	if err := p.v.UnmarshalKey(key, &t); err != nil {
		return QualityThresholds{}, fmt.Errorf("failed to parse thresholds for %s: %w", level, err)
	}
	return t, nil
}

// VideoProfile returns the named video profile (low, medium, high, ultra).
func (p *Provider) VideoProfile(name string) (VideoProfile, error) {
	key := "profiles.video." + strings.ToLower(name)
	if !p.v.IsSet(key + ".width") {
		return VideoProfile{}, fmt.Errorf("unknown video profile %q", name)
	}
	var prof VideoProfile
	if err := p.v.UnmarshalKey(key, &prof); err != nil {
		return VideoProfile{}, fmt.Errorf("failed to parse video profile %s: %w", name, err)
	}
	return prof, nil
}

// AudioProfile returns the named audio profile (low, medium, high, ultra).
func (p *Provider) AudioProfile(name string) (AudioProfile, error) {
	key := "profiles.audio." + strings.ToLower(name)
	if !p.v.IsSet(key + ".bitrate_kbps") {
		return AudioProfile{}, fmt.Errorf("unknown audio profile %q", name)
	}
	var prof AudioProfile
	if err := p.v.UnmarshalKey(key, &prof); err != nil {
		return AudioProfile{}, fmt.Errorf("failed to parse audio profile %s: %w", name, err)
	}
	return prof, nil
}

// ProfileNameForLevel maps a classified network level to the video/audio
// profile the adaptation engine should apply at that level.
func ProfileNameForLevel(level string) string {
	switch strings.ToLower(level) {
	case "excellent":
		return "ultra"
	case "good":
		return "high"
	case "fair":
		return "medium"
	default:
		return "low"
	}
}
