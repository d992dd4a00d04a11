// Package callkit assembles the call orchestration core: configuration,
// media engine, network adaptation engine and call manager, wired
// together behind one facade. The UI layer constructs a CallKit, sets
// the current user and listeners on the Manager, and drives calls
// through it.
//
// Basic usage:
//
//	channel, err := ws.Dial(ctx, "wss://signal.example.com/ws")
//	if err != nil { ... }
//	kit, err := callkit.New(callkit.Options{Channel: channel})
//	if err != nil { ... }
//	defer kit.Shutdown()
//
//	kit.Manager().SetCurrentUser("alice", "Alice")
//	callID, err := kit.Manager().InitiateCall(ctx, "bob", call.TypeVideo)
package callkit

import (
	"errors"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/voicelink/callkit/adaptation"
	"github.com/voicelink/callkit/call"
	"github.com/voicelink/callkit/config"
	"github.com/voicelink/callkit/media"
	"github.com/voicelink/callkit/signaling"
)

// ErrNoChannel indicates no signaling channel was supplied.
var ErrNoChannel = errors.New("signaling channel is required")

// Options configures a CallKit instance. Channel is required; everything
// else has working defaults.
type Options struct {
	// ConfigPath is an optional YAML configuration file. Missing files
	// fall back to built-in defaults.
	ConfigPath string

	// Channel carries signaling messages between users.
	Channel signaling.Channel

	// Devices supplies capture hardware. Nil uses StaticDeviceSource.
	Devices media.DeviceSource

	// WebRTC overrides the ICE configuration. Zero value uses defaults.
	WebRTC *webrtc.Configuration
}

// CallKit is the assembled call orchestration core.
type CallKit struct {
	cfg     *config.Provider
	media   *media.Engine
	adapt   *adaptation.Engine
	manager *call.Manager
}

// New builds and initializes the core from options.
func New(opts Options) (*CallKit, error) {
	if opts.Channel == nil {
		return nil, ErrNoChannel
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	webrtcConfig := media.DefaultWebRTCConfig()
	if opts.WebRTC != nil {
		webrtcConfig = *opts.WebRTC
	}

	mediaEng := media.NewEngine(opts.Devices, webrtcConfig)
	adapt := adaptation.NewEngine(cfg, mediaEng)
	manager := call.NewManager(cfg, mediaEng, adapt, opts.Channel)

	if err := manager.Initialize(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
	}).Info("CallKit assembled")

	return &CallKit{
		cfg:     cfg,
		media:   mediaEng,
		adapt:   adapt,
		manager: manager,
	}, nil
}

// Manager returns the call manager, the primary public contract.
func (k *CallKit) Manager() *call.Manager {
	return k.manager
}

// Media returns the media engine for direct device operations.
func (k *CallKit) Media() *media.Engine {
	return k.media
}

// Adaptation returns the network adaptation engine, mainly for
// diagnostics.
func (k *CallKit) Adaptation() *adaptation.Engine {
	return k.adapt
}

// Config returns the configuration provider.
func (k *CallKit) Config() *config.Provider {
	return k.cfg
}

// Shutdown force-terminates active calls and releases every resource.
func (k *CallKit) Shutdown() {
	k.manager.Destroy()
}
