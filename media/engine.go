// Package media adapts the native WebRTC engine (pion) for the call
// core: local media acquisition, per-peer connection lifecycle,
// offer/answer negotiation, ICE candidate application, track control,
// screen capture and encoding parameter adjustment.
//
// All peer operations are keyed by remote user identifier, not call id:
// one call session may hold one connection per remote participant.
// Streams and connections are owned exclusively by the engine; callers
// hold only handles.
package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/voicelink/callkit/config"
)

// PeerOptions configures a new peer connection.
type PeerOptions struct {
	// DataChannel requests an out-of-band control channel alongside media.
	DataChannel bool
}

// ConnectionStats is a condensed view of a peer connection's transport
// statistics, used by the adaptation engine for quality measurement.
type ConnectionStats struct {
	BytesSent             uint64
	BytesReceived         uint64
	PacketsSent           uint64
	PacketsReceived       uint64
	PacketsLost           int64
	JitterMs              float64
	RoundTripTime         time.Duration
	AvailableOutgoingKbps float64
	State                 webrtc.PeerConnectionState
	Timestamp             time.Time
}

// peerLink tracks the engine-side state for one remote user.
type peerLink struct {
	pc          *webrtc.PeerConnection
	dataChannel *webrtc.DataChannel
	senders     map[string]*webrtc.RTPSender // keyed by track kind
	profile     config.VideoProfile
	hasProfile  bool
}

// DefaultWebRTCConfig returns the engine's default ICE configuration.
func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// Engine drives the pion WebRTC stack on behalf of the call manager.
type Engine struct {
	mu sync.RWMutex

	webrtcConfig webrtc.Configuration
	devices      DeviceSource

	links        map[string]*peerLink
	localStream  *LocalStream
	screenStream *LocalStream

	currentCamera string
	closed        bool
}

// NewEngine creates a media engine backed by the given device source.
// A nil source falls back to StaticDeviceSource.
func NewEngine(devices DeviceSource, webrtcConfig webrtc.Configuration) *Engine {
	if devices == nil {
		devices = NewStaticDeviceSource()
	}
	logrus.WithFields(logrus.Fields{
		"function":    "NewEngine",
		"ice_servers": len(webrtcConfig.ICEServers),
	}).Info("Creating media engine")

	return &Engine{
		webrtcConfig:  webrtcConfig,
		devices:       devices,
		links:         make(map[string]*peerLink),
		currentCamera: "default",
	}
}

// CaptureMedia acquires local tracks matching the constraints. Device and
// permission errors from the source are surfaced verbatim. A previously
// captured stream is replaced.
func (e *Engine) CaptureMedia(ctx context.Context, constraints Constraints) (*LocalStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}

	stream, err := e.devices.OpenStream(ctx, constraints)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "CaptureMedia",
			"audio":    constraints.Audio,
			"video":    constraints.Video,
			"error":    err.Error(),
		}).Error("Local media acquisition failed")
		return nil, err
	}

	e.localStream = stream

	logrus.WithFields(logrus.Fields{
		"function":  "CaptureMedia",
		"stream_id": stream.ID,
		"audio":     constraints.Audio,
		"video":     constraints.Video,
	}).Info("Local media captured")

	return stream, nil
}

// LocalStream returns the currently captured local stream, or nil.
func (e *Engine) LocalStream() *LocalStream {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.localStream
}

// CreatePeerConnection establishes engine-side state and a pion peer
// connection for the remote user.
func (e *Engine) CreatePeerConnection(userID string, opts PeerOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if _, exists := e.links[userID]; exists {
		return fmt.Errorf("%w: %s", ErrConnectionExists, userID)
	}

	pc, err := webrtc.NewPeerConnection(e.webrtcConfig)
	if err != nil {
		return fmt.Errorf("failed to create peer connection for %s: %w", userID, err)
	}

	link := &peerLink{
		pc:      pc,
		senders: make(map[string]*webrtc.RTPSender),
	}

	if opts.DataChannel {
		dc, err := pc.CreateDataChannel("control", nil)
		if err != nil {
			pc.Close()
			return fmt.Errorf("failed to create data channel for %s: %w", userID, err)
		}
		link.dataChannel = dc
	}

	e.links[userID] = link

	logrus.WithFields(logrus.Fields{
		"function":     "CreatePeerConnection",
		"user_id":      userID,
		"data_channel": opts.DataChannel,
	}).Info("Peer connection created")

	return nil
}

// OnICECandidate registers the trickle-ICE sink for a peer connection.
// Gathered candidates are delivered as they appear; the end-of-candidates
// nil marker is filtered out.
func (e *Engine) OnICECandidate(userID string, fn func(webrtc.ICECandidateInit)) error {
	link, err := e.link(userID)
	if err != nil {
		return err
	}
	link.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && fn != nil {
			fn(cand.ToJSON())
		}
	})
	return nil
}

// OnConnectionStateChange registers a state observer for a peer connection.
func (e *Engine) OnConnectionStateChange(userID string, fn func(webrtc.PeerConnectionState)) error {
	link, err := e.link(userID)
	if err != nil {
		return err
	}
	link.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		logrus.WithFields(logrus.Fields{
			"function": "OnConnectionStateChange",
			"user_id":  userID,
			"state":    s.String(),
		}).Debug("Peer connection state changed")
		if fn != nil {
			fn(s)
		}
	})
	return nil
}

// AddLocalStream attaches the stream's tracks to the user's connection.
func (e *Engine) AddLocalStream(userID string, stream *LocalStream) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	link, ok := e.links[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, userID)
	}
	if stream == nil {
		return ErrNoLocalStream
	}

	if track := stream.AudioTrack(); track != nil {
		sender, err := link.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add audio track for %s: %w", userID, err)
		}
		link.senders["audio"] = sender
	}
	if track := stream.VideoTrack(); track != nil {
		sender, err := link.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add video track for %s: %w", userID, err)
		}
		link.senders["video"] = sender
	}

	return nil
}

// RemoveLocalStream detaches all local tracks from the user's connection.
func (e *Engine) RemoveLocalStream(userID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	link, ok := e.links[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, userID)
	}
	for kind, sender := range link.senders {
		if err := link.pc.RemoveTrack(sender); err != nil {
			return fmt.Errorf("failed to remove %s track for %s: %w", kind, userID, err)
		}
		delete(link.senders, kind)
	}
	return nil
}

// CreateOffer produces and installs a local SDP offer for the user.
func (e *Engine) CreateOffer(ctx context.Context, userID string) (webrtc.SessionDescription, error) {
	link, err := e.link(userID)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer for %s: %w", userID, err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local offer for %s: %w", userID, err)
	}
	return offer, nil
}

// CreateAnswer applies the remote offer and produces a local answer.
func (e *Engine) CreateAnswer(ctx context.Context, userID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	link, err := e.link(userID)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	if err := link.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to apply remote offer for %s: %w", userID, err)
	}
	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer for %s: %w", userID, err)
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local answer for %s: %w", userID, err)
	}
	return answer, nil
}

// SetRemoteAnswer applies the remote answer to complete negotiation.
func (e *Engine) SetRemoteAnswer(userID string, answer webrtc.SessionDescription) error {
	link, err := e.link(userID)
	if err != nil {
		return err
	}
	if err := link.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to apply remote answer for %s: %w", userID, err)
	}
	return nil
}

// AddICECandidate applies one remote ICE candidate.
func (e *Engine) AddICECandidate(userID string, cand webrtc.ICECandidateInit) error {
	link, err := e.link(userID)
	if err != nil {
		return err
	}
	if err := link.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("failed to add ICE candidate for %s: %w", userID, err)
	}
	return nil
}

// SetTrackEnabled flips local track enablement for the given kind
// ("audio" or "video"). Returns the applied state, or false when no such
// track exists; a missing track is graceful degradation, not an error.
func (e *Engine) SetTrackEnabled(kind string, enabled bool) bool {
	e.mu.RLock()
	stream := e.localStream
	e.mu.RUnlock()

	if stream == nil {
		return false
	}
	switch kind {
	case "audio":
		return stream.setAudioEnabled(enabled)
	case "video":
		return stream.setVideoEnabled(enabled)
	default:
		return false
	}
}

// ListCameras enumerates available camera devices.
func (e *Engine) ListCameras(ctx context.Context) ([]CameraDevice, error) {
	return e.devices.ListCameras(ctx)
}

// SwitchCamera reopens local video from a different device and swaps the
// outgoing video track on every connection.
func (e *Engine) SwitchCamera(ctx context.Context, deviceID string) error {
	cameras, err := e.devices.ListCameras(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, cam := range cameras {
		if cam.ID == deviceID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrCameraNotFound, deviceID)
	}

	replacement, err := e.devices.OpenStream(ctx, Constraints{Video: true})
	if err != nil {
		return err
	}
	track := replacement.VideoTrack()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.localStream == nil || e.localStream.VideoTrack() == nil {
		return ErrNoVideoTrack
	}
	for userID, link := range e.links {
		sender, ok := link.senders["video"]
		if !ok {
			continue
		}
		if err := sender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("failed to switch camera for %s: %w", userID, err)
		}
	}
	e.localStream.swapVideoTrack(track)
	e.currentCamera = deviceID

	logrus.WithFields(logrus.Fields{
		"function":  "SwitchCamera",
		"device_id": deviceID,
	}).Info("Camera switched")

	return nil
}

// CurrentCamera returns the active camera device id.
func (e *Engine) CurrentCamera() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentCamera
}

// StartScreenCapture acquires a screen stream and swaps it in as the
// outgoing video track on every connection, adding a track where none
// was negotiated.
func (e *Engine) StartScreenCapture(ctx context.Context) (*LocalStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}
	if e.screenStream != nil {
		return nil, ErrScreenShareActive
	}

	stream, err := e.devices.OpenScreen(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "StartScreenCapture",
			"error":    err.Error(),
		}).Error("Screen capture acquisition failed")
		return nil, err
	}
	track := stream.VideoTrack()

	for userID, link := range e.links {
		if sender, ok := link.senders["video"]; ok {
			if err := sender.ReplaceTrack(track); err != nil {
				return nil, fmt.Errorf("failed to replace video track for %s: %w", userID, err)
			}
			continue
		}
		sender, err := link.pc.AddTrack(track)
		if err != nil {
			return nil, fmt.Errorf("failed to add screen track for %s: %w", userID, err)
		}
		link.senders["video"] = sender
	}

	e.screenStream = stream

	logrus.WithFields(logrus.Fields{
		"function":  "StartScreenCapture",
		"stream_id": stream.ID,
	}).Info("Screen capture started")

	return stream, nil
}

// StopScreenCapture restores the camera video track (when one exists) on
// every connection and releases the screen stream.
func (e *Engine) StopScreenCapture() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.screenStream == nil {
		return ErrScreenShareInactive
	}

	var cameraTrack *webrtc.TrackLocalStaticSample
	if e.localStream != nil {
		cameraTrack = e.localStream.VideoTrack()
	}

	for userID, link := range e.links {
		sender, ok := link.senders["video"]
		if !ok {
			continue
		}
		if cameraTrack != nil {
			if err := sender.ReplaceTrack(cameraTrack); err != nil {
				return fmt.Errorf("failed to restore video track for %s: %w", userID, err)
			}
		} else {
			if err := link.pc.RemoveTrack(sender); err != nil {
				return fmt.Errorf("failed to remove screen track for %s: %w", userID, err)
			}
			delete(link.senders, "video")
		}
	}

	e.screenStream = nil

	logrus.WithFields(logrus.Fields{
		"function": "StopScreenCapture",
	}).Info("Screen capture stopped")

	return nil
}

// ScreenSharing reports whether a screen stream is active.
func (e *Engine) ScreenSharing() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.screenStream != nil
}

// ApplyVideoProfile records the encoding parameters for the user's
// connection. The capture pipeline reads the applied profile to pace its
// writer; redundant application is a no-op.
func (e *Engine) ApplyVideoProfile(userID string, profile config.VideoProfile) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	link, ok := e.links[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, userID)
	}
	if link.hasProfile && link.profile == profile {
		return nil
	}
	link.profile = profile
	link.hasProfile = true

	logrus.WithFields(logrus.Fields{
		"function":     "ApplyVideoProfile",
		"user_id":      userID,
		"width":        profile.Width,
		"height":       profile.Height,
		"frame_rate":   profile.FrameRate,
		"bitrate_kbps": profile.BitrateKbps,
	}).Info("Video encoding profile applied")

	return nil
}

// AppliedVideoProfile returns the profile currently applied to the user's
// connection, if any.
func (e *Engine) AppliedVideoProfile(userID string) (config.VideoProfile, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	link, ok := e.links[userID]
	if !ok || !link.hasProfile {
		return config.VideoProfile{}, false
	}
	return link.profile, true
}

// ConnectionStats condenses the pion stats report for one connection.
func (e *Engine) ConnectionStats(userID string) (ConnectionStats, error) {
	link, err := e.link(userID)
	if err != nil {
		return ConnectionStats{}, err
	}

	stats := ConnectionStats{
		State:     link.pc.ConnectionState(),
		Timestamp: time.Now(),
	}
	report := link.pc.GetStats()
	for _, entry := range report {
		switch s := entry.(type) {
		case webrtc.TransportStats:
			stats.BytesSent += s.BytesSent
			stats.BytesReceived += s.BytesReceived
		case webrtc.ICECandidatePairStats:
			if s.CurrentRoundTripTime > 0 {
				stats.RoundTripTime = time.Duration(s.CurrentRoundTripTime * float64(time.Second))
			}
			if s.AvailableOutgoingBitrate > 0 {
				stats.AvailableOutgoingKbps = s.AvailableOutgoingBitrate / 1000.0
			}
		case webrtc.InboundRTPStreamStats:
			stats.PacketsReceived += uint64(s.PacketsReceived)
			stats.PacketsLost += int64(s.PacketsLost)
			if s.Jitter > 0 {
				stats.JitterMs = s.Jitter * 1000.0
			}
		case webrtc.OutboundRTPStreamStats:
			stats.PacketsSent += uint64(s.PacketsSent)
		}
	}
	return stats, nil
}

// ClosePeerConnection tears down the connection for one remote user.
// Closing an unknown user is an error; callers that want idempotence
// check HasPeerConnection first.
func (e *Engine) ClosePeerConnection(userID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeLinkLocked(userID)
}

// HasPeerConnection reports whether a connection exists for the user.
func (e *Engine) HasPeerConnection(userID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.links[userID]
	return ok
}

// Close releases every connection and all captured streams. The engine
// cannot be reused afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}

	var firstErr error
	for userID := range e.links {
		if err := e.closeLinkLocked(userID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.localStream = nil
	e.screenStream = nil
	e.closed = true

	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("Media engine closed")

	return firstErr
}

func (e *Engine) closeLinkLocked(userID string) error {
	link, ok := e.links[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, userID)
	}
	if link.dataChannel != nil {
		link.dataChannel.Close()
	}
	err := link.pc.Close()
	delete(e.links, userID)

	logrus.WithFields(logrus.Fields{
		"function": "ClosePeerConnection",
		"user_id":  userID,
	}).Info("Peer connection closed")

	if err != nil {
		return fmt.Errorf("failed to close peer connection for %s: %w", userID, err)
	}
	return nil
}

func (e *Engine) link(userID string) (*peerLink, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	link, ok := e.links[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, userID)
	}
	return link, nil
}
