package media

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Constraints selects which kinds of local media to acquire.
type Constraints struct {
	Audio bool
	Video bool
}

// CameraDevice identifies one video capture device.
type CameraDevice struct {
	ID    string
	Label string
}

// LocalStream bundles the local tracks acquired from a device source.
// The engine owns the stream; call sessions hold only the handle.
type LocalStream struct {
	ID     string
	Screen bool

	mu           sync.RWMutex
	audioTrack   *webrtc.TrackLocalStaticSample
	videoTrack   *webrtc.TrackLocalStaticSample
	audioEnabled bool
	videoEnabled bool
}

// AudioTrack returns the audio track, or nil when audio was not captured.
func (s *LocalStream) AudioTrack() *webrtc.TrackLocalStaticSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audioTrack
}

// VideoTrack returns the video track, or nil when video was not captured.
func (s *LocalStream) VideoTrack() *webrtc.TrackLocalStaticSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.videoTrack
}

// AudioEnabled reports whether the audio track is currently enabled.
func (s *LocalStream) AudioEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audioTrack != nil && s.audioEnabled
}

// VideoEnabled reports whether the video track is currently enabled.
func (s *LocalStream) VideoEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.videoTrack != nil && s.videoEnabled
}

// setAudioEnabled flips audio enablement, reporting whether a track exists.
func (s *LocalStream) setAudioEnabled(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audioTrack == nil {
		return false
	}
	s.audioEnabled = enabled
	return true
}

// swapVideoTrack replaces the video track, preserving enablement.
func (s *LocalStream) swapVideoTrack(track *webrtc.TrackLocalStaticSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoTrack = track
}

// setVideoEnabled flips video enablement, reporting whether a track exists.
func (s *LocalStream) setVideoEnabled(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.videoTrack == nil {
		return false
	}
	s.videoEnabled = enabled
	return true
}

// DeviceSource abstracts the capture hardware behind the engine. The UI
// layer supplies a real backend; StaticDeviceSource serves tests and
// headless deployments. Acquisition errors are surfaced verbatim.
type DeviceSource interface {
	// ListCameras enumerates available video capture devices.
	ListCameras(ctx context.Context) ([]CameraDevice, error)

	// OpenStream acquires local tracks matching the constraints.
	OpenStream(ctx context.Context, constraints Constraints) (*LocalStream, error)

	// OpenScreen acquires a screen capture video stream.
	OpenScreen(ctx context.Context) (*LocalStream, error)
}

// StaticDeviceSource is the default DeviceSource. It produces sample
// tracks that a capture pipeline can write into, without touching any
// real hardware.
type StaticDeviceSource struct {
	Cameras []CameraDevice
}

// NewStaticDeviceSource returns a source with a single default camera.
func NewStaticDeviceSource() *StaticDeviceSource {
	return &StaticDeviceSource{
		Cameras: []CameraDevice{{ID: "default", Label: "Default Camera"}},
	}
}

// ListCameras implements DeviceSource.
func (d *StaticDeviceSource) ListCameras(_ context.Context) ([]CameraDevice, error) {
	out := make([]CameraDevice, len(d.Cameras))
	copy(out, d.Cameras)
	return out, nil
}

// OpenStream implements DeviceSource.
func (d *StaticDeviceSource) OpenStream(_ context.Context, constraints Constraints) (*LocalStream, error) {
	if !constraints.Audio && !constraints.Video {
		return nil, ErrNoMediaRequested
	}

	streamID := uuid.NewString()
	stream := &LocalStream{ID: streamID}

	if constraints.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", streamID,
		)
		if err != nil {
			return nil, err
		}
		stream.audioTrack = track
		stream.audioEnabled = true
	}
	if constraints.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", streamID,
		)
		if err != nil {
			return nil, err
		}
		stream.videoTrack = track
		stream.videoEnabled = true
	}

	return stream, nil
}

// OpenScreen implements DeviceSource.
func (d *StaticDeviceSource) OpenScreen(_ context.Context) (*LocalStream, error) {
	streamID := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen", streamID,
	)
	if err != nil {
		return nil, err
	}
	return &LocalStream{
		ID:           streamID,
		Screen:       true,
		videoTrack:   track,
		videoEnabled: true,
	}, nil
}
