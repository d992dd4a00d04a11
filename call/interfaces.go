package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/voicelink/callkit/adaptation"
	"github.com/voicelink/callkit/media"
)

// MediaEngine is the slice of the media adapter the call manager drives.
// media.Engine satisfies it; tests substitute mocks.
type MediaEngine interface {
	CaptureMedia(ctx context.Context, constraints media.Constraints) (*media.LocalStream, error)
	CreatePeerConnection(userID string, opts media.PeerOptions) error
	OnICECandidate(userID string, fn func(webrtc.ICECandidateInit)) error
	OnConnectionStateChange(userID string, fn func(webrtc.PeerConnectionState)) error
	AddLocalStream(userID string, stream *media.LocalStream) error
	CreateOffer(ctx context.Context, userID string) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context, userID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetRemoteAnswer(userID string, answer webrtc.SessionDescription) error
	AddICECandidate(userID string, cand webrtc.ICECandidateInit) error
	SetTrackEnabled(kind string, enabled bool) bool
	StartScreenCapture(ctx context.Context) (*media.LocalStream, error)
	StopScreenCapture() error
	ListCameras(ctx context.Context) ([]media.CameraDevice, error)
	ClosePeerConnection(userID string) error
	HasPeerConnection(userID string) bool
	Close() error
}

// AdaptationEngine is the slice of the network adaptation engine the call
// manager wires per connected call.
type AdaptationEngine interface {
	StartMonitoring(callID, userID string)
	StopMonitoring(callID string)
	SwitchToAudioOnly(callID string) bool
	RestoreVideo(callID string) bool
	SetQualityChangeCallback(fn func(callID string, level adaptation.Level))
	SetDegradationCallback(fn func(callID string, ev adaptation.DegradationEvent))
	SetReconnectFunc(fn adaptation.ReconnectFunc)
	Shutdown()
}
