// Package call implements the call orchestration core: the session
// registry, the call and conference state machine, and the mediation
// between the signaling channel, the media engine and the network
// adaptation engine. It exposes the sole public contract consumed by
// the UI layer.
//
// All session mutation happens through Manager operations under one
// lock; the media and adaptation engines report results back and the
// manager applies them. Transitions are conditional on the session's
// current state, so a stale timeout or a racing hang-up resolves to a
// silent no-op rather than a double transition.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/voicelink/callkit/adaptation"
	"github.com/voicelink/callkit/config"
	"github.com/voicelink/callkit/media"
	"github.com/voicelink/callkit/signaling"
)

// Manager orchestrates call sessions. Create with NewManager, then
// Initialize before use and Destroy on teardown.
type Manager struct {
	mu sync.RWMutex

	cfg     *config.Provider
	media   MediaEngine
	adapt   AdaptationEngine
	channel signaling.Channel

	initialized bool
	selfID      string
	selfName    string

	sessions  map[string]*session
	listeners Listeners

	totalCalls     int
	completedCalls int
	failedCalls    int
	rejectedCalls  int
	durationSum    time.Duration

	// Time seams for deterministic tests.
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// NewManager creates a call manager. All collaborators are required; a
// nil config falls back to built-in defaults.
func NewManager(cfg *config.Provider, mediaEng MediaEngine, adapt AdaptationEngine, channel signaling.Channel) *Manager {
	if cfg == nil {
		cfg = config.Default()
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
	}).Info("Creating call manager")

	return &Manager{
		cfg:       cfg,
		media:     mediaEng,
		adapt:     adapt,
		channel:   channel,
		sessions:  make(map[string]*session),
		now:       time.Now,
		afterFunc: time.AfterFunc,
	}
}

// Initialize subscribes to inbound signaling and wires the adaptation
// engine's callbacks. Must be called before any call operation.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	m.mu.Unlock()

	m.channel.SetHandler(m.handleMessage)

	m.adapt.SetReconnectFunc(m.reconnectPeer)
	m.adapt.SetDegradationCallback(func(callID string, ev adaptation.DegradationEvent) {
		m.onDegradation(callID, ev)
	})
	m.adapt.SetQualityChangeCallback(func(callID string, level adaptation.Level) {
		m.onQualityChange(callID, level)
	})

	logrus.WithFields(logrus.Fields{
		"function": "Initialize",
	}).Info("Call manager initialized")

	return nil
}

// Destroy force-terminates every active session and releases all engine
// resources. The manager can be re-initialized afterwards.
func (m *Manager) Destroy() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.EndCall(context.Background(), id); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Destroy",
				"call_id":  id,
				"error":    err.Error(),
			}).Warn("Failed to end call during destroy")
		}
	}

	m.adapt.Shutdown()
	if err := m.media.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Destroy",
			"error":    err.Error(),
		}).Warn("Media engine close reported error")
	}
	m.channel.SetHandler(nil)

	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Destroy",
	}).Info("Call manager destroyed")
}

// SetCurrentUser sets the local user identity used as the sender on all
// outbound signaling.
func (m *Manager) SetCurrentUser(userID, userName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selfID = userID
	m.selfName = userName
}

// SetEventListeners registers the lifecycle callbacks. Replaces any
// previously registered set.
func (m *Manager) SetEventListeners(l Listeners) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = l
}

// Session returns a snapshot of the session, or false when the call id
// is not in the active registry.
func (m *Manager) Session(callID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[callID]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// Stats returns the aggregate call counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		TotalCalls:     m.totalCalls,
		CompletedCalls: m.completedCalls,
		FailedCalls:    m.failedCalls,
		RejectedCalls:  m.rejectedCalls,
	}
	if m.completedCalls > 0 {
		stats.AverageDuration = m.durationSum / time.Duration(m.completedCalls)
	}
	if m.totalCalls > 0 {
		stats.SuccessRate = float64(m.completedCalls) / float64(m.totalCalls)
	}
	return stats
}

// AvailableCameras enumerates camera devices via the media engine.
func (m *Manager) AvailableCameras(ctx context.Context) ([]media.CameraDevice, error) {
	return m.media.ListCameras(ctx)
}

// InitiateCall starts an outgoing 1:1 call. It fails when the manager is
// uninitialized, the call type is disabled, or another call is active.
// On success it returns the new call id and arms the call timeout.
func (m *Manager) InitiateCall(ctx context.Context, targetUser, callType string) (string, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return "", ErrNotInitialized
	}
	if m.selfID == "" {
		m.mu.Unlock()
		return "", ErrNoCurrentUser
	}
	if !m.cfg.FeatureEnabled(callType) {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrFeatureDisabled, callType)
	}
	m.evictTerminalLocked()
	if m.busyLocked() {
		m.mu.Unlock()
		return "", ErrCallActive
	}

	callID := uuid.NewString()
	s := &session{
		callID:    callID,
		callType:  callType,
		direction: DirectionOutgoing,
		state:     StateInitiating,
		local: &Participant{
			UserID:   m.selfID,
			UserName: m.selfName,
			IsLocal:  true,
			Role:     RoleParticipant,
			JoinedAt: m.now(),
		},
		participants: map[string]*Participant{
			targetUser: {
				UserID:    targetUser,
				Role:      RoleParticipant,
				ConnState: ConnNew,
				JoinedAt:  m.now(),
			},
		},
	}
	m.sessions[callID] = s
	m.armTimeoutLocked(s)
	selfName := m.selfName
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "InitiateCall",
		"call_id":   callID,
		"target":    targetUser,
		"call_type": callType,
	}).Info("Initiating outgoing call")

	if err := m.setupLocalPeer(ctx, callID, targetUser, callType); err != nil {
		m.failCall(callID, fmt.Sprintf("media setup failed: %v", err))
		return "", err
	}

	payload := signaling.CallRequestPayload{CallType: callType, InitiatorName: selfName}
	if err := m.send(ctx, signaling.KindCallRequest, callID, targetUser, payload); err != nil {
		m.failCall(callID, fmt.Sprintf("signaling failed: %v", err))
		return "", err
	}

	m.transition(callID, StateRinging, StateInitiating)
	return callID, nil
}

// AcceptCall answers a ringing incoming call: acquires local media for
// the call type, creates the peer connection and sends the acceptance.
func (m *Manager) AcceptCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	if s.direction != DirectionIncoming {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotIncoming, callID)
	}
	if s.state != StateRinging {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot accept in state %s", ErrInvalidState, s.state)
	}
	remoteID := s.remoteUserLocked()
	callType := s.callType
	m.mu.Unlock()

	if err := m.setupLocalPeer(ctx, callID, remoteID, callType); err != nil {
		m.failCall(callID, fmt.Sprintf("media setup failed: %v", err))
		return err
	}

	payload := signaling.CallResponsePayload{Accepted: true}
	if err := m.send(ctx, signaling.KindCallAccept, callID, remoteID, payload); err != nil {
		m.failCall(callID, fmt.Sprintf("signaling failed: %v", err))
		return err
	}

	m.transition(callID, StateConnecting, StateRinging)

	logrus.WithFields(logrus.Fields{
		"function": "AcceptCall",
		"call_id":  callID,
	}).Info("Incoming call accepted")

	return nil
}

// RejectCall declines a ringing incoming call and evicts the session.
func (m *Manager) RejectCall(ctx context.Context, callID, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	if s.direction != DirectionIncoming {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotIncoming, callID)
	}
	if s.state != StateRinging {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot reject in state %s", ErrInvalidState, s.state)
	}
	remoteID := s.remoteUserLocked()
	m.mu.Unlock()

	payload := signaling.CallResponsePayload{Accepted: false, Reason: reason}
	if err := m.send(ctx, signaling.KindCallReject, callID, remoteID, payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "RejectCall",
			"call_id":  callID,
			"error":    err.Error(),
		}).Warn("Failed to send rejection, evicting session anyway")
	}

	m.terminate(callID, StateRejected, reason)

	logrus.WithFields(logrus.Fields{
		"function": "RejectCall",
		"call_id":  callID,
		"reason":   reason,
	}).Info("Incoming call rejected")

	return nil
}

// EndCall hangs up a call: closes peer connections, notifies the remote
// side, records the outcome and evicts the session. Ending an absent
// call id is an idempotent no-op.
func (m *Manager) EndCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	remotes := s.remoteUsersLocked()
	m.mu.Unlock()

	for _, userID := range remotes {
		if err := m.send(ctx, signaling.KindCallEnd, callID, userID, signaling.CallEndPayload{Reason: "hangup"}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "EndCall",
				"call_id":  callID,
				"target":   userID,
				"error":    err.Error(),
			}).Warn("Failed to send call end")
		}
	}

	m.terminate(callID, StateEnded, "hangup")

	logrus.WithFields(logrus.Fields{
		"function": "EndCall",
		"call_id":  callID,
	}).Info("Call ended")

	return nil
}

// ToggleMute flips the local microphone mute and returns the new muted
// value. Returns false when the session or audio track is absent.
func (m *Manager) ToggleMute(callID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok || s.local == nil {
		m.mu.Unlock()
		return false
	}
	muted := !s.local.Media.MicMuted
	m.mu.Unlock()

	if !m.media.SetTrackEnabled("audio", !muted) {
		return false
	}

	m.mu.Lock()
	if s, ok := m.sessions[callID]; ok && s.local != nil {
		s.local.Media.MicMuted = muted
		s.local.Media.AudioEnabled = !muted
	}
	m.mu.Unlock()

	return muted
}

// ToggleCamera flips the local camera off state and returns the new
// camera-off value. Returns false when the session or video track is
// absent.
func (m *Manager) ToggleCamera(callID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok || s.local == nil {
		m.mu.Unlock()
		return false
	}
	off := !s.local.Media.CameraOff
	m.mu.Unlock()

	if !m.media.SetTrackEnabled("video", !off) {
		return false
	}

	m.mu.Lock()
	if s, ok := m.sessions[callID]; ok && s.local != nil {
		s.local.Media.CameraOff = off
		s.local.Media.VideoEnabled = !off
	}
	m.mu.Unlock()

	return off
}

// StartScreenShare swaps the outgoing video for a screen capture stream.
func (m *Manager) StartScreenShare(ctx context.Context, callID string) error {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	if s.state.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: call is %s", ErrInvalidState, s.state)
	}
	m.mu.Unlock()

	if _, err := m.media.StartScreenCapture(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if s, ok := m.sessions[callID]; ok && s.local != nil {
		s.local.Media.ScreenSharing = true
	}
	m.mu.Unlock()

	return nil
}

// StopScreenShare restores the camera video track.
func (m *Manager) StopScreenShare(ctx context.Context, callID string) error {
	m.mu.RLock()
	_, ok := m.sessions[callID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}

	if err := m.media.StopScreenCapture(); err != nil {
		return err
	}

	m.mu.Lock()
	if s, ok := m.sessions[callID]; ok && s.local != nil {
		s.local.Media.ScreenSharing = false
	}
	m.mu.Unlock()

	return nil
}

// setupLocalPeer acquires local media for the call type and builds the
// peer connection toward one remote user, wiring the trickle-ICE and
// state observers.
func (m *Manager) setupLocalPeer(ctx context.Context, callID, remoteID, callType string) error {
	stream, err := m.media.CaptureMedia(ctx, media.Constraints{
		Audio: true,
		Video: callType == TypeVideo,
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if s, ok := m.sessions[callID]; ok && s.local != nil {
		s.local.Stream = stream
		s.local.Media.AudioEnabled = stream.AudioEnabled()
		s.local.Media.VideoEnabled = stream.VideoEnabled()
	}
	m.mu.Unlock()

	if err := m.media.CreatePeerConnection(remoteID, media.PeerOptions{}); err != nil {
		return err
	}
	if err := m.wirePeer(callID, remoteID); err != nil {
		return err
	}
	return m.media.AddLocalStream(remoteID, stream)
}

// wirePeer installs the ICE and connection-state observers for one peer.
func (m *Manager) wirePeer(callID, remoteID string) error {
	err := m.media.OnICECandidate(remoteID, func(cand webrtc.ICECandidateInit) {
		payload := signaling.IceCandidatePayload{
			Candidate:     cand.Candidate,
			SDPMid:        cand.SDPMid,
			SDPMLineIndex: cand.SDPMLineIndex,
		}
		if err := m.send(context.Background(), signaling.KindIceCandidate, callID, remoteID, payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "wirePeer",
				"call_id":  callID,
				"error":    err.Error(),
			}).Warn("Failed to send ICE candidate")
		}
	})
	if err != nil {
		return err
	}

	return m.media.OnConnectionStateChange(remoteID, func(state webrtc.PeerConnectionState) {
		m.handlePeerState(callID, remoteID, state)
	})
}

// handlePeerState mirrors peer-connection state into the participant
// record and drives the connecting/connected/failed edges.
func (m *Manager) handlePeerState(callID, remoteID string, state webrtc.PeerConnectionState) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if p, ok := s.participants[remoteID]; ok {
		p.ConnState = mirrorConnState(state)
	}
	m.mu.Unlock()

	switch state {
	case webrtc.PeerConnectionStateConnected:
		m.markConnected(callID, remoteID)
	case webrtc.PeerConnectionStateFailed:
		m.failCall(callID, "peer connection failed")
	}
}

// markConnected completes the connecting (or reconnecting) edge.
func (m *Manager) markConnected(callID, remoteID string) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if s.state != StateConnecting && s.state != StateFailed {
		m.mu.Unlock()
		return
	}
	from := s.state
	s.state = StateConnected
	s.everConnected = true
	s.cancelTimeout()
	if s.startTime.IsZero() {
		s.startTime = m.now()
	}
	snap := s.snapshot()
	l := m.listeners
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "markConnected",
		"call_id":   callID,
		"old_state": from.String(),
	}).Info("Call connected")

	if l.CallStateChanged != nil {
		l.CallStateChanged(callID, from, StateConnected)
	}
	if l.CallStarted != nil {
		l.CallStarted(snap)
	}

	m.adapt.StartMonitoring(callID, remoteID)
}

// transition moves the session to the target state if it currently sits
// in one of the allowed states; otherwise it silently no-ops. Returns
// whether the move happened.
func (m *Manager) transition(callID string, to State, allowed ...State) bool {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	permitted := false
	for _, a := range allowed {
		if s.state == a {
			permitted = true
			break
		}
	}
	if !permitted {
		m.mu.Unlock()
		return false
	}
	from := s.state
	s.state = to
	l := m.listeners
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "transition",
		"call_id":   callID,
		"old_state": from.String(),
		"new_state": to.String(),
	}).Debug("Call state changed")

	if l.CallStateChanged != nil {
		l.CallStateChanged(callID, from, to)
	}
	return true
}

// terminate drives a session to a terminal state, records statistics
// exactly once, tears down media and evicts the session from the
// registry (failed sessions stay registered so reconnection can find
// them). Safe to call on an already-terminal or absent session.
func (m *Manager) terminate(callID string, to State, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if s.state.Terminal() && !(s.state == StateFailed && to == StateEnded) {
		if to == StateEnded {
			// Ending an already-failed call just evicts it.
			delete(m.sessions, callID)
		}
		m.mu.Unlock()
		return
	}

	from := s.state
	s.state = to
	s.reason = reason
	s.cancelTimeout()
	s.endTime = m.now()
	if s.everConnected && !s.startTime.IsZero() {
		s.duration = s.endTime.Sub(s.startTime)
	}
	m.recordOutcomeLocked(s, to)

	remotes := s.remoteUsersLocked()
	duration := s.duration
	if to != StateFailed {
		delete(m.sessions, callID)
	}
	l := m.listeners
	m.mu.Unlock()

	m.adapt.StopMonitoring(callID)
	for _, userID := range remotes {
		if m.media.HasPeerConnection(userID) {
			if err := m.media.ClosePeerConnection(userID); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "terminate",
					"call_id":  callID,
					"user_id":  userID,
					"error":    err.Error(),
				}).Warn("Failed to close peer connection")
			}
		}
	}

	if l.CallStateChanged != nil {
		l.CallStateChanged(callID, from, to)
	}
	switch to {
	case StateEnded:
		if l.CallEnded != nil {
			l.CallEnded(callID, duration)
		}
	case StateFailed:
		if l.CallFailed != nil {
			l.CallFailed(callID, reason)
		}
	}
}

// failCall transitions any non-terminal session to failed. Used by the
// timeout, peer-connection failure and setup error paths.
func (m *Manager) failCall(callID, reason string) {
	m.terminate(callID, StateFailed, reason)
}

// recordOutcomeLocked updates the aggregate counters for one terminal
// transition. Guarded by statsRecorded so re-terminating a failed
// session (via EndCall) cannot double-count.
func (m *Manager) recordOutcomeLocked(s *session, to State) {
	if s.statsRecorded {
		return
	}
	s.statsRecorded = true
	m.totalCalls++

	switch to {
	case StateEnded:
		if s.everConnected {
			m.completedCalls++
			m.durationSum += s.duration
		}
	case StateFailed:
		m.failedCalls++
	case StateRejected:
		m.rejectedCalls++
	}
}

// armTimeoutLocked schedules the auto-fail timer covering the window
// from initiation until the call reaches connected.
func (m *Manager) armTimeoutLocked(s *session) {
	callID := s.callID
	s.timeout = m.afterFunc(m.cfg.CallTimeout(), func() {
		m.timeoutExpired(callID)
	})
}

// timeoutExpired fails a call that never reached connected. A timer
// racing the connect edge resolves here as a no-op.
func (m *Manager) timeoutExpired(callID string) {
	m.mu.RLock()
	s, ok := m.sessions[callID]
	connected := ok && s.state == StateConnected
	m.mu.RUnlock()

	if !ok || connected {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "timeoutExpired",
		"call_id":  callID,
	}).Warn("Call timed out before connecting")
	m.failCall(callID, "call timed out")
}

// busyLocked reports whether any non-terminal session exists. The
// one-active-call invariant hangs on this check running under the
// registry lock.
func (m *Manager) busyLocked() bool {
	for _, s := range m.sessions {
		if !s.state.Terminal() {
			return true
		}
	}
	return false
}

// evictTerminalLocked drops leftover terminal sessions (failed calls
// kept for reconnection) so a new call can supersede them.
func (m *Manager) evictTerminalLocked() {
	for id, s := range m.sessions {
		if s.state.Terminal() {
			s.cancelTimeout()
			delete(m.sessions, id)
		}
	}
}

// remoteUserLocked returns the single remote participant of a 1:1 call.
func (s *session) remoteUserLocked() string {
	for id, p := range s.participants {
		if !p.IsLocal {
			return id
		}
	}
	return ""
}

// remoteUsersLocked returns all remote participant user ids.
func (s *session) remoteUsersLocked() []string {
	out := make([]string, 0, len(s.participants))
	for id, p := range s.participants {
		if !p.IsLocal {
			out = append(out, id)
		}
	}
	return out
}

// send builds and transmits one signaling message from the local user.
func (m *Manager) send(ctx context.Context, kind signaling.Kind, callID, target string, payload interface{}) error {
	m.mu.RLock()
	sender := m.selfID
	m.mu.RUnlock()

	msg, err := signaling.NewMessage(kind, callID, sender, target, payload)
	if err != nil {
		return err
	}
	if err := m.channel.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send %s for call %s: %w", kind, callID, err)
	}
	return nil
}

// reconnectPeer re-creates and re-negotiates the peer connection for a
// failed call. Installed as the adaptation engine's reconnect hook.
func (m *Manager) reconnectPeer(ctx context.Context, callID, userID string) error {
	m.mu.RLock()
	s, ok := m.sessions[callID]
	var stream *media.LocalStream
	if ok && s.local != nil {
		stream = s.local.Stream
	}
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	if stream == nil {
		return media.ErrNoLocalStream
	}

	if m.media.HasPeerConnection(userID) {
		if err := m.media.ClosePeerConnection(userID); err != nil {
			return err
		}
	}
	if err := m.media.CreatePeerConnection(userID, media.PeerOptions{}); err != nil {
		return err
	}
	if err := m.wirePeer(callID, userID); err != nil {
		return err
	}
	if err := m.media.AddLocalStream(userID, stream); err != nil {
		return err
	}

	offer, err := m.media.CreateOffer(ctx, userID)
	if err != nil {
		return err
	}
	payload := signaling.SessionDescriptionPayload{Type: "offer", SDP: offer.SDP}
	if err := m.send(ctx, signaling.KindOffer, callID, userID, payload); err != nil {
		return err
	}

	m.transition(callID, StateConnecting, StateFailed, StateConnected)

	logrus.WithFields(logrus.Fields{
		"function": "reconnectPeer",
		"call_id":  callID,
		"user_id":  userID,
	}).Info("Peer reconnection negotiated")

	return nil
}

// onDegradation reacts to a detected quality decline: severe drops on
// video calls fall back to audio only.
func (m *Manager) onDegradation(callID string, ev adaptation.DegradationEvent) {
	m.mu.RLock()
	s, ok := m.sessions[callID]
	isVideo := ok && s.callType == TypeVideo
	m.mu.RUnlock()

	if !ok {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "onDegradation",
		"call_id":  callID,
		"from":     ev.From.String(),
		"to":       ev.To.String(),
	}).Warn("Call quality degraded")

	if ev.To == adaptation.LevelPoor && isVideo {
		if m.adapt.SwitchToAudioOnly(callID) {
			m.mu.Lock()
			if s, ok := m.sessions[callID]; ok && s.local != nil {
				s.local.Media.VideoEnabled = false
			}
			m.mu.Unlock()
		}
	}
}

// onQualityChange restores video once conditions recover to good or
// better after an audio-only fallback.
func (m *Manager) onQualityChange(callID string, level adaptation.Level) {
	if level != adaptation.LevelGood && level != adaptation.LevelExcellent {
		return
	}
	if m.adapt.RestoreVideo(callID) {
		m.mu.Lock()
		if s, ok := m.sessions[callID]; ok && s.local != nil && !s.local.Media.CameraOff {
			s.local.Media.VideoEnabled = true
		}
		m.mu.Unlock()
	}
}

// mirrorConnState maps pion connection states onto the participant
// connection state model.
func mirrorConnState(state webrtc.PeerConnectionState) ConnState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnFailed
	default:
		return ConnClosed
	}
}
