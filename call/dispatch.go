package call

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/voicelink/callkit/media"
	"github.com/voicelink/callkit/signaling"
)

// handleMessage is the inbound signaling sink, dispatching by kind and
// call id. Messages of different kinds may arrive out of order, so each
// handler validates session state instead of assuming sequence.
func (m *Manager) handleMessage(msg *signaling.Message) {
	m.mu.RLock()
	initialized := m.initialized
	m.mu.RUnlock()
	if !initialized || msg == nil {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleMessage",
		"kind":     string(msg.Kind),
		"call_id":  msg.CallID,
		"sender":   msg.SenderID,
	}).Debug("Inbound signaling message")

	ctx := context.Background()

	switch msg.Kind {
	case signaling.KindCallRequest:
		m.handleCallRequest(ctx, msg)
	case signaling.KindCallAccept:
		m.handleCallAccept(ctx, msg)
	case signaling.KindCallReject:
		m.handleCallReject(msg)
	case signaling.KindOffer:
		m.handleOffer(ctx, msg)
	case signaling.KindAnswer:
		m.handleAnswer(msg)
	case signaling.KindIceCandidate:
		m.handleIceCandidate(msg)
	case signaling.KindCallEnd:
		m.handleCallEnd(msg)
	case signaling.KindGroupCallRequest:
		m.handleGroupInvite(msg)
	case signaling.KindGroupCallJoin:
		m.handleGroupJoin(ctx, msg)
	case signaling.KindGroupCallLeave:
		m.handleGroupLeave(msg)
	}
}

// handleCallRequest rings a new incoming call, or rejects it outright
// when another call is already active.
func (m *Manager) handleCallRequest(ctx context.Context, msg *signaling.Message) {
	var payload signaling.CallRequestPayload
	if err := msg.DecodePayload(&payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleCallRequest",
			"call_id":  msg.CallID,
			"error":    err.Error(),
		}).Warn("Malformed call request payload")
		return
	}

	m.mu.Lock()
	m.evictTerminalLocked()
	if m.busyLocked() {
		m.mu.Unlock()
		busy := signaling.CallResponsePayload{Accepted: false, Reason: "busy"}
		if err := m.send(ctx, signaling.KindCallReject, msg.CallID, msg.SenderID, busy); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleCallRequest",
				"call_id":  msg.CallID,
				"error":    err.Error(),
			}).Warn("Failed to send busy rejection")
		}
		return
	}

	s := &session{
		callID:    msg.CallID,
		callType:  payload.CallType,
		direction: DirectionIncoming,
		state:     StateRinging,
		local: &Participant{
			UserID:   m.selfID,
			UserName: m.selfName,
			IsLocal:  true,
			Role:     RoleParticipant,
			JoinedAt: m.now(),
		},
		metadata: Metadata{InitiatorName: payload.InitiatorName},
		participants: map[string]*Participant{
			msg.SenderID: {
				UserID:    msg.SenderID,
				UserName:  payload.InitiatorName,
				Role:      RoleParticipant,
				ConnState: ConnNew,
				JoinedAt:  m.now(),
			},
		},
	}
	m.sessions[msg.CallID] = s
	m.armTimeoutLocked(s)
	snap := s.snapshot()
	l := m.listeners
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "handleCallRequest",
		"call_id":   msg.CallID,
		"caller":    msg.SenderID,
		"call_type": payload.CallType,
	}).Info("Incoming call ringing")

	if l.IncomingCall != nil {
		l.IncomingCall(snap)
	}
}

// handleCallAccept moves an outgoing call into negotiation and sends the
// SDP offer.
func (m *Manager) handleCallAccept(ctx context.Context, msg *signaling.Message) {
	if !m.transition(msg.CallID, StateConnecting, StateRinging) {
		return
	}

	offer, err := m.media.CreateOffer(ctx, msg.SenderID)
	if err != nil {
		m.failCall(msg.CallID, "offer creation failed")
		return
	}
	payload := signaling.SessionDescriptionPayload{Type: "offer", SDP: offer.SDP}
	if err := m.send(ctx, signaling.KindOffer, msg.CallID, msg.SenderID, payload); err != nil {
		m.failCall(msg.CallID, "offer delivery failed")
	}
}

// handleCallReject terminates an outgoing call declined by the remote.
func (m *Manager) handleCallReject(msg *signaling.Message) {
	var payload signaling.CallResponsePayload
	reason := "rejected"
	if err := msg.DecodePayload(&payload); err == nil && payload.Reason != "" {
		reason = payload.Reason
	}
	m.terminate(msg.CallID, StateRejected, reason)
}

// handleOffer answers an inbound SDP offer. A missing peer connection is
// rebuilt first, which covers the remote side of a reconnection.
func (m *Manager) handleOffer(ctx context.Context, msg *signaling.Message) {
	var payload signaling.SessionDescriptionPayload
	if err := msg.DecodePayload(&payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleOffer",
			"call_id":  msg.CallID,
			"error":    err.Error(),
		}).Warn("Malformed offer payload")
		return
	}

	m.mu.RLock()
	s, ok := m.sessions[msg.CallID]
	var stream *media.LocalStream
	if ok && s.local != nil {
		stream = s.local.Stream
	}
	m.mu.RUnlock()
	if !ok {
		return
	}

	if !m.media.HasPeerConnection(msg.SenderID) {
		if err := m.media.CreatePeerConnection(msg.SenderID, media.PeerOptions{}); err != nil {
			m.failCall(msg.CallID, "peer connection rebuild failed")
			return
		}
		if err := m.wirePeer(msg.CallID, msg.SenderID); err != nil {
			m.failCall(msg.CallID, "peer connection rebuild failed")
			return
		}
		if stream != nil {
			if err := m.media.AddLocalStream(msg.SenderID, stream); err != nil {
				m.failCall(msg.CallID, "peer connection rebuild failed")
				return
			}
		}
	}

	answer, err := m.media.CreateAnswer(ctx, msg.SenderID, webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  payload.SDP,
	})
	if err != nil {
		m.failCall(msg.CallID, "answer creation failed")
		return
	}

	out := signaling.SessionDescriptionPayload{Type: "answer", SDP: answer.SDP}
	if err := m.send(ctx, signaling.KindAnswer, msg.CallID, msg.SenderID, out); err != nil {
		m.failCall(msg.CallID, "answer delivery failed")
	}

	// Re-negotiation of a failed call passes back through connecting.
	m.transition(msg.CallID, StateConnecting, StateFailed)
}

// handleAnswer completes the initiator side of negotiation.
func (m *Manager) handleAnswer(msg *signaling.Message) {
	var payload signaling.SessionDescriptionPayload
	if err := msg.DecodePayload(&payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleAnswer",
			"call_id":  msg.CallID,
			"error":    err.Error(),
		}).Warn("Malformed answer payload")
		return
	}
	if err := m.media.SetRemoteAnswer(msg.SenderID, webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  payload.SDP,
	}); err != nil {
		m.failCall(msg.CallID, "remote answer rejected")
	}
}

// handleIceCandidate applies one trickled candidate.
func (m *Manager) handleIceCandidate(msg *signaling.Message) {
	var payload signaling.IceCandidatePayload
	if err := msg.DecodePayload(&payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleIceCandidate",
			"call_id":  msg.CallID,
			"error":    err.Error(),
		}).Warn("Malformed ICE candidate payload")
		return
	}
	cand := webrtc.ICECandidateInit{
		Candidate:     payload.Candidate,
		SDPMid:        payload.SDPMid,
		SDPMLineIndex: payload.SDPMLineIndex,
	}
	if err := m.media.AddICECandidate(msg.SenderID, cand); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleIceCandidate",
			"call_id":  msg.CallID,
			"error":    err.Error(),
		}).Warn("Failed to apply ICE candidate")
	}
}

// handleCallEnd tears down the call on a remote hang-up.
func (m *Manager) handleCallEnd(msg *signaling.Message) {
	var payload signaling.CallEndPayload
	reason := "remote hangup"
	if err := msg.DecodePayload(&payload); err == nil && payload.Reason != "" {
		reason = payload.Reason
	}
	m.terminate(msg.CallID, StateEnded, reason)
}
