package call

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/voicelink/callkit/media"
	"github.com/voicelink/callkit/signaling"
)

// CreateConference seeds a multi-party session in the lobby state with
// the local user as host. Invitations and joins drive it active.
func (m *Manager) CreateConference(ctx context.Context, title, callType string) (string, error) {
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
		isGroup:   true,
		groupID:   uuid.NewString(),
		local: &Participant{
			UserID:   m.selfID,
			UserName: m.selfName,
			IsLocal:  true,
			Role:     RoleHost,
			JoinedAt: m.now(),
		},
		participants: make(map[string]*Participant),
		metadata: Metadata{
			ConferenceState: ConferenceLobby,
			Title:           title,
			MaxParticipants: m.cfg.MaxConferenceParticipants(),
			InitiatorName:   m.selfName,
		},
	}
	m.sessions[callID] = s
	m.mu.Unlock()

	stream, err := m.media.CaptureMedia(ctx, media.Constraints{
		Audio: true,
		Video: callType == TypeVideo,
	})
	if err != nil {
		m.failCall(callID, fmt.Sprintf("media setup failed: %v", err))
		return "", err
	}

	m.mu.Lock()
	if s, ok := m.sessions[callID]; ok && s.local != nil {
		s.local.Stream = stream
		s.local.Media.AudioEnabled = stream.AudioEnabled()
		s.local.Media.VideoEnabled = stream.VideoEnabled()
	}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "CreateConference",
		"call_id":   callID,
		"title":     title,
		"call_type": callType,
	}).Info("Conference created in lobby")

	return callID, nil
}

// InviteToConference adds pending participants and sends one invitation
// per invitee. Fails when the participant limit would be exceeded.
func (m *Manager) InviteToConference(ctx context.Context, callID string, userIDs []string) error {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	if !s.isGroup {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotConference, callID)
	}
	// Local participant counts against the limit.
	if len(s.participants)+len(userIDs)+1 > s.metadata.MaxParticipants {
		m.mu.Unlock()
		return fmt.Errorf("%w: limit %d", ErrConferenceFull, s.metadata.MaxParticipants)
	}
	for _, id := range userIDs {
		if _, exists := s.participants[id]; exists {
			continue
		}
		s.participants[id] = &Participant{
			UserID:    id,
			Role:      RoleParticipant,
			ConnState: ConnNew,
			JoinedAt:  m.now(),
		}
	}
	payload := signaling.GroupInvitePayload{
		GroupID:       s.groupID,
		Title:         s.metadata.Title,
		CallType:      s.callType,
		InitiatorName: s.metadata.InitiatorName,
	}
	m.mu.Unlock()

	for _, id := range userIDs {
		if err := m.send(ctx, signaling.KindGroupCallRequest, callID, id, payload); err != nil {
			return fmt.Errorf("failed to invite %s: %w", id, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "InviteToConference",
		"call_id":  callID,
		"invitees": len(userIDs),
	}).Info("Conference invitations sent")

	return nil
}

// JoinConference activates the conference for the local user with the
// given role. Invitees acquire media and announce the join to the host;
// the host's own join just flips the lobby active.
func (m *Manager) JoinConference(ctx context.Context, callID, role string) error {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	if !s.isGroup {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotConference, callID)
	}
	if s.state.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: conference is %s", ErrInvalidState, s.state)
	}
	s.metadata.ConferenceState = ConferenceActive
	if s.local != nil {
		s.local.Role = role
	}
	incoming := s.direction == DirectionIncoming
	hasStream := s.local != nil && s.local.Stream != nil
	hostID := s.remoteUserLocked()
	callType := s.callType
	selfName := m.selfName
	m.mu.Unlock()

	if !hasStream {
		stream, err := m.media.CaptureMedia(ctx, media.Constraints{
			Audio: true,
			Video: callType == TypeVideo,
		})
		if err != nil {
			m.failCall(callID, fmt.Sprintf("media setup failed: %v", err))
			return err
		}
		m.mu.Lock()
		if s, ok := m.sessions[callID]; ok && s.local != nil {
			s.local.Stream = stream
			s.local.Media.AudioEnabled = stream.AudioEnabled()
			s.local.Media.VideoEnabled = stream.VideoEnabled()
		}
		m.mu.Unlock()
	}

	if incoming && hostID != "" {
		payload := signaling.GroupJoinPayload{Role: role, UserName: selfName}
		if err := m.send(ctx, signaling.KindGroupCallJoin, callID, hostID, payload); err != nil {
			return err
		}
		m.transition(callID, StateConnecting, StateRinging)
	}

	logrus.WithFields(logrus.Fields{
		"function": "JoinConference",
		"call_id":  callID,
		"role":     role,
	}).Info("Joined conference")

	return nil
}

// LeaveConference removes the local participant, announces the leave and
// closes all peer connections. When no remote participants remain, the
// conference session transitions to ended.
func (m *Manager) LeaveConference(ctx context.Context, callID string) error {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	if !s.isGroup {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotConference, callID)
	}
	remotes := s.remoteUsersLocked()
	s.local = nil
	empty := len(remotes) == 0
	if empty {
		s.metadata.ConferenceState = ConferenceEnded
	}
	m.mu.Unlock()

	for _, userID := range remotes {
		if err := m.send(ctx, signaling.KindGroupCallLeave, callID, userID, signaling.GroupLeavePayload{}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "LeaveConference",
				"call_id":  callID,
				"target":   userID,
				"error":    err.Error(),
			}).Warn("Failed to announce leave")
		}
		if m.media.HasPeerConnection(userID) {
			if err := m.media.ClosePeerConnection(userID); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "LeaveConference",
					"call_id":  callID,
					"user_id":  userID,
					"error":    err.Error(),
				}).Warn("Failed to close peer connection")
			}
		}
	}
	m.adapt.StopMonitoring(callID)

	if empty {
		m.terminate(callID, StateEnded, "conference ended")
	}

	logrus.WithFields(logrus.Fields{
		"function": "LeaveConference",
		"call_id":  callID,
		"ended":    empty,
	}).Info("Left conference")

	return nil
}

// handleGroupInvite rings an inbound conference invitation.
func (m *Manager) handleGroupInvite(msg *signaling.Message) {
	var payload signaling.GroupInvitePayload
	if err := msg.DecodePayload(&payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleGroupInvite",
			"call_id":  msg.CallID,
			"error":    err.Error(),
		}).Warn("Malformed conference invitation")
		return
	}

	m.mu.Lock()
	m.evictTerminalLocked()
	if m.busyLocked() {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleGroupInvite",
			"call_id":  msg.CallID,
		}).Info("Dropping conference invitation while another call is active")
		return
	}

	s := &session{
		callID:    msg.CallID,
		callType:  payload.CallType,
		direction: DirectionIncoming,
		state:     StateRinging,
		isGroup:   true,
		groupID:   payload.GroupID,
		local: &Participant{
			UserID:   m.selfID,
			UserName: m.selfName,
			IsLocal:  true,
			Role:     RoleParticipant,
			JoinedAt: m.now(),
		},
		participants: map[string]*Participant{
			msg.SenderID: {
				UserID:    msg.SenderID,
				UserName:  payload.InitiatorName,
				Role:      RoleHost,
				ConnState: ConnNew,
				JoinedAt:  m.now(),
			},
		},
		metadata: Metadata{
			ConferenceState: ConferenceLobby,
			Title:           payload.Title,
			MaxParticipants: m.cfg.MaxConferenceParticipants(),
			InitiatorName:   payload.InitiatorName,
		},
	}
	m.sessions[msg.CallID] = s
	m.armTimeoutLocked(s)
	snap := s.snapshot()
	l := m.listeners
	m.mu.Unlock()

	if l.GroupCallInvite != nil {
		l.GroupCallInvite(snap)
	}
}

// handleGroupJoin connects a newly joined participant: records them,
// builds a peer connection toward them and opens negotiation.
func (m *Manager) handleGroupJoin(ctx context.Context, msg *signaling.Message) {
	var payload signaling.GroupJoinPayload
	if err := msg.DecodePayload(&payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleGroupJoin",
			"call_id":  msg.CallID,
			"error":    err.Error(),
		}).Warn("Malformed conference join")
		return
	}

	m.mu.Lock()
	s, ok := m.sessions[msg.CallID]
	if !ok || !s.isGroup {
		m.mu.Unlock()
		return
	}
	p, exists := s.participants[msg.SenderID]
	if !exists {
		p = &Participant{
			UserID:   msg.SenderID,
			JoinedAt: m.now(),
		}
		s.participants[msg.SenderID] = p
	}
	p.Role = payload.Role
	p.UserName = payload.UserName
	p.ConnState = ConnConnecting
	s.metadata.ConferenceState = ConferenceActive
	var stream *media.LocalStream
	if s.local != nil {
		stream = s.local.Stream
	}
	joined := *p
	l := m.listeners
	m.mu.Unlock()

	m.transition(msg.CallID, StateConnecting, StateInitiating, StateRinging)

	if !m.media.HasPeerConnection(msg.SenderID) {
		if err := m.media.CreatePeerConnection(msg.SenderID, media.PeerOptions{}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleGroupJoin",
				"call_id":  msg.CallID,
				"user_id":  msg.SenderID,
				"error":    err.Error(),
			}).Warn("Failed to create peer connection for joiner")
			return
		}
		if err := m.wirePeer(msg.CallID, msg.SenderID); err != nil {
			return
		}
		if stream != nil {
			if err := m.media.AddLocalStream(msg.SenderID, stream); err != nil {
				return
			}
		}
	}

	offer, err := m.media.CreateOffer(ctx, msg.SenderID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleGroupJoin",
			"call_id":  msg.CallID,
			"user_id":  msg.SenderID,
			"error":    err.Error(),
		}).Warn("Failed to create offer for joiner")
		return
	}
	out := signaling.SessionDescriptionPayload{Type: "offer", SDP: offer.SDP}
	if err := m.send(ctx, signaling.KindOffer, msg.CallID, msg.SenderID, out); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleGroupJoin",
			"call_id":  msg.CallID,
			"error":    err.Error(),
		}).Warn("Failed to send offer to joiner")
		return
	}

	if l.ParticipantJoined != nil {
		l.ParticipantJoined(msg.CallID, joined)
	}
}

// handleGroupLeave removes a departed participant and closes their peer
// connection.
func (m *Manager) handleGroupLeave(msg *signaling.Message) {
	m.mu.Lock()
	s, ok := m.sessions[msg.CallID]
	if !ok || !s.isGroup {
		m.mu.Unlock()
		return
	}
	if _, exists := s.participants[msg.SenderID]; !exists {
		m.mu.Unlock()
		return
	}
	delete(s.participants, msg.SenderID)
	l := m.listeners
	m.mu.Unlock()

	if m.media.HasPeerConnection(msg.SenderID) {
		if err := m.media.ClosePeerConnection(msg.SenderID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleGroupLeave",
				"call_id":  msg.CallID,
				"user_id":  msg.SenderID,
				"error":    err.Error(),
			}).Warn("Failed to close peer connection for leaver")
		}
	}

	if l.ParticipantLeft != nil {
		l.ParticipantLeft(msg.CallID, msg.SenderID)
	}
}
