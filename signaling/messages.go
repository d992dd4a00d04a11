// Package signaling defines the message contract exchanged between call
// peers. It is a pure transport contract: messages are typed, serialized
// and routed by kind and call id, but never interpreted here. Delivery is
// the responsibility of an external transport implementing Channel.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Kind tags a signaling message variant. Payload shape is fixed per kind.
type Kind string

const (
	// KindCallRequest asks the target to ring for a new call.
	KindCallRequest Kind = "call_request"
	// KindCallAccept tells the initiator the call was accepted.
	KindCallAccept Kind = "call_accept"
	// KindCallReject tells the initiator the call was declined.
	KindCallReject Kind = "call_reject"
	// KindOffer carries an SDP offer.
	KindOffer Kind = "offer"
	// KindAnswer carries an SDP answer.
	KindAnswer Kind = "answer"
	// KindIceCandidate carries one ICE candidate.
	KindIceCandidate Kind = "ice_candidate"
	// KindCallEnd terminates an established or pending call.
	KindCallEnd Kind = "call_end"
	// KindGroupCallRequest invites the target into a conference.
	KindGroupCallRequest Kind = "group_call_request"
	// KindGroupCallJoin announces the sender joined a conference.
	KindGroupCallJoin Kind = "group_call_join"
	// KindGroupCallLeave announces the sender left a conference.
	KindGroupCallLeave Kind = "group_call_leave"
)

// Message is the wire envelope for all signaling traffic.
//
// Messages of different kinds are not guaranteed ordered relative to each
// other, even between the same sender and target.
type Message struct {
	Kind     Kind            `json:"kind"`
	CallID   string          `json:"call_id"`
	SenderID string          `json:"sender_id"`
	TargetID string          `json:"target_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// CallRequestPayload accompanies KindCallRequest.
type CallRequestPayload struct {
	CallType      string `json:"call_type"` // "audio" or "video"
	InitiatorName string `json:"initiator_name,omitempty"`
}

// CallResponsePayload accompanies KindCallAccept and KindCallReject.
type CallResponsePayload struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// SessionDescriptionPayload accompanies KindOffer and KindAnswer.
type SessionDescriptionPayload struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// IceCandidatePayload accompanies KindIceCandidate.
type IceCandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

// CallEndPayload accompanies KindCallEnd.
type CallEndPayload struct {
	Reason string `json:"reason,omitempty"`
}

// GroupInvitePayload accompanies KindGroupCallRequest.
type GroupInvitePayload struct {
	GroupID       string `json:"group_id,omitempty"`
	Title         string `json:"title,omitempty"`
	CallType      string `json:"call_type"`
	InitiatorName string `json:"initiator_name,omitempty"`
}

// GroupJoinPayload accompanies KindGroupCallJoin.
type GroupJoinPayload struct {
	Role     string `json:"role"` // host, moderator or participant
	UserName string `json:"user_name,omitempty"`
}

// GroupLeavePayload accompanies KindGroupCallLeave.
type GroupLeavePayload struct {
	Reason string `json:"reason,omitempty"`
}

// payloadPrototype returns a zero value of the payload type for a kind.
// The switch is exhaustive over all kinds; unknown kinds return an error.
func payloadPrototype(kind Kind) (interface{}, error) {
	switch kind {
	case KindCallRequest:
		return &CallRequestPayload{}, nil
	case KindCallAccept, KindCallReject:
		return &CallResponsePayload{}, nil
	case KindOffer, KindAnswer:
		return &SessionDescriptionPayload{}, nil
	case KindIceCandidate:
		return &IceCandidatePayload{}, nil
	case KindCallEnd:
		return &CallEndPayload{}, nil
	case KindGroupCallRequest:
		return &GroupInvitePayload{}, nil
	case KindGroupCallJoin:
		return &GroupJoinPayload{}, nil
	case KindGroupCallLeave:
		return &GroupLeavePayload{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// NewMessage builds a Message, marshaling the kind-specific payload.
// The payload type must match the kind; a nil payload is allowed only
// for kinds whose payload carries no required fields.
func NewMessage(kind Kind, callID, senderID, targetID string, payload interface{}) (*Message, error) {
	if callID == "" {
		return nil, ErrMissingCallID
	}
	if _, err := payloadPrototype(kind); err != nil {
		return nil, err
	}

	msg := &Message{
		Kind:     kind,
		CallID:   callID,
		SenderID: senderID,
		TargetID: targetID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Encode serializes a message for transmission.
func Encode(msg *Message) ([]byte, error) {
	if msg == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Encode",
			"error":    "message is nil",
		}).Error("Invalid signaling message")
		return nil, errors.New("signaling message is nil")
	}
	if _, err := payloadPrototype(msg.Kind); err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signaling message: %w", err)
	}
	return data, nil
}

// Decode parses a wire envelope and validates its kind and call id.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode signaling message: %w", err)
	}
	if _, err := payloadPrototype(msg.Kind); err != nil {
		return nil, err
	}
	if msg.CallID == "" {
		return nil, ErrMissingCallID
	}
	return &msg, nil
}

// DecodePayload unmarshals the kind-specific payload into dst.
// dst must be a pointer to the payload type for the message's kind.
func (m *Message) DecodePayload(dst interface{}) error {
	if len(m.Payload) == 0 {
		return ErrEmptyPayload
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Kind, err)
	}
	return nil
}
