package call

import (
	"time"

	"github.com/voicelink/callkit/media"
)

// State is the lifecycle state of a call session.
type State int

const (
	// StateInitiating is an outgoing call before the request is sent.
	StateInitiating State = iota
	// StateRinging awaits the remote answer (outgoing) or the local
	// accept/reject decision (incoming).
	StateRinging
	// StateConnecting covers the offer/answer exchange after acceptance.
	StateConnecting
	// StateConnected is an established call with live media.
	StateConnected
	// StateEnded is the terminal state after an explicit hang-up.
	StateEnded
	// StateFailed is the terminal state after an error or timeout.
	// A successful reconnection may bring a failed call back.
	StateFailed
	// StateRejected is the terminal state after a decline.
	StateRejected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInitiating:
		return "initiating"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the session lifecycle.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed || s == StateRejected
}

// Direction distinguishes who placed the call. Meaningless for
// conferences, where authority is tracked per participant role instead.
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

// String returns the direction name.
func (d Direction) String() string {
	if d == DirectionIncoming {
		return "incoming"
	}
	return "outgoing"
}

// Call types.
const (
	TypeAudio = "audio"
	TypeVideo = "video"
)

// Participant roles. 1:1 calls default both sides to RoleParticipant.
const (
	RoleHost        = "host"
	RoleModerator   = "moderator"
	RoleParticipant = "participant"
)

// Conference lifecycle values stored in session metadata.
const (
	ConferenceLobby  = "lobby"
	ConferenceActive = "active"
	ConferenceEnded  = "ended"
)

// ConnState mirrors the underlying peer-connection state for one
// participant.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// MediaState reflects the current track configuration for a participant.
// Local state is mutated only by the participant's own toggle operations;
// remote state only by signaling updates.
type MediaState struct {
	AudioEnabled   bool
	VideoEnabled   bool
	MicMuted       bool
	CameraOff      bool
	ScreenSharing  bool
	SpeakerEnabled bool
}

// Participant is one member of a call session.
type Participant struct {
	UserID    string
	UserName  string
	IsLocal   bool
	Media     MediaState
	ConnState ConnState
	Role      string
	JoinedAt  time.Time

	// Stream is owned by the media engine; the participant record holds
	// only a reference, invalidated when the peer connection closes.
	Stream *media.LocalStream
}

// Metadata carries free-form session fields, mostly conference state.
type Metadata struct {
	ConferenceState string
	Title           string
	MaxParticipants int
	InitiatorName   string
}

// Session is an immutable snapshot of a call session, safe to hold
// across manager operations.
type Session struct {
	CallID       string
	CallType     string
	Direction    Direction
	State        State
	IsGroup      bool
	GroupID      string
	Local        Participant
	Participants map[string]Participant
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Metadata     Metadata
	Reason       string
}

// session is the manager-internal mutable record. All access happens
// under the manager lock.
type session struct {
	callID    string
	callType  string
	direction Direction
	state     State
	isGroup   bool
	groupID   string

	local        *Participant
	participants map[string]*Participant

	startTime time.Time
	endTime   time.Time
	duration  time.Duration
	metadata  Metadata
	reason    string

	// everConnected records whether the session reached connected at any
	// point. Recorded as a fact rather than inferred from the state at
	// teardown, so completed/failed accounting stays correct.
	everConnected bool
	statsRecorded bool

	timeout *time.Timer
}

// snapshot copies the session into its public form.
func (s *session) snapshot() Session {
	snap := Session{
		CallID:       s.callID,
		CallType:     s.callType,
		Direction:    s.direction,
		State:        s.state,
		IsGroup:      s.isGroup,
		GroupID:      s.groupID,
		StartTime:    s.startTime,
		EndTime:      s.endTime,
		Duration:     s.duration,
		Metadata:     s.metadata,
		Reason:       s.reason,
		Participants: make(map[string]Participant, len(s.participants)),
	}
	if s.local != nil {
		snap.Local = *s.local
	}
	for id, p := range s.participants {
		snap.Participants[id] = *p
	}
	return snap
}

// cancelTimeout stops the pending call timeout, if armed.
func (s *session) cancelTimeout() {
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
}

// Stats aggregates call outcomes. Each terminal transition updates the
// counters exactly once.
type Stats struct {
	TotalCalls      int
	CompletedCalls  int
	FailedCalls     int
	RejectedCalls   int
	AverageDuration time.Duration
	SuccessRate     float64
}

// Listeners is the set of optional lifecycle callbacks the UI layer
// registers. All callbacks are invoked synchronously and must not block;
// nil entries are skipped.
type Listeners struct {
	IncomingCall      func(s Session)
	CallStateChanged  func(callID string, from, to State)
	CallStarted       func(s Session)
	ParticipantJoined func(callID string, p Participant)
	ParticipantLeft   func(callID, userID string)
	CallEnded         func(callID string, duration time.Duration)
	CallFailed        func(callID, reason string)
	GroupCallInvite   func(s Session)
}
