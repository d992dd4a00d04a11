package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/voicelink/callkit/adaptation"
	"github.com/voicelink/callkit/config"
	"github.com/voicelink/callkit/media"
	"github.com/voicelink/callkit/signaling"
)

// mockMediaEngine implements MediaEngine without touching pion.
type mockMediaEngine struct {
	mu sync.Mutex

	captureErr error
	hasAudio   bool
	hasVideo   bool
	tracks     map[string]bool

	pcs      map[string]bool
	stateFns map[string]func(webrtc.PeerConnectionState)
	iceFns   map[string]func(webrtc.ICECandidateInit)

	offerErr     error
	screenActive bool
	closedAll    bool
}

func newMockMediaEngine() *mockMediaEngine {
	return &mockMediaEngine{
		hasAudio: true,
		hasVideo: true,
		tracks:   map[string]bool{"audio": true, "video": true},
		pcs:      make(map[string]bool),
		stateFns: make(map[string]func(webrtc.PeerConnectionState)),
		iceFns:   make(map[string]func(webrtc.ICECandidateInit)),
	}
}

func (m *mockMediaEngine) CaptureMedia(ctx context.Context, c media.Constraints) (*media.LocalStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.captureErr != nil {
		return nil, m.captureErr
	}
	return &media.LocalStream{ID: "stream-1"}, nil
}

func (m *mockMediaEngine) CreatePeerConnection(userID string, opts media.PeerOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pcs[userID] {
		return media.ErrConnectionExists
	}
	m.pcs[userID] = true
	return nil
}

func (m *mockMediaEngine) OnICECandidate(userID string, fn func(webrtc.ICECandidateInit)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iceFns[userID] = fn
	return nil
}

func (m *mockMediaEngine) OnConnectionStateChange(userID string, fn func(webrtc.PeerConnectionState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateFns[userID] = fn
	return nil
}

func (m *mockMediaEngine) AddLocalStream(userID string, stream *media.LocalStream) error {
	return nil
}

func (m *mockMediaEngine) CreateOffer(ctx context.Context, userID string) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offerErr != nil {
		return webrtc.SessionDescription{}, m.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}, nil
}

func (m *mockMediaEngine) CreateAnswer(ctx context.Context, userID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}, nil
}

func (m *mockMediaEngine) SetRemoteAnswer(userID string, answer webrtc.SessionDescription) error {
	return nil
}

func (m *mockMediaEngine) AddICECandidate(userID string, cand webrtc.ICECandidateInit) error {
	return nil
}

func (m *mockMediaEngine) SetTrackEnabled(kind string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch kind {
	case "audio":
		if !m.hasAudio {
			return false
		}
	case "video":
		if !m.hasVideo {
			return false
		}
	default:
		return false
	}
	m.tracks[kind] = enabled
	return true
}

func (m *mockMediaEngine) StartScreenCapture(ctx context.Context) (*media.LocalStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.screenActive {
		return nil, media.ErrScreenShareActive
	}
	m.screenActive = true
	return &media.LocalStream{ID: "screen-1", Screen: true}, nil
}

func (m *mockMediaEngine) StopScreenCapture() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.screenActive {
		return media.ErrScreenShareInactive
	}
	m.screenActive = false
	return nil
}

func (m *mockMediaEngine) ListCameras(ctx context.Context) ([]media.CameraDevice, error) {
	return []media.CameraDevice{{ID: "default", Label: "Default Camera"}}, nil
}

func (m *mockMediaEngine) ClosePeerConnection(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pcs[userID] {
		return media.ErrConnectionNotFound
	}
	delete(m.pcs, userID)
	return nil
}

func (m *mockMediaEngine) HasPeerConnection(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pcs[userID]
}

func (m *mockMediaEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closedAll = true
	return nil
}

func (m *mockMediaEngine) firePeerState(userID string, state webrtc.PeerConnectionState) {
	m.mu.Lock()
	fn := m.stateFns[userID]
	m.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// mockAdapt implements AdaptationEngine.
type mockAdapt struct {
	mu         sync.Mutex
	monitoring map[string]bool
	reconnect  adaptation.ReconnectFunc
	shutdowns  int
}

func newMockAdapt() *mockAdapt {
	return &mockAdapt{monitoring: make(map[string]bool)}
}

func (a *mockAdapt) StartMonitoring(callID, userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.monitoring[callID] = true
}

func (a *mockAdapt) StopMonitoring(callID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.monitoring, callID)
}

func (a *mockAdapt) SwitchToAudioOnly(callID string) bool { return true }
func (a *mockAdapt) RestoreVideo(callID string) bool      { return true }

func (a *mockAdapt) SetQualityChangeCallback(fn func(string, adaptation.Level)) {}

func (a *mockAdapt) SetDegradationCallback(fn func(string, adaptation.DegradationEvent)) {}

func (a *mockAdapt) SetReconnectFunc(fn adaptation.ReconnectFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reconnect = fn
}

func (a *mockAdapt) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdowns++
}

func (a *mockAdapt) isMonitoring(callID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.monitoring[callID]
}

// mockChannel implements signaling.Channel in-process.
type mockChannel struct {
	mu      sync.Mutex
	sent    []*signaling.Message
	handler signaling.Handler
	sendErr error
}

func (c *mockChannel) Send(ctx context.Context, msg *signaling.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *mockChannel) SetHandler(h signaling.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *mockChannel) deliver(msg *signaling.Message) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (c *mockChannel) sentKinds() []signaling.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]signaling.Kind, len(c.sent))
	for i, m := range c.sent {
		kinds[i] = m.Kind
	}
	return kinds
}

func (c *mockChannel) lastOfKind(kind signaling.Kind) *signaling.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Kind == kind {
			return c.sent[i]
		}
	}
	return nil
}

type testRig struct {
	manager *Manager
	media   *mockMediaEngine
	adapt   *mockAdapt
	channel *mockChannel
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	rig := &testRig{
		media:   newMockMediaEngine(),
		adapt:   newMockAdapt(),
		channel: &mockChannel{},
	}
	rig.manager = NewManager(config.Default(), rig.media, rig.adapt, rig.channel)
	if err := rig.manager.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	rig.manager.SetCurrentUser("alice", "Alice")
	return rig
}

// mustMessage builds a signaling message or fails the test.
func mustMessage(t *testing.T, kind signaling.Kind, callID, sender string, payload interface{}) *signaling.Message {
	t.Helper()
	msg, err := signaling.NewMessage(kind, callID, sender, "alice", payload)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	return msg
}

func TestInitiateCallPreconditions(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	uninit := NewManager(config.Default(), rig.media, rig.adapt, rig.channel)
	if _, err := uninit.InitiateCall(ctx, "bob", TypeAudio); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("err = %v, want ErrNotInitialized", err)
	}

	noUser := NewManager(config.Default(), newMockMediaEngine(), newMockAdapt(), &mockChannel{})
	noUser.Initialize()
	if _, err := noUser.InitiateCall(ctx, "bob", TypeAudio); !errors.Is(err, ErrNoCurrentUser) {
		t.Errorf("err = %v, want ErrNoCurrentUser", err)
	}

	if _, err := rig.manager.InitiateCall(ctx, "bob", "hologram"); !errors.Is(err, ErrFeatureDisabled) {
		t.Errorf("err = %v, want ErrFeatureDisabled", err)
	}
}

func TestInitiateCallRings(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	callID, err := rig.manager.InitiateCall(ctx, "bob", TypeVideo)
	if err != nil {
		t.Fatalf("InitiateCall failed: %v", err)
	}

	s, ok := rig.manager.Session(callID)
	if !ok {
		t.Fatal("session not found")
	}
	if s.State != StateRinging {
		t.Errorf("state = %s, want ringing", s.State)
	}
	if s.Direction != DirectionOutgoing {
		t.Errorf("direction = %s, want outgoing", s.Direction)
	}
	if s.CallType != TypeVideo {
		t.Errorf("call type = %s, want video", s.CallType)
	}

	req := rig.channel.lastOfKind(signaling.KindCallRequest)
	if req == nil {
		t.Fatal("no call request sent")
	}
	if req.TargetID != "bob" || req.SenderID != "alice" {
		t.Errorf("request routing = %s -> %s, want alice -> bob", req.SenderID, req.TargetID)
	}
	var payload signaling.CallRequestPayload
	if err := req.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if payload.CallType != TypeVideo || payload.InitiatorName != "Alice" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestOneActiveCallInvariant(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if _, err := rig.manager.InitiateCall(ctx, "bob", TypeAudio); err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	if _, err := rig.manager.InitiateCall(ctx, "carol", TypeVideo); !errors.Is(err, ErrCallActive) {
		t.Errorf("second call err = %v, want ErrCallActive", err)
	}
	if _, err := rig.manager.CreateConference(ctx, "standup", TypeAudio); !errors.Is(err, ErrCallActive) {
		t.Errorf("conference err = %v, want ErrCallActive", err)
	}
}

func TestIncomingCallRings(t *testing.T) {
	rig := newTestRig(t)

	var incoming []Session
	rig.manager.SetEventListeners(Listeners{
		IncomingCall: func(s Session) { incoming = append(incoming, s) },
	})

	rig.channel.deliver(mustMessage(t, signaling.KindCallRequest, "call-1", "bob",
		signaling.CallRequestPayload{CallType: TypeAudio, InitiatorName: "Bob"}))

	if len(incoming) != 1 {
		t.Fatalf("got %d incoming callbacks, want 1", len(incoming))
	}
	if incoming[0].State != StateRinging || incoming[0].Direction != DirectionIncoming {
		t.Errorf("incoming session = %s/%s", incoming[0].State, incoming[0].Direction)
	}

	s, ok := rig.manager.Session("call-1")
	if !ok || s.State != StateRinging {
		t.Errorf("registry session missing or not ringing")
	}
}

func TestIncomingCallWhileBusyRejected(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if _, err := rig.manager.InitiateCall(ctx, "bob", TypeAudio); err != nil {
		t.Fatalf("InitiateCall failed: %v", err)
	}

	rig.channel.deliver(mustMessage(t, signaling.KindCallRequest, "call-2", "carol",
		signaling.CallRequestPayload{CallType: TypeAudio}))

	if _, ok := rig.manager.Session("call-2"); ok {
		t.Error("busy call should not create a session")
	}
	reject := rig.channel.lastOfKind(signaling.KindCallReject)
	if reject == nil || reject.CallID != "call-2" {
		t.Fatal("no busy rejection sent")
	}
	var payload signaling.CallResponsePayload
	if err := reject.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if payload.Accepted || payload.Reason != "busy" {
		t.Errorf("payload = %+v, want busy rejection", payload)
	}
}

func TestAcceptCall(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.channel.deliver(mustMessage(t, signaling.KindCallRequest, "call-1", "bob",
		signaling.CallRequestPayload{CallType: TypeAudio, InitiatorName: "Bob"}))

	if err := rig.manager.AcceptCall(ctx, "call-1"); err != nil {
		t.Fatalf("AcceptCall failed: %v", err)
	}

	s, _ := rig.manager.Session("call-1")
	if s.State != StateConnecting {
		t.Errorf("state = %s, want connecting", s.State)
	}
	if rig.channel.lastOfKind(signaling.KindCallAccept) == nil {
		t.Error("no acceptance sent")
	}
	if !rig.media.HasPeerConnection("bob") {
		t.Error("peer connection should exist after accept")
	}
}

func TestAcceptCallPreconditions(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.manager.AcceptCall(ctx, "absent"); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("err = %v, want ErrCallNotFound", err)
	}

	callID, _ := rig.manager.InitiateCall(ctx, "bob", TypeAudio)
	if err := rig.manager.AcceptCall(ctx, callID); !errors.Is(err, ErrNotIncoming) {
		t.Errorf("accepting own outgoing call err = %v, want ErrNotIncoming", err)
	}
}

func TestRejectCallEvictsSession(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.channel.deliver(mustMessage(t, signaling.KindCallRequest, "call-1", "bob",
		signaling.CallRequestPayload{CallType: TypeAudio}))

	if err := rig.manager.RejectCall(ctx, "call-1", "not now"); err != nil {
		t.Fatalf("RejectCall failed: %v", err)
	}

	if _, ok := rig.manager.Session("call-1"); ok {
		t.Error("rejected session should be evicted")
	}
	stats := rig.manager.Stats()
	if stats.TotalCalls != 1 || stats.RejectedCalls != 1 {
		t.Errorf("stats = %+v, want 1 total / 1 rejected", stats)
	}

	reject := rig.channel.lastOfKind(signaling.KindCallReject)
	if reject == nil {
		t.Fatal("no rejection sent")
	}
	var payload signaling.CallResponsePayload
	reject.DecodePayload(&payload)
	if payload.Reason != "not now" {
		t.Errorf("reason = %q, want %q", payload.Reason, "not now")
	}
}

func TestEndCallIdempotent(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.manager.EndCall(ctx, "never-existed"); err != nil {
		t.Errorf("EndCall on absent id should be a no-op, got %v", err)
	}
	if stats := rig.manager.Stats(); stats.TotalCalls != 0 {
		t.Errorf("absent EndCall should not touch stats: %+v", stats)
	}
}

func TestFullCallLifecycle(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	current := time.Now()
	rig.manager.now = func() time.Time { return current }

	var started, ended int
	var endedDuration time.Duration
	var transitions []State
	rig.manager.SetEventListeners(Listeners{
		CallStateChanged: func(id string, from, to State) { transitions = append(transitions, to) },
		CallStarted:      func(s Session) { started++ },
		CallEnded: func(id string, d time.Duration) {
			ended++
			endedDuration = d
		},
	})

	callID, err := rig.manager.InitiateCall(ctx, "bob", TypeAudio)
	if err != nil {
		t.Fatalf("InitiateCall failed: %v", err)
	}

	// Remote accepts; the manager sends the offer and begins negotiation.
	rig.channel.deliver(mustMessage(t, signaling.KindCallAccept, callID, "bob",
		signaling.CallResponsePayload{Accepted: true}))

	s, _ := rig.manager.Session(callID)
	if s.State != StateConnecting {
		t.Fatalf("state = %s, want connecting", s.State)
	}
	if rig.channel.lastOfKind(signaling.KindOffer) == nil {
		t.Fatal("no offer sent after acceptance")
	}

	// Remote answers, then the peer connection comes up.
	rig.channel.deliver(mustMessage(t, signaling.KindAnswer, callID, "bob",
		signaling.SessionDescriptionPayload{Type: "answer", SDP: "v=0\r\n"}))
	rig.media.firePeerState("bob", webrtc.PeerConnectionStateConnected)

	s, _ = rig.manager.Session(callID)
	if s.State != StateConnected {
		t.Fatalf("state = %s, want connected", s.State)
	}
	if started != 1 {
		t.Errorf("CallStarted fired %d times, want 1", started)
	}
	if !rig.adapt.isMonitoring(callID) {
		t.Error("monitoring should start on connected")
	}

	current = current.Add(5 * time.Second)

	if err := rig.manager.EndCall(ctx, callID); err != nil {
		t.Fatalf("EndCall failed: %v", err)
	}

	if _, ok := rig.manager.Session(callID); ok {
		t.Error("ended session should be evicted")
	}
	if rig.adapt.isMonitoring(callID) {
		t.Error("monitoring should stop on terminal")
	}
	if rig.media.HasPeerConnection("bob") {
		t.Error("peer connection should be closed")
	}
	if ended != 1 || endedDuration != 5*time.Second {
		t.Errorf("CallEnded fired %d times with duration %v, want once with 5s", ended, endedDuration)
	}

	stats := rig.manager.Stats()
	if stats.TotalCalls != 1 || stats.CompletedCalls != 1 || stats.FailedCalls != 0 {
		t.Errorf("stats = %+v, want 1 total / 1 completed / 0 failed", stats)
	}
	if stats.AverageDuration != 5*time.Second {
		t.Errorf("AverageDuration = %v, want 5s", stats.AverageDuration)
	}
	if stats.SuccessRate != 1.0 {
		t.Errorf("SuccessRate = %v, want 1.0", stats.SuccessRate)
	}

	// A second hang-up on the same id changes nothing.
	if err := rig.manager.EndCall(ctx, callID); err != nil {
		t.Errorf("repeated EndCall should no-op: %v", err)
	}
	if stats := rig.manager.Stats(); stats.TotalCalls != 1 {
		t.Errorf("repeated EndCall changed stats: %+v", stats)
	}

	// Verify the state walked the defined edges only.
	want := []State{StateRinging, StateConnecting, StateConnected, StateEnded}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i, st := range want {
		if transitions[i] != st {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], st)
		}
	}
}

func TestNoConnectedWithoutConnecting(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	callID, err := rig.manager.InitiateCall(ctx, "bob", TypeAudio)
	if err != nil {
		t.Fatalf("InitiateCall failed: %v", err)
	}

	// A stray connected signal while still ringing must not shortcut the
	// state machine.
	rig.media.firePeerState("bob", webrtc.PeerConnectionStateConnected)

	s, _ := rig.manager.Session(callID)
	if s.State != StateRinging {
		t.Errorf("state = %s, want ringing", s.State)
	}
}

func TestCallTimeoutFails(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	var timeoutFns []func()
	rig.manager.afterFunc = func(d time.Duration, f func()) *time.Timer {
		timeoutFns = append(timeoutFns, f)
		return time.AfterFunc(time.Hour, func() {})
	}

	var failures int
	rig.manager.SetEventListeners(Listeners{
		CallFailed: func(id, reason string) { failures++ },
	})

	callID, err := rig.manager.InitiateCall(ctx, "bob", TypeAudio)
	if err != nil {
		t.Fatalf("InitiateCall failed: %v", err)
	}
	if len(timeoutFns) != 1 {
		t.Fatalf("expected one armed timeout, got %d", len(timeoutFns))
	}

	timeoutFns[0]()

	s, ok := rig.manager.Session(callID)
	if !ok {
		t.Fatal("failed session should remain registered for reconnection")
	}
	if s.State != StateFailed {
		t.Errorf("state = %s, want failed", s.State)
	}
	if failures != 1 {
		t.Errorf("CallFailed fired %d times, want 1", failures)
	}
	stats := rig.manager.Stats()
	if stats.TotalCalls != 1 || stats.FailedCalls != 1 {
		t.Errorf("stats = %+v, want 1 total / 1 failed", stats)
	}

	// Stale second firing is a no-op.
	timeoutFns[0]()
	if stats := rig.manager.Stats(); stats.FailedCalls != 1 {
		t.Errorf("stale timeout double-counted: %+v", stats)
	}
	if failures != 1 {
		t.Errorf("stale timeout re-fired CallFailed: %d", failures)
	}
}

func TestStaleTimeoutAfterConnectNoOps(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	var timeoutFns []func()
	rig.manager.afterFunc = func(d time.Duration, f func()) *time.Timer {
		timeoutFns = append(timeoutFns, f)
		return time.AfterFunc(time.Hour, func() {})
	}

	callID, _ := rig.manager.InitiateCall(ctx, "bob", TypeAudio)
	rig.channel.deliver(mustMessage(t, signaling.KindCallAccept, callID, "bob",
		signaling.CallResponsePayload{Accepted: true}))
	rig.media.firePeerState("bob", webrtc.PeerConnectionStateConnected)

	// The timer fires after the call connected; nothing may change.
	timeoutFns[0]()

	s, _ := rig.manager.Session(callID)
	if s.State != StateConnected {
		t.Errorf("state = %s, want connected", s.State)
	}
	if stats := rig.manager.Stats(); stats.FailedCalls != 0 {
		t.Errorf("stale timeout failed a connected call: %+v", stats)
	}
}

func TestToggleMuteInvolution(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	callID, err := rig.manager.InitiateCall(ctx, "bob", TypeAudio)
	if err != nil {
		t.Fatalf("InitiateCall failed: %v", err)
	}

	if got := rig.manager.ToggleMute(callID); got != true {
		t.Errorf("first toggle = %v, want true (muted)", got)
	}
	s, _ := rig.manager.Session(callID)
	if !s.Local.Media.MicMuted || s.Local.Media.AudioEnabled {
		t.Errorf("media state after mute = %+v", s.Local.Media)
	}

	if got := rig.manager.ToggleMute(callID); got != false {
		t.Errorf("second toggle = %v, want false (unmuted)", got)
	}
	s, _ = rig.manager.Session(callID)
	if s.Local.Media.MicMuted || !s.Local.Media.AudioEnabled {
		t.Errorf("media state after unmute = %+v", s.Local.Media)
	}
}

func TestToggleCameraInvolution(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	callID, _ := rig.manager.InitiateCall(ctx, "bob", TypeVideo)

	first := rig.manager.ToggleCamera(callID)
	second := rig.manager.ToggleCamera(callID)
	if first != true || second != false {
		t.Errorf("toggles = %v, %v, want true then false", first, second)
	}
	s, _ := rig.manager.Session(callID)
	if s.Local.Media.CameraOff {
		t.Error("camera should be back on after double toggle")
	}
}

func TestToggleWithoutTrack(t *testing.T) {
	rig := newTestRig(t)
	rig.media.hasAudio = false
	rig.media.hasVideo = false
	ctx := context.Background()

	callID, _ := rig.manager.InitiateCall(ctx, "bob", TypeAudio)

	if rig.manager.ToggleMute(callID) {
		t.Error("toggle without audio track should report false")
	}
	if rig.manager.ToggleCamera(callID) {
		t.Error("toggle without video track should report false")
	}
	if rig.manager.ToggleMute("absent") {
		t.Error("toggle on absent session should report false")
	}
}

func TestScreenShare(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	callID, _ := rig.manager.InitiateCall(ctx, "bob", TypeVideo)

	if err := rig.manager.StartScreenShare(ctx, callID); err != nil {
		t.Fatalf("StartScreenShare failed: %v", err)
	}
	s, _ := rig.manager.Session(callID)
	if !s.Local.Media.ScreenSharing {
		t.Error("ScreenSharing should be true")
	}

	if err := rig.manager.StopScreenShare(ctx, callID); err != nil {
		t.Fatalf("StopScreenShare failed: %v", err)
	}
	s, _ = rig.manager.Session(callID)
	if s.Local.Media.ScreenSharing {
		t.Error("ScreenSharing should be false")
	}

	if err := rig.manager.StartScreenShare(ctx, "absent"); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("err = %v, want ErrCallNotFound", err)
	}
}

func TestRemoteHangup(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	var ended int
	rig.manager.SetEventListeners(Listeners{
		CallEnded: func(id string, d time.Duration) { ended++ },
	})

	callID, _ := rig.manager.InitiateCall(ctx, "bob", TypeAudio)
	rig.channel.deliver(mustMessage(t, signaling.KindCallEnd, callID, "bob",
		signaling.CallEndPayload{Reason: "hangup"}))

	if _, ok := rig.manager.Session(callID); ok {
		t.Error("session should be evicted on remote hangup")
	}
	if ended != 1 {
		t.Errorf("CallEnded fired %d times, want 1", ended)
	}
}

func TestRemoteReject(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	callID, _ := rig.manager.InitiateCall(ctx, "bob", TypeAudio)
	rig.channel.deliver(mustMessage(t, signaling.KindCallReject, callID, "bob",
		signaling.CallResponsePayload{Accepted: false, Reason: "busy"}))

	if _, ok := rig.manager.Session(callID); ok {
		t.Error("session should be evicted on remote rejection")
	}
	stats := rig.manager.Stats()
	if stats.RejectedCalls != 1 {
		t.Errorf("stats = %+v, want 1 rejected", stats)
	}
}

func TestMediaFailureFailsCall(t *testing.T) {
	rig := newTestRig(t)
	rig.media.captureErr = errors.New("camera permission denied")
	ctx := context.Background()

	var reason string
	rig.manager.SetEventListeners(Listeners{
		CallFailed: func(id, r string) { reason = r },
	})

	if _, err := rig.manager.InitiateCall(ctx, "bob", TypeVideo); err == nil {
		t.Fatal("InitiateCall should surface the acquisition error")
	}
	if reason == "" {
		t.Error("CallFailed should fire with a reason")
	}
	stats := rig.manager.Stats()
	if stats.FailedCalls != 1 {
		t.Errorf("stats = %+v, want 1 failed", stats)
	}
}

func TestReconnectionRecoversFailedCall(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	callID, _ := rig.manager.InitiateCall(ctx, "bob", TypeAudio)
	rig.channel.deliver(mustMessage(t, signaling.KindCallAccept, callID, "bob",
		signaling.CallResponsePayload{Accepted: true}))
	rig.media.firePeerState("bob", webrtc.PeerConnectionStateConnected)

	// The transport drops.
	rig.media.firePeerState("bob", webrtc.PeerConnectionStateFailed)
	s, ok := rig.manager.Session(callID)
	if !ok || s.State != StateFailed {
		t.Fatalf("state = %v, want failed session still registered", s.State)
	}

	// The adaptation engine invokes the installed reconnect hook.
	if err := rig.adapt.reconnect(ctx, callID, "bob"); err != nil {
		t.Fatalf("reconnect hook failed: %v", err)
	}
	s, _ = rig.manager.Session(callID)
	if s.State != StateConnecting {
		t.Fatalf("state after reconnect = %s, want connecting", s.State)
	}

	rig.media.firePeerState("bob", webrtc.PeerConnectionStateConnected)
	s, _ = rig.manager.Session(callID)
	if s.State != StateConnected {
		t.Errorf("state = %s, want connected after recovery", s.State)
	}

	// The failure was already counted; recovery must not add a second
	// terminal outcome.
	stats := rig.manager.Stats()
	if stats.TotalCalls != 1 || stats.FailedCalls != 1 {
		t.Errorf("stats = %+v, want 1 total / 1 failed", stats)
	}
}

func TestNewCallSupersedesFailedOne(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	var timeoutFns []func()
	rig.manager.afterFunc = func(d time.Duration, f func()) *time.Timer {
		timeoutFns = append(timeoutFns, f)
		return time.AfterFunc(time.Hour, func() {})
	}

	failedID, _ := rig.manager.InitiateCall(ctx, "bob", TypeAudio)
	timeoutFns[0]()

	// The failed session lingers but does not block a new call.
	newID, err := rig.manager.InitiateCall(ctx, "carol", TypeAudio)
	if err != nil {
		t.Fatalf("new call after failure should succeed: %v", err)
	}
	if _, ok := rig.manager.Session(failedID); ok {
		t.Error("failed session should be evicted when superseded")
	}
	if _, ok := rig.manager.Session(newID); !ok {
		t.Error("new session should be registered")
	}
}

func TestDestroyReleasesEverything(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	callID, _ := rig.manager.InitiateCall(ctx, "bob", TypeAudio)

	rig.manager.Destroy()

	if _, ok := rig.manager.Session(callID); ok {
		t.Error("sessions should be gone after destroy")
	}
	if !rig.media.closedAll {
		t.Error("media engine should be closed")
	}
	if rig.adapt.shutdowns != 1 {
		t.Errorf("adaptation shutdowns = %d, want 1", rig.adapt.shutdowns)
	}
	if _, err := rig.manager.InitiateCall(ctx, "bob", TypeAudio); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("calls after destroy should fail: %v", err)
	}
}

func TestAvailableCameras(t *testing.T) {
	rig := newTestRig(t)

	cams, err := rig.manager.AvailableCameras(context.Background())
	if err != nil {
		t.Fatalf("AvailableCameras failed: %v", err)
	}
	if len(cams) != 1 || cams[0].ID != "default" {
		t.Errorf("cameras = %+v", cams)
	}
}
