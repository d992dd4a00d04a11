package adaptation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAdjustBitrateAppliesLevelProfile(t *testing.T) {
	ctl := newMockController()
	e := newTestEngine(ctl)

	e.StartMonitoring("call-1", "bob")
	defer e.StopMonitoring("call-1")
	e.Ingest("call-1", levelSample(LevelPoor))

	if err := e.AdjustBitrate(context.Background(), "call-1", "bob"); err != nil {
		t.Fatalf("AdjustBitrate failed: %v", err)
	}

	profile, ok := ctl.appliedProfile("bob")
	if !ok {
		t.Fatal("no profile applied")
	}
	// Poor maps to the low profile.
	if profile.BitrateKbps != 250 {
		t.Errorf("applied bitrate = %d, want 250", profile.BitrateKbps)
	}
}

func TestAdjustBitrateNoOpWithoutPeerConnection(t *testing.T) {
	ctl := newMockController()
	ctl.hasPC = false
	e := newTestEngine(ctl)

	e.StartMonitoring("call-1", "bob")
	defer e.StopMonitoring("call-1")
	e.Ingest("call-1", levelSample(LevelPoor))

	if err := e.AdjustBitrate(context.Background(), "call-1", "bob"); err != nil {
		t.Fatalf("AdjustBitrate should no-op: %v", err)
	}
	if _, ok := ctl.appliedProfile("bob"); ok {
		t.Error("no profile should be applied without a peer connection")
	}
}

func TestAdjustBitrateNoOpAtUnknownLevel(t *testing.T) {
	ctl := newMockController()
	e := newTestEngine(ctl)

	e.StartMonitoring("call-1", "bob")
	defer e.StopMonitoring("call-1")

	if err := e.AdjustBitrate(context.Background(), "call-1", "bob"); err != nil {
		t.Fatalf("AdjustBitrate should no-op: %v", err)
	}
	if _, ok := ctl.appliedProfile("bob"); ok {
		t.Error("no profile should be applied at unknown level")
	}
}

func TestAdjustmentsSafeAfterCallEnd(t *testing.T) {
	ctl := newMockController()
	e := newTestEngine(ctl)

	e.StartMonitoring("call-1", "bob")
	e.Ingest("call-1", levelSample(LevelFair))
	e.StopMonitoring("call-1")

	ctx := context.Background()
	if err := e.AdjustBitrate(ctx, "call-1", "bob"); err != nil {
		t.Errorf("AdjustBitrate after end: %v", err)
	}
	if err := e.AdjustFrameRate(ctx, "call-1", "bob"); err != nil {
		t.Errorf("AdjustFrameRate after end: %v", err)
	}
	if err := e.AdjustResolution(ctx, "call-1", "bob"); err != nil {
		t.Errorf("AdjustResolution after end: %v", err)
	}
	if e.SwitchToAudioOnly("call-1") {
		t.Error("SwitchToAudioOnly should report false after end")
	}
	if e.RestoreVideo("call-1") {
		t.Error("RestoreVideo should report false after end")
	}
}

func TestAudioOnlyFallbackAndRestore(t *testing.T) {
	ctl := newMockController()
	e := newTestEngine(ctl)

	e.StartMonitoring("call-1", "bob")
	defer e.StopMonitoring("call-1")

	if !e.SwitchToAudioOnly("call-1") {
		t.Fatal("first SwitchToAudioOnly should succeed")
	}
	if !e.AudioOnly("call-1") {
		t.Error("AudioOnly should report true")
	}
	if ctl.tracks["video"] {
		t.Error("video track should be disabled")
	}
	if e.SwitchToAudioOnly("call-1") {
		t.Error("redundant SwitchToAudioOnly should report false")
	}

	if !e.RestoreVideo("call-1") {
		t.Fatal("RestoreVideo should succeed")
	}
	if !ctl.tracks["video"] {
		t.Error("video track should be re-enabled")
	}
	if e.RestoreVideo("call-1") {
		t.Error("redundant RestoreVideo should report false")
	}
}

func TestAudioOnlyFallbackWithoutVideoTrack(t *testing.T) {
	ctl := newMockController()
	ctl.trackOK = false
	e := newTestEngine(ctl)

	e.StartMonitoring("call-1", "bob")
	defer e.StopMonitoring("call-1")

	if e.SwitchToAudioOnly("call-1") {
		t.Error("SwitchToAudioOnly should report false when no track exists")
	}
}

func TestAttemptReconnection(t *testing.T) {
	e := newTestEngine(newMockController())
	ctx := context.Background()

	if e.AttemptReconnection(ctx, "call-1", "bob") {
		t.Error("should report false without a reconnect hook")
	}

	e.SetReconnectFunc(func(ctx context.Context, callID, userID string) error {
		return errors.New("negotiation failed")
	})
	if e.AttemptReconnection(ctx, "call-1", "bob") {
		t.Error("should report false when the hook fails")
	}

	var gotCall, gotUser string
	e.SetReconnectFunc(func(ctx context.Context, callID, userID string) error {
		gotCall, gotUser = callID, userID
		return nil
	})
	if !e.AttemptReconnection(ctx, "call-1", "bob") {
		t.Error("should report true when the hook succeeds")
	}
	if gotCall != "call-1" || gotUser != "bob" {
		t.Errorf("hook received (%s, %s), want (call-1, bob)", gotCall, gotUser)
	}
}

func TestRunDiagnosticsMeasurementFailure(t *testing.T) {
	ctl := newMockController()
	ctl.statsErr = errors.New("no connection")
	e := newTestEngine(ctl)

	report := e.RunDiagnostics(context.Background(), "bob")
	if report.Level != LevelUnknown {
		t.Errorf("Level = %s, want unknown", report.Level)
	}
	if len(report.Issues) != 1 || report.Issues[0].Code != "measurement_failed" {
		t.Errorf("issues = %+v, want one measurement_failed", report.Issues)
	}
	if report.Issues[0].Severity != "critical" {
		t.Errorf("severity = %s, want critical", report.Issues[0].Severity)
	}
	if len(report.Recommendations) == 0 {
		t.Error("report should carry a recommendation")
	}
}

func TestRunDiagnosticsHealthyConnection(t *testing.T) {
	ctl := newMockController()
	ctl.stats.AvailableOutgoingKbps = 3000
	ctl.stats.RoundTripTime = 20 * time.Millisecond
	ctl.stats.PacketsReceived = 1000
	e := newTestEngine(ctl)

	report := e.RunDiagnostics(context.Background(), "bob")
	if report.Level != LevelExcellent {
		t.Errorf("Level = %s, want excellent", report.Level)
	}
	if len(report.Issues) != 0 {
		t.Errorf("healthy connection should have no issues, got %+v", report.Issues)
	}
}

func TestRunDiagnosticsDetectsProblems(t *testing.T) {
	ctl := newMockController()
	ctl.stats.AvailableOutgoingKbps = 100
	ctl.stats.RoundTripTime = 600 * time.Millisecond
	ctl.stats.PacketsReceived = 850
	ctl.stats.PacketsLost = 150
	e := newTestEngine(ctl)

	report := e.RunDiagnostics(context.Background(), "bob")
	if report.Level != LevelPoor {
		t.Errorf("Level = %s, want poor", report.Level)
	}

	codes := make(map[string]string)
	for _, issue := range report.Issues {
		codes[issue.Code] = issue.Severity
	}
	for _, want := range []string{"low_bandwidth", "high_latency", "packet_loss"} {
		if sev, ok := codes[want]; !ok {
			t.Errorf("missing issue %s", want)
		} else if sev != "critical" {
			t.Errorf("issue %s severity = %s, want critical", want, sev)
		}
	}
}
