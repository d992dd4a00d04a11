package adaptation

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/voicelink/callkit/config"
)

// AdjustBitrate selects the video profile matching the call's current
// quality level and applies it to the peer connection. A call without a
// peer connection, an unknown level, or a profile already in effect all
// make this a no-op. Frame rate and resolution travel with the profile,
// so AdjustFrameRate and AdjustResolution delegate here.
func (e *Engine) AdjustBitrate(ctx context.Context, callID, userID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	e.mu.RLock()
	mediaCtl := e.media
	cfg := e.cfg
	e.mu.RUnlock()

	if mediaCtl == nil || !mediaCtl.HasPeerConnection(userID) {
		return nil
	}

	level := e.CurrentLevel(callID)
	if level == LevelUnknown {
		return nil
	}

	profileName := config.ProfileNameForLevel(level.String())
	profile, err := cfg.VideoProfile(profileName)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, profileName)
	}

	if err := mediaCtl.ApplyVideoProfile(userID, profile); err != nil {
		return fmt.Errorf("failed to apply video profile %q: %w", profileName, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "AdjustBitrate",
		"call_id":  callID,
		"level":    level.String(),
		"profile":  profileName,
		"bitrate":  profile.BitrateKbps,
	}).Debug("Video profile applied for quality level")

	return nil
}

// AdjustFrameRate applies the frame rate of the level-appropriate
// profile. Profiles bundle bitrate, frame rate and resolution, so this
// shares the AdjustBitrate path.
func (e *Engine) AdjustFrameRate(ctx context.Context, callID, userID string) error {
	return e.AdjustBitrate(ctx, callID, userID)
}

// AdjustResolution applies the resolution of the level-appropriate
// profile. Shares the AdjustBitrate path.
func (e *Engine) AdjustResolution(ctx context.Context, callID, userID string) error {
	return e.AdjustBitrate(ctx, callID, userID)
}

// SwitchToAudioOnly disables the outgoing video track for a call as a
// last-resort fallback under poor conditions. Returns whether video was
// actually disabled; already-audio-only calls report false.
func (e *Engine) SwitchToAudioOnly(callID string) bool {
	e.mu.Lock()
	mon, ok := e.monitors[callID]
	if !ok || mon.audioOnly {
		e.mu.Unlock()
		return false
	}
	mediaCtl := e.media
	e.mu.Unlock()

	if mediaCtl == nil || !mediaCtl.SetTrackEnabled("video", false) {
		return false
	}

	e.mu.Lock()
	if mon, ok := e.monitors[callID]; ok {
		mon.audioOnly = true
	}
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SwitchToAudioOnly",
		"call_id":  callID,
	}).Warn("Switched call to audio only due to network conditions")

	return true
}

// RestoreVideo re-enables the outgoing video track after an audio-only
// fallback. Returns whether video was actually restored.
func (e *Engine) RestoreVideo(callID string) bool {
	e.mu.Lock()
	mon, ok := e.monitors[callID]
	if !ok || !mon.audioOnly {
		e.mu.Unlock()
		return false
	}
	mediaCtl := e.media
	e.mu.Unlock()

	if mediaCtl == nil || !mediaCtl.SetTrackEnabled("video", true) {
		return false
	}

	e.mu.Lock()
	if mon, ok := e.monitors[callID]; ok {
		mon.audioOnly = false
	}
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "RestoreVideo",
		"call_id":  callID,
	}).Info("Restored video after audio-only fallback")

	return true
}

// AudioOnly reports whether the call is currently in audio-only fallback.
func (e *Engine) AudioOnly(callID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	mon, ok := e.monitors[callID]
	return ok && mon.audioOnly
}

// AttemptReconnection tries to re-establish the media path for a call by
// delegating to the installed reconnect hook. It reports success as a
// boolean and never propagates the underlying error to the caller; the
// failure detail goes to the log.
func (e *Engine) AttemptReconnection(ctx context.Context, callID, userID string) bool {
	e.mu.RLock()
	reconnect := e.reconnect
	e.mu.RUnlock()

	if reconnect == nil {
		logrus.WithFields(logrus.Fields{
			"function": "AttemptReconnection",
			"call_id":  callID,
		}).Warn("No reconnect hook installed")
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function": "AttemptReconnection",
		"call_id":  callID,
		"user_id":  userID,
	}).Info("Attempting media reconnection")

	if err := reconnect(ctx, callID, userID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AttemptReconnection",
			"call_id":  callID,
			"error":    err.Error(),
		}).Warn("Reconnection attempt failed")
		return false
	}

	return true
}
