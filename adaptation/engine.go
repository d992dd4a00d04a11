// Package adaptation measures network quality, classifies it against
// configured threshold bands and drives adaptive actions on the media
// engine: encoding profile changes, audio-only fallback and
// reconnection. A periodic monitor loop per call feeds a bounded sample
// history used for degradation detection and bandwidth prediction.
//
// Design posture follows proven practice: simple threshold tables over
// learned models, react quickly to degradation, recover conservatively.
// Measurement never fails hard; a failed probe yields an unknown-level
// sample so monitoring keeps running.
package adaptation

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voicelink/callkit/config"
	"github.com/voicelink/callkit/media"
)

// Level classifies network quality. Higher values are worse, except
// LevelUnknown which is outside the ordering entirely.
type Level int

const (
	// LevelExcellent indicates headroom for the highest profiles.
	LevelExcellent Level = iota
	// LevelGood indicates conditions suitable for high-quality video.
	LevelGood
	// LevelFair indicates noticeable constraint; medium profiles apply.
	LevelFair
	// LevelPoor indicates severe constraint; lowest profiles apply.
	LevelPoor
	// LevelUnknown indicates measurement failed or has not run yet.
	LevelUnknown
)

// String returns the lowercase level name used in callbacks and logs.
func (l Level) String() string {
	switch l {
	case LevelExcellent:
		return "excellent"
	case LevelGood:
		return "good"
	case LevelFair:
		return "fair"
	case LevelPoor:
		return "poor"
	default:
		return "unknown"
	}
}

// worseThan reports whether l is a strictly worse level than other.
// Unknown never participates in the ordering.
func (l Level) worseThan(other Level) bool {
	if l == LevelUnknown || other == LevelUnknown {
		return false
	}
	return l > other
}

// Metrics holds one set of raw network measurements.
type Metrics struct {
	BandwidthKbps float64
	LatencyMs     float64
	PacketLoss    float64 // fraction, 0.0-1.0
	JitterMs      float64
}

// Sample is an immutable classified measurement.
type Sample struct {
	Metrics
	ConnectionType         string
	EffectiveBandwidthKbps float64
	Level                  Level
	Timestamp              time.Time
}

// DegradationEvent describes a detected quality decline over the
// detection window.
type DegradationEvent struct {
	From Level
	To   Level
	// Rate is levels lost per sample across the window.
	Rate float64
}

// MediaController is the slice of the media engine the adaptation engine
// drives. Interface-based for testability.
type MediaController interface {
	ConnectionStats(userID string) (media.ConnectionStats, error)
	ApplyVideoProfile(userID string, profile config.VideoProfile) error
	SetTrackEnabled(kind string, enabled bool) bool
	HasPeerConnection(userID string) bool
}

// ReconnectFunc re-creates and re-negotiates the peer connection for a
// call. Supplied by the call orchestrator.
type ReconnectFunc func(ctx context.Context, callID, userID string) error

const (
	historyLimit      = 30
	degradationWindow = 4
	predictionWindow  = 5
)

// bands holds the classification thresholds in best-to-worst order.
type bands struct {
	excellent config.QualityThresholds
	good      config.QualityThresholds
	fair      config.QualityThresholds
}

// callMonitor is the per-call monitoring state.
type callMonitor struct {
	userID string
	cancel context.CancelFunc

	history        []Sample
	lastLevel      Level
	lastReportedTo Level
	audioOnly      bool
}

// Engine is the network adaptation engine.
type Engine struct {
	mu sync.RWMutex

	cfg      *config.Provider
	media    MediaController
	monitors map[string]*callMonitor

	interval       time.Duration
	thresholds     bands
	connectionType func() string

	onQualityChange func(callID string, level Level)
	onDegradation   func(callID string, ev DegradationEvent)
	reconnect       ReconnectFunc
}

// NewEngine creates an adaptation engine bound to a media controller and
// a configuration provider.
func NewEngine(cfg *config.Provider, mediaCtl MediaController) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}

	excellent, _ := cfg.Thresholds("excellent")
	good, _ := cfg.Thresholds("good")
	fair, _ := cfg.Thresholds("fair")

	logrus.WithFields(logrus.Fields{
		"function": "NewEngine",
	}).Info("Creating network adaptation engine")

	return &Engine{
		cfg:      cfg,
		media:    mediaCtl,
		monitors: make(map[string]*callMonitor),
		interval: 2 * time.Second,
		thresholds: bands{
			excellent: excellent,
			good:      good,
			fair:      fair,
		},
		connectionType: func() string { return "unknown" },
	}
}

// SetMonitorInterval adjusts the monitoring tick period.
func (e *Engine) SetMonitorInterval(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interval = d
}

// SetConnectionTypeProvider installs the ambient connection-type probe
// (e.g. wifi/cellular/ethernet). Defaults to "unknown".
func (e *Engine) SetConnectionTypeProvider(fn func() string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn != nil {
		e.connectionType = fn
	}
}

// SetQualityChangeCallback registers the level-change observer.
func (e *Engine) SetQualityChangeCallback(fn func(callID string, level Level)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onQualityChange = fn
}

// SetDegradationCallback registers the degradation observer.
func (e *Engine) SetDegradationCallback(fn func(callID string, ev DegradationEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDegradation = fn
}

// SetReconnectFunc installs the re-negotiation hook used by
// AttemptReconnection.
func (e *Engine) SetReconnectFunc(fn ReconnectFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reconnect = fn
}

// Classify maps raw metrics to a quality level. Each metric is banded
// independently and the worst band wins, so a single metric crossing
// into a lower band drags the classification down with it.
func (e *Engine) Classify(m Metrics) Level {
	e.mu.RLock()
	t := e.thresholds
	e.mu.RUnlock()

	byBandwidth := LevelPoor
	switch {
	case m.BandwidthKbps >= t.excellent.MinBandwidthKbps:
		byBandwidth = LevelExcellent
	case m.BandwidthKbps >= t.good.MinBandwidthKbps:
		byBandwidth = LevelGood
	case m.BandwidthKbps >= t.fair.MinBandwidthKbps:
		byBandwidth = LevelFair
	}

	byLatency := LevelPoor
	switch {
	case m.LatencyMs <= t.excellent.MaxLatencyMs:
		byLatency = LevelExcellent
	case m.LatencyMs <= t.good.MaxLatencyMs:
		byLatency = LevelGood
	case m.LatencyMs <= t.fair.MaxLatencyMs:
		byLatency = LevelFair
	}

	byLoss := LevelPoor
	switch {
	case m.PacketLoss <= t.excellent.MaxPacketLoss:
		byLoss = LevelExcellent
	case m.PacketLoss <= t.good.MaxPacketLoss:
		byLoss = LevelGood
	case m.PacketLoss <= t.fair.MaxPacketLoss:
		byLoss = LevelFair
	}

	level := byBandwidth
	if byLatency.worseThan(level) {
		level = byLatency
	}
	if byLoss.worseThan(level) {
		level = byLoss
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Classify",
		"by_bandwidth": byBandwidth.String(),
		"by_latency":   byLatency.String(),
		"by_loss":      byLoss.String(),
		"level":        level.String(),
	}).Debug("Network quality classified")

	return level
}

// Measure probes the peer connection statistics for a remote user and
// classifies the result. It never returns an error: a failed probe
// yields an unknown-level sample with zeroed metrics.
func (e *Engine) Measure(ctx context.Context, userID string) Sample {
	e.mu.RLock()
	connType := e.connectionType
	mediaCtl := e.media
	e.mu.RUnlock()

	sample := Sample{
		ConnectionType: connType(),
		Level:          LevelUnknown,
		Timestamp:      time.Now(),
	}

	if ctx.Err() != nil || mediaCtl == nil {
		return sample
	}

	stats, err := mediaCtl.ConnectionStats(userID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Measure",
			"user_id":  userID,
			"error":    err.Error(),
		}).Warn("Network measurement failed, returning unknown sample")
		return sample
	}

	sample.BandwidthKbps = stats.AvailableOutgoingKbps
	sample.LatencyMs = float64(stats.RoundTripTime.Milliseconds())
	sample.JitterMs = stats.JitterMs
	total := stats.PacketsReceived + uint64(maxInt64(stats.PacketsLost, 0))
	if total > 0 {
		sample.PacketLoss = float64(stats.PacketsLost) / float64(total)
	}
	sample.EffectiveBandwidthKbps = effectiveBandwidth(sample.BandwidthKbps, sample.ConnectionType)
	sample.Level = e.Classify(sample.Metrics)

	return sample
}

// effectiveBandwidth discounts the raw estimate for link types that
// degrade under sustained load.
func effectiveBandwidth(kbps float64, connType string) float64 {
	switch connType {
	case "cellular", "3g", "4g":
		return kbps * 0.7
	default:
		return kbps
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// StartMonitoring begins the periodic quality loop for a call. Starting
// an already-monitored call is a no-op.
func (e *Engine) StartMonitoring(callID, userID string) {
	e.mu.Lock()
	if _, exists := e.monitors[callID]; exists {
		e.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	mon := &callMonitor{
		userID:         userID,
		cancel:         cancel,
		lastLevel:      LevelUnknown,
		lastReportedTo: LevelUnknown,
	}
	e.monitors[callID] = mon
	interval := e.interval
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "StartMonitoring",
		"call_id":  callID,
		"user_id":  userID,
		"interval": interval,
	}).Info("Network monitoring started")

	go e.monitorLoop(ctx, callID, userID, interval)
}

func (e *Engine) monitorLoop(ctx context.Context, callID, userID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample := e.Measure(ctx, userID)
			e.Ingest(callID, sample)
			e.adaptTick(ctx, callID, userID, sample)
		}
	}
}

// adaptTick applies reactive adjustments after each sample. Failures are
// logged and retried on the next tick, never surfaced.
func (e *Engine) adaptTick(ctx context.Context, callID, userID string, sample Sample) {
	if sample.Level == LevelUnknown {
		return
	}
	if err := e.AdjustBitrate(ctx, callID, userID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "adaptTick",
			"call_id":  callID,
			"error":    err.Error(),
		}).Warn("Bitrate adjustment failed, will retry next tick")
	}
}

// Ingest records a classified sample for a call, firing quality-change
// and degradation callbacks as warranted. The monitor loop calls this on
// every tick; tests may feed samples directly.
func (e *Engine) Ingest(callID string, sample Sample) {
	e.mu.Lock()
	mon, ok := e.monitors[callID]
	if !ok {
		e.mu.Unlock()
		return
	}

	mon.history = append(mon.history, sample)
	if len(mon.history) > historyLimit {
		mon.history = mon.history[1:]
	}

	levelChanged := sample.Level != mon.lastLevel
	previous := mon.lastLevel
	mon.lastLevel = sample.Level

	var degradation *DegradationEvent
	if len(mon.history) >= degradationWindow {
		oldest := mon.history[len(mon.history)-degradationWindow]
		if sample.Level.worseThan(oldest.Level) && sample.Level.worseThan(mon.lastReportedTo) ||
			sample.Level.worseThan(oldest.Level) && mon.lastReportedTo == LevelUnknown {
			degradation = &DegradationEvent{
				From: oldest.Level,
				To:   sample.Level,
				Rate: float64(sample.Level-oldest.Level) / float64(degradationWindow-1),
			}
			mon.lastReportedTo = sample.Level
		}
	}
	// A recovery re-arms degradation reporting.
	if mon.lastReportedTo != LevelUnknown && mon.lastReportedTo.worseThan(sample.Level) {
		mon.lastReportedTo = LevelUnknown
	}

	qualityCb := e.onQualityChange
	degradationCb := e.onDegradation
	e.mu.Unlock()

	if levelChanged && qualityCb != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Ingest",
			"call_id":   callID,
			"old_level": previous.String(),
			"new_level": sample.Level.String(),
		}).Info("Network quality level changed")
		qualityCb(callID, sample.Level)
	}
	if degradation != nil && degradationCb != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Ingest",
			"call_id":  callID,
			"from":     degradation.From.String(),
			"to":       degradation.To.String(),
			"rate":     degradation.Rate,
		}).Warn("Network degradation detected")
		degradationCb(callID, *degradation)
	}
}

// StopMonitoring cancels the quality loop for a call and discards its
// history. Stopping an unmonitored call is a no-op.
func (e *Engine) StopMonitoring(callID string) {
	e.mu.Lock()
	mon, ok := e.monitors[callID]
	if ok {
		delete(e.monitors, callID)
	}
	e.mu.Unlock()

	if ok {
		mon.cancel()
		logrus.WithFields(logrus.Fields{
			"function": "StopMonitoring",
			"call_id":  callID,
		}).Info("Network monitoring stopped")
	}
}

// CurrentLevel returns the most recent classified level for a call, or
// LevelUnknown when the call is not monitored or has no samples yet.
func (e *Engine) CurrentLevel(callID string) Level {
	e.mu.RLock()
	defer e.mu.RUnlock()

	mon, ok := e.monitors[callID]
	if !ok {
		return LevelUnknown
	}
	return mon.lastLevel
}

// History returns a copy of the bounded sample history for a call.
func (e *Engine) History(callID string) []Sample {
	e.mu.RLock()
	defer e.mu.RUnlock()

	mon, ok := e.monitors[callID]
	if !ok {
		return nil
	}
	out := make([]Sample, len(mon.history))
	copy(out, mon.history)
	return out
}

// PredictBandwidth estimates near-future bandwidth from recent samples
// using a trend-aware average: the mean of the prediction window shifted
// by half the observed slope. Returns 0 when no usable history exists.
func (e *Engine) PredictBandwidth(callID string) float64 {
	history := e.History(callID)
	if len(history) == 0 {
		return 0
	}

	start := len(history) - predictionWindow
	if start < 0 {
		start = 0
	}
	window := history[start:]

	var sum float64
	for _, s := range window {
		sum += s.EffectiveBandwidthKbps
	}
	avg := sum / float64(len(window))

	trend := 0.0
	if len(window) > 1 {
		trend = (window[len(window)-1].EffectiveBandwidthKbps - window[0].EffectiveBandwidthKbps) / 2.0
	}

	predicted := avg + trend
	if predicted < 0 {
		predicted = 0
	}
	return predicted
}

// Shutdown stops every monitor loop.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	monitors := e.monitors
	e.monitors = make(map[string]*callMonitor)
	e.mu.Unlock()

	for callID, mon := range monitors {
		mon.cancel()
		logrus.WithFields(logrus.Fields{
			"function": "Shutdown",
			"call_id":  callID,
		}).Debug("Monitor cancelled during shutdown")
	}
}
