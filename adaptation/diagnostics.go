package adaptation

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrProfileNotFound indicates no video profile is configured for the
// selected quality level.
var ErrProfileNotFound = errors.New("video profile not found")

// Issue is one problem surfaced by diagnostics.
type Issue struct {
	Code     string `json:"code"`
	Severity string `json:"severity"` // "warning" or "critical"
	Detail   string `json:"detail"`
}

// DiagnosticsReport is the outcome of a one-shot network diagnosis. It
// is purely informational; running diagnostics never changes call or
// media state.
type DiagnosticsReport struct {
	Metrics         Metrics   `json:"metrics"`
	Level           Level     `json:"level"`
	ConnectionType  string    `json:"connection_type"`
	Issues          []Issue   `json:"issues"`
	Recommendations []string  `json:"recommendations"`
	Timestamp       time.Time `json:"timestamp"`
}

// RunDiagnostics measures the connection once, classifies it and
// assembles a report of detected issues with remediation hints. The
// report is read-only: no adaptive action is triggered.
func (e *Engine) RunDiagnostics(ctx context.Context, userID string) DiagnosticsReport {
	sample := e.Measure(ctx, userID)

	report := DiagnosticsReport{
		Metrics:        sample.Metrics,
		Level:          sample.Level,
		ConnectionType: sample.ConnectionType,
		Timestamp:      sample.Timestamp,
	}

	e.mu.RLock()
	t := e.thresholds
	e.mu.RUnlock()

	if sample.Level == LevelUnknown {
		report.Issues = append(report.Issues, Issue{
			Code:     "measurement_failed",
			Severity: "critical",
			Detail:   "could not read connection statistics",
		})
		report.Recommendations = append(report.Recommendations,
			"verify the call has an established peer connection")
		return report
	}

	if sample.BandwidthKbps < t.good.MinBandwidthKbps {
		severity := "warning"
		if sample.BandwidthKbps < t.fair.MinBandwidthKbps {
			severity = "critical"
		}
		report.Issues = append(report.Issues, Issue{
			Code:     "low_bandwidth",
			Severity: severity,
			Detail:   "available bandwidth below video-call comfort threshold",
		})
		report.Recommendations = append(report.Recommendations,
			"close other bandwidth-heavy applications or switch to audio only")
	}

	if sample.LatencyMs > t.good.MaxLatencyMs {
		severity := "warning"
		if sample.LatencyMs > t.fair.MaxLatencyMs {
			severity = "critical"
		}
		report.Issues = append(report.Issues, Issue{
			Code:     "high_latency",
			Severity: severity,
			Detail:   "round-trip time is high enough to affect conversation flow",
		})
		report.Recommendations = append(report.Recommendations,
			"prefer a wired or closer network connection")
	}

	if sample.PacketLoss > t.good.MaxPacketLoss {
		severity := "warning"
		if sample.PacketLoss > t.fair.MaxPacketLoss {
			severity = "critical"
		}
		report.Issues = append(report.Issues, Issue{
			Code:     "packet_loss",
			Severity: severity,
			Detail:   "packet loss is degrading media quality",
		})
		report.Recommendations = append(report.Recommendations,
			"check for wireless interference or congested links")
	}

	if sample.JitterMs > 30 {
		report.Issues = append(report.Issues, Issue{
			Code:     "high_jitter",
			Severity: "warning",
			Detail:   "packet arrival variance exceeds comfortable bounds for audio",
		})
		report.Recommendations = append(report.Recommendations,
			"reduce concurrent network load on this link")
	}

	logrus.WithFields(logrus.Fields{
		"function": "RunDiagnostics",
		"user_id":  userID,
		"level":    sample.Level.String(),
		"issues":   len(report.Issues),
	}).Info("Network diagnostics completed")

	return report
}
