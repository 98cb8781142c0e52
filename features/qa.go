package features

import (
	"fmt"
	"math"

	"github.com/RyanBlaney/echoprobe/algorithms/common"
)

// QA status values in priority order: clipping beats silence beats
// low-level, and only one warning is reported.
const (
	QAStatusOK       = "ok"
	QAStatusClipping = "warn_clipping"
	QAStatusSilence  = "warn_silence"
	QAStatusLowLevel = "warn_low_level"
	QAStatusUnknown  = "unknown"
	QAGatePass       = "pass"

	// QAGateFailMissingAudio is the gate before any signal was analyzed.
	QAGateFailMissingAudio = "fail_missing_audio"
)

// silenceSampleThreshold marks a sample as silent for the silence ratio.
const silenceSampleThreshold = 1e-4

// QAThresholds configures the quality gates.
type QAThresholds struct {
	ClipPeak      float64 `json:"clip_peak_threshold"`
	SilenceRatio  float64 `json:"silence_ratio_threshold"`
	LowLevelDBFS  float64 `json:"low_level_dbfs_threshold"`
}

// DefaultQAThresholds returns the production gate settings.
func DefaultQAThresholds() QAThresholds {
	return QAThresholds{
		ClipPeak:     0.999,
		SilenceRatio: 0.9,
		LowLevelDBFS: -40.0,
	}
}

// QAPolicy resolves a named threshold preset. Unknown names fall back to
// the default policy.
func QAPolicy(name string) QAThresholds {
	switch name {
	case "strict":
		return QAThresholds{ClipPeak: 0.99, SilenceRatio: 0.5, LowLevelDBFS: -30.0}
	case "lenient":
		return QAThresholds{ClipPeak: 1.0, SilenceRatio: 0.98, LowLevelDBFS: -55.0}
	default:
		return DefaultQAThresholds()
	}
}

// QAMetrics carries measured levels plus the thresholds they were judged
// against, so records stay auditable after threshold changes.
type QAMetrics struct {
	PeakDBFS              float64 `json:"peak_dbfs"`
	RMSDBFS               float64 `json:"rms_dbfs"`
	Clipping              bool    `json:"clipping"`
	SilenceRatio          float64 `json:"silence_ratio"`
	ClipPeakThreshold     float64 `json:"clip_peak_threshold"`
	SilenceRatioThreshold float64 `json:"silence_ratio_threshold"`
	LowLevelDBFSThreshold float64 `json:"low_level_dbfs_threshold"`
	Status                string  `json:"status"`
	Gate                  string  `json:"gate"`
}

// ComputeQAMetrics measures peak, RMS, clipping and silence on the raw
// (pre-normalization) mono signal.
func ComputeQAMetrics(signal []float64, thresholds QAThresholds) *QAMetrics {
	m := &QAMetrics{
		ClipPeakThreshold:     thresholds.ClipPeak,
		SilenceRatioThreshold: thresholds.SilenceRatio,
		LowLevelDBFSThreshold: thresholds.LowLevelDBFS,
	}
	if len(signal) == 0 {
		m.PeakDBFS = math.Inf(-1)
		m.RMSDBFS = math.Inf(-1)
		m.SilenceRatio = 1.0
		return m
	}

	peak := common.Peak(signal)
	rms := common.RMS(signal)

	m.PeakDBFS = 20.0 * math.Log10(peak+1e-12)
	m.RMSDBFS = 20.0 * math.Log10(rms+1e-12)
	m.Clipping = peak >= thresholds.ClipPeak

	silent := 0
	for _, v := range signal {
		if math.Abs(v) < silenceSampleThreshold {
			silent++
		}
	}
	m.SilenceRatio = float64(silent) / float64(len(signal))

	return m
}

// DetermineQAStatus derives the status and gate from measured metrics.
// Clipping is warn-only unless failOnClippingDBFS is set and the peak
// reaches it, which hard-fails regardless of strict mode.
func DetermineQAStatus(m *QAMetrics, failOnClippingDBFS *float64) (string, string, error) {
	status := QAStatusOK
	switch {
	case m.Clipping:
		status = QAStatusClipping
		if failOnClippingDBFS != nil && m.PeakDBFS >= *failOnClippingDBFS {
			return status, status, fmt.Errorf(
				"clipping error - peak_dbfs=%.2f exceeds fail_on_clipping_dbfs=%v",
				m.PeakDBFS, *failOnClippingDBFS)
		}
	case m.SilenceRatio > m.SilenceRatioThreshold:
		status = QAStatusSilence
	case m.RMSDBFS < m.LowLevelDBFSThreshold:
		status = QAStatusLowLevel
	}

	gate := QAGatePass
	if status != QAStatusOK {
		gate = status
	}
	return status, gate, nil
}

// ValidateQAStrict converts any non-ok status into a hard failure.
func ValidateQAStrict(m *QAMetrics, status string) error {
	if status == QAStatusOK {
		return nil
	}
	return fmt.Errorf("strict QA failed (%s) peak_dbfs=%.2f rms_dbfs=%.2f silence_ratio=%.3f",
		status, m.PeakDBFS, m.RMSDBFS, m.SilenceRatio)
}
