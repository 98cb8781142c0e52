package features

import (
	"math"
	"strings"
	"testing"
)

func TestComputeQAMetricsEmptySignal(t *testing.T) {
	m := ComputeQAMetrics(nil, DefaultQAThresholds())

	if !math.IsInf(m.PeakDBFS, -1) || !math.IsInf(m.RMSDBFS, -1) {
		t.Errorf("empty signal levels = (%v, %v), want -Inf", m.PeakDBFS, m.RMSDBFS)
	}
	if m.SilenceRatio != 1.0 {
		t.Errorf("empty signal silence ratio = %v, want 1.0", m.SilenceRatio)
	}
	if m.Clipping {
		t.Error("empty signal must not report clipping")
	}
}

func TestDetermineQAStatusPriority(t *testing.T) {
	thresholds := DefaultQAThresholds()

	tests := []struct {
		name       string
		signal     []float64
		wantStatus string
	}{
		{
			name:       "clipping wins over silence",
			signal:     append(make([]float64, 10000), 1.0),
			wantStatus: QAStatusClipping,
		},
		{
			name:       "silence without clipping",
			signal:     append(make([]float64, 950), repeated(0.5, 50)...),
			wantStatus: QAStatusSilence,
		},
		{
			name:       "low level without silence",
			signal:     repeated(0.001, 1000),
			wantStatus: QAStatusLowLevel,
		},
		{
			name:       "healthy signal",
			signal:     repeated(0.1, 1000),
			wantStatus: QAStatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ComputeQAMetrics(tt.signal, thresholds)
			status, gate, err := DetermineQAStatus(m, nil)
			if err != nil {
				t.Fatalf("DetermineQAStatus failed: %v", err)
			}
			if status != tt.wantStatus {
				t.Errorf("status = %q, want %q", status, tt.wantStatus)
			}
			wantGate := QAGatePass
			if tt.wantStatus != QAStatusOK {
				wantGate = tt.wantStatus
			}
			if gate != wantGate {
				t.Errorf("gate = %q, want %q", gate, wantGate)
			}
		})
	}
}

func TestDetermineQAStatusFailOnClipping(t *testing.T) {
	m := ComputeQAMetrics(append(make([]float64, 100), 1.0), DefaultQAThresholds())
	failAt := -1.0

	status, gate, err := DetermineQAStatus(m, &failAt)
	if err == nil {
		t.Fatal("expected hard failure for clipping above the fail threshold")
	}
	if !strings.Contains(err.Error(), "clipping error") {
		t.Errorf("error = %q, want clipping error message", err.Error())
	}
	if status != QAStatusClipping || gate != QAStatusClipping {
		t.Errorf("(status, gate) = (%q, %q), want clipping", status, gate)
	}

	// Below the fail threshold clipping stays a warning.
	lowFail := 6.0
	status, _, err = DetermineQAStatus(m, &lowFail)
	if err != nil {
		t.Fatalf("clipping under the fail threshold must not error: %v", err)
	}
	if status != QAStatusClipping {
		t.Errorf("status = %q, want %q", status, QAStatusClipping)
	}
}

func TestValidateQAStrict(t *testing.T) {
	m := ComputeQAMetrics(repeated(0.1, 1000), DefaultQAThresholds())

	if err := ValidateQAStrict(m, QAStatusOK); err != nil {
		t.Errorf("ok status must pass strict validation: %v", err)
	}

	err := ValidateQAStrict(m, QAStatusSilence)
	if err == nil {
		t.Fatal("warning status must fail strict validation")
	}
	if !strings.Contains(err.Error(), "strict QA failed") {
		t.Errorf("error = %q, want strict QA failure message", err.Error())
	}
}

func TestQAPolicy(t *testing.T) {
	strict := QAPolicy("strict")
	if strict.ClipPeak != 0.99 || strict.SilenceRatio != 0.5 || strict.LowLevelDBFS != -30.0 {
		t.Errorf("strict policy = %+v", strict)
	}

	lenient := QAPolicy("lenient")
	if lenient.ClipPeak != 1.0 || lenient.SilenceRatio != 0.98 || lenient.LowLevelDBFS != -55.0 {
		t.Errorf("lenient policy = %+v", lenient)
	}

	if QAPolicy("nonsense") != DefaultQAThresholds() {
		t.Error("unknown policy name must fall back to defaults")
	}
}

func repeated(value float64, count int) []float64 {
	out := make([]float64, count)
	for i := range out {
		out[i] = value
	}
	return out
}
