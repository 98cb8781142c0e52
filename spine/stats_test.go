package spine

import (
	"math"
	"strings"
	"testing"
)

func TestComputeStatsAndZScore(t *testing.T) {
	rows := []Row{
		{Tempo: 100, Valence: 0.4, Energy: 0.6, Loudness: -12},
		{Tempo: 120, Valence: 0.6, Energy: 0.6, Loudness: -8},
	}
	s := ComputeStats(rows)

	if s.Tempo.Mean != 110 || s.Tempo.StdDev != 10 {
		t.Errorf("tempo stats = %+v", s.Tempo)
	}
	if math.Abs(s.Valence.Mean-0.5) > 1e-9 || math.Abs(s.Valence.StdDev-0.1) > 1e-9 {
		t.Errorf("valence stats = %+v", s.Valence)
	}

	if got := ZScore(130, s.Tempo); got != 2 {
		t.Errorf("ZScore(130) = %v, want 2", got)
	}
	if got := ZScore(90, s.Tempo); got != -2 {
		t.Errorf("ZScore(90) = %v, want -2", got)
	}

	// A degenerate axis contributes nothing instead of dividing by zero.
	if got := ZScore(0.9, s.Energy); got != 0 {
		t.Errorf("ZScore on zero-spread axis = %v, want 0", got)
	}
}

func TestValidBPM(t *testing.T) {
	tests := []struct {
		bpm  float64
		want bool
	}{
		{120, true},
		{399.9, true},
		{400, false},
		{0, false},
		{-5, false},
		{math.NaN(), false},
	}
	for _, tt := range tests {
		if got := ValidBPM(tt.bpm); got != tt.want {
			t.Errorf("ValidBPM(%v) = %v, want %v", tt.bpm, got, tt.want)
		}
	}
}

func TestBinCounts(t *testing.T) {
	counts := BinCounts([]float64{90, 92, 92, math.NaN(), 500}, 2.0)

	if len(counts) != 2 {
		t.Fatalf("counts = %v, want 2 bins", counts)
	}
	if counts[91] != 1 || counts[93] != 2 {
		t.Errorf("counts = %v, want 91:1 93:2", counts)
	}
}

func TestComputeLaneStats(t *testing.T) {
	bpms := []float64{90, 92, 92, 94, 95, 100, 102}

	lane, err := ComputeLaneStats(Tier1Modern, bpms, 2.0)
	if err != nil {
		t.Fatalf("ComputeLaneStats failed: %v", err)
	}

	if lane.LaneID != Tier1Modern || lane.BinWidth != 2.0 {
		t.Errorf("lane identity = (%q, %v)", lane.LaneID, lane.BinWidth)
	}
	if lane.MedianBPM != 94 {
		t.Errorf("median = %v, want 94", lane.MedianBPM)
	}
	if math.Abs(lane.IQRLow-92) > 1e-9 || math.Abs(lane.IQRHigh-97.5) > 1e-9 {
		t.Errorf("IQR = (%v, %v), want (92, 97.5)", lane.IQRLow, lane.IQRHigh)
	}
	// Bins 93 and 95 tie at two hits each and are adjacent, so the peak
	// cluster spans both bins with half-bin margins.
	if lane.PeakClusterMin != 92 || lane.PeakClusterMax != 96 {
		t.Errorf("peak cluster = (%v, %v), want (92, 96)", lane.PeakClusterMin, lane.PeakClusterMax)
	}
	if lane.TotalHits != 7 {
		t.Errorf("total hits = %d, want 7", lane.TotalHits)
	}
}

func TestComputeLaneStatsClusterTieBreak(t *testing.T) {
	// Two separated max-count clusters; the one nearer the median wins.
	bpms := []float64{80, 80, 120, 120, 100}

	lane, err := ComputeLaneStats(Tier1Modern, bpms, 2.0)
	if err != nil {
		t.Fatalf("ComputeLaneStats failed: %v", err)
	}
	if lane.MedianBPM != 100 {
		t.Fatalf("median = %v, want 100", lane.MedianBPM)
	}
	if lane.PeakClusterMin != 80 || lane.PeakClusterMax != 82 {
		t.Errorf("peak cluster = (%v, %v), want (80, 82)", lane.PeakClusterMin, lane.PeakClusterMax)
	}
}

func TestComputeLaneStatsDefaultsBinWidth(t *testing.T) {
	lane, err := ComputeLaneStats(Tier1Modern, []float64{100, 104}, 0)
	if err != nil {
		t.Fatalf("ComputeLaneStats failed: %v", err)
	}
	if lane.BinWidth != DefaultBinWidth {
		t.Errorf("bin width = %v, want default %v", lane.BinWidth, DefaultBinWidth)
	}
}

func TestComputeLaneStatsEmpty(t *testing.T) {
	_, err := ComputeLaneStats(Tier2Modern, nil, 2.0)
	if err == nil {
		t.Fatal("expected error for empty lane")
	}
	if !strings.Contains(err.Error(), "has no tempo values") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestBinCenter(t *testing.T) {
	tests := []struct {
		bpm  float64
		want float64
	}{
		{90, 91},
		{91.9, 91},
		{92, 93},
		{100, 101},
	}
	for _, tt := range tests {
		if got := BinCenter(tt.bpm, 2.0); got != tt.want {
			t.Errorf("BinCenter(%v) = %v, want %v", tt.bpm, got, tt.want)
		}
	}
}
