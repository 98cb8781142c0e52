package windowing

import (
	"math"
	"testing"
)

func TestHannPeriodicCoefficients(t *testing.T) {
	h := NewHann(8, false)
	coeffs := h.GetCoefficients()

	if len(coeffs) != 8 {
		t.Fatalf("len(coeffs) = %d, want 8", len(coeffs))
	}
	if coeffs[0] != 0 {
		t.Errorf("coeffs[0] = %v, want 0", coeffs[0])
	}
	if math.Abs(coeffs[4]-1.0) > 1e-12 {
		t.Errorf("coeffs[4] = %v, want 1", coeffs[4])
	}
	// Periodic windows do not return to zero at the last sample.
	if coeffs[7] <= 0 {
		t.Errorf("coeffs[7] = %v, want > 0 for periodic window", coeffs[7])
	}

	// The periodic Hann sums to exactly N/2.
	sum := 0.0
	for _, c := range coeffs {
		sum += c
	}
	if math.Abs(sum-4.0) > 1e-12 {
		t.Errorf("sum(coeffs) = %v, want 4", sum)
	}
}

func TestHannSymmetricCoefficients(t *testing.T) {
	h := NewHann(9, true)
	coeffs := h.GetCoefficients()

	if coeffs[0] != 0 {
		t.Errorf("coeffs[0] = %v, want 0", coeffs[0])
	}
	if math.Abs(coeffs[8]) > 1e-12 {
		t.Errorf("coeffs[8] = %v, want 0 for symmetric window", coeffs[8])
	}
	if math.Abs(coeffs[4]-1.0) > 1e-12 {
		t.Errorf("coeffs[4] = %v, want 1", coeffs[4])
	}
	for i := 0; i < 4; i++ {
		if math.Abs(coeffs[i]-coeffs[8-i]) > 1e-12 {
			t.Errorf("coeffs[%d] = %v and coeffs[%d] = %v, want mirror symmetry", i, coeffs[i], 8-i, coeffs[8-i])
		}
	}
}

func TestHannApply(t *testing.T) {
	h := NewHann(8, false)
	signal := []float64{1, 1, 1, 1, 1, 1, 1, 1}

	windowed := h.Apply(signal)
	if windowed == nil {
		t.Fatal("Apply returned nil for matching length")
	}
	coeffs := h.GetCoefficients()
	for i := range windowed {
		if math.Abs(windowed[i]-coeffs[i]) > 1e-12 {
			t.Errorf("windowed[%d] = %v, want %v", i, windowed[i], coeffs[i])
		}
	}
	// The input slice must stay untouched.
	for i, v := range signal {
		if v != 1 {
			t.Fatalf("signal[%d] = %v, Apply must not modify its input", i, v)
		}
	}

	if got := h.Apply([]float64{1, 2, 3}); got != nil {
		t.Errorf("Apply with wrong length returned %v, want nil", got)
	}
}

func TestHannApplyInPlace(t *testing.T) {
	h := NewHann(8, false)

	signal := []float64{1, 1, 1, 1, 1, 1, 1, 1}
	if err := h.ApplyInPlace(signal); err != nil {
		t.Fatalf("ApplyInPlace failed: %v", err)
	}
	want := h.Apply([]float64{1, 1, 1, 1, 1, 1, 1, 1})
	for i := range signal {
		if math.Abs(signal[i]-want[i]) > 1e-12 {
			t.Errorf("signal[%d] = %v, want %v", i, signal[i], want[i])
		}
	}

	if err := h.ApplyInPlace([]float64{1, 2, 3}); err == nil {
		t.Error("expected error for mismatched signal length")
	}
}

func TestHannAccessors(t *testing.T) {
	h := NewHann(16, false)

	if got := h.GetSize(); got != 16 {
		t.Errorf("GetSize() = %d, want 16", got)
	}
	if got := h.GetType(); got != "hann" {
		t.Errorf("GetType() = %q, want %q", got, "hann")
	}

	// GetCoefficients hands out a copy.
	coeffs := h.GetCoefficients()
	coeffs[3] = 99
	if again := h.GetCoefficients(); again[3] == 99 {
		t.Error("GetCoefficients must return a copy, not the internal slice")
	}
}
