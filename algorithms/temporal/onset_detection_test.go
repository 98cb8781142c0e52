package temporal

import (
	"math"
	"testing"
)

// clickTrack synthesizes short bursts at the given tempo.
func clickTrack(tempoBPM float64, sampleRate int, seconds float64) []float64 {
	signal := make([]float64, int(seconds*float64(sampleRate)))
	period := int(60.0 / tempoBPM * float64(sampleRate))
	for start := 0; start < len(signal); start += period {
		for i := 0; i < 32 && start+i < len(signal); i++ {
			signal[start+i] = 0.9
		}
	}
	return signal
}

func TestComputeEnvelopeShortSignal(t *testing.T) {
	od := NewOnsetDetection()
	env, err := od.ComputeEnvelope(make([]float64, 512), 44100)
	if err != nil {
		t.Fatalf("ComputeEnvelope failed: %v", err)
	}
	if len(env) != 0 {
		t.Errorf("len(envelope) = %d, want 0 for sub-window signal", len(env))
	}
}

func TestComputeEnvelopeClickTrack(t *testing.T) {
	od := NewOnsetDetection()
	signal := clickTrack(120, 44100, 8.0)

	env, err := od.ComputeEnvelope(signal, 44100)
	if err != nil {
		t.Fatalf("ComputeEnvelope failed: %v", err)
	}
	if len(env) == 0 {
		t.Fatal("expected non-empty envelope")
	}
	for i, v := range env {
		if v < 0 {
			t.Fatalf("envelope[%d] = %v, rectified flux must be non-negative", i, v)
		}
	}

	// The click periodicity must dominate the tempogram near 120 BPM.
	tg := NewTempogram(30, 260)
	result := tg.Compute(env, 44100, od.HopSize())
	if result.Empty() {
		t.Fatal("expected non-empty tempogram from click envelope")
	}
	near := result.StrengthNear(120, 6)
	if peak := result.GlobalPeak(); near < 0.5*peak {
		t.Errorf("strength near 120 BPM = %v, want at least half the global peak %v", near, peak)
	}
}

func TestAdaptiveThreshold(t *testing.T) {
	od := NewOnsetDetection()

	if got := od.AdaptiveThreshold(nil, 0.5); got != 0 {
		t.Errorf("threshold of empty envelope = %v, want 0", got)
	}

	flat := []float64{2, 2, 2, 2}
	if got := od.AdaptiveThreshold(flat, 0.5); math.Abs(got-2) > 1e-12 {
		t.Errorf("threshold of flat envelope = %v, want 2", got)
	}

	varied := []float64{0, 4, 0, 4}
	// mean 2, stddev 2, sensitivity 1 puts the threshold at 4.
	if got := od.AdaptiveThreshold(varied, 1.0); math.Abs(got-4) > 1e-12 {
		t.Errorf("threshold = %v, want 4", got)
	}
}

func TestPickPeaks(t *testing.T) {
	od := NewOnsetDetection()
	env := []float64{0, 1, 0, 2, 0, 3, 0}

	peaks := od.PickPeaks(env, 0.5, 1)
	want := []int{1, 3, 5}
	if len(peaks) != len(want) {
		t.Fatalf("peaks = %v, want %v", peaks, want)
	}
	for i := range want {
		if peaks[i] != want[i] {
			t.Fatalf("peaks = %v, want %v", peaks, want)
		}
	}

	spaced := od.PickPeaks(env, 0.5, 3)
	if len(spaced) != 2 || spaced[0] != 1 || spaced[1] != 5 {
		t.Errorf("spaced peaks = %v, want [1 5]", spaced)
	}

	if got := od.PickPeaks([]float64{1, 2}, 0, 1); len(got) != 0 {
		t.Errorf("peaks of 2-frame envelope = %v, want none", got)
	}
}

func TestTrackBeatsDegenerate(t *testing.T) {
	od := NewOnsetDetection()
	if got := od.TrackBeats(nil, 44100, 120); len(got) != 0 {
		t.Errorf("beats of empty envelope = %v, want none", got)
	}
	if got := od.TrackBeats([]float64{1, 2, 1}, 44100, 0); len(got) != 0 {
		t.Errorf("beats at zero tempo = %v, want none", got)
	}
}

func TestBeatTimes(t *testing.T) {
	od := NewOnsetDetection()
	times := od.BeatTimes([]int{0, 43, 86}, 44100)
	if len(times) != 3 {
		t.Fatalf("len(times) = %d, want 3", len(times))
	}
	if times[0] != 0 {
		t.Errorf("times[0] = %v, want 0", times[0])
	}
	want := 43.0 * 512.0 / 44100.0
	if math.Abs(times[1]-want) > 1e-9 {
		t.Errorf("times[1] = %v, want %v", times[1], want)
	}
}

func TestComputeShortTimeEnergy(t *testing.T) {
	e := NewEnergy(4, 2, 8000)

	signal := []float64{1, 1, 1, 1, 0, 0, 0, 0}
	energies := e.ComputeShortTimeEnergy(signal)
	// Frames: [1 1 1 1] -> 1, [1 1 0 0] -> sqrt(0.5), [0 0 0 0] -> 0.
	if len(energies) != 3 {
		t.Fatalf("len(energies) = %d, want 3", len(energies))
	}
	if math.Abs(energies[0]-1) > 1e-12 {
		t.Errorf("energies[0] = %v, want 1", energies[0])
	}
	if math.Abs(energies[1]-math.Sqrt(0.5)) > 1e-12 {
		t.Errorf("energies[1] = %v, want sqrt(0.5)", energies[1])
	}
	if energies[2] != 0 {
		t.Errorf("energies[2] = %v, want 0", energies[2])
	}

	if got := e.ComputeShortTimeEnergy([]float64{1, 2}); len(got) != 0 {
		t.Errorf("energies of short signal = %v, want none", got)
	}
}
