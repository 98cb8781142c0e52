package temporal

import (
	"math"

	"github.com/RyanBlaney/echoprobe/algorithms/spectral"
	"github.com/RyanBlaney/echoprobe/algorithms/windowing"
)

// OnsetDetection computes onset strength envelopes and beat positions.
// The envelope is half-wave rectified spectral flux over an STFT, which
// rises on note attacks and percussive events.
type OnsetDetection struct {
	spectralFlux *spectral.SpectralFlux
	stft         *spectral.STFT
	windowSize   int
	hopSize      int
}

// NewOnsetDetection creates a new onset detector with the standard
// 1024/512 analysis geometry
func NewOnsetDetection() *OnsetDetection {
	return &OnsetDetection{
		spectralFlux: spectral.NewSpectralFlux(),
		stft:         spectral.NewSTFT(),
		windowSize:   1024,
		hopSize:      512,
	}
}

// HopSize returns the envelope hop in samples
func (od *OnsetDetection) HopSize() int {
	return od.hopSize
}

// ComputeEnvelope computes the onset strength envelope of a signal.
// One envelope value per STFT hop; empty for signals shorter than one window.
func (od *OnsetDetection) ComputeEnvelope(signal []float64, sampleRate int) ([]float64, error) {
	if len(signal) < od.windowSize {
		return []float64{}, nil
	}

	window := windowing.NewHann(od.windowSize, false)
	stftResult, err := od.stft.ComputeWithWindow(signal, od.windowSize, od.hopSize, sampleRate, window)
	if err != nil {
		return nil, err
	}

	return od.spectralFlux.Compute(stftResult.Magnitude), nil
}

// AdaptiveThreshold calculates a peak-picking threshold from envelope statistics
func (od *OnsetDetection) AdaptiveThreshold(envelope []float64, sensitivity float64) float64 {
	if len(envelope) == 0 {
		return 0.0
	}

	mean := 0.0
	for _, val := range envelope {
		mean += val
	}
	mean /= float64(len(envelope))

	variance := 0.0
	for _, val := range envelope {
		diff := val - mean
		variance += diff * diff
	}
	variance /= float64(len(envelope))

	return mean + sensitivity*math.Sqrt(variance)
}

// PickPeaks finds local maxima above threshold separated by at least
// minIntervalFrames
func (od *OnsetDetection) PickPeaks(envelope []float64, threshold float64, minIntervalFrames int) []int {
	if len(envelope) < 3 {
		return []int{}
	}

	if minIntervalFrames < 1 {
		minIntervalFrames = 1
	}

	var peaks []int
	lastPeak := -minIntervalFrames

	for i := 1; i < len(envelope)-1; i++ {
		if envelope[i] > envelope[i-1] &&
			envelope[i] > envelope[i+1] &&
			envelope[i] >= threshold &&
			i-lastPeak >= minIntervalFrames {
			peaks = append(peaks, i)
			lastPeak = i
		}
	}

	return peaks
}

// TrackBeats picks beat frames from an onset envelope given an estimated
// tempo. Peaks must clear an adaptive threshold and sit at least half a
// beat period apart, which keeps spurious inter-beat onsets out.
func (od *OnsetDetection) TrackBeats(envelope []float64, sampleRate int, tempoBPM float64) []int {
	if len(envelope) == 0 || tempoBPM <= 0 {
		return []int{}
	}

	framesPerSecond := float64(sampleRate) / float64(od.hopSize)
	periodFrames := 60.0 / tempoBPM * framesPerSecond
	minInterval := int(periodFrames * 0.5)

	threshold := od.AdaptiveThreshold(envelope, 0.5)

	return od.PickPeaks(envelope, threshold, minInterval)
}

// BeatTimes converts beat frame indices to timestamps in seconds
func (od *OnsetDetection) BeatTimes(beatFrames []int, sampleRate int) []float64 {
	times := make([]float64, len(beatFrames))
	for i, frame := range beatFrames {
		times[i] = float64(frame*od.hopSize) / float64(sampleRate)
	}
	return times
}
