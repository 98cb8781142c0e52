package chroma

import (
	"math"

	"github.com/RyanBlaney/echoprobe/algorithms/spectral"
)

// NoteNamesSharp are the twelve pitch class labels in sharp notation
var NoteNamesSharp = []string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// ChromaSTFT computes a chromagram using the Short-Time Fourier Transform.
// Frequencies are mapped onto 12 octave-folded semitone bins, so all C
// notes land in the same bin regardless of octave. Tuning is adjustable
// (default A4=440Hz).
type ChromaSTFT struct {
	sampleRate int
	stft       *spectral.STFT
	tuningFreq float64 // A4 frequency
	chromaBins int     // always 12
	minFreq    float64 // Minimum frequency to consider
	maxFreq    float64 // Maximum frequency to consider
}

// NewChromaSTFT creates a new STFT-based chromagram calculator
func NewChromaSTFT(sampleRate int, tuningFreq float64) *ChromaSTFT {
	return &ChromaSTFT{
		sampleRate: sampleRate,
		stft:       spectral.NewSTFT(),
		tuningFreq: tuningFreq,
		chromaBins: 12,
		minFreq:    80.0,   // Approximate E2
		maxFreq:    8000.0, // High enough for harmonics
	}
}

// NewChromaSTFTDefault creates chromagram with standard A4=440Hz tuning
func NewChromaSTFTDefault(sampleRate int) *ChromaSTFT {
	return NewChromaSTFT(sampleRate, 440.0)
}

// ComputeChroma computes the chromagram of a signal (one 12-bin frame per hop)
func (cs *ChromaSTFT) ComputeChroma(signal []float64, windowSize, hopSize int, window spectral.Window) ([][]float64, error) {
	if len(signal) == 0 {
		return nil, nil
	}

	stftResult, err := cs.stft.ComputeWithWindow(signal, windowSize, hopSize, cs.sampleRate, window)
	if err != nil {
		return nil, err
	}

	return cs.convertSTFTToChroma(stftResult), nil
}

// convertSTFTToChroma converts STFT magnitude spectrogram to chromagram
func (cs *ChromaSTFT) convertSTFTToChroma(stftResult *spectral.STFTResult) [][]float64 {
	chromagram := make([][]float64, stftResult.TimeFrames)

	chromaMapping := cs.calculateChromaMapping(stftResult.FreqBins, stftResult.FreqResolution)

	for t := 0; t < stftResult.TimeFrames; t++ {
		chromagram[t] = make([]float64, cs.chromaBins)

		for f := 0; f < stftResult.FreqBins; f++ {
			magnitude := stftResult.Magnitude[t][f]
			chromaBin := chromaMapping[f]

			if chromaBin >= 0 && chromaBin < cs.chromaBins {
				// Magnitude squared for energy
				chromagram[t][chromaBin] += magnitude * magnitude
			}
		}

		cs.normalizeChromaFrame(chromagram[t])
	}

	return chromagram
}

// calculateChromaMapping maps FFT bins to chroma bins
func (cs *ChromaSTFT) calculateChromaMapping(freqBins int, freqResolution float64) []int {
	mapping := make([]int, freqBins)

	for f := 0; f < freqBins; f++ {
		frequency := float64(f) * freqResolution

		if frequency < cs.minFreq || frequency > cs.maxFreq {
			mapping[f] = -1
			continue
		}

		midiNote := cs.frequencyToMIDI(frequency)

		chromaBin := int(math.Round(midiNote)) % 12
		mapping[f] = chromaBin
	}

	return mapping
}

// frequencyToMIDI converts frequency to MIDI note number.
// A4 (440 Hz) = MIDI note 69.
func (cs *ChromaSTFT) frequencyToMIDI(frequency float64) float64 {
	if frequency <= 0 {
		return 0
	}

	return 69.0 + 12.0*math.Log2(frequency/cs.tuningFreq)
}

// normalizeChromaFrame normalizes a single chroma frame to unit sum
func (cs *ChromaSTFT) normalizeChromaFrame(chromaFrame []float64) {
	totalEnergy := 0.0
	for _, energy := range chromaFrame {
		totalEnergy += energy
	}

	if totalEnergy > 1e-10 {
		for i := range chromaFrame {
			chromaFrame[i] /= totalEnergy
		}
	}
}

// MeanChroma averages a chromagram over time into a single 12-bin profile
func MeanChroma(chromagram [][]float64) []float64 {
	mean := make([]float64, 12)
	if len(chromagram) == 0 {
		return mean
	}

	for _, frame := range chromagram {
		for i, val := range frame {
			if i < 12 {
				mean[i] += val
			}
		}
	}

	for i := range mean {
		mean[i] /= float64(len(chromagram))
	}

	return mean
}

// ChromaStd computes the per-bin standard deviation of a chromagram over
// time, averaged across bins. Tonally stable material scores low, material
// with moving harmony scores high.
func ChromaStd(chromagram [][]float64) float64 {
	if len(chromagram) < 2 {
		return 0.0
	}

	mean := MeanChroma(chromagram)

	variance := make([]float64, 12)
	for _, frame := range chromagram {
		for i := 0; i < 12 && i < len(frame); i++ {
			diff := frame[i] - mean[i]
			variance[i] += diff * diff
		}
	}

	total := 0.0
	for i := range variance {
		total += math.Sqrt(variance[i] / float64(len(chromagram)))
	}

	return total / 12.0
}

// GetChromaLabels returns the chroma bin labels
func (cs *ChromaSTFT) GetChromaLabels() []string {
	return NoteNamesSharp
}
