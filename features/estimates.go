package features

import (
	"math"

	"github.com/RyanBlaney/echoprobe/algorithms/chroma"
	"github.com/RyanBlaney/echoprobe/algorithms/common"
	"github.com/RyanBlaney/echoprobe/algorithms/spectral"
	"github.com/RyanBlaney/echoprobe/algorithms/temporal"
	"github.com/RyanBlaney/echoprobe/algorithms/windowing"
	"github.com/RyanBlaney/echoprobe/logging"
	"github.com/RyanBlaney/echoprobe/tempo"
)

// Analysis frame geometry shared by the energy and centroid estimators.
const (
	energyFrameSize = 2048
	energyHopSize   = 512
)

// minAnalysisSamples pads shorter signals with trailing zeros so the
// estimators see at least one full window.
const minAnalysisSamples = 1024

// Estimator derives perceptual descriptors from the normalized mono
// signal: tempo, key and mode, energy, danceability, valence.
type Estimator struct {
	sampleRate int
	onset      *temporal.OnsetDetection
	energy     *temporal.Energy
	tempogram  *temporal.Tempogram
	chroma     *chroma.ChromaSTFT
	centroid   *spectral.SpectralCentroid
	stft       *spectral.STFT
}

// NewEstimator creates an estimator for signals at the given sample rate.
func NewEstimator(sampleRate int) *Estimator {
	return &Estimator{
		sampleRate: sampleRate,
		onset:      temporal.NewOnsetDetection(),
		energy:     temporal.NewEnergy(energyFrameSize, energyHopSize, sampleRate),
		tempogram:  temporal.NewTempogram(tempo.MinBPM, tempo.MaxBPM),
		chroma:     chroma.NewChromaSTFTDefault(sampleRate),
		centroid:   spectral.NewSpectralCentroid(sampleRate),
		stft:       spectral.NewSTFT(),
	}
}

// padShort extends a too-short signal with zeros.
func padShort(signal []float64, minLen int) []float64 {
	if len(signal) >= minLen {
		return signal
	}
	padded := make([]float64, minLen)
	copy(padded, signal)
	return padded
}

// EstimateTempo runs the in-process tempo estimator and resolves octave
// ambiguity. A zero Primary means no usable tempo was found.
func (e *Estimator) EstimateTempo(signal []float64) tempo.Selection {
	if len(signal) == 0 {
		return tempo.Selection{Reason: "empty_audio"}
	}
	signal = padShort(signal, minAnalysisSamples)

	envelope, err := e.onset.ComputeEnvelope(signal, e.sampleRate)
	if err != nil || len(envelope) == 0 {
		return tempo.Selection{Reason: "no_tempo"}
	}

	tg := e.tempogram.Compute(envelope, e.sampleRate, e.onset.HopSize())
	return tempo.SelectWithFolding(tg.BestBPM())
}

// EstimateEnergy scores perceptual energy on [0,1]: a sigmoid over the
// mean median-relative frame RMS blended with spectral brightness.
// Dense consistently loud mixes land around 0.7-0.9, sparse ballads
// around 0.1-0.3, and uniform gain changes barely move it.
func (e *Estimator) EstimateEnergy(signal []float64) (float64, bool) {
	if len(signal) == 0 {
		return 0, false
	}

	frameRMS := e.energy.ComputeShortTimeEnergy(signal)
	if len(frameRMS) == 0 {
		frameRMS = []float64{math.Sqrt(common.Mean(squared(signal)) + 1e-12)}
	}
	for i, v := range frameRMS {
		if v < 1e-8 {
			frameRMS[i] = 1e-8
		}
	}

	med := common.Median(frameRMS)
	if med <= 0 {
		med = common.Mean(frameRMS)
	}

	rel := make([]float64, len(frameRMS))
	for i, v := range frameRMS {
		rel[i] = common.Clip(v/(med+1e-12), 0.25, 5.0)
	}

	x := common.Mean(rel)
	core := 1.0 / (1.0 + math.Exp(-(x - 1.5)))
	core = 0.1 + 0.85*common.Clip01(core)

	brightness := e.meanCentroidNorm(signal)

	return common.Clip01(0.8*core + 0.2*brightness), true
}

// meanCentroidNorm is the mean spectral centroid over the Nyquist rate,
// clipped to [0,1]. Falls back to a neutral 0.5 when analysis fails.
func (e *Estimator) meanCentroidNorm(signal []float64) float64 {
	window := windowing.NewHann(energyFrameSize, false)
	stftResult, err := e.stft.ComputeWithWindow(signal, energyFrameSize, energyHopSize, e.sampleRate, window)
	if err != nil || stftResult == nil || len(stftResult.Magnitude) == 0 {
		return 0.5
	}
	centroids := e.centroid.ComputeFrames(stftResult.Magnitude)
	if len(centroids) == 0 {
		return 0.5
	}
	nyquist := float64(e.sampleRate) / 2.0
	return common.Clip01(common.Mean(centroids) / (nyquist + 1e-9))
}

// EstimateDanceability scores danceability on [0,1] from three factors:
// closeness of the felt tempo to a comfortable dance window centered at
// 110 BPM, strength of onset energy at detected beats, and regularity of
// that beat energy over time, weighted 0.3/0.4/0.3.
func (e *Estimator) EstimateDanceability(signal []float64, tempoBPM float64) (float64, bool) {
	if len(signal) == 0 {
		return 0, false
	}

	tempoTerm := 0.5
	if tempoBPM > 0 {
		felt := tempoBPM
		for felt < 60.0 {
			felt *= 2.0
		}
		for felt > 180.0 {
			felt /= 2.0
		}
		delta := math.Abs(felt - 110.0)
		tempoTerm = common.Clip01(1.0 - delta/50.0)
	}

	envelope, err := e.onset.ComputeEnvelope(padShort(signal, minAnalysisSamples), e.sampleRate)
	if err != nil || len(envelope) == 0 || common.Max(envelope) <= 0 {
		return common.Clip01(tempoTerm), true
	}

	tg := e.tempogram.Compute(envelope, e.sampleRate, e.onset.HopSize())
	beats := e.onset.TrackBeats(envelope, e.sampleRate, tg.BestBPM())

	var beatStrength, regularity float64
	if len(beats) < 4 {
		beatStrength = common.Clip01(common.Mean(envelope) / (common.Max(envelope) + 1e-9))
		regularity = 0.5
	} else {
		beatEnv := make([]float64, len(beats))
		for i, frame := range beats {
			beatEnv[i] = envelope[frame]
		}
		if peak := common.Max(beatEnv); peak > 0 {
			for i := range beatEnv {
				beatEnv[i] /= peak
			}
		}
		beatStrength = common.Clip01(common.Mean(beatEnv))

		mu := common.Mean(beatEnv)
		sigma := common.PopStdDev(beatEnv)
		cv := sigma / (mu + 1e-9)
		regularity = common.Clip01(1.0 - cv)
	}

	dance := 0.4*beatStrength + 0.3*regularity + 0.3*tempoTerm
	return common.Clip01(dance), true
}

// EstimateValence scores valence on [0,1]. Major keys bias upward, minor
// downward, and higher energy nudges it up.
func EstimateValence(mode string, energy *float64) float64 {
	base := 0.5
	switch mode {
	case "major":
		base = 0.7
	case "minor":
		base = 0.3
	}

	e := 0.5
	if energy != nil {
		e = common.Clip01(*energy)
	}
	return common.Clip01(0.6*base + 0.4*e)
}

// EstimateKeyAndMode picks the dominant pitch class from mean chroma and
// infers major/minor from the spread of the chroma profile. A flat
// profile reads as minor.
func (e *Estimator) EstimateKeyAndMode(signal []float64) (string, string, bool) {
	logger := logging.WithFields(logging.Fields{
		"component": "feature_estimator",
		"function":  "EstimateKeyAndMode",
	})

	if len(signal) < minAnalysisSamples {
		return "", "", false
	}

	chromagram, err := e.chroma.ComputeChroma(signal, energyFrameSize, energyHopSize, windowing.NewHann(energyFrameSize, false))
	if err != nil || len(chromagram) == 0 {
		if err != nil {
			logger.Debug("chroma analysis failed", logging.Fields{"error": err.Error()})
		}
		return "", "", false
	}

	meanChroma := chroma.MeanChroma(chromagram)
	if len(meanChroma) == 0 {
		return "", "", false
	}

	rootIndex := 0
	for i, v := range meanChroma {
		if v > meanChroma[rootIndex] {
			rootIndex = i
		}
	}
	keyRoot := chroma.NoteNamesSharp[rootIndex]

	spread := common.PopStdDev(meanChroma)
	mode := "minor"
	if spread > 0.05 {
		mode = "major"
	}

	return keyRoot, mode, true
}

// KeyConfidenceLabel reports med once a root was detected, low otherwise.
func KeyConfidenceLabel(keyRoot string) string {
	if keyRoot != "" {
		return "med"
	}
	return "low"
}

func squared(signal []float64) []float64 {
	out := make([]float64, len(signal))
	for i, v := range signal {
		out[i] = v * v
	}
	return out
}
