package temporal

import (
	"math"
	"sort"
)

// Tempogram computes a global autocorrelation tempogram from an onset
// strength envelope: periodicity strength as a function of tempo. Each
// autocorrelation lag inside the configured BPM range contributes one
// (bpm, strength) pair.
type Tempogram struct {
	minBPM float64
	maxBPM float64
}

// TempoCandidate is one periodicity peak of the tempogram
type TempoCandidate struct {
	BPM      float64 `json:"bpm"`
	Strength float64 `json:"strength"`
}

// TempogramResult holds the tempo axis and normalized periodicity strengths
type TempogramResult struct {
	BPMs      []float64 `json:"bpms"`
	Strengths []float64 `json:"strengths"`
}

// NewTempogram creates a tempogram analyzer for the given BPM range
func NewTempogram(minBPM, maxBPM float64) *Tempogram {
	if minBPM <= 0 {
		minBPM = 30.0
	}
	if maxBPM <= minBPM {
		maxBPM = 260.0
	}
	return &Tempogram{
		minBPM: minBPM,
		maxBPM: maxBPM,
	}
}

// Compute builds the tempogram from an onset envelope sampled once per hop
func (tg *Tempogram) Compute(envelope []float64, sampleRate, hopSize int) *TempogramResult {
	result := &TempogramResult{}

	if len(envelope) < 4 || sampleRate <= 0 || hopSize <= 0 {
		return result
	}

	framesPerSecond := float64(sampleRate) / float64(hopSize)

	// Lag bounds from the BPM range: bpm = 60 * fps / lag
	lagMin := int(math.Floor(60.0 * framesPerSecond / tg.maxBPM))
	lagMax := int(math.Ceil(60.0 * framesPerSecond / tg.minBPM))

	if lagMin < 1 {
		lagMin = 1
	}
	if lagMax >= len(envelope) {
		lagMax = len(envelope) - 1
	}
	if lagMax < lagMin {
		return result
	}

	autocorr := autocorrelate(envelope, lagMax)

	for lag := lagMin; lag <= lagMax; lag++ {
		bpm := 60.0 * framesPerSecond / float64(lag)
		result.BPMs = append(result.BPMs, bpm)
		result.Strengths = append(result.Strengths, autocorr[lag])
	}

	return result
}

// autocorrelate computes the normalized autocorrelation up to maxLag
func autocorrelate(signal []float64, maxLag int) []float64 {
	if maxLag >= len(signal) {
		maxLag = len(signal) - 1
	}

	autocorr := make([]float64, maxLag+1)

	for lag := 0; lag <= maxLag; lag++ {
		sum := 0.0
		count := 0

		for i := 0; i < len(signal)-lag; i++ {
			sum += signal[i] * signal[i+lag]
			count++
		}

		if count > 0 {
			autocorr[lag] = sum / float64(count)
		}
	}

	if autocorr[0] > 0 {
		norm := autocorr[0]
		for i := range autocorr {
			autocorr[i] /= norm
		}
	}

	return autocorr
}

// Empty reports whether the tempogram has no usable bins
func (tr *TempogramResult) Empty() bool {
	return len(tr.BPMs) == 0
}

// BestBPM returns the tempo at the strongest local periodicity maximum,
// falling back to the global maximum when no interior peak exists
func (tr *TempogramResult) BestBPM() float64 {
	if tr.Empty() {
		return 0.0
	}

	bestIdx := -1
	bestVal := 0.0

	for i := 1; i < len(tr.Strengths)-1; i++ {
		if tr.Strengths[i] > tr.Strengths[i-1] &&
			tr.Strengths[i] > tr.Strengths[i+1] &&
			tr.Strengths[i] > bestVal {
			bestVal = tr.Strengths[i]
			bestIdx = i
		}
	}

	if bestIdx < 0 {
		for i, val := range tr.Strengths {
			if val > bestVal {
				bestVal = val
				bestIdx = i
			}
		}
	}

	if bestIdx < 0 {
		return 0.0
	}
	return tr.BPMs[bestIdx]
}

// GlobalPeak returns the maximum periodicity strength anywhere on the axis
func (tr *TempogramResult) GlobalPeak() float64 {
	peak := 0.0
	for _, val := range tr.Strengths {
		if val > peak {
			peak = val
		}
	}
	return peak
}

// StrengthNear returns the maximum strength within +-tolerance BPM of the
// given tempo
func (tr *TempogramResult) StrengthNear(bpm, tolerance float64) float64 {
	best := 0.0
	for i, axis := range tr.BPMs {
		if math.Abs(axis-bpm) <= tolerance && tr.Strengths[i] > best {
			best = tr.Strengths[i]
		}
	}
	return best
}

// Candidates returns up to maxCount local maxima ordered by strength
func (tr *TempogramResult) Candidates(maxCount int) []TempoCandidate {
	if tr.Empty() || maxCount <= 0 {
		return nil
	}

	var candidates []TempoCandidate
	for i := 1; i < len(tr.Strengths)-1; i++ {
		if tr.Strengths[i] > tr.Strengths[i-1] && tr.Strengths[i] > tr.Strengths[i+1] {
			candidates = append(candidates, TempoCandidate{
				BPM:      tr.BPMs[i],
				Strength: tr.Strengths[i],
			})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Strength > candidates[j].Strength
	})

	if len(candidates) > maxCount {
		candidates = candidates[:maxCount]
	}

	return candidates
}
