package tempo

import (
	"github.com/RyanBlaney/echoprobe/algorithms/common"
	"github.com/RyanBlaney/echoprobe/algorithms/temporal"
	"github.com/RyanBlaney/echoprobe/logging"
)

// DegenerateScore is reported when the signal is too short or the tempo is
// unusable, instead of raising an error.
const DegenerateScore = 0.2

// ConfidenceScorer rates how well a selected tempo is supported by the
// signal. The score blends onset contrast, beat density and tempogram
// energy near the candidate, weighted 0.4/0.3/0.3.
type ConfidenceScorer struct {
	onset     *temporal.OnsetDetection
	tempogram *temporal.Tempogram
}

// NewConfidenceScorer creates a scorer with default analysis settings.
func NewConfidenceScorer() *ConfidenceScorer {
	return &ConfidenceScorer{
		onset:     temporal.NewOnsetDetection(),
		tempogram: temporal.NewTempogram(MinBPM, MaxBPM),
	}
}

// Score computes the confidence for tempoBPM against the signal and the
// matching low/med/high label.
func (s *ConfidenceScorer) Score(signal []float64, sampleRate int, tempoBPM float64) (float64, string) {
	if tempoBPM <= 0 || sampleRate <= 0 || len(signal) == 0 {
		return DegenerateScore, "low"
	}

	envelope, err := s.onset.ComputeEnvelope(signal, sampleRate)
	if err != nil || len(envelope) == 0 {
		return DegenerateScore, "low"
	}

	peak := common.Max(envelope)
	mean := common.Mean(envelope)
	contrast := peak / (mean + 1e-9)
	contrastNorm := common.Clip((contrast-1.0)/4.0, 0.0, 1.0)

	tg := s.tempogram.Compute(envelope, sampleRate, s.onset.HopSize())

	beats := s.onset.TrackBeats(envelope, sampleRate, tg.BestBPM())
	beatNorm := common.Clip(float64(len(beats))/32.0, 0.0, 1.0)

	peakNear := tg.StrengthNear(tempoBPM, 2.0)
	peakGlobal := tg.GlobalPeak()
	peakRatio := 0.0
	if peakGlobal > 0 {
		peakRatio = peakNear / (peakGlobal + 1e-9)
	}

	score := common.Clip(0.4*contrastNorm+0.3*beatNorm+0.3*peakRatio, 0.0, 1.0)
	return score, Label(score)
}

// Label maps a normalized confidence score to low/med/high.
func Label(score float64) string {
	if score >= 0.66 {
		return "high"
	}
	if score >= 0.33 {
		return "med"
	}
	return "low"
}

// ResolveLowConfidence re-scores the half and double of a low-confidence
// selection and adopts whichever candidate the confidence function prefers.
// The gate only opens when the score is under 0.30 and the tempo sits
// outside the unambiguous [80, 180] band. Returns the updated selection,
// score and label, plus whether anything changed.
func (s *ConfidenceScorer) ResolveLowConfidence(signal []float64, sampleRate int, sel Selection, score float64, label string) (Selection, float64, string, bool) {
	if sel.Primary <= 0 {
		return sel, score, label, false
	}
	lowConf := score < 0.30
	ambiguous := sel.Primary < 80 || sel.Primary > 180
	if !lowConf || !ambiguous {
		return sel, score, label, false
	}

	bestTempo := sel.Primary
	bestScore := score
	bestLabel := label
	for _, alt := range []float64{sel.Primary / 2.0, sel.Primary * 2.0} {
		if alt < MinBPM || alt > MaxBPM {
			continue
		}
		altScore, altLabel := s.Score(signal, sampleRate, alt)
		if altScore > bestScore {
			bestScore = altScore
			bestLabel = altLabel
			bestTempo = alt
		}
	}

	if bestTempo == sel.Primary {
		return sel, score, label, false
	}

	logging.Debug("low-confidence tempo adjusted", logging.Fields{
		"component": "tempo_resolver",
		"from_bpm":  sel.Primary,
		"to_bpm":    bestTempo,
		"score":     bestScore,
	})

	adjusted := Selection{
		Primary:   bestTempo,
		AltHalf:   bestTempo / 2.0,
		AltDouble: bestTempo * 2.0,
		Reason:    sel.Reason + "; auto_half_double_adjust",
	}
	return adjusted, bestScore, bestLabel, true
}
