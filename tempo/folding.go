// Package tempo resolves octave-ambiguous tempo estimates and normalizes
// backend confidence scores onto a common scale.
package tempo

import (
	"fmt"
)

const (
	// MinBPM and MaxBPM bound every tempo this pipeline will report.
	MinBPM = 30.0
	MaxBPM = 260.0

	foldLow    = 60.0
	foldHigh   = 180.0
	foldCenter = 110.0
	maxFolds   = 6
)

// Selection is the outcome of half/double resolution. Primary is zero when
// no usable tempo was available; Reason always explains the choice.
type Selection struct {
	Primary   float64 `json:"primary"`
	AltHalf   float64 `json:"alt_half"`
	AltDouble float64 `json:"alt_double"`
	Reason    string  `json:"reason"`
}

// FoldToWindow folds a BPM into [low, high] by repeated doubling or halving,
// giving up after a bounded number of steps on degenerate input.
func FoldToWindow(bpm, low, high float64) float64 {
	folded := bpm
	steps := 0
	for folded < low && steps < maxFolds {
		folded *= 2.0
		steps++
	}
	for folded > high && steps < maxFolds {
		folded /= 2.0
		steps++
	}
	return folded
}

// SelectWithFolding resolves octave ambiguity for a raw tempo estimate.
// The raw value, its half and its double each fold into [60, 180]; the
// candidate landing closest to 110 BPM wins.
func SelectWithFolding(base float64) Selection {
	if base <= 0 {
		return Selection{Reason: "no_tempo"}
	}

	candidates := []struct {
		label string
		bpm   float64
	}{
		{"base", base},
		{"half", base / 2.0},
		{"double", base * 2.0},
	}

	bestScore := -1.0
	bestLabel := ""
	bestFolded := 0.0
	for _, c := range candidates {
		if c.bpm <= 0 {
			continue
		}
		folded := FoldToWindow(c.bpm, foldLow, foldHigh)
		score := folded - foldCenter
		if score < 0 {
			score = -score
		}
		if bestScore < 0 || score < bestScore {
			bestScore = score
			bestLabel = c.label
			bestFolded = folded
		}
	}

	if bestScore < 0 {
		return Selection{Reason: "no_valid_tempo"}
	}

	return Selection{
		Primary:   bestFolded,
		AltHalf:   base / 2.0,
		AltDouble: base * 2.0,
		Reason:    fmt.Sprintf("%s_selected_folded_to_%.1f_bpm", bestLabel, bestFolded),
	}
}

// ClampBPM forces a tempo into the hard validity band.
func ClampBPM(bpm float64) float64 {
	if bpm < MinBPM {
		return MinBPM
	}
	if bpm > MaxBPM {
		return MaxBPM
	}
	return bpm
}

// InBand reports whether a tempo already sits inside the validity band.
func InBand(bpm float64) bool {
	return bpm >= MinBPM && bpm <= MaxBPM
}
