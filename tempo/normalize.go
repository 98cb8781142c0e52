package tempo

import (
	"strings"

	"github.com/RyanBlaney/echoprobe/algorithms/common"
)

// Bounds is a calibration window for a backend's raw confidence scale.
type Bounds struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// backendCalibration holds per-backend windows: Score bounds map raw values
// onto [0,1], Label bounds classify raw values directly. Both sets are the
// p5/p95 of each backend on the calibration benchmark.
type backendCalibration struct {
	Score Bounds
	Label Bounds
}

var confidenceDefaults = map[string]backendCalibration{
	"essentia": {
		Score: Bounds{Lower: 0.93, Upper: 3.63},
		Label: Bounds{Lower: 1.10, Upper: 3.20},
	},
	"madmom": {
		Score: Bounds{Lower: 0.21, Upper: 0.38},
		Label: Bounds{Lower: 0.23, Upper: 0.33},
	},
	"librosa": {
		Score: Bounds{Lower: 0.92, Upper: 0.97},
		Label: Bounds{Lower: 0.93, Upper: 0.95},
	},
}

// DefaultBounds returns the calibrated score window for a backend, if known.
func DefaultBounds(backend string) (Bounds, bool) {
	cal, ok := confidenceDefaults[strings.ToLower(backend)]
	if !ok {
		return Bounds{}, false
	}
	return cal.Score, true
}

// NormalizeConfidence maps a backend's raw confidence into [0,1].
// Explicit bounds win over the backend's calibrated defaults; with a usable
// window the mapping is linear with clipping. Without one, essentia's
// roughly 0-4 scale divides by 4 and everything else clips directly.
func NormalizeConfidence(raw float64, backend string, bounds *Bounds) float64 {
	var lower, upper float64
	haveBounds := false
	if bounds != nil {
		lower, upper = bounds.Lower, bounds.Upper
		haveBounds = true
	} else if def, ok := DefaultBounds(backend); ok {
		lower, upper = def.Lower, def.Upper
		haveBounds = true
	}

	if haveBounds && upper != lower {
		return common.Clip01((raw - lower) / (upper - lower))
	}

	if strings.ToLower(backend) == "essentia" {
		return common.Clip01(raw / 4.0)
	}
	return common.Clip01(raw)
}

// LabelForBackend classifies confidence as low/med/high. When the backend
// has calibrated label bounds and the raw value is available, the raw value
// is classified against them; otherwise the normalized score is classified
// against the shared 0.33/0.66 thresholds.
func LabelForBackend(score float64, backend string, raw *float64) string {
	if raw != nil {
		if cal, ok := confidenceDefaults[strings.ToLower(backend)]; ok {
			switch {
			case *raw >= cal.Label.Upper:
				return "high"
			case *raw >= cal.Label.Lower:
				return "med"
			default:
				return "low"
			}
		}
	}
	return Label(score)
}

// NormalizeKeyStrength clamps a backend key strength into [0,1].
func NormalizeKeyStrength(raw float64) float64 {
	return common.Clip01(raw)
}
