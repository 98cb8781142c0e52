package spine

import (
	"encoding/json"
	"fmt"

	"github.com/RyanBlaney/echoprobe/algorithms/common"
)

// DefaultFallbackCap bounds how many tier 3 rows may be synthesized from
// compact third-party features in one query.
const DefaultFallbackCap = 40

// CompactFeatures is a reduced third-party feature document: scalar
// proxies (tempo, average loudness, mood probabilities) keyed by name.
type CompactFeatures map[string]any

// ParseCompact decodes a stored compact feature document.
func ParseCompact(data []byte) (CompactFeatures, error) {
	var c CompactFeatures
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode compact features: %w", err)
	}
	return c, nil
}

// Axes are the four probe dimensions every catalog row must carry.
type Axes struct {
	Tempo    float64
	Energy   float64
	Valence  float64
	Loudness float64
}

func (c CompactFeatures) float(key string) (float64, bool) {
	v, ok := c[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ProbeAxes maps compact features onto the probe axes. Tempo and loudness
// pass through; energy averages the activity mood probabilities; valence
// blends happy-vs-sad polarity with the relaxed probability, clipped to
// [0,1]. Any missing axis disqualifies the document.
func (c CompactFeatures) ProbeAxes() (*Axes, bool) {
	tempo, hasTempo := c.float("tempo_bpm")
	loudness, hasLoudness := c.float("average_loudness")

	var energyVals []float64
	for _, key := range []string{"danceability", "mood_aggressive", "mood_electronic", "mood_party"} {
		if v, ok := c.float(key); ok {
			energyVals = append(energyVals, v)
		}
	}

	happy, hasHappy := c.float("mood_happy")
	sad, hasSad := c.float("mood_sad")
	relaxed, hasRelaxed := c.float("mood_relaxed")
	var valenceVals []float64
	if hasHappy || hasSad {
		h, s := 0.5, 0.5
		if hasHappy {
			h = happy
		}
		if hasSad {
			s = sad
		}
		valenceVals = append(valenceVals, 0.5+(h-s))
	}
	if hasRelaxed {
		valenceVals = append(valenceVals, relaxed)
	}

	if !hasTempo || !hasLoudness || len(energyVals) == 0 || len(valenceVals) == 0 {
		return nil, false
	}

	return &Axes{
		Tempo:    tempo,
		Energy:   common.Mean(energyVals),
		Valence:  common.Clip01(common.Mean(valenceVals)),
		Loudness: loudness,
	}, true
}
