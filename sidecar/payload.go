package sidecar

import (
	"math"
	"strconv"
	"strings"

	"github.com/RyanBlaney/echoprobe/tempo"
)

// Caps on untrusted array fields.
const (
	MaxBeatsLen        = 20000
	MaxTempoCandidates = 32
	MaxKeyCandidates   = 24
)

// TempoCandidate is one alternate tempo hypothesis from a backend.
type TempoCandidate struct {
	Tempo      float64  `json:"tempo"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// KeyCandidate is one alternate key hypothesis from a backend.
type KeyCandidate struct {
	Key      string   `json:"key"`
	Mode     string   `json:"mode"`
	Strength *float64 `json:"strength,omitempty"`
}

// Payload is a sanitized sidecar result. Only whitelisted fields survive;
// pointers distinguish absent values from zeroes.
type Payload struct {
	Tempo                *float64         `json:"tempo,omitempty"`
	TempoConfidenceScore *float64         `json:"tempo_confidence_score,omitempty"`
	TempoConfidenceLabel string           `json:"tempo_confidence,omitempty"`
	Key                  string           `json:"key,omitempty"`
	Mode                 string           `json:"mode,omitempty"`
	KeyStrength          *float64         `json:"key_strength,omitempty"`
	BeatsSec             []float64        `json:"beats_sec,omitempty"`
	BeatsCount           *int             `json:"beats_count,omitempty"`
	TempoAlternates      []float64        `json:"tempo_alternates,omitempty"`
	TempoCandidates      []TempoCandidate `json:"tempo_candidates,omitempty"`
	KeyCandidates        []KeyCandidate   `json:"key_candidates,omitempty"`
	Backend              string           `json:"backend,omitempty"`
	BackendVersion       string           `json:"backend_version,omitempty"`
	ConfidenceBounds     *tempo.Bounds    `json:"tempo_confidence_bounds,omitempty"`
}

// SanitizePayload hardens an untrusted sidecar mapping. Unknown fields drop
// silently, non-finite numbers drop, oversized arrays trim with a warning,
// and a tempo outside the validity band clamps with a warning. A payload
// with nothing usable left comes back nil.
func SanitizePayload(raw map[string]any) (*Payload, []string) {
	if raw == nil {
		return nil, nil
	}

	var warnings []string
	p := &Payload{}
	kept := false

	if t, ok := coerceFloat(firstPresent(raw, "tempo", "tempo_bpm")); ok {
		if !tempo.InBand(t) {
			warnings = append(warnings, WarnTempoOutOfRange)
			t = tempo.ClampBPM(t)
		}
		p.Tempo = &t
		kept = true
	}

	if c, ok := coerceFloat(raw["tempo_confidence_score"]); ok {
		p.TempoConfidenceScore = &c
		kept = true
	} else if c, ok := coerceFloat(raw["tempo_confidence"]); ok {
		p.TempoConfidenceScore = &c
		kept = true
	}
	if label, ok := raw["tempo_confidence"].(string); ok {
		label = strings.ToLower(strings.TrimSpace(label))
		if label == "low" || label == "med" || label == "high" {
			p.TempoConfidenceLabel = label
			kept = true
		}
	}

	if key, ok := raw["key"].(string); ok {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			p.Key = trimmed
			kept = true
		}
	}
	if mode, ok := raw["mode"].(string); ok {
		mode = strings.ToLower(strings.TrimSpace(mode))
		if mode == "major" || mode == "minor" {
			p.Mode = mode
			kept = true
		}
	}
	if s, ok := coerceFloat(raw["key_strength"]); ok {
		p.KeyStrength = &s
		kept = true
	}

	if beatsRaw, ok := raw["beats_sec"].([]any); ok {
		beats := make([]float64, 0, len(beatsRaw))
		for _, b := range beatsRaw {
			if v, ok := coerceFloat(b); ok {
				beats = append(beats, v)
			}
		}
		if len(beats) > MaxBeatsLen {
			warnings = append(warnings, WarnBeatsTruncated)
			beats = beats[:MaxBeatsLen]
		}
		if len(beats) > 0 {
			p.BeatsSec = beats
			count := len(beats)
			p.BeatsCount = &count
			kept = true
		}
	} else if n, ok := coerceFloat(raw["beats_count"]); ok && n >= 0 {
		count := int(n)
		p.BeatsCount = &count
		kept = true
	}

	if altsRaw, ok := raw["tempo_alternates"].([]any); ok {
		alts := make([]float64, 0, len(altsRaw))
		for _, a := range altsRaw {
			if v, ok := coerceFloat(a); ok {
				alts = append(alts, v)
			}
		}
		if len(alts) > MaxTempoCandidates {
			alts = alts[:MaxTempoCandidates]
		}
		if len(alts) > 0 {
			p.TempoAlternates = alts
			kept = true
		}
	}

	if candsRaw, ok := raw["tempo_candidates"].([]any); ok {
		if len(candsRaw) > MaxTempoCandidates {
			warnings = append(warnings, WarnTempoCandsTruncated)
			candsRaw = candsRaw[:MaxTempoCandidates]
		}
		cands := make([]TempoCandidate, 0, len(candsRaw))
		for _, c := range candsRaw {
			entry, ok := c.(map[string]any)
			if !ok {
				continue
			}
			t, ok := coerceFloat(entry["tempo"])
			if !ok || !tempo.InBand(t) {
				continue
			}
			cand := TempoCandidate{Tempo: t}
			if conf, ok := coerceFloat(entry["confidence"]); ok {
				cand.Confidence = &conf
			}
			cands = append(cands, cand)
		}
		if len(cands) > 0 {
			p.TempoCandidates = cands
			kept = true
		}
	}

	if candsRaw, ok := raw["key_candidates"].([]any); ok {
		if len(candsRaw) > MaxKeyCandidates {
			warnings = append(warnings, WarnKeyCandsTruncated)
			candsRaw = candsRaw[:MaxKeyCandidates]
		}
		cands := make([]KeyCandidate, 0, len(candsRaw))
		for _, c := range candsRaw {
			entry, ok := c.(map[string]any)
			if !ok {
				continue
			}
			key, _ := entry["key"].(string)
			mode, _ := entry["mode"].(string)
			key = strings.TrimSpace(key)
			mode = strings.ToLower(strings.TrimSpace(mode))
			if key == "" || (mode != "major" && mode != "minor") {
				continue
			}
			cand := KeyCandidate{Key: key, Mode: mode}
			if s, ok := coerceFloat(entry["strength"]); ok {
				cand.Strength = &s
			}
			cands = append(cands, cand)
		}
		if len(cands) > 0 {
			p.KeyCandidates = cands
			kept = true
		}
	}

	if backend, ok := raw["backend"].(string); ok {
		if trimmed := strings.ToLower(strings.TrimSpace(backend)); trimmed != "" {
			p.Backend = trimmed
			kept = true
		}
	}
	if version, ok := raw["backend_version"].(string); ok {
		if trimmed := strings.TrimSpace(version); trimmed != "" {
			p.BackendVersion = trimmed
		}
	}

	if boundsRaw, ok := raw["tempo_confidence_bounds"].([]any); ok && len(boundsRaw) == 2 {
		lower, okL := coerceFloat(boundsRaw[0])
		upper, okU := coerceFloat(boundsRaw[1])
		if okL && okU && upper != lower {
			p.ConfidenceBounds = &tempo.Bounds{Lower: lower, Upper: upper}
		}
	}

	if !kept {
		return nil, warnings
	}
	return p, warnings
}

// MissingFieldWarnings reports which core fields the backend left out.
func (p *Payload) MissingFieldWarnings() []string {
	var warnings []string
	if p.Tempo == nil {
		warnings = append(warnings, WarnMissingTempo)
	}
	if p.Key == "" {
		warnings = append(warnings, WarnMissingKey)
	}
	if len(p.BeatsSec) == 0 {
		warnings = append(warnings, WarnMissingBeats)
	}
	if p.Backend != "" && p.BackendVersion == "" {
		warnings = append(warnings, WarnBackendVersionMissing)
	}
	return warnings
}

// firstPresent returns the first non-nil value among the named keys.
func firstPresent(raw map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// coerceFloat converts JSON-decoded values to a finite float64.
func coerceFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return 0, false
		}
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
