package sidecar

import (
	"math"
	"testing"
)

func hasWarn(warnings []string, target string) bool {
	for _, w := range warnings {
		if w == target {
			return true
		}
	}
	return false
}

func TestSanitizePayloadFullPayload(t *testing.T) {
	raw := map[string]any{
		"tempo":                  128.0,
		"tempo_confidence_score": 0.8,
		"tempo_confidence":       "High",
		"key":                    " A ",
		"mode":                   "Major",
		"key_strength":           0.7,
		"beats_sec":              []any{0.5, 1.0, 1.5},
		"tempo_alternates":       []any{64.0, 256.0},
		"tempo_candidates": []any{
			map[string]any{"tempo": 128.0, "confidence": 0.9},
			map[string]any{"tempo": 500.0},
		},
		"key_candidates": []any{
			map[string]any{"key": "A", "mode": "major", "strength": 0.6},
			map[string]any{"key": "", "mode": "major"},
		},
		"backend":                 " Essentia ",
		"backend_version":         "2.1",
		"tempo_confidence_bounds": []any{0.5, 3.5},
		"totally_unknown_field":   "ignored",
	}

	p, warnings := SanitizePayload(raw)
	if p == nil {
		t.Fatal("expected usable payload")
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
	if p.Tempo == nil || *p.Tempo != 128 {
		t.Errorf("Tempo = %v, want 128", p.Tempo)
	}
	if p.TempoConfidenceScore == nil || *p.TempoConfidenceScore != 0.8 {
		t.Errorf("TempoConfidenceScore = %v, want 0.8", p.TempoConfidenceScore)
	}
	if p.TempoConfidenceLabel != "high" {
		t.Errorf("TempoConfidenceLabel = %q, want %q", p.TempoConfidenceLabel, "high")
	}
	if p.Key != "A" {
		t.Errorf("Key = %q, want %q", p.Key, "A")
	}
	if p.Mode != "major" {
		t.Errorf("Mode = %q, want %q", p.Mode, "major")
	}
	if p.KeyStrength == nil || *p.KeyStrength != 0.7 {
		t.Errorf("KeyStrength = %v, want 0.7", p.KeyStrength)
	}
	if len(p.BeatsSec) != 3 || p.BeatsCount == nil || *p.BeatsCount != 3 {
		t.Errorf("BeatsSec = %v, BeatsCount = %v, want 3 beats", p.BeatsSec, p.BeatsCount)
	}
	if len(p.TempoAlternates) != 2 {
		t.Errorf("TempoAlternates = %v, want 2 values", p.TempoAlternates)
	}
	// Out-of-band candidate tempos drop without clamping.
	if len(p.TempoCandidates) != 1 || p.TempoCandidates[0].Tempo != 128 {
		t.Errorf("TempoCandidates = %v, want single 128", p.TempoCandidates)
	}
	if len(p.KeyCandidates) != 1 || p.KeyCandidates[0].Key != "A" {
		t.Errorf("KeyCandidates = %v, want single A major", p.KeyCandidates)
	}
	if p.Backend != "essentia" {
		t.Errorf("Backend = %q, want %q", p.Backend, "essentia")
	}
	if p.BackendVersion != "2.1" {
		t.Errorf("BackendVersion = %q, want %q", p.BackendVersion, "2.1")
	}
	if p.ConfidenceBounds == nil || p.ConfidenceBounds.Lower != 0.5 || p.ConfidenceBounds.Upper != 3.5 {
		t.Errorf("ConfidenceBounds = %v, want {0.5 3.5}", p.ConfidenceBounds)
	}
}

func TestSanitizePayloadTempoClamp(t *testing.T) {
	tests := []struct {
		name string
		raw  float64
		want float64
	}{
		{name: "above band clamps down", raw: 500, want: 260},
		{name: "below band clamps up", raw: 10, want: 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, warnings := SanitizePayload(map[string]any{"tempo": tt.raw})
			if p == nil || p.Tempo == nil {
				t.Fatal("expected payload with tempo")
			}
			if *p.Tempo != tt.want {
				t.Errorf("Tempo = %v, want %v", *p.Tempo, tt.want)
			}
			if !hasWarn(warnings, WarnTempoOutOfRange) {
				t.Errorf("warnings = %v, want %s", warnings, WarnTempoOutOfRange)
			}
		})
	}
}

func TestSanitizePayloadTempoBPMAlias(t *testing.T) {
	p, _ := SanitizePayload(map[string]any{"tempo_bpm": "120.5"})
	if p == nil || p.Tempo == nil || *p.Tempo != 120.5 {
		t.Fatalf("expected tempo 120.5 from tempo_bpm string, got %+v", p)
	}
}

func TestSanitizePayloadConfidenceNumberFallback(t *testing.T) {
	// A numeric tempo_confidence doubles as the score when no score field
	// exists, and yields no label.
	p, _ := SanitizePayload(map[string]any{"tempo_confidence": 0.55})
	if p == nil || p.TempoConfidenceScore == nil || *p.TempoConfidenceScore != 0.55 {
		t.Fatalf("expected score 0.55, got %+v", p)
	}
	if p.TempoConfidenceLabel != "" {
		t.Errorf("TempoConfidenceLabel = %q, want empty", p.TempoConfidenceLabel)
	}
}

func TestSanitizePayloadNothingUsable(t *testing.T) {
	p, _ := SanitizePayload(map[string]any{"totally_unknown": 1.0})
	if p != nil {
		t.Errorf("expected nil payload for unknown-only fields, got %+v", p)
	}

	p, warnings := SanitizePayload(nil)
	if p != nil || warnings != nil {
		t.Errorf("expected (nil, nil) for nil input, got (%+v, %v)", p, warnings)
	}
}

func TestSanitizePayloadNonFiniteDropped(t *testing.T) {
	p, _ := SanitizePayload(map[string]any{
		"tempo":        math.NaN(),
		"key_strength": math.Inf(1),
	})
	if p != nil {
		t.Errorf("expected nil payload when every value is non-finite, got %+v", p)
	}
}

func TestSanitizePayloadBeatsTruncated(t *testing.T) {
	beats := make([]any, MaxBeatsLen+5)
	for i := range beats {
		beats[i] = float64(i) * 0.5
	}

	p, warnings := SanitizePayload(map[string]any{"beats_sec": beats})
	if p == nil {
		t.Fatal("expected payload")
	}
	if len(p.BeatsSec) != MaxBeatsLen {
		t.Errorf("len(BeatsSec) = %d, want %d", len(p.BeatsSec), MaxBeatsLen)
	}
	if p.BeatsCount == nil || *p.BeatsCount != MaxBeatsLen {
		t.Errorf("BeatsCount = %v, want %d", p.BeatsCount, MaxBeatsLen)
	}
	if !hasWarn(warnings, WarnBeatsTruncated) {
		t.Errorf("warnings = %v, want %s", warnings, WarnBeatsTruncated)
	}
}

func TestSanitizePayloadDegenerateBounds(t *testing.T) {
	p, _ := SanitizePayload(map[string]any{
		"tempo":                   120.0,
		"tempo_confidence_bounds": []any{2.0, 2.0},
	})
	if p == nil {
		t.Fatal("expected payload")
	}
	if p.ConfidenceBounds != nil {
		t.Errorf("ConfidenceBounds = %+v, want nil for equal bounds", p.ConfidenceBounds)
	}
}

func TestMissingFieldWarnings(t *testing.T) {
	p, _ := SanitizePayload(map[string]any{"backend": "essentia"})
	if p == nil {
		t.Fatal("expected payload")
	}

	warnings := p.MissingFieldWarnings()
	for _, want := range []string{WarnMissingTempo, WarnMissingKey, WarnMissingBeats, WarnBackendVersionMissing} {
		if !hasWarn(warnings, want) {
			t.Errorf("warnings = %v, missing %s", warnings, want)
		}
	}

	full, _ := SanitizePayload(map[string]any{
		"tempo":           120.0,
		"key":             "C",
		"beats_sec":       []any{0.5, 1.0},
		"backend":         "essentia",
		"backend_version": "2.1",
	})
	if got := full.MissingFieldWarnings(); len(got) != 0 {
		t.Errorf("warnings = %v, want none for complete payload", got)
	}
}
