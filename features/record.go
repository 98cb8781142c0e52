// Package features orchestrates audio analysis into immutable feature
// records: tempo with octave resolution, key and mode, perceptual
// descriptors, loudness accounting and QA gating.
package features

import (
	"encoding/json"
	"fmt"

	"github.com/RyanBlaney/echoprobe/sidecar"
)

// PipelineVersion stamps every record so schema drift is detectable.
const PipelineVersion = "echoprobe_features_v1.2"

// BackendMeta describes which estimator produced the tempo fields.
type BackendMeta struct {
	Backend        string `json:"backend"`
	BackendVersion string `json:"backend_version,omitempty"`
}

// Provenance ties a record back to the code and inputs that produced it.
type Provenance struct {
	GitSHA  string            `json:"git_sha,omitempty"`
	Deps    map[string]string `json:"deps,omitempty"`
	TrackID string            `json:"track_id"`
}

// SourceAudioInfo captures the container as probed before decode.
type SourceAudioInfo struct {
	OrigSampleRate  int      `json:"orig_sample_rate"`
	OrigChannels    int      `json:"orig_channels"`
	OrigFormat      string   `json:"orig_format"`
	OrigSubtype     string   `json:"orig_subtype,omitempty"`
	OrigDurationSec *float64 `json:"orig_duration_sec"`
}

// PipelineMeta mirrors the record fields downstream consumers page on
// most, grouped under one key so they survive partial reads.
type PipelineMeta struct {
	SourceHash            string       `json:"source_hash"`
	ConfigFingerprint     string       `json:"config_fingerprint"`
	PipelineVersion       string       `json:"pipeline_version"`
	GeneratedUTC          string       `json:"generated_utc"`
	SidecarStatus         string       `json:"sidecar_status"`
	SidecarAttempts       int          `json:"sidecar_attempts"`
	SidecarTimeoutSeconds float64      `json:"sidecar_timeout_seconds"`
	TempoBackend          string       `json:"tempo_backend"`
	TempoBackendDetail    string       `json:"tempo_backend_detail"`
	TempoBackendMeta      *BackendMeta `json:"tempo_backend_meta,omitempty"`
	TempoBackendSource    string       `json:"tempo_backend_source"`
	QAGate                string       `json:"qa_gate"`
}

// Record is one audio file's resolved descriptors. Immutable after
// assembly; persisted verbatim in the feature cache.
type Record struct {
	SourceAudio string  `json:"source_audio"`
	SourceMtime float64 `json:"source_mtime"`
	SampleRate  int     `json:"sample_rate"`
	DurationSec float64 `json:"duration_sec"`

	TempoBPM                float64                  `json:"tempo_bpm"`
	TempoPrimary            *float64                 `json:"tempo_primary"`
	TempoAltHalf            *float64                 `json:"tempo_alt_half"`
	TempoAltDouble          *float64                 `json:"tempo_alt_double"`
	TempoChoiceReason       string                   `json:"tempo_choice_reason"`
	TempoConfidence         string                   `json:"tempo_confidence"`
	TempoConfidenceScore    *float64                 `json:"tempo_confidence_score"`
	TempoConfidenceScoreRaw *float64                 `json:"tempo_confidence_score_raw"`
	TempoBackend            string                   `json:"tempo_backend"`
	TempoBackendSource      string                   `json:"tempo_backend_source"`
	TempoBackendDetail      string                   `json:"tempo_backend_detail"`
	TempoBackendMeta        *BackendMeta             `json:"tempo_backend_meta,omitempty"`
	TempoAlternates         []float64                `json:"tempo_alternates,omitempty"`
	TempoBeatsSec           []float64                `json:"tempo_beats_sec"`
	TempoBeatsCount         *int                     `json:"tempo_beats_count"`
	TempoCandidates         []sidecar.TempoCandidate `json:"tempo_candidates,omitempty"`

	KeyBackend            string                 `json:"key_backend"`
	Key                   string                 `json:"key"`
	Mode                  string                 `json:"mode"`
	KeyConfidence         string                 `json:"key_confidence"`
	KeyConfidenceScoreRaw *float64               `json:"key_confidence_score_raw"`
	KeyConfidenceScore    *float64               `json:"key_confidence_score"`
	KeyCandidates         []sidecar.KeyCandidate `json:"key_candidates,omitempty"`

	LoudnessLUFS                float64  `json:"loudness_LUFS"`
	LoudnessLUFSNormalized      *float64 `json:"loudness_LUFS_normalized"`
	LoudnessNormalizationGainDB float64  `json:"loudness_normalization_gain_db"`
	NormalizedForFeatures       bool     `json:"normalized_for_features"`

	Energy       *float64 `json:"energy"`
	Danceability *float64 `json:"danceability"`
	Valence      *float64 `json:"valence"`

	PipelineVersion   string `json:"pipeline_version"`
	TargetSampleRate  int    `json:"target_sample_rate"`
	ConfigFingerprint string `json:"config_fingerprint"`
	GeneratedUTC      string `json:"generated_utc"`
	ProcessedUTC      string `json:"processed_utc"`
	SourceHash        string `json:"source_hash"`

	QA       *QAMetrics `json:"qa,omitempty"`
	QAStatus string     `json:"qa_status"`
	QAGate   string     `json:"qa_gate"`

	SidecarStatus          string   `json:"sidecar_status"`
	SidecarAttempts        int      `json:"sidecar_attempts"`
	SidecarTimeoutSeconds  float64  `json:"sidecar_timeout_seconds"`
	SidecarCPULimitSeconds int64    `json:"sidecar_cpu_limit_seconds,omitempty"`
	SidecarMemLimitBytes   int64    `json:"sidecar_mem_limit_bytes,omitempty"`
	SidecarWarnings        []string `json:"sidecar_warnings,omitempty"`

	CacheStatus string      `json:"cache_status"`
	Provenance  *Provenance `json:"provenance,omitempty"`

	SourceAudioInfo *SourceAudioInfo `json:"source_audio_info,omitempty"`
	PipelineMeta    *PipelineMeta    `json:"feature_pipeline_meta,omitempty"`
}

// allowedBackendDetails is the closed set the tempo backend detail is
// forced into. Anything else collapses to "external".
var allowedBackendDetails = map[string]bool{
	"essentia": true,
	"madmom":   true,
	"librosa":  true,
	"auto":     true,
	"external": true,
}

// NormalizeBackendFields forces the tempo backend fields into the known
// vocabulary. Applied to fresh records and to cache hits so stale or
// hand-edited entries cannot smuggle arbitrary backend names downstream.
func (r *Record) NormalizeBackendFields() {
	if r.TempoBackend != "external" {
		r.TempoBackend = "internal"
		r.TempoBackendDetail = "internal"
		r.TempoBackendSource = "internal"
		version := ""
		if r.TempoBackendMeta != nil {
			version = r.TempoBackendMeta.BackendVersion
		}
		r.TempoBackendMeta = &BackendMeta{Backend: "internal", BackendVersion: version}
		return
	}

	detail := r.TempoBackendDetail
	if !allowedBackendDetails[detail] {
		detail = "external"
	}
	if detail == "auto" {
		detail = "external"
	}
	r.TempoBackendDetail = detail

	metaBackend := detail
	version := ""
	if r.TempoBackendMeta != nil {
		version = r.TempoBackendMeta.BackendVersion
		if allowedBackendDetails[r.TempoBackendMeta.Backend] {
			metaBackend = r.TempoBackendMeta.Backend
			if metaBackend == "auto" {
				metaBackend = "external"
			}
		}
	}
	r.TempoBackendMeta = &BackendMeta{Backend: metaBackend, BackendVersion: version}

	if r.TempoBackendSource == "" {
		r.TempoBackendSource = "external"
	}
}

// EnsurePipelineMeta populates feature_pipeline_meta from the top-level
// fields without overwriting values a stored record already carries.
func (r *Record) EnsurePipelineMeta() {
	meta := r.PipelineMeta
	if meta == nil {
		meta = &PipelineMeta{}
	}
	if meta.SourceHash == "" {
		meta.SourceHash = r.SourceHash
	}
	if meta.ConfigFingerprint == "" {
		meta.ConfigFingerprint = r.ConfigFingerprint
	}
	if meta.PipelineVersion == "" {
		meta.PipelineVersion = r.PipelineVersion
	}
	if meta.GeneratedUTC == "" {
		meta.GeneratedUTC = r.GeneratedUTC
		if meta.GeneratedUTC == "" {
			meta.GeneratedUTC = r.ProcessedUTC
		}
	}
	if meta.SidecarStatus == "" {
		meta.SidecarStatus = r.SidecarStatus
	}
	if meta.SidecarAttempts == 0 {
		meta.SidecarAttempts = r.SidecarAttempts
	}
	if meta.SidecarTimeoutSeconds == 0 {
		meta.SidecarTimeoutSeconds = r.SidecarTimeoutSeconds
	}
	if meta.TempoBackend == "" {
		meta.TempoBackend = r.TempoBackend
	}
	if meta.TempoBackendDetail == "" {
		meta.TempoBackendDetail = r.TempoBackendDetail
	}
	if meta.TempoBackendMeta == nil && r.TempoBackendMeta != nil {
		copied := *r.TempoBackendMeta
		meta.TempoBackendMeta = &copied
	}
	if meta.TempoBackendSource == "" {
		meta.TempoBackendSource = r.TempoBackendSource
	}
	if meta.QAGate == "" {
		meta.QAGate = r.QAGate
	}
	r.PipelineMeta = meta
}

// DecodeRecord parses a stored record and enforces the structural fields a
// trustworthy entry must carry.
func DecodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode feature record: %w", err)
	}
	if err := rec.ValidateStructure(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ValidateStructure rejects records missing the fields every complete
// analysis writes.
func (r *Record) ValidateStructure() error {
	if r.SourceAudio == "" {
		return fmt.Errorf("feature record missing source_audio")
	}
	if r.TempoBackend == "" {
		return fmt.Errorf("feature record missing tempo_backend")
	}
	if r.PipelineVersion == "" {
		return fmt.Errorf("feature record missing pipeline_version")
	}
	return nil
}

// Encode marshals the record for cache storage.
func (r *Record) Encode() (json.RawMessage, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode feature record: %w", err)
	}
	return data, nil
}

func floatPtr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }
