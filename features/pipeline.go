package features

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/RyanBlaney/echoprobe/cache"
	"github.com/RyanBlaney/echoprobe/logging"
	"github.com/RyanBlaney/echoprobe/sidecar"
	"github.com/RyanBlaney/echoprobe/tempo"
	"github.com/RyanBlaney/echoprobe/transcode"
)

// ErrSidecarRequired reports that sidecar-required mode could not be
// satisfied. Wrapped with context about why the sidecar was unavailable.
var ErrSidecarRequired = errors.New("sidecar required but not used")

// Pipeline resolves one audio file into a feature record: decode,
// preprocess, estimate, optionally merge an external backend, gate through
// QA and persist. Safe for reuse across files; not safe for concurrent
// Analyze calls on the same instance.
type Pipeline struct {
	cfg          *Config
	decoder      *transcode.Decoder
	preprocessor *transcode.Preprocessor
	estimator    *Estimator
	scorer       *tempo.ConfidenceScorer
	cache        cache.Backend
	sidecarCache *sidecar.Cache
}

// NewPipeline assembles a pipeline. A nil config means DefaultConfig.
func NewPipeline(cfg *Config) *Pipeline {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.normalized()

	decoderCfg := cfg.Decoder
	if decoderCfg == nil {
		decoderCfg = transcode.DefaultDecoderConfig()
		decoderCfg.TargetSampleRate = cfg.TargetSampleRate
	}
	cfg.Decoder = decoderCfg

	p := &Pipeline{
		cfg:          cfg,
		decoder:      transcode.NewDecoder(decoderCfg),
		preprocessor: transcode.NewPreprocessor(cfg.TargetSampleRate, cfg.TargetLUFS),
		estimator:    NewEstimator(cfg.TargetSampleRate),
		scorer:       tempo.NewConfidenceScorer(),
		cache:        cache.New(cfg.CacheDir, cfg.CacheBackend),
	}
	if p.cache.Kind() == cache.KindDisk {
		p.sidecarCache = sidecar.NewCache(filepath.Join(cfg.CacheDir, "sidecar"))
	}
	return p
}

// Cache exposes the feature cache backend, used by GC runs.
func (p *Pipeline) Cache() cache.Backend { return p.cache }

// sidecarState tracks one analysis run's external-backend exchange.
type sidecarState struct {
	status     string
	warnings   []string
	attempts   int
	payload    *sidecar.Payload
	sourcePath string
	command    string
}

// analysis accumulates resolved tempo and key values as internal estimates
// give way to external merges.
type analysis struct {
	sel          tempo.Selection
	confScore    float64
	confScoreRaw float64
	confLabel    string

	keyRoot        string
	mode           string
	internalMode   string
	keyStrengthRaw *float64
	keyScoreNorm   *float64

	beatsCount      *int
	tempoAlternates []float64
	tempoCandidates []sidecar.TempoCandidate
	keyCandidates   []sidecar.KeyCandidate

	energy       *float64
	danceability *float64
	valence      float64

	external       bool
	backendHint    string
	backendVersion string
}

// Analyze resolves a single audio file into a feature record. Fatal errors
// cover input validation, sidecar-required failures, strict-mode QA and
// wall-clock budget overruns; every recoverable degradation lands in the
// record's warnings instead.
func (p *Pipeline) Analyze(ctx context.Context, path string) (*Record, error) {
	logger := logging.WithFields(logging.Fields{
		"component": "feature_pipeline",
		"audio":     path,
	})
	start := time.Now()

	absPath, err := transcode.ValidateFile(path, p.cfg.Decoder.MaxFileBytes)
	if err != nil {
		return nil, err
	}
	if p.cfg.Decoder.MaxDuration > 0 {
		if probed, perr := p.decoder.ProbeDuration(absPath); perr == nil && probed > p.cfg.Decoder.MaxDuration {
			return nil, fmt.Errorf("audio duration too long (%.2fs > %.2fs limit)",
				probed.Seconds(), p.cfg.Decoder.MaxDuration.Seconds())
		}
	}

	sourceMtime, err := SourceMtime(absPath)
	if err != nil {
		return nil, err
	}
	sourceHash, err := HashFileSHA256(absPath)
	if err != nil {
		return nil, err
	}

	components := p.cfg.Components()
	sc, err := p.runSidecar(ctx, absPath, sourceHash, components)
	if err != nil {
		return nil, err
	}

	if p.cfg.TrackTimeout > 0 {
		if elapsed := time.Since(start); elapsed > p.cfg.TrackTimeout {
			return nil, fmt.Errorf("track processing exceeded %s budget (elapsed=%.1fs)",
				p.cfg.TrackTimeout, elapsed.Seconds())
		}
	}

	configFP, err := FingerprintComponents(components)
	if err != nil {
		return nil, err
	}

	cacheEnabled := p.cache.Kind() != cache.KindNoop
	if cacheEnabled && !p.cfg.Force {
		if raw, ok := p.cache.Load(sourceHash, configFP, sourceMtime); ok {
			if rec, derr := DecodeRecord(raw); derr == nil {
				rec.NormalizeBackendFields()
				rec.EnsurePipelineMeta()
				rec.CacheStatus = cache.StatusHit
				logger.Info("feature cache hit", logging.Fields{
					"source_hash": sourceHash[:12],
				})
				return rec, nil
			}
			logger.Debug("cache entry undecodable, recomputing")
		}
	}

	audio, err := p.decoder.DecodeFile(absPath)
	if err != nil {
		return nil, err
	}
	pre, err := p.preprocessor.Process(audio)
	if err != nil {
		return nil, err
	}
	sampleRate := pre.SampleRate
	durationSec := float64(len(pre.Processed)) / float64(sampleRate)

	a := p.estimateInternal(pre.Processed, sampleRate, sc)
	if sc.payload != nil {
		if err := p.mergeExternal(sc, pre.Processed, sampleRate, a); err != nil {
			return nil, err
		}
	}

	if v, ok := p.estimator.EstimateEnergy(pre.Processed); ok {
		a.energy = floatPtr(v)
	}
	if v, ok := p.estimator.EstimateDanceability(pre.Processed, a.sel.Primary); ok {
		a.danceability = floatPtr(v)
	}
	a.valence = EstimateValence(a.mode, a.energy)

	if p.cfg.QAStrictMode && a.confScore < p.cfg.TempoConfStrictMin {
		return nil, fmt.Errorf("strict QA failed (tempo_confidence %.3f < %v)",
			a.confScore, p.cfg.TempoConfStrictMin)
	}

	qa := ComputeQAMetrics(pre.Raw, p.cfg.QA)
	qaStatus, qaGate, err := DetermineQAStatus(qa, p.cfg.FailOnClippingDBFS)
	if err != nil {
		return nil, err
	}
	qa.Status = qaStatus
	qa.Gate = qaGate
	if p.cfg.QAStrictMode {
		if err := ValidateQAStrict(qa, qaStatus); err != nil {
			return nil, err
		}
	}

	rec := p.assembleRecord(absPath, sourceHash, sourceMtime, configFP, sampleRate, durationSec, pre, a, sc, qa, qaStatus, qaGate)

	if cacheEnabled {
		rec.CacheStatus = cache.StatusMiss
		if encoded, eerr := rec.Encode(); eerr == nil {
			if serr := p.cache.Store(sourceHash, configFP, sourceMtime, encoded); serr != nil {
				logger.Warn("feature cache store failed", logging.Fields{
					"error": serr.Error(),
				})
			}
		}
	} else {
		rec.CacheStatus = cache.StatusDisabled
	}

	logger.Info("analysis complete", logging.Fields{
		"tempo_bpm":     rec.TempoBPM,
		"key":           rec.Key,
		"mode":          rec.Mode,
		"tempo_backend": rec.TempoBackend,
		"qa_status":     rec.QAStatus,
		"elapsed":       time.Since(start).String(),
	})
	return rec, nil
}

// estimateInternal computes the in-process estimates that every record
// starts from, including the low-confidence octave correction when no
// external payload is waiting to override them.
func (p *Pipeline) estimateInternal(signal []float64, sampleRate int, sc *sidecarState) *analysis {
	a := &analysis{}
	a.sel = p.estimator.EstimateTempo(signal)
	a.confScore, a.confLabel = p.scorer.Score(signal, sampleRate, a.sel.Primary)
	a.confScoreRaw = a.confScore

	keyRoot, mode, ok := p.estimator.EstimateKeyAndMode(signal)
	if ok {
		a.keyRoot = keyRoot
		a.mode = mode
	}
	a.internalMode = a.mode

	if sc.payload == nil {
		a.sel, a.confScore, a.confLabel, _ = p.scorer.ResolveLowConfidence(signal, sampleRate, a.sel, a.confScore, a.confLabel)
		a.confScoreRaw = a.confScore
	}
	return a
}

// assembleCommand builds the sidecar command for this configuration:
// presentation flags append to the template, and the stock command is
// biased toward the first enabled backend family when auto is disabled.
func (p *Pipeline) assembleCommand() string {
	base := sidecar.DefaultCommandTemplate
	if p.cfg.Sidecar != nil && p.cfg.Sidecar.CommandTemplate != "" {
		base = p.cfg.Sidecar.CommandTemplate
	}
	cmd := base
	if p.cfg.SidecarVerbose {
		cmd += " --verbose"
	}
	if p.cfg.SidecarDropBeats {
		cmd += " --drop-beats"
	}
	if b := p.cfg.SidecarConfBounds; b != nil {
		cmd += fmt.Sprintf(" --tempo-conf-lower %g --tempo-conf-upper %g", b.Lower, b.Upper)
	}
	if base == sidecar.DefaultCommandTemplate && !p.cfg.BackendEnabled("auto") {
		for _, cand := range []string{"essentia", "madmom", "librosa"} {
			if p.cfg.BackendEnabled(cand) {
				cmd += " --backend " + cand
				break
			}
		}
	}
	return cmd
}

// runSidecar drives the external-backend exchange: payload cache, retry
// loop, pre-supplied JSON, fingerprint mutation and the sidecar-required
// gate. Recoverable failures come back in the state's warnings; the error
// return is reserved for RequireSidecar violations.
func (p *Pipeline) runSidecar(ctx context.Context, absPath, sourceHash string, components map[string]any) (*sidecarState, error) {
	logger := logging.WithFields(logging.Fields{
		"component": "feature_pipeline",
		"audio":     absPath,
	})
	sc := &sidecarState{status: sidecar.StatusNotRequested}

	if p.cfg.TempoBackend == BackendDisabled {
		sc.status = sidecar.StatusDisabled
		if p.cfg.RequireSidecar {
			return nil, fmt.Errorf("external tempo backend disabled: %w", ErrSidecarRequired)
		}
		return sc, nil
	}

	requested := p.cfg.TempoBackend == BackendExternal
	if requested {
		sc.status = sidecar.StatusRequested
		sc.command = p.assembleCommand()
		components["tempo_backend"] = externalBackendDescriptor
		components["tempo_sidecar_cmd"] = sc.command

		if !p.anyBackendEnabled() {
			sc.status = sidecar.StatusDisabled
			sc.warnings = append(sc.warnings, sidecar.WarnBackendDisabled)
			if p.cfg.RequireSidecar {
				return nil, fmt.Errorf("sidecar backends disabled via registry: %w", ErrSidecarRequired)
			}
		}

		if p.cfg.ExternalJSONPath == "" {
			if p.sidecarCache != nil {
				if raw, ok := p.sidecarCache.Load(sourceHash, sc.command); ok {
					payload, sanWarns := sidecar.SanitizePayload(raw)
					sc.warnings = append(sc.warnings, sanWarns...)
					if payload != nil {
						sc.payload = payload
						sc.sourcePath = p.sidecarCache.EntryPath(sourceHash, sc.command)
						sc.status = sidecar.StatusCacheHit
						sc.attempts = 0
					}
				}
			}

			if sc.payload == nil {
				runnerCfg := *p.cfg.Sidecar
				runnerCfg.CommandTemplate = sc.command
				outcome := sidecar.NewRunner(&runnerCfg).RunWithRetries(ctx, absPath)
				sc.attempts = outcome.Attempts
				sc.warnings = append(sc.warnings, outcome.Warnings...)
				sc.status = outcome.Status
				if outcome.Status == sidecar.StatusUsed {
					sc.payload = outcome.Payload
					sc.sourcePath = outcome.OutputPath
					if p.sidecarCache != nil && outcome.Raw != nil {
						if err := p.sidecarCache.Store(sourceHash, sc.command, outcome.Raw); err != nil {
							logger.Debug("sidecar cache store failed", logging.Fields{
								"error": err.Error(),
							})
						}
					}
				} else {
					sc.warnings = append(sc.warnings, sidecar.WarnFallbackInternal)
					logger.Debug("sidecar failed, falling back to internal estimates", logging.Fields{
						"status":   sc.status,
						"attempts": sc.attempts,
					})
				}
			}
		}
	}

	if sc.payload == nil && p.cfg.ExternalJSONPath != "" {
		sc.sourcePath = p.cfg.ExternalJSONPath
		raw, lerr := sidecar.LoadJSONGuarded(p.cfg.ExternalJSONPath, p.cfg.Sidecar.MaxJSONBytes)
		if lerr == nil {
			payload, sanWarns := sidecar.SanitizePayload(raw)
			sc.warnings = append(sc.warnings, sanWarns...)
			if payload != nil {
				sc.payload = payload
				sc.status = sidecar.StatusUsed
			}
		}
		if sc.payload == nil {
			sc.status = sidecar.StatusInvalid
			sc.warnings = append(sc.warnings, sidecar.WarnExternalJSONInvalid)
			logger.Debug("external payload unreadable or invalid", logging.Fields{
				"path": p.cfg.ExternalJSONPath,
			})
		}
	}

	if sc.payload != nil {
		components["tempo_backend"] = externalBackendDescriptor
		if requested {
			components["tempo_sidecar_cmd"] = sc.command
		}
	}

	if p.cfg.RequireSidecar && requested && sc.payload == nil {
		if sc.status == sidecar.StatusTimeout {
			return nil, fmt.Errorf("sidecar timed out after %s: %w", p.cfg.Sidecar.Timeout, ErrSidecarRequired)
		}
		return nil, ErrSidecarRequired
	}
	return sc, nil
}

func (p *Pipeline) anyBackendEnabled() bool {
	return len(p.cfg.EnabledBackends) > 0
}

// mergeExternal folds a sanitized payload over the internal estimates.
// A payload declaring a registry-disabled backend is discarded whole, so
// the record falls back to internal values with a warning.
func (p *Pipeline) mergeExternal(sc *sidecarState, signal []float64, sampleRate int, a *analysis) error {
	payload := sc.payload
	hint := payload.Backend

	if hint != "" && !p.cfg.BackendEnabled(hint) {
		sc.warnings = append(sc.warnings, sidecar.WarnBackendDisabled)
		if p.cfg.RequireSidecar {
			return fmt.Errorf("sidecar backend %q disabled via registry: %w", hint, ErrSidecarRequired)
		}
		sc.payload = nil
		sc.status = sidecar.StatusFailed
		logging.Debug("external payload discarded, backend disabled", logging.Fields{
			"component": "feature_pipeline",
			"backend":   hint,
		})
		return nil
	}

	a.external = true
	a.backendHint = hint
	a.backendVersion = payload.BackendVersion
	sc.warnings = append(sc.warnings, payload.MissingFieldWarnings()...)

	bounds := payload.ConfidenceBounds
	if bounds == nil {
		bounds = p.cfg.SidecarConfBounds
	}

	if payload.Tempo != nil && *payload.Tempo > 0 {
		primary := *payload.Tempo
		source := "sidecar"
		if sc.sourcePath != "" {
			source = filepath.Base(sc.sourcePath)
		}
		a.sel = tempo.Selection{
			Primary:   primary,
			AltHalf:   primary / 2.0,
			AltDouble: primary * 2.0,
			Reason:    "external_backend:" + source,
		}
	}

	if payload.TempoConfidenceScore != nil {
		raw := *payload.TempoConfidenceScore
		a.confScoreRaw = raw
		a.confScore = tempo.NormalizeConfidence(raw, hint, bounds)
		if payload.TempoConfidenceLabel != "" {
			a.confLabel = payload.TempoConfidenceLabel
		} else {
			a.confLabel = tempo.LabelForBackend(a.confScore, hint, &raw)
		}
	} else {
		a.confScore, a.confLabel = p.scorer.Score(signal, sampleRate, a.sel.Primary)
	}

	// Beat-tracker style backends share the internal estimator's octave
	// ambiguity, so their low-confidence results get the same correction.
	if hint == "madmom" || hint == "librosa" {
		a.sel, a.confScore, a.confLabel, _ = p.scorer.ResolveLowConfidence(signal, sampleRate, a.sel, a.confScore, a.confLabel)
	}

	if payload.Key != "" {
		a.keyRoot = payload.Key
		if payload.Mode == "major" || payload.Mode == "minor" {
			a.mode = payload.Mode
		} else {
			a.mode = a.internalMode
		}
	}
	if payload.KeyStrength != nil {
		a.keyStrengthRaw = payload.KeyStrength
		a.keyScoreNorm = floatPtr(tempo.NormalizeKeyStrength(*payload.KeyStrength))
	}

	a.beatsCount = payload.BeatsCount
	a.tempoAlternates = payload.TempoAlternates
	a.tempoCandidates = payload.TempoCandidates
	a.keyCandidates = payload.KeyCandidates
	return nil
}

// assembleRecord builds the immutable record from resolved analysis state.
func (p *Pipeline) assembleRecord(
	absPath, sourceHash string,
	sourceMtime float64,
	configFP string,
	sampleRate int,
	durationSec float64,
	pre *transcode.PreprocessResult,
	a *analysis,
	sc *sidecarState,
	qa *QAMetrics,
	qaStatus, qaGate string,
) *Record {
	now := utcNowISO()

	rec := &Record{
		SourceAudio: absPath,
		SourceMtime: sourceMtime,
		SampleRate:  sampleRate,
		DurationSec: durationSec,

		TempoBPM:          a.sel.Primary,
		TempoChoiceReason: a.sel.Reason,
		TempoConfidence:   a.confLabel,

		LoudnessLUFS:                pre.LoudnessRaw,
		LoudnessLUFSNormalized:      floatPtr(pre.LoudnessNormalized),
		LoudnessNormalizationGainDB: pre.GainDB,
		NormalizedForFeatures:       true,

		Energy:       a.energy,
		Danceability: a.danceability,
		Valence:      floatPtr(a.valence),

		PipelineVersion:   PipelineVersion,
		TargetSampleRate:  p.cfg.TargetSampleRate,
		ConfigFingerprint: configFP,
		GeneratedUTC:      now,
		ProcessedUTC:      now,
		SourceHash:        sourceHash,

		QA:       qa,
		QAStatus: qaStatus,
		QAGate:   qaGate,

		SidecarStatus:          sc.status,
		SidecarAttempts:        sc.attempts,
		SidecarTimeoutSeconds:  p.cfg.Sidecar.Timeout.Seconds(),
		SidecarCPULimitSeconds: p.cfg.Sidecar.CPULimitSeconds,
		SidecarMemLimitBytes:   p.cfg.Sidecar.MemLimitBytes,
		SidecarWarnings:        sc.warnings,

		Provenance: buildProvenance(shortHash(sourceHash)),
	}

	if a.sel.Primary > 0 {
		rec.TempoPrimary = floatPtr(a.sel.Primary)
	}
	if a.sel.AltHalf > 0 {
		rec.TempoAltHalf = floatPtr(a.sel.AltHalf)
	}
	if a.sel.AltDouble > 0 {
		rec.TempoAltDouble = floatPtr(a.sel.AltDouble)
	}
	rec.TempoConfidenceScore = floatPtr(a.confScore)
	rec.TempoConfidenceScoreRaw = floatPtr(a.confScoreRaw)

	if a.external {
		rec.TempoBackend = "external"
		rec.KeyBackend = "external"
		rec.TempoBackendDetail = a.backendHint
		rec.TempoBackendSource = sc.sourcePath
		rec.TempoBackendMeta = &BackendMeta{Backend: a.backendHint, BackendVersion: a.backendVersion}
		rec.TempoAlternates = a.tempoAlternates
		rec.TempoBeatsCount = a.beatsCount
		rec.TempoCandidates = a.tempoCandidates
		rec.KeyCandidates = a.keyCandidates
		rec.KeyConfidenceScoreRaw = a.keyStrengthRaw
		rec.KeyConfidenceScore = a.keyScoreNorm
	} else {
		rec.TempoBackend = "internal"
		rec.KeyBackend = "internal"
	}

	rec.Key = a.keyRoot
	if a.mode == "major" || a.mode == "minor" {
		rec.Mode = a.mode
	} else {
		rec.Mode = "unknown"
	}
	rec.KeyConfidence = KeyConfidenceLabel(a.keyRoot)

	rec.NormalizeBackendFields()

	if meta, err := p.decoder.Probe(absPath); err == nil && meta != nil {
		rec.SourceAudioInfo = &SourceAudioInfo{
			OrigSampleRate:  meta.SampleRate,
			OrigChannels:    meta.Channels,
			OrigFormat:      meta.Format,
			OrigSubtype:     meta.Codec,
			OrigDurationSec: floatPtr(meta.Duration),
		}
	}

	rec.EnsurePipelineMeta()
	return rec
}

// shortHash is the provenance track id, the first 12 hex digits of the
// source hash.
func shortHash(sourceHash string) string {
	if len(sourceHash) > 12 {
		return sourceHash[:12]
	}
	return sourceHash
}
