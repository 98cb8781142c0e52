package features

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/RyanBlaney/echoprobe/cache"
	"github.com/RyanBlaney/echoprobe/sidecar"
	"github.com/RyanBlaney/echoprobe/tempo"
	"github.com/RyanBlaney/echoprobe/transcode"
)

// Analysis targets. Every record is produced from mono audio at
// TargetSampleRate, loudness normalized toward TargetLUFS.
const (
	TargetSampleRate = 44100
	TargetLUFS       = -14.0
)

// DefaultTempoConfStrictMin is the tempo confidence floor enforced in
// strict mode.
const DefaultTempoConfStrictMin = 0.25

// Tempo backend selection, fixed per pipeline configuration.
const (
	BackendInternal = "internal"
	BackendExternal = "external"
	BackendDisabled = "disabled"
)

// externalBackendDescriptor is the fingerprint component recorded when an
// external payload shapes the record.
const externalBackendDescriptor = "external_sidecar"

// internalBackendDescriptor names the in-process estimator chain.
const internalBackendDescriptor = "internal.tempogram"

// Config holds every knob that shapes a feature record. The subset that
// affects output values feeds the config fingerprint.
type Config struct {
	TargetSampleRate int
	TargetLUFS       float64

	// Cache settings. CacheBackend is "disk" or "noop"; an empty CacheDir
	// disables caching entirely.
	CacheDir      string
	CacheBackend  string
	CacheMaxBytes int64
	Force         bool

	// TempoBackend selects internal, external or disabled dispatch.
	// ExternalJSONPath merges a pre-computed payload without running a
	// subprocess. EnabledBackends is the registry of sidecar backend
	// families allowed to serve external requests.
	TempoBackend     string
	ExternalJSONPath string
	Sidecar          *sidecar.Config
	RequireSidecar   bool
	EnabledBackends  []string

	// Sidecar presentation knobs, appended to the command template.
	// SidecarConfBounds also overrides normalization bounds when the
	// payload does not declare its own.
	SidecarVerbose    bool
	SidecarDropBeats  bool
	SidecarConfBounds *tempo.Bounds

	QA                 QAThresholds
	QAStrictMode       bool
	FailOnClippingDBFS *float64
	TempoConfStrictMin float64

	// TrackTimeout caps wall-clock time per track. Zero disables the cap.
	TrackTimeout time.Duration

	Decoder *transcode.DecoderConfig
}

// DefaultConfig returns a production configuration: internal tempo
// backend, disk cache, default QA gates, strict mode off.
func DefaultConfig() *Config {
	return &Config{
		TargetSampleRate:   TargetSampleRate,
		TargetLUFS:         TargetLUFS,
		CacheDir:           ".echoprobe_cache",
		CacheBackend:       cache.KindDisk,
		CacheMaxBytes:      cache.DefaultMaxBytes,
		TempoBackend:       BackendInternal,
		Sidecar:            sidecar.DefaultConfig(),
		EnabledBackends:    []string{"essentia", "madmom", "librosa", "auto"},
		QA:                 DefaultQAThresholds(),
		TempoConfStrictMin: DefaultTempoConfStrictMin,
	}
}

// normalized fills zero-valued fields with defaults so a partially
// constructed Config behaves like DefaultConfig for the gaps.
func (c *Config) normalized() *Config {
	out := *c
	if out.TargetSampleRate <= 0 {
		out.TargetSampleRate = TargetSampleRate
	}
	if out.TargetLUFS == 0 {
		out.TargetLUFS = TargetLUFS
	}
	if out.TempoBackend == "" {
		out.TempoBackend = BackendInternal
	}
	if out.QA == (QAThresholds{}) {
		out.QA = DefaultQAThresholds()
	}
	if out.TempoConfStrictMin == 0 {
		out.TempoConfStrictMin = DefaultTempoConfStrictMin
	}
	if out.EnabledBackends == nil {
		out.EnabledBackends = []string{"essentia", "madmom", "librosa", "auto"}
	}
	if out.Sidecar == nil {
		out.Sidecar = sidecar.DefaultConfig()
	}
	return &out
}

// BackendEnabled reports whether a sidecar backend family may serve
// external requests.
func (c *Config) BackendEnabled(name string) bool {
	for _, b := range c.EnabledBackends {
		if b == name {
			return true
		}
	}
	return false
}

// Components returns the fingerprint inputs for this configuration.
// Knobs that do not change output values (cache paths, timeouts, strict
// mode) are deliberately absent so they never churn the fingerprint.
func (c *Config) Components() map[string]any {
	return map[string]any{
		"target_sr":                c.TargetSampleRate,
		"target_lufs":              c.TargetLUFS,
		"energy_hop":               energyHopSize,
		"energy_frame":             energyFrameSize,
		"tempo_backend":            internalBackendDescriptor,
		"clip_peak_threshold":      c.QA.ClipPeak,
		"silence_ratio_threshold":  c.QA.SilenceRatio,
		"low_level_dbfs_threshold": c.QA.LowLevelDBFS,
	}
}

// FingerprintComponents digests the component map into a stable hex
// fingerprint. Marshaling a map sorts its keys, so insertion order never
// leaks into the digest.
func FingerprintComponents(components map[string]any) (string, error) {
	data, err := json.Marshal(components)
	if err != nil {
		return "", fmt.Errorf("failed to encode config components: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashFileSHA256 streams a file through SHA-256 and returns the hex
// digest. This is the content identity for cache keys and provenance.
func HashFileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SourceMtime returns the file modification time as fractional seconds
// since the epoch, the precision the cache mtime check compares at.
func SourceMtime(path string) (float64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return float64(info.ModTime().UnixNano()) / 1e9, nil
}

// utcNowISO is the record timestamp format, seconds precision UTC.
func utcNowISO() string {
	return time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
}

// buildProvenance reads VCS revision and module versions from the
// embedded build info. Best-effort: binaries built outside a module or
// without VCS stamping yield empty fields.
func buildProvenance(trackID string) *Provenance {
	prov := &Provenance{TrackID: trackID}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return prov
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			prov.GitSHA = setting.Value[:7]
			break
		}
	}
	deps := make(map[string]string, len(info.Deps))
	for _, dep := range info.Deps {
		deps[dep.Path] = dep.Version
	}
	if len(deps) > 0 {
		prov.Deps = deps
	}
	return prov
}
