// Package sidecar runs external tempo/key estimators through a hardened
// command-template interface and sanitizes whatever they return.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/RyanBlaney/echoprobe/logging"
)

// Sidecar lifecycle statuses recorded on every feature record.
const (
	StatusNotRequested = "not_requested"
	StatusRequested    = "requested"
	StatusUsed         = "used"
	StatusInvalid      = "invalid"
	StatusFailed       = "failed"
	StatusTimeout      = "timeout"
	StatusDisabled     = "disabled"
	StatusCacheHit     = "cache_hit"
)

// Warning vocabulary. These exact strings surface in feature records so
// downstream consumers can audit degraded runs.
const (
	WarnTimeout               = "sidecar_timeout"
	WarnSubprocessFailed      = "sidecar_subprocess_failed"
	WarnOutputMissing         = "sidecar_output_missing"
	WarnBinaryMissing         = "sidecar_binary_missing"
	WarnBinaryNotAllowed      = "sidecar_binary_not_allowed"
	WarnCustomCmdBlocked      = "sidecar_custom_cmd_blocked"
	WarnMissingPlaceholders   = "sidecar_missing_placeholders"
	WarnPayloadInvalid        = "sidecar_payload_invalid"
	WarnRetrying              = "sidecar_retrying"
	WarnFallbackInternal      = "sidecar_failed_fallback_internal"
	WarnMissingTempo          = "sidecar_missing_tempo"
	WarnMissingKey            = "sidecar_missing_key"
	WarnMissingBeats          = "sidecar_missing_beats"
	WarnBeatsTruncated        = "sidecar_beats_truncated"
	WarnTempoOutOfRange       = "sidecar_tempo_out_of_range"
	WarnTempoCandsTruncated   = "sidecar_tempo_candidates_truncated"
	WarnKeyCandsTruncated     = "sidecar_key_candidates_truncated"
	WarnBackendVersionMissing = "sidecar_backend_version_missing"
	WarnBackendDisabled       = "sidecar_backend_disabled"
	WarnExternalJSONInvalid   = "sidecar_json_invalid_or_missing"
)

// DefaultCommandTemplate is the stock sidecar invocation. The template must
// keep both placeholders; anything else counts as a custom command.
const DefaultCommandTemplate = "python3 tools/tempo_sidecar_runner.py --audio {audio} --out {out}"

// Config holds sidecar execution settings. CPULimitSeconds and
// MemLimitBytes cap the subprocess best-effort (zero disables a cap);
// the wall-clock Timeout is the enforced bound everywhere.
type Config struct {
	CommandTemplate string        `json:"command_template"`
	OutputPath      string        `json:"output_path,omitempty"` // explicit JSON path; temp dir otherwise
	KeepTemp        bool          `json:"keep_temp"`
	AllowCustomCmd  bool          `json:"allow_custom_cmd"`
	AllowedRoots    []string      `json:"allowed_roots"`
	Timeout         time.Duration `json:"timeout"`
	Retries         int           `json:"retries"`
	MaxJSONBytes    int64         `json:"max_json_bytes"`
	CPULimitSeconds int64         `json:"cpu_limit_seconds,omitempty"`
	MemLimitBytes   int64         `json:"mem_limit_bytes,omitempty"`
}

// DefaultConfig returns sidecar settings matching production defaults.
func DefaultConfig() *Config {
	return &Config{
		CommandTemplate: DefaultCommandTemplate,
		AllowCustomCmd:  false,
		AllowedRoots:    []string{"/usr/bin", "/usr/local/bin", "/bin", "/opt"},
		Timeout:         45 * time.Second,
		Retries:         1,
		MaxJSONBytes:    5 << 20,
	}
}

// Runner executes sidecar commands. It never shells out: the template is
// split into argv fields before placeholder substitution, so paths with
// spaces cannot smuggle extra arguments.
type Runner struct {
	config *Config
}

// NewRunner creates a sidecar runner.
func NewRunner(config *Config) *Runner {
	if config == nil {
		config = DefaultConfig()
	}
	if config.CommandTemplate == "" {
		config.CommandTemplate = DefaultCommandTemplate
	}
	if config.Timeout <= 0 {
		config.Timeout = 45 * time.Second
	}
	if config.MaxJSONBytes <= 0 {
		config.MaxJSONBytes = 5 << 20
	}
	return &Runner{config: config}
}

// Outcome is the result of a sidecar exchange after retries and payload
// sanitization. Payload is non-nil only when Status is "used"; Raw holds
// the decoded JSON that passed sanitization, kept for payload caching.
type Outcome struct {
	Payload    *Payload
	Raw        map[string]any
	OutputPath string
	Status     string
	Attempts   int
	Warnings   []string
}

// RunWithRetries drives up to retries+1 attempts, sanitizing each payload.
// Subprocess failures retry with a warning; invalid payloads retry without
// one. A timeout anywhere pins the final status to "timeout" unless a later
// attempt succeeded.
func (r *Runner) RunWithRetries(ctx context.Context, audioPath string) *Outcome {
	maxAttempts := r.config.Retries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	out := &Outcome{Status: StatusRequested}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out.Attempts = attempt
		raw, path, warns := r.runOnce(ctx, audioPath)
		out.Warnings = append(out.Warnings, warns...)
		if raw != nil {
			payload, sanWarns := SanitizePayload(raw)
			out.Warnings = append(out.Warnings, sanWarns...)
			if payload != nil {
				out.Payload = payload
				out.Raw = raw
				out.OutputPath = path
				out.Status = StatusUsed
				break
			}
			out.Status = StatusInvalid
			out.Warnings = append(out.Warnings, WarnPayloadInvalid)
		} else {
			out.Status = StatusFailed
			if attempt < maxAttempts {
				out.Warnings = append(out.Warnings, WarnRetrying)
			}
		}
	}

	if out.Status != StatusUsed && hasWarning(out.Warnings, WarnTimeout) {
		out.Status = StatusTimeout
	}
	return out
}

// runOnce performs a single sidecar invocation and returns the raw decoded
// payload. Failures come back as a nil payload plus warnings, never panics
// or hard errors.
func (r *Runner) runOnce(ctx context.Context, audioPath string) (map[string]any, string, []string) {
	logger := logging.WithFields(logging.Fields{
		"component": "sidecar_runner",
		"audio":     audioPath,
	})
	var warnings []string

	template := r.config.CommandTemplate
	if !r.config.AllowCustomCmd && template != DefaultCommandTemplate && !strings.Contains(template, "tempo_sidecar_runner.py") {
		logger.Warn("custom sidecar command blocked")
		return nil, "", append(warnings, WarnCustomCmdBlocked)
	}
	if !strings.Contains(template, "{audio}") || !strings.Contains(template, "{out}") {
		logger.Warn("sidecar command template missing {audio}/{out} placeholders")
		return nil, "", append(warnings, WarnMissingPlaceholders)
	}

	outPath := r.config.OutputPath
	var tempDir string
	if outPath == "" {
		tempDir = filepath.Join(os.TempDir(), "echoprobe_sidecar_"+uuid.NewString())
		if err := os.MkdirAll(tempDir, 0o755); err != nil {
			logger.Error(err, "failed to create sidecar temp dir")
			return nil, "", append(warnings, WarnOutputMissing)
		}
		outPath = filepath.Join(tempDir, "tempo.sidecar.json")
	}
	cleanup := func() {
		if tempDir != "" && !r.config.KeepTemp {
			if err := os.RemoveAll(tempDir); err != nil {
				logger.Debug("sidecar temp cleanup failed", logging.Fields{"error": err.Error()})
			}
		}
	}

	// Split first, substitute after: placeholder values never re-tokenize.
	fields := strings.Fields(template)
	argv := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, "{audio}", audioPath)
		f = strings.ReplaceAll(f, "{out}", outPath)
		argv = append(argv, f)
	}
	if len(argv) == 0 {
		cleanup()
		return nil, "", append(warnings, WarnMissingPlaceholders)
	}

	binary := argv[0]
	resolved, err := exec.LookPath(binary)
	if err != nil {
		logger.Warn("sidecar binary not found", logging.Fields{"binary": binary})
		cleanup()
		return nil, "", append(warnings, WarnBinaryMissing)
	}
	if !r.isAllowedBinary(resolved) {
		logger.Warn("sidecar binary not under an allowed root", logging.Fields{"binary": resolved})
		cleanup()
		return nil, "", append(warnings, WarnBinaryNotAllowed)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	logger.Debug("running sidecar", logging.Fields{
		"command": strings.Join(argv, " "),
		"timeout": r.config.Timeout.Seconds(),
	})

	cmd := exec.CommandContext(runCtx, resolved, argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cleanup()
		logger.Error(err, "sidecar subprocess failed to start")
		return nil, "", append(warnings, WarnSubprocessFailed)
	}
	if r.config.CPULimitSeconds > 0 || r.config.MemLimitBytes > 0 {
		if err := applyResourceLimits(cmd.Process.Pid, r.config.CPULimitSeconds, r.config.MemLimitBytes); err != nil {
			logger.Debug("sidecar resource limits not applied", logging.Fields{"error": err.Error()})
		}
	}

	if err := cmd.Wait(); err != nil {
		cleanup()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			logger.Warn("sidecar timed out", logging.Fields{"timeout": r.config.Timeout.Seconds()})
			return nil, "", append(warnings, WarnTimeout)
		}
		logger.Error(err, "sidecar subprocess failed", logging.Fields{
			"stderr": stderr.String(),
		})
		return nil, "", append(warnings, WarnSubprocessFailed)
	}
	if stdout.Len() > 0 {
		logger.Debug("sidecar stdout", logging.Fields{"stdout": strings.TrimSpace(stdout.String())})
	}

	payload, err := LoadJSONGuarded(outPath, r.config.MaxJSONBytes)
	if err != nil {
		logger.Warn("sidecar output unusable", logging.Fields{"path": outPath, "error": err.Error()})
		cleanup()
		if os.IsNotExist(err) {
			return nil, "", append(warnings, WarnOutputMissing)
		}
		return nil, "", warnings
	}

	cleanup()
	return payload, outPath, warnings
}

// isAllowedBinary checks the resolved binary path against the allow-list.
func (r *Runner) isAllowedBinary(resolved string) bool {
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return false
	}
	if target, err := filepath.EvalSymlinks(abs); err == nil {
		abs = target
	}
	for _, root := range r.config.AllowedRoots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// LoadJSONGuarded reads a JSON mapping with a hard byte ceiling. Oversized
// or non-object documents are rejected before full decode.
func LoadJSONGuarded(path string, maxBytes int64) (map[string]any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return nil, fmt.Errorf("sidecar output %d bytes exceeds cap %d", info.Size(), maxBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("sidecar output is not a JSON mapping: %w", err)
	}
	return payload, nil
}

func hasWarning(warnings []string, target string) bool {
	for _, w := range warnings {
		if w == target {
			return true
		}
	}
	return false
}
