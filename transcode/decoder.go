package transcode

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/RyanBlaney/echoprobe/logging"
)

// AudioData represents decoded audio data
type AudioData struct {
	PCM        []float64     `json:"-"` // Raw PCM data, interleaved when Channels > 1
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	Duration   time.Duration `json:"duration"`
	Path       string        `json:"path,omitempty"`
}

// AudioMetadata holds detected audio properties from FFprobe
type AudioMetadata struct {
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	Codec      string  `json:"codec"`
	Duration   float64 `json:"duration"`
	Bitrate    int     `json:"bitrate"`
	Format     string  `json:"format"`
}

// DecoderConfig holds decoder configuration
type DecoderConfig struct {
	TargetSampleRate int           `json:"target_sample_rate"`
	MaxFileBytes     int64         `json:"max_file_bytes"`
	MaxDuration      time.Duration `json:"max_duration"`
	FFmpegPath       string        `json:"ffmpeg_path"`  // Path to ffmpeg binary
	FFprobePath      string        `json:"ffprobe_path"` // Path to ffprobe binary
	Timeout          time.Duration `json:"timeout"`      // Timeout for ffmpeg operations
}

// DefaultDecoderConfig returns default decoder configuration
func DefaultDecoderConfig() *DecoderConfig {
	return &DecoderConfig{
		TargetSampleRate: 44100,
		MaxFileBytes:     1 << 30,
		MaxDuration:      900 * time.Second,
		FFmpegPath:       "ffmpeg",  // Assume in PATH
		FFprobePath:      "ffprobe", // Assume in PATH
		Timeout:          60 * time.Second,
	}
}

// Decoder handles local audio file decoding. WAV and MP3 decode natively;
// every other allowed container goes through FFmpeg.
type Decoder struct {
	config *DecoderConfig
}

// NewDecoder creates a new audio decoder
func NewDecoder(config *DecoderConfig) *Decoder {
	if config == nil {
		config = DefaultDecoderConfig()
	}
	return &Decoder{config: config}
}

// GetConfig returns decoder configuration information
func (d *Decoder) GetConfig() map[string]any {
	return map[string]any{
		"target_sample_rate": d.config.TargetSampleRate,
		"max_file_bytes":     d.config.MaxFileBytes,
		"max_duration":       d.config.MaxDuration,
		"ffmpeg_path":        d.config.FFmpegPath,
		"ffprobe_path":       d.config.FFprobePath,
		"timeout":            d.config.Timeout,
	}
}

// DecodeFile validates and decodes an audio file and returns PCM data at the
// source sample rate and channel layout (FFmpeg-backed formats come back
// as mono at the target rate).
func (d *Decoder) DecodeFile(filename string) (*AudioData, error) {
	logger := logging.WithFields(logging.Fields{
		"component": "audio_decoder",
		"function":  "DecodeFile",
		"filename":  filename,
	})

	logger.Debug("Starting audio file decode")

	path, err := ValidateFile(filename, d.config.MaxFileBytes)
	if err != nil {
		logger.Error(err, "Audio file validation failed")
		return nil, err
	}

	if dur, err := d.ProbeDuration(path); err == nil && dur > 0 {
		if d.config.MaxDuration > 0 && dur > d.config.MaxDuration {
			return nil, &ValidationError{
				Path:   path,
				Reason: fmt.Sprintf("duration %.2fs exceeds limit %.2fs", dur.Seconds(), d.config.MaxDuration.Seconds()),
			}
		}
	}

	var audioData *AudioData
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		audioData, err = decodeWAV(path)
	case ".mp3":
		audioData, err = decodeMP3(path)
	default:
		audioData, err = d.decodeFileWithFFmpeg(path)
	}
	if err != nil {
		logger.Error(err, "Audio decode failed")
		return nil, err
	}

	if d.config.MaxDuration > 0 && audioData.Duration > d.config.MaxDuration {
		return nil, &ValidationError{
			Path:   path,
			Reason: fmt.Sprintf("duration %.2fs exceeds limit %.2fs", audioData.Duration.Seconds(), d.config.MaxDuration.Seconds()),
		}
	}

	logger.Debug("Audio decode completed", logging.Fields{
		"sample_rate": audioData.SampleRate,
		"channels":    audioData.Channels,
		"duration":    audioData.Duration.Seconds(),
		"samples":     len(audioData.PCM),
	})

	return audioData, nil
}

// Probe reports container-level metadata without decoding. Requires
// ffprobe; callers treat failure as missing metadata, not a fatal error.
func (d *Decoder) Probe(filename string) (*AudioMetadata, error) {
	return d.probeAudioFile(filename)
}

// ProbeDuration reports the audio duration without a full decode. WAV and
// MP3 read their own headers; other formats ask ffprobe.
func (d *Decoder) ProbeDuration(filename string) (time.Duration, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".wav":
		return probeWAVDuration(filename)
	case ".mp3":
		return probeMP3Duration(filename)
	default:
		metadata, err := d.probeAudioFile(filename)
		if err != nil {
			return 0, err
		}
		return time.Duration(metadata.Duration * float64(time.Second)), nil
	}
}

// probeAudioFile uses ffprobe to get audio information from a file
func (d *Decoder) probeAudioFile(filename string) (*AudioMetadata, error) {
	args := []string{
		"-v", "quiet", // Suppress verbose output
		"-print_format", "json", // JSON output
		"-show_streams",          // Show stream info
		"-select_streams", "a:0", // First audio stream only
		filename,
	}

	cmd := exec.Command(d.config.FFprobePath, args...)

	// Set timeout
	if d.config.Timeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.Timeout)
		defer cancel()
		cmd = exec.CommandContext(ctx, d.config.FFprobePath, args...)
	}

	output, err := cmd.Output()
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("ffprobe failed: %w, stderr: %s", err, string(exitError.Stderr))
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	// Parse ffprobe JSON output
	return d.parseFFprobeOutput(output)
}

// parseFFprobeOutput parses ffprobe JSON to extract audio metadata
func (d *Decoder) parseFFprobeOutput(jsonData []byte) (*AudioMetadata, error) {
	var probe struct {
		Streams []struct {
			CodecType     string `json:"codec_type"`
			CodecName     string `json:"codec_name"`
			SampleRate    string `json:"sample_rate"`
			Channels      int    `json:"channels"`
			Duration      string `json:"duration"`
			BitRate       string `json:"bit_rate"`
			CodecLongName string `json:"codec_long_name"`
		} `json:"streams"`
	}

	if err := json.Unmarshal(jsonData, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	if len(probe.Streams) == 0 {
		return nil, fmt.Errorf("no audio streams found")
	}

	stream := probe.Streams[0]

	// Validate that this is an audio stream
	if stream.CodecType != "audio" {
		return nil, fmt.Errorf("stream is not audio type: %s", stream.CodecType)
	}

	// Parse sample rate
	sampleRate, err := strconv.Atoi(stream.SampleRate)
	if err != nil {
		sampleRate = 44100 // Fallback to common sample rate
	}

	// Parse duration
	duration, err := strconv.ParseFloat(stream.Duration, 64)
	if err != nil {
		duration = 0
	}

	// Parse bitrate
	bitrate, err := strconv.Atoi(stream.BitRate)
	if err != nil {
		bitrate = 0
	}

	// Validate channels
	if stream.Channels <= 0 || stream.Channels > 8 {
		return nil, fmt.Errorf("invalid channel count: %d", stream.Channels)
	}

	return &AudioMetadata{
		SampleRate: sampleRate,
		Channels:   stream.Channels,
		Codec:      stream.CodecName,
		Duration:   duration,
		Bitrate:    bitrate,
		Format:     stream.CodecLongName,
	}, nil
}

// decodeFileWithFFmpeg decodes a compressed container through FFmpeg,
// emitting mono float64 at the target sample rate on stdout.
func (d *Decoder) decodeFileWithFFmpeg(filename string) (*AudioData, error) {
	logger := logging.WithFields(logging.Fields{
		"component": "audio_decoder",
		"function":  "decodeFileWithFFmpeg",
		"filename":  filename,
	})

	metadata, err := d.probeAudioFile(filename)
	if err != nil {
		logger.Error(err, "Failed to probe audio file")
		return nil, err
	}

	logger.Debug("Audio metadata detected", logging.Fields{
		"input_sample_rate": metadata.SampleRate,
		"input_channels":    metadata.Channels,
		"input_codec":       metadata.Codec,
		"input_duration":    metadata.Duration,
		"input_bitrate":     metadata.Bitrate,
	})

	args := []string{
		"-i", filename,
		"-vn",         // No video
		"-f", "f64le", // Output raw float64 little-endian
		"-ac", "1", // Downmix to mono
		"-ar", strconv.Itoa(d.config.TargetSampleRate), // Target sample rate
	}
	if d.config.MaxDuration > 0 {
		args = append(args, "-t", fmt.Sprintf("%.2f", d.config.MaxDuration.Seconds()))
	}
	args = append(args, "-v", "error", "pipe:1")

	cmd := exec.Command(d.config.FFmpegPath, args...)

	// Set timeout
	if d.config.Timeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.Timeout)
		defer cancel()
		cmd = exec.CommandContext(ctx, d.config.FFmpegPath, args...)
	}

	logger.Debug("Running ffmpeg command", logging.Fields{
		"args": strings.Join(args, " "),
	})

	startTime := time.Now()
	output, err := cmd.Output()
	decodeTime := time.Since(startTime)

	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			logger.Error(err, "Ffmpeg decode failed", logging.Fields{
				"stderr": string(exitError.Stderr),
			})
			return nil, fmt.Errorf("ffmpeg decode failed: %w, stderr: %s", err, string(exitError.Stderr))
		}
		return nil, fmt.Errorf("ffmpeg decode failed: %w", err)
	}

	samples := d.bytesToFloat64(output)
	if len(samples) == 0 {
		return nil, fmt.Errorf("no audio samples decoded")
	}

	duration := time.Duration(len(samples)) * time.Second / time.Duration(d.config.TargetSampleRate)

	logger.Debug("FFmpeg decode completed", logging.Fields{
		"output_bytes": len(output),
		"samples":      len(samples),
		"duration":     duration.Seconds(),
		"decode_time":  decodeTime.Seconds(),
	})

	return &AudioData{
		PCM:        samples,
		SampleRate: d.config.TargetSampleRate,
		Channels:   1,
		Duration:   duration,
		Path:       filename,
	}, nil
}

// bytesToFloat64 converts raw f64le bytes to float64 samples
func (d *Decoder) bytesToFloat64(data []byte) []float64 {
	sampleCount := len(data) / 8
	samples := make([]float64, 0, sampleCount)

	for i := 0; i+8 <= len(data); i += 8 {
		bits := binary.LittleEndian.Uint64(data[i : i+8])
		sample := math.Float64frombits(bits)
		if math.IsNaN(sample) || math.IsInf(sample, 0) {
			sample = 0
		}
		samples = append(samples, sample)
	}

	return samples
}
