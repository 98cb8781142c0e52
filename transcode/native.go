package transcode

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	mp3 "github.com/hajimehoshi/go-mp3"

	"github.com/RyanBlaney/echoprobe/logging"
)

// decodeWAV decodes a WAV file natively, preserving source channels and rate.
// Samples normalize to [-1, 1] by the source bit depth.
func decodeWAV(filename string) (*AudioData, error) {
	logger := logging.WithFields(logging.Fields{
		"component": "audio_decoder",
		"function":  "decodeWAV",
		"filename":  filename,
	})

	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open wav file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			logger.Debug("wav file close failed", logging.Fields{"error": cerr.Error()})
		}
	}()

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("invalid wav file: %s", filename)
	}

	duration, err := decoder.Duration()
	if err != nil {
		return nil, fmt.Errorf("failed to read wav duration: %w", err)
	}

	channels := int(decoder.NumChans)
	sampleRate := int(decoder.SampleRate)
	if channels <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("invalid wav format: channels=%d sample_rate=%d", channels, sampleRate)
	}

	totalSamples := int(duration.Seconds() * float64(sampleRate))
	if totalSamples <= 0 {
		return nil, fmt.Errorf("wav file contains no samples: %s", filename)
	}

	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: channels,
			SampleRate:  sampleRate,
		},
		Data:           make([]int, totalSamples*channels),
		SourceBitDepth: int(decoder.BitDepth),
	}

	n, err := decoder.PCMBuffer(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read wav samples: %w", err)
	}
	if n < len(buf.Data) {
		buf.Data = buf.Data[:n]
	}

	// Normalize to [-1.0, 1.0] by source bit depth
	maxVal := float64(int(1) << (uint(decoder.BitDepth) - 1))
	samples := make([]float64, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float64(v) / maxVal
	}

	logger.Debug("WAV decode completed", logging.Fields{
		"sample_rate": sampleRate,
		"channels":    channels,
		"bit_depth":   decoder.BitDepth,
		"samples":     len(samples),
	})

	return &AudioData{
		PCM:        samples,
		SampleRate: sampleRate,
		Channels:   channels,
		Duration:   duration,
		Path:       filename,
	}, nil
}

// probeWAVDuration reads the WAV header only.
func probeWAVDuration(filename string) (time.Duration, error) {
	file, err := os.Open(filename)
	if err != nil {
		return 0, fmt.Errorf("failed to open wav file: %w", err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		return 0, fmt.Errorf("invalid wav file: %s", filename)
	}
	return decoder.Duration()
}

// decodeMP3 decodes an MP3 file natively. The decoder always emits 16-bit
// little-endian stereo, so the result is interleaved two-channel PCM.
func decodeMP3(filename string) (*AudioData, error) {
	logger := logging.WithFields(logging.Fields{
		"component": "audio_decoder",
		"function":  "decodeMP3",
		"filename":  filename,
	})

	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open mp3 file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			logger.Debug("mp3 file close failed", logging.Fields{"error": cerr.Error()})
		}
	}()

	decoder, err := mp3.NewDecoder(file)
	if err != nil {
		return nil, fmt.Errorf("mp3 decode failed: %w", err)
	}

	sampleRate := decoder.SampleRate()
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid mp3 sample rate: %d", sampleRate)
	}

	// Length is the decoded byte count: 4 bytes per stereo frame.
	samples := make([]float64, 0, decoder.Length()/2)
	buf := make([]byte, 8192)
	for {
		n, err := decoder.Read(buf)
		if n > 0 {
			for i := 0; i+1 < n; i += 2 {
				sample := int16(buf[i]) | int16(buf[i+1])<<8
				samples = append(samples, float64(sample)/32768.0)
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("mp3 read failed: %w", err)
		}
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("mp3 file contains no samples: %s", filename)
	}

	duration := time.Duration(len(samples)/2) * time.Second / time.Duration(sampleRate)

	logger.Debug("MP3 decode completed", logging.Fields{
		"sample_rate": sampleRate,
		"samples":     len(samples),
		"duration":    duration.Seconds(),
	})

	return &AudioData{
		PCM:        samples,
		SampleRate: sampleRate,
		Channels:   2,
		Duration:   duration,
		Path:       filename,
	}, nil
}

// probeMP3Duration derives duration from the decoded stream length without
// reading sample data.
func probeMP3Duration(filename string) (time.Duration, error) {
	file, err := os.Open(filename)
	if err != nil {
		return 0, fmt.Errorf("failed to open mp3 file: %w", err)
	}
	defer file.Close()

	decoder, err := mp3.NewDecoder(file)
	if err != nil {
		return 0, fmt.Errorf("mp3 decode failed: %w", err)
	}
	sampleRate := decoder.SampleRate()
	if sampleRate <= 0 {
		return 0, fmt.Errorf("invalid mp3 sample rate: %d", sampleRate)
	}
	frames := decoder.Length() / 4
	return time.Duration(frames) * time.Second / time.Duration(sampleRate), nil
}
