package transcode

import (
	"fmt"

	"github.com/RyanBlaney/echoprobe/algorithms/common"
	"github.com/RyanBlaney/echoprobe/logging"
)

// PreprocessResult holds the mono target-rate signal in two renditions:
// Raw preserves program loudness for QA, Processed is loudness-normalized
// for feature stability.
type PreprocessResult struct {
	Raw                []float64
	Processed          []float64
	SampleRate         int
	LoudnessRaw        float64
	LoudnessNormalized float64
	GainDB             float64
}

// Preprocessor converts decoded audio into the canonical analysis signal:
// mono, resampled to the target rate, normalized toward the target LUFS.
type Preprocessor struct {
	targetSampleRate int
	targetLUFS       float64
	maxGainDB        float64
	clipPeak         float64
	interpolator     *common.Interpolator
}

// NewPreprocessor creates a preprocessor for the given target rate and LUFS.
func NewPreprocessor(targetSampleRate int, targetLUFS float64) *Preprocessor {
	return &Preprocessor{
		targetSampleRate: targetSampleRate,
		targetLUFS:       targetLUFS,
		maxGainDB:        12.0,
		clipPeak:         0.999,
		interpolator:     common.NewInterpolator(common.Linear),
	}
}

// Process downmixes, resamples and loudness-normalizes decoded audio.
func (p *Preprocessor) Process(src *AudioData) (*PreprocessResult, error) {
	logger := logging.WithFields(logging.Fields{
		"component": "audio_preprocessor",
		"function":  "Process",
	})

	if src == nil || len(src.PCM) == 0 {
		return nil, fmt.Errorf("no audio samples to preprocess")
	}
	if src.Channels <= 0 || src.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid audio format: channels=%d sample_rate=%d", src.Channels, src.SampleRate)
	}

	mono := DownmixMono(src.PCM, src.Channels)
	if src.SampleRate != p.targetSampleRate {
		mono = p.interpolator.ResampleSignal(mono, src.SampleRate, p.targetSampleRate)
		logger.Debug("Resampled audio", logging.Fields{
			"source_rate": src.SampleRate,
			"target_rate": p.targetSampleRate,
			"samples":     len(mono),
		})
	}
	if len(mono) == 0 {
		return nil, fmt.Errorf("resampling produced no samples")
	}

	rawLUFS := MeasureLUFS(mono, p.targetSampleRate)

	gainDB := common.Clip(p.targetLUFS-rawLUFS, -p.maxGainDB, p.maxGainDB)
	gain := dbToLinear(gainDB)

	processed := make([]float64, len(mono))
	for i, v := range mono {
		s := v * gain
		if s > p.clipPeak {
			s = p.clipPeak
		} else if s < -p.clipPeak {
			s = -p.clipPeak
		}
		processed[i] = s
	}

	normLUFS := MeasureLUFS(processed, p.targetSampleRate)

	logger.Debug("Loudness normalization applied", logging.Fields{
		"loudness_raw":        rawLUFS,
		"loudness_normalized": normLUFS,
		"gain_db":             gainDB,
	})

	return &PreprocessResult{
		Raw:                mono,
		Processed:          processed,
		SampleRate:         p.targetSampleRate,
		LoudnessRaw:        rawLUFS,
		LoudnessNormalized: normLUFS,
		GainDB:             gainDB,
	}, nil
}

// DownmixMono collapses interleaved multi-channel PCM to one channel by
// averaging. Single-channel input is returned as-is.
func DownmixMono(pcm []float64, channels int) []float64 {
	if channels <= 1 {
		return pcm
	}

	frames := len(pcm) / channels
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		sum := 0.0
		for c := 0; c < channels; c++ {
			sum += pcm[i*channels+c]
		}
		mono[i] = sum / float64(channels)
	}
	return mono
}
