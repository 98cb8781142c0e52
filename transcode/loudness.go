package transcode

import (
	"math"
)

// LUFSFloor is the value reported for effectively silent signals.
const LUFSFloor = -70.0

// MeasureLUFS estimates integrated loudness with 400ms energy windows.
// This is a simplified meter without K-weighting; the -0.691 offset keeps
// readings aligned with full BS.1770 meters on typical program material.
// Signals shorter than one window fall back to a whole-signal RMS estimate.
func MeasureLUFS(signal []float64, sampleRate int) float64 {
	if len(signal) == 0 || sampleRate <= 0 {
		return LUFSFloor
	}

	windowSize := int(0.4 * float64(sampleRate)) // 400ms windows
	if windowSize > len(signal) {
		windowSize = len(signal)
	}
	if windowSize <= 0 {
		return LUFSFloor
	}

	hopSize := windowSize / 4
	if hopSize <= 0 {
		hopSize = 1
	}
	numWindows := (len(signal)-windowSize)/hopSize + 1
	if numWindows <= 0 {
		return rmsLUFS(signal)
	}

	energySum := 0.0
	validWindows := 0
	for i := 0; i < numWindows; i++ {
		startIdx := i * hopSize
		endIdx := startIdx + windowSize
		if endIdx > len(signal) {
			endIdx = len(signal)
		}

		meanSquare := 0.0
		for j := startIdx; j < endIdx; j++ {
			meanSquare += signal[j] * signal[j]
		}
		meanSquare /= float64(endIdx - startIdx)

		if meanSquare > 1e-20 {
			loudness := -0.691 + 10.0*math.Log10(meanSquare)
			energySum += math.Pow(10.0, loudness/10.0)
			validWindows++
		}
	}

	if validWindows == 0 {
		return LUFSFloor
	}

	integrated := -0.691 + 10.0*math.Log10(energySum/float64(validWindows))
	if integrated < LUFSFloor {
		return LUFSFloor
	}
	return integrated
}

// rmsLUFS approximates loudness from whole-signal RMS.
func rmsLUFS(signal []float64) float64 {
	sumSquares := 0.0
	for _, v := range signal {
		sumSquares += v * v
	}
	rms := math.Sqrt(sumSquares/float64(len(signal)) + 1e-12)
	lufs := 20.0*math.Log10(rms+1e-12) - 0.691
	if lufs < LUFSFloor {
		return LUFSFloor
	}
	return lufs
}

// dbToLinear converts a decibel gain to a linear multiplier.
func dbToLinear(db float64) float64 {
	return math.Pow(10.0, db/20.0)
}
