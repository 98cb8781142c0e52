package common

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Basic statistical functions used across algorithms using gonum for robustness

// Mean calculates the arithmetic mean of a slice using gonum
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0.0
	}
	return stat.Mean(data, nil)
}

// Variance calculates the sample variance of a slice using gonum
func Variance(data []float64) float64 {
	if len(data) < 2 {
		return 0.0
	}
	return stat.Variance(data, nil)
}

// StandardDeviation calculates the sample standard deviation
func StandardDeviation(data []float64) float64 {
	if len(data) < 2 {
		return 0.0
	}
	return math.Sqrt(Variance(data))
}

// PopStdDev calculates the population standard deviation using gonum.
// Reference statistics are taken over the whole loaded population, so the
// population form is the right estimator there.
func PopStdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0.0
	}
	return stat.PopStdDev(data, nil)
}

// RMS calculates root mean square
func RMS(data []float64) float64 {
	if len(data) == 0 {
		return 0.0
	}

	sumSquares := 0.0
	for _, val := range data {
		sumSquares += val * val
	}

	return math.Sqrt(sumSquares / float64(len(data)))
}

// Peak returns the maximum absolute sample value
func Peak(data []float64) float64 {
	peak := 0.0
	for _, val := range data {
		if a := math.Abs(val); a > peak {
			peak = a
		}
	}
	return peak
}

// Max returns the maximum value using gonum
func Max(data []float64) float64 {
	if len(data) == 0 {
		return 0.0
	}
	return floats.Max(data)
}

// Min returns the minimum value using gonum
func Min(data []float64) float64 {
	if len(data) == 0 {
		return 0.0
	}
	return floats.Min(data)
}

// Median returns the middle value of the data (average of the two middle
// values for even-length input)
func Median(data []float64) float64 {
	if len(data) == 0 {
		return 0.0
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2.0
}

// InclusiveQuartiles returns (q1, q3) with linear interpolation at positions
// 0.25*(n-1) and 0.75*(n-1) over the sorted data
func InclusiveQuartiles(data []float64) (float64, float64) {
	if len(data) == 0 {
		return 0.0, 0.0
	}
	if len(data) == 1 {
		return data[0], data[0]
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	interpolate := func(p float64) float64 {
		pos := p * float64(len(sorted)-1)
		lo := int(math.Floor(pos))
		hi := int(math.Ceil(pos))
		if lo == hi {
			return sorted[lo]
		}
		frac := pos - float64(lo)
		return sorted[lo] + frac*(sorted[hi]-sorted[lo])
	}

	return interpolate(0.25), interpolate(0.75)
}

// Clip constrains a value to [lo, hi]
func Clip(val, lo, hi float64) float64 {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}

// Clip01 constrains a value to [0, 1]
func Clip01(val float64) float64 {
	return Clip(val, 0.0, 1.0)
}

// IsFinite reports whether the value is neither NaN nor infinite
func IsFinite(val float64) bool {
	return !math.IsNaN(val) && !math.IsInf(val, 0)
}
