package stats

import (
	"math"
)

// DistanceFunction is a function type for computing distance between two vectors
type DistanceFunction func(a, b []float64) float64

// EuclideanDistanceFunc calculates Euclidean distance between two points
func EuclideanDistanceFunc(a, b []float64) float64 {
	return WeightedEuclideanDistance(a, b, nil)
}

// WeightedEuclideanDistance calculates Euclidean distance with per-axis
// weights applied to the squared deltas. A nil weights slice means unit
// weight on every axis; missing trailing weights default to 1.0.
func WeightedEuclideanDistance(a, b, weights []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	sum := 0.0
	for i := 0; i < n; i++ {
		w := 1.0
		if i < len(weights) {
			w = weights[i]
		}
		diff := a[i] - b[i]
		sum += w * diff * diff
	}

	return math.Sqrt(sum)
}

// CosineSimilarityFunc calculates cosine similarity between two vectors
func CosineSimilarityFunc(a, b []float64) float64 {
	dotProduct := 0.0
	normA := 0.0
	normB := 0.0

	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	for i := 0; i < n; i++ {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
