package spine

import (
	"fmt"
	"math"
	"sort"

	"github.com/RyanBlaney/echoprobe/algorithms/common"
)

// AxisStats holds the reference distribution for one probe axis.
type AxisStats struct {
	Mean   float64
	StdDev float64
}

// Stats bundles the per-axis reference distributions a query z-scores
// against. Recomputed per query from the loaded population.
type Stats struct {
	Tempo    AxisStats
	Valence  AxisStats
	Energy   AxisStats
	Loudness AxisStats
}

// ComputeStats derives mean and population stddev per axis from the base
// rows. Callers pick the base population; preferring locally-analyzed rows
// keeps fallback-sourced proxies from skewing the reference frame.
func ComputeStats(rows []Row) Stats {
	tempos := make([]float64, len(rows))
	vals := make([]float64, len(rows))
	eners := make([]float64, len(rows))
	louds := make([]float64, len(rows))
	for i, r := range rows {
		tempos[i] = r.Tempo
		vals[i] = r.Valence
		eners[i] = r.Energy
		louds[i] = r.Loudness
	}
	return Stats{
		Tempo:    AxisStats{Mean: common.Mean(tempos), StdDev: common.PopStdDev(tempos)},
		Valence:  AxisStats{Mean: common.Mean(vals), StdDev: common.PopStdDev(vals)},
		Energy:   AxisStats{Mean: common.Mean(eners), StdDev: common.PopStdDev(eners)},
		Loudness: AxisStats{Mean: common.Mean(louds), StdDev: common.PopStdDev(louds)},
	}
}

// ZScore positions x within an axis distribution. A degenerate axis
// (zero spread) contributes nothing, so single-valued populations never
// blow up a distance.
func ZScore(x float64, s AxisStats) float64 {
	if s.StdDev == 0 {
		return 0.0
	}
	return (x - s.Mean) / s.StdDev
}

// DefaultBinWidth is the BPM histogram bin width for lane statistics.
const DefaultBinWidth = 2.0

// LaneStats summarizes a lane's BPM distribution: central tendency,
// inclusive-quartile spread and the densest contiguous histogram band.
type LaneStats struct {
	LaneID         string  `json:"lane_id"`
	BinWidth       float64 `json:"bin_width"`
	MedianBPM      float64 `json:"median_bpm"`
	IQRLow         float64 `json:"iqr_low"`
	IQRHigh        float64 `json:"iqr_high"`
	PeakClusterMin float64 `json:"peak_cluster_min"`
	PeakClusterMax float64 `json:"peak_cluster_max"`
	TotalHits      int     `json:"total_hits"`
}

// ValidBPM bounds plausible tempo values for histogram purposes.
func ValidBPM(v float64) bool {
	return !math.IsNaN(v) && v > 0.0 && v < 400.0
}

// BinCenter maps a BPM onto the center of its histogram bin.
func BinCenter(bpm, binWidth float64) float64 {
	return math.Floor(bpm/binWidth)*binWidth + binWidth/2.0
}

// BinCounts histograms a BPM series, skipping implausible values.
func BinCounts(bpms []float64, binWidth float64) map[float64]int {
	counts := make(map[float64]int)
	for _, bpm := range bpms {
		if !ValidBPM(bpm) {
			continue
		}
		counts[BinCenter(bpm, binWidth)]++
	}
	return counts
}

// ComputeLaneStats builds the lane BPM summary. The peak cluster is the
// contiguous run of maximum-count bins scoring highest by total hits, ties
// broken by proximity to the lane median; its bounds extend half a bin
// past the outermost bin centers.
func ComputeLaneStats(laneID string, bpms []float64, binWidth float64) (*LaneStats, error) {
	if len(bpms) == 0 {
		return nil, fmt.Errorf("lane %s has no tempo values to analyze", laneID)
	}
	if binWidth <= 0 {
		binWidth = DefaultBinWidth
	}

	counts := BinCounts(bpms, binWidth)
	median := common.Median(bpms)
	q1, q3 := common.InclusiveQuartiles(bpms)

	peakMin := median - binWidth
	peakMax := median + binWidth
	if len(counts) > 0 {
		maxCount := 0
		for _, ct := range counts {
			if ct > maxCount {
				maxCount = ct
			}
		}
		var maxBins []float64
		for c, ct := range counts {
			if ct == maxCount {
				maxBins = append(maxBins, c)
			}
		}
		sort.Float64s(maxBins)

		var clusters [][]float64
		for _, c := range maxBins {
			if len(clusters) == 0 || math.Abs(c-clusters[len(clusters)-1][len(clusters[len(clusters)-1])-1]) > binWidth+1e-9 {
				clusters = append(clusters, []float64{c})
			} else {
				last := len(clusters) - 1
				clusters[last] = append(clusters[last], c)
			}
		}

		best := clusters[0]
		bestHits := len(best) * maxCount
		bestProx := -math.Abs((best[0]+best[len(best)-1])/2.0 - median)
		for _, cluster := range clusters[1:] {
			hits := len(cluster) * maxCount
			prox := -math.Abs((cluster[0]+cluster[len(cluster)-1])/2.0 - median)
			if hits > bestHits || (hits == bestHits && prox > bestProx) {
				best = cluster
				bestHits = hits
				bestProx = prox
			}
		}

		peakMin = best[0] - binWidth/2.0
		peakMax = best[len(best)-1] + binWidth/2.0
	}

	return &LaneStats{
		LaneID:         laneID,
		BinWidth:       binWidth,
		MedianBPM:      median,
		IQRLow:         q1,
		IQRHigh:        q3,
		PeakClusterMin: peakMin,
		PeakClusterMax: peakMax,
		TotalHits:      len(bpms),
	}, nil
}
