package spine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/RyanBlaney/echoprobe/algorithms/stats"
	"github.com/RyanBlaney/echoprobe/logging"
)

// WIPFeatures are the probe axes of the work-in-progress track, extracted
// from its feature record.
type WIPFeatures struct {
	Tempo                float64  `json:"tempo"`
	Energy               float64  `json:"energy"`
	Valence              float64  `json:"valence"`
	Loudness             float64  `json:"loudness"`
	TempoConfidenceScore *float64 `json:"tempo_confidence_score,omitempty"`
}

// field candidates accepted when extracting WIP axes from a record. Exact
// keys are tried first; a fuzzy substring pass over numeric fields covers
// schema drift in externally-produced records.
var wipFieldCandidates = map[string][]string{
	"tempo":                  {"tempo", "tempo_bpm", "estimated_tempo", "tempo_estimate_bpm", "tempo_global", "tempo_mean"},
	"energy":                 {"energy", "rms_energy", "energy_mean", "energy_global"},
	"valence":                {"valence", "valence_mean", "valence_global"},
	"loudness":               {"loudness_LUFS", "loudness", "integrated_LUFS", "loudness_integrated"},
	"tempo_confidence_score": {"tempo_confidence_score", "tempo_confidence"},
}

func pickField(data map[string]any, name string) (float64, bool) {
	for _, key := range wipFieldCandidates[name] {
		v, ok := data[key]
		if !ok || v == nil {
			continue
		}
		if f, ok := coerceFloat(v); ok {
			return f, true
		}
	}

	token := strings.ToLower(name)
	for key, v := range data {
		if !strings.Contains(strings.ToLower(key), token) {
			continue
		}
		if f, ok := v.(float64); ok {
			return f, true
		}
	}
	return 0, false
}

func coerceFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// LoadWIPFeatures extracts the probe axes from a feature record file. All
// four axes are required; the error names what could not be recognized.
func LoadWIPFeatures(path string) (*WIPFeatures, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("features file not found: %s", path)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse features file %s: %w", path, err)
	}

	tempo, hasTempo := pickField(data, "tempo")
	energy, hasEnergy := pickField(data, "energy")
	valence, hasValence := pickField(data, "valence")
	loudness, hasLoudness := pickField(data, "loudness")

	var missing []string
	if !hasTempo {
		missing = append(missing, "tempo*")
	}
	if !hasEnergy {
		missing = append(missing, "energy*")
	}
	if !hasValence {
		missing = append(missing, "valence*")
	}
	if !hasLoudness {
		missing = append(missing, "loudness*")
	}
	if len(missing) > 0 {
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, fmt.Errorf(
			"features file is missing required fields or recognizable variants: %s (file: %s, available keys: %s)",
			strings.Join(missing, ", "), path, strings.Join(keys, ", "))
	}

	wip := &WIPFeatures{
		Tempo:    tempo,
		Energy:   energy,
		Valence:  valence,
		Loudness: loudness,
	}
	if conf, ok := pickField(data, "tempo_confidence_score"); ok {
		wip.TempoConfidenceScore = &conf
	}
	return wip, nil
}

// ProbeOptions configure one neighbor query.
type ProbeOptions struct {
	Tiers   []string
	MinYear int
	MaxYear int
	TopK    int

	UseCompactFallback bool
	CompactFallbackMax int

	UseTempoConfidence       bool
	TempoConfidenceThreshold float64
	TempoWeightLow           float64
}

// DefaultProbeOptions searches tier 1 over the densely-covered year range.
func DefaultProbeOptions() ProbeOptions {
	return ProbeOptions{
		Tiers:                    []string{Tier1Modern},
		MinYear:                  1985,
		MaxYear:                  2020,
		TopK:                     10,
		CompactFallbackMax:       DefaultFallbackCap,
		TempoConfidenceThreshold: 0.4,
		TempoWeightLow:           0.3,
	}
}

func (o ProbeOptions) normalized() ProbeOptions {
	if len(o.Tiers) == 0 {
		o.Tiers = []string{Tier1Modern}
	}
	if o.MinYear == 0 {
		o.MinYear = 1985
	}
	if o.MaxYear == 0 {
		o.MaxYear = 2020
	}
	if o.TopK <= 0 {
		o.TopK = 10
	}
	if o.CompactFallbackMax == 0 {
		o.CompactFallbackMax = DefaultFallbackCap
	}
	if o.TempoConfidenceThreshold == 0 {
		o.TempoConfidenceThreshold = 0.4
	}
	if o.TempoWeightLow == 0 {
		o.TempoWeightLow = 0.3
	}
	return o
}

// Neighbor is one historical match with its distance to the WIP track.
type Neighbor struct {
	Year          int     `json:"year"`
	Artist        string  `json:"artist"`
	Title         string  `json:"title"`
	Tempo         float64 `json:"tempo"`
	Valence       float64 `json:"valence"`
	Energy        float64 `json:"energy"`
	Loudness      float64 `json:"loudness"`
	TempoBand     string  `json:"tempo_band"`
	ValenceBand   string  `json:"valence_band"`
	EnergyBand    string  `json:"energy_band"`
	Distance      float64 `json:"distance"`
	Tier          string  `json:"tier"`
	FeatureSource string  `json:"feature_source"`
}

// FilterNotes are diagnostics about rows excluded before the search.
type FilterNotes struct {
	TotalRows          int `json:"total_rows"`
	SkippedMissingAxes int `json:"skipped_missing_axes"`
	SkippedNonNumeric  int `json:"skipped_non_numeric"`
	FallbackRows       int `json:"fallback_rows"`
}

// NoNeighborsNote flags a probe that found an empty population.
const NoNeighborsNote = "no_neighbors_found"

// EchoResult is the full answer to one probe: the WIP axes, the
// interleaved neighbor list, per-tier views, the decade histogram and the
// tier 1 lane summary.
type EchoResult struct {
	WIPFeatures     *WIPFeatures          `json:"wip_features"`
	Neighbors       []Neighbor            `json:"neighbors"`
	NeighborsByTier map[string][]Neighbor `json:"neighbors_by_tier"`
	Tier1Neighbors  []Neighbor            `json:"tier1_neighbors"`
	Tier2Neighbors  []Neighbor            `json:"tier2_neighbors"`
	Tier3Neighbors  []Neighbor            `json:"tier3_neighbors"`
	DecadeCounts    map[string]int        `json:"decade_counts"`
	FilterNotes     *FilterNotes          `json:"neighbor_filter_notes,omitempty"`
	LaneStats       *LaneStats            `json:"lane_stats,omitempty"`
	Note            string                `json:"note,omitempty"`
}

// Engine runs neighbor queries against a catalog store.
type Engine struct {
	store *Store
	opts  ProbeOptions
}

// NewEngine builds a query engine. Zero-valued options take defaults.
func NewEngine(store *Store, opts ProbeOptions) *Engine {
	return &Engine{store: store, opts: opts.normalized()}
}

type scoredRow struct {
	Row
	distance float64
}

// Probe finds the nearest historical neighbors of the WIP track. An empty
// catalog population yields a populated empty result, never an error.
func (e *Engine) Probe(ctx context.Context, wip *WIPFeatures) (*EchoResult, error) {
	logger := logging.WithFields(logging.Fields{"component": "echo_probe"})

	specs := TierSpecs(e.opts.Tiers)

	var compactMap map[string]CompactFeatures
	if e.opts.UseCompactFallback {
		m, err := e.store.LoadCompactFeatureMap(ctx)
		if err != nil {
			return nil, err
		}
		compactMap = m
	}

	var rows []Row
	fallbackCount := 0
	for _, spec := range specs {
		tierRows, err := e.store.LoadTierRows(ctx, spec, e.opts.MinYear, e.opts.MaxYear)
		if err != nil {
			return nil, err
		}
		rows = append(rows, tierRows...)
		logger.Debug("loaded tier rows", logging.Fields{
			"tier":     spec.Label,
			"rows":     len(tierRows),
			"year_min": e.opts.MinYear,
			"year_max": e.opts.MaxYear,
		})

		if spec.Label == Tier3Modern && e.opts.UseCompactFallback && len(compactMap) > 0 {
			fbRows, err := e.store.LoadFallbackRows(ctx, spec, e.opts.MinYear, e.opts.MaxYear, compactMap, e.opts.CompactFallbackMax)
			if err != nil {
				return nil, err
			}
			rows = append(rows, fbRows...)
			fallbackCount += len(fbRows)
		}
	}

	if len(rows) == 0 {
		logger.Info("probe found no catalog rows", logging.Fields{
			"tiers": strings.Join(e.opts.Tiers, ","),
		})
		return emptyResult(wip), nil
	}

	rows = MergePreferLowestTier(rows)
	notes := &FilterNotes{TotalRows: len(rows), FallbackRows: fallbackCount}

	valid := rows[:0]
	for _, r := range rows {
		if hasFiniteAxes(r) {
			valid = append(valid, r)
		} else {
			notes.SkippedNonNumeric++
		}
	}
	rows = valid

	if len(rows) == 0 {
		res := emptyResult(wip)
		res.FilterNotes = notes
		return res, nil
	}

	statsRows := make([]Row, 0, len(rows))
	for _, r := range rows {
		if r.FeatureSource == SourceLocalAnalysis {
			statsRows = append(statsRows, r)
		}
	}
	base := statsRows
	if len(base) == 0 {
		base = rows
	}
	refStats := ComputeStats(base)

	tempoWeight := 1.0
	if e.opts.UseTempoConfidence && wip.TempoConfidenceScore != nil &&
		*wip.TempoConfidenceScore < e.opts.TempoConfidenceThreshold {
		tempoWeight = e.opts.TempoWeightLow
	}
	weights := []float64{tempoWeight, 1.0, 1.0, 1.0}
	wipVec := zVector(wip.Tempo, wip.Valence, wip.Energy, wip.Loudness, refStats)

	scored := make([]scoredRow, len(rows))
	for i, r := range rows {
		rowVec := zVector(r.Tempo, r.Valence, r.Energy, r.Loudness, refStats)
		scored[i] = scoredRow{
			Row:      r,
			distance: stats.WeightedEuclideanDistance(wipVec, rowVec, weights),
		}
	}

	top := selectTopNeighbors(scored, e.opts.TopK)

	neighbors := make([]Neighbor, len(top))
	for i, r := range top {
		neighbors[i] = Neighbor{
			Year:          r.Year,
			Artist:        r.Artist,
			Title:         r.Title,
			Tempo:         r.Tempo,
			Valence:       r.Valence,
			Energy:        r.Energy,
			Loudness:      r.Loudness,
			TempoBand:     r.TempoBand,
			ValenceBand:   r.ValenceBand,
			EnergyBand:    r.EnergyBand,
			Distance:      r.distance,
			Tier:          r.Tier,
			FeatureSource: r.FeatureSource,
		}
	}

	decadeCounts := make(map[string]int)
	for _, n := range neighbors {
		decadeCounts[BucketDecade(n.Year)]++
	}

	byTier := make(map[string][]Neighbor)
	for _, n := range neighbors {
		byTier[n.Tier] = append(byTier[n.Tier], n)
	}

	result := &EchoResult{
		WIPFeatures:     wip,
		Neighbors:       neighbors,
		NeighborsByTier: byTier,
		Tier1Neighbors:  orEmpty(byTier[Tier1Modern]),
		Tier2Neighbors:  orEmpty(byTier[Tier2Modern]),
		Tier3Neighbors:  orEmpty(byTier[Tier3Modern]),
		DecadeCounts:    decadeCounts,
		FilterNotes:     notes,
	}

	var laneBPMs []float64
	for _, r := range rows {
		if r.Tier == Tier1Modern {
			laneBPMs = append(laneBPMs, r.Tempo)
		}
	}
	if len(laneBPMs) > 0 {
		if lane, err := ComputeLaneStats(Tier1Modern, laneBPMs, DefaultBinWidth); err == nil {
			result.LaneStats = lane
		}
	}

	logger.Info("probe complete", logging.Fields{
		"population": len(rows),
		"neighbors":  len(neighbors),
		"fallback":   fallbackCount,
	})
	return result, nil
}

func emptyResult(wip *WIPFeatures) *EchoResult {
	return &EchoResult{
		WIPFeatures:     wip,
		Neighbors:       []Neighbor{},
		NeighborsByTier: map[string][]Neighbor{},
		Tier1Neighbors:  []Neighbor{},
		Tier2Neighbors:  []Neighbor{},
		Tier3Neighbors:  []Neighbor{},
		DecadeCounts:    map[string]int{},
		Note:            NoNeighborsNote,
	}
}

func orEmpty(ns []Neighbor) []Neighbor {
	if ns == nil {
		return []Neighbor{}
	}
	return ns
}

func hasFiniteAxes(r Row) bool {
	for _, v := range []float64{r.Tempo, r.Valence, r.Energy, r.Loudness} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func zVector(tempo, valence, energy, loudness float64, s Stats) []float64 {
	return []float64{
		ZScore(tempo, s.Tempo),
		ZScore(valence, s.Valence),
		ZScore(energy, s.Energy),
		ZScore(loudness, s.Loudness),
	}
}

// selectTopNeighbors interleaves tiers round-robin in priority order so
// lower tiers surface even when tier 1 is dense. Each pass takes at most
// one new slug per tier; already-chosen slugs are skipped.
func selectTopNeighbors(rows []scoredRow, topK int) []scoredRow {
	byTier := make(map[string][]scoredRow)
	for _, r := range rows {
		byTier[r.Tier] = append(byTier[r.Tier], r)
	}
	for _, items := range byTier {
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].distance < items[j].distance
		})
	}

	tierOrder := make([]string, 0, len(byTier))
	for tier := range byTier {
		tierOrder = append(tierOrder, tier)
	}
	sort.Slice(tierOrder, func(i, j int) bool {
		pi, pj := TierPriority(tierOrder[i]), TierPriority(tierOrder[j])
		if pi != pj {
			return pi < pj
		}
		return tierOrder[i] < tierOrder[j]
	})

	seen := make(map[string]bool)
	var selected []scoredRow
	for len(selected) < topK {
		progress := false
		for _, tier := range tierOrder {
			list := byTier[tier]
			for len(list) > 0 && len(selected) < topK {
				cand := list[0]
				list = list[1:]
				byTier[tier] = list
				if seen[cand.Slug] {
					continue
				}
				seen[cand.Slug] = true
				selected = append(selected, cand)
				progress = true
				break
			}
		}
		if !progress {
			break
		}
	}
	return selected
}
