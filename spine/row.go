// Package spine probes the historical catalog: tiered year-end chart rows
// with audio-feature lanes, queried for nearest historical neighbors of a
// work-in-progress track.
package spine

import (
	"regexp"
	"strings"
)

// Tier labels in priority order. Lower index wins when the same song
// appears in more than one tier.
const (
	Tier1Modern = "tier1_modern"
	Tier2Modern = "tier2_modern"
	Tier3Modern = "tier3_modern"
)

// Row is one catalog track with resolved audio axes. Read-only after load.
type Row struct {
	SpineTrackID string
	Year         int
	Artist       string
	Title        string

	Tempo    float64
	Valence  float64
	Energy   float64
	Loudness float64

	TempoBand    string
	ValenceBand  string
	EnergyBand   string
	LoudnessBand string

	Tier          string
	Slug          string
	FeatureSource string
}

// TierSpec binds a tier label to its catalog table and echo-tier filter.
type TierSpec struct {
	Table    string
	EchoTier string
	Label    string
}

var canonicalTierSpecs = map[string]TierSpec{
	Tier1Modern: {Table: "spine_master_v1_lanes", EchoTier: "EchoTier_1_YearEnd_Top40", Label: Tier1Modern},
	Tier2Modern: {Table: "spine_master_tier2_modern_lanes_v1", EchoTier: "EchoTier_2_YearEnd_Top100_Modern", Label: Tier2Modern},
	Tier3Modern: {Table: "spine_master_tier3_modern_lanes_v1", EchoTier: "EchoTier_3_YearEnd_Top200_Modern", Label: Tier3Modern},
}

// TierSpecs resolves tier labels to their canonical specs, dropping
// unrecognized labels. An empty result falls back to tier 1.
func TierSpecs(tiers []string) []TierSpec {
	var specs []TierSpec
	for _, t := range tiers {
		t = strings.TrimSpace(t)
		if spec, ok := canonicalTierSpecs[t]; ok {
			specs = append(specs, spec)
		}
	}
	if len(specs) == 0 {
		specs = append(specs, canonicalTierSpecs[Tier1Modern])
	}
	return specs
}

// TierPriority ranks tier labels for dedupe and interleave order. Lower is
// higher priority; unknown labels sort last.
func TierPriority(label string) int {
	switch label {
	case Tier1Modern:
		return 0
	case Tier2Modern:
		return 1
	case Tier3Modern:
		return 2
	default:
		return 99
	}
}

// MergePreferLowestTier deduplicates rows by slug, keeping the row from
// the highest-priority tier so a song charting in several tiers counts
// once.
func MergePreferLowestTier(rows []Row) []Row {
	best := make(map[string]int, len(rows))
	var order []string

	for i, r := range rows {
		slug := r.Slug
		if slug == "" {
			slug = MakeSlug(r.Title, r.Artist)
		}
		prev, ok := best[slug]
		if !ok {
			best[slug] = i
			order = append(order, slug)
			continue
		}
		if TierPriority(r.Tier) < TierPriority(rows[prev].Tier) {
			best[slug] = i
		}
	}

	merged := make([]Row, 0, len(order))
	for _, slug := range order {
		merged = append(merged, rows[best[slug]])
	}
	return merged
}

var (
	slugBracketRe = regexp.MustCompile(`[\(\[].*?[\)\]]`)
	slugJunkRe    = regexp.MustCompile(`[^a-z0-9]+`)
)

var slugFeatMarkers = []string{" feat. ", " featuring ", " ft. ", " feat ", " ft "}

// MakeSlug builds the dedupe key for a (title, artist) pair: lowercase,
// bracketed chunks and featuring credits removed, punctuation collapsed to
// hyphens. Empty parts become "na" so the key never degenerates.
func MakeSlug(title, artist string) string {
	return slugPart(title) + "--" + slugPart(artist)
}

func slugPart(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugBracketRe.ReplaceAllString(s, " ")
	for _, marker := range slugFeatMarkers {
		s = strings.ReplaceAll(s, marker, " ")
	}
	s = slugJunkRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "na"
	}
	return s
}
