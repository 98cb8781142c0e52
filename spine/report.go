package spine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultReportMaxBytes caps the neighbors JSON document size.
const DefaultReportMaxBytes int64 = 5 << 20

// WarnNeighborsTruncated marks a neighbors document cut down to fit the
// size ceiling.
const WarnNeighborsTruncated = "neighbors_truncated_for_size"

// BucketDecade maps a year onto the fixed report decades. Years outside
// the covered span land in "other".
func BucketDecade(year int) string {
	switch {
	case year >= 1985 && year <= 1994:
		return "1985–1994"
	case year >= 1995 && year <= 2004:
		return "1995–2004"
	case year >= 2005 && year <= 2014:
		return "2005–2014"
	case year >= 2015 && year <= 2024:
		return "2015–2024"
	default:
		return "other"
	}
}

// DecadeLabel is the dynamic calendar-decade label used by the snapshot
// lines, which are not limited to the fixed probe span.
func DecadeLabel(year int) string {
	start := (year / 10) * 10
	return fmt.Sprintf("%d–%d", start, start+9)
}

// SortNeighbors returns a copy ordered by ascending distance.
func SortNeighbors(neighbors []Neighbor) []Neighbor {
	sorted := make([]Neighbor, len(neighbors))
	copy(sorted, neighbors)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Distance < sorted[j].Distance
	})
	return sorted
}

// TrimNeighbors returns a copy of the result with every neighbor list cut
// to maxKeep entries.
func TrimNeighbors(result *EchoResult, maxKeep int) *EchoResult {
	trimmed := *result
	trimmed.Neighbors = capList(result.Neighbors, maxKeep)
	trimmed.Tier1Neighbors = capList(result.Tier1Neighbors, maxKeep)
	trimmed.Tier2Neighbors = capList(result.Tier2Neighbors, maxKeep)
	trimmed.Tier3Neighbors = capList(result.Tier3Neighbors, maxKeep)
	return &trimmed
}

func capList(ns []Neighbor, maxKeep int) []Neighbor {
	if maxKeep < 0 || len(ns) <= maxKeep {
		return ns
	}
	return ns[:maxKeep]
}

// PrimaryDecade picks the decade holding the most neighbors; ties go to
// the earliest label.
func PrimaryDecade(decadeCounts map[string]int) (string, int) {
	if len(decadeCounts) == 0 {
		return "", 0
	}
	labels := make([]string, 0, len(decadeCounts))
	for label := range decadeCounts {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		ci, cj := decadeCounts[labels[i]], decadeCounts[labels[j]]
		if ci != cj {
			return ci > cj
		}
		return labels[i] < labels[j]
	})
	return labels[0], decadeCounts[labels[0]]
}

// HeaderLine renders the one-line echo summary.
func HeaderLine(result *EchoResult) string {
	neighbors := SortNeighbors(result.Neighbors)
	if len(neighbors) == 0 {
		return "# ECHO SUMMARY: no_neighbors_found"
	}

	primary, primaryCount := PrimaryDecade(result.DecadeCounts)
	if primary == "" {
		primary = "unknown"
	}
	closest := neighbors[0]

	tiers := make(map[string]bool)
	for _, n := range neighbors {
		tiers[n.Tier] = true
	}
	tierLabels := make([]string, 0, len(tiers))
	for t := range tiers {
		tierLabels = append(tierLabels, t)
	}
	sort.Strings(tierLabels)

	return fmt.Sprintf(
		"# ECHO SUMMARY: tiers=%s | primary_decade=%s (%d/%d) | closest=(%s) %d – %s — %s (dist=%.6f)",
		strings.Join(tierLabels, ","), primary, primaryCount, len(neighbors),
		closest.Tier, closest.Year, closest.Artist, closest.Title, closest.Distance)
}

// NeighborLines renders the full hash-prefixed echo block: summary, legend,
// neighbor table and closest snapshots by calendar decade.
func NeighborLines(result *EchoResult, summaryLine string, maxNeighbors int) string {
	neighbors := SortNeighbors(result.Neighbors)
	shown := neighbors
	if maxNeighbors >= 0 && len(shown) > maxNeighbors {
		shown = shown[:maxNeighbors]
	}

	var lines []string
	lines = append(lines, "# ==== HISTORICAL ECHO V1 ====")
	lines = append(lines, summaryLine)
	lines = append(lines, "# NEIGHBORS (deduped across tiers; sorted by dist)")
	lines = append(lines, "# Legend: tier1=Top40, tier2=Top100, tier3=Top200")
	lines = append(lines, "# dist: lower is closer (z-scored Euclidean on tempo/valence/energy/loudness)")
	lines = append(lines, "# feature_source: where features came from (e.g., essentia_local, acousticbrainz)")
	lines = append(lines, "#")
	lines = append(lines, "#    #  tier         dist  year  artist                title                           ")
	lines = append(lines, "#   ------------------------------------------------------------------------------------")
	for i, n := range shown {
		lines = append(lines, fmt.Sprintf(
			"#   %2d  %-10.10s %6.3f  %4d  %-20.20s  %-32.32s",
			i+1, n.Tier, n.Distance, n.Year, n.Artist, n.Title))
	}
	lines = append(lines, "#")

	bestByDecade := make(map[string]Neighbor)
	for _, n := range neighbors {
		label := DecadeLabel(n.Year)
		cur, ok := bestByDecade[label]
		if !ok || n.Distance < cur.Distance {
			bestByDecade[label] = n
		}
	}
	if len(bestByDecade) > 0 {
		lines = append(lines, "# -- Closest snapshots by decade (sorted by dist) --")
		snapshots := make([]Neighbor, 0, len(bestByDecade))
		for _, n := range bestByDecade {
			snapshots = append(snapshots, n)
		}
		sort.SliceStable(snapshots, func(i, j int) bool {
			return snapshots[i].Distance < snapshots[j].Distance
		})
		for _, n := range snapshots {
			lines = append(lines, fmt.Sprintf(
				"#     %4d  %-20.20s  %-32.32s  dist=%.3f  tier=%s  decade=%s",
				n.Year, n.Artist, n.Title, n.Distance, n.Tier, DecadeLabel(n.Year)))
		}
	}
	lines = append(lines, "#")
	lines = append(lines, "#   ------------------------------------------------------------------------------------")
	return strings.Join(lines, "\n")
}

// FormatNeighborTable renders the console table of neighbors with the WIP
// axes on top.
func FormatNeighborTable(wip *WIPFeatures, neighbors []Neighbor) string {
	var b strings.Builder
	b.WriteString("== WIP Features (raw) ==\n")
	fmt.Fprintf(&b, "tempo=%.2f bpm, valence=%.3f, energy=%.3f, loudness=%.2f\n",
		wip.Tempo, wip.Valence, wip.Energy, wip.Loudness)

	if len(neighbors) == 0 {
		b.WriteString("\nNo neighbors found in spine with usable audio.\n")
		return b.String()
	}

	tiers := make(map[string]bool)
	for _, n := range neighbors {
		tiers[n.Tier] = true
	}
	tierLabels := make([]string, 0, len(tiers))
	for t := range tiers {
		tierLabels = append(tierLabels, t)
	}
	sort.Strings(tierLabels)

	fmt.Fprintf(&b, "\n== Nearest Historical Neighbors (tiers: %s) ==\n", strings.Join(tierLabels, ","))
	header := fmt.Sprintf("%2s  %7s  %-10s  %-12s  %4s  %-25s  %-40s  %6s  %5s  %5s",
		"#", "dist", "tier", "src", "year", "artist", "title", "tempo", "val", "eng")
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("-", len(header)) + "\n")

	for i, n := range neighbors {
		fmt.Fprintf(&b, "%2d  %.3f  %-10.10s  %-12.12s  %4d  %-25.25s  %-40.40s  %6.1f  %5.3f  %5.3f\n",
			i+1, n.Distance, n.Tier, n.FeatureSource, n.Year, n.Artist, n.Title,
			n.Tempo, n.Valence, n.Energy)
	}
	return b.String()
}

// SummarizeNeighbors renders the decade histogram plus a short lane
// snapshot of the closest neighbors.
func SummarizeNeighbors(neighbors []Neighbor) string {
	var b strings.Builder
	b.WriteString("\n== Echo Summary ==\n")
	if len(neighbors) == 0 {
		b.WriteString("No neighbors found.\n")
		return b.String()
	}

	decadeCounts := make(map[string]int)
	for _, n := range neighbors {
		decadeCounts[BucketDecade(n.Year)]++
	}
	labels := make([]string, 0, len(decadeCounts))
	for label := range decadeCounts {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		ci, cj := decadeCounts[labels[i]], decadeCounts[labels[j]]
		if ci != cj {
			return ci > cj
		}
		return labels[i] < labels[j]
	})
	for _, label := range labels {
		fmt.Fprintf(&b, "- %s: %d neighbor(s) in top-k\n", label, decadeCounts[label])
	}

	b.WriteString("\nLane snapshot from top neighbors:\n")
	top := neighbors
	if len(top) > 5 {
		top = top[:5]
	}
	for _, n := range top {
		fmt.Fprintf(&b, "  • %d – %s — %s [tempo=%s, valence=%s, energy=%s]\n",
			n.Year, n.Artist, n.Title, n.TempoBand, n.ValenceBand, n.EnergyBand)
	}
	return b.String()
}

// WriteNeighborsFile persists the echo result as JSON, sorted by distance.
// maxNeighbors trims the list when non-negative. Documents over maxBytes
// are cut to a single neighbor with a truncation warning returned.
func WriteNeighborsFile(path string, result *EchoResult, maxNeighbors int, maxBytes int64) ([]string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultReportMaxBytes
	}

	doc := *result
	doc.Neighbors = SortNeighbors(result.Neighbors)
	if maxNeighbors >= 0 && len(doc.Neighbors) > maxNeighbors {
		doc.Neighbors = doc.Neighbors[:maxNeighbors]
	}

	var warnings []string
	encoded, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode neighbors document: %w", err)
	}
	if int64(len(encoded)) > maxBytes {
		warnings = append(warnings, WarnNeighborsTruncated)
		keep := 1
		if maxNeighbors > 1 {
			keep = maxNeighbors
		}
		if len(doc.Neighbors) > keep {
			doc.Neighbors = doc.Neighbors[:keep]
		}
		encoded, err = json.MarshalIndent(&doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode neighbors document: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return warnings, fmt.Errorf("failed to create neighbors directory: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return warnings, fmt.Errorf("failed to write neighbors file: %w", err)
	}
	return warnings, nil
}
