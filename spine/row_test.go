package spine

import (
	"testing"
)

func TestMakeSlug(t *testing.T) {
	tests := []struct {
		name   string
		title  string
		artist string
		want   string
	}{
		{
			name:   "plain title and artist",
			title:  "Song One",
			artist: "Artist One",
			want:   "song-one--artist-one",
		},
		{
			name:   "bracketed chunk removed",
			title:  "Umbrella (Radio Edit)",
			artist: "Rihanna",
			want:   "umbrella--rihanna",
		},
		{
			name:   "featuring credit removed",
			title:  "Love Me ft. Someone",
			artist: "The Band",
			want:   "love-me-someone--the-band",
		},
		{
			name:   "punctuation collapsed",
			title:  "Don't Stop!",
			artist: "A.B. & C",
			want:   "don-t-stop--a-b-c",
		},
		{
			name:   "empty parts degrade to na",
			title:  "",
			artist: "",
			want:   "na--na",
		},
		{
			name:   "bracketed-only title degrades to na",
			title:  "(Remix)",
			artist: "X",
			want:   "na--x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MakeSlug(tt.title, tt.artist); got != tt.want {
				t.Fatalf("MakeSlug(%q, %q) = %q, want %q", tt.title, tt.artist, got, tt.want)
			}
		})
	}
}

func TestMakeSlugCaseInsensitive(t *testing.T) {
	if MakeSlug("HELLO World", "Some ARTIST") != MakeSlug("hello world", "some artist") {
		t.Error("slug must be case insensitive")
	}
}

func TestTierSpecs(t *testing.T) {
	specs := TierSpecs([]string{Tier1Modern})
	if len(specs) != 1 || specs[0].Table != "spine_master_v1_lanes" {
		t.Fatalf("tier1 spec = %+v", specs)
	}
	if specs[0].EchoTier != "EchoTier_1_YearEnd_Top40" {
		t.Errorf("tier1 echo tier = %q", specs[0].EchoTier)
	}

	// Whitespace tolerated, order preserved, unknown labels dropped.
	specs = TierSpecs([]string{" tier3_modern ", "bogus", Tier1Modern})
	if len(specs) != 2 || specs[0].Label != Tier3Modern || specs[1].Label != Tier1Modern {
		t.Fatalf("mixed specs = %+v", specs)
	}

	// Nothing recognizable falls back to tier 1.
	specs = TierSpecs([]string{"nope"})
	if len(specs) != 1 || specs[0].Label != Tier1Modern {
		t.Fatalf("fallback specs = %+v", specs)
	}
	if got := TierSpecs(nil); len(got) != 1 || got[0].Label != Tier1Modern {
		t.Fatalf("nil specs = %+v", got)
	}
}

func TestTierPriority(t *testing.T) {
	if TierPriority(Tier1Modern) != 0 || TierPriority(Tier2Modern) != 1 || TierPriority(Tier3Modern) != 2 {
		t.Error("canonical tiers out of priority order")
	}
	if TierPriority("anything_else") != 99 {
		t.Error("unknown tier must sort last")
	}
}

func TestMergePreferLowestTier(t *testing.T) {
	rows := []Row{
		{Title: "Song A", Artist: "One", Tier: Tier3Modern, Slug: "song-a--one", Tempo: 93},
		{Title: "Song B", Artist: "Two", Tier: Tier2Modern, Slug: "song-b--two"},
		{Title: "Song A", Artist: "One", Tier: Tier1Modern, Slug: "song-a--one", Tempo: 91},
	}

	merged := MergePreferLowestTier(rows)
	if len(merged) != 2 {
		t.Fatalf("merged %d rows, want 2", len(merged))
	}
	// First-seen order is preserved while the winning tier replaces the row.
	if merged[0].Slug != "song-a--one" || merged[0].Tier != Tier1Modern || merged[0].Tempo != 91 {
		t.Errorf("merged[0] = %+v, want tier1 version of song-a", merged[0])
	}
	if merged[1].Slug != "song-b--two" {
		t.Errorf("merged[1] = %+v", merged[1])
	}
}

func TestMergePreferLowestTierComputesMissingSlug(t *testing.T) {
	rows := []Row{
		{Title: "Same Song", Artist: "Same Artist", Tier: Tier2Modern},
		{Title: "Same Song", Artist: "Same Artist", Tier: Tier1Modern, Slug: "same-song--same-artist"},
	}
	merged := MergePreferLowestTier(rows)
	if len(merged) != 1 || merged[0].Tier != Tier1Modern {
		t.Fatalf("merged = %+v, want single tier1 row", merged)
	}
}
