package spine

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"
)

const laneTableDDL = `CREATE TABLE %s (
	spine_track_id TEXT,
	slug TEXT,
	title TEXT,
	artist TEXT,
	year TEXT,
	echo_tier TEXT,
	has_audio TEXT,
	audio_features_path TEXT,
	tempo TEXT,
	valence TEXT,
	energy TEXT,
	loudness TEXT,
	tempo_band TEXT,
	valence_band TEXT,
	energy_band TEXT,
	loudness_band TEXT
)`

const laneInsert = `INSERT INTO %s (
	spine_track_id, slug, title, artist, year, echo_tier, has_audio,
	audio_features_path, tempo, valence, energy, loudness,
	tempo_band, valence_band, energy_band, loudness_band
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// newCatalogFixture builds a small on-disk catalog covering all three lane
// tables plus the compact feature table. Catalog columns are TEXT on
// purpose to mirror the production schema.
func newCatalogFixture(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "spine.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("opening fixture database: %v", err)
	}
	defer db.Close()

	for _, table := range []string{
		"spine_master_v1_lanes",
		"spine_master_tier2_modern_lanes_v1",
		"spine_master_tier3_modern_lanes_v1",
	} {
		if _, err := db.Exec(fmt.Sprintf(laneTableDDL, table)); err != nil {
			t.Fatalf("creating %s: %v", table, err)
		}
	}

	tier1 := "EchoTier_1_YearEnd_Top40"
	tier1Rows := [][]string{
		{"t1-001", "", "Song One", "Artist One", "1990", tier1, "1", "/audio/one.json", "100", "0.5", "0.5", "-10", "tempo_100_120", "valence_mid", "energy_mid", "loudness_mid"},
		{"t1-002", "", "Song Two", "Artist Two", "1995", tier1, "1", "/audio/two.json", "140", "0.5", "0.5", "-10", "tempo_over_140", "valence_mid", "energy_mid", "loudness_mid"},
		{"t1-003", "", "Song Three", "Artist Three", "2016", tier1, "1", "/audio/three.json", "70", "0.5", "0.5", "-10", "tempo_sub_80", "valence_mid", "energy_mid", "loudness_mid"},
		{"t1-004", "", "Song Nan", "Artist Nan", "2001", tier1, "1", "/audio/nan.json", "NaN", "0.5", "0.5", "-10", "", "", "", ""},
		// Rows below must never load: no audio, blank or unparsable
		// tempo, out-of-range year, foreign echo tier.
		{"t1-005", "", "Song Silent", "Artist Five", "1992", tier1, "0", "", "100", "0.5", "0.5", "-10", "", "", "", ""},
		{"t1-006", "", "Song Empty", "Artist Six", "1993", tier1, "1", "/audio/six.json", "", "0.5", "0.5", "-10", "", "", "", ""},
		{"t1-007", "", "Song Bad", "Artist Seven", "1994", tier1, "1", "/audio/seven.json", "abc", "0.5", "0.5", "-10", "", "", "", ""},
		{"t1-008", "", "Song Old", "Artist Eight", "1950", tier1, "1", "/audio/eight.json", "90", "0.5", "0.5", "-10", "", "", "", ""},
		{"t1-009", "", "Song Other", "Artist Nine", "1991", "EchoTier_X", "1", "/audio/nine.json", "95", "0.5", "0.5", "-10", "", "", "", ""},
	}
	insertLaneRows(t, db, "spine_master_v1_lanes", tier1Rows)

	tier2 := "EchoTier_2_YearEnd_Top100_Modern"
	tier2Rows := [][]string{
		// Same slug as the tier 1 Song Two; merge must prefer tier 1.
		{"t2-001", "", "Song Two", "Artist Two", "1995", tier2, "1", "/audio/two-alt.json", "141", "0.5", "0.5", "-10", "tempo_over_140", "valence_mid", "energy_mid", "loudness_mid"},
		{"t2-002", "", "Song Four", "Artist Four", "2000", tier2, "1", "/audio/four.json", "102", "0.5", "0.5", "-10", "tempo_100_120", "valence_mid", "energy_mid", "loudness_mid"},
	}
	insertLaneRows(t, db, "spine_master_tier2_modern_lanes_v1", tier2Rows)

	tier3 := "EchoTier_3_YearEnd_Top200_Modern"
	tier3Rows := [][]string{
		// No local audio, blank slug: fallback fills the slug and takes
		// axes from the compact document.
		{"t3-001", "", "Echo Dream", "Fallback Band", "2010", tier3, "0", "", "", "", "", "", "", "", "", ""},
		// Local analysis present, so fallback must not shadow it.
		{"t3-002", "real-song--real-band", "Real Song", "Real Band", "2012", tier3, "1", "/audio/real.json", "", "", "", "", "", "", "", ""},
		{"t3-003", "", "No Doc", "Missing Band", "2011", tier3, "0", "", "", "", "", "", "", "", "", ""},
		// Post-2020 rows exercised only by the store-level tests.
		{"t3-004", "stored-slug-track", "Weird Title!!", "Someone", "2021", tier3, "0", "", "", "", "", "", "", "", "", ""},
		{"t3-005", "half-doc--band", "Half Doc", "Band", "2022", tier3, "0", "", "", "", "", "", "", "", "", ""},
	}
	insertLaneRows(t, db, "spine_master_tier3_modern_lanes_v1", tier3Rows)

	if _, err := db.Exec("CREATE TABLE features_external_acousticbrainz_v1 (slug TEXT, features_json TEXT)"); err != nil {
		t.Fatalf("creating compact feature table: %v", err)
	}
	compactRows := [][]string{
		{"echo-dream--fallback-band", `{"tempo_bpm": 95.0, "average_loudness": -11.0, "danceability": 0.7, "mood_happy": 0.6, "mood_sad": 0.2}`},
		{"real-song--real-band", `{"tempo_bpm": 120.0, "average_loudness": -9.0, "danceability": 0.5, "mood_happy": 0.5}`},
		{"stored-slug-track", `{"tempo_bpm": 104.0, "average_loudness": -12.0, "mood_party": 0.8, "mood_relaxed": 0.6}`},
		{"half-doc--band", `{"tempo_bpm": 100.0}`},
		{"", `{"tempo_bpm": 90.0}`},
		{"broken-json--track", `not json`},
	}
	for _, row := range compactRows {
		if _, err := db.Exec(
			"INSERT INTO features_external_acousticbrainz_v1 (slug, features_json) VALUES (?, ?)",
			row[0], row[1],
		); err != nil {
			t.Fatalf("inserting compact feature row: %v", err)
		}
	}

	if err := db.Close(); err != nil {
		t.Fatalf("closing fixture database: %v", err)
	}

	store, err := Open(path)
	if err != nil {
		t.Fatalf("opening catalog store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func insertLaneRows(t *testing.T, db *sql.DB, table string, rows [][]string) {
	t.Helper()
	stmt := fmt.Sprintf(laneInsert, table)
	for _, row := range rows {
		args := make([]any, len(row))
		for i, v := range row {
			args[i] = v
		}
		if _, err := db.Exec(stmt, args...); err != nil {
			t.Fatalf("inserting into %s: %v", table, err)
		}
	}
}

func TestOpenMissingCatalog(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.db"))
	if err == nil || !strings.Contains(err.Error(), "catalog database not found") {
		t.Fatalf("err = %v, want catalog database not found", err)
	}
}

func TestTableExists(t *testing.T) {
	store := newCatalogFixture(t)
	ctx := context.Background()

	exists, err := store.TableExists(ctx, "spine_master_v1_lanes")
	if err != nil || !exists {
		t.Errorf("TableExists(spine_master_v1_lanes) = (%v, %v), want (true, nil)", exists, err)
	}
	exists, err = store.TableExists(ctx, "no_such_table")
	if err != nil || exists {
		t.Errorf("TableExists(no_such_table) = (%v, %v), want (false, nil)", exists, err)
	}
}

func TestLoadTierRows(t *testing.T) {
	store := newCatalogFixture(t)
	ctx := context.Background()
	spec := TierSpecs([]string{Tier1Modern})[0]

	rows, err := store.LoadTierRows(ctx, spec, 1985, 2020)
	if err != nil {
		t.Fatalf("LoadTierRows failed: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("loaded %d rows, want 4: %+v", len(rows), rows)
	}

	byTitle := make(map[string]Row)
	for _, r := range rows {
		byTitle[r.Title] = r
	}
	for _, title := range []string{"Song One", "Song Two", "Song Three", "Song Nan"} {
		if _, ok := byTitle[title]; !ok {
			t.Errorf("missing row %q", title)
		}
	}
	for _, title := range []string{"Song Silent", "Song Empty", "Song Bad", "Song Old", "Song Other"} {
		if _, ok := byTitle[title]; ok {
			t.Errorf("row %q should have been filtered out", title)
		}
	}

	one := byTitle["Song One"]
	if one.Year != 1990 || one.Tempo != 100 || one.Valence != 0.5 || one.Loudness != -10 {
		t.Errorf("Song One axes = %+v", one)
	}
	if one.Slug != "song-one--artist-one" {
		t.Errorf("Song One slug = %q", one.Slug)
	}
	if one.Tier != Tier1Modern || one.FeatureSource != SourceLocalAnalysis {
		t.Errorf("Song One provenance = (%q, %q)", one.Tier, one.FeatureSource)
	}
	if one.TempoBand != "tempo_100_120" {
		t.Errorf("Song One tempo band = %q", one.TempoBand)
	}

	// NaN survives the text parse; the probe filters it later.
	if !math.IsNaN(byTitle["Song Nan"].Tempo) {
		t.Errorf("Song Nan tempo = %v, want NaN", byTitle["Song Nan"].Tempo)
	}

	t.Run("year window", func(t *testing.T) {
		rows, err := store.LoadTierRows(ctx, spec, 1990, 1990)
		if err != nil {
			t.Fatalf("LoadTierRows failed: %v", err)
		}
		if len(rows) != 1 || rows[0].Title != "Song One" {
			t.Errorf("windowed rows = %+v, want only Song One", rows)
		}
	})
}

func TestLoadCompactFeatureMap(t *testing.T) {
	store := newCatalogFixture(t)
	ctx := context.Background()

	feats, err := store.LoadCompactFeatureMap(ctx)
	if err != nil {
		t.Fatalf("LoadCompactFeatureMap failed: %v", err)
	}
	if len(feats) != 4 {
		t.Fatalf("loaded %d documents, want 4: %v", len(feats), feats)
	}
	doc, ok := feats["echo-dream--fallback-band"]
	if !ok {
		t.Fatal("missing echo-dream--fallback-band document")
	}
	if v, ok := doc.float("tempo_bpm"); !ok || v != 95 {
		t.Errorf("tempo_bpm = (%v, %v)", v, ok)
	}
	if _, ok := feats["broken-json--track"]; ok {
		t.Error("undecodable document should be skipped")
	}
	if _, ok := feats[""]; ok {
		t.Error("blank slug should be skipped")
	}

	t.Run("missing table", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bare.db")
		db, err := sql.Open("sqlite3", path)
		if err != nil {
			t.Fatalf("opening bare database: %v", err)
		}
		if _, err := db.Exec("CREATE TABLE unrelated (x TEXT)"); err != nil {
			t.Fatalf("creating table: %v", err)
		}
		db.Close()

		bare, err := Open(path)
		if err != nil {
			t.Fatalf("opening bare store: %v", err)
		}
		defer bare.Close()

		feats, err := bare.LoadCompactFeatureMap(ctx)
		if err != nil {
			t.Fatalf("LoadCompactFeatureMap failed: %v", err)
		}
		if feats == nil || len(feats) != 0 {
			t.Errorf("feats = %v, want empty map", feats)
		}
	})
}

func TestLoadFallbackRows(t *testing.T) {
	store := newCatalogFixture(t)
	ctx := context.Background()
	spec := canonicalTierSpecs[Tier3Modern]

	feats, err := store.LoadCompactFeatureMap(ctx)
	if err != nil {
		t.Fatalf("LoadCompactFeatureMap failed: %v", err)
	}

	rows, err := store.LoadFallbackRows(ctx, spec, 2005, 2023, feats, 0)
	if err != nil {
		t.Fatalf("LoadFallbackRows failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("loaded %d fallback rows, want 2: %+v", len(rows), rows)
	}

	byTitle := make(map[string]Row)
	for _, r := range rows {
		byTitle[r.Title] = r
	}

	dream, ok := byTitle["Echo Dream"]
	if !ok {
		t.Fatal("missing Echo Dream fallback row")
	}
	if dream.Slug != "echo-dream--fallback-band" {
		t.Errorf("blank catalog slug not recomputed: %q", dream.Slug)
	}
	if dream.Tempo != 95 || dream.Loudness != -11 {
		t.Errorf("Echo Dream axes = (%v, %v)", dream.Tempo, dream.Loudness)
	}
	if math.Abs(dream.Energy-0.7) > 1e-9 || math.Abs(dream.Valence-0.9) > 1e-9 {
		t.Errorf("Echo Dream derived axes = (%v, %v)", dream.Energy, dream.Valence)
	}
	if dream.TempoBand != "tempo_80_100" {
		t.Errorf("Echo Dream tempo band = %q", dream.TempoBand)
	}
	if dream.Tier != Tier3Modern || dream.FeatureSource != SourceCompactFallback {
		t.Errorf("Echo Dream provenance = (%q, %q)", dream.Tier, dream.FeatureSource)
	}

	if _, ok := byTitle["Weird Title!!"]; !ok {
		t.Error("stored slug candidate should load")
	}
	if _, ok := byTitle["Real Song"]; ok {
		t.Error("row with local audio should not get a fallback twin")
	}
	if _, ok := byTitle["No Doc"]; ok {
		t.Error("candidate without a compact document should be skipped")
	}
	if _, ok := byTitle["Half Doc"]; ok {
		t.Error("incomplete compact document should be skipped")
	}

	t.Run("cap", func(t *testing.T) {
		rows, err := store.LoadFallbackRows(ctx, spec, 2005, 2023, feats, 1)
		if err != nil {
			t.Fatalf("LoadFallbackRows failed: %v", err)
		}
		if len(rows) != 1 {
			t.Errorf("capped rows = %d, want 1", len(rows))
		}
	})

	t.Run("no documents", func(t *testing.T) {
		rows, err := store.LoadFallbackRows(ctx, spec, 2005, 2023, map[string]CompactFeatures{}, 0)
		if err != nil {
			t.Fatalf("LoadFallbackRows failed: %v", err)
		}
		if len(rows) != 0 {
			t.Errorf("rows = %+v, want none", rows)
		}
	})
}
