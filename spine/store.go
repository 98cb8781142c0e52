package spine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3" // sqlite driver registration
)

// Feature source tags carried on rows.
const (
	SourceLocalAnalysis   = "essentia_local"
	SourceCompactFallback = "acousticbrainz"
)

const compactFeatureTable = "features_external_acousticbrainz_v1"

// Store reads the historical catalog database. All access is read-only.
type Store struct {
	db *sql.DB
}

// Open connects to the catalog database. The file must already exist;
// probing never creates or migrates a catalog.
func Open(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("catalog database not found: %s", path)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping catalog database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// TableExists reports whether a table is present in the catalog schema.
func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table)
	var name string
	if err := row.Scan(&name); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect catalog schema: %w", err)
	}
	return true, nil
}

// LoadTierRows loads one tier's rows with usable audio axes. Catalog
// columns are stored as TEXT, so values are parsed here and rows that fail
// to parse are skipped rather than failing the query.
func (s *Store) LoadTierRows(ctx context.Context, spec TierSpec, minYear, maxYear int) ([]Row, error) {
	q := fmt.Sprintf(`
		SELECT
		  spine_track_id,
		  year,
		  artist,
		  title,
		  tempo,
		  valence,
		  energy,
		  loudness,
		  tempo_band,
		  valence_band,
		  energy_band
		FROM %s
		WHERE echo_tier = ?
		  AND has_audio = '1'
		  AND CAST(year AS INTEGER) BETWEEN ? AND ?
		  AND tempo <> ''
		  AND valence <> ''
		  AND energy <> ''
		  AND loudness <> ''
	`, spec.Table)

	rows, err := s.db.QueryContext(ctx, q, spec.EchoTier, minYear, maxYear)
	if err != nil {
		return nil, fmt.Errorf("failed to query tier rows from %s: %w", spec.Table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var trackID, year, artist, title sql.NullString
		var tempo, valence, energy, loudness sql.NullString
		var tempoBand, valenceBand, energyBand sql.NullString
		if err := rows.Scan(
			&trackID, &year, &artist, &title,
			&tempo, &valence, &energy, &loudness,
			&tempoBand, &valenceBand, &energyBand,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tier row: %w", err)
		}

		tempoVal, ok1 := parseAxis(tempo)
		valenceVal, ok2 := parseAxis(valence)
		energyVal, ok3 := parseAxis(energy)
		loudnessVal, ok4 := parseAxis(loudness)
		yearVal, ok5 := parseYear(year)
		if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
			continue
		}

		out = append(out, Row{
			SpineTrackID:  trackID.String,
			Year:          yearVal,
			Artist:        artist.String,
			Title:         title.String,
			Tempo:         tempoVal,
			Valence:       valenceVal,
			Energy:        energyVal,
			Loudness:      loudnessVal,
			TempoBand:     tempoBand.String,
			ValenceBand:   valenceBand.String,
			EnergyBand:    energyBand.String,
			Tier:          spec.Label,
			Slug:          MakeSlug(title.String, artist.String),
			FeatureSource: SourceLocalAnalysis,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tier rows: %w", err)
	}
	return out, nil
}

// LoadCompactFeatureMap loads the compact third-party feature documents
// keyed by slug. Missing table and undecodable documents are not errors.
func (s *Store) LoadCompactFeatureMap(ctx context.Context) (map[string]CompactFeatures, error) {
	exists, err := s.TableExists(ctx, compactFeatureTable)
	if err != nil {
		return nil, err
	}
	if !exists {
		return map[string]CompactFeatures{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT slug, features_json FROM %s", compactFeatureTable))
	if err != nil {
		return nil, fmt.Errorf("failed to query compact features: %w", err)
	}
	defer rows.Close()

	out := make(map[string]CompactFeatures)
	for rows.Next() {
		var slug, featuresJSON sql.NullString
		if err := rows.Scan(&slug, &featuresJSON); err != nil {
			return nil, fmt.Errorf("failed to scan compact feature row: %w", err)
		}
		if !slug.Valid || slug.String == "" {
			continue
		}
		compact, perr := ParseCompact([]byte(featuresJSON.String))
		if perr != nil {
			continue
		}
		out[slug.String] = compact
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate compact feature rows: %w", err)
	}
	return out, nil
}

// LoadFallbackRows synthesizes tier rows from compact features for catalog
// entries that lack local analysis. Rows with usable local audio are
// skipped so fallback never shadows a primary row. maxFallback caps the
// result; zero means uncapped.
func (s *Store) LoadFallbackRows(
	ctx context.Context,
	spec TierSpec,
	minYear, maxYear int,
	feats map[string]CompactFeatures,
	maxFallback int,
) ([]Row, error) {
	if len(feats) == 0 {
		return nil, nil
	}
	exists, err := s.TableExists(ctx, spec.Table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	q := fmt.Sprintf(`
		SELECT spine_track_id, slug, title, artist, year, has_audio, audio_features_path
		FROM %s
		WHERE echo_tier = ?
		  AND CAST(year AS INTEGER) BETWEEN ? AND ?
	`, spec.Table)

	rows, err := s.db.QueryContext(ctx, q, spec.EchoTier, minYear, maxYear)
	if err != nil {
		return nil, fmt.Errorf("failed to query fallback candidates from %s: %w", spec.Table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var trackID, slug, title, artist, year, hasAudio, audioPath sql.NullString
		if err := rows.Scan(&trackID, &slug, &title, &artist, &year, &hasAudio, &audioPath); err != nil {
			return nil, fmt.Errorf("failed to scan fallback candidate: %w", err)
		}

		slugVal := strings.TrimSpace(slug.String)
		if slugVal == "" {
			slugVal = MakeSlug(title.String, artist.String)
		}

		if strings.TrimSpace(hasAudio.String) == "1" && strings.TrimSpace(audioPath.String) != "" {
			// Local analysis wins over the compact proxy.
			continue
		}

		compact, ok := feats[slugVal]
		if !ok {
			continue
		}
		axes, ok := compact.ProbeAxes()
		if !ok {
			continue
		}
		yearVal, ok := parseYear(year)
		if !ok {
			continue
		}

		out = append(out, Row{
			SpineTrackID:  trackID.String,
			Year:          yearVal,
			Artist:        artist.String,
			Title:         title.String,
			Tempo:         axes.Tempo,
			Valence:       axes.Valence,
			Energy:        axes.Energy,
			Loudness:      axes.Loudness,
			TempoBand:     BandTempo(axes.Tempo),
			ValenceBand:   BandValence(axes.Valence),
			EnergyBand:    BandEnergy(axes.Energy),
			LoudnessBand:  BandLoudness(axes.Loudness),
			Tier:          spec.Label,
			Slug:          slugVal,
			FeatureSource: SourceCompactFallback,
		})
		if maxFallback > 0 && len(out) >= maxFallback {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate fallback candidates: %w", err)
	}
	return out, nil
}

func parseAxis(v sql.NullString) (float64, bool) {
	if !v.Valid {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v.String), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func parseYear(v sql.NullString) (int, bool) {
	if !v.Valid {
		return 0, false
	}
	y, err := strconv.Atoi(strings.TrimSpace(v.String))
	if err != nil {
		return 0, false
	}
	return y, true
}
