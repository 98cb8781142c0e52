package spine

// Band labels mirror the lane columns stored in the catalog, so rows built
// from fallback features carry the same vocabulary as imported rows.

func BandTempo(tempo float64) string {
	switch {
	case tempo < 80:
		return "tempo_sub_80"
	case tempo < 100:
		return "tempo_80_100"
	case tempo < 120:
		return "tempo_100_120"
	case tempo < 140:
		return "tempo_120_140"
	default:
		return "tempo_over_140"
	}
}

func BandValence(valence float64) string {
	switch {
	case valence < 0.2:
		return "valence_very_low"
	case valence < 0.4:
		return "valence_low"
	case valence < 0.6:
		return "valence_mid"
	case valence < 0.8:
		return "valence_high"
	default:
		return "valence_very_high"
	}
}

func BandEnergy(energy float64) string {
	switch {
	case energy < 0.2:
		return "energy_very_low"
	case energy < 0.4:
		return "energy_low"
	case energy < 0.6:
		return "energy_mid"
	case energy < 0.8:
		return "energy_high"
	default:
		return "energy_very_high"
	}
}

// BandLoudness buckets LUFS-style negative loudness values.
func BandLoudness(loudness float64) string {
	switch {
	case loudness < -18:
		return "loudness_very_quiet"
	case loudness < -14:
		return "loudness_quiet"
	case loudness < -10:
		return "loudness_mid"
	case loudness < -6:
		return "loudness_loud"
	default:
		return "loudness_very_loud"
	}
}
