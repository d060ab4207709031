package risk

// Band is a human-readable risk level
type Band string

const (
	BandLow      Band = "low"      // 0-249.99
	BandModerate Band = "moderate" // 250-499.99
	BandHigh     Band = "high"     // 500-749.99
	BandCritical Band = "critical" // 750-1000
)

// BandFor classifies a 0-1000 risk score.
func BandFor(score float64) Band {
	switch {
	case score >= 750:
		return BandCritical
	case score >= 500:
		return BandHigh
	case score >= 250:
		return BandModerate
	default:
		return BandLow
	}
}
