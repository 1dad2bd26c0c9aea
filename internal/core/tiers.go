package core

// TrustTier is the human-readable band derived from a trust score.
type TrustTier string

const (
	TierT0 TrustTier = "T0" // Sandbox    0-99
	TierT1 TrustTier = "T1" // Probation  100-299
	TierT2 TrustTier = "T2" // Limited    300-499
	TierT3 TrustTier = "T3" // Standard   500-699
	TierT4 TrustTier = "T4" // Trusted    700-899
	TierT5 TrustTier = "T5" // Sovereign  900-1000
)

var tierLabels = map[TrustTier]string{
	TierT0: "Sandbox",
	TierT1: "Probation",
	TierT2: "Limited",
	TierT3: "Standard",
	TierT4: "Trusted",
	TierT5: "Sovereign",
}

// TierForScore maps a trust score to its tier. Boundaries are inclusive
// on the lower edge. Scores are expected in [0, 1000]; out-of-range
// inputs are clamped first so the function stays total.
func TierForScore(score int) TrustTier {
	if score < 0 {
		score = 0
	}
	if score > 1000 {
		score = 1000
	}

	switch {
	case score < 100:
		return TierT0
	case score < 300:
		return TierT1
	case score < 500:
		return TierT2
	case score < 700:
		return TierT3
	case score < 900:
		return TierT4
	default:
		return TierT5
	}
}

// Label returns the human-readable name of the tier.
func (t TrustTier) Label() string {
	if l, ok := tierLabels[t]; ok {
		return l
	}
	return "Unknown"
}

// ClampScore bounds a raw composite into [0, ceiling]. The ceiling itself
// is already bounded by the 0-1000 scale.
func ClampScore(raw float64, ceiling int) int {
	if ceiling > 1000 {
		ceiling = 1000
	}
	if raw < 0 {
		return 0
	}
	if raw > float64(ceiling) {
		return ceiling
	}
	return int(raw)
}
