package orchestrator

import "github.com/b1e55ed/core/pkg/projection"

// Features are the inputs to regime classification.
type Features struct {
	Trend      float64 // -1..1, negative is bearish
	Basis      float64 // funding/basis proxy, -1..1
	Volatility float64 // 0..1, annualized-normalized
	Sentiment  float64 // -1..1
}

// ClassifyRegime maps portfolio features to a coarse market-state label.
// Thresholds are intentionally simple and conservative: crisis requires
// both high volatility and strongly negative trend/sentiment together, so
// no single noisy feature can produce a CRISIS label on its own.
func ClassifyRegime(f Features) projection.RegimeLabel {
	switch {
	case f.Volatility >= 0.75 && f.Trend <= -0.5 && f.Sentiment <= -0.5:
		return projection.RegimeCrisis
	case f.Trend <= -0.3:
		return projection.RegimeBear
	case f.Trend >= 0.6 && f.Volatility < 0.5:
		return projection.RegimeBull
	case f.Trend > 0.1 && f.Trend < 0.6:
		return projection.RegimeEarlyBull
	default:
		return projection.RegimeChop
	}
}

// RegimeConfidence is a simple separation measure for a CRISIS label: 0.5
// plus how far the CRISIS feature nearest its threshold sits past it,
// clamped to [0,1]. It returns 0 for every other label. Nothing in this
// repository calls it, and the kill switch has no regime-based
// auto-escalation.
func RegimeConfidence(f Features, label projection.RegimeLabel) float64 {
	if label != projection.RegimeCrisis {
		return 0
	}
	margin := minOf(f.Volatility-0.75, -0.5-f.Trend, -0.5-f.Sentiment)
	conf := 0.5 + margin
	return clamp01(conf)
}

func minOf(values ...float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// LeverageCap returns the maximum regime-adjusted leverage multiplier
// applied to position sizing in the Decision phase.
func LeverageCap(label projection.RegimeLabel) float64 {
	switch label {
	case projection.RegimeBull:
		return 1.0
	case projection.RegimeEarlyBull:
		return 0.75
	case projection.RegimeChop:
		return 0.5
	case projection.RegimeBear:
		return 0.25
	case projection.RegimeCrisis:
		return 0
	default:
		return 0
	}
}
