package indicators

import (
	"math"

	"bybit-trading-agent/internal/bybit"
)

// PatternResult summarises short-window candle formations.
type PatternResult struct {
	ThreeGreenSoldiers bool    `json:"three_green_soldiers"`
	ThreeRedSoldiers   bool    `json:"three_red_soldiers"`
	MomentumWeakening  bool    `json:"momentum_weakening"`
	VolumeSpike        bool    `json:"volume_spike"`
	Doji               bool    `json:"doji"`
	Signal             string  `json:"signal"`
	Strength           float64 `json:"strength"`
}

func body(c bybit.Candle) float64 {
	return c.Close - c.Open
}

// AnalyzePatterns inspects the tail of a candle window for the short-term
// formations the scalping tools report on.
func AnalyzePatterns(candles []bybit.Candle) PatternResult {
	res := PatternResult{Signal: "NEUTRAL"}
	if len(candles) < 3 {
		return res
	}

	last3 := candles[len(candles)-3:]
	res.ThreeGreenSoldiers = body(last3[0]) > 0 && body(last3[1]) > 0 && body(last3[2]) > 0
	res.ThreeRedSoldiers = body(last3[0]) < 0 && body(last3[1]) < 0 && body(last3[2]) < 0

	b0 := math.Abs(body(last3[0]))
	b1 := math.Abs(body(last3[1]))
	b2 := math.Abs(body(last3[2]))
	res.MomentumWeakening = b0 > b1 && b1 > b2

	res.VolumeSpike = IsVolumeSpike(candles, 3)
	res.Doji = IsDoji(candles[len(candles)-1])

	switch {
	case res.ThreeGreenSoldiers && !res.MomentumWeakening:
		res.Signal = "BULLISH"
		res.Strength = 0.7
	case res.ThreeRedSoldiers && !res.MomentumWeakening:
		res.Signal = "BEARISH"
		res.Strength = 0.7
	case res.Doji:
		res.Signal = "INDECISION"
		res.Strength = 0.3
	}
	if res.VolumeSpike && res.Signal != "NEUTRAL" {
		res.Strength = math.Min(1, res.Strength+0.2)
	}
	return res
}

// IsVolumeSpike reports whether the last candle's volume exceeds factor times
// the trailing mean of the preceding candles.
func IsVolumeSpike(candles []bybit.Candle, factor float64) bool {
	if len(candles) < 2 {
		return false
	}
	trailing := candles[:len(candles)-1]
	sum := 0.0
	for _, c := range trailing {
		sum += c.Volume
	}
	mean := sum / float64(len(trailing))
	if mean == 0 {
		return false
	}
	return candles[len(candles)-1].Volume > factor*mean
}

// IsDoji reports whether the candle body is under 10% of its full range.
func IsDoji(c bybit.Candle) bool {
	rng := c.High - c.Low
	if rng <= 0 {
		return false
	}
	return math.Abs(body(c))/rng < 0.1
}
