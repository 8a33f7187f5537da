package indicators

import "bybit-trading-agent/internal/bybit"

// Trend labels shared with the Kalman predictor and reasoning prompts.
const (
	TrendBullish = "bullish"
	TrendBearish = "bearish"
	TrendNeutral = "neutral"
)

// TimeframeComparison contrasts the coarse (strategy interval) trend with the
// fine (1-minute) trend.
type TimeframeComparison struct {
	MacroTrend string `json:"macro_trend"`
	MicroTrend string `json:"micro_trend"`
	Divergence bool   `json:"divergence"`
	Suggestion string `json:"suggestion"`
}

// CompareTimeframes maps the last 20 coarse candles and last 10 fine candles
// to trend labels (thresholds 0.2% macro, 0.1% micro) and flags divergence
// when the signs disagree. Divergence is treated as a scalping opportunity.
func CompareTimeframes(macro, micro []bybit.Candle) TimeframeComparison {
	res := TimeframeComparison{
		MacroTrend: trendOf(macro, 20, 0.2),
		MicroTrend: trendOf(micro, 10, 0.1),
		Suggestion: "WAIT",
	}

	if res.MacroTrend != TrendNeutral && res.MicroTrend != TrendNeutral && res.MacroTrend != res.MicroTrend {
		res.Divergence = true
		res.Suggestion = "SCALP_" + reversalSide(res.MicroTrend)
		return res
	}

	if res.MacroTrend == res.MicroTrend {
		switch res.MacroTrend {
		case TrendBullish:
			res.Suggestion = "FOLLOW_LONG"
		case TrendBearish:
			res.Suggestion = "FOLLOW_SHORT"
		}
	}
	return res
}

// trendOf labels the fractional change over the last n candles.
func trendOf(candles []bybit.Candle, n int, thresholdPct float64) string {
	if len(candles) < 2 {
		return TrendNeutral
	}
	if len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	first := candles[0].Close
	last := candles[len(candles)-1].Close
	if first == 0 {
		return TrendNeutral
	}
	changePct := (last - first) / first * 100
	switch {
	case changePct > thresholdPct:
		return TrendBullish
	case changePct < -thresholdPct:
		return TrendBearish
	default:
		return TrendNeutral
	}
}

func reversalSide(microTrend string) string {
	if microTrend == TrendBullish {
		return "LONG"
	}
	return "SHORT"
}
