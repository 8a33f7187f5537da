package llm

import (
	"fmt"
	"strings"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/indicators"
	"bybit-trading-agent/internal/kalman"
)

// rsiTag annotates the RSI reading with the threshold the decision rules use.
func rsiTag(rsi float64) string {
	switch {
	case rsi < 30:
		return "OVERSOLD"
	case rsi > 70:
		return "OVERBOUGHT"
	default:
		return "NEUTRAL"
	}
}

func macdTag(m indicators.MACDResult) string {
	if m.Histogram > 0 {
		return "BULLISH MOMENTUM"
	}
	if m.Histogram < 0 {
		return "BEARISH MOMENTUM"
	}
	return "FLAT"
}

// BuildEntryPrompt assembles the new-entry analysis prompt. The decision
// rules are written symmetrically for long and short so the model has no
// directional bias baked in.
func BuildEntryPrompt(symbol string, market *bybit.MarketData, ind indicators.Indicators, pred kalman.Prediction, historyContext string) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf(`You are a cryptocurrency perpetual futures trading analyst. Analyze %s and decide: BUY (open long), SELL (open short), or HOLD (no trade).

=== MARKET SNAPSHOT ===
`, symbol))
	if market != nil {
		b.WriteString(fmt.Sprintf(`Last price: %.2f
Bid/Ask: %.2f / %.2f
24h change: %.2f%%
24h high/low: %.2f / %.2f
24h volume: %.2f
`, market.Price, market.Bid, market.Ask, market.Change24hPct, market.High24h, market.Low24h, market.Volume24h))
	}

	b.WriteString(fmt.Sprintf(`
=== TECHNICAL INDICATORS ===
RSI(14): %.2f [%s] (oversold<30, overbought>70)
MACD: line=%.4f signal=%.4f histogram=%.4f [%s]
Bollinger: upper=%.2f middle=%.2f lower=%.2f
EMA: ema9=%.2f ema21=%.2f ema50=%.2f
Volume ratio: %.2fx average
`, ind.RSI, rsiTag(ind.RSI),
		ind.MACD.Line, ind.MACD.Signal, ind.MACD.Histogram, macdTag(ind.MACD),
		ind.Bollinger.Upper, ind.Bollinger.Middle, ind.Bollinger.Lower,
		ind.EMA.E9, ind.EMA.E21, ind.EMA.E50,
		ind.Volume.Ratio))

	b.WriteString(fmt.Sprintf(`
=== KALMAN FILTER FORECAST ===
Predicted price (+%d candles): %.2f
Filter confidence: %.2f
Trend: %s
Direction accuracy: %.2f
`, kalman.DefaultLookAhead, pred.PredictedPrice, pred.Confidence, pred.Trend, pred.Accuracy))

	if historyContext != "" {
		b.WriteString("\n=== RECENT TRADING HISTORY ===\n")
		b.WriteString(historyContext)
		b.WriteString("\n")
	}

	b.WriteString(`
=== DECISION RULES (apply symmetrically) ===
BUY when: RSI oversold or rising through 50, MACD histogram positive and growing, price near lower Bollinger band, Kalman trend bullish, volume confirming.
SELL when: RSI overbought or falling through 50, MACD histogram negative and deepening, price near upper Bollinger band, Kalman trend bearish, volume confirming.
HOLD when: signals conflict, volume is thin, or conviction is low.
Shorting a downtrend is as valid as buying an uptrend. Do not favor long entries.

Respond with JSON only:
{
  "decision": "BUY|SELL|HOLD",
  "confidence": 0.0-1.0,
  "reasoning": "one or two sentences",
  "suggested_leverage": 1-50,
  "risk_level": "low|medium|high",
  "market_sentiment": "bullish|bearish|neutral"
}`)

	return b.String()
}

// BuildPositionPrompt assembles the open-position management prompt with
// side-conditional reversal signals and scalping exit thresholds.
func BuildPositionPrompt(pos bybit.Position, market *bybit.MarketData, ind indicators.Indicators, pred kalman.Prediction, hoursInPosition float64) string {
	var b strings.Builder

	sideWord := "LONG"
	if pos.Side == bybit.SideSell {
		sideWord = "SHORT"
	}

	b.WriteString(fmt.Sprintf(`You are managing an open %s position on %s perpetual futures. Decide: HOLD, CLOSE_25, CLOSE_50, or CLOSE_100.

=== POSITION ===
Side: %s
Entry price: %.2f
Mark price: %.2f
Size: %.6f
Unrealized PnL: %.2f (%.3f%%)
Leverage: %dx
Time in position: %.1f hours
`, sideWord, pos.Symbol, sideWord, pos.EntryPrice, pos.CurrentPrice, pos.Size, pos.UnrealizedPnL, pos.PnLPercent, pos.Leverage, hoursInPosition))

	if market != nil {
		b.WriteString(fmt.Sprintf("\nLast price: %.2f, 24h change: %.2f%%\n", market.Price, market.Change24hPct))
	}

	b.WriteString(fmt.Sprintf(`
=== INDICATORS ===
RSI(14): %.2f [%s]
MACD histogram: %.4f [%s]
Bollinger: %.2f / %.2f / %.2f
Volume ratio: %.2fx
Kalman: predicted=%.2f trend=%s confidence=%.2f
`, ind.RSI, rsiTag(ind.RSI), ind.MACD.Histogram, macdTag(ind.MACD),
		ind.Bollinger.Upper, ind.Bollinger.Middle, ind.Bollinger.Lower,
		ind.Volume.Ratio, pred.PredictedPrice, pred.Trend, pred.Confidence))

	b.WriteString("\n=== REVERSAL SIGNALS AGAINST THIS POSITION ===\n")
	for _, s := range reversalSignals(pos.Side, ind, pred) {
		b.WriteString("- " + s + "\n")
	}

	b.WriteString(`
=== SCALPING EXIT THRESHOLDS ===
CLOSE_100: strong reversal confirmed by multiple signals, or PnL at risk of flipping negative after a good run.
CLOSE_50: momentum clearly fading, or volatility spike against the position.
CLOSE_25: early warning signs, lock in a slice of profit.
HOLD: trend intact, no meaningful reversal signals.
Profits are taken in fractions of a percent; do not wait for large moves.

Respond with JSON only:
{
  "action": "HOLD|CLOSE_25|CLOSE_50|CLOSE_100",
  "confidence": 0.0-1.0,
  "reasoning": "one or two sentences",
  "risk_level": "low|medium|high"
}`)

	return b.String()
}

// reversalSignals lists the indicator readings that currently argue against
// the position's side.
func reversalSignals(side bybit.Side, ind indicators.Indicators, pred kalman.Prediction) []string {
	var signals []string

	if side == bybit.SideBuy {
		if ind.RSI > 70 {
			signals = append(signals, fmt.Sprintf("RSI %.1f overbought", ind.RSI))
		}
		if ind.MACD.Histogram < 0 {
			signals = append(signals, "MACD histogram turned negative")
		}
		if pred.Trend == indicators.TrendBearish {
			signals = append(signals, "Kalman trend flipped bearish")
		}
	} else {
		if ind.RSI < 30 {
			signals = append(signals, fmt.Sprintf("RSI %.1f oversold", ind.RSI))
		}
		if ind.MACD.Histogram > 0 {
			signals = append(signals, "MACD histogram turned positive")
		}
		if pred.Trend == indicators.TrendBullish {
			signals = append(signals, "Kalman trend flipped bullish")
		}
	}

	if ind.Volume.Ratio > 3 {
		signals = append(signals, fmt.Sprintf("volume spike %.1fx average", ind.Volume.Ratio))
	}
	if len(signals) == 0 {
		signals = append(signals, "none")
	}
	return signals
}
