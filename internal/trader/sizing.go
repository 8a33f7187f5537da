package trader

import (
	"math"

	"bybit-trading-agent/internal/ai/llm"
	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/indicators"
	"bybit-trading-agent/internal/kalman"
)

// computeLeverage builds the entry leverage from a base of 5 plus bonuses
// for strong signals, clipped to the configured cap.
func computeLeverage(verdict *llm.EntryVerdict, pred kalman.Prediction, ind indicators.Indicators, maxLeverage int) int {
	leverage := 5

	switch {
	case verdict.Confidence >= 0.8:
		leverage += 15
	case verdict.Confidence >= 0.7:
		leverage += 10
	case verdict.Confidence >= 0.6:
		leverage += 5
	}

	switch {
	case pred.Confidence >= 0.8:
		leverage += 5
	case pred.Confidence >= 0.6:
		leverage += 3
	}

	if ind.RSI < 30 || ind.RSI > 70 {
		leverage += 3
	}
	if ind.Bollinger.Middle > 0 && math.Abs(ind.MACD.Histogram) > ind.Bollinger.Middle*0.001 {
		leverage += 2
	}
	if ind.Volume.Ratio > 2 {
		leverage += 2
	}

	if leverage > maxLeverage {
		leverage = maxLeverage
	}
	if leverage < 1 {
		leverage = 1
	}
	return leverage
}

// computeQuantity sizes the order: risk a leverage-derived slice of the
// available balance, lever it up, convert to base units and snap to the
// instrument's quantity step. Quantities below the venue minimum are raised
// to it. riskPercent caps the balance slice; zero or negative falls back to
// the default cap of 10.
func computeQuantity(available, price float64, leverage int, riskPercent float64, instrument *bybit.Instrument) float64 {
	if price <= 0 || available <= 0 {
		return 0
	}

	if riskPercent <= 0 {
		riskPercent = 10
	}
	riskPct := math.Min(riskPercent, float64(leverage)/3)
	capitalAtRisk := available * riskPct / 100
	notional := capitalAtRisk * float64(leverage)

	qty := notional / price
	if instrument != nil && instrument.QtyStep > 0 {
		qty = bybit.RoundToStep(qty, instrument.QtyStep)
		if qty < instrument.MinOrderQty {
			qty = instrument.MinOrderQty
		}
	}
	return qty
}

// computeStops derives the entry-based stop-loss and the confidence-scaled
// take-profit.
func computeStops(entry float64, side bybit.Side, stopLossPct, confidence float64) (stopLoss, takeProfit float64) {
	slDistance := entry * stopLossPct / 100
	tpFactor := 1.5 + 0.5*confidence

	if side == bybit.SideBuy {
		stopLoss = entry - slDistance
		takeProfit = entry + slDistance*tpFactor
	} else {
		stopLoss = entry + slDistance
		takeProfit = entry - slDistance*tpFactor
	}
	return stopLoss, takeProfit
}
