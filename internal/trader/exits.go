package trader

import (
	"time"

	"bybit-trading-agent/internal/ai/llm"
	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/indicators"
)

const (
	// aiReversalConfidence gates the opposite-verdict backup exit.
	aiReversalConfidence = 0.7
	// staleAfter and staleMaxPnLPct define the dead-position exit.
	staleAfter     = 2 * time.Hour
	staleMaxPnLPct = 0.3
	// volumeSpikeRatio triggers the volatility-spike partial exit.
	volumeSpikeRatio = 5.0
)

// ExitDecision is one triggered backup rule. ClosePct is the fraction of the
// position to close; LadderLevel is set only by the profit-ladder rule.
type ExitDecision struct {
	Rule        string
	ClosePct    float64
	Score       float64
	LadderLevel int
}

// evaluateBackupExits checks every backup rule and returns the
// highest-scoring triggered one, or nil.
func evaluateBackupExits(tr *Tracking, pos bybit.Position, ind indicators.Indicators, entryVerdict *llm.EntryVerdict, now time.Time) *ExitDecision {
	var best *ExitDecision
	consider := func(d ExitDecision) {
		if best == nil || d.Score > best.Score {
			c := d
			best = &c
		}
	}

	// AI reversal: a confident entry verdict against the open side.
	if entryVerdict != nil && entryVerdict.Confidence > aiReversalConfidence {
		reversed := (pos.Side == bybit.SideBuy && entryVerdict.Decision == llm.DecisionSell) ||
			(pos.Side == bybit.SideSell && entryVerdict.Decision == llm.DecisionBuy)
		if reversed {
			consider(ExitDecision{Rule: "AI_REVERSAL", ClosePct: 100, Score: entryVerdict.Confidence})
		}
	}

	// Staleness: hours in position with nothing to show for it.
	if now.Sub(tr.EntryTime) > staleAfter && pos.PnLPercent < staleMaxPnLPct {
		consider(ExitDecision{Rule: "STALE_POSITION", ClosePct: 100, Score: 0.75})
	}

	// Profit ladder: first crossing of each rung fires once.
	for i := len(ladderRungs) - 1; i >= 0; i-- {
		rung := ladderRungs[i]
		if pos.PnLPercent >= rung.Threshold && !tr.LadderFired[rung.Level] {
			consider(ExitDecision{Rule: rung.ActionName, ClosePct: rung.ClosePct, Score: 0.8, LadderLevel: rung.Level})
			break
		}
	}

	// Volatility spike against an open position.
	if ind.Volume.Ratio > volumeSpikeRatio {
		consider(ExitDecision{Rule: "VOLUME_SPIKE", ClosePct: 50, Score: 0.6})
	}

	// Technical reversal: side-conditional RSI extremum plus opposing
	// MACD histogram.
	if pos.Side == bybit.SideBuy && ind.RSI > 70 && ind.MACD.Histogram < 0 {
		consider(ExitDecision{Rule: "TECH_REVERSAL", ClosePct: 50, Score: 0.65})
	}
	if pos.Side == bybit.SideSell && ind.RSI < 30 && ind.MACD.Histogram > 0 {
		consider(ExitDecision{Rule: "TECH_REVERSAL", ClosePct: 50, Score: 0.65})
	}

	return best
}
