package trader

import (
	"testing"
	"time"

	"bybit-trading-agent/internal/ai/llm"
	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/indicators"
)

var exitNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func openLong(pnlPct float64) (*Tracking, bybit.Position) {
	pos := bybit.Position{
		Symbol:       "BTCUSDT",
		Side:         bybit.SideBuy,
		Size:         0.5,
		EntryPrice:   50000,
		CurrentPrice: 50000 * (1 + pnlPct/100),
		PnLPercent:   pnlPct,
	}
	tr := newTracking(pos, "trade-1", exitNow.Add(-30*time.Minute))
	tr.EntryTime = exitNow.Add(-30 * time.Minute)
	return tr, pos
}

func neutralIndicators() indicators.Indicators {
	return indicators.Indicators{RSI: 50, Volume: indicators.VolumeResult{Ratio: 1}}
}

func TestNoExitWhenQuiet(t *testing.T) {
	tr, pos := openLong(0.1)
	if d := evaluateBackupExits(tr, pos, neutralIndicators(), &llm.EntryVerdict{Decision: llm.DecisionHold}, exitNow); d != nil {
		t.Errorf("quiet position should not exit, got %+v", d)
	}
}

func TestAIReversalExit(t *testing.T) {
	tr, pos := openLong(0.1)
	verdict := &llm.EntryVerdict{Decision: llm.DecisionSell, Confidence: 0.85}

	d := evaluateBackupExits(tr, pos, neutralIndicators(), verdict, exitNow)
	if d == nil || d.Rule != "AI_REVERSAL" || d.ClosePct != 100 {
		t.Errorf("confident opposite verdict should close fully, got %+v", d)
	}

	// Same-side confidence does not trigger it.
	verdict.Decision = llm.DecisionBuy
	if d := evaluateBackupExits(tr, pos, neutralIndicators(), verdict, exitNow); d != nil {
		t.Errorf("same-side verdict should not exit, got %+v", d)
	}

	// Low confidence does not trigger it.
	verdict.Decision = llm.DecisionSell
	verdict.Confidence = 0.6
	if d := evaluateBackupExits(tr, pos, neutralIndicators(), verdict, exitNow); d != nil {
		t.Errorf("weak opposite verdict should not exit, got %+v", d)
	}
}

func TestStalePositionExit(t *testing.T) {
	tr, pos := openLong(0.1)
	tr.EntryTime = exitNow.Add(-3 * time.Hour)

	d := evaluateBackupExits(tr, pos, neutralIndicators(), &llm.EntryVerdict{Decision: llm.DecisionHold}, exitNow)
	if d == nil || d.Rule != "STALE_POSITION" || d.ClosePct != 100 {
		t.Errorf("stale flat position should close fully, got %+v", d)
	}

	// A position in decent profit is not stale.
	tr2, pos2 := openLong(0.4)
	tr2.EntryTime = exitNow.Add(-3 * time.Hour)
	d = evaluateBackupExits(tr2, pos2, neutralIndicators(), &llm.EntryVerdict{Decision: llm.DecisionHold}, exitNow)
	if d != nil && d.Rule == "STALE_POSITION" {
		t.Error("profitable position must not be treated as stale")
	}
}

// TestProfitLadderRungs covers the staged exits and the fired-level latch.
func TestProfitLadderRungs(t *testing.T) {
	tr, pos := openLong(0.35)

	d := evaluateBackupExits(tr, pos, neutralIndicators(), &llm.EntryVerdict{Decision: llm.DecisionHold}, exitNow)
	if d == nil || d.Rule != "PROFIT_LADDER_30" || d.ClosePct != 25 || d.LadderLevel != 30 {
		t.Fatalf("0.35%% should fire the first rung, got %+v", d)
	}
	tr.LadderFired[d.LadderLevel] = true

	// Same PnL again: latched.
	if d := evaluateBackupExits(tr, pos, neutralIndicators(), &llm.EntryVerdict{Decision: llm.DecisionHold}, exitNow); d != nil {
		t.Errorf("fired rung must not re-fire, got %+v", d)
	}

	// Higher PnL fires the next rung.
	pos.PnLPercent = 0.7
	d = evaluateBackupExits(tr, pos, neutralIndicators(), &llm.EntryVerdict{Decision: llm.DecisionHold}, exitNow)
	if d == nil || d.Rule != "PROFIT_LADDER_60" || d.ClosePct != 50 {
		t.Errorf("0.7%% should fire the second rung, got %+v", d)
	}
	tr.LadderFired[d.LadderLevel] = true

	pos.PnLPercent = 1.2
	d = evaluateBackupExits(tr, pos, neutralIndicators(), &llm.EntryVerdict{Decision: llm.DecisionHold}, exitNow)
	if d == nil || d.Rule != "PROFIT_LADDER_100" || d.ClosePct != 100 {
		t.Errorf("1.2%% should fire the final rung, got %+v", d)
	}
}

func TestVolumeSpikeExit(t *testing.T) {
	tr, pos := openLong(0.1)
	ind := neutralIndicators()
	ind.Volume.Ratio = 6

	d := evaluateBackupExits(tr, pos, ind, &llm.EntryVerdict{Decision: llm.DecisionHold}, exitNow)
	if d == nil || d.Rule != "VOLUME_SPIKE" || d.ClosePct != 50 {
		t.Errorf("volume spike should close half, got %+v", d)
	}
}

func TestTechnicalReversalExit(t *testing.T) {
	tr, pos := openLong(0.1)
	ind := neutralIndicators()
	ind.RSI = 75
	ind.MACD.Histogram = -0.4

	d := evaluateBackupExits(tr, pos, ind, &llm.EntryVerdict{Decision: llm.DecisionHold}, exitNow)
	if d == nil || d.Rule != "TECH_REVERSAL" || d.ClosePct != 50 {
		t.Errorf("overbought long with bearish MACD should close half, got %+v", d)
	}

	// RSI extreme without MACD confirmation is not enough.
	ind.MACD.Histogram = 0.2
	if d := evaluateBackupExits(tr, pos, ind, &llm.EntryVerdict{Decision: llm.DecisionHold}, exitNow); d != nil {
		t.Errorf("unconfirmed RSI extreme should not exit, got %+v", d)
	}
}

// TestHighestScoringRuleWins pits the AI reversal (confidence 0.9) against
// the profit ladder (0.8).
func TestHighestScoringRuleWins(t *testing.T) {
	tr, pos := openLong(0.35)
	verdict := &llm.EntryVerdict{Decision: llm.DecisionSell, Confidence: 0.9}

	d := evaluateBackupExits(tr, pos, neutralIndicators(), verdict, exitNow)
	if d == nil || d.Rule != "AI_REVERSAL" {
		t.Errorf("highest scoring rule should win, got %+v", d)
	}
}
