// Package trader runs the per-symbol control loop: analyse, manage the open
// position, open new ones, repeat every candle interval. All invariants
// about position count and hedging are enforced here.
package trader

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/ai/llm"
	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/history"
	"bybit-trading-agent/internal/indicators"
	"bybit-trading-agent/internal/kalman"
	"bybit-trading-agent/internal/logging"
	"bybit-trading-agent/internal/market"
	"bybit-trading-agent/internal/metrics"
	"bybit-trading-agent/internal/risk"
)

const (
	// minCandlesForAnalysis gates the first tick after startup.
	minCandlesForAnalysis = 50
	// analysisWindow is how many candles each tick analyses.
	analysisWindow = 100
	// startupWait bounds how long Start waits for the buffer to fill.
	startupWait = 60 * time.Second
	// transportErrorDelay postpones the next tick after a venue failure.
	transportErrorDelay = 30 * time.Second
)

// Archiver receives completed trade records for long-term storage. The
// implementation tolerates a nil receiver, so the field may stay unset.
type Archiver interface {
	SaveOpen(ctx context.Context, rec history.TradeRecord) error
	SaveClose(ctx context.Context, tradeID string, exit history.Exit) error
}

// Reasoner is the slice of the AI analyzer the engine needs.
type Reasoner interface {
	AnalyzeEntry(ctx context.Context, symbol string, market *bybit.MarketData, ind indicators.Indicators, pred kalman.Prediction, historyContext string) *llm.EntryVerdict
	AnalyzePosition(ctx context.Context, pos bybit.Position, market *bybit.MarketData, ind indicators.Indicators, pred kalman.Prediction, hoursInPosition float64) *llm.PositionVerdict
	Health(ctx context.Context) bool
}

// Config holds the engine's trading parameters.
type Config struct {
	Symbol          string
	Interval        time.Duration
	AutoTrading     bool
	MaxLeverage     int
	RiskPercent     float64 // per-trade balance slice cap; 0 means the default
	StopLossPercent float64
}

// Engine is the strategy orchestrator for one symbol.
type Engine struct {
	cfg      Config
	exchange bybit.Exchange
	buffer   *market.Buffer
	reasoner Reasoner
	history  *history.Store
	gate     *risk.Gate
	metrics  *metrics.Metrics
	filter   *kalman.Filter
	archive  Archiver
	logger   zerolog.Logger

	instrument *bybit.Instrument
	tracking   map[string]*Tracking

	// Closed-trade tally behind the win-rate gauge. Loop-goroutine only.
	winCount   int
	closeCount int

	stop chan struct{}
	done chan struct{}
	now  func() time.Time
}

// NewEngine wires the components together.
func NewEngine(cfg Config, exchange bybit.Exchange, buffer *market.Buffer, reasoner Reasoner, hist *history.Store, gate *risk.Gate, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		exchange: exchange,
		buffer:   buffer,
		reasoner: reasoner,
		history:  hist,
		gate:     gate,
		metrics:  m,
		filter:   kalman.New(fmt.Sprintf("%dm", int(cfg.Interval.Minutes()))),
		logger:   logger.With().Str("component", "trader").Str("symbol", cfg.Symbol).Logger(),
		tracking: make(map[string]*Tracking),
		now:      time.Now,
	}
}

// WithArchive attaches the optional trade archive.
func (e *Engine) WithArchive(a Archiver) *Engine {
	e.archive = a
	return e
}

// Start health-checks the collaborators, fills the candle buffer and launches
// the control loop. Failures here are fatal.
func (e *Engine) Start(ctx context.Context) error {
	venueUp := e.exchange.Health(ctx)
	modelUp := e.reasoner.Health(ctx)
	e.metrics.SetHealth(venueUp, modelUp)
	if !venueUp {
		return fmt.Errorf("venue health check failed")
	}
	if !modelUp {
		return fmt.Errorf("reasoning engine health check failed")
	}

	instrument, err := e.exchange.Instrument(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("unknown instrument %s: %w", e.cfg.Symbol, err)
	}
	e.instrument = instrument

	if err := e.buffer.Start(ctx, e.cfg.Interval); err != nil {
		return err
	}

	deadline := e.now().Add(startupWait)
	for !e.buffer.HasEnough(minCandlesForAnalysis) {
		if e.now().After(deadline) {
			return fmt.Errorf("candle buffer did not reach %d candles within %s", minCandlesForAnalysis, startupWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	go e.run()

	e.logger.Info().
		Str("event", logging.EventSystemStart).
		Bool("auto_trading", e.cfg.AutoTrading).
		Dur("interval", e.cfg.Interval).
		Msg("Trading engine started")
	return nil
}

// Stop terminates the loop and the candle buffer.
func (e *Engine) Stop() {
	if e.stop != nil {
		close(e.stop)
		<-e.done
	}
	e.buffer.Stop()
	e.logger.Info().Str("event", logging.EventSystemStop).Msg("Trading engine stopped")
}

func (e *Engine) run() {
	defer close(e.done)

	for {
		delay := e.cfg.Interval

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Interval)
		if err := e.tick(ctx); err != nil {
			e.metrics.Errors.Inc()
			e.logger.Error().
				Str("event", logging.EventSystemError).
				Err(err).
				Msg("Tick failed, delaying next tick")
			delay += transportErrorDelay
		}
		cancel()

		select {
		case <-e.stop:
			return
		case <-time.After(delay):
		}
	}
}

// tick is one serial pass: analysis, position management, entries.
func (e *Engine) tick(ctx context.Context) error {
	analysisStart := e.now()

	candles := e.buffer.Get(analysisWindow)
	ind := indicators.Compute(candles)
	pred := e.filter.Predict(candles, kalman.DefaultLookAhead)

	marketData, err := e.exchange.MarketData(ctx, e.cfg.Symbol)
	if err != nil {
		e.metrics.VenueUp.Set(0)
		return fmt.Errorf("market data: %w", err)
	}
	e.metrics.SetHealth(true, e.reasoner.Health(ctx))

	histCtx := e.history.Context(ctx, e.cfg.Symbol)
	verdict := e.reasoner.AnalyzeEntry(ctx, e.cfg.Symbol, marketData, ind, pred, history.FormatContext(histCtx))

	e.recordAnalysisMetrics(ind, pred, verdict, analysisStart)

	positions, err := e.exchange.Positions(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("positions: %w", err)
	}

	if len(positions) > 0 {
		e.managePosition(ctx, positions[0], marketData, ind, pred, verdict)
		e.metrics.OpenPositions.Set(1)
		return nil
	}

	e.metrics.OpenPositions.Set(0)
	e.metrics.PositionPnLPct.Set(0)
	e.metrics.UnrealisedPnL.Set(0)

	if tr, ok := e.tracking[e.cfg.Symbol]; ok {
		// Position vanished between ticks; resolve how it closed.
		e.resolveOrphan(ctx, tr)
	}

	volatility := indicators.AnnualizedVolatility(indicators.Closes(candles), 20) / 2
	e.maybeOpen(ctx, verdict, ind, pred, marketData, volatility)
	return nil
}

func (e *Engine) recordAnalysisMetrics(ind indicators.Indicators, pred kalman.Prediction, verdict *llm.EntryVerdict, start time.Time) {
	e.metrics.RSI.Set(ind.RSI)
	e.metrics.MACDLine.Set(ind.MACD.Line)
	e.metrics.MACDSignal.Set(ind.MACD.Signal)
	e.metrics.MACDHistogram.Set(ind.MACD.Histogram)
	e.metrics.KalmanConfidence.Set(pred.Confidence)
	e.metrics.AIConfidence.Set(verdict.Confidence)
	e.metrics.AnalysisDuration.Observe(e.now().Sub(start).Seconds())
}

// ==================== Position management ====================

func (e *Engine) managePosition(ctx context.Context, pos bybit.Position, marketData *bybit.MarketData, ind indicators.Indicators, pred kalman.Prediction, entryVerdict *llm.EntryVerdict) {
	now := e.now()

	tr, ok := e.tracking[pos.Symbol]
	if !ok {
		tradeID := ""
		if cur := e.history.CurrentPosition(ctx, pos.Symbol); cur != nil {
			tradeID = cur.ID
		}
		tr = newTracking(pos, tradeID, now)
		e.tracking[pos.Symbol] = tr
		e.logger.Info().Str("trade_id", tradeID).Msg("Adopted untracked position")
	}
	tr.Observe(pos.CurrentPrice)

	e.metrics.PositionPnLPct.Set(pos.PnLPercent)
	e.metrics.UnrealisedPnL.Set(pos.UnrealizedPnL)

	// No-hedge advisory: an opposite entry signal never opens a counter
	// position while this one lives.
	if (pos.Side == bybit.SideBuy && entryVerdict.Decision == llm.DecisionSell) ||
		(pos.Side == bybit.SideSell && entryVerdict.Decision == llm.DecisionBuy) {
		e.logger.Warn().
			Str("side", string(pos.Side)).
			Str("signal", entryVerdict.Decision).
			Float64("confidence", entryVerdict.Confidence).
			Msg("Opposite entry signal while position open, management rules decide")
	}

	if e.detectTPSL(ctx, tr, pos) {
		return
	}

	if newSL, ok := tr.TrailingUpdate(pos.PnLPercent, e.cfg.StopLossPercent); ok {
		if err := e.exchange.UpdateStopLoss(ctx, pos.Symbol, newSL, 0); err != nil {
			e.metrics.Errors.Inc()
			e.logger.Warn().Err(err).Float64("stop_loss", newSL).Msg("Trailing stop update failed")
		} else {
			e.logger.Info().Float64("stop_loss", newSL).Float64("best_seen", tr.MaxPriceSeen).Msg("Trailing stop advanced")
		}
	}

	pv := e.reasoner.AnalyzePosition(ctx, pos, marketData, ind, pred, tr.HoursOpen(now))
	if pv.Action != llm.ActionHold {
		e.closeFraction(ctx, tr, pos, actionClosePct(pv.Action), "AI_POSITION")
		return
	}

	if d := evaluateBackupExits(tr, pos, ind, entryVerdict, now); d != nil {
		// A rung only latches once its close actually executed; a failed
		// venue call leaves it eligible for the next tick.
		if e.closeFraction(ctx, tr, pos, d.ClosePct, d.Rule) && d.LadderLevel > 0 {
			tr.LadderFired[d.LadderLevel] = true
		}
	}
}

// detectTPSL polls recent order history for a fired TP or SL. Returns true
// when the position was closed by the venue.
func (e *Engine) detectTPSL(ctx context.Context, tr *Tracking, pos bybit.Position) bool {
	status, err := e.exchange.CheckTPSL(ctx, pos.Symbol, tr.LastOrderCheck)
	if err != nil {
		e.logger.Warn().Err(err).Msg("TP/SL check failed")
		return false
	}
	tr.LastOrderCheck = e.now()

	if !status.TPExecuted && !status.SLExecuted {
		return false
	}

	closeType := logging.CloseTakeProfit
	exitType := history.ExitTakeProfit
	if status.SLExecuted {
		closeType = logging.CloseStopLoss
		exitType = history.ExitStopLoss
	}

	e.finalizeClose(ctx, tr, pos, status.Price, exitType, closeType, "venue")
	return true
}

// closeFraction executes a partial or full market close decided by the agent.
// Reports whether the venue accepted the close.
func (e *Engine) closeFraction(ctx context.Context, tr *Tracking, pos bybit.Position, pct float64, rule string) bool {
	start := e.now()
	res, err := e.exchange.ClosePosition(ctx, pos.Symbol, pos.Side, pct)
	e.metrics.ExecutionDuration.Observe(e.now().Sub(start).Seconds())
	if err != nil {
		e.metrics.Errors.Inc()
		e.logger.Error().Err(err).Str("rule", rule).Float64("pct", pct).Msg("Close failed")
		return false
	}

	e.logger.Info().
		Str("rule", rule).
		Float64("pct", pct).
		Float64("price", res.AvgPrice).
		Msg("Position reduced")

	if pct >= 100 {
		e.finalizeClose(ctx, tr, pos, res.AvgPrice, history.ExitManual, logging.CloseManual, "agent")
	}
	return true
}

// finalizeClose records the terminal trade result and drops tracking.
func (e *Engine) finalizeClose(ctx context.Context, tr *Tracking, pos bybit.Position, exitPrice float64, exitType, closeType, executedBy string) {
	if exitPrice <= 0 {
		exitPrice = pos.CurrentPrice
	}

	pnl := (exitPrice - tr.EntryPrice) * pos.Size
	if tr.Side == bybit.SideSell {
		pnl = -pnl
	}
	pnlPct := 0.0
	if notional := tr.EntryPrice * pos.Size; notional > 0 {
		pnlPct = pnl / notional * 100
	}
	duration := e.now().Sub(tr.EntryTime).Minutes()

	e.logger.Info().
		Str("event", logging.EventTradeClose).
		Str("type", closeType).
		Str("executedBy", executedBy).
		Float64("pnl", pnl).
		Float64("pnl_pct", pnlPct).
		Float64("exit_price", exitPrice).
		Msg("Trade closed")

	result := "LOSS"
	if exitType == history.ExitLiquidation {
		result = "LIQUIDATION"
	} else if pnl > 0 {
		result = "WIN"
	}
	e.metrics.TradesTotal.WithLabelValues(result).Inc()
	e.metrics.RealisedPnL.Add(pnl)

	e.closeCount++
	if result == "WIN" {
		e.winCount++
	}
	e.metrics.WinRate.Set(float64(e.winCount) / float64(e.closeCount))

	if tr.TradeID != "" {
		exit := history.Exit{
			Type:        exitType,
			Price:       exitPrice,
			PnL:         pnl,
			PnLPercent:  pnlPct,
			DurationMin: duration,
			Time:        e.now(),
		}
		if err := e.history.RecordClose(ctx, pos.Symbol, tr.TradeID, exit); err != nil {
			e.logger.Warn().Err(err).Msg("History close record failed")
		}
		if e.archive != nil {
			if err := e.archive.SaveClose(ctx, tr.TradeID, exit); err != nil {
				e.logger.Warn().Err(err).Msg("Archive close failed")
			}
		}
	}

	delete(e.tracking, pos.Symbol)
}

// resolveOrphan handles a tracked position that disappeared from the venue
// between ticks.
func (e *Engine) resolveOrphan(ctx context.Context, tr *Tracking) {
	pos := bybit.Position{
		Symbol:       tr.Symbol,
		Side:         tr.Side,
		EntryPrice:   tr.EntryPrice,
		CurrentPrice: tr.MaxPriceSeen,
		Size:         0,
	}

	status, err := e.exchange.CheckTPSL(ctx, tr.Symbol, tr.LastOrderCheck)
	if err == nil && (status.TPExecuted || status.SLExecuted) {
		closeType := logging.CloseTakeProfit
		exitType := history.ExitTakeProfit
		if status.SLExecuted {
			closeType = logging.CloseStopLoss
			exitType = history.ExitStopLoss
		}
		e.finalizeClose(ctx, tr, pos, status.Price, exitType, closeType, "venue")
		return
	}

	e.logger.Warn().Str("trade_id", tr.TradeID).Msg("Tracked position gone without a detected exit")
	e.finalizeClose(ctx, tr, pos, 0, history.ExitManual, logging.CloseManual, "unknown")
}

// ==================== New entries ====================

func (e *Engine) maybeOpen(ctx context.Context, verdict *llm.EntryVerdict, ind indicators.Indicators, pred kalman.Prediction, marketData *bybit.MarketData, volatility float64) {
	if verdict.Decision == llm.DecisionHold {
		return
	}
	if !e.cfg.AutoTrading {
		e.logger.Info().
			Str("decision", verdict.Decision).
			Float64("confidence", verdict.Confidence).
			Msg("Auto trading disabled, signal not executed")
		return
	}

	side := bybit.SideBuy
	if verdict.Decision == llm.DecisionSell {
		side = bybit.SideSell
	}

	balance, err := e.exchange.Balance(ctx)
	if err != nil {
		e.metrics.Errors.Inc()
		e.logger.Error().Err(err).Msg("Balance fetch failed, skipping entry")
		return
	}
	e.metrics.Balance.Set(balance.Total)

	leverage := computeLeverage(verdict, pred, ind, e.cfg.MaxLeverage)
	price := marketData.Price
	quantity := computeQuantity(balance.Available, price, leverage, e.cfg.RiskPercent, e.instrument)
	stopLoss, takeProfit := computeStops(price, side, e.cfg.StopLossPercent, verdict.Confidence)

	req := bybit.OrderRequest{
		Symbol:     e.cfg.Symbol,
		Side:       side,
		Quantity:   quantity,
		Leverage:   leverage,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	}

	gv := e.gate.Validate(req, price, balance.Total, 0, volatility)
	if !gv.Approved && gv.Adjusted != nil {
		adjusted := *gv.Adjusted
		if e.instrument != nil && e.instrument.QtyStep > 0 {
			adjusted.Quantity = bybit.RoundToStep(adjusted.Quantity, e.instrument.QtyStep)
		}
		gv = e.gate.Validate(adjusted, price, balance.Total, 0, volatility)
		if gv.Approved {
			req = adjusted
		}
	}
	if !gv.Approved {
		e.logger.Warn().Str("reason", gv.Reason).Msg("Entry rejected by risk gate")
		return
	}

	if err := e.exchange.SetLeverage(ctx, e.cfg.Symbol, req.Leverage); err != nil {
		e.metrics.Errors.Inc()
		e.logger.Error().Err(err).Msg("Set leverage failed, skipping entry")
		return
	}

	start := e.now()
	res, err := e.exchange.SubmitOrder(ctx, req)
	e.metrics.ExecutionDuration.Observe(e.now().Sub(start).Seconds())
	if err != nil {
		e.metrics.Errors.Inc()
		e.logger.Error().Err(err).Msg("Order submission failed")
		return
	}

	entryPrice := res.AvgPrice
	if entryPrice <= 0 {
		entryPrice = price
	}

	rec := history.TradeRecord{
		Symbol:     e.cfg.Symbol,
		Side:       string(side),
		Confidence: verdict.Confidence,
		Entry: history.Entry{
			Price:       entryPrice,
			RSI:         ind.RSI,
			MACDHist:    ind.MACD.Histogram,
			KalmanTrend: pred.Trend,
			Leverage:    req.Leverage,
			Quantity:    req.Quantity,
		},
	}
	tradeID, err := e.history.RecordOpen(ctx, rec)
	if err != nil {
		e.logger.Warn().Err(err).Msg("History open record failed")
	}
	if e.archive != nil && tradeID != "" {
		rec.ID = tradeID
		rec.OpenTime = e.now()
		if err := e.archive.SaveOpen(ctx, rec); err != nil {
			e.logger.Warn().Err(err).Msg("Archive open failed")
		}
	}

	now := e.now()
	e.tracking[e.cfg.Symbol] = newTracking(bybit.Position{
		Symbol:       e.cfg.Symbol,
		Side:         side,
		Size:         req.Quantity,
		EntryPrice:   entryPrice,
		CurrentPrice: entryPrice,
		Leverage:     req.Leverage,
		Timestamp:    now,
	}, tradeID, now)

	e.gate.IncrementDaily()
	e.metrics.OpenPositions.Set(1)

	e.logger.Info().
		Str("event", logging.EventTradeOpen).
		Str("side", string(side)).
		Float64("quantity", req.Quantity).
		Int("leverage", req.Leverage).
		Float64("entry_price", entryPrice).
		Float64("stop_loss", req.StopLoss).
		Float64("take_profit", req.TakeProfit).
		Str("order_id", res.OrderID).
		Str("trade_id", tradeID).
		Msg("Trade opened")
}

// actionClosePct maps a position verdict action to a close fraction.
func actionClosePct(action string) float64 {
	switch action {
	case llm.ActionClose25:
		return 25
	case llm.ActionClose50:
		return 50
	case llm.ActionClose100:
		return 100
	default:
		return 0
	}
}
