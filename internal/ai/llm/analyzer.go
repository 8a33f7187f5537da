package llm

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/indicators"
	"bybit-trading-agent/internal/kalman"
	"bybit-trading-agent/internal/logging"
)

// Analyzer wraps the model client with prompt assembly and verdict
// validation. Transport failures never surface as errors; callers always get
// a conservative verdict they can act on.
type Analyzer struct {
	client *Client
	logger zerolog.Logger
}

// NewAnalyzer creates an analyzer over the given client.
func NewAnalyzer(client *Client, logger zerolog.Logger) *Analyzer {
	return &Analyzer{
		client: client,
		logger: logger.With().Str("component", "ai").Logger(),
	}
}

// AnalyzeEntry sends the assembled entry prompt and returns a validated
// verdict.
func (a *Analyzer) AnalyzeEntry(ctx context.Context, symbol string, market *bybit.MarketData, ind indicators.Indicators, pred kalman.Prediction, historyContext string) *EntryVerdict {
	prompt := BuildEntryPrompt(symbol, market, ind, pred, historyContext)

	start := time.Now()
	raw, err := a.client.Complete(ctx, prompt)
	if err != nil {
		a.logger.Warn().Err(err).Str("symbol", symbol).Msg("Entry analysis failed, holding")
		return ConservativeEntry("model unavailable: " + err.Error())
	}

	verdict := ParseEntryVerdict(raw)
	a.logger.Info().
		Str("event", logging.EventAIAnalysis).
		Str("symbol", symbol).
		Str("decision", verdict.Decision).
		Float64("confidence", verdict.Confidence).
		Dur("duration", time.Since(start)).
		Msg("Entry verdict")
	return verdict
}

// AnalyzePosition sends the position-management prompt for an open position
// and returns a validated verdict.
func (a *Analyzer) AnalyzePosition(ctx context.Context, pos bybit.Position, market *bybit.MarketData, ind indicators.Indicators, pred kalman.Prediction, hoursInPosition float64) *PositionVerdict {
	prompt := BuildPositionPrompt(pos, market, ind, pred, hoursInPosition)

	start := time.Now()
	raw, err := a.client.Complete(ctx, prompt)
	if err != nil {
		a.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Position analysis failed, holding")
		return ConservativePosition("model unavailable: " + err.Error())
	}

	verdict := ParsePositionVerdict(raw)
	a.logger.Info().
		Str("event", logging.EventAIAnalysis).
		Str("symbol", pos.Symbol).
		Str("action", verdict.Action).
		Float64("confidence", verdict.Confidence).
		Dur("duration", time.Since(start)).
		Msg("Position verdict")
	return verdict
}

// Health probes the model endpoint.
func (a *Analyzer) Health(ctx context.Context) bool {
	return a.client.Health(ctx)
}
