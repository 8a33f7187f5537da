// Package tools exposes individual agent capabilities to an external
// supervisor over a websocket request/response protocol. Each tool wraps one
// read or trade operation; the protocol is one JSON object per text frame.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/ai/llm"
	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/database"
	"bybit-trading-agent/internal/history"
	"bybit-trading-agent/internal/indicators"
	"bybit-trading-agent/internal/kalman"
	"bybit-trading-agent/internal/risk"
)

const (
	microInterval    = "1"
	analysisLimit    = 100
	microLimit       = 60
	defaultBookDepth = 50
)

// Reasoner is the slice of the AI analyzer the tools need.
type Reasoner interface {
	AnalyzeEntry(ctx context.Context, symbol string, market *bybit.MarketData, ind indicators.Indicators, pred kalman.Prediction, historyContext string) *llm.EntryVerdict
}

// Deps are the collaborators the tool handlers dispatch into. History and
// Archive back the trade-history tool; Archive may be nil.
type Deps struct {
	Exchange bybit.Exchange
	Reasoner Reasoner
	Gate     *risk.Gate
	History  *history.Store
	Archive  *database.Archive

	// Symbol and Interval are the defaults when a call omits them.
	Symbol   string
	Interval string
}

// Tool describes one callable capability for tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type handlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Registry holds the tool set and dispatches calls by name.
type Registry struct {
	deps     Deps
	logger   zerolog.Logger
	tools    []Tool
	handlers map[string]handlerFunc
}

// NewRegistry builds the standard tool set.
func NewRegistry(deps Deps, logger zerolog.Logger) *Registry {
	r := &Registry{
		deps:     deps,
		logger:   logger.With().Str("component", "tools").Logger(),
		handlers: make(map[string]handlerFunc),
	}

	r.add("get_market_data", "Current ticker snapshot: price, bid, ask, 24h stats.",
		symbolSchema(), r.getMarketData)
	r.add("analyze_technical", "Technical indicators over the analysis window: RSI, MACD, Bollinger, EMAs, volume, support/resistance.",
		symbolSchema(), r.analyzeTechnical)
	r.add("kalman_predict", "Kalman filter price forecast with confidence and trend label.",
		schema(map[string]any{
			"symbol":     strProp("Instrument symbol"),
			"look_ahead": intProp("Candles to extrapolate, default 5"),
		}), r.kalmanPredict)
	r.add("ai_analysis", "Full AI entry analysis: indicators and Kalman forecast fed to the reasoning engine.",
		symbolSchema(), r.aiAnalysis)
	r.add("execute_trade", "Submit a market order after risk gate validation.",
		schema(map[string]any{
			"symbol":      strProp("Instrument symbol"),
			"side":        strProp("Buy or Sell"),
			"quantity":    numProp("Order quantity in base currency"),
			"leverage":    intProp("Leverage multiplier"),
			"stop_loss":   numProp("Stop loss price, optional"),
			"take_profit": numProp("Take profit price, optional"),
		}, "side", "quantity"), r.executeTrade)
	r.add("get_positions", "Open positions on the symbol.",
		symbolSchema(), r.getPositions)
	r.add("close_position", "Close a fraction of the open position. Percentage is 25, 50 or 100.",
		schema(map[string]any{
			"symbol":     strProp("Instrument symbol"),
			"percentage": numProp("25, 50 or 100"),
		}, "percentage"), r.closePosition)
	r.add("get_market_data_1m", "Recent 1-minute candles for micro-structure analysis.",
		symbolSchema(), r.getMarketData1m)
	r.add("analyze_candle_pattern", "Candle pattern scan on 1-minute data: soldiers, doji, volume spikes.",
		symbolSchema(), r.analyzeCandlePattern)
	r.add("detect_micro_trend", "Compare the primary timeframe trend against the 1-minute trend, flags divergence.",
		symbolSchema(), r.detectMicroTrend)
	r.add("analyze_order_book", "Order book pressure: imbalance, spread, bid/ask walls.",
		schema(map[string]any{
			"symbol": strProp("Instrument symbol"),
			"depth":  intProp("Book depth, default 50"),
		}), r.analyzeOrderBook)
	r.add("get_trade_history", "Recent trade outcomes with daily, global and lifetime aggregates.",
		symbolSchema(), r.getTradeHistory)

	return r
}

func (r *Registry) add(name, description string, inputSchema map[string]any, h handlerFunc) {
	r.tools = append(r.tools, Tool{Name: name, Description: description, InputSchema: inputSchema})
	r.handlers[name] = h
}

// List returns the tool descriptors.
func (r *Registry) List() []Tool {
	return r.tools
}

// Call dispatches one tool invocation by name.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	result, err := h(ctx, args)
	if err != nil {
		r.logger.Warn().Str("tool", name).Err(err).Msg("Tool call failed")
		return nil, err
	}
	r.logger.Debug().Str("tool", name).Msg("Tool call served")
	return result, nil
}

// ==================== Handlers ====================

type symbolArgs struct {
	Symbol string `json:"symbol"`
}

func (r *Registry) symbolFrom(args json.RawMessage) string {
	var a symbolArgs
	if len(args) > 0 {
		_ = json.Unmarshal(args, &a)
	}
	if a.Symbol == "" {
		return r.deps.Symbol
	}
	return a.Symbol
}

func (r *Registry) getMarketData(ctx context.Context, args json.RawMessage) (any, error) {
	return r.deps.Exchange.MarketData(ctx, r.symbolFrom(args))
}

func (r *Registry) analyzeTechnical(ctx context.Context, args json.RawMessage) (any, error) {
	symbol := r.symbolFrom(args)
	candles, err := r.deps.Exchange.Candles(ctx, symbol, r.deps.Interval, analysisLimit)
	if err != nil {
		return nil, err
	}
	ind := indicators.Compute(candles)
	return map[string]any{
		"symbol":     symbol,
		"interval":   r.deps.Interval,
		"candles":    len(candles),
		"indicators": ind,
	}, nil
}

func (r *Registry) kalmanPredict(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Symbol    string `json:"symbol"`
		LookAhead int    `json:"look_ahead"`
	}
	if len(args) > 0 {
		_ = json.Unmarshal(args, &a)
	}
	if a.Symbol == "" {
		a.Symbol = r.deps.Symbol
	}
	if a.LookAhead <= 0 {
		a.LookAhead = kalman.DefaultLookAhead
	}

	candles, err := r.deps.Exchange.Candles(ctx, a.Symbol, r.deps.Interval, analysisLimit)
	if err != nil {
		return nil, err
	}
	filter := kalman.New(r.deps.Interval + "m")
	return filter.Predict(candles, a.LookAhead), nil
}

func (r *Registry) aiAnalysis(ctx context.Context, args json.RawMessage) (any, error) {
	symbol := r.symbolFrom(args)

	marketData, err := r.deps.Exchange.MarketData(ctx, symbol)
	if err != nil {
		return nil, err
	}
	candles, err := r.deps.Exchange.Candles(ctx, symbol, r.deps.Interval, analysisLimit)
	if err != nil {
		return nil, err
	}

	ind := indicators.Compute(candles)
	pred := kalman.New(r.deps.Interval + "m").Predict(candles, kalman.DefaultLookAhead)
	verdict := r.deps.Reasoner.AnalyzeEntry(ctx, symbol, marketData, ind, pred, "")

	return map[string]any{
		"symbol":     symbol,
		"verdict":    verdict,
		"indicators": ind,
		"kalman":     pred,
	}, nil
}

func (r *Registry) executeTrade(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Symbol     string  `json:"symbol"`
		Side       string  `json:"side"`
		Quantity   float64 `json:"quantity"`
		Leverage   int     `json:"leverage"`
		StopLoss   float64 `json:"stop_loss"`
		TakeProfit float64 `json:"take_profit"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if a.Symbol == "" {
		a.Symbol = r.deps.Symbol
	}

	var side bybit.Side
	switch a.Side {
	case string(bybit.SideBuy):
		side = bybit.SideBuy
	case string(bybit.SideSell):
		side = bybit.SideSell
	default:
		return nil, fmt.Errorf("side must be Buy or Sell, got %q", a.Side)
	}
	if a.Leverage < 1 {
		a.Leverage = 1
	}

	// One-way account: never let a supervisor call open a counter position.
	positions, err := r.deps.Exchange.Positions(ctx, a.Symbol)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Side != side {
			return nil, fmt.Errorf("%s position already open on %s, close it before opening %s", p.Side, a.Symbol, side)
		}
	}

	req := bybit.OrderRequest{
		Symbol:     a.Symbol,
		Side:       side,
		Quantity:   a.Quantity,
		Leverage:   a.Leverage,
		StopLoss:   a.StopLoss,
		TakeProfit: a.TakeProfit,
	}

	if r.deps.Gate != nil {
		marketData, err := r.deps.Exchange.MarketData(ctx, a.Symbol)
		if err != nil {
			return nil, err
		}
		balance, err := r.deps.Exchange.Balance(ctx)
		if err != nil {
			return nil, err
		}
		verdict := r.deps.Gate.Validate(req, marketData.Price, balance.Total, 0, 0)
		if !verdict.Approved {
			return nil, fmt.Errorf("risk gate rejected: %s", verdict.Reason)
		}
	}

	if err := r.deps.Exchange.SetLeverage(ctx, a.Symbol, a.Leverage); err != nil {
		return nil, err
	}
	res, err := r.deps.Exchange.SubmitOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	if r.deps.Gate != nil {
		r.deps.Gate.IncrementDaily()
	}
	return res, nil
}

func (r *Registry) getPositions(ctx context.Context, args json.RawMessage) (any, error) {
	positions, err := r.deps.Exchange.Positions(ctx, r.symbolFrom(args))
	if err != nil {
		return nil, err
	}
	return map[string]any{"positions": positions, "count": len(positions)}, nil
}

func (r *Registry) closePosition(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Symbol     string  `json:"symbol"`
		Percentage float64 `json:"percentage"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if a.Symbol == "" {
		a.Symbol = r.deps.Symbol
	}
	if a.Percentage != 25 && a.Percentage != 50 && a.Percentage != 100 {
		return nil, fmt.Errorf("percentage must be 25, 50 or 100, got %v", a.Percentage)
	}

	positions, err := r.deps.Exchange.Positions(ctx, a.Symbol)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("no open position on %s", a.Symbol)
	}

	return r.deps.Exchange.ClosePosition(ctx, a.Symbol, positions[0].Side, a.Percentage)
}

func (r *Registry) getMarketData1m(ctx context.Context, args json.RawMessage) (any, error) {
	symbol := r.symbolFrom(args)
	candles, err := r.deps.Exchange.Candles(ctx, symbol, microInterval, microLimit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"symbol": symbol, "interval": microInterval, "candles": candles}, nil
}

func (r *Registry) analyzeCandlePattern(ctx context.Context, args json.RawMessage) (any, error) {
	symbol := r.symbolFrom(args)
	candles, err := r.deps.Exchange.Candles(ctx, symbol, microInterval, microLimit)
	if err != nil {
		return nil, err
	}
	return indicators.AnalyzePatterns(candles), nil
}

func (r *Registry) detectMicroTrend(ctx context.Context, args json.RawMessage) (any, error) {
	symbol := r.symbolFrom(args)
	macro, err := r.deps.Exchange.Candles(ctx, symbol, r.deps.Interval, analysisLimit)
	if err != nil {
		return nil, err
	}
	micro, err := r.deps.Exchange.Candles(ctx, symbol, microInterval, microLimit)
	if err != nil {
		return nil, err
	}
	return indicators.CompareTimeframes(macro, micro), nil
}

func (r *Registry) analyzeOrderBook(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Symbol string `json:"symbol"`
		Depth  int    `json:"depth"`
	}
	if len(args) > 0 {
		_ = json.Unmarshal(args, &a)
	}
	if a.Symbol == "" {
		a.Symbol = r.deps.Symbol
	}
	if a.Depth <= 0 {
		a.Depth = defaultBookDepth
	}

	book, err := r.deps.Exchange.OrderBook(ctx, a.Symbol, a.Depth)
	if err != nil {
		return nil, err
	}
	return indicators.AnalyzeOrderBook(book), nil
}

func (r *Registry) getTradeHistory(ctx context.Context, args json.RawMessage) (any, error) {
	if r.deps.History == nil {
		return nil, fmt.Errorf("history store not attached")
	}
	symbol := r.symbolFrom(args)
	hctx := r.deps.History.Context(ctx, symbol)

	result := map[string]any{
		"symbol":   symbol,
		"recent":   hctx.Recent,
		"daily":    hctx.Daily,
		"global":   hctx.Global,
		"patterns": hctx.Patterns,
	}
	if r.deps.Archive != nil {
		if agg, err := r.deps.Archive.Stats(ctx, symbol); err == nil {
			result["lifetime"] = agg
		}
		if trades, err := r.deps.Archive.RecentTrades(ctx, symbol, 20); err == nil && len(trades) > 0 {
			result["archived"] = trades
		}
	}
	return result, nil
}

// ==================== Schema helpers ====================

func schema(properties map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func symbolSchema() map[string]any {
	return schema(map[string]any{"symbol": strProp("Instrument symbol, defaults to the configured one")})
}

func strProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func intProp(description string) map[string]any {
	return map[string]any{"type": "integer", "description": description}
}

func numProp(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}
