package trader

import (
	"context"
	"fmt"
	"time"

	"bybit-trading-agent/internal/ai/llm"
	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/indicators"
	"bybit-trading-agent/internal/kalman"
)

// mockExchange is a scripted Exchange for engine tests.
type mockExchange struct {
	candles    []bybit.Candle
	marketData *bybit.MarketData
	positions  []bybit.Position
	balance    *bybit.Balance
	instrument *bybit.Instrument
	tpsl       *bybit.TPSLStatus
	healthy    bool

	submitted   []bybit.OrderRequest
	closes      []closeCall
	slUpdates   []float64
	leverageSet []int

	submitErr error
	closeErr  error
}

type closeCall struct {
	side bybit.Side
	pct  float64
}

func (m *mockExchange) MarketData(ctx context.Context, symbol string) (*bybit.MarketData, error) {
	if m.marketData == nil {
		return nil, fmt.Errorf("no market data")
	}
	return m.marketData, nil
}

func (m *mockExchange) Candles(ctx context.Context, symbol, interval string, limit int) ([]bybit.Candle, error) {
	if limit > len(m.candles) {
		limit = len(m.candles)
	}
	return m.candles[len(m.candles)-limit:], nil
}

func (m *mockExchange) OrderBook(ctx context.Context, symbol string, depth int) (*bybit.OrderBook, error) {
	return &bybit.OrderBook{Symbol: symbol}, nil
}

func (m *mockExchange) SubmitOrder(ctx context.Context, req bybit.OrderRequest) (*bybit.OrderResult, error) {
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	m.submitted = append(m.submitted, req)
	return &bybit.OrderResult{OrderID: "mock-1", AvgPrice: m.marketData.Price}, nil
}

func (m *mockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.leverageSet = append(m.leverageSet, leverage)
	return nil
}

func (m *mockExchange) Positions(ctx context.Context, symbol string) ([]bybit.Position, error) {
	return m.positions, nil
}

func (m *mockExchange) Balance(ctx context.Context) (*bybit.Balance, error) {
	if m.balance == nil {
		return nil, fmt.Errorf("no balance")
	}
	return m.balance, nil
}

func (m *mockExchange) UpdateStopLoss(ctx context.Context, symbol string, stopLoss, takeProfit float64) error {
	m.slUpdates = append(m.slUpdates, stopLoss)
	return nil
}

func (m *mockExchange) ClosePosition(ctx context.Context, symbol string, side bybit.Side, percent float64) (*bybit.OrderResult, error) {
	if m.closeErr != nil {
		return nil, m.closeErr
	}
	m.closes = append(m.closes, closeCall{side: side, pct: percent})
	price := 0.0
	if m.marketData != nil {
		price = m.marketData.Price
	}
	return &bybit.OrderResult{OrderID: "mock-close", AvgPrice: price}, nil
}

func (m *mockExchange) OrderHistory(ctx context.Context, symbol string, limit int) ([]bybit.Order, error) {
	return nil, nil
}

func (m *mockExchange) CheckTPSL(ctx context.Context, symbol string, since time.Time) (*bybit.TPSLStatus, error) {
	if m.tpsl == nil {
		return &bybit.TPSLStatus{}, nil
	}
	return m.tpsl, nil
}

func (m *mockExchange) Instrument(ctx context.Context, symbol string) (*bybit.Instrument, error) {
	if m.instrument == nil {
		return nil, fmt.Errorf("unknown instrument")
	}
	return m.instrument, nil
}

func (m *mockExchange) Health(ctx context.Context) bool {
	return m.healthy
}

var _ bybit.Exchange = (*mockExchange)(nil)

// mockReasoner returns fixed verdicts.
type mockReasoner struct {
	entry    *llm.EntryVerdict
	position *llm.PositionVerdict
	healthy  bool
}

func (m *mockReasoner) AnalyzeEntry(ctx context.Context, symbol string, market *bybit.MarketData, ind indicators.Indicators, pred kalman.Prediction, historyContext string) *llm.EntryVerdict {
	if m.entry == nil {
		return llm.ConservativeEntry("no script")
	}
	return m.entry
}

func (m *mockReasoner) AnalyzePosition(ctx context.Context, pos bybit.Position, market *bybit.MarketData, ind indicators.Indicators, pred kalman.Prediction, hours float64) *llm.PositionVerdict {
	if m.position == nil {
		return llm.ConservativePosition("no script")
	}
	return m.position
}

func (m *mockReasoner) Health(ctx context.Context) bool {
	return m.healthy
}
