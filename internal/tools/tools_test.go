package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/ai/llm"
	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/history"
	"bybit-trading-agent/internal/indicators"
	"bybit-trading-agent/internal/kalman"
	"bybit-trading-agent/internal/risk"
)

// stubExchange serves canned data for tool handlers.
type stubExchange struct {
	positions []bybit.Position
	submitted []bybit.OrderRequest
	closes    []float64
}

func (s *stubExchange) MarketData(ctx context.Context, symbol string) (*bybit.MarketData, error) {
	return &bybit.MarketData{Symbol: symbol, Price: 50000, Bid: 49999, Ask: 50001}, nil
}

func (s *stubExchange) Candles(ctx context.Context, symbol, interval string, limit int) ([]bybit.Candle, error) {
	out := make([]bybit.Candle, limit)
	for i := 0; i < limit; i++ {
		open := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute)
		out[i] = bybit.Candle{
			OpenTime: open, CloseTime: open.Add(time.Minute),
			Open: 50000, High: 50010, Low: 49990, Close: 50000, Volume: 10,
		}
	}
	return out, nil
}

func (s *stubExchange) OrderBook(ctx context.Context, symbol string, depth int) (*bybit.OrderBook, error) {
	return &bybit.OrderBook{
		Symbol: symbol,
		Bids:   []bybit.OrderBookLevel{{Price: 49999, Quantity: 30}, {Price: 49998, Quantity: 10}},
		Asks:   []bybit.OrderBookLevel{{Price: 50001, Quantity: 10}, {Price: 50002, Quantity: 10}},
	}, nil
}

func (s *stubExchange) SubmitOrder(ctx context.Context, req bybit.OrderRequest) (*bybit.OrderResult, error) {
	s.submitted = append(s.submitted, req)
	return &bybit.OrderResult{OrderID: "tool-1", AvgPrice: 50000}, nil
}

func (s *stubExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (s *stubExchange) Positions(ctx context.Context, symbol string) ([]bybit.Position, error) {
	return s.positions, nil
}

func (s *stubExchange) Balance(ctx context.Context) (*bybit.Balance, error) {
	return &bybit.Balance{Total: 10000, Available: 10000}, nil
}

func (s *stubExchange) UpdateStopLoss(ctx context.Context, symbol string, stopLoss, takeProfit float64) error {
	return nil
}

func (s *stubExchange) ClosePosition(ctx context.Context, symbol string, side bybit.Side, percent float64) (*bybit.OrderResult, error) {
	s.closes = append(s.closes, percent)
	return &bybit.OrderResult{OrderID: "tool-close", AvgPrice: 50000}, nil
}

func (s *stubExchange) OrderHistory(ctx context.Context, symbol string, limit int) ([]bybit.Order, error) {
	return nil, nil
}

func (s *stubExchange) CheckTPSL(ctx context.Context, symbol string, since time.Time) (*bybit.TPSLStatus, error) {
	return &bybit.TPSLStatus{}, nil
}

func (s *stubExchange) Instrument(ctx context.Context, symbol string) (*bybit.Instrument, error) {
	return &bybit.Instrument{Symbol: symbol, MinOrderQty: 0.001, QtyStep: 0.001}, nil
}

func (s *stubExchange) Health(ctx context.Context) bool { return true }

var _ bybit.Exchange = (*stubExchange)(nil)

type stubReasoner struct{}

func (stubReasoner) AnalyzeEntry(ctx context.Context, symbol string, market *bybit.MarketData, ind indicators.Indicators, pred kalman.Prediction, historyContext string) *llm.EntryVerdict {
	return &llm.EntryVerdict{Decision: llm.DecisionHold, Confidence: 0.5, Reasoning: "stub"}
}

func newTestServer(t *testing.T, exchange *stubExchange) (*Server, *websocket.Conn) {
	t.Helper()

	registry := NewRegistry(Deps{
		Exchange: exchange,
		Reasoner: stubReasoner{},
		Gate: risk.NewGate(risk.Config{
			MaxLeverage: 20, MaxPositionSize: 5000, StopLossPercent: 0.6, MaxDailyTrades: 30,
		}, zerolog.Nop()),
		History:  history.NewStore(nil, zerolog.Nop()),
		Symbol:   "BTCUSDT",
		Interval: "5",
	}, zerolog.Nop())
	srv := NewServer(registry, 0, zerolog.Nop())

	ts := httptest.NewServer(srv.engine)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return srv, conn
}

func rpc(t *testing.T, conn *websocket.Conn, id, method string, params any) Response {
	t.Helper()

	req := map[string]any{"id": id, "method": method, "timestamp": time.Now().UTC()}
	if params != nil {
		req["params"] = params
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp Response
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp
}

func call(t *testing.T, conn *websocket.Conn, tool string, arguments any) Response {
	t.Helper()
	params := map[string]any{"name": tool}
	if arguments != nil {
		params["arguments"] = arguments
	}
	return rpc(t, conn, "call-"+tool, "tools/call", params)
}

func resultMap(t *testing.T, resp Response) map[string]any {
	t.Helper()
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	m, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result is %T, want object", resp.Result)
	}
	return m
}

func TestToolsList(t *testing.T) {
	_, conn := newTestServer(t, &stubExchange{})

	resp := rpc(t, conn, "1", "tools/list", nil)
	if resp.ID != "1" {
		t.Errorf("response id = %q, want 1", resp.ID)
	}
	m := resultMap(t, resp)
	raw, _ := json.Marshal(m["tools"])
	var tools []Tool
	if err := json.Unmarshal(raw, &tools); err != nil {
		t.Fatalf("tools decode: %v", err)
	}

	want := []string{
		"get_market_data", "analyze_technical", "kalman_predict", "ai_analysis",
		"execute_trade", "get_positions", "close_position", "get_market_data_1m",
		"analyze_candle_pattern", "detect_micro_trend", "analyze_order_book",
		"get_trade_history",
	}
	if len(tools) != len(want) {
		t.Fatalf("got %d tools, want %d", len(tools), len(want))
	}
	byName := make(map[string]Tool, len(tools))
	for _, tool := range tools {
		byName[tool.Name] = tool
	}
	for _, name := range want {
		tool, ok := byName[name]
		if !ok {
			t.Errorf("missing tool %q", name)
			continue
		}
		if tool.Description == "" || tool.InputSchema == nil {
			t.Errorf("tool %q lacks description or schema", name)
		}
	}
}

func TestUnknownMethod(t *testing.T) {
	_, conn := newTestServer(t, &stubExchange{})

	resp := rpc(t, conn, "2", "tools/delete", nil)
	if resp.Error == "" {
		t.Error("unknown method should produce an error frame")
	}
}

func TestUnknownTool(t *testing.T) {
	_, conn := newTestServer(t, &stubExchange{})

	resp := call(t, conn, "make_coffee", nil)
	if resp.Error == "" {
		t.Error("unknown tool should produce an error frame")
	}
}

func TestGetMarketData(t *testing.T) {
	_, conn := newTestServer(t, &stubExchange{})

	m := resultMap(t, call(t, conn, "get_market_data", nil))
	if m["symbol"] != "BTCUSDT" {
		t.Errorf("symbol = %v, want default BTCUSDT", m["symbol"])
	}
	if m["price"].(float64) != 50000 {
		t.Errorf("price = %v, want 50000", m["price"])
	}
}

func TestAnalyzeTechnical(t *testing.T) {
	_, conn := newTestServer(t, &stubExchange{})

	m := resultMap(t, call(t, conn, "analyze_technical", map[string]any{"symbol": "ETHUSDT"}))
	if m["symbol"] != "ETHUSDT" {
		t.Errorf("symbol = %v, want ETHUSDT", m["symbol"])
	}
	if _, ok := m["indicators"].(map[string]any); !ok {
		t.Error("indicators missing from result")
	}
}

func TestKalmanPredict(t *testing.T) {
	_, conn := newTestServer(t, &stubExchange{})

	m := resultMap(t, call(t, conn, "kalman_predict", nil))
	price, ok := m["predicted_price"].(float64)
	if !ok {
		t.Fatalf("predicted_price missing: %v", m)
	}
	// Constant series: the forecast stays on the price.
	if price < 49000 || price > 51000 {
		t.Errorf("predicted price = %v, want near 50000", price)
	}
	if m["trend"] != "neutral" {
		t.Errorf("trend = %v, want neutral on a flat series", m["trend"])
	}
}

func TestAIAnalysis(t *testing.T) {
	_, conn := newTestServer(t, &stubExchange{})

	m := resultMap(t, call(t, conn, "ai_analysis", nil))
	verdict, ok := m["verdict"].(map[string]any)
	if !ok {
		t.Fatalf("verdict missing: %v", m)
	}
	if verdict["decision"] != llm.DecisionHold {
		t.Errorf("decision = %v, want HOLD from the stub", verdict["decision"])
	}
}

func TestExecuteTrade(t *testing.T) {
	exchange := &stubExchange{}
	_, conn := newTestServer(t, exchange)

	m := resultMap(t, call(t, conn, "execute_trade", map[string]any{
		"side": "Buy", "quantity": 0.01, "leverage": 5,
	}))
	if m["order_id"] != "tool-1" {
		t.Errorf("order id = %v", m["order_id"])
	}
	if len(exchange.submitted) != 1 || exchange.submitted[0].Quantity != 0.01 {
		t.Fatalf("submitted = %+v", exchange.submitted)
	}
}

func TestExecuteTradeGateReject(t *testing.T) {
	exchange := &stubExchange{}
	_, conn := newTestServer(t, exchange)

	// Notional 25000 on a 10000 balance: the gate refuses it.
	resp := call(t, conn, "execute_trade", map[string]any{
		"side": "Buy", "quantity": 0.5, "leverage": 5,
	})
	if resp.Error == "" || !strings.Contains(resp.Error, "risk gate") {
		t.Errorf("oversized trade should be rejected, got %+v", resp)
	}
	if len(exchange.submitted) != 0 {
		t.Error("rejected trade must not reach the venue")
	}
}

// TestExecuteTradeRejectsCounterPosition holds a LONG while a supervisor
// asks for a SELL: the one-way account rule refuses before anything reaches
// the venue.
func TestExecuteTradeRejectsCounterPosition(t *testing.T) {
	exchange := &stubExchange{positions: []bybit.Position{{
		Symbol: "BTCUSDT", Side: bybit.SideBuy, Size: 0.05, EntryPrice: 49500, CurrentPrice: 50000,
	}}}
	_, conn := newTestServer(t, exchange)

	resp := call(t, conn, "execute_trade", map[string]any{
		"side": "Sell", "quantity": 0.01, "leverage": 5,
	})
	if resp.Error == "" || !strings.Contains(resp.Error, "already open") {
		t.Errorf("counter order should be refused, got %+v", resp)
	}
	if len(exchange.submitted) != 0 {
		t.Error("refused trade must not reach the venue")
	}

	// Adding to the same side stays allowed.
	m := resultMap(t, call(t, conn, "execute_trade", map[string]any{
		"side": "Buy", "quantity": 0.01, "leverage": 5,
	}))
	if m["order_id"] != "tool-1" {
		t.Errorf("same-side add should pass, got %v", m)
	}
}

func TestExecuteTradeBadSide(t *testing.T) {
	_, conn := newTestServer(t, &stubExchange{})

	resp := call(t, conn, "execute_trade", map[string]any{
		"side": "LONG", "quantity": 0.01,
	})
	if resp.Error == "" {
		t.Error("unknown side should produce an error frame")
	}
}

func TestClosePosition(t *testing.T) {
	exchange := &stubExchange{positions: []bybit.Position{{
		Symbol: "BTCUSDT", Side: bybit.SideBuy, Size: 0.05, EntryPrice: 49500, CurrentPrice: 50000,
	}}}
	_, conn := newTestServer(t, exchange)

	m := resultMap(t, call(t, conn, "close_position", map[string]any{"percentage": 50}))
	if m["order_id"] != "tool-close" {
		t.Errorf("order id = %v", m["order_id"])
	}
	if len(exchange.closes) != 1 || exchange.closes[0] != 50 {
		t.Errorf("closes = %v, want [50]", exchange.closes)
	}
}

func TestClosePositionValidation(t *testing.T) {
	exchange := &stubExchange{positions: []bybit.Position{{
		Symbol: "BTCUSDT", Side: bybit.SideBuy, Size: 0.05,
	}}}
	_, conn := newTestServer(t, exchange)

	for _, pct := range []float64{0, 10, 33, 99} {
		resp := call(t, conn, "close_position", map[string]any{"percentage": pct})
		if resp.Error == "" {
			t.Errorf("percentage %v should be rejected", pct)
		}
	}
	if len(exchange.closes) != 0 {
		t.Errorf("no close should reach the venue, got %v", exchange.closes)
	}
}

func TestClosePositionWithoutPosition(t *testing.T) {
	_, conn := newTestServer(t, &stubExchange{})

	resp := call(t, conn, "close_position", map[string]any{"percentage": 100})
	if resp.Error == "" || !strings.Contains(resp.Error, "no open position") {
		t.Errorf("close without a position should fail, got %+v", resp)
	}
}

func TestAnalyzeCandlePattern(t *testing.T) {
	_, conn := newTestServer(t, &stubExchange{})

	m := resultMap(t, call(t, conn, "analyze_candle_pattern", nil))
	if _, ok := m["signal"]; !ok {
		t.Errorf("pattern result missing signal: %v", m)
	}
}

func TestDetectMicroTrend(t *testing.T) {
	_, conn := newTestServer(t, &stubExchange{})

	m := resultMap(t, call(t, conn, "detect_micro_trend", nil))
	for _, key := range []string{"macro_trend", "micro_trend", "suggestion"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing %q in result: %v", key, m)
		}
	}
}

func TestAnalyzeOrderBook(t *testing.T) {
	_, conn := newTestServer(t, &stubExchange{})

	m := resultMap(t, call(t, conn, "analyze_order_book", map[string]any{"depth": 2}))
	// Bids 40 vs asks 20: bullish imbalance.
	if m["pressure"] != indicators.PressureBullish {
		t.Errorf("pressure = %v, want %v", m["pressure"], indicators.PressureBullish)
	}
}

func TestGetTradeHistory(t *testing.T) {
	store := history.NewStore(nil, zerolog.Nop())
	id, err := store.RecordOpen(context.Background(), history.TradeRecord{
		Symbol: "BTCUSDT", Side: "Buy", Confidence: 0.8,
		Entry: history.Entry{Price: 50000, Leverage: 10, Quantity: 0.05},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.RecordClose(context.Background(), "BTCUSDT", id, history.Exit{
		Type: history.ExitTakeProfit, Price: 50500, PnL: 25, PnLPercent: 1.0,
	}); err != nil {
		t.Fatal(err)
	}

	registry := NewRegistry(Deps{
		Exchange: &stubExchange{},
		Reasoner: stubReasoner{},
		History:  store,
		Symbol:   "BTCUSDT",
		Interval: "5",
	}, zerolog.Nop())

	result, err := registry.Call(context.Background(), "get_trade_history", nil)
	if err != nil {
		t.Fatalf("get_trade_history: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("result is %T, want map", result)
	}
	recent, ok := m["recent"].([]history.TradeRecord)
	if !ok || len(recent) != 1 || recent[0].Result != history.ResultWin {
		t.Errorf("recent = %v, want the closed WIN", m["recent"])
	}
	daily, ok := m["daily"].(history.Aggregate)
	if !ok || daily.Trades != 1 || daily.Wins != 1 {
		t.Errorf("daily aggregate = %v", m["daily"])
	}
}

func TestRequestsServedInOrder(t *testing.T) {
	_, conn := newTestServer(t, &stubExchange{})

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("seq-%d", i)
		resp := rpc(t, conn, id, "tools/list", nil)
		if resp.ID != id {
			t.Fatalf("response id = %q, want %q", resp.ID, id)
		}
	}
}
