package bybit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// paperPosition is the internal simulated position state.
type paperPosition struct {
	symbol     string
	side       Side
	size       float64
	entryPrice float64
	leverage   int
	stopLoss   float64
	takeProfit float64
	openedAt   time.Time
}

// PaperClient simulates the account surface of the venue while delegating all
// public market data to a real client. Fills happen at the last traded price
// with a flat taker fee. SL/TP conditional orders are simulated on every
// price observation so CheckTPSL behaves as it does live.
type PaperClient struct {
	mu          sync.Mutex
	market      *Client
	logger      zerolog.Logger
	balance     float64
	positions   map[string]*paperPosition // keyed by symbol; one-way mode
	orders      []Order
	nextOrderID int64
	takerFee    float64
}

// NewPaperClient creates a paper trading client with the given starting
// balance in quote currency.
func NewPaperClient(market *Client, initialBalance float64, logger zerolog.Logger) *PaperClient {
	return &PaperClient{
		market:      market,
		logger:      logger.With().Str("component", "paper").Logger(),
		balance:     initialBalance,
		positions:   make(map[string]*paperPosition),
		nextOrderID: 1000,
		takerFee:    0.00055,
	}
}

// ==================== MARKET DATA (delegated) ====================

func (p *PaperClient) MarketData(ctx context.Context, symbol string) (*MarketData, error) {
	md, err := p.market.MarketData(ctx, symbol)
	if err != nil {
		return nil, err
	}
	p.observePrice(symbol, md.Price)
	return md, nil
}

func (p *PaperClient) Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	return p.market.Candles(ctx, symbol, interval, limit)
}

func (p *PaperClient) OrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	return p.market.OrderBook(ctx, symbol, depth)
}

func (p *PaperClient) Instrument(ctx context.Context, symbol string) (*Instrument, error) {
	return p.market.Instrument(ctx, symbol)
}

func (p *PaperClient) Health(ctx context.Context) bool {
	return p.market.Health(ctx)
}

// ==================== SIMULATED ACCOUNT ====================

func (p *PaperClient) Balance(ctx context.Context) (*Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	used := 0.0
	for _, pos := range p.positions {
		if pos.leverage > 0 {
			used += pos.entryPrice * pos.size / float64(pos.leverage)
		}
	}
	return &Balance{
		Total:      p.balance,
		Available:  p.balance - used,
		UsedMargin: used,
	}, nil
}

func (p *PaperClient) Positions(ctx context.Context, symbol string) ([]Position, error) {
	price := 0.0
	if symbol != "" {
		if md, err := p.market.MarketData(ctx, symbol); err == nil {
			price = md.Price
			p.observePrice(symbol, price)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if symbol != "" && pos.symbol != symbol {
			continue
		}
		mark := price
		if mark == 0 {
			mark = pos.entryPrice
		}
		pnl := pos.pnlAt(mark)
		pnlPct := 0.0
		if pos.entryPrice > 0 {
			pnlPct = pnl / (pos.entryPrice * pos.size) * 100
		}
		out = append(out, Position{
			Symbol:        pos.symbol,
			Side:          pos.side,
			Size:          pos.size,
			EntryPrice:    pos.entryPrice,
			CurrentPrice:  mark,
			UnrealizedPnL: pnl,
			PnLPercent:    pnlPct,
			Leverage:      pos.leverage,
			Timestamp:     time.Now(),
		})
	}
	return out, nil
}

func (p *PaperClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil // leverage is applied per-order in paper mode
}

func (p *PaperClient) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("order quantity must be positive, got %v", req.Quantity)
	}
	md, err := p.market.MarketData(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("paper fill price: %w", err)
	}
	price := md.Price

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.positions[req.Symbol]; ok && existing.side != req.Side {
		return nil, fmt.Errorf("paper account is one-way: %s position already open on %s", existing.side, req.Symbol)
	}

	fees := price * req.Quantity * p.takerFee
	p.balance -= fees

	if existing, ok := p.positions[req.Symbol]; ok {
		// Same-side add: average the entry.
		total := existing.size + req.Quantity
		existing.entryPrice = (existing.entryPrice*existing.size + price*req.Quantity) / total
		existing.size = total
	} else {
		p.positions[req.Symbol] = &paperPosition{
			symbol:     req.Symbol,
			side:       req.Side,
			size:       req.Quantity,
			entryPrice: price,
			leverage:   req.Leverage,
			stopLoss:   req.StopLoss,
			takeProfit: req.TakeProfit,
			openedAt:   time.Now(),
		}
	}

	id := p.mintOrderID()
	p.orders = append([]Order{{
		OrderID:     id,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Quantity:    req.Quantity,
		AvgPrice:    price,
		Status:      "Filled",
		CreatedTime: time.Now(),
		UpdatedTime: time.Now(),
	}}, p.orders...)

	p.logger.Info().Str("symbol", req.Symbol).Str("side", string(req.Side)).
		Float64("qty", req.Quantity).Float64("price", price).Msg("Paper order filled")
	return &OrderResult{OrderID: id, AvgPrice: price, Fees: fees}, nil
}

func (p *PaperClient) UpdateStopLoss(ctx context.Context, symbol string, stopLoss, takeProfit float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok {
		return fmt.Errorf("no open position on %s", symbol)
	}
	pos.stopLoss = stopLoss
	if takeProfit > 0 {
		pos.takeProfit = takeProfit
	}
	return nil
}

func (p *PaperClient) ClosePosition(ctx context.Context, symbol string, side Side, percent float64) (*OrderResult, error) {
	if percent <= 0 || percent > 100 {
		return nil, fmt.Errorf("close percent must be in (0,100], got %v", percent)
	}
	md, err := p.market.MarketData(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("paper close price: %w", err)
	}

	inst, err := p.market.Instrument(ctx, symbol)
	step := 0.0
	if err == nil {
		step = inst.QtyStep
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok || pos.side != side {
		return nil, fmt.Errorf("no open %s position on %s", side, symbol)
	}

	qty := pos.size * percent / 100
	if step > 0 {
		qty = RoundToStep(qty, step)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("close quantity rounds to zero (size=%v pct=%v)", pos.size, percent)
	}

	return p.fillCloseLocked(pos, qty, md.Price, "")
}

// fillCloseLocked realises PnL for qty at price and records the fill. The
// caller holds p.mu. stopOrderType tags simulated SL/TP fills.
func (p *PaperClient) fillCloseLocked(pos *paperPosition, qty, price float64, stopOrderType string) (*OrderResult, error) {
	if qty > pos.size {
		qty = pos.size
	}
	pnl := pos.pnlAt(price) * qty / pos.size
	fees := price * qty * p.takerFee
	p.balance += pnl - fees

	pos.size -= qty
	if pos.size <= 1e-12 {
		delete(p.positions, pos.symbol)
	}

	id := p.mintOrderID()
	p.orders = append([]Order{{
		OrderID:       id,
		Symbol:        pos.symbol,
		Side:          pos.side.Opposite(),
		Quantity:      qty,
		AvgPrice:      price,
		Status:        "Filled",
		StopOrderType: stopOrderType,
		CreatedTime:   time.Now(),
		UpdatedTime:   time.Now(),
	}}, p.orders...)

	p.logger.Info().Str("symbol", pos.symbol).Float64("qty", qty).
		Float64("price", price).Float64("pnl", pnl).Str("stop_order_type", stopOrderType).
		Msg("Paper position reduced")
	return &OrderResult{OrderID: id, AvgPrice: price, Fees: fees}, nil
}

func (p *PaperClient) OrderHistory(ctx context.Context, symbol string, limit int) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Order, 0, limit)
	for _, o := range p.orders {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, o)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (p *PaperClient) CheckTPSL(ctx context.Context, symbol string, since time.Time) (*TPSLStatus, error) {
	if md, err := p.market.MarketData(ctx, symbol); err == nil {
		p.observePrice(symbol, md.Price)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	status := &TPSLStatus{}
	for _, o := range p.orders {
		if o.Symbol != symbol || o.Status != "Filled" || !o.UpdatedTime.After(since) {
			continue
		}
		switch o.StopOrderType {
		case "TakeProfit":
			status.TPExecuted = true
			status.Price = o.AvgPrice
		case "StopLoss":
			status.SLExecuted = true
			status.Price = o.AvgPrice
		}
	}
	return status, nil
}

// observePrice runs the conditional-order simulation against a fresh price.
func (p *PaperClient) observePrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok {
		return
	}

	triggered := ""
	if pos.side == SideBuy {
		if pos.stopLoss > 0 && price <= pos.stopLoss {
			triggered = "StopLoss"
		} else if pos.takeProfit > 0 && price >= pos.takeProfit {
			triggered = "TakeProfit"
		}
	} else {
		if pos.stopLoss > 0 && price >= pos.stopLoss {
			triggered = "StopLoss"
		} else if pos.takeProfit > 0 && price <= pos.takeProfit {
			triggered = "TakeProfit"
		}
	}
	if triggered != "" {
		_, _ = p.fillCloseLocked(pos, pos.size, price, triggered)
	}
}

func (p *paperPosition) pnlAt(price float64) float64 {
	if p.side == SideBuy {
		return (price - p.entryPrice) * p.size
	}
	return (p.entryPrice - price) * p.size
}

func (p *PaperClient) mintOrderID() string {
	p.nextOrderID++
	return "paper-" + strconv.FormatInt(p.nextOrderID, 10)
}

var _ Exchange = (*PaperClient)(nil)
