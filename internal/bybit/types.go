package bybit

import (
	"context"
	"time"
)

// Side is the order/position direction in Bybit V5 notation.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Candle is a single OHLCV bucket. Identity is OpenTime.
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// MarketData is the latest ticker snapshot for a symbol.
type MarketData struct {
	Symbol       string    `json:"symbol"`
	Price        float64   `json:"price"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	Volume24h    float64   `json:"volume_24h"`
	Change24hPct float64   `json:"change_24h_pct"`
	High24h      float64   `json:"high_24h"`
	Low24h       float64   `json:"low_24h"`
	Timestamp    time.Time `json:"timestamp"`
}

// OrderBookLevel is one price level of the book.
type OrderBookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook holds bids (descending) and asks (ascending).
type OrderBook struct {
	Symbol    string           `json:"symbol"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

// OrderRequest describes a market order to submit.
type OrderRequest struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Quantity   float64 `json:"quantity"`
	Leverage   int     `json:"leverage"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
}

// OrderResult is the outcome of a submitted order.
type OrderResult struct {
	OrderID  string  `json:"order_id"`
	AvgPrice float64 `json:"avg_price"`
	Fees     float64 `json:"fees"`
}

// Position is a venue position snapshot. Size is always positive; direction
// is carried by Side.
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Size          float64   `json:"size"`
	EntryPrice    float64   `json:"entry_price"`
	CurrentPrice  float64   `json:"current_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	PnLPercent    float64   `json:"pnl_percent"`
	Leverage      int       `json:"leverage"`
	Timestamp     time.Time `json:"timestamp"`
}

// Balance is the account wallet snapshot in quote currency.
type Balance struct {
	Total      float64 `json:"total"`
	Available  float64 `json:"available"`
	UsedMargin float64 `json:"used_margin"`
}

// Instrument holds trading rules for a symbol.
type Instrument struct {
	Symbol      string  `json:"symbol"`
	BaseCoin    string  `json:"base_coin"`
	QuoteCoin   string  `json:"quote_coin"`
	MinOrderQty float64 `json:"min_order_qty"`
	QtyStep     float64 `json:"qty_step"`
	TickSize    float64 `json:"tick_size"`
}

// Order is an entry from the order history.
type Order struct {
	OrderID       string    `json:"order_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Quantity      float64   `json:"quantity"`
	AvgPrice      float64   `json:"avg_price"`
	Status        string    `json:"status"`
	StopOrderType string    `json:"stop_order_type"`
	CreatedTime   time.Time `json:"created_time"`
	UpdatedTime   time.Time `json:"updated_time"`
}

// TPSLStatus reports whether a take-profit or stop-loss order filled since a
// given time, and at what price.
type TPSLStatus struct {
	TPExecuted bool    `json:"tp_executed"`
	SLExecuted bool    `json:"sl_executed"`
	Price      float64 `json:"price"`
}

// Exchange is the typed venue interface the rest of the agent depends on.
// The REST client and the paper client both implement it.
type Exchange interface {
	MarketData(ctx context.Context, symbol string) (*MarketData, error)
	Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	OrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	Positions(ctx context.Context, symbol string) ([]Position, error)
	Balance(ctx context.Context) (*Balance, error)
	UpdateStopLoss(ctx context.Context, symbol string, stopLoss, takeProfit float64) error
	ClosePosition(ctx context.Context, symbol string, side Side, percent float64) (*OrderResult, error)
	OrderHistory(ctx context.Context, symbol string, limit int) ([]Order, error)
	CheckTPSL(ctx context.Context, symbol string, since time.Time) (*TPSLStatus, error)
	Instrument(ctx context.Context, symbol string) (*Instrument, error)
	Health(ctx context.Context) bool
}
