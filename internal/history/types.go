// Package history persists recent trade records in Redis and derives the
// aggregates and prose context embedded in reasoning prompts. When Redis is
// unreachable the store degrades to an in-memory ring so trading continues.
package history

import "time"

// Trade results.
const (
	ResultPending     = "PENDING"
	ResultWin         = "WIN"
	ResultLoss        = "LOSS"
	ResultLiquidation = "LIQUIDATION"
)

// Exit types.
const (
	ExitTakeProfit  = "TP"
	ExitStopLoss    = "SL"
	ExitLiquidation = "LIQUIDATION"
	ExitManual      = "MANUAL"
)

// Entry captures the market state at open time.
type Entry struct {
	Price       float64 `json:"price"`
	RSI         float64 `json:"rsi"`
	MACDHist    float64 `json:"macd_hist"`
	KalmanTrend string  `json:"kalman_trend"`
	Leverage    int     `json:"leverage"`
	Quantity    float64 `json:"qty"`
}

// Exit captures how a trade ended.
type Exit struct {
	Type        string    `json:"type"`
	Price       float64   `json:"price"`
	PnL         float64   `json:"pnl"`
	PnLPercent  float64   `json:"pnl_pct"`
	DurationMin float64   `json:"duration_min"`
	Time        time.Time `json:"time"`
}

// TradeRecord is the persisted envelope for one trade.
type TradeRecord struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	OpenTime   time.Time `json:"open_time"`
	Side       string    `json:"side"`
	Confidence float64   `json:"confidence"`
	Entry      Entry     `json:"entry"`
	Exit       *Exit     `json:"exit,omitempty"`
	Result     string    `json:"result"`
}

// Aggregate is a counter bundle for a day or the whole account history.
type Aggregate struct {
	Trades       int     `json:"trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	Liquidations int     `json:"liquidations"`
	RealisedPnL  float64 `json:"realised_pnl"`
	PnLFromWins  float64 `json:"pnl_from_wins"`
	PnLFromLoss  float64 `json:"pnl_from_losses"`
	WinRate      float64 `json:"win_rate"`
}

// Context is the history bundle handed to the prompt builder.
type Context struct {
	Recent   []TradeRecord `json:"recent"`
	Daily    Aggregate     `json:"daily"`
	Global   Aggregate     `json:"global"`
	Patterns []string      `json:"patterns"`
}
