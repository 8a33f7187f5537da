package indicators

import "bybit-trading-agent/internal/bybit"

// Pressure labels for order-book imbalance.
const (
	PressureBullish = "BULLISH"
	PressureBearish = "BEARISH"
	PressureNeutral = "NEUTRAL"
)

// OrderBookPressure summarises the depth snapshot for the scalping tools.
type OrderBookPressure struct {
	Spread    float64 `json:"spread"`
	SpreadPct float64 `json:"spread_pct"`
	Imbalance float64 `json:"imbalance"`
	BidWalls  int     `json:"bid_walls"`
	AskWalls  int     `json:"ask_walls"`
	Pressure  string  `json:"pressure"`
}

// AnalyzeOrderBook computes spread, bid/ask imbalance and wall counts.
// Imbalance above 1.5 reads bullish, below 0.67 bearish. A wall is a level
// holding more than 3x the average quantity of the other levels on its side.
func AnalyzeOrderBook(book *bybit.OrderBook) OrderBookPressure {
	res := OrderBookPressure{Pressure: PressureNeutral, Imbalance: 1}
	if book == nil || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return res
	}

	bestBid := book.Bids[0].Price
	bestAsk := book.Asks[0].Price
	res.Spread = bestAsk - bestBid
	if bestBid > 0 {
		res.SpreadPct = res.Spread / bestBid * 100
	}

	bidQty := totalQty(book.Bids)
	askQty := totalQty(book.Asks)
	if askQty > 0 {
		res.Imbalance = bidQty / askQty
	}

	res.BidWalls = countWalls(book.Bids)
	res.AskWalls = countWalls(book.Asks)

	switch {
	case res.Imbalance > 1.5:
		res.Pressure = PressureBullish
	case res.Imbalance < 0.67:
		res.Pressure = PressureBearish
	}
	return res
}

func totalQty(levels []bybit.OrderBookLevel) float64 {
	sum := 0.0
	for _, l := range levels {
		sum += l.Quantity
	}
	return sum
}

// countWalls compares each level against the average of the other levels on
// its side, so a single dominant order cannot raise the bar it is measured
// against and hide itself.
func countWalls(levels []bybit.OrderBookLevel) int {
	if len(levels) < 2 {
		return 0
	}
	total := totalQty(levels)
	walls := 0
	for _, l := range levels {
		rest := (total - l.Quantity) / float64(len(levels)-1)
		if rest > 0 && l.Quantity > 3*rest {
			walls++
		}
	}
	return walls
}
