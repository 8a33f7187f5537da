package trader

import (
	"time"

	"bybit-trading-agent/internal/bybit"
)

const (
	// trailingActivatePct is the pnl threshold that arms the trailing stop.
	trailingActivatePct = 0.5
	// trailingDistancePct is the trail distance off the best-seen price.
	trailingDistancePct = 0.3
)

// Profit ladder rungs in pnl percent tenths, mapped to close fractions.
var ladderRungs = []struct {
	Level      int // 30 = 0.30%
	Threshold  float64
	ClosePct   float64
	ActionName string
}{
	{30, 0.3, 25, "PROFIT_LADDER_30"},
	{60, 0.6, 50, "PROFIT_LADDER_60"},
	{100, 1.0, 100, "PROFIT_LADDER_100"},
}

// Tracking is the in-memory bookkeeping for one open position. Owned by the
// engine's loop goroutine; never shared.
type Tracking struct {
	Symbol         string
	Side           bybit.Side
	TradeID        string
	EntryPrice     float64
	EntryTime      time.Time
	MaxPriceSeen   float64
	MinPriceSeen   float64
	TrailingActive bool
	LastTrailSL    float64
	LadderFired    map[int]bool
	LastOrderCheck time.Time
}

// newTracking creates the record when a position is opened or first observed.
func newTracking(pos bybit.Position, tradeID string, now time.Time) *Tracking {
	entryTime := pos.Timestamp
	if entryTime.IsZero() {
		entryTime = now
	}
	return &Tracking{
		Symbol:         pos.Symbol,
		Side:           pos.Side,
		TradeID:        tradeID,
		EntryPrice:     pos.EntryPrice,
		EntryTime:      entryTime,
		MaxPriceSeen:   pos.CurrentPrice,
		MinPriceSeen:   pos.CurrentPrice,
		LadderFired:    make(map[int]bool),
		LastOrderCheck: now,
	}
}

// Observe folds a fresh price into the best-seen extremes.
func (t *Tracking) Observe(price float64) {
	if price <= 0 {
		return
	}
	if price > t.MaxPriceSeen {
		t.MaxPriceSeen = price
	}
	if price < t.MinPriceSeen || t.MinPriceSeen == 0 {
		t.MinPriceSeen = price
	}
}

// TrailingUpdate arms the trail at the activation threshold and returns a new
// stop-loss when it strictly improves on both the entry-based stop and the
// last stop set. The stop only ever moves in the favourable direction.
func (t *Tracking) TrailingUpdate(pnlPct, stopLossPct float64) (float64, bool) {
	if !t.TrailingActive {
		if pnlPct < trailingActivatePct {
			return 0, false
		}
		t.TrailingActive = true
	}

	trail := trailingDistancePct / 100
	originalSL := t.EntryPrice * (1 - stopLossPct/100)

	if t.Side == bybit.SideBuy {
		newSL := t.MaxPriceSeen * (1 - trail)
		if newSL > originalSL && newSL > t.LastTrailSL {
			t.LastTrailSL = newSL
			return newSL, true
		}
		return 0, false
	}

	originalSL = t.EntryPrice * (1 + stopLossPct/100)
	newSL := t.MinPriceSeen * (1 + trail)
	if newSL < originalSL && (t.LastTrailSL == 0 || newSL < t.LastTrailSL) {
		t.LastTrailSL = newSL
		return newSL, true
	}
	return 0, false
}

// HoursOpen reports the position age.
func (t *Tracking) HoursOpen(now time.Time) float64 {
	return now.Sub(t.EntryTime).Hours()
}
