// Package market maintains the bounded sliding window of candles the
// analysis pipeline reads from. One buffer serves one symbol+interval.
package market

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bybit-trading-agent/internal/bybit"

	"github.com/rs/zerolog"
)

const (
	// DefaultCapacity is the nominal window size.
	DefaultCapacity = 200
	// refreshBatch is how many trailing candles each refresh fetches. The
	// venue re-emits the currently forming candle, so the batch overlaps the
	// window tail and the merge dedupes by open time.
	refreshBatch = 5
)

// Stats summarises the buffer contents.
type Stats struct {
	Count      int       `json:"count"`
	FirstClose float64   `json:"first_close"`
	LastClose  float64   `json:"last_close"`
	FirstTime  time.Time `json:"first_time"`
	LastTime   time.Time `json:"last_time"`
}

// Buffer is a de-duplicated sliding window of candles, seeded by a historical
// backfill and refreshed on a timer.
type Buffer struct {
	exchange bybit.Exchange
	symbol   string
	interval string
	capacity int
	logger   zerolog.Logger

	mu      sync.RWMutex
	candles []bybit.Candle

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBuffer creates a buffer for one symbol and interval.
func NewBuffer(exchange bybit.Exchange, symbol, interval string, capacity int, logger zerolog.Logger) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		exchange: exchange,
		symbol:   symbol,
		interval: interval,
		capacity: capacity,
		logger:   logger.With().Str("component", "candles").Str("symbol", symbol).Logger(),
	}
}

// Start backfills the window and schedules periodic refreshes. Backfill
// failure is fatal; refresh failures are transient and retried next tick.
func (b *Buffer) Start(ctx context.Context, refreshEvery time.Duration) error {
	candles, err := b.exchange.Candles(ctx, b.symbol, b.interval, b.capacity)
	if err != nil {
		return fmt.Errorf("candle backfill for %s: %w", b.symbol, err)
	}
	if len(candles) == 0 {
		return fmt.Errorf("candle backfill for %s returned no data", b.symbol)
	}

	b.mu.Lock()
	b.candles = mergeAndTrim(nil, candles, b.capacity)
	b.mu.Unlock()

	b.logger.Info().Int("count", len(candles)).Str("interval", b.interval).Msg("Candle backfill complete")

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.refreshLoop(runCtx, refreshEvery)
	return nil
}

// Stop terminates the refresh loop and waits for it to exit.
func (b *Buffer) Stop() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
}

func (b *Buffer) refreshLoop(ctx context.Context, every time.Duration) {
	defer close(b.done)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.refresh(ctx)
		}
	}
}

func (b *Buffer) refresh(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	fresh, err := b.exchange.Candles(reqCtx, b.symbol, b.interval, refreshBatch)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Candle refresh failed, retrying next tick")
		return
	}

	b.mu.Lock()
	b.candles = mergeAndTrim(b.candles, fresh, b.capacity)
	b.mu.Unlock()
}

// Get returns the last n candles (all of them when n exceeds the window).
func (b *Buffer) Get(n int) []bybit.Candle {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > len(b.candles) {
		n = len(b.candles)
	}
	out := make([]bybit.Candle, n)
	copy(out, b.candles[len(b.candles)-n:])
	return out
}

// HasEnough reports whether at least min candles are buffered.
func (b *Buffer) HasEnough(min int) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.candles) >= min
}

// Stats reports the window boundaries.
func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{Count: len(b.candles)}
	if len(b.candles) > 0 {
		s.FirstClose = b.candles[0].Close
		s.FirstTime = b.candles[0].OpenTime
		s.LastClose = b.candles[len(b.candles)-1].Close
		s.LastTime = b.candles[len(b.candles)-1].OpenTime
	}
	return s
}

// mergeAndTrim merges fresh candles into the window, deduping by open time
// with the newer record winning (the forming candle gets re-emitted with
// updated close and volume), then sorts and trims to capacity. Applying it
// twice with the same input yields the same window.
func mergeAndTrim(window, fresh []bybit.Candle, capacity int) []bybit.Candle {
	byOpen := make(map[int64]bybit.Candle, len(window)+len(fresh))
	for _, c := range window {
		byOpen[c.OpenTime.UnixMilli()] = c
	}
	for _, c := range fresh {
		byOpen[c.OpenTime.UnixMilli()] = c
	}

	merged := make([]bybit.Candle, 0, len(byOpen))
	for _, c := range byOpen {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].OpenTime.Before(merged[j].OpenTime)
	})

	if len(merged) > capacity {
		merged = merged[len(merged)-capacity:]
	}
	return merged
}
