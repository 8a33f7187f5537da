package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// decisionsKeyPrefix lists recent trade envelopes per symbol, newest
	// first. Format: trading:decisions:{symbol}
	decisionsKeyPrefix = "trading:decisions:"

	// positionKeyPrefix holds the transient current-position descriptor.
	// Format: trading:position:{symbol}:current
	positionKeyPrefix = "trading:position:"
	positionKeySuffix = ":current"

	// dailyKeyPrefix holds per-day counters. Format: trading:daily:{YYYY-MM-DD}
	dailyKeyPrefix = "trading:daily:"

	// globalStatsKey holds the never-reset account counters.
	globalStatsKey = "trading:global:stats"

	// maxDecisions caps the per-symbol envelope list.
	maxDecisions = 20

	// positionTTL bounds how long a stale current-position descriptor lives.
	positionTTL = 24 * time.Hour

	// opTimeout keeps history enrichment from blocking the control loop.
	opTimeout = 2 * time.Second
)

// Store persists trade records in Redis with an in-memory mirror that takes
// over when Redis is unreachable.
type Store struct {
	client    *redis.Client
	logger    zerolog.Logger
	available atomic.Bool

	mu          sync.RWMutex
	memTrades   map[string][]TradeRecord // newest first, capped
	memDaily    map[string]*Aggregate    // keyed by YYYY-MM-DD
	memGlobal   Aggregate
	memCurrent  map[string]*TradeRecord
	currentTTLs map[string]time.Time

	now func() time.Time
}

// NewStore creates a history store. A nil client yields memory-only mode.
func NewStore(client *redis.Client, logger zerolog.Logger) *Store {
	s := &Store{
		client:      client,
		logger:      logger.With().Str("component", "history").Logger(),
		memTrades:   make(map[string][]TradeRecord),
		memDaily:    make(map[string]*Aggregate),
		memCurrent:  make(map[string]*TradeRecord),
		currentTTLs: make(map[string]time.Time),
		now:         time.Now,
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("Redis unreachable, history runs in memory")
		} else {
			s.available.Store(true)
			s.logger.Info().Msg("History store connected to Redis")
		}
	} else {
		s.logger.Info().Msg("History store running in memory-only mode")
	}
	return s
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func decisionsKey(symbol string) string {
	return decisionsKeyPrefix + symbol
}

func positionKey(symbol string) string {
	return positionKeyPrefix + symbol + positionKeySuffix
}

func dailyKey(t time.Time) string {
	return dailyKeyPrefix + t.Format("2006-01-02")
}

// RecordOpen pushes a PENDING trade envelope and stores the current-position
// descriptor. Returns the trade id.
func (s *Store) RecordOpen(ctx context.Context, rec TradeRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.OpenTime.IsZero() {
		rec.OpenTime = s.now()
	}
	rec.Result = ResultPending
	rec.Exit = nil

	// Memory mirror first so fallback reads always have the trade.
	s.mu.Lock()
	trades := append([]TradeRecord{rec}, s.memTrades[rec.Symbol]...)
	if len(trades) > maxDecisions {
		trades = trades[:maxDecisions]
	}
	s.memTrades[rec.Symbol] = trades
	recCopy := rec
	s.memCurrent[rec.Symbol] = &recCopy
	s.currentTTLs[rec.Symbol] = s.now().Add(positionTTL)
	s.mu.Unlock()

	if s.available.Load() {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()

		payload, err := json.Marshal(rec)
		if err != nil {
			return rec.ID, fmt.Errorf("marshal trade record: %w", err)
		}

		pipe := s.client.Pipeline()
		pipe.LPush(opCtx, decisionsKey(rec.Symbol), payload)
		pipe.LTrim(opCtx, decisionsKey(rec.Symbol), 0, maxDecisions-1)
		pipe.Set(opCtx, positionKey(rec.Symbol), payload, positionTTL)
		if _, err := pipe.Exec(opCtx); err != nil {
			s.redisDown(err)
		}
	}

	return rec.ID, nil
}

// RecordClose finalises a trade envelope, updates daily and global counters
// and drops the current-position descriptor.
func (s *Store) RecordClose(ctx context.Context, symbol, tradeID string, exit Exit) error {
	result := ResultLoss
	if exit.Type == ExitLiquidation {
		result = ResultLiquidation
	} else if exit.PnL > 0 {
		result = ResultWin
	}
	if exit.Time.IsZero() {
		exit.Time = s.now()
	}

	var closed *TradeRecord

	s.mu.Lock()
	for i := range s.memTrades[symbol] {
		if s.memTrades[symbol][i].ID == tradeID {
			s.memTrades[symbol][i].Exit = &exit
			s.memTrades[symbol][i].Result = result
			c := s.memTrades[symbol][i]
			closed = &c
			break
		}
	}
	s.mu.Unlock()

	// The mirror starts empty after a restart; the envelope may still be in
	// the Redis decisions list.
	if closed == nil && s.available.Load() {
		rec, err := s.fetchTradeRedis(ctx, symbol, tradeID)
		if err != nil {
			s.redisDown(err)
		} else if rec != nil {
			rec.Exit = &exit
			rec.Result = result
			closed = rec

			s.mu.Lock()
			trades := append([]TradeRecord{*rec}, s.memTrades[symbol]...)
			if len(trades) > maxDecisions {
				trades = trades[:maxDecisions]
			}
			s.memTrades[symbol] = trades
			s.mu.Unlock()
		}
	}

	if closed == nil {
		return fmt.Errorf("trade %s not found in history for %s", tradeID, symbol)
	}

	s.mu.Lock()
	delete(s.memCurrent, symbol)
	delete(s.currentTTLs, symbol)
	s.applyToAggregatesLocked(result, exit.PnL)
	s.mu.Unlock()

	if s.available.Load() {
		if err := s.recordCloseRedis(ctx, symbol, tradeID, *closed); err != nil {
			s.redisDown(err)
		}
	}
	return nil
}

// fetchTradeRedis scans the decisions list for a trade envelope by id.
// Returns nil without error when the envelope is not in the list.
func (s *Store) fetchTradeRedis(ctx context.Context, symbol, tradeID string) (*TradeRecord, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	items, err := s.client.LRange(opCtx, decisionsKey(symbol), 0, maxDecisions-1).Result()
	if err != nil {
		return nil, err
	}
	return findTrade(items, tradeID), nil
}

// findTrade unmarshal-scans raw envelopes for a trade id, skipping entries
// that fail to decode.
func findTrade(items []string, tradeID string) *TradeRecord {
	for _, item := range items {
		var rec TradeRecord
		if json.Unmarshal([]byte(item), &rec) == nil && rec.ID == tradeID {
			return &rec
		}
	}
	return nil
}

func (s *Store) recordCloseRedis(ctx context.Context, symbol, tradeID string, closed TradeRecord) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	items, err := s.client.LRange(opCtx, decisionsKey(symbol), 0, maxDecisions-1).Result()
	if err != nil {
		return err
	}

	for i, item := range items {
		var rec TradeRecord
		if json.Unmarshal([]byte(item), &rec) != nil || rec.ID != tradeID {
			continue
		}
		payload, err := json.Marshal(closed)
		if err != nil {
			return err
		}
		if err := s.client.LSet(opCtx, decisionsKey(symbol), int64(i), payload).Err(); err != nil {
			return err
		}
		break
	}

	exit := closed.Exit
	pipe := s.client.Pipeline()
	for _, key := range []string{dailyKey(s.now()), globalStatsKey} {
		pipe.HIncrBy(opCtx, key, "trades", 1)
		switch closed.Result {
		case ResultWin:
			pipe.HIncrBy(opCtx, key, "wins", 1)
			pipe.HIncrByFloat(opCtx, key, "pnl_from_wins", exit.PnL)
		case ResultLiquidation:
			pipe.HIncrBy(opCtx, key, "liquidations", 1)
			pipe.HIncrByFloat(opCtx, key, "pnl_from_losses", exit.PnL)
		default:
			pipe.HIncrBy(opCtx, key, "losses", 1)
			pipe.HIncrByFloat(opCtx, key, "pnl_from_losses", exit.PnL)
		}
		pipe.HIncrByFloat(opCtx, key, "realised_pnl", exit.PnL)
	}
	pipe.Del(opCtx, positionKey(symbol))
	_, err = pipe.Exec(opCtx)
	return err
}

func (s *Store) applyToAggregatesLocked(result string, pnl float64) {
	day := dailyKey(s.now())
	if s.memDaily[day] == nil {
		s.memDaily[day] = &Aggregate{}
	}
	for _, agg := range []*Aggregate{s.memDaily[day], &s.memGlobal} {
		agg.Trades++
		agg.RealisedPnL += pnl
		switch result {
		case ResultWin:
			agg.Wins++
			agg.PnLFromWins += pnl
		case ResultLiquidation:
			agg.Liquidations++
			agg.PnLFromLoss += pnl
		default:
			agg.Losses++
			agg.PnLFromLoss += pnl
		}
		if agg.Trades > 0 {
			agg.WinRate = float64(agg.Wins) / float64(agg.Trades) * 100
		}
	}
}

// CurrentPosition returns the transient descriptor for an open trade, or nil.
func (s *Store) CurrentPosition(ctx context.Context, symbol string) *TradeRecord {
	if s.available.Load() {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()

		raw, err := s.client.Get(opCtx, positionKey(symbol)).Result()
		if err == nil {
			var rec TradeRecord
			if json.Unmarshal([]byte(raw), &rec) == nil {
				return &rec
			}
		} else if err != redis.Nil {
			s.redisDown(err)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.memCurrent[symbol]
	if !ok || s.now().After(s.currentTTLs[symbol]) {
		return nil
	}
	c := *rec
	return &c
}

// Context assembles the history bundle for the entry prompt: the last 5
// closed trades, today's aggregate, the global aggregate and derived
// patterns.
func (s *Store) Context(ctx context.Context, symbol string) Context {
	trades := s.recentTrades(ctx, symbol)

	var closed []TradeRecord
	for _, t := range trades {
		if t.Result != ResultPending {
			closed = append(closed, t)
			if len(closed) == 5 {
				break
			}
		}
	}

	return Context{
		Recent:   closed,
		Daily:    s.aggregate(ctx, dailyKey(s.now()), true),
		Global:   s.aggregate(ctx, globalStatsKey, false),
		Patterns: derivePatterns(trades),
	}
}

func (s *Store) recentTrades(ctx context.Context, symbol string) []TradeRecord {
	if s.available.Load() {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()

		items, err := s.client.LRange(opCtx, decisionsKey(symbol), 0, maxDecisions-1).Result()
		if err == nil {
			trades := make([]TradeRecord, 0, len(items))
			for _, item := range items {
				var rec TradeRecord
				if json.Unmarshal([]byte(item), &rec) == nil {
					trades = append(trades, rec)
				}
			}
			return trades
		}
		s.redisDown(err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TradeRecord, len(s.memTrades[symbol]))
	copy(out, s.memTrades[symbol])
	return out
}

func (s *Store) aggregate(ctx context.Context, key string, daily bool) Aggregate {
	if s.available.Load() {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()

		fields, err := s.client.HGetAll(opCtx, key).Result()
		if err == nil {
			return aggregateFromFields(fields)
		}
		s.redisDown(err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if daily {
		if agg := s.memDaily[key]; agg != nil {
			return *agg
		}
		return Aggregate{}
	}
	return s.memGlobal
}

func aggregateFromFields(fields map[string]string) Aggregate {
	geti := func(k string) int {
		v, _ := strconv.Atoi(fields[k])
		return v
	}
	getf := func(k string) float64 {
		v, _ := strconv.ParseFloat(fields[k], 64)
		return v
	}

	agg := Aggregate{
		Trades:       geti("trades"),
		Wins:         geti("wins"),
		Losses:       geti("losses"),
		Liquidations: geti("liquidations"),
		RealisedPnL:  getf("realised_pnl"),
		PnLFromWins:  getf("pnl_from_wins"),
		PnLFromLoss:  getf("pnl_from_losses"),
	}
	if agg.Trades > 0 {
		agg.WinRate = float64(agg.Wins) / float64(agg.Trades) * 100
	}
	return agg
}

// derivePatterns extracts prompt-worthy observations from recent trades.
func derivePatterns(trades []TradeRecord) []string {
	var patterns []string

	var winRSI, lossRSI float64
	var wins, losses int
	maxLiqLeverage := 0
	for _, t := range trades {
		switch t.Result {
		case ResultWin:
			winRSI += t.Entry.RSI
			wins++
		case ResultLoss:
			lossRSI += t.Entry.RSI
			losses++
		case ResultLiquidation:
			if t.Entry.Leverage > maxLiqLeverage {
				maxLiqLeverage = t.Entry.Leverage
			}
		}
	}

	if wins > 0 && losses > 0 {
		patterns = append(patterns, fmt.Sprintf(
			"Average entry RSI: %.1f on winning trades vs %.1f on losing trades",
			winRSI/float64(wins), lossRSI/float64(losses)))
	}
	if maxLiqLeverage > 0 {
		patterns = append(patterns, fmt.Sprintf(
			"WARNING: liquidation occurred at %dx leverage; prefer lower leverage", maxLiqLeverage))
	}
	return patterns
}

func (s *Store) redisDown(err error) {
	if s.available.CompareAndSwap(true, false) {
		s.logger.Warn().Err(err).Msg("Redis error, history degrades to memory")
	}
}
