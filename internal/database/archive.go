// Package database is the optional Postgres trade archive. Redis holds the
// recent operational window; this keeps the full lifetime record for offline
// analysis. Enabled by DATABASE_URL, absent otherwise.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/history"
)

const connectTimeout = 10 * time.Second

// Archive persists trade records to Postgres. A nil *Archive is valid and
// ignores all calls, so callers do not branch on whether archiving is on.
type Archive struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New connects to Postgres and runs the schema migration. An empty URL
// returns (nil, nil): archiving disabled.
func New(ctx context.Context, databaseURL string, logger zerolog.Logger) (*Archive, error) {
	if databaseURL == "" {
		return nil, nil
	}

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	a := &Archive{
		pool:   pool,
		logger: logger.With().Str("component", "archive").Logger(),
	}
	if err := a.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	a.logger.Info().Msg("Trade archive connected")
	return a, nil
}

// Close releases the pool.
func (a *Archive) Close() {
	if a == nil || a.pool == nil {
		return
	}
	a.pool.Close()
}

func (a *Archive) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id VARCHAR(64) PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			confidence DECIMAL(5, 4),
			entry_price DECIMAL(20, 8) NOT NULL,
			entry_rsi DECIMAL(10, 4),
			entry_macd_hist DECIMAL(20, 8),
			entry_kalman_trend VARCHAR(10),
			leverage INT NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			open_time TIMESTAMPTZ NOT NULL,
			exit_type VARCHAR(20),
			exit_price DECIMAL(20, 8),
			pnl DECIMAL(20, 8),
			pnl_percent DECIMAL(10, 4),
			duration_min DECIMAL(12, 2),
			close_time TIMESTAMPTZ,
			result VARCHAR(12) NOT NULL DEFAULT 'PENDING',
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_open_time ON trades(open_time)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_result ON trades(result)`,
	}

	for _, migration := range migrations {
		if _, err := a.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveOpen inserts the open half of a trade record.
func (a *Archive) SaveOpen(ctx context.Context, rec history.TradeRecord) error {
	if a == nil {
		return nil
	}

	_, err := a.pool.Exec(ctx, `
		INSERT INTO trades (
			id, symbol, side, confidence,
			entry_price, entry_rsi, entry_macd_hist, entry_kalman_trend,
			leverage, quantity, open_time, result
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Symbol, rec.Side, rec.Confidence,
		rec.Entry.Price, rec.Entry.RSI, rec.Entry.MACDHist, rec.Entry.KalmanTrend,
		rec.Entry.Leverage, rec.Entry.Quantity, rec.OpenTime, history.ResultPending,
	)
	if err != nil {
		a.logger.Warn().Err(err).Str("trade_id", rec.ID).Msg("Archive open failed")
		return err
	}
	return nil
}

// SaveClose completes the record with the exit and derived result.
func (a *Archive) SaveClose(ctx context.Context, tradeID string, exit history.Exit) error {
	if a == nil {
		return nil
	}

	result := history.ResultLoss
	if exit.Type == history.ExitLiquidation {
		result = history.ResultLiquidation
	} else if exit.PnL > 0 {
		result = history.ResultWin
	}

	tag, err := a.pool.Exec(ctx, `
		UPDATE trades SET
			exit_type = $2, exit_price = $3, pnl = $4, pnl_percent = $5,
			duration_min = $6, close_time = $7, result = $8
		WHERE id = $1`,
		tradeID, exit.Type, exit.Price, exit.PnL, exit.PnLPercent,
		exit.DurationMin, exit.Time, result,
	)
	if err != nil {
		a.logger.Warn().Err(err).Str("trade_id", tradeID).Msg("Archive close failed")
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %s not found in archive", tradeID)
	}
	return nil
}

// RecentTrades returns the latest closed trades for a symbol, newest first.
func (a *Archive) RecentTrades(ctx context.Context, symbol string, limit int) ([]history.TradeRecord, error) {
	if a == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := a.pool.Query(ctx, `
		SELECT id, symbol, side, confidence,
			entry_price, entry_rsi, entry_macd_hist, entry_kalman_trend,
			leverage, quantity, open_time,
			exit_type, exit_price, pnl, pnl_percent, duration_min, close_time,
			result
		FROM trades
		WHERE symbol = $1 AND result <> $2
		ORDER BY open_time DESC
		LIMIT $3`,
		symbol, history.ResultPending, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []history.TradeRecord
	for rows.Next() {
		var (
			rec       history.TradeRecord
			exitType  *string
			exitPrice *float64
			pnl       *float64
			pnlPct    *float64
			duration  *float64
			closeTime *time.Time
		)
		err := rows.Scan(
			&rec.ID, &rec.Symbol, &rec.Side, &rec.Confidence,
			&rec.Entry.Price, &rec.Entry.RSI, &rec.Entry.MACDHist, &rec.Entry.KalmanTrend,
			&rec.Entry.Leverage, &rec.Entry.Quantity, &rec.OpenTime,
			&exitType, &exitPrice, &pnl, &pnlPct, &duration, &closeTime,
			&rec.Result,
		)
		if err != nil {
			return nil, err
		}
		if exitType != nil {
			exit := history.Exit{Type: *exitType}
			if exitPrice != nil {
				exit.Price = *exitPrice
			}
			if pnl != nil {
				exit.PnL = *pnl
			}
			if pnlPct != nil {
				exit.PnLPercent = *pnlPct
			}
			if duration != nil {
				exit.DurationMin = *duration
			}
			if closeTime != nil {
				exit.Time = *closeTime
			}
			rec.Exit = &exit
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Stats aggregates lifetime results for a symbol.
func (a *Archive) Stats(ctx context.Context, symbol string) (history.Aggregate, error) {
	var agg history.Aggregate
	if a == nil {
		return agg, nil
	}

	err := a.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE result <> $2),
			COUNT(*) FILTER (WHERE result = $3),
			COUNT(*) FILTER (WHERE result = $4),
			COUNT(*) FILTER (WHERE result = $5),
			COALESCE(SUM(pnl) FILTER (WHERE result <> $2), 0)
		FROM trades WHERE symbol = $1`,
		symbol, history.ResultPending, history.ResultWin, history.ResultLoss, history.ResultLiquidation,
	).Scan(&agg.Trades, &agg.Wins, &agg.Losses, &agg.Liquidations, &agg.RealisedPnL)
	if err != nil {
		return agg, err
	}

	if agg.Trades > 0 {
		agg.WinRate = float64(agg.Wins) / float64(agg.Trades) * 100
	}
	return agg, nil
}
