package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"bybit-trading-agent/config"
	"bybit-trading-agent/internal/ai/llm"
	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/database"
	"bybit-trading-agent/internal/history"
	"bybit-trading-agent/internal/logging"
	"bybit-trading-agent/internal/market"
	"bybit-trading-agent/internal/metrics"
	"bybit-trading-agent/internal/risk"
	"bybit-trading-agent/internal/tools"
	"bybit-trading-agent/internal/trader"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
	})
	logger.Info().
		Str("symbol", cfg.Trading.Symbol).
		Str("interval", cfg.Trading.Interval).
		Bool("paper_trading", cfg.Trading.PaperTrading).
		Bool("auto_trading", cfg.Trading.AutoTrading).
		Msg("Starting trading agent")

	ctx := context.Background()

	// Venue adapter. Paper mode reads real market data through the REST
	// client but simulates the account side.
	restClient := bybit.NewClient(bybit.ClientConfig{
		APIKey:     cfg.Bybit.APIKey,
		APISecret:  cfg.Bybit.APISecret,
		TestNet:    cfg.Bybit.TestNet,
		RecvWindow: cfg.Bybit.RecvWindow,
		Timeout:    cfg.Bybit.Timeout,
	}, logger)

	var exchange bybit.Exchange = restClient
	if cfg.Trading.PaperTrading {
		exchange = bybit.NewPaperClient(restClient, cfg.Trading.PaperBalance, logger)
		logger.Info().Float64("balance", cfg.Trading.PaperBalance).Msg("Paper trading mode")
	}

	// History store. Degrades to memory when Redis is down.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	hist := history.NewStore(redisClient, logger)

	// Optional Postgres archive. A configured but unreachable database is a
	// configuration error.
	archive, err := database.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Trade archive initialisation failed")
	}

	analyzer := llm.NewAnalyzer(llm.NewClient(llm.ClientConfig{
		Host:    cfg.AI.Host,
		Model:   cfg.AI.Model,
		Timeout: cfg.AI.Timeout,
	}), logger)

	buffer := market.NewBuffer(exchange, cfg.Trading.Symbol, cfg.Trading.Interval, market.DefaultCapacity, logger)

	gate := risk.NewGate(risk.Config{
		MaxLeverage:     cfg.Risk.MaxLeverage,
		MaxPositionSize: cfg.Risk.MaxPositionSize,
		StopLossPercent: cfg.Risk.StopLossPercent,
		MaxDailyTrades:  cfg.Risk.MaxDailyTrades,
	}, logger)

	m := metrics.New(cfg.Trading.Symbol)
	metricsServer := metrics.NewServer(m, cfg.Server.MetricsPort, logger)
	metricsServer.Start()

	engine := trader.NewEngine(trader.Config{
		Symbol:          cfg.Trading.Symbol,
		Interval:        cfg.IntervalDuration(),
		AutoTrading:     cfg.Trading.AutoTrading,
		MaxLeverage:     cfg.Risk.MaxLeverage,
		RiskPercent:     cfg.Risk.RiskPercent,
		StopLossPercent: cfg.Risk.StopLossPercent,
	}, exchange, buffer, analyzer, hist, gate, m, logger)
	if archive != nil {
		engine.WithArchive(archive)
	}

	var toolsServer *tools.Server
	if cfg.Server.ToolsPort > 0 {
		registry := tools.NewRegistry(tools.Deps{
			Exchange: exchange,
			Reasoner: analyzer,
			Gate:     gate,
			History:  hist,
			Archive:  archive,
			Symbol:   cfg.Trading.Symbol,
			Interval: cfg.Trading.Interval,
		}, logger)
		toolsServer = tools.NewServer(registry, cfg.Server.ToolsPort, logger)
		toolsServer.Start()
	}

	if err := engine.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Engine startup failed")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	received := <-sig
	logger.Info().Str("signal", received.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	engine.Stop()
	if err := hist.Close(); err != nil {
		logger.Warn().Err(err).Msg("History store close failed")
	}
	archive.Close()
	if toolsServer != nil {
		if err := toolsServer.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Tools server shutdown failed")
		}
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Metrics server shutdown failed")
	}

	logger.Info().Msg("Trading agent stopped")
}
