// Package logging configures the process-wide zerolog logger and defines the
// structured trading event vocabulary emitted by the agent.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Structured event names. Every trading event log line carries one of these
// under the "event" field so downstream consumers can filter without parsing
// messages.
const (
	EventTradeOpen  = "TRADE_OPEN"
	EventTradeClose = "TRADE_CLOSE"
	EventAIAnalysis = "AI_ANALYSIS"

	EventSystemStart = "SYSTEM_START"
	EventSystemStop  = "SYSTEM_STOP"
	EventSystemError = "SYSTEM_ERROR"

	EventRiskReject = "RISK_REJECT"
	EventRiskAdjust = "RISK_ADJUST"
)

// Close types recorded on TRADE_CLOSE events.
const (
	CloseTakeProfit  = "TAKE_PROFIT"
	CloseStopLoss    = "STOP_LOSS"
	CloseLiquidation = "LIQUIDATION"
	CloseManual      = "MANUAL_CLOSE"
)

// Config holds logger settings.
type Config struct {
	Level      string
	JSONFormat bool
}

// New builds the root logger. Components derive their own logger with
// logger.With().Str("component", name).Logger().
func New(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.JSONFormat {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	}

	return logger.Level(level).With().Timestamp().Logger()
}
