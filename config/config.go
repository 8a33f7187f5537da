package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full agent configuration, loaded from environment variables.
type Config struct {
	Bybit   BybitConfig   `json:"bybit"`
	AI      AIConfig      `json:"ai"`
	Redis   RedisConfig   `json:"redis"`
	Trading TradingConfig `json:"trading"`
	Risk    RiskConfig    `json:"risk"`
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`

	// DatabaseURL enables the optional Postgres trade archive when set.
	DatabaseURL string `json:"database_url"`
}

// BybitConfig holds venue API credentials and endpoint selection.
type BybitConfig struct {
	APIKey     string        `json:"api_key"`
	APISecret  string        `json:"api_secret"`
	TestNet    bool          `json:"testnet"`
	RecvWindow int           `json:"recv_window"` // milliseconds
	Timeout    time.Duration `json:"timeout"`
}

// AIConfig holds reasoning engine (Ollama-compatible) settings.
type AIConfig struct {
	Host    string        `json:"host"`
	Model   string        `json:"model"`
	Timeout time.Duration `json:"timeout"`
}

// RedisConfig holds history store connection settings.
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// TradingConfig holds instrument and control-loop settings.
type TradingConfig struct {
	Symbol       string  `json:"symbol"`
	Interval     string  `json:"interval"` // venue kline interval, e.g. "5"
	AutoTrading  bool    `json:"auto_trading"`
	PaperTrading bool    `json:"paper_trading"`
	PaperBalance float64 `json:"paper_balance"`
}

// RiskConfig holds the risk gate limits.
type RiskConfig struct {
	MaxLeverage     int     `json:"max_leverage"`
	MaxPositionSize float64 `json:"max_position_size"` // quote currency notional
	RiskPercent     float64 `json:"risk_percent"`      // % of balance risked per trade
	StopLossPercent float64 `json:"stop_loss_percent"`
	MaxDailyTrades  int     `json:"max_daily_trades"`
}

// ServerConfig holds ports for the metrics and tools servers.
type ServerConfig struct {
	MetricsPort int `json:"metrics_port"`
	ToolsPort   int `json:"tools_port"` // 0 disables the tools server
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `json:"level"`
	JSONFormat bool   `json:"json_format"`
}

// Load reads configuration from the environment. A local .env file is applied
// first when present. Missing required settings return an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Bybit: BybitConfig{
			APIKey:     os.Getenv("BYBIT_API_KEY"),
			APISecret:  os.Getenv("BYBIT_API_SECRET"),
			TestNet:    envBool("BYBIT_TESTNET", false),
			RecvWindow: envInt("BYBIT_RECV_WINDOW", 5000),
			Timeout:    time.Duration(envInt("BYBIT_TIMEOUT_MS", 10000)) * time.Millisecond,
		},
		AI: AIConfig{
			Host:    envStr("OLLAMA_HOST", "http://localhost:11434"),
			Model:   envStr("OLLAMA_MODEL", "qwen2.5:14b"),
			Timeout: time.Duration(envInt("OLLAMA_TIMEOUT_MS", 120000)) * time.Millisecond,
		},
		Redis: RedisConfig{
			Host:     envStr("REDIS_HOST", "localhost"),
			Port:     envInt("REDIS_PORT", 6379),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		},
		Trading: TradingConfig{
			Symbol:       envStr("TRADING_SYMBOL", "BTCUSDT"),
			Interval:     envStr("TRADING_INTERVAL", "5"),
			AutoTrading:  envBool("AUTO_TRADING", false),
			PaperTrading: envBool("PAPER_TRADING", true),
			PaperBalance: envFloat("PAPER_BALANCE", 10000),
		},
		Risk: RiskConfig{
			MaxLeverage:     envInt("MAX_LEVERAGE", 20),
			MaxPositionSize: envFloat("MAX_POSITION_SIZE", 5000),
			RiskPercent:     envFloat("RISK_PERCENT", 10),
			StopLossPercent: envFloat("STOP_LOSS_PERCENT", 0.6),
			MaxDailyTrades:  envInt("MAX_DAILY_TRADES", 30),
		},
		Server: ServerConfig{
			MetricsPort: envInt("METRICS_PORT", 9090),
			ToolsPort:   envInt("TOOLS_PORT", 8765),
		},
		Logging: LoggingConfig{
			Level:      envStr("LOG_LEVEL", "info"),
			JSONFormat: envBool("LOG_JSON", true),
		},
		DatabaseURL: os.Getenv("DATABASE_URL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings. Paper trading does not need API keys;
// live trading does.
func (c *Config) Validate() error {
	if c.Trading.Symbol == "" {
		return fmt.Errorf("TRADING_SYMBOL is required")
	}
	if c.Trading.Interval == "" {
		return fmt.Errorf("TRADING_INTERVAL is required")
	}
	if !c.Trading.PaperTrading {
		if c.Bybit.APIKey == "" || c.Bybit.APISecret == "" {
			return fmt.Errorf("BYBIT_API_KEY and BYBIT_API_SECRET are required for live trading")
		}
	}
	if c.Risk.MaxLeverage < 1 {
		return fmt.Errorf("MAX_LEVERAGE must be >= 1, got %d", c.Risk.MaxLeverage)
	}
	if c.Risk.StopLossPercent <= 0 {
		return fmt.Errorf("STOP_LOSS_PERCENT must be > 0, got %v", c.Risk.StopLossPercent)
	}
	return nil
}

// IntervalDuration converts the venue kline interval to a time.Duration.
// Bybit linear intervals are minutes ("1", "3", "5", ...) plus "D"/"W".
func (c *Config) IntervalDuration() time.Duration {
	switch c.Trading.Interval {
	case "D":
		return 24 * time.Hour
	case "W":
		return 7 * 24 * time.Hour
	}
	if mins, err := strconv.Atoi(c.Trading.Interval); err == nil && mins > 0 {
		return time.Duration(mins) * time.Minute
	}
	return 5 * time.Minute
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
