// Package risk validates trade proposals before they reach the venue. The
// gate runs a fixed sequence of checks, may return a downsized proposal for
// the orchestrator to retry with, and owns the daily trade counter.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/logging"
)

const (
	// maxBalanceFraction caps a single position's notional relative to the
	// total balance.
	maxBalanceFraction = 0.30

	// slTolerance allows slight rounding slack on the stop-loss distance.
	slTolerance = 1.05

	// maxRiskScore rejects proposals whose weighted score exceeds it.
	maxRiskScore = 0.8
)

// Config holds the gate limits.
type Config struct {
	MaxLeverage     int
	MaxPositionSize float64
	StopLossPercent float64
	MaxDailyTrades  int
}

// Verdict is the gate's answer to a proposal.
type Verdict struct {
	Approved  bool
	Reason    string
	RiskScore float64
	// Adjusted carries a downsized proposal when the original exceeded the
	// balance fraction cap. Approved is false; the caller re-validates.
	Adjusted *bybit.OrderRequest
}

// Gate validates proposals and tracks the daily trade count.
type Gate struct {
	config Config
	logger zerolog.Logger

	mu         sync.Mutex
	dailyCount int
	dailyDate  string

	now func() time.Time
}

// NewGate creates a risk gate.
func NewGate(config Config, logger zerolog.Logger) *Gate {
	return &Gate{
		config: config,
		logger: logger.With().Str("component", "risk").Logger(),
		now:    time.Now,
	}
}

// Validate runs the check sequence against a proposal. Hard failures
// short-circuit; the balance-fraction check returns an adjusted proposal
// instead of rejecting outright.
func (g *Gate) Validate(req bybit.OrderRequest, price, totalBalance, existingExposure, volatility float64) Verdict {
	g.mu.Lock()
	g.resetDailyLocked()
	daily := g.dailyCount
	g.mu.Unlock()

	if g.config.MaxDailyTrades > 0 && daily >= g.config.MaxDailyTrades {
		return g.reject(req, fmt.Sprintf("daily trade cap reached (%d/%d)", daily, g.config.MaxDailyTrades))
	}

	if req.Quantity <= 0 || math.IsNaN(req.Quantity) {
		return g.reject(req, fmt.Sprintf("invalid quantity %v", req.Quantity))
	}

	notional := req.Quantity * price
	if totalBalance > 0 && notional > maxBalanceFraction*totalBalance {
		adjusted := req
		adjusted.Quantity = maxBalanceFraction * totalBalance / price
		g.logger.Warn().
			Str("event", logging.EventRiskAdjust).
			Str("symbol", req.Symbol).
			Float64("quantity", req.Quantity).
			Float64("adjusted", adjusted.Quantity).
			Msg("Proposal downsized to balance limit")
		return Verdict{
			Approved: false,
			Reason:   fmt.Sprintf("notional %.2f exceeds %.0f%% of balance, adjusted", notional, maxBalanceFraction*100),
			Adjusted: &adjusted,
		}
	}

	if req.Leverage > g.config.MaxLeverage {
		return g.reject(req, fmt.Sprintf("leverage %d exceeds cap %d", req.Leverage, g.config.MaxLeverage))
	}

	if g.config.MaxPositionSize > 0 && notional+existingExposure > g.config.MaxPositionSize {
		return g.reject(req, fmt.Sprintf("total exposure %.2f exceeds max position size %.2f",
			notional+existingExposure, g.config.MaxPositionSize))
	}

	if req.StopLoss > 0 && price > 0 {
		slDistancePct := math.Abs(price-req.StopLoss) / price * 100
		if slDistancePct > slTolerance*g.config.StopLossPercent {
			return g.reject(req, fmt.Sprintf("stop-loss distance %.3f%% exceeds %.3f%%",
				slDistancePct, slTolerance*g.config.StopLossPercent))
		}
	}

	score := g.riskScore(req, notional, totalBalance, existingExposure, volatility)
	if score > maxRiskScore {
		v := g.reject(req, fmt.Sprintf("risk score %.2f exceeds %.2f", score, maxRiskScore))
		v.RiskScore = score
		return v
	}

	return Verdict{Approved: true, Reason: "ok", RiskScore: score}
}

// riskScore is the weighted soft-check sum, each term clipped to [0,1].
func (g *Gate) riskScore(req bybit.OrderRequest, notional, totalBalance, existingExposure, volatility float64) float64 {
	levTerm := 0.0
	if g.config.MaxLeverage > 0 {
		levTerm = clip01(float64(req.Leverage) / float64(g.config.MaxLeverage))
	}

	notionalTerm, exposureTerm := 0.0, 0.0
	if totalBalance > 0 {
		notionalTerm = clip01(notional / totalBalance)
		exposureTerm = clip01(existingExposure / totalBalance)
	}

	return levTerm*0.3 + notionalTerm*0.2 + exposureTerm*0.2 + clip01(volatility)*0.3
}

func (g *Gate) reject(req bybit.OrderRequest, reason string) Verdict {
	g.logger.Warn().
		Str("event", logging.EventRiskReject).
		Str("symbol", req.Symbol).
		Str("reason", reason).
		Msg("Proposal rejected")
	return Verdict{Approved: false, Reason: reason}
}

// IncrementDaily bumps the daily counter after a confirmed open.
func (g *Gate) IncrementDaily() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetDailyLocked()
	g.dailyCount++
}

// DailyCount returns today's confirmed open count.
func (g *Gate) DailyCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetDailyLocked()
	return g.dailyCount
}

// resetDailyLocked zeroes the counter on local-calendar date change.
func (g *Gate) resetDailyLocked() {
	today := g.now().Format("2006-01-02")
	if g.dailyDate != today {
		g.dailyDate = today
		g.dailyCount = 0
	}
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
