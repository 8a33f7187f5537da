package risk

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/bybit"
)

func testGate(t *testing.T) *Gate {
	t.Helper()
	g := NewGate(Config{
		MaxLeverage:     20,
		MaxPositionSize: 5000,
		StopLossPercent: 0.6,
		MaxDailyTrades:  30,
	}, zerolog.Nop())
	g.now = func() time.Time {
		return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	}
	return g
}

func proposal() bybit.OrderRequest {
	return bybit.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     bybit.SideBuy,
		Quantity: 0.02,
		Leverage: 10,
		StopLoss: 49700, // 0.6% below 50000
	}
}

func TestValidateApproves(t *testing.T) {
	g := testGate(t)
	v := g.Validate(proposal(), 50000, 10000, 0, 0.1)
	if !v.Approved {
		t.Fatalf("expected approval, got %q", v.Reason)
	}
	if v.RiskScore <= 0 || v.RiskScore > maxRiskScore {
		t.Errorf("risk score out of range: %v", v.RiskScore)
	}
}

func TestValidateDailyCap(t *testing.T) {
	g := testGate(t)
	for i := 0; i < 30; i++ {
		g.IncrementDaily()
	}
	v := g.Validate(proposal(), 50000, 10000, 0, 0.1)
	if v.Approved {
		t.Error("daily cap must reject")
	}
}

func TestValidateDailyResetOnDateChange(t *testing.T) {
	g := testGate(t)
	for i := 0; i < 30; i++ {
		g.IncrementDaily()
	}

	g.now = func() time.Time {
		return time.Date(2026, 3, 16, 0, 1, 0, 0, time.UTC)
	}
	if g.DailyCount() != 0 {
		t.Error("counter must reset on calendar date change")
	}
	if v := g.Validate(proposal(), 50000, 10000, 0, 0.1); !v.Approved {
		t.Errorf("next day proposal should pass, got %q", v.Reason)
	}
}

func TestValidateBadQuantity(t *testing.T) {
	g := testGate(t)

	req := proposal()
	req.Quantity = 0
	if v := g.Validate(req, 50000, 10000, 0, 0.1); v.Approved {
		t.Error("zero quantity must reject")
	}

	req.Quantity = math.NaN()
	if v := g.Validate(req, 50000, 10000, 0, 0.1); v.Approved {
		t.Error("NaN quantity must reject")
	}
}

func TestValidateBalanceFractionAdjusts(t *testing.T) {
	g := testGate(t)

	req := proposal()
	req.Quantity = 0.1 // notional 5000 > 30% of 10000
	v := g.Validate(req, 50000, 10000, 0, 0.1)

	if v.Approved {
		t.Error("oversized proposal must not be approved outright")
	}
	if v.Adjusted == nil {
		t.Fatal("oversized proposal must return an adjusted copy")
	}
	if diff := v.Adjusted.Quantity*50000 - 3000; math.Abs(diff) > 1e-6 {
		t.Errorf("adjusted notional = %v, want 3000", v.Adjusted.Quantity*50000)
	}

	// The adjusted proposal passes on retry.
	retry := g.Validate(*v.Adjusted, 50000, 10000, 0, 0.1)
	if !retry.Approved {
		t.Errorf("adjusted proposal should pass, got %q", retry.Reason)
	}
}

func TestValidateBalanceFractionBoundary(t *testing.T) {
	g := testGate(t)

	req := proposal()
	req.Quantity = 0.06 // notional exactly 3000 = 30% of 10000
	v := g.Validate(req, 50000, 10000, 0, 0.1)
	if !v.Approved {
		t.Errorf("exactly 30%% of balance should pass, got %q", v.Reason)
	}
	if v.Adjusted != nil {
		t.Error("boundary proposal must not be adjusted")
	}
}

func TestValidateLeverageCap(t *testing.T) {
	g := testGate(t)
	req := proposal()
	req.Leverage = 25
	if v := g.Validate(req, 50000, 10000, 0, 0.1); v.Approved {
		t.Error("leverage above cap must reject")
	}
}

func TestValidateMaxPositionSizeWithExposure(t *testing.T) {
	g := testGate(t)
	req := proposal() // notional 1000
	if v := g.Validate(req, 50000, 100000, 4500, 0.1); v.Approved {
		t.Error("notional + exposure above max position size must reject")
	}
	if v := g.Validate(req, 50000, 100000, 3000, 0.1); !v.Approved {
		t.Errorf("within max position size should pass, got %q", v.Reason)
	}
}

func TestValidateStopLossDistance(t *testing.T) {
	g := testGate(t)

	req := proposal()
	req.StopLoss = 49000 // 2% away, cap is 0.63%
	if v := g.Validate(req, 50000, 10000, 0, 0.1); v.Approved {
		t.Error("wide stop-loss must reject")
	}

	req.StopLoss = 49690 // 0.62% < 0.63% tolerance
	if v := g.Validate(req, 50000, 10000, 0, 0.1); !v.Approved {
		t.Errorf("stop within tolerance should pass, got %q", v.Reason)
	}

	req.StopLoss = 0 // no stop attached, check skipped
	if v := g.Validate(req, 50000, 10000, 0, 0.1); !v.Approved {
		t.Errorf("missing stop should not trip the distance check, got %q", v.Reason)
	}
}

func TestValidateRiskScoreRejects(t *testing.T) {
	g := testGate(t)

	req := proposal()
	req.Leverage = 20                            // leverage term 0.3
	v := g.Validate(req, 50000, 3400, 3400, 1.0) // saturated exposure and volatility terms
	if v.Approved {
		t.Errorf("high combined risk should reject, score=%v", v.RiskScore)
	}
	if v.RiskScore <= maxRiskScore {
		t.Errorf("risk score should exceed %v, got %v", maxRiskScore, v.RiskScore)
	}
}

func TestIncrementDailyConcurrent(t *testing.T) {
	g := testGate(t)
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 10; j++ {
				g.IncrementDaily()
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	if g.DailyCount() != 100 {
		t.Errorf("daily count = %d, want 100", g.DailyCount())
	}
}
