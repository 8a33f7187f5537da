package bybit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(ClientConfig{APIKey: "k", APISecret: "s"}, zerolog.Nop())
	c.baseURL = srv.URL
	return c
}

// TestCandlesChronological verifies the newest-first venue payload is
// reversed to oldest-first.
func TestCandlesChronological(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/kline" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			["1700000600000","101","102","100","101.5","12"],
			["1700000300000","100","101","99","101","10"],
			["1700000000000","99","100","98","100","11"]
		]}}`))
	})

	candles, err := c.Candles(context.Background(), "BTCUSDT", "5", 3)
	if err != nil {
		t.Fatalf("Candles: %v", err)
	}
	if len(candles) != 3 {
		t.Fatalf("expected 3 candles, got %d", len(candles))
	}
	for i := 1; i < len(candles); i++ {
		if !candles[i].OpenTime.After(candles[i-1].OpenTime) {
			t.Errorf("candles not chronological at %d", i)
		}
	}
	if candles[0].Close != 100 || candles[2].Close != 101.5 {
		t.Errorf("unexpected close ordering: first=%v last=%v", candles[0].Close, candles[2].Close)
	}
	if candles[0].CloseTime.Sub(candles[0].OpenTime) != 5*time.Minute {
		t.Errorf("close time should be open time + interval")
	}
}

// TestPositionsDropsZeroSize verifies entries with size 0 are filtered.
func TestPositionsDropsZeroSize(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"BTCUSDT","side":"Buy","size":"0.5","avgPrice":"50000","markPrice":"50500","unrealisedPnl":"250","leverage":"10","updatedTime":"1700000000000"},
			{"symbol":"BTCUSDT","side":"Sell","size":"0","avgPrice":"0","markPrice":"50500","unrealisedPnl":"0","leverage":"10","updatedTime":"1700000000000"}
		]}}`))
	})

	positions, err := c.Positions(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	p := positions[0]
	if p.Side != SideBuy || p.Size != 0.5 {
		t.Errorf("unexpected position %+v", p)
	}
	// pnl_pct = 250 / (50000 * 0.5) * 100 = 1.0 (notional convention, not margin)
	if p.PnLPercent < 0.99 || p.PnLPercent > 1.01 {
		t.Errorf("expected pnl_pct ~1.0, got %v", p.PnLPercent)
	}
}

// TestBalanceFallbackAvailable verifies the 95%-of-total fallback when the
// venue omits the available balance field.
func TestBalanceFallbackAvailable(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"totalEquity":"10000","totalAvailableBalance":"","totalInitialMargin":"120"}
		]}}`))
	})

	bal, err := c.Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.Total != 10000 {
		t.Errorf("total = %v, want 10000", bal.Total)
	}
	if bal.Available != 9500 {
		t.Errorf("available = %v, want 9500 (95%% fallback)", bal.Available)
	}
}

// TestBenignRetCodeDemoted verifies "leverage not modified" is not an error.
func TestBenignRetCodeDemoted(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":110043,"retMsg":"leverage not modified","result":{}}`))
	})

	if err := c.SetLeverage(context.Background(), "BTCUSDT", 10); err != nil {
		t.Errorf("benign ret code should not error, got %v", err)
	}
}

// TestVenueErrorSurfaced verifies non-benign codes become errors.
func TestVenueErrorSurfaced(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":10001,"retMsg":"params error","result":{}}`))
	})

	if err := c.SetLeverage(context.Background(), "BTCUSDT", 10); err == nil {
		t.Error("expected error for ret code 10001")
	}
}

// TestCheckTPSLScansSince verifies only fills after the cutoff are reported.
func TestCheckTPSLScansSince(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"orderId":"2","symbol":"BTCUSDT","side":"Sell","qty":"0.5","avgPrice":"50570","orderStatus":"Filled","stopOrderType":"TakeProfit","createdTime":"1700001000000","updatedTime":"1700001000000"},
			{"orderId":"1","symbol":"BTCUSDT","side":"Sell","qty":"0.5","avgPrice":"49700","orderStatus":"Filled","stopOrderType":"StopLoss","createdTime":"1600000000000","updatedTime":"1600000000000"}
		]}}`))
	})

	status, err := c.CheckTPSL(context.Background(), "BTCUSDT", time.UnixMilli(1650000000000))
	if err != nil {
		t.Fatalf("CheckTPSL: %v", err)
	}
	if !status.TPExecuted {
		t.Error("TP fill after cutoff should be reported")
	}
	if status.SLExecuted {
		t.Error("SL fill before cutoff should not be reported")
	}
	if status.Price != 50570 {
		t.Errorf("price = %v, want 50570", status.Price)
	}
}

// TestSubmitOrderRejectsBadQty verifies non-positive quantities never reach
// the wire.
func TestSubmitOrderRejectsBadQty(t *testing.T) {
	called := false
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	_, err := c.SubmitOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 0})
	if err == nil {
		t.Error("expected error for zero quantity")
	}
	if called {
		t.Error("no HTTP request should be made for invalid quantity")
	}
}
