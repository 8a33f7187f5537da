package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/indicators"
	"bybit-trading-agent/internal/kalman"
)

func ollamaStub(t *testing.T, reply string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"model":"test","response":` + jsonQuote(reply) + `,"done":true}`))
	}))
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{Host: srv.URL, Model: "test", Timeout: 5 * time.Second})
}

func jsonQuote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}

func TestAnalyzeEntryRoundTrip(t *testing.T) {
	client := ollamaStub(t, `{"decision":"SELL","confidence":0.8,"reasoning":"weak","suggested_leverage":6,"risk_level":"medium","market_sentiment":"bearish"}`)
	a := NewAnalyzer(client, zerolog.Nop())

	v := a.AnalyzeEntry(context.Background(), "BTCUSDT", &bybit.MarketData{Price: 50000}, indicators.Indicators{RSI: 75}, kalman.Prediction{Trend: "bearish"}, "")
	if v.Decision != DecisionSell || v.Confidence != 0.8 {
		t.Errorf("unexpected verdict %+v", v)
	}
}

func TestAnalyzeEntryTransportFailureHolds(t *testing.T) {
	client := NewClient(ClientConfig{Host: "http://127.0.0.1:1", Model: "test", Timeout: time.Second})
	a := NewAnalyzer(client, zerolog.Nop())

	v := a.AnalyzeEntry(context.Background(), "BTCUSDT", nil, indicators.Indicators{}, kalman.Prediction{}, "")
	if v.Decision != DecisionHold || v.Confidence != 0.1 {
		t.Errorf("transport failure should yield conservative HOLD/0.1, got %+v", v)
	}
}

func TestAnalyzePositionRoundTrip(t *testing.T) {
	client := ollamaStub(t, `{"action":"CLOSE_25","confidence":0.6,"reasoning":"early warning","risk_level":"medium"}`)
	a := NewAnalyzer(client, zerolog.Nop())

	pos := bybit.Position{Symbol: "BTCUSDT", Side: bybit.SideBuy, EntryPrice: 50000, CurrentPrice: 50200, Size: 0.5, Leverage: 10}
	v := a.AnalyzePosition(context.Background(), pos, nil, indicators.Indicators{}, kalman.Prediction{}, 0.5)
	if v.Action != ActionClose25 || v.Confidence != 0.6 {
		t.Errorf("unexpected verdict %+v", v)
	}
}

func TestAnalyzeDeadlineHolds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"response":"{\"decision\":\"BUY\",\"confidence\":0.9}","done":true}`))
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{Host: srv.URL, Model: "test", Timeout: 5 * time.Second})
	a := NewAnalyzer(client, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	v := a.AnalyzeEntry(ctx, "BTCUSDT", nil, indicators.Indicators{}, kalman.Prediction{}, "")
	if v.Decision != DecisionHold || v.Confidence != 0.1 {
		t.Errorf("deadline should yield conservative HOLD/0.1, got %+v", v)
	}
}

func TestPromptSymmetry(t *testing.T) {
	prompt := BuildEntryPrompt("BTCUSDT", &bybit.MarketData{Price: 50000}, indicators.Indicators{RSI: 25}, kalman.Prediction{Trend: "bullish"}, "")

	if !strings.Contains(prompt, "SELL when:") || !strings.Contains(prompt, "BUY when:") {
		t.Error("prompt must carry explicit rules for both directions")
	}
	if !strings.Contains(prompt, "Do not favor long entries") {
		t.Error("prompt must state the no-long-bias rule")
	}
	if !strings.Contains(prompt, "OVERSOLD") {
		t.Error("RSI 25 should be tagged OVERSOLD")
	}
}

func TestPositionPromptReversalSignals(t *testing.T) {
	pos := bybit.Position{Symbol: "BTCUSDT", Side: bybit.SideBuy, EntryPrice: 50000, CurrentPrice: 50500}
	ind := indicators.Indicators{RSI: 78, MACD: indicators.MACDResult{Histogram: -0.5}}
	prompt := BuildPositionPrompt(pos, nil, ind, kalman.Prediction{Trend: "bearish"}, 1.2)

	for _, want := range []string{"overbought", "MACD histogram turned negative", "Kalman trend flipped bearish", "CLOSE_25", "CLOSE_50", "CLOSE_100"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("position prompt missing %q", want)
		}
	}
}
