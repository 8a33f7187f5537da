// Package metrics exposes the agent's operational state in Prometheus
// exposition format, served over a small gin endpoint next to a health
// probe.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "trading"

// Metrics bundles every collector the agent reports into.
type Metrics struct {
	Registry *prometheus.Registry

	RealisedPnL   prometheus.Gauge
	UnrealisedPnL prometheus.Gauge
	Balance       prometheus.Gauge

	TradesTotal *prometheus.CounterVec
	WinRate     prometheus.Gauge

	OpenPositions  prometheus.Gauge
	PositionPnLPct prometheus.Gauge

	AIConfidence     prometheus.Gauge
	KalmanConfidence prometheus.Gauge
	RSI              prometheus.Gauge
	MACDLine         prometheus.Gauge
	MACDSignal       prometheus.Gauge
	MACDHistogram    prometheus.Gauge

	VenueUp prometheus.Gauge
	ModelUp prometheus.Gauge

	Errors prometheus.Counter

	AnalysisDuration  prometheus.Histogram
	ExecutionDuration prometheus.Histogram
}

// New creates and registers all collectors on a fresh registry. The symbol
// rides along as a constant label so multi-symbol deployments can be
// aggregated.
func New(symbol string) *Metrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"symbol": symbol}

	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: constLabels,
		})
		registry.MustRegister(g)
		return g
	}

	m := &Metrics{
		Registry:      registry,
		RealisedPnL:   gauge("realised_pnl", "Cumulative realised PnL in quote currency."),
		UnrealisedPnL: gauge("unrealised_pnl", "Unrealised PnL of the open position."),
		Balance:       gauge("balance_total", "Total wallet balance in quote currency."),

		WinRate: gauge("win_rate", "Fraction of closed trades that were wins."),

		OpenPositions:  gauge("open_positions", "Number of open positions."),
		PositionPnLPct: gauge("position_pnl_pct", "Open position PnL as percent of notional."),

		AIConfidence:     gauge("ai_confidence", "Confidence of the latest reasoning verdict."),
		KalmanConfidence: gauge("kalman_confidence", "Confidence of the latest Kalman prediction."),
		RSI:              gauge("rsi", "Latest RSI(14) reading."),
		MACDLine:         gauge("macd_line", "Latest MACD line."),
		MACDSignal:       gauge("macd_signal", "Latest MACD signal line."),
		MACDHistogram:    gauge("macd_histogram", "Latest MACD histogram."),

		VenueUp: gauge("venue_up", "1 when the venue health probe succeeds."),
		ModelUp: gauge("model_up", "1 when the reasoning engine health probe succeeds."),
	}

	m.TradesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "trades_total",
		Help: "Closed trades by result.", ConstLabels: constLabels,
	}, []string{"result"})
	registry.MustRegister(m.TradesTotal)

	m.Errors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "errors_total",
		Help: "Errors observed by the control loop.", ConstLabels: constLabels,
	})
	registry.MustRegister(m.Errors)

	m.AnalysisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "analysis_duration_seconds",
		Help:        "Duration of the per-tick analysis step.",
		ConstLabels: constLabels,
		Buckets:     []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
	registry.MustRegister(m.AnalysisDuration)

	m.ExecutionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "execution_duration_seconds",
		Help:        "Duration of order submission round trips.",
		ConstLabels: constLabels,
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
	registry.MustRegister(m.ExecutionDuration)

	return m
}

// SetHealth records both upstream health bits.
func (m *Metrics) SetHealth(venueUp, modelUp bool) {
	m.VenueUp.Set(boolGauge(venueUp))
	m.ModelUp.Set(boolGauge(modelUp))
}

func boolGauge(up bool) float64 {
	if up {
		return 1
	}
	return 0
}
