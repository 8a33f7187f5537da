// Package kalman implements a scalar local-level Kalman filter over close
// prices with volatility-adaptive noise parameters. The filter reseeds from
// the series on each Predict call so repeated calls over the same window are
// deterministic.
package kalman

import (
	"math"

	"bybit-trading-agent/internal/bybit"
	"bybit-trading-agent/internal/indicators"
)

const (
	// minCandles is the shortest series the filter will run on. Shorter
	// input gets the low-confidence fallback prediction.
	minCandles = 10
	// DefaultLookAhead is the forecast horizon in candles.
	DefaultLookAhead = 5
)

// Prediction is the filter output consumed by prompts and metrics.
type Prediction struct {
	PredictedPrice float64 `json:"predicted_price"`
	Confidence     float64 `json:"confidence"`
	Trend          string  `json:"trend"`
	Accuracy       float64 `json:"accuracy"`
	Timeframe      string  `json:"timeframe"`
}

// Filter holds the Kalman state {x, P, Q, R}. Q and R are recomputed from
// market conditions before each run unless pinned via SetParams.
type Filter struct {
	x float64
	p float64
	q float64
	r float64

	pinned   bool
	interval string
}

// New creates a filter for the given strategy interval label.
func New(interval string) *Filter {
	f := &Filter{interval: interval}
	f.Reset()
	return f
}

// Reset restores the default state and re-enables noise adaptation.
func (f *Filter) Reset() {
	f.x = 0
	f.p = 1
	f.q = 0.01
	f.r = 0.1
	f.pinned = false
}

// SetParams pins process and measurement noise, disabling adaptation.
func (f *Filter) SetParams(q, r float64) {
	f.q = q
	f.r = r
	f.pinned = true
}

// Predict runs the filter over the candle closes and extrapolates lookAhead
// candles forward. Series shorter than 10 candles return the neutral
// fallback.
func (f *Filter) Predict(candles []bybit.Candle, lookAhead int) Prediction {
	if lookAhead <= 0 {
		lookAhead = DefaultLookAhead
	}

	if len(candles) < minCandles {
		last := 0.0
		if len(candles) > 0 {
			last = candles[len(candles)-1].Close
		}
		return Prediction{
			PredictedPrice: last,
			Confidence:     0.1,
			Trend:          indicators.TrendNeutral,
			Accuracy:       0.1,
			Timeframe:      f.interval,
		}
	}

	closes := indicators.Closes(candles)
	if !f.pinned {
		f.adapt(closes, candles)
	}

	filtered := f.run(closes)
	last := filtered[len(filtered)-1]

	slope := olsSlope(tail(filtered, 5))
	predicted := last + slope*float64(lookAhead)

	return Prediction{
		PredictedPrice: predicted,
		Confidence:     confidence(closes, filtered),
		Trend:          trendLabel(olsSlope(tail(filtered, 3))),
		Accuracy:       directionAccuracy(closes, filtered),
		Timeframe:      f.interval,
	}
}

// adapt derives Q from return volatility and R from the volume trend.
func (f *Filter) adapt(closes []float64, candles []bybit.Candle) {
	vol := indicators.StdDev(indicators.Returns(closes))
	f.q = clip(vol*0.1, 0.001, 0.1)

	f.r = clip(0.1*(1+volumeTrend(candles)), 0.01, 1.0)
}

// run reseeds the state from the first sample and filters the whole series.
func (f *Filter) run(closes []float64) []float64 {
	f.x = closes[0]
	f.p = 1

	filtered := make([]float64, len(closes))
	for i, z := range closes {
		xPred := f.x
		pPred := f.p + f.q
		k := pPred / (pPred + f.r)
		f.x = xPred + k*(z-xPred)
		f.p = (1 - k) * pPred
		filtered[i] = f.x
	}
	return filtered
}

// volumeTrend compares the mean of the last 5 volumes against the mean of
// the whole window.
func volumeTrend(candles []bybit.Candle) float64 {
	total := 0.0
	for _, c := range candles {
		total += c.Volume
	}
	mean := total / float64(len(candles))
	if mean == 0 {
		return 0
	}

	n := 5
	if len(candles) < n {
		n = len(candles)
	}
	recent := 0.0
	for _, c := range candles[len(candles)-n:] {
		recent += c.Volume
	}
	return (recent/float64(n) - mean) / mean
}

// confidence maps the filter's RMSE relative to the price range into [0,1].
func confidence(observed, filtered []float64) float64 {
	mse := 0.0
	min, max := observed[0], observed[0]
	for i := range observed {
		d := filtered[i] - observed[i]
		mse += d * d
		if observed[i] < min {
			min = observed[i]
		}
		if observed[i] > max {
			max = observed[i]
		}
	}
	mse /= float64(len(observed))

	if max == min {
		return 1
	}
	return clip(1-math.Sqrt(mse)/(max-min), 0, 1)
}

// directionAccuracy is the fraction of adjacent pairs whose filtered delta
// sign matches the observed delta sign.
func directionAccuracy(observed, filtered []float64) float64 {
	if len(observed) < 2 {
		return 0
	}
	matches := 0
	for i := 1; i < len(observed); i++ {
		od := observed[i] - observed[i-1]
		fd := filtered[i] - filtered[i-1]
		if (od >= 0) == (fd >= 0) {
			matches++
		}
	}
	return float64(matches) / float64(len(observed)-1)
}

// olsSlope fits y = a + b*i by ordinary least squares and returns b.
func olsSlope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func trendLabel(slope float64) string {
	switch {
	case slope > 1e-3:
		return indicators.TrendBullish
	case slope < -1e-3:
		return indicators.TrendBearish
	default:
		return indicators.TrendNeutral
	}
}

func tail(values []float64, n int) []float64 {
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
