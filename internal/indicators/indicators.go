// Package indicators holds pure technical-analysis functions over candle
// slices. Every function returns a fixed-shape result with neutral sentinel
// values on short input and never panics on numeric edge cases.
package indicators

import (
	"math"

	"bybit-trading-agent/internal/bybit"
)

// periodsPerYear5m is the annualisation factor base for 5-minute candles.
const periodsPerYear5m = 365 * 24 * 12

// MACDResult holds the MACD line, signal line and histogram.
type MACDResult struct {
	Line      float64 `json:"line"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// BollingerResult holds the Bollinger band levels.
type BollingerResult struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// EMALadder holds the short/medium/long EMAs used by the entry prompt.
type EMALadder struct {
	E9  float64 `json:"ema9"`
	E21 float64 `json:"ema21"`
	E50 float64 `json:"ema50"`
}

// VolumeResult holds window volume statistics.
type VolumeResult struct {
	Average float64 `json:"average"`
	Current float64 `json:"current"`
	Ratio   float64 `json:"ratio"`
}

// Indicators is the composite snapshot computed once per tick.
type Indicators struct {
	RSI       float64         `json:"rsi"`
	MACD      MACDResult      `json:"macd"`
	Bollinger BollingerResult `json:"bollinger"`
	EMA       EMALadder       `json:"ema"`
	Volume    VolumeResult    `json:"volume"`
}

// Compute derives the full indicator snapshot from a candle window.
func Compute(candles []bybit.Candle) Indicators {
	closes := Closes(candles)
	return Indicators{
		RSI:       RSI(closes, 14),
		MACD:      MACD(closes, false),
		Bollinger: Bollinger(closes, 20, 2),
		EMA: EMALadder{
			E9:  EMA(closes, 9),
			E21: EMA(closes, 21),
			E50: EMA(closes, 50),
		},
		Volume: Volume(candles),
	}
}

// Closes extracts the close series.
func Closes(candles []bybit.Candle) []float64 {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return closes
}

// RSI computes the relative strength index over close-to-close differences.
// Returns the neutral 50 when fewer than period+1 closes are available, and
// 100 when no losses were observed.
func RSI(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50
	}

	gains, losses := 0.0, 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100
	}

	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACD computes EMA(12)-EMA(26) on closes. The default signal line is the
// 0.9x approximation kept for behavioural equivalence with recorded
// decisions; emaSignal enables the textbook EMA(9)-of-MACD signal instead.
func MACD(closes []float64, emaSignal bool) MACDResult {
	if len(closes) < 26 {
		return MACDResult{}
	}

	line := EMA(closes, 12) - EMA(closes, 26)

	var signal float64
	if emaSignal {
		series := macdSeries(closes)
		signal = EMA(series, 9)
	} else {
		signal = line * 0.9
	}

	return MACDResult{
		Line:      line,
		Signal:    signal,
		Histogram: line - signal,
	}
}

// macdSeries builds the MACD line history needed for the EMA-based signal.
func macdSeries(closes []float64) []float64 {
	series := make([]float64, 0, len(closes)-25)
	for i := 26; i <= len(closes); i++ {
		window := closes[:i]
		series = append(series, EMA(window, 12)-EMA(window, 26))
	}
	return series
}

// EMA computes an exponential moving average seeded at the first sample.
func EMA(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	k := 2.0 / float64(period+1)
	ema := values[0]
	for _, v := range values[1:] {
		ema = v*k + ema*(1-k)
	}
	return ema
}

// SMA computes a simple moving average over the last period values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// Bollinger computes SMA +/- k standard deviations over the last period
// closes.
func Bollinger(closes []float64, period int, k float64) BollingerResult {
	if len(closes) < period {
		last := 0.0
		if len(closes) > 0 {
			last = closes[len(closes)-1]
		}
		return BollingerResult{Upper: last, Middle: last, Lower: last}
	}

	middle := SMA(closes, period)
	variance := 0.0
	for _, v := range closes[len(closes)-period:] {
		d := v - middle
		variance += d * d
	}
	std := math.Sqrt(variance / float64(period))

	return BollingerResult{
		Upper:  middle + k*std,
		Middle: middle,
		Lower:  middle - k*std,
	}
}

// Volume summarises window volume: average, current (last candle) and their
// ratio.
func Volume(candles []bybit.Candle) VolumeResult {
	if len(candles) == 0 {
		return VolumeResult{Ratio: 1}
	}

	sum := 0.0
	for _, c := range candles {
		sum += c.Volume
	}
	avg := sum / float64(len(candles))
	current := candles[len(candles)-1].Volume

	ratio := 1.0
	if avg > 0 {
		ratio = current / avg
	}
	return VolumeResult{Average: avg, Current: current, Ratio: ratio}
}

// SupportResistance holds the levels found by the local-extremum scan.
type SupportResistance struct {
	Support            float64 `json:"support"`
	Resistance         float64 `json:"resistance"`
	SupportStrength    float64 `json:"support_strength"`
	ResistanceStrength float64 `json:"resistance_strength"`
}

// FindSupportResistance scans for local extrema with a +/-w window (w=5).
// Strength grows with the number of extrema found, capped at 1.
func FindSupportResistance(candles []bybit.Candle) SupportResistance {
	const w = 5
	if len(candles) < 2*w+1 {
		last := 0.0
		if len(candles) > 0 {
			last = candles[len(candles)-1].Close
		}
		return SupportResistance{Support: last, Resistance: last}
	}

	var maxima, minima []float64
	for i := w; i < len(candles)-w; i++ {
		isMax, isMin := true, true
		for j := i - w; j <= i+w; j++ {
			if j == i {
				continue
			}
			if candles[j].High >= candles[i].High {
				isMax = false
			}
			if candles[j].Low <= candles[i].Low {
				isMin = false
			}
		}
		if isMax {
			maxima = append(maxima, candles[i].High)
		}
		if isMin {
			minima = append(minima, candles[i].Low)
		}
	}

	sr := SupportResistance{}
	if len(maxima) > 0 {
		sr.Resistance = maxima[len(maxima)-1]
		sr.ResistanceStrength = math.Min(1, float64(len(maxima))*0.2)
	} else {
		sr.Resistance = highestHigh(candles)
	}
	if len(minima) > 0 {
		sr.Support = minima[len(minima)-1]
		sr.SupportStrength = math.Min(1, float64(len(minima))*0.2)
	} else {
		sr.Support = lowestLow(candles)
	}
	return sr
}

func highestHigh(candles []bybit.Candle) float64 {
	h := candles[0].High
	for _, c := range candles[1:] {
		if c.High > h {
			h = c.High
		}
	}
	return h
}

func lowestLow(candles []bybit.Candle) float64 {
	l := candles[0].Low
	for _, c := range candles[1:] {
		if c.Low < l {
			l = c.Low
		}
	}
	return l
}

// Returns computes simple returns of the close series.
func Returns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (closes[i]-closes[i-1])/closes[i-1])
	}
	return out
}

// StdDev computes the population standard deviation.
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(values)))
}

// AnnualizedVolatility computes stddev of simple returns over the last
// period closes, scaled to a year of 5-minute candles.
func AnnualizedVolatility(closes []float64, period int) float64 {
	if len(closes) < 2 {
		return 0
	}
	if period > 0 && len(closes) > period+1 {
		closes = closes[len(closes)-period-1:]
	}
	vol := StdDev(Returns(closes))
	if math.IsNaN(vol) {
		return 0
	}
	return vol * math.Sqrt(periodsPerYear5m)
}
