// Package indicators computes the full named technical indicator set from
// an ordered OHLCV history, on top of markcheno/go-talib: a thin Go wrapper
// per indicator, returning *float64 so "insufficient_data" is representable
// as nil rather than a zero value. Where talib has no equivalent (VWAP, VPT,
// pivots, swing highs/lows, 52-week extremes) the engine computes them
// directly, applying the same null/clipping discipline.
package indicators

import (
	"math"

	"github.com/markcheno/go-talib"

	"github.com/quantdesk/marketpipe/internal/domain"
)

// MinHistoryBars is the floor below which every indicator is emitted as
// insufficient_data.
const MinHistoryBars = 100

// TargetHistoryBars is the preferred depth; more bars improve the accuracy
// of long-window indicators (EMA200, 52-week extremes) but are not required.
const TargetHistoryBars = 200

// Engine computes Indicators for one ticker's price history.
type Engine struct{}

func New() *Engine { return &Engine{} }

// Compute returns the indicator set for bars, which must be ordered oldest
// first (most recent last), matching talib's convention. If len(bars) <
// MinHistoryBars, every field is nil except BarCount.
func (e *Engine) Compute(bars []domain.OHLCV) domain.Indicators {
	out := domain.Indicators{BarCount: len(bars)}
	if len(bars) < MinHistoryBars {
		return out
	}

	closes := extract(bars, func(b domain.OHLCV) float64 { return b.Close })
	highs := extract(bars, func(b domain.OHLCV) float64 { return b.High })
	lows := extract(bars, func(b domain.OHLCV) float64 { return b.Low })
	volumes := extract(bars, func(b domain.OHLCV) float64 { return float64(b.Volume) })

	out.EMA20 = lastOf(talib.Ema(closes, 20))
	out.EMA50 = lastOf(talib.Ema(closes, 50))
	out.EMA100 = lastOf(talib.Ema(closes, 100))
	out.EMA200 = lastOf(talib.Ema(closes, 200))

	out.RSI14 = clipPtr(lastOf(talib.Rsi(closes, 14)), 0, 100)

	macd, signal, hist := talib.Macd(closes, 12, 26, 9)
	out.MACD = lastOf(macd)
	out.MACDSignal = lastOf(signal)
	out.MACDHist = lastOf(hist)

	upper, middle, lower := talib.BBands(closes, 20, 2, 2, talib.SMA)
	out.BollingerUpper = lastOf(upper)
	out.BollingerMiddle = lastOf(middle)
	out.BollingerLower = lastOf(lower)
	out.BollingerPctB = bollingerPctB(lastVal(closes), lastOf(upper), lastOf(lower))

	out.ATR14 = lastOf(talib.Atr(highs, lows, closes, 14))

	out.ADX14 = clipPtr(lastOf(talib.Adx(highs, lows, closes, 14)), 0, 100)
	out.PlusDI = clipPtr(lastOf(talib.PlusDI(highs, lows, closes, 14)), 0, 100)
	out.MinusDI = clipPtr(lastOf(talib.MinusDI(highs, lows, closes, 14)), 0, 100)

	out.CCI20 = clipPtr(lastOf(talib.Cci(highs, lows, closes, 20)), -300, 300)

	stochK, stochD := talib.Stoch(highs, lows, closes, 14, 3, talib.SMA, 3, talib.SMA)
	out.StochK = clipPtr(lastOf(stochK), 0, 100)
	out.StochD = clipPtr(lastOf(stochD), 0, 100)

	out.VWAP = vwap(bars)
	out.OBV = obv(closes, volumes)
	out.VPT = vpt(closes, volumes)

	pivot, s1, s2, r1, r2 := pivotPoints(bars[len(bars)-1])
	out.PivotPoint = &pivot
	out.Support1 = &s1
	out.Support2 = &s2
	out.Resistance1 = &r1
	out.Resistance2 = &r2

	out.SwingHigh5, out.SwingLow5 = swingExtremes(bars, 5)
	out.SwingHigh10, out.SwingLow10 = swingExtremes(bars, 10)
	out.SwingHigh20, out.SwingLow20 = swingExtremes(bars, 20)

	out.High52Week, out.Low52Week = yearExtremes(bars)

	return out
}

func extract(bars []domain.OHLCV, f func(domain.OHLCV) float64) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = f(b)
	}
	return out
}

// lastOf returns a pointer to the series' final value, or nil if the series
// is empty or that value is NaN/Inf (talib pads its lookback period with NaN
// at the head rather than truncating the slice, so only the tail needs
// checking).
func lastOf(series []float64) *float64 {
	if len(series) == 0 {
		return nil
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func lastVal(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

func clipPtr(v *float64, min, max float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	if c < min {
		c = min
	}
	if c > max {
		c = max
	}
	return &c
}

func bollingerPctB(price float64, upper, lower *float64) *float64 {
	if upper == nil || lower == nil {
		return nil
	}
	width := *upper - *lower
	if math.Abs(width) < 1e-9 {
		return nil
	}
	v := (price - *lower) / width
	return &v
}

// vwap computes the volume-weighted average price over the full window
// supplied (the caller decides the window by slicing bars before calling
// Compute for an intraday VWAP; for the daily pipeline this is the
// volume-weighted average of the whole retained history).
func vwap(bars []domain.OHLCV) *float64 {
	var pv, v float64
	for _, b := range bars {
		typical := (b.High + b.Low + b.Close) / 3
		pv += typical * float64(b.Volume)
		v += float64(b.Volume)
	}
	if v < 1e-9 {
		return nil
	}
	result := pv / v
	return &result
}

// obv is a running on-balance-volume total; it uses float64 rather than
// int64 so large cumulative magnitudes (years of volume) don't overflow.
func obv(closes, volumes []float64) *float64 {
	if len(closes) == 0 {
		return nil
	}
	total := 0.0
	for i := 1; i < len(closes); i++ {
		switch {
		case closes[i] > closes[i-1]:
			total += volumes[i]
		case closes[i] < closes[i-1]:
			total -= volumes[i]
		}
	}
	return &total
}

// vpt is the volume-price trend: a running sum of volume scaled by the
// period's percentage price change.
func vpt(closes, volumes []float64) *float64 {
	if len(closes) < 2 {
		return nil
	}
	total := 0.0
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		total += volumes[i] * (closes[i] - closes[i-1]) / closes[i-1]
	}
	return &total
}

// pivotPoints computes the classic floor-trader pivot and two support/
// resistance bands from the most recent completed bar.
func pivotPoints(last domain.OHLCV) (pivot, s1, s2, r1, r2 float64) {
	pivot = (last.High + last.Low + last.Close) / 3
	s1 = 2*pivot - last.High
	r1 = 2*pivot - last.Low
	s2 = pivot - (last.High - last.Low)
	r2 = pivot + (last.High - last.Low)
	return
}

// swingExtremes returns the highest high and lowest low over the trailing
// window bars, or nil if there aren't enough bars.
func swingExtremes(bars []domain.OHLCV, window int) (*float64, *float64) {
	if len(bars) < window {
		return nil, nil
	}
	slice := bars[len(bars)-window:]
	high := slice[0].High
	low := slice[0].Low
	for _, b := range slice[1:] {
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
	}
	return &high, &low
}

// yearExtremes returns the 52-week high/low over up to 252 trading bars.
func yearExtremes(bars []domain.OHLCV) (*float64, *float64) {
	window := 252
	if len(bars) < window {
		window = len(bars)
	}
	if window == 0 {
		return nil, nil
	}
	return swingExtremes(bars, window)
}
