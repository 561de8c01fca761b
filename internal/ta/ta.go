package ta

import "math"

func SMA(closes []float64, n int) float64 {
	if len(closes) < n || n <= 0 {
		return math.NaN()
	}
	sum := 0.0
	for i := len(closes) - n; i < len(closes); i++ {
		sum += closes[i]
	}
	return sum / float64(n)
}
func RSI(closes []float64, period int) float64 {
	if len(closes) < period+1 || period <= 0 {
		return math.NaN()
	}
	gain, loss := 0.0, 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	if loss == 0 {
		return 100.0
	}
	rs := (gain / float64(period)) / (loss / float64(period))
	return 100.0 - (100.0 / (1.0 + rs))
}
func StdDev(vals []float64, n int) float64 {
	if len(vals) < n || n <= 0 {
		return math.NaN()
	}
	m := SMA(vals, n)
	s := 0.0
	for i := len(vals) - n; i < len(vals); i++ {
		d := vals[i] - m
		s += d * d
	}
	return math.Sqrt(s / float64(n))
}
func Bollinger(closes []float64, n int, k float64) (mid, up, low float64) {
	mid = SMA(closes, n)
	sd := StdDev(closes, n)
	up = mid + k*sd
	low = mid - k*sd
	return
}
func ATR(highs, lows, closes []float64, period int) float64 {
	if len(highs) != len(lows) || len(lows) != len(closes) {
		return math.NaN()
	}
	n := period
	if len(closes) < n+1 {
		return math.NaN()
	}
	trs := make([]float64, 0, n)
	for i := len(closes) - n; i < len(closes); i++ {
		tr1 := highs[i] - lows[i]
		tr2 := math.Abs(highs[i] - closes[i-1])
		tr3 := math.Abs(lows[i] - closes[i-1])
		tr := math.Max(tr1, math.Max(tr2, tr3))
		trs = append(trs, tr)
	}
	sum := 0.0
	for _, v := range trs {
		sum += v
	}
	return sum / float64(n)
}

// EMASeries returns the exponential moving average for every bar, seeded with the first SMA.
// Entries before the seed are NaN.
func EMASeries(vals []float64, n int) []float64 {
	out := make([]float64, len(vals))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(vals) < n || n <= 0 {
		return out
	}
	k := 2.0 / float64(n+1)
	seed := 0.0
	for i := 0; i < n; i++ {
		seed += vals[i]
	}
	out[n-1] = seed / float64(n)
	for i := n; i < len(vals); i++ {
		out[i] = vals[i]*k + out[i-1]*(1-k)
	}
	return out
}
func EMA(vals []float64, n int) float64 {
	s := EMASeries(vals, n)
	if len(s) == 0 {
		return math.NaN()
	}
	return s[len(s)-1]
}

// MACD returns the latest MACD line (fast EMA - slow EMA) and its signal EMA.
func MACD(closes []float64, fast, slow, signal int) (macd, sig float64) {
	if fast <= 0 || slow <= fast || signal <= 0 || len(closes) < slow+signal {
		return math.NaN(), math.NaN()
	}
	f := EMASeries(closes, fast)
	s := EMASeries(closes, slow)
	line := make([]float64, 0, len(closes)-slow+1)
	for i := slow - 1; i < len(closes); i++ {
		line = append(line, f[i]-s[i])
	}
	return line[len(line)-1], EMA(line, signal)
}

// Engulfing returns +1 for a bullish engulfing last bar, -1 for bearish, 0 otherwise.
func Engulfing(opens, closes []float64) float64 {
	n := len(closes)
	if n < 2 || len(opens) != n {
		return 0
	}
	po, pc := opens[n-2], closes[n-2]
	o, c := opens[n-1], closes[n-1]
	switch {
	case pc < po && c > o && o <= pc && c >= po:
		return 1
	case pc > po && c < o && o >= pc && c <= po:
		return -1
	}
	return 0
}
