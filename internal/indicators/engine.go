// Package indicators adds technical-analysis columns to cleaned price series.
package indicators

import (
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"marketpipeline/internal/ohlcv"
	"marketpipeline/internal/task"
)

// Periods and thresholds used by Enrich.
var (
	MovingAveragePeriods = []int{10, 20, 50, 200}
	EMAPeriods           = []int{12, 26}
)

const (
	rsiPeriod        = 14
	rsiOverbought    = 70
	rsiOversold      = 30
	macdFast         = 12
	macdSlow         = 26
	macdSignal       = 9
	bollingerPeriod  = 20
	bollingerStdDevs = 2.0
	volatilityPeriod = 20
)

var momentumHorizons = []struct {
	column   string
	lookback int
}{
	{"momentum_1m", 21},
	{"momentum_3m", 63},
	{"momentum_6m", 126},
}

// Engine computes indicator columns. It has no side effects besides logging.
type Engine struct {
	log zerolog.Logger
	now func() time.Time
}

// New creates an indicator engine.
func New(log zerolog.Logger) *Engine {
	return &Engine{
		log: log.With().Str("component", "indicators").Logger(),
		now: time.Now,
	}
}

// Enrich returns the series as a table with indicator columns appended.
// Values that need more history than is available are NaN.
func (e *Engine) Enrich(s ohlcv.Series) (task.Table, error) {
	if len(s) == 0 {
		return nil, ohlcv.ErrEmpty
	}

	closes := s.Closes()
	cols := make(map[string][]float64)

	for _, p := range MovingAveragePeriods {
		name := fmt.Sprintf("ma_%d", p)
		if len(closes) < p {
			e.log.Warn().Int("rows", len(closes)).Int("period", p).Msgf("not enough rows to compute %s", name)
		}
		cols[name] = sma(closes, p)
	}
	for _, p := range EMAPeriods {
		cols[fmt.Sprintf("ema_%d", p)] = ema(closes, p)
	}

	cols["rsi"] = rsi(closes, rsiPeriod)
	cols["macd"], cols["macd_signal"], cols["macd_hist"] = macd(closes)
	e.addBollinger(cols, closes)
	e.addVolatility(cols, s)
	addVolume(cols, s)
	e.addPriceChanges(cols, s)

	table := s.Table()
	for i, row := range table {
		for name, values := range cols {
			row[name] = values[i]
		}
		row["rsi_signal"] = rsiSignal(cols["rsi"][i])
	}
	return table, nil
}

func (e *Engine) addBollinger(cols map[string][]float64, closes []float64) {
	if len(closes) < bollingerPeriod {
		e.log.Warn().Int("rows", len(closes)).Int("period", bollingerPeriod).Msg("not enough rows to compute Bollinger bands")
	}
	middle := sma(closes, bollingerPeriod)
	dev := rollingStd(closes, bollingerPeriod)

	n := len(closes)
	upper, lower := make([]float64, n), make([]float64, n)
	width, position := make([]float64, n), make([]float64, n)
	for i := range closes {
		upper[i] = middle[i] + bollingerStdDevs*dev[i]
		lower[i] = middle[i] - bollingerStdDevs*dev[i]
		width[i] = safeDiv(upper[i]-lower[i], middle[i])
		position[i] = clip(safeDiv(closes[i]-lower[i], upper[i]-lower[i]), 0, 1)
	}
	cols["bb_middle"] = middle
	cols["bb_upper"] = upper
	cols["bb_lower"] = lower
	cols["bb_width"] = width
	cols["bb_position"] = position
}

func (e *Engine) addVolatility(cols map[string][]float64, s ohlcv.Series) {
	closes := s.Closes()
	n := len(closes)

	atr := nanSlice(n)
	if n > volatilityPeriod {
		atr = mask(talib.Atr(s.Highs(), s.Lows(), closes, volatilityPeriod), volatilityPeriod)
	}
	ratio := make([]float64, n)
	for i := range closes {
		ratio[i] = safeDiv(atr[i], closes[i])
	}
	cols["atr"] = atr
	cols["close_std"] = rollingStd(closes, volatilityPeriod)
	cols["volatility_ratio"] = ratio
}

func addVolume(cols map[string][]float64, s ohlcv.Series) {
	closes, volumes := s.Closes(), s.Volumes()
	n := len(closes)

	volSMA20 := sma(volumes, 20)
	ratio := make([]float64, n)
	vpt := make([]float64, n)
	obv := talib.Obv(closes, volumes)
	for i := range volumes {
		ratio[i] = safeDiv(volumes[i], volSMA20[i])
		// OBV starts from zero on the first bar.
		obv[i] -= volumes[0]
		if i == 0 {
			vpt[i] = math.NaN()
			continue
		}
		vpt[i] = volumes[i] * (closes[i] - closes[i-1])
	}
	cols["vol_sma_10"] = sma(volumes, 10)
	cols["vol_sma_20"] = volSMA20
	cols["volume_ratio"] = ratio
	cols["obv"] = obv
	cols["volume_price_trend"] = vpt
}

func (e *Engine) addPriceChanges(cols map[string][]float64, s ohlcv.Series) {
	closes := s.Closes()
	n := len(closes)

	pct, abs, cum := nanSlice(n), nanSlice(n), nanSlice(n)
	for i := 1; i < n; i++ {
		pct[i] = safeDiv(closes[i]-closes[i-1], closes[i-1])
		abs[i] = closes[i] - closes[i-1]
		cum[i] = closes[i]/closes[0] - 1
	}
	cols["daily_return_pct"] = pct
	cols["daily_return_abs"] = abs
	cols["cumulative_return"] = cum

	for _, h := range momentumHorizons {
		m := nanSlice(n)
		if n < h.lookback {
			e.log.Warn().Int("rows", n).Int("lookback", h.lookback).Msgf("not enough rows to compute %s", h.column)
		} else {
			for i := h.lookback; i < n; i++ {
				m[i] = closes[i]/closes[i-h.lookback] - 1
			}
		}
		cols[h.column] = m
	}

	ytd := nanSlice(n)
	year := e.now().In(ohlcv.Location).Year()
	first := math.NaN()
	for i, b := range s {
		if b.Time.In(ohlcv.Location).Year() != year {
			continue
		}
		if math.IsNaN(first) {
			first = b.Close
		}
		ytd[i] = b.Close/first - 1
	}
	cols["momentum_ytd"] = ytd

	for _, p := range MovingAveragePeriods {
		ma := cols[fmt.Sprintf("ma_%d", p)]
		dist := make([]float64, n)
		for i := range closes {
			dist[i] = safeDiv(closes[i]-ma[i], ma[i])
		}
		cols[fmt.Sprintf("dist_ma_%d", p)] = dist
	}
}

func rsiSignal(v float64) string {
	switch {
	case v > rsiOverbought:
		return "overbought"
	case v < rsiOversold:
		return "oversold"
	default:
		return "neutral"
	}
}

func sma(x []float64, period int) []float64 {
	if len(x) < period {
		return nanSlice(len(x))
	}
	return mask(talib.Sma(x, period), period-1)
}

func ema(x []float64, period int) []float64 {
	if len(x) < period {
		return nanSlice(len(x))
	}
	return mask(talib.Ema(x, period), period-1)
}

func rsi(x []float64, period int) []float64 {
	if len(x) <= period {
		return nanSlice(len(x))
	}
	return mask(talib.Rsi(x, period), period)
}

func macd(x []float64) ([]float64, []float64, []float64) {
	lookback := macdSlow - 1 + macdSignal - 1
	if len(x) <= lookback {
		return nanSlice(len(x)), nanSlice(len(x)), nanSlice(len(x))
	}
	line, signal, hist := talib.Macd(x, macdFast, macdSlow, macdSignal)
	return mask(line, lookback), mask(signal, lookback), mask(hist, lookback)
}

// rollingStd is the sample standard deviation over a trailing window.
func rollingStd(x []float64, window int) []float64 {
	out := nanSlice(len(x))
	for i := window - 1; i < len(x); i++ {
		out[i] = stat.StdDev(x[i-window+1:i+1], nil)
	}
	return out
}

// mask sets the first n values to NaN.
func mask(x []float64, n int) []float64 {
	for i := 0; i < n && i < len(x); i++ {
		x[i] = math.NaN()
	}
	return x
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func safeDiv(a, b float64) float64 {
	if b == 0 || math.IsNaN(b) {
		return math.NaN()
	}
	return a / b
}

func clip(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	return math.Max(lo, math.Min(hi, v))
}
