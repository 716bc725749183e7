package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpipeline/internal/ohlcv"
)

func risingSeries(n int, start time.Time) ohlcv.Series {
	s := make(ohlcv.Series, n)
	for i := range s {
		c := 10 + float64(i)
		s[i] = ohlcv.Bar{
			Time:   start.AddDate(0, 0, i),
			Open:   c - 0.5,
			High:   c + 1,
			Low:    c - 1,
			Close:  c,
			Volume: 1000,
		}
	}
	return s
}

func TestEnrich_AddsAllColumns(t *testing.T) {
	e := New(zerolog.Nop())
	table, err := e.Enrich(risingSeries(250, time.Date(2023, 1, 1, 0, 0, 0, 0, ohlcv.Location)))
	require.NoError(t, err)
	require.Len(t, table, 250)

	expected := []string{
		"ma_10", "ma_20", "ma_50", "ma_200", "ema_12", "ema_26",
		"rsi", "rsi_signal", "macd", "macd_signal", "macd_hist",
		"bb_middle", "bb_upper", "bb_lower", "bb_width", "bb_position",
		"atr", "close_std", "volatility_ratio",
		"vol_sma_10", "vol_sma_20", "volume_ratio", "obv", "volume_price_trend",
		"daily_return_pct", "daily_return_abs", "cumulative_return",
		"momentum_1m", "momentum_3m", "momentum_6m", "momentum_ytd",
		"dist_ma_10", "dist_ma_20", "dist_ma_50", "dist_ma_200",
		"time", "date", "open", "high", "low", "close", "volume",
	}
	for _, col := range expected {
		assert.Contains(t, table[249], col)
	}
}

func TestEnrich_Values(t *testing.T) {
	e := New(zerolog.Nop())
	table, err := e.Enrich(risingSeries(250, time.Date(2023, 1, 1, 0, 0, 0, 0, ohlcv.Location)))
	require.NoError(t, err)

	assert.True(t, math.IsNaN(table[8]["ma_10"].(float64)))
	assert.InDelta(t, 14.5, table[9]["ma_10"].(float64), 1e-9)
	assert.True(t, math.IsNaN(table[198]["ma_200"].(float64)))
	assert.False(t, math.IsNaN(table[199]["ma_200"].(float64)))

	assert.InDelta(t, 100.0, table[249]["rsi"].(float64), 1e-9)
	assert.Equal(t, "overbought", table[249]["rsi_signal"])
	assert.Equal(t, "neutral", table[0]["rsi_signal"])

	assert.InDelta(t, 1.0, table[1]["daily_return_abs"].(float64), 1e-9)
	assert.InDelta(t, 0.1, table[1]["daily_return_pct"].(float64), 1e-9)
	assert.InDelta(t, 1.0, table[10]["cumulative_return"].(float64), 1e-9)
	assert.InDelta(t, 21.0/10.0, table[21]["momentum_1m"].(float64), 1e-9)
	assert.True(t, math.IsNaN(table[20]["momentum_1m"].(float64)))

	assert.Equal(t, 0.0, table[0]["obv"])
	assert.Equal(t, 2000.0, table[2]["obv"])
	assert.InDelta(t, 1000.0, table[5]["volume_price_trend"].(float64), 1e-9)
	assert.InDelta(t, 1.0, table[30]["volume_ratio"].(float64), 1e-9)

	assert.True(t, math.IsNaN(table[19]["atr"].(float64)))
	assert.InDelta(t, 2.0, table[100]["atr"].(float64), 1e-9)
	assert.InDelta(t, math.Sqrt(35), table[19]["close_std"].(float64), 1e-9)

	pos := table[100]["bb_position"].(float64)
	assert.True(t, pos >= 0 && pos <= 1)
}

func TestEnrich_ShortSeriesDoesNotPanic(t *testing.T) {
	e := New(zerolog.Nop())

	table, err := e.Enrich(risingSeries(5, time.Date(2024, 3, 1, 0, 0, 0, 0, ohlcv.Location)))
	require.NoError(t, err)
	require.Len(t, table, 5)

	for _, col := range []string{"ma_10", "ema_12", "rsi", "macd", "bb_middle", "atr", "momentum_1m"} {
		assert.True(t, math.IsNaN(table[4][col].(float64)), col)
	}
	assert.InDelta(t, 1.0, table[4]["daily_return_abs"].(float64), 1e-9)
}

func TestEnrich_MomentumYTD(t *testing.T) {
	e := New(zerolog.Nop())
	e.now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, ohlcv.Location) }

	table, err := e.Enrich(risingSeries(5, time.Date(2023, 12, 30, 0, 0, 0, 0, ohlcv.Location)))
	require.NoError(t, err)

	assert.True(t, math.IsNaN(table[1]["momentum_ytd"].(float64)))
	assert.Equal(t, 0.0, table[2]["momentum_ytd"])
	assert.InDelta(t, 1.0/12.0, table[3]["momentum_ytd"].(float64), 1e-9)
}

func TestEnrich_Empty(t *testing.T) {
	_, err := New(zerolog.Nop()).Enrich(nil)
	assert.ErrorIs(t, err, ohlcv.ErrEmpty)
}
