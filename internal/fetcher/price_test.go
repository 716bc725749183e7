package fetcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpipeline/internal/retry"
	"marketpipeline/internal/task"
	"marketpipeline/internal/testutil"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 1}
}

func historyTask(symbol string) task.ExtractionTask {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return task.New("price_extractor-"+symbol+"-0000", symbol, task.DataTypeOHLCV, start, start.AddDate(0, 1, 0), "1D", nil)
}

func TestPriceExtractor_Extract(t *testing.T) {
	provider := &testutil.MockProvider{
		FetchHistoryFunc: func(ctx context.Context, symbol string, start, end time.Time, resolution string) (task.Table, error) {
			rows := testutil.SampleHistory(start, 5)
			rows = append(rows, task.Row{"time": rows[4]["time"], "open": 99.0, "high": 100.0, "low": 98.0, "close": 99.5, "volume": 10.0})
			return rows, nil
		},
	}
	p := NewPriceExtractor(provider, PriceOptions{Retry: fastPolicy(), Logger: zerolog.Nop()})

	data, err := p.Extract(context.Background(), historyTask("VNM"))
	require.NoError(t, err)
	require.Len(t, data, 5)
	assert.Equal(t, 99.5, data[4]["close"])
	assert.Equal(t, "price_extractor", p.Name())
}

func TestPriceExtractor_RetriesThenSucceeds(t *testing.T) {
	attempts := 0
	provider := &testutil.MockProvider{
		FetchHistoryFunc: func(ctx context.Context, symbol string, start, end time.Time, resolution string) (task.Table, error) {
			attempts++
			if attempts < 3 {
				return nil, nil
			}
			return testutil.SampleHistory(start, 3), nil
		},
	}
	p := NewPriceExtractor(provider, PriceOptions{Retry: fastPolicy(), Logger: zerolog.Nop()})

	data, err := p.Extract(context.Background(), historyTask("FPT"))
	require.NoError(t, err)
	assert.Len(t, data, 3)
	assert.Equal(t, 3, attempts)
}

func TestPriceExtractor_ExhaustedRetries(t *testing.T) {
	provider := &testutil.MockProvider{
		FetchHistoryFunc: func(ctx context.Context, symbol string, start, end time.Time, resolution string) (task.Table, error) {
			return nil, NewServerError(503)
		},
	}
	p := NewPriceExtractor(provider, PriceOptions{Retry: fastPolicy(), Logger: zerolog.Nop()})

	res := Execute(context.Background(), p, historyTask("HPG"))

	assert.False(t, res.Success)
	assert.Equal(t, 0, res.RowCount)
	assert.Contains(t, res.Error, "status 503")
	assert.Len(t, provider.HistoryCalls(), 3)
}

func TestPriceExtractor_Validation(t *testing.T) {
	p := NewPriceExtractor(&testutil.MockProvider{}, PriceOptions{Retry: fastPolicy(), Logger: zerolog.Nop()})

	noDates := task.New("id", "VNM", task.DataTypeOHLCV, time.Time{}, time.Time{}, "1D", nil)
	_, err := p.Extract(context.Background(), noDates)
	assert.ErrorIs(t, err, ErrMissingDateRange)

	bad := historyTask("VNM")
	bad.DataType = "fundamentals"
	_, err = p.Extract(context.Background(), bad)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrorTypeValidation, fe.Type)
}

func TestPriceExtractor_MissingColumns(t *testing.T) {
	provider := &testutil.MockProvider{
		FetchHistoryFunc: func(ctx context.Context, symbol string, start, end time.Time, resolution string) (task.Table, error) {
			return task.Table{{"time": "2024-01-02", "close": 1.0}}, nil
		},
	}
	p := NewPriceExtractor(provider, PriceOptions{Retry: fastPolicy(), Logger: zerolog.Nop()})

	_, err := p.Extract(context.Background(), historyTask("VNM"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required columns")
	assert.Len(t, provider.HistoryCalls(), 1, "cleaning errors are not retried")
}

func TestPriceExtractor_Realtime(t *testing.T) {
	calls := 0
	provider := &testutil.MockProvider{
		FetchQuoteFunc: func(ctx context.Context, symbol string) (task.Row, error) {
			calls++
			switch symbol {
			case "BAD":
				return nil, errors.New("unknown symbol")
			case "NIL":
				return nil, nil
			}
			return task.Row{"Price": 10.5, "Volume": 100, "Time": "2024-01-02T02:00:00Z"}, nil
		},
	}
	p := NewPriceExtractor(provider, PriceOptions{Quotes: provider, Logger: zerolog.Nop()})

	board, err := p.Realtime(context.Background(), []string{"VNM", "BAD", "NIL", "MWG"})
	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(t, "VNM", board[0]["symbol"])
	assert.Equal(t, 10.5, board[0]["price"])
	assert.IsType(t, time.Time{}, board[0]["time"])
	assert.Equal(t, 4, calls)

	again, err := p.Realtime(context.Background(), []string{"MWG", "NIL", "BAD", "VNM"})
	require.NoError(t, err)
	assert.Len(t, again, 2)
	assert.Equal(t, 4, calls, "second call served from cache")
}

func TestPriceExtractor_RealtimeLimit(t *testing.T) {
	provider := &testutil.MockProvider{}
	p := NewPriceExtractor(provider, PriceOptions{Quotes: provider, Logger: zerolog.Nop()})

	symbols := make([]string, MaxRealtimeSymbols+1)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("S%02d", i)
	}
	_, err := p.Realtime(context.Background(), symbols)
	assert.Error(t, err)
}

func TestPriceExtractor_RealtimeTask(t *testing.T) {
	provider := &testutil.MockProvider{
		FetchQuoteFunc: func(ctx context.Context, symbol string) (task.Row, error) {
			return task.Row{"price": 1.0}, nil
		},
	}
	p := NewPriceExtractor(provider, PriceOptions{Quotes: provider, Logger: zerolog.Nop()})

	tk := task.New("id", "VNM", task.DataTypeRealtime, time.Time{}, time.Time{}, "1D", nil)
	data, err := p.Extract(context.Background(), tk)
	require.NoError(t, err)
	assert.Len(t, data, 1)
}
