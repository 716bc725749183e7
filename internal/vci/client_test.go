package vci

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpipeline/internal/fetcher"
	"marketpipeline/internal/ratelimit"
	"marketpipeline/internal/task"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := New(Options{
		BaseURL:    server.URL,
		RetryCount: -1,
		Limiter:    ratelimit.Unlimited(),
		Logger:     zerolog.Nop(),
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

func TestClient_FetchHistory(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/history", r.URL.Path)
		assert.Equal(t, "VNM", r.URL.Query().Get("symbol"))
		assert.Equal(t, "2024-01-01", r.URL.Query().Get("start"))
		assert.Equal(t, "2024-01-31", r.URL.Query().Get("end"))
		assert.Equal(t, "1D", r.URL.Query().Get("resolution"))
		writeJSON(w, `{"symbol":"VNM","t":[1704153600,1704240000],"o":[70,71],"h":[72,73],"l":[69,70],"c":[71,72],"v":[1000,1200]}`)
	})

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows, err := c.FetchHistory(context.Background(), "VNM", start, start.AddDate(0, 0, 30), "1D")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 71.0, rows[0]["close"])
	assert.Equal(t, time.Unix(1704240000, 0).UTC(), rows[1]["time"])
}

func TestClient_FetchHistory_MismatchedColumns(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"t":[1,2],"o":[1],"h":[1,2],"l":[1,2],"c":[1,2],"v":[1,2]}`)
	})

	_, err := c.FetchHistory(context.Background(), "VNM", time.Now(), time.Now(), "1D")
	var fe *fetcher.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fetcher.ErrorTypeValidation, fe.Type)
}

func TestClient_HTTPErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantType fetcher.ErrorType
	}{
		{"server error", http.StatusInternalServerError, fetcher.ErrorTypeServer},
		{"rate limited", http.StatusTooManyRequests, fetcher.ErrorTypeRateLimit},
		{"not found", http.StatusNotFound, fetcher.ErrorTypeClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})

			_, err := c.FetchCatalog(context.Background(), "HOSE")
			var fe *fetcher.FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.wantType, fe.Type)
		})
	}
}

func TestClient_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := New(Options{BaseURL: url, RetryCount: -1, Logger: zerolog.Nop()})
	defer c.Close()

	_, err := c.FetchCatalog(context.Background(), "")
	var fe *fetcher.FetchError
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.Retryable)
}

func TestClient_FetchCatalog(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/listing", r.URL.Path)
		assert.Equal(t, "HNX", r.URL.Query().Get("exchange"))
		writeJSON(w, `{"data":[{"symbol":"SHS","exchange":"HNX","status":"listed","avg_value":1.5e9}]}`)
	})

	rows, err := c.FetchCatalog(context.Background(), "hnx")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "SHS", rows[0]["symbol"])
	assert.Equal(t, 1.5e9, rows[0]["avg_value"])
}

func TestClient_CheckExists_CachesListing(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Empty(t, r.URL.Query().Get("exchange"))
		writeJSON(w, `{"data":[{"symbol":"VNM","exchange":"HOSE"},{"symbol":"MWG","exchange":"HOSE"}]}`)
	})

	require.NoError(t, c.CheckExists(context.Background(), "VNM"))
	require.NoError(t, c.CheckExists(context.Background(), "MWG"))

	err := c.CheckExists(context.Background(), "ZZZ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ZZZ not found in listing")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_CheckExists_ListingOutageAcceptsSymbols(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for _, symbol := range []string{"VNM", "FPT", "MWG"} {
		assert.NoError(t, c.CheckExists(context.Background(), symbol))
	}
	assert.Equal(t, int32(1), calls.Load(), "a failed listing is fetched once")
}

func TestClient_CheckExists_RecoversAfterOutage(t *testing.T) {
	var up atomic.Bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, `{"data":[{"symbol":"VNM","exchange":"HOSE"}]}`)
	})

	require.NoError(t, c.CheckExists(context.Background(), "ZZZ"))

	up.Store(true)
	_, err := c.FetchCatalog(context.Background(), "")
	require.NoError(t, err)

	err = c.CheckExists(context.Background(), "ZZZ")
	var fe *fetcher.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fetcher.ErrorTypeValidation, fe.Type)
}

func TestClient_CheckExists_MatchesTickerColumns(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"data":[{"ticker":"vnm","exchange":"HOSE"},{"stock_code":"SHS","exchange":"HNX"}]}`)
	})

	assert.NoError(t, c.CheckExists(context.Background(), "VNM"))
	assert.NoError(t, c.CheckExists(context.Background(), "shs"))
	assert.Error(t, c.CheckExists(context.Background(), "FPT"))
}

func TestClient_CheckExists_EmptyListingAccepts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"data":[]}`)
	})

	assert.NoError(t, c.CheckExists(context.Background(), "VNM"))
}

func TestClient_FetchQuote(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") == "NONE" {
			writeJSON(w, `{"data":{}}`)
			return
		}
		writeJSON(w, `{"data":{"price":71.5,"volume":100,"time":"2024-01-02T02:00:00Z"}}`)
	})

	row, err := c.FetchQuote(context.Background(), "VNM")
	require.NoError(t, err)
	assert.Equal(t, 71.5, row["price"])

	row, err = c.FetchQuote(context.Background(), "NONE")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestClient_FetchMarket(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		writeJSON(w, `{"data":[{"date":"2024-01-05","advancers":210,"decliners":95}]}`)
	})

	rows, err := c.FetchMarket(context.Background(), task.DataTypeBreadth)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 210.0, rows[0]["advancers"])

	_, err = c.FetchMarket(context.Background(), task.DataTypeMarketIndex)
	require.NoError(t, err)
	_, err = c.FetchMarket(context.Background(), task.DataTypeForeignTrading)
	require.NoError(t, err)
	assert.Equal(t, []string{"/v1/market/breadth", "/v1/market/sectors", "/v1/market/foreign"}, paths)

	_, err = c.FetchMarket(context.Background(), "insider")
	var fe *fetcher.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fetcher.ErrorTypeValidation, fe.Type)
	assert.Len(t, paths, 3)
}

func TestClient_FetchMarket_ServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.FetchMarket(context.Background(), task.DataTypeForeignTrading)
	var fe *fetcher.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fetcher.ErrorTypeServer, fe.Type)
	assert.Equal(t, "/v1/market/foreign", fe.Path)
}

func TestClassifyTransportError(t *testing.T) {
	err := classifyTransportError(context.DeadlineExceeded)
	var fe *fetcher.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, fetcher.ErrorTypeTimeout, fe.Type)

	err = classifyTransportError(errors.New("connection refused"))
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, fetcher.ErrorTypeNetwork, fe.Type)
}
