package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpipeline/internal/pipeline"
	"marketpipeline/internal/quality"
	"marketpipeline/internal/storage"
)

type fakeProvider struct {
	listing      []map[string]any
	failSymbol   string
	listingDown  bool
	listingCalls atomic.Int32
}

func (f *fakeProvider) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/listing", func(w http.ResponseWriter, r *http.Request) {
		f.listingCalls.Add(1)
		if f.listingDown {
			http.Error(w, "listing unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(t, w, map[string]any{"data": f.listing})
	})
	mux.HandleFunc("/v1/market/breadth", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"data": []map[string]any{
			{"date": "2024-02-29", "advancers": 180, "decliners": 120, "unchanged": 100},
			{"date": "2024-03-01", "advancers": 150, "decliners": 150, "unchanged": 100},
		}})
	})
	mux.HandleFunc("/v1/market/foreign", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/v1/history", func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		if symbol == f.failSymbol {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		start, err := time.Parse("2006-01-02", r.URL.Query().Get("start"))
		require.NoError(t, err)

		body := map[string][]any{}
		for i := 0; i < 40; i++ {
			c := 20 + float64(i)*0.5
			body["t"] = append(body["t"], start.AddDate(0, 0, i).Unix())
			body["o"] = append(body["o"], c-0.2)
			body["h"] = append(body["h"], c+0.5)
			body["l"] = append(body["l"], c-0.5)
			body["c"] = append(body["c"], c)
			body["v"] = append(body["v"], 10000+float64(i*100))
		}
		writeJSON(t, w, body)
	})
	return mux
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func writeConfig(t *testing.T, dir, baseURL, extra string) string {
	t.Helper()
	content := fmt.Sprintf(`
start_date: "2024-01-01"
end_date: "2024-03-01"
logging:
  level: error
data_paths:
  raw: %[1]s/raw
  processed: %[1]s/processed
  cache: %[1]s/cache
  database: %[1]s/processed/market.db
performance:
  max_concurrent_requests: 3
  max_retries: 2
  retry_delay: 1ms
provider:
  base_url: %[2]s
  timeout: 5s
  rate_per_second: 0
  retry_count: -1
%[3]s
`, dir, baseURL, extra)
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func runCLI(t *testing.T, args ...string) (pipeline.Summary, error) {
	t.Helper()
	var out bytes.Buffer
	args = append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env"))
	err := run(context.Background(), args, afero.NewOsFs(), &out)
	if err != nil {
		return pipeline.Summary{}, err
	}
	// the summary is the last JSON document written
	text := out.String()
	idx := strings.LastIndex(text, "{\n  \"run\"")
	require.GreaterOrEqual(t, idx, 0, "no summary in output: %s", text)
	var summary pipeline.Summary
	require.NoError(t, json.Unmarshal([]byte(text[idx:]), &summary))
	return summary, nil
}

func TestIntegration_ExplicitSymbols(t *testing.T) {
	provider := &fakeProvider{
		listing: []map[string]any{
			{"symbol": "VNM", "exchange": "HOSE"},
			{"symbol": "FPT", "exchange": "HOSE"},
			{"symbol": "BAD", "exchange": "HNX"},
		},
		failSymbol: "BAD",
	}
	server := httptest.NewServer(provider.handler(t))
	defer server.Close()

	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, server.URL, "")

	summary, err := runCLI(t, "--config", cfgPath, "--once", "--symbols", "vnm,fpt,bad,zzzzzz")
	require.NoError(t, err)

	assert.Equal(t, pipeline.TierExplicit, summary.Tier)
	assert.Equal(t, 3, summary.TotalSymbols)
	assert.Equal(t, 2, summary.Successful)
	assert.Equal(t, []string{"BAD"}, summary.FailedSymbols)

	db, err := storage.OpenSQLite(filepath.Join(dir, "processed", "market.db"), zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()
	rows, err := db.Read(context.Background(), "VNM")
	require.NoError(t, err)
	assert.Len(t, rows, 40)
	assert.Contains(t, rows[39], "ma_20")

	archived, ok, err := storage.NewArchive(afero.NewOsFs(), filepath.Join(dir, "raw")).Latest(pipeline.ProcessorName)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, archived.TotalTasks)
}

func TestIntegration_DynamicScope(t *testing.T) {
	provider := &fakeProvider{
		listing: []map[string]any{
			{"symbol": "VNM", "exchange": "HOSE", "avg_value": 5e9},
			{"symbol": "SHS", "exchange": "HNX", "avg_value": 1e9},
			{"symbol": "BSR", "exchange": "UPCOM", "avg_value": 9e9},
			{"symbol": "ACV", "exchange": "UPCOM", "avg_value": 2e9},
			{"symbol": "E1VFVN30", "exchange": "HOSE"},
			{"symbol": "OLD", "exchange": "HNX", "status": "delisted"},
		},
	}
	server := httptest.NewServer(provider.handler(t))
	defer server.Close()

	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, server.URL, `
market_scope:
  mode: dynamic
  scope: core
market_scope_settings:
  upcom_max_symbols: 1
`)

	summary, err := runCLI(t, "--config", cfgPath, "--once")
	require.NoError(t, err)

	assert.Equal(t, pipeline.TierDynamic, summary.Tier)
	assert.Equal(t, 3, summary.TotalSymbols)
	assert.Equal(t, 3, summary.Successful)
	var got []string
	for _, d := range summary.Details {
		got = append(got, d.Symbol)
	}
	assert.ElementsMatch(t, []string{"VNM", "SHS", "BSR"}, got)

	cache, err := os.ReadFile(filepath.Join(dir, "cache", "all_tickers_cache.json"))
	require.NoError(t, err)
	assert.Contains(t, string(cache), "ACV")
	assert.NotContains(t, string(cache), "E1VFVN30")
}

func writeTickerCache(t *testing.T, dir string, created time.Time, tickers ...string) {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Ho_Chi_Minh")
	require.NoError(t, err)
	data, err := json.Marshal(map[string]any{
		"created_date": created.In(loc).Format("2006-01-02"),
		"tickers":      tickers,
	})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cache"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cache", "all_tickers_cache.json"), data, 0o644))
}

func TestIntegration_ListingOutageFallsBackToManual(t *testing.T) {
	provider := &fakeProvider{listingDown: true}
	server := httptest.NewServer(provider.handler(t))
	defer server.Close()

	dir := t.TempDir()
	writeTickerCache(t, dir, time.Now().AddDate(0, 0, -1), "FPT", "VNM")
	cfgPath := writeConfig(t, dir, server.URL, `
market_scope:
  mode: dynamic
  symbols: [VNM]
`)

	summary, err := runCLI(t, "--config", cfgPath, "--once")
	require.NoError(t, err)

	assert.Equal(t, pipeline.TierManual, summary.Tier)
	assert.Equal(t, 1, summary.TotalSymbols)
	assert.Equal(t, 1, summary.Successful)
	require.Len(t, summary.Details, 1)
	assert.Equal(t, "VNM", summary.Details[0].Symbol)
	// all-venue plus three venues from the scanner, one for the scope filter
	assert.Equal(t, int32(5), provider.listingCalls.Load(), "symbol checks reuse the failed listing")
}

func TestIntegration_ListingOutageKeepsExplicitSymbols(t *testing.T) {
	provider := &fakeProvider{listingDown: true}
	server := httptest.NewServer(provider.handler(t))
	defer server.Close()

	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, server.URL, "")

	summary, err := runCLI(t, "--config", cfgPath, "--once", "--symbols", "VNM,FPT")
	require.NoError(t, err)

	assert.Equal(t, pipeline.TierExplicit, summary.Tier)
	assert.Equal(t, 2, summary.Successful)
	assert.Empty(t, summary.FailedSymbols)
	assert.Equal(t, int32(1), provider.listingCalls.Load())
}

func TestIntegration_FatalWithoutSymbols(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, server.URL, `
market_scope:
  mode: dynamic
`)

	_, err := runCLI(t, "--config", cfgPath, "--once")
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrFatalConfiguration)
}

func TestIntegration_MarketData(t *testing.T) {
	provider := &fakeProvider{}
	server := httptest.NewServer(provider.handler(t))
	defer server.Close()

	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, server.URL, `
market_data:
  types: [breadth, foreign_trading]
`)

	summary, err := runCLI(t, "--config", cfgPath, "--once", "--symbols", "VNM", "--market")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Successful)
	require.NotNil(t, summary.Market)
	assert.Equal(t, 1, summary.Market.Successful)
	assert.Equal(t, 1, summary.Market.Failed)

	db, err := storage.OpenSQLite(filepath.Join(dir, "processed", "market.db"), zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()
	rows, err := db.Read(context.Background(), pipeline.MarketStorageKey("breadth"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2024-02-29", rows[0]["date"])
	assert.Equal(t, 15.0, rows[0]["breadth_percent"])
}

func TestIntegration_ValidateQuality(t *testing.T) {
	provider := &fakeProvider{}
	server := httptest.NewServer(provider.handler(t))
	defer server.Close()

	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, server.URL, "")

	_, err := runCLI(t, "--config", cfgPath, "--once", "--symbols", "VNM")
	require.NoError(t, err)

	var out bytes.Buffer
	args := []string{"--config", cfgPath, "--validate-quality", "--symbols", "VNM,SSI", "--env-file", filepath.Join(t.TempDir(), "missing.env")}
	require.NoError(t, run(context.Background(), args, afero.NewOsFs(), &out))

	var reports []quality.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &reports))
	require.Len(t, reports, 2)

	// 45 business days in range, 40 stored
	assert.Equal(t, "VNM", reports[0].Symbol)
	assert.Equal(t, 40, reports[0].Rows)
	assert.Equal(t, 5, reports[0].MissingDays)
	assert.Equal(t, 90, reports[0].QualityScore)
	assert.Equal(t, []string{quality.RecommendCadence}, reports[0].Recommendations)

	assert.Equal(t, "SSI", reports[1].Symbol)
	assert.Equal(t, []string{quality.IssueNoData}, reports[1].Issues)
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"--symbols", "vnm, fpt", "--parallel", "4", "--once", "--force-refresh"})
	require.NoError(t, err)
	assert.Equal(t, 4, opts.parallel)
	assert.True(t, opts.once)
	assert.True(t, opts.forceRefresh)
	assert.Equal(t, []string{"VNM", "FPT"}, explicitSymbols(opts.symbols))

	defaults, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Nil(t, explicitSymbols(defaults.symbols))

	_, err = parseFlags([]string{"--parallel", "0"})
	assert.Error(t, err)

	opts, err = parseFlags([]string{"--market", "--validate-quality"})
	require.NoError(t, err)
	assert.True(t, opts.market)
	assert.True(t, opts.quality)
}
