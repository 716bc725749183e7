// Package vci is the HTTP adapter for the market data provider. It is the only
// place that knows the provider's wire format.
package vci

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"resty.dev/v3"

	"marketpipeline/internal/cache"
	"marketpipeline/internal/fetcher"
	"marketpipeline/internal/ratelimit"
	"marketpipeline/internal/task"
	"marketpipeline/internal/universe"
)

// DefaultBaseURL is the production endpoint.
const DefaultBaseURL = "https://trading.vietcap.com.vn/api"

// DefaultCatalogTTL bounds how long CheckExists trusts a fetched listing.
const DefaultCatalogTTL = time.Hour

const (
	allExchangesKey = "*"
	unavailableKey  = "!unavailable"
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
	Limiter    *ratelimit.Limiter
	CatalogTTL time.Duration
	Logger     zerolog.Logger
}

// Client fetches price history, listings and quotes.
type Client struct {
	http     *resty.Client
	limiter  *ratelimit.Limiter
	catalogs *cache.TTL
	log      zerolog.Logger
}

// historyResponse is the column-oriented history payload.
type historyResponse struct {
	Symbol string    `json:"symbol"`
	Time   []int64   `json:"t"`
	Open   []float64 `json:"o"`
	High   []float64 `json:"h"`
	Low    []float64 `json:"l"`
	Close  []float64 `json:"c"`
	Volume []float64 `json:"v"`
}

type listingResponse struct {
	Data []map[string]any `json:"data"`
}

type quoteResponse struct {
	Data map[string]any `json:"data"`
}

// New creates a provider client.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.CatalogTTL <= 0 {
		opts.CatalogTTL = DefaultCatalogTTL
	}
	log := opts.Logger.With().Str("component", "vci").Logger()

	return &Client{
		http: fetcher.NewHTTPClient(opts.BaseURL, fetcher.ClientOptions{
			Timeout:    opts.Timeout,
			RetryCount: opts.RetryCount,
			Logger:     log,
		}),
		limiter:  opts.Limiter,
		catalogs: cache.NewTTL(opts.CatalogTTL),
		log:      log,
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.http.Close()
}

// FetchHistory implements fetcher.Provider.
func (c *Client) FetchHistory(ctx context.Context, symbol string, start, end time.Time, resolution string) (task.Table, error) {
	var body historyResponse
	err := c.get(ctx, "/v1/history", map[string]string{
		"symbol":     symbol,
		"start":      start.Format(task.DateLayout),
		"end":        end.Format(task.DateLayout),
		"resolution": resolution,
	}, &body)
	if err != nil {
		return nil, fmt.Errorf("fetch history for %s: %w", symbol, err)
	}

	n := len(body.Time)
	if len(body.Open) != n || len(body.High) != n || len(body.Low) != n || len(body.Close) != n || len(body.Volume) != n {
		return nil, fetcher.NewValidationError("history columns for %s have mismatched lengths", symbol)
	}

	rows := make(task.Table, n)
	for i := range rows {
		rows[i] = task.Row{
			"time":   time.Unix(body.Time[i], 0).UTC(),
			"open":   body.Open[i],
			"high":   body.High[i],
			"low":    body.Low[i],
			"close":  body.Close[i],
			"volume": body.Volume[i],
		}
	}
	return rows, nil
}

// FetchCatalog implements fetcher.Provider. An empty exchange lists every venue.
func (c *Client) FetchCatalog(ctx context.Context, exchange string) (task.Table, error) {
	params := map[string]string{}
	if exchange != "" {
		params["exchange"] = strings.ToUpper(exchange)
	}

	var body listingResponse
	if err := c.get(ctx, "/v1/listing", params, &body); err != nil {
		err = fmt.Errorf("fetch listing %q: %w", exchange, err)
		if exchange == "" {
			c.catalogs.Put(unavailableKey, err)
		}
		return nil, err
	}

	rows := make(task.Table, 0, len(body.Data))
	for _, rec := range body.Data {
		rows = append(rows, task.Row(rec))
	}
	if exchange == "" {
		c.catalogs.Put(allExchangesKey, rows)
		c.catalogs.Delete(unavailableKey)
	}
	return rows, nil
}

// FetchQuote implements fetcher.QuoteProvider.
func (c *Client) FetchQuote(ctx context.Context, symbol string) (task.Row, error) {
	var body quoteResponse
	if err := c.get(ctx, "/v1/quote", map[string]string{"symbol": symbol}, &body); err != nil {
		return nil, fmt.Errorf("fetch quote for %s: %w", symbol, err)
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	return task.Row(body.Data), nil
}

var marketPaths = map[string]string{
	task.DataTypeBreadth:        "/v1/market/breadth",
	task.DataTypeMarketIndex:    "/v1/market/sectors",
	task.DataTypeForeignTrading: "/v1/market/foreign",
}

// FetchMarket implements fetcher.MarketProvider.
func (c *Client) FetchMarket(ctx context.Context, dataType string) (task.Table, error) {
	path, ok := marketPaths[dataType]
	if !ok {
		return nil, fetcher.NewValidationError("unsupported market data type %q", dataType)
	}

	var body listingResponse
	if err := c.get(ctx, path, nil, &body); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", dataType, err)
	}
	rows := make(task.Table, 0, len(body.Data))
	for _, rec := range body.Data {
		rows = append(rows, task.Row(rec))
	}
	return rows, nil
}

// CheckExists implements symbols.ExistenceChecker. Only a symbol missing from
// a non-empty listing is rejected. When the listing cannot be fetched the symbol is
// accepted, and the failure is remembered for the catalog TTL so later checks
// do not hit the provider again.
func (c *Client) CheckExists(ctx context.Context, symbol string) error {
	listing, ok := c.cachedListing(ctx)
	if !ok || len(listing) == 0 {
		return nil
	}

	for _, row := range listing {
		if s, ok := universe.SymbolOf(row); ok && s == strings.ToUpper(strings.TrimSpace(symbol)) {
			return nil
		}
	}
	return fetcher.NewValidationError("symbol %s not found in listing", symbol)
}

// cachedListing returns the cached all-venue listing, fetching it once. ok is
// false while the listing is unavailable.
func (c *Client) cachedListing(ctx context.Context) (task.Table, bool) {
	if _, cached, ok := c.catalogs.Get(allExchangesKey); ok {
		return cached.(task.Table), true
	}
	if _, _, failed := c.catalogs.Get(unavailableKey); failed {
		return nil, false
	}

	fetched, err := c.FetchCatalog(ctx, "")
	if err != nil {
		c.log.Warn().Err(err).Msg("listing unavailable, accepting symbols without an existence check")
		return nil, false
	}
	return fetched, true
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, result any) error {
	if err := c.limiter.Wait(ctx, ratelimit.APIMarketData); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(result).
		Get(path)
	if err != nil {
		return classifyTransportError(err).At(path)
	}
	if !resp.IsSuccess() {
		c.log.Warn().Str("path", path).Int("status_code", resp.StatusCode()).Msg("provider request failed")
		return fetcher.ClassifyHTTPError(resp.StatusCode()).At(path)
	}
	return nil
}

func classifyTransportError(err error) *fetcher.FetchError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fetcher.NewTimeoutError(err)
	}
	return fetcher.NewNetworkError(err)
}
