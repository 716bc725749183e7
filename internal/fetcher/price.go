package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"marketpipeline/internal/cache"
	"marketpipeline/internal/ohlcv"
	"marketpipeline/internal/retry"
	"marketpipeline/internal/task"
)

// PriceExtractorName is the name used in task IDs and summaries.
const PriceExtractorName = "price_extractor"

// MaxRealtimeSymbols bounds one Realtime call.
const MaxRealtimeSymbols = 50

// RealtimeTTL is how long a realtime board is served from cache.
const RealtimeTTL = 60 * time.Second

// ErrMissingDateRange is returned for history tasks without start and end dates.
var ErrMissingDateRange = errors.New("start_date and end_date are required")

// PriceOptions configures a PriceExtractor.
type PriceOptions struct {
	// Retry wraps each history fetch. Zero value uses retry.DefaultPolicy.
	Retry  retry.Policy
	Quotes QuoteProvider
	// Cache holds realtime boards. Nil creates a private cache with RealtimeTTL.
	Cache  *cache.TTL
	Logger zerolog.Logger
}

// PriceExtractor fetches OHLCV history and realtime quotes.
type PriceExtractor struct {
	provider Provider
	quotes   QuoteProvider
	policy   retry.Policy
	realtime *cache.TTL
	log      zerolog.Logger
}

// NewPriceExtractor creates a price extractor backed by provider.
func NewPriceExtractor(provider Provider, opts PriceOptions) *PriceExtractor {
	log := opts.Logger.With().Str("component", PriceExtractorName).Logger()

	policy := opts.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	policy.Logger = log
	if policy.Name == "" {
		policy.Name = "fetch_history"
	}

	realtime := opts.Cache
	if realtime == nil {
		realtime = cache.NewTTL(RealtimeTTL)
	}

	return &PriceExtractor{
		provider: provider,
		quotes:   opts.Quotes,
		policy:   policy,
		realtime: realtime,
		log:      log,
	}
}

// Name implements Extractor.
func (p *PriceExtractor) Name() string { return PriceExtractorName }

// DataTypes lists the data kinds Extract accepts.
func (p *PriceExtractor) DataTypes() []string {
	return []string{task.DataTypeOHLCV, task.DataTypeRealtime, task.DataTypeHistorical}
}

// Extract implements Extractor.
func (p *PriceExtractor) Extract(ctx context.Context, t task.ExtractionTask) (task.Table, error) {
	p.log.Info().Str("symbol", t.Symbol).Str("data_type", t.DataType).Str("task_id", t.TaskID).Msg("starting extraction")

	switch t.DataType {
	case task.DataTypeRealtime:
		return p.Realtime(ctx, []string{t.Symbol})
	case task.DataTypeOHLCV, task.DataTypeHistorical, "":
	default:
		return nil, NewValidationError("unsupported data type %q", t.DataType)
	}

	if !t.HasDateRange() {
		return nil, ErrMissingDateRange
	}

	start := time.Now()
	raw, err := retry.DoValue(ctx, p.policy, func(ctx context.Context) (task.Table, error) {
		return p.fetchHistory(ctx, t)
	})
	if err != nil {
		p.log.Error().Err(err).Str("symbol", t.Symbol).Msg("extraction failed")
		return nil, err
	}

	cleaned, err := ohlcv.Normalize(raw)
	if err != nil {
		p.log.Error().Err(err).Str("symbol", t.Symbol).Msg("extraction failed")
		return nil, err
	}

	p.log.Info().
		Str("symbol", t.Symbol).
		Int("rows", len(cleaned)).
		Dur("elapsed", time.Since(start)).
		Msg("extraction complete")
	return cleaned, nil
}

func (p *PriceExtractor) fetchHistory(ctx context.Context, t task.ExtractionTask) (task.Table, error) {
	data, err := p.provider.FetchHistory(ctx, t.Symbol, t.StartDate, t.EndDate, t.Resolution)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, NewValidationError("provider returned no rows for %s", t.Symbol)
	}
	return data, nil
}

// Realtime returns the latest quote row for each symbol. Boards are cached
// for the cache TTL keyed by the sorted symbol list. Symbols without a quote
// are skipped with a warning.
func (p *PriceExtractor) Realtime(ctx context.Context, symbols []string) (task.Table, error) {
	if len(symbols) > MaxRealtimeSymbols {
		return nil, NewValidationError("at most %d symbols per realtime call, got %d", MaxRealtimeSymbols, len(symbols))
	}
	if p.quotes == nil {
		return nil, errors.New("realtime quotes are not configured")
	}

	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)
	key := strings.Join(sorted, ",")
	if _, cached, ok := p.realtime.Get(key); ok {
		p.log.Debug().Str("key", key).Msg("realtime cache hit")
		return copyTable(cached.(task.Table)), nil
	}

	board := make(task.Table, 0, len(symbols))
	for _, symbol := range symbols {
		quote, err := p.quotes.FetchQuote(ctx, symbol)
		if err != nil {
			p.log.Warn().Err(err).Str("symbol", symbol).Msg("realtime quote failed")
			continue
		}
		if len(quote) == 0 {
			p.log.Warn().Str("symbol", symbol).Msg("no realtime data")
			continue
		}
		row, err := realtimeRow(symbol, quote)
		if err != nil {
			p.log.Warn().Err(err).Str("symbol", symbol).Msg("realtime quote rejected")
			continue
		}
		board = append(board, row)
	}

	p.realtime.Put(key, copyTable(board))
	p.log.Info().Int("symbols", len(board)).Msg("realtime fetched")
	return board, nil
}

func realtimeRow(symbol string, quote task.Row) (task.Row, error) {
	lowered := make(task.Row, len(quote))
	for k, v := range quote {
		lowered[strings.ToLower(strings.TrimSpace(k))] = v
	}
	row := task.Row{
		"symbol":     symbol,
		"price":      lowered["price"],
		"change":     lowered["change"],
		"pct_change": lowered["pct_change"],
		"volume":     lowered["volume"],
		"time":       lowered["time"],
	}
	if row["time"] != nil {
		ts, err := ohlcv.ParseTime(row["time"])
		if err != nil {
			return nil, fmt.Errorf("parse quote time: %w", err)
		}
		row["time"] = ts
	}
	return row, nil
}

func copyTable(t task.Table) task.Table {
	out := make(task.Table, len(t))
	for i, row := range t {
		r := make(task.Row, len(row))
		for k, v := range row {
			r[k] = v
		}
		out[i] = r
	}
	return out
}
