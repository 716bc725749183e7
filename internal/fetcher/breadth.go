package fetcher

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"

	"marketpipeline/internal/ohlcv"
	"marketpipeline/internal/task"
)

// BreadthExtractorName is the name used in task IDs and summaries.
const BreadthExtractorName = "breadth_extractor"

// MarketSymbol is the symbol carried by market-wide tasks.
const MarketSymbol = "MARKET"

// BreadthExtractor fetches market-wide tables: advance/decline breadth,
// sector performance and foreign investor flows.
type BreadthExtractor struct {
	provider MarketProvider
	log      zerolog.Logger
}

// NewBreadthExtractor creates a breadth extractor backed by provider.
func NewBreadthExtractor(provider MarketProvider, log zerolog.Logger) *BreadthExtractor {
	return &BreadthExtractor{
		provider: provider,
		log:      log.With().Str("component", BreadthExtractorName).Logger(),
	}
}

// Name implements Extractor.
func (b *BreadthExtractor) Name() string { return BreadthExtractorName }

// DataTypes lists the data kinds Extract accepts.
func (b *BreadthExtractor) DataTypes() []string {
	return []string{task.DataTypeBreadth, task.DataTypeMarketIndex, task.DataTypeForeignTrading}
}

// Extract implements Extractor. Rows come back newest first, except sector
// rows which are ordered by change_pct descending.
func (b *BreadthExtractor) Extract(ctx context.Context, t task.ExtractionTask) (task.Table, error) {
	dataType := strings.ToLower(strings.TrimSpace(t.DataType))

	var normalize func(task.Table) task.Table
	switch dataType {
	case task.DataTypeBreadth:
		normalize = normalizeBreadth
	case task.DataTypeMarketIndex:
		normalize = normalizeSectors
	case task.DataTypeForeignTrading:
		normalize = normalizeForeign
	default:
		return nil, NewValidationError("unsupported market data type %q", t.DataType)
	}

	start := time.Now()
	raw, err := b.provider.FetchMarket(ctx, dataType)
	if err != nil {
		b.log.Error().Err(err).Str("data_type", dataType).Msg("market extraction failed")
		return nil, err
	}
	rows := normalize(lowerKeys(raw))
	if len(rows) == 0 {
		b.log.Warn().Str("data_type", dataType).Msg("no market data")
	}

	b.log.Info().
		Str("data_type", dataType).
		Int("rows", len(rows)).
		Dur("elapsed", time.Since(start)).
		Msg("market extraction complete")
	return rows, nil
}

func normalizeBreadth(raw task.Table) task.Table {
	out := make(task.Table, 0, len(raw))
	for _, r := range raw {
		date, ok := rowDate(r, "date", "day")
		if !ok {
			continue
		}
		adv := zeroIfNaN(number(r["advancers"]))
		dec := zeroIfNaN(number(r["decliners"]))
		unch := zeroIfNaN(number(r["unchanged"]))
		total := adv + dec + unch

		pct := number(r["breadth_percent"])
		if math.IsNaN(pct) && total > 0 {
			pct = (adv - dec) / total * 100
		}
		if !math.IsNaN(pct) {
			pct = math.Max(-100, math.Min(100, pct))
		}
		ratio := 0.0
		if dec != 0 {
			ratio = adv / dec
		}

		out = append(out, task.Row{
			"date":               date,
			"advancers":          adv,
			"decliners":          dec,
			"unchanged":          unch,
			"new_highs":          zeroIfNaN(number(r["new_highs"])),
			"new_lows":           zeroIfNaN(number(r["new_lows"])),
			"total_issues":       total,
			"breadth_percent":    pct,
			"adv_dec_ratio":      ratio,
			"percent_above_ma20": number(r["percent_above_ma20"]),
			"percent_above_ma50": number(r["percent_above_ma50"]),
		})
	}
	sortByDateDesc(out)
	return out
}

func normalizeForeign(raw task.Table) task.Table {
	out := make(task.Table, 0, len(raw))
	for _, r := range raw {
		date, ok := rowDate(r, "date", "trading_date")
		if !ok {
			continue
		}
		row := task.Row{
			"date":       date,
			"net_buy":    number(r["net_buy"]),
			"net_sell":   number(r["net_sell"]),
			"value_buy":  number(r["value_buy"]),
			"value_sell": number(r["value_sell"]),
			"volume":     number(r["volume"]),
		}
		// per-symbol flows share a date, so the storage key needs both
		if symbol := firstString(r, "symbol", "ticker"); symbol != "" {
			row["symbol"] = strings.ToUpper(symbol)
			row["key"] = date + "|" + row["symbol"].(string)
		}
		out = append(out, row)
	}
	sortByDateDesc(out)
	return out
}

func normalizeSectors(raw task.Table) task.Table {
	out := make(task.Table, 0, len(raw))
	for _, r := range raw {
		sector := firstString(r, "sector", "industry", "index")
		if sector == "" {
			continue
		}
		row := task.Row{
			"sector":     sector,
			"change_pct": firstNumber(r, "change_pct", "change", "percent"),
			"volume":     number(r["volume"]),
			"market_cap": firstNumber(r, "market_cap", "capitalization"),
			"key":        sector,
		}
		if date, ok := rowDate(r, "date"); ok {
			row["date"] = date
			row["key"] = date + "|" + sector
		}
		out = append(out, row)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i]["change_pct"].(float64), out[j]["change_pct"].(float64)
		if math.IsNaN(b) {
			return !math.IsNaN(a)
		}
		return a > b
	})
	return out
}

func lowerKeys(t task.Table) task.Table {
	out := make(task.Table, len(t))
	for i, r := range t {
		row := make(task.Row, len(r))
		for k, v := range r {
			row[strings.ToLower(strings.TrimSpace(k))] = v
		}
		out[i] = row
	}
	return out
}

// rowDate returns the first parseable date column as YYYY-MM-DD in the
// exchange time zone.
func rowDate(r task.Row, cols ...string) (string, bool) {
	for _, c := range cols {
		v, ok := r[c]
		if !ok || v == nil {
			continue
		}
		ts, err := ohlcv.ParseTime(v)
		if err != nil {
			continue
		}
		return ts.In(ohlcv.Location).Format(task.DateLayout), true
	}
	return "", false
}

func sortByDateDesc(t task.Table) {
	sort.SliceStable(t, func(i, j int) bool {
		return t[i]["date"].(string) > t[j]["date"].(string)
	})
}

func firstString(r task.Row, cols ...string) string {
	for _, c := range cols {
		if s := strings.TrimSpace(cast.ToString(r[c])); s != "" {
			return s
		}
	}
	return ""
}

func firstNumber(r task.Row, cols ...string) float64 {
	for _, c := range cols {
		if f := number(r[c]); !math.IsNaN(f) {
			return f
		}
	}
	return math.NaN()
}

// number returns NaN for missing or unparseable values.
func number(v any) float64 {
	if v == nil {
		return math.NaN()
	}
	if s, ok := v.(string); ok {
		v = strings.TrimSpace(s)
		if v == "" {
			return math.NaN()
		}
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return math.NaN()
	}
	return f
}

func zeroIfNaN(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return f
}
