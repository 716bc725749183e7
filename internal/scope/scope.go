// Package scope reduces a listing to a bounded, liquidity-aware working set.
package scope

import (
	"errors"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"

	"marketpipeline/internal/task"
)

// Scope names.
const (
	All     = "all"
	Core    = "core"
	HSXOnly = "hsx_only"
	HSXHNX  = "hsx_hnx"
)

// Exchange codes after normalization.
const (
	HSX   = "HSX"
	HNX   = "HNX"
	UPCOM = "UPCOM"
)

// Defaults for Config.
const (
	DefaultUpcomMaxSymbols = 50
	DefaultUpcomSortBy     = "avg_value"
)

var scopeExchanges = map[string][]string{
	All:     {HSX, HNX, UPCOM},
	Core:    {HSX, HNX, UPCOM},
	HSXOnly: {HSX},
	HSXHNX:  {HSX, HNX},
}

var defaultExchanges = []string{HSX, HNX}

var exchangeAliases = map[string]string{
	"HOSE":  HSX,
	"HO":    HSX,
	"HN":    HNX,
	"UPCOM": UPCOM,
	"UP":    UPCOM,
}

var (
	// ErrEmptyListing means there are no listing rows to filter.
	ErrEmptyListing = errors.New("listing is empty, cannot apply market scope")
	// ErrMissingColumns means the listing has no symbol or exchange column.
	ErrMissingColumns = errors.New("listing must have symbol and exchange columns")
)

// Config is the market scope policy for one run.
type Config struct {
	Scope            string
	UpcomMaxSymbols  int
	UpcomSortBy      string
	IncludeExchanges []string
}

// FromSettings builds a Config from loosely typed settings. The scope comes
// from market_scope.scope, then market_scope_filter, then market_scope given
// as a plain string. Unparseable numbers fall back to defaults.
func FromSettings(settings map[string]any) Config {
	scope := All
	marketScope := settings["market_scope"]
	nested, nestedErr := cast.ToStringMapE(marketScope)
	if s, ok := nested["scope"].(string); nestedErr == nil && ok {
		scope = s
	} else if s, ok := settings["market_scope_filter"].(string); ok {
		scope = s
	} else if s, ok := marketScope.(string); ok {
		scope = s
	}

	cfg := Config{
		Scope:           scope,
		UpcomMaxSymbols: DefaultUpcomMaxSymbols,
		UpcomSortBy:     DefaultUpcomSortBy,
	}

	opts, _ := cast.ToStringMapE(settings["market_scope_settings"])
	if v, ok := opts["upcom_max_symbols"]; ok {
		if n, err := cast.ToIntE(v); err == nil {
			cfg.UpcomMaxSymbols = n
		}
	}
	if v, ok := opts["upcom_sort_by"]; ok {
		if s, err := cast.ToStringE(v); err == nil {
			cfg.UpcomSortBy = s
		}
	}
	if include, err := cast.ToStringMapE(opts["include_exchanges"]); err == nil {
		switch list := include[strings.ToLower(strings.TrimSpace(scope))].(type) {
		case []any, []string:
			cfg.IncludeExchanges = cast.ToStringSlice(list)
		}
	}
	return cfg
}

// NormalizedScope returns the lowercase scope, defaulting to all.
func (c Config) NormalizedScope() string {
	s := strings.ToLower(strings.TrimSpace(c.Scope))
	if s == "" {
		return All
	}
	return s
}

// Exchanges returns the exchanges kept by this config.
func (c Config) Exchanges() []string {
	var out []string
	for _, e := range c.IncludeExchanges {
		if n := NormalizeExchange(e); n != "" {
			out = append(out, n)
		}
	}
	if len(out) > 0 {
		return out
	}
	if ex, ok := scopeExchanges[c.NormalizedScope()]; ok {
		return ex
	}
	return defaultExchanges
}

// NormalizeExchange uppercases an exchange code and maps aliases such as HOSE to HSX.
func NormalizeExchange(e string) string {
	e = strings.ToUpper(strings.TrimSpace(e))
	if alias, ok := exchangeAliases[e]; ok {
		return alias
	}
	return e
}

// Filter applies a Config to listings.
type Filter struct {
	cfg Config
	log zerolog.Logger
}

// NewFilter creates a filter.
func NewFilter(cfg Config, log zerolog.Logger) *Filter {
	return &Filter{cfg: cfg, log: log.With().Str("component", "scope").Logger()}
}

type listingRow struct {
	symbol   string
	exchange string
	row      task.Row
}

// FilterSymbols returns the symbols of listing kept by the scope, in first-seen
// order. When universe is non-empty only its symbols are considered. Under the
// core scope UPCOM is capped to the most liquid UpcomMaxSymbols.
func (f *Filter) FilterSymbols(listing task.Table, universe []string) ([]string, error) {
	if len(listing) == 0 {
		return nil, ErrEmptyListing
	}

	rows := make([]listingRow, 0, len(listing))
	hasSymbol, hasExchange := false, false
	for _, raw := range listing {
		row := make(task.Row, len(raw))
		for k, v := range raw {
			row[strings.ToLower(strings.TrimSpace(k))] = v
		}
		sym, symOK := row["symbol"]
		exch, exchOK := row["exchange"]
		hasSymbol = hasSymbol || symOK
		hasExchange = hasExchange || exchOK
		if !symOK || !exchOK {
			continue
		}
		rows = append(rows, listingRow{
			symbol:   strings.ToUpper(strings.TrimSpace(cast.ToString(sym))),
			exchange: NormalizeExchange(cast.ToString(exch)),
			row:      row,
		})
	}
	if !hasSymbol || !hasExchange {
		return nil, ErrMissingColumns
	}

	if len(universe) > 0 {
		allowed := make(map[string]bool, len(universe))
		for _, s := range universe {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				allowed[s] = true
			}
		}
		kept := rows[:0]
		for _, r := range rows {
			if allowed[r.symbol] {
				kept = append(kept, r)
			}
		}
		rows = kept
	}

	scope := f.cfg.NormalizedScope()
	f.log.Info().Str("scope", scope).Msg("filtering symbols")

	include := make(map[string]bool)
	for _, e := range f.cfg.Exchanges() {
		include[e] = true
	}
	byExchange := rows[:0]
	for _, r := range rows {
		if include[r.exchange] {
			byExchange = append(byExchange, r)
		}
	}
	rows = byExchange

	if scope == Core {
		rows = f.capUpcom(rows)
	}

	seen := make(map[string]bool, len(rows))
	counts := make(map[string]int)
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.symbol == "" || seen[r.symbol] {
			continue
		}
		seen[r.symbol] = true
		counts[r.exchange]++
		out = append(out, r.symbol)
	}

	event := f.log.Info().Str("scope", scope).Int("total", len(out))
	for e, n := range counts {
		event = event.Int(e, n)
	}
	event.Msg("market scope applied")
	return out, nil
}

// capUpcom keeps every HSX and HNX row followed by the top UPCOM rows.
func (f *Filter) capUpcom(rows []listingRow) []listingRow {
	var main, upcom []listingRow
	for _, r := range rows {
		switch r.exchange {
		case HSX, HNX:
			main = append(main, r)
		case UPCOM:
			upcom = append(upcom, r)
		}
	}
	if len(upcom) == 0 {
		return rows
	}

	limit := f.cfg.UpcomMaxSymbols
	if limit < 1 {
		limit = 1
	}
	sortBy := strings.ToLower(strings.TrimSpace(f.cfg.UpcomSortBy))

	type ranked struct {
		r     listingRow
		value float64
	}
	var numeric []ranked
	if sortBy != "" {
		for _, r := range upcom {
			v, ok := r.row[sortBy]
			if !ok || v == nil {
				continue
			}
			n, err := cast.ToFloat64E(v)
			if err != nil || math.IsNaN(n) {
				continue
			}
			numeric = append(numeric, ranked{r: r, value: n})
		}
	}

	var kept []listingRow
	if len(numeric) == 0 {
		name := sortBy
		if name == "" {
			name = "(none)"
		}
		f.log.Warn().Str("sort_by", name).Int("limit", limit).Msg("no numeric liquidity column, keeping the first UPCOM symbols")
		kept = upcom[:min(limit, len(upcom))]
	} else {
		sort.SliceStable(numeric, func(i, j int) bool { return numeric[i].value > numeric[j].value })
		for _, n := range numeric[:min(limit, len(numeric))] {
			kept = append(kept, n.r)
		}
	}

	if removed := len(upcom) - len(kept); removed > 0 {
		f.log.Info().Int("kept", len(kept)).Int("total", len(upcom)).Int("removed", removed).Msg("UPCOM capped by liquidity")
	}

	out := make([]listingRow, 0, len(main)+len(kept))
	out = append(out, main...)
	return append(out, kept...)
}
