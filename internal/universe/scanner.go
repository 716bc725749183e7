// Package universe discovers the tradable symbol universe and caches it on disk
// for the current calendar day.
package universe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marketpipeline/internal/scope"
	"marketpipeline/internal/task"
)

// Exchanges fetched one by one when the all-venue listing is unavailable.
var Exchanges = []string{"HOSE", "HNX", "UPCOM"}

// DefaultETFPrefixes mark fund certificates that are not equities.
var DefaultETFPrefixes = []string{"VF", "FUE", "E1VF", "SSV"}

// DefaultInactiveKeywords mark listings that cannot be traded.
var DefaultInactiveKeywords = []string{"delist", "inactive", "suspended", "halt", "stop"}

// DefaultMaxStaleDays bounds how old a cache may be when served as a fallback.
const DefaultMaxStaleDays = 7

var symbolKeys = []string{"symbol", "ticker", "code", "stock_code"}

var (
	// ErrEmptyUniverse means the listing was fetched but nothing survived filtering.
	ErrEmptyUniverse = errors.New("ticker universe is empty after filtering")
	// ErrNoCache means the listing fetch failed and there is no cache to fall back to.
	ErrNoCache = errors.New("no ticker cache available")
	// ErrCacheTooStale means the fallback cache is older than the staleness bound.
	ErrCacheTooStale = errors.New("ticker cache is too stale")
)

// Catalog is the listing source the scanner pulls from.
type Catalog interface {
	FetchCatalog(ctx context.Context, exchange string) (task.Table, error)
}

// Filters narrow the fetched listing. Nil slices select the defaults.
type Filters struct {
	ExcludePrefixes  []string
	InactiveKeywords []string
	// Types keeps only rows whose "type" column matches, e.g. STOCK. Empty keeps all.
	Types []string
}

// Request parameterizes GetAllTickers.
type Request struct {
	ForceRefresh bool
	// Exchanges restricts the fetch to these venues. A restricted request
	// never writes the day cache and only reads it after a failed fetch.
	Exchanges []string
	Filters   Filters
}

// Options configures a Scanner.
type Options struct {
	// MaxStaleDays bounds the age of a fallback cache. Zero disables the bound.
	MaxStaleDays int
	Location     *time.Location
	Logger       zerolog.Logger
}

// Scanner returns the current tradable universe.
type Scanner struct {
	catalog  Catalog
	store    *Store
	maxStale int
	loc      *time.Location
	log      zerolog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// CacheInfo describes the cache file.
type CacheInfo struct {
	CreatedDate string    `json:"created_date"`
	Count       int       `json:"count"`
	Path        string    `json:"path"`
	CheckedAt   time.Time `json:"checked_at"`
}

// NewScanner creates a scanner over catalog with cache store.
func NewScanner(catalog Catalog, store *Store, opts Options) *Scanner {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return &Scanner{
		catalog:  catalog,
		store:    store,
		maxStale: opts.MaxStaleDays,
		loc:      loc,
		log:      opts.Logger.With().Str("component", "universe").Logger(),
		now:      time.Now,
	}
}

func (s *Scanner) today() time.Time {
	y, m, d := s.now().In(s.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.loc)
}

// GetAllTickers returns the sorted unique tradable symbols. A cache written
// today is served without calling the catalog unless ForceRefresh is set. When
// the catalog fails, an older cache is served with a warning provided it is
// within the staleness bound.
func (s *Scanner) GetAllTickers(ctx context.Context, req Request) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	restricted := len(req.Exchanges) > 0
	today := s.today().Format(task.DateLayout)

	if !req.ForceRefresh && !restricted {
		if entry, ok := s.loadCache(); ok && entry.CreatedDate == today && len(entry.Tickers) > 0 {
			s.log.Info().Str("path", s.store.Path()).Int("count", len(entry.Tickers)).Msg("using ticker cache")
			return entry.Tickers, nil
		}
	}

	tickers, venues, err := s.fetch(ctx, req)
	if err == nil {
		if !restricted {
			if saveErr := s.store.Save(Entry{CreatedDate: today, Tickers: tickers, Exchanges: venues}); saveErr != nil {
				s.log.Warn().Err(saveErr).Msg("saving ticker cache failed")
			} else {
				s.log.Info().Str("path", s.store.Path()).Int("count", len(tickers)).Msg("ticker cache saved")
			}
		}
		return tickers, nil
	}

	return s.fallback(err, req.Exchanges)
}

// fallback serves the cache after a failed fetch. A restricted request is
// answered from the venues recorded in the cache.
func (s *Scanner) fallback(fetchErr error, exchanges []string) ([]string, error) {
	entry, ok := s.loadCache()
	if !ok || len(entry.Tickers) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoCache, fetchErr)
	}

	created, parseErr := time.ParseInLocation(task.DateLayout, entry.CreatedDate, s.loc)
	switch {
	case parseErr != nil && s.maxStale > 0:
		return nil, fmt.Errorf("%w: unreadable created_date %q: %w", ErrCacheTooStale, entry.CreatedDate, fetchErr)
	case parseErr == nil:
		age := int(s.today().Sub(created).Hours() / 24)
		if age < 0 {
			return nil, fmt.Errorf("%w: created_date %s is in the future: %w", ErrCacheTooStale, entry.CreatedDate, fetchErr)
		}
		if s.maxStale > 0 && age > s.maxStale {
			return nil, fmt.Errorf("%w: created %s (%d days, limit %d): %w",
				ErrCacheTooStale, entry.CreatedDate, age, s.maxStale, fetchErr)
		}
	}

	tickers := entry.Tickers
	if len(exchanges) > 0 {
		if len(entry.Exchanges) == 0 {
			return nil, fmt.Errorf("%w: cache has no venue data for %v: %w", ErrNoCache, exchanges, fetchErr)
		}
		tickers = restrictTo(entry, exchanges)
		if len(tickers) == 0 {
			return nil, fmt.Errorf("%w: no cached tickers on %v: %w", ErrNoCache, exchanges, fetchErr)
		}
	}

	s.log.Warn().Err(fetchErr).
		Str("path", s.store.Path()).
		Str("created_date", entry.CreatedDate).
		Strs("exchanges", exchanges).
		Int("count", len(tickers)).
		Msg("listing fetch failed, serving stale ticker cache")
	return tickers, nil
}

func restrictTo(entry Entry, exchanges []string) []string {
	want := make(map[string]bool, len(exchanges))
	for _, e := range exchanges {
		want[scope.NormalizeExchange(e)] = true
	}
	var out []string
	for _, t := range entry.Tickers {
		if want[scope.NormalizeExchange(entry.Exchanges[t])] {
			out = append(out, t)
		}
	}
	return out
}

// loadCache returns the cached tickers normalized to sorted unique uppercase.
func (s *Scanner) loadCache() (Entry, bool) {
	entry, ok, err := s.store.Load()
	if err != nil {
		s.log.Warn().Err(err).Msg("reading ticker cache failed")
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	entry.Tickers = sortedUnique(entry.Tickers)
	return entry, true
}

// fetch returns the filtered tickers and the venue of each.
func (s *Scanner) fetch(ctx context.Context, req Request) ([]string, map[string]string, error) {
	rows, err := s.fetchRows(ctx, req.Exchanges)
	if err != nil {
		return nil, nil, err
	}
	kept := filterRows(rows, req.Filters)
	symbols := make([]string, 0, len(kept))
	venues := make(map[string]string, len(kept))
	for _, l := range kept {
		symbols = append(symbols, l.symbol)
		if l.exchange != "" {
			venues[l.symbol] = l.exchange
		}
	}
	tickers := sortedUnique(symbols)
	if len(tickers) == 0 {
		return nil, nil, ErrEmptyUniverse
	}
	if len(venues) == 0 {
		venues = nil
	}
	return tickers, venues, nil
}

// fetchRows asks for the all-venue listing first, then each venue in turn.
func (s *Scanner) fetchRows(ctx context.Context, exchanges []string) (task.Table, error) {
	if len(exchanges) == 0 {
		rows, err := s.catalog.FetchCatalog(ctx, "")
		if err == nil && len(rows) > 0 {
			return rows, nil
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("all-venue listing failed, fetching exchanges one by one")
		}
		exchanges = Exchanges
	}

	var combined task.Table
	var errs []error
	for _, exchange := range exchanges {
		rows, err := s.catalog.FetchCatalog(ctx, strings.ToUpper(exchange))
		if err != nil {
			s.log.Warn().Err(err).Str("exchange", exchange).Msg("listing failed")
			errs = append(errs, err)
			continue
		}
		for _, row := range rows {
			if _, ok := row["exchange"]; !ok {
				row["exchange"] = strings.ToUpper(exchange)
			}
		}
		combined = append(combined, rows...)
	}
	if len(combined) == 0 {
		if len(errs) > 0 {
			return nil, fmt.Errorf("fetch listings: %w", errors.Join(errs...))
		}
		return nil, ErrEmptyUniverse
	}
	return combined, nil
}

// CacheInfo reports the cache state. ok is false when there is no readable cache.
func (s *Scanner) CacheInfo() (CacheInfo, bool) {
	entry, ok, err := s.store.Load()
	if err != nil {
		s.log.Warn().Err(err).Msg("reading ticker cache info failed")
		return CacheInfo{}, false
	}
	if !ok {
		return CacheInfo{}, false
	}
	return CacheInfo{
		CreatedDate: entry.CreatedDate,
		Count:       len(entry.Tickers),
		Path:        s.store.Path(),
		CheckedAt:   s.now().UTC(),
	}, true
}

// Clear deletes the cache file. Clearing a missing cache succeeds.
func (s *Scanner) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Remove(); err != nil {
		s.log.Error().Err(err).Msg("clearing ticker cache failed")
		return err
	}
	return nil
}

// SymbolOf returns the first non-empty symbol-like field of a listing row.
func SymbolOf(row task.Row) (string, bool) {
	for _, key := range symbolKeys {
		if v, ok := row[key].(string); ok {
			if s := strings.ToUpper(strings.TrimSpace(v)); s != "" {
				return s, true
			}
		}
	}
	return "", false
}

type listed struct {
	symbol   string
	exchange string
}

func filterRows(rows task.Table, f Filters) []listed {
	prefixes := f.ExcludePrefixes
	if prefixes == nil {
		prefixes = DefaultETFPrefixes
	}
	keywords := f.InactiveKeywords
	if keywords == nil {
		keywords = DefaultInactiveKeywords
	}

	var out []listed
	for _, row := range rows {
		symbol, ok := SymbolOf(row)
		if !ok {
			continue
		}
		if hasAnyPrefix(symbol, prefixes) {
			continue
		}
		if status, ok := row["status"].(string); ok && containsAny(strings.ToLower(status), keywords) {
			continue
		}
		if len(f.Types) > 0 {
			typ, _ := row["type"].(string)
			if !containsFold(f.Types, typ) {
				continue
			}
		}
		exchange, _ := row["exchange"].(string)
		out = append(out, listed{symbol: symbol, exchange: scope.NormalizeExchange(exchange)})
	}
	return out
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, strings.ToUpper(p)) {
			return true
		}
	}
	return false
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(s, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	s = strings.TrimSpace(s)
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), s) {
			return true
		}
	}
	return false
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
