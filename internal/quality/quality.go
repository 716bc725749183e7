// Package quality scores stored price history for gaps, duplicates and
// implausible values.
package quality

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"

	"marketpipeline/internal/ohlcv"
	"marketpipeline/internal/task"
)

// Issue texts. Missing and duplicate counts are prefixed with their number.
const (
	IssueNegativeClose = "Close < 0 detected"
	IssueZeroVolume    = "Zero volume bar(s)"
	IssueNoData        = "No processed data"

	RecommendOK      = "OK"
	RecommendCadence = "Increase data cadence"
	RecommendRerun   = "Re-run the daily update"
)

// penalty is subtracted from 100 per issue found.
const penalty = 10

// ErrNoData means the store has no rows for the symbol.
var ErrNoData = errors.New("no processed rows")

// Reader is the processed-data store.
type Reader interface {
	Read(ctx context.Context, symbol string) (task.Table, error)
	Symbols(ctx context.Context) ([]string, error)
}

// Report is one symbol's quality assessment.
type Report struct {
	Symbol          string     `json:"symbol"`
	Rows            int        `json:"rows"`
	QualityScore    int        `json:"quality_score"`
	Issues          []string   `json:"issues_found"`
	Recommendations []string   `json:"recommendations"`
	MissingDays     int        `json:"missing_days"`
	Freshness       *time.Time `json:"freshness,omitempty"`
}

// Checker evaluates stored history against a date range.
type Checker struct {
	reader     Reader
	start, end time.Time
	log        zerolog.Logger
}

// NewChecker creates a checker for the business days in [start, end].
func NewChecker(reader Reader, start, end time.Time, log zerolog.Logger) *Checker {
	return &Checker{
		reader: reader,
		start:  start,
		end:    end,
		log:    log.With().Str("component", "quality").Logger(),
	}
}

// Check reads and evaluates one symbol.
func (c *Checker) Check(ctx context.Context, symbol string) (Report, error) {
	rows, err := c.reader.Read(ctx, symbol)
	if err != nil {
		return Report{}, fmt.Errorf("read %s: %w", symbol, err)
	}
	if len(rows) == 0 {
		return Report{}, fmt.Errorf("%w for %s", ErrNoData, symbol)
	}
	r := Evaluate(symbol, rows, c.start, c.end)
	c.log.Info().
		Str("symbol", symbol).
		Int("score", r.QualityScore).
		Strs("issues", r.Issues).
		Msg("quality checked")
	return r, nil
}

// CheckAll evaluates symbols in order, or every stored symbol when symbols is
// empty. A symbol without rows gets a zero score instead of an error.
func (c *Checker) CheckAll(ctx context.Context, symbols []string) ([]Report, error) {
	if len(symbols) == 0 {
		stored, err := c.reader.Symbols(ctx)
		if err != nil {
			return nil, fmt.Errorf("list symbols: %w", err)
		}
		symbols = stored
	}

	reports := make([]Report, 0, len(symbols))
	for _, symbol := range symbols {
		r, err := c.Check(ctx, symbol)
		if errors.Is(err, ErrNoData) {
			c.log.Warn().Str("symbol", symbol).Msg("no processed data")
			r = Report{
				Symbol:          symbol,
				Issues:          []string{IssueNoData},
				Recommendations: []string{RecommendRerun},
			}
		} else if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Evaluate scores rows against the business days in [start, end]. The score
// is 100 less 10 per issue, floored at 0; the freshness line is informational
// and does not count.
func Evaluate(symbol string, rows task.Table, start, end time.Time) Report {
	dates := make(map[string]bool, len(rows))
	seenTimes := make(map[string]bool, len(rows))
	var duplicates int
	var negativeClose, zeroVolume bool
	var latest time.Time

	for _, row := range rows {
		if d := cast.ToString(row[ohlcv.ColDate]); d != "" {
			dates[d] = true
		}
		if ts := cast.ToString(row[ohlcv.ColTime]); ts != "" {
			if seenTimes[ts] {
				duplicates++
			}
			seenTimes[ts] = true
		}
		if parsed, err := ohlcv.ParseTime(row[ohlcv.ColTime]); err == nil && parsed.After(latest) {
			latest = parsed
		}
		if f, ok := number(row[ohlcv.ColClose]); ok && f < 0 {
			negativeClose = true
		}
		if f, ok := number(row[ohlcv.ColVolume]); ok && f == 0 {
			zeroVolume = true
		}
	}

	r := Report{Symbol: symbol, Rows: len(rows), Issues: []string{}}
	if missing := BusinessDays(start, end) - len(dates); missing > 0 {
		r.MissingDays = missing
		r.Issues = append(r.Issues, fmt.Sprintf("Missing %d trading days", missing))
	}
	if duplicates > 0 {
		r.Issues = append(r.Issues, fmt.Sprintf("%d duplicate dates", duplicates))
	}
	if negativeClose {
		r.Issues = append(r.Issues, IssueNegativeClose)
	}
	if zeroVolume {
		r.Issues = append(r.Issues, IssueZeroVolume)
	}
	r.QualityScore = max(0, 100-penalty*len(r.Issues))

	if latest.IsZero() {
		r.Issues = append(r.Issues, "Freshness: unknown")
	} else {
		r.Freshness = &latest
		r.Issues = append(r.Issues, "Freshness: "+latest.Format(time.RFC3339))
	}

	r.Recommendations = []string{RecommendOK}
	if r.MissingDays > 0 {
		r.Recommendations = []string{RecommendCadence}
	}
	return r
}

// BusinessDays counts Monday to Friday dates in [start, end]. Exchange
// holidays are not known and count as business days.
func BusinessDays(start, end time.Time) int {
	start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	n := 0
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			n++
		}
	}
	return n
}

func number(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}
