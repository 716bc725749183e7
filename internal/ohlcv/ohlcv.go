// Package ohlcv normalizes provider price tables and cleans them into
// time-ordered bar series.
package ohlcv

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cast"

	"marketpipeline/internal/task"
)

// Column names of a normalized price table.
const (
	ColTime   = "time"
	ColDate   = "date"
	ColOpen   = "open"
	ColHigh   = "high"
	ColLow    = "low"
	ColClose  = "close"
	ColVolume = "volume"
)

// Required lists the columns every price table must carry.
var Required = []string{ColTime, ColOpen, ColHigh, ColLow, ColClose, ColVolume}

var numericColumns = []string{ColOpen, ColHigh, ColLow, ColClose, ColVolume}

// Location is the exchange time zone. Times are converted to it after parsing.
var Location = mustLoadLocation("Asia/Ho_Chi_Minh")

var (
	// ErrMissingColumns means a required column is absent from every row.
	ErrMissingColumns = errors.New("missing required columns")
	// ErrNonPositive means a price or volume is zero or negative after cleaning.
	ErrNonPositive = errors.New("OHLCV values must be positive after cleaning")
	// ErrEmpty means no usable rows remain.
	ErrEmpty = errors.New("no usable OHLCV rows")
)

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// ParseTime accepts a time.Time, a date or date-time string, or an epoch in
// seconds or milliseconds. Values without a zone are read as UTC.
func ParseTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, errors.New("time is empty")
	case time.Time:
		return x.In(Location), nil
	case string:
		x = strings.TrimSpace(x)
		if x == "" {
			return time.Time{}, errors.New("time is empty")
		}
		t, err := cast.ToTimeInDefaultLocationE(x, time.UTC)
		if err != nil {
			return time.Time{}, err
		}
		return t.In(Location), nil
	}

	epoch, err := cast.ToInt64E(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("unsupported time value %v: %w", v, err)
	}
	if epoch > 1e12 || epoch < -1e12 {
		return time.UnixMilli(epoch).In(Location), nil
	}
	return time.Unix(epoch, 0).In(Location), nil
}

// Normalize prepares a raw provider table: lowercases and trims column names,
// requires the OHLCV columns, drops rows missing any of them, parses times,
// coerces prices to float64 and removes duplicate times keeping the last row.
func Normalize(raw task.Table) (task.Table, error) {
	rows := make(task.Table, 0, len(raw))
	for _, r := range raw {
		row := make(task.Row, len(r))
		for k, v := range r {
			row[strings.ToLower(strings.TrimSpace(k))] = v
		}
		rows = append(rows, row)
	}

	present := make(map[string]bool)
	for _, c := range rows.Columns() {
		present[c] = true
	}
	var missing []string
	for _, c := range Required {
		if !present[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	kept := make(task.Table, 0, len(rows))
	for _, row := range rows {
		if hasAll(row, Required) {
			kept = append(kept, row)
		}
	}

	for _, row := range kept {
		ts, err := ParseTime(row[ColTime])
		if err != nil {
			return nil, fmt.Errorf("parse time %v: %w", row[ColTime], err)
		}
		row[ColTime] = ts
		for _, c := range numericColumns {
			f := toFloat(row[c])
			if math.IsNaN(f) {
				return nil, fmt.Errorf("column %s is not numeric: %v", c, row[c])
			}
			row[c] = f
		}
	}

	return dedupeLast(kept), nil
}

func hasAll(row task.Row, cols []string) bool {
	for _, c := range cols {
		v, ok := row[c]
		if !ok || v == nil {
			return false
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			return false
		}
		if f, isFloat := v.(float64); isFloat && math.IsNaN(f) {
			return false
		}
	}
	return true
}

// dedupeLast keeps the last row for each time, preserving the order of the kept rows.
func dedupeLast(rows task.Table) task.Table {
	seen := make(map[int64]bool, len(rows))
	out := make(task.Table, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		key := rows[i][ColTime].(time.Time).UnixNano()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, rows[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Bar is one cleaned OHLCV record.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Date returns the exchange-local calendar date of the bar.
func (b Bar) Date() string {
	return b.Time.In(Location).Format(task.DateLayout)
}

// Series is a time-ordered list of bars with unique times.
type Series []Bar

// Clean turns a table into a series: unparseable times are dropped, rows are
// sorted by time, duplicate times keep the last row, unparseable numbers are
// forward-filled from the previous row and leading gaps are dropped. Any
// non-positive value is rejected.
func Clean(t task.Table) (Series, error) {
	type parsed struct {
		ts     time.Time
		values [5]float64
	}

	hasTime := false
	items := make([]parsed, 0, len(t))
	for _, r := range t {
		row := make(task.Row, len(r))
		for k, v := range r {
			row[strings.ToLower(strings.TrimSpace(k))] = v
		}
		v, ok := row[ColTime]
		if !ok {
			continue
		}
		hasTime = true
		ts, err := ParseTime(v)
		if err != nil {
			continue
		}
		p := parsed{ts: ts}
		for i, c := range numericColumns {
			p.values[i] = toFloat(row[c])
		}
		items = append(items, p)
	}
	if !hasTime {
		return nil, fmt.Errorf("%w: time", ErrMissingColumns)
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].ts.Before(items[j].ts) })

	deduped := items[:0]
	for i, p := range items {
		if i+1 < len(items) && items[i+1].ts.Equal(p.ts) {
			continue
		}
		deduped = append(deduped, p)
	}

	var prev [5]float64
	for i := range prev {
		prev[i] = math.NaN()
	}
	series := make(Series, 0, len(deduped))
	for _, p := range deduped {
		complete := true
		for i := range p.values {
			if math.IsNaN(p.values[i]) {
				p.values[i] = prev[i]
			}
			prev[i] = p.values[i]
			if math.IsNaN(p.values[i]) {
				complete = false
			}
		}
		if !complete {
			continue
		}
		for _, v := range p.values {
			if v <= 0 {
				return nil, ErrNonPositive
			}
		}
		series = append(series, Bar{
			Time:   p.ts,
			Open:   p.values[0],
			High:   p.values[1],
			Low:    p.values[2],
			Close:  p.values[3],
			Volume: p.values[4],
		})
	}

	if len(series) == 0 {
		return nil, ErrEmpty
	}
	return series, nil
}

// toFloat returns NaN for missing, blank or unparseable values.
func toFloat(v any) float64 {
	if v == nil {
		return math.NaN()
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return math.NaN()
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return math.NaN()
	}
	return f
}

// Closes returns the close prices.
func (s Series) Closes() []float64 { return s.column(func(b Bar) float64 { return b.Close }) }

// Highs returns the high prices.
func (s Series) Highs() []float64 { return s.column(func(b Bar) float64 { return b.High }) }

// Lows returns the low prices.
func (s Series) Lows() []float64 { return s.column(func(b Bar) float64 { return b.Low }) }

// Volumes returns the volumes.
func (s Series) Volumes() []float64 { return s.column(func(b Bar) float64 { return b.Volume }) }

func (s Series) column(f func(Bar) float64) []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = f(b)
	}
	return out
}

// Table converts the series back to rows with a derived date column.
func (s Series) Table() task.Table {
	out := make(task.Table, len(s))
	for i, b := range s {
		out[i] = task.Row{
			ColTime:   b.Time,
			ColDate:   b.Date(),
			ColOpen:   b.Open,
			ColHigh:   b.High,
			ColLow:    b.Low,
			ColClose:  b.Close,
			ColVolume: b.Volume,
		}
	}
	return out
}
