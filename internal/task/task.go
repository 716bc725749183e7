// Package task holds the work descriptors and outcome records exchanged
// between extractors, the coordinator and the pipeline.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the calendar-date format used for task date ranges.
const DateLayout = "2006-01-02"

// Data kinds understood by the price extractor.
const (
	DataTypeOHLCV      = "ohlcv"
	DataTypeHistorical = "historical"
	DataTypeRealtime   = "realtime"
)

// Market-wide data kinds understood by the breadth extractor.
const (
	DataTypeBreadth        = "breadth"
	DataTypeMarketIndex    = "market_index"
	DataTypeForeignTrading = "foreign_trading"
)

// DefaultResolution is the bar resolution used when none is given.
const DefaultResolution = "1D"

// Row is one record of a tabular payload. Column names are not guaranteed
// to be stable across provider calls.
type Row map[string]any

// Table is a tabular payload, one Row per record.
type Table []Row

// Columns returns the union of column names in first-seen order.
func (t Table) Columns() []string {
	seen := make(map[string]bool)
	var cols []string
	for _, row := range t {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	return cols
}

// Records converts the table to plain maps for logging or transport.
func (t Table) Records() []map[string]any {
	out := make([]map[string]any, len(t))
	for i, row := range t {
		rec := make(map[string]any, len(row))
		for k, v := range row {
			rec[k] = v
		}
		out[i] = rec
	}
	return out
}

// ExtractionTask describes one unit of extraction work: one symbol, one data kind.
// Tasks are values; nothing mutates a task after New or Builder.Build returns it.
type ExtractionTask struct {
	TaskID     string
	Symbol     string
	DataType   string
	StartDate  time.Time // zero when unset
	EndDate    time.Time // zero when unset
	Resolution string
	Config     map[string]any
}

// New creates a task, copying cfg so later changes by the caller are not observed.
func New(id, symbol, dataType string, start, end time.Time, resolution string, cfg map[string]any) ExtractionTask {
	return ExtractionTask{
		TaskID:     id,
		Symbol:     symbol,
		DataType:   dataType,
		StartDate:  start,
		EndDate:    end,
		Resolution: resolution,
		Config:     copyMap(cfg),
	}
}

// HasDateRange reports whether both start and end dates are set.
func (t ExtractionTask) HasDateRange() bool {
	return !t.StartDate.IsZero() && !t.EndDate.IsZero()
}

// NewTaskID builds "<extractor>-<symbol>-<8 hex chars>". The random suffix keeps
// IDs unique when the same symbol is built concurrently.
func NewTaskID(extractor, symbol string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%s", extractor, symbol, suffix)
}

// TaskResult is the outcome of running exactly one ExtractionTask.
type TaskResult struct {
	TaskID        string
	Symbol        string
	Success       bool
	Data          Table // nil when Success is false
	Error         string
	RowCount      int
	ExecutionTime time.Duration
	Metadata      map[string]any
}

// Succeeded builds a successful result; RowCount follows the payload length.
func Succeeded(t ExtractionTask, data Table, elapsed time.Duration) TaskResult {
	return TaskResult{
		TaskID:        t.TaskID,
		Symbol:        t.Symbol,
		Success:       true,
		Data:          data,
		RowCount:      len(data),
		ExecutionTime: elapsed,
	}
}

// Failed builds a failed result. Data is nil and RowCount is 0.
func Failed(t ExtractionTask, err error, elapsed time.Duration) TaskResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return TaskResult{
		TaskID:        t.TaskID,
		Symbol:        t.Symbol,
		Success:       false,
		Error:         msg,
		ExecutionTime: elapsed,
	}
}

// ExtractorResult aggregates the results of one batch run by one extractor.
type ExtractorResult struct {
	ExtractorName   string
	TotalTasks      int
	SuccessfulTasks int
	FailedTasks     int
	Results         []TaskResult
	ExecutionTime   time.Duration // wall clock for the whole batch
	ErrorsSummary   map[string]int
}

// Summarize aggregates results. TotalTasks always equals len(results).
func Summarize(extractor string, results []TaskResult, elapsed time.Duration) ExtractorResult {
	summary := ExtractorResult{
		ExtractorName: extractor,
		TotalTasks:    len(results),
		Results:       results,
		ExecutionTime: elapsed,
		ErrorsSummary: make(map[string]int),
	}
	for _, r := range results {
		if r.Success {
			summary.SuccessfulTasks++
			continue
		}
		summary.FailedTasks++
		if r.Error != "" {
			summary.ErrorsSummary[r.Error]++
		}
	}
	return summary
}

// WithoutData returns a copy whose results carry no table payload. Counts,
// errors and row counts are kept.
func (r ExtractorResult) WithoutData() ExtractorResult {
	out := r
	out.Results = make([]TaskResult, len(r.Results))
	for i, res := range r.Results {
		res.Data = nil
		out.Results[i] = res
	}
	return out
}

// FailedSymbols lists the symbols of failed results in result order.
func (r ExtractorResult) FailedSymbols() []string {
	var out []string
	for _, res := range r.Results {
		if !res.Success {
			out = append(out, res.Symbol)
		}
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
