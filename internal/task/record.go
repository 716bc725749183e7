package task

import (
	"fmt"
	"time"

	"github.com/spf13/cast"
	"github.com/vmihailenco/msgpack/v5"
)

// Record flattens the task into a plain map. Unset dates become nil.
func (t ExtractionTask) Record() map[string]any {
	return map[string]any{
		"task_id":    t.TaskID,
		"symbol":     t.Symbol,
		"data_type":  t.DataType,
		"start_date": formatDate(t.StartDate),
		"end_date":   formatDate(t.EndDate),
		"resolution": t.Resolution,
		"config":     copyMap(t.Config),
	}
}

// TaskFromRecord rebuilds a task from Record output.
func TaskFromRecord(rec map[string]any) (ExtractionTask, error) {
	start, err := parseDate(rec["start_date"])
	if err != nil {
		return ExtractionTask{}, fmt.Errorf("invalid start_date: %w", err)
	}
	end, err := parseDate(rec["end_date"])
	if err != nil {
		return ExtractionTask{}, fmt.Errorf("invalid end_date: %w", err)
	}
	cfg, err := toMap(rec["config"])
	if err != nil {
		return ExtractionTask{}, fmt.Errorf("invalid config: %w", err)
	}
	return New(
		cast.ToString(rec["task_id"]),
		cast.ToString(rec["symbol"]),
		cast.ToString(rec["data_type"]),
		start,
		end,
		cast.ToString(rec["resolution"]),
		cfg,
	), nil
}

// Record flattens the result; the payload becomes a list of row maps and
// the execution time is expressed in seconds.
func (r TaskResult) Record() map[string]any {
	var data any
	if r.Data != nil {
		data = r.Data.Records()
	}
	var errText any
	if r.Error != "" {
		errText = r.Error
	}
	return map[string]any{
		"task_id":        r.TaskID,
		"symbol":         r.Symbol,
		"success":        r.Success,
		"data":           data,
		"error":          errText,
		"row_count":      r.RowCount,
		"execution_time": r.ExecutionTime.Seconds(),
		"metadata":       copyMap(r.Metadata),
	}
}

// ResultFromRecord rebuilds a TaskResult, restoring the tabular payload.
func ResultFromRecord(rec map[string]any) (TaskResult, error) {
	res := TaskResult{
		TaskID:        cast.ToString(rec["task_id"]),
		Symbol:        cast.ToString(rec["symbol"]),
		Success:       cast.ToBool(rec["success"]),
		Error:         cast.ToString(rec["error"]),
		RowCount:      cast.ToInt(rec["row_count"]),
		ExecutionTime: seconds(cast.ToFloat64(rec["execution_time"])),
	}
	if md, err := toMap(rec["metadata"]); err == nil && len(md) > 0 {
		res.Metadata = md
	}
	if raw, ok := rec["data"].([]any); ok {
		table := make(Table, 0, len(raw))
		for i, item := range raw {
			row, err := toMap(item)
			if err != nil {
				return TaskResult{}, fmt.Errorf("invalid data row %d: %w", i, err)
			}
			table = append(table, Row(row))
		}
		res.Data = table
	} else if rows, ok := rec["data"].([]map[string]any); ok {
		table := make(Table, 0, len(rows))
		for _, row := range rows {
			table = append(table, Row(row))
		}
		res.Data = table
	}
	return res, nil
}

// Record flattens the batch result and each child result.
func (r ExtractorResult) Record() map[string]any {
	results := make([]any, len(r.Results))
	for i, res := range r.Results {
		results[i] = res.Record()
	}
	errs := make(map[string]any, len(r.ErrorsSummary))
	for k, v := range r.ErrorsSummary {
		errs[k] = v
	}
	return map[string]any{
		"extractor_name":   r.ExtractorName,
		"total_tasks":      r.TotalTasks,
		"successful_tasks": r.SuccessfulTasks,
		"failed_tasks":     r.FailedTasks,
		"results":          results,
		"execution_time":   r.ExecutionTime.Seconds(),
		"errors_summary":   errs,
	}
}

// ExtractorResultFromRecord rebuilds an ExtractorResult from Record output.
func ExtractorResultFromRecord(rec map[string]any) (ExtractorResult, error) {
	out := ExtractorResult{
		ExtractorName:   cast.ToString(rec["extractor_name"]),
		TotalTasks:      cast.ToInt(rec["total_tasks"]),
		SuccessfulTasks: cast.ToInt(rec["successful_tasks"]),
		FailedTasks:     cast.ToInt(rec["failed_tasks"]),
		ExecutionTime:   seconds(cast.ToFloat64(rec["execution_time"])),
		ErrorsSummary:   make(map[string]int),
	}
	errs, err := toMap(rec["errors_summary"])
	if err != nil {
		return ExtractorResult{}, fmt.Errorf("invalid errors_summary: %w", err)
	}
	for k, v := range errs {
		out.ErrorsSummary[k] = cast.ToInt(v)
	}
	raw, _ := rec["results"].([]any)
	for i, item := range raw {
		m, err := toMap(item)
		if err != nil {
			return ExtractorResult{}, fmt.Errorf("invalid result %d: %w", i, err)
		}
		res, err := ResultFromRecord(m)
		if err != nil {
			return ExtractorResult{}, fmt.Errorf("invalid result %d: %w", i, err)
		}
		out.Results = append(out.Results, res)
	}
	return out, nil
}

// EncodeResult serializes a batch result with msgpack for cross-process transport.
func EncodeResult(r ExtractorResult) ([]byte, error) {
	b, err := msgpack.Marshal(r.Record())
	if err != nil {
		return nil, fmt.Errorf("failed to encode extractor result: %w", err)
	}
	return b, nil
}

// DecodeResult is the inverse of EncodeResult.
func DecodeResult(b []byte) (ExtractorResult, error) {
	var rec map[string]any
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return ExtractorResult{}, fmt.Errorf("failed to decode extractor result: %w", err)
	}
	return ExtractorResultFromRecord(rec)
}

func formatDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(DateLayout)
}

func parseDate(v any) (time.Time, error) {
	if v == nil {
		return time.Time{}, nil
	}
	s := cast.ToString(v)
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(DateLayout, s)
}

func toMap(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	return cast.ToStringMapE(v)
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
