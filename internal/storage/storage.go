// Package storage persists processed per-symbol tables.
package storage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"

	"marketpipeline/internal/task"
)

// Writer persists one symbol's processed table, replacing any previous copy.
type Writer interface {
	Write(ctx context.Context, symbol string, t task.Table) error
}

// Fallback writes to Primary and, when that fails, to Secondary.
type Fallback struct {
	primary   Writer
	secondary Writer
	log       zerolog.Logger
}

// NewFallback creates a Fallback writer.
func NewFallback(primary, secondary Writer, log zerolog.Logger) *Fallback {
	return &Fallback{
		primary:   primary,
		secondary: secondary,
		log:       log.With().Str("component", "storage").Logger(),
	}
}

// Write implements Writer. It fails only when both writers fail.
func (f *Fallback) Write(ctx context.Context, symbol string, t task.Table) error {
	err := f.primary.Write(ctx, symbol, t)
	if err == nil {
		return nil
	}
	f.log.Warn().Err(err).Str("symbol", symbol).Msg("primary write failed, using fallback format")

	if ferr := f.secondary.Write(ctx, symbol, t); ferr != nil {
		return fmt.Errorf("persist %s: primary: %v; fallback: %w", symbol, err, ferr)
	}
	return nil
}

// leading columns keep a stable order in flat outputs; the rest are sorted.
var leading = []string{"date", "time", "open", "high", "low", "close", "volume"}

func orderedColumns(t task.Table) []string {
	cols := t.Columns()
	rank := make(map[string]int, len(leading))
	for i, c := range leading {
		rank[c] = i
	}
	sort.SliceStable(cols, func(i, j int) bool {
		ri, iok := rank[cols[i]]
		rj, jok := rank[cols[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return cols[i] < cols[j]
		}
	})
	return cols
}

// sanitize maps values that have no JSON representation to nil.
func sanitize(row task.Row) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		switch x := v.(type) {
		case float64:
			if math.IsNaN(x) || math.IsInf(x, 0) {
				out[k] = nil
				continue
			}
		case time.Time:
			out[k] = x.Format(time.RFC3339)
			continue
		}
		out[k] = v
	}
	return out
}

// rowKey is the row's identity within a symbol: an explicit key column, else
// its date, else its time.
func rowKey(row task.Row) string {
	if k, ok := row["key"]; ok && k != nil {
		return cast.ToString(k)
	}
	if d, ok := row["date"]; ok && d != nil {
		return cast.ToString(d)
	}
	switch v := row["time"].(type) {
	case time.Time:
		return v.Format(time.RFC3339)
	case nil:
		return ""
	default:
		return cast.ToString(v)
	}
}
