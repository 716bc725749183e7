package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cast"

	"marketpipeline/internal/task"
)

// CSV writes one <SYMBOL>.csv file per symbol under a directory.
type CSV struct {
	fs  afero.Fs
	dir string
}

// NewCSV creates a CSV writer rooted at dir on fs.
func NewCSV(fs afero.Fs, dir string) *CSV {
	return &CSV{fs: fs, dir: dir}
}

// Path returns the file written for symbol.
func (c *CSV) Path(symbol string) string {
	return filepath.Join(c.dir, strings.ToUpper(symbol)+".csv")
}

// Write implements Writer. The file is written to a temp name and renamed into place.
func (c *CSV) Write(ctx context.Context, symbol string, t task.Table) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", c.dir, err)
	}

	path := c.Path(symbol)
	tmp := path + ".tmp"
	f, err := c.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	cols := orderedColumns(t)
	w := csv.NewWriter(f)
	werr := w.Write(cols)
	record := make([]string, len(cols))
	for _, row := range t {
		if werr != nil {
			break
		}
		for i, col := range cols {
			record[i] = formatCell(row[col])
		}
		werr = w.Write(record)
	}
	w.Flush()
	if werr == nil {
		werr = w.Error()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = c.fs.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, werr)
	}
	return c.fs.Rename(tmp, path)
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return ""
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return cast.ToString(x)
	}
}
