package fetcher

import (
	"context"
	"time"

	"marketpipeline/internal/task"
)

// Extractor is the core interface that all extractors must implement.
// An extractor turns one ExtractionTask into a tabular payload.
type Extractor interface {
	// Name identifies the extractor in task IDs, logs and batch summaries.
	Name() string

	// Extract performs the task-specific work. A returned error marks the
	// task as failed; it never aborts sibling tasks.
	Extract(ctx context.Context, t task.ExtractionTask) (task.Table, error)
}

// Provider is the market data source consumed by extractors and the universe scanner.
// Column names in returned tables are not guaranteed to be stable.
type Provider interface {
	// FetchHistory returns rows carrying at least time, open, high, low, close and volume.
	FetchHistory(ctx context.Context, symbol string, start, end time.Time, resolution string) (task.Table, error)

	// FetchCatalog returns listing rows {symbol, exchange, status?, ...}.
	// An empty exchange requests every venue.
	FetchCatalog(ctx context.Context, exchange string) (task.Table, error)
}

// QuoteProvider returns the latest quote for one symbol, or nil when there is none.
type QuoteProvider interface {
	FetchQuote(ctx context.Context, symbol string) (task.Row, error)
}

// MarketProvider returns market-wide tables for one of the breadth data kinds.
type MarketProvider interface {
	FetchMarket(ctx context.Context, dataType string) (task.Table, error)
}
