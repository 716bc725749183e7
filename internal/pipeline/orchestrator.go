package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"marketpipeline/internal/coordinator"
	"marketpipeline/internal/fetcher"
	"marketpipeline/internal/notify"
	"marketpipeline/internal/ohlcv"
	"marketpipeline/internal/retry"
	"marketpipeline/internal/task"
)

// ProcessorName names the per-symbol daily processor in task IDs and results.
const ProcessorName = "daily_update"

// Per-symbol outcome statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Enricher adds analytic columns to a cleaned series.
type Enricher interface {
	Enrich(s ohlcv.Series) (task.Table, error)
}

// Writer persists one symbol's processed table.
type Writer interface {
	Write(ctx context.Context, symbol string, t task.Table) error
}

// Notifier delivers operator messages. Failures are logged, never propagated.
type Notifier interface {
	Notify(ctx context.Context, message, severity string) error
}

// Archiver keeps the per-run batch result.
type Archiver interface {
	Archive(ctx context.Context, r task.ExtractorResult) (string, error)
}

// RunConfig is the per-run configuration.
type RunConfig struct {
	StartDate  time.Time
	EndDate    time.Time
	Resolution string
	// Workers above 1 processes symbols on a bounded pool.
	Workers int
	// Retry wraps fetch, clean and enrich for each symbol.
	Retry retry.Policy
	// MarketTypes are the market-wide data kinds fetched after the symbols.
	// Empty skips the market run.
	MarketTypes []string
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Resolver  *Resolver
	Extractor fetcher.Extractor
	Enricher  Enricher
	Writer    Writer
	Notifier  Notifier
	// Archive is optional.
	Archive Archiver
	// Market extracts market-wide tables. Optional.
	Market fetcher.Extractor
	Logger zerolog.Logger
}

// Detail is one symbol's outcome.
type Detail struct {
	Symbol string `json:"symbol"`
	Status string `json:"status"`
	Rows   int    `json:"rows,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Summary is the result of one daily run.
type Summary struct {
	Run           time.Time     `json:"run"`
	Tier          Tier          `json:"tier"`
	TotalSymbols  int           `json:"total_symbols"`
	Successful    int           `json:"successful"`
	Failed        int           `json:"failed"`
	FailedSymbols []string      `json:"failed_symbols"`
	Details       []Detail      `json:"details"`
	Market        *MarketResult `json:"market,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
}

// MarketResult is the outcome of the market-wide run. Detail.Symbol holds the
// data type.
type MarketResult struct {
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Details    []Detail `json:"details"`
}

// Orchestrator runs the daily update.
type Orchestrator struct {
	cfg  RunConfig
	deps Deps
	log  zerolog.Logger
	now  func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg RunConfig, deps Deps) *Orchestrator {
	if cfg.Resolution == "" {
		cfg.Resolution = task.DefaultResolution
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	log := deps.Logger.With().Str("component", "pipeline").Logger()
	cfg.Retry.Logger = log
	if cfg.Retry.Name == "" {
		cfg.Retry.Name = "process_symbol"
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLog(deps.Logger)
	}
	return &Orchestrator{cfg: cfg, deps: deps, log: log, now: time.Now}
}

// RunDailyUpdate resolves symbols, then fetches, cleans, enriches and persists
// each one. Per-symbol failures are recorded and notified without stopping the
// batch. Only symbol resolution exhaustion returns an error. A positive workers
// overrides RunConfig.Workers.
func (o *Orchestrator) RunDailyUpdate(ctx context.Context, explicit []string, workers int) (Summary, error) {
	started := o.now()

	res, err := o.deps.Resolver.Resolve(ctx, explicit)
	if err != nil {
		o.log.Error().Err(err).Msg("symbol resolution failed, aborting run")
		o.notify(ctx, fmt.Sprintf("Daily update aborted: %v", err), notify.SeverityError)
		return Summary{Run: started.UTC(), FailedSymbols: []string{}}, err
	}

	if workers <= 0 {
		workers = o.cfg.Workers
	}

	tasks := task.NewBuilder(ProcessorName, task.DataTypeOHLCV, nil).Build(res.Symbols, task.Params{
		StartDate:  o.cfg.StartDate,
		EndDate:    o.cfg.EndDate,
		Resolution: o.cfg.Resolution,
	})
	o.log.Info().
		Int("symbols", len(tasks)).
		Int("workers", workers).
		Str("tier", string(res.Tier)).
		Msg("starting daily update")

	proc := &processor{o: o}
	batch := coordinator.New(proc, o.deps.Logger).Run(ctx, tasks, coordinator.Options{
		Parallel:   workers > 1,
		MaxWorkers: workers,
	})

	if o.deps.Archive != nil {
		if path, err := o.deps.Archive.Archive(ctx, batch.WithoutData()); err != nil {
			o.log.Warn().Err(err).Msg("archiving batch result failed")
		} else {
			o.log.Debug().Str("path", path).Msg("batch result archived")
		}
	}

	summary := Summary{
		Run:           started.UTC(),
		Tier:          res.Tier,
		TotalSymbols:  len(res.Symbols),
		FailedSymbols: []string{},
		Details:       make([]Detail, 0, len(batch.Results)),
	}
	// Report in task order regardless of completion order.
	byID := make(map[string]task.TaskResult, len(batch.Results))
	for _, r := range batch.Results {
		byID[r.TaskID] = r
	}
	for _, t := range tasks {
		r, ok := byID[t.TaskID]
		if !ok {
			continue
		}
		if r.Success {
			summary.Successful++
			summary.Details = append(summary.Details, Detail{Symbol: r.Symbol, Status: StatusSuccess, Rows: r.RowCount})
			continue
		}
		summary.Failed++
		summary.FailedSymbols = append(summary.FailedSymbols, r.Symbol)
		summary.Details = append(summary.Details, Detail{Symbol: r.Symbol, Status: StatusFailed, Error: r.Error})
	}
	summary.Market = o.runMarket(ctx, workers)
	summary.Elapsed = o.now().Sub(started)

	o.log.Info().
		Int("total", summary.TotalSymbols).
		Int("successful", summary.Successful).
		Int("failed", summary.Failed).
		Strs("failed_symbols", summary.FailedSymbols).
		Dur("elapsed", summary.Elapsed).
		Msg("pipeline summary")

	msg := fmt.Sprintf("Daily update finished: %d/%d symbols succeeded", summary.Successful, summary.TotalSymbols)
	if summary.Failed > 0 {
		msg += fmt.Sprintf(", failed: %s", strings.Join(summary.FailedSymbols, ", "))
	}
	if m := summary.Market; m != nil {
		msg += fmt.Sprintf("; market data %d/%d", m.Successful, m.Successful+m.Failed)
	}
	o.notify(ctx, msg, notify.SeverityInfo)
	return summary, nil
}

// MarketStorageKey is the storage symbol for a market data type, e.g.
// "FOREIGN_TRADING". It cannot collide with a 3-5 character ticker.
func MarketStorageKey(dataType string) string {
	return strings.ToUpper(dataType)
}

// runMarket fetches and persists each configured market data type. Failures
// are recorded and notified like symbol failures.
func (o *Orchestrator) runMarket(ctx context.Context, workers int) *MarketResult {
	if o.deps.Market == nil || len(o.cfg.MarketTypes) == 0 {
		return nil
	}

	tasks := make([]task.ExtractionTask, 0, len(o.cfg.MarketTypes))
	for _, dt := range o.cfg.MarketTypes {
		id := task.NewTaskID(o.deps.Market.Name(), MarketStorageKey(dt))
		tasks = append(tasks, task.New(id, fetcher.MarketSymbol, dt, o.cfg.StartDate, o.cfg.EndDate, o.cfg.Resolution, nil))
	}
	o.log.Info().Strs("types", o.cfg.MarketTypes).Msg("starting market data run")

	batch := coordinator.New(&marketProcessor{o: o}, o.deps.Logger).Run(ctx, tasks, coordinator.Options{
		Parallel:   workers > 1,
		MaxWorkers: min(workers, len(tasks)),
	})

	byID := make(map[string]task.TaskResult, len(batch.Results))
	for _, r := range batch.Results {
		byID[r.TaskID] = r
	}
	result := &MarketResult{Details: make([]Detail, 0, len(tasks))}
	for _, t := range tasks {
		r, ok := byID[t.TaskID]
		if !ok {
			continue
		}
		if r.Success {
			result.Successful++
			result.Details = append(result.Details, Detail{Symbol: t.DataType, Status: StatusSuccess, Rows: r.RowCount})
			continue
		}
		result.Failed++
		result.Details = append(result.Details, Detail{Symbol: t.DataType, Status: StatusFailed, Error: r.Error})
	}
	o.log.Info().
		Int("successful", result.Successful).
		Int("failed", result.Failed).
		Msg("market data summary")
	return result
}

func (o *Orchestrator) notify(ctx context.Context, message, severity string) {
	if err := o.deps.Notifier.Notify(ctx, message, severity); err != nil {
		o.log.Warn().Err(err).Msg("notification failed")
	}
}

// processor runs one symbol end to end; the coordinator turns its errors and
// panics into failed results.
type processor struct {
	o *Orchestrator
}

func (p *processor) Name() string { return ProcessorName }

func (p *processor) Extract(ctx context.Context, t task.ExtractionTask) (task.Table, error) {
	o := p.o
	enriched, err := retry.DoValue(ctx, o.cfg.Retry, func(ctx context.Context) (task.Table, error) {
		return p.process(ctx, t)
	})
	if err == nil {
		err = o.deps.Writer.Write(ctx, t.Symbol, enriched)
		if err != nil {
			err = fmt.Errorf("persist: %w", err)
		}
	}
	if err != nil {
		o.log.Error().Err(err).
			Str("symbol", t.Symbol).
			Bool("transient", fetcher.IsRetryable(err)).
			Msg("daily update failed")
		o.notify(ctx, fmt.Sprintf("Daily update failed %s: %v", t.Symbol, err), notify.SeverityError)
		return nil, err
	}
	return enriched, nil
}

func (p *processor) process(ctx context.Context, t task.ExtractionTask) (_ task.Table, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing %s: %v", t.Symbol, r)
		}
	}()

	raw, err := p.o.deps.Extractor.Extract(ctx, t)
	if err != nil {
		return nil, err
	}
	series, err := ohlcv.Clean(raw)
	if err != nil {
		return nil, fmt.Errorf("clean: %w", err)
	}
	enriched, err := p.o.deps.Enricher.Enrich(series)
	if err != nil {
		return nil, fmt.Errorf("enrich: %w", err)
	}
	return enriched, nil
}

// marketProcessor fetches and persists one market data type. Empty tables are
// not written so a provider gap never erases stored history.
type marketProcessor struct {
	o *Orchestrator
}

func (p *marketProcessor) Name() string { return p.o.deps.Market.Name() }

func (p *marketProcessor) Extract(ctx context.Context, t task.ExtractionTask) (task.Table, error) {
	o := p.o
	rows, err := retry.DoValue(ctx, o.cfg.Retry, func(ctx context.Context) (task.Table, error) {
		return o.deps.Market.Extract(ctx, t)
	})
	if err == nil && len(rows) > 0 {
		if err = o.deps.Writer.Write(ctx, MarketStorageKey(t.DataType), rows); err != nil {
			err = fmt.Errorf("persist: %w", err)
		}
	}
	if err != nil {
		o.log.Error().Err(err).
			Str("data_type", t.DataType).
			Bool("transient", fetcher.IsRetryable(err)).
			Msg("market data failed")
		o.notify(ctx, fmt.Sprintf("Market data failed %s: %v", t.DataType, err), notify.SeverityWarning)
		return nil, err
	}
	return rows, nil
}
