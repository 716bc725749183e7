package coordinator

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"marketpipeline/internal/fetcher"
	"marketpipeline/internal/task"
)

// Options selects the execution mode of one batch.
type Options struct {
	// Parallel runs tasks on a bounded worker pool; results then arrive in
	// completion order. Sequential runs preserve input order.
	Parallel bool
	// MaxWorkers bounds the pool. Zero selects DefaultWorkers.
	MaxWorkers int
}

// DefaultWorkers returns min(32, NumCPU+4).
func DefaultWorkers() int {
	return min(32, runtime.NumCPU()+4)
}

// Coordinator runs batches of tasks against one extractor and aggregates results
type Coordinator struct {
	extractor fetcher.Extractor
	log       zerolog.Logger
}

// New creates a new Coordinator for the given extractor
func New(extractor fetcher.Extractor, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		extractor: extractor,
		log:       log.With().Str("component", "coordinator").Str("extractor", extractor.Name()).Logger(),
	}
}

// Run executes every task and returns the aggregate. It always returns exactly
// one TaskResult per input task; extractor errors and panics become failed
// results. Tasks not started before ctx is cancelled fail with the context error.
func (c *Coordinator) Run(ctx context.Context, tasks []task.ExtractionTask, opts Options) task.ExtractorResult {
	start := time.Now()
	total := len(tasks)
	results := make([]task.TaskResult, 0, total)

	if total == 0 {
		c.log.Warn().Msg("no tasks to run")
		return task.Summarize(c.extractor.Name(), results, time.Since(start))
	}

	record := func(r task.TaskResult) {
		results = append(results, r)
		c.log.Info().
			Str("symbol", r.Symbol).
			Str("task_id", r.TaskID).
			Bool("success", r.Success).
			Msgf("progress %d/%d", len(results), total)
	}

	if !opts.Parallel {
		for _, t := range tasks {
			record(c.runOne(ctx, t))
		}
	} else {
		workers := opts.MaxWorkers
		if workers <= 0 {
			workers = DefaultWorkers()
		}

		resultChan := make(chan task.TaskResult, total)
		p := pool.New().WithMaxGoroutines(workers)
		for _, t := range tasks {
			p.Go(func() {
				resultChan <- c.runOne(ctx, t)
			})
		}

		go func() {
			p.Wait()
			close(resultChan)
		}()

		for r := range resultChan {
			record(r)
		}
	}

	summary := task.Summarize(c.extractor.Name(), results, time.Since(start))
	c.log.Info().
		Int("total", summary.TotalTasks).
		Int("successful", summary.SuccessfulTasks).
		Int("failed", summary.FailedTasks).
		Dur("elapsed", summary.ExecutionTime).
		Msg("batch complete")
	return summary
}

func (c *Coordinator) runOne(ctx context.Context, t task.ExtractionTask) task.TaskResult {
	if err := ctx.Err(); err != nil {
		return task.Failed(t, err, 0)
	}
	r := fetcher.Execute(ctx, c.extractor, t)
	if !r.Success {
		c.log.Warn().Str("symbol", t.Symbol).Str("task_id", t.TaskID).Str("error", r.Error).Msg("task failed")
	}
	return r
}
