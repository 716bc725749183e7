package fetcher

import (
	"context"
	"fmt"
	"time"

	"marketpipeline/internal/task"
)

// Execute runs one task through ex and always produces exactly one TaskResult.
// Errors and panics raised by the extractor become failed results.
func Execute(ctx context.Context, ex Extractor, t task.ExtractionTask) (result task.TaskResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = task.Failed(t, fmt.Errorf("extractor panic: %v", r), time.Since(start))
		}
		result.Metadata = map[string]any{
			"extractor": ex.Name(),
			"data_type": t.DataType,
		}
	}()

	data, err := ex.Extract(ctx, t)
	if err != nil {
		return task.Failed(t, err, time.Since(start))
	}
	return task.Succeeded(t, data, time.Since(start))
}
