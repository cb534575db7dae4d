package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// BatchError records one item dropped from a batch.
type BatchError struct {
	Index int
	Err   error
}

func (e BatchError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

// Batch processes items in chunks of batchSize through the scheduler. Items
// of a chunk run concurrently up to the scheduler limit; between chunks the
// scheduler pauses and runs a cleanup pass. Failed items are dropped from
// the results, which keep input order, and reported as BatchErrors.
func Batch[T any, R any](ctx context.Context, s *ProcessingScheduler, items []T, processor func(ctx context.Context, item T) (R, error), batchSize int) ([]R, []BatchError) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	s.mu.Lock()
	pause := s.batchPause
	s.mu.Unlock()

	results := make([]R, 0, len(items))
	var failures []BatchError

	for start := 0; start < len(items); start += batchSize {
		end := min(start+batchSize, len(items))

		futures := make([]*Future, 0, end-start)
		for i := start; i < end; i++ {
			item := items[i]
			futures = append(futures, s.Enqueue(ctx, PriorityNormal, fmt.Sprintf("batch-item-%d", i), func(ctx context.Context) (interface{}, error) {
				return processor(ctx, item)
			}))
		}

		for i, future := range futures {
			value, err := future.Wait(ctx)
			if err != nil {
				index := start + i
				s.logger.Warn("Batch item failed, dropping it from the results",
					zap.Int("index", index),
					zap.Error(err))
				failures = append(failures, BatchError{Index: index, Err: err})
				continue
			}
			result, _ := value.(R)
			results = append(results, result)
		}

		if end >= len(items) {
			break
		}
		if ctx.Err() != nil {
			for i := end; i < len(items); i++ {
				failures = append(failures, BatchError{Index: i, Err: ctx.Err()})
			}
			break
		}

		// let memory settle before the next chunk
		select {
		case <-time.After(pause):
		case <-ctx.Done():
		}
		s.RunCleanup(ctx)
	}

	return results, failures
}
