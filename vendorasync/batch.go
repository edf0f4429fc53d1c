package vendorasync

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/catalog_backend/models"
)

// ItemResult is the explicit per-item outcome of a batch operation. Expected
// remote rejections land here as data; returned errors are reserved for
// whole-batch failures.
type ItemResult struct {
	Key     string
	Outcome string
	Reason  string
}

// BatchOutcome aggregates every item of one batched pass.
type BatchOutcome struct {
	Total     int
	Succeeded int
	Errored   int
	Skipped   int
	NotFound  int
	Results   []ItemResult
}

func (o *BatchOutcome) add(r ItemResult) {
	o.Total++
	o.Results = append(o.Results, r)
	switch r.Outcome {
	case models.ItemOutcomeSynced:
		o.Succeeded++
	case models.ItemOutcomeError:
		o.Errored++
	case models.ItemOutcomeNotFound:
		o.NotFound++
	default:
		o.Skipped++
	}
}

// Merge folds another outcome into this one.
func (o *BatchOutcome) Merge(other BatchOutcome) {
	o.Total += other.Total
	o.Succeeded += other.Succeeded
	o.Errored += other.Errored
	o.Skipped += other.Skipped
	o.NotFound += other.NotFound
	o.Results = append(o.Results, other.Results...)
}

// RunBatches splits items into fixed-size batches, waits delay between
// batches (remote-API throttling, not contention), and aggregates per-item
// results. A batch-level error marks every item of that batch errored and
// processing continues with the next batch, so one bad batch cannot abort the
// run.
func RunBatches[T any](
	ctx context.Context,
	items []T,
	batchSize int,
	delay time.Duration,
	keyOf func(T) string,
	fn func(ctx context.Context, batch []T) ([]ItemResult, error),
) BatchOutcome {
	outcome := BatchOutcome{}
	if batchSize <= 0 {
		batchSize = 50
	}

	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		if start > 0 && delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				for _, item := range batch {
					outcome.add(ItemResult{Key: keyOf(item), Outcome: models.ItemOutcomeSkipped, Reason: ctx.Err().Error()})
				}
				continue
			}
		}

		results, err := fn(ctx, batch)
		if err != nil {
			for _, item := range batch {
				outcome.add(ItemResult{Key: keyOf(item), Outcome: models.ItemOutcomeError, Reason: err.Error()})
			}
			continue
		}
		for _, r := range results {
			outcome.add(r)
		}
	}
	return outcome
}
