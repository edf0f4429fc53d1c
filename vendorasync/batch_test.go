package vendorasync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/catalog_backend/models"
)

func TestRunBatches_BatchFailureDoesNotAbortRun(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e", "f"}
	calls := 0

	outcome := RunBatches(context.Background(), items, 2, 0,
		func(s string) string { return s },
		func(ctx context.Context, batch []string) ([]ItemResult, error) {
			calls++
			if calls == 2 {
				return nil, errors.New("remote hiccup")
			}
			results := make([]ItemResult, 0, len(batch))
			for _, s := range batch {
				results = append(results, ItemResult{Key: s, Outcome: models.ItemOutcomeSynced})
			}
			return results, nil
		})

	if calls != 3 {
		t.Fatalf("expected 3 batches, ran %d", calls)
	}
	if outcome.Total != 6 {
		t.Fatalf("expected 6 items accounted for, got %d", outcome.Total)
	}
	if outcome.Succeeded != 4 || outcome.Errored != 2 {
		t.Fatalf("expected 4 synced / 2 errored, got %d / %d", outcome.Succeeded, outcome.Errored)
	}
	for _, r := range outcome.Results {
		if (r.Key == "c" || r.Key == "d") && r.Outcome != models.ItemOutcomeError {
			t.Fatalf("item %s should carry the batch error, got %s", r.Key, r.Outcome)
		}
	}
}

func TestRunBatches_PerItemOutcomesAreKept(t *testing.T) {
	items := []int{1, 2, 3}
	outcome := RunBatches(context.Background(), items, 10, 0,
		func(i int) string { return fmt.Sprint(i) },
		func(ctx context.Context, batch []int) ([]ItemResult, error) {
			return []ItemResult{
				{Key: "1", Outcome: models.ItemOutcomeSynced},
				{Key: "2", Outcome: models.ItemOutcomeNotFound},
				{Key: "3", Outcome: models.ItemOutcomeError, Reason: "rejected"},
			}, nil
		})

	if outcome.Succeeded != 1 || outcome.NotFound != 1 || outcome.Errored != 1 {
		t.Fatalf("outcome mix wrong: %+v", outcome)
	}
}

func TestRunBatches_CancelledContextSkipsRemainingBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	items := []string{"a", "b", "c", "d"}

	outcome := RunBatches(ctx, items, 2, time.Hour,
		func(s string) string { return s },
		func(ctx context.Context, batch []string) ([]ItemResult, error) {
			// Cancel after the first batch; the inter-batch delay observes it.
			cancel()
			results := make([]ItemResult, 0, len(batch))
			for _, s := range batch {
				results = append(results, ItemResult{Key: s, Outcome: models.ItemOutcomeSynced})
			}
			return results, nil
		})

	if outcome.Succeeded != 2 {
		t.Fatalf("first batch should complete, got %d synced", outcome.Succeeded)
	}
	if outcome.Skipped != 2 {
		t.Fatalf("remaining items should be skipped, got %d", outcome.Skipped)
	}
}
