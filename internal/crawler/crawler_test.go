package crawler

import (
	"context"
	"testing"

	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/errlog"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/source"
)

func TestRunDispatchesOnlyRemainingItems(t *testing.T) {
	ctx := context.Background()
	work := items(10)
	fetcher := newMockFetcher()
	tracker := checkpoint.NewMemoryTracker()
	src := source.NewMemorySource(work...)

	// K = 3 items finished in a previous run
	done := []int64{2, 5, 9}
	for _, id := range done {
		if err := tracker.MarkDone(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	c, err := New(testConfig(), Deps{
		Fetcher:  fetcher,
		Rotator:  testRotator(),
		Store:    newMockStore(),
		Tracker:  tracker,
		Source:   src,
		Reporter: errlog.NewMemoryReporter(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	summary, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Total != 10 || summary.Skipped != 3 || summary.Dispatched != 7 || summary.Done != 7 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if fetcher.totalCalls() != 7 {
		t.Errorf("expected 7 fetches, got %d", fetcher.totalCalls())
	}
	for _, id := range done {
		if n := fetcher.attempts(work[id-1].URL); n != 0 {
			t.Errorf("item %d was already done but fetched %d times", id, n)
		}
	}
	if tracker.Len() != 10 {
		t.Errorf("expected all 10 ids done, got %d", tracker.Len())
	}
}

func TestRunNothingPending(t *testing.T) {
	ctx := context.Background()
	work := items(2)
	tracker := checkpoint.NewMemoryTracker()
	tracker.MarkDone(ctx, 1)
	tracker.MarkDone(ctx, 2)

	fetcher := newMockFetcher()
	c, err := New(testConfig(), Deps{
		Fetcher: fetcher,
		Rotator: testRotator(),
		Store:   newMockStore(),
		Tracker: tracker,
		Source:  source.NewMemorySource(work...),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	summary, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Skipped != 2 || summary.Dispatched != 0 || fetcher.totalCalls() != 0 {
		t.Errorf("unexpected summary %+v", summary)
	}
}

func TestRunReportsFailuresWithoutError(t *testing.T) {
	ctx := context.Background()
	work := items(4)
	fetcher := newMockFetcher()
	fetcher.script(work[0].URL, permanentOutcome())
	reporter := errlog.NewMemoryReporter()

	c, err := New(testConfig(), Deps{
		Fetcher:  fetcher,
		Rotator:  testRotator(),
		Store:    newMockStore(),
		Tracker:  checkpoint.NewMemoryTracker(),
		Source:   source.NewMemorySource(work...),
		Reporter: reporter,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	summary, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("failed items must not abort the run: %v", err)
	}
	if summary.Failed != 1 || summary.Done != 3 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if len(reporter.Entries()) != 1 {
		t.Errorf("expected one error entry")
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(testConfig(), Deps{}); err == nil {
		t.Error("expected error for missing dependencies")
	}
}

func TestNewAssignsRunID(t *testing.T) {
	deps := Deps{
		Fetcher: newMockFetcher(),
		Rotator: testRotator(),
		Store:   newMockStore(),
		Tracker: checkpoint.NewMemoryTracker(),
		Source:  source.NewMemorySource(),
	}
	a, err := New(testConfig(), deps)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(testConfig(), deps)
	if err != nil {
		t.Fatal(err)
	}
	if a.RunID() == "" || a.RunID() == b.RunID() {
		t.Errorf("run ids should be unique: %q %q", a.RunID(), b.RunID())
	}
}
