package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/errlog"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/fetch"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/logging"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/parser"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/source"
)

type harness struct {
	fetcher  *mockFetcher
	store    *mockStore
	tracker  checkpoint.Tracker
	source   *source.MemorySource
	reporter *errlog.MemoryReporter
}

func newHarness(work []source.WorkItem) *harness {
	return &harness{
		fetcher:  newMockFetcher(),
		store:    newMockStore(),
		tracker:  checkpoint.NewMemoryTracker(),
		source:   source.NewMemorySource(work...),
		reporter: errlog.NewMemoryReporter(),
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Fetcher:  h.fetcher,
		Rotator:  testRotator(),
		Store:    h.store,
		Tracker:  h.tracker,
		Source:   h.source,
		Reporter: h.reporter,
	}
}

func (h *harness) run(t *testing.T, opts Options, work []source.WorkItem) Summary {
	t.Helper()
	summary, err := NewPipeline(h.deps(), opts).Run(context.Background(), work)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return summary
}

func TestPipelineAllSucceed(t *testing.T) {
	work := items(25)
	h := newHarness(work)

	summary := h.run(t, testOptions(), work)

	if summary.Dispatched != 25 || summary.Done != 25 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if h.store.rowCount() != 25 {
		t.Errorf("expected 25 stored rows, got %d", h.store.rowCount())
	}
	if h.tracker.Len() != 25 {
		t.Errorf("expected 25 done ids, got %d", h.tracker.Len())
	}
	for _, it := range work {
		if !h.source.Processed(it.ID) {
			t.Errorf("item %d not marked processed in source", it.ID)
		}
	}
	if n := len(h.reporter.Entries()); n != 0 {
		t.Errorf("expected no error entries, got %d", n)
	}
}

func TestPipelinePermanentFailureMakesOneAttempt(t *testing.T) {
	work := items(1)
	h := newHarness(work)
	h.fetcher.script(work[0].URL, permanentOutcome())

	summary := h.run(t, testOptions(), work)

	if summary.Failed != 1 || summary.Done != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if n := h.fetcher.attempts(work[0].URL); n != 1 {
		t.Errorf("permanent failure must not be retried, got %d attempts", n)
	}
	entries := h.reporter.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one error entry, got %d", len(entries))
	}
	if entries[0].ItemID != 1 || entries[0].URL != work[0].URL {
		t.Errorf("entry missing item context: %+v", entries[0])
	}
	if h.store.upserts != 0 || h.tracker.Done(1) {
		t.Error("failed item must not be stored or checkpointed")
	}
}

func TestPipelineNoTableInSuccessBodyFails(t *testing.T) {
	work := items(1)
	h := newHarness(work)
	h.fetcher.script(work[0].URL, success([]byte(`<html><body><p>Brands</p></body></html>`)))

	summary := h.run(t, testOptions(), work)

	if summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if n := h.fetcher.attempts(work[0].URL); n != 1 {
		t.Errorf("expected one attempt, got %d", n)
	}
	entries := h.reporter.Entries()
	if len(entries) != 1 || entries[0].Message != "Specified table not found" {
		t.Errorf("unexpected entries %+v", entries)
	}
}

func TestPipelineTransientRotatesAndWraps(t *testing.T) {
	work := items(1)
	h := newHarness(work)
	h.fetcher.script(work[0].URL,
		transientOutcome(503),
		transientOutcome(403),
		transientOutcome(429),
		transientOutcome(502),
		success(productPage("Acme", "X1")),
	)

	summary := h.run(t, testOptions(), work)

	if summary.Done != 1 {
		t.Fatalf("expected item to succeed after retries, got %+v", summary)
	}
	want := []int{8001, 8002, 8003, 8001, 8002}
	if got := h.fetcher.ports(work[0].URL); !reflect.DeepEqual(got, want) {
		t.Errorf("ports = %v, want %v", got, want)
	}
	if n := len(h.reporter.Entries()); n != 0 {
		t.Errorf("recovered item must not be reported, got %d entries", n)
	}
}

func TestPipelineRetriesExhausted(t *testing.T) {
	work := items(1)
	h := newHarness(work)
	h.fetcher.script(work[0].URL, transientOutcome(503))

	opts := testOptions()
	opts.MaxRetry = 3
	summary := h.run(t, opts, work)

	if summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if n := h.fetcher.attempts(work[0].URL); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
	entries := h.reporter.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one error entry, got %d", len(entries))
	}
	if !strings.Contains(entries[0].Message, "after 3 attempts") || !strings.Contains(entries[0].Message, "503") {
		t.Errorf("entry should carry the last reason: %q", entries[0].Message)
	}
	var fe *fetch.Error
	if !errors.As(entries[0].Err, &fe) || fe.Status != 503 {
		t.Errorf("entry error should unwrap to the fetch error, got %v", entries[0].Err)
	}
}

func TestPipelineStoreErrorFailsItemOnly(t *testing.T) {
	work := items(3)
	h := newHarness(work)
	h.store.failURL = work[1].URL

	summary := h.run(t, testOptions(), work)

	if summary.Done != 2 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if h.tracker.Done(work[1].ID) {
		t.Error("item with store error must not be checkpointed")
	}
	if h.source.Processed(work[1].ID) {
		t.Error("item with store error must stay pending in the source")
	}
	if n := h.fetcher.attempts(work[1].URL); n != 1 {
		t.Errorf("store errors are not retried, got %d attempts", n)
	}
	if n := len(h.reporter.Entries()); n != 1 {
		t.Errorf("expected one entry, got %d", n)
	}
}

func TestPipelineCheckpointFailure(t *testing.T) {
	work := items(2)
	h := newHarness(work)
	h.tracker = &failingTracker{Tracker: h.tracker, failOn: map[int64]bool{2: true}}

	summary := h.run(t, testOptions(), work)

	if summary.Done != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	// The record was stored before progress failed
	if h.store.rowCount() != 2 {
		t.Errorf("expected both records stored, got %d", h.store.rowCount())
	}
	if h.tracker.Done(2) {
		t.Error("item 2 must not be done")
	}
}

func TestPipelineStoresTableWithoutAttributes(t *testing.T) {
	work := items(1)
	h := newHarness(work)
	h.fetcher.script(work[0].URL, success([]byte(
		`<table class="specs responsive"><tr><th>Specs</th></tr></table>`)))

	summary := h.run(t, testOptions(), work)

	if summary.Done != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if n := len(h.reporter.Entries()); n != 0 {
		t.Errorf("expected no error entries, got %d", n)
	}
	rec, ok := h.store.rows[work[0].URL]
	if !ok {
		t.Fatal("record should be stored")
	}
	if rec.Brand != parser.Unknown || rec.ProductName != parser.Unknown {
		t.Errorf("expected Unknown names, got brand=%q name=%q", rec.Brand, rec.ProductName)
	}
	if !h.tracker.Done(work[0].ID) {
		t.Error("item should be checkpointed")
	}
}

func TestPipelineLogsCarryWorkerAndCorrelation(t *testing.T) {
	work := items(3)
	h := newHarness(work)

	var buf bytes.Buffer
	log := logging.New(&buf, logging.Config{Format: "json", Level: "info"})

	if _, err := NewPipeline(h.deps(), testOptions()).WithLogger(log).Run(context.Background(), work); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ids := make(map[string]bool)
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		if entry["msg"] != "item done" {
			continue
		}
		if _, ok := entry["worker_id"]; !ok {
			t.Errorf("worker_id missing: %v", entry)
		}
		id, _ := entry["correlation_id"].(string)
		if id == "" {
			t.Errorf("correlation_id missing: %v", entry)
		}
		ids[id] = true
	}
	if len(ids) != 3 {
		t.Errorf("expected 3 distinct correlation ids, got %v", ids)
	}
}

func TestPipelineCanceledBeforeStart(t *testing.T) {
	work := items(10)
	h := newHarness(work)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := NewPipeline(h.deps(), testOptions()).Run(ctx, work)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if summary.Done != 0 || summary.Failed != 0 {
		t.Errorf("no item should reach a terminal state: %+v", summary)
	}
	if summary.Canceled != summary.Dispatched {
		t.Errorf("every dispatched item should be canceled: %+v", summary)
	}
	if h.fetcher.totalCalls() != 0 {
		t.Errorf("no fetch should happen after cancellation, got %d", h.fetcher.totalCalls())
	}
	if n := len(h.reporter.Entries()); n != 0 {
		t.Errorf("canceled items are not failures, got %d entries", n)
	}
}

func TestPipelineEmptyInput(t *testing.T) {
	h := newHarness(nil)
	summary := h.run(t, testOptions(), nil)
	if summary != (Summary{}) {
		t.Errorf("expected zero summary, got %+v", summary)
	}
}
