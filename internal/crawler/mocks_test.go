package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/config"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/fetch"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/parser"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/proxy"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/source"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/store"
)

func productPage(brand, model string) []byte {
	return []byte(fmt.Sprintf(`<html><body>
<div class="gallery"><img class="gallery-image" data-src="/img/%s.jpg"></div>
<table class="specs responsive">
<tr><td>Brand</td><td>%s</td></tr>
<tr><td>Model Name</td><td>%s</td></tr>
</table></body></html>`, strings.ToLower(model), brand, model))
}

func success(body []byte) fetch.Outcome {
	return fetch.Outcome{Kind: fetch.Success, Status: 200, Body: body}
}

func transientOutcome(status int) fetch.Outcome {
	return fetch.Outcome{Kind: fetch.Transient, Status: status, Reason: fmt.Sprintf("status code %d", status)}
}

func permanentOutcome() fetch.Outcome {
	return fetch.Outcome{Kind: fetch.Permanent, Status: 200, Reason: "specification table not found"}
}

// mockFetcher returns scripted outcomes per URL. The last scripted outcome
// repeats; URLs without a script get a product page.
type mockFetcher struct {
	mu      sync.Mutex
	scripts map[string][]fetch.Outcome
	calls   map[string][]proxy.Endpoint
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{
		scripts: make(map[string][]fetch.Outcome),
		calls:   make(map[string][]proxy.Endpoint),
	}
}

func (m *mockFetcher) script(target string, outcomes ...fetch.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[target] = outcomes
}

func (m *mockFetcher) Fetch(ctx context.Context, target string, ep proxy.Endpoint) fetch.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.calls[target])
	m.calls[target] = append(m.calls[target], ep)

	script, ok := m.scripts[target]
	if !ok || len(script) == 0 {
		return success(productPage("Acme", fmt.Sprintf("X%d", n+1)))
	}
	if n >= len(script) {
		return script[len(script)-1]
	}
	return script[n]
}

func (m *mockFetcher) attempts(target string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls[target])
}

func (m *mockFetcher) ports(target string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.calls[target]))
	for _, ep := range m.calls[target] {
		out = append(out, ep.Port)
	}
	return out
}

func (m *mockFetcher) totalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += len(c)
	}
	return n
}

// mockStore implements store.RecordStore in memory.
type mockStore struct {
	mu      sync.Mutex
	rows    map[string]*parser.Record
	columns map[string]bool
	upserts int
	failURL string
}

func newMockStore() *mockStore {
	return &mockStore{
		rows:    make(map[string]*parser.Record),
		columns: make(map[string]bool),
	}
}

func (m *mockStore) Upsert(ctx context.Context, target string, rec *parser.Record) (store.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++

	if target == m.failURL {
		return store.UpsertResult{}, &store.Error{Op: "insert", URL: target, Err: errors.New("disk I/O error")}
	}

	var res store.UpsertResult
	for _, k := range rec.Attributes.Keys() {
		if !m.columns[k] {
			m.columns[k] = true
			res.ColumnsAdded = append(res.ColumnsAdded, k)
		}
	}
	if _, ok := m.rows[target]; !ok {
		m.rows[target] = rec
		res.Inserted = true
	}
	return res, nil
}

func (m *mockStore) Columns(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for c := range m.columns {
		out = append(out, c)
	}
	return out, nil
}

func (m *mockStore) Close() error { return nil }

func (m *mockStore) rowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// failingTracker wraps a tracker and fails MarkDone for selected ids.
type failingTracker struct {
	checkpoint.Tracker
	mu     sync.Mutex
	failOn map[int64]bool
}

func (f *failingTracker) MarkDone(ctx context.Context, id int64) error {
	f.mu.Lock()
	fail := f.failOn[id]
	f.mu.Unlock()
	if fail {
		return errors.New("progress file not writable")
	}
	return f.Tracker.MarkDone(ctx, id)
}

func testRotator() *proxy.Rotator {
	return proxy.NewRotator(config.ProxyConfig{
		Scheme:       "http",
		Host:         "proxy.test",
		Username:     "crawler",
		Password:     "secret",
		UserPrefix:   "user-",
		StartingPort: 8001,
		MaxPort:      8003,
		Spread:       1,
	})
}

func testOptions() Options {
	cfg := testConfig()
	base, _ := url.Parse(cfg.Fetch.BaseURL)
	return Options{
		Workers:        4,
		QueueSize:      8,
		MaxRetry:       cfg.Pool.MaxRetry,
		BackoffInitial: cfg.Pool.BackoffInitial,
		BackoffMax:     cfg.Pool.BackoffMax,
		BaseURL:        base,
		Backend:        "memory",
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Pool.Workers = 4
	cfg.Pool.QueueSize = 8
	cfg.Pool.MaxRetry = 10
	cfg.Pool.BackoffInitial = time.Millisecond
	cfg.Pool.BackoffMax = 2 * time.Millisecond
	cfg.Store.Backend = "memory"
	return cfg
}

func items(n int) []source.WorkItem {
	out := make([]source.WorkItem, n)
	for i := range out {
		out[i] = source.WorkItem{ID: int64(i + 1), URL: fmt.Sprintf("https://www.laptoparena.net/p/%d", i+1)}
	}
	return out
}
