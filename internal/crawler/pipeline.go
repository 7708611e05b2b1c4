package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/errlog"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/fetch"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/logging"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/metrics"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/parser"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/proxy"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/source"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/store"
)

// Deps are the collaborators a pipeline drives.
type Deps struct {
	Fetcher  fetch.Fetcher
	Rotator  *proxy.Rotator
	Store    store.RecordStore
	Tracker  checkpoint.Tracker
	Source   source.WorkSource
	Reporter errlog.Reporter
}

// Options tune the worker pool.
type Options struct {
	Workers        int
	QueueSize      int
	MaxRetry       int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BaseURL        *url.URL
	Backend        string // metrics label for the record store
	ProgressEvery  int    // log progress every N terminal items
}

// Pipeline implements the dispatcher → workers → collector flow.
// Items complete in any order; every dispatched item yields one result.
type Pipeline struct {
	deps Deps
	opts Options
	log  *slog.Logger

	workQueue  chan Task
	resultChan chan Result
	wg         sync.WaitGroup
	inFlight   atomic.Int64
}

// NewPipeline creates a new worker pipeline.
func NewPipeline(deps Deps, opts Options) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = opts.Workers * 2
	}
	if opts.MaxRetry < 1 {
		opts.MaxRetry = 10
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 200 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.ProgressEvery < 1 {
		opts.ProgressEvery = 25
	}
	if opts.Backend == "" {
		opts.Backend = "sqlite"
	}

	return &Pipeline{
		deps:       deps,
		opts:       opts,
		log:        logging.Component("pipeline"),
		workQueue:  make(chan Task, opts.QueueSize),
		resultChan: make(chan Result, opts.QueueSize),
	}
}

// WithLogger replaces the pipeline logger.
func (p *Pipeline) WithLogger(log *slog.Logger) *Pipeline {
	p.log = log
	return p
}

// Run processes items and blocks until every dispatched item has a result.
// A non-nil error is returned only when ctx was canceled; item failures
// are counted in the summary.
func (p *Pipeline) Run(ctx context.Context, items []source.WorkItem) (Summary, error) {
	var summary Summary
	if len(items) == 0 {
		return summary, nil
	}

	p.log.Info("starting crawl", "items", len(items), "workers", p.opts.Workers)

	// Start worker pool
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}

	// Start dispatcher
	dispatched := make(chan int, 1)
	go func() {
		dispatched <- p.dispatcherLoop(ctx, items)
	}()

	// Close results when workers finish
	go func() {
		p.wg.Wait()
		close(p.resultChan)
	}()

	p.collectorLoop(len(items), &summary)
	summary.Dispatched = <-dispatched

	if summary.Dispatched < len(items) || summary.Canceled > 0 {
		return summary, ctx.Err()
	}
	return summary, nil
}

// dispatcherLoop sends tasks to workers and returns how many it sent.
func (p *Pipeline) dispatcherLoop(ctx context.Context, items []source.WorkItem) int {
	defer close(p.workQueue)

	sent := 0
	for i, item := range items {
		task := Task{
			Item:  item,
			Index: i,
			Port:  p.deps.Rotator.Initial(i),
			State: StatePending,
		}

		select {
		case <-ctx.Done():
			p.log.Info("dispatcher stopped", "dispatched", sent, "remaining", len(items)-sent)
			return sent
		case p.workQueue <- task:
			sent++
		}

		if m := metrics.Get(); m != nil {
			m.SetWorkerQueueDepth(float64(len(p.workQueue)))
		}
	}

	return sent
}

// workerLoop processes tasks until the queue is closed.
func (p *Pipeline) workerLoop(ctx context.Context, workerID int) {
	defer p.wg.Done()
	wlog := logging.WorkerLogger(p.log, workerID)

	for task := range p.workQueue {
		// Queued tasks are drained without work once shutdown starts.
		if ctx.Err() != nil {
			p.resultChan <- Result{Task: task, Reason: ReasonCanceled, Err: ctx.Err()}
			continue
		}

		n := p.inFlight.Add(1)
		if m := metrics.Get(); m != nil {
			m.SetInFlightItems(float64(n))
		}

		itemCtx := logging.WithCorrelationID(ctx, logging.GenerateCorrelationID())
		result := p.processTask(itemCtx, wlog, workerID, task)

		n = p.inFlight.Add(-1)
		if m := metrics.Get(); m != nil {
			m.SetInFlightItems(float64(n))
			if result.Task.State.Terminal() {
				m.ObserveItemDuration(result.Duration.Seconds())
			}
		}

		p.resultChan <- result
	}
}

// processTask drives one item through its state machine.
func (p *Pipeline) processTask(ctx context.Context, wlog *slog.Logger, workerID int, task Task) Result {
	startTime := time.Now()
	log := logging.ItemLogger(ctx, wlog, task.Item.ID, task.Item.URL)

	// In-flight work runs to completion on shutdown; only waits between
	// attempts observe cancellation.
	workCtx := context.WithoutCancel(ctx)

	bo := p.newBackOff()
	workerLabel := metrics.Labels{Worker: strconv.Itoa(workerID)}

	for {
		task.Attempt++
		p.transition(log, &task, StateFetching)

		ep := p.deps.Rotator.Endpoint(task.Port)
		if m := metrics.Get(); m != nil {
			m.SetProxyPort(workerLabel, float64(task.Port))
		}

		fetchStart := time.Now()
		out := p.deps.Fetcher.Fetch(workCtx, task.Item.URL, ep)
		if m := metrics.Get(); m != nil {
			l := metrics.Labels{Outcome: out.Kind.String()}
			m.IncFetchAttempts(l)
			m.ObserveFetchDuration(l, time.Since(fetchStart).Seconds())
		}

		switch out.Kind {
		case fetch.Success:
			log.Debug("fetched page", "attempt", task.Attempt, "proxy", ep.String(), "bytes", len(out.Body))
			result := p.handleBody(workCtx, log, task, out.Body)
			result.Duration = time.Since(startTime)
			return result

		case fetch.Permanent:
			result := p.fail(log, task, ReasonPermanent, out.Reason, out.AsError())
			result.Duration = time.Since(startTime)
			return result
		}

		// Transient
		log.Debug("fetch attempt failed",
			"attempt", task.Attempt,
			"proxy", ep.String(),
			"status", out.Status,
			"reason", out.Reason,
			"error", out.Err,
		)

		if task.Attempt >= p.opts.MaxRetry {
			msg := fmt.Sprintf("Request failed after %d attempts: %s", task.Attempt, out.AsError())
			result := p.fail(log, task, ReasonRetriesExhausted, msg, out.AsError())
			result.Duration = time.Since(startTime)
			return result
		}

		task.Port = p.deps.Rotator.Next(task.Port)
		p.transition(log, &task, StateRetrying)

		if m := metrics.Get(); m != nil {
			m.IncRetryAttempts(metrics.Labels{Operation: "fetch"})
		}

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			log.Info("retry abandoned on shutdown", "attempt", task.Attempt)
			return Result{Task: task, Reason: ReasonCanceled, Err: ctx.Err(), Duration: time.Since(startTime)}
		}
	}
}

// handleBody runs parse → validate → persist → checkpoint for a fetched page.
func (p *Pipeline) handleBody(ctx context.Context, log *slog.Logger, task Task, body []byte) Result {
	p.transition(log, &task, StateParsing)

	rec, err := parser.Parse(body, p.opts.BaseURL)
	if err != nil {
		msg := "Failed to parse page"
		if errors.Is(err, parser.ErrNoSpecTable) {
			msg = "Specified table not found"
		}
		return p.fail(log, task, ReasonParse, msg, err)
	}

	vr := ValidateRecord(rec)
	for _, w := range vr.Warnings {
		log.Debug("record warning", "warning", w)
	}
	if !vr.Passed {
		msg := "Record rejected: " + strings.Join(vr.Errors, "; ")
		return p.fail(log, task, ReasonValidation, msg, nil)
	}

	p.transition(log, &task, StatePersisting)

	backend := metrics.Labels{Backend: p.opts.Backend}
	upsertStart := time.Now()
	res, err := p.deps.Store.Upsert(ctx, task.Item.URL, rec)
	if err != nil {
		if m := metrics.Get(); m != nil {
			l := backend
			l.Operation = "upsert"
			var se *store.Error
			if errors.As(err, &se) {
				l.Operation = se.Op
			}
			m.IncStoreErrors(l)
		}
		return p.fail(log, task, ReasonStore, "Failed to store record", err)
	}
	if m := metrics.Get(); m != nil {
		m.ObserveUpsertDuration(backend, time.Since(upsertStart).Seconds())
		if len(res.ColumnsAdded) > 0 {
			m.AddColumnsAdded(backend, float64(len(res.ColumnsAdded)))
		}
	}
	if len(res.ColumnsAdded) > 0 {
		log.Info("added columns", "columns", res.ColumnsAdded)
	}
	if !res.Inserted {
		log.Debug("record already stored")
	}

	// The tracker is authoritative; the source flag is advisory.
	if err := p.deps.Source.MarkProcessed(ctx, task.Item.ID); err != nil {
		log.Warn("failed to mark source item processed", "error", err)
	}

	if err := p.deps.Tracker.MarkDone(ctx, task.Item.ID); err != nil {
		result := p.fail(log, task, ReasonCheckpoint, "Failed to save progress", err)
		result.Upsert = res
		return result
	}

	p.transition(log, &task, StateDone)
	log.Info("item done",
		"attempts", task.Attempt,
		"brand", rec.Brand,
		"product_name", rec.ProductName,
		"attributes", vr.AttributeCount,
		"assets", vr.AssetCount,
	)

	if m := metrics.Get(); m != nil {
		m.IncItemsDone(backend)
	}

	return Result{Task: task, Upsert: res}
}

// fail moves task to Failed and writes its single error log entry.
func (p *Pipeline) fail(log *slog.Logger, task Task, reason, message string, cause error) Result {
	p.transition(log, &task, StateFailed)

	var err error
	if cause != nil {
		err = errors.WithStack(cause)
	} else {
		err = errors.New(message)
	}

	entry := errlog.Entry{
		Time:    time.Now(),
		ItemID:  task.Item.ID,
		URL:     task.Item.URL,
		Message: message,
		Err:     err,
	}
	if p.deps.Reporter != nil {
		if rerr := p.deps.Reporter.Report(entry); rerr != nil {
			log.Error("failed to write error log", "error", rerr)
		}
	}

	log.Warn("item failed", "reason", reason, "attempts", task.Attempt, "error", message)

	if m := metrics.Get(); m != nil {
		m.IncItemsFailed(metrics.Labels{Reason: reason})
	}

	return Result{Task: task, Reason: reason, Err: err}
}

func (p *Pipeline) transition(log *slog.Logger, task *Task, next State) {
	log.Debug("state transition", "from", task.State.String(), "to", next.String(), "attempt", task.Attempt)
	task.State = next
}

func (p *Pipeline) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.BackoffInitial
	b.MaxInterval = p.opts.BackoffMax
	b.MaxElapsedTime = 0 // the retry budget bounds attempts
	b.Reset()
	return b
}

// collectorLoop tallies results until the result channel closes.
func (p *Pipeline) collectorLoop(total int, summary *Summary) {
	startTime := time.Now()
	finished := 0

	for result := range p.resultChan {
		switch result.Task.State {
		case StateDone:
			summary.Done++
		case StateFailed:
			summary.Failed++
		default:
			summary.Canceled++
		}

		finished++
		if finished%p.opts.ProgressEvery == 0 || finished == total {
			elapsed := time.Since(startTime)
			rate := float64(finished) / elapsed.Seconds()
			p.log.Info("crawl progress",
				"finished", finished,
				"total", total,
				"done", summary.Done,
				"failed", summary.Failed,
				"rate_per_sec", fmt.Sprintf("%.2f", rate),
			)
			if m := metrics.Get(); m != nil {
				m.SetItemsPerSecond(rate)
			}
		}
	}
}
