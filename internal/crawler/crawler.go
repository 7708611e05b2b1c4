// Package crawler fetches pending product pages through rotating proxies
// and stores the parsed records, checkpointing each success.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/config"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/logging"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/metrics"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/source"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// Crawler orchestrates one crawl run.
type Crawler struct {
	deps  Deps
	opts  Options
	runID string
	log   *slog.Logger
}

// New creates a crawler from configuration and its collaborators.
func New(cfg config.Config, deps Deps) (*Crawler, error) {
	if deps.Fetcher == nil || deps.Rotator == nil || deps.Store == nil ||
		deps.Tracker == nil || deps.Source == nil {
		return nil, fmt.Errorf("crawler: missing dependency")
	}

	base, err := url.Parse(cfg.Fetch.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	runID := uuid.New().String()
	return &Crawler{
		deps: deps,
		opts: Options{
			Workers:        cfg.Pool.Workers,
			QueueSize:      cfg.Pool.QueueSize,
			MaxRetry:       cfg.Pool.MaxRetry,
			BackoffInitial: cfg.Pool.BackoffInitial,
			BackoffMax:     cfg.Pool.BackoffMax,
			BaseURL:        base,
			Backend:        cfg.Store.Backend,
		},
		runID: runID,
		log:   logging.Component("crawler").With("run_id", runID),
	}, nil
}

// RunID identifies this run in logs.
func (c *Crawler) RunID() string {
	return c.runID
}

// Run loads progress, filters the pending work against it and crawls the
// rest. Failed items are counted, not returned as an error.
func (c *Crawler) Run(ctx context.Context) (Summary, error) {
	c.log.Info("starting crawler", "version", Version, "git_sha", GitSHA)
	startTime := time.Now()

	state, err := c.deps.Tracker.Load(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load progress: %w", err)
	}
	c.log.Info("loaded progress", "done", len(state.Processed))

	pending, err := c.deps.Source.Pending(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("read work source: %w", err)
	}

	remaining := c.filter(pending)
	summary := Summary{
		Total:   len(pending),
		Skipped: len(pending) - len(remaining),
	}
	if m := metrics.Get(); m != nil && summary.Skipped > 0 {
		m.AddItemsSkipped(float64(summary.Skipped))
	}

	c.log.Info("work planned",
		"pending", summary.Total,
		"skipped", summary.Skipped,
		"remaining", len(remaining),
	)

	if len(remaining) == 0 {
		c.log.Info("nothing to crawl")
		return summary, nil
	}

	p := NewPipeline(c.deps, c.opts).WithLogger(logging.Component("pipeline").With("run_id", c.runID))
	result, runErr := p.Run(ctx, remaining)
	summary.Dispatched = result.Dispatched
	summary.Done = result.Done
	summary.Failed = result.Failed
	summary.Canceled = result.Canceled

	c.log.Info("crawl finished",
		"total", summary.Total,
		"skipped", summary.Skipped,
		"dispatched", summary.Dispatched,
		"done", summary.Done,
		"failed", summary.Failed,
		"canceled", summary.Canceled,
		"duration", time.Since(startTime).Round(time.Millisecond).String(),
	)

	return summary, runErr
}

// filter drops items already in the done-set, keeping source order.
func (c *Crawler) filter(items []source.WorkItem) []source.WorkItem {
	out := make([]source.WorkItem, 0, len(items))
	for _, it := range items {
		if c.deps.Tracker.Done(it.ID) {
			continue
		}
		out = append(out, it)
	}
	return out
}
