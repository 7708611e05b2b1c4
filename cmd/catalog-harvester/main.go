package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/config"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/crawler"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/errlog"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/fetch"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/logging"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/metrics"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/parser"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/proxy"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/source"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/storage"
	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/store"
)

func main() {
	cfg := config.MustLoad()
	logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})
	log := logging.Component("main")
	log.Info("catalog harvester", "version", crawler.Version, "git_sha", crawler.GitSHA)

	// Graceful shutdown: in-flight items finish, queued ones are dropped.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		if ctx.Err() != nil {
			log.Info("shutdown complete", "reason", err)
			return
		}
		log.Error("harvester failed", "error", err)
		os.Exit(1)
	}
	log.Info("harvester stopped cleanly")
}

func run(ctx context.Context, cfg config.Config) error {
	log := logging.Component("main")

	recordStore, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer recordStore.Close()

	src, err := source.OpenSQLite(ctx, cfg.Source)
	if err != nil {
		return err
	}
	defer src.Close()

	progressStore, err := storage.Open(ctx, cfg.Progress.Location)
	if err != nil {
		return err
	}
	defer progressStore.Close()

	tracker, err := checkpoint.NewTracker(checkpoint.Config{
		Enabled: cfg.Progress.Enabled,
		Store:   progressStore,
		Key:     cfg.Progress.Key,
	})
	if err != nil {
		return err
	}

	reporter, err := errlog.OpenFile(cfg.ErrorLog.Path)
	if err != nil {
		return err
	}
	defer reporter.Close()

	fetchOpts := fetch.OptionsFromConfig(cfg.Fetch)
	fetchOpts.Anchor = parser.HasSpecTable

	c, err := crawler.New(cfg, crawler.Deps{
		Fetcher:  fetch.NewClient(fetchOpts),
		Rotator:  proxy.NewRotator(cfg.Proxy),
		Store:    recordStore,
		Tracker:  tracker,
		Source:   src,
		Reporter: reporter,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var server *http.Server
	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
		server = &http.Server{Addr: cfg.Metrics.Address, Handler: metrics.Handler()}
		g.Go(func() error {
			log.Info("serving metrics", "address", cfg.Metrics.Address)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			if server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				server.Shutdown(shutdownCtx)
			}
		}()
		summary, err := c.Run(gctx)
		log.Info("run summary",
			"run_id", c.RunID(),
			"done", summary.Done,
			"failed", summary.Failed,
			"skipped", summary.Skipped,
			"canceled", summary.Canceled,
		)
		return err
	})

	return g.Wait()
}
