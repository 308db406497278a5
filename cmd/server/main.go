// Command server starts the POI crawl control plane: HTTP API, vendor proxy,
// scheduler loop and in-process crawl workers in one binary.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/poiplane/poiplane/internal/adapter/amap"
	httpserver "github.com/poiplane/poiplane/internal/adapter/httpserver"
	"github.com/poiplane/poiplane/internal/adapter/observability"
	"github.com/poiplane/poiplane/internal/adapter/queue/inproc"
	"github.com/poiplane/poiplane/internal/adapter/repo/postgres"
	"github.com/poiplane/poiplane/internal/adapter/sink"
	"github.com/poiplane/poiplane/internal/app"
	"github.com/poiplane/poiplane/internal/clock"
	"github.com/poiplane/poiplane/internal/config"
	"github.com/poiplane/poiplane/internal/domain"
	"github.com/poiplane/poiplane/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	clk, err := clock.NewZoned(cfg.Timezone)
	if err != nil {
		slog.Error("timezone load failed", slog.Any("error", err))
		os.Exit(1)
	}

	catalog := config.LoadCatalogOrDefault(cfg.POITypesFile)
	slog.Info("catalog loaded", slog.Int("categories", len(catalog)))

	ctx := context.Background()
	pool, err := postgres.Connect(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	credRepo := postgres.NewCredentialRepo(pool)
	taskRepo := postgres.NewTaskRepo(pool)

	keyPool := usecase.NewKeyPoolService(credRepo, clk, cfg.KeyResetHour)

	upstream, err := amap.NewClient(cfg.AmapBaseURL, cfg.RequestTimeoutDuration(), cfg.UpstreamProxyURL())
	if err != nil {
		slog.Error("upstream client setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	proxySvc := usecase.NewProxyService(keyPool, credRepo, upstream)

	// The fetcher waits through the proxy's credential retries, hence the
	// headroom over a single upstream timeout.
	fetcher := amap.NewPageFetcher(cfg.CustomProxyURL, 3*cfg.RequestTimeoutDuration())
	resultSink := sink.NewCSV(cfg.ResultsDir)

	executor := inproc.New(cfg.MaxWorkers, 64)
	engine := usecase.NewCrawlEngine(taskRepo, fetcher, resultSink, catalog, clk, cfg.PageInterval, cfg.CategoryInterval)
	executor.OnPanic = func(taskID string, rec any) {
		slog.Error("crawl run panicked, marking task failed",
			slog.String("task_id", taskID),
			slog.Any("recover", rec))
		if err := taskRepo.UpdateStatus(context.Background(), taskID, domain.TaskFailed, clk.Now()); err != nil {
			slog.Error("failed-mark after panic did not commit", slog.String("task_id", taskID), slog.Any("error", err))
		}
	}

	sched := usecase.NewScheduler(taskRepo, keyPool, executor, engine.Execute, clk, usecase.SchedulerConfig{
		Interval:     cfg.SchedInterval,
		StallWindow:  cfg.StallWindow,
		DayCap:       cfg.DayCap,
		NightCap:     cfg.NightCap,
		NightEndHour: cfg.NightEndHour,
	})

	appCtx, stopApp := context.WithCancel(ctx)
	defer stopApp()
	sched.Start(appCtx)

	tasksSvc := usecase.NewTasksService(taskRepo, executor, resultSink, clk, clk.Location(), cfg.StallWindow)

	srv := httpserver.NewServer(cfg, tasksSvc, sched, proxySvc, keyPool, credRepo,
		func() { sched.Start(appCtx); sched.Kick() },
		app.BuildDBCheck(pool),
	)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	stopApp()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	executor.Shutdown(shutdownCtx)
	_ = srvHTTP.Shutdown(shutdownCtx)
	slog.Info("shutdown complete")
}
