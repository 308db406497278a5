package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/poiplane/poiplane/internal/adapter/observability"
	"github.com/poiplane/poiplane/internal/domain"
	obsctx "github.com/poiplane/poiplane/internal/observability"
	"github.com/poiplane/poiplane/pkg/textx"
)

// pageSize is the vendor page size the engine requests and the divisor for
// total-page math.
const pageSize = 25

// CrawlEngine drives one task's resumable loop over catalog categories and
// result pages. Every commit is a valid resume point: re-running Execute on
// the same task continues from the persisted cursor without refetching pages
// whose processed_pages counter already advanced past them.
type CrawlEngine struct {
	tasks   domain.TaskRepository
	fetch   domain.PageFetcher
	sink    domain.ResultSink
	catalog domain.Catalog
	clk     domain.Clock

	pageInterval     time.Duration
	categoryInterval time.Duration
}

// NewCrawlEngine constructs the engine.
func NewCrawlEngine(tasks domain.TaskRepository, fetch domain.PageFetcher, sink domain.ResultSink, catalog domain.Catalog, clk domain.Clock, pageInterval, categoryInterval time.Duration) *CrawlEngine {
	return &CrawlEngine{
		tasks:            tasks,
		fetch:            fetch,
		sink:             sink,
		catalog:          catalog,
		clk:              clk,
		pageInterval:     pageInterval,
		categoryInterval: categoryInterval,
	}
}

// Execute runs the crawl for taskID until completion, cancellation or a
// parking condition. True only when the task reached completed.
func (e *CrawlEngine) Execute(ctx domain.Context, taskID string) bool {
	tracer := otel.Tracer("usecase.crawler")
	ctx, span := tracer.Start(ctx, "crawler.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))
	ctx = obsctx.ContextWithTaskID(ctx, taskID)
	lg := slog.Default().With(slog.String("task_id", taskID))

	t, err := e.tasks.GetByTaskID(ctx, taskID)
	if err != nil {
		lg.Error("crawl load failed", slog.Any("error", err))
		return false
	}
	if t.Status == domain.TaskCompleted {
		return true
	}

	if err := e.tasks.UpdateStatus(ctx, taskID, domain.TaskRunning, e.clk.Now()); err != nil {
		lg.Error("crawl start transition failed", slog.Any("error", err))
		return false
	}
	observability.TaskTransition(string(domain.TaskRunning))

	progress := t.Progress.Clone()
	polygon := textx.NormalizePolygon(t.Polygon)

	start := e.catalog.IndexOf(t.CurrentType)
	resumePage := t.CurrentPage
	if t.CurrentType == "" || start < 0 {
		start = 0
		resumePage = 1
	}

	for i := start; i < len(e.catalog); i++ {
		cat := e.catalog[i]
		clg := lg.With(slog.String("category", cat.Label))

		if ctx.Err() != nil {
			e.park(ctx, taskID, domain.TaskPending, "cancelled")
			return false
		}

		if i > start {
			resumePage = 1
		}
		entry, seen := progress[cat.Label]
		if seen && entry.Completed {
			continue
		}

		// Persist the category cursor before the first fetch so a crash
		// resumes here, not at the previous category.
		if err := e.saveCursor(ctx, taskID, cat.Label, max(resumePage, 1), progress); err != nil {
			clg.Error("cursor persist failed", slog.Any("error", err))
			return false
		}

		startPage := 2
		switch {
		case seen && entry.ProcessedPages >= 1:
			// Mid-category resume: the progress entry records how far the
			// previous run got; pages at or below it are never refetched.
			startPage = entry.ProcessedPages + 1
		default:
			page, err := e.fetch.FetchPage(ctx, domain.PlaceQuery{
				Polygon: polygon, Types: cat.Codes, Page: 1, Offset: pageSize,
			})
			if err != nil {
				return e.parkForError(ctx, taskID, clg, err)
			}
			observability.PagesFetchedTotal.Inc()
			if len(page.POIs) == 0 {
				// Nothing of this category inside the polygon.
				continue
			}
			if err := e.sink.Append(ctx, t.ResultFile, cat.Label, page.POIs); err != nil {
				clg.Error("result append failed", slog.Any("error", err))
				e.park(ctx, taskID, domain.TaskWaiting, "sink error")
				return false
			}
			observability.POIRowsWrittenTotal.Add(float64(len(page.POIs)))
			entry = domain.CategoryProgress{
				TotalPages:     (page.Count + pageSize - 1) / pageSize,
				ProcessedPages: 1,
				TotalCount:     page.Count,
				ProcessedCount: len(page.POIs),
			}
			entry.Clamp()
			progress[cat.Label] = entry
			if err := e.saveCursor(ctx, taskID, cat.Label, 1, progress); err != nil {
				clg.Error("cursor persist failed", slog.Any("error", err))
				return false
			}
		}

		for p := startPage; p <= entry.TotalPages; p++ {
			if !e.pause(ctx, e.pageInterval) {
				e.park(ctx, taskID, domain.TaskPending, "cancelled")
				return false
			}
			page, err := e.fetch.FetchPage(ctx, domain.PlaceQuery{
				Polygon: polygon, Types: cat.Codes, Page: p, Offset: pageSize,
			})
			if err != nil {
				return e.parkForError(ctx, taskID, clg, err)
			}
			observability.PagesFetchedTotal.Inc()
			if len(page.POIs) == 0 {
				break
			}
			if err := e.sink.Append(ctx, t.ResultFile, cat.Label, page.POIs); err != nil {
				clg.Error("result append failed", slog.Any("error", err))
				e.park(ctx, taskID, domain.TaskWaiting, "sink error")
				return false
			}
			observability.POIRowsWrittenTotal.Add(float64(len(page.POIs)))
			entry.ProcessedPages = p
			entry.ProcessedCount += len(page.POIs)
			entry.Clamp()
			progress[cat.Label] = entry
			if err := e.saveCursor(ctx, taskID, cat.Label, p, progress); err != nil {
				clg.Error("cursor persist failed", slog.Any("error", err))
				return false
			}
		}

		entry.Completed = true
		progress[cat.Label] = entry
		if err := e.saveCursor(ctx, taskID, cat.Label, max(entry.ProcessedPages, 1), progress); err != nil {
			clg.Error("cursor persist failed", slog.Any("error", err))
			return false
		}
		clg.Info("category crawled",
			slog.Int("pages", entry.ProcessedPages),
			slog.Int("pois", entry.ProcessedCount))

		if i+1 < len(e.catalog) {
			if !e.pause(ctx, e.categoryInterval) {
				e.park(ctx, taskID, domain.TaskPending, "cancelled")
				return false
			}
		}
	}

	if err := e.tasks.UpdateStatus(ctx, taskID, domain.TaskCompleted, e.clk.Now()); err != nil {
		lg.Error("crawl complete transition failed", slog.Any("error", err))
		return false
	}
	observability.TaskTransition(string(domain.TaskCompleted))
	lg.Info("crawl completed")
	return true
}

// saveCursor commits the resume checkpoint while the task stays running.
func (e *CrawlEngine) saveCursor(ctx domain.Context, taskID, label string, page int, progress domain.Progress) error {
	return e.tasks.SaveCursor(ctx, taskID, domain.TaskCursor{
		Status:      domain.TaskRunning,
		CurrentType: label,
		CurrentPage: page,
		Progress:    progress,
	}, e.clk.Now())
}

// parkForError classifies a fetch failure and parks the task accordingly:
// credential exhaustion waits for the next reset, other upstream HTTP
// failures pend for the operator, anything unexpected goes back to waiting.
func (e *CrawlEngine) parkForError(ctx domain.Context, taskID string, lg *slog.Logger, err error) bool {
	var ue *domain.UpstreamError
	switch {
	case errors.As(err, &ue) && ue.Exhausted():
		lg.Info("credential pool exhausted, parking task", slog.Any("error", err))
		e.park(ctx, taskID, domain.TaskWaiting, "pool exhausted")
	case errors.Is(err, domain.ErrNoCredential) || strings.Contains(err.Error(), "No available API key"):
		lg.Info("no credential available, parking task", slog.Any("error", err))
		e.park(ctx, taskID, domain.TaskWaiting, "no credential")
	case errors.As(err, &ue):
		lg.Warn("upstream failure, parking task", slog.Int("status", ue.StatusCode), slog.Any("error", err))
		e.park(ctx, taskID, domain.TaskPending, "upstream failure")
	case errors.Is(err, context.Canceled):
		e.park(ctx, taskID, domain.TaskPending, "cancelled")
	default:
		lg.Error("unexpected crawl error, parking task", slog.Any("error", err))
		e.park(ctx, taskID, domain.TaskWaiting, "unexpected error")
	}
	return false
}

// park writes the task back to a non-running state. The write must survive a
// cancelled run context, hence WithoutCancel.
func (e *CrawlEngine) park(ctx domain.Context, taskID string, to domain.TaskStatus, why string) {
	commitCtx := context.WithoutCancel(ctx)
	if err := e.tasks.UpdateStatus(commitCtx, taskID, to, e.clk.Now()); err != nil {
		slog.Error("task park failed",
			slog.String("task_id", taskID),
			slog.String("to", string(to)),
			slog.Any("error", err))
		return
	}
	observability.TaskTransition(string(to))
	slog.Info("task parked",
		slog.String("task_id", taskID),
		slog.String("to", string(to)),
		slog.String("why", why))
}

// pause sleeps d unless the run is cancelled first. False means cancelled.
func (e *CrawlEngine) pause(ctx domain.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
