package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiplane/poiplane/internal/domain"
)

var testCatalog = domain.Catalog{
	{Label: "餐饮服务", Codes: "050000"},
	{Label: "购物服务", Codes: "060000"},
}

func newEngineFixture(fn func(q domain.PlaceQuery) (domain.PlacePage, error)) (*CrawlEngine, *memTasks, *fakeFetcher, *memSink) {
	tasks := newMemTasks()
	fetch := &fakeFetcher{fn: fn}
	sink := newMemSink()
	clk := newFakeClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	engine := NewCrawlEngine(tasks, fetch, sink, testCatalog, clk, 0, 0)
	return engine, tasks, fetch, sink
}

func seedTask(tasks *memTasks, status domain.TaskStatus) domain.CrawlTask {
	return tasks.add(domain.CrawlTask{
		TaskID:      "bj-east",
		Name:        "east district",
		Polygon:     "116.3,39.9; 116.5,39.9; 116.5,40.0; 116.3,40.0",
		Priority:    domain.DefaultPriority,
		Status:      status,
		CurrentPage: 1,
		Progress:    domain.Progress{},
		ResultFile:  "bj-east_poi.csv",
		UpdatedAt:   time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC),
	})
}

func TestExecuteHappyPath(t *testing.T) {
	// First category: 30 hits over two pages. Second category: empty.
	engine, tasks, fetch, sink := newEngineFixture(func(q domain.PlaceQuery) (domain.PlacePage, error) {
		switch {
		case q.Types == "050000" && q.Page == 1:
			return domain.PlacePage{Count: 30, POIs: makePOIs(25, "food")}, nil
		case q.Types == "050000" && q.Page == 2:
			return domain.PlacePage{Count: 30, POIs: makePOIs(5, "food2")}, nil
		case q.Types == "060000" && q.Page == 1:
			return domain.PlacePage{Count: 0}, nil
		}
		return domain.PlacePage{}, fmt.Errorf("unexpected query %+v", q)
	})
	seedTask(tasks, domain.TaskWaiting)

	require.True(t, engine.Execute(context.Background(), "bj-east"))

	got := tasks.get("bj-east")
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.Equal(t, 30, sink.rowCount("bj-east_poi.csv"))

	entry := got.Progress["餐饮服务"]
	assert.True(t, entry.Completed)
	assert.Equal(t, 2, entry.TotalPages)
	assert.Equal(t, 2, entry.ProcessedPages)
	assert.Equal(t, 30, entry.TotalCount)
	assert.Equal(t, 30, entry.ProcessedCount)

	// Empty categories leave no progress entry; they were simply not present
	// inside the polygon.
	_, seen := got.Progress["购物服务"]
	assert.False(t, seen)

	// Polygon whitespace normalized before any upstream call.
	for _, q := range fetch.calls {
		assert.Equal(t, "116.3,39.9;116.5,39.9;116.5,40.0;116.3,40.0", q.Polygon)
		assert.Equal(t, 25, q.Offset)
	}
}

func TestExecuteCompletedShortCircuits(t *testing.T) {
	engine, tasks, fetch, _ := newEngineFixture(func(domain.PlaceQuery) (domain.PlacePage, error) {
		return domain.PlacePage{}, errors.New("must not fetch")
	})
	seedTask(tasks, domain.TaskCompleted)

	require.True(t, engine.Execute(context.Background(), "bj-east"))
	assert.Zero(t, fetch.callCount())
}

func TestExecuteUnknownTask(t *testing.T) {
	engine, _, _, _ := newEngineFixture(func(domain.PlaceQuery) (domain.PlacePage, error) {
		return domain.PlacePage{}, nil
	})
	assert.False(t, engine.Execute(context.Background(), "ghost"))
}

func TestExecuteParksWaitingOnPoolExhaustion(t *testing.T) {
	engine, tasks, _, _ := newEngineFixture(func(domain.PlaceQuery) (domain.PlacePage, error) {
		return domain.PlacePage{}, &domain.UpstreamError{StatusCode: 503, Info: "No available API key", InfoCode: "1008611"}
	})
	seedTask(tasks, domain.TaskWaiting)

	assert.False(t, engine.Execute(context.Background(), "bj-east"))
	assert.Equal(t, domain.TaskWaiting, tasks.get("bj-east").Status)
}

func TestExecuteParksPendingOnUpstreamFailure(t *testing.T) {
	engine, tasks, _, _ := newEngineFixture(func(domain.PlaceQuery) (domain.PlacePage, error) {
		return domain.PlacePage{}, &domain.UpstreamError{StatusCode: 502, Info: "bad gateway"}
	})
	seedTask(tasks, domain.TaskWaiting)

	assert.False(t, engine.Execute(context.Background(), "bj-east"))
	assert.Equal(t, domain.TaskPending, tasks.get("bj-east").Status)
}

func TestExecuteParksWaitingOnUnexpectedError(t *testing.T) {
	engine, tasks, _, _ := newEngineFixture(func(domain.PlaceQuery) (domain.PlacePage, error) {
		return domain.PlacePage{}, errors.New("csv disk full")
	})
	seedTask(tasks, domain.TaskWaiting)

	assert.False(t, engine.Execute(context.Background(), "bj-east"))
	assert.Equal(t, domain.TaskWaiting, tasks.get("bj-east").Status)
}

func TestExecuteParksPendingOnCancel(t *testing.T) {
	engine, tasks, fetch, _ := newEngineFixture(func(domain.PlaceQuery) (domain.PlacePage, error) {
		return domain.PlacePage{}, nil
	})
	seedTask(tasks, domain.TaskWaiting)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, engine.Execute(ctx, "bj-east"))
	// The park write must land even though the run context is dead.
	assert.Equal(t, domain.TaskPending, tasks.get("bj-east").Status)
	assert.Zero(t, fetch.callCount())
}

func TestExecuteResumeSkipsProcessedPages(t *testing.T) {
	engine, tasks, fetch, sink := newEngineFixture(func(q domain.PlaceQuery) (domain.PlacePage, error) {
		switch {
		case q.Types == "050000" && q.Page == 2:
			return domain.PlacePage{Count: 30, POIs: makePOIs(5, "food2")}, nil
		case q.Types == "060000" && q.Page == 1:
			return domain.PlacePage{Count: 0}, nil
		}
		return domain.PlacePage{}, fmt.Errorf("page must not be refetched: %+v", q)
	})
	t0 := tasks.add(domain.CrawlTask{
		TaskID:      "bj-east",
		Polygon:     "116.3,39.9;116.5,40.0",
		Priority:    domain.DefaultPriority,
		Status:      domain.TaskPending,
		CurrentType: "餐饮服务",
		CurrentPage: 1,
		Progress: domain.Progress{
			"餐饮服务": {TotalPages: 2, ProcessedPages: 1, TotalCount: 30, ProcessedCount: 25},
		},
		ResultFile: "bj-east_poi.csv",
	})
	_ = t0

	require.True(t, engine.Execute(context.Background(), "bj-east"))

	got := tasks.get("bj-east")
	assert.Equal(t, domain.TaskCompleted, got.Status)
	entry := got.Progress["餐饮服务"]
	assert.True(t, entry.Completed)
	assert.Equal(t, 2, entry.ProcessedPages)
	assert.Equal(t, 30, entry.ProcessedCount)

	// Exactly one fetch for the interrupted category (page 2) and one for the
	// untouched second category.
	require.Equal(t, 2, fetch.callCount())
	assert.Equal(t, 2, fetch.calls[0].Page)
	assert.Equal(t, "060000", fetch.calls[1].Types)
	assert.Equal(t, 5, sink.rowCount("bj-east_poi.csv"))
}

func TestExecuteResumeSkipsCompletedCategories(t *testing.T) {
	engine, tasks, fetch, _ := newEngineFixture(func(q domain.PlaceQuery) (domain.PlacePage, error) {
		if q.Types == "060000" && q.Page == 1 {
			return domain.PlacePage{Count: 0}, nil
		}
		return domain.PlacePage{}, fmt.Errorf("completed category refetched: %+v", q)
	})
	tasks.add(domain.CrawlTask{
		TaskID:      "bj-east",
		Polygon:     "116.3,39.9;116.5,40.0",
		Status:      domain.TaskPending,
		CurrentType: "餐饮服务",
		CurrentPage: 2,
		Progress: domain.Progress{
			"餐饮服务": {TotalPages: 2, ProcessedPages: 2, TotalCount: 30, ProcessedCount: 30, Completed: true},
		},
		ResultFile: "bj-east_poi.csv",
	})

	require.True(t, engine.Execute(context.Background(), "bj-east"))
	require.Equal(t, 1, fetch.callCount())
	assert.Equal(t, "060000", fetch.calls[0].Types)
}

func TestExecuteTruncatedCategoryStops(t *testing.T) {
	// Vendor count promises 3 pages but page 2 comes back empty: the engine
	// trusts the data, marks the category done, and moves on.
	engine, tasks, _, sink := newEngineFixture(func(q domain.PlaceQuery) (domain.PlacePage, error) {
		switch {
		case q.Types == "050000" && q.Page == 1:
			return domain.PlacePage{Count: 70, POIs: makePOIs(25, "food")}, nil
		case q.Types == "050000" && q.Page == 2:
			return domain.PlacePage{Count: 70}, nil
		case q.Types == "060000" && q.Page == 1:
			return domain.PlacePage{Count: 0}, nil
		}
		return domain.PlacePage{}, fmt.Errorf("unexpected query %+v", q)
	})
	seedTask(tasks, domain.TaskWaiting)

	require.True(t, engine.Execute(context.Background(), "bj-east"))
	got := tasks.get("bj-east")
	assert.Equal(t, domain.TaskCompleted, got.Status)
	entry := got.Progress["餐饮服务"]
	assert.True(t, entry.Completed)
	assert.Equal(t, 1, entry.ProcessedPages)
	assert.Equal(t, 25, sink.rowCount("bj-east_poi.csv"))
}

func TestExecuteSinkErrorParksWaiting(t *testing.T) {
	engine, tasks, _, sink := newEngineFixture(func(q domain.PlaceQuery) (domain.PlacePage, error) {
		return domain.PlacePage{Count: 10, POIs: makePOIs(10, "food")}, nil
	})
	sink.appendErr = errors.New("disk full")
	seedTask(tasks, domain.TaskWaiting)

	assert.False(t, engine.Execute(context.Background(), "bj-east"))
	assert.Equal(t, domain.TaskWaiting, tasks.get("bj-east").Status)
}
