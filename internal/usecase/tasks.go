package usecase

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/poiplane/poiplane/internal/adapter/observability"
	"github.com/poiplane/poiplane/internal/domain"
)

// TasksService is the job-control surface the HTTP layer adapts: submission,
// listing with stall display, lifecycle controls and result resolution.
type TasksService struct {
	tasks       domain.TaskRepository
	exec        domain.TaskExecutor
	sink        domain.ResultSink
	clk         domain.Clock
	loc         *time.Location
	stallWindow time.Duration
}

// NewTasksService constructs the service. loc is the operating timezone used
// for local-day windows.
func NewTasksService(tasks domain.TaskRepository, exec domain.TaskExecutor, sink domain.ResultSink, clk domain.Clock, loc *time.Location, stallWindow time.Duration) *TasksService {
	if loc == nil {
		loc = time.UTC
	}
	if stallWindow <= 0 {
		stallWindow = 5 * time.Minute
	}
	return &TasksService{tasks: tasks, exec: exec, sink: sink, clk: clk, loc: loc, stallWindow: stallWindow}
}

// CreateTaskInput is a submission. Priority nil takes the default.
type CreateTaskInput struct {
	TaskID   string
	Name     string
	Polygon  string
	Priority *int
}

// Create inserts a new waiting task. Duplicate task ids surface as invalid
// argument: the submission API treats them as a caller mistake, not a
// conflict to retry.
func (s *TasksService) Create(ctx domain.Context, in CreateTaskInput) (domain.CrawlTask, error) {
	taskID := strings.TrimSpace(in.TaskID)
	polygon := strings.TrimSpace(in.Polygon)
	if taskID == "" || polygon == "" {
		return domain.CrawlTask{}, fmt.Errorf("op=tasks.create: %w: task_id and polygon are required", domain.ErrInvalidArgument)
	}
	priority := domain.DefaultPriority
	if in.Priority != nil {
		priority = *in.Priority
	}
	t := domain.CrawlTask{
		TaskID:      taskID,
		Name:        strings.TrimSpace(in.Name),
		Polygon:     polygon,
		Priority:    priority,
		Status:      domain.TaskWaiting,
		CurrentPage: 1,
		Progress:    domain.Progress{},
		ResultFile:  taskID + "_poi.csv",
	}
	created, err := s.tasks.Create(ctx, t)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.CrawlTask{}, fmt.Errorf("op=tasks.create: %w: task_id %q already exists", domain.ErrInvalidArgument, taskID)
		}
		return domain.CrawlTask{}, fmt.Errorf("op=tasks.create: %w", err)
	}
	observability.TaskTransition(string(domain.TaskWaiting))
	return created, nil
}

// Get loads a task by id.
func (s *TasksService) Get(ctx domain.Context, taskID string) (domain.CrawlTask, error) {
	t, err := s.tasks.GetByTaskID(ctx, taskID)
	if err != nil {
		return domain.CrawlTask{}, fmt.Errorf("op=tasks.get: %w", err)
	}
	return t, nil
}

// List returns one page for the scope plus the total count.
func (s *TasksService) List(ctx domain.Context, f domain.TaskFilter) ([]domain.CrawlTask, int, error) {
	switch f.Scope {
	case domain.ScopeAll, domain.ScopeCompleted, domain.ScopeIncomplete:
	case "":
		f.Scope = domain.ScopeAll
	default:
		return nil, 0, fmt.Errorf("op=tasks.list: %w: status %q", domain.ErrInvalidArgument, f.Scope)
	}
	out, total, err := s.tasks.List(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("op=tasks.list: %w", err)
	}
	return out, total, nil
}

// DisplayStatus substitutes stalled for wedged running rows.
func (s *TasksService) DisplayStatus(t domain.CrawlTask) domain.TaskStatus {
	return t.DisplayStatus(s.clk.Now(), s.stallWindow)
}

// Resume moves a parked task back to waiting. Actively running and completed
// tasks refuse; a stalled run counts as parked.
func (s *TasksService) Resume(ctx domain.Context, taskID string) (domain.CrawlTask, error) {
	t, err := s.tasks.GetByTaskID(ctx, taskID)
	if err != nil {
		return domain.CrawlTask{}, fmt.Errorf("op=tasks.resume: %w", err)
	}
	now := s.clk.Now()
	if t.Status == domain.TaskCompleted {
		return domain.CrawlTask{}, fmt.Errorf("op=tasks.resume: %w: task already completed", domain.ErrConflict)
	}
	if t.Status == domain.TaskRunning && !t.Stalled(now, s.stallWindow) {
		return domain.CrawlTask{}, fmt.Errorf("op=tasks.resume: %w: task is running", domain.ErrConflict)
	}
	if err := s.tasks.UpdateStatus(ctx, taskID, domain.TaskWaiting, now); err != nil {
		return domain.CrawlTask{}, fmt.Errorf("op=tasks.resume: %w", err)
	}
	observability.TaskTransition(string(domain.TaskWaiting))
	t.Status = domain.TaskWaiting
	t.UpdatedAt = now
	return t, nil
}

// SetPriority persists a new priority unless the task is actively running
// (stalled runs accept the update).
func (s *TasksService) SetPriority(ctx domain.Context, taskID string, priority int) (domain.CrawlTask, error) {
	t, err := s.tasks.GetByTaskID(ctx, taskID)
	if err != nil {
		return domain.CrawlTask{}, fmt.Errorf("op=tasks.set_priority: %w", err)
	}
	now := s.clk.Now()
	if t.Status == domain.TaskRunning && !t.Stalled(now, s.stallWindow) {
		return domain.CrawlTask{}, fmt.Errorf("op=tasks.set_priority: %w: task is running", domain.ErrConflict)
	}
	if err := s.tasks.SetPriority(ctx, taskID, priority, now); err != nil {
		return domain.CrawlTask{}, fmt.Errorf("op=tasks.set_priority: %w", err)
	}
	t.Priority = priority
	t.UpdatedAt = now
	return t, nil
}

// StopAll cancels every in-flight run, drains the queue, and rewrites both
// sets to pending. Returns the ids that were in flight when the call landed.
func (s *TasksService) StopAll(ctx domain.Context) ([]string, error) {
	running, queued := s.exec.StopAll()
	swept := append(append([]string{}, running...), queued...)
	if len(swept) > 0 {
		if _, err := s.tasks.SetStatusWhereTaskIDIn(ctx, swept, domain.TaskPending, s.clk.Now()); err != nil {
			return running, fmt.Errorf("op=tasks.stop_all: %w", err)
		}
		observability.TaskTransition(string(domain.TaskPending))
	}
	return running, nil
}

// Today names the current local day (YYYY-MM-DD) on the operating clock.
// Date defaults at the API edge resolve through this rather than the
// server's own zone.
func (s *TasksService) Today() string {
	return s.clk.Now().In(s.loc).Format("2006-01-02")
}

// CompletedOn lists tasks completed within the local day named by date
// (YYYY-MM-DD in the operating timezone).
func (s *TasksService) CompletedOn(ctx domain.Context, date string) ([]domain.CrawlTask, error) {
	day, err := time.ParseInLocation("2006-01-02", date, s.loc)
	if err != nil {
		return nil, fmt.Errorf("op=tasks.completed_on: %w: date must be YYYY-MM-DD", domain.ErrInvalidArgument)
	}
	out, err := s.tasks.CompletedBetween(ctx, day, day.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("op=tasks.completed_on: %w", err)
	}
	return out, nil
}

// ResultPath resolves the on-disk result file for a task.
func (s *TasksService) ResultPath(ctx domain.Context, taskID string) (string, error) {
	t, err := s.tasks.GetByTaskID(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("op=tasks.result_path: %w", err)
	}
	if t.ResultFile == "" {
		return "", fmt.Errorf("op=tasks.result_path: %w: no result file", domain.ErrNotFound)
	}
	return s.sink.Path(t.ResultFile), nil
}
