package httpserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/poiplane/poiplane/internal/domain"
	"github.com/poiplane/poiplane/internal/usecase"
)

const timeLayout = "2006-01-02 15:04:05"

// taskView is the JSON shape task rows take on the wire. Status carries the
// stalled substitution for wedged running rows.
type taskView struct {
	TaskID      string          `json:"task_id"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	CurrentType string          `json:"current_type,omitempty"`
	CurrentPage int             `json:"current_page"`
	ResultFile  string          `json:"result_file,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	Polygon     string          `json:"polygon,omitempty"`
	Progress    domain.Progress `json:"progress,omitempty"`
}

func (s *Server) taskToView(t domain.CrawlTask, detail bool) taskView {
	v := taskView{
		TaskID:      t.TaskID,
		Name:        t.Name,
		Status:      string(s.Tasks.DisplayStatus(t)),
		Priority:    t.Priority,
		CurrentType: t.CurrentType,
		CurrentPage: t.CurrentPage,
		ResultFile:  t.ResultFile,
		CreatedAt:   t.CreatedAt.Format(timeLayout),
		UpdatedAt:   t.UpdatedAt.Format(timeLayout),
	}
	if detail {
		v.Polygon = t.Polygon
		v.Progress = t.Progress
	}
	return v
}

type createTaskRequest struct {
	TaskID   string `json:"task_id" validate:"required,max=100"`
	Name     string `json:"name" validate:"max=200"`
	Polygon  string `json:"polygon" validate:"required"`
	Priority *int   `json:"priority" validate:"omitempty,min=0"`
}

// CreateTaskHandler accepts a crawl job submission.
func (s *Server) CreateTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if res := ValidateTaskID(req.TaskID); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid task_id", domain.ErrInvalidArgument), res.Errors)
			return
		}
		t, err := s.Tasks.Create(r.Context(), usecase.CreateTaskInput{
			TaskID:   req.TaskID,
			Name:     req.Name,
			Polygon:  req.Polygon,
			Priority: req.Priority,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("task created",
			slog.String("task_id", t.TaskID),
			slog.Int("priority", t.Priority))
		writeJSON(w, http.StatusCreated, map[string]any{
			"task_id":  t.TaskID,
			"name":     t.Name,
			"status":   string(t.Status),
			"priority": t.Priority,
		})
	}
}

// ListTasksHandler pages through tasks by scope.
func (s *Server) ListTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if res := ValidatePagination(q.Get("page"), q.Get("per_page")); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid pagination", domain.ErrInvalidArgument), res.Errors)
			return
		}
		page, _ := strconv.Atoi(q.Get("page"))
		perPage, _ := strconv.Atoi(q.Get("per_page"))
		if page < 1 {
			page = 1
		}
		if perPage < 1 {
			perPage = 20
		}
		scope := domain.ListScope(q.Get("status"))
		if scope == "" {
			scope = domain.ScopeAll
		}
		tasks, total, err := s.Tasks.List(r.Context(), domain.TaskFilter{Scope: scope, Page: page, PerPage: perPage})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]taskView, 0, len(tasks))
		for _, t := range tasks {
			views = append(views, s.taskToView(t, false))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tasks":    views,
			"page":     page,
			"per_page": perPage,
			"total":    total,
		})
	}
}

// GetTaskHandler returns one task in detail.
func (s *Server) GetTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := s.Tasks.Get(r.Context(), chi.URLParam(r, "taskID"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, s.taskToView(t, true))
	}
}

// TaskResultHandler streams the task's CSV as an attachment.
func (s *Server) TaskResultHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")
		path, err := s.Tasks.ResultPath(r.Context(), taskID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if _, err := os.Stat(path); err != nil {
			writeError(w, r, fmt.Errorf("%w: result file not written yet", domain.ErrNotFound), nil)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
		http.ServeFile(w, r, path)
	}
}

// ResumeTaskHandler moves one parked task back to waiting.
func (s *Server) ResumeTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := s.Tasks.Resume(r.Context(), chi.URLParam(r, "taskID"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		s.Sched.Kick()
		writeJSON(w, http.StatusOK, map[string]any{
			"task_id": t.TaskID,
			"status":  string(t.Status),
		})
	}
}

type priorityRequest struct {
	Priority *int `json:"priority" validate:"required,min=0"`
}

// UpdatePriorityHandler persists a new priority for a non-running task.
func (s *Server) UpdatePriorityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req priorityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: priority is required and must be >= 0", domain.ErrInvalidArgument), nil)
			return
		}
		t, err := s.Tasks.SetPriority(r.Context(), chi.URLParam(r, "taskID"), *req.Priority)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"task_id":  t.TaskID,
			"priority": t.Priority,
		})
	}
}

type resumeBatchRequest struct {
	Limit int `json:"limit"`
}

// ResumeBatchHandler re-waits up to limit parked tasks, by priority.
func (s *Server) ResumeBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resumeBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid JSON body", domain.ErrInvalidArgument), nil)
			return
		}
		ids, err := s.Sched.ResumeTasks(r.Context(), req.Limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"resumed": ids,
			"count":   len(ids),
		})
	}
}

// StartHandler ensures the scheduler loop is running and kicks a tick.
func (s *Server) StartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if s.StartScheduler != nil {
			s.StartScheduler()
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "scheduler running"})
	}
}

// StopAllHandler cancels every in-flight run, sweeps the queue, and reports
// the ids that were running when the call landed.
func (s *Server) StopAllHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		running, err := s.Tasks.StopAll(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("stop-all executed", slog.Int("stopped", len(running)))
		writeJSON(w, http.StatusOK, map[string]any{
			"stopped": running,
			"count":   len(running),
		})
	}
}

// CompletedByDateHandler lists tasks completed within one local day.
func (s *Server) CompletedByDateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			date = s.Tasks.Today()
		}
		tasks, err := s.Tasks.CompletedOn(r.Context(), date)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]taskView, 0, len(tasks))
		for _, t := range tasks {
			views = append(views, s.taskToView(t, false))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"date":  date,
			"tasks": views,
			"count": len(views),
		})
	}
}
