package httpserver

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/poiplane/poiplane/internal/config"
	"github.com/poiplane/poiplane/internal/domain"
	"github.com/poiplane/poiplane/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg   config.Config
	Tasks *usecase.TasksService
	Sched *usecase.Scheduler
	Proxy *usecase.ProxyService
	Pool  domain.KeyPool
	Creds domain.CredentialRepository

	// StartScheduler ensures the admission loop is running and nudges a
	// tick; wired by main with the process lifetime context.
	StartScheduler func()

	DBCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, tasks *usecase.TasksService, sched *usecase.Scheduler, proxy *usecase.ProxyService, pool domain.KeyPool, creds domain.CredentialRepository, startScheduler func(), dbCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:            cfg,
		Tasks:          tasks,
		Sched:          sched,
		Proxy:          proxy,
		Pool:           pool,
		Creds:          creds,
		StartScheduler: startScheduler,
		DBCheck:        dbCheck,
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// ReadyzHandler reports readiness: the database must answer a ping.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.DBCheck != nil {
			if err := s.DBCheck(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "db": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}
