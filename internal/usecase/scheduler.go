package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/poiplane/poiplane/internal/adapter/observability"
	"github.com/poiplane/poiplane/internal/domain"
)

// SchedulerConfig bundles the admission knobs.
type SchedulerConfig struct {
	Interval    time.Duration
	StallWindow time.Duration
	// DayCap applies from NightEndHour on; NightCap before it. The night cap
	// keeps quota burn low while the daily reset is still hours away.
	DayCap       int
	NightCap     int
	NightEndHour int
}

// Scheduler is the admission loop: every tick it reclaims stalled runs and
// admits the highest-priority waiting task, gated on concurrency headroom and
// a credential probe.
type Scheduler struct {
	tasks domain.TaskRepository
	pool  domain.KeyPool
	exec  domain.TaskExecutor
	run   domain.TaskFunc
	clk   domain.Clock
	cfg   SchedulerConfig

	// mu serializes admission decisions; ticks that find it held are skipped.
	mu        sync.Mutex
	startOnce sync.Once
	kick      chan struct{}
}

// NewScheduler constructs the loop. run is the crawl engine's Execute.
func NewScheduler(tasks domain.TaskRepository, pool domain.KeyPool, exec domain.TaskExecutor, run domain.TaskFunc, clk domain.Clock, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.StallWindow <= 0 {
		cfg.StallWindow = 5 * time.Minute
	}
	return &Scheduler{
		tasks: tasks,
		pool:  pool,
		exec:  exec,
		run:   run,
		clk:   clk,
		cfg:   cfg,
		kick:  make(chan struct{}, 1),
	}
}

// Start launches the loop goroutine once; later calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.loop(ctx)
	})
}

// Kick nudges an immediate tick, coalescing bursts into one pending signal.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	slog.Info("scheduler loop started", slog.Duration("interval", s.cfg.Interval))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler loop stopping")
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.tick(ctx)
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.mu.TryLock() {
		// A previous admission is still in flight; skip this tick.
		return
	}
	defer s.mu.Unlock()
	if err := s.CheckAndAdmit(ctx); err != nil {
		slog.Error("scheduler admission failed", slog.Any("error", err))
	}
}

// CheckAndAdmit performs one admission decision: count the active set,
// enforce the time-of-day cap, probe the pool for a polygon key, then flip
// the (priority ASC, id ASC) head of waiting union stalled-running to running
// and hand it to the executor. The probe is a plain Acquire and is never
// released; with randomized stateless selection that is harmless.
func (s *Scheduler) CheckAndAdmit(ctx context.Context) error {
	tracer := otel.Tracer("usecase.scheduler")
	ctx, span := tracer.Start(ctx, "scheduler.CheckAndAdmit")
	defer span.End()

	now := s.clk.Now()
	stallBefore := now.Add(-s.cfg.StallWindow)

	active, err := s.tasks.CountActiveRunning(ctx, stallBefore)
	if err != nil {
		return fmt.Errorf("op=scheduler.admit: %w", err)
	}
	limit := s.cfg.DayCap
	if now.Hour() < s.cfg.NightEndHour {
		limit = s.cfg.NightCap
	}
	span.SetAttributes(attribute.Int("scheduler.active", active), attribute.Int("scheduler.cap", limit))
	if active >= limit {
		return nil
	}

	if _, err := s.pool.Acquire(ctx, domain.KindPolygon); err != nil {
		if errors.Is(err, domain.ErrNoCredential) {
			return nil
		}
		return fmt.Errorf("op=scheduler.admit: probe: %w", err)
	}

	t, err := s.tasks.NextAdmittable(ctx, stallBefore)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("op=scheduler.admit: %w", err)
	}

	if err := s.tasks.UpdateStatus(ctx, t.TaskID, domain.TaskRunning, now); err != nil {
		return fmt.Errorf("op=scheduler.admit: %w", err)
	}
	observability.TaskTransition(string(domain.TaskRunning))

	if !s.exec.Submit(t.TaskID, s.run) {
		// The task is still executing in this process; the stall was only a
		// missing heartbeat. The fresh updated_at above removes it from the
		// stalled set until the window elapses again.
		slog.Warn("admitted task already in flight", slog.String("task_id", t.TaskID))
		return nil
	}
	slog.Info("task admitted",
		slog.String("task_id", t.TaskID),
		slog.Int("priority", t.Priority),
		slog.Int("active", active),
		slog.Int("cap", limit))
	return nil
}

// ResumeTasks moves up to limit parked tasks ({pending, stash} or stalled
// running) to waiting, ordered by priority, and nudges the loop.
func (s *Scheduler) ResumeTasks(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("op=scheduler.resume_tasks: %w: limit must be positive", domain.ErrInvalidArgument)
	}
	now := s.clk.Now()
	ids, err := s.tasks.ResumeBatch(ctx, limit, now.Add(-s.cfg.StallWindow), now)
	if err != nil {
		return nil, fmt.Errorf("op=scheduler.resume_tasks: %w", err)
	}
	if len(ids) > 0 {
		observability.TaskTransition(string(domain.TaskWaiting))
		slog.Info("tasks resumed", slog.Int("count", len(ids)))
		s.Kick()
	}
	return ids, nil
}
