// Package inproc implements the bounded in-process worker pool that runs
// crawl tasks. It replaces an external broker: the control plane is a single
// process and the scheduler re-admits work from the database after a crash,
// so queued submissions do not need to survive a restart.
package inproc

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/poiplane/poiplane/internal/adapter/observability"
	"github.com/poiplane/poiplane/internal/domain"
	obsctx "github.com/poiplane/poiplane/internal/observability"
)

type submission struct {
	taskID string
	runID  string
	fn     domain.TaskFunc
	ctx    context.Context
	cancel context.CancelFunc
}

// Executor is a fixed pool of workers over a FIFO queue with one-run-per-task
// admission and cooperative per-run cancellation.
type Executor struct {
	queue chan *submission

	mu      sync.Mutex
	running map[string]context.CancelFunc
	queued  map[string]*submission
	stopped bool

	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	// OnPanic fires when a task body panics; the wiring marks the task
	// failed so the operator inspects it instead of the scheduler retrying.
	OnPanic func(taskID string, recovered any)
}

// New starts workers goroutines over a queue of queueCap pending submissions.
func New(workers, queueCap int) *Executor {
	if workers <= 0 {
		workers = 3
	}
	if queueCap <= 0 {
		queueCap = 64
	}
	base, cancel := context.WithCancel(context.Background())
	e := &Executor{
		queue:      make(chan *submission, queueCap),
		running:    make(map[string]context.CancelFunc),
		queued:     make(map[string]*submission),
		base:       base,
		cancelBase: cancel,
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	return e
}

// Submit enqueues fn under taskID with a fresh cancel signal. False when the
// id is already in flight or queued, the pool is shut down, or the queue is
// full.
func (e *Executor) Submit(taskID string, fn domain.TaskFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	if _, ok := e.running[taskID]; ok {
		return false
	}
	if _, ok := e.queued[taskID]; ok {
		return false
	}
	ctx, cancel := context.WithCancel(e.base)
	sub := &submission{taskID: taskID, runID: uuid.New().String(), fn: fn, ctx: ctx, cancel: cancel}
	select {
	case e.queue <- sub:
		e.queued[taskID] = sub
		observability.ExecutorQueueDepth.Set(float64(len(e.queue)))
		return true
	default:
		cancel()
		slog.Warn("executor queue full, submission rejected", slog.String("task_id", taskID))
		return false
	}
}

// IsRunning reports whether taskID is executing right now.
func (e *Executor) IsRunning(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[taskID]
	return ok
}

// RunningIDs lists the ids currently executing, sorted for stable output.
func (e *Executor) RunningIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.running))
	for id := range e.running {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StopAll drains the queue and cancels every in-flight run. Returns the ids
// that were running at the moment of the call and the ids that were still
// queued; the caller sweeps both sets back to pending.
func (e *Executor) StopAll() (running []string, queued []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
drain:
	for {
		select {
		case sub := <-e.queue:
			sub.cancel()
			delete(e.queued, sub.taskID)
			queued = append(queued, sub.taskID)
		default:
			break drain
		}
	}
	// A worker may hold a dequeued submission it has not registered yet;
	// it still sits in the queued map, so cancel it here too.
	for id, sub := range e.queued {
		sub.cancel()
		delete(e.queued, id)
		queued = append(queued, id)
	}
	for id, cancel := range e.running {
		running = append(running, id)
		cancel()
	}
	observability.ExecutorQueueDepth.Set(0)
	sort.Strings(running)
	sort.Strings(queued)
	slog.Info("executor stop-all",
		slog.Int("running", len(running)),
		slog.Int("queued", len(queued)))
	return running, queued
}

// Shutdown stops intake, cancels the base context and joins workers, bounded
// by ctx.
func (e *Executor) Shutdown(ctx context.Context) {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.cancelBase()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("executor shutdown timed out")
	}
}

func (e *Executor) worker(n int) {
	defer e.wg.Done()
	for {
		select {
		case <-e.base.Done():
			return
		case sub := <-e.queue:
			observability.ExecutorQueueDepth.Set(float64(len(e.queue)))
			e.runOne(n, sub)
		}
	}
}

func (e *Executor) runOne(worker int, sub *submission) {
	e.mu.Lock()
	delete(e.queued, sub.taskID)
	if sub.ctx.Err() != nil {
		// Cancelled while queued (StopAll swept it).
		e.mu.Unlock()
		sub.cancel()
		return
	}
	if _, dup := e.running[sub.taskID]; dup {
		e.mu.Unlock()
		sub.cancel()
		return
	}
	e.running[sub.taskID] = sub.cancel
	e.mu.Unlock()

	observability.StartTaskRun()
	lg := slog.Default().With(
		slog.String("task_id", sub.taskID),
		slog.String("run_id", sub.runID),
		slog.Int("worker", worker),
	)
	defer func() {
		if rec := recover(); rec != nil {
			lg.Error("task panicked", slog.Any("recover", rec))
			if e.OnPanic != nil {
				e.OnPanic(sub.taskID, rec)
			}
		}
		e.mu.Lock()
		delete(e.running, sub.taskID)
		e.mu.Unlock()
		sub.cancel()
		observability.FinishTaskRun()
	}()

	lg.Info("task run started")
	completed := sub.fn(obsctx.ContextWithTaskID(sub.ctx, sub.taskID), sub.taskID)
	lg.Info("task run finished", slog.Bool("completed", completed))
}
