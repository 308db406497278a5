package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/poiplane/poiplane/internal/domain"
)

// TaskRepo persists and loads crawl tasks.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

const taskColumns = `id, task_id, name, polygon, priority, status,
	current_type, current_page, progress, result_file, created_at, updated_at`

type taskScanner interface{ Scan(dest ...any) error }

func scanTask(row taskScanner) (domain.CrawlTask, error) {
	var t domain.CrawlTask
	var progress []byte
	err := row.Scan(&t.ID, &t.TaskID, &t.Name, &t.Polygon, &t.Priority, &t.Status,
		&t.CurrentType, &t.CurrentPage, &progress, &t.ResultFile, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.CrawlTask{}, err
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &t.Progress); err != nil {
			return domain.CrawlTask{}, fmt.Errorf("decode progress: %w", err)
		}
	}
	if t.Progress == nil {
		t.Progress = domain.Progress{}
	}
	return t, nil
}

func marshalProgress(p domain.Progress) ([]byte, error) {
	if p == nil {
		p = domain.Progress{}
	}
	return json.Marshal(p)
}

// Create inserts a new task row and returns it with id and timestamps filled.
func (r *TaskRepo) Create(ctx domain.Context, t domain.CrawlTask) (domain.CrawlTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "crawl_tasks"),
		attribute.String("task.id", t.TaskID),
	)
	progress, err := marshalProgress(t.Progress)
	if err != nil {
		return domain.CrawlTask{}, fmt.Errorf("op=task.create: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO crawl_tasks
		(task_id, name, polygon, priority, status, current_type, current_page, progress, result_file, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
		RETURNING ` + taskColumns
	row := r.Pool.QueryRow(ctx, q, t.TaskID, t.Name, t.Polygon, t.Priority, t.Status,
		t.CurrentType, t.CurrentPage, progress, t.ResultFile, now)
	out, err := scanTask(row)
	if err != nil {
		return domain.CrawlTask{}, fmt.Errorf("op=task.create: %w", mapErr(err))
	}
	return out, nil
}

// GetByTaskID loads a task by its operator-supplied id.
func (r *TaskRepo) GetByTaskID(ctx domain.Context, taskID string) (domain.CrawlTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.GetByTaskID")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM crawl_tasks WHERE task_id=$1`
	t, err := scanTask(r.Pool.QueryRow(ctx, q, taskID))
	if err != nil {
		return domain.CrawlTask{}, fmt.Errorf("op=task.get: %w", mapErr(err))
	}
	return t, nil
}

// UpdateStatus writes a status transition and touches updated_at. Completed
// rows are write-once: the guard refuses to move a task out of completed.
func (r *TaskRepo) UpdateStatus(ctx domain.Context, taskID string, to domain.TaskStatus, now time.Time) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.UpdateStatus")
	defer span.End()
	span.SetAttributes(attribute.String("task.status", string(to)))
	q := `UPDATE crawl_tasks SET status=$2, updated_at=$3 WHERE task_id=$1 AND status <> 'completed'`
	tag, err := r.Pool.Exec(ctx, q, taskID, to, now)
	if err != nil {
		return fmt.Errorf("op=task.update_status: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.update_status: %w", domain.ErrNotFound)
	}
	return nil
}

// UpdateStatusWhereIn writes to only when the current status is one of from.
func (r *TaskRepo) UpdateStatusWhereIn(ctx domain.Context, taskID string, from []domain.TaskStatus, to domain.TaskStatus, now time.Time) (bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.UpdateStatusWhereIn")
	defer span.End()
	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}
	q := `UPDATE crawl_tasks SET status=$3, updated_at=$4 WHERE task_id=$1 AND status = ANY($2)`
	tag, err := r.Pool.Exec(ctx, q, taskID, statuses, to, now)
	if err != nil {
		return false, fmt.Errorf("op=task.update_status_where_in: %w", mapErr(err))
	}
	return tag.RowsAffected() > 0, nil
}

// SaveCursor persists status plus the resume cursor in one statement so a
// crash between pages never splits the checkpoint.
func (r *TaskRepo) SaveCursor(ctx domain.Context, taskID string, cur domain.TaskCursor, now time.Time) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.SaveCursor")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.current_type", cur.CurrentType),
		attribute.Int("task.current_page", cur.CurrentPage),
	)
	progress, err := marshalProgress(cur.Progress)
	if err != nil {
		return fmt.Errorf("op=task.save_cursor: %w", err)
	}
	q := `UPDATE crawl_tasks SET status=$2, current_type=$3, current_page=$4, progress=$5, updated_at=$6
		WHERE task_id=$1 AND status <> 'completed'`
	tag, err := r.Pool.Exec(ctx, q, taskID, cur.Status, cur.CurrentType, cur.CurrentPage, progress, now)
	if err != nil {
		return fmt.Errorf("op=task.save_cursor: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.save_cursor: %w", domain.ErrNotFound)
	}
	return nil
}

// SetPriority updates a task's priority.
func (r *TaskRepo) SetPriority(ctx domain.Context, taskID string, priority int, now time.Time) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.SetPriority")
	defer span.End()
	q := `UPDATE crawl_tasks SET priority=$2, updated_at=$3 WHERE task_id=$1`
	tag, err := r.Pool.Exec(ctx, q, taskID, priority, now)
	if err != nil {
		return fmt.Errorf("op=task.set_priority: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=task.set_priority: %w", domain.ErrNotFound)
	}
	return nil
}

// List returns one page for the scope plus the total row count.
// Orderings: incomplete id ASC, completed id DESC, all = incomplete first
// (id ASC) then completed (id ASC).
func (r *TaskRepo) List(ctx domain.Context, f domain.TaskFilter) ([]domain.CrawlTask, int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.List")
	defer span.End()
	span.SetAttributes(attribute.String("task.scope", string(f.Scope)))

	var where, order string
	switch f.Scope {
	case domain.ScopeCompleted:
		where = `WHERE status = 'completed'`
		order = `ORDER BY id DESC`
	case domain.ScopeIncomplete:
		where = `WHERE status <> 'completed'`
		order = `ORDER BY id ASC`
	case domain.ScopeAll:
		where = ``
		order = `ORDER BY (status = 'completed') ASC, id ASC`
	default:
		return nil, 0, fmt.Errorf("op=task.list: %w: scope %q", domain.ErrInvalidArgument, f.Scope)
	}

	var total int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM crawl_tasks `+where).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=task.list: count: %w", mapErr(err))
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	perPage := f.PerPage
	if perPage < 1 {
		perPage = 20
	}
	q := fmt.Sprintf(`SELECT %s FROM crawl_tasks %s %s LIMIT $1 OFFSET $2`, taskColumns, where, order)
	rows, err := r.Pool.Query(ctx, q, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("op=task.list: %w", mapErr(err))
	}
	defer rows.Close()
	var out []domain.CrawlTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=task.list: scan: %w", mapErr(err))
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=task.list: %w", mapErr(err))
	}
	return out, total, nil
}

// NextAdmittable picks the (priority ASC, id ASC) head of the waiting set
// union stalled running rows (updated_at at or before stallBefore).
func (r *TaskRepo) NextAdmittable(ctx domain.Context, stallBefore time.Time) (domain.CrawlTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.NextAdmittable")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM crawl_tasks
		WHERE status = 'waiting' OR (status = 'running' AND updated_at <= $1)
		ORDER BY priority ASC, id ASC LIMIT 1`
	t, err := scanTask(r.Pool.QueryRow(ctx, q, stallBefore))
	if err != nil {
		return domain.CrawlTask{}, fmt.Errorf("op=task.next_admittable: %w", mapErr(err))
	}
	return t, nil
}

// CountActiveRunning counts running rows with a heartbeat after stallBefore.
func (r *TaskRepo) CountActiveRunning(ctx domain.Context, stallBefore time.Time) (int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.CountActiveRunning")
	defer span.End()
	var n int
	q := `SELECT COUNT(*) FROM crawl_tasks WHERE status = 'running' AND updated_at > $1`
	if err := r.Pool.QueryRow(ctx, q, stallBefore).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=task.count_active_running: %w", mapErr(err))
	}
	return n, nil
}

// ResumeBatch flips up to limit parked rows ({pending, stash} or stalled
// running) to waiting, ordered by (priority ASC, id ASC). Single statement.
func (r *TaskRepo) ResumeBatch(ctx domain.Context, limit int, stallBefore, now time.Time) ([]string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ResumeBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("task.limit", limit))
	q := `UPDATE crawl_tasks SET status='waiting', updated_at=$3
		WHERE id IN (
			SELECT id FROM crawl_tasks
			WHERE status IN ('pending','stash') OR (status = 'running' AND updated_at <= $2)
			ORDER BY priority ASC, id ASC
			LIMIT $1
		)
		RETURNING task_id`
	rows, err := r.Pool.Query(ctx, q, limit, stallBefore, now)
	if err != nil {
		return nil, fmt.Errorf("op=task.resume_batch: %w", mapErr(err))
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=task.resume_batch: scan: %w", mapErr(err))
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.resume_batch: %w", mapErr(err))
	}
	return ids, nil
}

// SetStatusWhereTaskIDIn bulk-writes a status for the given task ids,
// skipping completed rows. Returns the number of rows changed.
func (r *TaskRepo) SetStatusWhereTaskIDIn(ctx domain.Context, taskIDs []string, to domain.TaskStatus, now time.Time) (int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.SetStatusWhereTaskIDIn")
	defer span.End()
	if len(taskIDs) == 0 {
		return 0, nil
	}
	q := `UPDATE crawl_tasks SET status=$2, updated_at=$3 WHERE task_id = ANY($1) AND status <> 'completed'`
	tag, err := r.Pool.Exec(ctx, q, taskIDs, to, now)
	if err != nil {
		return 0, fmt.Errorf("op=task.set_status_where_in: %w", mapErr(err))
	}
	return int(tag.RowsAffected()), nil
}

// CompletedBetween lists completed tasks whose last write falls in [from, to),
// ordered by id ASC.
func (r *TaskRepo) CompletedBetween(ctx domain.Context, from, to time.Time) ([]domain.CrawlTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.CompletedBetween")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM crawl_tasks
		WHERE status = 'completed' AND updated_at >= $1 AND updated_at < $2
		ORDER BY id ASC`
	rows, err := r.Pool.Query(ctx, q, from, to)
	if err != nil {
		return nil, fmt.Errorf("op=task.completed_between: %w", mapErr(err))
	}
	defer rows.Close()
	var out []domain.CrawlTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.completed_between: scan: %w", mapErr(err))
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.completed_between: %w", mapErr(err))
	}
	return out, nil
}
