package postgres

import (
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/poiplane/poiplane/internal/domain"
)

// CredentialRepo persists and loads upstream API credentials.
type CredentialRepo struct{ Pool PgxPool }

// NewCredentialRepo constructs a CredentialRepo with the given pool.
func NewCredentialRepo(p PgxPool) *CredentialRepo { return &CredentialRepo{Pool: p} }

const credColumns = `id, key, active, description, last_reset,
	keyword_used, around_used, polygon_used,
	keyword_limit, around_limit, polygon_limit,
	keyword_qps, around_qps, polygon_qps, created_at`

type credScanner interface{ Scan(dest ...any) error }

func scanCredential(row credScanner) (domain.Credential, error) {
	var c domain.Credential
	err := row.Scan(&c.ID, &c.Key, &c.Active, &c.Description, &c.LastReset,
		&c.KeywordUsed, &c.AroundUsed, &c.PolygonUsed,
		&c.KeywordLimit, &c.AroundLimit, &c.PolygonLimit,
		&c.KeywordQPS, &c.AroundQPS, &c.PolygonQPS, &c.CreatedAt)
	return c, err
}

// kindColumns resolves the per-kind column names. Kind is validated before it
// reaches SQL text, never interpolated from caller input directly.
func kindColumns(kind domain.SearchKind) (used, limit string, ok bool) {
	switch kind {
	case domain.KindKeyword:
		return "keyword_used", "keyword_limit", true
	case domain.KindAround:
		return "around_used", "around_limit", true
	case domain.KindPolygon:
		return "polygon_used", "polygon_limit", true
	}
	return "", "", false
}

// Create inserts a credential and returns the stored row.
func (r *CredentialRepo) Create(ctx domain.Context, c domain.Credential) (domain.Credential, error) {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "api_credentials"),
	)
	q := `INSERT INTO api_credentials
		(key, active, description, keyword_limit, around_limit, polygon_limit, keyword_qps, around_qps, polygon_qps, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING ` + credColumns
	row := r.Pool.QueryRow(ctx, q, c.Key, c.Active, c.Description,
		c.KeywordLimit, c.AroundLimit, c.PolygonLimit,
		c.KeywordQPS, c.AroundQPS, c.PolygonQPS, time.Now().UTC())
	out, err := scanCredential(row)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("op=credential.create: %w", mapErr(err))
	}
	return out, nil
}

// Get loads a credential by id.
func (r *CredentialRepo) Get(ctx domain.Context, id int64) (domain.Credential, error) {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.Get")
	defer span.End()
	q := `SELECT ` + credColumns + ` FROM api_credentials WHERE id=$1`
	c, err := scanCredential(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		return domain.Credential{}, fmt.Errorf("op=credential.get: %w", mapErr(err))
	}
	return c, nil
}

// List returns all credentials ordered by id.
func (r *CredentialRepo) List(ctx domain.Context) ([]domain.Credential, error) {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.List")
	defer span.End()
	q := `SELECT ` + credColumns + ` FROM api_credentials ORDER BY id ASC`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=credential.list: %w", mapErr(err))
	}
	defer rows.Close()
	var out []domain.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("op=credential.list: scan: %w", mapErr(err))
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=credential.list: %w", mapErr(err))
	}
	return out, nil
}

// Update applies a partial admin-surface update and returns the fresh row.
func (r *CredentialRepo) Update(ctx domain.Context, id int64, upd domain.CredentialUpdate) (domain.Credential, error) {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.Update")
	defer span.End()

	sets := make([]string, 0, 8)
	args := []any{id}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if upd.Active != nil {
		sets = append(sets, "active="+arg(*upd.Active))
	}
	if upd.Description != nil {
		sets = append(sets, "description="+arg(*upd.Description))
	}
	if upd.Limits != nil {
		if upd.Limits.Keyword != nil {
			sets = append(sets, "keyword_limit="+arg(*upd.Limits.Keyword))
		}
		if upd.Limits.Around != nil {
			sets = append(sets, "around_limit="+arg(*upd.Limits.Around))
		}
		if upd.Limits.Polygon != nil {
			sets = append(sets, "polygon_limit="+arg(*upd.Limits.Polygon))
		}
	}
	if upd.QPS != nil {
		if upd.QPS.Keyword != nil {
			sets = append(sets, "keyword_qps="+arg(*upd.QPS.Keyword))
		}
		if upd.QPS.Around != nil {
			sets = append(sets, "around_qps="+arg(*upd.QPS.Around))
		}
		if upd.QPS.Polygon != nil {
			sets = append(sets, "polygon_qps="+arg(*upd.QPS.Polygon))
		}
	}
	if len(sets) == 0 {
		return r.Get(ctx, id)
	}
	q := `UPDATE api_credentials SET ` + strings.Join(sets, ", ") + ` WHERE id=$1 RETURNING ` + credColumns
	c, err := scanCredential(r.Pool.QueryRow(ctx, q, args...))
	if err != nil {
		return domain.Credential{}, fmt.Errorf("op=credential.update: %w", mapErr(err))
	}
	return c, nil
}

// Delete removes a credential by id.
func (r *CredentialRepo) Delete(ctx domain.Context, id int64) error {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM api_credentials WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=credential.delete: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=credential.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// ListEligible returns active credentials whose used[kind] is still below the
// effective limit, applying the default cap for null limit columns.
func (r *CredentialRepo) ListEligible(ctx domain.Context, kind domain.SearchKind) ([]domain.Credential, error) {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.ListEligible")
	defer span.End()
	span.SetAttributes(attribute.String("credential.kind", string(kind)))
	used, limit, ok := kindColumns(kind)
	if !ok {
		return nil, fmt.Errorf("op=credential.list_eligible: %w: kind %q", domain.ErrInvalidArgument, kind)
	}
	q := fmt.Sprintf(`SELECT %s FROM api_credentials WHERE active AND %s < COALESCE(%s, %d) ORDER BY id ASC`,
		credColumns, used, limit, domain.DefaultDailyLimit)
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=credential.list_eligible: %w", mapErr(err))
	}
	defer rows.Close()
	var out []domain.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("op=credential.list_eligible: scan: %w", mapErr(err))
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=credential.list_eligible: %w", mapErr(err))
	}
	return out, nil
}

// CountActive counts credentials with active=true.
func (r *CredentialRepo) CountActive(ctx domain.Context) (int, error) {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.CountActive")
	defer span.End()
	var n int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM api_credentials WHERE active`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=credential.count_active: %w", mapErr(err))
	}
	return n, nil
}

// IncrementUsage adds one to used[kind]. The LEAST clamp keeps the row inside
// the quota invariant even when concurrent forwards race on the same key.
func (r *CredentialRepo) IncrementUsage(ctx domain.Context, id int64, kind domain.SearchKind) error {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.IncrementUsage")
	defer span.End()
	used, limit, ok := kindColumns(kind)
	if !ok {
		return fmt.Errorf("op=credential.increment_usage: %w: kind %q", domain.ErrInvalidArgument, kind)
	}
	q := fmt.Sprintf(`UPDATE api_credentials SET %s = LEAST(%s + 1, COALESCE(%s, %d)) WHERE id=$1`,
		used, used, limit, domain.DefaultDailyLimit)
	tag, err := r.Pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("op=credential.increment_usage: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=credential.increment_usage: %w", domain.ErrNotFound)
	}
	return nil
}

// ForceExhaust pins used[kind] at the effective limit so the credential is
// ineligible for that kind until the next daily reset.
func (r *CredentialRepo) ForceExhaust(ctx domain.Context, id int64, kind domain.SearchKind) error {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.ForceExhaust")
	defer span.End()
	used, limit, ok := kindColumns(kind)
	if !ok {
		return fmt.Errorf("op=credential.force_exhaust: %w: kind %q", domain.ErrInvalidArgument, kind)
	}
	q := fmt.Sprintf(`UPDATE api_credentials SET %s = COALESCE(%s, %d) WHERE id=$1`,
		used, limit, domain.DefaultDailyLimit)
	tag, err := r.Pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("op=credential.force_exhaust: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=credential.force_exhaust: %w", domain.ErrNotFound)
	}
	return nil
}

// Disable deactivates the credential and records the reason. Sticky: nothing
// re-activates a disabled credential automatically.
func (r *CredentialRepo) Disable(ctx domain.Context, id int64, reason string) error {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.Disable")
	defer span.End()
	q := `UPDATE api_credentials SET active=FALSE, description = description || ' | reason: ' || $2 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, reason)
	if err != nil {
		return fmt.Errorf("op=credential.disable: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=credential.disable: %w", domain.ErrNotFound)
	}
	return nil
}

// ResetStaleCounters zeroes every per-kind counter and stamps last_reset for
// active credentials whose last_reset is null or before boundary. One UPDATE,
// so all rows flip in a single transaction.
func (r *CredentialRepo) ResetStaleCounters(ctx domain.Context, boundary, now time.Time) (int, error) {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.ResetStaleCounters")
	defer span.End()
	q := `UPDATE api_credentials
		SET keyword_used=0, around_used=0, polygon_used=0, last_reset=$2
		WHERE active AND (last_reset IS NULL OR last_reset < $1)`
	tag, err := r.Pool.Exec(ctx, q, boundary, now)
	if err != nil {
		return 0, fmt.Errorf("op=credential.reset_stale: %w", mapErr(err))
	}
	return int(tag.RowsAffected()), nil
}
