package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrNoCredential    = errors.New("no available api key")
	ErrUpstream        = errors.New("upstream error")
	ErrStorage         = errors.New("storage error")
	ErrUnavailable     = errors.New("dependency unavailable")
	ErrInternal        = errors.New("internal error")
)

// SearchKind selects one of the upstream place-search services. Each kind
// carries its own daily quota and QPS advisory per credential.
type SearchKind string

const (
	KindKeyword SearchKind = "keyword"
	KindAround  SearchKind = "around"
	KindPolygon SearchKind = "polygon"
)

// Kinds lists all search kinds in a stable order.
var Kinds = []SearchKind{KindKeyword, KindAround, KindPolygon}

// Valid reports whether k is a known search kind.
func (k SearchKind) Valid() bool {
	switch k {
	case KindKeyword, KindAround, KindPolygon:
		return true
	}
	return false
}

// Defaults applied when a credential's per-kind columns are null.
const (
	DefaultDailyLimit = 100
	DefaultQPS        = 3
)

// Credential is an upstream API key with per-kind daily accounting.
// Invariants: 0 <= used[kind] <= EffectiveLimit(kind) after any accounting
// step; Active=false is terminal; LastReset is monotonic.
type Credential struct {
	ID          int64
	Key         string
	Active      bool
	Description string
	LastReset   *time.Time

	KeywordUsed int
	AroundUsed  int
	PolygonUsed int

	// Nullable per-kind caps; nil means DefaultDailyLimit / DefaultQPS.
	KeywordLimit *int
	AroundLimit  *int
	PolygonLimit *int
	KeywordQPS   *int
	AroundQPS    *int
	PolygonQPS   *int

	CreatedAt time.Time
}

// MaskedKey redacts the key for logs and API payloads:
// first six characters, eight asterisks, last four characters.
func (c Credential) MaskedKey() string {
	if c.Key == "" {
		return ""
	}
	head := c.Key
	if len(head) > 6 {
		head = head[:6]
	}
	tail := c.Key
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return head + "********" + tail
}

// Used returns the consumed daily quota for kind.
func (c Credential) Used(kind SearchKind) int {
	switch kind {
	case KindKeyword:
		return c.KeywordUsed
	case KindAround:
		return c.AroundUsed
	case KindPolygon:
		return c.PolygonUsed
	}
	return 0
}

// EffectiveLimit returns the daily cap for kind, applying the default when
// the stored cap is null.
func (c Credential) EffectiveLimit(kind SearchKind) int {
	var l *int
	switch kind {
	case KindKeyword:
		l = c.KeywordLimit
	case KindAround:
		l = c.AroundLimit
	case KindPolygon:
		l = c.PolygonLimit
	}
	if l == nil {
		return DefaultDailyLimit
	}
	return *l
}

// EffectiveQPS returns the advisory per-second rate for kind. The pool does
// not enforce it; the upstream service does.
func (c Credential) EffectiveQPS(kind SearchKind) int {
	var q *int
	switch kind {
	case KindKeyword:
		q = c.KeywordQPS
	case KindAround:
		q = c.AroundQPS
	case KindPolygon:
		q = c.PolygonQPS
	}
	if q == nil {
		return DefaultQPS
	}
	return *q
}

// Exhausted reports whether the kind's daily quota is spent.
func (c Credential) Exhausted(kind SearchKind) bool {
	return c.Used(kind) >= c.EffectiveLimit(kind)
}

// CredentialLimits carries optional per-kind overrides; nil leaves a column
// untouched (or null, on create).
type CredentialLimits struct {
	Keyword *int
	Around  *int
	Polygon *int
}

// CredentialUpdate is a partial update applied by the admin surface.
type CredentialUpdate struct {
	Active      *bool
	Description *string
	Limits      *CredentialLimits
	QPS         *CredentialLimits
}

// KindUsage is one kind's usage snapshot.
type KindUsage struct {
	Used  int `json:"used"`
	Limit int `json:"limit"`
	QPS   int `json:"qps"`
}

// CredentialUsage is the per-kind snapshot returned by the pool and the
// admin API.
type CredentialUsage struct {
	Keyword KindUsage `json:"keyword"`
	Around  KindUsage `json:"around"`
	Polygon KindUsage `json:"polygon"`
}

// UsageSnapshot builds the per-kind usage view of c.
func (c Credential) UsageSnapshot() CredentialUsage {
	snap := func(k SearchKind) KindUsage {
		return KindUsage{Used: c.Used(k), Limit: c.EffectiveLimit(k), QPS: c.EffectiveQPS(k)}
	}
	return CredentialUsage{
		Keyword: snap(KindKeyword),
		Around:  snap(KindAround),
		Polygon: snap(KindPolygon),
	}
}

// TaskStatus is the crawl job state machine.
type TaskStatus string

const (
	TaskWaiting   TaskStatus = "waiting"
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskStash     TaskStatus = "stash"
	TaskFailed    TaskStatus = "failed"
	TaskCompleted TaskStatus = "completed"

	// TaskStalled is a derived display value, never stored: a running row
	// whose updated_at fell behind the stall window.
	TaskStalled TaskStatus = "stalled"
)

// Terminal reports whether s is write-once terminal.
func (s TaskStatus) Terminal() bool { return s == TaskCompleted }

// DefaultPriority is assigned when a submission omits priority.
// Smaller values are more urgent.
const DefaultPriority = 999

// CategoryProgress tracks one catalog category inside a task.
// Invariants: ProcessedPages <= TotalPages, ProcessedCount <= TotalCount.
type CategoryProgress struct {
	TotalPages     int  `json:"total_pages"`
	ProcessedPages int  `json:"processed_pages"`
	TotalCount     int  `json:"total_count"`
	ProcessedCount int  `json:"processed_count"`
	Completed      bool `json:"completed"`
}

// Clamp enforces the progress invariants in place.
func (p *CategoryProgress) Clamp() {
	if p.TotalPages < 0 {
		p.TotalPages = 0
	}
	if p.ProcessedPages > p.TotalPages {
		p.ProcessedPages = p.TotalPages
	}
	if p.ProcessedCount > p.TotalCount {
		p.ProcessedCount = p.TotalCount
	}
}

// Progress maps category label to its crawl progress.
type Progress map[string]CategoryProgress

// Clone returns a shallow copy safe to mutate.
func (p Progress) Clone() Progress {
	out := make(Progress, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// CrawlTask is a polygon crawl job. TaskID is operator-supplied and unique;
// ID orders rows. Progress, CurrentType and CurrentPage persist the resume
// cursor before every suspension point.
type CrawlTask struct {
	ID          int64
	TaskID      string
	Name        string
	Polygon     string
	Priority    int
	Status      TaskStatus
	CurrentType string
	CurrentPage int
	Progress    Progress
	ResultFile  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Stalled reports whether the task is running but has not heartbeat inside
// the stall window.
func (t CrawlTask) Stalled(now time.Time, window time.Duration) bool {
	return t.Status == TaskRunning && now.Sub(t.UpdatedAt) > window
}

// DisplayStatus substitutes the stalled marker for wedged running rows.
func (t CrawlTask) DisplayStatus(now time.Time, window time.Duration) TaskStatus {
	if t.Stalled(now, window) {
		return TaskStalled
	}
	return t.Status
}

// Category is one catalog entry: human label plus the vendor pipe-delimited
// category-code expression.
type Category struct {
	Label string
	Codes string
}

// Catalog is the ordered category list; order defines the canonical crawl
// and resume order and is frozen for the life of the process.
type Catalog []Category

// IndexOf returns the position of label, or -1.
func (c Catalog) IndexOf(label string) int {
	for i, cat := range c {
		if cat.Label == label {
			return i
		}
	}
	return -1
}

// Labels returns the labels in catalog order.
func (c Catalog) Labels() []string {
	out := make([]string, len(c))
	for i, cat := range c {
		out[i] = cat.Label
	}
	return out
}

// POI is the subset of a vendor place record that reaches the result sink.
type POI struct {
	ID           string
	Name         string
	Type         string
	TypeCode     string
	Address      string
	Location     string
	Tel          string
	BusinessArea string
	Province     string
	City         string
	District     string
}

// PlacePage is one page of a place search: the vendor total hit count plus
// the page's records.
type PlacePage struct {
	Count int
	POIs  []POI
}

// PlaceQuery addresses one upstream polygon-search page.
type PlaceQuery struct {
	Polygon string
	Types   string
	Page    int
	Offset  int
}

// UpstreamError carries a non-200 HTTP classification from the place fetch
// path so the crawl engine can park the task appropriately.
type UpstreamError struct {
	StatusCode int
	Info       string
	InfoCode   string
}

func (e *UpstreamError) Error() string {
	if e.Info != "" {
		return "upstream status " + e.Info
	}
	return "upstream error"
}

// Unwrap ties UpstreamError into the sentinel taxonomy.
func (e *UpstreamError) Unwrap() error { return ErrUpstream }

// Exhausted reports the pool's own no-key envelope (503 / info_code 1008611).
func (e *UpstreamError) Exhausted() bool {
	return e.StatusCode == 503 && e.InfoCode == "1008611"
}

// Repositories (ports)

// TaskCursor is the resume state persisted in one atomic write.
type TaskCursor struct {
	Status      TaskStatus
	CurrentType string
	CurrentPage int
	Progress    Progress
}

// ListScope selects a task-list ordering branch.
type ListScope string

const (
	ScopeAll        ListScope = "all"
	ScopeCompleted  ListScope = "completed"
	ScopeIncomplete ListScope = "incomplete"
)

// TaskFilter pages through a list scope.
type TaskFilter struct {
	Scope   ListScope
	Page    int
	PerPage int
}

type TaskRepository interface {
	Create(ctx Context, t CrawlTask) (CrawlTask, error)
	GetByTaskID(ctx Context, taskID string) (CrawlTask, error)
	// UpdateStatus touches updated_at together with the status write.
	UpdateStatus(ctx Context, taskID string, to TaskStatus, now time.Time) error
	// UpdateStatusWhereIn writes to only when the current status is in from;
	// reports whether a row changed.
	UpdateStatusWhereIn(ctx Context, taskID string, from []TaskStatus, to TaskStatus, now time.Time) (bool, error)
	// SaveCursor persists status plus the resume cursor in one statement.
	SaveCursor(ctx Context, taskID string, cur TaskCursor, now time.Time) error
	SetPriority(ctx Context, taskID string, priority int, now time.Time) error
	// List returns one page plus the total row count for the scope.
	List(ctx Context, f TaskFilter) ([]CrawlTask, int, error)
	// NextAdmittable picks the (priority ASC, id ASC) head of waiting union
	// stalled running (updated_at <= stallBefore).
	NextAdmittable(ctx Context, stallBefore time.Time) (CrawlTask, error)
	// CountActiveRunning counts running rows with updated_at > stallBefore.
	CountActiveRunning(ctx Context, stallBefore time.Time) (int, error)
	// ResumeBatch flips up to limit rows in {pending, stash} or stalled
	// running to waiting, by (priority ASC, id ASC); returns task ids.
	ResumeBatch(ctx Context, limit int, stallBefore time.Time, now time.Time) ([]string, error)
	// SetStatusWhereTaskIDIn bulk-writes to for the given task ids.
	SetStatusWhereTaskIDIn(ctx Context, taskIDs []string, to TaskStatus, now time.Time) (int, error)
	// CompletedBetween lists completed tasks whose last write falls in
	// [from, to), ordered by id.
	CompletedBetween(ctx Context, from, to time.Time) ([]CrawlTask, error)
}

type CredentialRepository interface {
	Create(ctx Context, c Credential) (Credential, error)
	Get(ctx Context, id int64) (Credential, error)
	List(ctx Context) ([]Credential, error)
	Update(ctx Context, id int64, upd CredentialUpdate) (Credential, error)
	Delete(ctx Context, id int64) error
	// ListEligible returns active credentials with used[kind] below the
	// effective limit.
	ListEligible(ctx Context, kind SearchKind) ([]Credential, error)
	CountActive(ctx Context) (int, error)
	IncrementUsage(ctx Context, id int64, kind SearchKind) error
	// ForceExhaust sets used[kind] to the effective limit.
	ForceExhaust(ctx Context, id int64, kind SearchKind) error
	// Disable deactivates the credential and appends "| reason: <r>" to the
	// description. Sticky: nothing re-activates automatically.
	Disable(ctx Context, id int64, reason string) error
	// ResetStaleCounters zeroes all per-kind counters and stamps last_reset
	// for active credentials whose last_reset is null or before boundary.
	// One statement, one transaction. Returns rows touched.
	ResetStaleCounters(ctx Context, boundary, now time.Time) (int, error)
}

// KeyPool (port) — credential selection and accounting.

type KeyPool interface {
	// Acquire resets stale counters, then picks uniformly at random among
	// eligible credentials. ErrNoCredential when none qualify.
	Acquire(ctx Context, kind SearchKind) (Credential, error)
	// IncrementUsage adds one to used[kind]; false on unknown kind or
	// storage failure.
	IncrementUsage(ctx Context, id int64, kind SearchKind) bool
	// MarkDailyExhausted makes the credential ineligible for kind until the
	// next daily reset.
	MarkDailyExhausted(ctx Context, id int64, kind SearchKind)
	// Disable permanently quarantines the credential, recording reason.
	Disable(ctx Context, id int64, reason string)
	UpdateLimits(ctx Context, id int64, limits CredentialLimits) error
	GetUsage(ctx Context, id int64) (CredentialUsage, error)
}

// PageFetcher (port) — one polygon-search page through the proxy path.

type PageFetcher interface {
	FetchPage(ctx Context, q PlaceQuery) (PlacePage, error)
}

// ResultSink (port) — append-only tabular writer per task.

type ResultSink interface {
	// Append writes pois tagged with the category label to the task's
	// result file, creating directory, header and BOM on first use.
	Append(ctx Context, resultFile, label string, pois []POI) error
	// Path resolves the on-disk location of a result file.
	Path(resultFile string) string
}

// TaskExecutor (port) — bounded in-process worker pool.

// TaskFunc is a cancellable task body. It must poll ctx at every natural
// yield point and report whether the run reached completion.
type TaskFunc func(ctx Context, taskID string) bool

type TaskExecutor interface {
	// Submit enqueues fn under taskID with a fresh cancel signal; false when
	// the id is already in flight.
	Submit(taskID string, fn TaskFunc) bool
	IsRunning(taskID string) bool
	RunningIDs() []string
	// StopAll drains the queue and cancels in-flight work; returns the ids
	// that were running and the ids that were still queued.
	StopAll() (running []string, queued []string)
	Shutdown(ctx Context)
}

// Clock (port) — wall time in the fixed operating timezone.

type Clock interface {
	Now() time.Time
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through unchanged.

type Context = context.Context
