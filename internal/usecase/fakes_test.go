package usecase

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/poiplane/poiplane/internal/domain"
)

// fakeClock is a settable clock for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memCreds is an in-memory CredentialRepository mirroring the SQL semantics.
type memCreds struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]domain.Credential
}

func newMemCreds() *memCreds {
	return &memCreds{rows: make(map[int64]domain.Credential)}
}

func (m *memCreds) add(c domain.Credential) domain.Credential {
	created, err := m.Create(nil, c)
	if err != nil {
		panic(err)
	}
	return created
}

func (m *memCreds) Create(_ domain.Context, c domain.Credential) (domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.rows[c.ID] = c
	return c, nil
}

func (m *memCreds) Get(_ domain.Context, id int64) (domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return domain.Credential{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memCreds) List(_ domain.Context) ([]domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Credential, 0, len(m.rows))
	for _, c := range m.rows {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memCreds) Update(_ domain.Context, id int64, upd domain.CredentialUpdate) (domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return domain.Credential{}, domain.ErrNotFound
	}
	if upd.Active != nil {
		c.Active = *upd.Active
	}
	if upd.Description != nil {
		c.Description = *upd.Description
	}
	if upd.Limits != nil {
		if upd.Limits.Keyword != nil {
			c.KeywordLimit = upd.Limits.Keyword
		}
		if upd.Limits.Around != nil {
			c.AroundLimit = upd.Limits.Around
		}
		if upd.Limits.Polygon != nil {
			c.PolygonLimit = upd.Limits.Polygon
		}
	}
	if upd.QPS != nil {
		if upd.QPS.Keyword != nil {
			c.KeywordQPS = upd.QPS.Keyword
		}
		if upd.QPS.Around != nil {
			c.AroundQPS = upd.QPS.Around
		}
		if upd.QPS.Polygon != nil {
			c.PolygonQPS = upd.QPS.Polygon
		}
	}
	m.rows[id] = c
	return c, nil
}

func (m *memCreds) Delete(_ domain.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *memCreds) ListEligible(_ domain.Context, kind domain.SearchKind) ([]domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Credential
	for _, c := range m.rows {
		if c.Active && !c.Exhausted(kind) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memCreds) CountActive(_ domain.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.rows {
		if c.Active {
			n++
		}
	}
	return n, nil
}

func (m *memCreds) IncrementUsage(_ domain.Context, id int64, kind domain.SearchKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	bump := func(used, limit int) int {
		if used+1 > limit {
			return limit
		}
		return used + 1
	}
	switch kind {
	case domain.KindKeyword:
		c.KeywordUsed = bump(c.KeywordUsed, c.EffectiveLimit(kind))
	case domain.KindAround:
		c.AroundUsed = bump(c.AroundUsed, c.EffectiveLimit(kind))
	case domain.KindPolygon:
		c.PolygonUsed = bump(c.PolygonUsed, c.EffectiveLimit(kind))
	}
	m.rows[id] = c
	return nil
}

func (m *memCreds) ForceExhaust(_ domain.Context, id int64, kind domain.SearchKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	switch kind {
	case domain.KindKeyword:
		c.KeywordUsed = c.EffectiveLimit(kind)
	case domain.KindAround:
		c.AroundUsed = c.EffectiveLimit(kind)
	case domain.KindPolygon:
		c.PolygonUsed = c.EffectiveLimit(kind)
	}
	m.rows[id] = c
	return nil
}

func (m *memCreds) Disable(_ domain.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.Active = false
	c.Description = c.Description + " | reason: " + reason
	m.rows[id] = c
	return nil
}

func (m *memCreds) ResetStaleCounters(_ domain.Context, boundary, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, c := range m.rows {
		if !c.Active {
			continue
		}
		if c.LastReset != nil && !c.LastReset.Before(boundary) {
			continue
		}
		c.KeywordUsed, c.AroundUsed, c.PolygonUsed = 0, 0, 0
		ts := now
		c.LastReset = &ts
		m.rows[id] = c
		n++
	}
	return n, nil
}

// memTasks is an in-memory TaskRepository mirroring the SQL semantics,
// including the completed-is-terminal write guard.
type memTasks struct {
	mu     sync.Mutex
	nextID int64
	rows   map[string]domain.CrawlTask
}

func newMemTasks() *memTasks {
	return &memTasks{rows: make(map[string]domain.CrawlTask)}
}

func (m *memTasks) add(t domain.CrawlTask) domain.CrawlTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.ID = m.nextID
	if t.Progress == nil {
		t.Progress = domain.Progress{}
	}
	m.rows[t.TaskID] = t
	return t
}

func (m *memTasks) get(taskID string) domain.CrawlTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[taskID]
}

func (m *memTasks) Create(_ domain.Context, t domain.CrawlTask) (domain.CrawlTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[t.TaskID]; ok {
		return domain.CrawlTask{}, fmt.Errorf("%w: duplicate", domain.ErrConflict)
	}
	m.nextID++
	t.ID = m.nextID
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	m.rows[t.TaskID] = t
	return t, nil
}

func (m *memTasks) GetByTaskID(_ domain.Context, taskID string) (domain.CrawlTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[taskID]
	if !ok {
		return domain.CrawlTask{}, domain.ErrNotFound
	}
	t.Progress = t.Progress.Clone()
	return t, nil
}

func (m *memTasks) UpdateStatus(_ domain.Context, taskID string, to domain.TaskStatus, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[taskID]
	if !ok || t.Status == domain.TaskCompleted {
		return domain.ErrNotFound
	}
	t.Status = to
	t.UpdatedAt = now
	m.rows[taskID] = t
	return nil
}

func (m *memTasks) UpdateStatusWhereIn(_ domain.Context, taskID string, from []domain.TaskStatus, to domain.TaskStatus, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[taskID]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if t.Status == f {
			t.Status = to
			t.UpdatedAt = now
			m.rows[taskID] = t
			return true, nil
		}
	}
	return false, nil
}

func (m *memTasks) SaveCursor(_ domain.Context, taskID string, cur domain.TaskCursor, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[taskID]
	if !ok || t.Status == domain.TaskCompleted {
		return domain.ErrNotFound
	}
	t.Status = cur.Status
	t.CurrentType = cur.CurrentType
	t.CurrentPage = cur.CurrentPage
	t.Progress = cur.Progress.Clone()
	t.UpdatedAt = now
	m.rows[taskID] = t
	return nil
}

func (m *memTasks) SetPriority(_ domain.Context, taskID string, priority int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	t.Priority = priority
	t.UpdatedAt = now
	m.rows[taskID] = t
	return nil
}

func (m *memTasks) all() []domain.CrawlTask {
	out := make([]domain.CrawlTask, 0, len(m.rows))
	for _, t := range m.rows {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memTasks) List(_ domain.Context, f domain.TaskFilter) ([]domain.CrawlTask, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CrawlTask
	for _, t := range m.all() {
		switch f.Scope {
		case domain.ScopeCompleted:
			if t.Status == domain.TaskCompleted {
				out = append(out, t)
			}
		case domain.ScopeIncomplete:
			if t.Status != domain.TaskCompleted {
				out = append(out, t)
			}
		default:
			out = append(out, t)
		}
	}
	switch f.Scope {
	case domain.ScopeCompleted:
		sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	case domain.ScopeAll, "":
		sort.Slice(out, func(i, j int) bool {
			ci := out[i].Status == domain.TaskCompleted
			cj := out[j].Status == domain.TaskCompleted
			if ci != cj {
				return !ci
			}
			return out[i].ID < out[j].ID
		})
	}
	total := len(out)
	page, per := f.Page, f.PerPage
	if page < 1 {
		page = 1
	}
	if per < 1 {
		per = 20
	}
	lo := (page - 1) * per
	if lo > total {
		lo = total
	}
	hi := lo + per
	if hi > total {
		hi = total
	}
	return out[lo:hi], total, nil
}

func (m *memTasks) NextAdmittable(_ domain.Context, stallBefore time.Time) (domain.CrawlTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cand []domain.CrawlTask
	for _, t := range m.all() {
		switch {
		case t.Status == domain.TaskWaiting:
			cand = append(cand, t)
		case t.Status == domain.TaskRunning && !t.UpdatedAt.After(stallBefore):
			cand = append(cand, t)
		}
	}
	if len(cand) == 0 {
		return domain.CrawlTask{}, domain.ErrNotFound
	}
	sort.Slice(cand, func(i, j int) bool {
		if cand[i].Priority != cand[j].Priority {
			return cand[i].Priority < cand[j].Priority
		}
		return cand[i].ID < cand[j].ID
	})
	return cand[0], nil
}

func (m *memTasks) CountActiveRunning(_ domain.Context, stallBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.rows {
		if t.Status == domain.TaskRunning && t.UpdatedAt.After(stallBefore) {
			n++
		}
	}
	return n, nil
}

func (m *memTasks) ResumeBatch(_ domain.Context, limit int, stallBefore, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cand []domain.CrawlTask
	for _, t := range m.all() {
		switch {
		case t.Status == domain.TaskPending || t.Status == domain.TaskStash:
			cand = append(cand, t)
		case t.Status == domain.TaskRunning && !t.UpdatedAt.After(stallBefore):
			cand = append(cand, t)
		}
	}
	sort.Slice(cand, func(i, j int) bool {
		if cand[i].Priority != cand[j].Priority {
			return cand[i].Priority < cand[j].Priority
		}
		return cand[i].ID < cand[j].ID
	})
	if len(cand) > limit {
		cand = cand[:limit]
	}
	ids := make([]string, 0, len(cand))
	for _, t := range cand {
		t.Status = domain.TaskWaiting
		t.UpdatedAt = now
		m.rows[t.TaskID] = t
		ids = append(ids, t.TaskID)
	}
	return ids, nil
}

func (m *memTasks) SetStatusWhereTaskIDIn(_ domain.Context, taskIDs []string, to domain.TaskStatus, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range taskIDs {
		t, ok := m.rows[id]
		if !ok || t.Status == domain.TaskCompleted {
			continue
		}
		t.Status = to
		t.UpdatedAt = now
		m.rows[id] = t
		n++
	}
	return n, nil
}

func (m *memTasks) CompletedBetween(_ domain.Context, from, to time.Time) ([]domain.CrawlTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CrawlTask
	for _, t := range m.all() {
		if t.Status == domain.TaskCompleted && !t.UpdatedAt.Before(from) && t.UpdatedAt.Before(to) {
			out = append(out, t)
		}
	}
	return out, nil
}

// fakeFetcher scripts FetchPage by category codes and page number.
type fakeFetcher struct {
	mu    sync.Mutex
	calls []domain.PlaceQuery
	fn    func(q domain.PlaceQuery) (domain.PlacePage, error)
}

func (f *fakeFetcher) FetchPage(_ domain.Context, q domain.PlaceQuery) (domain.PlacePage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, q)
	f.mu.Unlock()
	return f.fn(q)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// memSink records appended rows per result file.
type memSink struct {
	mu        sync.Mutex
	rows      map[string][]domain.POI
	labels    map[string][]string
	appendErr error
}

func newMemSink() *memSink {
	return &memSink{rows: make(map[string][]domain.POI), labels: make(map[string][]string)}
}

func (s *memSink) Append(_ domain.Context, resultFile, label string, pois []domain.POI) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.rows[resultFile] = append(s.rows[resultFile], pois...)
	for range pois {
		s.labels[resultFile] = append(s.labels[resultFile], label)
	}
	return nil
}

func (s *memSink) Path(resultFile string) string { return "results/" + resultFile }

func (s *memSink) rowCount(resultFile string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[resultFile])
}

// fakeExec records submissions without running anything.
type fakeExec struct {
	mu         sync.Mutex
	submitted  []string
	submitOK   bool
	running    map[string]bool
	stopRun    []string
	stopQueued []string
}

func newFakeExec() *fakeExec {
	return &fakeExec{submitOK: true, running: make(map[string]bool)}
}

func (e *fakeExec) Submit(taskID string, _ domain.TaskFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.submitOK || e.running[taskID] {
		return false
	}
	e.submitted = append(e.submitted, taskID)
	e.running[taskID] = true
	return true
}

func (e *fakeExec) IsRunning(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[taskID]
}

func (e *fakeExec) RunningIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.running))
	for id := range e.running {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (e *fakeExec) StopAll() ([]string, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = make(map[string]bool)
	return e.stopRun, e.stopQueued
}

func (e *fakeExec) Shutdown(domain.Context) {}

// makePOIs builds n distinct rows for a category.
func makePOIs(n int, prefix string) []domain.POI {
	out := make([]domain.POI, n)
	for i := range out {
		out[i] = domain.POI{
			ID:       fmt.Sprintf("%s-%03d", prefix, i),
			Name:     fmt.Sprintf("%s poi %d", prefix, i),
			Location: "116.40,39.90",
		}
	}
	return out
}
