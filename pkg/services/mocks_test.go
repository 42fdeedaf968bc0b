package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akikaku/akikaku-engine/pkg/apperrors"
	"github.com/akikaku/akikaku-engine/pkg/channels"
	"github.com/akikaku/akikaku-engine/pkg/models"
	"github.com/akikaku/akikaku-engine/pkg/repositories"
	"github.com/akikaku/akikaku-engine/pkg/services/pipeline"
)

// ============================================================================
// In-memory repositories
// ============================================================================

// memCheckRepo mimics the guarded single-statement transitions of the SQL repository.
type memCheckRepo struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*models.CheckRequest
	history map[uuid.UUID][]models.CheckStatus
}

func newMemCheckRepo() *memCheckRepo {
	return &memCheckRepo{
		rows:    make(map[uuid.UUID]*models.CheckRequest),
		history: make(map[uuid.UUID][]models.CheckStatus),
	}
}

var _ repositories.CheckRequestRepository = (*memCheckRepo)(nil)

func (r *memCheckRepo) Create(ctx context.Context, req *models.CheckRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req.CreatedAt = time.Now()
	req.UpdatedAt = req.CreatedAt
	cp := *req
	r.rows[req.ID] = &cp
	r.history[req.ID] = []models.CheckStatus{req.Status}
	return nil
}

func (r *memCheckRepo) Get(ctx context.Context, id uuid.UUID) (*models.CheckRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, fmt.Errorf("check request %s: %w", id, apperrors.ErrNotFound)
	}
	cp := *row
	return &cp, nil
}

func (r *memCheckRepo) ListRecent(ctx context.Context, limit int) ([]*models.CheckRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.CheckRequest, 0, len(r.rows))
	for _, row := range r.rows {
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memCheckRepo) ListUnfinished(ctx context.Context) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := make([]*models.CheckRequest, 0)
	for _, row := range r.rows {
		if row.CompletedAt == nil && row.Status != models.CheckStatusAwaitingChannel {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	ids := make([]uuid.UUID, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	return ids, nil
}

func (r *memCheckRepo) Transition(ctx context.Context, id uuid.UUID, t *models.CheckTransition) (*models.CheckRequest, error) {
	if err := repositories.ValidateTransition(t); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, fmt.Errorf("check request %s: %w", id, apperrors.ErrNotFound)
	}
	if row.CompletedAt != nil {
		return nil, fmt.Errorf("check request %s: %w", id, apperrors.ErrCompletedImmutable)
	}
	if row.Status != t.From {
		return nil, fmt.Errorf("check request %s is %s, not %s: %w", id, row.Status, t.From, apperrors.ErrInvalidTransition)
	}

	row.Status = t.To
	if t.Listing != nil {
		row.ListingAttributes = *t.Listing
	}
	if t.Matched != nil {
		row.Matched = *t.Matched
	}
	if t.CompanyID != nil {
		row.CompanyID = *t.CompanyID
	}
	if t.CompanyName != nil {
		row.CompanyName = *t.CompanyName
	}
	if t.CompanyPhone != nil {
		row.CompanyPhone = *t.CompanyPhone
	}
	if t.Channel != nil {
		row.Channel = *t.Channel
	}
	if t.ChannelAuto != nil {
		row.ChannelAuto = *t.ChannelAuto
	}
	if t.Remember != nil {
		row.RememberChannel = *t.Remember
	}
	if t.Outcome != nil {
		o := *t.Outcome
		row.Outcome = &o
	}
	if t.ErrorMessage != nil {
		row.ErrorMessage = *t.ErrorMessage
	}
	row.UpdatedAt = time.Now()
	if t.To.IsTerminal() {
		now := time.Now()
		row.CompletedAt = &now
	}
	r.history[id] = append(r.history[id], t.To)

	cp := *row
	return &cp, nil
}

func (r *memCheckRepo) statuses(id uuid.UUID) []models.CheckStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.CheckStatus(nil), r.history[id]...)
}

type memKnowledgeRepo struct {
	mu   sync.Mutex
	rows map[string]*models.KnowledgeEntry // by company id
}

func newMemKnowledgeRepo(entries ...*models.KnowledgeEntry) *memKnowledgeRepo {
	r := &memKnowledgeRepo{rows: make(map[string]*models.KnowledgeEntry)}
	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		r.rows[e.CompanyID] = e
	}
	return r
}

var _ repositories.KnowledgeRepository = (*memKnowledgeRepo)(nil)

func (r *memKnowledgeRepo) Create(ctx context.Context, entry *models.KnowledgeEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[entry.CompanyID]; ok {
		return fmt.Errorf("company %s: %w", entry.CompanyID, apperrors.ErrConflict)
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now()
	entry.LastUsedAt = entry.CreatedAt
	cp := *entry
	r.rows[entry.CompanyID] = &cp
	return nil
}

func (r *memKnowledgeRepo) List(ctx context.Context) ([]*models.KnowledgeEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.KnowledgeEntry, 0, len(r.rows))
	for _, e := range r.rows {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UseCount > out[j].UseCount })
	return out, nil
}

func (r *memKnowledgeRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.KnowledgeEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.rows {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("knowledge entry %s: %w", id, apperrors.ErrNotFound)
}

func (r *memKnowledgeRepo) GetByCompany(ctx context.Context, companyID string) (*models.KnowledgeEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[companyID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (r *memKnowledgeRepo) Update(ctx context.Context, entry *models.KnowledgeEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.rows {
		if e.ID == entry.ID {
			e.CompanyName = entry.CompanyName
			e.CompanyPhone = entry.CompanyPhone
			e.Channel = entry.Channel
			e.RequiresPhone = entry.RequiresPhone
			*entry = *e
			return nil
		}
	}
	return fmt.Errorf("knowledge entry %s: %w", entry.ID, apperrors.ErrNotFound)
}

func (r *memKnowledgeRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.rows {
		if e.ID == id {
			delete(r.rows, k)
			return nil
		}
	}
	return fmt.Errorf("knowledge entry %s: %w", id, apperrors.ErrNotFound)
}

func (r *memKnowledgeRepo) UpsertRemembered(ctx context.Context, entry *models.KnowledgeEntry) (*models.KnowledgeEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[entry.CompanyID]
	if !ok {
		e = &models.KnowledgeEntry{
			ID:           uuid.New(),
			CompanyID:    entry.CompanyID,
			CompanyName:  entry.CompanyName,
			CompanyPhone: entry.CompanyPhone,
			CreatedAt:    time.Now(),
		}
		r.rows[entry.CompanyID] = e
	}
	e.Channel = entry.Channel
	e.RequiresPhone = false
	e.UseCount++
	e.LastUsedAt = time.Now()
	cp := *e
	return &cp, nil
}

func (r *memKnowledgeRepo) IncrementUsage(ctx context.Context, companyID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[companyID]
	if !ok {
		return false, nil
	}
	e.UseCount++
	e.LastUsedAt = time.Now()
	return true, nil
}

func (r *memKnowledgeRepo) MarkRequiresPhone(ctx context.Context, companyID, companyName, companyPhone string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rows[companyID]
	if !ok {
		e = &models.KnowledgeEntry{
			ID:           uuid.New(),
			CompanyID:    companyID,
			CompanyName:  companyName,
			CompanyPhone: companyPhone,
			CreatedAt:    time.Now(),
		}
		r.rows[companyID] = e
	}
	if e.Channel != "" {
		return false, nil
	}
	e.RequiresPhone = true
	return true, nil
}

func (r *memKnowledgeRepo) entry(companyID string) *models.KnowledgeEntry {
	e, _ := r.GetByCompany(context.Background(), companyID)
	return e
}

type memPhoneRepo struct {
	mu    sync.Mutex
	tasks []*models.PhoneTask
}

var _ repositories.PhoneTaskRepository = (*memPhoneRepo)(nil)

func (r *memPhoneRepo) CreateForCheck(ctx context.Context, task *models.PhoneTask) (*models.PhoneTask, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.CheckRequestID != nil && *t.CheckRequestID == *task.CheckRequestID {
			cp := *t
			return &cp, false, nil
		}
	}
	cp := *task
	cp.ID = uuid.New()
	cp.Status = models.PhoneTaskPending
	cp.CreatedAt = time.Now()
	r.tasks = append(r.tasks, &cp)
	out := cp
	return &out, true, nil
}

func (r *memPhoneRepo) CreateManual(ctx context.Context, task *models.PhoneTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task.ID = uuid.New()
	task.CheckRequestID = nil
	task.Reason = models.ReasonManual
	task.Status = models.PhoneTaskPending
	task.CreatedAt = time.Now()
	cp := *task
	r.tasks = append(r.tasks, &cp)
	return nil
}

func (r *memPhoneRepo) Get(ctx context.Context, id uuid.UUID) (*models.PhoneTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.ID == id {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("phone task %s: %w", id, apperrors.ErrNotFound)
}

func (r *memPhoneRepo) List(ctx context.Context, status models.PhoneTaskStatus, limit int) ([]*models.PhoneTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.PhoneTask
	for i := len(r.tasks) - 1; i >= 0 && len(out) < limit; i-- {
		if status == "" || r.tasks[i].Status == status {
			cp := *r.tasks[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memPhoneRepo) CountPending(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tasks {
		if t.Status == models.PhoneTaskPending {
			n++
		}
	}
	return n, nil
}

func (r *memPhoneRepo) Update(ctx context.Context, id uuid.UUID, status models.PhoneTaskStatus, note string) (*models.PhoneTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.ID == id {
			t.Status = status
			t.Note = note
			if status != models.PhoneTaskPending && t.CompletedAt == nil {
				now := time.Now()
				t.CompletedAt = &now
			}
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("phone task %s: %w", id, apperrors.ErrNotFound)
}

func (r *memPhoneRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// ============================================================================
// Collaborator fakes
// ============================================================================

type fakeParser struct {
	listing *models.ListingAttributes
	err     error

	mu    sync.Mutex
	calls int
}

func (p *fakeParser) Parse(ctx context.Context, _ models.Portal, _ string) (*models.ListingAttributes, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	cp := *p.listing
	return &cp, nil
}

// inlineRunner runs tasks synchronously so that a pipeline is finished when
// Submit returns.
type inlineRunner struct {
	closed bool
}

func (r *inlineRunner) Enqueue(task pipeline.Task) error {
	if r.closed {
		return pipeline.ErrClosed
	}
	return task.Execute(context.Background())
}

type recordingListener struct {
	mu   sync.Mutex
	seen []*models.CheckRequest
}

func (l *recordingListener) CheckCompleted(ctx context.Context, req *models.CheckRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, req)
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

type fakeHandle struct{ ch models.Channel }

func (h *fakeHandle) Channel() models.Channel { return h.ch }

// fakeDriver answers every query with signal, or with the queued errors first.
type fakeDriver struct {
	channel    models.Channel
	configured bool

	mu       sync.Mutex
	signal   channels.Signal
	errs     []error
	loginErr error
	queries  int
	logins   int
}

func newFakeDriver(ch models.Channel, signal channels.Signal) *fakeDriver {
	return &fakeDriver{channel: ch, configured: true, signal: signal}
}

func (d *fakeDriver) Channel() models.Channel { return d.channel }
func (d *fakeDriver) Configured() bool        { return d.configured }

func (d *fakeDriver) Login(ctx context.Context) (channels.Handle, error) {
	if !d.configured {
		return nil, channels.ErrNotConfigured
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logins++
	if d.loginErr != nil {
		return nil, d.loginErr
	}
	return &fakeHandle{ch: d.channel}, nil
}

func (d *fakeDriver) Probe(ctx context.Context, h channels.Handle) error { return nil }

func (d *fakeDriver) Query(ctx context.Context, h channels.Handle, q channels.Query) (channels.Signal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return "", err
	}
	return d.signal, nil
}

func (d *fakeDriver) queryCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queries
}
