package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/akikaku/akikaku-engine/pkg/apperrors"
	"github.com/akikaku/akikaku-engine/pkg/dataset"
	"github.com/akikaku/akikaku-engine/pkg/models"
	"github.com/akikaku/akikaku-engine/pkg/services"
)

// routeHandler is implemented by every handler in this package.
type routeHandler interface {
	RegisterRoutes(mux *http.ServeMux)
}

// serve runs one request through a mux carrying the handler's routes, so
// path patterns and methods are exercised along with the handler itself.
func serve(t *testing.T, h routeHandler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// decodeEnvelope decodes an ApiResponse and re-decodes its data into out.
func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, out any) ApiResponse {
	t.Helper()

	var raw struct {
		ApiResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&raw), "body: %s", rec.Body.String())
	if out != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, out))
	}
	return raw.ApiResponse
}

// ============================================================================
// Check service
// ============================================================================

type mockCheckService struct {
	checks map[uuid.UUID]*models.CheckRequest
	err    error

	submittedURL    string
	submittedChan   models.Channel
	submittedRemind bool
	listLimit       int
}

var _ services.CheckService = (*mockCheckService)(nil)

func newMockCheckService(checks ...*models.CheckRequest) *mockCheckService {
	m := &mockCheckService{checks: make(map[uuid.UUID]*models.CheckRequest)}
	for _, c := range checks {
		m.checks[c.ID] = c
	}
	return m
}

func (m *mockCheckService) Submit(ctx context.Context, rawURL string) (*models.CheckRequest, error) {
	m.submittedURL = rawURL
	if m.err != nil {
		return nil, m.err
	}
	c := &models.CheckRequest{ID: uuid.New(), SubmittedURL: rawURL, Status: models.CheckStatusParsing}
	m.checks[c.ID] = c
	return c, nil
}

func (m *mockCheckService) Get(ctx context.Context, id uuid.UUID) (*models.CheckRequest, error) {
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.checks[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return c, nil
}

func (m *mockCheckService) List(ctx context.Context, limit int) ([]*models.CheckRequest, error) {
	m.listLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	var out []*models.CheckRequest
	for _, c := range m.checks {
		out = append(out, c)
	}
	return out, nil
}

func (m *mockCheckService) SubmitChannel(ctx context.Context, id uuid.UUID, channel models.Channel, remember bool) (*models.CheckRequest, error) {
	m.submittedChan = channel
	m.submittedRemind = remember
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.checks[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	if c.Status != models.CheckStatusAwaitingChannel {
		return nil, apperrors.ErrInvalidTransition
	}
	c.Channel = channel
	c.Status = models.CheckStatusChecking
	return c, nil
}

func (m *mockCheckService) Run(ctx context.Context, id uuid.UUID) error {
	return m.err
}

func (m *mockCheckService) Resume(ctx context.Context) (int, error) {
	return 0, m.err
}

// ============================================================================
// Knowledge service
// ============================================================================

type mockKnowledgeService struct {
	entries map[uuid.UUID]*models.KnowledgeEntry
	err     error

	created *models.KnowledgeEntry
	updated *models.KnowledgeEntry
}

var _ services.KnowledgeService = (*mockKnowledgeService)(nil)

func newMockKnowledgeService(entries ...*models.KnowledgeEntry) *mockKnowledgeService {
	m := &mockKnowledgeService{entries: make(map[uuid.UUID]*models.KnowledgeEntry)}
	for _, e := range entries {
		m.entries[e.ID] = e
	}
	return m
}

func (m *mockKnowledgeService) List(ctx context.Context) ([]*models.KnowledgeEntry, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*models.KnowledgeEntry
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func (m *mockKnowledgeService) Get(ctx context.Context, id uuid.UUID) (*models.KnowledgeEntry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return e, nil
}

func (m *mockKnowledgeService) Create(ctx context.Context, entry *models.KnowledgeEntry) (*models.KnowledgeEntry, error) {
	m.created = entry
	if m.err != nil {
		return nil, m.err
	}
	out := *entry
	out.ID = uuid.New()
	if out.CompanyID == "" {
		out.CompanyID = out.CompanyName
	}
	m.entries[out.ID] = &out
	return &out, nil
}

func (m *mockKnowledgeService) Update(ctx context.Context, id uuid.UUID, entry *models.KnowledgeEntry) (*models.KnowledgeEntry, error) {
	m.updated = entry
	if m.err != nil {
		return nil, m.err
	}
	e, ok := m.entries[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	e.CompanyName = entry.CompanyName
	e.CompanyPhone = entry.CompanyPhone
	e.Channel = entry.Channel
	e.RequiresPhone = entry.RequiresPhone
	return e, nil
}

func (m *mockKnowledgeService) Delete(ctx context.Context, id uuid.UUID) error {
	if m.err != nil {
		return m.err
	}
	if _, ok := m.entries[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(m.entries, id)
	return nil
}

func (m *mockKnowledgeService) Lookup(ctx context.Context, companyID string) (*models.KnowledgeEntry, error) {
	return nil, nil
}

func (m *mockKnowledgeService) Remember(ctx context.Context, companyID, companyName, companyPhone string, channel models.Channel) (*models.KnowledgeEntry, error) {
	return nil, m.err
}

func (m *mockKnowledgeService) RecordUsage(ctx context.Context, companyID string) error {
	return m.err
}

func (m *mockKnowledgeService) MarkRequiresPhone(ctx context.Context, companyID, companyName, companyPhone string) error {
	return m.err
}

// ============================================================================
// Phone task service
// ============================================================================

type mockPhoneTaskService struct {
	tasks map[uuid.UUID]*models.PhoneTask
	err   error

	listStatus models.PhoneTaskStatus
	listLimit  int
	created    *models.PhoneTask
}

var _ services.PhoneTaskService = (*mockPhoneTaskService)(nil)

func newMockPhoneTaskService(tasks ...*models.PhoneTask) *mockPhoneTaskService {
	m := &mockPhoneTaskService{tasks: make(map[uuid.UUID]*models.PhoneTask)}
	for _, task := range tasks {
		m.tasks[task.ID] = task
	}
	return m
}

func (m *mockPhoneTaskService) CreateForCheck(ctx context.Context, req *models.CheckRequest, reason models.PhoneTaskReason) (*models.PhoneTask, error) {
	return nil, m.err
}

func (m *mockPhoneTaskService) CreateManual(ctx context.Context, task *models.PhoneTask) (*models.PhoneTask, error) {
	m.created = task
	if m.err != nil {
		return nil, m.err
	}
	out := *task
	out.ID = uuid.New()
	out.Reason = models.ReasonManual
	out.Status = models.PhoneTaskPending
	m.tasks[out.ID] = &out
	return &out, nil
}

func (m *mockPhoneTaskService) Get(ctx context.Context, id uuid.UUID) (*models.PhoneTask, error) {
	task, ok := m.tasks[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return task, nil
}

func (m *mockPhoneTaskService) List(ctx context.Context, status models.PhoneTaskStatus, limit int) ([]*models.PhoneTask, error) {
	m.listStatus = status
	m.listLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	var out []*models.PhoneTask
	for _, task := range m.tasks {
		if status == "" || task.Status == status {
			out = append(out, task)
		}
	}
	return out, nil
}

func (m *mockPhoneTaskService) CountPending(ctx context.Context) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	n := 0
	for _, task := range m.tasks {
		if task.Status == models.PhoneTaskPending {
			n++
		}
	}
	return n, nil
}

func (m *mockPhoneTaskService) Update(ctx context.Context, id uuid.UUID, status models.PhoneTaskStatus, note string) (*models.PhoneTask, error) {
	if m.err != nil {
		return nil, m.err
	}
	task, ok := m.tasks[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	task.Status = status
	task.Note = note
	return task, nil
}

// ============================================================================
// Status providers
// ============================================================================

type staticChannelStatus []models.ChannelStatus

func (s staticChannelStatus) Status() []models.ChannelStatus { return s }

type staticSnapshots struct {
	snap *dataset.Snapshot
}

func (s staticSnapshots) Current() *dataset.Snapshot { return s.snap }
