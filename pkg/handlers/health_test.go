package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/akikaku/akikaku-engine/pkg/config"
	"github.com/akikaku/akikaku-engine/pkg/dataset"
	"github.com/akikaku/akikaku-engine/pkg/models"
	"github.com/akikaku/akikaku-engine/pkg/scheduler"
	"github.com/akikaku/akikaku-engine/pkg/services/pipeline"
)

type staticProgress pipeline.Progress

func (p staticProgress) Progress() pipeline.Progress { return pipeline.Progress(p) }

type staticJobs map[string]scheduler.RunInfo

func (j staticJobs) LastRuns() map[string]scheduler.RunInfo { return j }

func TestHealthHandler_Health_NoDeps(t *testing.T) {
	cfg := &config.Config{Version: "test-version", Env: "test"}
	handler := NewHealthHandler(cfg, HealthDeps{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var response HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != "ok" {
		t.Errorf("expected status 'ok', got '%s'", response.Status)
	}
	if response.Version != "test-version" {
		t.Errorf("expected version 'test-version', got '%s'", response.Version)
	}
	if response.Pipeline != nil || response.Dataset != nil || response.Channels != nil {
		t.Errorf("expected no component state, got %+v", response)
	}
}

func TestHealthHandler_Health_WithDeps(t *testing.T) {
	loaded := time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)
	deps := HealthDeps{
		Runner: staticProgress{Pending: 2, Running: 1, Completed: 10, Failed: 1},
		Sessions: staticChannelStatus{
			{Channel: models.ChannelItanji, Configured: true, Health: models.SessionHealthy},
			{Channel: models.ChannelIerabu, Configured: false, Health: models.SessionAbsent},
		},
		Snapshots: staticSnapshots{snap: &dataset.Snapshot{
			Generation: 4,
			LoadedAt:   loaded,
			Properties: []dataset.Property{
				{Name: "A", CompanyID: "x"},
				{Name: "B", CompanyID: "x"},
				{Name: "C", CompanyID: "y"},
			},
		}},
		Jobs: staticJobs{
			"dataset-refresh": {StartedAt: loaded, Duration: time.Second, Error: "boom"},
		},
	}
	handler := NewHealthHandler(&config.Config{Version: "v1"}, deps, zap.NewNop())

	rec := serve(t, handler, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Pipeline)
	assert.Equal(t, 2, resp.Pipeline.Pending)
	assert.Equal(t, 1, resp.Pipeline.Failed)
	require.Len(t, resp.Channels, 2)
	assert.Equal(t, models.SessionAbsent, resp.Channels[1].Health)
	require.NotNil(t, resp.Dataset)
	assert.Equal(t, uint64(4), resp.Dataset.Generation)
	assert.Equal(t, 3, resp.Dataset.Size)
	assert.Equal(t, 2, resp.Dataset.Companies)
	assert.Equal(t, "boom", resp.Jobs["dataset-refresh"].Error)
}

func TestHealthHandler_Ping(t *testing.T) {
	cfg := &config.Config{Version: "1.2.3", Env: "production"}
	rec := serve(t, NewHealthHandler(cfg, HealthDeps{}, zap.NewNop()), http.MethodGet, "/ping", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp PingResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "akikaku-engine", resp.Service)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "production", resp.Environment)
	assert.NotEmpty(t, resp.GoVersion)
}

func TestChannelsHandler_List(t *testing.T) {
	h := NewChannelsHandler(staticChannelStatus{
		{Channel: models.ChannelESSquare, DisplayName: models.ChannelESSquare.DisplayName(), Configured: true, Health: models.SessionDegraded, Failures: 2},
	}, zap.NewNop())

	rec := serve(t, h, http.MethodGet, "/api/channels", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got []models.ChannelStatus
	decodeEnvelope(t, rec, &got)
	require.Len(t, got, 1)
	assert.Equal(t, models.SessionDegraded, got[0].Health)
	assert.Equal(t, 2, got[0].Failures)
}

func TestDatasetHandler_Info(t *testing.T) {
	store := dataset.NewStore(nil, zap.NewNop())
	store.Replace([]dataset.Property{{Name: "A", CompanyID: "x"}})

	rec := serve(t, NewDatasetHandler(store, zap.NewNop()), http.MethodGet, "/api/dataset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info dataset.Info
	decodeEnvelope(t, rec, &info)
	assert.Equal(t, uint64(1), info.Generation)
	assert.Equal(t, 1, info.Size)
}

func TestDatasetHandler_Info_BeforeFirstLoad(t *testing.T) {
	store := dataset.NewStore(nil, zap.NewNop())
	rec := serve(t, NewDatasetHandler(store, zap.NewNop()), http.MethodGet, "/api/dataset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info dataset.Info
	decodeEnvelope(t, rec, &info)
	assert.Zero(t, info.Generation)
	assert.Zero(t, info.Size)
}

