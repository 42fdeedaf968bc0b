package handlers

import (
	"net/http"
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/akikaku/akikaku-engine/pkg/config"
	"github.com/akikaku/akikaku-engine/pkg/dataset"
	"github.com/akikaku/akikaku-engine/pkg/models"
	"github.com/akikaku/akikaku-engine/pkg/scheduler"
	"github.com/akikaku/akikaku-engine/pkg/services"
	"github.com/akikaku/akikaku-engine/pkg/services/pipeline"
)

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                       `json:"status"`
	Version  string                       `json:"version"`
	Pipeline *pipeline.Progress           `json:"pipeline,omitempty"`
	Channels []models.ChannelStatus       `json:"channels,omitempty"`
	Dataset  *dataset.Info                `json:"dataset,omitempty"`
	Jobs     map[string]scheduler.RunInfo `json:"jobs,omitempty"`
}

// ProgressReporter reports background pipeline counts. *pipeline.Runner implements it.
type ProgressReporter interface {
	Progress() pipeline.Progress
}

// JobReporter reports the last scheduled job runs. *scheduler.Scheduler implements it.
type JobReporter interface {
	LastRuns() map[string]scheduler.RunInfo
}

// HealthDeps are the optional components whose state /health reports.
// Nil members are omitted from the response.
type HealthDeps struct {
	Runner    ProgressReporter
	Sessions  ChannelStatusProvider
	Snapshots services.SnapshotSource
	Jobs      JobReporter
}

// HealthHandler handles health check and ping endpoints.
type HealthHandler struct {
	cfg    *config.Config
	deps   HealthDeps
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler with the given configuration.
func NewHealthHandler(cfg *config.Config, deps HealthDeps, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, deps: deps, logger: logger}
}

// RegisterRoutes registers the health handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
}

// Health handles GET /health requests.
// The process is live as long as it answers; channel and dataset state is
// informational.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: h.cfg.Version,
	}
	if h.deps.Runner != nil {
		p := h.deps.Runner.Progress()
		resp.Pipeline = &p
	}
	if h.deps.Sessions != nil {
		resp.Channels = h.deps.Sessions.Status()
	}
	if h.deps.Snapshots != nil {
		info := h.deps.Snapshots.Current().Info()
		resp.Dataset = &info
	}
	if h.deps.Jobs != nil {
		resp.Jobs = h.deps.Jobs.LastRuns()
	}

	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// Ping handles GET /ping requests.
// Returns detailed service information including version and environment.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		http.Error(w, "failed to get hostname", http.StatusInternalServerError)
		return
	}

	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     "akikaku-engine",
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}
