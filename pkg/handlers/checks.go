package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/akikaku/akikaku-engine/pkg/models"
	"github.com/akikaku/akikaku-engine/pkg/services"
)

// ============================================================================
// Request/Response Types
// ============================================================================

// CreateCheckRequest for POST /api/checks
type CreateCheckRequest struct {
	URL string `json:"url" validate:"required,url,max=2048"`
}

// CreateCheckResponse for POST /api/checks
type CreateCheckResponse struct {
	ID     string             `json:"id"`
	Status models.CheckStatus `json:"status"`
}

// SubmitChannelRequest for POST /api/checks/{id}/channel
type SubmitChannelRequest struct {
	Channel  models.Channel `json:"channel" validate:"required,oneof=itanji ierabu es_square"`
	Remember bool           `json:"remember"`
}

// CheckListResponse for GET /api/checks
type CheckListResponse struct {
	Checks []*models.CheckRequest `json:"checks"`
	Total  int                    `json:"total"`
}

// ============================================================================
// Handler
// ============================================================================

// ChecksHandler handles vacancy check HTTP requests.
type ChecksHandler struct {
	checkService services.CheckService
	logger       *zap.Logger
}

// NewChecksHandler creates a new checks handler.
func NewChecksHandler(checkService services.CheckService, logger *zap.Logger) *ChecksHandler {
	return &ChecksHandler{
		checkService: checkService,
		logger:       logger,
	}
}

// RegisterRoutes registers the checks handler's routes on the given mux.
func (h *ChecksHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/checks", h.Create)
	mux.HandleFunc("GET /api/checks", h.List)
	mux.HandleFunc("GET /api/checks/{id}", h.Get)
	mux.HandleFunc("POST /api/checks/{id}/channel", h.SubmitChannel)
}

// Create handles POST /api/checks. The pipeline runs in the background; the
// response only carries the id to poll.
func (h *ChecksHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	check, err := h.checkService.Submit(r.Context(), req.URL)
	if err != nil {
		writeServiceError(w, err, "create_check_failed", h.logger)
		return
	}

	writeData(w, http.StatusAccepted, CreateCheckResponse{
		ID:     check.ID.String(),
		Status: check.Status,
	}, h.logger)
}

// Get handles GET /api/checks/{id}
func (h *ChecksHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseCheckID(w, r, h.logger)
	if !ok {
		return
	}

	check, err := h.checkService.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, "get_check_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, check, h.logger)
}

// List handles GET /api/checks?limit=N
func (h *ChecksHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, h.logger)
	if !ok {
		return
	}

	checks, err := h.checkService.List(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err, "list_checks_failed", h.logger)
		return
	}
	if checks == nil {
		checks = []*models.CheckRequest{}
	}
	writeData(w, http.StatusOK, CheckListResponse{Checks: checks, Total: len(checks)}, h.logger)
}

// SubmitChannel handles POST /api/checks/{id}/channel. Returns 409 unless
// the check is waiting for a channel choice.
func (h *ChecksHandler) SubmitChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseCheckID(w, r, h.logger)
	if !ok {
		return
	}

	var req SubmitChannelRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	check, err := h.checkService.SubmitChannel(r.Context(), id, req.Channel, req.Remember)
	if err != nil {
		writeServiceError(w, err, "submit_channel_failed", h.logger)
		return
	}
	writeData(w, http.StatusAccepted, CreateCheckResponse{
		ID:     check.ID.String(),
		Status: check.Status,
	}, h.logger)
}
