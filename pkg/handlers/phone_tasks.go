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

// PhoneTaskListResponse for GET /api/phone-tasks
type PhoneTaskListResponse struct {
	Tasks []*models.PhoneTask `json:"tasks"`
	Total int                 `json:"total"`
}

// PhoneTaskCountResponse for GET /api/phone-tasks/count
type PhoneTaskCountResponse struct {
	Pending int `json:"pending"`
}

// CreatePhoneTaskRequest for POST /api/phone-tasks
type CreatePhoneTaskRequest struct {
	CompanyName     string `json:"company_name" validate:"required_without=CompanyPhone,max=200"`
	CompanyPhone    string `json:"company_phone" validate:"max=40"`
	PropertyName    string `json:"property_name" validate:"max=200"`
	PropertyAddress string `json:"property_address" validate:"max=400"`
	Note            string `json:"note" validate:"max=2000"`
}

// UpdatePhoneTaskRequest for PUT /api/phone-tasks/{id}
type UpdatePhoneTaskRequest struct {
	Status models.PhoneTaskStatus `json:"status" validate:"required,oneof=pending completed cancelled"`
	Note   string                 `json:"note" validate:"max=2000"`
}

// ============================================================================
// Handler
// ============================================================================

// PhoneTasksHandler handles phone task HTTP requests.
type PhoneTasksHandler struct {
	phoneService services.PhoneTaskService
	logger       *zap.Logger
}

// NewPhoneTasksHandler creates a new phone tasks handler.
func NewPhoneTasksHandler(phoneService services.PhoneTaskService, logger *zap.Logger) *PhoneTasksHandler {
	return &PhoneTasksHandler{
		phoneService: phoneService,
		logger:       logger,
	}
}

// RegisterRoutes registers the phone tasks handler's routes on the given mux.
func (h *PhoneTasksHandler) RegisterRoutes(mux *http.ServeMux) {
	base := "/api/phone-tasks"
	mux.HandleFunc("GET "+base, h.List)
	mux.HandleFunc("GET "+base+"/count", h.Count)
	mux.HandleFunc("POST "+base, h.Create)
	mux.HandleFunc("PUT "+base+"/{id}", h.Update)
}

// List handles GET /api/phone-tasks?status=&limit=
func (h *PhoneTasksHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, h.logger)
	if !ok {
		return
	}
	status := models.PhoneTaskStatus(r.URL.Query().Get("status"))

	tasks, err := h.phoneService.List(r.Context(), status, limit)
	if err != nil {
		writeServiceError(w, err, "list_phone_tasks_failed", h.logger)
		return
	}
	if tasks == nil {
		tasks = []*models.PhoneTask{}
	}
	writeData(w, http.StatusOK, PhoneTaskListResponse{Tasks: tasks, Total: len(tasks)}, h.logger)
}

// Count handles GET /api/phone-tasks/count
func (h *PhoneTasksHandler) Count(w http.ResponseWriter, r *http.Request) {
	n, err := h.phoneService.CountPending(r.Context())
	if err != nil {
		writeServiceError(w, err, "count_phone_tasks_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, PhoneTaskCountResponse{Pending: n}, h.logger)
}

// Create handles POST /api/phone-tasks. Tasks created here belong to no check.
func (h *PhoneTasksHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreatePhoneTaskRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	task, err := h.phoneService.CreateManual(r.Context(), &models.PhoneTask{
		CompanyName:     req.CompanyName,
		CompanyPhone:    req.CompanyPhone,
		PropertyName:    req.PropertyName,
		PropertyAddress: req.PropertyAddress,
		Note:            req.Note,
	})
	if err != nil {
		writeServiceError(w, err, "create_phone_task_failed", h.logger)
		return
	}
	writeData(w, http.StatusCreated, task, h.logger)
}

// Update handles PUT /api/phone-tasks/{id}
func (h *PhoneTasksHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := ParsePhoneTaskID(w, r, h.logger)
	if !ok {
		return
	}

	var req UpdatePhoneTaskRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	task, err := h.phoneService.Update(r.Context(), id, req.Status, req.Note)
	if err != nil {
		writeServiceError(w, err, "update_phone_task_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, task, h.logger)
}
