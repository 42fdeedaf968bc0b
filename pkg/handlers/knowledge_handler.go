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

// KnowledgeListResponse for GET /api/knowledge
type KnowledgeListResponse struct {
	Entries []*models.KnowledgeEntry `json:"entries"`
	Total   int                      `json:"total"`
}

// CreateKnowledgeRequest for POST /api/knowledge. The company key is derived
// from company_name when company_id is empty.
type CreateKnowledgeRequest struct {
	CompanyID     string         `json:"company_id" validate:"max=200"`
	CompanyName   string         `json:"company_name" validate:"required,max=200"`
	CompanyPhone  string         `json:"company_phone" validate:"max=40"`
	Channel       models.Channel `json:"channel" validate:"omitempty,oneof=itanji ierabu es_square"`
	RequiresPhone bool           `json:"requires_phone"`
}

// UpdateKnowledgeRequest for PUT /api/knowledge/{id}. UseCount is not editable.
type UpdateKnowledgeRequest struct {
	CompanyName   string         `json:"company_name" validate:"required,max=200"`
	CompanyPhone  string         `json:"company_phone" validate:"max=40"`
	Channel       models.Channel `json:"channel" validate:"omitempty,oneof=itanji ierabu es_square"`
	RequiresPhone bool           `json:"requires_phone"`
}

// ============================================================================
// Handler
// ============================================================================

// KnowledgeHandler handles company channel knowledge HTTP requests.
type KnowledgeHandler struct {
	knowledgeService services.KnowledgeService
	logger           *zap.Logger
}

// NewKnowledgeHandler creates a new knowledge handler.
func NewKnowledgeHandler(knowledgeService services.KnowledgeService, logger *zap.Logger) *KnowledgeHandler {
	return &KnowledgeHandler{
		knowledgeService: knowledgeService,
		logger:           logger,
	}
}

// RegisterRoutes registers the knowledge handler's routes on the given mux.
func (h *KnowledgeHandler) RegisterRoutes(mux *http.ServeMux) {
	base := "/api/knowledge"
	mux.HandleFunc("GET "+base, h.List)
	mux.HandleFunc("POST "+base, h.Create)
	mux.HandleFunc("PUT "+base+"/{id}", h.Update)
	mux.HandleFunc("DELETE "+base+"/{id}", h.Delete)
}

// List handles GET /api/knowledge
func (h *KnowledgeHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.knowledgeService.List(r.Context())
	if err != nil {
		writeServiceError(w, err, "list_knowledge_failed", h.logger)
		return
	}
	if entries == nil {
		entries = []*models.KnowledgeEntry{}
	}
	writeData(w, http.StatusOK, KnowledgeListResponse{Entries: entries, Total: len(entries)}, h.logger)
}

// Create handles POST /api/knowledge
func (h *KnowledgeHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateKnowledgeRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	entry, err := h.knowledgeService.Create(r.Context(), &models.KnowledgeEntry{
		CompanyID:     req.CompanyID,
		CompanyName:   req.CompanyName,
		CompanyPhone:  req.CompanyPhone,
		Channel:       req.Channel,
		RequiresPhone: req.RequiresPhone,
	})
	if err != nil {
		writeServiceError(w, err, "create_knowledge_failed", h.logger)
		return
	}
	writeData(w, http.StatusCreated, entry, h.logger)
}

// Update handles PUT /api/knowledge/{id}
func (h *KnowledgeHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseKnowledgeID(w, r, h.logger)
	if !ok {
		return
	}

	var req UpdateKnowledgeRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	entry, err := h.knowledgeService.Update(r.Context(), id, &models.KnowledgeEntry{
		CompanyName:   req.CompanyName,
		CompanyPhone:  req.CompanyPhone,
		Channel:       req.Channel,
		RequiresPhone: req.RequiresPhone,
	})
	if err != nil {
		writeServiceError(w, err, "update_knowledge_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, entry, h.logger)
}

// Delete handles DELETE /api/knowledge/{id}
func (h *KnowledgeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseKnowledgeID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.knowledgeService.Delete(r.Context(), id); err != nil {
		writeServiceError(w, err, "delete_knowledge_failed", h.logger)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"id": id.String()}, h.logger)
}
