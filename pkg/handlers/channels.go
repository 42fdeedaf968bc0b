package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/akikaku/akikaku-engine/pkg/models"
)

// ChannelStatusProvider reports per-channel session state. *session.Manager implements it.
type ChannelStatusProvider interface {
	Status() []models.ChannelStatus
}

// ChannelsHandler serves channel configuration and session health.
type ChannelsHandler struct {
	sessions ChannelStatusProvider
	logger   *zap.Logger
}

// NewChannelsHandler creates a new channels handler.
func NewChannelsHandler(sessions ChannelStatusProvider, logger *zap.Logger) *ChannelsHandler {
	return &ChannelsHandler{sessions: sessions, logger: logger}
}

// RegisterRoutes registers the channels handler's routes on the given mux.
func (h *ChannelsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/channels", h.List)
}

// List handles GET /api/channels
func (h *ChannelsHandler) List(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.sessions.Status(), h.logger)
}
