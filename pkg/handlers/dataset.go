package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/akikaku/akikaku-engine/pkg/services"
)

// DatasetHandler reports the property dataset snapshot being served.
type DatasetHandler struct {
	snapshots services.SnapshotSource
	logger    *zap.Logger
}

// NewDatasetHandler creates a new dataset handler.
func NewDatasetHandler(snapshots services.SnapshotSource, logger *zap.Logger) *DatasetHandler {
	return &DatasetHandler{snapshots: snapshots, logger: logger}
}

// RegisterRoutes registers the dataset handler's routes on the given mux.
func (h *DatasetHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/dataset", h.Info)
}

// Info handles GET /api/dataset
func (h *DatasetHandler) Info(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.snapshots.Current().Info(), h.logger)
}
