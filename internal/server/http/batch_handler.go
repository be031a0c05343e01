package http

import (
	"net/http"
	"strconv"
	"strings"

	"scanflow/internal/logging"
	"scanflow/internal/progress"
	"scanflow/internal/server/app"
)

// BatchHandler serves the batch registry endpoints.
type BatchHandler struct {
	coordinator *app.Coordinator
	bus         progress.Bus
	stream      *StreamHandler
	logger      logging.Logger
}

// NewBatchHandler creates a new batch handler
func NewBatchHandler(coordinator *app.Coordinator, bus progress.Bus, stream *StreamHandler) *BatchHandler {
	return &BatchHandler{
		coordinator: coordinator,
		bus:         bus,
		stream:      stream,
		logger:      logging.NewComponentLogger("BatchHandler"),
	}
}

type batchListResponse struct {
	Batches []*app.Batch `json:"batches"`
	Total   int          `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

type batchProgressResponse struct {
	BatchID string           `json:"batch_id"`
	Status  app.BatchStatus  `json:"status"`
	Events  []progress.Event `json:"events"`
}

// HandleBatchRequest dispatches /api/batches and its sub-paths.
func (h *BatchHandler) HandleBatchRequest(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/batches"), "/")
	parts := []string{}
	if rest != "" {
		parts = strings.Split(rest, "/")
	}

	switch {
	case len(parts) == 0:
		if r.Method != http.MethodGet {
			writeJSONError(w, h.logger, http.StatusMethodNotAllowed, "Method not allowed", nil)
			return
		}
		h.handleList(w, r)
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			h.handleStatus(w, r, parts[0])
		case http.MethodDelete:
			h.handleDelete(w, r, parts[0])
		default:
			writeJSONError(w, h.logger, http.StatusMethodNotAllowed, "Method not allowed", nil)
		}
	case len(parts) == 2 && parts[1] == "status":
		if r.Method != http.MethodGet {
			writeJSONError(w, h.logger, http.StatusMethodNotAllowed, "Method not allowed", nil)
			return
		}
		h.handleStatus(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "progress":
		if r.Method != http.MethodGet {
			writeJSONError(w, h.logger, http.StatusMethodNotAllowed, "Method not allowed", nil)
			return
		}
		h.handleProgress(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "stream":
		h.stream.HandleStream(w, r, parts[0])
	default:
		writeJSONError(w, h.logger, http.StatusNotFound, "Not found", nil)
	}
}

func (h *BatchHandler) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := parseIntParam(query.Get("limit"), 50)
	offset := parseIntParam(query.Get("offset"), 0)
	status := app.BatchStatus(strings.TrimSpace(query.Get("status")))

	batches, total, err := h.coordinator.ListBatches(r.Context(), status, limit, offset)
	if err != nil {
		writeJSONError(w, h.logger, http.StatusInternalServerError, "List batches failed", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, batchListResponse{
		Batches: batches,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

func (h *BatchHandler) handleStatus(w http.ResponseWriter, r *http.Request, batchID string) {
	batch, err := h.coordinator.GetBatch(r.Context(), batchID)
	if err != nil {
		writeJSONError(w, h.logger, http.StatusNotFound, "Batch not found", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, batch)
}

func (h *BatchHandler) handleProgress(w http.ResponseWriter, r *http.Request, batchID string) {
	batch, err := h.coordinator.GetBatch(r.Context(), batchID)
	if err != nil {
		writeJSONError(w, h.logger, http.StatusNotFound, "Batch not found", err)
		return
	}

	limit := parseIntParam(r.URL.Query().Get("limit"), 0)
	events, err := h.bus.Log(r.Context(), batchID, limit)
	if err != nil {
		writeJSONError(w, h.logger, http.StatusInternalServerError, "Read progress log failed", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, batchProgressResponse{
		BatchID: batchID,
		Status:  batch.Status,
		Events:  events,
	})
}

func (h *BatchHandler) handleDelete(w http.ResponseWriter, r *http.Request, batchID string) {
	if err := h.coordinator.DeleteBatch(r.Context(), batchID); err != nil {
		writeJSONError(w, h.logger, http.StatusNotFound, "Batch not found", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]string{"batch_id": batchID, "status": "deleted"})
}

func parseIntParam(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
