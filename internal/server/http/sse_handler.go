package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"scanflow/internal/logging"
	"scanflow/internal/observability"
	"scanflow/internal/progress"
	"scanflow/internal/server/app"
)

const heartbeatInterval = 30 * time.Second

// StreamHandler streams progress events over Server-Sent Events. Clients
// receive the retained log first and then the live feed, without gaps:
// the live subscription is opened before the log snapshot is read, and
// events that arrive on both sides are deduplicated by sequence number.
type StreamHandler struct {
	bus         progress.Bus
	coordinator *app.Coordinator
	metrics     *observability.MetricsCollector
	logger      logging.Logger
}

// NewStreamHandler creates a new SSE stream handler
func NewStreamHandler(bus progress.Bus, coordinator *app.Coordinator, metrics *observability.MetricsCollector) *StreamHandler {
	return &StreamHandler{
		bus:         bus,
		coordinator: coordinator,
		metrics:     metrics,
		logger:      logging.NewComponentLogger("StreamHandler"),
	}
}

// HandleStream streams the progress feed for one subject: a batch id, or
// an in-flight upload session id.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request, subjectID string) {
	if r.Method != http.MethodGet {
		writeJSONError(w, h.logger, http.StatusMethodNotAllowed, "Method not allowed", nil)
		return
	}
	if !h.subjectKnown(r, subjectID) {
		writeJSONError(w, h.logger, http.StatusNotFound, "Unknown stream subject", nil)
		return
	}

	// Subscribe before reading the snapshot so that nothing published
	// between the two is lost. Overlap is resolved by sequence number.
	sub, err := h.bus.Subscribe(r.Context(), subjectID)
	if err != nil {
		writeJSONError(w, h.logger, http.StatusInternalServerError, "Subscribe failed", err)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, h.logger, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	if _, err := fmt.Fprintf(w, "event: connected\ndata: {\"subject_id\":%q}\n\n", subjectID); err != nil {
		h.logger.Error("Failed to send connection message: %v", err)
		return
	}
	flusher.Flush()

	h.logger.Info("SSE stream opened for %s", subjectID)
	h.metrics.StreamOpened(r.Context())
	defer func() {
		h.metrics.StreamClosed(r.Context())
		h.logger.Info("SSE stream closed for %s", subjectID)
	}()

	snapshot, err := h.bus.Log(r.Context(), subjectID, 0)
	if err != nil {
		h.writeFailure(w, flusher, subjectID, err)
		return
	}

	var lastSeq uint64
	for _, event := range snapshot {
		if !h.writeEvent(w, flusher, event) {
			return
		}
		lastSeq = event.Sequence
		if event.Stage.Terminal() {
			return
		}
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if event.Sequence <= lastSeq {
				continue // already replayed from the log
			}
			if !h.writeEvent(w, flusher, event) {
				return
			}
			lastSeq = event.Sequence
			if event.Stage.Terminal() {
				return
			}

		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				h.logger.Error("Failed to send heartbeat: %v", err)
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func (h *StreamHandler) subjectKnown(r *http.Request, subjectID string) bool {
	if strings.HasPrefix(subjectID, "upload-") {
		return true
	}
	_, err := h.coordinator.GetBatch(r.Context(), subjectID)
	return err == nil
}

func (h *StreamHandler) writeEvent(w http.ResponseWriter, flusher http.Flusher, event progress.Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to serialize event: %v", err)
		return true
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind(), data); err != nil {
		h.logger.Error("Failed to send SSE message: %v", err)
		return false
	}
	flusher.Flush()
	return true
}

// writeFailure reports an internal fault as a single terminal error
// event so the client does not wait on a stream that will never advance.
func (h *StreamHandler) writeFailure(w http.ResponseWriter, flusher http.Flusher, subjectID string, cause error) {
	h.logger.Error("Stream for %s failed: %v", subjectID, cause)
	event := progress.Event{
		BatchID:   subjectID,
		Stage:     progress.StageFailed,
		Message:   "Progress stream unavailable",
		Timestamp: time.Now().UTC(),
	}
	h.writeEvent(w, flusher, event)
}
