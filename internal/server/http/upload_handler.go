package http

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"scanflow/internal/logging"
	"scanflow/internal/progress"
	"scanflow/internal/server/app"
	"scanflow/internal/upload"
)

const defaultMaxUploadBodySize = 100 << 20 // Cloudflare-sized ceiling per request

// UploadHandler accepts chunked and direct artifact uploads.
type UploadHandler struct {
	tracker      *upload.Tracker
	assembler    *upload.Assembler
	coordinator  *app.Coordinator
	bus          progress.Bus
	logger       logging.Logger
	maxBodyBytes int64
}

type UploadHandlerOption func(*UploadHandler)

func WithMaxUploadBodySize(limit int64) UploadHandlerOption {
	return func(h *UploadHandler) {
		if limit > 0 {
			h.maxBodyBytes = limit
		}
	}
}

func WithUploadLogger(logger logging.Logger) UploadHandlerOption {
	return func(h *UploadHandler) { h.logger = logging.OrNop(logger) }
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(tracker *upload.Tracker, assembler *upload.Assembler, coordinator *app.Coordinator, bus progress.Bus, opts ...UploadHandlerOption) *UploadHandler {
	h := &UploadHandler{
		tracker:      tracker,
		assembler:    assembler,
		coordinator:  coordinator,
		bus:          bus,
		logger:       logging.NewComponentLogger("UploadHandler"),
		maxBodyBytes: defaultMaxUploadBodySize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type chunkUploadResponse struct {
	UploadID       string `json:"upload_id"`
	ChunkIndex     int    `json:"chunk_index"`
	ChunksReceived int    `json:"chunks_received"`
	TotalChunks    int    `json:"total_chunks"`
	IsComplete     bool   `json:"is_complete"`
	BatchID        string `json:"batch_id,omitempty"`
	Status         string `json:"status,omitempty"`
	Message        string `json:"message"`
}

// HandleUploadChunk handles POST /api/batches/upload-chunk. Each request
// carries one multipart chunk; the request that completes the session
// assembles the artifact and returns the resulting batch id.
func (h *UploadHandler) HandleUploadChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, h.logger, http.StatusMethodNotAllowed, "Method not allowed", nil)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	req, file, err := h.parseChunkForm(r)
	if err != nil {
		writeJSONError(w, h.logger, http.StatusBadRequest, "Invalid chunk upload", err)
		return
	}
	defer file.Close()

	result, err := h.tracker.RecordChunk(r.Context(), req, file)
	if err != nil {
		writeSessionError(w, h.logger, uploadErrorStatus(err), "Chunk rejected", result.SessionID, err)
		return
	}

	pct := float64(result.ReceivedCount) / float64(result.TotalChunks) * 100
	if _, perr := h.bus.Publish(r.Context(), result.SessionID, progress.StageUploading,
		fmt.Sprintf("Received chunk %d of %d", result.ReceivedCount, result.TotalChunks), pct); perr != nil {
		h.logger.Warn("Publish upload progress for %s: %v", result.SessionID, perr)
	}

	resp := chunkUploadResponse{
		UploadID:       result.SessionID,
		ChunkIndex:     req.Index,
		ChunksReceived: result.ReceivedCount,
		TotalChunks:    result.TotalChunks,
		IsComplete:     result.BecameComplete,
		Message:        fmt.Sprintf("Chunk %d/%d received", req.Index+1, result.TotalChunks),
	}
	if !result.BecameComplete {
		writeJSON(w, h.logger, http.StatusAccepted, resp)
		return
	}

	receipt, err := h.assembler.Assemble(r.Context(), result.SessionID)
	if err != nil {
		if _, perr := h.bus.Publish(r.Context(), result.SessionID, progress.StageFailed,
			"Assembly failed: "+err.Error(), pct); perr != nil {
			h.logger.Warn("Publish assembly failure for %s: %v", result.SessionID, perr)
		}
		writeJSONError(w, h.logger, uploadErrorStatus(err), "Assembly failed", err)
		return
	}

	if _, perr := h.bus.Publish(r.Context(), result.SessionID, progress.StageCompleted,
		"Upload complete, batch "+receipt.BatchID+" created", 100); perr != nil {
		h.logger.Warn("Publish upload completion for %s: %v", result.SessionID, perr)
	}

	resp.BatchID = receipt.BatchID
	resp.Status = receipt.Status
	resp.Message = "Upload complete, batch created"
	writeJSON(w, h.logger, http.StatusAccepted, resp)
}

func (h *UploadHandler) parseChunkForm(r *http.Request) (upload.ChunkRequest, multipart.File, error) {
	file, header, err := r.FormFile("chunk")
	if err != nil {
		return upload.ChunkRequest{}, nil, fmt.Errorf("missing chunk part: %w", err)
	}

	index, err := strconv.Atoi(strings.TrimSpace(r.FormValue("chunk_index")))
	if err != nil {
		file.Close()
		return upload.ChunkRequest{}, nil, fmt.Errorf("chunk_index must be an integer")
	}
	total, err := strconv.Atoi(strings.TrimSpace(r.FormValue("total_chunks")))
	if err != nil {
		file.Close()
		return upload.ChunkRequest{}, nil, fmt.Errorf("total_chunks must be an integer")
	}
	isFinal := strings.EqualFold(strings.TrimSpace(r.FormValue("is_final_chunk")), "true")

	uploadType, err := upload.ParseType(r.FormValue("upload_type"))
	if err != nil {
		file.Close()
		return upload.ChunkRequest{}, nil, err
	}

	filename := r.FormValue("filename")
	if filename == "" {
		filename = header.Filename
	}

	return upload.ChunkRequest{
		SessionID:   strings.TrimSpace(r.FormValue("upload_id")),
		Index:       index,
		TotalChunks: total,
		Filename:    filename,
		UploadType:  uploadType,
		TaskID:      strings.TrimSpace(r.FormValue("task_id")),
		IsFinal:     isFinal,
	}, file, nil
}

type directUploadResponse struct {
	BatchID string `json:"batch_id"`
	Status  string `json:"status"`
}

// HandleDirectUpload handles POST /api/batches/upload for artifacts small
// enough to arrive in one request.
func (h *UploadHandler) HandleDirectUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, h.logger, http.StatusMethodNotAllowed, "Method not allowed", nil)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, h.logger, http.StatusBadRequest, "Missing file part", err)
		return
	}
	defer file.Close()

	uploadType, err := upload.ParseType(r.FormValue("upload_type"))
	if err != nil {
		writeJSONError(w, h.logger, http.StatusBadRequest, "Invalid upload", err)
		return
	}
	taskID := strings.TrimSpace(r.FormValue("task_id"))
	if uploadType.RequiresTaskID() && taskID == "" {
		writeJSONError(w, h.logger, http.StatusBadRequest, "Invalid upload",
			&upload.ValidationError{Field: "task_id", Reason: "required for this upload type"})
		return
	}

	receipt, err := h.coordinator.Submit(r.Context(), file, upload.Metadata{
		UploadType:  uploadType,
		TaskID:      taskID,
		Filename:    header.Filename,
		TotalChunks: 1,
		UploadedAt:  time.Now().UTC(),
	})
	if err != nil {
		writeJSONError(w, h.logger, http.StatusInternalServerError, "Upload failed", err)
		return
	}

	writeJSON(w, h.logger, http.StatusAccepted, directUploadResponse{
		BatchID: receipt.BatchID,
		Status:  receipt.Status,
	})
}
