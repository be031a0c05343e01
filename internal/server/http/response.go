package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"scanflow/internal/logging"
	"scanflow/internal/upload"
)

type apiErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	UploadID  string `json:"upload_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, logger logging.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, logger logging.Logger, status int, message string, err error) {
	writeSessionError(w, logger, status, message, "", err)
}

// writeSessionError is writeJSONError with the upload session id echoed back,
// so a client hitting a retryable failure can retry against the same session.
func writeSessionError(w http.ResponseWriter, logger logging.Logger, status int, message, sessionID string, err error) {
	if err != nil {
		logger.Error("HTTP %d - %s: %v", status, message, err)
	} else {
		logger.Warn("HTTP %d - %s", status, message)
	}

	resp := apiErrorResponse{Error: message, Retryable: upload.IsRetryable(err), UploadID: sessionID}
	if err != nil {
		resp.Details = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(resp); encodeErr != nil {
		logger.Error("Failed to encode error response: %v", encodeErr)
	}
}

// uploadErrorStatus maps upload pipeline errors onto HTTP statuses.
func uploadErrorStatus(err error) int {
	var (
		validationErr *upload.ValidationError
		conflictErr   *upload.ConflictError
		storageErr    *upload.StorageError
		assemblyErr   *upload.AssemblyError
		submissionErr *upload.SubmissionError
	)
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &conflictErr):
		return http.StatusConflict
	case errors.Is(err, upload.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.As(err, &storageErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &submissionErr):
		return http.StatusBadGateway
	case errors.As(err, &assemblyErr):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
