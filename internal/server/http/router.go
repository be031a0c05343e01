package http

import (
	"net/http"
	"strings"

	"scanflow/internal/logging"
	"scanflow/internal/observability"
	"scanflow/internal/progress"
	"scanflow/internal/server/app"
	"scanflow/internal/upload"
)

// RouterConfig carries the router's tunables.
type RouterConfig struct {
	AllowedOrigins []string
	MaxBodyBytes   int64
}

// NewRouter creates a new HTTP router with all endpoints
func NewRouter(tracker *upload.Tracker, assembler *upload.Assembler, coordinator *app.Coordinator, bus progress.Bus, metrics *observability.MetricsCollector, cfg RouterConfig) http.Handler {
	logger := logging.NewComponentLogger("Router")

	streamHandler := NewStreamHandler(bus, coordinator, metrics)
	batchHandler := NewBatchHandler(coordinator, bus, streamHandler)
	uploadHandler := NewUploadHandler(tracker, assembler, coordinator, bus,
		WithMaxUploadBodySize(cfg.MaxBodyBytes))

	mux := http.NewServeMux()

	mux.Handle("/api/batches/upload-chunk", http.HandlerFunc(uploadHandler.HandleUploadChunk))
	mux.Handle("/api/batches/upload", http.HandlerFunc(uploadHandler.HandleDirectUpload))
	mux.Handle("/api/batches", http.HandlerFunc(batchHandler.HandleBatchRequest))
	mux.Handle("/api/batches/", http.HandlerFunc(batchHandler.HandleBatchRequest))

	mux.Handle("/api/uploads/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subjectID, rest := splitStreamPath(r.URL.Path, "/api/uploads/")
		if subjectID == "" || rest != "stream" {
			writeJSONError(w, logger, http.StatusNotFound, "Not found", nil)
			return
		}
		streamHandler.HandleStream(w, r, subjectID)
	}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, map[string]string{"status": "ok"})
	})

	if metrics != nil {
		if handler := metrics.Handler(); handler != nil {
			mux.Handle("/metrics", handler)
		}
	}

	// Apply middleware
	var handler http.Handler = mux
	handler = LoggingMiddleware(logger)(handler)
	handler = CORSMiddleware(cfg.AllowedOrigins)(handler)

	return handler
}

func splitStreamPath(path, prefix string) (subjectID, rest string) {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}
