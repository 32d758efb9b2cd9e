package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openctemio/orchestrator/internal/app"
	"github.com/openctemio/orchestrator/internal/infra/http/middleware"
	"github.com/openctemio/orchestrator/pkg/logger"
)

// ProgressHandler streams run progress as server-sent events.
type ProgressHandler struct {
	stream *app.ProgressStream
	logger *logger.Logger
}

// NewProgressHandler creates a new ProgressHandler.
func NewProgressHandler(stream *app.ProgressStream, log *logger.Logger) *ProgressHandler {
	return &ProgressHandler{stream: stream, logger: log.With("handler", "progress")}
}

// Stream handles GET /api/v1/runs/{id}/progress. Each frame is
// "event: <type>\ndata: <json>\n\n". The response ends after a done or
// error frame, or when the client goes away. A run of another owner streams
// the same error frame as a missing run.
func (h *ProgressHandler) Stream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	runID := pathID(r)
	owner := middleware.GetOwner(r.Context())
	err := h.stream.Stream(r.Context(), runID, owner, func(ev app.ProgressEvent) error {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return err
		}
		return rc.Flush()
	})
	if err != nil && r.Context().Err() == nil {
		h.logger.Debug("progress stream ended", "run_id", runID, "error", err)
	}
}
