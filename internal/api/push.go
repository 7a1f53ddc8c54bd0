// Package api serves the push endpoint that feeds storage notifications into
// the ingestion coordinator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"csv-ingest/internal/domain"
	"csv-ingest/internal/middleware"
	"csv-ingest/internal/service/ingestion"
)

// DefaultRetryAfter is the Retry-After hint, in seconds, on 503 responses.
const DefaultRetryAfter = 10

// Coordinator handles one decoded notification.
type Coordinator interface {
	Handle(ctx context.Context, n domain.Notification) ingestion.Result
}

// PushHandler decodes push deliveries and maps coordinator outcomes onto
// status codes the delivery mechanism understands: 2xx acknowledges, 503
// asks for redelivery, 4xx is a permanent rejection.
type PushHandler struct {
	coord      Coordinator
	logger     *slog.Logger
	retryAfter int
}

// NewPushHandler creates a PushHandler.
func NewPushHandler(coord Coordinator, logger *slog.Logger) *PushHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PushHandler{coord: coord, logger: logger.With("component", "push"), retryAfter: DefaultRetryAfter}
}

type pushResponse struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Table     string `json:"table,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	JobName   string `json:"job_name,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (h *PushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.RequestIDFromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxEnvelopeBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		status := http.StatusBadRequest
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, pushResponse{Status: "error", Error: err.Error(), RequestID: requestID})
		return
	}

	n, err := DecodeNotification(body)
	if err != nil {
		h.logger.Warn("undecodable push message", "request_id", requestID, "error", err)
		writeJSON(w, http.StatusBadRequest, pushResponse{Status: "error", Error: err.Error(), RequestID: requestID})
		return
	}

	res := h.coord.Handle(r.Context(), n)

	resp := pushResponse{Reason: res.Reason, RequestID: requestID}
	if res.Table.Table != "" {
		resp.Table = res.Table.String()
	}
	if res.Job != nil {
		resp.JobID, resp.JobName = res.Job.ID, res.Job.Name
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}

	switch res.Outcome {
	case domain.OutcomeAccepted:
		resp.Status = "skipped"
		if res.Reason == domain.ReasonLaunched {
			resp.Status = "ok"
		}
		writeJSON(w, http.StatusOK, resp)
	case domain.OutcomeRejectRetryable:
		resp.Status = "retry"
		w.Header().Set("Retry-After", strconv.Itoa(h.retryAfter))
		writeJSON(w, http.StatusServiceUnavailable, resp)
	default:
		resp.Status = "rejected"
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
