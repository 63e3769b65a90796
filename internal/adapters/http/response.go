package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"galaxymarket/internal/bus"
	"galaxymarket/internal/demand"
	"galaxymarket/internal/reliability"
	"galaxymarket/internal/statusfeed"
	"galaxymarket/internal/workflow"
)

type errorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	writeJSON(w, status, errorResponse{Error: errorPayload{Code: code, Message: message, RequestID: requestID}})
}

// mapError turns a domain or infrastructure error into a status code. The
// 503 class means a dependency is down; 4xx are caller errors.
func mapError(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, demand.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, workflow.ErrEngineRejected):
		return http.StatusBadRequest, "engine_rejected"
	case errors.Is(err, demand.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, workflow.ErrLeaseExpired):
		return http.StatusConflict, "task_claimed"
	case errors.Is(err, demand.ErrNotFound), errors.Is(err, workflow.ErrTaskNotFound), errors.Is(err, statusfeed.ErrNoStatus):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, workflow.ErrEngineUnavailable),
		errors.Is(err, bus.ErrBusUnavailable),
		errors.Is(err, reliability.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "dependency_unavailable"
	case errors.Is(err, demand.ErrStorageConflict):
		return http.StatusInternalServerError, "storage_conflict"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
