// Package http is the demand service's REST surface.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"galaxymarket/internal/demand"
	"galaxymarket/internal/statusfeed"
	"galaxymarket/internal/workflow"
)

// DemandService is what the handlers need from demand.Service.
type DemandService interface {
	Submit(ctx context.Context, req demand.SubmitRequest) (demand.Submission, error)
	Get(ctx context.Context, id string) (demand.Demand, error)
	List(ctx context.Context, f demand.Filter) ([]demand.Demand, error)
	Confirm(ctx context.Context, id string, accepted bool) (demand.Demand, error)
	Delete(ctx context.Context, id string) error
	UserTasks(ctx context.Context, userID string) ([]workflow.UserTask, error)
	CompleteUserTask(ctx context.Context, taskID string, values map[string]any) error
}

type Handler struct {
	service  DemandService
	statuses statusfeed.LatestReader
	logger   *zap.Logger
}

// NewHandler builds the handlers. statuses may be nil, in which case the
// status route always answers 404.
func NewHandler(service DemandService, statuses statusfeed.LatestReader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, statuses: statuses, logger: logger}
}

type createDemandRequest struct {
	UserID   string   `json:"user_id"`
	ObjectID string   `json:"galactic_object_id"`
	PriceEUR *float64 `json:"price_eur"`
}

type demandResponse struct {
	ID                string    `json:"uuid"`
	UserID            string    `json:"user_id"`
	ObjectID          string    `json:"galactic_object_id"`
	PriceEUR          float64   `json:"price_eur"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	ProcessInstanceID *string   `json:"process_instance_id,omitempty"`
	Published         *bool     `json:"kafka_published,omitempty"`
}

func toResponse(d demand.Demand) demandResponse {
	return demandResponse{
		ID:        d.ID,
		UserID:    d.UserID,
		ObjectID:  d.ObjectID,
		PriceEUR:  d.PriceEUR,
		Status:    string(d.Status),
		CreatedAt: d.CreatedAt,
	}
}

func (h *Handler) createDemand(w http.ResponseWriter, r *http.Request) {
	var req createDemandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error(), requestIDFromContext(r.Context()))
		return
	}
	sub, err := h.service.Submit(r.Context(), demand.SubmitRequest{
		UserID:   req.UserID,
		ObjectID: req.ObjectID,
		PriceEUR: req.PriceEUR,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := toResponse(sub.Demand)
	viaBus := sub.ViaBus
	resp.Published = &viaBus
	if sub.InstanceID != "" {
		resp.ProcessInstanceID = &sub.InstanceID
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) listDemands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := demand.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		h.fail(w, r, fmt.Errorf("%w: unknown status %q", demand.ErrInvalidRequest, status))
		return
	}
	demands, err := h.service.List(r.Context(), demand.Filter{
		UserID:   q.Get("user_id"),
		ObjectID: q.Get("galactic_object_id"),
		Status:   status,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]demandResponse, 0, len(demands))
	for _, d := range demands {
		out = append(out, toResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getDemand(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(d))
}

func (h *Handler) demandStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.statuses == nil {
		h.fail(w, r, fmt.Errorf("%w: %s", statusfeed.ErrNoStatus, id))
		return
	}
	ev, err := h.statuses.Latest(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type confirmRequest struct {
	Accepted *bool `json:"accepted"`
}

type confirmResponse struct {
	ID      string `json:"uuid"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (h *Handler) confirmDemand(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	// An empty body confirms.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error(), requestIDFromContext(r.Context()))
		return
	}
	accepted := req.Accepted == nil || *req.Accepted

	d, err := h.service.Confirm(r.Context(), chi.URLParam(r, "id"), accepted)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmResponse{
		ID:      d.ID,
		Status:  string(d.Status),
		Message: fmt.Sprintf("Demand %s successfully", d.Status),
	})
}

func (h *Handler) deleteDemand(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.service.UserTasks(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []workflow.UserTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type completeTaskRequest struct {
	Variables map[string]any `json:"variables"`
}

func (h *Handler) completeTask(w http.ResponseWriter, r *http.Request) {
	var req completeTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error(), requestIDFromContext(r.Context()))
		return
	}
	if err := h.service.CompleteUserTask(r.Context(), chi.URLParam(r, "id"), req.Variables); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := mapError(err)
	reqID := requestIDFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", reqID),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeError(w, status, code, strings.TrimSpace(err.Error()), reqID)
}
