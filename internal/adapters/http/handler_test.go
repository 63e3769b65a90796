package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"galaxymarket/internal/bus"
	"galaxymarket/internal/demand"
	"galaxymarket/internal/demand/saga"
	"galaxymarket/internal/observability"
	"galaxymarket/internal/statusfeed"
	"galaxymarket/internal/workflow"
)

type fixture struct {
	router  http.Handler
	bus     *bus.MemoryBus
	store   *demand.MemoryStore
	latest  *statusfeed.MemoryLatest
	metrics *observability.Metrics
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		bus:     bus.NewMemoryBus(nil),
		store:   demand.NewMemoryStore(),
		latest:  statusfeed.NewMemoryLatest(),
		metrics: observability.NewMetrics(),
	}
	svc := demand.NewService(demand.ServiceDeps{Store: f.store, Publisher: f.bus})
	f.router = NewRouter(NewHandler(svc, f.latest, nil), RouterConfig{Metrics: f.metrics})
	return f
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestCreateDemand(t *testing.T) {
	f := newFixture(t)

	rec := do(t, f.router, http.MethodPost, "/demands", `{"user_id":"u-1","galactic_object_id":"o-1","price_eur":120.5}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[demandResponse](t, rec)
	if resp.ID == "" || resp.Status != "pending" || resp.PriceEUR != 120.5 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Published == nil || !*resp.Published || resp.ProcessInstanceID != nil {
		t.Fatalf("expected bus submission, got %+v", resp)
	}
	if n := len(f.bus.Messages(saga.TopicDemandRequests)); n != 1 {
		t.Fatalf("expected one demand request, got %d", n)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestCreateDemand_MissingFields(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/demands", strings.NewReader(`{"user_id":"u-1"}`))
	req.Header.Set("X-Request-Id", "req-7")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decode[errorResponse](t, rec)
	if body.Error.Code != "invalid_request" || body.Error.RequestID != "req-7" {
		t.Fatalf("unexpected error body %+v", body)
	}
	if !strings.Contains(body.Error.Message, "galactic_object_id") || !strings.Contains(body.Error.Message, "price_eur") {
		t.Fatalf("message should name the missing fields, got %q", body.Error.Message)
	}
	if stored, _ := f.store.List(context.Background(), demand.Filter{}); len(stored) != 0 {
		t.Fatalf("nothing must be stored for an invalid request")
	}
}

func TestCreateDemand_MalformedJSON(t *testing.T) {
	f := newFixture(t)
	rec := do(t, f.router, http.MethodPost, "/demands", `{"user_id":`)
	if rec.Code != http.StatusBadRequest || decode[errorResponse](t, rec).Error.Code != "invalid_json" {
		t.Fatalf("expected invalid_json 400, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestConfirmDemand_DefaultsToAccepted(t *testing.T) {
	f := newFixture(t)
	created := decode[demandResponse](t, do(t, f.router, http.MethodPost, "/demands", `{"user_id":"u-1","galactic_object_id":"o-1","price_eur":10}`))

	rec := do(t, f.router, http.MethodPost, "/demands/"+created.ID+"/confirm", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[confirmResponse](t, rec); got.Status != "accepted" {
		t.Fatalf("expected accepted, got %+v", got)
	}

	rec = do(t, f.router, http.MethodPost, "/demands/"+created.ID+"/confirm", `{"accepted":false}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second confirm must conflict, got %d", rec.Code)
	}
	if code := decode[errorResponse](t, rec).Error.Code; code != "invalid_state" {
		t.Fatalf("expected invalid_state, got %s", code)
	}
}

func TestConfirmDemand_Reject(t *testing.T) {
	f := newFixture(t)
	created := decode[demandResponse](t, do(t, f.router, http.MethodPost, "/demands", `{"user_id":"u-1","galactic_object_id":"o-1","price_eur":10}`))

	rec := do(t, f.router, http.MethodPost, "/demands/"+created.ID+"/confirm", `{"accepted":false}`)
	if rec.Code != http.StatusOK || decode[confirmResponse](t, rec).Status != "rejected" {
		t.Fatalf("expected rejection, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestGetListAndDeleteDemands(t *testing.T) {
	f := newFixture(t)
	a := decode[demandResponse](t, do(t, f.router, http.MethodPost, "/demands", `{"user_id":"u-1","galactic_object_id":"o-1","price_eur":10}`))
	do(t, f.router, http.MethodPost, "/demands", `{"user_id":"u-2","galactic_object_id":"o-1","price_eur":12}`)

	list := decode[[]demandResponse](t, do(t, f.router, http.MethodGet, "/demands?user_id=u-1", ""))
	if len(list) != 1 || list[0].ID != a.ID {
		t.Fatalf("expected only u-1's demand, got %+v", list)
	}
	if rec := do(t, f.router, http.MethodGet, "/demands?status=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status filter should be 400, got %d", rec.Code)
	}

	if rec := do(t, f.router, http.MethodGet, "/demands/"+a.ID, ""); rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	if rec := do(t, f.router, http.MethodDelete, "/demands/"+a.ID, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	rec := do(t, f.router, http.MethodGet, "/demands/"+a.ID, "")
	if rec.Code != http.StatusNotFound || decode[errorResponse](t, rec).Error.Code != "not_found" {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
	if rec := do(t, f.router, http.MethodDelete, "/demands/"+a.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete should be 404, got %d", rec.Code)
	}

	if ops := f.metrics.Snapshot().Operations; ops["GET /demands/{id}"].Count != 2 {
		t.Fatalf("expected route-level metrics, got %v", ops)
	}
}

func TestDemandStatus(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	_ = f.latest.Record(context.Background(), saga.StatusEvent{DemandID: "d-1", Status: saga.StatusCheckingBalance, Timestamp: at})

	rec := do(t, f.router, http.MethodGet, "/demands/d-1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decode[saga.StatusEvent](t, rec); got.Status != saga.StatusCheckingBalance || !got.Timestamp.Equal(at) {
		t.Fatalf("unexpected status %+v", got)
	}
	if rec := do(t, f.router, http.MethodGet, "/demands/d-2/status", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown demand, got %d", rec.Code)
	}
}

func TestTasks_RequireUserAndEngine(t *testing.T) {
	f := newFixture(t)

	if rec := do(t, f.router, http.MethodGet, "/tasks", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing user_id should be 400, got %d", rec.Code)
	}
	rec := do(t, f.router, http.MethodGet, "/tasks?user_id=u-1", "")
	if rec.Code != http.StatusServiceUnavailable || decode[errorResponse](t, rec).Error.Code != "dependency_unavailable" {
		t.Fatalf("no engine should be 503, got %d %s", rec.Code, rec.Body.String())
	}
}

type stubService struct {
	DemandService
	completeErr error
	completed   map[string]any
	tasks       []workflow.UserTask
}

func (s *stubService) CompleteUserTask(ctx context.Context, taskID string, values map[string]any) error {
	s.completed = values
	return s.completeErr
}

func (s *stubService) UserTasks(ctx context.Context, userID string) ([]workflow.UserTask, error) {
	return s.tasks, nil
}

func (s *stubService) Get(ctx context.Context, id string) (demand.Demand, error) {
	panic("boom")
}

func TestCompleteTask(t *testing.T) {
	svc := &stubService{}
	router := NewRouter(NewHandler(svc, nil, nil), RouterConfig{})

	rec := do(t, router, http.MethodPost, "/tasks/t-1/complete", `{"variables":{"offerAccepted":true}}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if svc.completed["offerAccepted"] != true {
		t.Fatalf("variables not forwarded: %v", svc.completed)
	}

	svc.completeErr = workflow.ErrTaskNotFound
	if rec := do(t, router, http.MethodPost, "/tasks/t-1/complete", `{}`); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown task should be 404, got %d", rec.Code)
	}
	svc.completeErr = workflow.ErrEngineRejected
	if rec := do(t, router, http.MethodPost, "/tasks/t-1/complete", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("engine rejection should be 400, got %d", rec.Code)
	}
}

func TestListTasks_EmptyIsArray(t *testing.T) {
	router := NewRouter(NewHandler(&stubService{}, nil, nil), RouterConfig{})
	rec := do(t, router, http.MethodGet, "/tasks?user_id=u-1", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestRecoverMiddleware(t *testing.T) {
	router := NewRouter(NewHandler(&stubService{}, nil, nil), RouterConfig{})
	rec := do(t, router, http.MethodGet, "/demands/d-1", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("panic should become 500, got %d", rec.Code)
	}
}

type deniedLimiter struct{}

func (deniedLimiter) Wait(ctx context.Context) error { return context.DeadlineExceeded }

func TestRateLimitedRequestsGet429(t *testing.T) {
	router := NewRouter(NewHandler(&stubService{}, nil, nil), RouterConfig{Limiter: deniedLimiter{}})

	if rec := do(t, router, http.MethodGet, "/tasks?user_id=u-1", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("health must bypass the limiter, got %d", rec.Code)
	}
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{demand.ErrInvalidRequest, http.StatusBadRequest},
		{demand.ErrInvalidState, http.StatusConflict},
		{demand.ErrNotFound, http.StatusNotFound},
		{demand.ErrStorageConflict, http.StatusInternalServerError},
		{workflow.ErrLeaseExpired, http.StatusConflict},
		{workflow.ErrEngineUnavailable, http.StatusServiceUnavailable},
		{bus.ErrBusUnavailable, http.StatusServiceUnavailable},
		{errors.New("something unexpected"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := mapError(fmt.Errorf("wrapped: %w", tc.err)); got != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}
