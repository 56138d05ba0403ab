package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RezaEskandarii/gofleet/client"
	"github.com/RezaEskandarii/gofleet/internal/metrics"
	"github.com/RezaEskandarii/gofleet/internal/registry"
	"github.com/RezaEskandarii/gofleet/internal/state"
	"github.com/RezaEskandarii/gofleet/internal/store/memory"
	"github.com/RezaEskandarii/gofleet/types"
)

var (
	task  = registry.Ref{Type: "report", ID: 1}
	queue = registry.Ref{Type: "default", ID: 1}
)

func newTestHandler(t *testing.T, secret string, health func(context.Context) error) (*client.JobManager, http.Handler) {
	t.Helper()
	b := registry.NewBuilder()
	require.NoError(t, b.RegisterTask(registry.Task{Type: "report", Handler: func(ctx context.Context, run registry.Run) error { return nil }}))
	require.NoError(t, b.RegisterQueue("default"))

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	collector.RecordDispatch(true)

	jobs := client.NewJobManager(memory.NewMemoryStore(), b.Build(), zerolog.Nop())
	return jobs, NewRouteHandler(jobs, reg, health, secret, zerolog.Nop()).Router()
}

func do(h http.Handler, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	_, h := newTestHandler(t, "", nil)
	rec := do(h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	_, h = newTestHandler(t, "", func(context.Context) error { return errors.New("db gone") })
	rec = do(h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetrics(t *testing.T) {
	_, h := newTestHandler(t, "", nil)
	rec := do(h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gofleet_instances_dispatched_total 1")
}

func TestInstancesAndCounts(t *testing.T) {
	jobs, h := newTestHandler(t, "", nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := jobs.Enqueue(ctx, task, queue)
		require.NoError(t, err)
	}

	rec := do(h, http.MethodGet, "/api/instances?page=1&page_size=2&status=active", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page types.PaginationResult[types.Instance]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 3, page.TotalItems)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, state.StatusCreated, page.Items[0].Status)

	rec = do(h, http.MethodGet, "/api/instances?status=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodGet, "/api/counts", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"CREATED":3}`, rec.Body.String())
}

func TestInstanceByID(t *testing.T) {
	jobs, h := newTestHandler(t, "", nil)
	id, err := jobs.Enqueue(context.Background(), task, queue)
	require.NoError(t, err)

	rec := do(h, http.MethodGet, "/api/instances/1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var inst types.Instance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inst))
	assert.Equal(t, id, inst.ID)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/instances/99", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/api/instances/abc", "", nil).Code)
}

func TestPostRequest(t *testing.T) {
	jobs, h := newTestHandler(t, "s3cret", nil)
	ctx := context.Background()
	id, err := jobs.Enqueue(ctx, task, queue)
	require.NoError(t, err)

	rec := do(h, http.MethodPost, "/api/instances/1/requests", `{"request":"stop"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(h, http.MethodPost, "/api/instances/1/requests", `{"request":"stop"}`, http.Header{"Authorization": {"Bearer s3cret"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := NewTokenSigner("s3cret").Sign("ops", time.Minute)
	require.NoError(t, err)
	auth := http.Header{"Authorization": {"Bearer " + token}}
	rec = do(h, http.MethodPost, "/api/instances/1/requests", `{"request":"halt"}`, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodPost, "/api/instances/1/requests", `{"request":"stop"}`, auth)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	inst, err := jobs.Instance(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, inst.Request)
	assert.Equal(t, state.RequestStop, *inst.Request)

	rec = do(h, http.MethodPost, "/api/instances/42/requests", `{"request":"kill"}`, auth)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleByID(t *testing.T) {
	jobs, h := newTestHandler(t, "", nil)
	start := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := jobs.ScheduleFixed(context.Background(), task, queue, start, 2, time.Hour, false)
	require.NoError(t, err)

	rec := do(h, http.MethodGet, "/api/schedules/1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view struct {
		Kind     string    `json:"kind"`
		NextDue  time.Time `json:"next_due"`
		Finished bool      `json:"finished"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "fixed", view.Kind)
	assert.Equal(t, start, view.NextDue)
	assert.False(t, view.Finished)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/schedules/7", "", nil).Code)
}

func TestTokenSigner(t *testing.T) {
	signer := NewTokenSigner("k1")
	token, err := signer.Sign("alice", time.Minute)
	require.NoError(t, err)

	subject, err := signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", subject)

	_, err = NewTokenSigner("k2").Verify(token)
	assert.Error(t, err)

	expired, err := signer.Sign("alice", -time.Minute)
	require.NoError(t, err)
	_, err = signer.Verify(expired)
	assert.Error(t, err)
}
