package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/RezaEskandarii/gofleet/internal/schedule"
	"github.com/RezaEskandarii/gofleet/internal/state"
	"github.com/RezaEskandarii/gofleet/internal/store"
	"github.com/RezaEskandarii/gofleet/types"
)

const (
	PageSize    = 15
	MaxPageSize = 500
)

// JobReader is the part of the job manager the HTTP surface needs.
type JobReader interface {
	Instances(ctx context.Context, page, pageSize int, group string) (*types.PaginationResult[types.Instance], error)
	Instance(ctx context.Context, id int64) (*types.Instance, error)
	Counts(ctx context.Context) (map[state.Status]int, error)
	Schedule(ctx context.Context, id int64) (schedule.Record, error)
	PostRequest(ctx context.Context, instanceID int64, req state.Request) error
}

type HttpRouteHandler struct {
	jobs     JobReader
	gatherer prometheus.Gatherer
	health   func(ctx context.Context) error
	signer   *TokenSigner
	logger   zerolog.Logger
}

// NewRouteHandler builds the ops surface. health may be nil; secret, when
// non-empty, is required to sign tokens for the endpoints that change state.
func NewRouteHandler(jobs JobReader, gatherer prometheus.Gatherer, health func(ctx context.Context) error, secret string, logger zerolog.Logger) *HttpRouteHandler {
	handler := &HttpRouteHandler{
		jobs:     jobs,
		gatherer: gatherer,
		health:   health,
		logger:   logger.With().Str("component", "web").Logger(),
	}
	if secret != "" {
		handler.signer = NewTokenSigner(secret)
	}
	return handler
}

func (handler *HttpRouteHandler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", handler.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(handler.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/counts", handler.handleCounts)
		r.Get("/instances", handler.handleInstances)
		r.Get("/instances/{id}", handler.handleInstance)
		r.With(requireToken(handler.signer)).Post("/instances/{id}/requests", handler.handlePostRequest)
		r.Get("/schedules/{id}", handler.handleSchedule)
	})
	return r
}

// Serve listens on addr until ctx is done.
func (handler *HttpRouteHandler) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		handler.logger.Info().Str("addr", addr).Msg("ops server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (handler *HttpRouteHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if handler.health != nil {
		if err := handler.health(r.Context()); err != nil {
			handler.logger.Warn().Err(err).Msg("health check failed")
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (handler *HttpRouteHandler) handleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := handler.jobs.Counts(r.Context())
	if err != nil {
		handler.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (handler *HttpRouteHandler) handleInstances(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("status")
	if !validGroup(group) {
		http.Error(w, "Invalid status", http.StatusBadRequest)
		return
	}
	page, err := handler.jobs.Instances(r.Context(), getPageNumber(r), getPageSize(r), group)
	if err != nil {
		handler.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (handler *HttpRouteHandler) handleInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inst, err := handler.jobs.Instance(r.Context(), id)
	if err != nil {
		handler.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

type requestBody struct {
	Request state.Request `json:"request"`
}

func (handler *HttpRouteHandler) handlePostRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body requestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := handler.jobs.PostRequest(r.Context(), id, body.Request); err != nil {
		handler.writeError(w, err)
		return
	}
	handler.logger.Info().
		Int64("instance", id).
		Str("request", body.Request.String()).
		Str("subject", subjectFrom(r.Context())).
		Msg("request posted")
	w.WriteHeader(http.StatusAccepted)
}

type scheduleView struct {
	Kind     schedule.Kind   `json:"kind"`
	NextDue  *time.Time      `json:"next_due"`
	Finished bool            `json:"finished"`
	Schedule schedule.Record `json:"schedule"`
}

func (handler *HttpRouteHandler) handleSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := handler.jobs.Schedule(r.Context(), id)
	if err != nil {
		handler.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleView{
		Kind:     rec.Kind(),
		NextDue:  rec.NextDue(),
		Finished: rec.Meta().Finished(),
		Schedule: rec,
	})
}

func (handler *HttpRouteHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrFinal):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		handler.logger.Error().Err(err).Msg("ops request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		http.Error(w, "Invalid ID", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
