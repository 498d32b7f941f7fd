package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"TradeTrail/internal/anchor"
	"TradeTrail/internal/corroborate"
	"TradeTrail/internal/event"
	"TradeTrail/internal/ingest"
	"TradeTrail/internal/observability"
	"TradeTrail/internal/projection"
	"TradeTrail/internal/query"
	"TradeTrail/internal/store"
)

const (
	maxRequestBody      = 1 << 20
	corroboratePage     = 1000
	shutdownGracePeriod = 5 * time.Second
)

// Ingestor runs the ingestion protocol for one envelope.
type Ingestor interface {
	Ingest(ctx context.Context, env *event.Envelope) (*ingest.Result, error)
}

// ChainReader serves the read-side endpoints.
type ChainReader interface {
	InstanceState(ctx context.Context, instanceID string) (*query.StateResponse, error)
	Events(ctx context.Context, instanceID string, from int64, limit int) ([]*event.Envelope, error)
	LatestCheckpoint(ctx context.Context, instanceID string) (*anchor.Checkpoint, error)
	Commitments(ctx context.Context, instanceID string, limit int) ([]*anchor.Commitment, error)
	TrackRecord(ctx context.Context, instanceID string) (*query.TrackRecord, error)
}

// ChainVerifier replays a stored chain and reports on its integrity.
type ChainVerifier interface {
	VerifyChain(ctx context.Context, instanceID string, fromCheckpoint bool) (*query.VerifyReport, error)
}

// RunStore persists corroboration reports. Runs live outside the
// chain; storing one never moves an instance head.
type RunStore interface {
	SaveCorroborationRun(ctx context.Context, instanceID string, report []byte, now time.Time) error
	LatestCorroborationRun(ctx context.Context, instanceID string) ([]byte, time.Time, error)
}

// Deps holds all dependencies needed by the HTTP handlers.
type Deps struct {
	Ingestor  Ingestor
	Validator *ingest.EnvelopeValidator
	Limiter   *ingest.InstanceLimiter
	Reader    ChainReader
	Verifier  ChainVerifier
	Runs      RunStore
	Policy    corroborate.Policy
	Health    *observability.HealthChecker
	Metrics   *observability.Metrics
	DB        *sql.DB
	Clock     func() time.Time
}

// HTTPServer wraps the API mux and its listener lifecycle.
type HTTPServer struct {
	httpServer *http.Server
	addr       string
}

// NewHTTPServer assembles the router with all endpoints registered.
func NewHTTPServer(addr string, deps *Deps) *HTTPServer {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	h := &apiHandlers{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if deps.Health != nil {
		r.Get("/healthz", deps.Health.LivenessHandler)
		r.Get("/readyz", deps.Health.ReadinessHandler)
	}

	r.Route("/v1", func(api chi.Router) {
		api.Post("/events", h.submitEvent)
		api.Route("/instances/{instance_id}", func(ir chi.Router) {
			ir.Use(h.instrument)
			ir.Get("/state", h.instanceState)
			ir.Get("/events", h.listEvents)
			ir.Get("/checkpoints/latest", h.latestCheckpoint)
			ir.Get("/commitments", h.listCommitments)
			ir.Get("/verify", h.verifyChain)
			ir.Get("/track-record", h.trackRecord)
			ir.Post("/corroboration", h.runCorroboration)
			ir.Get("/corroboration/latest", h.latestCorroboration)
		})
		if deps.DB != nil {
			api.Post("/admin/projections/rebuild", h.rebuildProjections)
		}
	})

	return &HTTPServer{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		addr: addr,
	}
}

// Handler exposes the assembled router.
func (s *HTTPServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP server listening on %s", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type apiHandlers struct {
	deps *Deps
}

// instrument records request counts and latency per matched route.
func (h *apiHandlers) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.deps.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// The route pattern is only complete once the request has been
		// routed, so it is read after the handler returns.
		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		h.deps.Metrics.QueryRequests.
			WithLabelValues(endpoint, strconv.Itoa(ww.Status())).Inc()
		h.deps.Metrics.QueryDuration.
			WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}

// ============================================================================
// Ingestion endpoint
// ============================================================================

func (h *apiHandlers) submitEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, string(ingest.ReasonValidationFailure), "request body too large", nil)
		return
	}

	// Schema gate first: malformed documents never reach the parser.
	if err := h.deps.Validator.Validate(body); err != nil {
		writeError(w, http.StatusBadRequest, string(ingest.ReasonValidationFailure), err.Error(), nil)
		return
	}

	env, err := ingest.ParseEnvelope(body, h.deps.Clock().UTC())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, string(ingest.ReasonValidationFailure), err.Error(), nil)
		return
	}

	if h.deps.Limiter != nil && !h.deps.Limiter.Allow(env.InstanceID) {
		if h.deps.Metrics != nil {
			h.deps.Metrics.RateLimited.Inc()
		}
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "instance submission rate exceeded", nil)
		return
	}

	res, err := h.deps.Ingestor.Ingest(r.Context(), env)
	if err != nil {
		rej := ingest.AsReject(err)
		writeError(w, rejectStatus(rej.Reason), string(rej.Reason), rej.Detail, rej.Head)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// rejectStatus maps the rejection taxonomy onto HTTP status codes.
// Deterministic chain disagreements are 409 so callers resync against
// the attached head instead of retrying blind.
func rejectStatus(reason ingest.RejectReason) int {
	switch reason {
	case ingest.ReasonValidationFailure, ingest.ReasonTimestampOutOfRange:
		return http.StatusUnprocessableEntity
	case ingest.ReasonChainIntegrityFailure, ingest.ReasonDuplicateOrStale, ingest.ReasonConcurrencyConflict:
		return http.StatusConflict
	case ingest.ReasonStorageFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ============================================================================
// Read-side endpoints
// ============================================================================

func (h *apiHandlers) instanceState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instance_id")
	resp, err := h.deps.Reader.InstanceState(r.Context(), id)
	if err != nil {
		h.readError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandlers) listEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instance_id")
	from := queryInt(r, "from", 1)
	limit := int(queryInt(r, "limit", 100))

	envs, err := h.deps.Reader.Events(r.Context(), id, from, limit)
	if err != nil {
		h.readError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instance_id": id,
		"events":      envs,
		"count":       len(envs),
	})
}

func (h *apiHandlers) latestCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instance_id")
	cp, err := h.deps.Reader.LatestCheckpoint(r.Context(), id)
	if err != nil {
		h.readError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (h *apiHandlers) listCommitments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instance_id")
	limit := int(queryInt(r, "limit", 0))

	cms, err := h.deps.Reader.Commitments(r.Context(), id, limit)
	if err != nil {
		h.readError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instance_id": id,
		"commitments": cms,
		"count":       len(cms),
	})
}

func (h *apiHandlers) verifyChain(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instance_id")
	fromCheckpoint := queryBool(r, "from_checkpoint")

	report, err := h.deps.Verifier.VerifyChain(r.Context(), id, fromCheckpoint)
	if err != nil {
		h.readError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *apiHandlers) trackRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instance_id")
	tr, err := h.deps.Reader.TrackRecord(r.Context(), id)
	if err != nil {
		h.readError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// ============================================================================
// Corroboration endpoints
// ============================================================================

func (h *apiHandlers) runCorroboration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instance_id")

	pol := h.deps.Policy
	var override struct {
		TimeToleranceSeconds *int64 `json:"time_tolerance_seconds"`
		PriceTolerancePoints *int64 `json:"price_tolerance_points"`
	}
	if err := json.NewDecoder(r.Body).Decode(&override); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, string(ingest.ReasonValidationFailure), fmt.Sprintf("decode request: %v", err), nil)
		return
	}
	if override.TimeToleranceSeconds != nil {
		pol.TimeToleranceSeconds = *override.TimeToleranceSeconds
	}
	if override.PriceTolerancePoints != nil {
		pol.PriceTolerancePoints = *override.PriceTolerancePoints
	}
	if err := pol.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, string(ingest.ReasonValidationFailure), err.Error(), nil)
		return
	}

	// Existence check up front so an unknown instance is 404, not an
	// empty report.
	if _, err := h.deps.Reader.InstanceState(r.Context(), id); err != nil {
		h.readError(w, err)
		return
	}

	var envs []*event.Envelope
	from := int64(1)
	for {
		page, err := h.deps.Reader.Events(r.Context(), id, from, corroboratePage)
		if err != nil {
			h.readError(w, err)
			return
		}
		envs = append(envs, page...)
		if len(page) < corroboratePage {
			break
		}
		from = page[len(page)-1].SeqNo + 1
	}

	report, err := corroborate.Analyze(id, envs, pol, h.deps.Clock())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "CORROBORATION_FAILURE", err.Error(), nil)
		return
	}
	report.ReportID = uuid.NewString()

	if h.deps.Metrics != nil {
		h.deps.Metrics.CorroborationRuns.Inc()
		m := h.deps.Metrics.CorroborationFindings
		m.WithLabelValues("matched").Add(float64(report.Summary.Matched))
		m.WithLabelValues("mismatched").Add(float64(report.Summary.Mismatched))
		m.WithLabelValues("unmatched").Add(float64(report.Summary.Unmatched))
		m.WithLabelValues("orphaned").Add(float64(report.Summary.Orphaned))
	}

	data, err := json.Marshal(report)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "CORROBORATION_FAILURE", err.Error(), nil)
		return
	}
	if err := h.deps.Runs.SaveCorroborationRun(r.Context(), id, data, h.deps.Clock().UTC()); err != nil {
		log.Printf("WARN: save corroboration run instance=%s: %v", id, err)
	}

	writeJSON(w, http.StatusOK, report)
}

func (h *apiHandlers) latestCorroboration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instance_id")
	data, at, err := h.deps.Runs.LatestCorroborationRun(r.Context(), id)
	if err != nil {
		h.readError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, corroborationRun{RunAt: at, Report: data})
}

type corroborationRun struct {
	RunAt  time.Time       `json:"run_at"`
	Report json.RawMessage `json:"report"`
}

// rebuildProjections refolds both read models from the event log. The
// call is synchronous: a 200 means the projection tables and their
// watermarks are consistent with the ledger again. The worker writes
// to the same tables, so run this while ingestion is quiesced.
func (h *apiHandlers) rebuildProjections(w http.ResponseWriter, r *http.Request) {
	if err := projection.Rebuild(r.Context(), h.deps.DB); err != nil {
		log.Printf("WARN: projection rebuild failed: %v", err)
		writeError(w, http.StatusInternalServerError, "REBUILD_FAILED", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, rebuildResult{Rebuilt: true})
}

type rebuildResult struct {
	Rebuilt bool `json:"rebuilt"`
}

// ============================================================================
// Helpers
// ============================================================================

type errorBody struct {
	Error  string       `json:"error"`
	Detail string       `json:"detail,omitempty"`
	Head   *ingest.Head `json:"head,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARN: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, reason, detail string, head *ingest.Head) {
	writeJSON(w, status, errorBody{Error: reason, Detail: detail, Head: head})
}

func (h *apiHandlers) readError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
		return
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.StoreErrors.WithLabelValues("query").Inc()
	}
	writeError(w, http.StatusInternalServerError, "QUERY_FAILURE", err.Error(), nil)
}

func queryInt(r *http.Request, key string, def int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func queryBool(r *http.Request, key string) bool {
	switch r.URL.Query().Get(key) {
	case "true", "1", "yes":
		return true
	}
	return false
}
