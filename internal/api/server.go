// Package api provides the HTTP server for gennino: feature status and
// download, streamed image descriptions, attempt history and traces.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gennino/gennino/internal/app/describe"
	"github.com/gennino/gennino/internal/app/executor"
	"github.com/gennino/gennino/internal/domain"
	"github.com/gennino/gennino/internal/infra/observability"
	"github.com/gennino/gennino/internal/infra/registry"
)

// Version is reported by /api/version and the CLI.
const Version = "0.1.0"

// SessionHeader carries the caller's session ID in both directions.
const SessionHeader = "X-Session-ID"

// FeatureInfo names the feature and backend being served.
type FeatureInfo interface {
	FeatureName() string
	Backend() string
}

// Server is the gennino HTTP API server.
type Server struct {
	svc            *describe.Service
	sessions       *describe.Sessions
	feature        FeatureInfo
	models         *registry.Manager     // optional
	attempts       domain.AttemptStore   // optional
	tracer         *observability.Tracer // optional
	hub            *EventHub             // optional
	jobs           *executor.Executor    // optional
	metricsEnabled bool
	timeout        time.Duration
}

// NewServer creates a new API server.
func NewServer(svc *describe.Service, sessions *describe.Sessions, feature FeatureInfo) *Server {
	return &Server{svc: svc, sessions: sessions, feature: feature, timeout: time.Minute}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetModels exposes installed models on /api/models.
func (s *Server) SetModels(m *registry.Manager) { s.models = m }

// SetAttempts exposes attempt history on /api/attempts.
func (s *Server) SetAttempts(a domain.AttemptStore) { s.attempts = a }

// SetTracer exposes recent spans on /api/traces.
func (s *Server) SetTracer(t *observability.Tracer) { s.tracer = t }

// SetExecutor exposes background job stats on /api/jobs.
func (s *Server) SetExecutor(e *executor.Executor) { s.jobs = e }

// SetEventHub publishes session notices on /api/events.
func (s *Server) SetEventHub(h *EventHub) { s.hub = h }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// Descriptions may wait on a multi-gigabyte download; only the client
	// (or the configured inference timeout) bounds them.
	r.Post("/api/describe", s.handleDescribe)
	r.Post("/api/sessions/{id}/describe", s.handleDescribeSelection)
	if s.hub != nil {
		r.Get("/api/events", s.hub.HandleSSE)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.timeout))

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{
				"status": "ok",
			})
		})

		r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{
				"version": Version,
			})
		})

		r.Route("/api/feature", func(r chi.Router) {
			r.Get("/status", s.handleFeatureStatus)
			r.Post("/download", s.handleFeatureDownload)
		})

		r.Get("/api/sessions/{id}", s.handleGetSession)
		r.Delete("/api/sessions/{id}", s.handleDeleteSession)
		r.Post("/api/sessions/{id}/select", s.handleSelect)
		r.Delete("/api/sessions/{id}/selection", s.handleClearSelection)

		r.Get("/api/models", s.handleListModels)
		r.Get("/api/attempts", s.handleAttempts)
		r.Get("/api/traces", s.handleTraces)
		r.Delete("/api/traces", s.handleResetTraces)
		r.Get("/api/jobs", s.handleJobs)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// ─── Feature ────────────────────────────────────────────────────────────────

func (s *Server) handleFeatureStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"feature": s.feature.FeatureName(),
		"backend": s.feature.Backend(),
		"status":  st,
	})
}

// handleFeatureDownload starts a download when the feature is downloadable.
// Repeating it while one runs is harmless.
func (s *Server) handleFeatureDownload(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.StartDownload(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	code := http.StatusAccepted
	if st == domain.StatusAvailable {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]interface{}{
		"feature": s.feature.FeatureName(),
		"status":  st,
		"started": st == domain.StatusDownloadable,
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"models": []domain.ModelInfo{}})
		return
	}
	models, err := s.models.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if models == nil {
		models = []domain.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": models})
}

// ─── Sessions ───────────────────────────────────────────────────────────────

// session returns the stored session id, creating it on first use. The ID
// is echoed back in the response header.
func (s *Server) session(w http.ResponseWriter, id string) *describe.Session {
	w.Header().Set(SessionHeader, id)
	return s.sessions.Get(id, func() domain.Notifier { return s.hubNotifier(id) })
}

// lookup returns the stored session id or answers 404.
func (s *Server) lookup(w http.ResponseWriter, id string) (*describe.Session, bool) {
	sess, ok := s.sessions.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session "+id)
		return nil, false
	}
	w.Header().Set(SessionHeader, id)
	return sess, true
}

// oneShot returns a session for a request that named none. It is never
// stored, so it goes away with the request.
func (s *Server) oneShot(w http.ResponseWriter) *describe.Session {
	id := uuid.NewString()
	w.Header().Set(SessionHeader, id)
	return describe.NewSession(id, s.hubNotifier(id))
}

func (s *Server) hubNotifier(id string) domain.Notifier {
	if s.hub == nil {
		return nil
	}
	return s.hub.Notifier(id)
}

type selectRequest struct {
	Locator string `json:"locator"`
}

func decodeSelect(w http.ResponseWriter, r *http.Request) (selectRequest, bool) {
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return req, false
	}
	req.Locator = strings.TrimSpace(req.Locator)
	return req, true
}

// handleSelect previews the locator and makes it the session's pick. An
// empty or unusable locator leaves the previous pick in place.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSelect(w, r)
	if !ok {
		return
	}
	sess := s.session(w, chi.URLParam(r, "id"))
	resp := map[string]interface{}{"session": sess.ID, "picked": false}
	if req.Locator != "" {
		img, err := s.svc.Load(r.Context(), req.Locator)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		sess.Select(req.Locator)
		resp["picked"] = true
		resp["image"] = map[string]interface{}{
			"format": img.Format,
			"width":  img.Width,
			"height": img.Height,
			"digest": img.Digest,
		}
	}
	sel, has := sess.Selected()
	resp["selection"] = selectionOrNil(sel, has)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	sel, has := sess.Selected()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":   sess.ID,
		"busy":      sess.Busy(),
		"selection": selectionOrNil(sel, has),
	})
}

func (s *Server) handleClearSelection(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	sess.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	s.sessions.Delete(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func selectionOrNil(sel describe.Selection, ok bool) interface{} {
	if !ok {
		return nil
	}
	return sel
}

// ─── Describe ───────────────────────────────────────────────────────────────

// handleDescribe accepts a multipart "image" upload or a JSON locator and
// streams the description as NDJSON notices. Without X-Session-ID the
// request runs in a one-shot session.
func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	var sess *describe.Session
	if id := r.Header.Get(SessionHeader); id != "" {
		sess = s.session(w, id)
	} else {
		sess = s.oneShot(w)
	}

	var (
		img *domain.DecodedImage
		err error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		img, err = s.decodeUpload(w, r)
	} else {
		req, ok := decodeSelect(w, r)
		if !ok {
			return
		}
		if req.Locator == "" {
			// A cancelled pick: describe the previous one, if any.
			img, err = s.loadSelection(r.Context(), sess)
		} else if img, err = s.svc.Load(r.Context(), req.Locator); err == nil {
			sess.Select(req.Locator)
		}
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.stream(w, r, sess, img)
}

// handleDescribeSelection describes the session's current pick.
func (s *Server) handleDescribeSelection(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	img, err := s.loadSelection(r.Context(), sess)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.stream(w, r, sess, img)
}

func (s *Server) decodeUpload(w http.ResponseWriter, r *http.Request) (*domain.DecodedImage, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.svc.Resolver().MaxBytes()+1<<20)
	file, _, err := r.FormFile("image")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNoImage, err)
	}
	defer file.Close()
	return s.svc.Decode(file)
}

func (s *Server) loadSelection(ctx context.Context, sess *describe.Session) (*domain.DecodedImage, error) {
	sel, ok := sess.Selected()
	if !ok {
		return nil, domain.ErrNoImage
	}
	return s.svc.Load(ctx, sel.Locator)
}

// stream runs the description with notices written as NDJSON lines. Errors
// raised before the stream starts (a busy session among them) get a regular
// error response.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, sess *describe.Session, img *domain.DecodedImage) {
	out := newNDJSONNotifier(w)
	var n domain.Notifier = out
	if s.hub != nil {
		n = teeNotifier{out, s.hub.Notifier(sess.ID)}
	}
	ctx := describe.WithNotifier(r.Context(), n)
	if id := middleware.GetReqID(r.Context()); id != "" {
		ctx = observability.WithTraceID(ctx, id)
	}

	_, err := s.svc.Describe(ctx, sess, img)
	if err != nil && !out.Started() {
		msg := err.Error()
		if errors.Is(err, domain.ErrBusy) {
			msg = describe.BusyMessage
		}
		writeError(w, statusFor(err), msg)
		return
	}
	out.Finish()
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrImageTooLarge):
		return http.StatusRequestEntityTooLarge
	case domain.IsNoImage(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrDownloadFailed), errors.Is(err, domain.ErrInferenceFailed):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrFeatureNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ndjsonNotifier writes one JSON notice per line and flushes each. Info
// notices are held back until a fragment, done or error notice starts the
// stream, so a request that fails early can still get an error status.
type ndjsonNotifier struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	enc     *json.Encoder
	started bool
	pending []domain.Notice
}

func newNDJSONNotifier(w http.ResponseWriter) *ndjsonNotifier {
	return &ndjsonNotifier{w: w, enc: json.NewEncoder(w)}
}

func (n *ndjsonNotifier) Notify(x domain.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started && x.Kind == domain.NoticeInfo {
		n.pending = append(n.pending, x)
		return
	}
	n.start()
	n.write(x)
}

// Finish writes held-back notices of a request that produced nothing else.
func (n *ndjsonNotifier) Finish() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started && len(n.pending) > 0 {
		n.start()
	}
}

func (n *ndjsonNotifier) start() {
	if n.started {
		return
	}
	n.w.Header().Set("Content-Type", "application/x-ndjson")
	n.w.WriteHeader(http.StatusOK)
	n.started = true
	for _, p := range n.pending {
		n.write(p)
	}
	n.pending = nil
}

func (n *ndjsonNotifier) write(x domain.Notice) {
	n.enc.Encode(x)
	if f, ok := n.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (n *ndjsonNotifier) Started() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started
}

type teeNotifier []domain.Notifier

func (t teeNotifier) Notify(x domain.Notice) {
	for _, n := range t {
		n.Notify(x)
	}
}

// ─── History ────────────────────────────────────────────────────────────────

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if s.attempts == nil {
		writeError(w, http.StatusNotFound, "attempt history disabled")
		return
	}
	attempts, err := s.attempts.RecentAttempts(r.Context(), queryLimit(r, 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if attempts == nil {
		attempts = []domain.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"attempts": attempts})
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	if s.tracer == nil {
		writeError(w, http.StatusNotFound, "tracing disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"spans": s.tracer.Spans(queryLimit(r, 100)),
		"total": s.tracer.SpanCount(),
	})
}

func (s *Server) handleResetTraces(w http.ResponseWriter, r *http.Request) {
	if s.tracer == nil {
		writeError(w, http.StatusNotFound, "tracing disabled")
		return
	}
	s.tracer.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusNotFound, "no job executor")
		return
	}
	writeJSON(w, http.StatusOK, s.jobs.Stats())
}

func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, 1000)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+SessionHeader)
		w.Header().Set("Access-Control-Expose-Headers", SessionHeader)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
