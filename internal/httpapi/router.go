package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lukasbauer/streamscribe/internal/eventlog"
	"github.com/lukasbauer/streamscribe/internal/metrics"
	"github.com/lukasbauer/streamscribe/internal/session"
	"github.com/lukasbauer/streamscribe/internal/storage"
	"github.com/lukasbauer/streamscribe/internal/stt"
)

type RouterConfig struct {
	// Browser origins allowed for CORS and the WebSocket handshake. "*" allows any.
	AllowedOrigins []string

	// JWT Authentication. Empty secret leaves the API open.
	JWTSecret string

	// Per-session settings
	Session session.Config
}

// RouterDeps are the collaborators the HTTP layer hands out to handlers.
type RouterDeps struct {
	Logger   *zap.Logger
	Backend  stt.Backend
	Store    storage.TranscriptStore // nil disables POST /api/save
	EventLog *eventlog.Logger
	Metrics  *metrics.Metrics
	Sessions *SessionRegistry

	// BaseContext is the parent of every session context. Cancelling it aborts
	// all live sessions. Defaults to context.Background().
	BaseContext context.Context
}

type Router struct {
	cfg      RouterConfig
	logger   *zap.Logger
	backend  stt.Backend
	store    storage.TranscriptStore
	eventLog *eventlog.Logger
	metrics  *metrics.Metrics
	sessions *SessionRegistry
	baseCtx  context.Context
	mux      *http.ServeMux
}

func NewRouter(cfg RouterConfig, deps RouterDeps) http.Handler {
	return newRouter(cfg, deps).handler()
}

func newRouter(cfg RouterConfig, deps RouterDeps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}
	baseCtx := deps.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	r := &Router{
		cfg:      cfg,
		logger:   logger,
		backend:  deps.Backend,
		store:    deps.Store,
		eventLog: deps.EventLog,
		metrics:  deps.Metrics,
		sessions: sessions,
		baseCtx:  baseCtx,
		mux:      http.NewServeMux(),
	}
	r.routes()
	return r
}

func (r *Router) handler() http.Handler {
	return withSentryRecovery(r.withCORS(r.mux))
}

func (r *Router) routes() {
	// Health checks
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)

	// Streaming transcription (WebSocket)
	r.mux.HandleFunc("GET /api/stream", r.withAuth(r.handleStream))

	// Transcript persistence
	r.mux.HandleFunc("POST /api/save", r.withAuth(r.handleSave))

	// Session history from the event log
	r.mux.HandleFunc("GET /api/sessions/{id}/events", r.withAuth(r.handleSessionEvents))

	if r.metrics != nil {
		r.mux.Handle("GET /metrics", r.metrics.Handler())
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz fails while draining so load balancers stop sending new streams.
func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.sessions.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func (r *Router) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if origin := req.Header.Get("Origin"); origin != "" && r.originAllowed(origin) {
			if lo.Contains(r.cfg.AllowedOrigins, "*") {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		}
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Router) originAllowed(origin string) bool {
	return lo.SomeBy(r.cfg.AllowedOrigins, func(allowed string) bool {
		return allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), origin)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
