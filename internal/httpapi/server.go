// Package httpapi serves the daemon's operations API under /v1 alongside the
// gateway's WebSocket, health and SSE endpoints.
package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ankittk/aide/internal/autoreply"
	"github.com/ankittk/aide/internal/learning"
	"github.com/ankittk/aide/internal/workflow"
	"github.com/ankittk/aide/pkg/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	errNotFound   = errors.New("not found")
	errValidation = errors.New("invalid request")
)

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read more than maxBytes.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets CORS headers for dev mode (a local dashboard on another origin).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	Addr           string
	Dev            bool
	APIKey         string       // if set, require X-API-Key header or query api_key on /v1 and /events
	MetricsHandler http.Handler // if set, served at /metrics
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics
	MaxBodyBytes   int64        // 0 = models.DefaultMaxRequestBodyBytes
}

// App holds the HTTP server and the services it exposes.
type App struct {
	Server   *http.Server
	Services *Services
}

// NewApp registers all routes over svc and returns the server.
func NewApp(opts ServerOptions, svc *Services) *App {
	mux := http.NewServeMux()

	if svc.Gateway != nil {
		gw := svc.Gateway.Handler()
		mux.Handle("/ws", gw)
		mux.Handle("/health", gw)
		mux.Handle("/events", gw)
	} else {
		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, models.Health{Status: "ok"})
		})
	}
	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	}

	h := &handlers{svc: svc}
	mux.HandleFunc("GET /v1/workflows", h.listWorkflows)
	mux.HandleFunc("POST /v1/workflows/{name}/runs", h.startRun)
	mux.HandleFunc("GET /v1/runs", h.listRuns)
	mux.HandleFunc("GET /v1/runs/{id}", h.getRun)
	mux.HandleFunc("POST /v1/runs/{id}/resume", h.resumeRun)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", h.cancelRun)

	mux.HandleFunc("POST /v1/events", h.postEvents)
	mux.HandleFunc("GET /v1/detections", h.listDetections)
	mux.HandleFunc("GET /v1/rules", h.listRules)

	mux.HandleFunc("POST /v1/incidents", h.postIncident)
	mux.HandleFunc("POST /v1/feedback", h.postFeedback)
	mux.HandleFunc("GET /v1/patterns", h.listPatterns)
	mux.HandleFunc("POST /v1/patterns/{id}/feedback", h.patternFeedback)
	mux.HandleFunc("POST /v1/risk", h.assessRisk)
	mux.HandleFunc("GET /v1/accuracy", h.accuracy)

	mux.HandleFunc("POST /v1/messages", h.postMessage)
	mux.HandleFunc("GET /v1/replies", h.listReplies)
	mux.HandleFunc("POST /v1/replies/{id}/approve", h.approveReply)
	mux.HandleFunc("POST /v1/replies/{id}/reject", h.rejectReply)

	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = models.DefaultMaxRequestBodyBytes
	}
	var handler http.Handler = mux
	handler = bodyLimitMiddleware(maxBody, handler)
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "aide")
	}
	// No WriteTimeout: /events and /ws are long-lived.
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &App{Server: srv, Services: svc}
}

// responseRecorder captures status code for logging and forwards Flusher and
// Hijacker (SSE and WebSocket upgrades) if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *responseRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// apiKeyMiddleware guards everything except health, metrics and the gateway
// socket, which authenticates with its own tokens.
func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" || path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errNotFound),
		errors.Is(err, workflow.ErrRunNotFound),
		errors.Is(err, autoreply.ErrReplyNotFound),
		errors.Is(err, learning.ErrPatternNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrNotWaitingApproval),
		errors.Is(err, workflow.ErrTerminal),
		errors.Is(err, autoreply.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, errValidation),
		errors.Is(err, workflow.ErrInvalidDefinition),
		errors.Is(err, workflow.ErrInvalidDecision):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSONError(w, statusFor(err), err.Error())
}
