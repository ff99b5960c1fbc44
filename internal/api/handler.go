// Package api is the gateway's HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/gonkalabs/piigate/internal/auth"
	"github.com/gonkalabs/piigate/internal/gateway"
	"github.com/gonkalabs/piigate/internal/upstream"
)

// Gateway runs the chat completion pipeline.
type Gateway interface {
	HandleRequest(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// Authenticator verifies an Authorization header.
type Authenticator interface {
	VerifyHeader(header string) (auth.Identity, error)
}

// ModelLister fetches the upstream model list.
type ModelLister interface {
	Models(ctx context.Context) (*upstream.Response, error)
}

// Pinger checks the shared rate-limit store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DefaultMaxBodyBytes caps inbound request bodies.
const DefaultMaxBodyBytes = 1 << 20

// Handler implements all HTTP endpoints.
type Handler struct {
	gw      Gateway
	authn   Authenticator
	models  ModelLister
	store   Pinger
	metrics http.Handler
	version string
	maxBody int64
	logger  *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithModels enables GET /v1/models.
func WithModels(m ModelLister) Option {
	return func(h *Handler) { h.models = m }
}

// WithHealthCheck makes /healthz report store connectivity.
func WithHealthCheck(p Pinger) Option {
	return func(h *Handler) { h.store = p }
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(mh http.Handler) Option {
	return func(h *Handler) { h.metrics = mh }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(h *Handler) { h.version = v }
}

// WithMaxBodyBytes caps inbound bodies (default 1 MiB).
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New creates a Handler.
func New(gw Gateway, authn Authenticator, opts ...Option) *Handler {
	h := &Handler{
		gw:      gw,
		authn:   authn,
		version: "dev",
		maxBody: DefaultMaxBodyBytes,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the router with every endpoint mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Post("/v1/chat/completions", h.chatCompletions)
	if h.models != nil {
		r.Get("/v1/models", h.listModels)
	}
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	return r
}

// ---------- endpoints ----------

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	status, redis, code := "ok", "disabled", http.StatusOK
	if h.store != nil {
		redis = "ok"
		if err := h.store.Ping(r.Context()); err != nil {
			h.logger.Warn("healthz: store ping failed", "err", err)
			status, redis, code = "degraded", "unreachable", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{
		"status":       status,
		"version":      h.version,
		"redis_status": redis,
	})
}

func (h *Handler) chatCompletions(w http.ResponseWriter, r *http.Request) {
	req := gateway.Request{RequestID: requestID(r)}

	ident, err := h.authn.VerifyHeader(r.Header.Get("Authorization"))
	if err == nil {
		req.Authenticated = true
		req.TenantID = ident.Tenant
		req.Tier = ident.Tier

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeErr(w, http.StatusRequestEntityTooLarge, "malformed_input", "request body too large")
				return
			}
			writeErr(w, http.StatusBadRequest, "malformed_input", "failed to read request body")
			return
		}
		req.Body = body
	} else {
		h.logger.Debug("auth rejected", "request_id", req.RequestID, "err", err)
	}

	resp, err := h.gw.HandleRequest(r.Context(), req)
	if err != nil {
		h.writeGatewayErr(w, req.RequestID, err)
		return
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(resp.Remaining, 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authn.VerifyHeader(r.Header.Get("Authorization")); err != nil {
		writeUnauthorized(w)
		return
	}

	resp, err := h.models.Models(r.Context())
	var se *upstream.StatusError
	switch {
	case errors.As(err, &se) && resp != nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.Status)
		_, _ = w.Write(resp.Body)
	case errors.Is(err, upstream.ErrTimeout):
		writeErr(w, http.StatusGatewayTimeout, "upstream_timeout", "upstream did not answer in time")
	case err != nil:
		h.logger.Error("models: upstream error", "err", err)
		writeErr(w, http.StatusBadGateway, "upstream_error", "upstream request failed")
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(resp.Body)
	}
}

// ---------- helpers ----------

func (h *Handler) writeGatewayErr(w http.ResponseWriter, reqID string, err error) {
	var gerr *gateway.Error
	errors.As(err, &gerr)

	switch {
	case errors.Is(err, gateway.ErrUnauthorized):
		writeUnauthorized(w)
	case errors.Is(err, gateway.ErrRateLimited):
		var retry time.Duration
		var remaining int64
		if gerr != nil {
			retry, remaining = gerr.RetryAfter, gerr.Remaining
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retry)))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": map[string]any{
				"type":           "rate_limited",
				"message":        "rate limit exceeded",
				"remaining":      remaining,
				"retry_after_ms": retry.Milliseconds(),
			},
		})
	case errors.Is(err, gateway.ErrLimiterUnavailable):
		writeErr(w, http.StatusServiceUnavailable, "limiter_unavailable", "rate limiter unavailable")
	case errors.Is(err, gateway.ErrMalformedInput):
		writeErr(w, http.StatusBadRequest, "malformed_input", "invalid chat completion request")
	case errors.Is(err, gateway.ErrUpstreamTimeout):
		writeErr(w, http.StatusGatewayTimeout, "upstream_timeout", "upstream did not answer in time")
	case errors.Is(err, gateway.ErrUpstream):
		h.logger.Warn("upstream failure", "request_id", reqID, "err", err)
		writeErr(w, http.StatusBadGateway, "upstream_error", "upstream request failed")
	case errors.Is(err, gateway.ErrCanceled):
		// The caller is gone; there is nobody to answer.
		h.logger.Debug("request canceled", "request_id", reqID)
	default:
		h.logger.Error("unclassified gateway error", "request_id", reqID, "err", err)
		writeErr(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// retryAfterSeconds rounds up, with a floor of one second.
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

func requestID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="piigate"`)
	writeErr(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer credential")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, typ, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"type": typ, "message": msg},
	})
}
