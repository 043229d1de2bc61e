// Package limitapi serves the rate limit decision API and the policy read
// surface on the public listener.
package limitapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/payloghq/ratelimitd/internal/httpmw"
	"github.com/payloghq/ratelimitd/internal/log"
	"github.com/payloghq/ratelimitd/internal/policy"
	"github.com/payloghq/ratelimitd/internal/ratelimit"
	"github.com/payloghq/ratelimitd/internal/registry"
)

// LimiterService is the slice of the registry the API consumes
type LimiterService interface {
	Check(ctx context.Context, name, token string, limitOverride int) (ratelimit.Decision, error)
	Reset(ctx context.Context, name, token string) error
	Get(name string) (registry.Info, bool)
	List() []registry.Info
	Version() string
}

// PolicyProvider reports the active policy snapshot
type PolicyProvider interface {
	Get() (*policy.Snapshot, bool)
}

// API implements the rate limit HTTP endpoints
type API struct {
	limiters LimiterService
	policy   PolicyProvider
	logger   log.Logger
}

// NewAPI creates a new rate limit API handler
func NewAPI(limiters LimiterService, policy PolicyProvider, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		limiters: limiters,
		policy:   policy,
		logger:   logger,
	}
}

// RegisterRoutes attaches the rate limit endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httpmw.Scope("limiters"))
		r.Get("/api/v1/limiters", api.HandleListLimiters)
		r.Get("/api/v1/limiters/{name}", api.HandleGetLimiter)
		r.Post("/api/v1/limiters/{name}/check", api.HandleCheck)
		r.Post("/api/v1/limiters/{name}/reset", api.HandleReset)
	})
	r.With(httpmw.Scope("policy")).Get("/api/v1/policy", api.HandlePolicy)
}

type checkRequest struct {
	Token string `json:"token"`

	// Limit overrides the limiter's default when present. Zero is a real
	// limit that denies everything, so absent and zero must differ.
	Limit *int `json:"limit,omitempty"`
}

type checkResponse struct {
	Allowed        bool  `json:"allowed"`
	Limit          int   `json:"limit"`
	Remaining      int   `json:"remaining"`
	ResetAtEpochMs int64 `json:"reset_at_epoch_ms"`
}

type resetRequest struct {
	Token string `json:"token"`
}

type limiterResponse struct {
	Name             string `json:"name"`
	WindowMs         int64  `json:"window_ms"`
	MaxTrackedTokens int    `json:"max_tracked_tokens"`
	DefaultLimit     int    `json:"default_limit"`
	Backend          string `json:"backend"`
}

type limitersResponse struct {
	PolicyVersion string            `json:"policy_version"`
	Limiters      []limiterResponse `json:"limiters"`
}

// PolicyResponse describes the active policy for operators
type PolicyResponse struct {
	Version    string        `json:"version"`
	Hash       string        `json:"hash,omitempty"`
	Source     policy.Source `json:"source"`
	LoadedAt   time.Time     `json:"loaded_at"`
	ServerTime time.Time     `json:"server_time"`
	Limiters   int           `json:"limiters"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleCheck runs one rate limit decision. The response is 200 whether the
// call was allowed or denied, a denial is an answer, not an error.
func (api *API) HandleCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(ctx, w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		api.writeError(ctx, w, http.StatusBadRequest, "token is required")
		return
	}

	limit := registry.UseDefaultLimit
	if req.Limit != nil {
		if *req.Limit < 0 {
			api.writeError(ctx, w, http.StatusBadRequest, "limit must not be negative")
			return
		}
		limit = *req.Limit
	}

	d, err := api.limiters.Check(ctx, name, req.Token, limit)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownLimiter) {
			api.writeError(ctx, w, http.StatusNotFound, "unknown limiter")
			return
		}
		api.logger.Error(ctx, err, "rate limit check failed", "limiter", name)
		api.writeError(ctx, w, http.StatusInternalServerError, "check failed")
		return
	}

	setRateLimitHeaders(w, d)

	api.logger.Debug(ctx, "served rate limit decision",
		"limiter", name,
		"allowed", d.Allowed,
		"remaining", d.Remaining,
	)

	api.writeJSON(ctx, w, http.StatusOK, checkResponse{
		Allowed:        d.Allowed,
		Limit:          d.Limit,
		Remaining:      d.Remaining,
		ResetAtEpochMs: d.ResetAt.UnixMilli(),
	})
}

// HandleReset forgets a token's current window
func (api *API) HandleReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(ctx, w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		api.writeError(ctx, w, http.StatusBadRequest, "token is required")
		return
	}

	if err := api.limiters.Reset(ctx, name, req.Token); err != nil {
		if errors.Is(err, registry.ErrUnknownLimiter) {
			api.writeError(ctx, w, http.StatusNotFound, "unknown limiter")
			return
		}
		api.logger.Error(ctx, err, "rate limit reset failed", "limiter", name)
		api.writeError(ctx, w, http.StatusInternalServerError, "reset failed")
		return
	}

	api.logger.Info(ctx, "rate limit window reset", "limiter", name)
	w.WriteHeader(http.StatusNoContent)
}

// HandleListLimiters serves the configured limiters
func (api *API) HandleListLimiters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	infos := api.limiters.List()
	resp := limitersResponse{
		PolicyVersion: api.limiters.Version(),
		Limiters:      make([]limiterResponse, 0, len(infos)),
	}
	for _, info := range infos {
		resp.Limiters = append(resp.Limiters, limiterFromInfo(info))
	}

	api.writeJSON(ctx, w, http.StatusOK, resp)
}

// HandleGetLimiter serves one limiter's configuration
func (api *API) HandleGetLimiter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	info, ok := api.limiters.Get(name)
	if !ok {
		api.writeError(ctx, w, http.StatusNotFound, "unknown limiter")
		return
	}

	api.writeJSON(ctx, w, http.StatusOK, limiterFromInfo(info))
}

// HandlePolicy serves provenance for the active policy document
func (api *API) HandlePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	snap, ok := api.policy.Get()
	if !ok {
		api.writeError(ctx, w, http.StatusServiceUnavailable, "no policy loaded")
		return
	}

	api.writeJSON(ctx, w, http.StatusOK, PolicyResponse{
		Version:    snap.Doc.Version,
		Hash:       snap.Hash,
		Source:     snap.Source,
		LoadedAt:   snap.LoadedAt.Truncate(time.Second),
		ServerTime: time.Now().UTC().Truncate(time.Second),
		Limiters:   len(snap.Doc.Limiters),
	})
}

// NotFound serves the JSON 404 for paths outside the API surface,
// wired as the router's fallback
func (api *API) NotFound() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.writeError(r.Context(), w, http.StatusNotFound, "not found")
	})
}

// MethodNotAllowed serves the JSON 405 for a known path hit with the wrong method
func (api *API) MethodNotAllowed() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.writeError(r.Context(), w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

func limiterFromInfo(info registry.Info) limiterResponse {
	return limiterResponse{
		Name:             info.Name,
		WindowMs:         info.WindowMs,
		MaxTrackedTokens: info.MaxTrackedTokens,
		DefaultLimit:     info.DefaultLimit,
		Backend:          info.Backend,
	}
}

// setRateLimitHeaders mirrors the decision into the conventional headers.
// X-RateLimit-Reset is unix seconds, the JSON body carries milliseconds.
func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	api.writeJSON(ctx, w, status, errorResponse{Error: msg})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
