// Package server exposes pending challenges, credential submission and resource loads over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chansync/bypass"
	"chansync/internal"
)

// Loader serves resource loads
type Loader interface {
	LoadResource(ctx context.Context, key internal.ResourceKey, policy internal.CacheUpdatePolicy, opts internal.LoadOptions) internal.LoadResult
}

// Handler holds the collaborators of the admin API
type Handler struct {
	Loader        Loader
	Bypass        *bypass.Manager
	Credentials   internal.CredentialStore
	DefaultPolicy internal.CacheUpdatePolicy
}

// NewRouter constructs the admin HTTP router
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/challenges", h.listChallenges)
	r.Route("/credentials/{host}", func(r chi.Router) {
		r.Put("/", h.putCredential)
		r.Delete("/", h.deleteCredential)
	})
	r.Route("/resources/{site}/{board}", func(r chi.Router) {
		r.Get("/", h.getCatalog)
		r.Get("/thread/{no}", h.getThread)
	})
	return r
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	body.Error.RequestID = middleware.GetReqID(r.Context())
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) listChallenges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"challenges": h.Bypass.Pending()})
}

type credentialRequest struct {
	Value string `json:"value"`
}

func (h *Handler) putCredential(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")

	var req credentialRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "expected {\"value\": \"...\"}")
		return
	}
	if err := h.Bypass.Resolve(r.Context(), host, req.Value); err != nil {
		var validationErr *internal.ValidationError
		if errors.As(err, &validationErr) {
			writeError(w, r, http.StatusBadRequest, "INVALID_CREDENTIAL", validationErr.Message)
			return
		}
		internal.LogError("Failed to store credential for %s: %v", host, err)
		writeError(w, r, http.StatusInternalServerError, "STORE_FAILED", "failed to store credential")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteCredential(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	if err := h.Credentials.Clear(r.Context(), host); err != nil {
		internal.LogError("Failed to clear credential for %s: %v", host, err)
		writeError(w, r, http.StatusInternalServerError, "STORE_FAILED", "failed to clear credential")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getCatalog(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	board := chi.URLParam(r, "board")

	key := internal.CatalogKey(site, board)
	if strings.Contains(board, "+") {
		key = internal.CompositeCatalogKey(site, strings.Split(board, "+")...)
	}
	h.load(w, r, key)
}

func (h *Handler) getThread(w http.ResponseWriter, r *http.Request) {
	no, err := strconv.ParseInt(chi.URLParam(r, "no"), 10, 64)
	if err != nil || no <= 0 {
		writeError(w, r, http.StatusBadRequest, "INVALID_THREAD", "thread number must be a positive integer")
		return
	}
	h.load(w, r, internal.ThreadKey(chi.URLParam(r, "site"), chi.URLParam(r, "board"), no))
}

type resourceResponse struct {
	Key      string             `json:"key"`
	Decision string             `json:"decision"`
	Stale    bool               `json:"stale"`
	Warning  string             `json:"warning,omitempty"`
	Snapshot *internal.Snapshot `json:"snapshot"`
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request, key internal.ResourceKey) {
	policy := h.DefaultPolicy
	if p := r.URL.Query().Get("policy"); p != "" {
		parsed, err := internal.ParseCacheUpdatePolicy(p)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_POLICY", err.Error())
			return
		}
		policy = parsed
	}

	opts, err := parseLoadOptions(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_OPTIONS", err.Error())
		return
	}

	result := h.Loader.LoadResource(r.Context(), key, policy, opts)
	if !result.IsLoaded() {
		status, code := statusFor(result.Err)
		writeError(w, r, status, code, result.Err.Error())
		return
	}

	resp := resourceResponse{
		Key:      key.String(),
		Decision: result.Decision.String(),
		Stale:    result.Snapshot.Stale,
		Snapshot: result.Snapshot,
	}
	if result.Err != nil {
		resp.Warning = result.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseLoadOptions reads clear=true or reparse=all|<no>,<no>
func parseLoadOptions(r *http.Request) (internal.LoadOptions, error) {
	q := r.URL.Query()
	if q.Get("clear") == "true" {
		return internal.ClearMemoryCache(), nil
	}
	reparse := q.Get("reparse")
	if reparse == "" {
		return internal.RetainAll(), nil
	}
	if reparse == "all" {
		return internal.ForceUpdatePosts(), nil
	}
	var nos []int64
	for _, part := range strings.Split(reparse, ",") {
		no, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || no <= 0 {
			return internal.LoadOptions{}, internal.NewValidationErrorWithValue("reparse", "expected all or post numbers", reparse)
		}
		nos = append(nos, no)
	}
	return internal.ForceUpdatePosts(nos...), nil
}

// statusFor maps a failed load onto an HTTP status and error code
func statusFor(err error) (int, string) {
	var validationErr *internal.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest, "INVALID_KEY"
	}

	switch internal.ErrorTypeOf(err) {
	case internal.ErrConfiguration:
		return http.StatusNotFound, "UNKNOWN_SITE"
	case internal.ErrNotFoundOnServer:
		return http.StatusNotFound, "NOT_FOUND"
	case internal.ErrChallengeRequired:
		return http.StatusServiceUnavailable, "CHALLENGE_REQUIRED"
	case internal.ErrAlreadyActive:
		return http.StatusConflict, "ALREADY_ACTIVE"
	case internal.ErrCancelled:
		return http.StatusGatewayTimeout, "CANCELLED"
	case internal.ErrStore:
		return http.StatusInternalServerError, "STORE_FAILED"
	default:
		return http.StatusBadGateway, "UPSTREAM_FAILED"
	}
}
