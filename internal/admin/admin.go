// Package admin serves the read-mostly operator endpoints: recent violations
// and counter inspection.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/quotagate/internal/ratelimit"
	"github.com/AlexKimmel/quotagate/internal/violation"
)

const TokenHeader = "X-Admin-Token"

type Handler struct {
	violations *violation.Log
	store      ratelimit.Store
	token      string
	now        func() time.Time
	mux        *http.ServeMux
}

// New returns the admin handler. Paths are relative; mount it with
// http.StripPrefix. Without a token the handler is read-only: the DELETE
// routes that clear violations and reset counters are not registered.
func New(violations *violation.Log, store ratelimit.Store, token string) *Handler {
	h := &Handler{
		violations: violations,
		store:      store,
		token:      token,
		now:        time.Now,
		mux:        http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /violations", h.listViolations)
	h.mux.HandleFunc("GET /counters", h.peekCounter)
	if token != "" {
		h.mux.HandleFunc("DELETE /violations", h.clearViolations)
		h.mux.HandleFunc("DELETE /counters", h.resetCounter)
	}
	return h
}

// ReadOnly reports whether the mutating routes are disabled.
func (h *Handler) ReadOnly() bool { return h.token == "" }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token != "" {
		got := r.Header.Get(TokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid "+TokenHeader)
			return
		}
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) listViolations(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	recs := h.violations.Recent(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"capacity":   h.violations.Cap(),
		"count":      len(recs),
		"violations": recs,
	})
}

func (h *Handler) clearViolations(w http.ResponseWriter, r *http.Request) {
	h.violations.Clear()
	hlog.FromRequest(r).Info().Msg("violation log cleared")
	w.WriteHeader(http.StatusNoContent)
}

type counterView struct {
	Key         string    `json:"key"`
	Count       int64     `json:"count"`
	WindowStart time.Time `json:"windowStart"`
	ResetAt     time.Time `json:"resetAt"`
}

func (h *Handler) peekCounter(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing_key", "key is required")
		return
	}
	c, ok, err := h.store.Peek(r.Context(), key, h.now())
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("key", key).Msg("peek failed")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "counter store unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no live counter for key")
		return
	}
	writeJSON(w, http.StatusOK, counterView{
		Key:         key,
		Count:       c.Count,
		WindowStart: c.WindowStart.UTC(),
		ResetAt:     c.ResetAt.UTC(),
	})
}

func (h *Handler) resetCounter(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing_key", "key is required")
		return
	}
	if err := h.store.Reset(r.Context(), key); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("key", key).Msg("reset failed")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "counter store unavailable")
		return
	}
	hlog.FromRequest(r).Info().Str("key", key).Msg("counter reset")
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]string{"code": errCode, "message": msg},
	})
}
