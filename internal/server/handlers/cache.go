package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/3leaps/stashd/internal/server/middleware"
)

type pathRequest struct {
	Path string `json:"path"`
}

func decodePath(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body")
		return "", false
	}
	if strings.TrimSpace(req.Path) == "" {
		middleware.WriteError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "path is required")
		return "", false
	}
	return req.Path, true
}

// RegisterDirectory measures and tracks (or re-tracks) a directory.
func (h *Handlers) RegisterDirectory(w http.ResponseWriter, r *http.Request) {
	path, ok := decodePath(w, r)
	if !ok {
		return
	}
	entry, err := h.Cache.Register(r.Context(), path)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// TouchDirectory refreshes a tracked directory's TTL and LRU rank.
func (h *Handlers) TouchDirectory(w http.ResponseWriter, r *http.Request) {
	path, ok := decodePath(w, r)
	if !ok {
		return
	}
	if err := h.Cache.Touch(r.Context(), path); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListCache returns tracked directories, newest first. ?limit=N caps the
// response.
func (h *Handlers) ListCache(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			middleware.WriteError(w, r, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := h.Cache.List(r.Context(), limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"directories": entries})
}

func (h *Handlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Cache.Stats(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// DirectoryInfo reports one tracked directory, addressed by ?path=.
func (h *Handlers) DirectoryInfo(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		middleware.WriteError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "path query parameter is required")
		return
	}
	entry, err := h.Cache.DirectoryInfo(r.Context(), path)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// RemoveDirectory untracks a cached directory, addressed by ?path=.
// ?delete_files=true removes its contents from disk as well. 409 when the
// directory lock is held.
func (h *Handlers) RemoveDirectory(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		middleware.WriteError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "path query parameter is required")
		return
	}
	deleteFiles := false
	if v := r.URL.Query().Get("delete_files"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			middleware.WriteError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "delete_files must be a boolean")
			return
		}
		deleteFiles = b
	}
	if err := h.Cache.RemoveDirectory(r.Context(), path, deleteFiles); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
