package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/stashd/internal/server/middleware"
	"github.com/3leaps/stashd/pkg/jobs"
)

// StartJob launches a worker, or returns the running job for an identical
// request. 202 for a fresh job, 200 when coalesced.
func (h *Handlers) StartJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	res, err := h.Launcher.Start(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if res.Reused {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := h.Registry.List(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": list})
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	s, err := h.Registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// JobLogs returns the job's retained output as plain text. ?tail=N limits
// the response to the newest N lines.
func (h *Handlers) JobLogs(w http.ResponseWriter, r *http.Request) {
	tail := 0
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			middleware.WriteError(w, r, http.StatusBadRequest, "INVALID_TAIL", "tail must be a non-negative integer")
			return
		}
		tail = n
	}

	logs, err := h.Registry.Logs(r.Context(), chi.URLParam(r, "id"), tail)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(logs))
}

// JobProgress returns only the job's latest progress snapshot.
func (h *Handlers) JobProgress(w http.ResponseWriter, r *http.Request) {
	s, err := h.Registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Progress)
}

func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JobEvents streams the job's event feed as server-sent events until the
// job reaches a terminal state or the client goes away.
func (h *Handlers) JobEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		middleware.WriteError(w, r, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "response writer does not support streaming")
		return
	}

	ch, cancel, err := h.Registry.Subscribe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
