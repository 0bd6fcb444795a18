package handlers

import (
	"net/http"

	"github.com/3leaps/stashd/internal/server/middleware"
)

// RunCleaner triggers one sweep immediately and returns its stats.
func (h *Handlers) RunCleaner(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Scheduler.RunNow(r.Context())
	if err != nil {
		middleware.WriteError(w, r, http.StatusInternalServerError, "SWEEP_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) CleanerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Scheduler.Status())
}
