package handlers

import "net/http"

type healthResponse struct {
	Status         string `json:"status"`
	StoreAvailable bool   `json:"store_available"`
}

// Health reports liveness. A degraded shared store is surfaced but does not
// fail the check; the service still works on the in-process fallback.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		StoreAvailable: h.Store.Available(),
	})
}

func (h *Handlers) GetVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.Version})
}
