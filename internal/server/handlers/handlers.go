// Package handlers implements the HTTP API: job control, cache bookkeeping,
// and cleaner control.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/3leaps/stashd/pkg/cache"
	"github.com/3leaps/stashd/pkg/cleaner"
	"github.com/3leaps/stashd/pkg/jobs"
	"github.com/3leaps/stashd/pkg/sharedstore"
)

// Handlers carries the wired components every endpoint needs.
type Handlers struct {
	Launcher  *jobs.Launcher
	Registry  *jobs.Registry
	Cache     *cache.Manager
	Scheduler *cleaner.Scheduler
	Store     sharedstore.Store
	Version   string
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
