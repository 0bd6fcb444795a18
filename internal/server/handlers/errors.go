package handlers

import (
	"errors"
	"net/http"

	"github.com/3leaps/stashd/internal/server/middleware"
	"github.com/3leaps/stashd/pkg/cache"
	"github.com/3leaps/stashd/pkg/jobs"
)

// writeDomainError maps package errors onto HTTP status codes and the
// standard envelope. Unrecognized errors become opaque 500s.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		middleware.WriteError(w, r, http.StatusNotFound, "JOB_NOT_FOUND", err.Error())
	case errors.Is(err, jobs.ErrAlreadyFinished):
		middleware.WriteError(w, r, http.StatusConflict, "JOB_ALREADY_FINISHED", err.Error())
	case errors.Is(err, cache.ErrOutsideRoot):
		middleware.WriteError(w, r, http.StatusBadRequest, "PATH_OUTSIDE_ROOT", err.Error())
	case errors.Is(err, cache.ErrNotRegistered):
		middleware.WriteError(w, r, http.StatusNotFound, "DIRECTORY_NOT_REGISTERED", err.Error())
	case errors.Is(err, cache.ErrLocked):
		middleware.WriteError(w, r, http.StatusConflict, "DIRECTORY_LOCKED", err.Error())
	default:
		middleware.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}
