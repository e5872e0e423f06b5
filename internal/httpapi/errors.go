package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ereezyy/synai-sync/internal/scheduler"
	"github.com/ereezyy/synai-sync/internal/syncop"
	"github.com/rs/zerolog/log"
)

// storageRetryAfter is advertised on 503 responses caused by store faults
const storageRetryAfter = 5

// errorResponse is the body of every non-2xx response
type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
	DeviceID      string `json:"device_id,omitempty"`
}

// writeError writes a JSON error carrying the request's correlation and device IDs
func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorResponse{
		Error:         msg,
		CorrelationID: GetCorrelationID(r.Context()),
		DeviceID:      GetDeviceID(r.Context()),
	})
}

// writeServiceError maps queue and scheduler errors onto HTTP statuses
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var te *syncop.TransitionError
	switch {
	case errors.Is(err, syncop.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, syncop.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, syncop.ErrNotTerminal), errors.As(err, &te):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrRunInProgress):
		writeError(w, r, http.StatusConflict, err.Error())
	case syncop.IsStorageFault(err):
		log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("storage fault")
		w.Header().Set("Retry-After", strconv.Itoa(storageRetryAfter))
		writeError(w, r, http.StatusServiceUnavailable, "operation store unavailable")
	default:
		log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
