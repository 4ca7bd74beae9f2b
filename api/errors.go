package api

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/warp/circulation-engine/circulation"
)

const (
	reasonInvalidBody = "invalid_body"
	reasonRateLimited = "rate_limited"
	reasonInternal    = "internal_error"
)

// reasonStatus overrides the kind-based status for specific reasons on one
// route.
type reasonStatus map[circulation.Reason]int

// A reserve or renewal that does not apply to the record's current state is
// a bad request on these routes.
var (
	reserveStatuses = reasonStatus{
		circulation.ReasonBookAvailable:   http.StatusBadRequest,
		circulation.ReasonAlreadyReserved: http.StatusBadRequest,
		circulation.ReasonAlreadyBorrowed: http.StatusBadRequest,
	}
	renewalRequestStatuses = reasonStatus{
		circulation.ReasonBorrowalNotActive:     http.StatusBadRequest,
		circulation.ReasonPendingReservations:   http.StatusBadRequest,
		circulation.ReasonDuplicatePendingRenew: http.StatusBadRequest,
	}
	renewalProcessStatuses = reasonStatus{
		circulation.ReasonRenewalProcessed: http.StatusBadRequest,
	}
)

// statusFor maps engine error kinds to HTTP statuses.
func statusFor(err error, overrides reasonStatus) int {
	if status, ok := overrides[circulation.ReasonOf(err)]; ok {
		return status
	}
	switch {
	case circulation.IsValidation(err):
		return http.StatusBadRequest
	case circulation.IsNotFound(err):
		return http.StatusNotFound
	case circulation.IsConflict(err):
		return http.StatusConflict
	case circulation.IsUnauthorized(err):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, message, reason string) {
	writeJSON(w, status, Envelope{Success: false, Error: message, Reason: reason})
}

// writeEngineError writes err using its kind and reason. Internal failures
// are logged and reported without detail.
func writeEngineError(w http.ResponseWriter, log zerolog.Logger, err error) {
	writeRouteError(w, log, err, nil)
}

func writeRouteError(w http.ResponseWriter, log zerolog.Logger, err error, overrides reasonStatus) {
	status := statusFor(err, overrides)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		writeError(w, status, "Internal server error", reasonInternal)
		return
	}
	writeError(w, status, err.Error(), string(circulation.ReasonOf(err)))
}
