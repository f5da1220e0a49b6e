package server

import (
	"encoding/json"
	"errors"
	"laminar/internal/persistence"
	"laminar/internal/pricing"
	"laminar/internal/query"
	"laminar/internal/service"
	"laminar/internal/state"
	"net/http"
)

// errorBody is the JSON error response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HTTPStatus maps an error to a response status: 409 for paused or
// conflicting state, 422 for domain rejections, 400 for malformed input,
// 401/403 for auth and 500 for fatal or unknown failures.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden), errors.Is(err, state.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, state.ErrPaused),
		errors.Is(err, persistence.ErrVersionConflict),
		errors.Is(err, persistence.ErrAlreadyInitialized),
		errors.Is(err, service.ErrDuplicate),
		errors.Is(err, state.ErrNotInitialized):
		return http.StatusConflict
	case errors.Is(err, state.ErrInvalidParameter), errors.Is(err, state.ErrInvalidCallContext):
		return http.StatusBadRequest
	case errors.Is(err, pricing.ErrNoQuote), errors.Is(err, query.ErrUnavailable):
		return http.StatusServiceUnavailable
	case state.IsFatal(err):
		return http.StatusInternalServerError
	case state.Kind(err) != "internal":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, service.ErrDuplicate):
		return "duplicate"
	case errors.Is(err, persistence.ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, persistence.ErrAlreadyInitialized):
		return "already_initialized"
	case errors.Is(err, pricing.ErrNoQuote), errors.Is(err, query.ErrUnavailable):
		return "unavailable"
	}
	return state.Kind(err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError && !state.IsFatal(err) {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Code: errorCode(err), Message: msg})
}
