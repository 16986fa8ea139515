package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hytaleauth/authd/internal/apperrors"
	"github.com/hytaleauth/authd/internal/logging"
)

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps err to the HTTP status spec §7 assigns its ErrorType and
// writes the {error: ...} envelope. Unrecognized errors are logged and
// surfaced as a generic 500 — the shell never leaks internal detail.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		logging.Errorw("unhandled error in HTTP handler", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch appErr.Type {
	case apperrors.MalformedToken, apperrors.MissingClaim:
		status = http.StatusBadRequest
	case apperrors.UnknownKey, apperrors.SignatureInvalid, apperrors.Upstream:
		status = http.StatusUnauthorized
	case apperrors.PersistenceFatal:
		status = http.StatusServiceUnavailable
	case apperrors.Persistence:
		// Persistence failures are logged, never surfaced to a caller; a
		// handler that reaches here with one has a bug, not a user error.
		logging.Errorw("persistence error reached HTTP layer", "error", appErr)
		status = http.StatusInternalServerError
	}

	logging.Debugf("request failed: %v", appErr)
	writeJSON(w, status, errorBody{Error: string(appErr.Type)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Errorw("encode response body", "error", err)
	}
}
