package server

import (
	"encoding/json"
	"net/http"

	perrors "github.com/jmgilman/go/errors"
)

// statusForCode maps error codes to HTTP statuses.
var statusForCode = map[perrors.ErrorCode]int{
	perrors.CodeForbidden:      http.StatusForbidden,
	perrors.CodeUnauthorized:   http.StatusUnauthorized,
	perrors.CodeInvalidInput:   http.StatusBadRequest,
	perrors.CodeNotFound:       http.StatusNotFound,
	perrors.CodeConflict:       http.StatusConflict,
	perrors.CodeNetwork:        http.StatusBadGateway,
	perrors.CodeTimeout:        http.StatusGatewayTimeout,
	perrors.CodeRateLimit:      http.StatusTooManyRequests,
	perrors.CodeUnavailable:    http.StatusServiceUnavailable,
	perrors.CodeNotImplemented: http.StatusNotImplemented,
}

// writeError writes err as a JSON error response. Errors without a code
// are reported as 500s.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := perrors.ToJSON(err)
	status, ok := statusForCode[perrors.ErrorCode(resp.Code)]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, resp)
}

func badRequest(msg string) error {
	return perrors.New(perrors.CodeInvalidInput, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
