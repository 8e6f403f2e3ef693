package web

import (
	"encoding/json"
	"net/http"

	"github.com/JonMunkholm/erpseed/internal/logging"
)

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// respondError logs the failure with the request id and writes it as JSON.
func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	logger := logging.FromContext(r.Context())
	logger.Warn("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"code", code,
		"error", message,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:     message,
		Code:      code,
		RequestID: requestID(r),
	})
}
