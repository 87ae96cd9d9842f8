package server

import (
	"encoding/json"
	"net/http"

	"github.com/wolfeidau/selectify"
)

// errorBody is the JSON body of every error response. Message is fixed text
// for the code and never carries the underlying error.
type errorBody struct {
	Code    selectify.Code `json:"code"`
	Message string         `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError maps err to a status and a client-safe body, logging the cause.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := selectify.CodeOf(err)
	status := selectify.HTTPStatus(code)

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	}

	writeJSON(w, status, errorBody{Code: code, Message: selectify.ClientMessage(err)})
}
