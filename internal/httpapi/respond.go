package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// errorBody is returned for every non-2xx answer.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Path    string `json:"path"`
}

type responder struct {
	logger *slog.Logger
}

func (rs responder) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		rs.logger.Warn("status response not written", "path", r.URL.Path, "error", err)
	}
}

// fail answers with an errorBody. cause, when set, is logged but never sent
// to the client.
func (rs responder) fail(w http.ResponseWriter, r *http.Request, status int, msg string, cause error) {
	if cause != nil {
		rs.logger.Error(msg, "path", r.URL.Path, "error", cause)
	}
	rs.writeJSON(w, r, status, errorBody{
		Error:   http.StatusText(status),
		Message: msg,
		Path:    r.URL.Path,
	})
}
