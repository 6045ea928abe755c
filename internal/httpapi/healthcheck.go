package httpapi

import (
	"context"
	"net/http"
	"time"
)

type healthchecker struct {
	journal Pinger
	responder
}

func (h *healthchecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.journal != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.journal.Ping(ctx); err != nil {
			h.fail(w, r, http.StatusServiceUnavailable, "failed to check journal connectivity", err)
			return
		}
	}
	h.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func registerHealthcheck(mux *http.ServeMux, journal Pinger, rs responder) {
	h := &healthchecker{journal: journal, responder: rs}
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}
