package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"cloudpico-node/internal/battery"
	"cloudpico-node/internal/display"
	"cloudpico-node/internal/journal"
	"cloudpico-node/internal/radio"
	"cloudpico-node/internal/scheduler"
)

const (
	defaultHistory = 20
	maxHistory     = 500
)

type sessionView struct {
	Activation radio.Activation `json:"activation"`
	NetID      string           `json:"net_id"`
	DevAddr    string           `json:"dev_addr"`
}

type statusView struct {
	Started    string                  `json:"started"`
	Display    map[string]display.Cell `json:"display,omitempty"`
	Battery    *battery.Sample         `json:"battery,omitempty"`
	Scheduler  *scheduler.State        `json:"scheduler,omitempty"`
	NextSendIn string                  `json:"next_send_in,omitempty"`
	Session    *sessionView            `json:"session,omitempty"`
	Counters   *radio.Counters         `json:"counters,omitempty"`
}

type statusHandler struct {
	deps Deps
	responder
}

func (h *statusHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := h.deps.Clock.Now()
	out := statusView{
		Started: humanize.RelTime(h.deps.Started, now, "ago", "from now"),
	}

	if h.deps.Panel != nil {
		out.Display = h.deps.Panel.Snapshot()
	}
	if h.deps.Battery != nil {
		if s, err := h.deps.Battery.Latest(); err == nil {
			out.Battery = &s
		}
	}
	if h.deps.Scheduler != nil {
		st := h.deps.Scheduler.State()
		out.Scheduler = &st
		if st.NextSend != nil {
			out.NextSendIn = humanize.RelTime(*st.NextSend, now, "ago", "from now")
		}
	}
	if h.deps.Radio != nil {
		if s, ok := h.deps.Radio.SessionKeys(); ok {
			out.Session = &sessionView{
				Activation: s.Activation,
				NetID:      s.NetID.String(),
				DevAddr:    s.DevAddr.String(),
			}
		}
		c := h.deps.Radio.Counters()
		out.Counters = &c
	}

	h.writeJSON(w, r, http.StatusOK, out)
}

func (h *statusHandler) handleUplinks(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		h.writeJSON(w, r, http.StatusOK, []journal.Entry{})
		return
	}

	limit := defaultHistory
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.fail(w, r, http.StatusBadRequest, "invalid limit", nil)
			return
		}
		limit = min(n, maxHistory)
	}

	entries, err := h.deps.History.Recent(limit)
	if err != nil {
		h.fail(w, r, http.StatusInternalServerError, "failed to read uplink history", err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	h.writeJSON(w, r, http.StatusOK, entries)
}

func registerStatus(mux *http.ServeMux, deps Deps) {
	if deps.Started.IsZero() {
		deps.Started = time.Now()
	}
	h := &statusHandler{deps: deps, responder: responder{logger: deps.Logger}}
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("GET /uplinks", h.handleUplinks)
}
