package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brocaar/lorawan"

	"cloudpico-node/internal/battery"
	"cloudpico-node/internal/clock"
	"cloudpico-node/internal/display"
	"cloudpico-node/internal/journal"
	"cloudpico-node/internal/radio"
	"cloudpico-node/internal/scheduler"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type radioState struct {
	session *radio.Session
}

func (r radioState) SessionKeys() (radio.Session, bool) {
	if r.session == nil {
		return radio.Session{}, false
	}
	return *r.session, true
}

func (r radioState) Counters() radio.Counters { return radio.Counters{FCntUp: 4, Uplinks: 4} }

type schedState struct{ st scheduler.State }

func (s schedState) State() scheduler.State { return s.st }

type batteryState struct{}

func (batteryState) Latest() (battery.Sample, error) {
	return battery.Sample{Voltage: 3.7, Raw: 2100}, nil
}

type history struct {
	entries []journal.Entry
	err     error
	limit   int
}

func (h *history) Recent(limit int) ([]journal.Entry, error) {
	h.limit = limit
	return h.entries, h.err
}

func do(t *testing.T, mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name   string
		deps   Deps
		status int
	}{
		{"no journal", Deps{}, http.StatusOK},
		{"journal ok", Deps{Journal: pinger{}}, http.StatusOK},
		{"journal down", Deps{Journal: pinger{err: errors.New("closed")}}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, NewMux(tt.deps), "/healthz")
			if rec.Code != tt.status {
				t.Errorf("status: got %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	next := now.Add(45 * time.Second)
	panel := display.NewPanel()
	panel.Render(display.Counter, "4", display.AlignRight)

	mux := NewMux(Deps{
		Radio: radioState{session: &radio.Session{
			DevAddr:    lorawan.DevAddr{0x26, 0x01, 0x1B, 0xDA},
			NetID:      radio.DefaultNetID,
			Activation: radio.ActivationABP,
		}},
		Scheduler: schedState{st: scheduler.State{Sequence: 4, NextSend: &next}},
		Battery:   batteryState{},
		Panel:     panel,
		Clock:     clock.NewFake(now),
		Started:   now.Add(-time.Hour),
	})

	rec := do(t, mux, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	session, ok := body["session"].(map[string]any)
	if !ok || session["dev_addr"] != "26011bda" || session["activation"] != "abp" {
		t.Errorf("session: %v", body["session"])
	}
	if body["next_send_in"] != "45 seconds from now" {
		t.Errorf("next_send_in: %v", body["next_send_in"])
	}
	if body["started"] != "1 hour ago" {
		t.Errorf("started: %v", body["started"])
	}
	disp, _ := body["display"].(map[string]any)
	if cell, _ := disp["counter"].(map[string]any); cell["text"] != "4" {
		t.Errorf("display: %v", body["display"])
	}
	if bat, _ := body["battery"].(map[string]any); bat["voltage"] != 3.7 {
		t.Errorf("battery: %v", body["battery"])
	}
}

func TestStatus_NoSession(t *testing.T) {
	rec := do(t, NewMux(Deps{Radio: radioState{}}), "/status")
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["session"]; ok {
		t.Errorf("unexpected session: %v", body["session"])
	}
	if _, ok := body["counters"]; !ok {
		t.Error("counters missing")
	}
}

func TestUplinks(t *testing.T) {
	h := &history{entries: []journal.Entry{{Sequence: 2, Port: 1, Payload: "856FF6F897FE007C"}}}
	mux := NewMux(Deps{History: h})

	rec := do(t, mux, "/uplinks")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if h.limit != defaultHistory {
		t.Errorf("limit: got %d, want %d", h.limit, defaultHistory)
	}
	var entries []journal.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Sequence != 2 {
		t.Errorf("entries: %+v", entries)
	}

	do(t, mux, "/uplinks?limit=100000")
	if h.limit != maxHistory {
		t.Errorf("limit: got %d, want %d", h.limit, maxHistory)
	}

	if rec := do(t, mux, "/uplinks?limit=abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: got %d", rec.Code)
	}

	h.err = errors.New("disk full")
	if rec := do(t, mux, "/uplinks"); rec.Code != http.StatusInternalServerError {
		t.Errorf("history error: got %d", rec.Code)
	}
}

func TestUplinks_NoHistory(t *testing.T) {
	rec := do(t, NewMux(Deps{}), "/uplinks")
	if rec.Body.String() != "[]\n" {
		t.Errorf("body: %q", rec.Body.String())
	}
}

func TestRequestLogger_RecordsStatus(t *testing.T) {
	srv := NewServer(":0", NewMux(Deps{}), slog.New(slog.NewTextHandler(io.Discard, nil)))
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status: got %d", rec.Code)
	}
}

type captureHandler struct {
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.records = append(h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func attrOf(r slog.Record, key string) (slog.Value, bool) {
	var v slog.Value
	found := false
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == key {
			v, found = a.Value, true
			return false
		}
		return true
	})
	return v, found
}

func TestErrorBody(t *testing.T) {
	h := &captureHandler{}
	mux := NewMux(Deps{
		Journal: pinger{err: errors.New("database is locked")},
		Logger:  slog.New(h),
	})
	rec := do(t, mux, "/healthz")

	if got := rec.Header().Get("Content-Type"); got != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", got)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body.Error != http.StatusText(http.StatusServiceUnavailable) {
		t.Errorf("error = %q", body.Error)
	}
	if body.Message != "failed to check journal connectivity" || body.Path != "/healthz" {
		t.Errorf("body = %+v", body)
	}

	if len(h.records) != 1 {
		t.Fatalf("records: got %d, want 1", len(h.records))
	}
	if h.records[0].Level != slog.LevelError {
		t.Errorf("level = %v", h.records[0].Level)
	}
	if v, ok := attrOf(h.records[0], "error"); !ok || v.String() != "database is locked" {
		t.Errorf("error attr = %v", v)
	}
}

func TestUplinks_InvalidLimitIsNotLogged(t *testing.T) {
	h := &captureHandler{}
	rec := do(t, NewMux(Deps{History: &history{}, Logger: slog.New(h)}), "/uplinks?limit=-3")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: got %d", rec.Code)
	}
	if len(h.records) != 0 {
		t.Errorf("client errors should not be logged, got %d records", len(h.records))
	}
}

func TestRequestLogger_Levels(t *testing.T) {
	tests := []struct {
		name   string
		deps   Deps
		path   string
		status int
		level  slog.Level
	}{
		{"ok", Deps{}, "/healthz", http.StatusOK, slog.LevelDebug},
		{"not found", Deps{}, "/missing", http.StatusNotFound, slog.LevelDebug},
		{"journal down", Deps{Journal: pinger{err: errors.New("closed")}, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, "/healthz", http.StatusServiceUnavailable, slog.LevelWarn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &captureHandler{}
			srv := NewServer(":0", NewMux(tt.deps), slog.New(h))
			rec := httptest.NewRecorder()
			srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if len(h.records) != 1 {
				t.Fatalf("records: got %d, want 1", len(h.records))
			}
			r := h.records[0]
			if r.Level != tt.level {
				t.Errorf("level: got %v, want %v", r.Level, tt.level)
			}
			if v, _ := attrOf(r, "status"); v.Int64() != int64(tt.status) {
				t.Errorf("status attr: got %v, want %d", v, tt.status)
			}
			if v, _ := attrOf(r, "bytes"); v.Int64() != int64(rec.Body.Len()) {
				t.Errorf("bytes attr: got %v, want %d", v, rec.Body.Len())
			}
		})
	}
}
