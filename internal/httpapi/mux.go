// Package httpapi serves a read-only view of the node: health, current
// status and the recent uplink history.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"cloudpico-node/internal/battery"
	"cloudpico-node/internal/clock"
	"cloudpico-node/internal/display"
	"cloudpico-node/internal/journal"
	"cloudpico-node/internal/radio"
	"cloudpico-node/internal/scheduler"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type RadioState interface {
	SessionKeys() (radio.Session, bool)
	Counters() radio.Counters
}

type SchedulerState interface {
	State() scheduler.State
}

type BatteryState interface {
	Latest() (battery.Sample, error)
}

type History interface {
	Recent(limit int) ([]journal.Entry, error)
}

// Deps are the state sources behind the endpoints. Any of them may be nil.
type Deps struct {
	Journal   Pinger
	History   History
	Radio     RadioState
	Scheduler SchedulerState
	Battery   BatteryState
	Panel     *display.Panel
	Clock     clock.Clock
	Started   time.Time
	Logger    *slog.Logger
}

func NewMux(deps Deps) *http.ServeMux {
	if deps.Clock == nil {
		deps.Clock = clock.Wall
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("component", "httpapi")
	mux := http.NewServeMux()
	registerHealthcheck(mux, deps.Journal, responder{logger: deps.Logger})
	registerStatus(mux, deps)
	return mux
}

func NewServer(addr string, mux *http.ServeMux, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &http.Server{
		Addr:              addr,
		Handler:           requestLogger(logger.With("component", "httpapi"), mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
