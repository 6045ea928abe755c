// Package dispatch turns radio events into scheduler actions and display
// updates.
package dispatch

import (
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"cloudpico-node/internal/clock"
	"cloudpico-node/internal/display"
	"cloudpico-node/internal/radio"
	"cloudpico-node/internal/utils"
)

// Scheduler is what the dispatcher drives on join and completion.
type Scheduler interface {
	TrySend()
	OnTransmitComplete(ev radio.TxComplete)
	NextSend() (time.Time, bool)
}

type Dispatcher struct {
	scheduler Scheduler
	display   display.Sink
	clock     clock.Clock
	logger    *slog.Logger
}

func New(s Scheduler, sink display.Sink, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.Wall
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		scheduler: s,
		display:   sink,
		clock:     clk,
		logger:    logger.With("component", "dispatch"),
	}
}

// Handle is a radio.EventHandler.
func (d *Dispatcher) Handle(ev radio.Event) {
	switch e := ev.(type) {
	case radio.JoinStarted:
		d.logger.Info("joining")
		d.render(display.MetricB, "joining", display.AlignCenter)

	case radio.Joined:
		s := e.Session
		d.logger.Info("joined",
			"net_id", s.NetID.String(),
			"dev_addr", s.DevAddr.String(),
			"app_skey", utils.DashHex(s.AppSKey[:]),
			"nwk_skey", utils.DashHex(s.NwkSKey[:]),
		)
		d.render(display.MetricB, "joined", display.AlignLeft)
		d.scheduler.TrySend()

	case radio.JoinTxComplete:
		d.logger.Info("no JoinAccept", "attempt", e.Attempt)

	case radio.JoinFailed:
		d.logger.Warn("join failed", "attempts", e.Attempts)

	case radio.RejoinFailed:
		d.logger.Warn("rejoin failed", "attempts", e.Attempts)

	case radio.TxComplete:
		if e.Acked() {
			d.logger.Info("tx complete, received ack")
		} else {
			d.logger.Info("tx complete")
		}
		if len(e.Data) > 0 {
			d.logger.Info("received downlink", "bytes", len(e.Data), "port", e.Port)
		}
		d.scheduler.OnTransmitComplete(e)
		if at, ok := d.scheduler.NextSend(); ok {
			d.logger.Info("next uplink", "at", at.Format(time.TimeOnly), "in", humanize.RelTime(at, d.clock.Now(), "ago", "from now"))
		}

	case radio.RxComplete:
		d.logger.Info("rx complete", "bytes", len(e.Data), "port", e.Port)

	case radio.LinkDead:
		d.logger.Warn("link dead")

	case radio.LinkAlive:
		d.logger.Info("link alive")

	case radio.ScanTimeout, radio.BeaconFound, radio.BeaconMissed, radio.BeaconTracked,
		radio.LostTSync, radio.Reset, radio.TxStart:
		d.logger.Info(ev.Kind().String())

	default:
		d.logger.Warn("unknown event", "code", int(ev.Kind()))
	}
}

func (d *Dispatcher) render(r display.Region, text string, align display.Align) {
	if d.display != nil {
		d.display.Render(r, text, align)
	}
}
