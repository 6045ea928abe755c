// Package radio defines the boundary between the telemetry agent and the
// LoRaWAN stack: the service the agent drives, the events it reacts to and
// the transports that carry PHY frames.
package radio

import (
	"context"
	"errors"
	"time"

	"github.com/brocaar/lorawan"

	"cloudpico-node/internal/jobs"
)

var (
	ErrNoSession        = errors.New("no active session")
	ErrTxPending        = errors.New("transmission pending")
	ErrPayloadTooLarge  = errors.New("payload too large for data rate")
	ErrNoCredentials    = errors.New("no join credentials configured")
	ErrInvalidPort      = errors.New("invalid application port")
	ErrTransportStopped = errors.New("transport stopped")
)

type EventHandler func(Event)

// Timer arms one-shot callbacks on the stack's job queue.
type Timer interface {
	Schedule(job *jobs.Job, at time.Time, fn func())
}

// Service is the radio stack as seen by the agent. All callbacks and events
// are delivered from RunOnce on the caller's goroutine.
type Service interface {
	Timer

	StartJoin() error
	Reset()
	ConfigureFixedSession(netID lorawan.NetID, devAddr lorawan.DevAddr, nwkSKey, appSKey lorawan.AES128Key)
	QueueUplink(port uint8, payload []byte, confirmed bool) error
	RunOnce(ctx context.Context) error
	OnEvent(h EventHandler)
	SessionKeys() (Session, bool)
	Counters() Counters
}

// Transmission is a single PHY frame handed to a transport.
type Transmission struct {
	PHYPayload      []byte
	Frequency       uint32
	DataRate        int
	SpreadingFactor int
	Bandwidth       int
	TxPower         int
	At              time.Time
}

// Transport moves raw PHY payloads to and from the air (or whatever stands
// in for it).
type Transport interface {
	Send(ctx context.Context, tx Transmission) error
	// Downlinks delivers received PHY payloads. The channel is never closed
	// while the transport is open.
	Downlinks() <-chan []byte
	Close() error
}
