// Package scheduler decides when the next telemetry uplink is built and
// handed to the radio. At most one uplink is outstanding; a new one is
// armed one interval after the radio reports the previous one complete.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloudpico-node/internal/battery"
	"cloudpico-node/internal/clock"
	"cloudpico-node/internal/display"
	"cloudpico-node/internal/jobs"
	"cloudpico-node/internal/journal"
	"cloudpico-node/internal/payload"
	"cloudpico-node/internal/radio"
	"cloudpico-node/internal/sensor"
)

const DefaultInterval = 60 * time.Second

// Radio is the part of radio.Service the scheduler drives.
type Radio interface {
	radio.Timer
	QueueUplink(port uint8, payload []byte, confirmed bool) error
}

type BatteryReader interface {
	Latest() (battery.Sample, error)
}

// Recorder persists the uplink history.
type Recorder interface {
	RecordUplink(u journal.Uplink) error
	RecordCompletion(c journal.Completion) error
}

// UplinkJob is the frame currently handed to the radio.
type UplinkJob struct {
	Payload   []byte    `json:"payload"`
	Port      uint8     `json:"port"`
	Confirmed bool      `json:"confirmed"`
	Sequence  uint16    `json:"sequence"`
	QueuedAt  time.Time `json:"queued_at"`
}

type Options struct {
	Port      uint8
	Confirmed bool
	Interval  time.Duration
	// InitialSequence is the counter value before the first uplink, so a
	// restarted node continues where it stopped.
	InitialSequence uint16
}

type Deps struct {
	Radio    Radio
	Clock    clock.Clock
	Sensors  sensor.Source
	Battery  BatteryReader
	Display  display.Sink
	Recorder Recorder
	Logger   *slog.Logger
}

// State is a point-in-time view for the status endpoint.
type State struct {
	Busy     bool       `json:"busy"`
	Sequence uint16     `json:"sequence"`
	NextSend *time.Time `json:"next_send,omitempty"`
	Current  *UplinkJob `json:"current,omitempty"`
}

type Scheduler struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	busy     bool
	sequence uint16
	current  *UplinkJob
	rearm    jobs.Job
}

func New(deps Deps, opts Options) (*Scheduler, error) {
	if deps.Radio == nil {
		return nil, errors.New("scheduler: nil radio")
	}
	if deps.Sensors == nil {
		deps.Sensors = sensor.NewPlaceholder()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Wall
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.Port == 0 {
		opts.Port = payload.Port
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Scheduler{
		deps:     deps,
		opts:     opts,
		logger:   deps.Logger.With("component", "scheduler"),
		sequence: opts.InitialSequence,
	}, nil
}

// TrySend builds and queues the next uplink unless one is outstanding.
func (s *Scheduler) TrySend() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		s.logger.Info("transmission pending, skip")
		return
	}

	now := s.deps.Clock.Now()
	frame, err := s.sample()
	if err != nil {
		s.logger.Error("sampling failed", "error", err)
		s.armLocked(now)
		return
	}

	if err := s.deps.Radio.QueueUplink(s.opts.Port, frame[:], s.opts.Confirmed); err != nil {
		s.logger.Warn("uplink not queued", "error", err)
		s.armLocked(now)
		return
	}

	s.busy = true
	s.sequence++
	job := &UplinkJob{
		Payload:   append([]byte(nil), frame[:]...),
		Port:      s.opts.Port,
		Confirmed: s.opts.Confirmed,
		Sequence:  s.sequence,
		QueuedAt:  now,
	}
	s.current = job

	if s.deps.Display != nil {
		s.deps.Display.Render(display.Counter, fmt.Sprintf("%d", s.sequence), display.AlignRight)
	}
	s.logger.Info("packet queued", "sequence", job.Sequence, "port", job.Port, "payload", fmt.Sprintf("% X", job.Payload))

	if s.deps.Recorder != nil {
		err := s.deps.Recorder.RecordUplink(journal.Uplink{
			Sequence:  job.Sequence,
			Port:      job.Port,
			Confirmed: job.Confirmed,
			Payload:   job.Payload,
			QueuedAt:  job.QueuedAt,
		})
		if err != nil {
			s.logger.Warn("journal uplink", "error", err)
		}
	}
}

func (s *Scheduler) sample() ([payload.Size]byte, error) {
	r, err := s.deps.Sensors.Read()
	if err != nil {
		return [payload.Size]byte{}, fmt.Errorf("read sensors: %w", err)
	}

	var volts float64
	if s.deps.Battery != nil {
		b, err := s.deps.Battery.Latest()
		switch {
		case err == nil:
			volts = b.Voltage
		case errors.Is(err, battery.ErrNoSample):
			s.logger.Debug("no battery sample yet, sending 0 V")
		default:
			return [payload.Size]byte{}, fmt.Errorf("read battery: %w", err)
		}
	}

	return payload.Encode(r.Temperature, r.Humidity, r.Pressure, volts), nil
}

// OnTransmitComplete releases the busy guard and arms the next uplink one
// interval from now. Whatever the outcome flags, the uplink is considered
// done.
func (s *Scheduler) OnTransmitComplete(ev radio.TxComplete) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.deps.Clock.Now()
	job := s.current
	s.busy = false
	s.current = nil
	s.armLocked(now)

	if job == nil || s.deps.Recorder == nil {
		return
	}
	err := s.deps.Recorder.RecordCompletion(journal.Completion{
		Sequence:    job.Sequence,
		At:          now,
		Acked:       ev.Acked(),
		TxError:     ev.Flags.Has(radio.FlagTxError),
		DownlinkLen: len(ev.Data),
	})
	if err != nil {
		s.logger.Warn("journal completion", "error", err)
	}
}

// Arm schedules TrySend one interval from now, replacing any pending arm.
func (s *Scheduler) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armLocked(s.deps.Clock.Now())
}

func (s *Scheduler) armLocked(now time.Time) {
	s.deps.Radio.Schedule(&s.rearm, now.Add(s.opts.Interval), s.TrySend)
}

func (s *Scheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *Scheduler) Sequence() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence
}

// NextSend reports when the armed TrySend fires.
func (s *Scheduler) NextSend() (time.Time, bool) {
	if !s.rearm.Pending() {
		return time.Time{}, false
	}
	return s.rearm.At(), true
}

func (s *Scheduler) Interval() time.Duration {
	return s.opts.Interval
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	st := State{Busy: s.busy, Sequence: s.sequence}
	if s.current != nil {
		cur := *s.current
		st.Current = &cur
	}
	s.mu.Unlock()

	if at, ok := s.NextSend(); ok {
		st.NextSend = &at
	}
	return st
}
