// Package battery samples the supply voltage on its own one second cadence
// so uplinks never wait for an ADC conversion.
package battery

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloudpico-node/internal/clock"
	"cloudpico-node/internal/display"
)

const (
	DefaultInterval = time.Second
	DefaultVrefMV   = 1100

	// FullScale is the largest raw reading of the 12-bit converter.
	FullScale = 4095
	// the supply is measured through a 1:2 divider against 3.3 V
	divider   = 2.0
	reference = 3.3
)

var ErrNoSample = errors.New("battery: no sample yet")

type Sample struct {
	Voltage float64   `json:"voltage"`
	Raw     int       `json:"raw"`
	At      time.Time `json:"at"`
}

// ADC yields raw 12-bit readings of the divided supply.
type ADC interface {
	ReadRaw() (int, error)
}

// Fixed is an ADC that always returns the same reading.
type Fixed int

func (f Fixed) ReadRaw() (int, error) { return int(f), nil }

// Voltage converts a raw reading to volts. vrefMV is the factory
// calibrated reference in millivolts; zero selects DefaultVrefMV.
func Voltage(raw int, vrefMV int) float64 {
	if vrefMV <= 0 {
		vrefMV = DefaultVrefMV
	}
	return float64(raw) / FullScale * divider * reference * float64(vrefMV) / 1000
}

// RawFor is the inverse of Voltage, rounded to the nearest count.
func RawFor(volts float64, vrefMV int) int {
	if vrefMV <= 0 {
		vrefMV = DefaultVrefMV
	}
	return int(volts*FullScale/(divider*reference*float64(vrefMV)/1000) + 0.5)
}

type Options struct {
	Interval time.Duration
	VrefMV   int
}

type Monitor struct {
	adc     ADC
	opts    Options
	clock   clock.Clock
	display display.Sink
	logger  *slog.Logger

	mu     sync.RWMutex
	latest Sample
	have   bool
	next   time.Time
}

func NewMonitor(adc ADC, opts Options, clk clock.Clock, sink display.Sink, logger *slog.Logger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.VrefMV <= 0 {
		opts.VrefMV = DefaultVrefMV
	}
	if clk == nil {
		clk = clock.Wall
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		adc:     adc,
		opts:    opts,
		clock:   clk,
		display: sink,
		logger:  logger.With("component", "battery"),
	}
}

// Poll samples the supply if the interval has elapsed since the last tick.
// It reports whether a sample was attempted.
func (m *Monitor) Poll() bool {
	now := m.clock.Now()

	m.mu.Lock()
	if !m.next.IsZero() && now.Before(m.next) {
		m.mu.Unlock()
		return false
	}
	m.next = now.Add(m.opts.Interval)
	m.mu.Unlock()

	if _, err := m.sample(now); err != nil {
		m.logger.Warn("battery sample failed", "error", err)
	}
	return true
}

func (m *Monitor) sample(now time.Time) (Sample, error) {
	raw, err := m.adc.ReadRaw()
	if err != nil {
		return Sample{}, fmt.Errorf("read adc: %w", err)
	}
	s := Sample{
		Voltage: Voltage(raw, m.opts.VrefMV),
		Raw:     raw,
		At:      now,
	}

	m.mu.Lock()
	m.latest = s
	m.have = true
	m.mu.Unlock()

	if m.display != nil {
		m.display.Render(display.Voltage, fmt.Sprintf("%2.2f V", s.Voltage), display.AlignRight)
	}
	return s, nil
}

// Latest returns the most recent sample without touching the ADC.
func (m *Monitor) Latest() (Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.have {
		return Sample{}, ErrNoSample
	}
	return m.latest, nil
}

// NextPoll returns when the next sample is due.
func (m *Monitor) NextPoll() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.next
}
