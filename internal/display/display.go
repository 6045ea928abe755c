// Package display renders node status into four small gauges: supply
// voltage, uplink counter and two free-form metrics.
package display

import (
	"errors"
	"log/slog"
	"sync"
)

var ErrDisplayUnavailable = errors.New("display unavailable")

type Region int

const (
	Voltage Region = iota
	Counter
	MetricA
	MetricB
)

var regionNames = [...]string{"voltage", "counter", "metric_a", "metric_b"}

// Regions lists every region in drawing order.
var Regions = []Region{Voltage, Counter, MetricA, MetricB}

func (r Region) String() string {
	if r >= 0 && int(r) < len(regionNames) {
		return regionNames[r]
	}
	return "unknown"
}

type Align int

const (
	AlignLeft Align = iota
	AlignCenter
	AlignRight
)

func (a Align) String() string {
	switch a {
	case AlignCenter:
		return "center"
	case AlignRight:
		return "right"
	default:
		return "left"
	}
}

// Sink accepts text for one region.
type Sink interface {
	Render(region Region, text string, align Align)
}

type Cell struct {
	Text  string `json:"text"`
	Align string `json:"align"`
}

// Panel keeps the last text of every region in memory.
type Panel struct {
	mu    sync.RWMutex
	cells map[Region]Cell
}

func NewPanel() *Panel {
	return &Panel{cells: make(map[Region]Cell, len(Regions))}
}

func (p *Panel) Render(region Region, text string, align Align) {
	p.mu.Lock()
	p.cells[region] = Cell{Text: text, Align: align.String()}
	p.mu.Unlock()
}

// Text returns the current text of a region.
func (p *Panel) Text(region Region) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cells[region].Text
}

// Snapshot returns all rendered regions keyed by name.
func (p *Panel) Snapshot() map[string]Cell {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Cell, len(p.cells))
	for r, c := range p.cells {
		out[r.String()] = c
	}
	return out
}

// Console logs region changes.
type Console struct {
	logger *slog.Logger
	mu     sync.Mutex
	last   map[Region]string
}

func NewConsole(logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{logger: logger.With("component", "display"), last: make(map[Region]string)}
}

func (c *Console) Render(region Region, text string, align Align) {
	c.mu.Lock()
	changed := c.last[region] != text
	c.last[region] = text
	c.mu.Unlock()

	if changed {
		c.logger.Debug("display", "region", region.String(), "text", text, "align", align.String())
	}
}

type multi []Sink

func (m multi) Render(region Region, text string, align Align) {
	for _, s := range m {
		s.Render(region, text, align)
	}
}

// Multi fans every render out to all non-nil sinks.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
