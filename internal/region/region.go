// Package region holds regional channel plans: channels, bands with their
// duty-cycle limits, data rates and receive window timing.
package region

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed plans/*.yaml
var plansFS embed.FS

var ErrUnknownRegion = errors.New("unknown region")

const (
	ModulationLoRa = "lora"
	ModulationFSK  = "fsk"
)

type Plan struct {
	Name             string     `yaml:"name"`
	ReceiveDelay1Sec int        `yaml:"receiveDelay1"`
	ReceiveDelay2Sec int        `yaml:"receiveDelay2"`
	JoinAccept1Sec   int        `yaml:"joinAcceptDelay1"`
	JoinAccept2Sec   int        `yaml:"joinAcceptDelay2"`
	RXWindowMs       int        `yaml:"rxWindowMs"`
	RX2              RX2        `yaml:"rx2"`
	DataRates        []DataRate `yaml:"dataRates"`
	Bands            []Band     `yaml:"bands"`
	Channels         []Channel  `yaml:"channels"`
}

type RX2 struct {
	Frequency uint32 `yaml:"frequency"`
	DataRate  int    `yaml:"dataRate"`
}

type DataRate struct {
	Index           int    `yaml:"index"`
	Modulation      string `yaml:"modulation"`
	SpreadingFactor int    `yaml:"spreadingFactor"`
	Bandwidth       int    `yaml:"bandwidth"` // Hz
	BitRate         int    `yaml:"bitRate"`   // FSK only
	MaxPayload      int    `yaml:"maxPayload"`
}

// Band groups channels sharing one duty-cycle budget.
type Band struct {
	Name      string  `yaml:"name"`
	DutyCycle float64 `yaml:"dutyCycle"`
}

type Channel struct {
	Frequency uint32 `yaml:"frequency"`
	MinDR     int    `yaml:"minDR"`
	MaxDR     int    `yaml:"maxDR"`
	Band      string `yaml:"band"`
}

// Load returns one of the embedded plans by name, e.g. "eu868".
func Load(name string) (Plan, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	data, err := plansFS.ReadFile("plans/" + name + ".yaml")
	if err != nil {
		return Plan{}, fmt.Errorf("%w %q", ErrUnknownRegion, name)
	}
	return parse(data)
}

// LoadFile reads a plan from a YAML file on disk.
func LoadFile(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read region plan %s: %w", path, err)
	}
	return parse(data)
}

func parse(data []byte) (Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Plan{}, fmt.Errorf("parse region plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

func (p Plan) Validate() error {
	if len(p.Channels) == 0 {
		return fmt.Errorf("region %s: no channels", p.Name)
	}
	for i, ch := range p.Channels {
		b, ok := p.Band(ch.Band)
		if !ok {
			return fmt.Errorf("region %s: channel %d references unknown band %q", p.Name, i, ch.Band)
		}
		if b.DutyCycle <= 0 || b.DutyCycle > 1 {
			return fmt.Errorf("region %s: band %q duty cycle %v out of range", p.Name, b.Name, b.DutyCycle)
		}
		if ch.MinDR > ch.MaxDR {
			return fmt.Errorf("region %s: channel %d has minDR > maxDR", p.Name, i)
		}
	}
	if _, ok := p.DataRate(p.RX2.DataRate); !ok {
		return fmt.Errorf("region %s: unknown RX2 data rate %d", p.Name, p.RX2.DataRate)
	}
	return nil
}

func (p Plan) DataRate(index int) (DataRate, bool) {
	for _, dr := range p.DataRates {
		if dr.Index == index {
			return dr, true
		}
	}
	return DataRate{}, false
}

func (p Plan) Band(name string) (Band, bool) {
	for _, b := range p.Bands {
		if b.Name == name {
			return b, true
		}
	}
	return Band{}, false
}

func (p Plan) ReceiveDelay1() time.Duration {
	return time.Duration(p.ReceiveDelay1Sec) * time.Second
}

func (p Plan) ReceiveDelay2() time.Duration {
	return time.Duration(p.ReceiveDelay2Sec) * time.Second
}

func (p Plan) JoinAcceptDelay1() time.Duration {
	return time.Duration(p.JoinAccept1Sec) * time.Second
}

func (p Plan) JoinAcceptDelay2() time.Duration {
	return time.Duration(p.JoinAccept2Sec) * time.Second
}

func (p Plan) RXWindow() time.Duration {
	return time.Duration(p.RXWindowMs) * time.Millisecond
}

// SupportsDR reports whether the channel may be used at data rate dr.
func (c Channel) SupportsDR(dr int) bool {
	return dr >= c.MinDR && dr <= c.MaxDR
}
