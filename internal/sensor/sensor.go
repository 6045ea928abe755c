// Package sensor provides the environmental readings carried in each uplink.
package sensor

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"
)

// Reading holds temperature in °C, relative humidity in % and pressure in
// mbar.
type Reading struct {
	Temperature float64
	Humidity    float64
	Pressure    float64
}

type Source interface {
	Read() (Reading, error)
}

// Placeholder returns fixed values, for nodes without a sensor fitted.
type Placeholder struct {
	Value Reading
}

// DefaultPlaceholder is the demo reading sent when no sensor is fitted.
var DefaultPlaceholder = Reading{Temperature: 23.5, Humidity: 56, Pressure: 1003}

func NewPlaceholder() *Placeholder {
	return &Placeholder{Value: DefaultPlaceholder}
}

func (p *Placeholder) Read() (Reading, error) {
	return p.Value, nil
}

var ErrClosed = errors.New("sensor closed")

// BME280 reads a Bosch BME280 over I²C.
type BME280 struct {
	mu     sync.Mutex
	dev    *bmxx80.Dev
	closed bool
}

func NewBME280(bus i2c.Bus, addr uint16) (*BME280, error) {
	dev, err := bmxx80.NewI2C(bus, addr, &bmxx80.DefaultOpts)
	if err != nil {
		return nil, fmt.Errorf("bmxx80.NewI2C: %w", err)
	}
	return &BME280{dev: dev}, nil
}

func (b *BME280) Read() (Reading, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Reading{}, ErrClosed
	}

	var env physic.Env
	if err := b.dev.Sense(&env); err != nil {
		return Reading{}, fmt.Errorf("sense: %w", err)
	}
	return fromEnv(env), nil
}

func (b *BME280) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.dev.Halt()
}

func fromEnv(env physic.Env) Reading {
	return Reading{
		Temperature: env.Temperature.Celsius(),
		// env.Humidity is fixed point at 0.00001 %rH.
		Humidity: float64(env.Humidity) / float64(physic.PercentRH),
		// env.Pressure is in nano Pascal; 1 mbar = 100 Pa.
		Pressure: float64(env.Pressure) / float64(100*physic.Pascal),
	}
}
