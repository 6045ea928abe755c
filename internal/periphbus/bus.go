// Package periphbus opens the shared I²C bus used by the sensor, the ADC
// and the OLED panel.
package periphbus

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

var (
	initOnce sync.Once
	initErr  error
)

// Open initialises the host drivers once and opens the named bus. An empty
// name selects the default bus, usually /dev/i2c-1.
func Open(name string) (i2c.BusCloser, error) {
	initOnce.Do(func() {
		_, initErr = host.Init()
	})
	if initErr != nil {
		return nil, fmt.Errorf("host.Init: %w", initErr)
	}

	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("i2creg.Open: %w", err)
	}
	return bus, nil
}
