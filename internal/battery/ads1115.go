package battery

import (
	"fmt"

	"periph.io/x/conn/v3/analog"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/ads1x15"
)

// ADS1115 reads the divided supply on channel 0 of an external converter
// and rescales it to the 12-bit, 3.3 V counts Voltage expects.
type ADS1115 struct {
	dev *ads1x15.Dev
	pin ads1x15.PinADC
}

func NewADS1115(bus i2c.Bus) (*ADS1115, error) {
	dev, err := ads1x15.NewADS1115(bus, &ads1x15.DefaultOpts)
	if err != nil {
		return nil, fmt.Errorf("ads1115: %w", err)
	}
	pin, err := dev.PinForChannel(ads1x15.Channel0, 5*physic.Volt, 1*physic.Hertz, ads1x15.SaveEnergy)
	if err != nil {
		_ = dev.Halt()
		return nil, fmt.Errorf("ads1115 channel 0: %w", err)
	}
	return &ADS1115{dev: dev, pin: pin}, nil
}

func (a *ADS1115) ReadRaw() (int, error) {
	s, err := a.pin.Read()
	if err != nil {
		return 0, err
	}
	return countsFor(s), nil
}

func countsFor(s analog.Sample) int {
	full := 3300 * physic.MilliVolt
	if s.V <= 0 {
		return 0
	}
	if s.V >= full {
		return FullScale
	}
	return int((int64(s.V)*FullScale + int64(full)/2) / int64(full))
}

func (a *ADS1115) Close() error {
	err := a.pin.Halt()
	if herr := a.dev.Halt(); err == nil {
		err = herr
	}
	return err
}
