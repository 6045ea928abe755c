// Telemetry frame format (little-endian, 8 bytes):
// [0:2] temperature sflt16 (°C / 100), [2:4] humidity uflt16 (% / 100),
// [4:6] pressure uflt16 (mbar / 1100), [6:8] supply voltage sflt16 (V / 6).
package payload

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	Size = 8

	// Port is the application port telemetry frames are sent on.
	Port uint8 = 1

	TemperatureScale = 100.0
	HumidityScale    = 100.0
	PressureScale    = 1100.0
	VoltageScale     = 6.0
)

var ErrShortFrame = errors.New("payload: frame too short")

// Record is one telemetry sample in engineering units.
type Record struct {
	Temperature float64 // °C
	Humidity    float64 // %rH
	Pressure    float64 // mbar
	Voltage     float64 // V
}

// Encode serializes the record. The encoding is lossy; values outside a
// field's domain saturate.
func (r Record) Encode() [Size]byte {
	var b [Size]byte
	binary.LittleEndian.PutUint16(b[0:2], EncodeSigned(float32(r.Temperature/TemperatureScale)))
	binary.LittleEndian.PutUint16(b[2:4], EncodeUnsigned(float32(r.Humidity/HumidityScale)))
	binary.LittleEndian.PutUint16(b[4:6], EncodeUnsigned(float32(r.Pressure/PressureScale)))
	binary.LittleEndian.PutUint16(b[6:8], EncodeSigned(float32(r.Voltage/VoltageScale)))
	return b
}

// Encode builds and serializes a record in one step.
func Encode(temperature, humidity, pressure, voltage float64) [Size]byte {
	return Record{
		Temperature: temperature,
		Humidity:    humidity,
		Pressure:    pressure,
		Voltage:     voltage,
	}.Encode()
}

// Decode parses a frame produced by Encode.
func Decode(data []byte) (Record, error) {
	if len(data) < Size {
		return Record{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	return Record{
		Temperature: DecodeSigned(binary.LittleEndian.Uint16(data[0:2])) * TemperatureScale,
		Humidity:    DecodeUnsigned(binary.LittleEndian.Uint16(data[2:4])) * HumidityScale,
		Pressure:    DecodeUnsigned(binary.LittleEndian.Uint16(data[4:6])) * PressureScale,
		Voltage:     DecodeSigned(binary.LittleEndian.Uint16(data[6:8])) * VoltageScale,
	}, nil
}
