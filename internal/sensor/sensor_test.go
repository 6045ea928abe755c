package sensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"
)

func TestPlaceholder_DemoValues(t *testing.T) {
	r, err := NewPlaceholder().Read()
	require.NoError(t, err)
	assert.Equal(t, Reading{Temperature: 23.5, Humidity: 56, Pressure: 1003}, r)
}

func TestFromEnv(t *testing.T) {
	env := physic.Env{
		Temperature: physic.ZeroCelsius + 21250*physic.MilliKelvin,
		Humidity:    48 * physic.PercentRH,
		Pressure:    101325 * physic.Pascal,
	}

	r := fromEnv(env)
	assert.InDelta(t, 21.25, r.Temperature, 1e-9)
	assert.InDelta(t, 48, r.Humidity, 1e-9)
	assert.InDelta(t, 1013.25, r.Pressure, 1e-9)
}
