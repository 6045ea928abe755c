package region

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EmbeddedPlans(t *testing.T) {
	eu, err := Load("EU868")
	require.NoError(t, err)
	assert.Len(t, eu.Channels, 9)
	assert.Equal(t, uint32(869525000), eu.RX2.Frequency)
	assert.Equal(t, time.Second, eu.ReceiveDelay1())
	assert.Equal(t, 2*time.Second, eu.ReceiveDelay2())
	assert.Equal(t, 5*time.Second, eu.JoinAcceptDelay1())
	assert.Equal(t, 6*time.Second, eu.JoinAcceptDelay2())

	g, ok := eu.Band("g")
	require.True(t, ok)
	assert.InDelta(t, 0.01, g.DutyCycle, 1e-9)

	dr5, ok := eu.DataRate(5)
	require.True(t, ok)
	assert.Equal(t, 7, dr5.SpreadingFactor)
	assert.Equal(t, 125000, dr5.Bandwidth)

	us, err := Load("us915")
	require.NoError(t, err)
	assert.NotEmpty(t, us.Channels)
}

func TestLoad_UnknownRegion(t *testing.T) {
	_, err := Load("mars433")
	require.ErrorIs(t, err, ErrUnknownRegion)
}

func TestLoadFile_Validation(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
name: LAB
rx2: { frequency: 869525000, dataRate: 0 }
dataRates:
  - { index: 0, modulation: lora, spreadingFactor: 7, bandwidth: 125000, maxPayload: 222 }
bands:
  - { name: lab, dutyCycle: 1 }
channels:
  - { frequency: 869525000, minDR: 0, maxDR: 0, band: lab }
`), 0o600))
	p, err := LoadFile(good)
	require.NoError(t, err)
	assert.Equal(t, "LAB", p.Name)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
name: BAD
rx2: { frequency: 869525000, dataRate: 0 }
dataRates:
  - { index: 0, modulation: lora, spreadingFactor: 7, bandwidth: 125000, maxPayload: 222 }
channels:
  - { frequency: 869525000, minDR: 0, maxDR: 0, band: missing }
`), 0o600))
	_, err = LoadFile(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown band")

	_, err = LoadFile(filepath.Join(dir, "nope.yaml"))
	require.Error(t, err)
}

func TestChannel_SupportsDR(t *testing.T) {
	ch := Channel{MinDR: 0, MaxDR: 5}
	assert.True(t, ch.SupportsDR(0))
	assert.True(t, ch.SupportsDR(5))
	assert.False(t, ch.SupportsDR(6))
}

func TestTimeOnAir(t *testing.T) {
	tests := []struct {
		name   string
		dr     DataRate
		phyLen int
		wantMs float64
	}{
		{"SF7BW125", DataRate{Modulation: ModulationLoRa, SpreadingFactor: 7, Bandwidth: 125000}, 21, 56.576},
		{"SF7BW125 longer", DataRate{Modulation: ModulationLoRa, SpreadingFactor: 7, Bandwidth: 125000}, 23, 61.696},
		{"SF9BW125", DataRate{Modulation: ModulationLoRa, SpreadingFactor: 9, Bandwidth: 125000}, 21, 185.344},
		{"SF12BW125", DataRate{Modulation: ModulationLoRa, SpreadingFactor: 12, Bandwidth: 125000}, 21, 1482.752},
		{"FSK50k", DataRate{Modulation: ModulationFSK, BitRate: 50000}, 21, 5.12},
		{"invalid", DataRate{Modulation: ModulationLoRa}, 21, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TimeOnAir(tt.dr, tt.phyLen)
			assert.InDelta(t, tt.wantMs, float64(got)/float64(time.Millisecond), 0.01)
		})
	}
}
