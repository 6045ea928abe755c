package region

import (
	"math"
	"time"
)

const (
	preambleSymbols = 8
	codingRate      = 1 // 4/5
)

// TimeOnAir returns the transmission time of a PHY payload of phyLen bytes.
// LoRa frames use an explicit header, CRC on and low data rate
// optimisation for SF11/SF12 at 125 kHz.
func TimeOnAir(dr DataRate, phyLen int) time.Duration {
	if dr.Modulation == ModulationFSK {
		if dr.BitRate <= 0 {
			return 0
		}
		// preamble(5) + sync word(3) + length(1) + payload + CRC(2)
		bits := float64((5+3+1+phyLen+2)*8) / float64(dr.BitRate)
		return time.Duration(math.Round(bits * float64(time.Second)))
	}

	sf := dr.SpreadingFactor
	if sf <= 0 || dr.Bandwidth <= 0 {
		return 0
	}
	tsym := math.Ldexp(1, sf) / float64(dr.Bandwidth)

	de := 0
	if sf >= 11 && dr.Bandwidth == 125000 {
		de = 1
	}

	num := float64(8*phyLen - 4*sf + 28 + 16)
	den := float64(4 * (sf - 2*de))
	payloadSymbols := 8 + math.Max(math.Ceil(num/den)*float64(codingRate+4), 0)

	seconds := (preambleSymbols+4.25)*tsym + payloadSymbols*tsym
	return time.Duration(math.Round(seconds * float64(time.Second)))
}
