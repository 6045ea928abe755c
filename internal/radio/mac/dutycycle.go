package mac

import (
	"math"
	"time"

	"cloudpico-node/internal/region"
)

// pickChannel returns the channel able to carry dr that may transmit first,
// and when. Ties go round robin so consecutive frames hop frequencies.
// Callers hold mu.
func (s *Stack) pickChannel(after time.Time, dr int) (int, time.Time, error) {
	channels := s.cfg.Plan.Channels
	n := len(channels)
	best := -1
	var bestAt time.Time

	for k := 0; k < n; k++ {
		i := (s.nextCh + k) % n
		ch := channels[i]
		if !ch.SupportsDR(dr) {
			continue
		}
		at := s.bands[ch.Band]
		if at.Before(after) {
			at = after
		}
		if best < 0 || at.Before(bestAt) {
			best, bestAt = i, at
		}
	}
	if best < 0 {
		return 0, time.Time{}, ErrNoChannel
	}
	s.nextCh = (best + 1) % n
	return best, bestAt, nil
}

// markBand charges a transmission of the given airtime to the channel's
// band: the band stays silent for airtime/dutyCycle from start.
func (s *Stack) markBand(ch region.Channel, start time.Time, airtime time.Duration) {
	band, ok := s.cfg.Plan.Band(ch.Band)
	if !ok || band.DutyCycle <= 0 {
		return
	}
	off := time.Duration(math.Round(float64(airtime) / band.DutyCycle))
	s.bands[ch.Band] = start.Add(off)
}

// BandAvailable returns when the named band may transmit again.
func (s *Stack) BandAvailable(band string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bands[band]
}
