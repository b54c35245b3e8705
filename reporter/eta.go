package reporter

import "time"

// etaState computes a smoothed ETA and transfer rate from successive
// progress samples.
type etaState struct {
	start       time.Time
	lastSample  time.Time
	lastBytes   int64
	smoothedETA float64
	bytesPerSec int64
}

type etaSample struct {
	eta         float64
	bytesPerSec int64
}

// update ingests one progress sample. The raw ETA is
// elapsed/finished * (total - finished), clamped at zero; successive
// samples are blended to keep the estimate from jumping around.
func (s *etaState) update(finished, total, bytesDone int64) etaSample {
	now := time.Now()
	if !s.lastSample.IsZero() {
		elapsed := now.Sub(s.lastSample).Seconds()
		if elapsed > 0 {
			s.bytesPerSec = int64(float64(bytesDone-s.lastBytes) / elapsed)
			if s.bytesPerSec < 0 {
				s.bytesPerSec = 0
			}
		}
	}
	s.lastSample = now
	s.lastBytes = bytesDone

	raw := 0.0
	if finished > 0 && total > finished {
		perUnit := now.Sub(s.startOr(now)).Seconds() / float64(finished)
		raw = perUnit * float64(total-finished)
	}
	if raw < 0 {
		raw = 0
	}
	if s.smoothedETA == 0 {
		s.smoothedETA = raw
	} else {
		s.smoothedETA = 0.7*s.smoothedETA + 0.3*raw
	}
	return etaSample{eta: s.smoothedETA, bytesPerSec: s.bytesPerSec}
}

// startOr tracks the first sample time lazily.
func (s *etaState) startOr(now time.Time) time.Time {
	if s.start.IsZero() {
		s.start = now
	}
	return s.start
}
