package vidplane

import (
	"time"

	"github.com/rs/zerolog"
)

// fpsMeter counts presents and reports the rate once more than window has
// elapsed since the last report.
type fpsMeter struct {
	window  time.Duration
	last    time.Time
	frames  int
	log     zerolog.Logger
	metrics *Metrics
}

func newFPSMeter(window time.Duration, log zerolog.Logger, metrics *Metrics) *fpsMeter {
	return &fpsMeter{window: window, log: log, metrics: metrics}
}

// Tick records one frame at now. It returns the rate and true when a
// window closed.
func (m *fpsMeter) Tick(now time.Time) (float64, bool) {
	m.frames++
	if m.last.IsZero() {
		m.last = now
	}
	elapsed := now.Sub(m.last)
	if elapsed <= m.window {
		return 0, false
	}
	fps := float64(m.frames) / elapsed.Seconds()
	m.log.Info().Float64("fps", fps).Int("frames", m.frames).Dur("window", elapsed).Msg("platform fps")
	m.metrics.displayFPS(fps)
	m.last = now
	m.frames = 0
	return fps, true
}
