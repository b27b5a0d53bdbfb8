package vidplane

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStream(rate int) *Stream {
	return NewStream([][]byte{
		annexB(nalSPS, nalPPS, nalIDR),
		annexB(nalP1),
		annexB(nalP2),
	}, 1920, 1088, rate)
}

func testSessionConfig(dev *fakeM2M, stream *Stream) SessionConfig {
	return SessionConfig{
		Stream:         stream,
		Device:         dev,
		PollInterval:   time.Millisecond,
		DequeueTimeout: 5 * time.Millisecond,
		DisablePacing:  true,
		Logger:         zerolog.Nop(),
	}
}

func waitDone(t *testing.T, s *DecodeSession, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(timeout):
		t.Fatalf("session %d did not finish in %v", s.index, timeout)
	}
}

func TestDecodeSessionReachesTarget(t *testing.T) {
	for _, multiPlanar := range []bool{false, true} {
		t.Run(map[bool]string{false: "single-planar", true: "multi-planar"}[multiPlanar], func(t *testing.T) {
			dev := newFakeM2M(multiPlanar)
			reg := prometheus.NewRegistry()
			imp := newFakeImporter()
			surface := NewSurface(Rect{W: 640, H: 360})

			cfg := testSessionConfig(dev, testStream(24))
			cfg.Surface, cfg.Importer = surface, imp
			cfg.Metrics = NewMetrics(reg)
			s, err := NewDecodeSession(cfg)
			require.NoError(t, err)

			s.Start()
			select {
			case <-s.Ready():
			case <-time.After(5 * time.Second):
				t.Fatal("session never became ready")
			}
			s.Resume()
			waitDone(t, s, 30*time.Second)

			st := s.Stats()
			require.NoError(t, st.Err)
			assert.Equal(t, DefaultTargetFrames, st.Target)
			assert.Equal(t, DefaultTargetFrames, st.Frames)
			assert.Equal(t, DefaultTargetFrames, st.Normalized())
			assert.GreaterOrEqual(t, st.Decoded, int64(st.Frames))
			assert.Equal(t, int64(dev.decodedFrames()), st.Decoded)
			assert.False(t, st.EOS)
			assert.Equal(t, 1920, st.VideoWidth)
			assert.Equal(t, 1080, st.VideoHeight)
			assert.False(t, st.Stop.Before(st.Start))
			assert.Greater(t, st.FPS(), 0.0)

			assert.Equal(t, DefaultTargetFrames, imp.importedCount())
			assert.Zero(t, imp.liveCount(), "surface images released")
			assert.True(t, dev.released())

			assert.Equal(t, float64(DefaultTargetFrames),
				counterValue(t, reg, "vidplane_frames_decoded_total", map[string]string{"decoder": "0"}))
			assert.Equal(t, float64(st.Dropped),
				counterValue(t, reg, "vidplane_frames_dropped_total", map[string]string{"decoder": "0"}))
		})
	}
}

func TestDecodeSessionCountsDrops(t *testing.T) {
	dev := newFakeM2M(true)
	reg := prometheus.NewRegistry()
	cfg := testSessionConfig(dev, testStream(24))
	cfg.TargetFrames = 5
	cfg.PollInterval = 20 * time.Millisecond
	cfg.Metrics = NewMetrics(reg)
	s, err := NewDecodeSession(cfg)
	require.NoError(t, err)

	s.Start()
	<-s.Ready()
	s.Resume()
	waitDone(t, s, 10*time.Second)

	st := s.Stats()
	require.NoError(t, st.Err)
	assert.Equal(t, 5, st.Frames)
	assert.Positive(t, st.Dropped, "the drain outruns a slow consumer")
	assert.Equal(t, s.mailbox.Drops(), st.Dropped)
	assert.InDelta(t, st.Decoded, int64(st.Frames+st.Dropped), 1, "every decoded frame is shown, dropped or still pending")
	assert.Equal(t, float64(st.Dropped),
		counterValue(t, reg, "vidplane_frames_dropped_total", map[string]string{"decoder": "0"}))
}

func TestDecodeSessionTargetScalesWithRate(t *testing.T) {
	dev := newFakeM2M(false)
	cfg := testSessionConfig(dev, testStream(48))
	cfg.TargetFrames = 10
	s, err := NewDecodeSession(cfg)
	require.NoError(t, err)

	s.Start()
	<-s.Ready()
	s.Resume()
	waitDone(t, s, 10*time.Second)

	st := s.Stats()
	assert.Equal(t, 20, st.Target)
	assert.Equal(t, 20, st.Frames)
	assert.Equal(t, 10, st.Normalized())
}

func TestDecodeSessionEndOfStream(t *testing.T) {
	dev := newFakeM2M(true)
	dev.maxFrames = 10
	cfg := testSessionConfig(dev, testStream(24))
	cfg.Watchdog = WatchdogPolicy{Interval: time.Millisecond, StallSamples: 50}
	s, err := NewDecodeSession(cfg)
	require.NoError(t, err)

	s.Start()
	<-s.Ready()
	s.Resume()
	waitDone(t, s, 10*time.Second)

	st := s.Stats()
	require.NoError(t, st.Err)
	assert.True(t, st.EOS)
	assert.Equal(t, int64(10), st.Decoded)
	assert.LessOrEqual(t, st.Frames, 10)
	assert.Positive(t, st.Frames)
	assert.True(t, dev.released())
}

func TestDecodeSessionStopBeforeResume(t *testing.T) {
	dev := newFakeM2M(false)
	s, err := NewDecodeSession(testSessionConfig(dev, testStream(24)))
	require.NoError(t, err)

	s.Start()
	<-s.Ready()
	s.Stop()

	st := s.Stats()
	assert.NoError(t, st.Err)
	assert.Zero(t, st.Frames)
	assert.Zero(t, st.Decoded)
	assert.True(t, dev.released())

	s.Stop()
}

func TestDecodeSessionStopBeforeStart(t *testing.T) {
	dev := newFakeM2M(false)
	s, err := NewDecodeSession(testSessionConfig(dev, testStream(24)))
	require.NoError(t, err)

	s.Stop()
	waitDone(t, s, time.Second)
	assert.True(t, dev.released())

	s.Start()
	waitDone(t, s, time.Second)
}

func TestDecodeSessionOutputFailure(t *testing.T) {
	dev := newFakeM2M(false)
	dev.minOut, dev.grantOut = 4, 2
	reg := prometheus.NewRegistry()
	cfg := testSessionConfig(dev, testStream(24))
	cfg.Metrics = NewMetrics(reg)
	s, err := NewDecodeSession(cfg)
	require.NoError(t, err)

	s.Start()
	waitDone(t, s, 5*time.Second)

	select {
	case <-s.Ready():
		t.Fatal("failed session reported ready")
	default:
	}
	assert.ErrorIs(t, s.Err(), ErrInsufficientBuffers)
	assert.True(t, dev.released())
	assert.Equal(t, 1.0, counterValue(t, reg, "vidplane_session_errors_total", nil))
}

func TestNewDecodeSessionValidation(t *testing.T) {
	dev := newFakeM2M(false)
	_, err := NewDecodeSession(testSessionConfig(dev, NewStream(nil, 1, 1, 24)))
	assert.ErrorIs(t, err, ErrEmptyStream)
	assert.True(t, dev.released())

	_, err = NewDecodeSession(SessionConfig{Stream: testStream(24)})
	assert.Error(t, err)

	dev = newFakeM2M(false)
	dev.noExport = true
	_, err = NewDecodeSession(testSessionConfig(dev, testStream(24)))
	assert.ErrorIs(t, err, ErrNoExport)
}

func TestPacingDelay(t *testing.T) {
	nominal := time.Second / 24
	tests := []struct {
		period time.Duration
		want   time.Duration
	}{
		{period: 0, want: nominal - time.Millisecond},
		{period: 10 * time.Millisecond, want: nominal - 10*time.Millisecond - time.Millisecond},
		{period: nominal - 2*time.Millisecond, want: 0},
		{period: nominal, want: 0},
		{period: 2 * nominal, want: 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pacingDelay(tt.period, nominal), "period %v", tt.period)
	}
}

func TestSessionStats(t *testing.T) {
	start := time.Now()
	st := SessionStats{Frames: 300, Rate: 30, Start: start, Stop: start.Add(10 * time.Second)}
	assert.InDelta(t, 30.0, st.FPS(), 0.001)
	assert.Equal(t, 240, st.Normalized())

	assert.Zero(t, SessionStats{Frames: 5}.FPS())
	assert.Equal(t, 5, SessionStats{Frames: 5}.Normalized())
}
