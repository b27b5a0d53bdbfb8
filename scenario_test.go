package vidplane

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScenarioSession(t *testing.T, index int, dev *fakeM2M, rect Rect) *DecodeSession {
	t.Helper()
	cfg := testSessionConfig(dev, testStream(24))
	cfg.Index = index
	cfg.TargetFrames = 20
	cfg.Surface = NewSurface(rect)
	cfg.Importer = newFakeImporter()
	cfg.Watchdog = WatchdogPolicy{Interval: time.Millisecond, StallSamples: 50}
	s, err := NewDecodeSession(cfg)
	require.NoError(t, err)
	return s
}

func testRunner(present func(context.Context) error, render RendererFunc) *Runner {
	cfg := RunnerConfig{
		Present:       present,
		FrameInterval: 2 * time.Millisecond,
		Logger:        zerolog.Nop(),
	}
	if render != nil {
		cfg.Renderer = render
	}
	return NewRunner(cfg)
}

func TestRunnerPass(t *testing.T) {
	var (
		mu       sync.Mutex
		presents int
		drawn    int
	)
	present := func(context.Context) error {
		mu.Lock()
		presents++
		mu.Unlock()
		return nil
	}
	render := func(surfaces []*Surface) error {
		for _, s := range surfaces {
			s.Draw(func(SurfaceView) {
				mu.Lock()
				drawn++
				mu.Unlock()
			})
		}
		return nil
	}

	sessions := []*DecodeSession{
		newScenarioSession(t, 0, newFakeM2M(false), Rect{W: 10, H: 10}),
		newScenarioSession(t, 1, newFakeM2M(true), Rect{X: 10, W: 10, H: 10}),
	}
	res, err := testRunner(present, render).Run(context.Background(), "2-decode", sessions)
	require.NoError(t, err)

	assert.True(t, res.Pass)
	assert.Equal(t, 20, res.MinFrames)
	assert.Equal(t, 20, res.MaxFrames)
	assert.Equal(t, []int{20, 20}, res.Targets)
	assert.Empty(t, res.Failed())
	assert.Equal(t, presents, res.Presents)
	assert.Positive(t, res.Presents)
	assert.Equal(t, 2*res.Presents, drawn)

	var b strings.Builder
	require.NoError(t, res.WriteReport(&b))
	assert.Contains(t, b.String(), "2-decode: PASS")
	assert.Contains(t, b.String(), "decoder 1: 20/20 frames")
}

func TestRunnerFailsOnSessionError(t *testing.T) {
	bad := newFakeM2M(false)
	bad.minOut, bad.grantOut = 4, 1
	sessions := []*DecodeSession{
		newScenarioSession(t, 0, newFakeM2M(false), Rect{}),
		newScenarioSession(t, 1, bad, Rect{}),
	}
	res, err := testRunner(nil, nil).Run(context.Background(), "2-decode", sessions)
	require.NoError(t, err)

	assert.False(t, res.Pass)
	require.Len(t, res.Failed(), 1)
	assert.Equal(t, 1, res.Failed()[0].Index)
	assert.ErrorIs(t, res.Failed()[0].Err, ErrInsufficientBuffers)

	var b strings.Builder
	require.NoError(t, res.WriteReport(&b))
	assert.Contains(t, b.String(), "FAIL")
	assert.Contains(t, b.String(), "error:")
}

func TestRunnerFailsShortStream(t *testing.T) {
	short := newFakeM2M(false)
	short.maxFrames = 5
	sessions := []*DecodeSession{newScenarioSession(t, 0, short, Rect{})}
	res, err := testRunner(nil, nil).Run(context.Background(), "1-decode", sessions)
	require.NoError(t, err)

	assert.False(t, res.Pass)
	assert.True(t, res.Sessions[0].EOS)
	assert.Less(t, res.MinFrames, 20)
	assert.NoError(t, res.Sessions[0].Err, "end of stream is not an error")
}

func TestRunnerCanceled(t *testing.T) {
	dev := newFakeM2M(false)
	dev.maxFrames = 3
	s := newScenarioSession(t, 0, dev, Rect{})
	s.cfg.Watchdog.StallSamples = 1 << 20

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := testRunner(nil, nil).Run(ctx, "1-decode", []*DecodeSession{s})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, res.Pass)
	assert.True(t, dev.released())
}

func TestEvaluateFrameGap(t *testing.T) {
	r := NewRunner(RunnerConfig{Logger: zerolog.Nop()})
	res := r.evaluate(ScenarioResult{MaxFrameGap: 9}, nil)
	assert.True(t, res.Anomaly)
	assert.False(t, res.Pass, "no sessions is no pass")

	res = r.evaluate(ScenarioResult{MaxFrameGap: DefaultMaxFrameGap}, nil)
	assert.False(t, res.Anomaly)
}

func TestLayout(t *testing.T) {
	one, err := Layout(1, 1920, 1080)
	require.NoError(t, err)
	assert.Equal(t, []Rect{{W: 1920, H: 1080}}, one)

	two, err := Layout(2, 1920, 1080)
	require.NoError(t, err)
	assert.Equal(t, []Rect{
		{X: 213, Y: 360, W: 640, H: 360},
		{X: 1066, Y: 360, W: 640, H: 360},
	}, two)

	three, err := Layout(3, 1920, 1080)
	require.NoError(t, err)
	assert.Equal(t, []Rect{
		{X: 213, Y: 120, W: 640, H: 360},
		{X: 1066, Y: 120, W: 640, H: 360},
		{X: 640, Y: 600, W: 640, H: 360},
	}, three)

	four, err := Layout(4, 1920, 1080)
	require.NoError(t, err)
	assert.Equal(t, []Rect{
		{X: 213, Y: 120, W: 640, H: 360},
		{X: 1066, Y: 120, W: 640, H: 360},
		{X: 213, Y: 600, W: 640, H: 360},
		{X: 1066, Y: 600, W: 640, H: 360},
	}, four)

	_, err = Layout(5, 1920, 1080)
	assert.Error(t, err)
}

func TestRunSuiteStopsAtFirstFailure(t *testing.T) {
	var rects [][]Rect
	scenario := 0
	factory := func(index int, rect Rect) (*DecodeSession, error) {
		if index == 0 {
			scenario++
			rects = append(rects, nil)
		}
		rects[len(rects)-1] = append(rects[len(rects)-1], rect)
		dev := newFakeM2M(false)
		if scenario == 2 && index == 1 {
			dev.minOut, dev.grantOut = 4, 1
		}
		return newScenarioSession(t, index, dev, rect), nil
	}

	results, err := testRunner(nil, nil).RunSuite(context.Background(), DefaultSuite, 1920, 1080, factory)
	require.NoError(t, err)
	require.Len(t, results, 2, "the suite stops after the failing scenario")
	assert.True(t, results[0].Pass)
	assert.Equal(t, "1-decode", results[0].Name)
	assert.False(t, results[1].Pass)
	assert.Len(t, rects[1], 2)
	assert.False(t, SuitePassed(results, len(DefaultSuite)))
}

func TestSuitePassed(t *testing.T) {
	ok := ScenarioResult{Pass: true}
	assert.True(t, SuitePassed([]ScenarioResult{ok, ok}, 2))
	assert.False(t, SuitePassed([]ScenarioResult{ok}, 2))
	assert.False(t, SuitePassed([]ScenarioResult{ok, {}}, 2))
}
