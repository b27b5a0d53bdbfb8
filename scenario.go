package vidplane

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Scenario defaults.
const (
	DefaultFrameInterval = 16 * time.Millisecond
	DefaultMaxFrameGap   = 8
	DefaultSuiteGap      = 2 * time.Second
)

// DefaultSuite is the number of simultaneous decodes of each scenario.
var DefaultSuite = []int{1, 2, 3, 4}

// Renderer draws the surfaces into the window's back buffer. It reads each
// surface through Surface.Draw.
type Renderer interface {
	Render(surfaces []*Surface) error
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(surfaces []*Surface) error

func (f RendererFunc) Render(surfaces []*Surface) error { return f(surfaces) }

// SessionFactory creates the decode session with the given index, drawn
// at rect.
type SessionFactory func(index int, rect Rect) (*DecodeSession, error)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Renderer Renderer                        // optional
	Present  func(ctx context.Context) error // optional, e.g. Display.Present for the window

	FrameInterval time.Duration
	MaxFrameGap   int
	SuiteGap      time.Duration

	Logger zerolog.Logger
}

// Runner drives decode sessions side by side and judges the result.
type Runner struct {
	cfg RunnerConfig
	log zerolog.Logger
}

// NewRunner returns a Runner with defaults filled in.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultFrameInterval
	}
	if cfg.MaxFrameGap <= 0 {
		cfg.MaxFrameGap = DefaultMaxFrameGap
	}
	if cfg.SuiteGap < 0 {
		cfg.SuiteGap = 0
	}
	return &Runner{cfg: cfg, log: cfg.Logger}
}

// ScenarioResult is the outcome of one scenario.
type ScenarioResult struct {
	Name        string
	Sessions    []SessionStats
	Targets     []int // per session, at 24 fps
	MinFrames   int   // lowest normalized frame count
	MaxFrames   int
	MaxFrameGap int
	Anomaly     bool // MaxFrameGap exceeded the configured limit
	Presents    int
	PresentErrs int
	Duration    time.Duration
	Pass        bool
}

// Failed returns the sessions that ended with an error.
func (r ScenarioResult) Failed() []SessionStats {
	var failed []SessionStats
	for _, st := range r.Sessions {
		if st.Err != nil {
			failed = append(failed, st)
		}
	}
	return failed
}

// WriteReport writes a human readable summary of r.
func (r ScenarioResult) WriteReport(w io.Writer) error {
	var b strings.Builder
	verdict := "FAIL"
	if r.Pass {
		verdict = "PASS"
	}
	fmt.Fprintf(&b, "%s: %s (%s)\n", r.Name, verdict, r.Duration.Round(time.Millisecond))
	for i, st := range r.Sessions {
		fmt.Fprintf(&b, "  decoder %d: %d/%d frames, %.2f fps, %d dropped", st.Index, st.Normalized(), r.Targets[i], st.FPS(), st.Dropped)
		if st.EOS {
			b.WriteString(", end of stream")
		}
		if st.Err != nil {
			fmt.Fprintf(&b, ", error: %v", st.Err)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "  frames min %d max %d, max gap %d", r.MinFrames, r.MaxFrames, r.MaxFrameGap)
	if r.Anomaly {
		b.WriteString(" (anomaly)")
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

// Run starts the sessions, waits until each is ready or has failed,
// resumes them together and renders until they have all finished. When
// ctx ends first the sessions are stopped and ctx.Err is returned with the
// partial result.
func (r *Runner) Run(ctx context.Context, name string, sessions []*DecodeSession) (ScenarioResult, error) {
	res := ScenarioResult{Name: name}
	log := r.log.With().Str("scenario", name).Logger()
	surfaces := make([]*Surface, 0, len(sessions))
	for _, s := range sessions {
		if s.cfg.Surface != nil {
			surfaces = append(surfaces, s.cfg.Surface)
		}
		s.Start()
	}

	if err := waitReady(ctx, sessions); err != nil {
		stopAll(sessions)
		return r.evaluate(res, sessions), err
	}
	begin := time.Now()
	for _, s := range sessions {
		s.Resume()
	}
	log.Info().Int("decoders", len(sessions)).Msg("scenario started")

	t := time.NewTicker(r.cfg.FrameInterval)
	defer t.Stop()
	for {
		lo, hi, done := progress(sessions)
		if gap := hi - lo; gap > res.MaxFrameGap {
			res.MaxFrameGap = gap
		}
		if done {
			break
		}

		if r.cfg.Renderer != nil {
			if err := r.cfg.Renderer.Render(surfaces); err != nil {
				log.Warn().Err(err).Msg("render")
			}
		}
		if r.cfg.Present != nil {
			res.Presents++
			if err := r.cfg.Present(ctx); err != nil {
				res.PresentErrs++
				log.Warn().Err(err).Msg("present")
			}
		}

		select {
		case <-ctx.Done():
			stopAll(sessions)
			res.Duration = time.Since(begin)
			return r.evaluate(res, sessions), ctx.Err()
		case <-t.C:
		}
	}
	res.Duration = time.Since(begin)
	res = r.evaluate(res, sessions)

	if res.Anomaly {
		log.Warn().Int("gap", res.MaxFrameGap).Int("limit", r.cfg.MaxFrameGap).Msg("decoders drifted apart")
	}
	for _, st := range res.Sessions {
		log.Info().Int("decoder", st.Index).Int("frames", st.Frames).
			Str("fps", fmt.Sprintf("%.2f", st.FPS())).Msg("mean frame rate")
	}
	ev := log.Info()
	if !res.Pass {
		ev = log.Error()
	}
	ev.Bool("pass", res.Pass).Int("min", res.MinFrames).Int("max", res.MaxFrames).Msg("scenario finished")
	return res, nil
}

// waitReady blocks until every session is ready or done.
func waitReady(ctx context.Context, sessions []*DecodeSession) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			select {
			case <-s.Ready():
			case <-s.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
	}
	return g.Wait()
}

// progress returns the lowest and highest normalized frame counts and
// whether every session has finished.
func progress(sessions []*DecodeSession) (lo, hi int, done bool) {
	done = true
	for i, s := range sessions {
		n := s.Stats().Normalized()
		if i == 0 || n < lo {
			lo = n
		}
		if n > hi {
			hi = n
		}
		select {
		case <-s.Done():
		default:
			done = false
		}
	}
	return lo, hi, done
}

func stopAll(sessions []*DecodeSession) {
	for _, s := range sessions {
		s.Stop()
	}
}

func (r *Runner) evaluate(res ScenarioResult, sessions []*DecodeSession) ScenarioResult {
	res.Sessions = make([]SessionStats, len(sessions))
	res.Targets = make([]int, len(sessions))
	res.Pass = len(sessions) > 0
	for i, s := range sessions {
		st := s.Stats()
		res.Sessions[i] = st
		res.Targets[i] = s.cfg.TargetFrames
		n := st.Normalized()
		if i == 0 || n < res.MinFrames {
			res.MinFrames = n
		}
		if n > res.MaxFrames {
			res.MaxFrames = n
		}
		if st.Err != nil || n < s.cfg.TargetFrames {
			res.Pass = false
		}
	}
	res.Anomaly = res.MaxFrameGap > r.cfg.MaxFrameGap
	return res
}

// Layout returns the surface rectangles for n simultaneous decodes in a
// winW x winH window. One decode fills the window; more are drawn at a
// third of the window size, side by side for two, two over one for three
// and in a 2x2 grid for four.
func Layout(n, winW, winH int) ([]Rect, error) {
	w, h := winW/3, winH/3
	left := (winW - 2*w) / 3
	right := left*2 + w
	switch n {
	case 1:
		return []Rect{{X: 0, Y: 0, W: winW, H: winH}}, nil
	case 2:
		y := (winH - h) / 2
		return []Rect{{X: left, Y: y, W: w, H: h}, {X: right, Y: y, W: w, H: h}}, nil
	case 3:
		top := (winH - 2*h) / 3
		bottom := top*2 + h
		return []Rect{
			{X: left, Y: top, W: w, H: h},
			{X: right, Y: top, W: w, H: h},
			{X: (winW - w) / 2, Y: bottom, W: w, H: h},
		}, nil
	case 4:
		top := (winH - 2*h) / 3
		bottom := top*2 + h
		return []Rect{
			{X: left, Y: top, W: w, H: h},
			{X: right, Y: top, W: w, H: h},
			{X: left, Y: bottom, W: w, H: h},
			{X: right, Y: bottom, W: w, H: h},
		}, nil
	}
	return nil, fmt.Errorf("layout: unsupported decoder count %d", n)
}

// RunSuite runs one scenario per entry of counts, each with that many
// simultaneous decodes laid out by Layout. It pauses SuiteGap between
// scenarios and stops at the first failure.
func (r *Runner) RunSuite(ctx context.Context, counts []int, winW, winH int, newSession SessionFactory) ([]ScenarioResult, error) {
	var results []ScenarioResult
	for i, n := range counts {
		if i > 0 && r.cfg.SuiteGap > 0 {
			select {
			case <-time.After(r.cfg.SuiteGap):
			case <-ctx.Done():
				return results, ctx.Err()
			}
		}
		rects, err := Layout(n, winW, winH)
		if err != nil {
			return results, err
		}

		name := fmt.Sprintf("%d-decode", n)
		sessions := make([]*DecodeSession, 0, n)
		for j, rect := range rects {
			s, err := newSession(j, rect)
			if err != nil {
				stopAll(sessions)
				r.log.Error().Err(err).Str("scenario", name).Int("decoder", j).Msg("create session")
				return results, fmt.Errorf("%s: decoder %d: %w", name, j, err)
			}
			sessions = append(sessions, s)
		}

		res, err := r.Run(ctx, name, sessions)
		results = append(results, res)
		if err != nil {
			return results, err
		}
		if !res.Pass {
			break
		}
	}
	return results, nil
}

// SuitePassed reports whether every scenario ran and passed.
func SuitePassed(results []ScenarioResult, scenarios int) bool {
	if len(results) != scenarios {
		return false
	}
	for _, r := range results {
		if !r.Pass {
			return false
		}
	}
	return true
}
