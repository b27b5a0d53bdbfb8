package vidplane

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session defaults.
const (
	DefaultTargetFrames   = 400
	DefaultPollInterval   = 8 * time.Millisecond
	DefaultDequeueTimeout = 100 * time.Millisecond
	DefaultStallSamples   = 1000
)

// WatchdogPolicy decides when a stream has ended: after StallSamples
// consecutive samples, taken every Interval, without a new decoded frame.
type WatchdogPolicy struct {
	Interval     time.Duration // default one frame period
	StallSamples int           // default DefaultStallSamples
}

// SessionConfig configures a DecodeSession.
type SessionConfig struct {
	Index  int
	Stream *Stream
	// Device is the decoder node. The session owns it and closes it when
	// the session ends or fails to start.
	Device VideoDevice

	// TargetFrames is the number of frames to show at 24 fps; it scales
	// with the stream rate. Default DefaultTargetFrames.
	TargetFrames int

	// Surface and Importer receive every shown frame. Either may be nil to
	// decode without importing.
	Surface  *Surface
	Importer FrameImporter
	Layout   ImportLayout

	PollInterval   time.Duration
	DequeueTimeout time.Duration
	DisablePacing  bool
	Watchdog       WatchdogPolicy

	Logger  zerolog.Logger
	Metrics *Metrics
}

// SessionStats is a snapshot of a session's progress.
type SessionStats struct {
	ID      uuid.UUID
	Index   int
	Rate    int
	Frames  int   // frames shown
	Target  int   // frames to show before stopping
	Decoded int64 // frames dequeued from the decoder
	Dropped int   // decoded frames superseded before they were shown

	Start time.Time
	Stop  time.Time

	VideoWidth  int
	VideoHeight int
	EOS         bool
	Err         error
}

// FPS returns the mean rate of shown frames between Start and Stop, or
// up to now while the session runs.
func (st SessionStats) FPS() float64 {
	if st.Start.IsZero() {
		return 0
	}
	stop := st.Stop
	if stop.IsZero() {
		stop = time.Now()
	}
	d := stop.Sub(st.Start)
	if d <= 0 {
		return 0
	}
	return float64(st.Frames) / d.Seconds()
}

// Normalized returns the shown frame count scaled to 24 fps, so sessions
// at different rates compare.
func (st SessionStats) Normalized() int {
	if st.Rate <= 0 {
		return st.Frames
	}
	return st.Frames * 24 / st.Rate
}

// worker tracks one session goroutine.
type worker struct {
	stop     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

func newWorker() *worker {
	return &worker{stop: make(chan struct{}), done: make(chan struct{})}
}

func (w *worker) run(fn func()) {
	w.started.Store(true)
	go func() {
		defer close(w.done)
		fn()
	}()
}

func (w *worker) requestStop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *worker) stopping() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// exited reports whether the goroutine has returned. A worker that was
// never started counts as exited.
func (w *worker) exited() bool {
	if !w.started.Load() {
		return true
	}
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *worker) join() {
	if w.started.Load() {
		<-w.done
	}
}

// DecodeSession decodes one stream on one decoder with four goroutines:
// the feeder queues access units, the drain dequeues decoded frames into
// the mailbox, the consumer shows them and drives shutdown, and the
// watchdog detects the end of the stream.
type DecodeSession struct {
	id      uuid.UUID
	index   int
	cfg     SessionConfig
	dec     *Decoder
	stream  *Stream
	log     zerolog.Logger
	m       *Metrics
	mailbox *frameMailbox
	target  int
	nominal time.Duration

	feeder, drain, watchdog, consumer *worker

	ready      chan struct{}
	readyOnce  sync.Once
	resume     chan struct{}
	resumeOnce sync.Once
	done       chan struct{}

	decoded atomic.Int64
	playing atomic.Bool
	eos     atomic.Bool
	quit    atomic.Bool

	mu             sync.Mutex
	started        bool
	frames         int
	err            error
	start, stop    time.Time
	videoW, videoH int
}

// NewDecodeSession negotiates the decoder and allocates its input buffers.
// The session starts paused: Start launches the feeder, Ready is closed
// once the output buffers exist, and Resume lets frames flow.
func NewDecodeSession(cfg SessionConfig) (*DecodeSession, error) {
	if cfg.Device == nil {
		return nil, errors.New("decode session: no device")
	}
	if cfg.Stream == nil || cfg.Stream.Len() == 0 {
		cfg.Device.Close()
		return nil, fmt.Errorf("decode session %d: %w", cfg.Index, ErrEmptyStream)
	}
	if cfg.TargetFrames <= 0 {
		cfg.TargetFrames = DefaultTargetFrames
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = DefaultDequeueTimeout
	}
	rate := cfg.Stream.Rate
	if rate <= 0 {
		rate = DefaultFrameRate
	}
	nominal := time.Second / time.Duration(rate)
	if cfg.Watchdog.Interval <= 0 {
		cfg.Watchdog.Interval = nominal
	}
	if cfg.Watchdog.StallSamples <= 0 {
		cfg.Watchdog.StallSamples = DefaultStallSamples
	}

	id := uuid.New()
	log := cfg.Logger.With().Str("session", id.String()).Logger()
	dec, err := OpenDecoder(cfg.Device, DecoderConfig{
		Index:   cfg.Index,
		Width:   cfg.Stream.Width,
		Height:  cfg.Stream.Height,
		Format:  cfg.Stream.PixelFormat,
		Logger:  log,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	s := &DecodeSession{
		id:       id,
		index:    cfg.Index,
		cfg:      cfg,
		dec:      dec,
		stream:   cfg.Stream,
		log:      log.With().Int("decoder", cfg.Index).Logger(),
		m:        cfg.Metrics,
		mailbox:  newFrameMailbox(),
		target:   cfg.TargetFrames * rate / 24,
		nominal:  nominal,
		feeder:   newWorker(),
		drain:    newWorker(),
		watchdog: newWorker(),
		consumer: newWorker(),
		ready:    make(chan struct{}),
		resume:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.log.Info().Int("frames", s.target).Int("rate", rate).Msg("decoder to decode frames")
	return s, nil
}

// ID returns the session id used in logs.
func (s *DecodeSession) ID() uuid.UUID { return s.id }

// Decoder returns the negotiated decoder.
func (s *DecodeSession) Decoder() *Decoder { return s.dec }

// Start launches the feeder and consumer goroutines.
func (s *DecodeSession) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.m.sessionStarted()
	s.playing.Store(true)
	s.feeder.run(s.feed)
	s.consumer.run(s.consume)
}

// Ready is closed when the first access unit is queued and the output
// buffers are allocated. A session that fails first closes Done instead.
func (s *DecodeSession) Ready() <-chan struct{} { return s.ready }

// Resume lets decoded frames flow and starts the clock for Stats.FPS.
func (s *DecodeSession) Resume() {
	s.resumeOnce.Do(func() {
		s.mu.Lock()
		s.start = time.Now()
		s.mu.Unlock()
		close(s.resume)
	})
}

// Done is closed when every goroutine has exited and the decoder is
// closed.
func (s *DecodeSession) Done() <-chan struct{} { return s.done }

// Err returns the first error the session hit.
func (s *DecodeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop asks the session to end and waits until it has.
func (s *DecodeSession) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = true
	s.mu.Unlock()
	if !started {
		s.m.sessionStarted()
		s.finish()
		return
	}
	s.quit.Store(true)
	<-s.done
}

// Stats returns a snapshot of the session's progress.
func (s *DecodeSession) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		ID:          s.id,
		Index:       s.index,
		Rate:        s.stream.Rate,
		Frames:      s.frames,
		Target:      s.target,
		Decoded:     s.decoded.Load(),
		Dropped:     s.mailbox.Drops(),
		Start:       s.start,
		Stop:        s.stop,
		VideoWidth:  s.videoW,
		VideoHeight: s.videoH,
		EOS:         s.eos.Load(),
		Err:         s.err,
	}
}

// fail records the first error and starts the stop cascade.
func (s *DecodeSession) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
		s.log.Error().Err(err).Msg("decode session failed")
	}
	s.mu.Unlock()
	s.quit.Store(true)
}

func (s *DecodeSession) feed() {
	dec := s.dec
	if err := dec.dev.StreamOn(dec.inType); err != nil {
		s.fail(fmt.Errorf("decoder %d: input stream on: %w", s.index, err))
		return
	}

	for i := 0; !s.feeder.stopping(); {
		slot, err := dec.acquireInput(s.cfg.DequeueTimeout)
		if errors.Is(err, errDequeueTimeout) {
			continue
		}
		if err != nil {
			if !s.feeder.stopping() {
				s.fail(fmt.Errorf("decoder %d: input buffer: %w", s.index, err))
			}
			return
		}
		if err := dec.queueInput(slot, s.stream.Unit(i)); err != nil {
			if !s.feeder.stopping() {
				s.fail(fmt.Errorf("decoder %d: queue input %d: %w", s.index, i, err))
			}
			return
		}
		s.log.Trace().Int("unit", i).Uint32("buffer", slot.buf.Index).Msg("queued input")
		i++

		if i == 1 && !s.beginOutput() {
			return
		}
	}
}

// beginOutput runs after the first access unit is queued: it sets up the
// output side, reports ready, waits for Resume and starts the drain and
// watchdog.
func (s *DecodeSession) beginOutput() bool {
	if err := s.dec.setOutputFormat(); err != nil {
		s.fail(err)
		return false
	}
	if err := s.dec.setupOutputBuffers(); err != nil {
		s.fail(err)
		return false
	}
	s.readyOnce.Do(func() { close(s.ready) })

	select {
	case <-s.resume:
	case <-s.feeder.stop:
		return false
	}
	s.drain.run(s.drainFrames)
	s.watchdog.run(s.watch)
	return true
}

func (s *DecodeSession) drainFrames() {
	dec := s.dec
	if err := dec.startOutput(); err != nil {
		s.fail(err)
		return
	}
	w, h := dec.VideoSize()
	s.mu.Lock()
	s.videoW, s.videoH = w, h
	s.mu.Unlock()

	var (
		last    time.Time
		retired []int
	)
	requeue := func(id int) bool {
		slot := dec.outputSlot(id)
		if slot == nil {
			return true
		}
		if err := dec.queueOutput(slot); err != nil {
			if !s.drain.stopping() {
				s.fail(fmt.Errorf("decoder %d: requeue output %d: %w", s.index, id, err))
			}
			return false
		}
		return true
	}
	requeueRetired := func() bool {
		retired = s.mailbox.TakeRetired(retired[:0])
		for _, id := range retired {
			if !requeue(id) {
				return false
			}
		}
		return true
	}

	for !s.drain.stopping() {
		slot, err := dec.dequeueOutput(s.cfg.DequeueTimeout)
		if errors.Is(err, errDequeueTimeout) {
			if !requeueRetired() {
				return
			}
			continue
		}
		if err != nil {
			if !s.drain.stopping() {
				s.fail(fmt.Errorf("decoder %d: output buffer: %w", s.index, err))
			}
			return
		}
		s.decoded.Add(1)

		if !s.cfg.DisablePacing {
			now := time.Now()
			if !last.IsZero() {
				if d := pacingDelay(now.Sub(last), s.nominal); d > 0 {
					select {
					case <-time.After(d):
					case <-s.drain.stop:
					}
				}
			}
			last = time.Now()
		}

		id := int(slot.buf.Index)
		if dropped, ok := s.mailbox.Publish(id); ok {
			s.m.frameDropped(s.index)
			if !requeue(dropped) {
				return
			}
		}
		if !requeueRetired() {
			return
		}
	}
}

// pacingDelay returns how long to hold a frame that arrived period after
// the previous one so output does not run ahead of the nominal frame
// period. Short gaps are not worth a sleep.
func pacingDelay(period, nominal time.Duration) time.Duration {
	delay := nominal - period
	if delay > 2*time.Millisecond && delay <= nominal {
		return delay - time.Millisecond
	}
	return 0
}

func (s *DecodeSession) watch() {
	policy := s.cfg.Watchdog
	t := time.NewTicker(policy.Interval)
	defer t.Stop()

	last := s.decoded.Load()
	stalled := 0
	for {
		select {
		case <-s.watchdog.stop:
			return
		case <-t.C:
		}
		n := s.decoded.Load()
		if n != last {
			last, stalled = n, 0
			continue
		}
		stalled++
		if stalled >= policy.StallSamples {
			s.log.Info().Int64("frames", n).Msg("end of stream")
			s.eos.Store(true)
			s.playing.Store(false)
			return
		}
	}
}

func (s *DecodeSession) consume() {
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()

	for {
		<-t.C
		if s.playing.Load() {
			s.updateFrame()
		}

		s.mu.Lock()
		reached := s.frames >= s.target
		s.mu.Unlock()
		if reached || !s.playing.Load() || s.quit.Load() {
			s.feeder.requestStop()
		}
		if s.feeder.exited() {
			s.drain.requestStop()
			if s.drain.exited() {
				break
			}
		}
	}
	s.finish()
}

// updateFrame shows the newest decoded frame, if there is one and the
// target has not been reached.
func (s *DecodeSession) updateFrame() {
	s.mu.Lock()
	if s.frames >= s.target {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	id, ok := s.mailbox.Advance()
	if !ok {
		return
	}
	slot := s.dec.outputSlot(id)
	if slot == nil {
		return
	}

	s.mu.Lock()
	s.frames++
	seq := uint64(s.frames)
	s.mu.Unlock()
	s.m.frameDecoded(s.index)

	if s.cfg.Surface != nil && s.cfg.Importer != nil {
		f := s.dec.frameDescriptor(slot, s.cfg.Layout, seq)
		if err := s.cfg.Surface.replace(s.cfg.Importer, f); err != nil {
			s.log.Warn().Err(err).Int("fd", f.LumaFD).Uint64("frame", seq).Msg("import frame")
		}
	}
}

// finish joins every goroutine, releases the surface images and closes
// the decoder.
func (s *DecodeSession) finish() {
	s.feeder.requestStop()
	s.drain.requestStop()
	s.watchdog.requestStop()
	s.feeder.join()
	s.drain.join()
	s.watchdog.join()

	if s.cfg.Surface != nil && s.cfg.Importer != nil {
		s.cfg.Surface.release(s.cfg.Importer)
	}
	s.mailbox.Reset()
	if err := s.dec.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close decoder")
	}

	s.mu.Lock()
	s.stop = time.Now()
	err := s.err
	stats := zerolog.Dict().Int("frames", s.frames).Int("dropped", s.mailbox.Drops())
	s.mu.Unlock()
	s.m.sessionEnded(err)
	s.log.Info().Dict("stats", stats).Bool("eos", s.eos.Load()).Msg("decoder done")
	close(s.done)
}
