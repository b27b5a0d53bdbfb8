package vidplane

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by displays, plane pools
// and decode sessions. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Decode
	FramesDecoded      *prometheus.CounterVec
	FramesDropped      *prometheus.CounterVec
	InputBuffersQueued *prometheus.CounterVec
	SessionErrors      prometheus.Counter
	SessionsActive     prometheus.Gauge

	// Display
	Presents         *prometheus.CounterVec
	PlaneAllocations *prometheus.CounterVec
	DisplayFPS       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesDecoded: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vidplane_frames_decoded_total",
				Help: "Decoded frames handed to the renderer",
			},
			[]string{"decoder"},
		),
		FramesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vidplane_frames_dropped_total",
				Help: "Decoded frames superseded before the renderer observed them",
			},
			[]string{"decoder"},
		),
		InputBuffersQueued: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vidplane_input_buffers_queued_total",
				Help: "Access units queued to the decoder input",
			},
			[]string{"decoder"},
		),
		SessionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "vidplane_session_errors_total",
			Help: "Decode sessions that ended with an error",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "vidplane_sessions_active",
			Help: "Decode sessions currently running",
		}),
		Presents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vidplane_presents_total",
				Help: "Display presents by result",
			},
			[]string{"result"},
		),
		PlaneAllocations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vidplane_plane_allocations_total",
				Help: "Plane allocation attempts by kind and result",
			},
			[]string{"kind", "result"},
		),
		DisplayFPS: f.NewGauge(prometheus.GaugeOpts{
			Name: "vidplane_display_fps",
			Help: "Presents per second over the last measurement window",
		}),
	}
}

func (m *Metrics) frameDecoded(decoder int) {
	if m != nil {
		m.FramesDecoded.WithLabelValues(strconv.Itoa(decoder)).Inc()
	}
}

func (m *Metrics) frameDropped(decoder int) {
	if m != nil {
		m.FramesDropped.WithLabelValues(strconv.Itoa(decoder)).Inc()
	}
}

func (m *Metrics) inputQueued(decoder int) {
	if m != nil {
		m.InputBuffersQueued.WithLabelValues(strconv.Itoa(decoder)).Inc()
	}
}

func (m *Metrics) sessionStarted() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) sessionEnded(err error) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	if err != nil {
		m.SessionErrors.Inc()
	}
}

func (m *Metrics) present(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Presents.WithLabelValues(result).Inc()
}

func (m *Metrics) planeAllocation(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PlaneAllocations.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) displayFPS(fps float64) {
	if m != nil {
		m.DisplayFPS.Set(fps)
	}
}
