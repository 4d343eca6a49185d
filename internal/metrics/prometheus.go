package metrics

import (
	"sync/atomic"
	"time"

	"github.com/amanullahtanweer/revstream/internal/streaming"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exports session activity to Prometheus. One Collector serves every session
// of the process; each session gets its own observer from Observe.
type Collector struct {
	// Session lifecycle
	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsClosed  prometheus.Counter
	SessionDuration prometheus.Histogram
	Transitions     *prometheus.CounterVec

	// Audio
	ChunksQueued   prometheus.Counter
	ChunksRejected prometheus.Counter
	ChunksSent     prometheus.Counter
	BytesSent      prometheus.Counter

	// Service
	ConnectFailures prometheus.Counter
	Events          *prometheus.CounterVec
}

// NewCollector registers the metrics with reg. Passing nil uses the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "revstream_sessions_active",
			Help: "Number of sessions that have not reached CLOSED",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "revstream_sessions_started_total",
			Help: "Total number of sessions started",
		}),
		SessionsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "revstream_sessions_closed_total",
			Help: "Total number of sessions that reached CLOSED",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "revstream_session_duration_seconds",
			Help:    "Time from first connect to CLOSED",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "revstream_state_transitions_total",
			Help: "State transitions by target state",
		}, []string{"to"}),
		ChunksQueued: f.NewCounter(prometheus.CounterOpts{
			Name: "revstream_chunks_queued_total",
			Help: "Audio chunks accepted into session queues",
		}),
		ChunksRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "revstream_chunks_rejected_total",
			Help: "Audio chunks rejected because the session was closing",
		}),
		ChunksSent: f.NewCounter(prometheus.CounterOpts{
			Name: "revstream_chunks_sent_total",
			Help: "Audio chunks written to the service",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "revstream_audio_bytes_sent_total",
			Help: "Audio bytes written to the service",
		}),
		ConnectFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "revstream_connect_failures_total",
			Help: "Failed websocket handshakes",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "revstream_events_total",
			Help: "Messages received from the service by type",
		}, []string{"type"}),
	}
}

// Observe returns an observer for one session, tracking its duration.
func (c *Collector) Observe() streaming.Observer {
	return &sessionCollector{Collector: c}
}

type sessionCollector struct {
	*Collector
	started atomic.Int64
}

func (c *sessionCollector) StateChanged(_ string, from, to streaming.State) {
	c.Transitions.WithLabelValues(to.String()).Inc()

	switch {
	case from == streaming.StateIdle && to != streaming.StateClosed:
		c.started.Store(time.Now().UnixNano())
		c.SessionsStarted.Inc()
		c.ActiveSessions.Inc()
	case to == streaming.StateClosed:
		c.SessionsClosed.Inc()
		if started := c.started.Swap(0); started != 0 {
			c.ActiveSessions.Dec()
			c.SessionDuration.Observe(time.Since(time.Unix(0, started)).Seconds())
		}
	}
}

func (c *sessionCollector) ChunkQueued(string, int) { c.ChunksQueued.Inc() }

func (c *sessionCollector) ChunkRejected(string, int) { c.ChunksRejected.Inc() }

func (c *sessionCollector) ChunkSent(_ string, size int) {
	c.ChunksSent.Inc()
	c.BytesSent.Add(float64(size))
}

func (c *sessionCollector) ConnectFailed(string, error) { c.ConnectFailures.Inc() }

func (c *sessionCollector) EventReceived(_ string, ev streaming.Event) {
	c.Events.WithLabelValues(ev.Type).Inc()
}
