// Package metrics exposes Prometheus-backed gauges and counters for the
// session, replay, and index subsystems.
//
// A nil *Metrics is a valid, zero-overhead value: every method guards on a
// nil receiver, so callers that run with metrics disabled pass nil straight
// through to session/replay/engine constructors exactly as they would an
// enabled instance, following marmos91-dittofs/pkg/metrics/prometheus's
// nil-if-disabled convention (see badger.go/cache.go in that package).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the registered collectors for one engine instance. All
// fields are unexported; callers only ever see the Record*/Set* methods
// below.
type Metrics struct {
	sessionsActive     prometheus.Gauge
	sessionState       *prometheus.GaugeVec
	messagesIn         *prometheus.CounterVec
	messagesOut        *prometheus.CounterVec
	sequenceGaps       prometheus.Counter
	resendsServed      prometheus.Counter
	resendMessagesSent prometheus.Counter
	backPressureEvents *prometheus.CounterVec
	indexFlushes       prometheus.Counter
	indexFlushDuration prometheus.Histogram
	archiveAppends     prometheus.Counter
	replayQueueDepth   prometheus.Gauge
}

// New registers a full set of collectors against reg and returns a *Metrics
// backed by them. Passing a nil reg is how callers disable metrics: New
// returns nil, and every method on a nil *Metrics is a no-op, so disabling
// metrics never requires a second code path at the call site.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &Metrics{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "artio_sessions_active",
			Help: "Number of sessions currently tracked by the engine.",
		}),
		sessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "artio_session_state",
			Help: "1 for the session's current state, 0 otherwise, labeled by state name.",
		}, []string{"session_id", "state"}),
		messagesIn: f.NewCounterVec(prometheus.CounterOpts{
			Name: "artio_messages_in_total",
			Help: "Inbound messages processed, labeled by message type.",
		}, []string{"msg_type"}),
		messagesOut: f.NewCounterVec(prometheus.CounterOpts{
			Name: "artio_messages_out_total",
			Help: "Outbound messages emitted, labeled by message type.",
		}, []string{"msg_type"}),
		sequenceGaps: f.NewCounter(prometheus.CounterOpts{
			Name: "artio_sequence_gaps_total",
			Help: "Number of inbound sequence gaps detected.",
		}),
		resendsServed: f.NewCounter(prometheus.CounterOpts{
			Name: "artio_resends_served_total",
			Help: "Number of ResendRequests the replayer has serviced.",
		}),
		resendMessagesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "artio_resend_messages_sent_total",
			Help: "Number of individual gap-fill/application-resend messages emitted.",
		}),
		backPressureEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "artio_back_pressure_total",
			Help: "Number of BACK_PRESSURE results returned by the transport, labeled by cause.",
		}, []string{"cause"}),
		indexFlushes: f.NewCounter(prometheus.CounterOpts{
			Name: "artio_index_flushes_total",
			Help: "Number of sequence index flush-to-disk operations.",
		}),
		indexFlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "artio_index_flush_duration_seconds",
			Help:    "Duration of sequence index flush-to-disk operations.",
			Buckets: prometheus.DefBuckets,
		}),
		archiveAppends: f.NewCounter(prometheus.CounterOpts{
			Name: "artio_archive_appends_total",
			Help: "Number of messages appended to the archive store.",
		}),
		replayQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "artio_replay_queue_depth",
			Help: "Number of resend requests currently queued awaiting a replay slot.",
		}),
	}
}

func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// SetSessionState zeroes every other known state label for sessionID and
// sets state to 1, so a Prometheus query for the metric's current value
// always reflects exactly one state per session.
func (m *Metrics) SetSessionState(sessionID string, allStates []string, state string) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.sessionState.WithLabelValues(sessionID, s).Set(v)
	}
}

func (m *Metrics) RecordMessageIn(msgType string) {
	if m == nil {
		return
	}
	m.messagesIn.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordMessageOut(msgType string) {
	if m == nil {
		return
	}
	m.messagesOut.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordSequenceGap() {
	if m == nil {
		return
	}
	m.sequenceGaps.Inc()
}

func (m *Metrics) RecordResendServed() {
	if m == nil {
		return
	}
	m.resendsServed.Inc()
}

func (m *Metrics) RecordResendMessageSent() {
	if m == nil {
		return
	}
	m.resendMessagesSent.Inc()
}

func (m *Metrics) RecordBackPressure(cause string) {
	if m == nil {
		return
	}
	m.backPressureEvents.WithLabelValues(cause).Inc()
}

func (m *Metrics) RecordIndexFlush(seconds float64) {
	if m == nil {
		return
	}
	m.indexFlushes.Inc()
	m.indexFlushDuration.Observe(seconds)
}

func (m *Metrics) RecordArchiveAppend() {
	if m == nil {
		return
	}
	m.archiveAppends.Inc()
}

func (m *Metrics) SetReplayQueueDepth(n int) {
	if m == nil {
		return
	}
	m.replayQueueDepth.Set(float64(n))
}
