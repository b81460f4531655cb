package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamhub"

// Metrics holds every collector the hub exports. All recording methods are
// safe to call on a nil *Metrics, which lets components run without metrics
// in tests.
type Metrics struct {
	registry *prometheus.Registry

	SourceFramesIngested    *prometheus.CounterVec
	SourceFramesDropped     *prometheus.CounterVec
	SourceReadErrors        *prometheus.CounterVec
	NormalizeFailures       *prometheus.CounterVec
	SyncQuality             prometheus.Histogram
	SyncRecalibrations      *prometheus.CounterVec
	SubscriberFramesSent    *prometheus.CounterVec
	SubscriberFramesDropped *prometheus.CounterVec
	SubscribersEvicted      prometheus.Counter
	FanoutLatency           prometheus.Histogram
	HandshakeRejections     *prometheus.CounterVec
	ActiveSources           prometheus.Gauge
	ActiveSubscribers       prometheus.Gauge
	EventsDropped           prometheus.Counter
	ArchiveSegments         *prometheus.CounterVec
}

// New creates a Metrics set registered on a fresh registry together with the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SourceFramesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_frames_ingested_total",
			Help:      "Frames read from a source feed.",
		}, []string{"source"}),
		SourceFramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_frames_dropped_total",
			Help:      "Frames evicted from a full per-source queue.",
		}, []string{"source"}),
		SourceReadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_read_errors_total",
			Help:      "Failed reads from a source feed.",
		}, []string{"source"}),
		NormalizeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "normalize_failures_total",
			Help:      "Frames dropped because their payload could not be normalized.",
		}, []string{"source"}),
		SyncQuality: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_quality",
			Help:      "Sync quality score attached to distributed frames.",
			Buckets:   []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 0.95, 0.99, 1},
		}),
		SyncRecalibrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_recalibrations_total",
			Help:      "Times a source clock estimate was restarted after an offset jump.",
		}, []string{"source"}),
		SubscriberFramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_frames_sent_total",
			Help:      "Frames written to a subscriber transport.",
		}, []string{"subscriber"}),
		SubscriberFramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_frames_dropped_total",
			Help:      "Frames discarded by a subscriber delivery queue.",
		}, []string{"subscriber"}),
		SubscribersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribers_evicted_total",
			Help:      "Subscribers drained because their queue kept overflowing.",
		}),
		FanoutLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_latency_seconds",
			Help:      "Time to enqueue one frame into every matching subscriber queue.",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .0025, .005, .01},
		}),
		HandshakeRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_rejections_total",
			Help:      "Consumer handshakes rejected during negotiation.",
		}, []string{"reason"}),
		ActiveSources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sources",
			Help:      "Sources with a running ingestion worker.",
		}),
		ActiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscribers",
			Help:      "Subscribers currently in the active state.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Lifecycle events discarded because the emitter buffer was full.",
		}),
		ArchiveSegments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_segments_total",
			Help:      "Archive segments written, by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SourceFramesIngested,
		m.SourceFramesDropped,
		m.SourceReadErrors,
		m.NormalizeFailures,
		m.SyncQuality,
		m.SyncRecalibrations,
		m.SubscriberFramesSent,
		m.SubscriberFramesDropped,
		m.SubscribersEvicted,
		m.FanoutLatency,
		m.HandshakeRejections,
		m.ActiveSources,
		m.ActiveSubscribers,
		m.EventsDropped,
		m.ArchiveSegments,
	)
	return m
}

// Registry exposes the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) FrameIngested(sourceID string) {
	if m == nil {
		return
	}
	m.SourceFramesIngested.WithLabelValues(sourceID).Inc()
}

func (m *Metrics) SourceDropped(sourceID string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SourceFramesDropped.WithLabelValues(sourceID).Add(float64(n))
}

func (m *Metrics) ReadError(sourceID string) {
	if m == nil {
		return
	}
	m.SourceReadErrors.WithLabelValues(sourceID).Inc()
}

func (m *Metrics) NormalizeFailed(sourceID string) {
	if m == nil {
		return
	}
	m.NormalizeFailures.WithLabelValues(sourceID).Inc()
}

func (m *Metrics) ObserveSyncQuality(q float64) {
	if m == nil {
		return
	}
	m.SyncQuality.Observe(q)
}

func (m *Metrics) Recalibrated(sourceID string) {
	if m == nil {
		return
	}
	m.SyncRecalibrations.WithLabelValues(sourceID).Inc()
}

func (m *Metrics) FrameSent(subscriberID string) {
	if m == nil {
		return
	}
	m.SubscriberFramesSent.WithLabelValues(subscriberID).Inc()
}

func (m *Metrics) SubscriberDropped(subscriberID string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SubscriberFramesDropped.WithLabelValues(subscriberID).Add(float64(n))
}

func (m *Metrics) SubscriberEvicted() {
	if m == nil {
		return
	}
	m.SubscribersEvicted.Inc()
}

func (m *Metrics) ObserveFanout(d time.Duration) {
	if m == nil {
		return
	}
	m.FanoutLatency.Observe(d.Seconds())
}

func (m *Metrics) HandshakeRejected(reason string) {
	if m == nil {
		return
	}
	m.HandshakeRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetActiveSources(n int) {
	if m == nil {
		return
	}
	m.ActiveSources.Set(float64(n))
}

func (m *Metrics) SetActiveSubscribers(n int) {
	if m == nil {
		return
	}
	m.ActiveSubscribers.Set(float64(n))
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) ArchiveSegment(outcome string) {
	if m == nil {
		return
	}
	m.ArchiveSegments.WithLabelValues(outcome).Inc()
}
