package call

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/securevoice/pkg/jitter"
)

const (
	metricsNamespace = "securevoice"
	metricsSubsystem = "call"
)

// Причины отброса пакетов
const (
	dropMalformed = "malformed"
	dropAuth      = "auth"
	dropTransport = "transport"
	dropCrypto    = "crypto"
	dropInsert    = "insert"
)

// Metrics Prometheus метрики одного звонка. Без Registerer метрики
// считаются, но никуда не регистрируются.
type Metrics struct {
	packetsSent     prometheus.Counter
	packetsReceived prometheus.Counter
	packetsDropped  *prometheus.CounterVec
	framesConcealed prometheus.Counter
	jitterDepth     prometheus.Gauge
	targetDelay     prometheus.Gauge
	jitterSeconds   prometheus.Gauge

	lastConcealed uint64
}

// NewMetrics создает метрики с меткой call_id
func NewMetrics(registerer prometheus.Registerer, callID string) *Metrics {
	factory := promauto.With(registerer)
	labels := prometheus.Labels{"call_id": callID}

	return &Metrics{
		packetsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "packets_sent_total",
			Help:        "Encrypted audio packets sent",
			ConstLabels: labels,
		}),
		packetsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "packets_received_total",
			Help:        "Authenticated audio packets received",
			ConstLabels: labels,
		}),
		packetsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "packets_dropped_total",
			Help:        "Audio packets dropped by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		framesConcealed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "frames_concealed_total",
			Help:        "Playback frames synthesized by loss concealment",
			ConstLabels: labels,
		}),
		jitterDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "jitter_buffer_depth_frames",
			Help:        "Frames waiting in the jitter buffer",
			ConstLabels: labels,
		}),
		targetDelay: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "jitter_buffer_target_delay_frames",
			Help:        "Current adaptive target delay of the jitter buffer",
			ConstLabels: labels,
		}),
		jitterSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "interarrival_jitter_seconds",
			Help:        "RFC 3550 interarrival jitter estimate",
			ConstLabels: labels,
		}),
	}
}

func (m *Metrics) dropped(reason string) {
	m.packetsDropped.WithLabelValues(reason).Inc()
}

// observeJitter вызывается из фоновой статистики jitter buffer
func (m *Metrics) observeJitter(stats jitter.Statistics) {
	m.jitterDepth.Set(float64(stats.Depth))
	m.targetDelay.Set(float64(stats.TargetDelayFrames))
	m.jitterSeconds.Set(stats.Jitter.Seconds())

	if stats.FramesConcealed > m.lastConcealed {
		m.framesConcealed.Add(float64(stats.FramesConcealed - m.lastConcealed))
		m.lastConcealed = stats.FramesConcealed
	}
}
