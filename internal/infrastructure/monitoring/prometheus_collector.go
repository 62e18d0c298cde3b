package monitoring

import (
	"time"

	"stagecast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	connectionsActive prometheus.Gauge
	stagesActive      prometheus.Gauge
	connectionsTotal  prometheus.Counter

	signalMessagesTotal *prometheus.CounterVec
	signalErrorsTotal   *prometheus.CounterVec

	requestDuration prometheus.Histogram

	stageParticipants *prometheus.GaugeVec
	producersTotal    *prometheus.CounterVec
	producersActive   prometheus.Gauge
	consumersActive   prometheus.Gauge
	transportsActive  prometheus.Gauge
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stagecast_connections_active",
			Help: "Number of open signaling connections",
		}),

		stagesActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stagecast_stages_active",
			Help: "Number of active stages",
		}),

		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stagecast_connections_total",
			Help: "Total number of signaling connections accepted",
		}),

		signalMessagesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stagecast_signal_messages_total",
			Help: "Total number of signaling messages handled, by event",
		}, []string{"event"}),

		signalErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stagecast_signal_errors_total",
			Help: "Total number of signaling requests that returned an error, by event",
		}, []string{"event"}),

		requestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "stagecast_signal_request_duration_seconds",
			Help:    "Duration of signaling request handling",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),

		stageParticipants: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stagecast_stage_participants",
			Help: "Number of participants in each stage",
		}, []string{"stage_id"}),

		producersTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stagecast_producers_total",
			Help: "Total number of producers created, by media kind",
		}, []string{"kind"}),

		producersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stagecast_producers_active",
			Help: "Number of active producers",
		}),

		consumersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stagecast_consumers_active",
			Help: "Number of active consumers",
		}),

		transportsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stagecast_transports_active",
			Help: "Number of active media transports",
		}),
	}
}

func (p *PrometheusCollector) RecordConnectionOpened() {
	p.connectionsActive.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) RecordConnectionClosed() {
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) RecordSignalMessage(event string, duration time.Duration, err error) {
	p.signalMessagesTotal.WithLabelValues(event).Inc()
	p.requestDuration.Observe(duration.Seconds())
	if err != nil {
		p.signalErrorsTotal.WithLabelValues(event).Inc()
	}
}

func (p *PrometheusCollector) RecordStageCreated(stageID domain.StageID) {
	p.stagesActive.Inc()
}

func (p *PrometheusCollector) SetStageParticipants(stageID domain.StageID, count int) {
	p.stageParticipants.WithLabelValues(string(stageID)).Set(float64(count))
}

func (p *PrometheusCollector) RecordProducerAdded(kind domain.MediaKind) {
	p.producersTotal.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) SetProducersActive(count int) {
	p.producersActive.Set(float64(count))
}

func (p *PrometheusCollector) SetConsumersActive(count int) {
	p.consumersActive.Set(float64(count))
}

func (p *PrometheusCollector) SetTransportsActive(count int) {
	p.transportsActive.Set(float64(count))
}
