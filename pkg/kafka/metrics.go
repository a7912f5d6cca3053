package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ProducerMetrics records publish outcomes per topic.
type ProducerMetrics struct {
	published *prometheus.CounterVec
	failed    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewProducerMetrics registers the producer collectors on reg.
func NewProducerMetrics(reg prometheus.Registerer) (*ProducerMetrics, error) {
	m := &ProducerMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_producer_messages_published_total",
			Help: "Total number of Kafka messages published",
		}, []string{"topic"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_producer_publish_errors_total",
			Help: "Total number of Kafka publish errors",
		}, []string{"topic"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kafka_producer_publish_duration_seconds",
			Help:    "Duration of Kafka publish operations in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
	}

	for _, c := range []prometheus.Collector{m.published, m.failed, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *ProducerMetrics) observe(topic string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(topic).Observe(seconds)
	if err != nil {
		m.failed.WithLabelValues(topic).Inc()
		return
	}
	m.published.WithLabelValues(topic).Inc()
}
