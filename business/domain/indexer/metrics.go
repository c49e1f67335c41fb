package indexer

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	processedMessageCount prometheus.Counter
	lastTermGauge         prometheus.Gauge
}

func NewMetrics(registerer prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(registerer)
	m := Metrics{
		processedMessageCount: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_processed_message_count", namespace),
			Help: "The total number of processed event records",
		}),
		lastTermGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_last_term", namespace),
			Help: "The latest term seen in the event stream",
		}),
	}
	return &m
}

func (m *Metrics) AddProcessedMessages(count int) {
	m.processedMessageCount.Add(float64(count))
}

func (m *Metrics) SetLastTerm(term uint64) {
	m.lastTermGauge.Set(float64(term))
}
