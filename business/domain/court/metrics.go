package court

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/qubic/go-court/entities"
)

type Metrics struct {
	lastEnsuredTermGauge  prometheus.Gauge
	disputeCountGauge     prometheus.Gauge
	heartbeatCount        prometheus.Counter
	createdDisputeCount   prometheus.Counter
	rejectedCallCount     *prometheus.CounterVec
	failedPublishingCount prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(registerer)
	m := Metrics{
		lastEnsuredTermGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_last_ensured_term", namespace),
			Help: "The latest term the ledger has reconciled",
		}),
		disputeCountGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_dispute_count", namespace),
			Help: "The number of disputes in the ledger",
		}),
		heartbeatCount: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_heartbeat_count", namespace),
			Help: "The total number of term transitions",
		}),
		createdDisputeCount: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_created_dispute_count", namespace),
			Help: "The total number of disputes created since start",
		}),
		rejectedCallCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_rejected_call_count", namespace),
			Help: "The total number of rejected ledger calls",
		}, []string{"operation", "kind"}),
		failedPublishingCount: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_failed_publishing_count", namespace),
			Help: "The total number of event batches that could not be published",
		}),
	}
	return &m
}

func (m *Metrics) SetLedger(lastEnsuredTerm uint64, disputes int) {
	m.lastEnsuredTermGauge.Set(float64(lastEnsuredTerm))
	m.disputeCountGauge.Set(float64(disputes))
}

func (m *Metrics) AddHeartbeats(count int) {
	m.heartbeatCount.Add(float64(count))
}

func (m *Metrics) IncCreatedDisputes() {
	m.createdDisputeCount.Inc()
}

func (m *Metrics) IncRejectedCalls(operation string, err error) {
	kind := entities.KindOf(err)
	if kind == "" {
		kind = "internal"
	}
	m.rejectedCallCount.WithLabelValues(operation, string(kind)).Inc()
}

func (m *Metrics) IncFailedPublishing() {
	m.failedPublishingCount.Inc()
}
