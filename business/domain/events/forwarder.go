package events

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/qubic/go-court/entities"
	"go.uber.org/zap"
)

type Sink interface {
	Publish(ctx context.Context, events []entities.Event) error
}

// Cursor stores the offset of the first record not yet delivered to the sink.
type Cursor interface {
	GetForwardedOffset() (uint64, error)
	SaveForwardedOffset(offset uint64) error
}

type ForwarderConfig struct {
	BatchSize      int
	AttemptTimeout time.Duration
	MinRetryDelay  time.Duration
	MaxRetryDelay  time.Duration
}

// Forwarder delivers the log to a sink at least once and in offset order. Delivery runs on the forwarder's own
// context, so no caller of the court waits for the sink.
type Forwarder struct {
	log     *Log
	sink    Sink
	cursor  Cursor
	config  ForwarderConfig
	metrics *ForwarderMetrics
	logger  *zap.SugaredLogger
}

func NewForwarder(log *Log, sink Sink, cursor Cursor, config ForwarderConfig, metrics *ForwarderMetrics, logger *zap.SugaredLogger) *Forwarder {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = 30 * time.Second
	}
	if config.MinRetryDelay <= 0 {
		config.MinRetryDelay = 500 * time.Millisecond
	}
	config.MaxRetryDelay = max(config.MaxRetryDelay, config.MinRetryDelay)
	return &Forwarder{
		log:     log,
		sink:    sink,
		cursor:  cursor,
		config:  config,
		metrics: metrics,
		logger:  logger,
	}
}

// Run forwards until ctx is cancelled, which is a clean stop and returns nil. Sink failures are retried forever.
func (f *Forwarder) Run(ctx context.Context) error {
	next, err := f.cursor.GetForwardedOffset()
	if err != nil {
		return fmt.Errorf("getting forwarded offset: %w", err)
	}
	f.logger.Infow("Forwarding events", "from", next)

	for {
		batch, err := f.log.Next(ctx, next, f.config.BatchSize)
		if err != nil {
			// Next only fails once ctx is done.
			return nil
		}

		events := make([]entities.Event, 0, len(batch))
		for _, r := range batch {
			events = append(events, r.Event)
		}
		if !f.deliver(ctx, next, events) {
			return nil
		}

		next = batch[len(batch)-1].Offset + 1
		if err := f.cursor.SaveForwardedOffset(next); err != nil {
			return fmt.Errorf("saving forwarded offset %d: %w", next, err)
		}
		f.metrics.AddForwarded(len(batch), next)
	}
}

// deliver retries with a doubling delay until the sink accepts the batch. It returns false when ctx ends first.
func (f *Forwarder) deliver(ctx context.Context, from uint64, events []entities.Event) bool {
	delay := f.config.MinRetryDelay
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, f.config.AttemptTimeout)
		err := f.sink.Publish(attemptCtx, events)
		cancel()
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		f.metrics.IncFailedAttempts()
		f.logger.Warnw("Failed to forward events", "from", from, "count", len(events), "attempt", attempt, "retryIn", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}
		delay = min(delay*2, f.config.MaxRetryDelay)
	}
}

type ForwarderMetrics struct {
	forwardedCount      prometheus.Counter
	forwardedOffset     prometheus.Gauge
	failedAttemptsCount prometheus.Counter
}

func NewForwarderMetrics(registerer prometheus.Registerer, namespace string) *ForwarderMetrics {
	factory := promauto.With(registerer)
	return &ForwarderMetrics{
		forwardedCount: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_forwarded_event_count", namespace),
			Help: "The total number of events delivered to the event stream",
		}),
		forwardedOffset: factory.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_forwarded_event_offset", namespace),
			Help: "The offset of the next event to deliver",
		}),
		failedAttemptsCount: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_failed_forwarding_attempt_count", namespace),
			Help: "The total number of failed delivery attempts",
		}),
	}
}

func (m *ForwarderMetrics) AddForwarded(count int, next uint64) {
	m.forwardedCount.Add(float64(count))
	m.forwardedOffset.Set(float64(next))
}

func (m *ForwarderMetrics) IncFailedAttempts() {
	m.failedAttemptsCount.Inc()
}
