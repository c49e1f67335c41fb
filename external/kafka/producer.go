package kafka

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/qubic/go-court/entities"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const eventTypeHeader = "event-type"

type KafkaClient interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

type Producer struct {
	kcl    KafkaClient
	logger *zap.SugaredLogger
}

func NewProducer(kafkaClient KafkaClient, logger *zap.SugaredLogger) *Producer {
	return &Producer{
		kcl:    kafkaClient,
		logger: logger,
	}
}

// Publish produces one record per event and waits for all of them to be acknowledged.
func (p *Producer) Publish(ctx context.Context, events []entities.Event) error {
	records := make([]*kgo.Record, 0, len(events))
	for _, e := range events {
		record, err := createEventRecord(e)
		if err != nil {
			return fmt.Errorf("creating %s record: %w", e.Type, err)
		}
		records = append(records, record)
	}

	var wg sync.WaitGroup
	errorChannel := make(chan error, len(records))
	for _, record := range records {
		wg.Add(1)
		p.kcl.Produce(ctx, record, func(_ *kgo.Record, err error) {
			defer wg.Done()
			if err != nil {
				p.logger.Errorw("Error while producing event record", "key", record.Key, "error", err)
				errorChannel <- err
			}
		})
	}
	wg.Wait()
	close(errorChannel)

	failed := len(errorChannel)
	if failed > 0 {
		return fmt.Errorf("%d of %d event records failed: %w", failed, len(records), <-errorChannel)
	}
	return nil
}

// createEventRecord keys dispute events by dispute id so that every change of a dispute lands on the same
// partition in order. Heartbeats are keyed by term.
func createEventRecord(e entities.Event) (*kgo.Record, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshalling event to json: %w", err)
	}

	key := make([]byte, 9)
	if id, ok := e.DisputeID(); ok {
		key[0] = 'd'
		binary.BigEndian.PutUint64(key[1:], id)
	} else if e.Heartbeat != nil {
		key[0] = 't'
		binary.BigEndian.PutUint64(key[1:], e.Heartbeat.TermID)
	} else {
		return nil, fmt.Errorf("event without payload")
	}

	return &kgo.Record{
		Key:     key,
		Value:   payload,
		Headers: []kgo.RecordHeader{{Key: eventTypeHeader, Value: []byte(e.Type)}},
	}, nil
}
