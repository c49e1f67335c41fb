package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/qubic/go-court/entities"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

type Consumer struct {
	kcl     *kgo.Client
	maxPoll int
	logger  *zap.SugaredLogger
}

func NewConsumer(kafkaClient *kgo.Client, maxPoll int, logger *zap.SugaredLogger) *Consumer {
	return &Consumer{
		kcl:     kafkaClient,
		maxPoll: maxPoll,
		logger:  logger,
	}
}

func (c *Consumer) PollMessages(ctx context.Context) ([]entities.Event, error) {
	fetches := c.kcl.PollRecords(ctx, c.maxPoll)
	if errs := fetches.Errors(); len(errs) > 0 {
		for _, err := range errs {
			c.logger.Errorw("Error fetching records", "topic", err.Topic, "partition", err.Partition, "error", err.Err)
		}
		return nil, errors.New("fetching records")
	}

	var messages []entities.Event
	iter := fetches.RecordIter()
	for !iter.Done() {
		record := iter.Next()
		event, err := unmarshallEvent(record)
		if err != nil {
			return nil, fmt.Errorf("unmarshalling record %s: %w", string(record.Value), err)
		}
		messages = append(messages, event)
	}
	return messages, nil
}

func (c *Consumer) AllowRebalance() {
	c.kcl.AllowRebalance()
}

func (c *Consumer) Commit(ctx context.Context) error {
	err := c.kcl.CommitUncommittedOffsets(ctx)
	if err != nil {
		return fmt.Errorf("committing offsets: %w", err)
	}
	return nil
}

func unmarshallEvent(record *kgo.Record) (entities.Event, error) {
	var event entities.Event
	err := json.Unmarshal(record.Value, &event)
	if err != nil {
		return entities.Event{}, err
	}
	if event.Type == "" {
		return entities.Event{}, errors.New("missing event type")
	}
	return event, nil
}
