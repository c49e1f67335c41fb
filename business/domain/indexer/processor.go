// Package indexer projects the court event stream into one search document per dispute.
package indexer

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	"github.com/qubic/go-court/entities"
	"github.com/qubic/go-court/external/elastic"
	"go.uber.org/zap"
)

type KafkaClient interface {
	PollMessages(ctx context.Context) ([]entities.Event, error)
	Commit(ctx context.Context) error
	AllowRebalance()
}

type ElasticClient interface {
	BulkIndex(ctx context.Context, data []*elastic.EsDocument) error
}

// DisputeDocument is the indexed view of a dispute. Documents built from a creation record carry only round 0,
// which is the only round a new dispute has.
type DisputeDocument struct {
	ID              uint64                `json:"id"`
	Subject         entities.Address      `json:"subject"`
	PossibleRulings uint8                 `json:"possibleRulings"`
	State           entities.DisputeState `json:"state"`
	FinalRuling     uint8                 `json:"finalRuling"`
	CreateTermID    uint64                `json:"createTermId"`
	Metadata        []byte                `json:"metadata,omitempty"`
	Rounds          []entities.Round      `json:"rounds"`
	LastEvent       entities.EventType    `json:"lastEvent"`
}

type Processor struct {
	kafkaClient   KafkaClient
	elasticClient ElasticClient
	metrics       *Metrics
	logger        *zap.SugaredLogger
}

func NewProcessor(client KafkaClient, elasticClient ElasticClient, metrics *Metrics, logger *zap.SugaredLogger) *Processor {
	return &Processor{
		kafkaClient:   client,
		elasticClient: elasticClient,
		metrics:       metrics,
		logger:        logger,
	}
}

// Consume processes batches until ctx is cancelled or a batch fails.
func (p *Processor) Consume(ctx context.Context) error {
	for {
		count, err := p.consumeBatch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "consuming batch")
		}
		p.logger.Debugw("Consumed batch", "events", count)
	}
}

func (p *Processor) consumeBatch(ctx context.Context) (int, error) {
	defer p.kafkaClient.AllowRebalance()
	events, err := p.kafkaClient.PollMessages(ctx)
	if err != nil {
		return -1, errors.Wrap(err, "polling kafka messages")
	}

	documents, err := p.convertToDocuments(events)
	if err != nil {
		return -1, errors.Wrap(err, "converting events to documents")
	}

	if len(documents) > 0 {
		err = p.elasticClient.BulkIndex(ctx, documents)
		if err != nil {
			return -1, errors.Wrap(err, "bulk indexing dispute documents")
		}
	}

	err = p.kafkaClient.Commit(ctx)
	if err != nil {
		return -1, errors.Wrap(err, "committing kafka batch")
	}
	p.metrics.AddProcessedMessages(len(events))
	return len(events), nil
}

// convertToDocuments keeps the latest state of every dispute in the batch, in order of first appearance.
func (p *Processor) convertToDocuments(events []entities.Event) ([]*elastic.EsDocument, error) {
	latest := make(map[uint64]DisputeDocument)
	var order []uint64
	for _, e := range events {
		if e.Heartbeat != nil {
			p.metrics.SetLastTerm(e.Heartbeat.TermID)
			continue
		}
		doc, ok := toDisputeDocument(e)
		if !ok {
			p.logger.Warnw("Skipping event without dispute payload", "type", e.Type)
			continue
		}
		if _, seen := latest[doc.ID]; !seen {
			order = append(order, doc.ID)
		}
		latest[doc.ID] = doc
	}

	documents := make([]*elastic.EsDocument, 0, len(order))
	for _, id := range order {
		document, err := convertToDocument(latest[id])
		if err != nil {
			return nil, err
		}
		documents = append(documents, document)
	}
	return documents, nil
}

func toDisputeDocument(e entities.Event) (DisputeDocument, bool) {
	switch {
	case e.DisputeCreated != nil:
		created := e.DisputeCreated
		return DisputeDocument{
			ID:              created.DisputeID,
			Subject:         created.Subject,
			PossibleRulings: created.PossibleRulings,
			State:           entities.DisputeStatePreDraft,
			CreateTermID:    created.CreateTermID,
			Metadata:        created.Metadata,
			Rounds: []entities.Round{{
				DisputeID:    created.DisputeID,
				DraftTermID:  created.DraftTermID,
				JurorsNumber: created.JurorsNumber,
				JurorFees:    created.JurorFees,
			}},
			LastEvent: e.Type,
		}, true
	case e.DisputeChanged != nil:
		d := e.DisputeChanged.Dispute
		return DisputeDocument{
			ID:              d.ID,
			Subject:         d.Subject,
			PossibleRulings: d.PossibleRulings,
			State:           d.State,
			FinalRuling:     d.FinalRuling,
			CreateTermID:    d.CreateTermID,
			Metadata:        d.Metadata,
			Rounds:          d.Rounds,
			LastEvent:       e.Type,
		}, true
	}
	return DisputeDocument{}, false
}

func convertToDocument(doc DisputeDocument) (*elastic.EsDocument, error) {
	val, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrapf(err, "marshalling dispute document %d", doc.ID)
	}
	return &elastic.EsDocument{
		Id:      strconv.FormatUint(doc.ID, 10),
		Payload: val,
	}, nil
}
