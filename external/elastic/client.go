package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"go.uber.org/zap"
)

type EsDocument struct {
	Id      string
	Payload []byte
}

type Client struct {
	esClient  *elasticsearch.Client
	indexName string
	logger    *zap.SugaredLogger
}

func NewClient(esClient *elasticsearch.Client, indexName string, logger *zap.SugaredLogger) *Client {
	return &Client{
		esClient:  esClient,
		indexName: indexName,
		logger:    logger,
	}
}

// GetDocument returns the source of a document, or nil if it is not indexed.
func (c *Client) GetDocument(ctx context.Context, id string) ([]byte, error) {
	res, err := c.esClient.Get(c.indexName, id, c.esClient.Get.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("getting document %s: %w", id, err)
	}
	defer res.Body.Close()

	if res.StatusCode == 404 {
		return nil, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("got error response from elastic: %s", res.String())
	}

	var result struct {
		Source json.RawMessage `json:"_source"`
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if err = json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return result.Source, nil
}

func (c *Client) BulkIndex(ctx context.Context, data []*EsDocument) error {
	start := time.Now()
	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Index:      c.indexName,
		Client:     c.esClient,
		NumWorkers: min(runtime.NumCPU(), 8),
	})
	if err != nil {
		return fmt.Errorf("creating bulk indexer: %w", err)
	}

	for _, d := range data {
		item := esutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: d.Id,
			Body:       bytes.NewReader(d.Payload),
			OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				if err != nil {
					c.logger.Errorw("Error indexing document", "id", d.Id, "error", err)
				} else {
					c.logger.Errorw("Error indexing document", "id", d.Id, "type", res.Error.Type, "reason", res.Error.Reason)
				}
			},
		}
		err = bi.Add(ctx, item)
		if err != nil {
			return fmt.Errorf("adding document %s to bulk indexer: %w", d.Id, err)
		}
	}

	err = bi.Close(ctx)
	if err != nil {
		return fmt.Errorf("closing bulk indexer: %w", err)
	}

	biStats := bi.Stats()
	if biStats.NumFailed > 0 {
		return fmt.Errorf("%d errors indexing [%d] documents", biStats.NumFailed, biStats.NumFlushed)
	}
	c.logger.Infow("Indexed documents", "count", biStats.NumFlushed, "bytes", biStats.FlushedBytes,
		"requests", biStats.NumRequests, "duration", time.Since(start))
	return nil
}
