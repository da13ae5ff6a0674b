package felk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

const (
	indexSuffix = "_felk"
	recordType  = "felk_log"
)

// ElasticLogger indexes records into Elasticsearch, one document per write,
// under the application's dedicated index. Mapping types are gone in ES 8,
// so the fixed record tag rides in the document body as a "type" field.
type ElasticLogger struct {
	client *elasticsearch.Client
	index  string
}

// NewElasticLogger derives the storage index from the application name
// ("{lowercased app name}_felk") once at construction.
func NewElasticLogger(client *elasticsearch.Client, appName string) (*ElasticLogger, error) {
	if client == nil {
		return nil, errors.New("elasticsearch client required")
	}
	if appName == "" {
		return nil, errors.New("app name required")
	}
	return &ElasticLogger{
		client: client,
		index:  strings.ToLower(appName) + indexSuffix,
	}, nil
}

// Index returns the derived storage index name.
func (l *ElasticLogger) Index() string {
	return l.index
}

// Write upserts the record as a single document keyed by its unique id.
// No retry, no batching: backend errors return to the caller.
func (l *ElasticLogger) Write(ctx context.Context, rec Record) (WriteResult, error) {
	doc := rec.Document()
	doc["type"] = recordType

	payload, err := json.Marshal(doc)
	if err != nil {
		return WriteResult{}, fmt.Errorf("marshal document %s: %w", rec.UniqueID(), err)
	}

	res, err := esapi.IndexRequest{
		Index:      l.index,
		DocumentID: rec.UniqueID(),
		Body:       bytes.NewReader(payload),
	}.Do(ctx, l.client)
	if err != nil {
		return WriteResult{}, fmt.Errorf("index %s/%s: %w", l.index, rec.UniqueID(), err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return WriteResult{StatusCode: res.StatusCode}, fmt.Errorf("read index response: %w", err)
	}

	if res.IsError() {
		return WriteResult{StatusCode: res.StatusCode, Raw: raw},
			fmt.Errorf("index %s/%s: %s", l.index, rec.UniqueID(), res.Status())
	}

	var ack struct {
		Result string `json:"result"`
	}
	_ = json.Unmarshal(raw, &ack)

	return WriteResult{StatusCode: res.StatusCode, Result: ack.Result, Raw: raw}, nil
}

var _ Logger = (*ElasticLogger)(nil)
