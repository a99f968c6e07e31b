package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// Client is the Elasticsearch-backed Store implementation.
type Client struct {
	es     *elasticsearch.Client
	logger *slog.Logger
}

// ClientConfig holds connection settings for the storage engine.
type ClientConfig struct {
	URL    string
	APIKey string
}

// NewClient connects to the storage engine. The connection is lazy; the
// first request surfaces connectivity errors.
func NewClient(cfg ClientConfig) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &Client{
		es:     es,
		logger: slog.Default().With("component", "storage"),
	}, nil
}

// Ping verifies the engine is reachable.
func (c *Client) Ping(ctx context.Context) error {
	res, err := esapi.PingRequest{}.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("ping storage engine: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("ping storage engine: HTTP %d", res.StatusCode)
	}
	return nil
}

// Get fetches a document with its concurrency tokens.
func (c *Client) Get(ctx context.Context, index, id string) (*Document, error) {
	res, err := esapi.GetRequest{Index: index, DocumentID: id}.Do(ctx, c.es)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", index, id, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("get %s/%s: %w", index, id, ErrNotFound)
	}
	if res.IsError() {
		return nil, engineError(res)
	}

	var body struct {
		Index       string          `json:"_index"`
		ID          string          `json:"_id"`
		SeqNo       int64           `json:"_seq_no"`
		PrimaryTerm int64           `json:"_primary_term"`
		Source      json.RawMessage `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode get response for %s/%s: %w", index, id, err)
	}
	return &Document{
		Index:       body.Index,
		ID:          body.ID,
		Source:      body.Source,
		SeqNo:       body.SeqNo,
		PrimaryTerm: body.PrimaryTerm,
	}, nil
}

// Index writes a full document. Refresh is forced so pollers observe writes
// on their next tick.
func (c *Client) Index(ctx context.Context, index, id string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal document for %s: %w", index, err)
	}
	res, err := esapi.IndexRequest{
		Index:      index,
		DocumentID: id,
		Body:       bytes.NewReader(payload),
		Refresh:    "true",
	}.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("index %s/%s: %w", index, id, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return engineError(res)
	}
	return nil
}

// Update merges a partial document. With opts.Token set, the write is
// conditional on (if_seq_no, if_primary_term) and fails with ErrConflict
// when the document changed underneath.
func (c *Client) Update(ctx context.Context, index, id string, doc any, opts *UpdateOptions) error {
	payload, err := json.Marshal(map[string]any{"doc": doc})
	if err != nil {
		return fmt.Errorf("marshal partial update for %s/%s: %w", index, id, err)
	}

	req := esapi.UpdateRequest{
		Index:      index,
		DocumentID: id,
		Body:       bytes.NewReader(payload),
		Refresh:    "true",
	}
	if opts != nil && opts.Token != nil {
		seqNo := int(opts.Token.SeqNo)
		primaryTerm := int(opts.Token.PrimaryTerm)
		req.IfSeqNo = &seqNo
		req.IfPrimaryTerm = &primaryTerm
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", index, id, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusConflict:
		return fmt.Errorf("update %s/%s: %w", index, id, ErrConflict)
	case res.StatusCode == http.StatusNotFound:
		return fmt.Errorf("update %s/%s: %w", index, id, ErrNotFound)
	case res.IsError():
		return engineError(res)
	}
	return nil
}

// Search runs a query body against an index pattern.
func (c *Client) Search(ctx context.Context, index string, query map[string]any, opts *SearchOptions) (*SearchResult, error) {
	payload, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("marshal search body for %s: %w", index, err)
	}

	req := esapi.SearchRequest{
		Index: []string{index},
		Body:  bytes.NewReader(payload),
	}
	if opts != nil {
		if opts.Size > 0 {
			size := opts.Size
			req.Size = &size
		}
		if len(opts.Sort) > 0 {
			req.Sort = opts.Sort
		}
		if opts.SeqNoPrimaryTerm {
			t := true
			req.SeqNoPrimaryTerm = &t
		}
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, engineError(res)
	}

	var body struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []struct {
				Index       string          `json:"_index"`
				ID          string          `json:"_id"`
				SeqNo       int64           `json:"_seq_no"`
				PrimaryTerm int64           `json:"_primary_term"`
				Source      json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode search response for %s: %w", index, err)
	}

	result := &SearchResult{Total: body.Hits.Total.Value}
	for _, h := range body.Hits.Hits {
		result.Hits = append(result.Hits, Document{
			Index:       h.Index,
			ID:          h.ID,
			Source:      h.Source,
			SeqNo:       h.SeqNo,
			PrimaryTerm: h.PrimaryTerm,
		})
	}
	return result, nil
}

// TransportRequest issues a raw engine request (the ES|QL /_query endpoint).
// Non-2xx responses are returned to the caller with their body intact so the
// tool executor can inspect error reasons.
func (c *Client) TransportRequest(ctx context.Context, method, path string, body any) (json.RawMessage, int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal transport body for %s: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("create transport request for %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.es.Perform(req)
	if err != nil {
		return nil, 0, fmt.Errorf("transport request %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, res.StatusCode, fmt.Errorf("read transport response for %s: %w", path, err)
	}
	return raw, res.StatusCode, nil
}

func engineError(res *esapi.Response) error {
	raw, _ := io.ReadAll(res.Body)
	return &EngineError{StatusCode: res.StatusCode, Body: string(raw)}
}
