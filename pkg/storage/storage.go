// Package storage wraps the document store behind a small interface with
// optimistic concurrency tokens. Every Vigil document lives in the store;
// the runtime never holds long references.
package storage

import (
	"context"
	"encoding/json"
)

// Document is a stored document plus its concurrency tokens.
type Document struct {
	Index       string
	ID          string
	Source      json.RawMessage
	SeqNo       int64
	PrimaryTerm int64
}

// Token carries the optimistic concurrency pair for conditional writes.
type Token struct {
	SeqNo       int64
	PrimaryTerm int64
}

// UpdateOptions controls a partial-document update.
type UpdateOptions struct {
	// Token, when set, makes the write conditional: the engine rejects it
	// with a conflict if the document changed since the tokens were read.
	Token *Token
}

// SearchOptions bounds and orders a search.
type SearchOptions struct {
	Size             int
	Sort             []string
	SeqNoPrimaryTerm bool
}

// SearchResult holds matched documents.
type SearchResult struct {
	Hits  []Document
	Total int
}

// Store is the document-store surface the runtime depends on.
type Store interface {
	// Get fetches a document with its concurrency tokens.
	Get(ctx context.Context, index, id string) (*Document, error)
	// Index writes a full document. Empty id lets the engine assign one.
	Index(ctx context.Context, index, id string, body any) error
	// Update merges a partial document, optionally conditional on tokens.
	Update(ctx context.Context, index, id string, doc any, opts *UpdateOptions) error
	// Search runs a query against an index (wildcards allowed).
	Search(ctx context.Context, index string, query map[string]any, opts *SearchOptions) (*SearchResult, error)
	// TransportRequest issues a raw engine-level request (ES|QL queries).
	// Returns the response body and HTTP status code.
	TransportRequest(ctx context.Context, method, path string, body any) (json.RawMessage, int, error)
}

// Decode unmarshals a document source into out.
func (d *Document) Decode(out any) error {
	return json.Unmarshal(d.Source, out)
}

// Token returns the document's concurrency pair.
func (d *Document) Token() *Token {
	return &Token{SeqNo: d.SeqNo, PrimaryTerm: d.PrimaryTerm}
}
