// Package storagetest provides an in-memory storage.Store with the same
// optimistic-concurrency semantics as the real engine, so claim races and
// conditional transition writes can be exercised hermetically.
package storagetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vigil-soc/vigil/pkg/storage"
)

type entry struct {
	source      map[string]any
	seqNo       int64
	primaryTerm int64
}

// TransportFunc handles raw transport requests in tests.
type TransportFunc func(method, path string, body any) (json.RawMessage, int, error)

// Fake is an in-memory Store. Every write bumps the document's _seq_no;
// conditional writes conflict when tokens are stale.
type Fake struct {
	mu      sync.Mutex
	indices map[string]map[string]*entry
	nextID  int
	errs    map[string][]error

	// Transport, when set, serves TransportRequest calls.
	Transport TransportFunc
}

// NewFake returns an empty in-memory store.
func NewFake() *Fake {
	return &Fake{
		indices: make(map[string]map[string]*entry),
		errs:    make(map[string][]error),
	}
}

// InjectError makes the next call of the named operation ("get", "index",
// "update", "search") fail with err. Multiple injections queue up.
func (f *Fake) InjectError(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = append(f.errs[op], err)
}

func (f *Fake) takeError(op string) error {
	queue := f.errs[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.errs[op] = queue[1:]
	return err
}

// Get implements storage.Store.
func (f *Fake) Get(ctx context.Context, index, id string) (*storage.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeError("get"); err != nil {
		return nil, err
	}
	e := f.lookup(index, id)
	if e == nil {
		return nil, fmt.Errorf("get %s/%s: %w", index, id, storage.ErrNotFound)
	}
	return f.document(index, id, e), nil
}

// Index implements storage.Store.
func (f *Fake) Index(ctx context.Context, index, id string, body any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeError("index"); err != nil {
		return err
	}
	source, err := toMap(body)
	if err != nil {
		return err
	}
	if id == "" {
		f.nextID++
		id = fmt.Sprintf("auto-%d", f.nextID)
	}
	docs := f.indices[index]
	if docs == nil {
		docs = make(map[string]*entry)
		f.indices[index] = docs
	}
	prev := docs[id]
	e := &entry{source: source, primaryTerm: 1}
	if prev != nil {
		e.seqNo = prev.seqNo + 1
		e.primaryTerm = prev.primaryTerm
	}
	docs[id] = e
	return nil
}

// Update implements storage.Store with partial-document merge semantics.
func (f *Fake) Update(ctx context.Context, index, id string, doc any, opts *storage.UpdateOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeError("update"); err != nil {
		return err
	}
	e := f.lookup(index, id)
	if e == nil {
		return fmt.Errorf("update %s/%s: %w", index, id, storage.ErrNotFound)
	}
	if opts != nil && opts.Token != nil {
		if opts.Token.SeqNo != e.seqNo || opts.Token.PrimaryTerm != e.primaryTerm {
			return fmt.Errorf("update %s/%s: %w", index, id, storage.ErrConflict)
		}
	}
	partial, err := toMap(doc)
	if err != nil {
		return err
	}
	mergeInto(e.source, partial)
	e.seqNo++
	return nil
}

// Search implements storage.Store for the query shapes the runtime issues:
// term / range / exists clauses under an optional bool wrapper, field sorts,
// and a size bound.
func (f *Fake) Search(ctx context.Context, index string, query map[string]any, opts *storage.SearchOptions) (*storage.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeError("search"); err != nil {
		return nil, err
	}

	type match struct {
		id string
		e  *entry
	}
	var matches []match
	for idxName, docs := range f.indices {
		if !indexMatches(index, idxName) {
			continue
		}
		for id, e := range docs {
			if evalQuery(queryClause(query), e.source) {
				matches = append(matches, match{id: id, e: e})
			}
		}
	}

	if opts != nil && len(opts.Sort) > 0 {
		field, desc := parseSort(opts.Sort[0])
		sort.SliceStable(matches, func(i, j int) bool {
			less := compareValues(matches[i].e.source[field], matches[j].e.source[field])
			if desc {
				return !less
			}
			return less
		})
	} else {
		sort.SliceStable(matches, func(i, j int) bool { return matches[i].id < matches[j].id })
	}

	result := &storage.SearchResult{Total: len(matches)}
	limit := len(matches)
	if opts != nil && opts.Size > 0 && opts.Size < limit {
		limit = opts.Size
	}
	for _, m := range matches[:limit] {
		result.Hits = append(result.Hits, *f.document(index, m.id, m.e))
	}
	return result, nil
}

// TransportRequest implements storage.Store via the configurable Transport.
func (f *Fake) TransportRequest(ctx context.Context, method, path string, body any) (json.RawMessage, int, error) {
	f.mu.Lock()
	transport := f.Transport
	f.mu.Unlock()
	if transport == nil {
		return nil, 404, fmt.Errorf("transport request %s %s: no handler configured", method, path)
	}
	return transport(method, path, body)
}

// MustIndex seeds a document, panicking on marshal errors. Test helper.
func (f *Fake) MustIndex(index, id string, body any) {
	if err := f.Index(context.Background(), index, id, body); err != nil {
		panic(err)
	}
}

// GetSource decodes a stored document into out. Test helper.
func (f *Fake) GetSource(index, id string, out any) error {
	doc, err := f.Get(context.Background(), index, id)
	if err != nil {
		return err
	}
	return doc.Decode(out)
}

// Count returns the number of documents in an index pattern. Test helper.
func (f *Fake) Count(index string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for idxName, docs := range f.indices {
		if indexMatches(index, idxName) {
			n += len(docs)
		}
	}
	return n
}

func (f *Fake) lookup(index, id string) *entry {
	for idxName, docs := range f.indices {
		if !indexMatches(index, idxName) {
			continue
		}
		if e, ok := docs[id]; ok {
			return e
		}
	}
	return nil
}

func (f *Fake) document(index, id string, e *entry) *storage.Document {
	raw, _ := json.Marshal(e.source)
	return &storage.Document{
		Index:       index,
		ID:          id,
		Source:      raw,
		SeqNo:       e.seqNo,
		PrimaryTerm: e.primaryTerm,
	}
}

func toMap(body any) (map[string]any, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("document body must be an object: %w", err)
	}
	return m, nil
}

// mergeInto applies the engine's partial-update semantics: objects merge
// recursively, everything else replaces.
func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		if srcObj, ok := v.(map[string]any); ok {
			if dstObj, ok := dst[k].(map[string]any); ok {
				mergeInto(dstObj, srcObj)
				continue
			}
		}
		dst[k] = v
	}
}

func indexMatches(pattern, name string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == name
}

func parseSort(spec string) (field string, desc bool) {
	parts := strings.SplitN(spec, ":", 2)
	field = parts[0]
	if len(parts) == 2 && strings.EqualFold(parts[1], "desc") {
		desc = true
	}
	return field, desc
}

func queryClause(query map[string]any) map[string]any {
	if q, ok := query["query"].(map[string]any); ok {
		return q
	}
	return query
}

func evalQuery(clause map[string]any, source map[string]any) bool {
	if clause == nil || len(clause) == 0 {
		return true
	}
	for kind, raw := range clause {
		body, _ := raw.(map[string]any)
		switch kind {
		case "match_all":
			continue
		case "bool":
			if !evalBool(body, source) {
				return false
			}
		case "term":
			if !evalTerm(body, source) {
				return false
			}
		case "exists":
			field, _ := body["field"].(string)
			if _, ok := source[field]; !ok {
				return false
			}
		case "range":
			if !evalRange(body, source) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func evalBool(body, source map[string]any) bool {
	for _, clause := range clauseList(body["must"]) {
		if !evalQuery(clause, source) {
			return false
		}
	}
	for _, clause := range clauseList(body["filter"]) {
		if !evalQuery(clause, source) {
			return false
		}
	}
	for _, clause := range clauseList(body["must_not"]) {
		if evalQuery(clause, source) {
			return false
		}
	}
	return true
}

func clauseList(raw any) []map[string]any {
	switch v := raw.(type) {
	case nil:
		return nil
	case []any:
		var out []map[string]any
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case []map[string]any:
		return v
	case map[string]any:
		return []map[string]any{v}
	default:
		return nil
	}
}

func evalTerm(body, source map[string]any) bool {
	for field, want := range body {
		// Support both {"field": value} and {"field": {"value": v}}.
		if obj, ok := want.(map[string]any); ok {
			want = obj["value"]
		}
		got, ok := source[field]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func evalRange(body, source map[string]any) bool {
	for field, raw := range body {
		bounds, ok := raw.(map[string]any)
		if !ok {
			return false
		}
		got, ok := source[field]
		if !ok {
			return false
		}
		if gte, ok := bounds["gte"]; ok && compareValues(got, gte) {
			return false
		}
		if lte, ok := bounds["lte"]; ok && compareValues(lte, got) {
			return false
		}
	}
	return true
}

// compareValues reports a < b for numbers and strings (RFC3339 timestamps
// sort correctly as strings).
func compareValues(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af < bf
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
