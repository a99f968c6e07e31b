package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-soc/vigil/pkg/storage"
)

func TestConditionalUpdateConflictsOnStaleToken(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	f.MustIndex("incidents", "INC-1", map[string]any{"status": "detected"})

	doc, err := f.Get(ctx, "incidents", "INC-1")
	require.NoError(t, err)

	// First conditional write wins.
	err = f.Update(ctx, "incidents", "INC-1", map[string]any{"status": "triaged"}, &storage.UpdateOptions{Token: doc.Token()})
	require.NoError(t, err)

	// Second write with the same (now stale) token loses.
	err = f.Update(ctx, "incidents", "INC-1", map[string]any{"status": "suppressed"}, &storage.UpdateOptions{Token: doc.Token()})
	assert.True(t, storage.IsConflict(err))

	var got map[string]any
	require.NoError(t, f.GetSource("incidents", "INC-1", &got))
	assert.Equal(t, "triaged", got["status"])
}

func TestPartialUpdateMergesNestedObjects(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	f.MustIndex("incidents", "INC-1", map[string]any{
		"status":            "detected",
		"_state_timestamps": map[string]any{"detected": "t0"},
	})

	err := f.Update(ctx, "incidents", "INC-1", map[string]any{
		"status":            "triaged",
		"_state_timestamps": map[string]any{"triaged": "t1"},
	}, nil)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, f.GetSource("incidents", "INC-1", &got))
	ts := got["_state_timestamps"].(map[string]any)
	assert.Equal(t, "t0", ts["detected"])
	assert.Equal(t, "t1", ts["triaged"])
}

func TestSearchBoolMustNotExistsAndSort(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	f.MustIndex("alerts-2026.08", "a1", map[string]any{"alert_id": "a1", "timestamp": "2026-08-24T10:00:00Z"})
	f.MustIndex("alerts-2026.08", "a2", map[string]any{"alert_id": "a2", "timestamp": "2026-08-24T09:00:00Z"})
	f.MustIndex("alerts-2026.08", "a3", map[string]any{"alert_id": "a3", "timestamp": "2026-08-24T11:00:00Z", "processed_at": "2026-08-24T12:00:00Z"})

	res, err := f.Search(ctx, "alerts-*", map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must_not": []any{
					map[string]any{"exists": map[string]any{"field": "processed_at"}},
					map[string]any{"exists": map[string]any{"field": "_processing_started_at"}},
				},
			},
		},
	}, &storage.SearchOptions{Sort: []string{"timestamp:asc"}, Size: 10, SeqNoPrimaryTerm: true})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, "a2", res.Hits[0].ID)
	assert.Equal(t, "a1", res.Hits[1].ID)
}

func TestSearchTermAndSortDesc(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	f.MustIndex("approval-responses", "r1", map[string]any{"incident_id": "INC-1", "timestamp": "2026-08-24T09:00:00Z", "value": "reject"})
	f.MustIndex("approval-responses", "r2", map[string]any{"incident_id": "INC-1", "timestamp": "2026-08-24T10:00:00Z", "value": "approve"})
	f.MustIndex("approval-responses", "r3", map[string]any{"incident_id": "INC-2", "timestamp": "2026-08-24T11:00:00Z", "value": "approve"})

	res, err := f.Search(ctx, "approval-responses", map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"term": map[string]any{"incident_id": "INC-1"}},
				},
			},
		},
	}, &storage.SearchOptions{Sort: []string{"timestamp:desc"}, Size: 1})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "r2", res.Hits[0].ID)
}
