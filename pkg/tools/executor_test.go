package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-soc/vigil/pkg/storage/storagetest"
)

func writeTool(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(body), 0o644))
}

const serviceHealthTool = `
id: service-health
description: error rate and throughput for one service
query: "FROM metrics-* | WHERE service == ?service_name | STATS avg(error_rate)"
params:
  - name: service_name
    type: keyword
    required: true
  - name: window_minutes
    type: integer
    default: 15
`

func newToolHarness(t *testing.T) (*Executor, *storagetest.Fake, string) {
	t.Helper()
	dir := t.TempDir()
	fake := storagetest.NewFake()
	return NewExecutor(fake, NewLoader(dir), nil), fake, dir
}

func TestExecuteSendsQueryWithCoercedParams(t *testing.T) {
	exec, fake, dir := newToolHarness(t)
	writeTool(t, dir, "service-health", serviceHealthTool)

	var gotBody map[string]any
	fake.Transport = func(method, path string, body any) (json.RawMessage, int, error) {
		assert.Equal(t, "POST", method)
		assert.Equal(t, "/_query", path)
		gotBody = body.(map[string]any)
		return json.RawMessage(`{"columns":[{"name":"avg_error_rate","type":"double"}],"values":[[0.012]]}`), 200, nil
	}

	res, err := exec.Execute(context.Background(), "service-health", map[string]any{
		"service_name": "checkout",
	})
	require.NoError(t, err)

	params := gotBody["params"].([]map[string]any)
	require.Len(t, params, 2)
	assert.Equal(t, map[string]any{"service_name": "checkout"}, params[0])
	assert.Equal(t, map[string]any{"window_minutes": 15}, params[1], "optional missing param takes its default")

	v, ok := res.Float(0, "avg_error_rate")
	require.True(t, ok)
	assert.InDelta(t, 0.012, v, 1e-9)
}

func TestParamCoercionRules(t *testing.T) {
	def := &ToolDefinition{ID: "t", Params: []ParamSpec{
		{Name: "hosts", Type: TypeKeyword, Required: true},
		{Name: "limit", Type: TypeInteger, Required: true},
		{Name: "threshold", Type: TypeDouble, Required: true},
		{Name: "since", Type: TypeDate, Required: true},
	}}

	params, err := coerceParams(def, map[string]any{
		"hosts":     []string{"web-01", "web-02"},
		"limit":     float64(10),
		"threshold": "0.5",
		"since":     "2026-08-24T00:00:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"web-01", "web-02"}, params[0]["hosts"], "arrays pass through for IN clauses")
	assert.Equal(t, int64(10), params[1]["limit"])
	assert.Equal(t, 0.5, params[2]["threshold"])
}

func TestParamErrorsAccumulate(t *testing.T) {
	def := &ToolDefinition{ID: "t", Params: []ParamSpec{
		{Name: "service", Type: TypeKeyword, Required: true},
		{Name: "limit", Type: TypeInteger, Required: true},
		{Name: "threshold", Type: TypeDouble},
		{Name: "since", Type: TypeDate},
	}}

	_, err := coerceParams(def, map[string]any{
		"limit":     1.5,
		"threshold": "not-a-number",
		"since":     "yesterday",
	})
	var pe *ParamError
	require.ErrorAs(t, err, &pe)
	assert.Len(t, pe.Violations, 4)
}

func TestExecuteWrapsEngineErrors(t *testing.T) {
	exec, fake, dir := newToolHarness(t)
	writeTool(t, dir, "service-health", serviceHealthTool)
	fake.Transport = func(method, path string, body any) (json.RawMessage, int, error) {
		return json.RawMessage(`{"error":{"type":"index_not_found_exception","reason":"no such index [metrics-*]"}}`), 404, nil
	}

	_, err := exec.Execute(context.Background(), "service-health", map[string]any{"service_name": "checkout"})
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "service-health", te.ToolID)
	assert.Equal(t, 404, te.StatusCode)
	assert.Contains(t, te.Reason, "no such index")
}

const lookupTool = `
id: runbook-join
query: "FROM incidents | LOOKUP JOIN runbooks ON incident_type"
lookup_join_tech_preview: true
`

func TestTechPreviewRejectionRoutesToFallback(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "runbook-join", lookupTool)
	fake := storagetest.NewFake()
	fake.Transport = func(method, path string, body any) (json.RawMessage, int, error) {
		return json.RawMessage(`{"error":{"type":"parsing_exception","reason":"unknown command [lookup]"}}`), 400, nil
	}

	fb := &stubFallback{result: &Result{Columns: []Column{{Name: "runbook_id"}}, Values: [][]any{{"rb-7"}}}}
	exec := NewExecutor(fake, NewLoader(dir), fb)

	res, err := exec.Execute(context.Background(), "runbook-join", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, fb.calls)
	assert.Equal(t, "rb-7", res.Values[0][0])
}

func TestTechPreviewRejectionWithoutFallbackFails(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "runbook-join", lookupTool)
	fake := storagetest.NewFake()
	fake.Transport = func(method, path string, body any) (json.RawMessage, int, error) {
		return json.RawMessage(`{"error":{"type":"parsing_exception","reason":"line 1: unknown command [lookup]"}}`), 400, nil
	}
	exec := NewExecutor(fake, NewLoader(dir), nil)

	_, err := exec.Execute(context.Background(), "runbook-join", nil)
	assert.ErrorIs(t, err, ErrTechPreviewUnsupported)
}

func TestNonPreviewToolNeverFallsBack(t *testing.T) {
	exec, fake, dir := newToolHarness(t)
	writeTool(t, dir, "service-health", serviceHealthTool)
	fake.Transport = func(method, path string, body any) (json.RawMessage, int, error) {
		return json.RawMessage(`{"error":{"type":"parsing_exception","reason":"unknown command [lookup]"}}`), 400, nil
	}

	_, err := exec.Execute(context.Background(), "service-health", map[string]any{"service_name": "checkout"})
	var te *ToolError
	assert.ErrorAs(t, err, &te)
}

type stubFallback struct {
	result *Result
	calls  int
}

func (s *stubFallback) Run(ctx context.Context, def *ToolDefinition, args map[string]any) (*Result, error) {
	s.calls++
	return s.result, nil
}

func TestRowsKeyedByColumnName(t *testing.T) {
	res := &Result{
		Columns: []Column{{Name: "service"}, {Name: "error_rate"}},
		Values:  [][]any{{"checkout", 0.01}, {"payments", 0.2}},
	}
	rows := res.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "checkout", rows[0]["service"])
	assert.Equal(t, 0.2, rows[1]["error_rate"])
}
