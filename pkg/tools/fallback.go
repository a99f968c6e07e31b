package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/vigil-soc/vigil/pkg/models"
	"github.com/vigil-soc/vigil/pkg/storage"
)

// baselineBandStddevs is the tolerance band for the client-side baseline
// verdict: a metric is within baseline when |value - avg| <= 2 * stddev.
const baselineBandStddevs = 2.0

// BaselineJoinFallback reproduces a baseline lookup join at the application
// level when the engine rejects the joined query. It runs the tool's
// join-free fallback query for the current metrics, fetches the service's
// baseline documents directly, and appends the <metric>_within_baseline
// verdict columns the joined query would have produced.
type BaselineJoinFallback struct {
	store  storage.Store
	logger *slog.Logger
}

// NewBaselineJoinFallback creates the fallback runner.
func NewBaselineJoinFallback(store storage.Store) *BaselineJoinFallback {
	return &BaselineJoinFallback{
		store:  store,
		logger: slog.Default().With("component", "tool-fallback"),
	}
}

// Run executes the fallback path for one tool invocation.
func (f *BaselineJoinFallback) Run(ctx context.Context, def *ToolDefinition, args map[string]any) (*Result, error) {
	if def.FallbackQuery == "" {
		return nil, fmt.Errorf("tool %s: no fallback query defined", def.ID)
	}

	params, err := coerceParams(def, args)
	if err != nil {
		return nil, err
	}
	body, status, err := f.store.TransportRequest(ctx, "POST", "/_query", map[string]any{
		"query":  def.FallbackQuery,
		"params": params,
	})
	if err != nil {
		return nil, fmt.Errorf("tool %s fallback: query transport: %w", def.ID, err)
	}
	if status >= 400 {
		return nil, &ToolError{ToolID: def.ID, StatusCode: status, Reason: extractReason(body)}
	}
	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("tool %s fallback: decode result: %w", def.ID, err)
	}

	service, _ := args["service_name"].(string)
	if service == "" {
		return &result, nil
	}
	baselines, err := f.baselinesFor(ctx, service)
	if err != nil {
		// Degrade to threshold-only evaluation; the verifier treats absent
		// verdict columns as "no baseline known".
		f.logger.Warn("Baseline lookup failed, returning metrics without verdicts",
			"tool_id", def.ID, "service", service, "error", err)
		return &result, nil
	}
	appendBaselineVerdicts(&result, baselines)
	return &result, nil
}

func (f *BaselineJoinFallback) baselinesFor(ctx context.Context, service string) (map[string]models.Baseline, error) {
	res, err := f.store.Search(ctx, storage.IndexBaselines, map[string]any{
		"query": map[string]any{"term": map[string]any{"service_name": service}},
	}, &storage.SearchOptions{Size: 50})
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Baseline, len(res.Hits))
	for _, hit := range res.Hits {
		var b models.Baseline
		if err := hit.Decode(&b); err != nil {
			continue
		}
		out[b.MetricName] = b
	}
	return out, nil
}

// appendBaselineVerdicts adds one boolean column per metric column that has
// a known baseline. Existing verdict columns are left untouched.
func appendBaselineVerdicts(r *Result, baselines map[string]models.Baseline) {
	present := make(map[string]struct{}, len(r.Columns))
	for _, col := range r.Columns {
		present[col.Name] = struct{}{}
	}

	for _, col := range append([]Column{}, r.Columns...) {
		b, ok := baselines[col.Name]
		if !ok {
			continue
		}
		verdictName := col.Name + "_within_baseline"
		if _, exists := present[verdictName]; exists {
			continue
		}
		r.Columns = append(r.Columns, Column{Name: verdictName, Type: "boolean"})
		for i := range r.Values {
			v, ok := r.Float(i, col.Name)
			within := ok && math.Abs(v-b.AvgValue) <= baselineBandStddevs*b.StddevValue
			r.Values[i] = append(r.Values[i], within)
		}
	}
}
