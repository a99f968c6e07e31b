package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vigil-soc/vigil/pkg/storage"
)

// ErrTechPreviewUnsupported is returned when a tech-preview command is
// rejected by the engine and no fallback runner is configured.
var ErrTechPreviewUnsupported = errors.New("tech-preview command unsupported and no fallback configured")

// techPreviewMarkers are error fragments indicating the engine rejected a
// command it does not ship yet.
var techPreviewMarkers = []string{
	"unknown command [lookup]",
	"lookup_join",
	"parsing_exception",
}

// ToolError wraps an engine-level query failure with the tool's identity.
type ToolError struct {
	ToolID     string
	StatusCode int
	Reason     string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: HTTP %d: %s", e.ToolID, e.StatusCode, e.Reason)
}

// Column is one column of a columnar query result.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Result is the columnar response of one query.
type Result struct {
	Columns []Column `json:"columns"`
	Values  [][]any  `json:"values"`
}

// Rows converts the columnar result to one map per row keyed by column name.
func (r *Result) Rows() []map[string]any {
	rows := make([]map[string]any, 0, len(r.Values))
	for _, row := range r.Values {
		m := make(map[string]any, len(r.Columns))
		for i, col := range r.Columns {
			if i < len(row) {
				m[col.Name] = row[i]
			}
		}
		rows = append(rows, m)
	}
	return rows
}

// Float extracts a named float column from one row, false when the column is
// absent or not numeric.
func (r *Result) Float(row int, column string) (float64, bool) {
	if row < 0 || row >= len(r.Values) {
		return 0, false
	}
	for i, col := range r.Columns {
		if col.Name != column {
			continue
		}
		if i >= len(r.Values[row]) {
			return 0, false
		}
		switch v := r.Values[row][i].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case json.Number:
			f, err := v.Float64()
			return f, err == nil
		}
		return 0, false
	}
	return 0, false
}

// FallbackRunner handles tools whose primary query uses a command the engine
// does not support. Implementations reproduce the query's semantics at the
// application level.
type FallbackRunner interface {
	Run(ctx context.Context, def *ToolDefinition, args map[string]any) (*Result, error)
}

// Executor loads tool definitions and runs them against the storage engine.
type Executor struct {
	store    storage.Store
	loader   *Loader
	fallback FallbackRunner
	logger   *slog.Logger
}

// NewExecutor creates a tool executor. fallback may be nil; tech-preview
// rejections then fail with ErrTechPreviewUnsupported.
func NewExecutor(store storage.Store, loader *Loader, fallback FallbackRunner) *Executor {
	return &Executor{
		store:    store,
		loader:   loader,
		fallback: fallback,
		logger:   slog.Default().With("component", "tool-executor"),
	}
}

// Execute loads the named tool, validates its arguments, and issues a single
// query to the engine. Tech-preview rejections route to the fallback runner.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) (*Result, error) {
	def, err := e.loader.Load(name)
	if err != nil {
		return nil, err
	}

	params, err := coerceParams(def, args)
	if err != nil {
		return nil, err
	}

	body, status, err := e.store.TransportRequest(ctx, "POST", "/_query", map[string]any{
		"query":  def.Query,
		"params": params,
	})
	if err != nil {
		return nil, fmt.Errorf("tool %s: query transport: %w", def.ID, err)
	}

	if status >= 400 {
		reason := extractReason(body)
		if def.LookupJoinTechPreview && isTechPreviewRejection(reason) {
			e.logger.Info("Engine rejected tech-preview command, using fallback",
				"tool_id", def.ID, "reason", reason)
			if e.fallback == nil {
				return nil, fmt.Errorf("tool %s: %w", def.ID, ErrTechPreviewUnsupported)
			}
			return e.fallback.Run(ctx, def, args)
		}
		return nil, &ToolError{ToolID: def.ID, StatusCode: status, Reason: reason}
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("tool %s: decode result: %w", def.ID, err)
	}
	return &result, nil
}

func isTechPreviewRejection(reason string) bool {
	lowered := strings.ToLower(reason)
	for _, marker := range techPreviewMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// extractReason digs the human-readable reason out of an engine error body,
// falling back to the raw body.
func extractReason(body []byte) string {
	var parsed struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Reason != "" {
		if parsed.Error.Type != "" {
			return parsed.Error.Type + ": " + parsed.Error.Reason
		}
		return parsed.Error.Reason
	}
	s := string(body)
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}
