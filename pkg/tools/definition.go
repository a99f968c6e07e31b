// Package tools loads YAML tool definitions and executes their queries
// against the storage engine's query endpoint, with typed parameter
// validation and an application-level fallback for tech-preview commands.
package tools

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Parameter types a tool definition may declare.
const (
	TypeKeyword = "keyword"
	TypeInteger = "integer"
	TypeDouble  = "double"
	TypeDate    = "date"
)

// ParamSpec declares one typed query parameter.
type ParamSpec struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
	Default  any    `yaml:"default"`
}

// ToolDefinition is one on-disk tool: a parameterized query plus its
// parameter contract.
type ToolDefinition struct {
	ID          string      `yaml:"id"`
	Description string      `yaml:"description"`
	Query       string      `yaml:"query"`
	Params      []ParamSpec `yaml:"params"`
	// LookupJoinTechPreview marks tools whose query uses a command the
	// engine may not support yet; unsupported-command errors route to the
	// configured fallback instead of failing.
	LookupJoinTechPreview bool `yaml:"lookup_join_tech_preview"`
	// FallbackQuery is the join-free form of Query, run by the fallback
	// runner when the engine rejects the tech-preview command.
	FallbackQuery string `yaml:"fallback_query"`
}

func (d *ToolDefinition) validate() error {
	if d.ID == "" {
		return fmt.Errorf("tool definition missing id")
	}
	if d.Query == "" {
		return fmt.Errorf("tool %s: missing query", d.ID)
	}
	for _, p := range d.Params {
		switch p.Type {
		case TypeKeyword, TypeInteger, TypeDouble, TypeDate:
		default:
			return fmt.Errorf("tool %s: param %s has unknown type %q", d.ID, p.Name, p.Type)
		}
	}
	return nil
}

// Loader reads tool definitions from a directory, one YAML file per tool.
type Loader struct {
	dir string
}

// NewLoader creates a loader rooted at dir.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load reads and validates the definition for one tool name.
func (l *Loader) Load(name string) (*ToolDefinition, error) {
	raw, err := os.ReadFile(filepath.Join(l.dir, name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("load tool %s: %w", name, err)
	}
	var def ToolDefinition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parse tool %s: %w", name, err)
	}
	if def.ID == "" {
		def.ID = name
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}
