// Package discovery resolves agent names to endpoints and capability sets.
// Cards are fetched from the agent runtime, cached, and re-checked on a
// forced refresh; availability transitions raise up/down events.
package discovery

import (
	"encoding/json"
	"fmt"
)

// AgentCard describes one agent as advertised by the runtime.
type AgentCard struct {
	AgentID      string       `json:"agent_id"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Capabilities Capabilities `json:"capabilities"`
	// Endpoint is a path relative to the runtime base URL.
	Endpoint string `json:"endpoint"`
}

// Clone returns a deep copy of the card.
func (c *AgentCard) Clone() *AgentCard {
	out := *c
	out.Capabilities = append(Capabilities(nil), c.Capabilities...)
	return &out
}

// Capabilities is a set of task names. Runtimes publish either plain strings
// or structured objects with a name field; both decode to the flat form.
type Capabilities []string

// UnmarshalJSON accepts ["task"] and [{"name":"task", …}] shapes.
func (c *Capabilities) UnmarshalJSON(data []byte) error {
	var plain []string
	if err := json.Unmarshal(data, &plain); err == nil {
		*c = plain
		return nil
	}

	var structured []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &structured); err != nil {
		return fmt.Errorf("capabilities must be strings or objects with name: %w", err)
	}
	out := make([]string, 0, len(structured))
	for _, s := range structured {
		out = append(out, s.Name)
	}
	*c = out
	return nil
}

// Has reports whether the capability set contains the task. An empty set
// means the card does not advertise capabilities and gating is skipped.
func (c Capabilities) Has(task string) bool {
	for _, name := range c {
		if name == task {
			return true
		}
	}
	return false
}
