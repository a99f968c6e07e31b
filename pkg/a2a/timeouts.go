package a2a

import (
	"strings"
	"time"
)

// DefaultTimeout applies to agents with no entry in the timeout table.
const DefaultTimeout = 60 * time.Second

// agentTimeouts are per-agent round-trip budgets, retry included.
var agentTimeouts = map[string]time.Duration{
	"triage":        10 * time.Second,
	"investigator":  45 * time.Second,
	"threat-hunter": 60 * time.Second,
	"commander":     30 * time.Second,
	"executor":      90 * time.Second,
	"verifier":      120 * time.Second,
	"sentinel":      30 * time.Second,
}

// TimeoutFor returns the round-trip budget for an agent. Workflow agents
// (workflow-*) share a 30s budget; unknown agents get the default.
func TimeoutFor(agentID string) time.Duration {
	if d, ok := agentTimeouts[agentID]; ok {
		return d
	}
	if strings.HasPrefix(agentID, "workflow-") {
		return 30 * time.Second
	}
	return DefaultTimeout
}
