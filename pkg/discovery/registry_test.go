package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cardServer(t *testing.T, cards map[string]*AgentCard, counters map[string]*atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/agents/", func(w http.ResponseWriter, r *http.Request) {
		var agentID string
		fmt.Sscanf(r.URL.Path, "/agents/%s", &agentID)
		agentID = agentID[:len(agentID)-len("/card")]
		if c, ok := counters[agentID]; ok {
			c.Add(1)
		}
		card, ok := cards[agentID]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(card)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCapabilitiesDecodeBothShapes(t *testing.T) {
	var plain Capabilities
	require.NoError(t, json.Unmarshal([]byte(`["triage_alert","verify_resolution"]`), &plain))
	assert.True(t, plain.Has("triage_alert"))

	var structured Capabilities
	require.NoError(t, json.Unmarshal([]byte(`[{"name":"execute_plan","description":"runs plans"}]`), &structured))
	assert.True(t, structured.Has("execute_plan"))
	assert.False(t, structured.Has("triage_alert"))
}

func TestDiscoverAllSplitsAvailability(t *testing.T) {
	srv := cardServer(t, map[string]*AgentCard{
		"triage": {AgentID: "triage", Endpoint: "/api/agents/triage", Capabilities: Capabilities{"triage_alert"}},
	}, nil)
	r := NewRegistry(srv.URL, srv.Client())

	snap := r.DiscoverAll(context.Background(), []string{"triage", "missing"})
	require.NotNil(t, snap)
	assert.Contains(t, snap.Available, "triage")
	assert.Equal(t, []string{"missing"}, snap.Unavailable)
}

func TestDiscoverAllDoesNotRetry404(t *testing.T) {
	counters := map[string]*atomic.Int32{"ghost": {}}
	srv := cardServer(t, nil, counters)
	r := NewRegistry(srv.URL, srv.Client())

	snap := r.DiscoverAll(context.Background(), []string{"ghost"})
	assert.Equal(t, []string{"ghost"}, snap.Unavailable)
	assert.Equal(t, int32(1), counters["ghost"].Load())
}

func TestDiscoverAllEmitsTransitionEvents(t *testing.T) {
	cards := map[string]*AgentCard{
		"triage": {AgentID: "triage", Endpoint: "/api/agents/triage"},
	}
	srv := cardServer(t, cards, nil)
	r := NewRegistry(srv.URL, srv.Client())

	var ups, downs []string
	r.OnAgentUp(func(id string) { ups = append(ups, id) })
	r.OnAgentDown(func(id string) { downs = append(downs, id) })

	r.DiscoverAll(context.Background(), []string{"triage", "verifier"})
	assert.Empty(t, ups, "first discovery has no previous state to transition from")
	assert.Empty(t, downs)

	// verifier appears, triage disappears.
	delete(cards, "triage")
	cards["verifier"] = &AgentCard{AgentID: "verifier", Endpoint: "/api/agents/verifier"}
	r.DiscoverAll(context.Background(), []string{"triage", "verifier"})

	assert.Equal(t, []string{"verifier"}, ups)
	assert.Equal(t, []string{"triage"}, downs)
}

func TestLastDiscoveryIsDeepCloned(t *testing.T) {
	srv := cardServer(t, map[string]*AgentCard{
		"triage": {AgentID: "triage", Endpoint: "/api/agents/triage", Capabilities: Capabilities{"triage_alert"}},
	}, nil)
	r := NewRegistry(srv.URL, srv.Client())
	r.DiscoverAll(context.Background(), []string{"triage"})

	snap := r.LastDiscovery()
	require.NotNil(t, snap)
	snap.Available["triage"].Endpoint = "/mutated"

	again := r.LastDiscovery()
	assert.Equal(t, "/api/agents/triage", again.Available["triage"].Endpoint)
	assert.False(t, again.Stale)
}

func TestResolveCardCaches(t *testing.T) {
	counters := map[string]*atomic.Int32{"triage": {}}
	srv := cardServer(t, map[string]*AgentCard{
		"triage": {AgentID: "triage", Endpoint: "/api/agents/triage"},
	}, counters)
	r := NewRegistry(srv.URL, srv.Client())

	_, err := r.ResolveCard(context.Background(), "triage")
	require.NoError(t, err)
	_, err = r.ResolveCard(context.Background(), "triage")
	require.NoError(t, err)
	assert.Equal(t, int32(1), counters["triage"].Load())
}

func TestResolveCardNotFound(t *testing.T) {
	srv := cardServer(t, nil, nil)
	r := NewRegistry(srv.URL, srv.Client())

	_, err := r.ResolveCard(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrCardNotFound)
}
