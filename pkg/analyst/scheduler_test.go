package analyst

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-soc/vigil/pkg/a2a"
	"github.com/vigil-soc/vigil/pkg/config"
	"github.com/vigil-soc/vigil/pkg/models"
	"github.com/vigil-soc/vigil/pkg/storage"
	"github.com/vigil-soc/vigil/pkg/storage/storagetest"
)

type stubAgents struct {
	mu       sync.Mutex
	payloads map[string][]map[string]any
	err      error
	delay    time.Duration
	release  chan struct{}
}

func newStubAgents() *stubAgents {
	return &stubAgents{payloads: make(map[string][]map[string]any)}
}

func (s *stubAgents) Send(ctx context.Context, agentID string, env *a2a.Envelope, opts a2a.SendOptions) (json.RawMessage, error) {
	var payload map[string]any
	_ = json.Unmarshal(env.Payload, &payload)
	s.mu.Lock()
	s.payloads[agentID] = append(s.payloads[agentID], payload)
	delay, release, err := s.delay, s.release, s.err
	s.mu.Unlock()

	if release != nil {
		<-release
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(`{"summary":"post-incident learnings"}`), nil
}

func (s *stubAgents) calls(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads[agentID])
}

func testConfig() *config.Config {
	return &config.Config{
		RetrospectiveDeadline: time.Second,
		LearningDedupTTL:      24 * time.Hour,
		ReportExecDailyCron:   "0 8 * * *",
		ReportHealthDailyCron: "30 8 * * *",
	}
}

func newHarness(t *testing.T) (*Scheduler, *storagetest.Fake, *stubAgents) {
	t.Helper()
	fake := storagetest.NewFake()
	agents := newStubAgents()
	return New(testConfig(), fake, agents), fake, agents
}

func findByKind(t *testing.T, fake *storagetest.Fake, kind string) []map[string]any {
	t.Helper()
	res, err := fake.Search(context.Background(), storage.IndexLearnings, map[string]any{
		"query": map[string]any{"term": map[string]any{"kind": kind}},
	}, nil)
	require.NoError(t, err)
	out := make([]map[string]any, 0, len(res.Hits))
	for _, hit := range res.Hits {
		var doc map[string]any
		require.NoError(t, hit.Decode(&doc))
		out = append(out, doc)
	}
	return out
}

func TestRetrospectiveWritesLearningAndStatus(t *testing.T) {
	s, fake, agents := newHarness(t)

	s.runRetrospective(context.Background(), "INC-1")

	require.Equal(t, 1, agents.calls(agentAnalyst))
	payload := agents.payloads[agentAnalyst][0]
	assert.Equal(t, "generate_retrospective", payload["task"])
	assert.Equal(t, "INC-1", payload["incident_id"])

	learnings := findByKind(t, fake, "retrospective")
	require.Len(t, learnings, 1)
	assert.Equal(t, "INC-1", learnings[0]["incident_id"])
	assert.NotEmpty(t, learnings[0]["generated_at"])

	statuses := findByKind(t, fake, "run_status")
	require.Len(t, statuses, 1)
	assert.Equal(t, jobRetrospective, statuses[0]["job"])
	assert.Equal(t, outcomeCompleted, statuses[0]["outcome"])
}

func TestRetrospectiveDedupInsideTTL(t *testing.T) {
	s, fake, agents := newHarness(t)
	fake.MustIndex(storage.IndexLearnings, "", models.LearningRecord{
		IncidentID:  "INC-1",
		Kind:        "retrospective",
		GeneratedAt: time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
	})

	s.runRetrospective(context.Background(), "INC-1")

	assert.Zero(t, agents.calls(agentAnalyst))
	statuses := findByKind(t, fake, "run_status")
	require.Len(t, statuses, 1)
	assert.Equal(t, outcomeSkipped, statuses[0]["outcome"])
}

func TestRetrospectiveRunsAgainAfterTTL(t *testing.T) {
	s, fake, agents := newHarness(t)
	fake.MustIndex(storage.IndexLearnings, "", models.LearningRecord{
		IncidentID:  "INC-1",
		Kind:        "retrospective",
		GeneratedAt: time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339),
	})

	s.runRetrospective(context.Background(), "INC-1")

	assert.Equal(t, 1, agents.calls(agentAnalyst))
	assert.Len(t, findByKind(t, fake, "retrospective"), 2)
}

func TestGeneratorErrorRecordsStatusWithoutLearning(t *testing.T) {
	s, fake, agents := newHarness(t)
	agents.err = errors.New("generator unavailable")

	s.runRetrospective(context.Background(), "INC-1")

	assert.Empty(t, findByKind(t, fake, "retrospective"))
	statuses := findByKind(t, fake, "run_status")
	require.Len(t, statuses, 1)
	assert.Equal(t, outcomeError, statuses[0]["outcome"])
	assert.Contains(t, statuses[0]["error"], "generator unavailable")
}

func TestRetrospectiveDeadlineIsolated(t *testing.T) {
	s, fake, agents := newHarness(t)
	s.cfg.RetrospectiveDeadline = 20 * time.Millisecond
	agents.delay = 500 * time.Millisecond

	start := time.Now()
	s.runRetrospective(context.Background(), "INC-1")
	assert.Less(t, time.Since(start), 300*time.Millisecond, "run is cut off at the deadline")

	statuses := findByKind(t, fake, "run_status")
	require.Len(t, statuses, 1)
	assert.Equal(t, outcomeDeadline, statuses[0]["outcome"])
	assert.Empty(t, findByKind(t, fake, "retrospective"))
}

func TestDailyBatchCallsReporter(t *testing.T) {
	s, fake, agents := newHarness(t)

	s.runDaily(context.Background(), jobExecDaily)

	require.Equal(t, 1, agents.calls(agentReporter))
	assert.Equal(t, jobExecDaily, agents.payloads[agentReporter][0]["task"])
	statuses := findByKind(t, fake, "run_status")
	require.Len(t, statuses, 1)
	assert.Equal(t, jobExecDaily, statuses[0]["job"])
	assert.Equal(t, outcomeCompleted, statuses[0]["outcome"])
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s, _, _ := newHarness(t)
	s.cfg.ReportExecDailyCron = "not a schedule"
	require.Error(t, s.Start(context.Background()))
}

func TestStartIsIdempotentAndStopWaitsForRuns(t *testing.T) {
	s, _, agents := newHarness(t)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))

	agents.release = make(chan struct{})
	s.OnIncidentResolved(context.Background(), "INC-1")

	// The run is parked inside the generator call.
	require.Eventually(t, func() bool { return agents.calls(agentAnalyst) == 1 },
		2*time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a retrospective was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(agents.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop never returned after the run finished")
	}
}
