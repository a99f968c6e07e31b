package executor

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
	"github.com/vigil-soc/vigil/pkg/contracts"
	"github.com/vigil-soc/vigil/pkg/models"
	"github.com/vigil-soc/vigil/pkg/storage"
	"github.com/vigil-soc/vigil/pkg/storage/storagetest"
)

type stubAgents struct {
	mu       sync.Mutex
	requests map[string][][]byte
	errs     map[string][]error
	delay    time.Duration
}

func newStubAgents() *stubAgents {
	return &stubAgents{requests: make(map[string][][]byte), errs: make(map[string][]error)}
}

func (s *stubAgents) failNext(agentID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[agentID] = append(s.errs[agentID], err)
}

func (s *stubAgents) Send(ctx context.Context, agentID string, env *a2a.Envelope, opts a2a.SendOptions) (json.RawMessage, error) {
	s.mu.Lock()
	s.requests[agentID] = append(s.requests[agentID], append([]byte(nil), env.Payload...))
	var nextErr error
	if q := s.errs[agentID]; len(q) > 0 {
		nextErr, s.errs[agentID] = q[0], q[1:]
	}
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if nextErr != nil {
		return nil, nextErr
	}
	return json.RawMessage(`{"status":"ok"}`), nil
}

func (s *stubAgents) calls(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests[agentID])
}

func testConfig() *config.Config {
	return &config.Config{
		ExecutionDeadline:     time.Second,
		ExecApprovalTimeout:   150 * time.Millisecond,
		ExecApprovalPollEvery: 5 * time.Millisecond,
	}
}

func newExecHarness(t *testing.T) (*Executor, *storagetest.Fake, *stubAgents) {
	t.Helper()
	fake := storagetest.NewFake()
	agents := newStubAgents()
	return New(testConfig(), fake, agents), fake, agents
}

func intPtr(n int) *int    { return &n }
func boolPtr(b bool) *bool { return &b }

func action(order int, actionType, target string, approval bool) contracts.PlannedAction {
	return contracts.PlannedAction{
		Order:            intPtr(order),
		ActionType:       actionType,
		Description:      actionType + " step",
		TargetSystem:     target,
		ApprovalRequired: boolPtr(approval),
	}
}

func executeEnvelope(t *testing.T, incidentID string, actions ...contracts.PlannedAction) *a2a.Envelope {
	t.Helper()
	env, err := a2a.NewEnvelope("vigil-coordinator", "executor", incidentID,
		contracts.BuildExecuteRequest(incidentID, actions))
	require.NoError(t, err)
	return env
}

func TestExecutesActionsInOrder(t *testing.T) {
	exec, fake, agents := newExecHarness(t)
	env := executeEnvelope(t, "INC-1",
		action(2, "remediation", "kubernetes", false),
		action(1, "containment", "kubernetes", false),
	)

	resp, err := exec.HandleExecutePlan(context.Background(), env, 0)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecStatusCompleted, resp.Status)
	assert.Equal(t, 2, *resp.ActionsCompleted)
	require.Len(t, resp.ActionResults, 2)
	assert.Equal(t, 1, resp.ActionResults[0].Order, "actions run in ascending order")
	assert.Equal(t, "containment", resp.ActionResults[0].ActionType)
	assert.Equal(t, 2, agents.calls("workflow-kubernetes"))
	assert.Equal(t, 2, fake.Count(storage.IndexActions), "one audit record per attempt")

	var audit models.ActionRecord
	require.NoError(t, fake.GetSource(storage.IndexActions, resp.ActionResults[0].ActionID, &audit))
	require.NotEmpty(t, audit.StartedAt)
	require.NotEmpty(t, audit.CompletedAt)
	assert.LessOrEqual(t, audit.StartedAt, audit.CompletedAt)
}

func TestUnknownActionTypeRejectedUpFront(t *testing.T) {
	exec, fake, agents := newExecHarness(t)
	env := executeEnvelope(t, "INC-1",
		action(1, "containment", "kubernetes", false),
		action(2, "exfiltrate", "kubernetes", false),
	)

	_, err := exec.HandleExecutePlan(context.Background(), env, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action_type")
	assert.Zero(t, agents.calls("workflow-kubernetes"), "no partial execution")
	assert.Zero(t, fake.Count(storage.IndexActions))
}

func TestDuplicateExecutionSuppressed(t *testing.T) {
	exec, fake, agents := newExecHarness(t)
	fake.MustIndex(storage.IndexActions, "ACT-2026-PRIOR", models.ActionRecord{
		ActionID:   "ACT-2026-PRIOR",
		IncidentID: "INC-1",
	})

	env := executeEnvelope(t, "INC-1", action(1, "containment", "kubernetes", false))
	resp, err := exec.HandleExecutePlan(context.Background(), env, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, *resp.ActionsCompleted)
	assert.Empty(t, resp.ActionResults)
	assert.Zero(t, agents.calls("workflow-kubernetes"))
}

func TestFailureStopsFurtherDispatch(t *testing.T) {
	exec, _, agents := newExecHarness(t)
	agents.failNext("workflow-kubernetes", errors.New("workflow exploded"))
	env := executeEnvelope(t, "INC-1",
		action(1, "containment", "kubernetes", false),
		action(2, "remediation", "kubernetes", false),
		action(3, "documentation", "jira", false),
	)

	resp, err := exec.HandleExecutePlan(context.Background(), env, 0)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecStatusFailed, resp.Status)
	assert.Equal(t, 0, *resp.ActionsCompleted)
	assert.Equal(t, models.ExecutionFailed, resp.ActionResults[0].ExecutionStatus)
	assert.Equal(t, models.ExecutionSkipped, resp.ActionResults[1].ExecutionStatus)
	assert.Equal(t, models.ExecutionSkipped, resp.ActionResults[2].ExecutionStatus)
	assert.Equal(t, 1, agents.calls("workflow-kubernetes"))
	assert.Zero(t, agents.calls("workflow-jira"))
}

func TestPartialFailureStatus(t *testing.T) {
	exec, _, agents := newExecHarness(t)
	env := executeEnvelope(t, "INC-1",
		action(1, "containment", "kubernetes", false),
		action(2, "remediation", "aws", false),
	)
	agents.failNext("workflow-aws", errors.New("aws call failed"))

	resp, err := exec.HandleExecutePlan(context.Background(), env, 0)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecStatusPartialFailure, resp.Status)
	assert.Equal(t, 1, *resp.ActionsCompleted)
}

func TestDeadlineTruncatesAllActions(t *testing.T) {
	exec, _, agents := newExecHarness(t)
	agents.delay = 500 * time.Millisecond
	env := executeEnvelope(t, "INC-1",
		action(1, "containment", "kubernetes", false),
		action(2, "remediation", "kubernetes", false),
		action(3, "communication", "slack", false),
	)

	resp, err := exec.HandleExecutePlan(context.Background(), env, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecStatusFailed, resp.Status)
	assert.Equal(t, 0, *resp.ActionsCompleted)
	require.Len(t, resp.ActionResults, 3)
	for _, r := range resp.ActionResults {
		assert.Equal(t, models.ExecutionSkipped, r.ExecutionStatus)
		assert.Equal(t, "Execution deadline exceeded", r.ErrorMessage)
	}
}

func seedApproval(fake *storagetest.Fake, incidentID, actionID, value, ts string) {
	fake.MustIndex(storage.IndexApprovalResponses, "", models.ApprovalResponse{
		IncidentID: incidentID,
		ActionID:   actionID,
		Value:      value,
		Approver:   "analyst-1",
		Timestamp:  ts,
	})
}

// approvingStore answers the executor's approval poll as soon as the
// approval request names the generated action id.
type approvingStore struct {
	*storagetest.Fake
	value string
}

func (s *approvingStore) Search(ctx context.Context, index string, query map[string]any, opts *storage.SearchOptions) (*storage.SearchResult, error) {
	if index == storage.IndexApprovalResponses {
		actionID := termValue(query, "action_id")
		seedApproval(s.Fake, termValue(query, "incident_id"), actionID, s.value, "2026-08-24T10:00:00Z")
	}
	return s.Fake.Search(ctx, index, query, opts)
}

func termValue(query map[string]any, field string) string {
	q := query["query"].(map[string]any)
	b := q["bool"].(map[string]any)
	for _, clause := range b["filter"].([]map[string]any) {
		if term, ok := clause["term"].(map[string]any); ok {
			if v, ok := term[field].(string); ok {
				return v
			}
		}
	}
	return ""
}

func TestApprovalApprovedRunsAction(t *testing.T) {
	fake := storagetest.NewFake()
	store := &approvingStore{Fake: fake, value: "approve"}
	agents := newStubAgents()
	exec := New(testConfig(), store, agents)

	env := executeEnvelope(t, "INC-1", action(1, "containment", "kubernetes", true))
	resp, err := exec.HandleExecutePlan(context.Background(), env, 0)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecStatusCompleted, resp.Status)
	assert.Equal(t, 1, agents.calls(agentApproval), "approval request dispatched before polling")
	assert.Equal(t, 1, agents.calls("workflow-kubernetes"))
}

func TestApprovalRejectedSkipsAndStops(t *testing.T) {
	fake := storagetest.NewFake()
	store := &approvingStore{Fake: fake, value: "reject"}
	agents := newStubAgents()
	exec := New(testConfig(), store, agents)

	env := executeEnvelope(t, "INC-1",
		action(1, "containment", "kubernetes", true),
		action(2, "remediation", "kubernetes", false),
	)
	resp, err := exec.HandleExecutePlan(context.Background(), env, 0)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecStatusFailed, resp.Status)
	assert.Equal(t, models.ExecutionSkipped, resp.ActionResults[0].ExecutionStatus)
	assert.Equal(t, "Approval rejected", resp.ActionResults[0].ErrorMessage)
	assert.Equal(t, models.ExecutionSkipped, resp.ActionResults[1].ExecutionStatus)
	assert.Zero(t, agents.calls("workflow-kubernetes"))
}

func TestApprovalTimeoutSkips(t *testing.T) {
	exec, _, agents := newExecHarness(t)
	env := executeEnvelope(t, "INC-1", action(1, "containment", "kubernetes", true))

	resp, err := exec.HandleExecutePlan(context.Background(), env, 0)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSkipped, resp.ActionResults[0].ExecutionStatus)
	assert.Equal(t, "Approval timed out", resp.ActionResults[0].ErrorMessage)
	assert.Zero(t, agents.calls("workflow-kubernetes"))
}

func TestApprovalGateThrowsAfterConsecutivePollFailures(t *testing.T) {
	exec, fake, _ := newExecHarness(t)
	boom := errors.New("search down")
	for i := 0; i < 3; i++ {
		fake.InjectError("search", boom)
	}

	_, err := exec.approvalGate(context.Background(), "INC-1", "ACT-1", action(1, "containment", "kubernetes", true))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "approval poll failed 3 times")
}

func TestMoreInfoKeepsPollingUntilDecisive(t *testing.T) {
	exec, fake, _ := newExecHarness(t)
	seedApproval(fake, "INC-1", "ACT-9", "more_info", "2026-08-24T09:00:00Z")

	go func() {
		time.Sleep(30 * time.Millisecond)
		seedApproval(fake, "INC-1", "ACT-9", "approved", "2026-08-24T09:01:00Z")
	}()

	verdict, err := exec.approvalGate(context.Background(), "INC-1", "ACT-9", action(1, "remediation", "kubernetes", true))
	require.NoError(t, err)
	assert.Equal(t, approvalApproved, verdict)
}

func TestSeverityDerivation(t *testing.T) {
	assert.Equal(t, "critical", severityFor("containment"))
	assert.Equal(t, "high", severityFor("remediation"))
	assert.Equal(t, "low", severityFor("communication"))
	assert.Equal(t, "low", severityFor("documentation"))
	assert.Equal(t, "high", severityFor("something-else"))
}
