package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-soc/vigil/pkg/config"
	"github.com/vigil-soc/vigil/pkg/incident"
	"github.com/vigil-soc/vigil/pkg/models"
	"github.com/vigil-soc/vigil/pkg/storage"
	"github.com/vigil-soc/vigil/pkg/storage/storagetest"
)

const (
	githubSecret = "gh-secret"
	slackSecret  = "slack-secret"
)

func newServer(t *testing.T) (*Server, *storagetest.Fake) {
	t.Helper()
	fake := storagetest.NewFake()
	s := New(&config.Config{
		GitHubWebhookSecret: githubSecret,
		SlackSigningSecret:  slackSecret,
		HTTPPort:            "0",
	}, fake)
	return s, fake
}

func doRequest(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsUptime(t *testing.T) {
	s, _ := newServer(t)
	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.GreaterOrEqual(t, body["uptime"].(float64), 0.0)
}

func TestMetricsEndpointServes(t *testing.T) {
	s, _ := newServer(t)
	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIncidentReadEndpoints(t *testing.T) {
	s, fake := newServer(t)
	fake.MustIndex(storage.IndexIncidents, "INC-2026-AB12C", &incident.Incident{
		IncidentID: "INC-2026-AB12C",
		Status:     incident.StateInvestigating,
	})

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/incidents", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Incidents []incident.Incident `json:"incidents"`
		Total     int                 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	rec = doRequest(s, httptest.NewRequest(http.MethodGet, "/api/incidents/INC-2026-AB12C", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, httptest.NewRequest(http.MethodGet, "/api/incidents/INC-2026-ZZZZZ", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func githubSign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(githubSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func githubRequest(event string, body []byte, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "d-1")
	req.Header.Set("x-hub-signature-256", signature)
	return req
}

func TestGitHubPushIndexed(t *testing.T) {
	s, fake := newServer(t)
	body := []byte(`{"ref":"refs/heads/main","after":"abc123","repository":{"full_name":"acme/checkout"},"sender":{"login":"dev1"}}`)

	rec := doRequest(s, githubRequest("push", body, githubSign(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, fake.Count(storage.IndexGitHubEvents))

	res, err := fake.Search(context.Background(), storage.IndexGitHubEvents,
		map[string]any{"query": map[string]any{"match_all": map[string]any{}}}, nil)
	require.NoError(t, err)
	var event models.GitHubEvent
	require.NoError(t, res.Hits[0].Decode(&event))
	assert.Equal(t, "push", event.EventType)
	assert.Equal(t, "acme/checkout", event.Repository)
	assert.Equal(t, "abc123", event.SHA)
	assert.Equal(t, "refs/heads/main", event.Ref)
	assert.Equal(t, "d-1", event.DeliveryID)
}

func TestGitHubBadSignatureRejected(t *testing.T) {
	s, fake := newServer(t)
	body := []byte(`{"ref":"refs/heads/main"}`)

	rec := doRequest(s, githubRequest("push", body, "sha256=deadbeef"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, fake.Count(storage.IndexGitHubEvents))
}

func TestGitHubUnlistedEventIgnored(t *testing.T) {
	s, fake := newServer(t)
	body := []byte(`{"action":"opened"}`)

	rec := doRequest(s, githubRequest("issues", body, githubSign(body)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, fake.Count(storage.IndexGitHubEvents))
}

func TestGitHubPullRequestOnlyWhenMerged(t *testing.T) {
	s, fake := newServer(t)

	open := []byte(`{"pull_request":{"merged":false},"repository":{"full_name":"acme/checkout"}}`)
	rec := doRequest(s, githubRequest("pull_request", open, githubSign(open)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, fake.Count(storage.IndexGitHubEvents))

	merged := []byte(`{"pull_request":{"merged":true,"merge_commit_sha":"fff999"},"repository":{"full_name":"acme/checkout"}}`)
	rec = doRequest(s, githubRequest("pull_request", merged, githubSign(merged)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, fake.Count(storage.IndexGitHubEvents))

	res, err := fake.Search(context.Background(), storage.IndexGitHubEvents,
		map[string]any{"query": map[string]any{"match_all": map[string]any{}}}, nil)
	require.NoError(t, err)
	var event models.GitHubEvent
	require.NoError(t, res.Hits[0].Decode(&event))
	assert.Equal(t, "fff999", event.SHA)
}

// slackCallback builds a signed Slack interactive payload hitting one button.
func slackCallback(t *testing.T, actionID, value string, ts time.Time) *http.Request {
	t.Helper()
	payload := fmt.Sprintf(`{"type":"block_actions","user":{"id":"U1","name":"analyst-1"},"actions":[{"type":"button","block_id":"vigil_approval","action_id":"%s","value":"%s"}]}`,
		actionID, value)
	form := "payload=" + url.QueryEscape(payload)

	stamp := fmt.Sprintf("%d", ts.Unix())
	mac := hmac.New(sha256.New, []byte(slackSecret))
	mac.Write([]byte("v0:" + stamp + ":" + form))
	signature := "v0=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/api/vigil/approval-callback", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Slack-Request-Timestamp", stamp)
	req.Header.Set("X-Slack-Signature", signature)
	return req
}

func TestApprovalCallbackApprove(t *testing.T) {
	s, fake := newServer(t)
	fake.MustIndex(storage.IndexIncidents, "INC-2026-AB12C", &incident.Incident{
		IncidentID:     "INC-2026-AB12C",
		Status:         incident.StateAwaitingApproval,
		ApprovalStatus: incident.ApprovalPending,
	})

	rec := doRequest(s, slackCallback(t, "vigil_approve_INC-2026-AB12C", "ACT-1", time.Now()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res, err := fake.Search(context.Background(), storage.IndexApprovalResponses,
		map[string]any{"query": map[string]any{"match_all": map[string]any{}}}, nil)
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	var response models.ApprovalResponse
	require.NoError(t, res.Hits[0].Decode(&response))
	assert.Equal(t, "INC-2026-AB12C", response.IncidentID)
	assert.Equal(t, "ACT-1", response.ActionID)
	assert.Equal(t, "approve", response.Value, "value is normalized")
	assert.Equal(t, "analyst-1", response.Approver)

	var inc incident.Incident
	require.NoError(t, fake.GetSource(storage.IndexIncidents, "INC-2026-AB12C", &inc))
	assert.Equal(t, incident.ApprovalApproved, inc.ApprovalStatus)
}

func TestApprovalCallbackReject(t *testing.T) {
	s, fake := newServer(t)
	fake.MustIndex(storage.IndexIncidents, "INC-2026-AB12C", &incident.Incident{
		IncidentID: "INC-2026-AB12C",
		Status:     incident.StateAwaitingApproval,
	})

	rec := doRequest(s, slackCallback(t, "vigil_reject_INC-2026-AB12C", "ACT-1", time.Now()))
	require.Equal(t, http.StatusOK, rec.Code)

	var inc incident.Incident
	require.NoError(t, fake.GetSource(storage.IndexIncidents, "INC-2026-AB12C", &inc))
	assert.Equal(t, incident.ApprovalRejected, inc.ApprovalStatus)
}

func TestApprovalCallbackInfoIsDisplayOnly(t *testing.T) {
	s, fake := newServer(t)

	rec := doRequest(s, slackCallback(t, "vigil_info_INC-2026-AB12C", "ACT-1", time.Now()))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, fake.Count(storage.IndexApprovalResponses))
}

func TestApprovalCallbackBadSignature(t *testing.T) {
	s, fake := newServer(t)

	req := slackCallback(t, "vigil_approve_INC-2026-AB12C", "ACT-1", time.Now())
	req.Header.Set("X-Slack-Signature", "v0=deadbeef")
	rec := doRequest(s, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, fake.Count(storage.IndexApprovalResponses))
}

func TestApprovalCallbackStaleTimestampRejected(t *testing.T) {
	s, fake := newServer(t)

	rec := doRequest(s, slackCallback(t, "vigil_approve_INC-2026-AB12C", "ACT-1",
		time.Now().Add(-10*time.Minute)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, fake.Count(storage.IndexApprovalResponses))
}

func TestApprovalCallbackSanitizesIncidentID(t *testing.T) {
	s, fake := newServer(t)

	rec := doRequest(s, slackCallback(t, "vigil_approve_", "ACT-1", time.Now()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, slackCallback(t, "vigil_approve_INC..%2Fetc", "ACT-1", time.Now()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, slackCallback(t, "unrelated_button", "ACT-1", time.Now()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, fake.Count(storage.IndexApprovalResponses))
}
