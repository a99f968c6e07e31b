package webhook

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/slack-go/slack"

	"github.com/vigil-soc/vigil/pkg/incident"
	"github.com/vigil-soc/vigil/pkg/models"
	"github.com/vigil-soc/vigil/pkg/storage"
)

// Button action-id prefixes posted with approval prompts. The suffix is the
// incident id.
const (
	actionPrefixApprove = "vigil_approve_"
	actionPrefixReject  = "vigil_reject_"
	actionPrefixInfo    = "vigil_info_"
)

var incidentIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

func (s *Server) handleApprovalCallback(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	verifier, err := slack.NewSecretsVerifier(c.Request.Header, s.cfg.SlackSigningSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}
	if _, err := verifier.Write(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if err := verifier.Ensure(); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature mismatch"})
		return
	}

	// Slack interactive payloads arrive form-encoded under "payload".
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	raw := c.Request.FormValue("payload")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing payload"})
		return
	}

	var callback slack.InteractionCallback
	if err := json.Unmarshal([]byte(raw), &callback); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}
	actions := callback.ActionCallback.BlockActions
	if len(actions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no actions in payload"})
		return
	}
	action := actions[0]

	verb, incidentID, ok := parseActionID(action.ActionID)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unrecognized action_id"})
		return
	}
	if incidentID == "" || !incidentIDPattern.MatchString(incidentID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid incident_id"})
		return
	}

	if verb == "info" {
		// Display-only: nothing is recorded.
		c.JSON(http.StatusOK, gin.H{"status": "info", "incident_id": incidentID})
		return
	}

	approver := callback.User.Name
	if approver == "" {
		approver = callback.User.ID
	}
	response := models.ApprovalResponse{
		IncidentID: incidentID,
		ActionID:   action.Value,
		Value:      verb,
		Approver:   approver,
		Timestamp:  s.now().UTC().Format(time.RFC3339),
	}
	ctx := c.Request.Context()
	if err := s.store.Index(ctx, storage.IndexApprovalResponses, "", response); err != nil {
		s.logger.Error("Failed to index approval response",
			"incident_id", incidentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage write failed"})
		return
	}

	status := incident.ApprovalApproved
	if verb == "reject" {
		status = incident.ApprovalRejected
	}
	if err := s.store.Update(ctx, storage.IndexIncidents, incidentID,
		map[string]any{"approval_status": status}, nil); err != nil {
		// The coordinator's poll also reads the response index, so a missed
		// incident update is recoverable.
		s.logger.Warn("Failed to update incident approval status",
			"incident_id", incidentID, "error", err)
	}

	s.logger.Info("Approval verdict recorded",
		"incident_id", incidentID, "value", verb, "approver", approver)
	c.JSON(http.StatusOK, gin.H{"status": verb, "incident_id": incidentID})
}

// parseActionID splits a button action id into its verb and incident id.
// Verdict values are normalized to approve/reject.
func parseActionID(actionID string) (verb, incidentID string, ok bool) {
	switch {
	case strings.HasPrefix(actionID, actionPrefixApprove):
		return "approve", strings.TrimPrefix(actionID, actionPrefixApprove), true
	case strings.HasPrefix(actionID, actionPrefixReject):
		return "reject", strings.TrimPrefix(actionID, actionPrefixReject), true
	case strings.HasPrefix(actionID, actionPrefixInfo):
		return "info", strings.TrimPrefix(actionID, actionPrefixInfo), true
	default:
		return "", "", false
	}
}
