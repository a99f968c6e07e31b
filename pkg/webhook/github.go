package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vigil-soc/vigil/pkg/models"
	"github.com/vigil-soc/vigil/pkg/storage"
)

// indexedGitHubEvents are the deployment-relevant event types worth keeping.
// pull_request is indexed only when the PR actually merged.
var indexedGitHubEvents = map[string]struct{}{
	"push":              {},
	"deployment":        {},
	"deployment_status": {},
	"pull_request":      {},
}

func (s *Server) handleGitHub(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if !validGitHubSignature(body, c.GetHeader("x-hub-signature-256"), s.cfg.GitHubWebhookSecret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature mismatch"})
		return
	}

	// The event type comes from the delivery header, never from the payload.
	eventType := c.GetHeader("X-GitHub-Event")
	if _, ok := indexedGitHubEvents[eventType]; !ok {
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "event_type": eventType})
		return
	}

	var payload githubPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}
	if eventType == "pull_request" && !payload.PullRequest.Merged {
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "event_type": eventType})
		return
	}

	event := models.GitHubEvent{
		EventType:  eventType,
		DeliveryID: c.GetHeader("X-GitHub-Delivery"),
		Repository: payload.Repository.FullName,
		Ref:        payload.ref(eventType),
		SHA:        payload.sha(eventType),
		Sender:     payload.Sender.Login,
		ReceivedAt: s.now().UTC().Format(time.RFC3339),
		Payload:    body,
	}
	if err := s.store.Index(c.Request.Context(), storage.IndexGitHubEvents, "", event); err != nil {
		s.logger.Error("Failed to index GitHub event",
			"event_type", eventType, "delivery_id", event.DeliveryID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage write failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "indexed", "event_type": eventType})
}

func validGitHubSignature(body []byte, header, secret string) bool {
	if header == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}

// githubPayload picks out the few fields the index record surfaces; the full
// payload rides along verbatim.
type githubPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
	Deployment struct {
		SHA string `json:"sha"`
		Ref string `json:"ref"`
	} `json:"deployment"`
	PullRequest struct {
		Merged         bool   `json:"merged"`
		MergeCommitSHA string `json:"merge_commit_sha"`
	} `json:"pull_request"`
}

func (p *githubPayload) ref(eventType string) string {
	switch eventType {
	case "deployment", "deployment_status":
		return p.Deployment.Ref
	default:
		return p.Ref
	}
}

func (p *githubPayload) sha(eventType string) string {
	switch eventType {
	case "push":
		return p.After
	case "deployment", "deployment_status":
		return p.Deployment.SHA
	case "pull_request":
		return p.PullRequest.MergeCommitSHA
	default:
		return ""
	}
}
