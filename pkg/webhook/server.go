// Package webhook is Vigil's inbound HTTP surface: health and metrics,
// incident read endpoints for operators, signature-verified GitHub
// deployment events, and the Slack approval callback.
package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigil-soc/vigil/pkg/config"
	"github.com/vigil-soc/vigil/pkg/incident"
	"github.com/vigil-soc/vigil/pkg/storage"
)

// Server hosts the webhook endpoints.
type Server struct {
	cfg       *config.Config
	store     storage.Store
	logger    *slog.Logger
	engine    *gin.Engine
	http      *http.Server
	startedAt time.Time
	now       func() time.Time
}

// New builds the server and its routes.
func New(cfg *config.Config, store storage.Store) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:    cfg,
		store:  store,
		logger: slog.Default().With("component", "webhook"),
		engine: gin.New(),
		now:    time.Now,
	}
	s.startedAt = s.now()
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/api/incidents", s.handleListIncidents)
	s.engine.GET("/api/incidents/:id", s.handleGetIncident)
	s.engine.POST("/webhook/github", s.handleGitHub)
	s.engine.POST("/api/vigil/approval-callback", s.handleApprovalCallback)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              ":" + s.cfg.HTTPPort,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Webhook server listening", "port", s.cfg.HTTPPort)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": int64(s.now().Sub(s.startedAt).Seconds()),
	})
}

func (s *Server) handleListIncidents(c *gin.Context) {
	res, err := s.store.Search(c.Request.Context(), storage.IndexIncidents, map[string]any{
		"query": map[string]any{"match_all": map[string]any{}},
	}, &storage.SearchOptions{Size: 50, Sort: []string{"created_at:desc"}})
	if err != nil {
		s.logger.Error("Incident list query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage query failed"})
		return
	}

	incidents := make([]incident.Incident, 0, len(res.Hits))
	for _, hit := range res.Hits {
		var inc incident.Incident
		if err := hit.Decode(&inc); err != nil {
			s.logger.Warn("Skipping undecodable incident document", "id", hit.ID, "error", err)
			continue
		}
		incidents = append(incidents, inc)
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents, "total": res.Total})
}

func (s *Server) handleGetIncident(c *gin.Context) {
	id := c.Param("id")
	doc, err := s.store.Get(c.Request.Context(), storage.IndexIncidents, id)
	if err != nil {
		if storage.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
			return
		}
		s.logger.Error("Incident fetch failed", "incident_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage query failed"})
		return
	}

	var inc incident.Incident
	if err := doc.Decode(&inc); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "malformed incident document"})
		return
	}
	c.JSON(http.StatusOK, inc)
}
