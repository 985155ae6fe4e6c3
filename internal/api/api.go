// Package api exposes the re-engagement service over HTTP.
//
// Routes live under /v1/workspaces/:workspace_id and answer with the
// models.APIResponse envelope.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/BTreeMap/smtre/internal/models"
	"github.com/BTreeMap/smtre/internal/reengagement"
)

// Service is the subset of reengagement.Service the handlers call.
type Service interface {
	Create(ctx context.Context, req reengagement.CreateRequest) (*models.Record, error)
	Stop(ctx context.Context, conversationID string, actorID *string) (*models.Record, bool, error)
	FindByConversationID(ctx context.Context, conversationID string) (*models.Record, error)
	CreateSetting(ctx context.Context, setting models.Setting) (*models.Setting, error)
	GetSetting(ctx context.Context, workspaceID, id string) (*models.Setting, error)
	UpdateSetting(ctx context.Context, workspaceID, id string, update models.Setting) (*models.Setting, error)
	DeleteSetting(ctx context.Context, workspaceID, id string) error
	ListSettings(ctx context.Context, workspaceID, teamID string) ([]models.Setting, error)
	GetFunnelAnalytics(ctx context.Context, q models.FunnelQuery) (models.FunnelCounts, error)
}

var _ Service = (*reengagement.Service)(nil)

// HealthCheck reports a dependency problem, or nil when healthy.
type HealthCheck func(ctx context.Context) error

// Server holds the HTTP routes and their dependencies.
type Server struct {
	svc    Service
	engine *gin.Engine
	health HealthCheck

	mu       sync.Mutex
	http     *http.Server
	shutdown bool
}

// Option configures a Server.
type Option func(*Server)

// WithHealthCheck adds a dependency check to GET /health.
func WithHealthCheck(check HealthCheck) Option {
	return func(s *Server) { s.health = check }
}

// NewServer builds the router.
func NewServer(svc Service, opts ...Option) *Server {
	s := &Server{svc: svc}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	engine.GET("/health", s.healthHandler)

	ws := engine.Group("/v1/workspaces/:workspace_id")
	{
		ws.POST("/settings", s.createSettingHandler)
		ws.GET("/settings", s.listSettingsHandler)
		ws.GET("/settings/:setting_id", s.getSettingHandler)
		ws.PUT("/settings/:setting_id", s.updateSettingHandler)
		ws.DELETE("/settings/:setting_id", s.deleteSettingHandler)

		ws.POST("/records", s.createRecordHandler)
		ws.GET("/conversations/:conversation_id/record", s.getRecordHandler)
		ws.POST("/conversations/:conversation_id/stop", s.stopRecordHandler)

		ws.GET("/analytics/funnel", s.funnelHandler)
	}
	engine.NoRoute(func(c *gin.Context) {
		respond(c, http.StatusNotFound, models.Error("Route not found"))
	})

	s.engine = engine
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.http = srv
	s.mu.Unlock()

	slog.Info("API server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthData := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	statusCode := http.StatusOK
	if s.health != nil {
		if err := s.health(ctx); err != nil {
			slog.Warn("Health check failed", "error", err)
			healthData["status"] = "degraded"
			healthData["error"] = err.Error()
			statusCode = http.StatusServiceUnavailable
		}
	}
	c.JSON(statusCode, healthData)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.DebugContext(c.Request.Context(), "HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
