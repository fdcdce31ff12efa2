package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xizzxy/gatekeeper/internal/config"
	"github.com/xizzxy/gatekeeper/internal/policy"
)

const requestTimeout = 5 * time.Second

type Server struct {
	config     *config.Config
	logger     *slog.Logger
	repo       policy.Repository
	router     *gin.Engine
	httpServer *http.Server
	now        func() time.Time
}

func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	repo, err := policy.NewEtcdRepository(cfg.Etcd, logger)
	if err != nil {
		return nil, err
	}
	return newServer(cfg, logger, repo), nil
}

func newServer(cfg *config.Config, logger *slog.Logger, repo policy.Repository) *Server {
	s := &Server{
		config: cfg,
		logger: logger,
		repo:   repo,
		now:    time.Now,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// Add logging middleware
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"remote_addr", c.ClientIP(),
		)
	})

	// Health endpoint
	router.GET("/health", s.healthHandler)

	// Policy management API
	api := router.Group("/api/v1")
	{
		api.POST("/policies", s.createPolicy)
		api.GET("/policies/:resource", s.getPolicy)
		api.PUT("/policies/:resource", s.updatePolicy)
		api.DELETE("/policies/:resource", s.deletePolicy)
		api.GET("/policies", s.listPolicies)
	}
	s.router = router

	s.httpServer = &http.Server{
		Addr:         cfg.Control.Address,
		Handler:      router,
		ReadTimeout:  cfg.Control.ReadTimeout,
		WriteTimeout: cfg.Control.WriteTimeout,
	}
	return s
}

func (s *Server) Start(ctx context.Context) error {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.logger.Info("Control plane server started", "address", s.config.Control.Address)
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down control plane server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return s.repo.Close()
}

// Handler exposes the HTTP routes, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	if err := s.repo.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  "policy store connectivity issue",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "gatekeeper-control",
		"version":   s.config.Observability.ServiceVersion,
		"timestamp": s.now().UTC(),
	})
}

func (s *Server) createPolicy(c *gin.Context) {
	var p policy.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := p.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	p.UpdatedAt = s.now().UTC()
	err := s.repo.Create(ctx, p)
	switch {
	case errors.Is(err, policy.ErrExists):
		c.JSON(http.StatusConflict, gin.H{"error": "policy already exists"})
		return
	case err != nil:
		s.logger.Error("Failed to store policy", "resource", p.Resource, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store policy"})
		return
	}

	s.logger.Info("Policy created", "resource", p.Resource, "algorithm", p.Algorithm)
	c.JSON(http.StatusCreated, p)
}

func (s *Server) getPolicy(c *gin.Context) {
	resource := c.Param("resource")

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	p, err := s.repo.Get(ctx, resource)
	if errors.Is(err, policy.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "policy not found"})
		return
	}
	if err != nil {
		s.logger.Error("Failed to get policy", "resource", resource, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve policy"})
		return
	}

	c.JSON(http.StatusOK, p)
}

// updatePolicy replaces the limiter configuration of an existing resource.
func (s *Server) updatePolicy(c *gin.Context) {
	resource := c.Param("resource")

	var p policy.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p.Resource = resource
	if err := p.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	if _, err := s.repo.Get(ctx, resource); err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "policy not found"})
			return
		}
		s.logger.Error("Failed to get policy", "resource", resource, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve policy"})
		return
	}

	p.UpdatedAt = s.now().UTC()
	if err := s.repo.Put(ctx, p); err != nil {
		s.logger.Error("Failed to update policy", "resource", resource, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update policy"})
		return
	}

	s.logger.Info("Policy updated", "resource", resource, "algorithm", p.Algorithm)
	c.JSON(http.StatusOK, p)
}

func (s *Server) deletePolicy(c *gin.Context) {
	resource := c.Param("resource")

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	err := s.repo.Delete(ctx, resource)
	if errors.Is(err, policy.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "policy not found"})
		return
	}
	if err != nil {
		s.logger.Error("Failed to delete policy", "resource", resource, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete policy"})
		return
	}

	s.logger.Info("Policy deleted", "resource", resource)
	c.Status(http.StatusNoContent)
}

func (s *Server) listPolicies(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	policies, err := s.repo.List(ctx)
	if err != nil {
		s.logger.Error("Failed to list policies", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list policies"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"policies": policies,
		"count":    len(policies),
	})
}
