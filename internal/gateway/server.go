package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/netutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/xizzxy/gatekeeper/internal/config"
	"github.com/xizzxy/gatekeeper/internal/limiter"
	"github.com/xizzxy/gatekeeper/internal/metrics"
	"github.com/xizzxy/gatekeeper/internal/policy"
	"github.com/xizzxy/gatekeeper/internal/store"
)

// echoResource guards the echo route. It keeps its own budget even without a
// policy of its own.
const echoResource = "echo"

type Server struct {
	config      *config.Config
	router      *gin.Engine
	httpServer  *http.Server
	grpcServer  *grpc.Server
	pprofServer *http.Server
	health      *health.Server
	registry    *limiter.Registry
	store       store.Store
	policies    *policy.EtcdRepository
	metrics     *metrics.Collector
	logger      *slog.Logger
	now         func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// LimiterOptions maps the limiter section of cfg onto limiter.Options.
func LimiterOptions(cfg *config.Config) limiter.Options {
	return limiter.Options{
		FailureMode:  limiter.FailureMode(cfg.Limiter.FailureMode),
		StoreTimeout: cfg.Limiter.StoreTimeout,
	}
}

// DefaultPolicy is the policy for resources without one of their own.
func DefaultPolicy(cfg *config.Config) limiter.Config {
	return limiter.Config{
		Algorithm:     limiter.Algorithm(cfg.Limiter.Algorithm),
		Capacity:      cfg.Limiter.Capacity,
		RatePerSecond: cfg.Limiter.RatePerSecond,
		WindowSeconds: cfg.Limiter.WindowSeconds,
		Limit:         cfg.Limiter.Limit,
	}
}

func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Limiter.Store, err)
	}
	logger.Info("Counter store ready", "store", cfg.Limiter.Store, "failure_mode", cfg.Limiter.FailureMode)

	registry, err := limiter.NewRegistry(st, LimiterOptions(cfg), DefaultPolicy(cfg))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	s := newServer(cfg, logger, st, registry)

	switch cfg.Gateway.PolicySource {
	case "file":
		if _, err := policy.ReloadFile(cfg.Gateway.PolicyFile, s.policySink("file")); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
		logger.Info("Policies loaded", "path", cfg.Gateway.PolicyFile, "resources", registry.Resources())
	case "etcd":
		repo, err := policy.NewEtcdRepository(cfg.Etcd, logger)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		s.policies = repo
	}

	return s, nil
}

// newServer wires the routers around an already built store and registry.
func newServer(cfg *config.Config, logger *slog.Logger, st store.Store, registry *limiter.Registry) *Server {
	s := &Server{
		config:   cfg,
		store:    st,
		registry: registry,
		metrics:  metrics.NewCollector(),
		health:   health.NewServer(),
		logger:   logger,
		now:      time.Now,
	}
	s.metrics.SetPolicies(len(registry.Resources()))

	// Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(LoggerMiddleware(logger))
	router.Use(CORSMiddleware())
	router.Use(MetricsMiddleware(s.metrics))
	s.setupRoutes(router)
	s.router = router

	s.httpServer = &http.Server{
		Addr:         cfg.Gateway.Address,
		Handler:      router,
		ReadTimeout:  cfg.Gateway.ReadTimeout,
		WriteTimeout: cfg.Gateway.WriteTimeout,
	}

	s.grpcServer = grpc.NewServer(
		grpc.UnaryInterceptor(s.unaryInterceptor),
	)
	RegisterRateLimiterServer(s.grpcServer, &rateLimiterService{server: s})
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(RateLimiterServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(s.grpcServer)

	return s
}

func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	lis, err := net.Listen("tcp", s.config.Gateway.Address)
	if err != nil {
		return fmt.Errorf("failed to listen for HTTP: %w", err)
	}
	if limit := s.config.Gateway.MaxConnections; limit > 0 {
		lis = netutil.LimitListener(lis, limit)
	}

	grpcLis, err := net.Listen("tcp", s.config.Gateway.GRPCAddress)
	if err != nil {
		_ = lis.Close()
		return fmt.Errorf("failed to listen for gRPC: %w", err)
	}

	// HTTP
	go func() {
		s.logger.Info("Starting HTTP server", "address", lis.Addr().String(), "max_connections", s.config.Gateway.MaxConnections)
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	// gRPC
	go func() {
		s.logger.Info("Starting gRPC server", "address", grpcLis.Addr().String())
		if err := s.grpcServer.Serve(grpcLis); err != nil {
			s.logger.Error("gRPC server error", "error", err)
		}
	}()

	if s.config.Observability.EnableProfiling {
		s.startProfiling()
	}

	s.startPolicySync(ctx)
	return nil
}

func (s *Server) startProfiling() {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.pprofServer = &http.Server{
		Addr:              s.config.Observability.ProfilingAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.logger.Info("Starting profiling server", "address", s.pprofServer.Addr)
		if err := s.pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Profiling server error", "error", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down gateway server")
	s.health.Shutdown()

	if s.cancel != nil {
		s.cancel()
	}

	// Stop HTTP
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
	if s.pprofServer != nil {
		if err := s.pprofServer.Shutdown(ctx); err != nil {
			s.logger.Error("Profiling server shutdown error", "error", err)
		}
	}

	// Stop gRPC
	s.grpcServer.GracefulStop()

	s.wg.Wait()

	if s.policies != nil {
		if err := s.policies.Close(); err != nil {
			s.logger.Error("Failed to close policy repository", "error", err)
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("Failed to close counter store", "error", err)
	}

	return nil
}

// Handler exposes the HTTP routes, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(router *gin.Engine) {
	// Health
	router.GET("/health", s.handleHealth)

	if s.config.Observability.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	// REST API
	api := router.Group("/api/v1")
	api.Use(IdentityMiddleware())
	{
		api.GET("/allow", s.handleAllow)
		api.GET("/policies", s.handlePolicies)
		api.GET("/stats", s.handleStats)
		api.DELETE("/limits/:resource/:key", s.handleReset)
		api.Any("/echo", RateLimitMiddleware(s, echoResource), s.handleEcho)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	checks := make(map[string]string)

	if err := s.store.Ping(ctx); err != nil {
		status, code = "unhealthy", http.StatusServiceUnavailable
		checks["store"] = fmt.Sprintf("error: %v", err)
	} else {
		checks["store"] = "healthy"
	}

	if s.policies != nil {
		if err := s.policies.Ping(ctx); err != nil {
			// Policies already installed keep working without etcd.
			checks["policies"] = fmt.Sprintf("degraded: %v", err)
		} else {
			checks["policies"] = "healthy"
		}
	}

	c.JSON(code, gin.H{
		"status":       status,
		"version":      s.config.Observability.ServiceVersion,
		"store":        s.config.Limiter.Store,
		"failure_mode": s.config.Limiter.FailureMode,
		"checks":       checks,
	})
}

func (s *Server) handleAllow(c *gin.Context) {
	resource := s.registry.Resolve(c.DefaultQuery("resource", limiter.DefaultResource))
	key := c.Query("key")
	if key == "" {
		key = identityFrom(c)
	}

	d, err := s.Evaluate(c.Request.Context(), resource, key)
	if !writeDecision(c, d, err) {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"allowed":   true,
		"resource":  resource,
		"limit":     d.Limit,
		"remaining": d.Remaining,
		"reset_at":  d.ResetUnix(),
	})
}

func (s *Server) handlePolicies(c *gin.Context) {
	policies := s.registry.Policies()
	c.JSON(http.StatusOK, gin.H{
		"default":  s.registry.Default(),
		"policies": policies,
		"count":    len(policies),
		"source":   s.config.Gateway.PolicySource,
	})
}

func (s *Server) handleReset(c *gin.Context) {
	resource := c.Param("resource")
	if resource != echoResource {
		resource = s.registry.Resolve(resource)
	}
	key := c.Param("key")

	if err := s.registry.ForResource(resource).Reset(c.Request.Context(), key); err != nil {
		s.logger.Error("Failed to reset limit", "resource", resource, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rate limiter unavailable"})
		return
	}

	s.logger.Info("Limit reset", "resource", resource, "request_id", c.GetString(requestIDKey))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStats(c *gin.Context) {
	stats := gin.H{
		"timestamp": s.now().Unix(),
		"store":     s.config.Limiter.Store,
		"policies":  len(s.registry.Resources()),
	}

	if reporter, ok := s.store.(store.StatsReporter); ok {
		storeStats, err := reporter.Stats(c.Request.Context())
		if err != nil {
			s.logger.Warn("Failed to read store stats", "error", err)
		} else {
			stats["store_stats"] = storeStats
		}
	}

	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleEcho(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"method":     c.Request.Method,
		"path":       c.Request.URL.Path,
		"request_id": c.GetString(requestIDKey),
		"received":   s.now().UTC(),
	})
}
