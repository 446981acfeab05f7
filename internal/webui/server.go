package webui

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"agentcore/internal/agent"
	"agentcore/internal/logging"
	"agentcore/internal/observability"
	"agentcore/internal/policy"
	"agentcore/internal/tools"
	"agentcore/internal/webui/handlers"
	"agentcore/internal/webui/middleware"
)

// Dependencies are the components the server exposes.
type Dependencies struct {
	Manager    *agent.Manager
	Dispatcher *tools.Dispatcher
	Policy     *policy.Policy
	Metrics    *observability.MetricsCollector // optional; enables /metrics
	Health     *HealthChecker                  // optional
	Logger     logging.Logger
	Version    string
}

// Server - HTTP and WebSocket front end for the session manager
type Server struct {
	deps   Dependencies
	config ServerConfig
	logger logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	wsUpgrader websocket.Upgrader

	streamsMu sync.Mutex
	streams   map[*streamConn]struct{}

	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewServer builds the router. Call Start to listen or use Handler directly.
func NewServer(deps Dependencies, config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if deps.Health == nil {
		deps.Health = NewHealthChecker()
	}
	logger := logging.OrNop(deps.Logger)
	if logging.IsNil(deps.Logger) {
		logger = logging.NewComponentLogger("WebUI")
	}

	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(middleware.ErrorHandlingMiddleware(logger))
	engine.Use(middleware.RequestLogger(logger))

	if config.EnableCORS {
		corsConfig := cors.DefaultConfig()
		if len(config.AllowedOrigins) == 0 {
			corsConfig.AllowAllOrigins = true
		} else {
			corsConfig.AllowOrigins = config.AllowedOrigins
		}
		corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:      deps,
		config:    *config,
		logger:    logger,
		engine:    engine,
		streams:   make(map[*streamConn]struct{}),
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.wsUpgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		Handler:      engine,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	sessionHandler := handlers.NewSessionHandler(s.deps.Manager)
	toolsHandler := handlers.NewToolsHandler(s.deps.Dispatcher)
	policyHandler := handlers.NewPolicyHandler(s.deps.Policy)

	api := s.engine.Group("/api")
	api.Use(middleware.JSONMiddleware())

	api.GET("/health", s.handleHealth)

	sessions := api.Group("/sessions")
	{
		sessions.POST("", sessionHandler.CreateSession)
		sessions.GET("", sessionHandler.ListSessions)
		sessions.GET("/:id", sessionHandler.GetSession)
		sessions.DELETE("/:id", sessionHandler.CancelSession)
		sessions.POST("/:id/answer", sessionHandler.AnswerQuestion)
		sessions.GET("/:id/stream", s.handleStream)
	}

	toolRoutes := api.Group("/tools")
	{
		toolRoutes.GET("", toolsHandler.ListTools)
		toolRoutes.GET("/invocations", toolsHandler.ListInvocations)
	}

	api.GET("/policy", policyHandler.GetPolicy)

	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleHealth(c *gin.Context) {
	components := s.deps.Health.CheckAll(c.Request.Context())
	overall := Overall(components)
	code := http.StatusOK
	if overall == HealthStatusNotReady {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, handlers.APIResponse{
		Success: overall != HealthStatusNotReady,
		Data: HealthResponse{
			Status:     string(overall),
			Version:    s.deps.Version,
			Timestamp:  time.Now(),
			Uptime:     time.Since(s.startTime).Round(time.Second).String(),
			Components: components,
		},
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.config.AllowedOrigins, origin)
}

// Start listens until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Starting server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop closes every stream and shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping server...")
	s.cancel()
	s.closeAllStreams()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error shutting down HTTP server: %v", err)
		return err
	}
	s.wg.Wait()
	s.logger.Info("Server stopped")
	return nil
}

func (s *Server) addStream(conn *streamConn) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	s.streams[conn] = struct{}{}
}

func (s *Server) removeStream(conn *streamConn) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	delete(s.streams, conn)
}

func (s *Server) closeAllStreams() {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	for conn := range s.streams {
		conn.cancel()
	}
	s.streams = make(map[*streamConn]struct{})
}
