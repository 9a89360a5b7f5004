package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway/internal/interfaces/http/handlers"
)

// Server is the gateway's sole external interface: spec.md §6's HTTP/SSE
// surface over the agent loop. Grounded on teacher's interfaces/http.Server
// (gin.Engine construction, recovery/logging/CORS middleware chain,
// graceful Start/Stop over http.Server), generalized to the one handler
// the spec names rather than the teacher's message/openai/agent handler
// trio.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config is the HTTP server's host/port/mode.
type Config struct {
	Host string
	Port int
	Mode string // debug, release
}

// NewServer builds the gateway's HTTP server around an already-wired
// SpecAgentHandler.
func NewServer(cfg Config, specHandler *handlers.SpecAgentHandler, allowedOrigins []string, logger *zap.Logger) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))
	router.Use(corsMiddleware(allowedOrigins))

	setupRoutes(router, specHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		logger: logger,
	}
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes wires spec.md §6's external interface — the agent-loop's
// sole HTTP surface.
func setupRoutes(router *gin.Engine, specHandler *handlers.SpecAgentHandler) {
	if specHandler == nil {
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status": "degraded",
				"error":  "agent loop failed to initialize",
				"time":   time.Now().Unix(),
			})
		})
		return
	}

	router.GET("/health", specHandler.Health)
	router.GET("/auto/stream", specHandler.Stream)
	router.GET("/tools", specHandler.Tools)
	router.GET("/metrics", specHandler.Metrics)
	router.DELETE("/sessions/:id", specHandler.CancelSession)
	router.GET("/sessions/:id/export", specHandler.ExportSession)
	router.POST("/confirm/:id", specHandler.Confirm)
}

// corsMiddleware applies spec.md §6's allowed-origins list to every
// response. A single "*" entry (the default) allows any origin.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowAll {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowed[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// ginLogger logs every request at info level.
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
