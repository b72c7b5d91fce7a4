// Package api serves the HTTP surface: session commands, health, metrics,
// the analyze contract, and the WebSocket bridges for browser cameras and
// event streaming.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/care/formcoach/internal/events"
	"github.com/care/formcoach/internal/inference"
	"github.com/care/formcoach/internal/session"
)

// Session is the command surface of the session controller
type Session interface {
	State() session.State
	Exercises() []string
	SelectExercise(ctx context.Context, label string) error
	ToggleCamera(ctx context.Context) (bool, error)
	StartAnalysis(ctx context.Context) error
	StopAnalysis(ctx context.Context) error
}

// HealthFunc reports overall health ("healthy", "degraded", "unhealthy")
// with component details
type HealthFunc func() (status string, details map[string]interface{})

// Config wires the server's collaborators. Optional fields disable their
// routes when nil.
type Config struct {
	Addr    string
	Session Session
	Health  HealthFunc
	// Metrics serves GET /metrics
	Metrics http.Handler
	// Analyzer serves POST /api/analyze
	Analyzer inference.Client
	// CameraBridge serves GET /ws/camera
	CameraBridge http.HandlerFunc
	// Events feeds GET /ws/events
	Events *events.Bus
	// AnalyzeTimeout bounds a single /api/analyze call
	AnalyzeTimeout time.Duration
}

// Server is the gin HTTP server
type Server struct {
	cfg      Config
	router   *gin.Engine
	srv      *http.Server
	addr     net.Addr
	upgrader websocket.Upgrader
}

// New builds the router
func New(cfg Config) *Server {
	if cfg.AnalyzeTimeout <= 0 {
		cfg.AnalyzeTimeout = session.DefaultAnalyzeTimeout
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		cfg:    cfg,
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.health)
	s.router.GET("/readiness", s.readiness)
	if s.cfg.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.cfg.Metrics))
	}

	api := s.router.Group("/api")
	api.GET("/exercises", s.listExercises)
	api.GET("/state", s.getState)
	api.POST("/exercise", s.selectExercise)
	api.POST("/camera/toggle", s.toggleCamera)
	api.POST("/analysis/start", s.startAnalysis)
	api.POST("/analysis/stop", s.stopAnalysis)
	if s.cfg.Analyzer != nil {
		api.POST("/analyze", s.analyze)
	}

	if s.cfg.CameraBridge != nil {
		s.router.GET("/ws/camera", gin.WrapF(s.cfg.CameraBridge))
	}
	if s.cfg.Events != nil {
		s.router.GET("/ws/events", s.streamEvents)
	}
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
// It returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	s.addr = ln.Addr()
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("api: http server started", "addr", ln.Addr().String())
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api: http server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, nil before Start
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Shutdown stops accepting requests and drains in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	slog.Info("api: http server stopped")
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("api: request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
