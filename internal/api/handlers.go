package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/care/formcoach/internal/inference"
	"github.com/care/formcoach/internal/session"
	"github.com/care/formcoach/internal/types"
)

func (s *Server) health(c *gin.Context) {
	if s.cfg.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}
	status, details := s.cfg.Health()
	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "details": details})
}

func (s *Server) readiness(c *gin.Context) {
	state := s.cfg.Session.State()
	c.JSON(http.StatusOK, gin.H{
		"ready":        true,
		"camera_ready": state.CameraReady,
		"can_analyze":  state.CanAnalyze(),
	})
}

func (s *Server) listExercises(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"exercises": s.cfg.Session.Exercises()})
}

func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Session.State())
}

type selectExerciseRequest struct {
	Exercise string `json:"exercise"`
}

func (s *Server) selectExercise(c *gin.Context) {
	var req selectExerciseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cfg.Session.SelectExercise(c.Request.Context(), req.Exercise); err != nil {
		s.commandError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.cfg.Session.State())
}

func (s *Server) toggleCamera(c *gin.Context) {
	if _, err := s.cfg.Session.ToggleCamera(c.Request.Context()); err != nil {
		s.commandError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.cfg.Session.State())
}

func (s *Server) startAnalysis(c *gin.Context) {
	if err := s.cfg.Session.StartAnalysis(c.Request.Context()); err != nil {
		s.commandError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.cfg.Session.State())
}

func (s *Server) stopAnalysis(c *gin.Context) {
	if err := s.cfg.Session.StopAnalysis(c.Request.Context()); err != nil {
		s.commandError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.cfg.Session.State())
}

// commandError maps session errors onto HTTP status codes. The body always
// carries the current state so clients can re-render.
func (s *Server) commandError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error(), "state": s.cfg.Session.State()}

	var f *session.Failure
	switch {
	case errors.As(err, &f):
		body["error"] = f.Message
		body["kind"] = f.Kind.String()
		switch f.Kind {
		case session.UserGuardViolation:
			c.JSON(http.StatusConflict, body)
		case session.RemoteAnalysisFailure:
			c.JSON(http.StatusBadGateway, body)
		default:
			c.JSON(http.StatusServiceUnavailable, body)
		}
	case errors.Is(err, session.ErrStopped):
		c.JSON(http.StatusConflict, body)
	case errors.Is(err, session.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, body)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, body)
	default:
		slog.Error("api: command failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, body)
	}
}

// analyze serves the {video, exerciseType} → {formCorrect, feedback}
// contract on top of the configured backend
func (s *Server) analyze(c *gin.Context) {
	var req inference.AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ExerciseType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exerciseType is required"})
		return
	}

	mime, data, err := types.ParseDataURL(req.Video)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "video must be a base64 data URL"})
		return
	}

	frame := &types.Frame{
		Timestamp:    time.Now(),
		MIME:         mime,
		Data:         data,
		SourceStream: "http",
		TraceID:      uuid.New().String(),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.AnalyzeTimeout)
	defer cancel()

	verdict, err := s.cfg.Analyzer.Analyze(ctx, frame, req.ExerciseType)
	if err != nil {
		msg := "analysis failed"
		var remote *inference.RemoteError
		if errors.As(err, &remote) && remote.Message != "" {
			msg = remote.Message
		}

		code := http.StatusBadGateway
		if errors.Is(err, inference.ErrRejected) {
			code = http.StatusUnprocessableEntity
		}
		slog.Warn("api: analyze failed", "trace_id", frame.TraceID, "exercise", req.ExerciseType, "error", err)
		c.JSON(code, gin.H{"error": msg})
		return
	}

	c.JSON(http.StatusOK, inference.ResponseFor(verdict))
}

// streamEvents pushes session events to a WebSocket client. Slow clients
// skip intermediate events and always receive the latest one.
func (s *Server) streamEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("api: events websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id := "ws-" + uuid.New().String()
	latest, err := s.cfg.Events.SubscribeLatest(id)
	if err != nil {
		conn.WriteJSON(gin.H{"error": err.Error()})
		return
	}
	defer s.cfg.Events.Unsubscribe(id)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Reads only detect the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	slog.Info("api: events client connected", "subscriber_id", id)

	initial := session.Event{Type: session.EventState, Timestamp: time.Now(), State: s.cfg.Session.State()}
	if err := conn.WriteJSON(initial); err != nil {
		return
	}

	for {
		ev, err := latest.Receive(ctx)
		if err != nil {
			break
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("api: events client write failed", "subscriber_id", id, "error", err)
			}
			break
		}
	}

	slog.Info("api: events client disconnected", "subscriber_id", id)
}
