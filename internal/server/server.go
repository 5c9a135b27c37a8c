// Package server exposes the operational HTTP surface: starting and
// inspecting import sessions, canceling them, and poking the background
// sweeps by hand.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/fotoark/fotoark/internal/config"
	"github.com/fotoark/fotoark/internal/playback"
	"github.com/fotoark/fotoark/internal/session"
	"github.com/fotoark/fotoark/internal/sysmon"
	"github.com/fotoark/fotoark/internal/taskrunner"
	"github.com/fotoark/fotoark/internal/thumbs"
)

// TaskLocalImport is the task name under which import runs are submitted.
const TaskLocalImport = "local_import.run"

// TaskTranscodeProcess is the task name for one transcode worker run.
const TaskTranscodeProcess = "transcode.process"

// Deps are the collaborators the HTTP handlers drive.
type Deps struct {
	Sessions     *session.Service
	Runner       taskrunner.Runner
	Scanner      *playback.Scanner
	ThumbMonitor *thumbs.Monitor
	Sys          *sysmon.Monitor
}

// Server is the HTTP front.
type Server struct {
	log    hclog.Logger
	cfg    config.ServerConfig
	deps   Deps
	engine *gin.Engine
	http   *http.Server
}

// New creates the HTTP server and registers its routes.
func New(log hclog.Logger, cfg config.ServerConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{log: log.Named("server"), cfg: cfg, deps: deps, engine: engine}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	{
		api.POST("/import/local", s.handleStartImport)
		api.GET("/sessions/:id", s.handleGetSession)
		api.POST("/sessions/:id/cancel", s.handleCancelSession)
		api.POST("/transcode/sweep", s.handleTranscodeSweep)
		api.POST("/thumbs/retry-monitor", s.handleRetryMonitor)
	}
}

// Start runs the listener in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{Addr: addr, Handler: s.engine}
	s.log.Info("http server listening", "addr", addr)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server stopped", "error", err)
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	stats, err := s.deps.Sys.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "resources": stats})
}

type startImportRequest struct {
	SessionID string `json:"session_id"`
}

// handleStartImport creates (or attaches to) a session and submits the
// import run to the task runner. The response carries the session id the
// client polls.
func (s *Server) handleStartImport(c *gin.Context) {
	var req startImportRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sess, err := s.deps.Sessions.Create(nil)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		sessionID = sess.SessionID
	} else if _, err := s.deps.Sessions.Get(sessionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	taskID, err := s.deps.Runner.SubmitDelayed(TaskLocalImport,
		map[string]any{"session_id": sessionID}, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"session_id":     sessionID,
		"celery_task_id": taskID,
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.deps.Sessions.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	counts, err := s.deps.Sessions.CountSelections(sess)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":          sess,
		"selection_counts": counts,
	})
}

func (s *Server) handleCancelSession(c *gin.Context) {
	if err := s.deps.Sessions.RequestCancel(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"canceled": true})
}

// handleTranscodeSweep queues videos missing a playback and submits worker
// runs for every pending row. Throttled while the host is loaded.
func (s *Server) handleTranscodeSweep(c *gin.Context) {
	ctx := c.Request.Context()
	if !s.deps.Sys.Healthy(ctx) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "host busy, sweep deferred"})
		return
	}

	sweep, err := s.deps.Scanner.Sweep()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	pending, err := s.deps.Scanner.Pending()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	submitted := 0
	for _, id := range pending {
		if _, err := s.deps.Runner.SubmitDelayed(TaskTranscodeProcess,
			map[string]any{"playback_id": id}, time.Duration(submitted)*time.Second); err != nil {
			s.log.Warn("transcode submit failed", "playback_id", id, "error", err)
			continue
		}
		submitted++
	}

	c.JSON(http.StatusOK, gin.H{
		"queued":    sweep.Queued,
		"skipped":   sweep.Skipped,
		"submitted": submitted,
	})
}

func (s *Server) handleRetryMonitor(c *gin.Context) {
	stats, err := s.deps.ThumbMonitor.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
