// Package api exposes the service's web surface: queue control and log
// inspection over REST, live log streaming over WebSocket, and the
// static dashboard build.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orch-dev/orch/pkg/logstream"
	"github.com/orch-dev/orch/pkg/queue"
	"github.com/orch-dev/orch/pkg/version"
)

// defaultLogCount is returned by /api/logs when no count is given.
const defaultLogCount = 100

// recentRuns caps the completed/failed lists on the queue endpoint.
const recentRuns = 10

// Server is the HTTP surface over the queue and the log hub.
type Server struct {
	queue     *queue.Queue
	hub       *logstream.Hub
	staticDir string
	logger    *slog.Logger
	engine    *gin.Engine
	started   time.Time
}

// NewServer builds the router. staticDir may be empty, which disables
// the dashboard and leaves only the API and WebSocket routes.
func NewServer(q *queue.Queue, hub *logstream.Hub, staticDir string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		queue:     q,
		hub:       hub,
		staticDir: staticDir,
		logger:    logger.With("component", "api"),
		engine:    gin.New(),
		started:   time.Now(),
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("web surface listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.health)
	api.GET("/version", s.version)
	api.GET("/queue", s.queueState)
	api.GET("/queue/stats", s.queueStats)
	api.POST("/queue", s.enqueue)
	api.POST("/queue/clear", s.clearQueue)
	api.DELETE("/queue/:n", s.dequeue)
	api.GET("/logs", s.logs)
	api.GET("/logs/issue/:n", s.logsByIssue)
	api.GET("/logs/agent/:name", s.logsByAgent)
	api.GET("/logs/stats", s.logStats)

	s.engine.GET("/ws", s.websocket)
	s.engine.NoRoute(s.static)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) version(c *gin.Context) {
	c.JSON(http.StatusOK, version.Get())
}

// queueState renders the queue endpoint: the running issue, the waiting
// ids, and the most recent completed and failed runs.
func (s *Server) queueState(c *gin.Context) {
	snap := s.queue.Snapshot()

	queued := make([]int, len(snap.Pending))
	for i, item := range snap.Pending {
		queued[i] = item.IssueNumber
	}
	var completed, failed []queue.Record
	for _, rec := range snap.History {
		if rec.Success {
			completed = append(completed, rec)
		} else {
			failed = append(failed, rec)
		}
	}
	if len(completed) > recentRuns {
		completed = completed[len(completed)-recentRuns:]
	}
	if len(failed) > recentRuns {
		failed = failed[len(failed)-recentRuns:]
	}

	resp := gin.H{
		"queued":     queued,
		"completed":  emptyRecords(completed),
		"failed":     emptyRecords(failed),
		"processing": snap.Running != nil,
		"totals": gin.H{
			"processed": len(snap.History),
			"queued":    len(queued),
		},
	}
	if snap.Running != nil {
		resp["running"] = snap.Running.IssueNumber
	}
	c.JSON(http.StatusOK, resp)
}

func emptyRecords(recs []queue.Record) []queue.Record {
	if recs == nil {
		return []queue.Record{}
	}
	return recs
}

func (s *Server) queueStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.queue.Stats())
}

func (s *Server) enqueue(c *gin.Context) {
	var req struct {
		IssueNumber int `json:"issueNumber"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.IssueNumber < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "issueNumber must be a positive integer"})
		return
	}
	if err := s.queue.Enqueue(req.IssueNumber); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"issueNumber": req.IssueNumber})
}

func (s *Server) dequeue(c *gin.Context) {
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "issue number must be an integer"})
		return
	}
	switch err := s.queue.Remove(n); {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"issueNumber": n})
	case errors.Is(err, queue.ErrRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, queue.ErrNotQueued):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) clearQueue(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cleared": s.queue.Clear()})
}

func (s *Server) logs(c *gin.Context) {
	count := defaultLogCount
	if raw := c.Query("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "count must be a non-negative integer"})
			return
		}
		count = n
	}
	s.renderLogs(c, s.hub.Recent(count))
}

func (s *Server) logsByIssue(c *gin.Context) {
	n, err := strconv.Atoi(c.Param("n"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "issue number must be an integer"})
		return
	}
	s.renderLogs(c, s.hub.ByIssue(n))
}

func (s *Server) logsByAgent(c *gin.Context) {
	s.renderLogs(c, s.hub.ByAgent(c.Param("name")))
}

func (s *Server) renderLogs(c *gin.Context, events []logstream.Event) {
	if events == nil {
		events = []logstream.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": events, "count": len(events)})
}

func (s *Server) logStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// static serves the dashboard build. Unknown non-API paths fall back to
// index.html so client-side routing works.
func (s *Server) static(c *gin.Context) {
	path := c.Request.URL.Path
	if s.staticDir == "" || strings.HasPrefix(path, "/api/") || path == "/ws" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	file := filepath.Join(s.staticDir, filepath.Clean("/"+path))
	if info, err := os.Stat(file); err == nil && !info.IsDir() {
		c.File(file)
		return
	}
	c.File(filepath.Join(s.staticDir, "index.html"))
}
