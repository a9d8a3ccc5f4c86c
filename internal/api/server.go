// Package api exposes the monitoring and intake surface: health, metrics,
// task and agent views, and ledger inspection. A task stuck in the war room
// is always distinguishable here from a merely-queued one.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/forgeworks/foundry/internal/config"
	"github.com/forgeworks/foundry/internal/ledger"
	"github.com/forgeworks/foundry/internal/model"
	"github.com/forgeworks/foundry/internal/observability"
	"github.com/forgeworks/foundry/internal/store"
)

type Server struct {
	cfg    config.APIConfig
	store  *store.Store
	ledger *ledger.Ledger
	logger zerolog.Logger
	engine *gin.Engine
}

func NewServer(cfg config.APIConfig, st *store.Store, lg *ledger.Ledger, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  st,
		ledger: lg,
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.engine = s.buildEngine()
	return s
}

func (s *Server) buildEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(observability.RequestLogger(s.logger))
	engine.Use(observability.RequestMetrics())

	corsCfg := cors.DefaultConfig()
	if len(s.cfg.CorsOrigins) > 0 {
		corsCfg.AllowOrigins = s.cfg.CorsOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	engine.Use(cors.New(corsCfg))

	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/tasks", s.handleListTasks)
	engine.GET("/tasks/:id", s.handleGetTask)
	engine.POST("/tasks", s.handleCreateTask)
	engine.GET("/tasks/:id/trace", s.handleTaskTrace)
	engine.POST("/tasks/:id/context", s.handleSupplyContext)
	engine.GET("/agents", s.handleListAgents)
	engine.POST("/agents/:id/offline", s.handleAgentOffline)
	engine.GET("/ledger/stats", s.handleLedgerStats)
	engine.POST("/ledger/verify", s.handleLedgerVerify)
	return engine
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the context ends, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListTasks(c *gin.Context) {
	var (
		tasks []model.Task
		err   error
	)
	if raw := c.Query("status"); raw != "" {
		status := model.TaskStatus(raw)
		if vErr := model.ValidateTaskStatus(status); vErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": vErr.Error()})
			return
		}
		tasks, err = s.store.TasksByStatus(c.Request.Context(), status)
	} else {
		tasks, err = s.store.ListTasks(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.store.GetTask(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

type createTaskRequest struct {
	RequiredRole    string `json:"required_role" binding:"required"`
	ComplexityScore int    `json:"complexity_score"`
	ContextPacket   string `json:"context_packet" binding:"required"`
	Language        string `json:"language"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := s.store.CreateTask(c.Request.Context(), model.Task{
		RequiredRole:    model.Role(req.RequiredRole),
		ComplexityScore: req.ComplexityScore,
		ContextPacket:   req.ContextPacket,
		Language:        req.Language,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) handleTaskTrace(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetTask(c.Request.Context(), id); errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	events, err := s.store.TraceForTask(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

type supplyContextRequest struct {
	ContextPacket string `json:"context_packet" binding:"required"`
}

// handleSupplyContext fills in a task's context packet. The dispatcher
// returns a BLOCKED task to the queue on its next cycle once context exists.
func (s *Server) handleSupplyContext(c *gin.Context) {
	var req supplyContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	err := s.store.UpdateContextPacket(c.Request.Context(), id, req.ContextPacket)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := s.store.GetTask(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleListAgents(c *gin.Context) {
	agents, err := s.store.ListAgents(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// handleAgentOffline removes an agent from the eligible pool. Any task the
// agent was holding is reclaimed by the dispatcher's stalled-work pass.
func (s *Server) handleAgentOffline(c *gin.Context) {
	id := c.Param("id")
	err := s.store.SetAgentOffline(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	agent, err := s.store.GetAgent(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleLedgerStats(c *gin.Context) {
	stats, err := s.ledger.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleLedgerVerify(c *gin.Context) {
	badIndex, err := s.ledger.CheckIntegrity(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if badIndex >= 0 {
		c.JSON(http.StatusOK, gin.H{"intact": false, "first_bad_block": badIndex})
		return
	}
	c.JSON(http.StatusOK, gin.H{"intact": true})
}
