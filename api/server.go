// Package api exposes the engine over HTTP: starting automation runs,
// polling job/task status, and running experiments. Safe to poll at any
// frequency; responses are eventually consistent with in-flight writes.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/paperforge/paperforge/sandbox"
	"github.com/paperforge/paperforge/store"
	"github.com/paperforge/paperforge/types"
)

// Launcher starts an automation job without blocking on its completion.
type Launcher interface {
	Launch(ctx context.Context, projectID uint) (*store.AutomationJob, error)
}

// Server wires the HTTP routes.
type Server struct {
	store    *store.Store
	launcher Launcher
	sandbox  *sandbox.Service
	timeout  time.Duration
	logger   *zap.Logger
}

// NewServer creates the HTTP server wiring.
func NewServer(st *store.Store, launcher Launcher, sandboxSvc *sandbox.Service, experimentTimeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if experimentTimeout <= 0 {
		experimentTimeout = 30 * time.Second
	}
	return &Server{
		store:    st,
		launcher: launcher,
		sandbox:  sandboxSvc,
		timeout:  experimentTimeout,
		logger:   logger.With(zap.String("component", "api")),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/projects", s.createProject)
		apiGroup.GET("/projects/:id", s.getProject)
		apiGroup.POST("/projects/:id/automation", s.startAutomation)
		apiGroup.GET("/projects/:id/automation", s.latestAutomation)
		apiGroup.GET("/projects/:id/hypotheses", s.listHypotheses)
		apiGroup.GET("/experiments/:id", s.getExperiment)
		apiGroup.POST("/experiments/:id/run", s.runExperiment)
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

func (s *Server) renderError(c *gin.Context, err error) {
	var typed *types.Error
	if errors.As(err, &typed) && typed.Code == types.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": typed.Message})
		return
	}
	s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (s *Server) createProject(c *gin.Context) {
	var in struct {
		Name     string `json:"name" binding:"required"`
		Abstract string `json:"abstract"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	project, err := s.store.CreateProject(c.Request.Context(), in.Name, in.Abstract)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (s *Server) getProject(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	project, err := s.store.GetProject(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (s *Server) startAutomation(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	job, err := s.launcher.Launch(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "status": job.Status})
}

func (s *Server) latestAutomation(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	job, err := s.store.LatestJob(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no automation job for project"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) listHypotheses(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	items, err := s.store.ListHypotheses(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) getExperiment(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	exp, err := s.store.GetExperiment(c.Request.Context(), id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, exp)
}

func (s *Server) runExperiment(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	exp, err := s.sandbox.Run(c.Request.Context(), id, s.timeout)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, exp)
}
