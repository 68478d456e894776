// Package server exposes the task engine over HTTP: a JSON API for task
// lifecycle plus SSE and WebSocket streams of live activity events.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"relay/internal/config"
	"relay/internal/engine"
	"relay/internal/logging"
)

// Server wires the engine into a gin router and manages the listener
// lifecycle.
type Server struct {
	cfg         config.ServerConfig
	tasks       engine.TaskStore
	events      engine.EventLogStore
	broadcaster *engine.Broadcaster
	coordinator *engine.Coordinator
	metrics     *engine.Metrics
	defaultKind string
	logger      logging.Logger
	cache       *listCache

	http *http.Server
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, tasks engine.TaskStore, events engine.EventLogStore, broadcaster *engine.Broadcaster, coordinator *engine.Coordinator, metrics *engine.Metrics, defaultKind string) *Server {
	s := &Server{
		cfg:         cfg,
		tasks:       tasks,
		events:      events,
		broadcaster: broadcaster,
		coordinator: coordinator,
		metrics:     metrics,
		defaultKind: defaultKind,
		logger:      logging.NewComponentLogger("Server"),
		cache:       newListCache(128, 2*time.Second),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.CORSOrigins
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Cache-Control"}
	router.Use(cors.New(corsCfg))

	router.GET("/health", s.handleHealth)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	api := router.Group("/api")
	{
		api.POST("/tasks", s.handleCreateTask)
		api.GET("/tasks", s.handleListTasks)
		api.GET("/tasks/:id", s.handleGetTask)
		api.DELETE("/tasks/:id", s.handleDeleteTask)

		api.POST("/tasks/:id/start", s.handleStartTask)
		api.POST("/tasks/:id/interrupt", s.handleInterruptTask)

		api.GET("/tasks/:id/history", s.handleEventHistory)
		api.GET("/tasks/:id/events", s.handleEventsSSE)
		api.GET("/tasks/:id/ws", s.handleEventsWS)
	}

	s.http = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     router,
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: cfg.IdleTimeout,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		s.logger.Info("Listening on http://%s", s.cfg.Addr())
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("Shutting down")
		return s.http.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}
