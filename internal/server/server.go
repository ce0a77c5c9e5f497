package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"argus/internal/logging"
	"argus/internal/pool"
	"argus/internal/store"
)

// taskStore is the store surface the admin API reads and writes.
type taskStore interface {
	CreateTask(ctx context.Context, spec store.NewTaskSpec) (string, error)
	GetTask(ctx context.Context, id string) (*store.Task, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error)
	Subtasks(ctx context.Context, parentID string) ([]*store.Task, error)
	RequestCancel(ctx context.Context, id string) error
	CountByStatus(ctx context.Context) (map[store.TaskStatus]int, error)
	ListApps(ctx context.Context) ([]*store.App, error)
	GetPipeline(ctx context.Context, id string) (*store.Pipeline, error)
	ListPipelines(ctx context.Context, limit int) ([]*store.Pipeline, error)
}

// pipelineCreator validates and records new pipelines.
type pipelineCreator interface {
	Create(ctx context.Context, name, model string, appNum int, steps []store.StepSpec) (string, error)
}

// endpointPool reports replica endpoint health.
type endpointPool interface {
	Snapshot() []pool.Stats
}

// sweeper fires the maintenance sweeps on demand.
type sweeper interface {
	RunAll(ctx context.Context)
}

// Server is the admin HTTP API in front of the task queue.
type Server struct {
	store     taskStore
	pipelines pipelineCreator
	pool      endpointPool
	sweeper   sweeper
	logger    logging.Logger
	http      *http.Server
}

// New builds the admin server. Pool and sweeper may be nil; the matching
// endpoints then report empty or unavailable.
func New(ts taskStore, pc pipelineCreator, ep endpointPool, sw sweeper, logger logging.Logger) *Server {
	return &Server{
		store:     ts,
		pipelines: pc,
		pool:      ep,
		sweeper:   sw,
		logger:    logging.OrNop(logger),
	}
}

// Router assembles the gin routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.POST("/tasks", s.handleCreateTask)
		api.GET("/tasks", s.handleListTasks)
		api.GET("/tasks/stats", s.handleTaskStats)
		api.GET("/tasks/:id", s.handleGetTask)
		api.POST("/tasks/:id/cancel", s.handleCancelTask)

		api.POST("/pipelines", s.handleCreatePipeline)
		api.GET("/pipelines", s.handleListPipelines)
		api.GET("/pipelines/:id", s.handleGetPipeline)

		api.GET("/apps", s.handleListApps)
		api.GET("/endpoints", s.handleEndpoints)
		api.POST("/maintenance/sweep", s.handleSweep)
	}
	return router
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()
	s.logger.Info("admin: listening on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
