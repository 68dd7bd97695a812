package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jobmon-hpc/jobmon/pkg/coordinator"
	"github.com/jobmon-hpc/jobmon/pkg/fsm"
	"github.com/jobmon-hpc/jobmon/pkg/log"
	"github.com/jobmon-hpc/jobmon/pkg/metrics"
	"github.com/jobmon-hpc/jobmon/pkg/storage"
)

// Config tunes the HTTP server.
type Config struct {
	ListenAddr string
	// AuthEnabled turns on username ownership checks on mutating workflow
	// endpoints; the trusted username arrives in the X-Jobmon-User header.
	AuthEnabled bool
	// RateLimit caps requests per second; zero disables limiting.
	RateLimit float64
	// DefaultMaxConcurrentlyRunning applies to binds that set no cap.
	DefaultMaxConcurrentlyRunning int
	Version                       string
}

// Server is the versioned JSON HTTP surface for clients, distributors,
// workers and the GUI.
type Server struct {
	echo   *echo.Echo
	store  storage.Store
	svc    *fsm.Service
	coord  *coordinator.Coordinator
	cfg    Config
	logger zerolog.Logger
}

// NewServer wires the routes and middleware.
func NewServer(cfg Config, store storage.Store, svc *fsm.Service, coord *coordinator.Coordinator) *Server {
	if cfg.DefaultMaxConcurrentlyRunning <= 0 {
		cfg.DefaultMaxConcurrentlyRunning = 10000
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(observe)
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.RateLimit),
		)))
	}

	s := &Server{
		echo:   e,
		store:  store,
		svc:    svc,
		coord:  coord,
		cfg:    cfg,
		logger: log.WithComponent("api"),
	}
	s.routes()
	return s
}

// observe records request counts and latency per route.
func observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		started := time.Now()
		err := next(c)
		route := c.Path()
		status := c.Response().Status
		if err != nil {
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
		}
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(started).Seconds())
		return err
	}
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.healthz)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	v3 := s.echo.Group("/api/v3")

	v3.POST("/workflow", s.bindWorkflow)
	v3.POST("/workflow/:id/workflow_run", s.createWorkflowRun)
	v3.GET("/workflow/:id/status", s.workflowStatus)
	v3.GET("/workflow/:id/workflow_tasks", s.workflowTasks)
	v3.GET("/workflow/:id/fatal_tasks", s.fatalTasks)
	v3.POST("/workflow/:id/set_resume", s.setResume)
	v3.GET("/workflow/:id/is_resumable", s.isResumable)
	v3.GET("/workflow/:id/get_max_concurrently_running", s.getMaxConcurrentlyRunning)
	v3.PUT("/workflow/:id/update_max_concurrently_running", s.updateMaxConcurrentlyRunning)
	v3.PUT("/workflow/:id/update_array_max_concurrently_running", s.updateArrayMaxConcurrentlyRunning)
	v3.POST("/workflow/:id/task_status_updates", s.taskStatusUpdates)
	v3.GET("/workflow/:id/task_template_dag", s.taskTemplateDag)

	v3.PUT("/task/:id/update_task_status", s.updateTaskStatus)
	v3.GET("/task/:id/task_instances", s.taskInstances)
	v3.GET("/task_instance/:id/error_logs", s.taskInstanceErrorLogs)

	v3.POST("/array/:id/queue_task_batch", s.queueTaskBatch)
	v3.POST("/array/:id/transition_to_launched", s.transitionToLaunched)
	v3.POST("/task_instance/:id/log_distributor_id", s.logDistributorID)
	v3.POST("/task_instance/:id/log_running", s.logRunning)
	v3.POST("/task_instance/:id/log_done", s.logDone)
	v3.POST("/task_instance/:id/log_error", s.logError)
	v3.POST("/task_instance/:id/log_resource_error", s.logResourceError)
	v3.POST("/task_instance/:id/log_no_heartbeat", s.logNoHeartbeat)
	v3.POST("/task_instance/:id/heartbeat", s.heartbeat)
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "jobmon",
		"version": s.cfg.Version,
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("Starting HTTP server")
	err := s.echo.Start(s.cfg.ListenAddr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
