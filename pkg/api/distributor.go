package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/jobmon-hpc/jobmon/pkg/coordinator"
	"github.com/jobmon-hpc/jobmon/pkg/scaling"
)

// Distributor-facing endpoints. These are thin shims over the coordinator;
// every mutating call revalidates the reporting run's lease there.

type queueTaskBatchRequest struct {
	BatchKey      string  `json:"batch_key"`
	WorkflowRunID int64   `json:"workflow_run_id"`
	TaskIDs       []int64 `json:"task_ids"`
}

func (s *Server) queueTaskBatch(c echo.Context) error {
	arrayID, err := paramID(c)
	if err != nil {
		return err
	}
	var req queueTaskBatchRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed batch request")
	}
	if req.BatchKey == "" {
		return badRequest("batch_key is required")
	}
	if req.WorkflowRunID <= 0 {
		return badRequest("workflow_run_id is required")
	}
	batch, err := s.coord.QueueTaskBatch(c.Request().Context(), arrayID, req.BatchKey, req.WorkflowRunID, req.TaskIDs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, batch)
}

type transitionToLaunchedRequest struct {
	TaskInstanceIDs    []int64 `json:"task_instance_ids"`
	DistributorBatchID string  `json:"distributor_batch_id"`
}

func (s *Server) transitionToLaunched(c echo.Context) error {
	arrayID, err := paramID(c)
	if err != nil {
		return err
	}
	var req transitionToLaunchedRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed launch request")
	}
	if err := s.coord.TransitionToLaunched(c.Request().Context(), arrayID, req.TaskInstanceIDs, req.DistributorBatchID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type logDistributorIDRequest struct {
	DistributorID string `json:"distributor_id"`
}

func (s *Server) logDistributorID(c echo.Context) error {
	tiID, err := paramID(c)
	if err != nil {
		return err
	}
	var req logDistributorIDRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed distributor id request")
	}
	if req.DistributorID == "" {
		return badRequest("distributor_id is required")
	}
	if err := s.coord.LogDistributorID(c.Request().Context(), tiID, req.DistributorID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type logRunningRequest struct {
	NodeName       string `json:"node_name"`
	ProcessGroupID int    `json:"process_group_id"`
	StdoutPath     string `json:"stdout_path"`
	StderrPath     string `json:"stderr_path"`
}

func (s *Server) logRunning(c echo.Context) error {
	tiID, err := paramID(c)
	if err != nil {
		return err
	}
	var req logRunningRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed running report")
	}
	if err := s.coord.LogRunning(c.Request().Context(), tiID, req.NodeName, req.ProcessGroupID, req.StdoutPath, req.StderrPath); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type usageReport struct {
	WallclockSeconds int64 `json:"wallclock_seconds"`
	MaxRSS           int64 `json:"max_rss"`
}

func (u usageReport) usage() coordinator.Usage {
	return coordinator.Usage{WallclockSeconds: u.WallclockSeconds, MaxRSS: u.MaxRSS}
}

func (s *Server) logDone(c echo.Context) error {
	tiID, err := paramID(c)
	if err != nil {
		return err
	}
	var req usageReport
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed done report")
	}
	if err := s.coord.LogDone(c.Request().Context(), tiID, req.usage()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type logErrorRequest struct {
	Message string `json:"message"`
	usageReport
}

func (s *Server) logError(c echo.Context) error {
	tiID, err := paramID(c)
	if err != nil {
		return err
	}
	var req logErrorRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed error report")
	}
	if err := s.coord.LogError(c.Request().Context(), tiID, req.Message, req.usage()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type logResourceErrorRequest struct {
	FailureClass string `json:"failure_class"`
	Message      string `json:"message"`
	usageReport
}

func (s *Server) logResourceError(c echo.Context) error {
	tiID, err := paramID(c)
	if err != nil {
		return err
	}
	var req logResourceErrorRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed resource error report")
	}
	class := scaling.FailureClass(req.FailureClass)
	switch class {
	case scaling.MemoryExceeded, scaling.RuntimeExceeded, scaling.Other:
	case "":
		class = scaling.Other
	default:
		return badRequest("unknown failure_class")
	}
	if err := s.coord.LogResourceError(c.Request().Context(), tiID, class, req.Message, req.usage()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type logNoHeartbeatRequest struct {
	Message string `json:"message"`
}

func (s *Server) logNoHeartbeat(c echo.Context) error {
	tiID, err := paramID(c)
	if err != nil {
		return err
	}
	var req logNoHeartbeatRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed heartbeat report")
	}
	if err := s.coord.LogNoHeartbeat(c.Request().Context(), tiID, req.Message); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) heartbeat(c echo.Context) error {
	tiID, err := paramID(c)
	if err != nil {
		return err
	}
	if err := s.coord.Heartbeat(c.Request().Context(), tiID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
