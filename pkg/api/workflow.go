package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/jobmon-hpc/jobmon/pkg/fsm"
	"github.com/jobmon-hpc/jobmon/pkg/types"
)

// userHeader carries the trusted username injected by the fronting proxy.
const userHeader = "X-Jobmon-User"

func paramID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid id")
	}
	return id, nil
}

// authorize enforces that the caller owns the workflow's current run. A
// workflow with no current run is open to anyone; the binding user claims
// it by creating the next run.
func (s *Server) authorize(c echo.Context, workflowID int64) error {
	if !s.cfg.AuthEnabled {
		return nil
	}
	run, err := s.store.CurrentWorkflowRun(workflowID)
	if err != nil {
		return nil // no current run, nothing to own
	}
	if run.User != "" && run.User != c.Request().Header.Get(userHeader) {
		return errUnauthorized
	}
	return nil
}

type createWorkflowRunRequest struct {
	User          string `json:"user"`
	JobmonVersion string `json:"jobmon_version"`
}

type createWorkflowRunResponse struct {
	WorkflowRunID int64  `json:"workflow_run_id"`
	Status        string `json:"status"`
}

func (s *Server) createWorkflowRun(c echo.Context) error {
	wfID, err := paramID(c)
	if err != nil {
		return err
	}
	var req createWorkflowRunRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed workflow run request")
	}
	if _, err := s.store.GetWorkflow(wfID); err != nil {
		return err
	}

	run := &types.WorkflowRun{
		WorkflowID:    wfID,
		User:          req.User,
		JobmonVersion: req.JobmonVersion,
		Status:        types.WorkflowRunRegistered,
	}
	if err := s.store.CreateWorkflowRun(run); err != nil {
		return err
	}

	s.logger.Info().
		Int64("workflow_id", wfID).
		Int64("workflow_run_id", run.ID).
		Str("user", req.User).
		Msg("Created workflow run")

	return c.JSON(http.StatusOK, createWorkflowRunResponse{
		WorkflowRunID: run.ID,
		Status:        string(run.Status),
	})
}

func (s *Server) workflowStatus(c echo.Context) error {
	wfID, err := paramID(c)
	if err != nil {
		return err
	}
	wf, err := s.store.GetWorkflow(wfID)
	if err != nil {
		return err
	}
	tasks, err := s.store.ListTasksByWorkflow(wfID)
	if err != nil {
		return err
	}
	counts := map[string]int{}
	for _, task := range tasks {
		counts[string(task.Status)]++
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"workflow_id": wf.ID,
		"status":      wf.Status,
		"status_date": wf.StatusDate,
		"task_counts": counts,
		"total_tasks": len(tasks),
	})
}

type workflowTaskRow struct {
	TaskID      int64            `json:"task_id"`
	Name        string           `json:"name"`
	Status      types.TaskStatus `json:"status"`
	NumAttempts int              `json:"num_attempts"`
	MaxAttempts int              `json:"max_attempts"`
	StatusDate  time.Time        `json:"status_date"`
}

func (s *Server) workflowTasks(c echo.Context) error {
	wfID, err := paramID(c)
	if err != nil {
		return err
	}
	if _, err := s.store.GetWorkflow(wfID); err != nil {
		return err
	}

	var tasks []*types.Task
	if raw := c.QueryParam("status"); raw != "" {
		tasks, err = s.store.ListTasksByWorkflowAndStatus(wfID, types.TaskStatus(raw))
	} else {
		tasks, err = s.store.ListTasksByWorkflow(wfID)
	}
	if err != nil {
		return err
	}

	rows := make([]workflowTaskRow, 0, len(tasks))
	for _, task := range tasks {
		rows = append(rows, workflowTaskRow{
			TaskID:      task.ID,
			Name:        task.Name,
			Status:      task.Status,
			NumAttempts: task.NumAttempts,
			MaxAttempts: task.MaxAttempts,
			StatusDate:  task.StatusDate,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"tasks": rows})
}

type fatalTaskRow struct {
	TaskID    int64  `json:"task_id"`
	Name      string `json:"name"`
	LastError string `json:"last_error,omitempty"`
}

// fatalTasks lists fatal tasks with their most recent error message, the
// first stop for diagnosing a failed workflow.
func (s *Server) fatalTasks(c echo.Context) error {
	wfID, err := paramID(c)
	if err != nil {
		return err
	}
	if _, err := s.store.GetWorkflow(wfID); err != nil {
		return err
	}
	tasks, err := s.store.ListTasksByWorkflowAndStatus(wfID, types.TaskErrorFatal)
	if err != nil {
		return err
	}

	rows := make([]fatalTaskRow, 0, len(tasks))
	for _, task := range tasks {
		row := fatalTaskRow{TaskID: task.ID, Name: task.Name}
		instances, err := s.store.ListTaskInstancesByTask(task.ID)
		if err != nil {
			return err
		}
		for i := len(instances) - 1; i >= 0 && row.LastError == ""; i-- {
			logs, err := s.store.ListTaskInstanceErrors(instances[i].ID)
			if err != nil {
				return err
			}
			if n := len(logs); n > 0 {
				row.LastError = logs[n-1].Description
			}
		}
		rows = append(rows, row)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"fatal_tasks": rows})
}

type setResumeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) setResume(c echo.Context) error {
	wfID, err := paramID(c)
	if err != nil {
		return err
	}
	var req setResumeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed resume request")
	}
	mode := fsm.ResumeMode(req.Mode)
	if mode != fsm.ResumeHot && mode != fsm.ResumeCold {
		return badRequest(`mode must be "hot" or "cold"`)
	}
	if err := s.authorize(c, wfID); err != nil {
		return err
	}
	if err := s.svc.SetResume(c.Request().Context(), wfID, mode); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// isResumable reports whether a new run may claim the workflow. 404 for a
// workflow that was never bound.
func (s *Server) isResumable(c echo.Context) error {
	wfID, err := paramID(c)
	if err != nil {
		return err
	}
	if _, err := s.store.GetWorkflow(wfID); err != nil {
		return err
	}
	resumable := true
	if _, err := s.store.CurrentWorkflowRun(wfID); err == nil {
		resumable = false
	}
	return c.JSON(http.StatusOK, map[string]bool{"resumable": resumable})
}

func (s *Server) getMaxConcurrentlyRunning(c echo.Context) error {
	wfID, err := paramID(c)
	if err != nil {
		return err
	}
	wf, err := s.store.GetWorkflow(wfID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{
		"max_concurrently_running": wf.MaxConcurrentlyRunning,
	})
}

type concurrencyRequest struct {
	MaxConcurrentlyRunning int `json:"max_concurrently_running"`
}

// updateMaxConcurrentlyRunning throttles a live workflow. Zero is a valid
// cap and pauses all new admissions.
func (s *Server) updateMaxConcurrentlyRunning(c echo.Context) error {
	wfID, err := paramID(c)
	if err != nil {
		return err
	}
	var req concurrencyRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed concurrency request")
	}
	if req.MaxConcurrentlyRunning < 0 {
		return badRequest("max_concurrently_running must be >= 0")
	}
	if err := s.authorize(c, wfID); err != nil {
		return err
	}
	wf, err := s.store.GetWorkflow(wfID)
	if err != nil {
		return err
	}
	wf.MaxConcurrentlyRunning = req.MaxConcurrentlyRunning
	if err := s.store.UpdateWorkflow(wf); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{
		"max_concurrently_running": wf.MaxConcurrentlyRunning,
	})
}

type arrayConcurrencyRequest struct {
	ArrayID                int64 `json:"array_id"`
	MaxConcurrentlyRunning int   `json:"max_concurrently_running"`
}

func (s *Server) updateArrayMaxConcurrentlyRunning(c echo.Context) error {
	wfID, err := paramID(c)
	if err != nil {
		return err
	}
	var req arrayConcurrencyRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed concurrency request")
	}
	if req.MaxConcurrentlyRunning < 0 {
		return badRequest("max_concurrently_running must be >= 0")
	}
	if err := s.authorize(c, wfID); err != nil {
		return err
	}
	arr, err := s.store.GetArray(req.ArrayID)
	if err != nil {
		return err
	}
	if arr.WorkflowID != wfID {
		return badRequest("array does not belong to this workflow")
	}
	arr.MaxConcurrentlyRunning = req.MaxConcurrentlyRunning
	if err := s.store.UpdateArray(arr); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{
		"max_concurrently_running": arr.MaxConcurrentlyRunning,
	})
}

type taskStatusUpdatesRequest struct {
	LastSync time.Time `json:"last_sync"`
}

// taskStatusUpdates is the incremental poll used by clients and the GUI:
// only tasks whose status changed since last_sync are returned, along with
// the server clock for the next poll.
func (s *Server) taskStatusUpdates(c echo.Context) error {
	wfID, err := paramID(c)
	if err != nil {
		return err
	}
	var req taskStatusUpdatesRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed status poll")
	}
	if _, err := s.store.GetWorkflow(wfID); err != nil {
		return err
	}

	serverTime := s.store.Now()
	tasks, err := s.store.ListTasksChangedSince(wfID, req.LastSync)
	if err != nil {
		return err
	}
	rows := make([]types.TaskStatusRow, 0, len(tasks))
	for _, task := range tasks {
		rows = append(rows, types.TaskStatusRow{
			TaskID:      task.ID,
			Name:        task.Name,
			Status:      task.Status,
			NumAttempts: task.NumAttempts,
			StatusDate:  task.StatusDate,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"server_time": serverTime,
		"tasks":       rows,
	})
}

// taskTemplateDag rolls the node-level DAG up to template level for the
// GUI's workflow overview.
func (s *Server) taskTemplateDag(c echo.Context) error {
	wfID, err := paramID(c)
	if err != nil {
		return err
	}
	wf, err := s.store.GetWorkflow(wfID)
	if err != nil {
		return err
	}
	edges, err := s.store.ListEdges(wf.DagID)
	if err != nil {
		return err
	}

	ttvByNode := make(map[int64]int64)
	ttvOf := func(nodeID int64) (int64, error) {
		if ttv, ok := ttvByNode[nodeID]; ok {
			return ttv, nil
		}
		node, err := s.store.GetNode(nodeID)
		if err != nil {
			return 0, err
		}
		ttvByNode[nodeID] = node.TaskTemplateVersionID
		return node.TaskTemplateVersionID, nil
	}

	seen := make(map[types.TemplateEdge]bool)
	out := []types.TemplateEdge{}
	for _, edge := range edges {
		to, err := ttvOf(edge.NodeID)
		if err != nil {
			return err
		}
		upstreams, err := decodeNodeIDs(edge.UpstreamNodes)
		if err != nil {
			return err
		}
		for _, upID := range upstreams {
			from, err := ttvOf(upID)
			if err != nil {
				return err
			}
			if from == to {
				continue
			}
			te := types.TemplateEdge{FromTemplateVersionID: from, ToTemplateVersionID: to}
			if !seen[te] {
				seen[te] = true
				out = append(out, te)
			}
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"edges": out})
}

func decodeNodeIDs(raw string) ([]int64, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

type updateTaskStatusRequest struct {
	Status string `json:"status"`
}

// updateTaskStatus is the admin override. It goes through the transition
// service, so only legal edges are accepted and a D target fires the
// normal downstream propagation.
func (s *Server) updateTaskStatus(c echo.Context) error {
	taskID, err := paramID(c)
	if err != nil {
		return err
	}
	var req updateTaskStatusRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed task status request")
	}
	if req.Status == "" {
		return badRequest("status is required")
	}
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if err := s.authorize(c, task.WorkflowID); err != nil {
		return err
	}
	if err := s.svc.TransitionTask(c.Request().Context(), taskID, types.TaskStatus(req.Status)); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": req.Status})
}

type taskInstanceRow struct {
	TaskInstanceID int64                    `json:"task_instance_id"`
	AttemptNumber  int                      `json:"attempt_number"`
	Status         types.TaskInstanceStatus `json:"status"`
	DistributorID  string                   `json:"distributor_id,omitempty"`
	NodeName       string                   `json:"node_name,omitempty"`
	StdoutPath     string                   `json:"stdout_path,omitempty"`
	StderrPath     string                   `json:"stderr_path,omitempty"`
	StatusDate     time.Time                `json:"status_date"`
}

// taskInstances lists every attempt of a task, newest last, together with
// the task's own status. The CLI uses it for task_status and to surface
// output file paths.
func (s *Server) taskInstances(c echo.Context) error {
	taskID, err := paramID(c)
	if err != nil {
		return err
	}
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	instances, err := s.store.ListTaskInstancesByTask(taskID)
	if err != nil {
		return err
	}
	rows := make([]taskInstanceRow, 0, len(instances))
	for _, ti := range instances {
		rows = append(rows, taskInstanceRow{
			TaskInstanceID: ti.ID,
			AttemptNumber:  ti.AttemptNumber,
			Status:         ti.Status,
			DistributorID:  ti.DistributorID,
			NodeName:       ti.NodeName,
			StdoutPath:     ti.StdoutPath,
			StderrPath:     ti.StderrPath,
			StatusDate:     ti.StatusDate,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"task_id":        task.ID,
		"name":           task.Name,
		"status":         task.Status,
		"num_attempts":   task.NumAttempts,
		"max_attempts":   task.MaxAttempts,
		"task_instances": rows,
	})
}

type errorLogRow struct {
	ErrorTime   time.Time `json:"error_time"`
	Description string    `json:"description"`
}

func (s *Server) taskInstanceErrorLogs(c echo.Context) error {
	tiID, err := paramID(c)
	if err != nil {
		return err
	}
	if _, err := s.store.GetTaskInstance(tiID); err != nil {
		return err
	}
	logs, err := s.store.ListTaskInstanceErrors(tiID)
	if err != nil {
		return err
	}
	rows := make([]errorLogRow, 0, len(logs))
	for _, entry := range logs {
		rows = append(rows, errorLogRow{ErrorTime: entry.ErrorTime, Description: entry.Description})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"error_logs": rows})
}
