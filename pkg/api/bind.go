package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/jobmon-hpc/jobmon/pkg/fingerprint"
	"github.com/jobmon-hpc/jobmon/pkg/metrics"
	"github.com/jobmon-hpc/jobmon/pkg/scaling"
	"github.com/jobmon-hpc/jobmon/pkg/types"
)

// BindTemplate declares one task template used by the workflow.
type BindTemplate struct {
	Name            string   `json:"name"`
	CommandTemplate string   `json:"command_template"`
	ArgNames        []string `json:"arg_names"`
}

// BindResources is the wire form of a task's resource request. Memory may
// arrive as a human string; "4", "4G" and "4GiB" all mean four gibibytes.
type BindResources struct {
	Queue          string  `json:"queue"`
	Cores          int     `json:"cores"`
	Memory         string  `json:"memory,omitempty"`
	MemoryGiB      float64 `json:"memory_gib,omitempty"`
	RuntimeSeconds int64   `json:"runtime_seconds"`
}

func (r *BindResources) compute() (types.ComputeResources, error) {
	out := types.ComputeResources{
		Queue:          r.Queue,
		Cores:          r.Cores,
		MemoryGiB:      r.MemoryGiB,
		RuntimeSeconds: r.RuntimeSeconds,
	}
	if r.Memory != "" {
		gib, err := scaling.ParseMemoryGiB(r.Memory)
		if err != nil {
			return out, err
		}
		out.MemoryGiB = gib
	}
	return out, nil
}

// BindTask declares one task. Upstream references are by task name within
// the same request.
type BindTask struct {
	TemplateName   string             `json:"task_template"`
	Name           string             `json:"name"`
	Command        string             `json:"command"`
	NodeArgs       map[string]string  `json:"node_args"`
	UpstreamTasks  []string           `json:"upstream_tasks"`
	MaxAttempts    int                `json:"max_attempts"`
	Resources      *BindResources     `json:"resources,omitempty"`
	ResourceScales *types.ScalingRule `json:"resource_scales,omitempty"`
	FallbackQueues []string           `json:"fallback_queues,omitempty"`
}

// BindWorkflowRequest binds or looks up a workflow. Binding the same
// (tool version, DAG, workflow args) twice yields the same workflow id;
// that identity is the sole resume mechanism.
type BindWorkflowRequest struct {
	ToolName               string            `json:"tool_name"`
	ToolVersionID          int64             `json:"tool_version_id,omitempty"`
	Name                   string            `json:"name"`
	WorkflowArgs           map[string]string `json:"workflow_args"`
	MaxConcurrentlyRunning *int              `json:"max_concurrently_running,omitempty"`
	Templates              []BindTemplate    `json:"task_templates"`
	Tasks                  []BindTask        `json:"tasks"`
}

// BindWorkflowResponse reports the bound workflow and whether the caller
// must resume rather than start fresh.
type BindWorkflowResponse struct {
	WorkflowID     int64  `json:"workflow_id"`
	Status         string `json:"status"`
	Created        bool   `json:"created"`
	ResumeRequired bool   `json:"resume_required"`
}

func (s *Server) bindWorkflow(c echo.Context) error {
	var req BindWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed bind request")
	}
	if err := validateBind(&req); err != nil {
		return err
	}

	tool, _, err := s.store.GetOrCreateTool(req.ToolName)
	if err != nil {
		return err
	}
	toolVersion, err := s.resolveToolVersion(tool.ID, req.ToolVersionID)
	if err != nil {
		return err
	}

	ttvByTemplate := make(map[string]*types.TaskTemplateVersion, len(req.Templates))
	for _, tpl := range req.Templates {
		template, _, err := s.store.GetOrCreateTaskTemplate(toolVersion.ID, tpl.Name)
		if err != nil {
			return err
		}
		hash := fingerprint.TemplateVersionHash(tpl.CommandTemplate, tpl.ArgNames)
		ttv, _, err := s.store.GetOrCreateTaskTemplateVersion(template.ID, tpl.CommandTemplate, hash)
		if err != nil {
			return err
		}
		ttvByTemplate[tpl.Name] = ttv
	}

	nodeByTask := make(map[string]*types.Node, len(req.Tasks))
	for i := range req.Tasks {
		task := &req.Tasks[i]
		ttv := ttvByTemplate[task.TemplateName]
		node, _, err := s.store.GetOrCreateNode(ttv.ID, fingerprint.NodeHash(ttv.ID, task.NodeArgs))
		if err != nil {
			return err
		}
		nodeByTask[task.Name] = node
	}

	dag, err := s.bindDag(&req, nodeByTask)
	if err != nil {
		return err
	}

	wfHash := fingerprint.WorkflowHash(toolVersion.ID, dag.ID, req.WorkflowArgs)
	maxConcurrent := s.cfg.DefaultMaxConcurrentlyRunning
	if req.MaxConcurrentlyRunning != nil {
		maxConcurrent = *req.MaxConcurrentlyRunning
	}
	args, err := json.Marshal(req.WorkflowArgs)
	if err != nil {
		return err
	}
	wf, created, err := s.store.GetOrCreateWorkflow(&types.Workflow{
		ToolVersionID:          toolVersion.ID,
		DagID:                  dag.ID,
		Name:                   req.Name,
		WorkflowArgs:           string(args),
		Hash:                   wfHash,
		MaxConcurrentlyRunning: maxConcurrent,
		Status:                 types.WorkflowRegistering,
	})
	if err != nil {
		return err
	}

	if err := s.bindTasks(&req, wf, ttvByTemplate, nodeByTask); err != nil {
		return err
	}

	resumeRequired := false
	if !created {
		resumeRequired, err = s.hasPriorState(wf.ID)
		if err != nil {
			return err
		}
	}

	if created {
		metrics.WorkflowsTotal.WithLabelValues(string(wf.Status)).Inc()
		metrics.TasksTotal.WithLabelValues(string(types.TaskRegistering)).Add(float64(len(req.Tasks)))
	}

	s.logger.Info().
		Int64("workflow_id", wf.ID).
		Bool("created", created).
		Int("tasks", len(req.Tasks)).
		Msg("Bound workflow")

	return c.JSON(http.StatusOK, BindWorkflowResponse{
		WorkflowID:     wf.ID,
		Status:         string(wf.Status),
		Created:        created,
		ResumeRequired: resumeRequired,
	})
}

func validateBind(req *BindWorkflowRequest) error {
	if req.ToolName == "" {
		return badRequest("tool_name is required")
	}
	templates := make(map[string]bool, len(req.Templates))
	for _, tpl := range req.Templates {
		if tpl.Name == "" {
			return badRequest("task template name is required")
		}
		templates[tpl.Name] = true
	}
	names := make(map[string]bool, len(req.Tasks))
	for _, task := range req.Tasks {
		if task.Name == "" {
			return badRequest("task name is required")
		}
		if names[task.Name] {
			return badRequest(fmt.Sprintf("duplicate task name %q", task.Name))
		}
		names[task.Name] = true
		if !templates[task.TemplateName] {
			return badRequest(fmt.Sprintf("task %q references unknown template %q", task.Name, task.TemplateName))
		}
	}
	for _, task := range req.Tasks {
		for _, up := range task.UpstreamTasks {
			if up == task.Name {
				return badRequest(fmt.Sprintf("task %q depends on itself", task.Name))
			}
			if !names[up] {
				return badRequest(fmt.Sprintf("task %q references unknown upstream %q", task.Name, up))
			}
		}
	}
	return nil
}

func (s *Server) resolveToolVersion(toolID, requested int64) (*types.ToolVersion, error) {
	if requested > 0 {
		return s.store.GetToolVersion(requested)
	}
	tv, err := s.store.LatestToolVersion(toolID)
	if err == nil {
		return tv, nil
	}
	return s.store.CreateToolVersion(toolID)
}

// bindDag hashes the edge set, creates the DAG on first sight and inserts
// its edges.
func (s *Server) bindDag(req *BindWorkflowRequest, nodeByTask map[string]*types.Node) (*types.Dag, error) {
	upstreamsByNode := make(map[int64][]int64, len(req.Tasks))
	downstreamsByNode := make(map[int64][]int64, len(req.Tasks))
	for _, task := range req.Tasks {
		nodeID := nodeByTask[task.Name].ID
		if _, ok := upstreamsByNode[nodeID]; !ok {
			upstreamsByNode[nodeID] = nil
		}
		for _, up := range task.UpstreamTasks {
			upID := nodeByTask[up].ID
			upstreamsByNode[nodeID] = append(upstreamsByNode[nodeID], upID)
			downstreamsByNode[upID] = append(downstreamsByNode[upID], nodeID)
		}
	}

	dag, created, err := s.store.GetOrCreateDag(fingerprint.DagHash(upstreamsByNode))
	if err != nil {
		return nil, err
	}
	if !created {
		return dag, nil
	}

	edges := make([]*types.Edge, 0, len(upstreamsByNode))
	for nodeID := range upstreamsByNode {
		up, err := json.Marshal(sortedIDs(upstreamsByNode[nodeID]))
		if err != nil {
			return nil, err
		}
		down, err := json.Marshal(sortedIDs(downstreamsByNode[nodeID]))
		if err != nil {
			return nil, err
		}
		edges = append(edges, &types.Edge{
			DagID:           dag.ID,
			NodeID:          nodeID,
			UpstreamNodes:   string(up),
			DownstreamNodes: string(down),
		})
	}
	return dag, s.store.BulkInsertEdges(edges)
}

func (s *Server) bindTasks(req *BindWorkflowRequest, wf *types.Workflow, ttvByTemplate map[string]*types.TaskTemplateVersion, nodeByTask map[string]*types.Node) error {
	arrayByTTV := make(map[int64]*types.Array)
	for name, ttv := range ttvByTemplate {
		arr, _, err := s.store.GetOrCreateArray(&types.Array{
			WorkflowID:             wf.ID,
			TaskTemplateVersionID:  ttv.ID,
			Name:                   name,
			MaxConcurrentlyRunning: wf.MaxConcurrentlyRunning,
		})
		if err != nil {
			return err
		}
		arrayByTTV[ttv.ID] = arr
	}

	rows := make([]*types.Task, 0, len(req.Tasks))
	for _, task := range req.Tasks {
		ttv := ttvByTemplate[task.TemplateName]
		maxAttempts := task.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 3
		}
		row := &types.Task{
			WorkflowID:  wf.ID,
			NodeID:      nodeByTask[task.Name].ID,
			ArrayID:     arrayByTTV[ttv.ID].ID,
			Name:        task.Name,
			Command:     task.Command,
			MaxAttempts: maxAttempts,
			Status:      types.TaskRegistering,
		}
		if task.Resources != nil {
			res, err := task.Resources.compute()
			if err != nil {
				return badRequest(fmt.Sprintf("task %q: %v", task.Name, err))
			}
			if err := row.SetComputeResources(res); err != nil {
				return err
			}
		}
		if task.ResourceScales != nil {
			data, err := json.Marshal(task.ResourceScales)
			if err != nil {
				return err
			}
			row.ResourceScales = string(data)
		}
		if len(task.FallbackQueues) > 0 {
			data, err := json.Marshal(task.FallbackQueues)
			if err != nil {
				return err
			}
			row.FallbackQueues = string(data)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil
	}
	return s.store.BulkInsertTasks(rows)
}

// hasPriorState reports whether the workflow already holds tasks past
// registration, meaning a new bind must go through resume.
func (s *Server) hasPriorState(workflowID int64) (bool, error) {
	tasks, err := s.store.ListTasksByWorkflow(workflowID)
	if err != nil {
		return false, err
	}
	for _, task := range tasks {
		if task.Status != types.TaskRegistering {
			return true, nil
		}
	}
	return false, nil
}

func sortedIDs(ids []int64) []int64 {
	out := make([]int64, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
