package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobmon-hpc/jobmon/pkg/coordinator"
	"github.com/jobmon-hpc/jobmon/pkg/fsm"
	"github.com/jobmon-hpc/jobmon/pkg/storage"
	"github.com/jobmon-hpc/jobmon/pkg/types"
)

type apiHarness struct {
	store *storage.MemoryStore
	svc   *fsm.Service
	srv   *Server
}

func newAPIHarness(t *testing.T, authEnabled bool) *apiHarness {
	t.Helper()
	store := storage.NewMemoryStore()
	svc := fsm.New(store, nil, nil)
	coord := coordinator.New(store, svc, 0)
	srv := NewServer(Config{AuthEnabled: authEnabled, Version: "test"}, store, svc, coord)
	return &apiHarness{store: store, svc: svc, srv: srv}
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echoContentType, echoJSONType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

const (
	echoContentType = "Content-Type"
	echoJSONType    = "application/json"
)

func bindRequest() BindWorkflowRequest {
	return BindWorkflowRequest{
		ToolName:     "aging_model",
		Name:         "gbd_2026",
		WorkflowArgs: map[string]string{"release": "2026.1"},
		Templates: []BindTemplate{
			{Name: "prep", CommandTemplate: "prep {loc}", ArgNames: []string{"loc"}},
			{Name: "model", CommandTemplate: "model {loc}", ArgNames: []string{"loc"}},
		},
		Tasks: []BindTask{
			{TemplateName: "prep", Name: "prep_usa", Command: "prep usa", NodeArgs: map[string]string{"loc": "usa"}},
			{TemplateName: "model", Name: "model_usa", Command: "model usa", NodeArgs: map[string]string{"loc": "usa"}, UpstreamTasks: []string{"prep_usa"}},
		},
	}
}

func TestBindWorkflowIsIdempotent(t *testing.T) {
	h := newAPIHarness(t, false)

	rec, body := h.do(t, http.MethodPost, "/api/v3/workflow", bindRequest(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body["created"].(bool))
	assert.False(t, body["resume_required"].(bool))
	wfID := int64(body["workflow_id"].(float64))
	require.Positive(t, wfID)

	rec, body = h.do(t, http.MethodPost, "/api/v3/workflow", bindRequest(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, body["created"].(bool))
	assert.Equal(t, wfID, int64(body["workflow_id"].(float64)))

	tasks, err := h.store.ListTasksByWorkflow(wfID)
	require.NoError(t, err)
	assert.Len(t, tasks, 2, "rebinding must not duplicate tasks")
}

func TestBindRejectsBadDag(t *testing.T) {
	h := newAPIHarness(t, false)

	req := bindRequest()
	req.Tasks[0].UpstreamTasks = []string{"prep_usa"}
	rec, body := h.do(t, http.MethodPost, "/api/v3/workflow", req, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["message"], "depends on itself")

	req = bindRequest()
	req.Tasks[0].TemplateName = "nonexistent"
	rec, body = h.do(t, http.MethodPost, "/api/v3/workflow", req, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["message"], "unknown template")
}

func TestBindParsesMemoryStrings(t *testing.T) {
	h := newAPIHarness(t, false)

	req := bindRequest()
	req.Tasks[0].Resources = &BindResources{Queue: "all.q", Cores: 2, Memory: "512MiB", RuntimeSeconds: 60}
	req.Tasks[1].Resources = &BindResources{Queue: "all.q", Cores: 1, Memory: "4G", RuntimeSeconds: 60}

	rec, body := h.do(t, http.MethodPost, "/api/v3/workflow", req, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	wfID := int64(body["workflow_id"].(float64))

	tasks, err := h.store.ListTasksByWorkflow(wfID)
	require.NoError(t, err)
	byName := make(map[string]*types.Task, len(tasks))
	for _, task := range tasks {
		byName[task.Name] = task
	}

	res, err := byName["prep_usa"].ComputeResources()
	require.NoError(t, err)
	assert.Equal(t, 0.5, res.MemoryGiB)

	res, err = byName["model_usa"].ComputeResources()
	require.NoError(t, err)
	assert.Equal(t, 4.0, res.MemoryGiB)
}

func TestBindRejectsBadMemoryString(t *testing.T) {
	h := newAPIHarness(t, false)

	req := bindRequest()
	req.Tasks[0].Resources = &BindResources{Queue: "all.q", Memory: "lots"}
	rec, body := h.do(t, http.MethodPost, "/api/v3/workflow", req, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["message"], "invalid memory value")
}

func TestIsResumable(t *testing.T) {
	h := newAPIHarness(t, false)

	rec, body := h.do(t, http.MethodGet, "/api/v3/workflow/999/is_resumable", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", body["code"])

	_, body = h.do(t, http.MethodPost, "/api/v3/workflow", bindRequest(), nil)
	wfID := int64(body["workflow_id"].(float64))

	rec, body = h.do(t, http.MethodGet, fmt.Sprintf("/api/v3/workflow/%d/is_resumable", wfID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body["resumable"].(bool))

	rec, _ = h.do(t, http.MethodPost, fmt.Sprintf("/api/v3/workflow/%d/workflow_run", wfID),
		createWorkflowRunRequest{User: "svc_user"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = h.do(t, http.MethodGet, fmt.Sprintf("/api/v3/workflow/%d/is_resumable", wfID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, body["resumable"].(bool))
}

func TestSetResumeOwnership(t *testing.T) {
	h := newAPIHarness(t, true)

	_, body := h.do(t, http.MethodPost, "/api/v3/workflow", bindRequest(), nil)
	wfID := int64(body["workflow_id"].(float64))
	_, _ = h.do(t, http.MethodPost, fmt.Sprintf("/api/v3/workflow/%d/workflow_run", wfID),
		createWorkflowRunRequest{User: "alice"}, nil)

	path := fmt.Sprintf("/api/v3/workflow/%d/set_resume", wfID)

	rec, body := h.do(t, http.MethodPost, path, setResumeRequest{Mode: "hot"},
		map[string]string{userHeader: "mallory"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", body["code"])

	rec, _ = h.do(t, http.MethodPost, path, setResumeRequest{Mode: "hot"},
		map[string]string{userHeader: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := h.store.CurrentWorkflowRun(wfID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "hot resume must release the run lease")
}

func TestSetResumeRejectsUnknownMode(t *testing.T) {
	h := newAPIHarness(t, false)

	_, body := h.do(t, http.MethodPost, "/api/v3/workflow", bindRequest(), nil)
	wfID := int64(body["workflow_id"].(float64))

	rec, _ := h.do(t, http.MethodPost, fmt.Sprintf("/api/v3/workflow/%d/set_resume", wfID),
		setResumeRequest{Mode: "lukewarm"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDistributorRoundTrip(t *testing.T) {
	h := newAPIHarness(t, false)
	ctx := context.Background()

	_, body := h.do(t, http.MethodPost, "/api/v3/workflow", bindRequest(), nil)
	wfID := int64(body["workflow_id"].(float64))
	rec, body := h.do(t, http.MethodPost, fmt.Sprintf("/api/v3/workflow/%d/workflow_run", wfID),
		createWorkflowRunRequest{User: "svc_user"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runID := int64(body["workflow_run_id"].(float64))

	// Queue the root task the way the swarm would.
	tasks, err := h.store.ListTasksByWorkflow(wfID)
	require.NoError(t, err)
	var root *types.Task
	for _, task := range tasks {
		if task.Name == "prep_usa" {
			root = task
		}
	}
	require.NotNil(t, root)
	require.NoError(t, h.svc.TransitionTask(ctx, root.ID, types.TaskQueued))

	rec, body = h.do(t, http.MethodPost, fmt.Sprintf("/api/v3/array/%d/queue_task_batch", root.ArrayID),
		queueTaskBatchRequest{BatchKey: "batch-1", WorkflowRunID: runID, TaskIDs: []int64{root.ID}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	instances := body["task_instances"].([]interface{})
	require.Len(t, instances, 1)
	tiID := int64(instances[0].(map[string]interface{})["task_instance_id"].(float64))

	rec, _ = h.do(t, http.MethodPost, fmt.Sprintf("/api/v3/array/%d/transition_to_launched", root.ArrayID),
		transitionToLaunchedRequest{TaskInstanceIDs: []int64{tiID}, DistributorBatchID: "slurm-77"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = h.do(t, http.MethodPost, fmt.Sprintf("/api/v3/task_instance/%d/log_distributor_id", tiID),
		logDistributorIDRequest{DistributorID: "77_1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = h.do(t, http.MethodPost, fmt.Sprintf("/api/v3/task_instance/%d/log_running", tiID),
		logRunningRequest{NodeName: "node042", ProcessGroupID: 1234}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = h.do(t, http.MethodPost, fmt.Sprintf("/api/v3/task_instance/%d/heartbeat", tiID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = h.do(t, http.MethodPost, fmt.Sprintf("/api/v3/task_instance/%d/log_done", tiID),
		usageReport{WallclockSeconds: 42, MaxRSS: 1 << 28}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	done, err := h.store.GetTask(root.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskDone, done.Status)

	// Completion of the root unblocks its downstream in the same report.
	for _, task := range tasks {
		if task.Name == "model_usa" {
			queued, err := h.store.GetTask(task.ID)
			require.NoError(t, err)
			assert.Equal(t, types.TaskQueued, queued.Status)
		}
	}
}

func TestErrorEnvelope(t *testing.T) {
	h := newAPIHarness(t, false)

	_, body := h.do(t, http.MethodPost, "/api/v3/workflow", bindRequest(), nil)
	wfID := int64(body["workflow_id"].(float64))
	tasks, err := h.store.ListTasksByWorkflow(wfID)
	require.NoError(t, err)

	// Registering -> Running is not a legal task edge.
	rec, body := h.do(t, http.MethodPut, fmt.Sprintf("/api/v3/task/%d/update_task_status", tasks[0].ID),
		updateTaskStatusRequest{Status: "R"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", body["code"])
	details := body["details"].(map[string]interface{})
	assert.Equal(t, "G", details["from"])
	assert.Equal(t, "R", details["to"])

	rec, body = h.do(t, http.MethodGet, "/api/v3/task_instance/424242/error_logs", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", body["code"])

	rec, body = h.do(t, http.MethodPost, "/api/v3/array/1/queue_task_batch",
		queueTaskBatchRequest{WorkflowRunID: 1, TaskIDs: []int64{1}}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["message"], "batch_key")
}

func TestStaleRunGetsConflict(t *testing.T) {
	h := newAPIHarness(t, false)
	ctx := context.Background()

	_, body := h.do(t, http.MethodPost, "/api/v3/workflow", bindRequest(), nil)
	wfID := int64(body["workflow_id"].(float64))
	_, body = h.do(t, http.MethodPost, fmt.Sprintf("/api/v3/workflow/%d/workflow_run", wfID),
		createWorkflowRunRequest{User: "svc_user"}, nil)
	oldRunID := int64(body["workflow_run_id"].(float64))

	require.NoError(t, h.svc.SetResume(ctx, wfID, fsm.ResumeHot))
	rec, _ := h.do(t, http.MethodPost, fmt.Sprintf("/api/v3/workflow/%d/workflow_run", wfID),
		createWorkflowRunRequest{User: "svc_user"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	tasks, err := h.store.ListTasksByWorkflow(wfID)
	require.NoError(t, err)
	require.NoError(t, h.svc.TransitionTask(ctx, tasks[0].ID, types.TaskQueued))

	rec, body = h.do(t, http.MethodPost, fmt.Sprintf("/api/v3/array/%d/queue_task_batch", tasks[0].ArrayID),
		queueTaskBatchRequest{BatchKey: "stale-1", WorkflowRunID: oldRunID, TaskIDs: []int64{tasks[0].ID}}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "WORKFLOW_RUN_NOT_CURRENT", body["code"])
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t, false)
	rec, body := h.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "jobmon", body["service"])
}
