package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jobmon-hpc/jobmon/pkg/api"
	"github.com/jobmon-hpc/jobmon/pkg/types"
)

const defaultTimeout = 30 * time.Second

// APIError is the decoded error envelope from the server.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jobmon api error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsConflict reports whether the server refused the call with a 409, which
// covers invalid transitions and lost run leases.
func (e *APIError) IsConflict() bool {
	return e.StatusCode == http.StatusConflict
}

// Client is the HTTP client for the jobmon server's /api/v3 surface.
type Client struct {
	baseURL string
	user    string
	http    *http.Client
}

// New builds a client for the given server address. The username is sent
// on every request and must match the run owner on protected endpoints.
func New(baseURL, user string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		user:    user,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v3"+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set("X-Jobmon-User", c.user)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// BindWorkflow binds or re-binds a workflow definition.
func (c *Client) BindWorkflow(ctx context.Context, req *api.BindWorkflowRequest) (*api.BindWorkflowResponse, error) {
	var resp api.BindWorkflowResponse
	if err := c.call(ctx, http.MethodPost, "/workflow", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateWorkflowRun opens a new run. Fails with a conflict while another
// run is current.
func (c *Client) CreateWorkflowRun(ctx context.Context, workflowID int64, jobmonVersion string) (int64, error) {
	var resp struct {
		WorkflowRunID int64 `json:"workflow_run_id"`
	}
	body := map[string]string{"user": c.user, "jobmon_version": jobmonVersion}
	err := c.call(ctx, http.MethodPost, fmt.Sprintf("/workflow/%d/workflow_run", workflowID), body, &resp)
	return resp.WorkflowRunID, err
}

// WorkflowStatus holds the roll-up returned by the status endpoint.
type WorkflowStatus struct {
	WorkflowID int64          `json:"workflow_id"`
	Status     string         `json:"status"`
	TaskCounts map[string]int `json:"task_counts"`
	TotalTasks int            `json:"total_tasks"`
}

func (c *Client) GetWorkflowStatus(ctx context.Context, workflowID int64) (*WorkflowStatus, error) {
	var resp WorkflowStatus
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/workflow/%d/status", workflowID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WorkflowTask is one task row from the workflow task listing.
type WorkflowTask struct {
	TaskID      int64  `json:"task_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	NumAttempts int    `json:"num_attempts"`
	MaxAttempts int    `json:"max_attempts"`
}

func (c *Client) ListWorkflowTasks(ctx context.Context, workflowID int64, status string) ([]WorkflowTask, error) {
	path := fmt.Sprintf("/workflow/%d/workflow_tasks", workflowID)
	if status != "" {
		path += "?status=" + status
	}
	var resp struct {
		Tasks []WorkflowTask `json:"tasks"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// FatalTask is one fatal task with its most recent error.
type FatalTask struct {
	TaskID    int64  `json:"task_id"`
	Name      string `json:"name"`
	LastError string `json:"last_error"`
}

func (c *Client) ListFatalTasks(ctx context.Context, workflowID int64) ([]FatalTask, error) {
	var resp struct {
		FatalTasks []FatalTask `json:"fatal_tasks"`
	}
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/workflow/%d/fatal_tasks", workflowID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.FatalTasks, nil
}

// SetResume prepares the workflow for a new run; mode is "hot" or "cold".
func (c *Client) SetResume(ctx context.Context, workflowID int64, mode string) error {
	body := map[string]string{"mode": mode}
	return c.call(ctx, http.MethodPost, fmt.Sprintf("/workflow/%d/set_resume", workflowID), body, nil)
}

func (c *Client) IsResumable(ctx context.Context, workflowID int64) (bool, error) {
	var resp struct {
		Resumable bool `json:"resumable"`
	}
	err := c.call(ctx, http.MethodGet, fmt.Sprintf("/workflow/%d/is_resumable", workflowID), nil, &resp)
	return resp.Resumable, err
}

func (c *Client) GetMaxConcurrentlyRunning(ctx context.Context, workflowID int64) (int, error) {
	var resp struct {
		MaxConcurrentlyRunning int `json:"max_concurrently_running"`
	}
	err := c.call(ctx, http.MethodGet, fmt.Sprintf("/workflow/%d/get_max_concurrently_running", workflowID), nil, &resp)
	return resp.MaxConcurrentlyRunning, err
}

func (c *Client) UpdateMaxConcurrentlyRunning(ctx context.Context, workflowID int64, limit int) error {
	body := map[string]int{"max_concurrently_running": limit}
	return c.call(ctx, http.MethodPut, fmt.Sprintf("/workflow/%d/update_max_concurrently_running", workflowID), body, nil)
}

func (c *Client) UpdateArrayMaxConcurrentlyRunning(ctx context.Context, workflowID, arrayID int64, limit int) error {
	body := map[string]interface{}{"array_id": arrayID, "max_concurrently_running": limit}
	return c.call(ctx, http.MethodPut, fmt.Sprintf("/workflow/%d/update_array_max_concurrently_running", workflowID), body, nil)
}

// StatusUpdates is one incremental status poll result.
type StatusUpdates struct {
	ServerTime time.Time             `json:"server_time"`
	Tasks      []types.TaskStatusRow `json:"tasks"`
}

// TaskStatusUpdates returns tasks changed since lastSync plus the server
// clock to feed into the next poll.
func (c *Client) TaskStatusUpdates(ctx context.Context, workflowID int64, lastSync time.Time) (*StatusUpdates, error) {
	body := map[string]time.Time{"last_sync": lastSync}
	var resp StatusUpdates
	if err := c.call(ctx, http.MethodPost, fmt.Sprintf("/workflow/%d/task_status_updates", workflowID), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateTaskStatus is the admin override for a single task.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID int64, status string) error {
	body := map[string]string{"status": status}
	return c.call(ctx, http.MethodPut, fmt.Sprintf("/task/%d/update_task_status", taskID), body, nil)
}

// TaskInstanceInfo is one attempt of a task as returned by the listing
// endpoint.
type TaskInstanceInfo struct {
	TaskInstanceID int64  `json:"task_instance_id"`
	AttemptNumber  int    `json:"attempt_number"`
	Status         string `json:"status"`
	DistributorID  string `json:"distributor_id"`
	NodeName       string `json:"node_name"`
	StdoutPath     string `json:"stdout_path"`
	StderrPath     string `json:"stderr_path"`
}

// TaskDetail is a task with all of its attempts.
type TaskDetail struct {
	TaskID        int64              `json:"task_id"`
	Name          string             `json:"name"`
	Status        string             `json:"status"`
	NumAttempts   int                `json:"num_attempts"`
	MaxAttempts   int                `json:"max_attempts"`
	TaskInstances []TaskInstanceInfo `json:"task_instances"`
}

func (c *Client) GetTask(ctx context.Context, taskID int64) (*TaskDetail, error) {
	var resp TaskDetail
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/task/%d/task_instances", taskID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ErrorLog is one recorded task-instance error.
type ErrorLog struct {
	ErrorTime   time.Time `json:"error_time"`
	Description string    `json:"description"`
}

func (c *Client) TaskInstanceErrorLogs(ctx context.Context, taskInstanceID int64) ([]ErrorLog, error) {
	var resp struct {
		ErrorLogs []ErrorLog `json:"error_logs"`
	}
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/task_instance/%d/error_logs", taskInstanceID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.ErrorLogs, nil
}
