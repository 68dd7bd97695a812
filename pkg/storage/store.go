package storage

import (
	"context"
	"time"

	"github.com/jobmon-hpc/jobmon/pkg/types"
)

// TaskChunkSize is the bulk-insert partition size. Each chunk is written in
// its own transaction to stay under DB row limits and avoid lock escalation.
const TaskChunkSize = 500

// Store defines the interface for jobmon's persistent state.
//
// Get-or-create methods implement insert-or-select on the entity's unique
// hash key: a unique-constraint violation is recovered by re-selecting and
// returning the winner, so concurrent inserts resolve to the same id. The
// boolean result reports created (true) vs existing (false).
//
// ForUpdate variants lock the row for the duration of the enclosing
// Transact call. Rows are locked in the fixed order
// TaskInstance -> Task -> Workflow to avoid deadlocks.
type Store interface {
	// Definitions (hash-deduplicated, never deleted)
	GetOrCreateTool(name string) (*types.Tool, bool, error)
	CreateToolVersion(toolID int64) (*types.ToolVersion, error)
	GetToolVersion(id int64) (*types.ToolVersion, error)
	// LatestToolVersion returns the most recent version, or ErrNotFound.
	LatestToolVersion(toolID int64) (*types.ToolVersion, error)
	GetOrCreateTaskTemplate(toolVersionID int64, name string) (*types.TaskTemplate, bool, error)
	GetOrCreateTaskTemplateVersion(taskTemplateID int64, commandTemplate, hash string) (*types.TaskTemplateVersion, bool, error)
	GetTaskTemplateVersion(id int64) (*types.TaskTemplateVersion, error)
	GetOrCreateNode(taskTemplateVersionID int64, nodeArgsHash string) (*types.Node, bool, error)
	GetNode(id int64) (*types.Node, error)
	GetOrCreateDag(hash string) (*types.Dag, bool, error)
	BulkInsertEdges(edges []*types.Edge) error
	GetEdge(dagID, nodeID int64) (*types.Edge, error)
	ListEdges(dagID int64) ([]*types.Edge, error)

	// Workflows
	GetOrCreateWorkflow(wf *types.Workflow) (*types.Workflow, bool, error)
	GetWorkflow(id int64) (*types.Workflow, error)
	GetWorkflowForUpdate(id int64) (*types.Workflow, error)
	UpdateWorkflow(wf *types.Workflow) error
	// ListOrphanWorkflows returns workflows with no current run but at least
	// one non-terminal task.
	ListOrphanWorkflows() ([]*types.Workflow, error)

	// Workflow runs
	CreateWorkflowRun(run *types.WorkflowRun) error
	GetWorkflowRun(id int64) (*types.WorkflowRun, error)
	GetWorkflowRunForUpdate(id int64) (*types.WorkflowRun, error)
	UpdateWorkflowRun(run *types.WorkflowRun) error
	// CurrentWorkflowRun returns the single current run, or ErrNotFound.
	CurrentWorkflowRun(workflowID int64) (*types.WorkflowRun, error)
	ListWorkflowRuns(workflowID int64) ([]*types.WorkflowRun, error)
	// ListStaleWorkflowRuns returns non-terminal runs whose report-by
	// deadline has passed.
	ListStaleWorkflowRuns(asOf time.Time) ([]*types.WorkflowRun, error)
	// LogWorkflowRunHeartbeat advances the run's heartbeat. Timestamps are
	// monotonic: a stale heartbeat never moves report-by backwards.
	LogWorkflowRunHeartbeat(id int64, heartbeat, reportBy time.Time) error

	// Arrays
	GetOrCreateArray(arr *types.Array) (*types.Array, bool, error)
	GetArray(id int64) (*types.Array, error)
	UpdateArray(arr *types.Array) error
	ListArraysByWorkflow(workflowID int64) ([]*types.Array, error)

	// Tasks
	// BulkInsertTasks partitions into TaskChunkSize chunks, one transaction
	// each; it must not be called inside Transact.
	BulkInsertTasks(tasks []*types.Task) error
	GetTask(id int64) (*types.Task, error)
	GetTaskForUpdate(id int64) (*types.Task, error)
	GetTaskByNode(workflowID, nodeID int64) (*types.Task, error)
	UpdateTask(task *types.Task) error
	ListTasksByWorkflow(workflowID int64) ([]*types.Task, error)
	ListTasksByWorkflowAndStatus(workflowID int64, statuses ...types.TaskStatus) ([]*types.Task, error)
	ListTasksChangedSince(workflowID int64, since time.Time) ([]*types.Task, error)

	// Task instances
	CreateTaskInstance(ti *types.TaskInstance) error
	GetTaskInstance(id int64) (*types.TaskInstance, error)
	GetTaskInstanceForUpdate(id int64) (*types.TaskInstance, error)
	UpdateTaskInstance(ti *types.TaskInstance) error
	ListTaskInstancesByTask(taskID int64) ([]*types.TaskInstance, error)
	ListActiveTaskInstancesByWorkflow(workflowID int64) ([]*types.TaskInstance, error)
	// ListStaleTaskInstances returns instances in Q, I, O or R whose
	// report-by deadline has passed.
	ListStaleTaskInstances(asOf time.Time) ([]*types.TaskInstance, error)
	LogTaskInstanceHeartbeat(id int64, reportBy time.Time) error
	AppendTaskInstanceError(entry *types.TaskInstanceErrorLog) error
	ListTaskInstanceErrors(taskInstanceID int64) ([]*types.TaskInstanceErrorLog, error)

	// Submission batches
	GetOrCreateBatch(b *types.Batch) (*types.Batch, bool, error)
	GetBatch(id int64) (*types.Batch, error)
	UpdateBatch(b *types.Batch) error

	// Reaper lease
	AcquireReaperLease(owner string, ttl time.Duration) (bool, error)

	// Now returns the authoritative clock (the database server's where the
	// store is backed by one).
	Now() time.Time

	// Transact runs fn in a single transaction. The Store passed to fn must
	// be used for every access inside the transaction.
	Transact(ctx context.Context, fn func(Store) error) error

	Close() error
}
