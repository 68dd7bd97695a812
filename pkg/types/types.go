package types

import (
	"time"
)

// Tool namespaces task templates. Immutable after creation.
type Tool struct {
	ID        int64  `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:255"`
	CreatedAt time.Time
}

// ToolVersion is one released version of a Tool.
type ToolVersion struct {
	ID        int64 `gorm:"primaryKey"`
	ToolID    int64 `gorm:"index"`
	CreatedAt time.Time
}

// TaskTemplate is a named parameterized command within a ToolVersion.
type TaskTemplate struct {
	ID            int64  `gorm:"primaryKey"`
	ToolVersionID int64  `gorm:"uniqueIndex:uq_template_name"`
	Name          string `gorm:"uniqueIndex:uq_template_name;size:255"`
	CreatedAt     time.Time
}

// TaskTemplateVersion identifies a template by the triple
// (template id, command-template string, canonical arg-name set).
// Hash-deduplicated on insert.
type TaskTemplateVersion struct {
	ID              int64  `gorm:"primaryKey"`
	TaskTemplateID  int64  `gorm:"uniqueIndex:uq_ttv_hash"`
	CommandTemplate string `gorm:"type:text"`
	Hash            string `gorm:"uniqueIndex:uq_ttv_hash;size:16"`
	CreatedAt       time.Time
}

// Node is one point in the DAG, identified by
// (TaskTemplateVersion, canonical node-args). Hash-deduplicated.
type Node struct {
	ID                    int64  `gorm:"primaryKey"`
	TaskTemplateVersionID int64  `gorm:"uniqueIndex:uq_node_hash"`
	NodeArgsHash          string `gorm:"uniqueIndex:uq_node_hash;size:16"`
	CreatedAt             time.Time
}

// Dag is a set of edges, hash-deduplicated over its edge set.
type Dag struct {
	ID        int64  `gorm:"primaryKey"`
	Hash      string `gorm:"uniqueIndex;size:16"`
	CreatedAt time.Time
}

// Edge relates one Node to its neighbors within a Dag. Upstream and
// downstream ids are stored as JSON integer arrays, never quoted strings.
type Edge struct {
	DagID           int64  `gorm:"primaryKey;autoIncrement:false"`
	NodeID          int64  `gorm:"primaryKey;autoIncrement:false"`
	UpstreamNodes   string `gorm:"type:text"`
	DownstreamNodes string `gorm:"type:text"`
}

// WorkflowStatus is the single-character workflow status code.
type WorkflowStatus string

const (
	WorkflowRegistering WorkflowStatus = "G"
	WorkflowQueued      WorkflowStatus = "Q"
	WorkflowRunning     WorkflowStatus = "R"
	WorkflowDone        WorkflowStatus = "D"
	WorkflowFailed      WorkflowStatus = "F"
	WorkflowHalted      WorkflowStatus = "H"
	WorkflowAborted     WorkflowStatus = "A"
)

// Terminal reports whether no further workflow transitions are possible.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowDone || s == WorkflowFailed || s == WorkflowAborted
}

// Workflow is one bound DAG of tasks. Identified by a stable hash over
// (tool version, dag, workflow args); re-binding with the same hash is the
// sole mechanism for resume.
type Workflow struct {
	ID                     int64  `gorm:"primaryKey"`
	ToolVersionID          int64  `gorm:"index"`
	DagID                  int64  `gorm:"index"`
	Name                   string `gorm:"size:255"`
	WorkflowArgs           string `gorm:"type:text"`
	Hash                   string `gorm:"uniqueIndex;size:16"`
	MaxConcurrentlyRunning int
	Status                 WorkflowStatus `gorm:"size:1"`
	StatusDate             time.Time
	CreatedAt              time.Time
}

// WorkflowRunStatus is the single-character workflow-run status code.
type WorkflowRunStatus string

const (
	WorkflowRunRegistered WorkflowRunStatus = "G"
	WorkflowRunBound      WorkflowRunStatus = "B"
	WorkflowRunRunning    WorkflowRunStatus = "R"
	WorkflowRunDone       WorkflowRunStatus = "D"
	WorkflowRunError      WorkflowRunStatus = "E"
	// WorkflowRunHalted marks a run that stopped cleanly, timed out, or was
	// superseded by a hot resume; in-flight instances are preserved.
	WorkflowRunHalted WorkflowRunStatus = "H"
	// WorkflowRunColdResume marks a run superseded by a cold resume; its
	// in-flight instances are forced through kill-self to fatal.
	WorkflowRunColdResume WorkflowRunStatus = "C"
	WorkflowRunTerminated WorkflowRunStatus = "T"
)

// Terminal reports whether the run can never become current again.
func (s WorkflowRunStatus) Terminal() bool {
	switch s {
	case WorkflowRunDone, WorkflowRunError, WorkflowRunHalted, WorkflowRunTerminated:
		return true
	}
	return false
}

// Current reports whether the run holds the workflow lease. At most one run
// per workflow is current at any time.
func (s WorkflowRunStatus) Current() bool {
	switch s {
	case WorkflowRunRegistered, WorkflowRunBound, WorkflowRunRunning:
		return true
	}
	return false
}

// WorkflowRun is one execution attempt of a Workflow. It owns the heartbeat
// lease for the workflow while current.
type WorkflowRun struct {
	ID            int64             `gorm:"primaryKey"`
	WorkflowID    int64             `gorm:"index"`
	User          string            `gorm:"size:64"`
	JobmonVersion string            `gorm:"size:32"`
	Status        WorkflowRunStatus `gorm:"size:1"`
	HeartbeatDate time.Time
	ReportByDate  time.Time `gorm:"index"`
	StatusDate    time.Time
	CreatedAt     time.Time
}

// Array groups sibling tasks of one TaskTemplateVersion within one Workflow.
// Members share a concurrency cap and a submission batch identity.
type Array struct {
	ID                     int64  `gorm:"primaryKey"`
	WorkflowID             int64  `gorm:"uniqueIndex:uq_array"`
	TaskTemplateVersionID  int64  `gorm:"uniqueIndex:uq_array"`
	Name                   string `gorm:"size:255"`
	MaxConcurrentlyRunning int
	CreatedAt              time.Time
}

// TaskStatus is the single-character task status code.
type TaskStatus string

const (
	TaskRegistering        TaskStatus = "G"
	TaskQueued             TaskStatus = "Q"
	TaskInstantiating      TaskStatus = "I"
	TaskLaunched           TaskStatus = "O"
	TaskRunning            TaskStatus = "R"
	TaskDone               TaskStatus = "D"
	TaskErrorRecoverable   TaskStatus = "E"
	TaskAdjustingResources TaskStatus = "A"
	TaskErrorFatal         TaskStatus = "F"
)

// Terminal reports whether the task is frozen. A task never leaves D or F.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskErrorFatal
}

// Active reports whether the task occupies a concurrency slot.
func (s TaskStatus) Active() bool {
	return s == TaskInstantiating || s == TaskLaunched || s == TaskRunning
}

// Task is one node instance within a Workflow. Tasks are created once per
// workflow; the (workflow, node) pair is unique.
type Task struct {
	ID             int64  `gorm:"primaryKey"`
	WorkflowID     int64  `gorm:"uniqueIndex:uq_task_node;index:idx_task_wf_status"`
	NodeID         int64  `gorm:"uniqueIndex:uq_task_node"`
	ArrayID        int64  `gorm:"index"`
	Name           string `gorm:"size:255"`
	Command        string `gorm:"type:text"`
	MaxAttempts    int
	NumAttempts    int
	Status         TaskStatus `gorm:"size:1;index:idx_task_wf_status"`
	StatusDate     time.Time
	Resources      string `gorm:"type:text"`
	ResourceScales string `gorm:"type:text"`
	FallbackQueues string `gorm:"type:text"`
	CreatedAt      time.Time
}

// TaskInstanceStatus is the single-character task-instance status code.
type TaskInstanceStatus string

const (
	InstanceQueued        TaskInstanceStatus = "Q"
	InstanceInstantiated  TaskInstanceStatus = "I"
	InstanceLaunched      TaskInstanceStatus = "O"
	InstanceRunning       TaskInstanceStatus = "R"
	InstanceDone          TaskInstanceStatus = "D"
	InstanceError         TaskInstanceStatus = "E"
	InstanceResourceError TaskInstanceStatus = "Z"
	InstanceNoHeartbeat   TaskInstanceStatus = "X"
	InstanceUnknownError  TaskInstanceStatus = "U"
	InstanceKillSelf      TaskInstanceStatus = "K"
	InstanceErrorFatal    TaskInstanceStatus = "F"
)

// Terminal reports whether the instance has finished for good.
func (s TaskInstanceStatus) Terminal() bool {
	switch s {
	case InstanceDone, InstanceError, InstanceResourceError, InstanceNoHeartbeat,
		InstanceUnknownError, InstanceErrorFatal:
		return true
	}
	return false
}

// Retriable reports whether the instance failure permits another attempt.
func (s TaskInstanceStatus) Retriable() bool {
	switch s {
	case InstanceError, InstanceResourceError, InstanceNoHeartbeat, InstanceUnknownError:
		return true
	}
	return false
}

// TaskInstance is one execution attempt of a Task on the cluster.
type TaskInstance struct {
	ID                 int64              `gorm:"primaryKey"`
	TaskID             int64              `gorm:"index"`
	WorkflowRunID      int64              `gorm:"index"`
	ArrayID            int64
	ArrayBatchNum      int
	AttemptNumber      int
	Status             TaskInstanceStatus `gorm:"size:1;index"`
	DistributorID      string             `gorm:"size:64"`
	DistributorBatchID string             `gorm:"size:64"`
	NodeName           string             `gorm:"size:255"`
	ProcessGroupID     int
	StdoutPath         string `gorm:"type:text"`
	StderrPath         string `gorm:"type:text"`
	WallclockSeconds   int64
	MaxRSS             int64
	ReportByDate       time.Time `gorm:"index"`
	StatusDate         time.Time
	CreatedAt          time.Time
}

// TaskInstanceErrorLog is one recorded error for a task instance.
type TaskInstanceErrorLog struct {
	ID             int64 `gorm:"primaryKey"`
	TaskInstanceID int64 `gorm:"index"`
	ErrorTime      time.Time
	Description    string `gorm:"size:4096"`
}

// Batch records one idempotent queue_task_batch call. The unique key
// (array id, batch key) lets the distributor retry the call safely.
type Batch struct {
	ID                 int64  `gorm:"primaryKey"`
	ArrayID            int64  `gorm:"uniqueIndex:uq_batch_key"`
	BatchKey           string `gorm:"uniqueIndex:uq_batch_key;size:64"`
	WorkflowRunID      int64
	DistributorBatchID string `gorm:"size:64"`
	CreatedAt          time.Time
}

// ReaperLease is the singleton lease row that serializes reaper deployments.
type ReaperLease struct {
	ID        int64  `gorm:"primaryKey"`
	Owner     string `gorm:"size:64"`
	ExpiresAt time.Time
}

// TaskStatusRow is the wire shape of one changed task in an incremental
// status poll.
type TaskStatusRow struct {
	TaskID      int64      `json:"task_id"`
	Name        string     `json:"name"`
	Status      TaskStatus `json:"status"`
	NumAttempts int        `json:"num_attempts"`
	StatusDate  time.Time  `json:"status_date"`
}

// TemplateEdge is one edge of the task-template-level DAG roll-up used by
// the GUI.
type TemplateEdge struct {
	FromTemplateVersionID int64 `json:"from_task_template_version_id"`
	ToTemplateVersionID   int64 `json:"to_task_template_version_id"`
}
