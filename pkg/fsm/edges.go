package fsm

import (
	"errors"
	"fmt"

	"github.com/jobmon-hpc/jobmon/pkg/types"
)

// InvalidTransitionError reports a refused status transition with the
// current and requested states.
type InvalidTransitionError struct {
	Entity string
	ID     int64
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition for id %d: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// Legal status edges per entity. A transition not listed here is refused.
// Repeating the current status is always accepted as a no-op so that
// at-least-once report deliveries stay idempotent.

var taskInstanceEdges = map[types.TaskInstanceStatus][]types.TaskInstanceStatus{
	// Queued instances can lose their run before instantiation; the reaper
	// reclaims them through no-heartbeat.
	types.InstanceQueued: {
		types.InstanceInstantiated, types.InstanceNoHeartbeat, types.InstanceKillSelf,
	},
	types.InstanceInstantiated: {
		types.InstanceLaunched, types.InstanceRunning, types.InstanceDone,
		types.InstanceError, types.InstanceResourceError, types.InstanceNoHeartbeat,
		types.InstanceUnknownError, types.InstanceErrorFatal, types.InstanceKillSelf,
	},
	types.InstanceLaunched: {
		types.InstanceRunning, types.InstanceDone,
		types.InstanceError, types.InstanceResourceError, types.InstanceNoHeartbeat,
		types.InstanceUnknownError, types.InstanceErrorFatal, types.InstanceKillSelf,
	},
	types.InstanceRunning: {
		types.InstanceDone,
		types.InstanceError, types.InstanceResourceError, types.InstanceNoHeartbeat,
		types.InstanceUnknownError, types.InstanceErrorFatal, types.InstanceKillSelf,
	},
	types.InstanceKillSelf: {
		types.InstanceErrorFatal,
	},
}

var taskEdges = map[types.TaskStatus][]types.TaskStatus{
	types.TaskRegistering: {
		types.TaskQueued, types.TaskDone,
	},
	types.TaskQueued: {
		types.TaskInstantiating, types.TaskDone, types.TaskErrorFatal,
	},
	types.TaskInstantiating: {
		types.TaskLaunched, types.TaskRunning, types.TaskDone,
		types.TaskErrorRecoverable, types.TaskAdjustingResources, types.TaskErrorFatal,
	},
	types.TaskLaunched: {
		types.TaskRunning, types.TaskDone,
		types.TaskErrorRecoverable, types.TaskAdjustingResources, types.TaskErrorFatal,
	},
	types.TaskRunning: {
		types.TaskDone,
		types.TaskErrorRecoverable, types.TaskAdjustingResources, types.TaskErrorFatal,
	},
	types.TaskErrorRecoverable: {
		types.TaskQueued, types.TaskErrorFatal,
	},
	types.TaskAdjustingResources: {
		types.TaskQueued, types.TaskErrorFatal,
	},
}

var workflowRunEdges = map[types.WorkflowRunStatus][]types.WorkflowRunStatus{
	types.WorkflowRunRegistered: {
		types.WorkflowRunBound, types.WorkflowRunHalted, types.WorkflowRunColdResume,
		types.WorkflowRunTerminated, types.WorkflowRunError,
	},
	types.WorkflowRunBound: {
		types.WorkflowRunRunning, types.WorkflowRunHalted, types.WorkflowRunColdResume,
		types.WorkflowRunTerminated, types.WorkflowRunError,
	},
	types.WorkflowRunRunning: {
		types.WorkflowRunDone, types.WorkflowRunError, types.WorkflowRunHalted,
		types.WorkflowRunColdResume, types.WorkflowRunTerminated,
	},
}

var workflowEdges = map[types.WorkflowStatus][]types.WorkflowStatus{
	types.WorkflowRegistering: {
		types.WorkflowQueued, types.WorkflowRunning, types.WorkflowDone,
		types.WorkflowFailed, types.WorkflowHalted, types.WorkflowAborted,
	},
	types.WorkflowQueued: {
		types.WorkflowRunning, types.WorkflowDone, types.WorkflowFailed,
		types.WorkflowHalted, types.WorkflowAborted,
	},
	types.WorkflowRunning: {
		types.WorkflowQueued, types.WorkflowDone, types.WorkflowFailed,
		types.WorkflowHalted,
	},
	// Halted and failed workflows re-enter the queue on resume.
	types.WorkflowHalted: {
		types.WorkflowQueued, types.WorkflowRunning, types.WorkflowDone,
		types.WorkflowFailed,
	},
	types.WorkflowFailed: {
		types.WorkflowQueued, types.WorkflowRunning,
	},
}

func legalInstanceEdge(from, to types.TaskInstanceStatus) bool {
	for _, t := range taskInstanceEdges[from] {
		if t == to {
			return true
		}
	}
	return false
}

func legalTaskEdge(from, to types.TaskStatus) bool {
	for _, t := range taskEdges[from] {
		if t == to {
			return true
		}
	}
	return false
}

func legalRunEdge(from, to types.WorkflowRunStatus) bool {
	for _, t := range workflowRunEdges[from] {
		if t == to {
			return true
		}
	}
	return false
}

func legalWorkflowEdge(from, to types.WorkflowStatus) bool {
	for _, t := range workflowEdges[from] {
		if t == to {
			return true
		}
	}
	return false
}
