package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jobmon-hpc/jobmon/pkg/fsm"
	"github.com/jobmon-hpc/jobmon/pkg/log"
	"github.com/jobmon-hpc/jobmon/pkg/metrics"
	"github.com/jobmon-hpc/jobmon/pkg/scaling"
	"github.com/jobmon-hpc/jobmon/pkg/storage"
	"github.com/jobmon-hpc/jobmon/pkg/types"
)

// DefaultHeartbeatBuffer is how far ahead of now a task instance's
// report-by deadline is pushed on each heartbeat.
const DefaultHeartbeatBuffer = 90 * time.Second

// Coordinator implements the server side of the distributor protocol. The
// distributor is stateless between calls; every operation validates that
// the calling workflow run still holds the workflow's lease and re-derives
// state from the store.
type Coordinator struct {
	store           storage.Store
	svc             *fsm.Service
	heartbeatBuffer time.Duration
	logger          zerolog.Logger
}

// New returns a coordinator. heartbeatBuffer controls the report-by horizon
// written on heartbeats and launches; zero selects DefaultHeartbeatBuffer.
func New(store storage.Store, svc *fsm.Service, heartbeatBuffer time.Duration) *Coordinator {
	if heartbeatBuffer <= 0 {
		heartbeatBuffer = DefaultHeartbeatBuffer
	}
	return &Coordinator{
		store:           store,
		svc:             svc,
		heartbeatBuffer: heartbeatBuffer,
		logger:          log.WithComponent("coordinator"),
	}
}

// QueuedInstance is one member of a queued submission batch.
type QueuedInstance struct {
	TaskInstanceID int64  `json:"task_instance_id"`
	TaskID         int64  `json:"task_id"`
	Command        string `json:"command"`
	Resources      string `json:"resources"`
}

// QueuedBatch is the result of a queue_task_batch call.
type QueuedBatch struct {
	BatchID   int64            `json:"batch_id"`
	Instances []QueuedInstance `json:"task_instances"`
}

// QueueTaskBatch creates one task instance per queued task and hands the
// batch to the distributor. The call is idempotent by (array id, batch
// key): a retry returns the instances created by the first delivery.
func (c *Coordinator) QueueTaskBatch(ctx context.Context, arrayID int64, batchKey string, workflowRunID int64, taskIDs []int64) (*QueuedBatch, error) {
	arr, err := c.store.GetArray(arrayID)
	if err != nil {
		return nil, err
	}
	if err := c.ensureCurrentRun(arr.WorkflowID, workflowRunID); err != nil {
		return nil, err
	}

	var (
		out     QueuedBatch
		created bool
		pending []int64
	)
	err = c.store.Transact(ctx, func(tx storage.Store) error {
		out = QueuedBatch{}
		pending = pending[:0]

		batch, isNew, err := tx.GetOrCreateBatch(&types.Batch{
			ArrayID:       arrayID,
			BatchKey:      batchKey,
			WorkflowRunID: workflowRunID,
		})
		if err != nil {
			return err
		}
		out.BatchID = batch.ID
		created = isNew

		if !isNew {
			return c.collectBatch(tx, batch, taskIDs, &out)
		}

		for _, taskID := range taskIDs {
			task, err := tx.GetTaskForUpdate(taskID)
			if err != nil {
				return err
			}
			if task.Status != types.TaskQueued {
				continue
			}
			task.NumAttempts++
			if err := tx.UpdateTask(task); err != nil {
				return err
			}
			ti := &types.TaskInstance{
				TaskID:        task.ID,
				WorkflowRunID: workflowRunID,
				ArrayID:       arrayID,
				ArrayBatchNum: int(batch.ID),
				AttemptNumber: task.NumAttempts,
				Status:        types.InstanceQueued,
				ReportByDate:  tx.Now().Add(c.heartbeatBuffer),
			}
			if err := tx.CreateTaskInstance(ti); err != nil {
				return err
			}
			pending = append(pending, ti.ID)
			out.Instances = append(out.Instances, QueuedInstance{
				TaskInstanceID: ti.ID,
				TaskID:         task.ID,
				Command:        task.Command,
				Resources:      task.Resources,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Fresh instances move to instantiated through the transition service,
	// which also steps their tasks out of the queue. A crash between the
	// create and these transitions leaves queued instances for the reaper.
	if created {
		for _, id := range pending {
			if err := c.svc.TransitionTaskInstance(ctx, id, types.InstanceInstantiated, nil); err != nil {
				return nil, err
			}
		}
		metrics.BatchesQueued.Inc()
		metrics.TasksQueued.Add(float64(len(pending)))
		c.logger.Info().
			Int64("array_id", arrayID).
			Str("batch_key", batchKey).
			Int("instances", len(pending)).
			Msg("Queued task batch")
	}
	return &out, nil
}

// collectBatch rebuilds the response for a redelivered batch key.
func (c *Coordinator) collectBatch(tx storage.Store, batch *types.Batch, taskIDs []int64, out *QueuedBatch) error {
	for _, taskID := range taskIDs {
		instances, err := tx.ListTaskInstancesByTask(taskID)
		if err != nil {
			return err
		}
		for _, ti := range instances {
			if ti.ArrayBatchNum != int(batch.ID) {
				continue
			}
			task, err := tx.GetTask(taskID)
			if err != nil {
				return err
			}
			out.Instances = append(out.Instances, QueuedInstance{
				TaskInstanceID: ti.ID,
				TaskID:         taskID,
				Command:        task.Command,
				Resources:      task.Resources,
			})
		}
	}
	return nil
}

// TransitionToLaunched bulk-transitions the batch's instances from
// instantiated to launched, stamping the distributor's batch id on both the
// instances and the submission batch row.
func (c *Coordinator) TransitionToLaunched(ctx context.Context, arrayID int64, taskInstanceIDs []int64, distributorBatchID string) error {
	arr, err := c.store.GetArray(arrayID)
	if err != nil {
		return err
	}
	if len(taskInstanceIDs) > 0 && distributorBatchID != "" {
		if err := c.stampBatch(ctx, taskInstanceIDs[0], distributorBatchID); err != nil {
			return err
		}
	}
	for _, id := range taskInstanceIDs {
		ti, err := c.store.GetTaskInstance(id)
		if err != nil {
			return err
		}
		if err := c.ensureCurrentRun(arr.WorkflowID, ti.WorkflowRunID); err != nil {
			return err
		}
		err = c.svc.TransitionTaskInstance(ctx, id, types.InstanceLaunched, &fsm.TransitionContext{
			DistributorBatchID: distributorBatchID,
		})
		if err != nil {
			return err
		}
		if err := c.store.LogTaskInstanceHeartbeat(id, c.store.Now().Add(c.heartbeatBuffer)); err != nil {
			return err
		}
	}
	return nil
}

// stampBatch records the scheduler's job-array id on the submission batch the
// instance belongs to.
func (c *Coordinator) stampBatch(ctx context.Context, taskInstanceID int64, distributorBatchID string) error {
	ti, err := c.store.GetTaskInstance(taskInstanceID)
	if err != nil {
		return err
	}
	return c.store.Transact(ctx, func(tx storage.Store) error {
		batch, err := tx.GetBatch(int64(ti.ArrayBatchNum))
		if err != nil {
			return err
		}
		batch.DistributorBatchID = distributorBatchID
		return tx.UpdateBatch(batch)
	})
}

// LogDistributorID records the scheduler's per-instance job id. No status
// change is involved.
func (c *Coordinator) LogDistributorID(ctx context.Context, taskInstanceID int64, distributorID string) error {
	if err := c.ensureInstanceCurrent(taskInstanceID); err != nil {
		return err
	}
	return c.store.Transact(ctx, func(tx storage.Store) error {
		ti, err := tx.GetTaskInstanceForUpdate(taskInstanceID)
		if err != nil {
			return err
		}
		ti.DistributorID = distributorID
		return tx.UpdateTaskInstance(ti)
	})
}

// LogRunning reports that the worker wrapper started the command.
func (c *Coordinator) LogRunning(ctx context.Context, taskInstanceID int64, nodeName string, processGroupID int, stdoutPath, stderrPath string) error {
	if err := c.ensureInstanceCurrent(taskInstanceID); err != nil {
		return err
	}
	err := c.svc.TransitionTaskInstance(ctx, taskInstanceID, types.InstanceRunning, &fsm.TransitionContext{
		NodeName:       nodeName,
		ProcessGroupID: processGroupID,
		StdoutPath:     stdoutPath,
		StderrPath:     stderrPath,
	})
	if err != nil {
		return err
	}
	return c.store.LogTaskInstanceHeartbeat(taskInstanceID, c.store.Now().Add(c.heartbeatBuffer))
}

// Usage is the resource accounting attached to a terminal report.
type Usage struct {
	WallclockSeconds int64
	MaxRSS           int64
}

// LogDone reports successful command completion and cascades the done
// status into the task.
func (c *Coordinator) LogDone(ctx context.Context, taskInstanceID int64, usage Usage) error {
	if err := c.ensureInstanceCurrent(taskInstanceID); err != nil {
		return err
	}
	return c.svc.TransitionTaskInstance(ctx, taskInstanceID, types.InstanceDone, &fsm.TransitionContext{
		WallclockSeconds: usage.WallclockSeconds,
		MaxRSS:           usage.MaxRSS,
	})
}

// LogError reports a retriable command failure.
func (c *Coordinator) LogError(ctx context.Context, taskInstanceID int64, message string, usage Usage) error {
	if err := c.ensureInstanceCurrent(taskInstanceID); err != nil {
		return err
	}
	return c.svc.TransitionTaskInstance(ctx, taskInstanceID, types.InstanceError, &fsm.TransitionContext{
		ErrorMessage:     message,
		WallclockSeconds: usage.WallclockSeconds,
		MaxRSS:           usage.MaxRSS,
	})
}

// LogResourceError reports a failure on a resource limit; the cascade
// consults the scaling policy for the next attempt.
func (c *Coordinator) LogResourceError(ctx context.Context, taskInstanceID int64, class scaling.FailureClass, message string, usage Usage) error {
	if err := c.ensureInstanceCurrent(taskInstanceID); err != nil {
		return err
	}
	if message == "" {
		message = fmt.Sprintf("resource failure: %s", class)
	}
	return c.svc.TransitionTaskInstance(ctx, taskInstanceID, types.InstanceResourceError, &fsm.TransitionContext{
		ErrorMessage: message,
		FailureClass: class,
	})
}

// LogNoHeartbeat reports a lost instance, normally on behalf of the reaper.
func (c *Coordinator) LogNoHeartbeat(ctx context.Context, taskInstanceID int64, message string) error {
	if message == "" {
		message = "task instance stopped heartbeating"
	}
	return c.svc.TransitionTaskInstance(ctx, taskInstanceID, types.InstanceNoHeartbeat, &fsm.TransitionContext{
		ErrorMessage: message,
	})
}

// Heartbeat pushes the instance's report-by deadline forward. Stale callers
// are told to stop via ErrWorkflowRunNotCurrent.
func (c *Coordinator) Heartbeat(ctx context.Context, taskInstanceID int64) error {
	if err := c.ensureInstanceCurrent(taskInstanceID); err != nil {
		return err
	}
	return c.store.LogTaskInstanceHeartbeat(taskInstanceID, c.store.Now().Add(c.heartbeatBuffer))
}

// ensureCurrentRun verifies the run still holds the workflow's lease.
func (c *Coordinator) ensureCurrentRun(workflowID, workflowRunID int64) error {
	current, err := c.store.CurrentWorkflowRun(workflowID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.ErrWorkflowRunNotCurrent
	}
	if err != nil {
		return err
	}
	if current.ID != workflowRunID {
		return storage.ErrWorkflowRunNotCurrent
	}
	return nil
}

func (c *Coordinator) ensureInstanceCurrent(taskInstanceID int64) error {
	ti, err := c.store.GetTaskInstance(taskInstanceID)
	if err != nil {
		return err
	}
	task, err := c.store.GetTask(ti.TaskID)
	if err != nil {
		return err
	}
	return c.ensureCurrentRun(task.WorkflowID, ti.WorkflowRunID)
}
