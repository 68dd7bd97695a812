package fsm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jobmon-hpc/jobmon/pkg/events"
	"github.com/jobmon-hpc/jobmon/pkg/log"
	"github.com/jobmon-hpc/jobmon/pkg/metrics"
	"github.com/jobmon-hpc/jobmon/pkg/scaling"
	"github.com/jobmon-hpc/jobmon/pkg/storage"
	"github.com/jobmon-hpc/jobmon/pkg/types"
)

// maxConflictRetries bounds internal retry of row-lock races before the
// conflict surfaces to the caller.
const maxConflictRetries = 3

// maxErrorDescription matches the error-log column width; longer messages
// are truncated on write.
const maxErrorDescription = 4096

// TransitionContext carries the bookkeeping written atomically with a
// task-instance transition.
type TransitionContext struct {
	DistributorID      string
	DistributorBatchID string
	NodeName           string
	ProcessGroupID     int
	StdoutPath         string
	StderrPath         string
	WallclockSeconds   int64
	MaxRSS             int64
	ErrorMessage       string
	FailureClass       scaling.FailureClass
}

// Service is the sole mutator of status fields. Every transition runs in a
// single store transaction, validates the legal-edge table for its entity,
// and cascades child terminal states into the parent within that same
// transaction. Rows are locked in the order task instance, task, workflow.
type Service struct {
	store  storage.Store
	broker *events.Broker
	queues map[string]types.Queue
	logger zerolog.Logger
}

// New returns a transition service over the given store. broker may be nil;
// queues maps queue names to their limits for resource adjustment.
func New(store storage.Store, broker *events.Broker, queues map[string]types.Queue) *Service {
	return &Service{
		store:  store,
		broker: broker,
		queues: queues,
		logger: log.WithComponent("fsm"),
	}
}

// pending accumulates events and metric increments during a transaction so
// they are emitted only after commit.
type pending struct {
	events      []*events.Event
	transitions []statusMove
}

type statusMove struct {
	entity string
	from   string
	to     string
}

func (p *pending) event(e *events.Event) {
	p.events = append(p.events, e)
}

func (p *pending) transition(entity, from, to string) {
	p.transitions = append(p.transitions, statusMove{entity: entity, from: from, to: to})
}

func (s *Service) flush(p *pending) {
	for _, t := range p.transitions {
		metrics.TransitionsTotal.WithLabelValues(t.entity, t.to).Inc()
		// The population gauges track state per status; a transition moves
		// one member between buckets.
		switch t.entity {
		case "task":
			metrics.TasksTotal.WithLabelValues(t.from).Dec()
			metrics.TasksTotal.WithLabelValues(t.to).Inc()
		case "workflow":
			metrics.WorkflowsTotal.WithLabelValues(t.from).Dec()
			metrics.WorkflowsTotal.WithLabelValues(t.to).Inc()
		}
	}
	if s.broker == nil {
		return
	}
	for _, e := range p.events {
		s.broker.Publish(e)
	}
}

// transact runs fn with bounded retry of lock conflicts.
func (s *Service) transact(ctx context.Context, fn func(tx storage.Store, p *pending) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		p := &pending{}
		err = s.store.Transact(ctx, func(tx storage.Store) error {
			return fn(tx, p)
		})
		if err == nil {
			s.flush(p)
			return nil
		}
		if !storage.IsConflict(err) {
			break
		}
		s.logger.Debug().Int("attempt", attempt+1).Err(err).
			Msg("Retrying transition after conflict")
	}
	if IsInvalidTransition(err) {
		metrics.InvalidTransitionsTotal.Inc()
	}
	return err
}

// TransitionTaskInstance moves one task instance to target, applying the
// bookkeeping in tc and cascading into the parent task when target is
// terminal. Repeating the instance's current status is a no-op.
func (s *Service) TransitionTaskInstance(ctx context.Context, tiID int64, target types.TaskInstanceStatus, tc *TransitionContext) error {
	return s.transact(ctx, func(tx storage.Store, p *pending) error {
		ti, err := tx.GetTaskInstanceForUpdate(tiID)
		if err != nil {
			return err
		}
		if ti.Status == target {
			return nil
		}
		if !legalInstanceEdge(ti.Status, target) {
			return &InvalidTransitionError{Entity: "task_instance", ID: tiID, From: string(ti.Status), To: string(target)}
		}

		from := ti.Status
		applyContext(ti, tc)
		ti.Status = target
		ti.StatusDate = tx.Now()
		if err := tx.UpdateTaskInstance(ti); err != nil {
			return err
		}
		p.transition("task_instance", string(from), string(target))

		if tc != nil && tc.ErrorMessage != "" {
			if err := s.appendError(tx, tiID, tc.ErrorMessage); err != nil {
				return err
			}
		}

		if !target.Terminal() {
			return s.mirrorProgress(tx, ti, target, p)
		}
		evType := events.EventInstanceTerminal
		if target == types.InstanceNoHeartbeat {
			evType = events.EventInstanceNoHeartbeat
		}
		p.event(&events.Event{
			Type:           evType,
			TaskID:         ti.TaskID,
			TaskInstanceID: ti.ID,
			WorkflowRunID:  ti.WorkflowRunID,
			Status:         string(target),
		})
		return s.cascadeInstanceTerminal(tx, ti, tc, p)
	})
}

// TransitionTask moves one task to target. Terminal targets cascade into the
// workflow roll-up; a task entering done also queues eligible downstream
// tasks in the same transaction.
func (s *Service) TransitionTask(ctx context.Context, taskID int64, target types.TaskStatus) error {
	return s.transact(ctx, func(tx storage.Store, p *pending) error {
		task, err := tx.GetTaskForUpdate(taskID)
		if err != nil {
			return err
		}
		if task.Status == target {
			return nil
		}
		if target.Terminal() {
			return s.taskTerminal(tx, task, target, p)
		}
		return s.setTaskStatus(tx, task, target, p)
	})
}

// TransitionWorkflowRun moves one workflow run to target.
func (s *Service) TransitionWorkflowRun(ctx context.Context, runID int64, target types.WorkflowRunStatus) error {
	return s.transact(ctx, func(tx storage.Store, p *pending) error {
		run, err := tx.GetWorkflowRunForUpdate(runID)
		if err != nil {
			return err
		}
		return s.setRunStatus(tx, run, target, p)
	})
}

// TransitionWorkflow moves one workflow to target.
func (s *Service) TransitionWorkflow(ctx context.Context, workflowID int64, target types.WorkflowStatus) error {
	return s.transact(ctx, func(tx storage.Store, p *pending) error {
		wf, err := tx.GetWorkflowForUpdate(workflowID)
		if err != nil {
			return err
		}
		return s.setWorkflowStatus(tx, wf, target, p)
	})
}

// RollUpWorkflow recomputes the workflow's derived status from its tasks and
// applies it. It returns the status in effect after the call.
func (s *Service) RollUpWorkflow(ctx context.Context, workflowID int64) (types.WorkflowStatus, error) {
	var out types.WorkflowStatus
	err := s.transact(ctx, func(tx storage.Store, p *pending) error {
		wf, err := tx.GetWorkflowForUpdate(workflowID)
		if err != nil {
			return err
		}
		if err := s.rollUp(tx, wf, p); err != nil {
			return err
		}
		out = wf.Status
		return nil
	})
	return out, err
}

// TransitionArrayBatch bulk-transitions the array's task instances whose
// current status is in filter. Instances the edge table refuses are skipped,
// not failed; the distributor uses this for best-effort sweeps.
func (s *Service) TransitionArrayBatch(ctx context.Context, arrayID int64, target types.TaskInstanceStatus, filter []types.TaskInstanceStatus) (int, error) {
	matched := 0
	err := s.transact(ctx, func(tx storage.Store, p *pending) error {
		matched = 0
		arr, err := tx.GetArray(arrayID)
		if err != nil {
			return err
		}
		tasks, err := tx.ListTasksByWorkflow(arr.WorkflowID)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if task.ArrayID != arr.ID {
				continue
			}
			instances, err := tx.ListTaskInstancesByTask(task.ID)
			if err != nil {
				return err
			}
			for _, ti := range instances {
				if !statusIn(ti.Status, filter) || !legalInstanceEdge(ti.Status, target) {
					continue
				}
				locked, err := tx.GetTaskInstanceForUpdate(ti.ID)
				if err != nil {
					return err
				}
				from := locked.Status
				locked.Status = target
				locked.StatusDate = tx.Now()
				if err := tx.UpdateTaskInstance(locked); err != nil {
					return err
				}
				p.transition("task_instance", string(from), string(target))
				matched++
				if target.Terminal() {
					if err := s.cascadeInstanceTerminal(tx, locked, nil, p); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
	return matched, err
}

// instanceTaskMirror maps non-terminal instance progress onto the task's
// machine so the two stay in step without a separate coordinator write.
var instanceTaskMirror = map[types.TaskInstanceStatus]types.TaskStatus{
	types.InstanceInstantiated: types.TaskInstantiating,
	types.InstanceLaunched:     types.TaskLaunched,
	types.InstanceRunning:      types.TaskRunning,
}

func (s *Service) mirrorProgress(tx storage.Store, ti *types.TaskInstance, target types.TaskInstanceStatus, p *pending) error {
	mirror, ok := instanceTaskMirror[target]
	if !ok {
		return nil
	}
	task, err := tx.GetTaskForUpdate(ti.TaskID)
	if err != nil {
		return err
	}
	// A late or out-of-order report leaves the task where it is.
	if !legalTaskEdge(task.Status, mirror) {
		return nil
	}
	return s.setTaskStatus(tx, task, mirror, p)
}

// cascadeInstanceTerminal applies the child-to-parent cascade after a task
// instance reaches a terminal status. The task row is locked after the
// instance row, the workflow after the task.
func (s *Service) cascadeInstanceTerminal(tx storage.Store, ti *types.TaskInstance, tc *TransitionContext, p *pending) error {
	task, err := tx.GetTaskForUpdate(ti.TaskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		// A late report for an already-frozen task changes nothing.
		return nil
	}

	switch {
	case ti.Status == types.InstanceDone:
		return s.taskTerminal(tx, task, types.TaskDone, p)

	case ti.Status == types.InstanceErrorFatal:
		if task.NumAttempts >= task.MaxAttempts {
			return s.taskTerminal(tx, task, types.TaskErrorFatal, p)
		}
		// Forced kill below the attempt cap; resume decides what happens next.
		return nil

	case ti.Status.Retriable():
		if task.NumAttempts >= task.MaxAttempts {
			return s.taskTerminal(tx, task, types.TaskErrorFatal, p)
		}
		if task.Status == types.TaskQueued {
			// The instance died before instantiation stepped the task out of
			// the queue. The attempt is spent; the task is already queued.
			return nil
		}
		if ti.Status == types.InstanceResourceError {
			return s.adjustResources(tx, task, ti, tc, p)
		}
		if err := s.setTaskStatus(tx, task, types.TaskErrorRecoverable, p); err != nil {
			return err
		}
		return s.setTaskStatus(tx, task, types.TaskQueued, p)
	}
	return nil
}

// adjustResources applies the resource-adjustment policy and re-queues the
// task, or freezes it fatal when no queue can hold the scaled request.
func (s *Service) adjustResources(tx storage.Store, task *types.Task, ti *types.TaskInstance, tc *TransitionContext, p *pending) error {
	if err := s.setTaskStatus(tx, task, types.TaskAdjustingResources, p); err != nil {
		return err
	}

	current, err := task.ComputeResources()
	if err != nil {
		return fmt.Errorf("decode resources for task %d: %w", task.ID, err)
	}
	rule, err := task.ScalingRule()
	if err != nil {
		return fmt.Errorf("decode scaling rule for task %d: %w", task.ID, err)
	}
	fallbacks, err := task.FallbackQueueNames()
	if err != nil {
		return fmt.Errorf("decode fallback queues for task %d: %w", task.ID, err)
	}

	class := scaling.Other
	if tc != nil && tc.FailureClass != "" {
		class = tc.FailureClass
	}

	next, err := scaling.NextResources(current, class, rule, fallbacks, task.NumAttempts, s.queues)
	if errors.Is(err, scaling.ErrNoFit) {
		if err := s.appendError(tx, ti.ID, "no_fit: scaled resources exceed every available queue"); err != nil {
			return err
		}
		return s.taskTerminal(tx, task, types.TaskErrorFatal, p)
	}
	if err != nil {
		return err
	}
	if err := task.SetComputeResources(next); err != nil {
		return err
	}
	return s.setTaskStatus(tx, task, types.TaskQueued, p)
}

// taskTerminal writes a terminal task status and runs both cascades: the
// downstream queue trigger (done only) and the workflow roll-up.
func (s *Service) taskTerminal(tx storage.Store, task *types.Task, target types.TaskStatus, p *pending) error {
	if err := s.setTaskStatus(tx, task, target, p); err != nil {
		return err
	}
	switch target {
	case types.TaskDone:
		p.event(&events.Event{Type: events.EventTaskDone, TaskID: task.ID, WorkflowID: task.WorkflowID, Status: string(target)})
		if err := s.propagateDownstream(tx, task, p); err != nil {
			return err
		}
	case types.TaskErrorFatal:
		p.event(&events.Event{Type: events.EventTaskFatal, TaskID: task.ID, WorkflowID: task.WorkflowID, Status: string(target)})
	}

	wf, err := tx.GetWorkflowForUpdate(task.WorkflowID)
	if err != nil {
		return err
	}
	return s.rollUp(tx, wf, p)
}

// propagateDownstream queues every downstream task whose upstream set is now
// wholly done. This runs in the same transaction as the parent's transition
// to done, so a downstream task never starves on a slow controller.
func (s *Service) propagateDownstream(tx storage.Store, task *types.Task, p *pending) error {
	wf, err := tx.GetWorkflow(task.WorkflowID)
	if err != nil {
		return err
	}
	edge, err := tx.GetEdge(wf.DagID, task.NodeID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	downstream, err := decodeNodeIDs(edge.DownstreamNodes)
	if err != nil {
		return err
	}

	for _, nodeID := range downstream {
		dt, err := tx.GetTaskByNode(wf.ID, nodeID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if dt.Status != types.TaskRegistering {
			continue
		}
		ready, err := s.upstreamsDone(tx, wf, nodeID)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		locked, err := tx.GetTaskForUpdate(dt.ID)
		if err != nil {
			return err
		}
		if locked.Status != types.TaskRegistering {
			continue
		}
		if err := s.setTaskStatus(tx, locked, types.TaskQueued, p); err != nil {
			return err
		}
		p.event(&events.Event{Type: events.EventTaskQueued, TaskID: locked.ID, WorkflowID: wf.ID, Status: string(types.TaskQueued)})
	}
	return nil
}

func (s *Service) upstreamsDone(tx storage.Store, wf *types.Workflow, nodeID int64) (bool, error) {
	edge, err := tx.GetEdge(wf.DagID, nodeID)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	upstream, err := decodeNodeIDs(edge.UpstreamNodes)
	if err != nil {
		return false, err
	}
	for _, up := range upstream {
		ut, err := tx.GetTaskByNode(wf.ID, up)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if ut.Status != types.TaskDone {
			return false, nil
		}
	}
	return true, nil
}

// rollUp recomputes the workflow's monoidal roll-up: done iff every task is
// done, failed iff any task is fatal and none can still make progress.
func (s *Service) rollUp(tx storage.Store, wf *types.Workflow, p *pending) error {
	tasks, err := tx.ListTasksByWorkflow(wf.ID)
	if err != nil {
		return err
	}

	allDone := true
	anyFatal := false
	anyLive := false
	for _, t := range tasks {
		if t.Status != types.TaskDone {
			allDone = false
		}
		if t.Status == types.TaskErrorFatal {
			anyFatal = true
		}
		if !t.Status.Terminal() {
			anyLive = true
		}
	}

	var target types.WorkflowStatus
	switch {
	case allDone:
		target = types.WorkflowDone
	case anyFatal && !anyLive:
		target = types.WorkflowFailed
	default:
		return nil
	}
	if wf.Status == target {
		return nil
	}
	if err := s.setWorkflowStatus(tx, wf, target, p); err != nil {
		return err
	}
	switch target {
	case types.WorkflowDone:
		p.event(&events.Event{Type: events.EventWorkflowDone, WorkflowID: wf.ID, Status: string(target)})
	case types.WorkflowFailed:
		p.event(&events.Event{Type: events.EventWorkflowFailed, WorkflowID: wf.ID, Status: string(target)})
	}
	return nil
}

func (s *Service) setTaskStatus(tx storage.Store, task *types.Task, target types.TaskStatus, p *pending) error {
	if task.Status == target {
		return nil
	}
	if !legalTaskEdge(task.Status, target) {
		return &InvalidTransitionError{Entity: "task", ID: task.ID, From: string(task.Status), To: string(target)}
	}
	from := task.Status
	task.Status = target
	task.StatusDate = tx.Now()
	if err := tx.UpdateTask(task); err != nil {
		return err
	}
	p.transition("task", string(from), string(target))
	return nil
}

func (s *Service) setRunStatus(tx storage.Store, run *types.WorkflowRun, target types.WorkflowRunStatus, p *pending) error {
	if run.Status == target {
		return nil
	}
	if !legalRunEdge(run.Status, target) {
		return &InvalidTransitionError{Entity: "workflow_run", ID: run.ID, From: string(run.Status), To: string(target)}
	}
	from := run.Status
	run.Status = target
	run.StatusDate = tx.Now()
	if err := tx.UpdateWorkflowRun(run); err != nil {
		return err
	}
	p.transition("workflow_run", string(from), string(target))
	switch target {
	case types.WorkflowRunRunning:
		p.event(&events.Event{Type: events.EventRunStarted, WorkflowID: run.WorkflowID, WorkflowRunID: run.ID, Status: string(target)})
	case types.WorkflowRunHalted:
		p.event(&events.Event{Type: events.EventRunHalted, WorkflowID: run.WorkflowID, WorkflowRunID: run.ID, Status: string(target)})
	case types.WorkflowRunColdResume:
		p.event(&events.Event{Type: events.EventRunColdResumed, WorkflowID: run.WorkflowID, WorkflowRunID: run.ID, Status: string(target)})
	}
	return nil
}

func (s *Service) setWorkflowStatus(tx storage.Store, wf *types.Workflow, target types.WorkflowStatus, p *pending) error {
	if wf.Status == target {
		return nil
	}
	if !legalWorkflowEdge(wf.Status, target) {
		return &InvalidTransitionError{Entity: "workflow", ID: wf.ID, From: string(wf.Status), To: string(target)}
	}
	from := wf.Status
	wf.Status = target
	wf.StatusDate = tx.Now()
	if err := tx.UpdateWorkflow(wf); err != nil {
		return err
	}
	p.transition("workflow", string(from), string(target))
	return nil
}

func (s *Service) appendError(tx storage.Store, tiID int64, message string) error {
	if len(message) > maxErrorDescription {
		message = message[:maxErrorDescription]
	}
	return tx.AppendTaskInstanceError(&types.TaskInstanceErrorLog{
		TaskInstanceID: tiID,
		ErrorTime:      tx.Now(),
		Description:    message,
	})
}

func applyContext(ti *types.TaskInstance, tc *TransitionContext) {
	if tc == nil {
		return
	}
	if tc.DistributorID != "" {
		ti.DistributorID = tc.DistributorID
	}
	if tc.DistributorBatchID != "" {
		ti.DistributorBatchID = tc.DistributorBatchID
	}
	if tc.NodeName != "" {
		ti.NodeName = tc.NodeName
	}
	if tc.ProcessGroupID != 0 {
		ti.ProcessGroupID = tc.ProcessGroupID
	}
	if tc.StdoutPath != "" {
		ti.StdoutPath = tc.StdoutPath
	}
	if tc.StderrPath != "" {
		ti.StderrPath = tc.StderrPath
	}
	if tc.WallclockSeconds != 0 {
		ti.WallclockSeconds = tc.WallclockSeconds
	}
	if tc.MaxRSS != 0 {
		ti.MaxRSS = tc.MaxRSS
	}
}

func statusIn(s types.TaskInstanceStatus, set []types.TaskInstanceStatus) bool {
	if len(set) == 0 {
		return true
	}
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func decodeNodeIDs(raw string) ([]int64, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode node id list: %w", err)
	}
	return ids, nil
}
