package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jobmon-hpc/jobmon/pkg/coordinator"
	"github.com/jobmon-hpc/jobmon/pkg/events"
	"github.com/jobmon-hpc/jobmon/pkg/fingerprint"
	"github.com/jobmon-hpc/jobmon/pkg/fsm"
	"github.com/jobmon-hpc/jobmon/pkg/log"
	"github.com/jobmon-hpc/jobmon/pkg/metrics"
	"github.com/jobmon-hpc/jobmon/pkg/storage"
	"github.com/jobmon-hpc/jobmon/pkg/types"
)

// ErrLeaseLost is returned by Run when the controller observes that its
// workflow run is no longer current. A resume happened elsewhere; the
// controller must stop without touching further state.
var ErrLeaseLost = errors.New("workflow run lease lost")

// Config tunes one run controller.
type Config struct {
	// PollInterval is the base cycle period; a uniform jitter of up to
	// JitterFraction of it is added each cycle.
	PollInterval   time.Duration
	JitterFraction float64
	// HeartbeatBuffer is how far ahead the run's report-by deadline is
	// pushed on each heartbeat.
	HeartbeatBuffer time.Duration
	// HeartbeatInterval throttles run heartbeat writes; it must stay well
	// under HeartbeatBuffer.
	HeartbeatInterval time.Duration
	// Timeout bounds the controller's lifetime; zero means no timeout. On
	// expiry the run is halted and in-flight instances are left for the
	// reaper.
	Timeout time.Duration
	// FailFast exits on the first fatal task.
	FailFast bool
	// TemplateCaps limits concurrently running tasks per task template
	// version id. Missing entries are uncapped.
	TemplateCaps map[int64]int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.JitterFraction <= 0 {
		c.JitterFraction = 0.25
	}
	if c.HeartbeatBuffer <= 0 {
		c.HeartbeatBuffer = 90 * time.Second
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.HeartbeatBuffer {
		c.HeartbeatInterval = 30 * time.Second
	}
	return c
}

// Controller drives one workflow run: it rolls the DAG forward, admits
// queued tasks under the concurrency caps, hands submission batches to the
// coordinator and exits when the workflow roll-up is terminal. It holds no
// exclusive lock; correctness comes from transition validation plus the
// heartbeat lease.
type Controller struct {
	store      storage.Store
	svc        *fsm.Service
	coord      *coordinator.Coordinator
	broker     *events.Broker
	cfg        Config
	workflowID int64
	runID      int64
	rng        *rand.Rand
	logger     zerolog.Logger
	nextBeat   time.Time
}

// New returns a controller for the given workflow run. broker may be nil;
// with one, status events for this run cut the poll wait short.
func New(store storage.Store, svc *fsm.Service, coord *coordinator.Coordinator, broker *events.Broker, workflowID, runID int64, cfg Config) *Controller {
	return &Controller{
		store:      store,
		svc:        svc,
		coord:      coord,
		broker:     broker,
		cfg:        cfg.withDefaults(),
		workflowID: workflowID,
		runID:      runID,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:     log.WithComponent("swarm").With().Int64("workflow_run_id", runID).Logger(),
	}
}

// Run executes the controller loop until the workflow finishes, the timeout
// elapses, the context is canceled, or the lease is lost.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.bind(ctx); err != nil {
		return err
	}

	var wake events.Subscriber
	if c.broker != nil {
		wake = c.broker.Subscribe()
		defer c.broker.Unsubscribe(wake)
	}

	var deadline time.Time
	if c.cfg.Timeout > 0 {
		deadline = c.store.Now().Add(c.cfg.Timeout)
	}

	for {
		done, err := c.cycle(ctx)
		if err != nil {
			if errors.Is(err, ErrLeaseLost) {
				c.logger.Warn().Msg("Lease lost, stopping controller")
			}
			return err
		}
		if done {
			return nil
		}

		if !deadline.IsZero() && !c.store.Now().Before(deadline) {
			c.logger.Info().Msg("Timeout elapsed, halting workflow run")
			return c.halt(ctx)
		}

		if err := c.wait(ctx, wake); err != nil {
			if haltErr := c.halt(context.WithoutCancel(ctx)); haltErr != nil {
				c.logger.Error().Err(haltErr).Msg("Failed to halt workflow run on cancel")
			}
			return err
		}
	}
}

// wait sleeps until the next poll is due or a status event for this run
// arrives. Events for other runs do not reset the poll timer.
func (c *Controller) wait(ctx context.Context, wake events.Subscriber) error {
	timer := time.NewTimer(c.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if c.wakes(ev) {
				return nil
			}
		}
	}
}

// wakes reports whether the event warrants an immediate cycle.
func (c *Controller) wakes(ev *events.Event) bool {
	switch ev.Type {
	case events.EventInstanceTerminal, events.EventInstanceNoHeartbeat,
		events.EventTaskDone, events.EventTaskFatal, events.EventTaskQueued:
	default:
		return false
	}
	if ev.WorkflowRunID != 0 {
		return ev.WorkflowRunID == c.runID
	}
	return ev.WorkflowID == c.workflowID
}

func (c *Controller) interval() time.Duration {
	jitter := time.Duration(c.rng.Float64() * c.cfg.JitterFraction * float64(c.cfg.PollInterval))
	return c.cfg.PollInterval + jitter
}

// bind moves the fresh run to bound then running, and the workflow out of
// the queue.
func (c *Controller) bind(ctx context.Context) error {
	if err := c.svc.TransitionWorkflowRun(ctx, c.runID, types.WorkflowRunBound); err != nil {
		return err
	}
	if err := c.svc.TransitionWorkflowRun(ctx, c.runID, types.WorkflowRunRunning); err != nil {
		return err
	}
	wf, err := c.store.GetWorkflow(c.workflowID)
	if err != nil {
		return err
	}
	if wf.Status == types.WorkflowRegistering {
		if err := c.svc.TransitionWorkflow(ctx, c.workflowID, types.WorkflowQueued); err != nil {
			return err
		}
	}
	if err := c.svc.TransitionWorkflow(ctx, c.workflowID, types.WorkflowRunning); err != nil && !fsm.IsInvalidTransition(err) {
		return err
	}
	return nil
}

// cycle runs one controller iteration. It reports done=true when the run
// reached a terminal roll-up and the controller should exit.
func (c *Controller) cycle(ctx context.Context) (bool, error) {
	started := time.Now()
	defer func() {
		metrics.SwarmCycleDuration.Observe(time.Since(started).Seconds())
	}()

	// Event wakes can make cycles much more frequent than the poll interval;
	// heartbeat writes stay on their own schedule.
	now := c.store.Now()
	if !now.Before(c.nextBeat) {
		if err := c.store.LogWorkflowRunHeartbeat(c.runID, now, now.Add(c.cfg.HeartbeatBuffer)); err != nil {
			return false, err
		}
		c.nextBeat = now.Add(c.cfg.HeartbeatInterval)
	}

	current, err := c.store.CurrentWorkflowRun(c.workflowID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, ErrLeaseLost
	}
	if err != nil {
		return false, err
	}
	if current.ID != c.runID {
		return false, ErrLeaseLost
	}

	if err := c.rollForward(ctx); err != nil {
		return false, err
	}
	if err := c.admit(ctx); err != nil {
		return false, err
	}
	return c.observe(ctx)
}

// rollForward queues every registering task whose upstream set is wholly
// done. Root tasks have no upstreams and queue on the first cycle; the rest
// normally queue through the transition cascade, so this is a catch-up scan
// for resumed workflows and missed pushes.
func (c *Controller) rollForward(ctx context.Context) error {
	wf, err := c.store.GetWorkflow(c.workflowID)
	if err != nil {
		return err
	}
	registering, err := c.store.ListTasksByWorkflowAndStatus(c.workflowID, types.TaskRegistering)
	if err != nil {
		return err
	}
	doneNodes, err := c.doneNodeSet()
	if err != nil {
		return err
	}

	for _, task := range registering {
		ready, err := c.upstreamsDone(wf.DagID, task.NodeID, doneNodes)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		if err := c.svc.TransitionTask(ctx, task.ID, types.TaskQueued); err != nil {
			if fsm.IsInvalidTransition(err) {
				continue
			}
			return err
		}
	}
	return nil
}

func (c *Controller) doneNodeSet() (map[int64]bool, error) {
	done, err := c.store.ListTasksByWorkflowAndStatus(c.workflowID, types.TaskDone)
	if err != nil {
		return nil, err
	}
	set := make(map[int64]bool, len(done))
	for _, task := range done {
		set[task.NodeID] = true
	}
	return set, nil
}

func (c *Controller) upstreamsDone(dagID, nodeID int64, doneNodes map[int64]bool) (bool, error) {
	edge, err := c.store.GetEdge(dagID, nodeID)
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
		if !doneNodes[up] {
			return false, nil
		}
	}
	return true, nil
}

// batchKeyOf groups admitted tasks so that siblings with identical resource
// requests submit as one scheduler job array.
type batchKeyOf struct {
	arrayID     int64
	fingerprint string
	queue       string
}

// admit computes the eligible set under the workflow, array and template
// caps and queues it in batches through the coordinator.
func (c *Controller) admit(ctx context.Context) error {
	wf, err := c.store.GetWorkflow(c.workflowID)
	if err != nil {
		return err
	}
	tasks, err := c.store.ListTasksByWorkflow(c.workflowID)
	if err != nil {
		return err
	}
	arrays, err := c.store.ListArraysByWorkflow(c.workflowID)
	if err != nil {
		return err
	}

	arrayCap := make(map[int64]int, len(arrays))
	arrayTTV := make(map[int64]int64, len(arrays))
	for _, arr := range arrays {
		arrayCap[arr.ID] = arr.MaxConcurrentlyRunning
		arrayTTV[arr.ID] = arr.TaskTemplateVersionID
	}

	running := 0
	runningByArray := make(map[int64]int)
	runningByTTV := make(map[int64]int)
	var queued []*types.Task
	for _, task := range tasks {
		switch {
		case task.Status.Active():
			running++
			runningByArray[task.ArrayID]++
			runningByTTV[arrayTTV[task.ArrayID]]++
		case task.Status == types.TaskQueued:
			queued = append(queued, task)
		}
	}
	// Stable admission order across polls.
	sort.Slice(queued, func(i, j int) bool { return queued[i].ID < queued[j].ID })

	batches := make(map[batchKeyOf][]int64)
	for _, task := range queued {
		// A cap of zero admits nothing: the workflow stalls without failing.
		if running >= wf.MaxConcurrentlyRunning {
			break
		}
		if limit := arrayCap[task.ArrayID]; limit > 0 && runningByArray[task.ArrayID] >= limit {
			continue
		}
		ttv := arrayTTV[task.ArrayID]
		if limit := c.cfg.TemplateCaps[ttv]; limit > 0 && runningByTTV[ttv] >= limit {
			continue
		}

		res, err := task.ComputeResources()
		if err != nil {
			return fmt.Errorf("decode resources for task %d: %w", task.ID, err)
		}
		key := batchKeyOf{
			arrayID:     task.ArrayID,
			fingerprint: fingerprint.ResourcesFingerprint(res.Queue, res.Cores, res.MemoryGiB, res.RuntimeSeconds),
			queue:       res.Queue,
		}
		batches[key] = append(batches[key], task.ID)
		running++
		runningByArray[task.ArrayID]++
		runningByTTV[ttv]++
	}

	for key, taskIDs := range batches {
		if _, err := c.coord.QueueTaskBatch(ctx, key.arrayID, uuid.NewString(), c.runID, taskIDs); err != nil {
			return err
		}
	}
	return nil
}

// observe applies the workflow roll-up and decides whether the controller
// is finished.
func (c *Controller) observe(ctx context.Context) (bool, error) {
	status, err := c.svc.RollUpWorkflow(ctx, c.workflowID)
	if err != nil {
		return false, err
	}
	switch status {
	case types.WorkflowDone:
		if err := c.svc.TransitionWorkflowRun(ctx, c.runID, types.WorkflowRunDone); err != nil {
			return false, err
		}
		c.logger.Info().Msg("Workflow done")
		return true, nil
	case types.WorkflowFailed:
		if err := c.svc.TransitionWorkflowRun(ctx, c.runID, types.WorkflowRunError); err != nil {
			return false, err
		}
		c.logger.Info().Msg("Workflow failed")
		return true, nil
	}

	if c.cfg.FailFast {
		fatal, err := c.store.ListTasksByWorkflowAndStatus(c.workflowID, types.TaskErrorFatal)
		if err != nil {
			return false, err
		}
		if len(fatal) > 0 {
			c.logger.Warn().Int("fatal_tasks", len(fatal)).Msg("Fail-fast triggered")
			if err := c.svc.TransitionWorkflowRun(ctx, c.runID, types.WorkflowRunError); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
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

// halt cleanly abandons the run; in-flight instances are left for the
// reaper.
func (c *Controller) halt(ctx context.Context) error {
	if err := c.svc.TransitionWorkflowRun(ctx, c.runID, types.WorkflowRunHalted); err != nil && !fsm.IsInvalidTransition(err) {
		return err
	}
	if err := c.svc.TransitionWorkflow(ctx, c.workflowID, types.WorkflowHalted); err != nil && !fsm.IsInvalidTransition(err) {
		return err
	}
	return nil
}
