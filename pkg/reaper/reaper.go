package reaper

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jobmon-hpc/jobmon/pkg/fsm"
	"github.com/jobmon-hpc/jobmon/pkg/log"
	"github.com/jobmon-hpc/jobmon/pkg/metrics"
	"github.com/jobmon-hpc/jobmon/pkg/storage"
	"github.com/jobmon-hpc/jobmon/pkg/types"
)

// Config tunes the reaper.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// LeaseTTL is how long one reaper instance holds the deployment
	// singleton lease; it must exceed Interval.
	LeaseTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.LeaseTTL <= c.Interval {
		c.LeaseTTL = 3 * c.Interval
	}
	return c
}

// Reaper detects workflow runs and task instances that stopped
// heartbeating and drives them to terminal states so the workflow becomes
// resumable. One reaper per deployment does work at a time, serialized by
// a lease row in the store.
type Reaper struct {
	store  storage.Store
	svc    *fsm.Service
	cfg    Config
	owner  string
	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a reaper with a fresh owner identity.
func New(store storage.Store, svc *fsm.Service, cfg Config) *Reaper {
	return &Reaper{
		store:  store,
		svc:    svc,
		cfg:    cfg.withDefaults(),
		owner:  uuid.NewString(),
		logger: log.WithComponent("reaper"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the periodic sweep loop.
func (r *Reaper) Start() {
	go r.run()
}

// Stop stops the loop and waits for an in-progress sweep to finish.
func (r *Reaper) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reaper) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Sweep(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("Reaper sweep failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Sweep runs one reap cycle: stale workflow runs, then stale task
// instances of non-current runs, then orphaned workflows. It is a no-op
// when another reaper holds the deployment lease.
func (r *Reaper) Sweep(ctx context.Context) error {
	held, err := r.store.AcquireReaperLease(r.owner, r.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !held {
		return nil
	}
	metrics.ReaperCyclesTotal.Inc()

	if err := r.reapWorkflowRuns(ctx); err != nil {
		return err
	}
	if err := r.reapTaskInstances(ctx); err != nil {
		return err
	}
	return r.reapOrphanWorkflows(ctx)
}

// reapWorkflowRuns halts every non-terminal run whose report-by deadline
// has passed. A run whose cluster-side state cannot be recovered is marked
// cold-resume instead, so the next bind knows in-flight instances must be
// killed rather than adopted.
func (r *Reaper) reapWorkflowRuns(ctx context.Context) error {
	stale, err := r.store.ListStaleWorkflowRuns(r.store.Now())
	if err != nil {
		return err
	}
	for _, run := range stale {
		target := types.WorkflowRunHalted
		unrecoverable, err := r.hasUnrecoverableInstances(run)
		if err != nil {
			return err
		}
		if unrecoverable {
			target = types.WorkflowRunColdResume
		}
		if err := r.svc.TransitionWorkflowRun(ctx, run.ID, target); err != nil {
			if fsm.IsInvalidTransition(err) {
				continue
			}
			return err
		}
		metrics.ReapedWorkflowRuns.Inc()
		r.logger.Warn().
			Int64("workflow_run_id", run.ID).
			Str("target", string(target)).
			Msg("Reaped stale workflow run")
	}
	return nil
}

// hasUnrecoverableInstances reports whether the run has launched or
// running instances that never received a scheduler id; those cannot be
// probed or killed through the batch system.
func (r *Reaper) hasUnrecoverableInstances(run *types.WorkflowRun) (bool, error) {
	instances, err := r.store.ListActiveTaskInstancesByWorkflow(run.WorkflowID)
	if err != nil {
		return false, err
	}
	for _, ti := range instances {
		if ti.WorkflowRunID != run.ID {
			continue
		}
		if (ti.Status == types.InstanceLaunched || ti.Status == types.InstanceRunning) && ti.DistributorID == "" {
			return true, nil
		}
	}
	return false, nil
}

// reapTaskInstances drives stale instances of non-current runs to the
// no-heartbeat status; the cascade requeues or freezes their tasks.
func (r *Reaper) reapTaskInstances(ctx context.Context) error {
	stale, err := r.store.ListStaleTaskInstances(r.store.Now())
	if err != nil {
		return err
	}
	for _, ti := range stale {
		task, err := r.store.GetTask(ti.TaskID)
		if err != nil {
			return err
		}
		current, err := r.store.CurrentWorkflowRun(task.WorkflowID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if current != nil && current.ID == ti.WorkflowRunID {
			// The owning run is still current; its own heartbeat decides.
			continue
		}
		err = r.svc.TransitionTaskInstance(ctx, ti.ID, types.InstanceNoHeartbeat, &fsm.TransitionContext{
			ErrorMessage: "task instance stopped heartbeating and its workflow run is no longer current",
		})
		if err != nil {
			if fsm.IsInvalidTransition(err) {
				continue
			}
			return err
		}
		metrics.ReapedTaskInstances.Inc()
		r.logger.Warn().
			Int64("task_instance_id", ti.ID).
			Int64("task_id", ti.TaskID).
			Msg("Reaped stale task instance")
	}
	return nil
}

// reapOrphanWorkflows rolls up workflows that have non-terminal tasks but
// no live run; anything still unresolved is halted so it shows as
// resumable.
func (r *Reaper) reapOrphanWorkflows(ctx context.Context) error {
	orphans, err := r.store.ListOrphanWorkflows()
	if err != nil {
		return err
	}
	for _, wf := range orphans {
		status, err := r.svc.RollUpWorkflow(ctx, wf.ID)
		if err != nil {
			return err
		}
		if status.Terminal() || status == types.WorkflowHalted {
			continue
		}
		if err := r.svc.TransitionWorkflow(ctx, wf.ID, types.WorkflowHalted); err != nil && !fsm.IsInvalidTransition(err) {
			return err
		}
	}
	return nil
}
