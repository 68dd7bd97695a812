package fsm

import (
	"context"
	"errors"

	"github.com/jobmon-hpc/jobmon/pkg/storage"
	"github.com/jobmon-hpc/jobmon/pkg/types"
)

// ResumeMode selects how a resume treats in-flight work.
type ResumeMode string

const (
	// ResumeHot supersedes the current run but preserves in-flight task
	// instances; the reaper reclaims any that stop heartbeating.
	ResumeHot ResumeMode = "hot"
	// ResumeCold supersedes the current run and forces every non-terminal
	// task instance through kill-self to fatal before fresh attempts open.
	ResumeCold ResumeMode = "cold"
)

// SetResume prepares the workflow for a new run. Any current run is
// transitioned out of the current set, failed tasks are reset with a fresh
// attempt budget, and the workflow re-enters the queue. The new run itself
// is opened separately; the store enforces that at most one run is current.
func (s *Service) SetResume(ctx context.Context, workflowID int64, mode ResumeMode) error {
	return s.transact(ctx, func(tx storage.Store, p *pending) error {
		wf, err := tx.GetWorkflowForUpdate(workflowID)
		if err != nil {
			return err
		}

		run, err := tx.CurrentWorkflowRun(workflowID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if run != nil {
			target := types.WorkflowRunHalted
			if mode == ResumeCold {
				target = types.WorkflowRunColdResume
			}
			locked, err := tx.GetWorkflowRunForUpdate(run.ID)
			if err != nil {
				return err
			}
			if err := s.setRunStatus(tx, locked, target, p); err != nil {
				return err
			}
		}

		if mode == ResumeCold {
			if err := s.killInstances(tx, workflowID, p); err != nil {
				return err
			}
		}
		if err := s.resetTasks(tx, workflowID, mode, p); err != nil {
			return err
		}

		if wf.Status != types.WorkflowDone && wf.Status != types.WorkflowQueued {
			if err := s.setWorkflowStatus(tx, wf, types.WorkflowQueued, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// killInstances forces every non-terminal task instance of the workflow
// through kill-self to fatal. The cascade is skipped: resetTasks decides the
// task outcome for a cold resume.
func (s *Service) killInstances(tx storage.Store, workflowID int64, p *pending) error {
	instances, err := tx.ListActiveTaskInstancesByWorkflow(workflowID)
	if err != nil {
		return err
	}
	for _, ti := range instances {
		locked, err := tx.GetTaskInstanceForUpdate(ti.ID)
		if err != nil {
			return err
		}
		if locked.Status.Terminal() {
			continue
		}
		if locked.Status != types.InstanceKillSelf {
			from := locked.Status
			locked.Status = types.InstanceKillSelf
			locked.StatusDate = tx.Now()
			if err := tx.UpdateTaskInstance(locked); err != nil {
				return err
			}
			p.transition("task_instance", string(from), string(types.InstanceKillSelf))
		}
		locked.Status = types.InstanceErrorFatal
		locked.StatusDate = tx.Now()
		if err := tx.UpdateTaskInstance(locked); err != nil {
			return err
		}
		p.transition("task_instance", string(types.InstanceKillSelf), string(types.InstanceErrorFatal))
	}
	return nil
}

// resetTasks returns resumable tasks to registering with a fresh attempt
// budget. Hot resume resets only errored and fatal tasks; cold resume resets
// everything that is not done. This reset is the one status write outside
// the legal-edge tables, and it exists only on the resume path.
func (s *Service) resetTasks(tx storage.Store, workflowID int64, mode ResumeMode, p *pending) error {
	tasks, err := tx.ListTasksByWorkflow(workflowID)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.Status == types.TaskDone || task.Status == types.TaskRegistering {
			continue
		}
		reset := false
		switch task.Status {
		case types.TaskErrorRecoverable, types.TaskAdjustingResources, types.TaskErrorFatal:
			reset = true
		default:
			reset = mode == ResumeCold
		}
		if !reset {
			continue
		}
		locked, err := tx.GetTaskForUpdate(task.ID)
		if err != nil {
			return err
		}
		from := locked.Status
		locked.Status = types.TaskRegistering
		locked.NumAttempts = 0
		locked.StatusDate = tx.Now()
		if err := tx.UpdateTask(locked); err != nil {
			return err
		}
		p.transition("task", string(from), string(types.TaskRegistering))
	}
	return nil
}
