package swarm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobmon-hpc/jobmon/pkg/coordinator"
	"github.com/jobmon-hpc/jobmon/pkg/events"
	"github.com/jobmon-hpc/jobmon/pkg/fsm"
	"github.com/jobmon-hpc/jobmon/pkg/storage"
	"github.com/jobmon-hpc/jobmon/pkg/types"
)

type harness struct {
	store *storage.MemoryStore
	svc   *fsm.Service
	ctrl  *Controller
	wf    *types.Workflow
	run   *types.WorkflowRun
	tasks []*types.Task
}

// newHarness builds a workflow of taskCount independent root tasks and a
// fresh registered run.
func newHarness(t *testing.T, taskCount, maxConcurrent int) *harness {
	t.Helper()
	store := storage.NewMemoryStore()

	tool, _, err := store.GetOrCreateTool("swarm_tool")
	require.NoError(t, err)
	tv, err := store.CreateToolVersion(tool.ID)
	require.NoError(t, err)
	tmpl, _, err := store.GetOrCreateTaskTemplate(tv.ID, "swarm_template")
	require.NoError(t, err)
	ttv, _, err := store.GetOrCreateTaskTemplateVersion(tmpl.ID, "work {arg}", "1212343456567878")
	require.NoError(t, err)
	dag, _, err := store.GetOrCreateDag("9a9abcbcdedef0f0")
	require.NoError(t, err)

	wf, _, err := store.GetOrCreateWorkflow(&types.Workflow{
		ToolVersionID:          tv.ID,
		DagID:                  dag.ID,
		Name:                   "swarm_workflow",
		Hash:                   "0f0fe1e1d2d2c3c3",
		MaxConcurrentlyRunning: maxConcurrent,
		Status:                 types.WorkflowQueued,
	})
	require.NoError(t, err)

	arr, _, err := store.GetOrCreateArray(&types.Array{
		WorkflowID:             wf.ID,
		TaskTemplateVersionID:  ttv.ID,
		Name:                   "swarm_array",
		MaxConcurrentlyRunning: 100,
	})
	require.NoError(t, err)

	var rows []*types.Task
	for i := 0; i < taskCount; i++ {
		node, _, err := store.GetOrCreateNode(ttv.ID, string(rune('a'+i)))
		require.NoError(t, err)
		rows = append(rows, &types.Task{
			WorkflowID:  wf.ID,
			NodeID:      node.ID,
			ArrayID:     arr.ID,
			Name:        string(rune('a' + i)),
			Command:     "work",
			MaxAttempts: 3,
			Status:      types.TaskRegistering,
		})
	}
	if len(rows) > 0 {
		require.NoError(t, store.BulkInsertTasks(rows))
	}
	tasks, err := store.ListTasksByWorkflow(wf.ID)
	require.NoError(t, err)

	run := &types.WorkflowRun{WorkflowID: wf.ID, User: "tester", Status: types.WorkflowRunRegistered}
	require.NoError(t, store.CreateWorkflowRun(run))

	svc := fsm.New(store, nil, nil)
	coord := coordinator.New(store, svc, 0)
	ctrl := New(store, svc, coord, nil, wf.ID, run.ID, Config{})
	return &harness{store: store, svc: svc, ctrl: ctrl, wf: wf, run: run, tasks: tasks}
}

func (h *harness) activeCount(t *testing.T) int {
	t.Helper()
	tasks, err := h.store.ListTasksByWorkflow(h.wf.ID)
	require.NoError(t, err)
	n := 0
	for _, task := range tasks {
		if task.Status.Active() {
			n++
		}
	}
	return n
}

// finishOne drives one active task to done through its live instance.
func (h *harness) finishOne(t *testing.T) {
	t.Helper()
	tasks, err := h.store.ListTasksByWorkflow(h.wf.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		if !task.Status.Active() {
			continue
		}
		instances, err := h.store.ListTaskInstancesByTask(task.ID)
		require.NoError(t, err)
		for _, ti := range instances {
			if ti.Status.Terminal() {
				continue
			}
			require.NoError(t, h.svc.TransitionTaskInstance(context.Background(), ti.ID, types.InstanceDone, nil))
			return
		}
	}
	t.Fatal("no active task to finish")
}

func TestEmptyDagFinishesImmediately(t *testing.T) {
	h := newHarness(t, 0, 10)
	ctx := context.Background()

	require.NoError(t, h.ctrl.bind(ctx))
	done, err := h.ctrl.cycle(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	wf, err := h.store.GetWorkflow(h.wf.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowDone, wf.Status)

	run, err := h.store.GetWorkflowRun(h.run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowRunDone, run.Status)
}

func TestConcurrencyCap(t *testing.T) {
	h := newHarness(t, 10, 2)
	ctx := context.Background()

	require.NoError(t, h.ctrl.bind(ctx))
	done, err := h.ctrl.cycle(ctx)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 2, h.activeCount(t))

	// Completing one task admits exactly one more on the next cycle.
	h.finishOne(t)
	done, err = h.ctrl.cycle(ctx)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 2, h.activeCount(t))

	// The cap holds across repeated cycles with no completions.
	done, err = h.ctrl.cycle(ctx)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 2, h.activeCount(t))
}

func TestZeroCapStallsWithoutFailing(t *testing.T) {
	h := newHarness(t, 3, 0)
	ctx := context.Background()

	require.NoError(t, h.ctrl.bind(ctx))
	for i := 0; i < 3; i++ {
		done, err := h.ctrl.cycle(ctx)
		require.NoError(t, err)
		assert.False(t, done)
	}
	assert.Equal(t, 0, h.activeCount(t))

	wf, err := h.store.GetWorkflow(h.wf.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowRunning, wf.Status)
}

func TestWholeWorkflowCompletes(t *testing.T) {
	h := newHarness(t, 4, 10)
	ctx := context.Background()

	require.NoError(t, h.ctrl.bind(ctx))
	for i := 0; i < 20; i++ {
		done, err := h.ctrl.cycle(ctx)
		require.NoError(t, err)
		if done {
			wf, err := h.store.GetWorkflow(h.wf.ID)
			require.NoError(t, err)
			assert.Equal(t, types.WorkflowDone, wf.Status)
			return
		}
		if h.activeCount(t) > 0 {
			h.finishOne(t)
		}
	}
	t.Fatal("workflow did not complete")
}

func TestLeaseLostStopsController(t *testing.T) {
	h := newHarness(t, 1, 10)
	ctx := context.Background()

	require.NoError(t, h.ctrl.bind(ctx))

	// A resume elsewhere supersedes this controller's run.
	require.NoError(t, h.svc.SetResume(ctx, h.wf.ID, fsm.ResumeHot))
	other := &types.WorkflowRun{WorkflowID: h.wf.ID, User: "tester", Status: types.WorkflowRunRunning}
	require.NoError(t, h.store.CreateWorkflowRun(other))

	_, err := h.ctrl.cycle(ctx)
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestEventWakesController(t *testing.T) {
	h := newHarness(t, 1, 10)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	svc := fsm.New(h.store, broker, nil)
	coord := coordinator.New(h.store, svc, 0)
	ctrl := New(h.store, svc, coord, broker, h.wf.ID, h.run.ID, Config{PollInterval: time.Hour})

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(context.Background()) }()

	// The first cycle admits the task; wait for its instance to appear.
	var tiID int64
	require.Eventually(t, func() bool {
		instances, err := h.store.ListTaskInstancesByTask(h.tasks[0].ID)
		if err != nil || len(instances) == 0 {
			return false
		}
		tiID = instances[0].ID
		return true
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.TransitionTaskInstance(context.Background(), tiID, types.InstanceDone, nil))

	// With an hour-long poll interval, only the published terminal event can
	// finish the controller this quickly.
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not wake on the terminal event")
	}

	wf, err := h.store.GetWorkflow(h.wf.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowDone, wf.Status)
}

func TestFailFast(t *testing.T) {
	h := newHarness(t, 2, 10)
	h.ctrl.cfg.FailFast = true
	ctx := context.Background()

	require.NoError(t, h.ctrl.bind(ctx))
	done, err := h.ctrl.cycle(ctx)
	require.NoError(t, err)
	require.False(t, done)

	// Make one task fatal on its only allowed attempt.
	tasks, err := h.store.ListTasksByWorkflow(h.wf.ID)
	require.NoError(t, err)
	target := tasks[0]
	target.MaxAttempts = 1
	require.NoError(t, h.store.UpdateTask(target))
	instances, err := h.store.ListTaskInstancesByTask(target.ID)
	require.NoError(t, err)
	require.NotEmpty(t, instances)
	require.NoError(t, h.svc.TransitionTaskInstance(ctx, instances[0].ID, types.InstanceError, nil))

	done, err = h.ctrl.cycle(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	run, err := h.store.GetWorkflowRun(h.run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowRunError, run.Status)
}
