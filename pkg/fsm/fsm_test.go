package fsm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobmon-hpc/jobmon/pkg/metrics"
	"github.com/jobmon-hpc/jobmon/pkg/scaling"
	"github.com/jobmon-hpc/jobmon/pkg/storage"
	"github.com/jobmon-hpc/jobmon/pkg/types"
)

var testQueues = map[string]types.Queue{
	"all.q":   {Name: "all.q", MaxCores: 128, MaxMemoryGiB: 64, MaxRuntimeSeconds: 604800},
	"short.q": {Name: "short.q", MaxRuntimeSeconds: 3600},
}

type fixture struct {
	store *storage.MemoryStore
	svc   *Service
	wf    *types.Workflow
	run   *types.WorkflowRun
	tasks map[string]*types.Task
	nodes map[string]*types.Node
}

// newFixture builds a workflow whose DAG is given as task name -> upstream
// task names. Tasks with no upstreams start queued, the rest registering.
func newFixture(t *testing.T, upstreams map[string][]string) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()

	tool, _, err := store.GetOrCreateTool("fixture_tool")
	require.NoError(t, err)
	tv, err := store.CreateToolVersion(tool.ID)
	require.NoError(t, err)
	tmpl, _, err := store.GetOrCreateTaskTemplate(tv.ID, "fixture_template")
	require.NoError(t, err)
	ttv, _, err := store.GetOrCreateTaskTemplateVersion(tmpl.ID, "echo {arg}", "0011223344556677")
	require.NoError(t, err)
	dag, _, err := store.GetOrCreateDag("8899aabbccddeeff")
	require.NoError(t, err)

	nodes := make(map[string]*types.Node)
	for name := range upstreams {
		n, _, err := store.GetOrCreateNode(ttv.ID, name)
		require.NoError(t, err)
		nodes[name] = n
	}

	downstreams := make(map[string][]string)
	for name, ups := range upstreams {
		for _, up := range ups {
			downstreams[up] = append(downstreams[up], name)
		}
	}
	var edges []*types.Edge
	for name := range upstreams {
		edges = append(edges, &types.Edge{
			DagID:           dag.ID,
			NodeID:          nodes[name].ID,
			UpstreamNodes:   nodeIDJSON(t, nodes, upstreams[name]),
			DownstreamNodes: nodeIDJSON(t, nodes, downstreams[name]),
		})
	}
	require.NoError(t, store.BulkInsertEdges(edges))

	wf, _, err := store.GetOrCreateWorkflow(&types.Workflow{
		ToolVersionID:          tv.ID,
		DagID:                  dag.ID,
		Name:                   "fixture_workflow",
		Hash:                   "ffeeddccbbaa9988",
		MaxConcurrentlyRunning: 10,
		Status:                 types.WorkflowQueued,
	})
	require.NoError(t, err)

	arr, _, err := store.GetOrCreateArray(&types.Array{
		WorkflowID:             wf.ID,
		TaskTemplateVersionID:  ttv.ID,
		Name:                   "fixture_array",
		MaxConcurrentlyRunning: 10,
	})
	require.NoError(t, err)

	var taskRows []*types.Task
	for name := range upstreams {
		status := types.TaskRegistering
		if len(upstreams[name]) == 0 {
			status = types.TaskQueued
		}
		res, err := json.Marshal(types.ComputeResources{Queue: "all.q", Cores: 1, MemoryGiB: 4, RuntimeSeconds: 3600})
		require.NoError(t, err)
		taskRows = append(taskRows, &types.Task{
			WorkflowID:  wf.ID,
			NodeID:      nodes[name].ID,
			ArrayID:     arr.ID,
			Name:        name,
			Command:     "echo " + name,
			MaxAttempts: 3,
			Status:      status,
			Resources:   string(res),
		})
	}
	require.NoError(t, store.BulkInsertTasks(taskRows))

	tasks := make(map[string]*types.Task)
	all, err := store.ListTasksByWorkflow(wf.ID)
	require.NoError(t, err)
	for _, task := range all {
		tasks[task.Name] = task
	}

	run := &types.WorkflowRun{
		WorkflowID: wf.ID,
		User:       "tester",
		Status:     types.WorkflowRunRunning,
	}
	require.NoError(t, store.CreateWorkflowRun(run))

	return &fixture{
		store: store,
		svc:   New(store, nil, testQueues),
		wf:    wf,
		run:   run,
		tasks: tasks,
		nodes: nodes,
	}
}

func nodeIDJSON(t *testing.T, nodes map[string]*types.Node, names []string) string {
	t.Helper()
	ids := []int64{}
	for _, n := range names {
		ids = append(ids, nodes[n].ID)
	}
	data, err := json.Marshal(ids)
	require.NoError(t, err)
	return string(data)
}

// newInstance creates a queued instance for the task and bumps the attempt
// counter, mirroring the coordinator's queue-batch bookkeeping.
func (f *fixture) newInstance(t *testing.T, name string) *types.TaskInstance {
	t.Helper()
	task, err := f.store.GetTask(f.tasks[name].ID)
	require.NoError(t, err)
	task.NumAttempts++
	require.NoError(t, f.store.UpdateTask(task))

	ti := &types.TaskInstance{
		TaskID:        task.ID,
		WorkflowRunID: f.run.ID,
		ArrayID:       task.ArrayID,
		AttemptNumber: task.NumAttempts,
		Status:        types.InstanceQueued,
	}
	require.NoError(t, f.store.CreateTaskInstance(ti))
	return ti
}

func (f *fixture) instanceTo(t *testing.T, ti *types.TaskInstance, path ...types.TaskInstanceStatus) {
	t.Helper()
	for _, target := range path {
		require.NoError(t, f.svc.TransitionTaskInstance(context.Background(), ti.ID, target, nil))
	}
}

func (f *fixture) taskStatus(t *testing.T, name string) types.TaskStatus {
	t.Helper()
	task, err := f.store.GetTask(f.tasks[name].ID)
	require.NoError(t, err)
	return task.Status
}

func TestLinearChainCascade(t *testing.T) {
	f := newFixture(t, map[string][]string{
		"a": {},
		"b": {"a"},
		"c": {"b"},
	})
	ctx := context.Background()

	ti := f.newInstance(t, "a")
	f.instanceTo(t, ti,
		types.InstanceInstantiated, types.InstanceLaunched, types.InstanceRunning)

	// The downstream trigger fires in the same call as a's done transition.
	require.NoError(t, f.svc.TransitionTaskInstance(ctx, ti.ID, types.InstanceDone, nil))
	assert.Equal(t, types.TaskDone, f.taskStatus(t, "a"))
	assert.Equal(t, types.TaskQueued, f.taskStatus(t, "b"))
	assert.Equal(t, types.TaskRegistering, f.taskStatus(t, "c"))

	ti = f.newInstance(t, "b")
	f.instanceTo(t, ti,
		types.InstanceInstantiated, types.InstanceLaunched, types.InstanceRunning, types.InstanceDone)
	assert.Equal(t, types.TaskQueued, f.taskStatus(t, "c"))

	ti = f.newInstance(t, "c")
	f.instanceTo(t, ti,
		types.InstanceInstantiated, types.InstanceLaunched, types.InstanceRunning, types.InstanceDone)

	wf, err := f.store.GetWorkflow(f.wf.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowDone, wf.Status)
}

func TestMemoryRetryLadder(t *testing.T) {
	f := newFixture(t, map[string][]string{"solo": {}})
	ctx := context.Background()

	fail := &TransitionContext{FailureClass: scaling.MemoryExceeded, ErrorMessage: "oom killed"}

	// Two memory failures, success on the third attempt.
	ti := f.newInstance(t, "solo")
	f.instanceTo(t, ti, types.InstanceInstantiated, types.InstanceLaunched, types.InstanceRunning)
	require.NoError(t, f.svc.TransitionTaskInstance(ctx, ti.ID, types.InstanceResourceError, fail))

	task, err := f.store.GetTask(f.tasks["solo"].ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, task.Status)
	res, err := task.ComputeResources()
	require.NoError(t, err)
	assert.Equal(t, 6.0, res.MemoryGiB)

	ti = f.newInstance(t, "solo")
	f.instanceTo(t, ti, types.InstanceInstantiated, types.InstanceLaunched, types.InstanceRunning)
	require.NoError(t, f.svc.TransitionTaskInstance(ctx, ti.ID, types.InstanceResourceError, fail))

	task, err = f.store.GetTask(task.ID)
	require.NoError(t, err)
	res, err = task.ComputeResources()
	require.NoError(t, err)
	assert.Equal(t, 9.0, res.MemoryGiB)

	ti = f.newInstance(t, "solo")
	f.instanceTo(t, ti,
		types.InstanceInstantiated, types.InstanceLaunched, types.InstanceRunning, types.InstanceDone)

	task, err = f.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskDone, task.Status)
	assert.Equal(t, 3, task.NumAttempts)
}

func TestAttemptBudgetExhaustion(t *testing.T) {
	f := newFixture(t, map[string][]string{"solo": {}})
	ctx := context.Background()

	task := f.tasks["solo"]
	task.MaxAttempts = 1
	require.NoError(t, f.store.UpdateTask(task))

	ti := f.newInstance(t, "solo")
	f.instanceTo(t, ti, types.InstanceInstantiated, types.InstanceLaunched, types.InstanceRunning)
	require.NoError(t, f.svc.TransitionTaskInstance(ctx, ti.ID, types.InstanceError,
		&TransitionContext{ErrorMessage: "segfault"}))

	assert.Equal(t, types.TaskErrorFatal, f.taskStatus(t, "solo"))

	wf, err := f.store.GetWorkflow(f.wf.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowFailed, wf.Status)

	logs, err := f.store.ListTaskInstanceErrors(ti.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "segfault", logs[0].Description)
}

func TestNoFitFreezesTask(t *testing.T) {
	f := newFixture(t, map[string][]string{"solo": {}})
	ctx := context.Background()

	task := f.tasks["solo"]
	require.NoError(t, task.SetComputeResources(types.ComputeResources{
		Queue: "short.q", Cores: 1, RuntimeSeconds: 3000,
	}))
	require.NoError(t, f.store.UpdateTask(task))

	ti := f.newInstance(t, "solo")
	f.instanceTo(t, ti, types.InstanceInstantiated, types.InstanceLaunched, types.InstanceRunning)
	require.NoError(t, f.svc.TransitionTaskInstance(ctx, ti.ID, types.InstanceResourceError,
		&TransitionContext{FailureClass: scaling.RuntimeExceeded}))

	// 3000 * 1.5 exceeds short.q and no fallback queues exist.
	assert.Equal(t, types.TaskErrorFatal, f.taskStatus(t, "solo"))

	logs, err := f.store.ListTaskInstanceErrors(ti.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Description, "no_fit")
}

func TestIllegalTransitionsRefused(t *testing.T) {
	f := newFixture(t, map[string][]string{"solo": {}})
	ctx := context.Background()

	ti := f.newInstance(t, "solo")
	err := f.svc.TransitionTaskInstance(ctx, ti.ID, types.InstanceRunning, nil)
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))

	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "Q", ite.From)
	assert.Equal(t, "R", ite.To)

	got, err := f.store.GetTaskInstance(ti.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceQueued, got.Status)
}

func TestDoneTaskIsFrozen(t *testing.T) {
	f := newFixture(t, map[string][]string{"solo": {}})
	ctx := context.Background()

	ti := f.newInstance(t, "solo")
	f.instanceTo(t, ti,
		types.InstanceInstantiated, types.InstanceLaunched, types.InstanceRunning, types.InstanceDone)
	require.Equal(t, types.TaskDone, f.taskStatus(t, "solo"))

	err := f.svc.TransitionTask(ctx, f.tasks["solo"].ID, types.TaskQueued)
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))
}

func TestRepeatedStatusIsNoOp(t *testing.T) {
	f := newFixture(t, map[string][]string{"solo": {}})
	ctx := context.Background()

	ti := f.newInstance(t, "solo")
	f.instanceTo(t, ti,
		types.InstanceInstantiated, types.InstanceLaunched, types.InstanceRunning, types.InstanceDone)

	// A redelivered done report must not fail or re-cascade.
	require.NoError(t, f.svc.TransitionTaskInstance(ctx, ti.ID, types.InstanceDone, nil))
}

func TestColdResume(t *testing.T) {
	f := newFixture(t, map[string][]string{
		"done_task":    {},
		"running_task": {},
	})
	ctx := context.Background()

	ti := f.newInstance(t, "done_task")
	f.instanceTo(t, ti,
		types.InstanceInstantiated, types.InstanceLaunched, types.InstanceRunning, types.InstanceDone)

	running := f.newInstance(t, "running_task")
	f.instanceTo(t, running,
		types.InstanceInstantiated, types.InstanceLaunched, types.InstanceRunning)
	require.Equal(t, types.TaskRunning, f.taskStatus(t, "running_task"))

	require.NoError(t, f.svc.SetResume(ctx, f.wf.ID, ResumeCold))

	run, err := f.store.GetWorkflowRun(f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowRunColdResume, run.Status)

	got, err := f.store.GetTaskInstance(running.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceErrorFatal, got.Status)

	assert.Equal(t, types.TaskDone, f.taskStatus(t, "done_task"))
	reset, err := f.store.GetTask(f.tasks["running_task"].ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskRegistering, reset.Status)
	assert.Equal(t, 0, reset.NumAttempts)

	wf, err := f.store.GetWorkflow(f.wf.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowQueued, wf.Status)
}

func TestHotResumePreservesInFlight(t *testing.T) {
	f := newFixture(t, map[string][]string{"solo": {}})
	ctx := context.Background()

	ti := f.newInstance(t, "solo")
	f.instanceTo(t, ti,
		types.InstanceInstantiated, types.InstanceLaunched, types.InstanceRunning)

	require.NoError(t, f.svc.SetResume(ctx, f.wf.ID, ResumeHot))

	run, err := f.store.GetWorkflowRun(f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowRunHalted, run.Status)

	got, err := f.store.GetTaskInstance(ti.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, got.Status)

	// In-flight tasks keep their status under a hot resume.
	assert.Equal(t, types.TaskRunning, f.taskStatus(t, "solo"))
}

func TestTransitionArrayBatch(t *testing.T) {
	f := newFixture(t, map[string][]string{
		"one": {},
		"two": {},
	})
	ctx := context.Background()

	a := f.newInstance(t, "one")
	b := f.newInstance(t, "two")
	f.instanceTo(t, b, types.InstanceInstantiated)

	n, err := f.svc.TransitionArrayBatch(ctx, f.tasks["one"].ArrayID, types.InstanceKillSelf,
		[]types.TaskInstanceStatus{types.InstanceQueued})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetTaskInstance(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceKillSelf, got.Status)

	got, err = f.store.GetTaskInstance(b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceInstantiated, got.Status)
}

func TestDiamondJoinWaitsForAllUpstreams(t *testing.T) {
	f := newFixture(t, map[string][]string{
		"left":  {},
		"right": {},
		"join":  {"left", "right"},
	})

	ti := f.newInstance(t, "left")
	f.instanceTo(t, ti,
		types.InstanceInstantiated, types.InstanceLaunched, types.InstanceRunning, types.InstanceDone)

	// One of two upstreams done: the join must not queue yet.
	assert.Equal(t, types.TaskRegistering, f.taskStatus(t, "join"))

	ti = f.newInstance(t, "right")
	f.instanceTo(t, ti,
		types.InstanceInstantiated, types.InstanceLaunched, types.InstanceRunning, types.InstanceDone)

	assert.Equal(t, types.TaskQueued, f.taskStatus(t, "join"))
}

func TestStatusGaugesTrackPopulation(t *testing.T) {
	f := newFixture(t, map[string][]string{"a": {}})

	queuedBefore := testutil.ToFloat64(metrics.TasksTotal.WithLabelValues(string(types.TaskQueued)))
	doneBefore := testutil.ToFloat64(metrics.TasksTotal.WithLabelValues(string(types.TaskDone)))
	wfDoneBefore := testutil.ToFloat64(metrics.WorkflowsTotal.WithLabelValues(string(types.WorkflowDone)))

	ti := f.newInstance(t, "a")
	f.instanceTo(t, ti,
		types.InstanceInstantiated, types.InstanceLaunched, types.InstanceRunning, types.InstanceDone)

	// The task left the queued bucket and landed in done; the roll-up moved
	// the workflow into done as well.
	assert.Equal(t, queuedBefore-1,
		testutil.ToFloat64(metrics.TasksTotal.WithLabelValues(string(types.TaskQueued))))
	assert.Equal(t, doneBefore+1,
		testutil.ToFloat64(metrics.TasksTotal.WithLabelValues(string(types.TaskDone))))
	assert.Equal(t, wfDoneBefore+1,
		testutil.ToFloat64(metrics.WorkflowsTotal.WithLabelValues(string(types.WorkflowDone))))
}
