package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobmon-hpc/jobmon/pkg/fsm"
	"github.com/jobmon-hpc/jobmon/pkg/scaling"
	"github.com/jobmon-hpc/jobmon/pkg/storage"
	"github.com/jobmon-hpc/jobmon/pkg/types"
)

type harness struct {
	store *storage.MemoryStore
	coord *Coordinator
	wf    *types.Workflow
	run   *types.WorkflowRun
	arr   *types.Array
	tasks []*types.Task
}

func newHarness(t *testing.T, taskCount int) *harness {
	t.Helper()
	store := storage.NewMemoryStore()

	tool, _, err := store.GetOrCreateTool("coord_tool")
	require.NoError(t, err)
	tv, err := store.CreateToolVersion(tool.ID)
	require.NoError(t, err)
	tmpl, _, err := store.GetOrCreateTaskTemplate(tv.ID, "coord_template")
	require.NoError(t, err)
	ttv, _, err := store.GetOrCreateTaskTemplateVersion(tmpl.ID, "run {arg}", "aaaa111122223333")
	require.NoError(t, err)
	dag, _, err := store.GetOrCreateDag("bbbb444455556666")
	require.NoError(t, err)

	wf, _, err := store.GetOrCreateWorkflow(&types.Workflow{
		ToolVersionID:          tv.ID,
		DagID:                  dag.ID,
		Name:                   "coord_workflow",
		Hash:                   "cccc777788889999",
		MaxConcurrentlyRunning: 10,
		Status:                 types.WorkflowQueued,
	})
	require.NoError(t, err)

	arr, _, err := store.GetOrCreateArray(&types.Array{
		WorkflowID:             wf.ID,
		TaskTemplateVersionID:  ttv.ID,
		Name:                   "coord_array",
		MaxConcurrentlyRunning: 10,
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
			Command:     "run " + string(rune('a'+i)),
			MaxAttempts: 3,
			Status:      types.TaskQueued,
		})
	}
	require.NoError(t, store.BulkInsertTasks(rows))
	tasks, err := store.ListTasksByWorkflow(wf.ID)
	require.NoError(t, err)

	run := &types.WorkflowRun{WorkflowID: wf.ID, User: "tester", Status: types.WorkflowRunRunning}
	require.NoError(t, store.CreateWorkflowRun(run))

	svc := fsm.New(store, nil, map[string]types.Queue{"all.q": {Name: "all.q"}})
	return &harness{
		store: store,
		coord: New(store, svc, 0),
		wf:    wf,
		run:   run,
		arr:   arr,
		tasks: tasks,
	}
}

func (h *harness) taskIDs() []int64 {
	ids := make([]int64, len(h.tasks))
	for i, task := range h.tasks {
		ids[i] = task.ID
	}
	return ids
}

func TestQueueTaskBatch(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	batch, err := h.coord.QueueTaskBatch(ctx, h.arr.ID, "batch-1", h.run.ID, h.taskIDs())
	require.NoError(t, err)
	require.Len(t, batch.Instances, 3)

	for _, inst := range batch.Instances {
		ti, err := h.store.GetTaskInstance(inst.TaskInstanceID)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceInstantiated, ti.Status)
		assert.Equal(t, 1, ti.AttemptNumber)

		task, err := h.store.GetTask(inst.TaskID)
		require.NoError(t, err)
		assert.Equal(t, types.TaskInstantiating, task.Status)
		assert.Equal(t, 1, task.NumAttempts)
	}
}

func TestQueueTaskBatchIdempotent(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	first, err := h.coord.QueueTaskBatch(ctx, h.arr.ID, "batch-1", h.run.ID, h.taskIDs())
	require.NoError(t, err)
	require.Len(t, first.Instances, 2)

	// A redelivered batch key returns the same instances and creates none.
	second, err := h.coord.QueueTaskBatch(ctx, h.arr.ID, "batch-1", h.run.ID, h.taskIDs())
	require.NoError(t, err)
	assert.Equal(t, first.BatchID, second.BatchID)
	require.Len(t, second.Instances, 2)

	firstIDs := map[int64]bool{}
	for _, inst := range first.Instances {
		firstIDs[inst.TaskInstanceID] = true
	}
	for _, inst := range second.Instances {
		assert.True(t, firstIDs[inst.TaskInstanceID])
	}

	for _, task := range h.tasks {
		got, err := h.store.GetTask(task.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.NumAttempts)
	}
}

func TestStaleRunRejected(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	// A second controller supersedes the first run.
	require.NoError(t, h.store.Transact(ctx, func(tx storage.Store) error {
		run, err := tx.GetWorkflowRunForUpdate(h.run.ID)
		if err != nil {
			return err
		}
		run.Status = types.WorkflowRunHalted
		return tx.UpdateWorkflowRun(run)
	}))
	newRun := &types.WorkflowRun{WorkflowID: h.wf.ID, User: "tester", Status: types.WorkflowRunRunning}
	require.NoError(t, h.store.CreateWorkflowRun(newRun))

	_, err := h.coord.QueueTaskBatch(ctx, h.arr.ID, "batch-1", h.run.ID, h.taskIDs())
	assert.ErrorIs(t, err, storage.ErrWorkflowRunNotCurrent)

	// The new run proceeds.
	batch, err := h.coord.QueueTaskBatch(ctx, h.arr.ID, "batch-1", newRun.ID, h.taskIDs())
	require.NoError(t, err)
	assert.Len(t, batch.Instances, 1)
}

func TestLifecycleReports(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	batch, err := h.coord.QueueTaskBatch(ctx, h.arr.ID, "batch-1", h.run.ID, h.taskIDs())
	require.NoError(t, err)
	tiID := batch.Instances[0].TaskInstanceID

	require.NoError(t, h.coord.TransitionToLaunched(ctx, h.arr.ID, []int64{tiID}, "sched-42"))
	require.NoError(t, h.coord.LogDistributorID(ctx, tiID, "sched-42.7"))
	require.NoError(t, h.coord.LogRunning(ctx, tiID, "node017", 4242, "/tmp/out", "/tmp/err"))
	require.NoError(t, h.coord.Heartbeat(ctx, tiID))
	require.NoError(t, h.coord.LogDone(ctx, tiID, Usage{WallclockSeconds: 12, MaxRSS: 1 << 20}))

	ti, err := h.store.GetTaskInstance(tiID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceDone, ti.Status)
	assert.Equal(t, "sched-42", ti.DistributorBatchID)
	assert.Equal(t, "sched-42.7", ti.DistributorID)
	assert.Equal(t, "node017", ti.NodeName)
	assert.Equal(t, 4242, ti.ProcessGroupID)
	assert.Equal(t, int64(12), ti.WallclockSeconds)

	task, err := h.store.GetTask(batch.Instances[0].TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskDone, task.Status)

	// The submission batch row carries the scheduler's job-array id too.
	stamped, err := h.store.GetBatch(batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, "sched-42", stamped.DistributorBatchID)
}

func TestResourceErrorReport(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	task := h.tasks[0]
	require.NoError(t, task.SetComputeResources(types.ComputeResources{Queue: "all.q", MemoryGiB: 4}))
	require.NoError(t, h.store.UpdateTask(task))

	batch, err := h.coord.QueueTaskBatch(ctx, h.arr.ID, "batch-1", h.run.ID, h.taskIDs())
	require.NoError(t, err)
	tiID := batch.Instances[0].TaskInstanceID

	require.NoError(t, h.coord.TransitionToLaunched(ctx, h.arr.ID, []int64{tiID}, "sched-1"))
	require.NoError(t, h.coord.LogRunning(ctx, tiID, "node001", 1, "", ""))
	require.NoError(t, h.coord.LogResourceError(ctx, tiID, scaling.MemoryExceeded, "", Usage{}))

	got, err := h.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, got.Status)
	res, err := got.ComputeResources()
	require.NoError(t, err)
	assert.Equal(t, 6.0, res.MemoryGiB)

	logs, err := h.store.ListTaskInstanceErrors(tiID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Description, "memory_exceeded")
}