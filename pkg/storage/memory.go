package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jobmon-hpc/jobmon/pkg/types"
)

// MemoryStore is an in-memory Store used by unit tests and the sequential
// single-process deployment mode. A single mutex serializes transactions;
// Transact snapshots state so a failed transaction rolls back.
type MemoryStore struct {
	mu     sync.Mutex
	inTx   bool
	data   *memData
	nextID int64
}

type edgeKey struct {
	dagID  int64
	nodeID int64
}

type memData struct {
	tools         map[int64]types.Tool
	toolVersions  map[int64]types.ToolVersion
	templates     map[int64]types.TaskTemplate
	templateVers  map[int64]types.TaskTemplateVersion
	nodes         map[int64]types.Node
	dags          map[int64]types.Dag
	edges         map[edgeKey]types.Edge
	workflows     map[int64]types.Workflow
	workflowRuns  map[int64]types.WorkflowRun
	arrays        map[int64]types.Array
	tasks         map[int64]types.Task
	taskInstances map[int64]types.TaskInstance
	errorLogs     map[int64]types.TaskInstanceErrorLog
	batches       map[int64]types.Batch
	reaperLease   *types.ReaperLease
}

func newMemData() *memData {
	return &memData{
		tools:         make(map[int64]types.Tool),
		toolVersions:  make(map[int64]types.ToolVersion),
		templates:     make(map[int64]types.TaskTemplate),
		templateVers:  make(map[int64]types.TaskTemplateVersion),
		nodes:         make(map[int64]types.Node),
		dags:          make(map[int64]types.Dag),
		edges:         make(map[edgeKey]types.Edge),
		workflows:     make(map[int64]types.Workflow),
		workflowRuns:  make(map[int64]types.WorkflowRun),
		arrays:        make(map[int64]types.Array),
		tasks:         make(map[int64]types.Task),
		taskInstances: make(map[int64]types.TaskInstance),
		errorLogs:     make(map[int64]types.TaskInstanceErrorLog),
		batches:       make(map[int64]types.Batch),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.tools {
		c.tools[k] = v
	}
	for k, v := range d.toolVersions {
		c.toolVersions[k] = v
	}
	for k, v := range d.templates {
		c.templates[k] = v
	}
	for k, v := range d.templateVers {
		c.templateVers[k] = v
	}
	for k, v := range d.nodes {
		c.nodes[k] = v
	}
	for k, v := range d.dags {
		c.dags[k] = v
	}
	for k, v := range d.edges {
		c.edges[k] = v
	}
	for k, v := range d.workflows {
		c.workflows[k] = v
	}
	for k, v := range d.workflowRuns {
		c.workflowRuns[k] = v
	}
	for k, v := range d.arrays {
		c.arrays[k] = v
	}
	for k, v := range d.tasks {
		c.tasks[k] = v
	}
	for k, v := range d.taskInstances {
		c.taskInstances[k] = v
	}
	for k, v := range d.errorLogs {
		c.errorLogs[k] = v
	}
	for k, v := range d.batches {
		c.batches[k] = v
	}
	if d.reaperLease != nil {
		lease := *d.reaperLease
		c.reaperLease = &lease
	}
	return c
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// Transact runs fn under the store mutex, restoring the pre-transaction
// snapshot if fn fails.
func (s *MemoryStore) Transact(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := s.data.clone()
	tx := &MemoryStore{inTx: true, data: s.data, nextID: s.nextID}
	if err := fn(tx); err != nil {
		s.data = snapshot
		return err
	}
	s.nextID = tx.nextID
	return nil
}

// Now returns wall-clock time; the memory store is its own clock authority.
func (s *MemoryStore) Now() time.Time {
	return time.Now()
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// --- Definitions ---

func (s *MemoryStore) GetOrCreateTool(name string) (*types.Tool, bool, error) {
	defer s.lock()()
	for _, t := range s.data.tools {
		if t.Name == name {
			out := t
			return &out, false, nil
		}
	}
	t := types.Tool{ID: s.id(), Name: name, CreatedAt: time.Now()}
	s.data.tools[t.ID] = t
	out := t
	return &out, true, nil
}

func (s *MemoryStore) CreateToolVersion(toolID int64) (*types.ToolVersion, error) {
	defer s.lock()()
	if _, ok := s.data.tools[toolID]; !ok {
		return nil, ErrNotFound
	}
	tv := types.ToolVersion{ID: s.id(), ToolID: toolID, CreatedAt: time.Now()}
	s.data.toolVersions[tv.ID] = tv
	out := tv
	return &out, nil
}

func (s *MemoryStore) GetToolVersion(id int64) (*types.ToolVersion, error) {
	defer s.lock()()
	tv, ok := s.data.toolVersions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := tv
	return &out, nil
}

func (s *MemoryStore) LatestToolVersion(toolID int64) (*types.ToolVersion, error) {
	defer s.lock()()
	var latest *types.ToolVersion
	for _, tv := range s.data.toolVersions {
		if tv.ToolID != toolID {
			continue
		}
		if latest == nil || tv.ID > latest.ID {
			v := tv
			latest = &v
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (s *MemoryStore) GetOrCreateTaskTemplate(toolVersionID int64, name string) (*types.TaskTemplate, bool, error) {
	defer s.lock()()
	for _, tt := range s.data.templates {
		if tt.ToolVersionID == toolVersionID && tt.Name == name {
			out := tt
			return &out, false, nil
		}
	}
	tt := types.TaskTemplate{ID: s.id(), ToolVersionID: toolVersionID, Name: name, CreatedAt: time.Now()}
	s.data.templates[tt.ID] = tt
	out := tt
	return &out, true, nil
}

func (s *MemoryStore) GetOrCreateTaskTemplateVersion(taskTemplateID int64, commandTemplate, hash string) (*types.TaskTemplateVersion, bool, error) {
	defer s.lock()()
	for _, ttv := range s.data.templateVers {
		if ttv.TaskTemplateID == taskTemplateID && ttv.Hash == hash {
			out := ttv
			return &out, false, nil
		}
	}
	ttv := types.TaskTemplateVersion{
		ID:              s.id(),
		TaskTemplateID:  taskTemplateID,
		CommandTemplate: commandTemplate,
		Hash:            hash,
		CreatedAt:       time.Now(),
	}
	s.data.templateVers[ttv.ID] = ttv
	out := ttv
	return &out, true, nil
}

func (s *MemoryStore) GetTaskTemplateVersion(id int64) (*types.TaskTemplateVersion, error) {
	defer s.lock()()
	ttv, ok := s.data.templateVers[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := ttv
	return &out, nil
}

func (s *MemoryStore) GetOrCreateNode(taskTemplateVersionID int64, nodeArgsHash string) (*types.Node, bool, error) {
	defer s.lock()()
	for _, n := range s.data.nodes {
		if n.TaskTemplateVersionID == taskTemplateVersionID && n.NodeArgsHash == nodeArgsHash {
			out := n
			return &out, false, nil
		}
	}
	n := types.Node{
		ID:                    s.id(),
		TaskTemplateVersionID: taskTemplateVersionID,
		NodeArgsHash:          nodeArgsHash,
		CreatedAt:             time.Now(),
	}
	s.data.nodes[n.ID] = n
	out := n
	return &out, true, nil
}

func (s *MemoryStore) GetNode(id int64) (*types.Node, error) {
	defer s.lock()()
	n, ok := s.data.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := n
	return &out, nil
}

func (s *MemoryStore) GetOrCreateDag(hash string) (*types.Dag, bool, error) {
	defer s.lock()()
	for _, d := range s.data.dags {
		if d.Hash == hash {
			out := d
			return &out, false, nil
		}
	}
	d := types.Dag{ID: s.id(), Hash: hash, CreatedAt: time.Now()}
	s.data.dags[d.ID] = d
	out := d
	return &out, true, nil
}

func (s *MemoryStore) BulkInsertEdges(edges []*types.Edge) error {
	defer s.lock()()
	for _, e := range edges {
		s.data.edges[edgeKey{e.DagID, e.NodeID}] = *e
	}
	return nil
}

func (s *MemoryStore) GetEdge(dagID, nodeID int64) (*types.Edge, error) {
	defer s.lock()()
	e, ok := s.data.edges[edgeKey{dagID, nodeID}]
	if !ok {
		return nil, ErrNotFound
	}
	out := e
	return &out, nil
}

func (s *MemoryStore) ListEdges(dagID int64) ([]*types.Edge, error) {
	defer s.lock()()
	var edges []*types.Edge
	for k, e := range s.data.edges {
		if k.dagID == dagID {
			out := e
			edges = append(edges, &out)
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].NodeID < edges[j].NodeID })
	return edges, nil
}

// --- Workflows ---

func (s *MemoryStore) GetOrCreateWorkflow(wf *types.Workflow) (*types.Workflow, bool, error) {
	defer s.lock()()
	for _, w := range s.data.workflows {
		if w.Hash == wf.Hash {
			out := w
			return &out, false, nil
		}
	}
	w := *wf
	w.ID = s.id()
	w.CreatedAt = time.Now()
	if w.Status == "" {
		w.Status = types.WorkflowRegistering
	}
	w.StatusDate = time.Now()
	s.data.workflows[w.ID] = w
	out := w
	return &out, true, nil
}

func (s *MemoryStore) GetWorkflow(id int64) (*types.Workflow, error) {
	defer s.lock()()
	w, ok := s.data.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := w
	return &out, nil
}

func (s *MemoryStore) GetWorkflowForUpdate(id int64) (*types.Workflow, error) {
	return s.GetWorkflow(id)
}

func (s *MemoryStore) UpdateWorkflow(wf *types.Workflow) error {
	defer s.lock()()
	if _, ok := s.data.workflows[wf.ID]; !ok {
		return ErrNotFound
	}
	s.data.workflows[wf.ID] = *wf
	return nil
}

func (s *MemoryStore) ListOrphanWorkflows() ([]*types.Workflow, error) {
	defer s.lock()()
	var out []*types.Workflow
	for _, w := range s.data.workflows {
		if w.Status.Terminal() {
			continue
		}
		hasCurrent := false
		for _, run := range s.data.workflowRuns {
			if run.WorkflowID == w.ID && run.Status.Current() {
				hasCurrent = true
				break
			}
		}
		if hasCurrent {
			continue
		}
		hasOpenTask := false
		for _, task := range s.data.tasks {
			if task.WorkflowID == w.ID && !task.Status.Terminal() {
				hasOpenTask = true
				break
			}
		}
		if hasOpenTask {
			wf := w
			out = append(out, &wf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Workflow runs ---

func (s *MemoryStore) CreateWorkflowRun(run *types.WorkflowRun) error {
	defer s.lock()()
	if run.Status.Current() {
		for _, existing := range s.data.workflowRuns {
			if existing.WorkflowID == run.WorkflowID && existing.Status.Current() {
				return &ConflictError{Entity: "workflow_run", Reason: "workflow already has a current run"}
			}
		}
	}
	run.ID = s.id()
	run.CreatedAt = time.Now()
	run.StatusDate = time.Now()
	s.data.workflowRuns[run.ID] = *run
	return nil
}

func (s *MemoryStore) GetWorkflowRun(id int64) (*types.WorkflowRun, error) {
	defer s.lock()()
	run, ok := s.data.workflowRuns[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := run
	return &out, nil
}

func (s *MemoryStore) GetWorkflowRunForUpdate(id int64) (*types.WorkflowRun, error) {
	return s.GetWorkflowRun(id)
}

func (s *MemoryStore) UpdateWorkflowRun(run *types.WorkflowRun) error {
	defer s.lock()()
	if _, ok := s.data.workflowRuns[run.ID]; !ok {
		return ErrNotFound
	}
	s.data.workflowRuns[run.ID] = *run
	return nil
}

func (s *MemoryStore) CurrentWorkflowRun(workflowID int64) (*types.WorkflowRun, error) {
	defer s.lock()()
	for _, run := range s.data.workflowRuns {
		if run.WorkflowID == workflowID && run.Status.Current() {
			out := run
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListWorkflowRuns(workflowID int64) ([]*types.WorkflowRun, error) {
	defer s.lock()()
	var out []*types.WorkflowRun
	for _, run := range s.data.workflowRuns {
		if run.WorkflowID == workflowID {
			r := run
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListStaleWorkflowRuns(asOf time.Time) ([]*types.WorkflowRun, error) {
	defer s.lock()()
	var out []*types.WorkflowRun
	for _, run := range s.data.workflowRuns {
		if !run.Status.Terminal() && run.Status != types.WorkflowRunColdResume &&
			!run.ReportByDate.IsZero() && run.ReportByDate.Before(asOf) {
			r := run
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) LogWorkflowRunHeartbeat(id int64, heartbeat, reportBy time.Time) error {
	defer s.lock()()
	run, ok := s.data.workflowRuns[id]
	if !ok {
		return ErrNotFound
	}
	if heartbeat.After(run.HeartbeatDate) {
		run.HeartbeatDate = heartbeat
	}
	if reportBy.After(run.ReportByDate) {
		run.ReportByDate = reportBy
	}
	s.data.workflowRuns[id] = run
	return nil
}

// --- Arrays ---

func (s *MemoryStore) GetOrCreateArray(arr *types.Array) (*types.Array, bool, error) {
	defer s.lock()()
	for _, a := range s.data.arrays {
		if a.WorkflowID == arr.WorkflowID && a.TaskTemplateVersionID == arr.TaskTemplateVersionID {
			out := a
			return &out, false, nil
		}
	}
	a := *arr
	a.ID = s.id()
	a.CreatedAt = time.Now()
	s.data.arrays[a.ID] = a
	out := a
	return &out, true, nil
}

func (s *MemoryStore) GetArray(id int64) (*types.Array, error) {
	defer s.lock()()
	a, ok := s.data.arrays[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := a
	return &out, nil
}

func (s *MemoryStore) UpdateArray(arr *types.Array) error {
	defer s.lock()()
	if _, ok := s.data.arrays[arr.ID]; !ok {
		return ErrNotFound
	}
	s.data.arrays[arr.ID] = *arr
	return nil
}

func (s *MemoryStore) ListArraysByWorkflow(workflowID int64) ([]*types.Array, error) {
	defer s.lock()()
	var out []*types.Array
	for _, a := range s.data.arrays {
		if a.WorkflowID == workflowID {
			arr := a
			out = append(out, &arr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Tasks ---

func (s *MemoryStore) BulkInsertTasks(tasks []*types.Task) error {
	defer s.lock()()
	for _, task := range tasks {
		exists := false
		for _, existing := range s.data.tasks {
			if existing.WorkflowID == task.WorkflowID && existing.NodeID == task.NodeID {
				*task = existing
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		task.ID = s.id()
		task.CreatedAt = time.Now()
		task.StatusDate = time.Now()
		if task.Status == "" {
			task.Status = types.TaskRegistering
		}
		s.data.tasks[task.ID] = *task
	}
	return nil
}

func (s *MemoryStore) GetTask(id int64) (*types.Task, error) {
	defer s.lock()()
	task, ok := s.data.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := task
	return &out, nil
}

func (s *MemoryStore) GetTaskForUpdate(id int64) (*types.Task, error) {
	return s.GetTask(id)
}

func (s *MemoryStore) GetTaskByNode(workflowID, nodeID int64) (*types.Task, error) {
	defer s.lock()()
	for _, task := range s.data.tasks {
		if task.WorkflowID == workflowID && task.NodeID == nodeID {
			out := task
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateTask(task *types.Task) error {
	defer s.lock()()
	if _, ok := s.data.tasks[task.ID]; !ok {
		return ErrNotFound
	}
	s.data.tasks[task.ID] = *task
	return nil
}

func (s *MemoryStore) ListTasksByWorkflow(workflowID int64) ([]*types.Task, error) {
	defer s.lock()()
	var out []*types.Task
	for _, task := range s.data.tasks {
		if task.WorkflowID == workflowID {
			t := task
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListTasksByWorkflowAndStatus(workflowID int64, statuses ...types.TaskStatus) ([]*types.Task, error) {
	defer s.lock()()
	match := make(map[types.TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		match[st] = true
	}
	var out []*types.Task
	for _, task := range s.data.tasks {
		if task.WorkflowID == workflowID && match[task.Status] {
			t := task
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListTasksChangedSince(workflowID int64, since time.Time) ([]*types.Task, error) {
	defer s.lock()()
	var out []*types.Task
	for _, task := range s.data.tasks {
		if task.WorkflowID == workflowID && !task.StatusDate.Before(since) {
			t := task
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Task instances ---

func (s *MemoryStore) CreateTaskInstance(ti *types.TaskInstance) error {
	defer s.lock()()
	ti.ID = s.id()
	ti.CreatedAt = time.Now()
	ti.StatusDate = time.Now()
	if ti.Status == "" {
		ti.Status = types.InstanceQueued
	}
	s.data.taskInstances[ti.ID] = *ti
	return nil
}

func (s *MemoryStore) GetTaskInstance(id int64) (*types.TaskInstance, error) {
	defer s.lock()()
	ti, ok := s.data.taskInstances[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := ti
	return &out, nil
}

func (s *MemoryStore) GetTaskInstanceForUpdate(id int64) (*types.TaskInstance, error) {
	return s.GetTaskInstance(id)
}

func (s *MemoryStore) UpdateTaskInstance(ti *types.TaskInstance) error {
	defer s.lock()()
	if _, ok := s.data.taskInstances[ti.ID]; !ok {
		return ErrNotFound
	}
	s.data.taskInstances[ti.ID] = *ti
	return nil
}

func (s *MemoryStore) ListTaskInstancesByTask(taskID int64) ([]*types.TaskInstance, error) {
	defer s.lock()()
	var out []*types.TaskInstance
	for _, ti := range s.data.taskInstances {
		if ti.TaskID == taskID {
			inst := ti
			out = append(out, &inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListActiveTaskInstancesByWorkflow(workflowID int64) ([]*types.TaskInstance, error) {
	defer s.lock()()
	var out []*types.TaskInstance
	for _, ti := range s.data.taskInstances {
		if ti.Status.Terminal() {
			continue
		}
		task, ok := s.data.tasks[ti.TaskID]
		if !ok || task.WorkflowID != workflowID {
			continue
		}
		inst := ti
		out = append(out, &inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListStaleTaskInstances(asOf time.Time) ([]*types.TaskInstance, error) {
	defer s.lock()()
	var out []*types.TaskInstance
	for _, ti := range s.data.taskInstances {
		switch ti.Status {
		case types.InstanceQueued, types.InstanceInstantiated, types.InstanceLaunched, types.InstanceRunning:
			if !ti.ReportByDate.IsZero() && ti.ReportByDate.Before(asOf) {
				inst := ti
				out = append(out, &inst)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) LogTaskInstanceHeartbeat(id int64, reportBy time.Time) error {
	defer s.lock()()
	ti, ok := s.data.taskInstances[id]
	if !ok {
		return ErrNotFound
	}
	if reportBy.After(ti.ReportByDate) {
		ti.ReportByDate = reportBy
	}
	s.data.taskInstances[id] = ti
	return nil
}

func (s *MemoryStore) AppendTaskInstanceError(entry *types.TaskInstanceErrorLog) error {
	defer s.lock()()
	entry.ID = s.id()
	if entry.ErrorTime.IsZero() {
		entry.ErrorTime = time.Now()
	}
	s.data.errorLogs[entry.ID] = *entry
	return nil
}

func (s *MemoryStore) ListTaskInstanceErrors(taskInstanceID int64) ([]*types.TaskInstanceErrorLog, error) {
	defer s.lock()()
	var out []*types.TaskInstanceErrorLog
	for _, entry := range s.data.errorLogs {
		if entry.TaskInstanceID == taskInstanceID {
			e := entry
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Batches ---

func (s *MemoryStore) GetOrCreateBatch(b *types.Batch) (*types.Batch, bool, error) {
	defer s.lock()()
	for _, existing := range s.data.batches {
		if existing.ArrayID == b.ArrayID && existing.BatchKey == b.BatchKey {
			out := existing
			return &out, false, nil
		}
	}
	batch := *b
	batch.ID = s.id()
	batch.CreatedAt = time.Now()
	s.data.batches[batch.ID] = batch
	out := batch
	return &out, true, nil
}

func (s *MemoryStore) GetBatch(id int64) (*types.Batch, error) {
	defer s.lock()()
	batch, ok := s.data.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := batch
	return &out, nil
}

func (s *MemoryStore) UpdateBatch(b *types.Batch) error {
	defer s.lock()()
	if _, ok := s.data.batches[b.ID]; !ok {
		return ErrNotFound
	}
	s.data.batches[b.ID] = *b
	return nil
}

// --- Reaper lease ---

func (s *MemoryStore) AcquireReaperLease(owner string, ttl time.Duration) (bool, error) {
	defer s.lock()()
	now := time.Now()
	lease := s.data.reaperLease
	if lease == nil || lease.Owner == owner || lease.ExpiresAt.Before(now) {
		s.data.reaperLease = &types.ReaperLease{ID: 1, Owner: owner, ExpiresAt: now.Add(ttl)}
		return true, nil
	}
	return false, nil
}
