package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jobmon-hpc/jobmon/pkg/types"
)

// PostgresStore implements Store on a postgres schema through gorm.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore connects to the database and configures the pool.
// Migrations are applied separately, before service startup.
func NewPostgresStore(uri string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(uri), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return &PostgresStore{db: db}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Now returns the database server's clock; the DB is the clock authority
// for heartbeats.
func (s *PostgresStore) Now() time.Time {
	var now time.Time
	if err := s.db.Raw("SELECT now()").Scan(&now).Error; err != nil {
		return time.Now()
	}
	return now
}

// Transact runs fn in one database transaction.
func (s *PostgresStore) Transact(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&PostgresStore{db: tx})
	})
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// getOrCreate inserts value, recovering a unique-constraint violation by
// re-selecting the winner through find.
func getOrCreate(db *gorm.DB, value interface{}, find func() error) (bool, error) {
	err := db.Create(value).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		if err := find(); err != nil {
			return false, translate(err)
		}
		return false, nil
	}
	return false, err
}

// --- Definitions ---

func (s *PostgresStore) GetOrCreateTool(name string) (*types.Tool, bool, error) {
	tool := &types.Tool{Name: name}
	created, err := getOrCreate(s.db, tool, func() error {
		return s.db.Where("name = ?", name).First(tool).Error
	})
	if err != nil {
		return nil, false, err
	}
	return tool, created, nil
}

func (s *PostgresStore) CreateToolVersion(toolID int64) (*types.ToolVersion, error) {
	tv := &types.ToolVersion{ToolID: toolID}
	if err := s.db.Create(tv).Error; err != nil {
		return nil, err
	}
	return tv, nil
}

func (s *PostgresStore) GetToolVersion(id int64) (*types.ToolVersion, error) {
	var tv types.ToolVersion
	if err := s.db.First(&tv, id).Error; err != nil {
		return nil, translate(err)
	}
	return &tv, nil
}

func (s *PostgresStore) LatestToolVersion(toolID int64) (*types.ToolVersion, error) {
	var tv types.ToolVersion
	err := s.db.Where("tool_id = ?", toolID).Order("id DESC").First(&tv).Error
	if err != nil {
		return nil, translate(err)
	}
	return &tv, nil
}

func (s *PostgresStore) GetOrCreateTaskTemplate(toolVersionID int64, name string) (*types.TaskTemplate, bool, error) {
	tt := &types.TaskTemplate{ToolVersionID: toolVersionID, Name: name}
	created, err := getOrCreate(s.db, tt, func() error {
		return s.db.Where("tool_version_id = ? AND name = ?", toolVersionID, name).First(tt).Error
	})
	if err != nil {
		return nil, false, err
	}
	return tt, created, nil
}

func (s *PostgresStore) GetOrCreateTaskTemplateVersion(taskTemplateID int64, commandTemplate, hash string) (*types.TaskTemplateVersion, bool, error) {
	ttv := &types.TaskTemplateVersion{
		TaskTemplateID:  taskTemplateID,
		CommandTemplate: commandTemplate,
		Hash:            hash,
	}
	created, err := getOrCreate(s.db, ttv, func() error {
		return s.db.Where("task_template_id = ? AND hash = ?", taskTemplateID, hash).First(ttv).Error
	})
	if err != nil {
		return nil, false, err
	}
	return ttv, created, nil
}

func (s *PostgresStore) GetTaskTemplateVersion(id int64) (*types.TaskTemplateVersion, error) {
	var ttv types.TaskTemplateVersion
	if err := s.db.First(&ttv, id).Error; err != nil {
		return nil, translate(err)
	}
	return &ttv, nil
}

func (s *PostgresStore) GetOrCreateNode(taskTemplateVersionID int64, nodeArgsHash string) (*types.Node, bool, error) {
	node := &types.Node{TaskTemplateVersionID: taskTemplateVersionID, NodeArgsHash: nodeArgsHash}
	created, err := getOrCreate(s.db, node, func() error {
		return s.db.Where("task_template_version_id = ? AND node_args_hash = ?",
			taskTemplateVersionID, nodeArgsHash).First(node).Error
	})
	if err != nil {
		return nil, false, err
	}
	return node, created, nil
}

func (s *PostgresStore) GetNode(id int64) (*types.Node, error) {
	var node types.Node
	if err := s.db.First(&node, id).Error; err != nil {
		return nil, translate(err)
	}
	return &node, nil
}

func (s *PostgresStore) GetOrCreateDag(hash string) (*types.Dag, bool, error) {
	dag := &types.Dag{Hash: hash}
	created, err := getOrCreate(s.db, dag, func() error {
		return s.db.Where("hash = ?", hash).First(dag).Error
	})
	if err != nil {
		return nil, false, err
	}
	return dag, created, nil
}

func (s *PostgresStore) BulkInsertEdges(edges []*types.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(edges, TaskChunkSize).Error
}

func (s *PostgresStore) GetEdge(dagID, nodeID int64) (*types.Edge, error) {
	var edge types.Edge
	err := s.db.Where("dag_id = ? AND node_id = ?", dagID, nodeID).First(&edge).Error
	if err != nil {
		return nil, translate(err)
	}
	return &edge, nil
}

func (s *PostgresStore) ListEdges(dagID int64) ([]*types.Edge, error) {
	var edges []*types.Edge
	err := s.db.Where("dag_id = ?", dagID).Order("node_id").Find(&edges).Error
	return edges, err
}

// --- Workflows ---

func (s *PostgresStore) GetOrCreateWorkflow(wf *types.Workflow) (*types.Workflow, bool, error) {
	if wf.Status == "" {
		wf.Status = types.WorkflowRegistering
	}
	wf.StatusDate = s.Now()
	created, err := getOrCreate(s.db, wf, func() error {
		return s.db.Where("hash = ?", wf.Hash).First(wf).Error
	})
	if err != nil {
		return nil, false, err
	}
	return wf, created, nil
}

func (s *PostgresStore) GetWorkflow(id int64) (*types.Workflow, error) {
	var wf types.Workflow
	if err := s.db.First(&wf, id).Error; err != nil {
		return nil, translate(err)
	}
	return &wf, nil
}

func (s *PostgresStore) GetWorkflowForUpdate(id int64) (*types.Workflow, error) {
	var wf types.Workflow
	err := s.db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&wf, id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &wf, nil
}

func (s *PostgresStore) UpdateWorkflow(wf *types.Workflow) error {
	return s.db.Save(wf).Error
}

func (s *PostgresStore) ListOrphanWorkflows() ([]*types.Workflow, error) {
	var workflows []*types.Workflow
	err := s.db.
		Where("status NOT IN ?", []string{string(types.WorkflowDone), string(types.WorkflowFailed), string(types.WorkflowAborted)}).
		Where("NOT EXISTS (SELECT 1 FROM workflow_runs r WHERE r.workflow_id = workflows.id AND r.status IN ('G','B','R'))").
		Where("EXISTS (SELECT 1 FROM tasks t WHERE t.workflow_id = workflows.id AND t.status NOT IN ('D','F'))").
		Order("id").
		Find(&workflows).Error
	return workflows, err
}

// --- Workflow runs ---

func (s *PostgresStore) CreateWorkflowRun(run *types.WorkflowRun) error {
	if run.Status.Current() {
		var count int64
		err := s.db.Model(&types.WorkflowRun{}).
			Where("workflow_id = ? AND status IN ('G','B','R')", run.WorkflowID).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return &ConflictError{Entity: "workflow_run", Reason: "workflow already has a current run"}
		}
	}
	run.StatusDate = s.Now()
	return s.db.Create(run).Error
}

func (s *PostgresStore) GetWorkflowRun(id int64) (*types.WorkflowRun, error) {
	var run types.WorkflowRun
	if err := s.db.First(&run, id).Error; err != nil {
		return nil, translate(err)
	}
	return &run, nil
}

func (s *PostgresStore) GetWorkflowRunForUpdate(id int64) (*types.WorkflowRun, error) {
	var run types.WorkflowRun
	err := s.db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&run, id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &run, nil
}

func (s *PostgresStore) UpdateWorkflowRun(run *types.WorkflowRun) error {
	return s.db.Save(run).Error
}

func (s *PostgresStore) CurrentWorkflowRun(workflowID int64) (*types.WorkflowRun, error) {
	var run types.WorkflowRun
	err := s.db.Where("workflow_id = ? AND status IN ('G','B','R')", workflowID).First(&run).Error
	if err != nil {
		return nil, translate(err)
	}
	return &run, nil
}

func (s *PostgresStore) ListWorkflowRuns(workflowID int64) ([]*types.WorkflowRun, error) {
	var runs []*types.WorkflowRun
	err := s.db.Where("workflow_id = ?", workflowID).Order("id").Find(&runs).Error
	return runs, err
}

func (s *PostgresStore) ListStaleWorkflowRuns(asOf time.Time) ([]*types.WorkflowRun, error) {
	var runs []*types.WorkflowRun
	err := s.db.
		Where("status NOT IN ('D','E','H','T','C')").
		Where("report_by_date < ?", asOf).
		Order("id").
		Find(&runs).Error
	return runs, err
}

func (s *PostgresStore) LogWorkflowRunHeartbeat(id int64, heartbeat, reportBy time.Time) error {
	return s.db.Model(&types.WorkflowRun{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"heartbeat_date": gorm.Expr("GREATEST(heartbeat_date, ?)", heartbeat),
			"report_by_date": gorm.Expr("GREATEST(report_by_date, ?)", reportBy),
		}).Error
}

// --- Arrays ---

func (s *PostgresStore) GetOrCreateArray(arr *types.Array) (*types.Array, bool, error) {
	created, err := getOrCreate(s.db, arr, func() error {
		return s.db.Where("workflow_id = ? AND task_template_version_id = ?",
			arr.WorkflowID, arr.TaskTemplateVersionID).First(arr).Error
	})
	if err != nil {
		return nil, false, err
	}
	return arr, created, nil
}

func (s *PostgresStore) GetArray(id int64) (*types.Array, error) {
	var arr types.Array
	if err := s.db.First(&arr, id).Error; err != nil {
		return nil, translate(err)
	}
	return &arr, nil
}

func (s *PostgresStore) UpdateArray(arr *types.Array) error {
	return s.db.Save(arr).Error
}

func (s *PostgresStore) ListArraysByWorkflow(workflowID int64) ([]*types.Array, error) {
	var arrays []*types.Array
	err := s.db.Where("workflow_id = ?", workflowID).Order("id").Find(&arrays).Error
	return arrays, err
}

// --- Tasks ---

func (s *PostgresStore) BulkInsertTasks(tasks []*types.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	for _, task := range tasks {
		if task.Status == "" {
			task.Status = types.TaskRegistering
		}
		task.StatusDate = s.Now()
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workflow_id"}, {Name: "node_id"}},
		DoNothing: true,
	}).CreateInBatches(tasks, TaskChunkSize).Error
}

func (s *PostgresStore) GetTask(id int64) (*types.Task, error) {
	var task types.Task
	if err := s.db.First(&task, id).Error; err != nil {
		return nil, translate(err)
	}
	return &task, nil
}

func (s *PostgresStore) GetTaskForUpdate(id int64) (*types.Task, error) {
	var task types.Task
	err := s.db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&task, id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &task, nil
}

func (s *PostgresStore) GetTaskByNode(workflowID, nodeID int64) (*types.Task, error) {
	var task types.Task
	err := s.db.Where("workflow_id = ? AND node_id = ?", workflowID, nodeID).First(&task).Error
	if err != nil {
		return nil, translate(err)
	}
	return &task, nil
}

func (s *PostgresStore) UpdateTask(task *types.Task) error {
	return s.db.Save(task).Error
}

func (s *PostgresStore) ListTasksByWorkflow(workflowID int64) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.Where("workflow_id = ?", workflowID).Order("id").Find(&tasks).Error
	return tasks, err
}

func (s *PostgresStore) ListTasksByWorkflowAndStatus(workflowID int64, statuses ...types.TaskStatus) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.Where("workflow_id = ? AND status IN ?", workflowID, statuses).
		Order("id").Find(&tasks).Error
	return tasks, err
}

func (s *PostgresStore) ListTasksChangedSince(workflowID int64, since time.Time) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.Where("workflow_id = ? AND status_date >= ?", workflowID, since).
		Order("id").Find(&tasks).Error
	return tasks, err
}

// --- Task instances ---

func (s *PostgresStore) CreateTaskInstance(ti *types.TaskInstance) error {
	if ti.Status == "" {
		ti.Status = types.InstanceQueued
	}
	ti.StatusDate = s.Now()
	return s.db.Create(ti).Error
}

func (s *PostgresStore) GetTaskInstance(id int64) (*types.TaskInstance, error) {
	var ti types.TaskInstance
	if err := s.db.First(&ti, id).Error; err != nil {
		return nil, translate(err)
	}
	return &ti, nil
}

func (s *PostgresStore) GetTaskInstanceForUpdate(id int64) (*types.TaskInstance, error) {
	var ti types.TaskInstance
	err := s.db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&ti, id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &ti, nil
}

func (s *PostgresStore) UpdateTaskInstance(ti *types.TaskInstance) error {
	return s.db.Save(ti).Error
}

func (s *PostgresStore) ListTaskInstancesByTask(taskID int64) ([]*types.TaskInstance, error) {
	var instances []*types.TaskInstance
	err := s.db.Where("task_id = ?", taskID).Order("id").Find(&instances).Error
	return instances, err
}

func (s *PostgresStore) ListActiveTaskInstancesByWorkflow(workflowID int64) ([]*types.TaskInstance, error) {
	var instances []*types.TaskInstance
	err := s.db.
		Joins("JOIN tasks ON tasks.id = task_instances.task_id").
		Where("tasks.workflow_id = ?", workflowID).
		Where("task_instances.status NOT IN ('D','E','Z','X','U','F')").
		Order("task_instances.id").
		Find(&instances).Error
	return instances, err
}

func (s *PostgresStore) ListStaleTaskInstances(asOf time.Time) ([]*types.TaskInstance, error) {
	var instances []*types.TaskInstance
	err := s.db.
		Where("status IN ('Q','I','O','R')").
		Where("report_by_date < ?", asOf).
		Order("id").
		Find(&instances).Error
	return instances, err
}

func (s *PostgresStore) LogTaskInstanceHeartbeat(id int64, reportBy time.Time) error {
	return s.db.Model(&types.TaskInstance{}).Where("id = ?", id).
		Update("report_by_date", gorm.Expr("GREATEST(report_by_date, ?)", reportBy)).Error
}

func (s *PostgresStore) AppendTaskInstanceError(entry *types.TaskInstanceErrorLog) error {
	if entry.ErrorTime.IsZero() {
		entry.ErrorTime = s.Now()
	}
	if len(entry.Description) > 4096 {
		entry.Description = entry.Description[:4096]
	}
	return s.db.Create(entry).Error
}

func (s *PostgresStore) ListTaskInstanceErrors(taskInstanceID int64) ([]*types.TaskInstanceErrorLog, error) {
	var entries []*types.TaskInstanceErrorLog
	err := s.db.Where("task_instance_id = ?", taskInstanceID).Order("id").Find(&entries).Error
	return entries, err
}

// --- Batches ---

func (s *PostgresStore) GetOrCreateBatch(b *types.Batch) (*types.Batch, bool, error) {
	created, err := getOrCreate(s.db, b, func() error {
		return s.db.Where("array_id = ? AND batch_key = ?", b.ArrayID, b.BatchKey).First(b).Error
	})
	if err != nil {
		return nil, false, err
	}
	return b, created, nil
}

func (s *PostgresStore) GetBatch(id int64) (*types.Batch, error) {
	var batch types.Batch
	if err := s.db.First(&batch, id).Error; err != nil {
		return nil, translate(err)
	}
	return &batch, nil
}

func (s *PostgresStore) UpdateBatch(b *types.Batch) error {
	return s.db.Save(b).Error
}

// --- Reaper lease ---

func (s *PostgresStore) AcquireReaperLease(owner string, ttl time.Duration) (bool, error) {
	now := s.Now()
	res := s.db.Exec(`
		INSERT INTO reaper_leases (id, owner, expires_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE reaper_leases.owner = EXCLUDED.owner OR reaper_leases.expires_at < ?`,
		owner, now.Add(ttl), now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
