package migrate

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jobmon-hpc/jobmon/pkg/types"
)

// Migration is one linearized schema step. Versions are applied in order and
// recorded in schema_migrations; a migration never runs twice.
type Migration struct {
	Version int
	Name    string
	Apply   func(db *gorm.DB) error
}

type schemaMigration struct {
	Version   int `gorm:"primaryKey;autoIncrement:false"`
	Name      string
	AppliedAt time.Time
}

func (schemaMigration) TableName() string { return "schema_migrations" }

// Migrations is the full linear history. Append only; never reorder.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "core entities",
		Apply: func(db *gorm.DB) error {
			return db.AutoMigrate(
				&types.Tool{},
				&types.ToolVersion{},
				&types.TaskTemplate{},
				&types.TaskTemplateVersion{},
				&types.Node{},
				&types.Dag{},
				&types.Edge{},
				&types.Workflow{},
				&types.WorkflowRun{},
				&types.Array{},
				&types.Task{},
				&types.TaskInstance{},
			)
		},
	},
	{
		Version: 2,
		Name:    "error logs and batches",
		Apply: func(db *gorm.DB) error {
			return db.AutoMigrate(
				&types.TaskInstanceErrorLog{},
				&types.Batch{},
			)
		},
	},
	{
		Version: 3,
		Name:    "reaper lease",
		Apply: func(db *gorm.DB) error {
			return db.AutoMigrate(&types.ReaperLease{})
		},
	},
}

// Pending returns the migrations not yet recorded in schema_migrations.
func Pending(db *gorm.DB) ([]Migration, error) {
	if err := db.AutoMigrate(&schemaMigration{}); err != nil {
		return nil, fmt.Errorf("failed to prepare schema_migrations: %w", err)
	}
	var applied []schemaMigration
	if err := db.Order("version").Find(&applied).Error; err != nil {
		return nil, err
	}
	done := make(map[int]bool, len(applied))
	for _, m := range applied {
		done[m.Version] = true
	}
	var pending []Migration
	for _, m := range Migrations {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// Run applies all pending migrations in order, each in its own transaction.
// The service must not start until Run succeeds.
func Run(db *gorm.DB) (int, error) {
	pending, err := Pending(db)
	if err != nil {
		return 0, err
	}
	for _, m := range pending {
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := m.Apply(tx); err != nil {
				return err
			}
			return tx.Create(&schemaMigration{
				Version:   m.Version,
				Name:      m.Name,
				AppliedAt: time.Now(),
			}).Error
		})
		if err != nil {
			return 0, fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}
	}
	return len(pending), nil
}
