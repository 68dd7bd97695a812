package main

import (
	"flag"
	"fmt"
	"os"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jobmon-hpc/jobmon/pkg/log"
	"github.com/jobmon-hpc/jobmon/pkg/storage/migrate"
)

var (
	databaseURI = flag.String("database-uri", os.Getenv("JOBMON_DATABASE_URI"), "Postgres connection URI")
	dryRun      = flag.Bool("dry-run", false, "List pending migrations without applying them")
)

func main() {
	flag.Parse()
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: false})
	logger := log.WithComponent("migrate")

	if *databaseURI == "" {
		fmt.Fprintln(os.Stderr, "Error: --database-uri (or JOBMON_DATABASE_URI) is required")
		os.Exit(2)
	}

	db, err := gorm.Open(postgres.Open(*databaseURI), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to database")
		os.Exit(1)
	}

	if *dryRun {
		pending, err := migrate.Pending(db)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to inspect schema")
			os.Exit(1)
		}
		if len(pending) == 0 {
			logger.Info().Msg("Schema is up to date")
			return
		}
		for _, m := range pending {
			logger.Info().Int("version", m.Version).Str("name", m.Name).Msg("Pending migration")
		}
		logger.Info().Msg("Dry run complete, no changes made")
		return
	}

	applied, err := migrate.Run(db)
	if err != nil {
		logger.Error().Err(err).Msg("Migration failed")
		os.Exit(1)
	}
	logger.Info().Int("applied", applied).Msg("Migrations complete")
}
