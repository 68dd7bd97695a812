/*
Package log provides structured logging for jobmon built on zerolog.

Call Init once at startup, then use the package helpers or create child
loggers scoped to an entity:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithWorkflowRunID(runID)
	logger.Info().Str("status", "R").Msg("workflow run transitioned")

Core components attach workflow_run_id / task_instance_id fields to every
record they emit; those fields stay inside the core's log stream.
*/
package log
