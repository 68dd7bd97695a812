/*
Package types defines the core data structures used throughout jobmon.

This package contains the persistent domain model: the hash-deduplicated
workflow definitions (Tool, ToolVersion, TaskTemplate, TaskTemplateVersion,
Node, Edge, Dag), the execution entities (Workflow, WorkflowRun, Array, Task,
TaskInstance), and the supporting rows for batching, error logs and the
reaper lease. These types are used by every other package for state
management, API payloads and run control.

# Status Codes

Statuses are single ASCII characters on the wire and in the database, kept
stable for compatibility with existing clients:

Task:
  - G registering, Q queued, I instantiating, O launched, R running
  - D done (terminal), E error-recoverable, A adjusting-resources
  - F error-fatal (terminal)

TaskInstance:
  - Q queued, I instantiated, O launched, R running, D done (terminal)
  - E error, Z resource-error, X no-heartbeat, U unknown-error (terminal,
    retriable at the task level)
  - K kill-self, F error-fatal (terminal)

WorkflowRun:
  - G registered, B bound, R running (current states)
  - D done, E error, H halted / hot-resumed, C cold-resume, T terminated

Workflow:
  - G registering, Q queued, R running, D done, F failed, H halted, A aborted

Each status type carries Terminal (and where relevant Active, Retriable,
Current) helpers so callers never compare raw characters.

# Relationships

Workflow 1-N WorkflowRun, Workflow 1-N Task, Task 1-N TaskInstance,
Task N-1 Node, Task N-1 Array, Array N-1 TaskTemplateVersion. Edges relate
Nodes within a Dag. All ids are opaque 64-bit integers; hash-keyed entities
(TaskTemplateVersion, Node, Dag, Workflow) are unique by fingerprint.

Only the transition service in pkg/fsm may mutate status fields.
*/
package types
