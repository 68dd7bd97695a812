// Package fsm is the transition service: the only code path that mutates
// the status of a workflow, workflow run, task or task instance.
//
// # Transitions
//
// Each public transition runs in a single store transaction. The row is
// locked for update, the target is validated against a per-entity
// legal-edge table, and the new status plus bookkeeping fields are written
// atomically. Repeating the current status is accepted as a no-op so that
// at-least-once report deliveries stay idempotent; any other unlisted edge
// returns InvalidTransitionError.
//
// # Cascades
//
// A task instance reaching a terminal status cascades into its task inside
// the same transaction: done makes the task done, a retriable error
// re-queues or freezes it depending on the attempt budget, and a resource
// error routes through the adjusting state and the scaling policy. A task
// reaching done queues every downstream task whose upstream set is wholly
// done, and every terminal task recomputes the workflow roll-up. Rows are
// locked in the fixed order task instance, task, workflow.
//
// Lock races are retried a bounded number of times before the conflict
// surfaces to the caller.
package fsm
