package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrWorkflowRunNotCurrent is returned when a mutating call references a
	// workflow run that no longer holds the workflow lease. The caller must
	// stop.
	ErrWorkflowRunNotCurrent = errors.New("workflow run is not the current run")
)

// ConflictError reports a write that lost a race or would violate a
// uniqueness or state invariant. Callers resolve by re-reading.
type ConflictError struct {
	Entity string
	ID     int64
	Reason string
}

func (e *ConflictError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("conflict on %s %d: %s", e.Entity, e.ID, e.Reason)
	}
	return fmt.Sprintf("conflict on %s: %s", e.Entity, e.Reason)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
