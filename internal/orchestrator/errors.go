package orchestrator

import (
	"errors"
	"fmt"
)

// Dependency outages degrade readiness instead of terminating the process.
// Callers match these with errors.Is.
var (
	ErrDatabaseUnavailable = errors.New("database unavailable")
	ErrBusUnavailable      = errors.New("message bus unavailable")
)

// SyncTriggerError means one connector could not be dispatched. It never
// aborts the batch; callers of the manual path can render it directly.
type SyncTriggerError struct {
	ConnectorID int64
	Reason      string
}

func (e *SyncTriggerError) Error() string {
	return fmt.Sprintf("connector %d: sync trigger failed: %s", e.ConnectorID, e.Reason)
}

// ConnectorNotFoundError is returned by the manual trigger path for an
// unknown connector id.
type ConnectorNotFoundError struct {
	ConnectorID int64
}

func (e *ConnectorNotFoundError) Error() string {
	return fmt.Sprintf("connector %d not found", e.ConnectorID)
}
