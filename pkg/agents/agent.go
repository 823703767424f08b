package agents

import (
	"context"
	"encoding/json"
	"fmt"
)

// Logger is the narrow logging surface agents need.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Agent executes one unit of delegated work. Implementations fail with a
// domain error on any unrecoverable condition; they never retry transport
// failures themselves (that is the queue's job).
type Agent interface {
	Execute(ctx context.Context, taskID string, input json.RawMessage) (json.RawMessage, error)
}

// TransientError marks an infrastructure failure the queue should absorb by
// redelivery. It stays invisible to the domain state machine until the
// queue's attempt budget is exhausted.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// ManualInterventionError aborts a task into REQUIRES_MANUAL_ACTION, with
// the fault analysis attached so the worker can persist it as the task
// output.
type ManualInterventionError struct {
	Analysis FaultAnalysis
}

func (e *ManualInterventionError) Error() string {
	return fmt.Sprintf("manual intervention required: %s", e.Analysis.RootCause)
}
