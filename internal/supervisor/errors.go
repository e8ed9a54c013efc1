package supervisor

import (
	"errors"
	"fmt"
)

var (
	ErrNotLaunched      = errors.New("application not launched")
	ErrAlreadyLaunched  = errors.New("application already launched")
	errDomainNotRunning = errors.New("isolation domain closed")
)

const (
	PhaseStart    = "start"
	PhaseRefresh  = "refresh"
	PhaseShutdown = "shutdown"
	PhaseRun      = "run"
)

// ApplicationError is returned by Launch, Refresh, Shutdown and WaitForShutdown when
// the application failed. It unwraps to the original failure.
type ApplicationError struct {
	Phase string
	Err   error
}

func (e *ApplicationError) Error() string {
	if e == nil || e.Err == nil {
		return "application failed"
	}
	return fmt.Sprintf("application %s failed: %v", e.Phase, e.Err)
}

func (e *ApplicationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// PanicError carries a panic recovered from a domain task.
type PanicError struct {
	Task  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.Task, e.Value)
}

// Unwrap exposes the panic value when it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
