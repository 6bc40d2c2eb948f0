package lifecycle

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid workload state")
	ErrUnknownEntryPoint = errors.New("unknown entry point")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrReleased          = errors.New("execution released before completion")
)

// OpError records the lifecycle operation and workload an error came from
type OpError struct {
	Op         string
	WorkloadID string
	Err        error
}

func (e *OpError) Error() string {
	if e.WorkloadID == "" {
		return fmt.Sprintf("lifecycle %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("lifecycle %s %s: %v", e.Op, e.WorkloadID, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opErr(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, WorkloadID: id, Err: err}
}
