package services

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrMachineNotFound = errors.New("machine record not found")
	ErrMachineNotReady = errors.New("machine id not available")
	ErrModelDisabled   = errors.New("model is disabled")
	ErrNoVolume        = errors.New("cannot snapshot machine without volume")
)

// ValidationError is raised before any record is written or any remote call
// is made. It matches ErrValidation, and Err when set.
type ValidationError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ValidationError) Error() string { return e.Msg }

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation || (e.Err != nil && target == e.Err)
}

func missingArg(field string) error {
	return &ValidationError{Field: field, Msg: "Missing required argument: " + field}
}

// ExecError reports a command that ran on the machine but exited non-zero.
type ExecError struct {
	Op       string
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s failed with exit code %d", e.Op, e.ExitCode)
	}
	return fmt.Sprintf("%s failed with exit code %d: %s", e.Op, e.ExitCode, e.Stderr)
}
