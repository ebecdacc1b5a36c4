package session

import "github.com/pkg/errors"

// Errors returned by sessions and the coordinators built on them.
// Callers match with errors.Is; messages carry the wrapped context.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrConflict        = errors.New("conflict")
	ErrInvalidState    = errors.New("invalid state")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrHardwareFailure = errors.New("hardware failure")
	ErrClosed          = errors.New("session closed")
)

// hardwareFailure wraps a driver error so that it matches ErrHardwareFailure
// while keeping the driver message.
func hardwareFailure(op string, err error) error {
	return &driverError{op: op, err: err}
}

type driverError struct {
	op  string
	err error
}

func (e *driverError) Error() string {
	return ErrHardwareFailure.Error() + ": " + e.op + ": " + e.err.Error()
}

func (e *driverError) Is(target error) bool { return target == ErrHardwareFailure }

func (e *driverError) Unwrap() error { return e.err }
