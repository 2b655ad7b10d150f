package registry

import (
	"errors"
	"fmt"
)

// Common errors returned by registry and lifecycle operations.
var (
	ErrNameConflict        = errors.New("environment already exists")
	ErrNotFound            = errors.New("environment not found")
	ErrInvalidName         = errors.New("invalid environment name")
	ErrPortExhausted       = errors.New("no free port in scan range")
	ErrLockTimeout         = errors.New("timed out waiting for registry lock")
	ErrSpawnFailed         = errors.New("daemon failed to start")
	ErrNotResponding       = errors.New("daemon not responding to termination")
	ErrAlreadyRunning      = errors.New("environment already running")
	ErrNotRunning          = errors.New("environment not running")
	ErrNoActiveEnvironment = errors.New("no active environment")
	ErrEnvironmentRunning  = errors.New("environment is running")
	ErrCorruptState        = errors.New("registry file is corrupt")
)

// OpError wraps a filesystem or OS failure with the operation and path involved.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
