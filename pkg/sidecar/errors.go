package sidecar

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConnected is returned by sends attempted while no live transport
// connection exists. Callers see it immediately instead of a hang.
var ErrNotConnected = errors.New("sidecar: not connected")

// ErrAlreadyStarted is returned by Start when the supervisor is not in a
// startable state. Start calls are serialized internally; two concurrent
// Start calls can never spawn two child processes.
var ErrAlreadyStarted = errors.New("sidecar: already started")

// StartupTimeoutError reports that the child process produced no handshake
// line on stdout within the allowed window. The process is killed before the
// error is returned.
type StartupTimeoutError struct {
	Timeout time.Duration
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("sidecar: no handshake line within %s", e.Timeout)
}

// ProcessExitError reports that the child process exited before completing
// the startup handshake. Exits after startup are delivered through the
// [Supervisor.OnExit] notification instead.
type ProcessExitError struct {
	Code int
}

func (e *ProcessExitError) Error() string {
	return fmt.Sprintf("sidecar: process exited with code %d before handshake", e.Code)
}

// TransportError reports an I/O failure on an established connection. An
// in-flight send returns it directly; failures discovered by the read loop
// tear the connection down and surface through [Supervisor.OnExit] once the
// process is reaped.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "sidecar: transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }
