package core

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionCreationFailed is returned when the backend could not create a
	// session (unreachable, quota exceeded, bad credentials, pool full). It is
	// never retried by the pool.
	ErrSessionCreationFailed = errors.New("session creation failed")

	// ErrExecutionFailed is returned when the unit of work errored or was
	// rejected by the backend. The session stays alive.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrPoolShutDown is returned for calls received after shutdown began.
	ErrPoolShutDown = errors.New("pool is shut down")

	// ErrInvalidKey is returned for an empty session key.
	ErrInvalidKey = errors.New("session key must not be empty")

	// ErrPoolFull is wrapped into ErrSessionCreationFailed when the pool is at
	// its configured session limit.
	ErrPoolFull = errors.New("session pool is full")

	// ErrMissingCredentials is returned by backends whose credentials are not
	// configured. It surfaces on Create rather than at startup.
	ErrMissingCredentials = errors.New("backend credentials are not configured")

	// ErrProbeTimeout and ErrProbeFailed classify a dead session. They are
	// internal signals that trigger transparent recreation.
	ErrProbeTimeout = errors.New("liveness probe timed out")
	ErrProbeFailed  = errors.New("liveness probe failed")

	// ErrHandleClosed is returned by handles used after Close.
	ErrHandleClosed = errors.New("session handle is closed")
)

// SessionError is the error type returned by the pool façade. It matches both
// its Kind sentinel and the underlying cause with errors.Is / errors.As.
type SessionError struct {
	Op   string // run, create, execute
	Key  string
	Kind error
	Err  error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %q: %v", e.Op, e.Key, e.Kind)
	}
	return fmt.Sprintf("%s %q: %v: %v", e.Op, e.Key, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause.
func (e *SessionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
