// Package errors provides error wrapping utilities and the typed stage errors
// reported by the provisioning pipeline.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// As is errors.As, re-exported so callers importing this package don't need both.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// New is errors.New.
func New(text string) error {
	return stderrors.New(text)
}

// Is is errors.Is.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// StageError is implemented by every typed pipeline error. Stage names the
// pipeline stage that produced it.
type StageError interface {
	error
	Stage() string
}

// EnvironmentError reports an unmet host prerequisite.
type EnvironmentError struct {
	Reason string // no-hardware-virtualization, missing-tool, not-root, host-busy
	Tool   string
	Err    error
}

func (e *EnvironmentError) Stage() string { return "prereqs" }

func (e *EnvironmentError) Error() string {
	msg := "environment: " + e.Reason
	if e.Tool != "" {
		msg += " (" + e.Tool + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EnvironmentError) Unwrap() error { return e.Err }

// BuildError reports a failed rootfs assembly step. The workspace is left in
// place for inspection.
type BuildError struct {
	Step string
	Err  error
}

func (e *BuildError) Stage() string { return "build" }

func (e *BuildError) Error() string {
	if e.Err == nil {
		return "build " + e.Step + " failed"
	}
	return fmt.Sprintf("build %s failed: %v", e.Step, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// FetchError reports a failed kernel retrieval.
type FetchError struct {
	Reason string // network, write, timeout
	Err    error
}

func (e *FetchError) Stage() string { return "kernel" }

func (e *FetchError) Error() string {
	if e.Err == nil {
		return "kernel fetch: " + e.Reason
	}
	return fmt.Sprintf("kernel fetch: %s: %v", e.Reason, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NetworkError reports a failed link setup.
type NetworkError struct {
	Reason string // device-exists, permission, setup
	Device string
	Err    error
}

func (e *NetworkError) Stage() string { return "network" }

func (e *NetworkError) Error() string {
	msg := "network " + e.Reason
	if e.Device != "" {
		msg += " (" + e.Device + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NetworkError) Unwrap() error { return e.Err }

// LaunchError reports a failed guest launch.
type LaunchError struct {
	Reason string // missing-artifact, spawn, state
	Which  string // rootfs or kernel for missing-artifact
	Err    error
}

func (e *LaunchError) Stage() string { return "run" }

func (e *LaunchError) Error() string {
	msg := "launch " + e.Reason
	if e.Which != "" {
		msg += " (" + e.Which + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LaunchError) Unwrap() error { return e.Err }

// StageOf returns the stage of the first typed error in err's chain, or "".
func StageOf(err error) string {
	var se StageError
	if stderrors.As(err, &se) {
		return se.Stage()
	}
	return ""
}
