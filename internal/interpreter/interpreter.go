// Package interpreter defines the narrow collaborator surface the runner
// drives: a black-box engine that accepts a program location and produces
// a return value or an error, and a read-only package cache that resolves
// a name to code bytes. The engine itself lives elsewhere; only its
// contract and test doubles are defined here.
package interpreter

import (
	"context"
	"errors"
)

// ErrInterrupted is the sentinel a Run call returns when a Suspend command
// took effect mid-run. It is NOT an application error — the runner
// translates it into the Suspended reply and must never let it escape to a
// caller outside internal/runner.
var ErrInterrupted = errors.New("interpreter: run interrupted")

// ErrPackageNotFound is returned by Packages.Resolve for an unknown URI.
var ErrPackageNotFound = errors.New("interpreter: package not found")

// ProgramLocation names the entry point to execute, resolved from a
// package cache (out of scope — see Packages).
type ProgramLocation struct {
	ExecutionURI string
	ConfigHash   string
}

// Interpreter is the black-box bytecode engine. Implementations run
// synchronously on the caller's goroutine and must poll ctx for
// cancellation at safe points, returning ErrInterrupted when cancellation
// was requested by a suspend (as opposed to a hard terminate, where any
// error return is acceptable since the runner has already moved to
// Shutdown and discards the outcome).
type Interpreter interface {
	Run(ctx context.Context, loc ProgramLocation) (value any, err error)
}
