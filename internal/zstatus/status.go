// Package zstatus implements zuri's namespaced status for configuration,
// agent/runtime-invariant and transport errors: a status carrying a code, a
// message, and an optional detail, convertible to a supertype only when
// namespaces match. Interpreter interruption is reported as
// interpreter.ErrInterrupted, not as a Status.
package zstatus

import (
	"errors"
	"fmt"
)

// Namespace groups related codes; statuses convert across namespaces only
// when the namespaces match.
type Namespace string

const (
	// NamespaceConfig covers bad user input: malformed URLs, missing files,
	// out-of-range ports. Never retried.
	NamespaceConfig Namespace = "zuri.config"
	// NamespaceAgent covers the agent/runner reaching a state its code did
	// not anticipate (e.g. Resume while Shutdown). Logged with full context,
	// never crashes the process.
	NamespaceAgent Namespace = "zuri.agent"
	// NamespaceTransport covers network I/O errors, TLS handshake failures,
	// and timeouts talking to an agent or worker.
	NamespaceTransport Namespace = "zuri.transport"
)

// Code is a namespace-scoped error code.
type Code string

const (
	CodeInvalidConfiguration Code = "invalid_configuration"
	CodeInvalidState         Code = "invalid_state"
	CodeAlreadyExists        Code = "already_exists"
	CodeAlreadyAttached      Code = "already_attached"
	CodeNotAttached          Code = "not_attached"
	CodeNotFound             Code = "not_found"
	CodeUnreachable          Code = "unreachable"
	CodeTimeout              Code = "timeout"
	CodeCancelled            Code = "cancelled"
	CodeInternal             Code = "internal"
)

// Status is a typed result carrying a namespace, a code, a message, and an
// optional wrapped detail error. It implements the standard error interface
// so it composes with errors.Is/errors.As/fmt.Errorf("%w", ...).
type Status struct {
	Namespace Namespace
	Code      Code
	Message   string
	Detail    error
}

// New builds a Status. detail may be nil.
func New(ns Namespace, code Code, message string, detail error) *Status {
	return &Status{Namespace: ns, Code: code, Message: message, Detail: detail}
}

func (s *Status) Error() string {
	if s.Detail != nil {
		return fmt.Sprintf("%s/%s: %s: %v", s.Namespace, s.Code, s.Message, s.Detail)
	}
	return fmt.Sprintf("%s/%s: %s", s.Namespace, s.Code, s.Message)
}

// Unwrap exposes the wrapped detail so errors.Is/As traverse it.
func (s *Status) Unwrap() error {
	return s.Detail
}

// Is supports errors.Is(err, &Status{Namespace: ..., Code: ...}) comparisons
// where only Namespace and Code are populated on the target.
func (s *Status) Is(target error) bool {
	t, ok := target.(*Status)
	if !ok {
		return false
	}
	return s.Namespace == t.Namespace && s.Code == t.Code
}

// As attempts to convert s to a Status in namespace ns. Conversion succeeds
// iff s is already in that namespace — cross-namespace conversion fails
// cleanly so a handler can decide whether to rewrap rather than silently
// losing provenance.
func (s *Status) As(ns Namespace) (*Status, bool) {
	if s.Namespace != ns {
		return nil, false
	}
	return s, true
}

// Of extracts a *Status from err via errors.As, returning ok=false if err
// does not wrap one.
func Of(err error) (*Status, bool) {
	var s *Status
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

// InvalidConfiguration builds a NamespaceConfig/CodeInvalidConfiguration status.
func InvalidConfiguration(message string, detail error) *Status {
	return New(NamespaceConfig, CodeInvalidConfiguration, message, detail)
}

// InvalidState builds a NamespaceAgent/CodeInvalidState status, used for
// runtime-invariant violations such as "Resume while Shutdown".
func InvalidState(message string) *Status {
	return New(NamespaceAgent, CodeInvalidState, message, nil)
}

// Unreachable builds a NamespaceTransport/CodeUnreachable status.
func Unreachable(message string, detail error) *Status {
	return New(NamespaceTransport, CodeUnreachable, message, detail)
}
