// Package svcerr classifies the failures the supervisor can return to its host.
// Every failure is a value: nothing here aborts the host application.
package svcerr

import (
	"errors"
	"fmt"
)

// Kind is the category of a supervisor failure.
type Kind string

const (
	KindMissingArtifact Kind = "missing_artifact" // launch target or manifest not found
	KindSpawn           Kind = "spawn"            // OS failed to create the process
	KindTerminate       Kind = "terminate"        // OS failed to kill or reap the process
	KindTransport       Kind = "transport"        // endpoint unreachable or timed out
	KindProtocol        Kind = "protocol"         // non-success status or undecodable body
	KindInstall         Kind = "install"          // package installer exited non-zero
)

// Error is a classified failure. Two Errors match under errors.Is when their kinds are equal.
type Error struct {
	Kind       Kind
	Message    string
	Cause      error
	StatusCode int    // protocol errors caused by an HTTP status; 0 otherwise
	Path       string // missing artifact path, when known
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Path)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrMissingArtifact = &Error{Kind: KindMissingArtifact}
	ErrSpawn           = &Error{Kind: KindSpawn}
	ErrTerminate       = &Error{Kind: KindTerminate}
	ErrTransport       = &Error{Kind: KindTransport}
	ErrProtocol        = &Error{Kind: KindProtocol}
	ErrInstall         = &Error{Kind: KindInstall}
)

func MissingArtifact(message, path string) *Error {
	return &Error{Kind: KindMissingArtifact, Message: message, Path: path}
}

func Spawn(message string, cause error) *Error {
	return &Error{Kind: KindSpawn, Message: message, Cause: cause}
}

func Terminate(message string, cause error) *Error {
	return &Error{Kind: KindTerminate, Message: message, Cause: cause}
}

func Transport(message string, cause error) *Error {
	return &Error{Kind: KindTransport, Message: message, Cause: cause}
}

// ProtocolStatus reports a non-success HTTP status code.
func ProtocolStatus(code int) *Error {
	return &Error{Kind: KindProtocol, Message: fmt.Sprintf("unexpected status %d", code), StatusCode: code}
}

// ProtocolDecode reports a success response whose body could not be decoded.
func ProtocolDecode(cause error) *Error {
	return &Error{Kind: KindProtocol, Message: "undecodable response body", Cause: cause}
}

func Install(message string, cause error) *Error {
	return &Error{Kind: KindInstall, Message: message, Cause: cause}
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StatusCode returns the HTTP status carried by a protocol error.
func StatusCode(err error) (int, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindProtocol && e.StatusCode != 0 {
		return e.StatusCode, true
	}
	return 0, false
}

func IsMissingArtifact(err error) bool { return errors.Is(err, ErrMissingArtifact) }
func IsSpawn(err error) bool           { return errors.Is(err, ErrSpawn) }
func IsTerminate(err error) bool       { return errors.Is(err, ErrTerminate) }
func IsTransport(err error) bool       { return errors.Is(err, ErrTransport) }
func IsProtocol(err error) bool        { return errors.Is(err, ErrProtocol) }
func IsInstall(err error) bool         { return errors.Is(err, ErrInstall) }
