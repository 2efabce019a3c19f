package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Fault codes used by the hub.
const (
	FaultGeneric          = 1000
	FaultLock             = 1001
	FaultAuth             = 1002
	FaultTag              = 1003
	FaultActionNotAllowed = 1004
	FaultBuild            = 1005
	FaultAuthLock         = 1006
	FaultAuthExpired      = 1007
	FaultSequence         = 1008
	FaultRetry            = 1009
	FaultServerOffline    = 1014
	FaultParameter        = 1019
	FaultGSSAPIAuth       = 1023
	FaultNameConflict     = 1024
)

var (
	ErrAuthFailed      = errors.New("hub: authentication failed")
	ErrMulticallActive = errors.New("hub: multicall already in progress")
	ErrNoMulticall     = errors.New("hub: multicall not in progress")
	ErrConcurrentUse   = errors.New("hub: session used concurrently")
	ErrNotReady        = errors.New("hub: multicall result not available yet")
	ErrSkipped         = errors.New("hub: call skipped after earlier failure")
	ErrNoHandle        = errors.New("hub: itercall function returned no call handle")
	ErrInterrupted     = errors.New("interrupted")
)

// Fault is an error reported by the hub.
type Fault struct {
	Code   int
	String string
}

func (f *Fault) Error() string {
	return f.String
}

// Kind classifies an error for the operator.
type Kind int

const (
	KindUnknown Kind = iota
	KindUsage
	KindConnection
	KindAuthFailed
	KindPermissionDenied
	KindNotFound
	KindConflict
	KindServerFault
	KindProtocol
	KindInterrupted
	KindSkipped
)

func (k Kind) String() string {
	switch k {
	case KindUsage:
		return "usage"
	case KindConnection:
		return "connection"
	case KindAuthFailed:
		return "auth-failed"
	case KindPermissionDenied:
		return "permission-denied"
	case KindNotFound:
		return "not-found"
	case KindConflict:
		return "conflict"
	case KindServerFault:
		return "server-fault"
	case KindProtocol:
		return "protocol"
	case KindInterrupted:
		return "interrupted"
	case KindSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Error wraps an error with its classification.
type Error struct {
	Kind   Kind
	Method string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Usagef reports a command line problem.
func Usagef(format string, args ...any) error {
	return Errorf(KindUsage, format, args...)
}

// KindOf classifies err.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrInterrupted), errors.Is(err, context.Canceled):
		return KindInterrupted
	case errors.Is(err, ErrSkipped):
		return KindSkipped
	case errors.Is(err, ErrAuthFailed):
		return KindAuthFailed
	case errors.Is(err, ErrMalformed):
		return KindProtocol
	}
	var f *Fault
	if errors.As(err, &f) {
		return classifyFault(f)
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return KindConnection
	}
	return KindUnknown
}

func classifyFault(f *Fault) Kind {
	switch f.Code {
	case FaultAuth, FaultAuthLock, FaultAuthExpired, FaultGSSAPIAuth:
		return KindAuthFailed
	case FaultActionNotAllowed:
		return KindPermissionDenied
	case FaultNameConflict:
		return KindConflict
	case FaultRetry, FaultServerOffline:
		return KindConnection
	}
	msg := strings.ToLower(f.String)
	switch {
	case strings.Contains(msg, "already exists"),
		strings.Contains(msg, "in use"),
		strings.Contains(msg, "already in"):
		return KindConflict
	case strings.Contains(msg, "no such"),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "unknown "):
		return KindNotFound
	}
	return KindServerFault
}

// IsNotFound reports whether err means the target entity is missing.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err means the entity already exists or is in use.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsAuthFailed reports whether the hub rejected the credentials.
func IsAuthFailed(err error) bool { return KindOf(err) == KindAuthFailed }

// IsPermissionDenied reports whether the hub refused the action.
func IsPermissionDenied(err error) bool { return KindOf(err) == KindPermissionDenied }

// IsRetriable reports whether a failed call may succeed when repeated.
func IsRetriable(err error) bool { return KindOf(err) == KindConnection }

func isAuthExpired(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Code == FaultAuthExpired
}
