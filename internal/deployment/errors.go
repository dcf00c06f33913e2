package deployment

import (
	"errors"
	"fmt"
)

// ErrUpgradeFailed is the one condition every handled, fatal failure
// satisfies. Anything else reaching the command line is a bug.
var ErrUpgradeFailed = errors.New("upgrade failed")

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindConfiguration: missing or ambiguous settings, found before any
	// remote mutation.
	KindConfiguration
	// KindVersionResolution: a version is not a git reference. Callers
	// downgrade to limited mode instead of aborting.
	KindVersionResolution
	// KindRemoteActionUnavailable: the platform refused the upgrade action.
	KindRemoteActionUnavailable
	// KindRemoteRejected: any other refused upgrade or failed finalize.
	KindRemoteRejected
	// KindRemoteUnreachable: the circuit breaker opened.
	KindRemoteUnreachable
	// KindUnknownRemoteState: a service reported a state nobody handles.
	KindUnknownRemoteState
	// KindNotification: a hook failed. Never fatal.
	KindNotification
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindVersionResolution:
		return "VersionResolutionError"
	case KindRemoteActionUnavailable:
		return "RemoteActionUnavailable"
	case KindRemoteRejected:
		return "RemoteRejected"
	case KindRemoteUnreachable:
		return "RemoteUnreachable"
	case KindUnknownRemoteState:
		return "UnknownRemoteState"
	case KindNotification:
		return "NotificationFailure"
	default:
		return "Unknown"
	}
}

// Fatal reports whether errors of this kind end the deployment.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindConfiguration, KindRemoteActionUnavailable, KindRemoteRejected,
		KindRemoteUnreachable, KindUnknownRemoteState:
		return true
	default:
		return false
	}
}

// Error carries an operator-facing message; Message is what gets printed.
type Error struct {
	Kind    ErrorKind
	Service string
	Message string
	Err     error
}

func NewError(kind ErrorKind, service, message string, err error) *Error {
	return &Error{Kind: kind, Service: service, Message: message, Err: err}
}

// Errorf builds a service-less error of the given kind.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Service != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Service, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrUpgradeFailed && e.Kind.Fatal()
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
