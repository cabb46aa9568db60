package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures by their origin. The kind decides how
// the pipeline reacts: device and transport failures end the owning worker,
// backend failures are reported and skipped, and protocol failures are only
// logged.
type ErrorKind int

const (
	// KindDevice marks a failure of the audio input device.
	KindDevice ErrorKind = iota + 1

	// KindTransport marks a failure or remote close of the streaming
	// transcription connection.
	KindTransport

	// KindBackend marks a failed or interrupted generation request.
	KindBackend

	// KindProtocol marks a malformed or unrecognised message from a remote
	// service.
	KindProtocol
)

// String returns the taxonomy name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindDevice:
		return "DeviceError"
	case KindTransport:
		return "TransportError"
	case KindBackend:
		return "BackendError"
	case KindProtocol:
		return "ProtocolError"
	default:
		return "UnknownError"
	}
}

// Sentinel values for matching with [errors.Is]. An *[Error] matches the
// sentinel of its kind.
var (
	ErrDevice    = errors.New("device error")
	ErrTransport = errors.New("transport error")
	ErrBackend   = errors.New("backend error")
	ErrProtocol  = errors.New("protocol error")
)

// Error is a classified pipeline error.
type Error struct {
	// Kind is the taxonomy class.
	Kind ErrorKind

	// Op names the operation that failed (e.g. "read frame", "dial").
	Op string

	// Err is the underlying cause. May be nil.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return e.Kind.String()
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel matching e.Kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindDevice:
		return ErrDevice
	case KindTransport:
		return ErrTransport
	case KindBackend:
		return ErrBackend
	case KindProtocol:
		return ErrProtocol
	default:
		return nil
	}
}

// DeviceError wraps err as a [KindDevice] error.
func DeviceError(op string, err error) error {
	return &Error{Kind: KindDevice, Op: op, Err: err}
}

// TransportError wraps err as a [KindTransport] error.
func TransportError(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// BackendError wraps err as a [KindBackend] error.
func BackendError(op string, err error) error {
	return &Error{Kind: KindBackend, Op: op, Err: err}
}

// ProtocolError wraps err as a [KindProtocol] error.
func ProtocolError(op string, err error) error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

// KindOf returns the kind of the first *[Error] in err's chain, or zero if
// there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
