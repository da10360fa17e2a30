package hypervisor

import (
	"errors"
	"fmt"
)

// Configuration errors
var (
	ErrInvalidCPUCount          = errors.New("hypervisor: CPU count must be at least 1")
	ErrInsufficientMemory       = errors.New("hypervisor: memory size must be non-zero")
	ErrMissingBootLoader        = errors.New("hypervisor: a macOS boot loader is required")
	ErrMissingIdentity          = errors.New("hypervisor: platform identity is required")
	ErrMissingDisk              = errors.New("hypervisor: disk image path is required")
	ErrInvalidDisplay           = errors.New("hypervisor: exactly one display with non-zero geometry is required")
	ErrInvalidMACAddress        = errors.New("hypervisor: MAC address must be unicast and locally administered")
	ErrInvalidInputDevice       = errors.New("hypervisor: unknown input device")
	ErrUnsupportedHardwareModel = errors.New("hypervisor: hardware model is not supported on this host")
)

// Runtime errors
var (
	ErrNoSocketDevice         = errors.New("hypervisor: machine has no socket device")
	ErrSaveRestoreUnsupported = errors.New("hypervisor: save and restore are not supported on this host")
)

// Platform errors
var (
	ErrUnsupportedPlatform = errors.New("hypervisor: platform not supported")
)

// Kind classifies how a failure reported by the host must be handled.
type Kind int

const (
	// KindFatal failures leave the machine in an unknown state. The process
	// must abort.
	KindFatal Kind = iota
	// KindRecoverable failures do not mutate machine state and may be
	// retried.
	KindRecoverable
)

func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindRecoverable:
		return "recoverable"
	default:
		return "unknown"
	}
}

// Error wraps a host failure with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal wraps err as an unrecoverable failure of op.
func Fatal(op string, err error) *Error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// Recoverable wraps err as a retryable failure of op.
func Recoverable(op string, err error) *Error {
	return &Error{Kind: KindRecoverable, Op: op, Err: err}
}

// IsFatal reports whether err carries a fatal Error.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindFatal
}

// IsRecoverable reports whether err carries a recoverable Error.
func IsRecoverable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindRecoverable
}
