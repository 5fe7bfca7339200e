// Package device defines the error taxonomy shared by all capture devices.
//
// Microphone, camera and screen backends report acquisition failures as an
// [*Error] carrying a [Kind]. Callers branch on the kind with [KindOf] or
// [errors.Is] against the exported sentinels instead of parsing messages:
//
//	if errors.Is(err, device.ErrPermissionDenied) { ... }
package device

import (
	"errors"
	"fmt"
)

// Kind classifies why a device could not be acquired.
type Kind int

const (
	// KindUnknown is any failure that does not fit the other kinds.
	KindUnknown Kind = iota

	// KindPermissionDenied means the user or OS refused access.
	KindPermissionDenied

	// KindNotFound means no matching device exists.
	KindNotFound

	// KindBusy means the device exists but cannot be read, usually because
	// another process holds it.
	KindBusy

	// KindUnsupported means the platform lacks the capability entirely.
	KindUnsupported
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	case KindBusy:
		return "busy"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Sentinels matched by [Error.Is].
var (
	ErrPermissionDenied = errors.New("device: permission denied")
	ErrNotFound         = errors.New("device: not found")
	ErrBusy             = errors.New("device: busy or not readable")
	ErrUnsupported      = errors.New("device: unsupported")
)

// Error is a classified device acquisition failure.
type Error struct {
	// Device names the capability, e.g. "microphone", "camera" or "screen".
	Device string

	Kind Kind

	// Err is the underlying backend error. May be nil.
	Err error
}

// New returns a classified error for dev.
func New(dev string, kind Kind, err error) *Error {
	return &Error{Device: dev, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Device, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Device, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrPermissionDenied:
		return e.Kind == KindPermissionDenied
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrBusy:
		return e.Kind == KindBusy
	case ErrUnsupported:
		return e.Kind == KindUnsupported
	}
	return false
}

// KindOf returns the kind of the first [*Error] in err's chain, or
// [KindUnknown] when there is none.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}
