package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/companion/pkg/device"
	"github.com/MrWong99/companion/pkg/remote"
)

// Sentinel errors.
var (
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("session: not connected")

	// ErrOpenTimeout is wrapped when the remote side never confirmed the
	// channel within the open timeout.
	ErrOpenTimeout = errors.New("session: remote channel did not open in time")
)

// Kind classifies a session-visible failure.
type Kind int

const (
	KindPermission Kind = iota + 1
	KindDevice
	KindUnsupported
	KindNetwork
	KindDecode
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindPermission:
		return "permission"
	case KindDevice:
		return "device"
	case KindUnsupported:
		return "unsupported"
	case KindNetwork:
		return "network"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Scope names the capability an error belongs to.
type Scope string

const (
	ScopeMicrophone Scope = "microphone"
	ScopeSpeaker    Scope = "speaker"
	ScopeCamera     Scope = "camera"
	ScopeScreen     Scope = "screen"
	ScopeSession    Scope = "session"
)

// Error is a classified failure carrying a short message fit for users.
type Error struct {
	Kind    Kind   `json:"kind"`
	Scope   Scope  `json:"scope"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session: %s %s: %s", e.Scope, e.Kind, e.Message)
	}
	return fmt.Sprintf("session: %s %s: %v", e.Scope, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// SessionLevel reports whether e ends the session. Microphone failures
// only reach the session during Connect, where they are fatal.
func (e *Error) SessionLevel() bool {
	return e.Scope == ScopeSession || e.Scope == ScopeMicrophone || e.Scope == ScopeSpeaker
}

// classifyDevice maps a device acquisition failure onto the taxonomy.
func classifyDevice(scope Scope, err error) *Error {
	var kind Kind
	switch device.KindOf(err) {
	case device.KindPermissionDenied:
		kind = KindPermission
	case device.KindUnsupported:
		kind = KindUnsupported
	default:
		kind = KindDevice
	}
	return &Error{Kind: kind, Scope: scope, Message: userMessage(scope, device.KindOf(err)), Err: err}
}

// classifyRemote maps a remote channel failure onto the taxonomy.
// connected tells whether the session had already been established.
func classifyRemote(err error, connected bool) *Error {
	msg := "Could not reach the assistant. Check your network connection and try again."
	switch {
	case connected:
		msg = "The connection to the assistant was lost."
	case errors.Is(err, ErrOpenTimeout), errors.Is(err, context.DeadlineExceeded):
		msg = "The assistant did not respond in time. Try again in a moment."
	case errors.Is(err, remote.ErrInvalidConfig):
		msg = "The assistant settings are invalid. Check the configuration."
	}
	return &Error{Kind: KindNetwork, Scope: ScopeSession, Message: msg, Err: err}
}

// decodeError wraps a malformed inbound segment. It is logged, never shown.
func decodeError(err error) *Error {
	return &Error{Kind: KindDecode, Scope: ScopeSession, Message: "Received malformed audio.", Err: err}
}

func userMessage(scope Scope, k device.Kind) string {
	switch scope {
	case ScopeMicrophone:
		switch k {
		case device.KindPermissionDenied:
			return "Microphone access denied. Allow microphone access in your system privacy settings."
		case device.KindNotFound:
			return "No microphone found. Connect a microphone and try again."
		case device.KindBusy:
			return "The microphone is in use by another application."
		}
		return "The microphone could not be started."
	case ScopeSpeaker:
		if k == device.KindNotFound {
			return "No audio output device found."
		}
		return "Audio output could not be started."
	case ScopeCamera:
		switch k {
		case device.KindPermissionDenied:
			return "Camera access denied. Allow camera access in your system privacy settings."
		case device.KindNotFound:
			return "No camera found."
		case device.KindBusy:
			return "The camera is in use by another application."
		case device.KindUnsupported:
			return "Camera capture is not supported on this system."
		}
		return "The camera could not be started."
	case ScopeScreen:
		switch k {
		case device.KindPermissionDenied:
			return "Screen recording permission denied. Allow it in your system privacy settings."
		case device.KindNotFound:
			return "No screen available to share."
		case device.KindBusy:
			return "Screen sharing is already in use."
		case device.KindUnsupported:
			return "Screen sharing is not supported on this system."
		}
		return "Screen sharing could not be started."
	}
	return "Something went wrong."
}
