// Package permissions pre-checks OS-level capture permissions so a denied
// microphone, camera or screen surfaces as a classified error before any
// device is opened.
//
// Only macOS gates capture behind a per-app authorization; everywhere else
// the check reports [StatusAuthorized] and the device backend reports any
// failure itself.
package permissions

import (
	"fmt"

	"github.com/MrWong99/companion/pkg/device"
)

// Resource is a capturable input.
type Resource string

const (
	Microphone Resource = "microphone"
	Camera     Resource = "camera"
	Screen     Resource = "screen"
)

// Status mirrors the platform authorization states.
type Status int

const (
	StatusNotDetermined Status = 0
	StatusRestricted    Status = 1
	StatusDenied        Status = 2
	StatusAuthorized    Status = 3
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusNotDetermined:
		return "not_determined"
	case StatusRestricted:
		return "restricted"
	case StatusDenied:
		return "denied"
	case StatusAuthorized:
		return "authorized"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Checker reports and requests permissions. The package-level [System]
// checker talks to the OS; tests substitute their own.
type Checker interface {
	Check(r Resource) Status
	// Request asks the OS to prompt the user. It does not wait for the
	// answer.
	Request(r Resource)
}

// System is the platform checker.
var System Checker = systemChecker{}

// Ensure returns a [device.KindPermissionDenied] error when r is denied or
// restricted. An undetermined status triggers the OS prompt and passes, so
// the subsequent open either succeeds or fails with its own error.
func Ensure(c Checker, r Resource) error {
	if c == nil {
		c = System
	}
	switch st := c.Check(r); st {
	case StatusDenied, StatusRestricted:
		return device.New(string(r), device.KindPermissionDenied, fmt.Errorf("os authorization %s", st))
	case StatusNotDetermined:
		c.Request(r)
	}
	return nil
}

// Static is a Checker with fixed answers. Resources missing from the map
// are authorized.
type Static map[Resource]Status

// Check implements Checker.
func (s Static) Check(r Resource) Status {
	if st, ok := s[r]; ok {
		return st
	}
	return StatusAuthorized
}

// Request implements Checker. It is a no-op.
func (Static) Request(Resource) {}
