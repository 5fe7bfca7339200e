//go:build !darwin

package permissions

// systemChecker authorizes everything on platforms without per-app capture
// authorization.
type systemChecker struct{}

func (systemChecker) Check(Resource) Status { return StatusAuthorized }

func (systemChecker) Request(Resource) {}
