package binding

import (
	"errors"
	"fmt"
)

var ErrNilDevice = errors.New("no device supplied")

// BindingError reports a device facade failure while binding. Capability
// absence is never a BindingError.
type BindingError struct {
	DeviceID  string
	Subsystem string
	Err       error
}

func (e *BindingError) Error() string {
	if e.Subsystem == "" {
		return fmt.Sprintf("bind device %s: %v", e.DeviceID, e.Err)
	}
	return fmt.Sprintf("bind device %s: subsystem %s: %v", e.DeviceID, e.Subsystem, e.Err)
}

func (e *BindingError) Unwrap() error {
	return e.Err
}
