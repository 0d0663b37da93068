package trigger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidState = errors.New("action not permitted in current plan state")
	ErrAborted      = errors.New("operation discarded by abort")
)

type InvalidStateError struct {
	Action string
	State  State
	Reason string
}

func (e *InvalidStateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s not permitted in state %s: %s", e.Action, e.State, e.Reason)
	}
	return fmt.Sprintf("%s not permitted in state %s", e.Action, e.State)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// DeviceCommError wraps a failed call on the device session.
type DeviceCommError struct {
	Op  string
	Err error
}

func (e *DeviceCommError) Error() string {
	return fmt.Sprintf("device %s failed: %v", e.Op, e.Err)
}

func (e *DeviceCommError) Unwrap() error {
	return e.Err
}
