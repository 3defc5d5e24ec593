// Package device abstracts the devices a shard executes against and the
// recovery actions applied between attempts.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Device is a handle to one device under test. Implementations wrap a real
// transport; tests use in-memory fakes.
type Device interface {
	// Serial uniquely identifies the device.
	Serial() string
	// Stub reports placeholder devices that take no real actions; recovery
	// skips them.
	Stub() bool
	// Reboot restarts the device and blocks until it is back online.
	Reboot(ctx context.Context) error
	// Reset restores the device to a clean state, wiping test residue.
	Reset(ctx context.Context) error
	// WaitForAvailable blocks until the device answers or the timeout
	// expires.
	WaitForAvailable(ctx context.Context, timeout time.Duration) error
}

// NotAvailableError reports a device that dropped off and did not come back.
type NotAvailableError struct {
	Serial string
	Err    error
}

// Error implements the error interface.
func (e *NotAvailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device %s not available: %v", e.Serial, e.Err)
	}
	return fmt.Sprintf("device %s not available", e.Serial)
}

// Unwrap returns the underlying cause.
func (e *NotAvailableError) Unwrap() error { return e.Err }

// UnresponsiveError reports a device that is still attached but stopped
// answering. A reboot usually brings it back.
type UnresponsiveError struct {
	Serial string
	Err    error
}

// Error implements the error interface.
func (e *UnresponsiveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device %s unresponsive: %v", e.Serial, e.Err)
	}
	return fmt.Sprintf("device %s unresponsive", e.Serial)
}

// Unwrap returns the underlying cause.
func (e *UnresponsiveError) Unwrap() error { return e.Err }

// IsUnresponsive reports whether err is an UnresponsiveError.
func IsUnresponsive(err error) bool {
	var e *UnresponsiveError
	return errors.As(err, &e)
}

// IsNotAvailable reports whether err indicates device loss. An unresponsive
// device counts as lost for callers that do not handle it separately.
func IsNotAvailable(err error) bool {
	var e *NotAvailableError
	if errors.As(err, &e) {
		return true
	}
	return IsUnresponsive(err)
}
