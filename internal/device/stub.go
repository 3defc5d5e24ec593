package device

import (
	"context"
	"time"
)

// StubDevice is a placeholder for invocations that plan, seed pools or
// dry-run without hardware attached. Recovery actions skip it.
type StubDevice struct {
	serial string
}

// NewStub creates a stub device with the given serial.
func NewStub(serial string) *StubDevice {
	return &StubDevice{serial: serial}
}

// Serial implements Device.
func (d *StubDevice) Serial() string { return d.serial }

// Stub implements Device.
func (d *StubDevice) Stub() bool { return true }

// Reboot implements Device as a no-op.
func (d *StubDevice) Reboot(context.Context) error { return nil }

// Reset implements Device as a no-op.
func (d *StubDevice) Reset(context.Context) error { return nil }

// WaitForAvailable implements Device; a stub is always available.
func (d *StubDevice) WaitForAvailable(context.Context, time.Duration) error { return nil }

var _ Device = (*StubDevice)(nil)
