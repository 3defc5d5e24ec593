package device

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gantry-systems/gantry/internal/metrics"
)

// RebootAll reboots every non-stub device and blocks until each is back.
func RebootAll(ctx context.Context, log *slog.Logger, sink metrics.Sink, devices []Device) error {
	if log == nil {
		log = slog.Default()
	}
	for _, d := range devices {
		if d.Stub() {
			continue
		}
		log.Info("rebooting device", "serial", d.Serial())
		if err := d.Reboot(ctx); err != nil {
			return fmt.Errorf("rebooting %s: %w", d.Serial(), err)
		}
		sink.Add(metrics.DeviceReboots, 1)
	}
	return nil
}

// ResetAll resets every non-stub device to a clean state. A failed reset
// means the device cannot be trusted for another attempt, so it is reported
// as a NotAvailableError.
func ResetAll(ctx context.Context, log *slog.Logger, sink metrics.Sink, devices []Device) error {
	if log == nil {
		log = slog.Default()
	}
	for _, d := range devices {
		if d.Stub() {
			continue
		}
		log.Info("resetting device", "serial", d.Serial())
		if err := d.Reset(ctx); err != nil {
			return &NotAvailableError{Serial: d.Serial(), Err: fmt.Errorf("device failed to reset: %w", err)}
		}
		sink.Add(metrics.DeviceResets, 1)
	}
	return nil
}

// RecoverAll reboots non-stub devices after a device-level error so the next
// attempt starts from a responsive state. Unlike ResetAll, a failure here is
// returned as-is for the caller's policy to interpret.
func RecoverAll(ctx context.Context, log *slog.Logger, sink metrics.Sink, devices []Device) error {
	if log == nil {
		log = slog.Default()
	}
	for _, d := range devices {
		if d.Stub() {
			continue
		}
		log.Info("recovering device after device error", "serial", d.Serial())
		if err := d.Reboot(ctx); err != nil {
			return fmt.Errorf("recovering %s: %w", d.Serial(), err)
		}
	}
	sink.Add(metrics.DeviceRecoveries, 1)
	return nil
}
