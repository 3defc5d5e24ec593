// Package testutil provides shared test utilities for Gantry.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gantry-systems/gantry/internal/device"
	"github.com/gantry-systems/gantry/internal/result"
	"github.com/gantry-systems/gantry/pkg/types"
)

// Compile-time interface satisfaction checks.
var (
	_ device.Device   = (*MockDevice)(nil)
	_ result.Listener = (*EventLog)(nil)
)

// MockDevice is an in-memory Device implementation for testing. Errors
// to inject and action counters are mutex-guarded so tests can drive it
// from invoker worker goroutines.
type MockDevice struct {
	mu sync.Mutex

	serial string
	stub   bool

	rebootErr error
	resetErr  error
	waitErr   error

	reboots int
	resets  int
	waits   int
}

// NewMockDevice creates a MockDevice with the given serial.
func NewMockDevice(serial string) *MockDevice {
	return &MockDevice{serial: serial}
}

func (d *MockDevice) Serial() string { return d.serial }

func (d *MockDevice) Stub() bool { return d.stub }

// SetStub marks the device as a placeholder that recovery skips.
func (d *MockDevice) SetStub(stub bool) { d.stub = stub }

func (d *MockDevice) Reboot(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reboots++
	return d.rebootErr
}

func (d *MockDevice) Reset(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	return d.resetErr
}

func (d *MockDevice) WaitForAvailable(context.Context, time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waits++
	return d.waitErr
}

// FailReboot makes subsequent reboots return err.
func (d *MockDevice) FailReboot(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rebootErr = err
}

// FailReset makes subsequent resets return err.
func (d *MockDevice) FailReset(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetErr = err
}

// Reboots returns how many times the device was rebooted.
func (d *MockDevice) Reboots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reboots
}

// Resets returns how many times the device was reset.
func (d *MockDevice) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// EventLog is a result.Listener that records one line per event in
// arrival order. Safe for concurrent use.
type EventLog struct {
	mu     sync.Mutex
	events []string
}

// NewEventLog creates an empty EventLog.
func NewEventLog() *EventLog {
	return &EventLog{}
}

func (l *EventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

// Events returns a copy of the recorded event lines.
func (l *EventLog) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

// Len returns how many events have been recorded.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *EventLog) InvocationStarted(inv result.Invocation) { l.add("invocationStarted %s", inv.ID) }

func (l *EventLog) InvocationFailed(failure *types.Failure) {
	l.add("invocationFailed %s", failure.Message)
}

func (l *EventLog) InvocationEnded(time.Duration) { l.add("invocationEnded") }

func (l *EventLog) ModuleStarted(module result.ModuleContext) { l.add("moduleStarted %s", module.ID()) }

func (l *EventLog) ModuleEnded() { l.add("moduleEnded") }

func (l *EventLog) RunStarted(name string, testCount, attempt int, _ time.Time) {
	l.add("runStarted %s tests=%d attempt=%d", name, testCount, attempt)
}

func (l *EventLog) RunFailed(failure *types.Failure) { l.add("runFailed %s", failure.Message) }

func (l *EventLog) RunEnded(time.Duration, types.Metrics) { l.add("runEnded") }

func (l *EventLog) TestStarted(test types.TestDescription, _ time.Time) {
	l.add("testStarted %s", test)
}

func (l *EventLog) TestFailed(test types.TestDescription, failure *types.Failure) {
	l.add("testFailed %s %s", test, failure.Message)
}

func (l *EventLog) TestAssumptionFailure(test types.TestDescription, _ *types.Failure) {
	l.add("testAssumptionFailure %s", test)
}

func (l *EventLog) TestIgnored(test types.TestDescription) { l.add("testIgnored %s", test) }

func (l *EventLog) TestSkipped(test types.TestDescription, reason string) {
	l.add("testSkipped %s %s", test, reason)
}

func (l *EventLog) TestEnded(test types.TestDescription, _ time.Time, _ types.Metrics) {
	l.add("testEnded %s", test)
}

func (l *EventLog) LogSaved(name string, file types.LogFile) {
	l.add("logSaved %s %s", name, file.Path)
}

// WaitFor polls check every 10ms until it returns true or timeout is reached.
func WaitFor(t *testing.T, timeout time.Duration, check func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition: %s", msg)
}

// WaitForRuns polls until the collector has recorded at least n run names.
func WaitForRuns(t *testing.T, col *result.Collector, n int, timeout time.Duration) {
	t.Helper()
	WaitFor(t, timeout, func() bool {
		return len(col.RunNames()) >= n
	}, fmt.Sprintf("%d runs recorded", n))
}
