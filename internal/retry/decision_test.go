package retry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gantry-systems/gantry/internal/device"
	"github.com/gantry-systems/gantry/internal/metrics"
	"github.com/gantry-systems/gantry/internal/result"
	"github.com/gantry-systems/gantry/internal/suite"
	"github.com/gantry-systems/gantry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testCase1 = types.TestDescription{ClassName: "com.example.FooTest", TestName: "testOne"}
	testCase2 = types.TestDescription{ClassName: "com.example.FooTest", TestName: "testTwo"}
)

type fakeDevice struct {
	serial    string
	stub      bool
	rebootErr error
	resetErr  error
	reboots   int
	resets    int
}

func (f *fakeDevice) Serial() string { return f.serial }
func (f *fakeDevice) Stub() bool     { return f.stub }

func (f *fakeDevice) Reboot(context.Context) error {
	f.reboots++
	return f.rebootErr
}

func (f *fakeDevice) Reset(context.Context) error {
	f.resets++
	return f.resetErr
}

func (f *fakeDevice) WaitForAvailable(context.Context, time.Duration) error { return nil }

var _ device.Device = (*fakeDevice)(nil)

type fakeProperties struct {
	values map[string]string
	clears int
}

func (p *fakeProperties) All() map[string]string { return p.values }

func (p *fakeProperties) Clear() {
	p.values = map[string]string{}
	p.clears++
}

func boolPtr(b bool) *bool { return &b }

// runWithFailures builds one completed "TEST" run over both test cases;
// a nil failure means the case passed.
func runWithFailures(f1, f2 *types.Failure) *result.RunResult {
	run := result.NewRunResult("TEST")
	run.RunStarted(2, time.Now())
	run.TestStarted(testCase1, time.Now())
	if f1 != nil {
		run.TestFailed(testCase1, f1)
	}
	run.TestEnded(testCase1, time.Now(), nil)
	run.TestStarted(testCase2, time.Now())
	if f2 != nil {
		run.TestFailed(testCase2, f2)
	}
	run.TestEnded(testCase2, time.Now(), nil)
	run.RunEnded(500*time.Millisecond, nil)
	return run
}

func createResult(fail1, fail2 bool) *result.RunResult {
	var f1, f2 *types.Failure
	if fail1 {
		f1 = types.NewFailure("failed1")
	}
	if fail2 {
		f2 = types.NewFailure("failed2")
	}
	return runWithFailures(f1, f2)
}

func runWithFailedCases(n int) *result.RunResult {
	run := result.NewRunResult("TEST")
	run.RunStarted(n, time.Now())
	for i := 0; i < n; i++ {
		desc := types.TestDescription{ClassName: "com.example.BigTest", TestName: fmt.Sprintf("test%d", i)}
		run.TestStarted(desc, time.Now())
		run.TestFailed(desc, types.NewFailure("failed"))
		run.TestEnded(desc, time.Now(), nil)
	}
	run.RunEnded(time.Second, nil)
	return run
}

func fooModule() *suite.Module {
	return suite.NewModule("module1", "x86", []types.TestDescription{testCase1, testCase2})
}

// listFilterConfig keeps exclusions in plain filters so tests can
// assert on them directly.
func listFilterConfig(strategy types.RetryStrategy) types.RetryConfig {
	return types.RetryConfig{
		Strategy:    strategy,
		MaxAttempts: 3,
		FileFilters: boolPtr(false),
	}
}

func TestShouldRetryNothingFailed(t *testing.T) {
	m := fooModule()
	d := NewDecider(listFilterConfig(types.RetryAnyFailure), Options{})

	previous := []*result.RunResult{createResult(false, false)}
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, previous, nil)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Empty(t, m.ExcludeFilters())
	assert.Zero(t, d.Statistics().RetryTime)
}

func TestShouldRetryFailedCase(t *testing.T) {
	m := fooModule()
	reg := metrics.NewRegistry()
	d := NewDecider(listFilterConfig(types.RetryAnyFailure), Options{Metrics: reg})

	previous := []*result.RunResult{createResult(false, true)}
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, previous, nil)
	require.NoError(t, err)
	assert.True(t, retry)
	// The updated filtering only ever excludes; the passed case drops
	// out and the failed one re-runs.
	assert.Empty(t, m.IncludeFilters())
	assert.Equal(t, []string{testCase1.String()}, m.ExcludeFilters())
	assert.Equal(t, int64(1), reg.Count(metrics.RetryDecisions))
	assert.Equal(t, int64(1), reg.Count(metrics.RetriesTriggered))
}

func TestExcludeFiltersPreferFile(t *testing.T) {
	m := fooModule()
	cfg := types.RetryConfig{Strategy: types.RetryAnyFailure, MaxAttempts: 3}
	d := NewDecider(cfg, Options{})

	previous := []*result.RunResult{createResult(false, true)}
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, previous, nil)
	require.NoError(t, err)
	assert.True(t, retry)

	path := m.ExcludeTestFile()
	require.NotEmpty(t, path)
	t.Cleanup(func() { os.Remove(path) })
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, testCase1.String()+"\n", string(data))
	assert.Empty(t, m.ExcludeFilters())

	kept, err := m.FilteredTests()
	require.NoError(t, err)
	assert.Equal(t, []types.TestDescription{testCase2}, kept)
}

func TestNonRetriableFailureExcluded(t *testing.T) {
	m := fooModule()
	d := NewDecider(listFilterConfig(types.RetryAnyFailure), Options{})

	previous := []*result.RunResult{runWithFailures(
		types.NewFailure("failed1"),
		types.NewFailure("failed2").SetRetriable(false),
	)}
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, previous, nil)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.Empty(t, m.IncludeFilters())
	assert.Equal(t, []string{testCase2.String()}, m.ExcludeFilters())
}

func TestAllFailuresNonRetriable(t *testing.T) {
	m := fooModule()
	reg := metrics.NewRegistry()
	d := NewDecider(listFilterConfig(types.RetryAnyFailure), Options{Metrics: reg})

	previous := []*result.RunResult{runWithFailures(
		nil,
		types.NewFailure("failed2").SetRetriable(false),
	)}
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, previous, nil)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Equal(t, int64(1), reg.Count(metrics.RetryAllTestsFiltered))
}

func TestRunFailureExcludesPassed(t *testing.T) {
	m := fooModule()
	d := NewDecider(listFilterConfig(types.RetryAnyFailure), Options{})

	r := createResult(false, false)
	r.RunFailed(types.NewFailure("run failed"))
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, []*result.RunResult{r}, nil)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.Empty(t, m.IncludeFilters())
	assert.ElementsMatch(t,
		[]string{testCase1.String(), testCase2.String()},
		m.ExcludeFilters())
}

func TestNonRetriableRunFailureStopsRetry(t *testing.T) {
	m := fooModule()
	d := NewDecider(listFilterConfig(types.RetryAnyFailure), Options{})

	r := createResult(false, true)
	r.RunFailed(types.NewFailure("infra broke").SetRetriable(false))
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, []*result.RunResult{r}, nil)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Empty(t, m.ExcludeFilters())
}

func TestLegacyIncludeFiltersNarrowRetry(t *testing.T) {
	m := fooModule()
	cfg := listFilterConfig(types.RetryAnyFailure)
	cfg.UpdatedFiltering = boolPtr(false)
	d := NewDecider(cfg, Options{})

	previous := []*result.RunResult{createResult(false, true)}
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, previous, nil)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.Equal(t, []string{"com.example.FooTest#testTwo"}, m.IncludeFilters())

	// A case that starts failing later was not previously failing and
	// must not widen the retry.
	previous = []*result.RunResult{createResult(true, true)}
	retry, err = d.ShouldRetry(context.Background(), m, m, 1, previous, nil)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.Equal(t, []string{"com.example.FooTest#testTwo"}, m.IncludeFilters())
}

func TestLegacyMixedRetriability(t *testing.T) {
	m := fooModule()
	cfg := listFilterConfig(types.RetryAnyFailure)
	cfg.UpdatedFiltering = boolPtr(false)
	d := NewDecider(cfg, Options{})

	previous := []*result.RunResult{runWithFailures(
		types.NewFailure("failed1"),
		types.NewFailure("failed2").SetRetriable(false),
	)}
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, previous, nil)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.Equal(t, []string{"com.example.FooTest#testOne"}, m.IncludeFilters())
	assert.Equal(t, []string{testCase2.String()}, m.ExcludeFilters())
}

func TestLegacyRunFailureFullRerun(t *testing.T) {
	m := fooModule()
	cfg := listFilterConfig(types.RetryAnyFailure)
	cfg.UpdatedFiltering = boolPtr(false)
	d := NewDecider(cfg, Options{})

	r := createResult(false, false)
	r.RunFailed(types.NewFailure("run failed"))
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, []*result.RunResult{r}, nil)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.Empty(t, m.IncludeFilters())
	assert.Empty(t, m.ExcludeFilters())
}

func TestLegacyRunFailurePartialRerun(t *testing.T) {
	m := fooModule()
	cfg := listFilterConfig(types.RetryAnyFailure)
	cfg.UpdatedFiltering = boolPtr(false)
	d := NewDecider(cfg, Options{})

	r := createResult(true, false)
	r.RunFailed(types.NewFailure("run failed").SetFullRerun(false))
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, []*result.RunResult{r}, nil)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.Empty(t, m.IncludeFilters())
	assert.Equal(t, []string{testCase2.String()}, m.ExcludeFilters())
}

func TestSkipRetryingListModuleEntry(t *testing.T) {
	previous := []*result.RunResult{createResult(false, true)}

	tests := []struct {
		name  string
		entry string
		retry bool
	}{
		{"bare name", "module1", false},
		{"matching abi", "x86 module1", false},
		{"other abi", "arm64-v8a module1", true},
		{"other module", "module2", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := fooModule()
			cfg := listFilterConfig(types.RetryAnyFailure)
			cfg.SkipRetryingList = []string{tt.entry}
			reg := metrics.NewRegistry()
			d := NewDecider(cfg, Options{Metrics: reg})

			retry, err := d.ShouldRetry(context.Background(), m, m, 0, previous, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.retry, retry)
			if !tt.retry {
				assert.Equal(t, int64(1), reg.Count(metrics.RetryModulesSkipped))
				assert.Equal(t, int64(1), reg.Count(metrics.RetryAllTestsFiltered))
			}
		})
	}
}

func TestSkipRetryingListTestEntry(t *testing.T) {
	m := fooModule()
	cfg := listFilterConfig(types.RetryAnyFailure)
	cfg.SkipRetryingList = []string{"module1 " + testCase2.String()}
	reg := metrics.NewRegistry()
	d := NewDecider(cfg, Options{Metrics: reg})

	// Both cases fail; the skip-listed one is excluded, the other
	// still earns the retry.
	previous := []*result.RunResult{createResult(true, true)}
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, previous, nil)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.Equal(t, []string{testCase2.String()}, m.ExcludeFilters())
	assert.Equal(t, int64(1), reg.Count(metrics.RetrySkippedInList))
}

func TestSkipRetryingListFiltersEverything(t *testing.T) {
	m := fooModule()
	cfg := listFilterConfig(types.RetryAnyFailure)
	cfg.SkipRetryingList = []string{"module1 " + testCase2.String()}
	reg := metrics.NewRegistry()
	d := NewDecider(cfg, Options{Metrics: reg})

	previous := []*result.RunResult{createResult(false, true)}
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, previous, nil)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Equal(t, int64(1), reg.Count(metrics.RetryAllTestsFiltered))
}

func TestSkipRetryingListWithoutModule(t *testing.T) {
	m := fooModule()
	cfg := listFilterConfig(types.RetryAnyFailure)
	cfg.SkipRetryingList = []string{testCase2.String()}
	d := NewDecider(cfg, Options{})

	// Without a module in scope the bare "class#test" entry applies.
	previous := []*result.RunResult{createResult(false, true)}
	retry, err := d.ShouldRetry(context.Background(), m, nil, 0, previous, nil)
	require.NoError(t, err)
	assert.False(t, retry)
}

func TestDeviceErrorPropagatesWithoutRecovery(t *testing.T) {
	m := fooModule()
	dev := &fakeDevice{serial: "SERIAL1"}
	d := NewDecider(listFilterConfig(types.RetryAnyFailure), Options{Devices: []device.Device{dev}})

	deviceErr := &device.NotAvailableError{Serial: "SERIAL1", Err: errors.New("gone")}
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, nil, deviceErr)
	assert.False(t, retry)
	require.ErrorIs(t, err, deviceErr)
	assert.Zero(t, dev.resets)

	// No module in scope at all propagates too.
	retry, err = d.ShouldRetry(context.Background(), m, nil, 0, nil, deviceErr)
	assert.False(t, retry)
	require.ErrorIs(t, err, deviceErr)
}

func TestDeviceErrorRecoversAndRetries(t *testing.T) {
	m := fooModule()
	m.SetRecoverOnDeviceError(true)
	prepared := 0
	m.SetPrepareFunc(func(ctx context.Context, _ *suite.Module, includeSuite bool) error {
		prepared++
		assert.True(t, includeSuite)
		return nil
	})

	dev := &fakeDevice{serial: "SERIAL1"}
	props := &fakeProperties{values: map[string]string{"build": "123"}}
	cfg := listFilterConfig(types.RetryAnyFailure)
	cfg.IsolationGrade = types.FullyIsolated
	reg := metrics.NewRegistry()
	d := NewDecider(cfg, Options{
		Devices:                 []device.Device{dev},
		Properties:              props,
		IncludeSuitePreparation: true,
		Metrics:                 reg,
	})

	deviceErr := &device.NotAvailableError{Serial: "SERIAL1"}
	previous := []*result.RunResult{createResult(false, true)}
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, previous, deviceErr)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.Equal(t, 1, dev.resets)
	assert.Equal(t, 1, prepared)
	assert.Equal(t, 1, props.clears)
	assert.Equal(t, int64(1), reg.Count(metrics.DeviceRecoveries))
	resetModules, ok := reg.Value(metrics.DeviceResetModules)
	require.True(t, ok)
	assert.Equal(t, m.ID(), resetModules)
}

func TestResetFailurePropagates(t *testing.T) {
	m := fooModule()
	m.SetRecoverOnDeviceError(true)
	dev := &fakeDevice{serial: "SERIAL1", resetErr: errors.New("powerwash failed")}
	cfg := listFilterConfig(types.RetryAnyFailure)
	cfg.IsolationGrade = types.FullyIsolated
	d := NewDecider(cfg, Options{Devices: []device.Device{dev}})

	deviceErr := &device.NotAvailableError{Serial: "SERIAL1"}
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, nil, deviceErr)
	assert.False(t, retry)
	require.Error(t, err)
	assert.True(t, device.IsNotAvailable(err))
	assert.Contains(t, err.Error(), "device failed to reset")
}

func TestPreparationFailureAfterReset(t *testing.T) {
	m := fooModule()
	m.SetRecoverOnDeviceError(true)
	m.SetPrepareFunc(func(context.Context, *suite.Module, bool) error {
		return errors.New("apk install failed")
	})
	dev := &fakeDevice{serial: "SERIAL1"}
	cfg := listFilterConfig(types.RetryAnyFailure)
	cfg.IsolationGrade = types.FullyIsolated
	d := NewDecider(cfg, Options{Devices: []device.Device{dev}})

	deviceErr := &device.NotAvailableError{Serial: "SERIAL1"}
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, nil, deviceErr)
	assert.False(t, retry)
	require.Error(t, err)
	assert.True(t, device.IsNotAvailable(err))
	assert.Contains(t, err.Error(), "preparation failed after device reset")
	assert.Contains(t, err.Error(), "SERIAL1")
}

func TestRebootAtLastRetry(t *testing.T) {
	m := fooModule()
	dev := &fakeDevice{serial: "SERIAL1"}
	cfg := listFilterConfig(types.RetryAnyFailure)
	cfg.RebootAtLastRetry = true
	d := NewDecider(cfg, Options{Devices: []device.Device{dev}})

	previous := []*result.RunResult{createResult(false, true)}
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, previous, nil)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.Zero(t, dev.reboots)

	// With three attempts total, the retry entering the final attempt
	// is the one that reboots.
	retry, err = d.ShouldRetry(context.Background(), m, m, 1, previous, nil)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.Equal(t, 1, dev.reboots)
}

func TestRebootIsolationRebootsForEachRetry(t *testing.T) {
	m := fooModule()
	dev := &fakeDevice{serial: "SERIAL1"}
	cfg := listFilterConfig(types.RetryAnyFailure)
	cfg.IsolationGrade = types.RebootIsolated
	d := NewDecider(cfg, Options{Devices: []device.Device{dev}})

	previous := []*result.RunResult{createResult(false, true)}
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, previous, nil)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.Equal(t, 1, dev.reboots)

	// A denied retry does not touch the device.
	passed := []*result.RunResult{createResult(false, false)}
	retry, err = d.ShouldRetry(context.Background(), m, m, 1, passed, nil)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Equal(t, 1, dev.reboots)
}

func TestIterationsAlwaysRetries(t *testing.T) {
	m := fooModule()
	dev := &fakeDevice{serial: "SERIAL1"}
	cfg := listFilterConfig(types.Iterations)
	cfg.IsolationGrade = types.RebootIsolated
	d := NewDecider(cfg, Options{Devices: []device.Device{dev}})

	retry, err := d.ShouldRetry(context.Background(), m, m, 0, []*result.RunResult{createResult(false, false)}, nil)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.Equal(t, 1, dev.reboots)

	retry, err = d.ShouldRetry(context.Background(), m, m, 1, []*result.RunResult{createResult(true, true)}, nil)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.Equal(t, 2, dev.reboots)
}

func TestRerunUntilFailureStopsOnFailure(t *testing.T) {
	m := fooModule()
	dev := &fakeDevice{serial: "SERIAL1"}
	cfg := listFilterConfig(types.RerunUntilFailure)
	cfg.IsolationGrade = types.RebootIsolated
	d := NewDecider(cfg, Options{Devices: []device.Device{dev}})

	retry, err := d.ShouldRetry(context.Background(), m, m, 0, []*result.RunResult{createResult(false, false)}, nil)
	require.NoError(t, err)
	assert.True(t, retry)
	// Rerun-until-failure keeps the device as is between iterations.
	assert.Zero(t, dev.reboots)

	retry, err = d.ShouldRetry(context.Background(), m, m, 1, []*result.RunResult{createResult(false, true)}, nil)
	require.NoError(t, err)
	assert.False(t, retry)
}

func TestNoRetryStrategy(t *testing.T) {
	m := fooModule()
	d := NewDecider(listFilterConfig(types.NoRetry), Options{})

	retry, err := d.ShouldRetry(context.Background(), m, m, 0, []*result.RunResult{createResult(true, true)}, nil)
	require.NoError(t, err)
	assert.False(t, retry)
}

func TestNoRetryStillRecoversDeviceError(t *testing.T) {
	m := fooModule()
	m.SetRecoverOnDeviceError(true)
	dev := &fakeDevice{serial: "SERIAL1"}
	cfg := listFilterConfig(types.NoRetry)
	cfg.IsolationGrade = types.FullyIsolated
	d := NewDecider(cfg, Options{Devices: []device.Device{dev}})

	deviceErr := &device.NotAvailableError{Serial: "SERIAL1"}
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, nil, deviceErr)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Equal(t, 1, dev.resets)
}

func TestPresubmitSkipsRetry(t *testing.T) {
	m := fooModule()
	m.SetRecoverOnDeviceError(true)
	dev := &fakeDevice{serial: "SERIAL1"}
	cfg := listFilterConfig(types.RetryAnyFailure)
	cfg.SkipRetryInPresubmit = true
	cfg.IsolationGrade = types.FullyIsolated
	inv := result.Invocation{
		ID:         "inv1",
		Attributes: map[string]string{types.AttrTrigger: types.TriggerPresubmit},
	}
	d := NewDecider(cfg, Options{Invocation: inv, Devices: []device.Device{dev}})

	previous := []*result.RunResult{createResult(false, true)}
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, previous, nil)
	require.NoError(t, err)
	assert.False(t, retry)

	// The skip applies before device handling, so even a device error
	// ends the module without recovery.
	deviceErr := &device.NotAvailableError{Serial: "SERIAL1"}
	retry, err = d.ShouldRetry(context.Background(), m, m, 0, previous, deviceErr)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Zero(t, dev.resets)
}

func TestPresubmitSkipNeedsTrigger(t *testing.T) {
	m := fooModule()
	cfg := listFilterConfig(types.RetryAnyFailure)
	cfg.SkipRetryInPresubmit = true
	inv := result.Invocation{ID: "inv1", Attributes: map[string]string{types.AttrTrigger: "MANUAL"}}
	d := NewDecider(cfg, Options{Invocation: inv})

	previous := []*result.RunResult{createResult(false, true)}
	retry, err := d.ShouldRetry(context.Background(), m, m, 0, previous, nil)
	require.NoError(t, err)
	assert.True(t, retry)
}

func TestTooManyFailuresAborts(t *testing.T) {
	m := fooModule()
	cfg := listFilterConfig(types.RetryAnyFailure)
	cfg.MaxFailuresToRetry = 2
	d := NewDecider(cfg, Options{})

	retry, err := d.ShouldRetry(context.Background(), m, m, 0, []*result.RunResult{runWithFailedCases(3)}, nil)
	require.NoError(t, err)
	assert.False(t, retry)

	d = NewDecider(cfg, Options{})
	retry, err = d.ShouldRetry(context.Background(), m, m, 0, []*result.RunResult{runWithFailedCases(2)}, nil)
	require.NoError(t, err)
	assert.True(t, retry)
}

func TestDefaultFailureCeiling(t *testing.T) {
	m := fooModule()
	d := NewDecider(listFilterConfig(types.RetryAnyFailure), Options{})

	retry, err := d.ShouldRetry(context.Background(), m, m, 0, []*result.RunResult{runWithFailedCases(76)}, nil)
	require.NoError(t, err)
	assert.False(t, retry)

	d = NewDecider(listFilterConfig(types.RetryAnyFailure), Options{})
	retry, err = d.ShouldRetry(context.Background(), m, m, 0, []*result.RunResult{runWithFailedCases(75)}, nil)
	require.NoError(t, err)
	assert.True(t, retry)
}

type autoStub struct {
	id         string
	retry      bool
	err        error
	gotAttempt int
	gotSkip    []string
	calls      int
}

func (a *autoStub) ID() string                                  { return a.id }
func (a *autoStub) TestCount() int                              { return 1 }
func (a *autoStub) NeededDevices() int                          { return 1 }
func (a *autoStub) Run(context.Context, suite.RunContext) error { return nil }

func (a *autoStub) ShouldRetry(attemptJustExecuted int, previous []*result.RunResult, skip []string) (bool, error) {
	a.calls++
	a.gotAttempt = attemptJustExecuted
	a.gotSkip = skip
	return a.retry, a.err
}

var (
	_ suite.Unit          = (*autoStub)(nil)
	_ suite.AutoRetriable = (*autoStub)(nil)
)

func TestAutoRetriableUnitDelegates(t *testing.T) {
	unit := &autoStub{id: "standalone", retry: true}
	dev := &fakeDevice{serial: "SERIAL1"}
	cfg := listFilterConfig(types.RetryAnyFailure)
	cfg.IsolationGrade = types.RebootIsolated
	cfg.SkipRetryingList = []string{testCase2.String()}
	d := NewDecider(cfg, Options{Devices: []device.Device{dev}})

	previous := []*result.RunResult{createResult(false, true)}
	retry, err := d.ShouldRetry(context.Background(), unit, nil, 2, previous, nil)
	require.NoError(t, err)
	assert.True(t, retry)
	assert.Equal(t, 1, unit.calls)
	assert.Equal(t, 2, unit.gotAttempt)
	assert.Equal(t, []string{testCase2.String()}, unit.gotSkip)
	assert.Equal(t, 1, dev.reboots)
}

func TestAutoRetriableUnitError(t *testing.T) {
	unit := &autoStub{id: "standalone", err: errors.New("cannot decide")}
	d := NewDecider(listFilterConfig(types.RetryAnyFailure), Options{})

	previous := []*result.RunResult{createResult(false, true)}
	retry, err := d.ShouldRetry(context.Background(), unit, nil, 0, previous, nil)
	assert.False(t, retry)
	require.EqualError(t, err, "cannot decide")
}

type plainUnit struct{ id string }

func (p *plainUnit) ID() string                                  { return p.id }
func (p *plainUnit) TestCount() int                              { return 1 }
func (p *plainUnit) NeededDevices() int                          { return 1 }
func (p *plainUnit) Run(context.Context, suite.RunContext) error { return nil }

func TestUnitWithoutRetryCapability(t *testing.T) {
	unit := &plainUnit{id: "opaque"}
	d := NewDecider(listFilterConfig(types.RetryAnyFailure), Options{})

	previous := []*result.RunResult{createResult(false, true)}
	retry, err := d.ShouldRetry(context.Background(), unit, nil, 0, previous, nil)
	require.NoError(t, err)
	assert.False(t, retry)
}

func TestStatisticsTrackRetryOutcomes(t *testing.T) {
	m := fooModule()
	reg := metrics.NewRegistry()
	d := NewDecider(listFilterConfig(types.RetryAnyFailure), Options{Metrics: reg})

	retry, err := d.ShouldRetry(context.Background(), m, m, 0, []*result.RunResult{createResult(false, true)}, nil)
	require.NoError(t, err)
	require.True(t, retry)

	retry, err = d.ShouldRetry(context.Background(), m, m, 1, []*result.RunResult{createResult(false, true)}, nil)
	require.NoError(t, err)
	require.True(t, retry)

	d.AddLastAttempt([]*result.RunResult{createResult(false, false)})

	stats := d.Statistics()
	assert.Equal(t, int64(1), stats.RetriedFailure)
	assert.Equal(t, int64(1), stats.RetriedSuccess)
	assert.Greater(t, stats.RetryTime, time.Duration(0))
	assert.Equal(t, int64(2), reg.Count(metrics.RetryDecisions))
	assert.Equal(t, int64(2), reg.Count(metrics.RetriesTriggered))
}

func TestUnitChangeResetsState(t *testing.T) {
	m1 := fooModule()
	m2 := suite.NewModule("module2", "x86", []types.TestDescription{testCase1})
	d := NewDecider(listFilterConfig(types.RetryAnyFailure), Options{})

	retry, err := d.ShouldRetry(context.Background(), m1, m1, 0, []*result.RunResult{createResult(false, true)}, nil)
	require.NoError(t, err)
	require.True(t, retry)
	assert.Greater(t, d.Statistics().RetryTime, time.Duration(0))

	retry, err = d.ShouldRetry(context.Background(), m2, m2, 0, []*result.RunResult{createResult(false, false)}, nil)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Zero(t, d.Statistics())
}

func TestDecisionLogKeepsModuleFormat(t *testing.T) {
	// Module identifiers round-trip through the skip-list parser the
	// same way the planner renders them.
	m := fooModule()
	entry := parseFilterEntry(m.ID())
	assert.Equal(t, "x86", entry.abi)
	assert.Equal(t, "module1", entry.name)
	assert.Empty(t, entry.test)
	assert.True(t, strings.Contains(m.ID(), " "))
}
