package invoker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gantry-systems/gantry/internal/device"
	"github.com/gantry-systems/gantry/internal/metrics"
	"github.com/gantry-systems/gantry/internal/pool"
	"github.com/gantry-systems/gantry/internal/result"
	"github.com/gantry-systems/gantry/internal/suite"
	"github.com/gantry-systems/gantry/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	caseOne = types.TestDescription{ClassName: "com.example.FooTest", TestName: "testOne"}
	caseTwo = types.TestDescription{ClassName: "com.example.FooTest", TestName: "testTwo"}
)

type fakeDevice struct {
	serial  string
	reboots int
	resets  int
}

func (f *fakeDevice) Serial() string { return f.serial }
func (f *fakeDevice) Stub() bool     { return false }

func (f *fakeDevice) Reboot(context.Context) error {
	f.reboots++
	return nil
}

func (f *fakeDevice) Reset(context.Context) error {
	f.resets++
	return nil
}

func (f *fakeDevice) WaitForAvailable(context.Context, time.Duration) error { return nil }

var _ device.Device = (*fakeDevice)(nil)

func intPtr(v int) *int    { return &v }
func boolPtr(b bool) *bool { return &b }

// reportTests reports every test through the listener, failing the ones
// in fail.
func reportTests(l result.Listener, name string, tests []types.TestDescription, fail map[types.TestDescription]bool) {
	l.RunStarted(name, len(tests), 0, time.Now())
	for _, tc := range tests {
		l.TestStarted(tc, time.Now())
		if fail[tc] {
			l.TestFailed(tc, types.NewFailure("boom"))
		}
		l.TestEnded(tc, time.Now(), nil)
	}
	l.RunEnded(250*time.Millisecond, nil)
}

// passingModule builds a module whose filtered tests all pass. The
// returned counter reports how often the module ran.
func passingModule(name string, tests ...types.TestDescription) (*suite.Module, *int) {
	m := suite.NewModule(name, "x86", tests)
	runs := new(int)
	m.SetRunFunc(func(ctx context.Context, mod *suite.Module, rc suite.RunContext) error {
		*runs++
		filtered, err := mod.FilteredTests()
		if err != nil {
			return err
		}
		reportTests(rc.Listener, mod.Name(), filtered, nil)
		return nil
	})
	return m, runs
}

// flakyModule builds a module over caseOne and caseTwo whose flaky cases
// fail on the first run only.
func flakyModule(name string, flaky map[types.TestDescription]bool) (*suite.Module, *int) {
	m := suite.NewModule(name, "x86", []types.TestDescription{caseOne, caseTwo})
	runs := new(int)
	m.SetRunFunc(func(ctx context.Context, mod *suite.Module, rc suite.RunContext) error {
		*runs++
		filtered, err := mod.FilteredTests()
		if err != nil {
			return err
		}
		fail := map[types.TestDescription]bool{}
		if *runs == 1 {
			fail = flaky
		}
		reportTests(rc.Listener, mod.Name(), filtered, fail)
		return nil
	})
	return m, runs
}

func retryCfg(strategy types.RetryStrategy, attempts int) types.HarnessConfig {
	return types.HarnessConfig{
		Retry: types.RetryConfig{
			Strategy:    strategy,
			MaxAttempts: attempts,
			FileFilters: boolPtr(false),
		},
	}
}

func TestInvokeReportsSingleAttempt(t *testing.T) {
	rep := result.NewCollector()
	m, runs := passingModule("module1", caseOne, caseTwo)
	iv := New(types.HarnessConfig{}, Options{
		InvocationID: "inv-42",
		Devices:      []device.Device{&fakeDevice{serial: "d1"}},
		Reporters:    []result.Listener{rep},
	})

	require.NoError(t, iv.Invoke(context.Background(), []suite.Unit{m}))

	assert.Equal(t, 1, *runs)
	assert.Equal(t, "inv-42", rep.Invocation().ID)
	assert.Equal(t, "inv-42", rep.Invocation().Attribute(types.AttrInvocationID))
	assert.Equal(t, "0", rep.Invocation().Attribute(types.AttrAttemptID))
	require.Len(t, rep.RunResults("module1"), 1)
	assert.Equal(t, 0, rep.RunResults("module1")[0].Attempt())
	assert.Equal(t, 2, rep.NumTestsInState(types.StatusPassed))
	assert.Empty(t, rep.InvocationFailures())
}

func TestInvokeGeneratesInvocationID(t *testing.T) {
	rep := result.NewCollector()
	m, _ := passingModule("module1", caseOne)
	iv := New(types.HarnessConfig{}, Options{Reporters: []result.Listener{rep}})

	require.NoError(t, iv.Invoke(context.Background(), []suite.Unit{m}))

	assert.NotEmpty(t, rep.Invocation().ID)
	assert.Equal(t, rep.Invocation().ID, rep.Invocation().Attribute(types.AttrInvocationID))
}

func TestInvokeRetriesFailuresUntilTheyClear(t *testing.T) {
	rep := result.NewCollector()
	detail := result.NewCollector()
	reg := metrics.NewRegistry()
	m, runs := flakyModule("module1", map[types.TestDescription]bool{caseTwo: true})
	iv := New(retryCfg(types.RetryAnyFailure, 3), Options{
		Devices:           []device.Device{&fakeDevice{serial: "d1"}},
		Reporters:         []result.Listener{rep},
		DetailedReporters: []result.Listener{detail},
		Metrics:           reg,
	})

	require.NoError(t, iv.Invoke(context.Background(), []suite.Unit{m}))

	assert.Equal(t, 2, *runs)
	require.Len(t, rep.RunResults("module1"), 1)
	merged := rep.RunResults("module1")[0]
	assert.Equal(t, 0, merged.Attempt())
	assert.False(t, merged.IsRunFailure())
	assert.Equal(t, 2, rep.NumTestsInState(types.StatusPassed))
	assert.Equal(t, 0, rep.NumTestsInState(types.StatusFailed))

	assert.Equal(t, 2, detail.RunAttempts("module1"))
	assert.Contains(t, m.ExcludeFilters(), "com.example.FooTest#testOne")
	assert.Equal(t, int64(1), reg.Count(metrics.RetriesTriggered))
	assert.Equal(t, int64(2), reg.Count(metrics.RetryDecisions))
}

func TestInvokeSkipsRetryAfterCleanFirstRun(t *testing.T) {
	rep := result.NewCollector()
	m, runs := passingModule("module1", caseOne, caseTwo)
	iv := New(retryCfg(types.RetryAnyFailure, 3), Options{Reporters: []result.Listener{rep}})

	require.NoError(t, iv.Invoke(context.Background(), []suite.Unit{m}))

	assert.Equal(t, 1, *runs)
	assert.Equal(t, 2, rep.NumTestsInState(types.StatusPassed))
}

func TestInvokeHonorsNoRetryStrategy(t *testing.T) {
	rep := result.NewCollector()
	m, runs := flakyModule("module1", map[types.TestDescription]bool{caseTwo: true})
	iv := New(retryCfg(types.NoRetry, 3), Options{Reporters: []result.Listener{rep}})

	require.NoError(t, iv.Invoke(context.Background(), []suite.Unit{m}))

	assert.Equal(t, 1, *runs)
	assert.Equal(t, 1, rep.NumTestsInState(types.StatusPassed))
	assert.Equal(t, 1, rep.NumTestsInState(types.StatusFailed))
}

func TestInvokeReshardsAcrossWorkers(t *testing.T) {
	rep := result.NewCollector()
	reg := metrics.NewRegistry()
	m1, runs1 := passingModule("module1", caseOne)
	m2, runs2 := passingModule("module2", caseTwo)
	cfg := types.HarnessConfig{Sharding: types.ShardingConfig{ShardCount: intPtr(2)}}
	iv := New(cfg, Options{Reporters: []result.Listener{rep}, Metrics: reg})

	require.NoError(t, iv.Invoke(context.Background(), []suite.Unit{m1, m2}))

	assert.Equal(t, 1, *runs1)
	assert.Equal(t, 1, *runs2)
	assert.ElementsMatch(t, []string{"module1", "module2"}, rep.RunNames())
	assert.Equal(t, int64(2), reg.Count(metrics.ShardsCreated))
	assert.Equal(t, 2, rep.NumTestsInState(types.StatusPassed))
}

func TestInvokePooledModeDrainsThePool(t *testing.T) {
	rep := result.NewCollector()
	reg := metrics.NewRegistry()
	var units []suite.Unit
	var counters []*int
	for i := 1; i <= 3; i++ {
		m, runs := passingModule(fmt.Sprintf("module%d", i), caseOne)
		units = append(units, m)
		counters = append(counters, runs)
	}
	cfg := types.HarnessConfig{Sharding: types.ShardingConfig{RemoteDynamicSharding: true}}
	iv := New(cfg, Options{
		Pool:      pool.NewLocalPool(),
		Workers:   2,
		Reporters: []result.Listener{rep},
		Metrics:   reg,
	})

	require.NoError(t, iv.Invoke(context.Background(), units))

	for i, c := range counters {
		assert.Equal(t, 1, *c, "module%d", i+1)
	}
	assert.ElementsMatch(t, []string{"module1", "module2", "module3"}, rep.RunNames())
	assert.Equal(t, 3, rep.NumTestsInState(types.StatusPassed))
	assert.Equal(t, int64(3), reg.Count(metrics.PoolSeededModules))
	assert.Equal(t, int64(3), reg.Count(metrics.PoolPolledModules))
	assert.Equal(t, int64(0), reg.Count(metrics.PoolTestsNotExecuted))
}

func TestInvokePooledModeRetriesClaimedModules(t *testing.T) {
	rep := result.NewCollector()
	m, runs := flakyModule("module1", map[types.TestDescription]bool{caseTwo: true})
	cfg := retryCfg(types.RetryAnyFailure, 3)
	cfg.Sharding.RemoteDynamicSharding = true
	iv := New(cfg, Options{
		Pool:      pool.NewLocalPool(),
		Workers:   1,
		Reporters: []result.Listener{rep},
	})

	require.NoError(t, iv.Invoke(context.Background(), []suite.Unit{m}))

	assert.Equal(t, 2, *runs)
	assert.Equal(t, 2, rep.NumTestsInState(types.StatusPassed))
	assert.Equal(t, 0, rep.NumTestsInState(types.StatusFailed))
}

func TestInvokePooledModeRejectsOpaqueUnits(t *testing.T) {
	rep := result.NewCollector()
	cfg := types.HarnessConfig{Sharding: types.ShardingConfig{RemoteDynamicSharding: true}}
	iv := New(cfg, Options{Pool: pool.NewLocalPool(), Reporters: []result.Listener{rep}})

	err := iv.Invoke(context.Background(), []suite.Unit{&flakyUnit{}})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "dynamic sharding")
	require.Len(t, rep.InvocationFailures(), 1)
	assert.Equal(t, types.FailureInfra, rep.InvocationFailures()[0].Status)
}

func TestInvokeSurfacesDeviceLoss(t *testing.T) {
	rep := result.NewCollector()
	m := suite.NewModule("module1", "x86", []types.TestDescription{caseOne})
	m.SetRunFunc(func(ctx context.Context, mod *suite.Module, rc suite.RunContext) error {
		rc.Listener.RunStarted(mod.Name(), 1, 0, time.Now())
		rc.Listener.RunEnded(0, nil)
		return &device.NotAvailableError{Serial: "d1", Err: errors.New("usb gone")}
	})
	iv := New(types.HarnessConfig{}, Options{
		Devices:   []device.Device{&fakeDevice{serial: "d1"}},
		Reporters: []result.Listener{rep},
	})

	err := iv.Invoke(context.Background(), []suite.Unit{m})

	require.Error(t, err)
	assert.True(t, device.IsNotAvailable(err))
	require.Len(t, rep.InvocationFailures(), 1)
	assert.Equal(t, types.FailureLostDevice, rep.InvocationFailures()[0].Status)
}

func TestInvokeReportsPreparationFailure(t *testing.T) {
	rep := result.NewCollector()
	m := suite.NewModule("module1", "x86", []types.TestDescription{caseOne})
	m.SetRunFunc(func(ctx context.Context, mod *suite.Module, rc suite.RunContext) error {
		return &suite.PreparationError{Module: mod.ID(), Err: errors.New("apk install failed")}
	})
	iv := New(types.HarnessConfig{}, Options{Reporters: []result.Listener{rep}})

	require.NoError(t, iv.Invoke(context.Background(), []suite.Unit{m}))

	require.Len(t, rep.RunResults("module1"), 1)
	run := rep.RunResults("module1")[0]
	require.True(t, run.IsRunFailure())
	assert.Contains(t, run.RunFailure().Message, "apk install failed")
	assert.Equal(t, types.FailureInfra, run.RunFailure().Status)
	assert.False(t, run.RunFailure().Retriable)
	assert.Empty(t, rep.InvocationFailures())
}

func TestInvokeRetriesPreparationAfterReset(t *testing.T) {
	rep := result.NewCollector()
	reg := metrics.NewRegistry()
	dev := &fakeDevice{serial: "d1"}
	props := NewProperties()
	props.Set("wifi_ssid", "lab-2")

	m := suite.NewModule("module1", "x86", []types.TestDescription{caseOne})
	runs := 0
	m.SetRunFunc(func(ctx context.Context, mod *suite.Module, rc suite.RunContext) error {
		runs++
		if runs == 1 {
			return &suite.PreparationError{Module: mod.ID(), Err: errors.New("target prep flaked")}
		}
		filtered, err := mod.FilteredTests()
		if err != nil {
			return err
		}
		reportTests(rc.Listener, mod.Name(), filtered, nil)
		return nil
	})

	cfg := retryCfg(types.RetryAnyFailure, 2)
	cfg.Retry.IsolationGrade = types.FullyIsolated
	iv := New(cfg, Options{
		Devices:    []device.Device{dev},
		Reporters:  []result.Listener{rep},
		Properties: props,
		Metrics:    reg,
	})

	require.NoError(t, iv.Invoke(context.Background(), []suite.Unit{m}))

	assert.Equal(t, 2, runs)
	assert.Equal(t, 1, dev.resets)
	assert.Empty(t, props.Get("wifi_ssid"))
	value, ok := reg.Value(metrics.DeviceResetModules)
	require.True(t, ok)
	assert.Equal(t, "x86 module1", value)
	require.Len(t, rep.RunResults("module1"), 1)
	run := rep.RunResults("module1")[0]
	assert.Equal(t, 0, run.Attempt())
	assert.False(t, run.IsRunFailure())
	assert.Equal(t, 1, rep.NumTestsInState(types.StatusPassed))
}

type flakyUnit struct {
	runs int
}

func (f *flakyUnit) ID() string         { return "standalone" }
func (f *flakyUnit) TestCount() int     { return 1 }
func (f *flakyUnit) NeededDevices() int { return 1 }

func (f *flakyUnit) Run(ctx context.Context, rc suite.RunContext) error {
	f.runs++
	fail := map[types.TestDescription]bool{}
	if f.runs == 1 {
		fail[caseOne] = true
	}
	reportTests(rc.Listener, "standalone", []types.TestDescription{caseOne}, fail)
	return nil
}

var _ suite.Unit = (*flakyUnit)(nil)

func TestInvokeAutoRetriesOpaqueUnits(t *testing.T) {
	rep := result.NewCollector()
	u := &flakyUnit{}
	iv := New(retryCfg(types.RetryAnyFailure, 3), Options{Reporters: []result.Listener{rep}})

	require.NoError(t, iv.Invoke(context.Background(), []suite.Unit{u}))

	assert.Equal(t, 2, u.runs)
	require.Len(t, rep.RunResults("standalone"), 1)
	assert.Equal(t, 1, rep.NumTestsInState(types.StatusPassed))
	assert.Equal(t, 0, rep.NumTestsInState(types.StatusFailed))
}

func TestInvokeReportsPartitionFailure(t *testing.T) {
	rep := result.NewCollector()
	cfg := types.HarnessConfig{Sharding: types.ShardingConfig{ShardIndex: intPtr(1)}}
	m, _ := passingModule("module1", caseOne)
	iv := New(cfg, Options{Reporters: []result.Listener{rep}})

	err := iv.Invoke(context.Background(), []suite.Unit{m})

	require.Error(t, err)
	require.Len(t, rep.InvocationFailures(), 1)
	assert.Equal(t, types.FailureInfra, rep.InvocationFailures()[0].Status)
}

func TestRunRecorderRestampsOutwardAttempts(t *testing.T) {
	out := result.NewCollector()
	rec := newRunRecorder(out, 2)

	reportTests(rec, "module1", []types.TestDescription{caseOne}, nil)

	assert.Equal(t, 3, out.RunAttempts("module1"))
	assert.Equal(t, 2, out.RunResults("module1")[2].Attempt())

	local := rec.results()
	require.Len(t, local, 1)
	assert.Equal(t, 0, local[0].Attempt())
	assert.Equal(t, "module1", local[0].Name())
}

func TestPropertiesCopyAndClear(t *testing.T) {
	p := NewProperties()
	p.Set("a", "1")
	p.Set("b", "2")

	assert.Equal(t, "1", p.Get("a"))
	all := p.All()
	all["a"] = "mutated"
	assert.Equal(t, "1", p.Get("a"))

	p.Clear()
	assert.Empty(t, p.Get("a"))
	assert.Empty(t, p.All())
}
