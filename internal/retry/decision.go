// Package retry decides whether a failed attempt earns another run,
// what device recovery precedes it and which filters the next attempt
// carries.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gantry-systems/gantry/internal/device"
	"github.com/gantry-systems/gantry/internal/metrics"
	"github.com/gantry-systems/gantry/internal/result"
	"github.com/gantry-systems/gantry/internal/suite"
	"github.com/gantry-systems/gantry/pkg/types"
)

// abortMaxFailures caps how many distinct failing cases one unit may
// carry into a retry before the overhead stops being worth it.
const abortMaxFailures = 75

// PropertyStore is the invocation-scoped property bag that a fully
// isolated device reset wipes.
type PropertyStore interface {
	All() map[string]string
	Clear()
}

// Options carries the decider's collaborators.
type Options struct {
	// Invocation supplies the scheduler attributes consulted by the
	// presubmit skip.
	Invocation result.Invocation
	// Devices are the devices recovery acts on.
	Devices []device.Device
	// Properties is cleared by a fully isolated reset. Optional.
	Properties PropertyStore
	// IncludeSuitePreparation re-runs suite-level setup besides the
	// module's own steps after a reset.
	IncludeSuitePreparation bool
	Metrics                 metrics.Sink
	Log                     *slog.Logger
}

// Decider implements the retry policy for one invocation worker. Its
// per-unit counters reset whenever the considered unit changes, so it
// must only ever be driven by the worker that owns that unit.
type Decider struct {
	cfg       types.RetryConfig
	inv       result.Invocation
	devices   []device.Device
	props     PropertyStore
	suitePrep bool
	sink      metrics.Sink
	log       *slog.Logger

	current           suite.Unit
	previouslyFailing map[types.TestDescription]struct{}
	stats             *stats
	filters           *filterManager
}

// NewDecider creates a Decider for one worker's units.
func NewDecider(cfg types.RetryConfig, opts Options) *Decider {
	if cfg.MaxFailuresToRetry < 1 {
		cfg.MaxFailuresToRetry = abortMaxFailures
	}
	sink := opts.Metrics
	if sink == nil {
		sink = metrics.Nop{}
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Decider{
		cfg:       cfg,
		inv:       opts.Invocation,
		devices:   opts.Devices,
		props:     opts.Properties,
		suitePrep: opts.IncludeSuitePreparation,
		sink:      sink,
		log:       log,
	}
}

// Strategy returns the configured retry strategy.
func (d *Decider) Strategy() types.RetryStrategy { return d.cfg.Strategy }

// ShouldRetry decides whether the unit deserves another attempt after
// the one just executed, mutating the unit's filters when it does. A
// device error from the attempt is recovered or propagated before any
// strategy logic runs.
func (d *Decider) ShouldRetry(ctx context.Context, unit suite.Unit, module *suite.Module, attemptJustExecuted int, previous []*result.RunResult, deviceErr error) (bool, error) {
	retry, err := d.decide(ctx, unit, module, attemptJustExecuted, previous, deviceErr)
	d.sink.Add(metrics.RetryDecisions, 1)
	if retry {
		d.sink.Add(metrics.RetriesTriggered, 1)
	}
	return retry, err
}

func (d *Decider) decide(ctx context.Context, unit suite.Unit, module *suite.Module, attemptJustExecuted int, previous []*result.RunResult, deviceErr error) (bool, error) {
	if unit != d.current {
		d.current = unit
		d.stats = &stats{}
		d.previouslyFailing = make(map[types.TestDescription]struct{})
		d.filters = newFilterManager(unit, d.cfg.FileFiltersEnabled(), d.log)
	}

	if d.skipInPresubmit() {
		d.log.Info("retry denied, presubmit build skips retries")
		return false, nil
	}

	recovered := false
	if deviceErr != nil {
		if module == nil || !module.RecoverOnDeviceError() {
			return false, deviceErr
		}
		if err := d.recoverDevices(ctx, attemptJustExecuted, module); err != nil {
			return false, err
		}
		recovered = true
		if d.cfg.IsolationGrade == types.FullyIsolated {
			d.sink.Add(metrics.DeviceRecoveries, 1)
		}
	}

	switch d.cfg.Strategy {
	case types.NoRetry:
		d.log.Info("retry denied, strategy is NO_RETRY")
		return false, nil
	case types.Iterations:
		if !recovered {
			if err := d.recoverDevices(ctx, attemptJustExecuted, module); err != nil {
				return false, err
			}
		}
		d.log.Info("retry granted, iterating", "attempt", attemptJustExecuted)
		return true, nil
	case types.RerunUntilFailure:
		if hasAnyFailures(previous) {
			d.log.Info("retry denied, a failure appeared while rerunning until failure")
			return false, nil
		}
		return true, nil
	}

	if !hasAnyFailures(previous) {
		d.log.Info("retry denied, nothing failed")
		d.stats.addRun(previous, 0)
		return false, nil
	}

	var skipTests []string
	if module != nil {
		skipModule, tests := d.moduleSkipFilters(module.ID())
		if skipModule {
			d.log.Info("retry denied, module is in the skip-retrying list", "module", module.ID())
			d.sink.Add(metrics.RetryAllTestsFiltered, 1)
			return false, nil
		}
		skipTests = tests
	} else {
		// Without a module in scope every entry's test part applies.
		skipTests = append(skipTests, d.cfg.SkipRetryingList...)
	}

	retry := false
	start := time.Now()
	switch {
	case d.filters.filterable():
		retry = d.handleRetryFailures(previous, skipTests)
	case isAutoRetriable(unit):
		var err error
		retry, err = unit.(suite.AutoRetriable).ShouldRetry(attemptJustExecuted, previous, skipTests)
		if err != nil {
			return false, err
		}
	default:
		d.log.Info("retry denied, unit accepts neither filters nor auto-retry", "unit", unit.ID())
		return false, nil
	}
	if retry && !recovered {
		if err := d.recoverDevices(ctx, attemptJustExecuted, module); err != nil {
			return false, err
		}
	}
	cost := time.Since(start)
	if !retry {
		cost = 0
	}
	d.stats.addRun(previous, cost)
	return retry, nil
}

// handleRetryFailures drives the failure-driven path for units that
// accept filters.
func (d *Decider) handleRetryFailures(previous []*result.RunResult, skipTests []string) bool {
	runFailures := runFailureResults(previous)
	if hasNonRetriableRunFailure(runFailures) {
		d.log.Info("retry denied, a run failure is not retriable")
		return false
	}
	failed := failedTestCases(previous)

	if d.cfg.UpdatedFilteringEnabled() {
		if len(runFailures) == 0 && len(failed) == 0 {
			d.log.Info("retry denied, nothing failed")
			return false
		}
		if len(failed) > d.cfg.MaxFailuresToRetry {
			d.log.Info("retry denied, too many failing cases",
				"failures", len(failed), "limit", d.cfg.MaxFailuresToRetry)
			return false
		}
		for _, test := range passedTestCases(previous) {
			d.filters.excludePassed(test)
		}
		allFiltered := d.excludeNonRetriable(failed, skipTests)
		if allFiltered && len(runFailures) == 0 {
			d.log.Info("retry denied, every failure was filtered out")
			d.sink.Add(metrics.RetryAllTestsFiltered, 1)
		}
		return !allFiltered || len(runFailures) > 0
	}

	if len(runFailures) > 0 {
		if anyFullRerun(runFailures) {
			d.log.Info("retry granted, re-running the whole unit", "failed_runs", len(runFailures))
			return true
		}
		d.log.Info("retry granted, excluding previously passed tests")
		for _, test := range passedTestCases(previous) {
			d.filters.excludePassed(test)
		}
		return true
	}

	// Test case failures re-run behind include filters. Cases that
	// stopped failing between attempts drop out of the tracked set.
	if len(d.previouslyFailing) > 0 {
		kept := make([]failedCase, 0, len(failed))
		next := make(map[types.TestDescription]struct{}, len(failed))
		for _, fc := range failed {
			if _, ok := d.previouslyFailing[fc.desc]; ok {
				kept = append(kept, fc)
				next[fc.desc] = struct{}{}
			}
		}
		failed = kept
		d.previouslyFailing = next
	}
	if len(failed) > d.cfg.MaxFailuresToRetry {
		d.log.Info("retry denied, too many failing cases",
			"failures", len(failed), "limit", d.cfg.MaxFailuresToRetry)
		return false
	}
	if len(failed) > 0 {
		d.log.Info("retry granted, re-running the failed cases", "failures", len(failed))
		d.addRetriedTestsToFilters(failed)
		return true
	}
	d.log.Info("retry denied, nothing failed")
	return false
}

// addRetriedTestsToFilters narrows the unit to the failed cases:
// include filters are rebuilt from scratch, parameters stripped since
// not every runner accepts parameterized includes.
func (d *Decider) addRetriedTestsToFilters(failed []failedCase) {
	d.filters.clearIncludes()
	for _, fc := range failed {
		if fc.res.Failure == nil || fc.res.Failure.Retriable {
			d.filters.include(fc.desc.ClassName + "#" + fc.desc.TestNameWithoutParams())
		} else {
			d.filters.exclude(fc.desc.String())
		}
		d.previouslyFailing[fc.desc] = struct{}{}
	}
}

// excludeNonRetriable excludes failed cases that must not run again and
// reports whether that filtered every failure out.
func (d *Decider) excludeNonRetriable(failed []failedCase, skipTests []string) bool {
	skip := make(map[string]struct{}, len(skipTests))
	for _, s := range skipTests {
		skip[s] = struct{}{}
	}
	remaining := len(failed)
	for _, fc := range failed {
		excluded := false
		if fc.res.Failure != nil && !fc.res.Failure.Retriable {
			d.filters.exclude(fc.desc.String())
			excluded = true
		}
		if _, ok := skip[fc.desc.String()]; ok {
			d.filters.exclude(fc.desc.String())
			d.sink.Add(metrics.RetrySkippedInList, 1)
			d.log.Info("skipping retry of a skip-listed case", "test", fc.desc.String())
			excluded = true
		}
		if excluded {
			remaining--
		}
	}
	return remaining == 0
}

// recoverDevices restores device state between attempts according to
// the configured isolation grade.
func (d *Decider) recoverDevices(ctx context.Context, attemptJustExecuted int, module *suite.Module) error {
	switch d.cfg.IsolationGrade {
	case types.RebootIsolated:
		return device.RebootAll(ctx, d.log, d.sink, d.devices)
	case types.FullyIsolated:
		return d.resetIsolation(ctx, module)
	default:
		if d.cfg.RebootAtLastRetry && attemptJustExecuted == d.cfg.MaxAttempts-2 {
			return device.RebootAll(ctx, d.log, d.sink, d.devices)
		}
	}
	return nil
}

func (d *Decider) resetIsolation(ctx context.Context, module *suite.Module) error {
	if err := device.ResetAll(ctx, d.log, d.sink, d.devices); err != nil {
		return err
	}
	if d.props != nil {
		d.log.Info("clearing host properties after reset", "count", len(d.props.All()))
		d.props.Clear()
	}
	return d.reSetupModule(ctx, module)
}

// reSetupModule re-runs the module's preparation on freshly reset
// devices. A preparation failure means the devices cannot be trusted
// for another attempt.
func (d *Decider) reSetupModule(ctx context.Context, module *suite.Module) error {
	if module == nil {
		return nil
	}
	d.sink.Record(metrics.DeviceResetModules, module.ID())
	if err := module.RunPreparation(ctx, d.suitePrep); err != nil {
		d.log.Error("module preparation failed after reset", "module", module.ID(), "error", err)
		return &device.NotAvailableError{
			Serial: d.firstSerial(),
			Err:    fmt.Errorf("preparation failed after device reset: %w", err),
		}
	}
	return nil
}

func (d *Decider) firstSerial() string {
	for _, dev := range d.devices {
		if !dev.Stub() {
			return dev.Serial()
		}
	}
	return ""
}

func (d *Decider) skipInPresubmit() bool {
	return d.cfg.SkipRetryInPresubmit && d.inv.Attribute(types.AttrTrigger) == types.TriggerPresubmit
}

// AddLastAttempt folds the final attempt's results into the statistics.
// The last attempt never triggers a decision of its own.
func (d *Decider) AddLastAttempt(results []*result.RunResult) {
	if d.stats == nil {
		d.stats = &stats{}
	}
	d.stats.addRun(results, 0)
}

// Statistics summarizes the retry outcomes observed so far for the
// considered unit.
func (d *Decider) Statistics() Statistics {
	if d.stats == nil {
		return Statistics{}
	}
	return d.stats.statistics()
}

// failedCase pairs a failing test with its recorded outcome.
type failedCase struct {
	desc types.TestDescription
	res  *result.TestResult
}

// failedTestCases collects the cases that failed across the attempt's
// results, keeping first-seen order and the latest outcome per case.
func failedTestCases(results []*result.RunResult) []failedCase {
	var out []failedCase
	index := make(map[types.TestDescription]int)
	for _, run := range results {
		if run == nil {
			continue
		}
		for _, desc := range run.Descriptions() {
			tr, _ := run.Result(desc)
			if tr.Status != types.StatusFailed {
				continue
			}
			if i, ok := index[desc]; ok {
				out[i].res = tr
				continue
			}
			index[desc] = len(out)
			out = append(out, failedCase{desc: desc, res: tr})
		}
	}
	return out
}

// passedTestCases collects every case that did not fail.
func passedTestCases(results []*result.RunResult) []types.TestDescription {
	var out []types.TestDescription
	seen := make(map[types.TestDescription]struct{})
	for _, run := range results {
		if run == nil {
			continue
		}
		for _, desc := range run.Descriptions() {
			tr, _ := run.Result(desc)
			if tr.Status == types.StatusFailed {
				continue
			}
			if _, ok := seen[desc]; ok {
				continue
			}
			seen[desc] = struct{}{}
			out = append(out, desc)
		}
	}
	return out
}

func runFailureResults(results []*result.RunResult) []*result.RunResult {
	var out []*result.RunResult
	for _, run := range results {
		if run != nil && run.IsRunFailure() {
			out = append(out, run)
		}
	}
	return out
}

func hasNonRetriableRunFailure(failed []*result.RunResult) bool {
	for _, run := range failed {
		if !run.RunFailure().Retriable {
			return true
		}
	}
	return false
}

func anyFullRerun(failed []*result.RunResult) bool {
	for _, run := range failed {
		if run.RunFailure().FullRerun {
			return true
		}
	}
	return false
}

// hasAnyFailures reports whether any run-level or test-case failure
// exists in the attempt's results.
func hasAnyFailures(results []*result.RunResult) bool {
	for _, run := range results {
		if run == nil {
			continue
		}
		if run.IsRunFailure() || run.HasFailedTests() {
			return true
		}
	}
	return false
}

func isAutoRetriable(unit suite.Unit) bool {
	_, ok := unit.(suite.AutoRetriable)
	return ok
}
