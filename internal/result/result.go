// Package result models test execution events and their aggregation.
//
// Execution emits an ordered event stream per shard: module started, run
// started, test outcomes, run ended. Collectors record the stream into
// RunResult attempts, merge consolidates attempts under the active merge
// rule, and the retry aggregator rewrites the stream so downstream
// reporters see one coherent result per run.
package result

import (
	"time"

	"github.com/gantry-systems/gantry/pkg/types"
)

// Invocation describes one harness invocation to listeners.
type Invocation struct {
	// ID identifies the invocation across all of its shards.
	ID string
	// AttemptID distinguishes scheduling attempts of the same invocation.
	AttemptID string
	// ShardIndex is which shard this stream belongs to, -1 when unsharded.
	ShardIndex int
	// Attributes carries scheduler-provided key/value context.
	Attributes map[string]string
}

// Attribute returns the named attribute or the empty string.
func (i Invocation) Attribute(key string) string {
	if i.Attributes == nil {
		return ""
	}
	return i.Attributes[key]
}

// ModuleContext identifies a module run within an invocation.
type ModuleContext struct {
	// Name is the bare module name.
	Name string
	// Abi is the target abi, empty when the module is abi-independent.
	Abi string
}

// ID renders the canonical module identifier, "abi name" when an abi
// applies.
func (m ModuleContext) ID() string {
	if m.Abi == "" {
		return m.Name
	}
	return m.Abi + " " + m.Name
}

// TestResult is the outcome of one test case within one attempt.
type TestResult struct {
	Status     types.TestStatus
	Failure    *types.Failure
	SkipReason string
	StartTime  time.Time
	EndTime    time.Time
	Metrics    types.Metrics
	Logs       map[string]types.LogFile
}

// RunResult records one attempt of a named run: its test outcomes in
// arrival order, run-level failures and timing.
type RunResult struct {
	name          string
	attempt       int
	expectedCount int
	startTime     time.Time
	elapsed       time.Duration
	metrics       types.Metrics
	complete      bool

	tests map[types.TestDescription]*TestResult
	order []types.TestDescription

	runFailures []*types.Failure
	runLogs     map[string]types.LogFile
}

// NewRunResult creates an empty result for the named run.
func NewRunResult(name string) *RunResult {
	return &RunResult{
		name:    name,
		metrics: make(types.Metrics),
		tests:   make(map[types.TestDescription]*TestResult),
	}
}

// Name returns the run name.
func (r *RunResult) Name() string { return r.name }

// Attempt returns the attempt index this result records.
func (r *RunResult) Attempt() int { return r.attempt }

// SetAttempt records the attempt index.
func (r *RunResult) SetAttempt(attempt int) { r.attempt = attempt }

// StartTime returns when the run started.
func (r *RunResult) StartTime() time.Time { return r.startTime }

// Elapsed returns the accumulated run duration.
func (r *RunResult) Elapsed() time.Duration { return r.elapsed }

// ExpectedCount returns the announced number of tests, accumulated across
// resumed starts.
func (r *RunResult) ExpectedCount() int { return r.expectedCount }

// Complete reports whether RunEnded was seen.
func (r *RunResult) Complete() bool { return r.complete }

// Metrics returns the run-level metrics.
func (r *RunResult) Metrics() types.Metrics { return r.metrics }

// RunStarted records a start or resume of the run. Resumes accumulate the
// expected count and reopen the result.
func (r *RunResult) RunStarted(testCount int, startTime time.Time) {
	if r.startTime.IsZero() {
		r.startTime = startTime
	}
	r.expectedCount += testCount
	r.complete = false
}

// TestStarted records a test entering execution.
func (r *RunResult) TestStarted(test types.TestDescription, startTime time.Time) {
	tr := &TestResult{Status: types.StatusIncomplete, StartTime: startTime}
	if _, seen := r.tests[test]; !seen {
		r.order = append(r.order, test)
	}
	r.tests[test] = tr
}

// TestFailed marks the test failed.
func (r *RunResult) TestFailed(test types.TestDescription, failure *types.Failure) {
	tr := r.ensure(test)
	tr.Status = types.StatusFailed
	tr.Failure = failure
}

// TestAssumptionFailure marks the test as an assumption failure.
func (r *RunResult) TestAssumptionFailure(test types.TestDescription, failure *types.Failure) {
	tr := r.ensure(test)
	tr.Status = types.StatusAssumptionFailure
	tr.Failure = failure
}

// TestIgnored marks the test ignored.
func (r *RunResult) TestIgnored(test types.TestDescription) {
	r.ensure(test).Status = types.StatusIgnored
}

// TestSkipped marks the test skipped with a reason.
func (r *RunResult) TestSkipped(test types.TestDescription, reason string) {
	tr := r.ensure(test)
	tr.Status = types.StatusSkipped
	tr.SkipReason = reason
}

// TestEnded closes the test. A test still in progress is marked passed.
func (r *RunResult) TestEnded(test types.TestDescription, endTime time.Time, testMetrics types.Metrics) {
	tr := r.ensure(test)
	if tr.Status == types.StatusIncomplete {
		tr.Status = types.StatusPassed
	}
	tr.EndTime = endTime
	tr.Metrics = testMetrics
}

// TestLog attaches a log file to the test.
func (r *RunResult) TestLog(test types.TestDescription, name string, file types.LogFile) {
	tr := r.ensure(test)
	if tr.Logs == nil {
		tr.Logs = make(map[string]types.LogFile)
	}
	tr.Logs[name] = file
}

// LogSaved attaches a saved artifact to the run.
func (r *RunResult) LogSaved(name string, file types.LogFile) {
	if r.runLogs == nil {
		r.runLogs = make(map[string]types.LogFile)
	}
	r.runLogs[name] = file
}

// RunLogs returns the artifacts attached at run level.
func (r *RunResult) RunLogs() map[string]types.LogFile { return r.runLogs }

// RunFailed records a run-level failure. Several failures accumulate.
func (r *RunResult) RunFailed(failure *types.Failure) {
	r.runFailures = append(r.runFailures, failure)
}

// RunEnded closes the run, accumulating elapsed time and metrics.
func (r *RunResult) RunEnded(elapsed time.Duration, runMetrics types.Metrics) {
	r.elapsed += elapsed
	for k, v := range runMetrics {
		r.metrics[k] = v
	}
	r.complete = true
}

func (r *RunResult) ensure(test types.TestDescription) *TestResult {
	if tr, ok := r.tests[test]; ok {
		return tr
	}
	tr := &TestResult{Status: types.StatusIncomplete}
	r.tests[test] = tr
	r.order = append(r.order, test)
	return tr
}

// IsRunFailure reports whether any run-level failure was recorded.
func (r *RunResult) IsRunFailure() bool { return len(r.runFailures) > 0 }

// RunFailure consolidates the recorded run-level failures into one, nil
// when the run did not fail.
func (r *RunResult) RunFailure() *types.Failure {
	return types.JoinFailures(r.runFailures)
}

// RunFailures returns the individual run-level failures.
func (r *RunResult) RunFailures() []*types.Failure { return r.runFailures }

// Descriptions returns the test descriptions in arrival order.
func (r *RunResult) Descriptions() []types.TestDescription {
	out := make([]types.TestDescription, len(r.order))
	copy(out, r.order)
	return out
}

// Result returns the recorded outcome for the test.
func (r *RunResult) Result(test types.TestDescription) (*TestResult, bool) {
	tr, ok := r.tests[test]
	return tr, ok
}

// Count returns how many tests were recorded.
func (r *RunResult) Count() int { return len(r.order) }

// TestsInState returns the descriptions whose status matches any of the
// given statuses, in arrival order.
func (r *RunResult) TestsInState(statuses ...types.TestStatus) []types.TestDescription {
	var out []types.TestDescription
	for _, d := range r.order {
		tr := r.tests[d]
		for _, s := range statuses {
			if tr.Status == s {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// HasFailedTests reports whether any test case failed.
func (r *RunResult) HasFailedTests() bool {
	return len(r.TestsInState(types.StatusFailed)) > 0
}
