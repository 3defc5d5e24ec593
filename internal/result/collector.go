package result

import (
	"sync"
	"time"

	"github.com/gantry-systems/gantry/pkg/types"
)

// Collector records an event stream into RunResult attempts keyed by run
// name. It is the in-memory view retry decisions and aggregation read from.
// Safe for concurrent use.
type Collector struct {
	mu sync.Mutex

	invocation         Invocation
	invocationFailures []*types.Failure
	invocationLogs     map[string]types.LogFile

	runs     map[string][]*RunResult
	runOrder []string
	current  *RunResult

	currentModule *ModuleContext
	mergeStrategy types.MergeStrategy
}

// NewCollector creates an empty Collector. Attempts merge under
// OneTestCasePassIsPass until SetMergeStrategy changes it.
func NewCollector() *Collector {
	return &Collector{
		runs:           make(map[string][]*RunResult),
		invocationLogs: make(map[string]types.LogFile),
		mergeStrategy:  types.OneTestCasePassIsPass,
	}
}

// SetMergeStrategy sets the rule used when attempts are consolidated.
func (c *Collector) SetMergeStrategy(s types.MergeStrategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mergeStrategy = s
}

func (c *Collector) InvocationStarted(inv Invocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invocation = inv
}

func (c *Collector) InvocationFailed(failure *types.Failure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invocationFailures = append(c.invocationFailures, failure)
}

func (c *Collector) InvocationEnded(time.Duration) {}

func (c *Collector) ModuleStarted(module ModuleContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentModule = &module
}

func (c *Collector) ModuleEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentModule = nil
}

// RunStarted opens attempt number attempt of the named run. Starting an
// attempt that already exists resumes it.
func (c *Collector) RunStarted(name string, testCount, attempt int, startTime time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	attempts, seen := c.runs[name]
	if !seen {
		c.runOrder = append(c.runOrder, name)
	}
	var r *RunResult
	if attempt < len(attempts) {
		r = attempts[attempt]
	} else {
		// Fill any gap so attempt indexes stay aligned.
		for len(attempts) <= attempt {
			r = NewRunResult(name)
			r.SetAttempt(len(attempts))
			attempts = append(attempts, r)
		}
		c.runs[name] = attempts
	}
	c.current = r
	r.RunStarted(testCount, startTime)
}

func (c *Collector) RunFailed(failure *types.Failure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.RunFailed(failure)
	}
}

func (c *Collector) RunEnded(elapsed time.Duration, runMetrics types.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.RunEnded(elapsed, runMetrics)
	}
}

func (c *Collector) TestStarted(test types.TestDescription, startTime time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.TestStarted(test, startTime)
	}
}

func (c *Collector) TestFailed(test types.TestDescription, failure *types.Failure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.TestFailed(test, failure)
	}
}

func (c *Collector) TestAssumptionFailure(test types.TestDescription, failure *types.Failure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.TestAssumptionFailure(test, failure)
	}
}

func (c *Collector) TestIgnored(test types.TestDescription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.TestIgnored(test)
	}
}

func (c *Collector) TestSkipped(test types.TestDescription, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.TestSkipped(test, reason)
	}
}

func (c *Collector) TestEnded(test types.TestDescription, endTime time.Time, testMetrics types.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.TestEnded(test, endTime, testMetrics)
	}
}

func (c *Collector) LogSaved(name string, file types.LogFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.LogSaved(name, file)
		return
	}
	c.invocationLogs[name] = file
}

var _ Listener = (*Collector)(nil)

// Invocation returns the recorded invocation descriptor.
func (c *Collector) Invocation() Invocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invocation
}

// InvocationFailures returns invocation-level failures in arrival order.
func (c *Collector) InvocationFailures() []*types.Failure {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Failure, len(c.invocationFailures))
	copy(out, c.invocationFailures)
	return out
}

// InvocationLogs returns artifacts saved outside any run.
func (c *Collector) InvocationLogs() map[string]types.LogFile {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]types.LogFile, len(c.invocationLogs))
	for k, v := range c.invocationLogs {
		out[k] = v
	}
	return out
}

// CurrentRunResults returns the attempt currently being recorded.
func (c *Collector) CurrentRunResults() *RunResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// CurrentModule returns the module in progress, nil outside modules.
func (c *Collector) CurrentModule() *ModuleContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentModule
}

// RunNames returns run names in first-seen order.
func (c *Collector) RunNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.runOrder))
	copy(out, c.runOrder)
	return out
}

// RunResults returns the recorded attempts for the named run.
func (c *Collector) RunResults(name string) []*RunResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	attempts := c.runs[name]
	out := make([]*RunResult, len(attempts))
	copy(out, attempts)
	return out
}

// RunAttempts returns how many attempts the named run has.
func (c *Collector) RunAttempts(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs[name])
}

// MergedRunResults consolidates each run's attempts under the configured
// merge strategy, in first-seen run order.
func (c *Collector) MergedRunResults() []*RunResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*RunResult, 0, len(c.runOrder))
	for _, name := range c.runOrder {
		if merged := MergeAttempts(c.runs[name], c.mergeStrategy); merged != nil {
			out = append(out, merged)
		}
	}
	return out
}

// ClearResultsForName drops all recorded attempts of the named run.
func (c *Collector) ClearResultsForName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.runs[name]; !ok {
		return
	}
	delete(c.runs, name)
	for i, n := range c.runOrder {
		if n == name {
			c.runOrder = append(c.runOrder[:i], c.runOrder[i+1:]...)
			break
		}
	}
	if c.current != nil && c.current.Name() == name {
		c.current = nil
	}
}

// NumTestsInState counts tests across merged results with the given status.
func (c *Collector) NumTestsInState(status types.TestStatus) int {
	n := 0
	for _, r := range c.MergedRunResults() {
		n += len(r.TestsInState(status))
	}
	return n
}
