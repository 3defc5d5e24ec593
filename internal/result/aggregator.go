package result

import (
	"time"

	"github.com/gantry-systems/gantry/internal/metrics"
	"github.com/gantry-systems/gantry/pkg/types"
)

// Aggregator rewrites a retried event stream for two audiences. Detailed
// listeners see every attempt, with run failures consolidated per run and
// dropped once a later attempt cleared them. Aggregated listeners see a
// single merged run per name, replayed at attempt 0.
//
// Run failures are never forwarded at the moment they happen: the attempt
// that just ended is held back until the next attempt starts, the module
// ends or the invocation ends, because only then is it known whether the
// failure survived.
type Aggregator struct {
	collector  *Collector
	detailed   *Forwarder
	aggregated *Forwarder
	all        *Forwarder
	strategy   types.RetryStrategy
	sink       metrics.Sink

	moduleInProgress    bool
	unorderedRetry      bool
	runStartCalled      bool
	shouldReportFailure bool

	held         *RunResult
	heldFailures []*types.Failure
	bufferedLogs []logEntry

	pure      map[string][]*RunResult
	pureOrder []string
}

type logEntry struct {
	name string
	file types.LogFile
}

// NewAggregator creates an Aggregator forwarding to the given listeners.
// The retry strategy decides the merge rule for the aggregated stream.
func NewAggregator(detailed, aggregated []Listener, strategy types.RetryStrategy, sink metrics.Sink) *Aggregator {
	if sink == nil {
		sink = metrics.Nop{}
	}
	c := NewCollector()
	c.SetMergeStrategy(types.MergeStrategyFor(strategy))
	return &Aggregator{
		collector:           c,
		detailed:            NewForwarder(detailed...),
		aggregated:          NewForwarder(aggregated...),
		all:                 NewForwarder(append(append([]Listener{}, detailed...), aggregated...)...),
		strategy:            strategy,
		sink:                sink,
		unorderedRetry:      true,
		shouldReportFailure: true,
		pure:                make(map[string][]*RunResult),
	}
}

// Collector exposes the underlying collector for inspection.
func (a *Aggregator) Collector() *Collector { return a.collector }

func (a *Aggregator) InvocationStarted(inv Invocation) {
	a.collector.InvocationStarted(inv)
	a.all.InvocationStarted(inv)
}

func (a *Aggregator) InvocationFailed(failure *types.Failure) {
	a.collector.InvocationFailed(failure)
	a.all.InvocationFailed(failure)
}

func (a *Aggregator) InvocationEnded(elapsed time.Duration) {
	a.forwardPureResults()
	a.forwardDetailedFailure()
	a.flushBufferedLogs()
	a.all.InvocationEnded(elapsed)
}

func (a *Aggregator) ModuleStarted(module ModuleContext) {
	a.unorderedRetry = false
	a.runStartCalled = false
	a.forwardPureResults()
	a.shouldReportFailure = true
	a.forwardDetailedFailure()
	a.moduleInProgress = true
	a.collector.ModuleStarted(module)
	a.all.ModuleStarted(module)
}

func (a *Aggregator) ModuleEnded() {
	a.forwardDetailedFailure()
	for _, e := range a.bufferedLogs {
		a.detailed.LogSaved(e.name, e.file)
	}
	a.moduleInProgress = false
	a.collector.ModuleEnded()
	a.detailed.ModuleEnded()

	if a.runStartCalled {
		current := a.collector.CurrentRunResults()
		merged := a.collector.MergedRunResults()
		expected := 0
		for _, r := range merged {
			expected += r.ExpectedCount()
		}
		a.aggregated.RunStarted(current.Name(), expected, 0, current.StartTime())
		for _, r := range merged {
			a.forwardTestResults(r, a.aggregated)
			if r.IsRunFailure() {
				a.aggregated.RunFailed(r.RunFailure())
			}
			for name, file := range r.RunLogs() {
				a.aggregated.LogSaved(name, file)
			}
		}
		// The aggregated run reports the last attempt's wall time; summing
		// attempts would double-count the module slot.
		a.aggregated.RunEnded(current.Elapsed(), current.Metrics())
		for _, r := range merged {
			a.collector.ClearResultsForName(r.Name())
		}
	}
	for _, e := range a.bufferedLogs {
		a.aggregated.LogSaved(e.name, e.file)
	}
	a.bufferedLogs = nil
	a.aggregated.ModuleEnded()
	a.unorderedRetry = true
}

func (a *Aggregator) RunStarted(name string, testCount, attempt int, startTime time.Time) {
	a.runStartCalled = true
	// Ordered retries inside a module restate the run; drop any stale
	// unordered record under the same name.
	if !a.unorderedRetry {
		a.removePure(name)
	}
	if a.held != nil {
		if a.held.Name() == name {
			if !a.held.IsRunFailure() && a.strategy == types.RetryAnyFailure {
				a.shouldReportFailure = false
			}
			a.detailed.RunEnded(a.held.Elapsed(), a.held.Metrics())
			a.held = nil
		} else {
			a.shouldReportFailure = true
			a.forwardDetailedFailure()
		}
	}
	a.collector.RunStarted(name, testCount, attempt, startTime)
	a.detailed.RunStarted(name, testCount, attempt, startTime)
}

// RunFailed is recorded but never forwarded here; whether it surfaces is
// decided when the run's fate is known.
func (a *Aggregator) RunFailed(failure *types.Failure) {
	a.collector.RunFailed(failure)
}

func (a *Aggregator) RunEnded(elapsed time.Duration, runMetrics types.Metrics) {
	a.collector.RunEnded(elapsed, runMetrics)
	a.held = a.collector.CurrentRunResults()
	if a.held != nil && a.held.IsRunFailure() {
		a.heldFailures = append(a.heldFailures, a.held.RunFailures()...)
	}
	if !a.moduleInProgress && a.held != nil {
		name := a.held.Name()
		if _, seen := a.pure[name]; !seen {
			a.pureOrder = append(a.pureOrder, name)
		}
		a.pure[name] = append(a.pure[name], a.held)
	}
}

func (a *Aggregator) TestStarted(test types.TestDescription, startTime time.Time) {
	a.collector.TestStarted(test, startTime)
	a.detailed.TestStarted(test, startTime)
}

func (a *Aggregator) TestFailed(test types.TestDescription, failure *types.Failure) {
	a.collector.TestFailed(test, failure)
	a.detailed.TestFailed(test, failure)
}

func (a *Aggregator) TestAssumptionFailure(test types.TestDescription, failure *types.Failure) {
	a.collector.TestAssumptionFailure(test, failure)
	a.detailed.TestAssumptionFailure(test, failure)
}

func (a *Aggregator) TestIgnored(test types.TestDescription) {
	a.collector.TestIgnored(test)
	a.detailed.TestIgnored(test)
}

func (a *Aggregator) TestSkipped(test types.TestDescription, reason string) {
	a.collector.TestSkipped(test, reason)
	a.detailed.TestSkipped(test, reason)
}

func (a *Aggregator) TestEnded(test types.TestDescription, endTime time.Time, testMetrics types.Metrics) {
	a.collector.TestEnded(test, endTime, testMetrics)
	a.detailed.TestEnded(test, endTime, testMetrics)
}

func (a *Aggregator) LogSaved(name string, file types.LogFile) {
	if a.held != nil {
		a.bufferedLogs = append(a.bufferedLogs, logEntry{name: name, file: file})
		return
	}
	a.all.LogSaved(name, file)
}

var _ Listener = (*Aggregator)(nil)

// forwardDetailedFailure settles the held run: its accumulated failures are
// either reported once, consolidated, or recorded as cleared, then the held
// run's ending is forwarded.
func (a *Aggregator) forwardDetailedFailure() {
	if a.held == nil {
		return
	}
	if a.held.IsRunFailure() && a.shouldReportFailure {
		a.detailed.RunFailed(types.JoinFailures(a.heldFailures))
	} else if len(a.heldFailures) > 0 {
		a.sink.Record(metrics.ClearedRunError, types.JoinFailures(a.heldFailures).Message)
	}
	a.heldFailures = nil
	a.detailed.RunEnded(a.held.Elapsed(), a.held.Metrics())
	a.held = nil
}

// forwardPureResults flushes runs that happened outside any module, merged
// per name with elapsed times summed across attempts.
func (a *Aggregator) forwardPureResults() {
	for _, name := range a.pureOrder {
		attempts := a.pure[name]
		merged := MergeAttempts(attempts, types.MergeStrategyFor(a.strategy))
		if merged == nil {
			continue
		}
		a.aggregated.RunStarted(merged.Name(), merged.ExpectedCount(), 0, merged.StartTime())
		a.forwardTestResults(merged, a.aggregated)
		if merged.IsRunFailure() {
			a.aggregated.RunFailed(merged.RunFailure())
		}
		a.aggregated.RunEnded(merged.Elapsed(), merged.Metrics())
		// Flushed runs leave the collector too, so the next module's
		// merged block cannot pick them up again.
		a.collector.ClearResultsForName(name)
	}
	a.pure = make(map[string][]*RunResult)
	a.pureOrder = nil
}

func (a *Aggregator) removePure(name string) {
	if _, ok := a.pure[name]; !ok {
		return
	}
	delete(a.pure, name)
	for i, n := range a.pureOrder {
		if n == name {
			a.pureOrder = append(a.pureOrder[:i], a.pureOrder[i+1:]...)
			break
		}
	}
}

// forwardTestResults replays a recorded run's test outcomes to a listener.
func (a *Aggregator) forwardTestResults(r *RunResult, to Listener) {
	for _, desc := range r.Descriptions() {
		tr, _ := r.Result(desc)
		to.TestStarted(desc, tr.StartTime)
		switch tr.Status {
		case types.StatusFailed:
			to.TestFailed(desc, tr.Failure)
		case types.StatusAssumptionFailure:
			to.TestAssumptionFailure(desc, tr.Failure)
		case types.StatusIgnored:
			to.TestIgnored(desc)
		case types.StatusIncomplete:
			to.TestFailed(desc, types.NewFailure("Test did not complete due to exception."))
		case types.StatusSkipped:
			to.TestSkipped(desc, tr.SkipReason)
		}
		for name, file := range tr.Logs {
			to.LogSaved(name, file)
		}
		to.TestEnded(desc, tr.EndTime, tr.Metrics)
	}
}

func (a *Aggregator) flushBufferedLogs() {
	for _, e := range a.bufferedLogs {
		a.detailed.LogSaved(e.name, e.file)
		a.aggregated.LogSaved(e.name, e.file)
	}
	a.bufferedLogs = nil
}
