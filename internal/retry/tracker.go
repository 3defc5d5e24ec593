package retry

import (
	"log/slog"

	"github.com/gantry-systems/gantry/internal/metrics"
	"github.com/gantry-systems/gantry/internal/result"
	"github.com/gantry-systems/gantry/internal/suite"
	"github.com/gantry-systems/gantry/pkg/types"
)

// maxEmptyRetries bounds how many attempts may chase a run failure once
// every individual test case is settled.
const maxEmptyRetries = 1

// Tracker follows each test case of one unit across attempts and
// decides whether the unit still has anything worth re-running. Cases
// are budgeted individually, so a flaky case stops retrying once it
// exhausts its own attempts even while others continue.
type Tracker struct {
	maxCaseAttempts int
	sink            metrics.Sink

	// attempts holds the cases still eligible for another run and how
	// often each has executed.
	attempts      map[types.TestDescription]int
	finished      map[types.TestDescription]struct{}
	finishedOrder []types.TestDescription
	excluded      []types.TestDescription

	hasRunFailure       bool
	hasFatalRunFailure  bool
	everPassed          bool
	emptyRetries        int
	attemptJustExecuted int
}

// NewTracker creates a Tracker giving each test case up to
// maxCaseAttempts executions.
func NewTracker(maxCaseAttempts int, sink metrics.Sink) *Tracker {
	if maxCaseAttempts < 1 {
		maxCaseAttempts = 1
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Tracker{
		maxCaseAttempts: maxCaseAttempts,
		sink:            sink,
		attempts:        make(map[types.TestDescription]int),
		finished:        make(map[types.TestDescription]struct{}),
	}
}

// Record folds one attempt's results into the tracker. Entries in skip
// are "class#test" strings whose cases must not retry.
func (t *Tracker) Record(results []*result.RunResult, attemptJustExecuted int, skip []string) {
	t.attemptJustExecuted = attemptJustExecuted
	skipSet := make(map[string]struct{}, len(skip))
	for _, s := range skip {
		skipSet[s] = struct{}{}
	}

	t.hasRunFailure = false
	t.hasFatalRunFailure = false
	for _, run := range results {
		if run == nil {
			continue
		}
		if run.IsRunFailure() {
			t.hasRunFailure = true
			if !run.RunFailure().Retriable {
				t.hasFatalRunFailure = true
			}
		}
		for _, desc := range run.Descriptions() {
			tr, _ := run.Result(desc)
			t.recordCase(desc, tr, skipSet)
		}
	}
	if !t.hasRunFailure {
		t.everPassed = true
	}

	// Rebuild the exclusion set: settled cases plus whatever in the
	// latest attempt can never retry.
	t.excluded = t.excluded[:0]
	seen := make(map[types.TestDescription]struct{}, len(t.finished))
	for _, desc := range t.finishedOrder {
		t.excluded = append(t.excluded, desc)
		seen[desc] = struct{}{}
	}
	for _, run := range results {
		if run == nil {
			continue
		}
		for _, desc := range run.Descriptions() {
			if _, ok := seen[desc]; ok {
				continue
			}
			tr, _ := run.Result(desc)
			if !t.retriable(desc, tr, skipSet) {
				seen[desc] = struct{}{}
				t.excluded = append(t.excluded, desc)
			}
		}
	}

	if len(t.attempts) == 0 && t.ShouldRetry() {
		t.emptyRetries++
	}
}

func (t *Tracker) recordCase(desc types.TestDescription, tr *result.TestResult, skip map[string]struct{}) {
	if tr == nil {
		return
	}
	if tr.Status == types.StatusSkipped {
		// A skipped case stays eligible without consuming an attempt.
		if _, ok := t.attempts[desc]; !ok {
			if _, done := t.finished[desc]; !done {
				t.attempts[desc] = 0
			}
		}
		return
	}
	t.attempts[desc]++
	if !t.retriable(desc, tr, skip) {
		delete(t.attempts, desc)
		if _, ok := t.finished[desc]; !ok {
			t.finished[desc] = struct{}{}
			t.finishedOrder = append(t.finishedOrder, desc)
		}
	}
}

func (t *Tracker) retriable(desc types.TestDescription, tr *result.TestResult, skip map[string]struct{}) bool {
	switch tr.Status {
	case types.StatusFailed, types.StatusSkipped:
	default:
		return false
	}
	if tr.Failure != nil && !tr.Failure.Retriable {
		return false
	}
	if _, done := t.finished[desc]; done {
		return false
	}
	if t.attempts[desc] >= t.maxCaseAttempts {
		return false
	}
	if _, skipped := skip[desc.String()]; skipped {
		t.sink.Add(metrics.RetrySkippedInList, 1)
		return false
	}
	return true
}

// ShouldRetry reports whether another attempt could still make
// progress.
func (t *Tracker) ShouldRetry() bool {
	switch {
	case t.hasFatalRunFailure:
		return false
	case len(t.attempts) > 0:
		return true
	case !t.hasRunFailure:
		return false
	case t.everPassed:
		return false
	case t.emptyRetries > maxEmptyRetries && t.attemptJustExecuted >= t.maxCaseAttempts:
		return false
	default:
		return true
	}
}

// Excluded returns the cases that must not run again, in the order they
// settled.
func (t *Tracker) Excluded() []types.TestDescription {
	return append([]types.TestDescription(nil), t.excluded...)
}

// Pending returns how many cases are still eligible for another run.
func (t *Tracker) Pending() int { return len(t.attempts) }

// AutoUnit makes a unit that cannot receive filters participate in
// retry. The whole unit re-runs while its tracker still holds eligible
// cases; settled cases are exposed for reporting.
type AutoUnit struct {
	suite.Unit

	tracker *Tracker
	log     *slog.Logger
}

// WrapAuto decorates a unit with tracker-driven auto-retry, giving each
// of its test cases up to maxCaseAttempts executions.
func WrapAuto(u suite.Unit, maxCaseAttempts int, sink metrics.Sink, log *slog.Logger) *AutoUnit {
	if log == nil {
		log = slog.Default()
	}
	return &AutoUnit{
		Unit:    u,
		tracker: NewTracker(maxCaseAttempts, sink),
		log:     log,
	}
}

// ShouldRetry implements suite.AutoRetriable.
func (a *AutoUnit) ShouldRetry(attemptJustExecuted int, previous []*result.RunResult, skip []string) (bool, error) {
	a.tracker.Record(previous, attemptJustExecuted, skip)
	retry := a.tracker.ShouldRetry()
	a.log.Info("auto-retry decision", "unit", a.ID(), "retry", retry, "pending", a.tracker.Pending())
	return retry, nil
}

// Excluded returns the wrapped unit's settled cases.
func (a *AutoUnit) Excluded() []types.TestDescription { return a.tracker.Excluded() }

var (
	_ suite.Unit          = (*AutoUnit)(nil)
	_ suite.AutoRetriable = (*AutoUnit)(nil)
)
