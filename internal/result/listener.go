package result

import (
	"time"

	"github.com/gantry-systems/gantry/pkg/types"
)

// Listener receives the ordered stream of execution events for an
// invocation. Implementations are driven from a single goroutine per
// stream; cross-shard synchronization is the ShardListener's job.
type Listener interface {
	InvocationStarted(inv Invocation)
	InvocationFailed(failure *types.Failure)
	InvocationEnded(elapsed time.Duration)

	ModuleStarted(module ModuleContext)
	ModuleEnded()

	RunStarted(name string, testCount, attempt int, startTime time.Time)
	RunFailed(failure *types.Failure)
	RunEnded(elapsed time.Duration, runMetrics types.Metrics)

	TestStarted(test types.TestDescription, startTime time.Time)
	TestFailed(test types.TestDescription, failure *types.Failure)
	TestAssumptionFailure(test types.TestDescription, failure *types.Failure)
	TestIgnored(test types.TestDescription)
	TestSkipped(test types.TestDescription, reason string)
	TestEnded(test types.TestDescription, endTime time.Time, testMetrics types.Metrics)

	// LogSaved associates a saved artifact with the current test, run or
	// invocation scope.
	LogSaved(name string, file types.LogFile)
}

// NopListener implements Listener with no-ops, for embedding.
type NopListener struct{}

func (NopListener) InvocationStarted(Invocation)                                   {}
func (NopListener) InvocationFailed(*types.Failure)                                {}
func (NopListener) InvocationEnded(time.Duration)                                  {}
func (NopListener) ModuleStarted(ModuleContext)                                    {}
func (NopListener) ModuleEnded()                                                   {}
func (NopListener) RunStarted(string, int, int, time.Time)                         {}
func (NopListener) RunFailed(*types.Failure)                                       {}
func (NopListener) RunEnded(time.Duration, types.Metrics)                          {}
func (NopListener) TestStarted(types.TestDescription, time.Time)                   {}
func (NopListener) TestFailed(types.TestDescription, *types.Failure)               {}
func (NopListener) TestAssumptionFailure(types.TestDescription, *types.Failure)    {}
func (NopListener) TestIgnored(types.TestDescription)                              {}
func (NopListener) TestSkipped(types.TestDescription, string)                      {}
func (NopListener) TestEnded(types.TestDescription, time.Time, types.Metrics)      {}
func (NopListener) LogSaved(string, types.LogFile)                                 {}

var _ Listener = NopListener{}

// Forwarder fans every event out to several listeners in order.
type Forwarder struct {
	listeners []Listener
}

// NewForwarder creates a Forwarder over the given listeners.
func NewForwarder(listeners ...Listener) *Forwarder {
	return &Forwarder{listeners: listeners}
}

func (f *Forwarder) InvocationStarted(inv Invocation) {
	for _, l := range f.listeners {
		l.InvocationStarted(inv)
	}
}

func (f *Forwarder) InvocationFailed(failure *types.Failure) {
	for _, l := range f.listeners {
		l.InvocationFailed(failure)
	}
}

func (f *Forwarder) InvocationEnded(elapsed time.Duration) {
	for _, l := range f.listeners {
		l.InvocationEnded(elapsed)
	}
}

func (f *Forwarder) ModuleStarted(module ModuleContext) {
	for _, l := range f.listeners {
		l.ModuleStarted(module)
	}
}

func (f *Forwarder) ModuleEnded() {
	for _, l := range f.listeners {
		l.ModuleEnded()
	}
}

func (f *Forwarder) RunStarted(name string, testCount, attempt int, startTime time.Time) {
	for _, l := range f.listeners {
		l.RunStarted(name, testCount, attempt, startTime)
	}
}

func (f *Forwarder) RunFailed(failure *types.Failure) {
	for _, l := range f.listeners {
		l.RunFailed(failure)
	}
}

func (f *Forwarder) RunEnded(elapsed time.Duration, runMetrics types.Metrics) {
	for _, l := range f.listeners {
		l.RunEnded(elapsed, runMetrics)
	}
}

func (f *Forwarder) TestStarted(test types.TestDescription, startTime time.Time) {
	for _, l := range f.listeners {
		l.TestStarted(test, startTime)
	}
}

func (f *Forwarder) TestFailed(test types.TestDescription, failure *types.Failure) {
	for _, l := range f.listeners {
		l.TestFailed(test, failure)
	}
}

func (f *Forwarder) TestAssumptionFailure(test types.TestDescription, failure *types.Failure) {
	for _, l := range f.listeners {
		l.TestAssumptionFailure(test, failure)
	}
}

func (f *Forwarder) TestIgnored(test types.TestDescription) {
	for _, l := range f.listeners {
		l.TestIgnored(test)
	}
}

func (f *Forwarder) TestSkipped(test types.TestDescription, reason string) {
	for _, l := range f.listeners {
		l.TestSkipped(test, reason)
	}
}

func (f *Forwarder) TestEnded(test types.TestDescription, endTime time.Time, testMetrics types.Metrics) {
	for _, l := range f.listeners {
		l.TestEnded(test, endTime, testMetrics)
	}
}

func (f *Forwarder) LogSaved(name string, file types.LogFile) {
	for _, l := range f.listeners {
		l.LogSaved(name, file)
	}
}

var _ Listener = (*Forwarder)(nil)
