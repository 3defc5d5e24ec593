package invoker

import (
	"time"

	"github.com/gantry-systems/gantry/internal/result"
	"github.com/gantry-systems/gantry/pkg/types"
)

// runRecorder sits between a unit and its shard listener for one
// attempt. Outward it restamps every run with the attempt the invoker is
// on, because runners always report attempt 0; inward it keeps a
// verbatim copy so the retry decider can inspect what just happened.
type runRecorder struct {
	out     result.Listener
	local   *result.Collector
	attempt int
}

func newRunRecorder(out result.Listener, attempt int) *runRecorder {
	return &runRecorder{out: out, local: result.NewCollector(), attempt: attempt}
}

// results returns the attempt's runs in reporting order.
func (r *runRecorder) results() []*result.RunResult {
	var out []*result.RunResult
	for _, name := range r.local.RunNames() {
		if attempts := r.local.RunResults(name); len(attempts) > 0 {
			out = append(out, attempts[0])
		}
	}
	return out
}

func (r *runRecorder) InvocationStarted(inv result.Invocation) { r.out.InvocationStarted(inv) }

func (r *runRecorder) InvocationFailed(failure *types.Failure) { r.out.InvocationFailed(failure) }

func (r *runRecorder) InvocationEnded(elapsed time.Duration) { r.out.InvocationEnded(elapsed) }

func (r *runRecorder) ModuleStarted(module result.ModuleContext) {
	r.out.ModuleStarted(module)
	r.local.ModuleStarted(module)
}

func (r *runRecorder) ModuleEnded() {
	r.out.ModuleEnded()
	r.local.ModuleEnded()
}

func (r *runRecorder) RunStarted(name string, testCount, attempt int, startTime time.Time) {
	r.out.RunStarted(name, testCount, r.attempt, startTime)
	r.local.RunStarted(name, testCount, 0, startTime)
}

func (r *runRecorder) RunFailed(failure *types.Failure) {
	r.out.RunFailed(failure)
	r.local.RunFailed(failure)
}

func (r *runRecorder) RunEnded(elapsed time.Duration, runMetrics types.Metrics) {
	r.out.RunEnded(elapsed, runMetrics)
	r.local.RunEnded(elapsed, runMetrics)
}

func (r *runRecorder) TestStarted(test types.TestDescription, startTime time.Time) {
	r.out.TestStarted(test, startTime)
	r.local.TestStarted(test, startTime)
}

func (r *runRecorder) TestFailed(test types.TestDescription, failure *types.Failure) {
	r.out.TestFailed(test, failure)
	r.local.TestFailed(test, failure)
}

func (r *runRecorder) TestAssumptionFailure(test types.TestDescription, failure *types.Failure) {
	r.out.TestAssumptionFailure(test, failure)
	r.local.TestAssumptionFailure(test, failure)
}

func (r *runRecorder) TestIgnored(test types.TestDescription) {
	r.out.TestIgnored(test)
	r.local.TestIgnored(test)
}

func (r *runRecorder) TestSkipped(test types.TestDescription, reason string) {
	r.out.TestSkipped(test, reason)
	r.local.TestSkipped(test, reason)
}

func (r *runRecorder) TestEnded(test types.TestDescription, endTime time.Time, testMetrics types.Metrics) {
	r.out.TestEnded(test, endTime, testMetrics)
	r.local.TestEnded(test, endTime, testMetrics)
}

func (r *runRecorder) LogSaved(name string, file types.LogFile) {
	r.out.LogSaved(name, file)
	r.local.LogSaved(name, file)
}

var _ result.Listener = (*runRecorder)(nil)
