package result

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gantry-systems/gantry/pkg/types"
)

// ShardGroup serializes several shards' event streams into one main
// listener. Each shard gets its own ShardListener; replays take the group
// lock so modules from different shards never interleave.
type ShardGroup struct {
	mu   sync.Mutex
	main Listener
}

// NewShardGroup creates a group replaying into main.
func NewShardGroup(main Listener) *ShardGroup {
	return &ShardGroup{main: main}
}

// NewListener creates the listener for one shard. With granular set, every
// attempt of a module is replayed; otherwise attempts are merged under the
// given strategy and replayed as attempt 0.
func (g *ShardGroup) NewListener(granular bool, strategy types.MergeStrategy, log *slog.Logger) *ShardListener {
	if log == nil {
		log = slog.Default()
	}
	c := NewCollector()
	c.SetMergeStrategy(strategy)
	return &ShardListener{
		group:     g,
		collector: c,
		granular:  granular,
		strategy:  strategy,
		log:       log,
	}
}

// ShardListener buffers one shard's events locally and replays them into
// the group's main listener at run and module boundaries.
type ShardListener struct {
	group     *ShardGroup
	collector *Collector
	granular  bool
	strategy  types.MergeStrategy
	log       *slog.Logger

	module *ModuleContext
}

// Collector exposes the shard's local record.
func (s *ShardListener) Collector() *Collector { return s.collector }

// Invocation-level events are recorded only; the invoker reports them on
// the main listener once for all shards.
func (s *ShardListener) InvocationStarted(inv Invocation) { s.collector.InvocationStarted(inv) }

func (s *ShardListener) InvocationFailed(failure *types.Failure) {
	s.collector.InvocationFailed(failure)
}

func (s *ShardListener) InvocationEnded(time.Duration) {}

func (s *ShardListener) ModuleStarted(module ModuleContext) {
	s.module = &module
	s.collector.ModuleStarted(module)
}

func (s *ShardListener) ModuleEnded() {
	s.collector.ModuleEnded()
	if s.module == nil {
		return
	}
	g := s.group
	g.mu.Lock()
	defer g.mu.Unlock()
	g.main.ModuleStarted(*s.module)
	if s.granular {
		maxAttempts := 0
		for _, name := range s.collector.RunNames() {
			if n := s.collector.RunAttempts(name); n > maxAttempts {
				maxAttempts = n
			}
		}
		for attempt := 0; attempt < maxAttempts; attempt++ {
			for _, name := range s.collector.RunNames() {
				attempts := s.collector.RunResults(name)
				if attempt < len(attempts) {
					s.replayRun(attempts[attempt])
				}
			}
		}
	} else {
		for _, name := range s.collector.RunNames() {
			if merged := MergeAttempts(s.collector.RunResults(name), s.strategy); merged != nil {
				s.replayRun(merged)
			}
		}
	}
	g.main.ModuleEnded()
	for _, name := range s.collector.RunNames() {
		s.collector.ClearResultsForName(name)
	}
	s.module = nil
}

func (s *ShardListener) RunStarted(name string, testCount, attempt int, startTime time.Time) {
	s.collector.RunStarted(name, testCount, attempt, startTime)
}

func (s *ShardListener) RunFailed(failure *types.Failure) {
	s.collector.RunFailed(failure)
}

func (s *ShardListener) RunEnded(elapsed time.Duration, runMetrics types.Metrics) {
	s.collector.RunEnded(elapsed, runMetrics)
	if s.module != nil {
		return
	}
	current := s.collector.CurrentRunResults()
	if current == nil {
		return
	}
	s.group.mu.Lock()
	defer s.group.mu.Unlock()
	s.replayRun(current)
}

func (s *ShardListener) TestStarted(test types.TestDescription, startTime time.Time) {
	s.collector.TestStarted(test, startTime)
}

func (s *ShardListener) TestFailed(test types.TestDescription, failure *types.Failure) {
	s.collector.TestFailed(test, failure)
}

func (s *ShardListener) TestAssumptionFailure(test types.TestDescription, failure *types.Failure) {
	s.collector.TestAssumptionFailure(test, failure)
}

func (s *ShardListener) TestIgnored(test types.TestDescription) {
	s.collector.TestIgnored(test)
}

func (s *ShardListener) TestSkipped(test types.TestDescription, reason string) {
	s.collector.TestSkipped(test, reason)
}

func (s *ShardListener) TestEnded(test types.TestDescription, endTime time.Time, testMetrics types.Metrics) {
	s.collector.TestEnded(test, endTime, testMetrics)
}

func (s *ShardListener) LogSaved(name string, file types.LogFile) {
	if s.collector.CurrentRunResults() != nil || s.module != nil {
		s.collector.LogSaved(name, file)
		return
	}
	s.group.mu.Lock()
	defer s.group.mu.Unlock()
	s.group.main.LogSaved(name, file)
}

var _ Listener = (*ShardListener)(nil)

// replayRun forwards one recorded attempt verbatim. Tests that never ended
// are replayed without a TestEnded so downstream sees them as incomplete.
// Caller holds the group lock.
func (s *ShardListener) replayRun(r *RunResult) {
	main := s.group.main
	main.RunStarted(r.Name(), r.ExpectedCount(), r.Attempt(), r.StartTime())
	for _, desc := range r.Descriptions() {
		tr, _ := r.Result(desc)
		main.TestStarted(desc, tr.StartTime)
		switch tr.Status {
		case types.StatusFailed:
			main.TestFailed(desc, tr.Failure)
		case types.StatusAssumptionFailure:
			main.TestAssumptionFailure(desc, tr.Failure)
		case types.StatusIgnored:
			main.TestIgnored(desc)
		case types.StatusSkipped:
			main.TestSkipped(desc, tr.SkipReason)
		}
		for name, file := range tr.Logs {
			main.LogSaved(name, file)
		}
		if tr.Status != types.StatusIncomplete {
			main.TestEnded(desc, tr.EndTime, tr.Metrics)
		}
	}
	for name, file := range r.RunLogs() {
		main.LogSaved(name, file)
	}
	if r.IsRunFailure() {
		failure := r.RunFailure()
		s.log.Warn("run failed", "run", r.Name(), "attempt", r.Attempt(), "error", failure.Message)
		main.RunFailed(failure)
	}
	main.RunEnded(r.Elapsed(), r.Metrics())
}
