// Package metrics records harness counters and invocation-scoped values.
//
// Components receive a Sink; the default Registry keeps everything in
// memory and can additionally publish snapshots via expvar. The otel sink
// forwards counters to an OTLP collector on top of the same registry.
package metrics

import (
	"expvar"
	"sort"
	"sync"
)

// Metric names recorded by the harness.
const (
	// ShardsCreated counts configurations produced by local sharding.
	ShardsCreated = "shards_created"
	// ModulesSplit counts modules produced by the module splitter.
	ModulesSplit = "modules_split"
	// PoolSeededModules counts modules pushed to the shared pool.
	PoolSeededModules = "pool_seeded_modules"
	// PoolPolledModules counts modules leased from the shared pool.
	PoolPolledModules = "pool_polled_modules"
	// PoolTestsNotExecuted counts modules reported back unexecuted when
	// the last poller drains the pool after a device loss.
	PoolTestsNotExecuted = "pool_tests_not_executed"
	// RetryDecisions counts shouldRetry evaluations.
	RetryDecisions = "retry_decisions"
	// RetriesTriggered counts decisions that scheduled another attempt.
	RetriesTriggered = "retries_triggered"
	// RetrySkippedInList counts test cases whose retry was suppressed by
	// the skip list.
	RetrySkippedInList = "retry_skipped_in_list"
	// RetryModulesSkipped counts modules fully excluded from retry by the
	// skip list.
	RetryModulesSkipped = "retry_modules_skipped"
	// RetryAllTestsFiltered counts retries driven purely by a run failure
	// after every test case was filtered out.
	RetryAllTestsFiltered = "retry_all_tests_filtered"
	// DeviceRecoveries counts device-error recovery routines.
	DeviceRecoveries = "device_recoveries"
	// DeviceResets counts full device resets between attempts.
	DeviceResets = "device_resets"
	// DeviceReboots counts reboots issued between attempts.
	DeviceReboots = "device_reboots"
	// ClearedRunError accumulates run-failure messages that aggregation
	// cleared because a later attempt succeeded.
	ClearedRunError = "cleared_run_error"
	// DeviceResetModules accumulates module identifiers that triggered a
	// device reset.
	DeviceResetModules = "device_reset_modules"
)

// Sink receives counter increments and invocation-scoped string values.
// Implementations must be safe for concurrent use.
type Sink interface {
	// Add increments the named counter.
	Add(name string, delta int64)
	// Record appends a string value under the named key. Repeated records
	// for the same key accumulate.
	Record(name, value string)
}

// Registry is the in-memory Sink. It backs both the expvar and otel sinks
// and exposes read methods for inspection.
type Registry struct {
	mu     sync.RWMutex
	counts map[string]int64
	values map[string]string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		counts: make(map[string]int64),
		values: make(map[string]string),
	}
}

// Add increments the named counter.
func (r *Registry) Add(name string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name] += delta
}

// Record appends a string value under the named key. Values accumulate
// comma-separated.
func (r *Registry) Record(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.values[name]; ok {
		r.values[name] = prev + "," + value
	} else {
		r.values[name] = value
	}
}

// Count returns the current value of the named counter.
func (r *Registry) Count(name string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts[name]
}

// Value returns the recorded string for the named key.
func (r *Registry) Value(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[name]
	return v, ok
}

// Names returns the sorted counter names with non-zero values.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.counts))
	for name := range r.counts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Publish registers the registry under the given expvar name so counters
// show up on /debug/vars. Safe to call once per process per name.
func (r *Registry) Publish(name string) {
	expvar.Publish(name, expvar.Func(func() any {
		r.mu.RLock()
		defer r.mu.RUnlock()
		snapshot := make(map[string]any, len(r.counts)+len(r.values))
		for k, v := range r.counts {
			snapshot[k] = v
		}
		for k, v := range r.values {
			snapshot[k] = v
		}
		return snapshot
	}))
}

// Nop is a Sink that discards everything.
type Nop struct{}

// Add implements Sink.
func (Nop) Add(string, int64) {}

// Record implements Sink.
func (Nop) Record(string, string) {}

var _ Sink = (*Registry)(nil)
var _ Sink = Nop{}
