// Package suite models the executable work of an invocation: test
// modules, their setup steps, and the capability interfaces the shard
// planner and retry layers discover at runtime.
package suite

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/gantry-systems/gantry/internal/device"
	"github.com/gantry-systems/gantry/internal/result"
	"github.com/gantry-systems/gantry/pkg/types"
)

// MaxModuleLocalSharding caps how many clones one module may split into.
const MaxModuleLocalSharding = 8

// RunContext carries the execution environment handed to a unit.
type RunContext struct {
	Invocation result.Invocation
	Devices    []device.Device
	Listener   result.Listener
}

// Unit is a schedulable piece of work. The shard planner distributes
// units across shards and the invoker executes them.
type Unit interface {
	// ID identifies the module a unit belongs to ("<abi> <name>" or the
	// bare name). Units sharing an ID in one shard are merged.
	ID() string
	// TestCount reports how many test cases the unit currently holds.
	TestCount() int
	// NeededDevices reports how many devices the unit requires. Most
	// units need one.
	NeededDevices() int
	Run(ctx context.Context, rc RunContext) error
}

// Shardable units can split themselves into smaller units. Split
// returns nil when the unit declines to split.
type Shardable interface {
	Split(shardCount int) []Unit
}

// FilterSink units accept test filters of the form "class#name" or a
// bare class name.
type FilterSink interface {
	AddIncludeFilter(filter string)
	AddExcludeFilter(filter string)
	ClearIncludeFilters()
}

// FileFilterSink units accept exclude filters from a file, one filter
// per line.
type FileFilterSink interface {
	SetExcludeTestFile(path string)
	ExcludeTestFile() string
}

// AutoRetriable units decide for themselves whether another attempt is
// worth running. The skip list carries "class#test" entries that must
// not be retried.
type AutoRetriable interface {
	ShouldRetry(attemptJustExecuted int, previous []*result.RunResult, skip []string) (bool, error)
}

// PreparationError marks a run that never reached its tests because a
// setup step failed. The invoker treats it differently from a test
// failure: preparation may be retried on reset devices.
type PreparationError struct {
	Module string
	Err    error
}

func (e *PreparationError) Error() string {
	return fmt.Sprintf("preparing module %s: %v", e.Module, e.Err)
}

func (e *PreparationError) Unwrap() error { return e.Err }

// RunFunc executes a module's tests against the given environment.
type RunFunc func(ctx context.Context, m *Module, rc RunContext) error

// PrepareFunc runs a module's setup steps, including suite-level steps
// when includeSuite is set.
type PrepareFunc func(ctx context.Context, m *Module, includeSuite bool) error

// Preparer describes one setup step that runs on a device before a
// module's tests.
type Preparer struct {
	Name    string
	Options map[string]string
}

// Clone returns a copy that shares no state with the original.
func (p Preparer) Clone() Preparer {
	c := Preparer{Name: p.Name}
	if p.Options != nil {
		c.Options = make(map[string]string, len(p.Options))
		for k, v := range p.Options {
			c.Options[k] = v
		}
	}
	return c
}

// ClonePreparers deep-copies a preparer list.
func ClonePreparers(ps []Preparer) []Preparer {
	if ps == nil {
		return nil
	}
	out := make([]Preparer, len(ps))
	for i, p := range ps {
		out[i] = p.Clone()
	}
	return out
}

// Module is the standard work unit: one test module of an invocation,
// holding its test cases, setup steps, and runtime filters.
type Module struct {
	name string
	abi  string

	mu             sync.Mutex
	tests          []types.TestDescription
	preparers      []Preparer
	neededDevices  int
	shardable      bool
	recoverDevices bool
	includes       []string
	excludes       []string
	excludeFile    string
	runFunc        RunFunc
	prepareFunc    PrepareFunc
}

var (
	_ Unit           = (*Module)(nil)
	_ Shardable      = (*Module)(nil)
	_ FilterSink     = (*Module)(nil)
	_ FileFilterSink = (*Module)(nil)
)

// NewModule creates a module holding the given tests. Modules are
// shardable and need one device unless configured otherwise.
func NewModule(name, abi string, tests []types.TestDescription) *Module {
	return &Module{
		name:          name,
		abi:           abi,
		tests:         append([]types.TestDescription(nil), tests...),
		neededDevices: 1,
		shardable:     true,
	}
}

// Name returns the module name, including any parameter suffix.
func (m *Module) Name() string { return m.name }

// Abi returns the module abi, empty when the module is abi-agnostic.
func (m *Module) Abi() string { return m.abi }

// ID returns "<abi> <name>", or the bare name without an abi.
func (m *Module) ID() string {
	if m.abi == "" {
		return m.name
	}
	return m.abi + " " + m.name
}

// Context returns the module context reported around this module's runs.
func (m *Module) Context() result.ModuleContext {
	return result.ModuleContext{Name: m.name, Abi: m.abi}
}

// TestCount reports how many tests the module currently holds.
func (m *Module) TestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tests)
}

// Tests returns a copy of the module's test list.
func (m *Module) Tests() []types.TestDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.TestDescription(nil), m.tests...)
}

// AddTests appends tests to the module, deduplicating against the
// existing list. Used when co-located units of one module are merged.
func (m *Module) AddTests(tests ...types.TestDescription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[types.TestDescription]struct{}, len(m.tests))
	for _, t := range m.tests {
		seen[t] = struct{}{}
	}
	for _, t := range tests {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		m.tests = append(m.tests, t)
	}
}

// NeededDevices reports how many devices the module requires.
func (m *Module) NeededDevices() int { return m.neededDevices }

// SetNeededDevices declares the module's device requirement.
func (m *Module) SetNeededDevices(n int) {
	if n < 1 {
		n = 1
	}
	m.neededDevices = n
}

// IsShardable reports whether the module may be split.
func (m *Module) IsShardable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shardable
}

// SetShardable marks the module splittable or not. Non-shardable
// modules stay whole and run on shard zero.
func (m *Module) SetShardable(shardable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shardable = shardable
}

// Preparers returns a copy of the module's setup steps.
func (m *Module) Preparers() []Preparer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Preparer(nil), m.preparers...)
}

// SetPreparers replaces the module's setup steps.
func (m *Module) SetPreparers(ps []Preparer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preparers = ps
}

// SetRunFunc installs the function that executes the module's tests.
func (m *Module) SetRunFunc(fn RunFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runFunc = fn
}

// SetPrepareFunc installs the function that runs the module's setup
// steps.
func (m *Module) SetPrepareFunc(fn PrepareFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepareFunc = fn
}

// RunPreparation re-runs the module's setup steps. A module without a
// prepare function has nothing to run.
func (m *Module) RunPreparation(ctx context.Context, includeSuite bool) error {
	m.mu.Lock()
	fn := m.prepareFunc
	m.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, m, includeSuite)
}

// RecoverOnDeviceError reports whether a device error during this module
// should trigger recovery instead of propagating.
func (m *Module) RecoverOnDeviceError() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recoverDevices
}

// SetRecoverOnDeviceError opts the module into device recovery after a
// device error. Off by default, device errors propagate.
func (m *Module) SetRecoverOnDeviceError(recover bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoverDevices = recover
}

// Run executes the module through its installed run function.
func (m *Module) Run(ctx context.Context, rc RunContext) error {
	m.mu.Lock()
	fn := m.runFunc
	m.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("module %s: no run function configured", m.ID())
	}
	return fn(ctx, m, rc)
}

// Split divides the module's tests across clones sharing the module's
// identity. Returns nil when the module is not shardable, the hint is
// not worth splitting for, or there is nothing to divide.
func (m *Module) Split(shardCount int) []Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.shardable || shardCount <= 1 || len(m.tests) <= 1 {
		return nil
	}
	n := shardCount
	if n > MaxModuleLocalSharding {
		n = MaxModuleLocalSharding
	}
	if n > len(m.tests) {
		n = len(m.tests)
	}
	units := make([]Unit, 0, n)
	for _, chunk := range evenChunks(m.tests, n) {
		clone := NewModule(m.name, m.abi, chunk)
		clone.preparers = ClonePreparers(m.preparers)
		clone.neededDevices = m.neededDevices
		clone.recoverDevices = m.recoverDevices
		clone.runFunc = m.runFunc
		clone.prepareFunc = m.prepareFunc
		units = append(units, clone)
	}
	return units
}

// AddIncludeFilter adds a filter selecting tests to run.
func (m *Module) AddIncludeFilter(filter string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.includes = appendFilter(m.includes, filter)
}

// AddExcludeFilter adds a filter selecting tests to skip.
func (m *Module) AddExcludeFilter(filter string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.excludes = appendFilter(m.excludes, filter)
}

// ClearIncludeFilters drops all include filters.
func (m *Module) ClearIncludeFilters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.includes = nil
}

// IncludeFilters returns a copy of the include filters.
func (m *Module) IncludeFilters() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.includes...)
}

// ExcludeFilters returns a copy of the exclude filters.
func (m *Module) ExcludeFilters() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.excludes...)
}

// SetExcludeTestFile points the module at a file of exclude filters.
func (m *Module) SetExcludeTestFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.excludeFile = path
}

// ExcludeTestFile returns the exclude filter file path, if set.
func (m *Module) ExcludeTestFile() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.excludeFile
}

// FilteredTests returns the tests that survive the module's include and
// exclude filters, including filters read from the exclude file.
func (m *Module) FilteredTests() ([]types.TestDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	excludes := append([]string(nil), m.excludes...)
	if m.excludeFile != "" {
		data, err := os.ReadFile(m.excludeFile)
		if err != nil {
			return nil, fmt.Errorf("reading exclude filter file: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				excludes = append(excludes, line)
			}
		}
	}
	kept := make([]types.TestDescription, 0, len(m.tests))
	for _, t := range m.tests {
		if len(m.includes) > 0 && !matchesAny(m.includes, t) {
			continue
		}
		if matchesAny(excludes, t) {
			continue
		}
		kept = append(kept, t)
	}
	return kept, nil
}

func appendFilter(filters []string, filter string) []string {
	for _, f := range filters {
		if f == filter {
			return filters
		}
	}
	return append(filters, filter)
}

func matchesAny(filters []string, t types.TestDescription) bool {
	for _, f := range filters {
		if matchesFilter(f, t) {
			return true
		}
	}
	return false
}

// matchesFilter reports whether a filter selects a test. A bare class
// name selects every test of the class; "class#name" selects one test,
// with a parameterless filter also matching parameterized variants.
func matchesFilter(filter string, t types.TestDescription) bool {
	if !strings.Contains(filter, "#") {
		return filter == t.ClassName
	}
	if filter == t.String() {
		return true
	}
	return filter == t.ClassName+"#"+t.TestNameWithoutParams()
}

func evenChunks(tests []types.TestDescription, k int) [][]types.TestDescription {
	base := len(tests) / k
	extra := len(tests) % k
	chunks := make([][]types.TestDescription, 0, k)
	i := 0
	for s := 0; s < k; s++ {
		size := base
		if s < extra {
			size++
		}
		chunks = append(chunks, append([]types.TestDescription(nil), tests[i:i+size]...))
		i += size
	}
	return chunks
}
