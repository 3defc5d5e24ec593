package retry

import (
	"log/slog"
	"os"
	"strings"

	"github.com/gantry-systems/gantry/internal/metrics"
	"github.com/gantry-systems/gantry/internal/suite"
	"github.com/gantry-systems/gantry/pkg/types"
)

// knownAbis are the abi tokens recognized at the head of a skip entry
// or module identifier.
var knownAbis = map[string]struct{}{
	"armeabi-v7a": {},
	"arm64-v8a":   {},
	"x86":         {},
	"x86_64":      {},
	"riscv64":     {},
	"mips":        {},
	"mips64":      {},
}

// filterEntry is one parsed skip-retrying entry. Accepted shapes are
// "module", "abi module", "module class#test", "abi module class#test"
// and a bare "class#test" (which parses as a name-only entry).
type filterEntry struct {
	abi  string
	name string
	test string
}

func parseFilterEntry(raw string) filterEntry {
	parts := strings.SplitN(strings.TrimSpace(raw), " ", 3)
	switch len(parts) {
	case 3:
		return filterEntry{abi: parts[0], name: parts[1], test: parts[2]}
	case 2:
		if _, ok := knownAbis[parts[0]]; ok {
			return filterEntry{abi: parts[0], name: parts[1]}
		}
		return filterEntry{name: parts[0], test: parts[1]}
	default:
		return filterEntry{name: parts[0]}
	}
}

// moduleSkipFilters resolves the skip-retrying list against a module.
// A module-level match means the whole module is done retrying; entries
// that name a test collect into the per-test skip list instead.
func (d *Decider) moduleSkipFilters(moduleID string) (skip bool, tests []string) {
	id := parseFilterEntry(moduleID)
	if id.name == "" {
		return false, nil
	}
	for _, raw := range d.cfg.SkipRetryingList {
		entry := parseFilterEntry(raw)
		if entry.name != id.name {
			continue
		}
		if entry.abi != "" && id.abi != "" && entry.abi != id.abi {
			continue
		}
		if entry.test == "" {
			d.sink.Add(metrics.RetryModulesSkipped, 1)
			skip = true
			continue
		}
		tests = append(tests, entry.test)
	}
	return skip, tests
}

// filterManager routes retry exclusions to one unit. Exclusions go to a
// filter file when the unit accepts one and file filters are enabled;
// parameterized exclusions only round-trip reliably through files.
type filterManager struct {
	sink     suite.FilterSink
	files    suite.FileFilterSink
	useFiles bool
	log      *slog.Logger
}

func newFilterManager(unit suite.Unit, useFiles bool, log *slog.Logger) *filterManager {
	m := &filterManager{useFiles: useFiles, log: log}
	m.sink, _ = unit.(suite.FilterSink)
	m.files, _ = unit.(suite.FileFilterSink)
	return m
}

// filterable reports whether the unit accepts filters at all.
func (m *filterManager) filterable() bool { return m.sink != nil }

// excludePassed excludes a test that already passed from the next
// attempt, preferring the unit's exclude file. A failed write drops the
// exclusion and the test runs again.
func (m *filterManager) excludePassed(test types.TestDescription) {
	filter := test.String()
	if !m.useFiles || m.files == nil {
		m.exclude(filter)
		return
	}
	path := m.files.ExcludeTestFile()
	if path == "" {
		f, err := os.CreateTemp("", "exclude-filter*.txt")
		if err != nil {
			m.log.Warn("creating exclude filter file, falling back to plain filters", "error", err)
			m.exclude(filter)
			return
		}
		path = f.Name()
		f.Close()
		m.files.SetExcludeTestFile(path)
	}
	if err := appendFilterLine(path, filter); err != nil {
		m.log.Warn("writing exclude filter, dropping exclusion", "filter", filter, "error", err)
	}
}

func (m *filterManager) exclude(filter string) {
	if m.sink != nil {
		m.sink.AddExcludeFilter(filter)
	}
}

func (m *filterManager) include(filter string) {
	if m.sink != nil {
		m.sink.AddIncludeFilter(filter)
	}
}

func (m *filterManager) clearIncludes() {
	if m.sink != nil {
		m.sink.ClearIncludeFilters()
	}
}

func appendFilterLine(path, filter string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(filter + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
