package suite

import (
	"strings"

	"github.com/gantry-systems/gantry/pkg/types"
)

// ModuleConfig describes one module entry of a test plan before it is
// expanded into runnable units.
type ModuleConfig struct {
	Name          string            `yaml:"name" json:"name"`
	Abi           string            `yaml:"abi,omitempty" json:"abi,omitempty"`
	Tests         []string          `yaml:"tests" json:"tests"` // "class#name" entries
	Preparers     []Preparer        `yaml:"preparers,omitempty" json:"preparers,omitempty"`
	NotShardable  bool              `yaml:"not-shardable,omitempty" json:"not_shardable,omitempty"`
	NeededDevices int               `yaml:"needed-devices,omitempty" json:"needed_devices,omitempty"`
	Options       map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// SplitOptions controls how module configurations expand into units.
type SplitOptions struct {
	// ShardCount is the requested shard count for the invocation.
	ShardCount int
	// Dynamic doubles the split target so a shared work pool has enough
	// small units to keep every shard busy.
	Dynamic bool
	// IntraModule allows one module's tests to spread across clones.
	IntraModule bool
	// RunFunc is installed on every produced module.
	RunFunc RunFunc
}

// SplitConfigs expands module configurations into work units. Shardable
// modules split into clones so the shard planner has enough units to
// balance; a non-shardable configuration yields a single module holding
// all of its tests.
func SplitConfigs(configs []ModuleConfig, opts SplitOptions) []Unit {
	target := opts.ShardCount
	if opts.Dynamic {
		target *= 2
	}
	units := make([]Unit, 0, len(configs))
	for _, cfg := range configs {
		m := moduleFromConfig(cfg, opts.RunFunc)
		if cfg.NotShardable || !opts.IntraModule || target <= 1 {
			units = append(units, m)
			continue
		}
		split := m.Split(target)
		if split == nil {
			units = append(units, m)
			continue
		}
		units = append(units, split...)
	}
	return units
}

// ParseTests parses "class#name" entries into test descriptions. An
// entry without "#" becomes a class with an empty test name.
func ParseTests(entries []string) []types.TestDescription {
	tests := make([]types.TestDescription, 0, len(entries))
	for _, e := range entries {
		class, name, _ := strings.Cut(e, "#")
		tests = append(tests, types.NewTestDescription(class, name))
	}
	return tests
}

func moduleFromConfig(cfg ModuleConfig, fn RunFunc) *Module {
	m := NewModule(cfg.Name, cfg.Abi, ParseTests(cfg.Tests))
	m.SetPreparers(ClonePreparers(cfg.Preparers))
	m.SetShardable(!cfg.NotShardable)
	if cfg.NeededDevices > 0 {
		m.SetNeededDevices(cfg.NeededDevices)
	}
	m.SetRunFunc(fn)
	return m
}
