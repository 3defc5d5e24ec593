// Package commands implements the CLI subcommands for the gantry binary.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"gopkg.in/yaml.v3"

	"github.com/gantry-systems/gantry/internal/device"
	"github.com/gantry-systems/gantry/internal/metrics"
	"github.com/gantry-systems/gantry/internal/pool"
	"github.com/gantry-systems/gantry/internal/suite"
	"github.com/gantry-systems/gantry/pkg/types"
)

// testPlan names the set of modules one invocation executes. Plans live
// as YAML files in the configured plan directories.
type testPlan struct {
	Name    string       `yaml:"name"`
	Modules []planModule `yaml:"modules"`
}

type planModule struct {
	Name string `yaml:"name"`
	Abi  string `yaml:"abi,omitempty"`
	// TestCount synthesizes placeholder cases when the plan does not
	// enumerate tests; sharding only needs the counts.
	TestCount     int        `yaml:"testCount,omitempty"`
	NeededDevices int        `yaml:"neededDevices,omitempty"`
	Shardable     *bool      `yaml:"shardable,omitempty"`
	Tests         []planTest `yaml:"tests,omitempty"`
}

type planTest struct {
	Class string `yaml:"class"`
	Test  string `yaml:"test"`
}

// loadPlanDir loads all plan YAML files from a directory.
func loadPlanDir(dir string) ([]testPlan, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var plans []testPlan
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}

		var p testPlan
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}

		if p.Name == "" {
			continue
		}
		plans = append(plans, p)
	}

	return plans, nil
}

// resolvePlan finds a plan by name in the configured plan directories.
// An argument that points at an existing file is loaded directly.
func resolvePlan(cfg *types.HarnessConfig, arg string) (*testPlan, error) {
	if st, err := os.Stat(arg); err == nil && !st.IsDir() {
		data, err := os.ReadFile(arg)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", arg, err)
		}
		var p testPlan
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", arg, err)
		}
		if p.Name == "" {
			p.Name = strings.TrimSuffix(filepath.Base(arg), filepath.Ext(arg))
		}
		return &p, nil
	}

	for _, dir := range cfg.PlanDirs {
		plans, err := loadPlanDir(dir)
		if err != nil {
			return nil, fmt.Errorf("loading plans from %s: %w", dir, err)
		}
		for i := range plans {
			if plans[i].Name == arg {
				return &plans[i], nil
			}
		}
	}
	return nil, fmt.Errorf("plan %q not found in %v", arg, cfg.PlanDirs)
}

// buildUnits turns a plan's modules into schedulable units.
func buildUnits(p *testPlan) ([]suite.Unit, error) {
	if len(p.Modules) == 0 {
		return nil, fmt.Errorf("plan %s has no modules", p.Name)
	}
	units := make([]suite.Unit, 0, len(p.Modules))
	for _, pm := range p.Modules {
		if pm.Name == "" {
			return nil, fmt.Errorf("plan %s: module without a name", p.Name)
		}
		tests, err := planModuleTests(pm)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", p.Name, err)
		}
		m := suite.NewModule(pm.Name, pm.Abi, tests)
		if pm.NeededDevices > 0 {
			m.SetNeededDevices(pm.NeededDevices)
		}
		if pm.Shardable != nil {
			m.SetShardable(*pm.Shardable)
		}
		units = append(units, m)
	}
	return units, nil
}

// planModuleTests enumerates a module's cases: the explicit list when
// given, otherwise testCount synthesized placeholders.
func planModuleTests(pm planModule) ([]types.TestDescription, error) {
	if len(pm.Tests) > 0 {
		tests := make([]types.TestDescription, 0, len(pm.Tests))
		for _, t := range pm.Tests {
			if t.Class == "" || t.Test == "" {
				return nil, fmt.Errorf("module %s: test entries need class and test", pm.Name)
			}
			tests = append(tests, types.NewTestDescription(t.Class, t.Test))
		}
		return tests, nil
	}
	if pm.TestCount <= 0 {
		return nil, fmt.Errorf("module %s has neither tests nor a testCount", pm.Name)
	}
	tests := make([]types.TestDescription, 0, pm.TestCount)
	for i := 0; i < pm.TestCount; i++ {
		tests = append(tests, types.NewTestDescription(pm.Name, fmt.Sprintf("case%03d", i)))
	}
	return tests, nil
}

// stubDevices builds n placeholder devices for collect-only execution.
func stubDevices(n int) []device.Device {
	if n < 1 {
		n = 1
	}
	devices := make([]device.Device, n)
	for i := range devices {
		devices[i] = device.NewStub(fmt.Sprintf("stub-%02d", i))
	}
	return devices
}

// newLogger builds the CLI's JSON logger.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// setupTelemetry builds the metrics sink for the configured backend. The
// registry is always kept for the end-of-run summary; the otel backend
// additionally exports counters and spans over OTLP. cleanup flushes any
// exporters.
func setupTelemetry(ctx context.Context, tc types.TelemetryConfig) (metrics.Sink, *metrics.Registry, func(), error) {
	reg := metrics.NewRegistry()
	switch tc.Metrics {
	case "", "expvar":
		reg.Publish("gantry")
		return reg, reg, func() {}, nil
	case "none":
		return reg, reg, func() {}, nil
	case "otel":
		shutdown, err := metrics.SetupOTel(ctx, tc.OTLPEndpoint, tc.ServiceName)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("setting up telemetry: %w", err)
		}
		cleanup := func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(flushCtx)
		}
		return metrics.NewOTelSink(reg, otel.Meter("gantry")), reg, cleanup, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown telemetry backend %q", tc.Metrics)
	}
}

// sharedPoolID derives the pool identity every worker of a sharded
// invocation must agree on.
func sharedPoolID(invocationID, attemptID string) string {
	return fmt.Sprintf("invocation-%s-attempt-%s", invocationID, attemptID)
}

// buildPool constructs the configured shared work pool.
func buildPool(ctx context.Context, cfg *types.HarnessConfig, poolID string, log *slog.Logger) (pool.Pool, error) {
	switch cfg.Pool.Backend {
	case types.PoolBackendLocal, "":
		return pool.NewLocalPool(), nil
	case types.PoolBackendRedis:
		if cfg.Pool.Redis == nil {
			return nil, fmt.Errorf("pool backend is redis but no redis settings are configured")
		}
		return pool.NewRedisPool(*cfg.Pool.Redis, poolID, log), nil
	case types.PoolBackendSQS:
		if cfg.Pool.SQS == nil {
			return nil, fmt.Errorf("pool backend is sqs but no sqs settings are configured")
		}
		return pool.NewSQSPool(ctx, *cfg.Pool.SQS, poolID, log)
	default:
		return nil, fmt.Errorf("unknown pool backend %q", cfg.Pool.Backend)
	}
}

// recoveryWait parses the configured poller recovery wait.
func recoveryWait(cfg *types.HarnessConfig) (time.Duration, error) {
	if cfg.Pool.RecoveryWait == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(cfg.Pool.RecoveryWait)
	if err != nil {
		return 0, fmt.Errorf("parsing pool recoveryWait: %w", err)
	}
	return d, nil
}
