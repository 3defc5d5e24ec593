package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gantry-systems/gantry/internal/config"
	"github.com/gantry-systems/gantry/internal/invoker"
	"github.com/gantry-systems/gantry/internal/metrics"
	"github.com/gantry-systems/gantry/internal/pool"
	"github.com/gantry-systems/gantry/internal/result"
	"github.com/gantry-systems/gantry/internal/suite"
	"github.com/gantry-systems/gantry/pkg/types"
)

const invokeTimeout = 30 * time.Minute

type runOptions struct {
	invocationID string
	attemptID    string
	devices      int
	workers      int
	showMetrics  bool
	verbose      bool
}

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [plan]",
		Short: "Execute a test plan through the invocation pipeline",
		Long: `Loads the plan's modules, partitions them per the configured sharding,
and drives them through the invocation pipeline with retry and result
aggregation. Modules execute with the collect-only runner: every case in
scope is reported without touching hardware. Real runners attach through
the suite package when gantry is embedded as a library.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.invocationID, "invocation", "", "Invocation id (generated when empty; required for pooled runs)")
	cmd.Flags().StringVar(&opts.attemptID, "attempt", "0", "Scheduler attempt id")
	cmd.Flags().IntVar(&opts.devices, "devices", 1, "Number of stub devices to execute against")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "Pool workers for dynamic sharding (defaults to shard count)")
	cmd.Flags().BoolVar(&opts.showMetrics, "show-metrics", false, "Print harness counters after the run")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", false, "Debug logging")
	return cmd
}

func runPlan(planName string, opts runOptions) error {
	cfg, err := config.Load(".")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	plan, err := resolvePlan(cfg, planName)
	if err != nil {
		return err
	}
	units, err := buildUnits(plan)
	if err != nil {
		return err
	}
	attachCollectRunners(units)

	log := newLogger(opts.verbose)
	ctx, cancel := context.WithTimeout(context.Background(), invokeTimeout)
	defer cancel()

	sink, reg, cleanup, err := setupTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer cleanup()

	var workPool pool.Pool
	if cfg.Sharding.RemoteDynamicSharding {
		if opts.invocationID == "" {
			return fmt.Errorf("pooled runs need --invocation so every worker addresses the same pool")
		}
		workPool, err = buildPool(ctx, cfg, sharedPoolID(opts.invocationID, opts.attemptID), log)
		if err != nil {
			return fmt.Errorf("building work pool: %w", err)
		}
	}
	wait, err := recoveryWait(cfg)
	if err != nil {
		return err
	}

	collector := result.NewCollector()
	iv := invoker.New(*cfg, invoker.Options{
		InvocationID:      opts.invocationID,
		AttemptID:         opts.attemptID,
		Devices:           stubDevices(opts.devices),
		Reporters:         []result.Listener{collector},
		DetailedReporters: []result.Listener{&consoleReporter{}},
		Pool:              workPool,
		Workers:           opts.workers,
		RecoveryWait:      wait,
		Metrics:           sink,
		Log:               log,
	})

	start := time.Now()
	invErr := iv.Invoke(ctx, units)
	printSummary(collector, reg, time.Since(start), opts.showMetrics)

	if invErr != nil {
		return invErr
	}
	if failed := collector.NumTestsInState(types.StatusFailed); failed > 0 {
		return fmt.Errorf("%d tests failed", failed)
	}
	return nil
}

// attachCollectRunners wires the collect-only runner to every module:
// the cases left in scope by the filters are reported as executed.
func attachCollectRunners(units []suite.Unit) {
	for _, u := range units {
		if m, ok := u.(*suite.Module); ok {
			m.SetRunFunc(collectRun)
		}
	}
}

func collectRun(_ context.Context, m *suite.Module, rc suite.RunContext) error {
	tests, err := m.FilteredTests()
	if err != nil {
		return err
	}
	rc.Listener.RunStarted(m.Name(), len(tests), 0, time.Now())
	for _, tc := range tests {
		rc.Listener.TestStarted(tc, time.Now())
		rc.Listener.TestEnded(tc, time.Now(), nil)
	}
	rc.Listener.RunEnded(0, nil)
	return nil
}

func printSummary(col *result.Collector, reg *metrics.Registry, elapsed time.Duration, showMetrics bool) {
	passed := col.NumTestsInState(types.StatusPassed)
	failed := col.NumTestsInState(types.StatusFailed)
	assumption := col.NumTestsInState(types.StatusAssumptionFailure)
	ignored := col.NumTestsInState(types.StatusIgnored)

	fmt.Println()
	bold := color.New(color.Bold)
	_, _ = bold.Println("Results:")
	color.Green("  ✓ %d passed", passed)
	if failed > 0 {
		color.Red("  ✗ %d failed", failed)
	}
	if assumption > 0 {
		color.Yellow("  ○ %d assumption failures", assumption)
	}
	if ignored > 0 {
		color.Yellow("  → %d ignored", ignored)
	}
	for _, f := range col.InvocationFailures() {
		color.Red("  ✗ invocation: %s", f.Message)
	}
	fmt.Printf("  %d runs in %s\n", len(col.RunNames()), elapsed.Round(time.Millisecond))

	if showMetrics {
		fmt.Println()
		_, _ = bold.Println("Counters:")
		for _, name := range reg.Names() {
			fmt.Printf("  %-28s %d\n", name, reg.Count(name))
		}
	}
}

// consoleReporter prints per-event progress while the collector keeps
// the numbers. It sits on the detailed stream, so retries show up as
// separate attempts.
type consoleReporter struct{}

func (c *consoleReporter) InvocationStarted(inv result.Invocation) {
	bold := color.New(color.Bold)
	_, _ = bold.Printf("Invocation %s\n", inv.ID)
}

func (c *consoleReporter) InvocationFailed(failure *types.Failure) {
	color.Red("✗ invocation failed: %s", failure.Message)
}

func (c *consoleReporter) InvocationEnded(time.Duration) {}

func (c *consoleReporter) ModuleStarted(module result.ModuleContext) {
	fmt.Printf("  %s\n", module.ID())
}

func (c *consoleReporter) ModuleEnded() {}

func (c *consoleReporter) RunStarted(name string, testCount, attempt int, _ time.Time) {
	if attempt > 0 {
		color.Cyan("    retry attempt %d: %s (%d tests)", attempt, name, testCount)
	}
}

func (c *consoleReporter) RunFailed(failure *types.Failure) {
	color.Red("    run failed: %s", failure.Message)
}

func (c *consoleReporter) RunEnded(time.Duration, types.Metrics) {}

func (c *consoleReporter) TestStarted(types.TestDescription, time.Time) {}

func (c *consoleReporter) TestFailed(test types.TestDescription, failure *types.Failure) {
	color.Red("      ✗ %s: %s", test, failure.Message)
}

func (c *consoleReporter) TestAssumptionFailure(test types.TestDescription, _ *types.Failure) {
	color.Yellow("      ○ %s: assumption failed", test)
}

func (c *consoleReporter) TestIgnored(types.TestDescription) {}

func (c *consoleReporter) TestSkipped(types.TestDescription, string) {}

func (c *consoleReporter) TestEnded(types.TestDescription, time.Time, types.Metrics) {}

func (c *consoleReporter) LogSaved(name string, file types.LogFile) {
	fmt.Printf("      log %s: %s\n", name, file.Path)
}

var _ result.Listener = (*consoleReporter)(nil)
