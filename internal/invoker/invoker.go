// Package invoker drives an invocation end to end. It resolves how the
// units are sharded, runs each shard on its own worker against a shared
// result pipeline, and loops attempts per unit under the retry policy.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gantry-systems/gantry/internal/device"
	"github.com/gantry-systems/gantry/internal/metrics"
	"github.com/gantry-systems/gantry/internal/pool"
	"github.com/gantry-systems/gantry/internal/result"
	"github.com/gantry-systems/gantry/internal/retry"
	"github.com/gantry-systems/gantry/internal/shard"
	"github.com/gantry-systems/gantry/internal/suite"
	"github.com/gantry-systems/gantry/pkg/types"
)

// Options carries the invoker's collaborators.
type Options struct {
	// InvocationID overrides the generated invocation id. Workers of one
	// sharded invocation must share it so they key the same work pool.
	InvocationID string
	// AttemptID distinguishes scheduling attempts, "0" when unset.
	AttemptID string
	// Trigger is recorded as the invocation's trigger attribute.
	Trigger string
	// Devices are the devices this worker executes on.
	Devices []device.Device
	// Reporters receive the aggregated result stream, one merged run per
	// name.
	Reporters []result.Listener
	// DetailedReporters additionally see every attempt when retries are
	// enabled.
	DetailedReporters []result.Listener
	// Pool backs remote dynamic sharding. Nil keeps partitioning static.
	Pool pool.Pool
	// Workers is how many pollers drain the pool when this process owns
	// the whole invocation. Zero means the configured shard count.
	Workers int
	// RecoveryWait bounds how long pooled execution waits for a lost
	// device, zero meaning pool.DefaultRecoveryWait.
	RecoveryWait time.Duration
	// Properties is the invocation's property bag, created when nil.
	Properties *Properties
	// IncludeSuitePreparation re-runs suite-level setup besides the
	// module's own steps when a module is re-prepared after a reset.
	IncludeSuitePreparation bool
	Tracer                  trace.Tracer
	Metrics                 metrics.Sink
	Log                     *slog.Logger
}

// Invoker executes invocations under one harness configuration.
type Invoker struct {
	cfg       types.HarnessConfig
	invID     string
	attemptID string
	trigger   string
	devices   []device.Device
	reporters []result.Listener
	detailed  []result.Listener
	pool      pool.Pool
	workers   int
	wait      time.Duration
	props     *Properties
	suitePrep bool
	tracer    trace.Tracer
	sink      metrics.Sink
	log       *slog.Logger
}

// New creates an Invoker.
func New(cfg types.HarnessConfig, opts Options) *Invoker {
	attemptID := opts.AttemptID
	if attemptID == "" {
		attemptID = "0"
	}
	props := opts.Properties
	if props == nil {
		props = NewProperties()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("gantry/invoker")
	}
	sink := opts.Metrics
	if sink == nil {
		sink = metrics.Nop{}
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Invoker{
		cfg:       cfg,
		invID:     opts.InvocationID,
		attemptID: attemptID,
		trigger:   opts.Trigger,
		devices:   opts.Devices,
		reporters: opts.Reporters,
		detailed:  opts.DetailedReporters,
		pool:      opts.Pool,
		workers:   opts.Workers,
		wait:      opts.RecoveryWait,
		props:     props,
		suitePrep: opts.IncludeSuitePreparation,
		tracer:    tracer,
		sink:      sink,
		log:       log,
	}
}

// Invoke runs the units to completion and reports them through the
// configured reporters. The returned error covers infrastructure
// breakdowns only; test failures live in the reported results.
func (iv *Invoker) Invoke(ctx context.Context, units []suite.Unit) error {
	inv := iv.newInvocation()
	ctx, span := iv.tracer.Start(ctx, "invocation", trace.WithAttributes(
		attribute.String("invocation.id", inv.ID),
		attribute.Int("invocation.units", len(units)),
	))
	defer span.End()

	log := iv.log.With("invocation", inv.ID)
	log.Info("invocation starting", "units", len(units), "devices", len(iv.devices))

	main := iv.newMainListener()
	start := time.Now()
	main.InvocationStarted(inv)

	shards, err := iv.resolveShards(ctx, units, inv)
	if err != nil {
		span.RecordError(err)
		main.InvocationFailed(infraFailure(err))
		main.InvocationEnded(time.Since(start))
		return err
	}

	runErr := iv.runShards(ctx, inv, main, shards)
	if runErr != nil {
		span.RecordError(runErr)
		main.InvocationFailed(infraFailure(runErr))
	}
	main.InvocationEnded(time.Since(start))
	if runErr != nil {
		log.Error("invocation failed", "elapsed", time.Since(start), "error", runErr)
		return runErr
	}
	log.Info("invocation finished", "elapsed", time.Since(start))
	return nil
}

func (iv *Invoker) newInvocation() result.Invocation {
	id := iv.invID
	if id == "" {
		id = ulid.Make().String()
	}
	inv := result.Invocation{
		ID:         id,
		AttemptID:  iv.attemptID,
		ShardIndex: -1,
		Attributes: map[string]string{
			types.AttrInvocationID: id,
			types.AttrAttemptID:    iv.attemptID,
		},
	}
	if iv.cfg.Sharding.ShardIndex != nil {
		inv.ShardIndex = *iv.cfg.Sharding.ShardIndex
	}
	if iv.trigger != "" {
		inv.Attributes[types.AttrTrigger] = iv.trigger
	}
	return inv
}

// retriesEnabled reports whether units may run more than one attempt,
// which decides between the aggregating and the plain forwarding
// pipeline.
func (iv *Invoker) retriesEnabled() bool { return iv.cfg.Retry.MaxAttempts > 1 }

func (iv *Invoker) newMainListener() result.Listener {
	if iv.retriesEnabled() {
		return result.NewAggregator(iv.detailed, iv.reporters, iv.cfg.Retry.Strategy, iv.sink)
	}
	all := make([]result.Listener, 0, len(iv.detailed)+len(iv.reporters))
	all = append(all, iv.detailed...)
	all = append(all, iv.reporters...)
	return result.NewForwarder(all...)
}

// resolveShards turns the invocation's units into the unit lists the
// workers execute: the partitioner's shards, one poller per worker when
// this process drains a shared pool by itself, or a single shard when
// nothing needs splitting.
func (iv *Invoker) resolveShards(ctx context.Context, units []suite.Unit, inv result.Invocation) ([][]suite.Unit, error) {
	if iv.ownsWholePool() {
		return iv.poolShards(ctx, units, inv)
	}
	p := shard.New(iv.cfg.Sharding, shard.Options{
		Pool:         iv.pool,
		RecoveryWait: iv.wait,
		Execute:      iv.executePolled,
		Metrics:      iv.sink,
		Log:          iv.log,
	})
	var sched shardCollector
	rescheduled, local, err := p.Partition(ctx, units, inv, &sched)
	if err != nil {
		return nil, fmt.Errorf("partitioning invocation: %w", err)
	}
	if rescheduled {
		return sched.shards, nil
	}
	return [][]suite.Unit{local}, nil
}

// ownsWholePool reports whether this process runs every worker of a
// dynamically sharded invocation itself. With a shard index set the
// process is one worker among many and the partitioner handles the pool
// instead.
func (iv *Invoker) ownsWholePool() bool {
	return iv.cfg.Sharding.RemoteDynamicSharding && iv.pool != nil && iv.cfg.Sharding.ShardIndex == nil
}

func (iv *Invoker) poolShards(ctx context.Context, units []suite.Unit, inv result.Invocation) ([][]suite.Unit, error) {
	for _, u := range units {
		if _, ok := u.(*suite.Module); !ok {
			return nil, fmt.Errorf("unit %s cannot be executed with dynamic sharding", u.ID())
		}
	}
	poolID := fmt.Sprintf("invocation-%s-attempt-%s", inv.ID, inv.AttemptID)
	seeded, err := iv.pool.Seed(ctx, units)
	if err != nil {
		return nil, fmt.Errorf("seeding pool %s: %w", poolID, err)
	}
	if seeded {
		iv.sink.Add(metrics.PoolSeededModules, int64(len(units)))
	}
	n := iv.workerCount()
	iv.log.Info("draining work pool in-process", "pool", poolID, "workers", n, "modules", len(units))
	pollers := pool.NewPollers(iv.pool, n, pool.PollerOptions{
		Name:         poolID + "-shard",
		RecoveryWait: iv.wait,
		Execute:      iv.executePolled,
		Metrics:      iv.sink,
		Log:          iv.log,
	})
	shards := make([][]suite.Unit, len(pollers))
	for i, p := range pollers {
		shards[i] = []suite.Unit{p}
	}
	return shards, nil
}

// workerCount is how many pollers drain the pool in-process.
func (iv *Invoker) workerCount() int {
	if iv.workers > 0 {
		return iv.workers
	}
	if iv.cfg.Sharding.ShardCount != nil && *iv.cfg.Sharding.ShardCount > 0 {
		return *iv.cfg.Sharding.ShardCount
	}
	return 1
}

// shardCollector keeps the partitioner's shards for in-process execution
// instead of handing them to an external scheduler.
type shardCollector struct {
	shards [][]suite.Unit
}

func (s *shardCollector) ScheduleShard(units []suite.Unit) error {
	s.shards = append(s.shards, units)
	return nil
}

var _ shard.Rescheduler = (*shardCollector)(nil)

// runShards executes the shards in parallel, one worker each, their
// event streams serialized into main through per-shard listeners.
func (iv *Invoker) runShards(ctx context.Context, inv result.Invocation, main result.Listener, shards [][]suite.Unit) error {
	group := result.NewShardGroup(main)
	granular := iv.retriesEnabled()
	merge := types.MergeStrategyFor(iv.cfg.Retry.Strategy)
	g, ctx := errgroup.WithContext(ctx)
	for i, units := range shards {
		if len(units) == 0 {
			continue
		}
		shardInv := inv
		if len(shards) > 1 {
			shardInv.ShardIndex = i
		}
		listener := group.NewListener(granular, merge, iv.log)
		g.Go(func() error {
			return iv.runShard(ctx, shardInv, listener, units, i)
		})
	}
	return g.Wait()
}

func (iv *Invoker) runShard(ctx context.Context, inv result.Invocation, listener result.Listener, units []suite.Unit, index int) error {
	ctx, span := iv.tracer.Start(ctx, "shard", trace.WithAttributes(
		attribute.Int("shard.index", index),
		attribute.Int("shard.units", len(units)),
	))
	defer span.End()

	log := iv.log.With("shard", index)
	decider := retry.NewDecider(iv.cfg.Retry, retry.Options{
		Invocation:              inv,
		Devices:                 iv.devices,
		Properties:              iv.props,
		IncludeSuitePreparation: iv.suitePrep,
		Metrics:                 iv.sink,
		Log:                     log,
	})
	for _, unit := range units {
		// A poller carries its own per-claimed-unit execution; it runs
		// straight against the shard listener so the attempt loop it
		// invokes per claimed unit keeps control of attempt numbering.
		if p, ok := unit.(*pool.Poller); ok {
			rc := suite.RunContext{Invocation: inv, Devices: iv.devices, Listener: listener}
			if err := p.Run(ctx, rc); err != nil {
				span.RecordError(err)
				return err
			}
			continue
		}
		if err := iv.runUnit(ctx, inv, listener, decider, log, unit); err != nil {
			span.RecordError(err)
			return err
		}
	}
	if st := decider.Statistics(); st.RetriedSuccess > 0 || st.RetriedFailure > 0 {
		log.Info("retry outcome",
			"cleared", st.RetriedSuccess,
			"still_failing", st.RetriedFailure,
			"retry_time", st.RetryTime)
	}
	return nil
}

// executePolled runs one unit claimed from a work pool under the same
// attempt loop as a statically assigned unit. Claim order is not known
// up front, so each claimed unit gets a decider of its own.
func (iv *Invoker) executePolled(ctx context.Context, unit suite.Unit, rc suite.RunContext) error {
	decider := retry.NewDecider(iv.cfg.Retry, retry.Options{
		Invocation:              rc.Invocation,
		Devices:                 rc.Devices,
		Properties:              iv.props,
		IncludeSuitePreparation: iv.suitePrep,
		Metrics:                 iv.sink,
		Log:                     iv.log.With("unit", unit.ID()),
	})
	err := iv.runUnit(ctx, rc.Invocation, rc.Listener, decider, iv.log, unit)
	if st := decider.Statistics(); st.RetriedSuccess > 0 || st.RetriedFailure > 0 {
		iv.log.Info("retry outcome",
			"unit", unit.ID(),
			"cleared", st.RetriedSuccess,
			"still_failing", st.RetriedFailure,
			"retry_time", st.RetryTime)
	}
	return err
}

// runUnit loops attempts for one unit until its results are final. A
// device loss the retry policy cannot recover aborts the whole shard.
func (iv *Invoker) runUnit(ctx context.Context, inv result.Invocation, listener result.Listener, decider *retry.Decider, log *slog.Logger, unit suite.Unit) error {
	unit = iv.wrapForAutoRetry(unit)
	module, _ := unit.(*suite.Module)
	if module != nil {
		listener.ModuleStarted(module.Context())
		defer listener.ModuleEnded()
	}
	maxAttempts := iv.maxAttempts()
	log = log.With("unit", unit.ID())

	// reported counts attempts that produced runs. An attempt that died in
	// preparation reports nothing, so the next executed attempt must not
	// leave a numbering gap in the outward stream.
	reported := 0
	for attempt := 0; attempt < maxAttempts; attempt++ {
		rec := newRunRecorder(listener, reported)
		runCtx, span := iv.tracer.Start(ctx, "attempt", trace.WithAttributes(
			attribute.String("unit.id", unit.ID()),
			attribute.Int("unit.attempt", attempt),
		))
		err := unit.Run(runCtx, suite.RunContext{Invocation: inv, Devices: iv.devices, Listener: rec})
		if err != nil {
			span.RecordError(err)
		}
		span.End()

		var prepErr *suite.PreparationError
		if errors.As(err, &prepErr) {
			dec := decider.ShouldRetryPreparation(ctx, module, attempt, maxAttempts-1)
			if dec.Err != nil {
				return dec.Err
			}
			if dec.Retry {
				continue
			}
			if dec.FailRun {
				log.Error("preparation failed, reporting the unit as failed", "attempt", attempt, "error", err)
				reportPreparationFailure(listener, unit, module, reported, prepErr)
			}
			break
		}

		previous := rec.results()
		var deviceErr error
		switch {
		case err == nil:
		case device.IsNotAvailable(err):
			deviceErr = err
		default:
			log.Error("unit run returned an error", "attempt", attempt, "error", err)
			if len(previous) == 0 {
				// The runner died before reporting anything; give the
				// attempt a run failure so reporters and the retry policy
				// see it.
				rec.RunStarted(runName(unit, module), 0, 0, time.Now())
				rec.RunFailed(types.NewFailure(err.Error()).SetStatus(types.FailureInfra))
				rec.RunEnded(0, nil)
				previous = rec.results()
			}
		}
		if len(previous) > 0 {
			reported++
		}

		if attempt == maxAttempts-1 {
			decider.AddLastAttempt(previous)
			if deviceErr != nil {
				return deviceErr
			}
			break
		}
		again, decErr := decider.ShouldRetry(ctx, unit, module, attempt, previous, deviceErr)
		if decErr != nil {
			return fmt.Errorf("deciding retry for %s: %w", unit.ID(), decErr)
		}
		if !again {
			break
		}
		log.Info("retrying unit", "next_attempt", attempt+1)
	}
	return nil
}

// wrapForAutoRetry hands tracker-driven retry to units that expose no
// retry capability of their own. Units that already filter or decide
// retries are left alone.
func (iv *Invoker) wrapForAutoRetry(unit suite.Unit) suite.Unit {
	if !iv.retriesEnabled() || !iv.cfg.Retry.AutoRetryEnabled() {
		return unit
	}
	if _, ok := unit.(suite.FilterSink); ok {
		return unit
	}
	if _, ok := unit.(suite.AutoRetriable); ok {
		return unit
	}
	return retry.WrapAuto(unit, iv.cfg.Retry.MaxAttempts, iv.sink, iv.log)
}

func (iv *Invoker) maxAttempts() int {
	if iv.cfg.Retry.MaxAttempts < 1 {
		return 1
	}
	return iv.cfg.Retry.MaxAttempts
}

// reportPreparationFailure surfaces a setup failure as the unit's run
// result so reporters see why no tests ran.
func reportPreparationFailure(listener result.Listener, unit suite.Unit, module *suite.Module, attempt int, prepErr *suite.PreparationError) {
	failure := types.NewFailure(prepErr.Error()).SetStatus(types.FailureInfra).SetRetriable(false)
	listener.RunStarted(runName(unit, module), 0, attempt, time.Now())
	listener.RunFailed(failure)
	listener.RunEnded(0, nil)
}

func runName(unit suite.Unit, module *suite.Module) string {
	if module != nil {
		return module.Name()
	}
	return unit.ID()
}

func infraFailure(err error) *types.Failure {
	status := types.FailureInfra
	if device.IsNotAvailable(err) {
		status = types.FailureLostDevice
	}
	return types.NewFailure(err.Error()).SetStatus(status).SetRetriable(false)
}
