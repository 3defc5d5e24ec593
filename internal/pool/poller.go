package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gantry-systems/gantry/internal/device"
	"github.com/gantry-systems/gantry/internal/metrics"
	"github.com/gantry-systems/gantry/internal/result"
	"github.com/gantry-systems/gantry/internal/suite"
	"github.com/gantry-systems/gantry/pkg/types"
)

// DefaultRecoveryWait bounds how long a poller waits for a lost device
// to come back before giving up on its shard.
const DefaultRecoveryWait = 15 * time.Minute

// ExecuteFunc runs one claimed unit against the poller's run context.
type ExecuteFunc func(ctx context.Context, unit suite.Unit, rc suite.RunContext) error

// PollerOptions configures a Poller.
type PollerOptions struct {
	// Name identifies the poller in logs. Empty means "pool-poller".
	Name string
	// RecoveryWait overrides DefaultRecoveryWait when positive.
	RecoveryWait time.Duration
	// Execute runs a claimed unit, defaulting to the unit's own Run. The
	// invoker installs its attempt loop here so polled units retry like
	// statically assigned ones.
	Execute ExecuteFunc
	Metrics metrics.Sink
	Log     *slog.Logger
}

// Poller drains a pool, running each claimed unit against the devices of
// its run context. A failing unit does not stop the poller; only losing
// the devices does, and even then the unit goes back to the pool for a
// sibling poller to pick up.
type Poller struct {
	pool    Pool
	tracker *Tracker
	name    string
	wait    time.Duration
	exec    ExecuteFunc
	sink    metrics.Sink
	log     *slog.Logger
}

// NewPoller creates a Poller over pool, wired to the tracker shared by
// its sibling pollers.
func NewPoller(p Pool, tracker *Tracker, opts PollerOptions) *Poller {
	name := opts.Name
	if name == "" {
		name = "pool-poller"
	}
	wait := opts.RecoveryWait
	if wait <= 0 {
		wait = DefaultRecoveryWait
	}
	exec := opts.Execute
	if exec == nil {
		exec = func(ctx context.Context, unit suite.Unit, rc suite.RunContext) error {
			return unit.Run(ctx, rc)
		}
	}
	sink := opts.Metrics
	if sink == nil {
		sink = metrics.Nop{}
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		pool:    p,
		tracker: tracker,
		name:    name,
		wait:    wait,
		exec:    exec,
		sink:    sink,
		log:     log.With("poller", name),
	}
}

// NewPollers creates n pollers draining one pool behind a shared
// tracker, so whichever finishes last reports the units nobody ran.
func NewPollers(p Pool, n int, opts PollerOptions) []*Poller {
	tracker := NewTracker(n)
	base := opts.Name
	if base == "" {
		base = "pool-poller"
	}
	pollers := make([]*Poller, n)
	for i := range pollers {
		o := opts
		o.Name = fmt.Sprintf("%s-%d", base, i)
		pollers[i] = NewPoller(p, tracker, o)
	}
	return pollers
}

var _ suite.Unit = (*Poller)(nil)

// ID implements suite.Unit.
func (p *Poller) ID() string { return p.name }

// TestCount implements suite.Unit. The poller does not know its share of
// the pool up front.
func (p *Poller) TestCount() int { return 0 }

// NeededDevices implements suite.Unit.
func (p *Poller) NeededDevices() int { return 1 }

// Run claims and executes units until the pool is drained or the
// devices are lost for good. The last poller to finish drains whatever
// is left and reports it as never executed.
func (p *Poller) Run(ctx context.Context, rc suite.RunContext) error {
	defer func() {
		if p.tracker.Done() {
			p.reportNotExecuted(context.WithoutCancel(ctx), rc.Listener)
		}
	}()
	for {
		unit, ok, err := p.pool.Poll(ctx)
		if err != nil {
			return fmt.Errorf("polling work pool: %w", err)
		}
		if !ok {
			return nil
		}
		if err := p.runUnit(ctx, unit, rc); err != nil {
			return err
		}
	}
}

func (p *Poller) runUnit(ctx context.Context, unit suite.Unit, rc suite.RunContext) error {
	p.sink.Add(metrics.PoolPolledModules, 1)
	err := p.exec(ctx, unit, rc)
	switch {
	case err == nil:
		return nil
	case device.IsUnresponsive(err):
		p.log.Warn("device unresponsive, rebooting before the next unit", "unit", unit.ID(), "error", err)
		if rerr := device.RebootAll(ctx, p.log, p.sink, rc.Devices); rerr != nil {
			return p.handleDeviceLost(ctx, unit, rc, rerr)
		}
		return nil
	case device.IsNotAvailable(err):
		return p.handleDeviceLost(ctx, unit, rc, err)
	default:
		p.log.Error("unit failed, proceeding to the next one", "unit", unit.ID(), "error", err)
		return nil
	}
}

// handleDeviceLost decides whether a poller whose devices dropped off
// can keep going. While sibling pollers are still draining the pool it
// waits for the devices to come back; once it is the last one standing,
// or the devices stay gone, the unit goes back to the pool and the
// poller dies with the original error.
func (p *Poller) handleDeviceLost(ctx context.Context, unit suite.Unit, rc suite.RunContext, cause error) error {
	if p.tracker.Alive() > 1 {
		p.log.Warn("device lost, waiting for it to come back", "unit", unit.ID(), "wait", p.wait)
		if err := p.waitAndReboot(ctx, rc.Devices); err == nil {
			p.log.Info("devices recovered, resuming polling", "unit", unit.ID())
			return nil
		}
	}
	if err := p.pool.Return(ctx, unit); err != nil {
		p.log.Error("returning unit to pool", "unit", unit.ID(), "error", err)
	}
	p.log.Error("devices gone, poller terminating", "unit", unit.ID(), "error", cause)
	return cause
}

func (p *Poller) waitAndReboot(ctx context.Context, devices []device.Device) error {
	for _, d := range devices {
		if d.Stub() {
			continue
		}
		if err := d.WaitForAvailable(ctx, p.wait); err != nil {
			return fmt.Errorf("waiting for %s: %w", d.Serial(), err)
		}
	}
	return device.RebootAll(ctx, p.log, p.sink, devices)
}

// reportNotExecuted drains the leftovers of the pool and reports each as
// a run that never happened, so downstream consumers see every seeded
// unit accounted for.
func (p *Poller) reportNotExecuted(ctx context.Context, listener result.Listener) {
	for {
		unit, ok, err := p.pool.Poll(ctx)
		if err != nil {
			p.log.Error("draining pool for not-executed reporting", "error", err)
			return
		}
		if !ok {
			return
		}
		p.log.Warn("unit was never executed", "unit", unit.ID())
		failure := types.NewFailure(
			fmt.Sprintf("Test did not run. The invocation ended before %s was claimed from the work pool.", unit.ID()),
		).SetStatus(types.FailureNotExecuted).SetRetriable(false)
		listener.RunStarted(unit.ID(), unit.TestCount(), 0, time.Now())
		listener.RunFailed(failure)
		listener.RunEnded(0, nil)
		p.sink.Add(metrics.PoolTestsNotExecuted, int64(unit.TestCount()))
	}
}
