package shard

import (
	"context"
	"fmt"

	"github.com/gantry-systems/gantry/internal/metrics"
	"github.com/gantry-systems/gantry/internal/pool"
	"github.com/gantry-systems/gantry/internal/result"
	"github.com/gantry-systems/gantry/internal/suite"
)

// partitionDynamic shares the invocation's modules through a work pool
// instead of pinning a static slice to each worker, so a fast worker
// drains more of the pool. Each worker seeds the pool at most once and
// replaces its unit list with a single poller.
func (p *Partitioner) partitionDynamic(ctx context.Context, units []suite.Unit, inv result.Invocation, r Rescheduler) (bool, []suite.Unit, error) {
	if p.cfg.ShardCount == nil {
		return false, nil, fmt.Errorf("dynamic sharding requires a shard-count")
	}
	if *p.cfg.ShardCount == 1 {
		return false, units, nil
	}
	if reason := p.dynamicBlocked(inv); reason != "" {
		p.log.Info("disabling remote dynamic sharding, falling back to static partitioning", "reason", reason)
		p.cfg.RemoteDynamicSharding = false
		return p.partitionLocal(units, r)
	}

	poolID := fmt.Sprintf("invocation-%s-attempt-%s", inv.ID, inv.AttemptID)
	for _, u := range units {
		if _, ok := u.(*suite.Module); !ok {
			return false, nil, fmt.Errorf("unit %s cannot be executed with dynamic sharding", u.ID())
		}
	}
	seeded, err := p.pool.Seed(ctx, units)
	if err != nil {
		return false, nil, fmt.Errorf("seeding pool %s: %w", poolID, err)
	}
	if seeded {
		p.sink.Add(metrics.PoolSeededModules, int64(len(units)))
		p.log.Info("seeded work pool", "pool", poolID, "modules", len(units))
	} else {
		p.log.Info("another worker already seeded the pool", "pool", poolID)
	}

	// Two tracker slots keep this worker's lone poller from declaring
	// the pool's leftovers unexecuted while sibling workers still drain
	// it.
	poller := pool.NewPoller(p.pool, pool.NewTracker(2), pool.PollerOptions{
		Name:         fmt.Sprintf("%s-shard-%d", poolID, *p.cfg.ShardIndex),
		RecoveryWait: p.wait,
		Execute:      p.exec,
		Metrics:      p.sink,
		Log:          p.log,
	})
	return false, []suite.Unit{poller}, nil
}

// dynamicBlocked reports why dynamic sharding cannot run, empty when it
// can.
func (p *Partitioner) dynamicBlocked(inv result.Invocation) string {
	switch {
	case p.pool == nil:
		return "no work pool configured"
	case p.cfg.ShardIndex == nil:
		return "shard-index unset"
	case inv.ID == "":
		return "invocation id unset"
	case inv.AttemptID == "":
		return "attempt id unset"
	default:
		return ""
	}
}
