// Package shard splits the work of an invocation across execution
// shards, either statically up front or through a shared work pool that
// workers drain dynamically.
package shard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gantry-systems/gantry/internal/metrics"
	"github.com/gantry-systems/gantry/internal/pool"
	"github.com/gantry-systems/gantry/internal/result"
	"github.com/gantry-systems/gantry/internal/suite"
	"github.com/gantry-systems/gantry/pkg/types"
)

// Rescheduler receives the shards the partitioner carves out of an
// invocation and schedules each one as its own execution context.
type Rescheduler interface {
	ScheduleShard(units []suite.Unit) error
}

// Options carries the partitioner's collaborators.
type Options struct {
	// Pool backs remote dynamic sharding. Nil disables the dynamic path
	// and falls back to static partitioning.
	Pool pool.Pool
	// RecoveryWait bounds how long a dynamic poller waits for a lost
	// device, zero meaning pool.DefaultRecoveryWait.
	RecoveryWait time.Duration
	// Execute overrides how a dynamic poller runs each claimed unit.
	Execute pool.ExecuteFunc
	Metrics metrics.Sink
	Log     *slog.Logger
}

// Partitioner resolves how one invocation's units are distributed.
type Partitioner struct {
	cfg  types.ShardingConfig
	pool pool.Pool
	wait time.Duration
	exec pool.ExecuteFunc
	sink metrics.Sink
	log  *slog.Logger
}

// New creates a Partitioner for one invocation.
func New(cfg types.ShardingConfig, opts Options) *Partitioner {
	sink := opts.Metrics
	if sink == nil {
		sink = metrics.Nop{}
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Partitioner{
		cfg:  cfg,
		pool: opts.Pool,
		wait: opts.RecoveryWait,
		exec: opts.Execute,
		sink: sink,
		log:  log,
	}
}

// Partition resolves the invocation's sharding. Either the units are
// handed shard by shard to the rescheduler, reported by
// rescheduled=true, or the returned slice is what this process should
// run itself.
func (p *Partitioner) Partition(ctx context.Context, units []suite.Unit, inv result.Invocation, r Rescheduler) (rescheduled bool, local []suite.Unit, err error) {
	if p.cfg.RemoteDynamicSharding {
		return p.partitionDynamic(ctx, units, inv, r)
	}
	return p.partitionLocal(units, r)
}

func (p *Partitioner) partitionLocal(units []suite.Unit, r Rescheduler) (bool, []suite.Unit, error) {
	if p.cfg.ShardIndex != nil && p.cfg.ShardCount == nil {
		return false, nil, fmt.Errorf("shard-count unset while shard-index is %d", *p.cfg.ShardIndex)
	}
	if p.cfg.ShardCount == nil {
		return false, units, nil
	}
	count := *p.cfg.ShardCount
	if count <= 0 {
		return false, nil, fmt.Errorf("invalid shard-count %d", count)
	}
	if count == 1 {
		return false, units, nil
	}

	expanded := p.expand(units, count)
	shards := Split(expanded, count, p.cfg.EvenModuleSharding)

	if p.cfg.ShardIndex == nil {
		scheduled := 0
		for _, s := range shards {
			if len(s) == 0 {
				continue
			}
			if err := r.ScheduleShard(AggregateModules(s)); err != nil {
				return false, nil, fmt.Errorf("scheduling shard: %w", err)
			}
			scheduled++
		}
		p.sink.Add(metrics.ShardsCreated, int64(scheduled))
		p.log.Info("invocation resharded", "requested", count, "scheduled", scheduled)
		return true, nil, nil
	}

	index := *p.cfg.ShardIndex
	if index < 0 || index >= len(shards) {
		return false, nil, fmt.Errorf("shard-index %d out of range for %d shards", index, len(shards))
	}
	local := AggregateModules(shards[index])
	if p.cfg.OptimizeMainline {
		if err := ReorderMainlineModules(local); err != nil {
			return false, nil, err
		}
	}
	p.log.Info("selected shard slice", "index", index, "units", len(local))
	return false, local, nil
}

// expand gives every shardable unit the chance to split itself into
// finer-grained units ahead of distribution.
func (p *Partitioner) expand(units []suite.Unit, shardCount int) []suite.Unit {
	if !p.cfg.IntraModuleShardingEnabled() {
		return units
	}
	out := make([]suite.Unit, 0, len(units))
	for _, u := range units {
		s, ok := u.(suite.Shardable)
		if !ok {
			out = append(out, u)
			continue
		}
		subs := s.Split(shardCount)
		if subs == nil {
			out = append(out, u)
			continue
		}
		p.sink.Add(metrics.ModulesSplit, 1)
		out = append(out, subs...)
	}
	return out
}

// AggregateModules merges split modules that ended up on the same shard
// back into one module per identifier, so a shard runs each module once.
// Units that are not modules pass through untouched.
func AggregateModules(units []suite.Unit) []suite.Unit {
	out := make([]suite.Unit, 0, len(units))
	merged := make(map[string]*suite.Module)
	for _, u := range units {
		m, ok := u.(*suite.Module)
		if !ok {
			out = append(out, u)
			continue
		}
		prev, seen := merged[m.ID()]
		if !seen {
			merged[m.ID()] = m
			out = append(out, m)
			continue
		}
		prev.AddTests(m.Tests()...)
	}
	return out
}
