package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gantry-systems/gantry/internal/config"
	"github.com/gantry-systems/gantry/internal/result"
	"github.com/gantry-systems/gantry/internal/shard"
	"github.com/gantry-systems/gantry/internal/suite"
)

const planTimeout = 30 * time.Second

// NewPlanCmd creates the plan command.
func NewPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan [plan]",
		Short: "Preview how a plan's modules partition across shards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlanPreview(args[0])
		},
	}
}

func runPlanPreview(planName string) error {
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

	bold := color.New(color.Bold)
	total := 0
	for _, u := range units {
		total += u.TestCount()
	}
	_, _ = bold.Printf("Plan: %s (%d modules, %d test cases)\n", plan.Name, len(units), total)

	if cfg.Sharding.RemoteDynamicSharding {
		fmt.Printf("\nDynamic sharding via %s pool; workers claim modules at run time:\n", cfg.Pool.Backend)
		for _, u := range units {
			fmt.Printf("  %-44s %6d tests\n", u.ID(), u.TestCount())
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), planTimeout)
	defer cancel()

	p := shard.New(cfg.Sharding, shard.Options{Log: newLogger(false)})
	var sched planShards
	rescheduled, local, err := p.Partition(ctx, units, result.Invocation{ID: "plan-preview"}, &sched)
	if err != nil {
		return fmt.Errorf("partitioning plan: %w", err)
	}

	shards := sched.shards
	if !rescheduled {
		shards = [][]suite.Unit{local}
	}

	for i, units := range shards {
		index := i
		if !rescheduled && cfg.Sharding.ShardIndex != nil {
			index = *cfg.Sharding.ShardIndex
		}
		n := 0
		for _, u := range units {
			n += u.TestCount()
		}
		fmt.Println()
		_, _ = bold.Printf("Shard %d: %d units, %d tests\n", index, len(units), n)
		for _, u := range units {
			fmt.Printf("  %-44s %6d tests\n", u.ID(), u.TestCount())
		}
	}
	return nil
}

// planShards keeps the partitioner's shards for printing.
type planShards struct {
	shards [][]suite.Unit
}

func (s *planShards) ScheduleShard(units []suite.Unit) error {
	s.shards = append(s.shards, units)
	return nil
}

var _ shard.Rescheduler = (*planShards)(nil)
