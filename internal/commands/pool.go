package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gantry-systems/gantry/internal/config"
	"github.com/gantry-systems/gantry/pkg/types"
)

const poolSeedTimeout = 2 * time.Minute

// NewPoolCmd creates the pool command group.
func NewPoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Manage the shared work pool for dynamic sharding",
	}
	cmd.AddCommand(newPoolSeedCmd())
	return cmd
}

func newPoolSeedCmd() *cobra.Command {
	var invocationID, attemptID string

	cmd := &cobra.Command{
		Use:   "seed [plan]",
		Short: "Seed the shared pool with a plan's modules",
		Long: `Publishes the plan's modules into the shared pool ahead of the sharded
workers. Seeding is first-writer-wins: when a worker already seeded the
pool, this is a no-op.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoolSeed(args[0], invocationID, attemptID)
		},
	}

	cmd.Flags().StringVar(&invocationID, "invocation", "", "Invocation id the workers will use")
	cmd.Flags().StringVar(&attemptID, "attempt", "0", "Scheduler attempt id")
	_ = cmd.MarkFlagRequired("invocation")
	return cmd
}

func runPoolSeed(planName, invocationID, attemptID string) error {
	cfg, err := config.Load(".")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Pool.Backend == types.PoolBackendLocal || cfg.Pool.Backend == "" {
		return fmt.Errorf("pool seed requires a remote pool backend (redis or sqs)")
	}

	plan, err := resolvePlan(cfg, planName)
	if err != nil {
		return err
	}
	units, err := buildUnits(plan)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), poolSeedTimeout)
	defer cancel()

	poolID := sharedPoolID(invocationID, attemptID)
	p, err := buildPool(ctx, cfg, poolID, newLogger(false))
	if err != nil {
		return fmt.Errorf("building work pool: %w", err)
	}

	seeded, err := p.Seed(ctx, units)
	if err != nil {
		return fmt.Errorf("seeding pool %s: %w", poolID, err)
	}
	if seeded {
		color.Green("  ✓ Seeded %d modules into %s pool %s", len(units), cfg.Pool.Backend, poolID)
	} else {
		color.Yellow("  → Pool %s already seeded by another worker", poolID)
	}
	return nil
}
