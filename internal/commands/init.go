package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const initRedisTimeout = 60 * time.Second

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	var skipRedis bool

	cmd := &cobra.Command{
		Use:   "init [workspace-name]",
		Short: "Initialize a new gantry workspace",
		Long:  "Creates workspace scaffolding and optionally starts a local Redis container backing the shared work pool.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(args[0], skipRedis)
		},
	}

	cmd.Flags().BoolVar(&skipRedis, "skip-redis", false, "Skip starting Redis container")
	return cmd
}

func runInit(workspaceName string, skipRedis bool) error {
	bold := color.New(color.Bold)

	_, _ = bold.Printf("Initializing gantry workspace: %s\n", workspaceName)

	if err := os.MkdirAll(filepath.Join(workspaceName, "plans"), 0o755); err != nil {
		return fmt.Errorf("creating plans directory: %w", err)
	}

	// Write gantry.yaml
	configPath := filepath.Join(workspaceName, "gantry.yaml")
	configContent := `retry:
  strategy: RETRY_ANY_FAILURE
  maxAttempts: 3
sharding:
  shardCount: 2
pool:
  backend: local
  recoveryWait: 15m
telemetry:
  metrics: expvar
planDirs:
  - ./plans
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	// Write example plan
	planPath := filepath.Join(workspaceName, "plans", "example.yaml")
	planContent := `name: example
modules:
  - name: CtsExampleTestCases
    abi: arm64-v8a
    testCount: 20
  - name: CtsGestureTestCases
    abi: arm64-v8a
    tests:
      - class: android.gesture.cts.GestureTest
        test: testGetStrokes
      - class: android.gesture.cts.GestureTest
        test: testGetID
  - name: CtsMonkeyTestCases
    abi: arm64-v8a
    testCount: 12
    neededDevices: 2
`
	if err := os.WriteFile(planPath, []byte(planContent), 0o644); err != nil {
		return fmt.Errorf("writing example plan: %w", err)
	}

	color.Green("  ✓ Workspace scaffolded")

	// Start Redis container for the shared pool
	if !skipRedis {
		if err := startRedis(); err != nil {
			color.Yellow("  ⚠ Redis setup skipped: %v", err)
			color.Yellow("    Run manually: docker run -d --name gantry-redis -p 6379:6379 redis:7")
		} else {
			color.Green("  ✓ Redis container started")
		}
	} else {
		color.Yellow("  → Redis setup skipped (--skip-redis)")
	}

	fmt.Println()
	_, _ = bold.Println("Next steps:")
	fmt.Printf("  cd %s\n", workspaceName)
	fmt.Println("  gantry plan example")
	fmt.Println("  gantry run example")
	return nil
}

func startRedis() error {
	// Check Docker availability
	if _, err := exec.LookPath("docker"); err != nil {
		return fmt.Errorf("docker not found in PATH")
	}

	// Check if container already exists
	checkCmd := exec.Command("docker", "inspect", "gantry-redis")
	if checkCmd.Run() == nil {
		// Container exists, try starting it
		startCmd := exec.Command("docker", "start", "gantry-redis")
		if err := startCmd.Run(); err != nil {
			return fmt.Errorf("starting existing container: %w", err)
		}
		return nil
	}

	// Create and start new container
	ctx, cancel := context.WithTimeout(context.Background(), initRedisTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "run", "-d",
		"--name", "gantry-redis",
		"-p", "6379:6379",
		"redis:7",
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}
