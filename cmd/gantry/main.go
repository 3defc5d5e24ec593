package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gantry-systems/gantry/internal/commands"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "gantry",
		Short: "Work distribution and retry harness for device-test invocations",
		Long: `Gantry shards test plans across execution contexts, decides which failures
deserve another attempt, and merges repeated attempts into one coherent
result stream. Plans are partitioned statically or drained from a shared
work pool; retries run under configurable isolation grades so a flaky
device does not masquerade as a flaky test.`,
		Version: version,
	}

	root.AddCommand(
		commands.NewInitCmd(),
		commands.NewPlanCmd(),
		commands.NewRunCmd(),
		commands.NewPoolCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
