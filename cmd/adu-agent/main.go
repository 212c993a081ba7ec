// Command adu-agent is the minimal ambient harness around the update
// workflow engine core: a cobra root command plus a start subcommand,
// grounded on cmd/machine-api-operator/main.go's shape. Process
// supervision and a full CLI surface remain a Non-goal (spec §1) --
// this binary exists to run the core, not to be a feature in its own
// right (SPEC_FULL.md ambient stack, CLI/entrypoint).
package main

import (
	"flag"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

const componentName = "adu-agent"

var rootCmd = &cobra.Command{
	Use:   componentName,
	Short: "On-device update agent",
	Long:  "Connects to the cloud, receives update deployments, and drives them through download/install/apply.",
}

func init() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("adu-agent: %v", err)
		os.Exit(1)
	}
}
