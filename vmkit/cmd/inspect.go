package cmd

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sarchlab/vmkit/system"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Boot a memory system and serve its state over HTTP",
	Long: `Inspect boots a memory system with the monitoring server ` +
		`enabled, runs the standard allocation scenario so there is state ` +
		`worth looking at, and then serves the frame table, segment ` +
		`windows, allocations, TLB, and translation results over HTTP ` +
		`until interrupted.`,
	Run: func(cmd *cobra.Command, _ []string) {
		port, err := cmd.Flags().GetInt("port")
		if err != nil {
			log.Fatalf("failed to get port flag: %v", err)
		}
		if port == 0 {
			port, _ = strconv.Atoi(envOr("VMKIT_MONITOR_PORT", "0"))
		}

		builder := system.MakeBuilder().WithMonitoring(port)
		if mustGetBool(cmd, "open") {
			builder = builder.WithBrowserLaunch()
		}

		sys, err := builder.Build()
		if err != nil {
			log.Fatalf("failed to boot the memory system: %v", err)
		}

		if err := runScenario(sys, 8); err != nil {
			log.Fatalf("scenario failed: %v", err)
		}

		sys.Monitor().StartServer()

		interrupted := make(chan os.Signal, 1)
		signal.Notify(interrupted, os.Interrupt)
		<-interrupted
		fmt.Println("\nShutting down.")
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().Int("port", 0,
		"port the monitoring server listens on "+
			"(default $VMKIT_MONITOR_PORT, 0 picks a random port)")
	inspectCmd.Flags().Bool("open", false,
		"open the monitoring server in a browser")
}
