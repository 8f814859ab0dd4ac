package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/banshee-data/coinsorter/cmd/coinsorter/commands"
	"github.com/banshee-data/coinsorter/internal/monitoring"
)

var rootCmd = &cobra.Command{
	Use:   "coinsorter",
	Short: "Real-time coin classification and sorting engine",
	Long: `coinsorter classifies coins from sensor-station measurements and drives
the sorting gates that route each coin into its denomination bin.

Examples:
  coinsorter seed --system usd           # Commit nominal profiles for bring-up
  coinsorter calibrate --samples refs.json
  coinsorter run --sensor-port /dev/ttyUSB0 --actuator-port /dev/ttyUSB1
  coinsorter run --dev                   # Replay a synthetic coin stream
  coinsorter ctl status                  # Ask a running sorter for its status
  coinsorter change 137 --opt mass       # Lightest coins making 137 cents`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := monitoring.Init(commands.Global.Dev); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		monitoring.Sync()
	},
}

func init() {
	commands.AddGlobalFlags(rootCmd)

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.CalibrateCmd)
	rootCmd.AddCommand(commands.SeedCmd)
	rootCmd.AddCommand(commands.ProfilesCmd)
	rootCmd.AddCommand(commands.SystemsCmd)
	rootCmd.AddCommand(commands.ChangeCmd)
	rootCmd.AddCommand(commands.MigrateCmd)
	rootCmd.AddCommand(commands.CtlCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
