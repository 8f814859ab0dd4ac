package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/coinsorter/internal/version"
)

var versionJSON bool

// VersionCmd prints build information.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		if versionJSON {
			return printJSON(cmd.OutOrStdout(), info)
		}
		fmt.Fprintln(cmd.OutOrStdout(), info)
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.GoVersion, info.Platform)
		return nil
	},
}

func init() {
	VersionCmd.Flags().BoolVar(&versionJSON, "json", false, "Print as JSON")
}
