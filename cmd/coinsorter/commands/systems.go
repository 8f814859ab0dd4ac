package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/banshee-data/coinsorter/internal/catalog"
)

// SystemsCmd lists the built-in currency systems.
var SystemsCmd = &cobra.Command{
	Use:   "systems [name]",
	Short: "List known currency systems and their coins",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		names := catalog.Names()
		if len(args) == 1 {
			names = args
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SYSTEM\tCODE\tNAME\tVALUE\tMASS (g)\tDIAMETER (mm)")
		for _, n := range names {
			sys, err := catalog.Lookup(n)
			if err != nil {
				return err
			}
			for _, c := range sys.Coins {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.3f\t%.2f\n", sys.Name, c.Code, c.Name, c.Value, c.MassG, c.DiameterMM)
			}
		}
		return tw.Flush()
	},
}
