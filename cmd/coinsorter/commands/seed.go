package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/coinsorter/internal/catalog"
)

// SeedCmd commits nominal profiles from the coin catalogue.
var SeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Commit nominal profiles for a currency system",
	Long: `Seed builds a profile for every coin of a currency system from its nominal
diameter and mass and commits them as a new profile set. Seeded profiles are
good enough to bring a machine up; recalibrate with real reference coins
before relying on the sort.`,
	RunE: runSeed,
}

var seedOpts struct {
	system    string
	tolerance float64
}

func init() {
	SeedCmd.Flags().StringVar(&seedOpts.system, "system", "", "Currency system (defaults to the configured one)")
	SeedCmd.Flags().Float64Var(&seedOpts.tolerance, "tolerance", 2.0, "Per-channel tolerance as a percentage of the nominal value")
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	name := seedOpts.system
	if name == "" {
		name = cfg.GetCurrencySystem()
	}
	sys, err := catalog.Lookup(name)
	if err != nil {
		return err
	}
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	m := loadManager(cmd.Context(), cfg, database)
	ps, err := m.SeedFromCatalog(cmd.Context(), sys, seedOpts.tolerance)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "committed profile set v%d with %d %s denominations\n", ps.Version(), ps.Len(), sys.Name)
	return nil
}
