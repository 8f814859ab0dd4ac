package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/coinsorter/internal/catalog"
	"github.com/banshee-data/coinsorter/internal/version"
)

// ChangeCmd breaks an amount down into a currency system's coins.
var ChangeCmd = &cobra.Command{
	Use:   "change <amount>",
	Short: "Break an amount down into coins",
	Long: `Change breaks an amount, in the currency's smallest unit, down into coins.
By default it uses the fewest coins, taking greedy change when the system
passes the canonical audit. --opt=mass, --opt=diam or --opt=area minimise
the coins' nominal mass, summed diameter or face area instead.

--audit checks whether greedy change is optimal for the system and prints
the first amount where it is not.`,
	Example: `  coinsorter change 137
  coinsorter change 30 --opt mass --json
  coinsorter change --audit --system eur`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChange,
}

var changeOpts struct {
	system     string
	opt        string
	json       bool
	audit      bool
	auditLimit int
}

func init() {
	ChangeCmd.Flags().StringVar(&changeOpts.system, "system", "", "Currency system (defaults to the configured one)")
	ChangeCmd.Flags().StringVar(&changeOpts.opt, "opt", "count", "Objective to minimise: count, mass, diam or area")
	ChangeCmd.Flags().BoolVar(&changeOpts.json, "json", false, "Print as JSON")
	ChangeCmd.Flags().BoolVar(&changeOpts.audit, "audit", false, "Audit whether greedy change is optimal for the system")
	ChangeCmd.Flags().IntVar(&changeOpts.auditLimit, "audit-limit", 0, "Highest amount the audit checks (0: product of the two largest coins)")
}

// changeOutput is the JSON form of a breakdown.
type changeOutput struct {
	catalog.Change
	Version string `json:"version"`
}

func runChange(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	name := changeOpts.system
	if name == "" {
		name = cfg.GetCurrencySystem()
	}
	sys, err := catalog.Lookup(name)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if changeOpts.audit {
		if ex := sys.AuditCanonical(changeOpts.auditLimit); ex != 0 {
			fmt.Fprintf(out, "system %s is NOT canonical: greedy change first loses at amount %d\n", sys.Name, ex)
			return fmt.Errorf("system %s is not canonical", sys.Name)
		}
		fmt.Fprintf(out, "system %s is canonical up to the audit bound\n", sys.Name)
		return nil
	}

	if len(args) != 1 {
		return fmt.Errorf("an amount is required")
	}
	amount, err := strconv.Atoi(args[0])
	if err != nil || amount < 0 {
		return fmt.Errorf("invalid amount %q: want a non-negative integer", args[0])
	}
	obj, err := catalog.ParseObjective(changeOpts.opt)
	if err != nil {
		return err
	}
	ch, err := sys.MakeChange(amount, obj)
	if err != nil {
		return err
	}

	if changeOpts.json {
		return printJSON(out, changeOutput{Change: ch, Version: version.Version})
	}
	fmt.Fprintf(out, "System: %s  Amount: %d\n", ch.System, ch.Amount)
	fmt.Fprintf(out, "Strategy: %s\n", ch.Strategy)
	for _, c := range ch.Coins {
		if c.Count > 0 {
			fmt.Fprintf(out, "  %s (%d): %d\n", c.Name, c.Value, c.Count)
		}
	}
	fmt.Fprintf(out, "Total coins: %d\n", ch.TotalCoins)
	fmt.Fprintf(out, "Total mass: %.3f g\n", ch.MassG)
	if ch.GreedySuboptimalAt != 0 {
		fmt.Fprintf(out, "(greedy change first loses at amount %d)\n", ch.GreedySuboptimalAt)
	}
	return nil
}
