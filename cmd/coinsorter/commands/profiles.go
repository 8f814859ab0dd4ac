package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/coinsorter/internal/coin"
	"github.com/banshee-data/coinsorter/internal/security"
)

// ProfilesCmd inspects stored profile sets.
var ProfilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Inspect committed profile sets",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored profile set versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		versions, err := database.ProfileSetVersions(cmd.Context())
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no profile sets committed")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VERSION\tCOMMITTED\tDENOMINATIONS")
		for _, v := range versions {
			fmt.Fprintf(tw, "%d\t%s\t%d\n", v.Version, v.CommittedAt.UTC().Format(time.RFC3339), v.Denominations)
		}
		return tw.Flush()
	},
}

var profilesExportOpts struct {
	version uint64
	out     string
	dir     string
}

type exportedProfileSet struct {
	Version     uint64                     `json:"version"`
	CommittedAt time.Time                  `json:"committed_at"`
	Profiles    []coin.DenominationProfile `json:"profiles"`
}

var profilesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print a profile set as JSON (newest by default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		var ps *coin.ProfileSet
		if profilesExportOpts.version > 0 {
			ps, err = database.ProfileSet(cmd.Context(), profilesExportOpts.version)
		} else {
			ps, err = database.LatestProfileSet(cmd.Context())
		}
		if err != nil {
			return err
		}
		if ps == nil {
			return fmt.Errorf("no profile sets committed")
		}
		exported := exportedProfileSet{
			Version:     ps.Version(),
			CommittedAt: ps.CommittedAt(),
			Profiles:    ps.Profiles(),
		}
		path := profilesExportOpts.out
		if path == "" && profilesExportOpts.dir != "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			name := security.SanitizeFilename(fmt.Sprintf("profiles-v%d-%s.json", ps.Version(), cfg.GetCurrencySystem()))
			path = filepath.Join(profilesExportOpts.dir, name)
		}
		if path == "" {
			return printJSON(cmd.OutOrStdout(), exported)
		}
		return writeExport(cmd, path, exported)
	},
}

func writeExport(cmd *cobra.Command, path string, v any) error {
	if err := security.ValidateExportPath(path); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := printJSON(f, v); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}

func init() {
	profilesExportCmd.Flags().Uint64Var(&profilesExportOpts.version, "version", 0, "Profile set version (0 for the newest)")
	profilesExportCmd.Flags().StringVarP(&profilesExportOpts.out, "out", "o", "", "Write to this file instead of stdout")
	profilesExportCmd.Flags().StringVar(&profilesExportOpts.dir, "dir", "", "Write to a generated file name in this directory")
	ProfilesCmd.AddCommand(profilesListCmd, profilesExportCmd)
}
