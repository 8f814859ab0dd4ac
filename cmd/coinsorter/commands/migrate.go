package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/coinsorter/internal/db"
)

// MigrateCmd manages the database schema.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database schema migrations",
}

func withMigrationDB(fn func(cmd *cobra.Command, database *db.DB, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		database, err := db.OpenDBForMigration(Global.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open database %s: %w", Global.DBPath, err)
		}
		defer database.Close()
		return fn(cmd, database, args)
	}
}

func init() {
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: withMigrationDB(func(cmd *cobra.Command, database *db.DB, _ []string) error {
			if err := database.MigrateUp(); err != nil {
				return err
			}
			return printMigrationStatus(cmd, database)
		}),
	}
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: withMigrationDB(func(cmd *cobra.Command, database *db.DB, _ []string) error {
			if err := database.MigrateDown(); err != nil {
				return err
			}
			return printMigrationStatus(cmd, database)
		}),
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show the applied and latest migration versions",
		RunE: withMigrationDB(func(cmd *cobra.Command, database *db.DB, _ []string) error {
			return printMigrationStatus(cmd, database)
		}),
	}
	force := &cobra.Command{
		Use:   "force <version>",
		Short: "Set the migration version without running migrations",
		Long:  "Force clears a dirty migration state. Only use it after repairing the schema by hand.",
		Args:  cobra.ExactArgs(1),
		RunE: withMigrationDB(func(cmd *cobra.Command, database *db.DB, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			if err := database.MigrateForce(v); err != nil {
				return err
			}
			return printMigrationStatus(cmd, database)
		}),
	}
	MigrateCmd.AddCommand(up, down, status, force)
}

func printMigrationStatus(cmd *cobra.Command, database *db.DB) error {
	st, err := database.GetMigrationStatus()
	if err != nil {
		return err
	}
	state := "clean"
	if st.Dirty {
		state = "dirty"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d of %d (%s)\n", st.Current, st.Latest, state)
	return nil
}
