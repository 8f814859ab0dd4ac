// Package commands holds the coinsorter subcommands.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/banshee-data/coinsorter/internal/calibration"
	"github.com/banshee-data/coinsorter/internal/config"
	"github.com/banshee-data/coinsorter/internal/db"
)

// GlobalOptions are the flags every subcommand shares.
type GlobalOptions struct {
	ConfigPath string
	DBPath     string
	Dev        bool
}

// Global holds the parsed persistent flags.
var Global = GlobalOptions{DBPath: "coinsorter.db"}

// AddGlobalFlags registers the persistent flags on root.
func AddGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().StringVarP(&Global.ConfigPath, "config", "c", "", "Path to a JSON tuning config (defaults apply when empty)")
	root.PersistentFlags().StringVar(&Global.DBPath, "db", Global.DBPath, "Path to the sqlite database")
	root.PersistentFlags().BoolVar(&Global.Dev, "dev", false, "Development mode: verbose logging, synthetic sensor stream")
}

func loadConfig() (*config.SorterConfig, error) {
	if Global.ConfigPath == "" {
		return config.EmptySorterConfig(), nil
	}
	return config.LoadSorterConfig(Global.ConfigPath)
}

func openDatabase() (*db.DB, error) {
	database, err := db.OpenDB(Global.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", Global.DBPath, err)
	}
	return database, nil
}

// loadManager returns a calibration manager over database with the stored
// profile set loaded.
func loadManager(ctx context.Context, cfg *config.SorterConfig, database *db.DB) *calibration.Manager {
	m := calibration.NewManager(calibration.ParamsFromConfig(cfg), database, nil)
	m.Load(ctx)
	return m
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
