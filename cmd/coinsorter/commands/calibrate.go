package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/banshee-data/coinsorter/internal/catalog"
	"github.com/banshee-data/coinsorter/internal/coin"
)

// CalibrateCmd recalibrates from a file of labelled reference vectors.
var CalibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Recalibrate denomination profiles from reference coins",
	Long: `Calibrate reads a JSON array of labelled reference vectors, e.g.

  [{"denomination": "25c", "vector": {"values": [24.26, 1.75, 5.67, 0.3]}}]

and commits a new profile set. Denominations absent from the file keep their
current profile. Nothing is committed unless every listed denomination has
enough consistent samples.`,
	RunE: runCalibrate,
}

var calibrateOpts struct {
	samples string
}

func init() {
	CalibrateCmd.Flags().StringVar(&calibrateOpts.samples, "samples", "", "JSON file of labelled reference vectors")
	_ = CalibrateCmd.MarkFlagRequired("samples")
}

func readReferences(path string) (map[string][]coin.FeatureVector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}
	var labelled []coin.LabeledVector
	if err := json.Unmarshal(data, &labelled); err != nil {
		return nil, fmt.Errorf("failed to parse samples %s: %w", path, err)
	}
	refs := make(map[string][]coin.FeatureVector)
	for i, lv := range labelled {
		if lv.Denomination == "" {
			return nil, fmt.Errorf("sample %d has no denomination", i)
		}
		refs[lv.Denomination] = append(refs[lv.Denomination], lv.Vector)
	}
	return refs, nil
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	refs, err := readReferences(calibrateOpts.samples)
	if err != nil {
		return err
	}
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	m := loadManager(cmd.Context(), cfg, database)
	ps, runID, err := m.Recalibrate(cmd.Context(), refs)
	if err != nil {
		return fmt.Errorf("calibration failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "committed profile set v%d (run %s)\n", ps.Version(), runID)
	sys, _ := catalog.Lookup(cfg.GetCurrencySystem())
	for _, p := range ps.Profiles() {
		_, calibrated := refs[p.ID]
		mark := " "
		if calibrated {
			mark = "*"
		}
		name := p.ID
		if spec, ok := sys.Spec(p.ID); ok {
			name = fmt.Sprintf("%s (%s)", p.ID, spec.Name)
		}
		fmt.Fprintf(out, " %s %s\n", mark, name)
	}
	return nil
}
