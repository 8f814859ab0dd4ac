package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/coinsorter/internal/coin"
	"github.com/banshee-data/coinsorter/internal/monitoring"
)

// SaveProfileSet writes a committed snapshot in one transaction.
func (db *DB) SaveProfileSet(ctx context.Context, ps *coin.ProfileSet) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			monitoring.Warnf("failed to rollback profile set transaction: %v", err)
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO profile_sets (version, committed_at) VALUES (?, ?)`,
		ps.Version(), ps.CommittedAt().UnixNano()); err != nil {
		return fmt.Errorf("insert profile set v%d: %w", ps.Version(), err)
	}
	for _, p := range ps.Profiles() {
		centroid, err := json.Marshal(p.Centroid)
		if err != nil {
			return err
		}
		tolerance, err := json.Marshal(p.Tolerance)
		if err != nil {
			return err
		}
		weights, err := json.Marshal(p.Weights)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO profiles (version, denomination, centroid_json, tolerance_json, weights_json)
			VALUES (?, ?, ?, ?, ?)`,
			ps.Version(), p.ID, string(centroid), string(tolerance), string(weights)); err != nil {
			return fmt.Errorf("insert profile %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// LatestProfileVersion returns the highest stored version, 0 if none. It
// reads only profile_sets, so it succeeds even when that set's profiles
// cannot be decoded.
func (db *DB) LatestProfileVersion(ctx context.Context) (uint64, error) {
	var version sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM profile_sets`).Scan(&version); err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return uint64(version.Int64), nil
}

// LatestProfileSet returns the newest stored snapshot, or (nil, nil) if
// none has been committed.
func (db *DB) LatestProfileSet(ctx context.Context) (*coin.ProfileSet, error) {
	version, err := db.LatestProfileVersion(ctx)
	if err != nil || version == 0 {
		return nil, err
	}
	return db.ProfileSet(ctx, version)
}

// ProfileSet loads one stored snapshot.
func (db *DB) ProfileSet(ctx context.Context, version uint64) (*coin.ProfileSet, error) {
	var committedAt int64
	err := db.QueryRowContext(ctx, `SELECT committed_at FROM profile_sets WHERE version = ?`, version).Scan(&committedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile set v%d not found", version)
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT denomination, centroid_json, tolerance_json, weights_json
		FROM profiles WHERE version = ? ORDER BY denomination`, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profiles := make(map[string]coin.DenominationProfile)
	for rows.Next() {
		var p coin.DenominationProfile
		var centroid, tolerance, weights string
		if err := rows.Scan(&p.ID, &centroid, &tolerance, &weights); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(centroid), &p.Centroid); err != nil {
			return nil, fmt.Errorf("profile %s v%d centroid: %w", p.ID, version, err)
		}
		if err := json.Unmarshal([]byte(tolerance), &p.Tolerance); err != nil {
			return nil, fmt.Errorf("profile %s v%d tolerance: %w", p.ID, version, err)
		}
		if err := json.Unmarshal([]byte(weights), &p.Weights); err != nil {
			return nil, fmt.Errorf("profile %s v%d weights: %w", p.ID, version, err)
		}
		profiles[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return coin.NewProfileSet(version, time.Unix(0, committedAt), profiles)
}

// ProfileSetSummary describes one stored snapshot.
type ProfileSetSummary struct {
	Version       uint64    `json:"version"`
	CommittedAt   time.Time `json:"committed_at"`
	Denominations int       `json:"denominations"`
}

// ProfileSetVersions lists stored snapshots, newest first.
func (db *DB) ProfileSetVersions(ctx context.Context) ([]ProfileSetSummary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT s.version, s.committed_at, COUNT(p.denomination)
		FROM profile_sets s LEFT JOIN profiles p ON p.version = s.version
		GROUP BY s.version ORDER BY s.version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProfileSetSummary
	for rows.Next() {
		var s ProfileSetSummary
		var at int64
		if err := rows.Scan(&s.Version, &at, &s.Denominations); err != nil {
			return nil, err
		}
		s.CommittedAt = time.Unix(0, at)
		out = append(out, s)
	}
	return out, rows.Err()
}

// SaveReferenceSamples records the reference coins of one calibration run.
func (db *DB) SaveReferenceSamples(ctx context.Context, runID string, samples []coin.LabeledVector, at time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			monitoring.Warnf("failed to rollback reference sample transaction: %v", err)
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO reference_samples (run_id, denomination, coin_event_id, recorded_at, features_json, partial)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range samples {
		features, err := json.Marshal(s.Vector.Values)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, runID, s.Denomination, uint64(s.Vector.CoinEventID), at.UnixNano(), string(features), s.Vector.Partial); err != nil {
			return fmt.Errorf("insert reference sample: %w", err)
		}
	}
	return tx.Commit()
}

// ReferenceSamples returns the samples recorded for a calibration run.
func (db *DB) ReferenceSamples(ctx context.Context, runID string) ([]coin.LabeledVector, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT denomination, coin_event_id, features_json, partial
		FROM reference_samples WHERE run_id = ? ORDER BY sample_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []coin.LabeledVector
	for rows.Next() {
		var lv coin.LabeledVector
		var id int64
		var features string
		if err := rows.Scan(&lv.Denomination, &id, &features, &lv.Vector.Partial); err != nil {
			return nil, err
		}
		lv.Vector.CoinEventID = coin.CoinEventID(id)
		if err := json.Unmarshal([]byte(features), &lv.Vector.Values); err != nil {
			return nil, fmt.Errorf("reference sample features: %w", err)
		}
		out = append(out, lv)
	}
	return out, rows.Err()
}

// CalibrationRun summarises one recorded calibration run.
type CalibrationRun struct {
	RunID      string    `json:"run_id"`
	RecordedAt time.Time `json:"recorded_at"`
	Samples    int       `json:"samples"`
}

// CalibrationRuns lists recorded runs, newest first.
func (db *DB) CalibrationRuns(ctx context.Context) ([]CalibrationRun, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, MAX(recorded_at), COUNT(*)
		FROM reference_samples GROUP BY run_id ORDER BY MAX(recorded_at) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CalibrationRun
	for rows.Next() {
		var r CalibrationRun
		var at int64
		if err := rows.Scan(&r.RunID, &at, &r.Samples); err != nil {
			return nil, err
		}
		r.RecordedAt = time.Unix(0, at)
		out = append(out, r)
	}
	return out, rows.Err()
}
