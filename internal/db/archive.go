package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/banshee-data/coinsorter/internal/coin"
	"github.com/banshee-data/coinsorter/internal/monitoring"
)

// NoBin marks an archived coin that never received a gate command
// (cancelled by jam-clear or operator).
const NoBin = -1

// ReasonCancelled is archived for coins withdrawn before their gate
// committed.
const ReasonCancelled coin.RouteReason = "cancelled"

// ArchiveEntry is the final disposition of one coin.
type ArchiveEntry struct {
	CoinEventID  coin.CoinEventID `json:"coin_event_id"`
	GateID       int              `json:"gate_id"`
	Denomination string           `json:"denomination,omitempty"`
	Confidence   float64          `json:"confidence"`
	Bin          int              `json:"bin"`
	Reason       coin.RouteReason `json:"reason"`
	EntryAt      time.Time        `json:"entry_at"`
	Deadline     time.Time        `json:"deadline"`
	ArchivedAt   time.Time        `json:"archived_at"`
}

// RecordFault appends a fault event to the log.
func (db *DB) RecordFault(ctx context.Context, f coin.FaultEvent) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO fault_events (kind, coin_event_id, gate_id, detected_at, detail)
		VALUES (?, ?, ?, ?, ?)`,
		string(f.Kind), uint64(f.CoinEventID), f.GateID, f.DetectedAt.UnixNano(), f.Detail)
	return err
}

// RecentFaults returns up to limit fault events, newest first.
func (db *DB) RecentFaults(ctx context.Context, limit int) ([]coin.FaultEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT kind, coin_event_id, gate_id, detected_at, detail
		FROM fault_events ORDER BY detected_at DESC, fault_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []coin.FaultEvent
	for rows.Next() {
		var f coin.FaultEvent
		var kind string
		var id, at int64
		if err := rows.Scan(&kind, &id, &f.GateID, &at, &f.Detail); err != nil {
			return nil, err
		}
		f.Kind = coin.FaultKind(kind)
		f.CoinEventID = coin.CoinEventID(id)
		f.DetectedAt = time.Unix(0, at)
		out = append(out, f)
	}
	return out, rows.Err()
}

// FaultCounts returns the number of faults per kind detected at or after
// since.
func (db *DB) FaultCounts(ctx context.Context, since time.Time) (map[coin.FaultKind]int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM fault_events WHERE detected_at >= ? GROUP BY kind`, since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[coin.FaultKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[coin.FaultKind(kind)] = n
	}
	return out, rows.Err()
}

// ArchiveTransits writes a batch of final dispositions in one transaction.
func (db *DB) ArchiveTransits(ctx context.Context, entries []ArchiveEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			monitoring.Warnf("failed to rollback archive transaction: %v", err)
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transit_archive
			(coin_event_id, gate_id, denomination, confidence, bin, reason, entry_at, deadline_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			uint64(e.CoinEventID), e.GateID, e.Denomination, e.Confidence, e.Bin, string(e.Reason),
			e.EntryAt.UnixNano(), e.Deadline.UnixNano(), e.ArchivedAt.UnixNano()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecentTransits returns up to limit archived coins, newest first.
func (db *DB) RecentTransits(ctx context.Context, limit int) ([]ArchiveEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT coin_event_id, gate_id, denomination, confidence, bin, reason, entry_at, deadline_at, archived_at
		FROM transit_archive ORDER BY archived_at DESC, archive_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArchiveEntry
	for rows.Next() {
		var e ArchiveEntry
		var id, entry, deadline, archived int64
		var reason string
		if err := rows.Scan(&id, &e.GateID, &e.Denomination, &e.Confidence, &e.Bin, &reason, &entry, &deadline, &archived); err != nil {
			return nil, err
		}
		e.CoinEventID = coin.CoinEventID(id)
		e.Reason = coin.RouteReason(reason)
		e.EntryAt = time.Unix(0, entry)
		e.Deadline = time.Unix(0, deadline)
		e.ArchivedAt = time.Unix(0, archived)
		out = append(out, e)
	}
	return out, rows.Err()
}

// BinTotal counts archived coins per bin and denomination.
type BinTotal struct {
	Bin          int    `json:"bin"`
	Denomination string `json:"denomination"`
	Count        int    `json:"count"`
}

// BinTotals aggregates the archive by bin and denomination.
func (db *DB) BinTotals(ctx context.Context) ([]BinTotal, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT bin, denomination, COUNT(*) FROM transit_archive
		WHERE bin <> ? GROUP BY bin, denomination ORDER BY bin, denomination`, NoBin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BinTotal
	for rows.Next() {
		var t BinTotal
		if err := rows.Scan(&t.Bin, &t.Denomination, &t.Count); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Prune deletes archived coins and faults older than cutoff and returns
// how many rows went.
func (db *DB) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM transit_archive WHERE archived_at < ?`,
		`DELETE FROM fault_events WHERE detected_at < ?`,
	} {
		res, err := db.ExecContext(ctx, q, cutoff.UnixNano())
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// RetentionWorker periodically prunes the archive and fault log.
type RetentionWorker struct {
	DB        *DB
	Retention time.Duration // how long rows are kept
	Interval  time.Duration // how often to run
	StopChan  chan struct{}
	now       func() time.Time
}

// NewRetentionWorker returns a worker keeping retention worth of history.
func NewRetentionWorker(db *DB, retention time.Duration) *RetentionWorker {
	return &RetentionWorker{
		DB:        db,
		Retention: retention,
		Interval:  time.Hour,
		StopChan:  make(chan struct{}),
		now:       time.Now,
	}
}

// Start runs the periodic worker loop in a goroutine.
func (w *RetentionWorker) Start() {
	go func() {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := w.RunOnce(context.Background()); err != nil {
					monitoring.Warnf("retention worker run error: %v", err)
				}
			case <-w.StopChan:
				return
			}
		}
	}()
}

// Stop requests the worker to stop.
func (w *RetentionWorker) Stop() {
	close(w.StopChan)
}

// RunOnce prunes everything older than the retention period.
func (w *RetentionWorker) RunOnce(ctx context.Context) (int64, error) {
	n, err := w.DB.Prune(ctx, w.now().Add(-w.Retention))
	if err == nil && n > 0 {
		monitoring.Logf("retention worker: pruned %d rows older than %s", n, w.Retention)
	}
	return n, err
}
