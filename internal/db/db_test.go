package db

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/banshee-data/coinsorter/internal/coin"
)

var t0 = time.Unix(1700000000, 250)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "sorter.db"))
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testProfiles() map[string]coin.DenominationProfile {
	quarter := coin.MissingMeasurements()
	quarter[coin.ChannelDiameter] = 24.26
	quarter[coin.ChannelMass] = 5.67
	qTol := coin.MissingMeasurements()
	qTol[coin.ChannelDiameter] = 0.2
	qTol[coin.ChannelMass] = 0.1
	dime := coin.Measurements{17.91, 1.35, 2.268, 0.4}
	return map[string]coin.DenominationProfile{
		"quarter": {Centroid: quarter, Tolerance: qTol, Weights: coin.Measurements{1, 0, 1, 0}},
		"dime":    {Centroid: dime, Tolerance: coin.Measurements{0.2, 0.05, 0.05, 0.05}, Weights: coin.Measurements{1, 1, 1, 1}},
	}
}

func TestPragmasApplied(t *testing.T) {
	db := openTestDB(t)

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected journal_mode=wal, got %s", journalMode)
	}

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("Failed to query foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("Expected foreign_keys=1, got %d", fk)
	}
}

func TestMigrationStatus(t *testing.T) {
	db := openTestDB(t)

	latest, err := LatestMigrationVersion()
	if err != nil {
		t.Fatalf("LatestMigrationVersion failed: %v", err)
	}
	if latest != 2 {
		t.Errorf("Expected latest migration 2, got %d", latest)
	}

	st, err := db.GetMigrationStatus()
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if st.Current != latest || st.Dirty {
		t.Errorf("Expected clean schema at %d, got %+v", latest, st)
	}

	if err := db.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}
	if v, _, _ := db.MigrateVersion(); v != 1 {
		t.Errorf("Expected version 1 after down, got %d", v)
	}
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	// Running again is a no-op.
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("second MigrateUp failed: %v", err)
	}
}

func TestProfileSetRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ps, err := coin.NewProfileSet(3, t0, testProfiles())
	if err != nil {
		t.Fatalf("NewProfileSet failed: %v", err)
	}
	if err := db.SaveProfileSet(ctx, ps); err != nil {
		t.Fatalf("SaveProfileSet failed: %v", err)
	}

	got, err := db.LatestProfileSet(ctx)
	if err != nil {
		t.Fatalf("LatestProfileSet failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected a stored profile set")
	}
	if got.Version() != 3 || !got.CommittedAt().Equal(t0) {
		t.Errorf("Expected v3 at %v, got v%d at %v", t0, got.Version(), got.CommittedAt())
	}
	if diff := cmp.Diff(ps.Profiles(), got.Profiles(), cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("profiles mismatch (-want +got):\n%s", diff)
	}
	q, _ := got.Get("quarter")
	if !math.IsNaN(q.Centroid[coin.ChannelThickness]) {
		t.Errorf("Expected unconstrained channel to stay missing, got %v", q.Centroid[coin.ChannelThickness])
	}
}

func TestLatestProfileSet_Newest(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for v := uint64(1); v <= 3; v++ {
		ps, err := coin.NewProfileSet(v, t0.Add(time.Duration(v)*time.Minute), testProfiles())
		if err != nil {
			t.Fatalf("NewProfileSet failed: %v", err)
		}
		if err := db.SaveProfileSet(ctx, ps); err != nil {
			t.Fatalf("SaveProfileSet v%d failed: %v", v, err)
		}
	}

	got, err := db.LatestProfileSet(ctx)
	if err != nil || got.Version() != 3 {
		t.Fatalf("Expected v3, got %v (err %v)", got, err)
	}
	old, err := db.ProfileSet(ctx, 1)
	if err != nil || old.Version() != 1 {
		t.Fatalf("Expected v1, got %v (err %v)", old, err)
	}

	versions, err := db.ProfileSetVersions(ctx)
	if err != nil {
		t.Fatalf("ProfileSetVersions failed: %v", err)
	}
	if len(versions) != 3 || versions[0].Version != 3 || versions[0].Denominations != 2 {
		t.Errorf("unexpected versions: %+v", versions)
	}
}

func TestLatestProfileSet_Empty(t *testing.T) {
	db := openTestDB(t)
	got, err := db.LatestProfileSet(context.Background())
	if err != nil {
		t.Fatalf("LatestProfileSet failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil profile set on empty database, got v%d", got.Version())
	}
}

func TestSaveProfileSet_DuplicateVersion(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ps, _ := coin.NewProfileSet(1, t0, testProfiles())
	if err := db.SaveProfileSet(ctx, ps); err != nil {
		t.Fatalf("SaveProfileSet failed: %v", err)
	}
	if err := db.SaveProfileSet(ctx, ps); err == nil {
		t.Error("Expected duplicate version to fail")
	}
	versions, _ := db.ProfileSetVersions(ctx)
	if len(versions) != 1 || versions[0].Denominations != 2 {
		t.Errorf("failed save must leave the stored set intact: %+v", versions)
	}
}

func TestProfileSet_CorruptJSON(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Exec(`INSERT INTO profile_sets (version, committed_at) VALUES (1, 0)`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO profiles (version, denomination, centroid_json, tolerance_json, weights_json)
		VALUES (1, 'penny', '{not json', '[]', '[]')`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := db.LatestProfileSet(context.Background()); err == nil {
		t.Error("Expected corrupt profile to fail to load")
	}
}

func TestLatestProfileVersion(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	v, err := db.LatestProfileVersion(ctx)
	if err != nil {
		t.Fatalf("LatestProfileVersion failed: %v", err)
	}
	if v != 0 {
		t.Errorf("Expected version 0 on empty store, got %d", v)
	}

	if _, err := db.Exec(`INSERT INTO profile_sets (version, committed_at) VALUES (4, 0)`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO profiles (version, denomination, centroid_json, tolerance_json, weights_json)
		VALUES (4, 'penny', '{not json', '[]', '[]')`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	v, err = db.LatestProfileVersion(ctx)
	if err != nil {
		t.Fatalf("LatestProfileVersion failed on undecodable set: %v", err)
	}
	if v != 4 {
		t.Errorf("Expected version 4, got %d", v)
	}
}

func TestReferenceSamples(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	partial := coin.MissingMeasurements()
	partial[coin.ChannelDiameter] = 24.3
	samples := []coin.LabeledVector{
		{Denomination: "quarter", Vector: coin.FeatureVector{CoinEventID: 7, Values: coin.Measurements{24.26, 1.75, 5.67, 0.3}}},
		{Denomination: "quarter", Vector: coin.FeatureVector{CoinEventID: 8, Values: partial, Partial: true}},
	}
	if err := db.SaveReferenceSamples(ctx, "run-a", samples, t0); err != nil {
		t.Fatalf("SaveReferenceSamples failed: %v", err)
	}
	if err := db.SaveReferenceSamples(ctx, "run-b", samples[:1], t0.Add(time.Hour)); err != nil {
		t.Fatalf("SaveReferenceSamples failed: %v", err)
	}

	got, err := db.ReferenceSamples(ctx, "run-a")
	if err != nil {
		t.Fatalf("ReferenceSamples failed: %v", err)
	}
	if diff := cmp.Diff(samples, got, cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}

	runs, err := db.CalibrationRuns(ctx)
	if err != nil {
		t.Fatalf("CalibrationRuns failed: %v", err)
	}
	want := []CalibrationRun{
		{RunID: "run-b", RecordedAt: t0.Add(time.Hour), Samples: 1},
		{RunID: "run-a", RecordedAt: t0, Samples: 2},
	}
	if diff := cmp.Diff(want, runs); diff != "" {
		t.Errorf("runs mismatch (-want +got):\n%s", diff)
	}
}

func TestFaultLog(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	faults := []coin.FaultEvent{
		{Kind: coin.FaultLowConfidence, CoinEventID: 1, GateID: 0, DetectedAt: t0, Detail: "0.41"},
		{Kind: coin.FaultGateOverrun, CoinEventID: 2, GateID: 1, DetectedAt: t0.Add(time.Second)},
		{Kind: coin.FaultLowConfidence, CoinEventID: 3, GateID: coin.NoGate, DetectedAt: t0.Add(2 * time.Second)},
	}
	for _, f := range faults {
		if err := db.RecordFault(ctx, f); err != nil {
			t.Fatalf("RecordFault failed: %v", err)
		}
	}

	recent, err := db.RecentFaults(ctx, 2)
	if err != nil {
		t.Fatalf("RecentFaults failed: %v", err)
	}
	if diff := cmp.Diff([]coin.FaultEvent{faults[2], faults[1]}, recent); diff != "" {
		t.Errorf("recent faults mismatch (-want +got):\n%s", diff)
	}

	counts, err := db.FaultCounts(ctx, t0.Add(time.Second))
	if err != nil {
		t.Fatalf("FaultCounts failed: %v", err)
	}
	want := map[coin.FaultKind]int{coin.FaultGateOverrun: 1, coin.FaultLowConfidence: 1}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestTransitArchive(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	entries := []ArchiveEntry{
		{CoinEventID: 1, GateID: 0, Denomination: "quarter", Confidence: 0.9, Bin: 2, Reason: coin.ReasonMatched, EntryAt: t0, Deadline: t0.Add(80 * time.Millisecond), ArchivedAt: t0.Add(time.Second)},
		{CoinEventID: 2, GateID: 0, Denomination: "quarter", Confidence: 0.8, Bin: 2, Reason: coin.ReasonMatched, EntryAt: t0, Deadline: t0, ArchivedAt: t0.Add(2 * time.Second)},
		{CoinEventID: 3, GateID: 1, Denomination: coin.Unknown, Bin: 0, Reason: coin.ReasonUnknown, EntryAt: t0, Deadline: t0, ArchivedAt: t0.Add(3 * time.Second)},
		{CoinEventID: 4, GateID: 1, Bin: NoBin, Reason: ReasonCancelled, EntryAt: t0, Deadline: t0, ArchivedAt: t0.Add(4 * time.Second)},
	}
	if err := db.ArchiveTransits(ctx, entries); err != nil {
		t.Fatalf("ArchiveTransits failed: %v", err)
	}
	if err := db.ArchiveTransits(ctx, nil); err != nil {
		t.Fatalf("empty batch should be a no-op, got %v", err)
	}

	recent, err := db.RecentTransits(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTransits failed: %v", err)
	}
	if len(recent) != 4 || recent[0].CoinEventID != 4 {
		t.Fatalf("Expected 4 entries newest first, got %+v", recent)
	}
	if diff := cmp.Diff(entries[0], recent[3]); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}

	totals, err := db.BinTotals(ctx)
	if err != nil {
		t.Fatalf("BinTotals failed: %v", err)
	}
	wantTotals := []BinTotal{
		{Bin: 0, Denomination: coin.Unknown, Count: 1},
		{Bin: 2, Denomination: "quarter", Count: 2},
	}
	if diff := cmp.Diff(wantTotals, totals); diff != "" {
		t.Errorf("totals mismatch (-want +got):\n%s", diff)
	}
}

func TestRetentionWorker_RunOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	old := ArchiveEntry{CoinEventID: 1, Bin: 1, Reason: coin.ReasonMatched, EntryAt: t0, Deadline: t0, ArchivedAt: t0}
	fresh := old
	fresh.CoinEventID = 2
	fresh.ArchivedAt = t0.Add(48 * time.Hour)
	if err := db.ArchiveTransits(ctx, []ArchiveEntry{old, fresh}); err != nil {
		t.Fatalf("ArchiveTransits failed: %v", err)
	}
	if err := db.RecordFault(ctx, coin.FaultEvent{Kind: coin.FaultGateOverrun, DetectedAt: t0}); err != nil {
		t.Fatalf("RecordFault failed: %v", err)
	}

	w := NewRetentionWorker(db, 24*time.Hour)
	w.now = func() time.Time { return t0.Add(49 * time.Hour) }
	n, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 rows pruned, got %d", n)
	}
	recent, _ := db.RecentTransits(ctx, 10)
	if len(recent) != 1 || recent[0].CoinEventID != 2 {
		t.Errorf("Expected only the fresh entry to remain, got %+v", recent)
	}

	// Start/Stop must not block.
	w.Interval = time.Hour
	w.Start()
	w.Stop()
}

func TestAttachAdminRoutes(t *testing.T) {
	db := openTestDB(t)
	mux := http.NewServeMux()
	if err := db.AttachAdminRoutes(mux); err != nil {
		t.Fatalf("AttachAdminRoutes failed: %v", err)
	}

	// Debug routes may refuse non-local callers but must be registered.
	for _, endpoint := range []string{"/debug/backup", "/debug/tailsql/"} {
		req := httptest.NewRequest(http.MethodGet, endpoint, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code == http.StatusNotFound {
			t.Errorf("Endpoint %s should be registered, got 404", endpoint)
		}
	}
}

func TestServeBackup(t *testing.T) {
	db := openTestDB(t)
	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	rec := httptest.NewRecorder()
	db.serveBackup(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected backup to succeed, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/gzip" {
		t.Errorf("Expected gzip content type, got %q", ct)
	}
	if rec.Body.Len() == 0 {
		t.Error("Expected a non-empty backup body")
	}
}
