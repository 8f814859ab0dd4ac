package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/banshee-data/coinsorter/internal/calibration"
	"github.com/banshee-data/coinsorter/internal/coin"
	"github.com/banshee-data/coinsorter/internal/config"
	"github.com/banshee-data/coinsorter/internal/db"
	"github.com/banshee-data/coinsorter/internal/gate"
	"github.com/banshee-data/coinsorter/internal/metrics"
	"github.com/banshee-data/coinsorter/internal/serialmux"
	"github.com/banshee-data/coinsorter/internal/timeutil"
)

var t0 = time.Unix(1700000000, 0)

const (
	waitFor = 2 * time.Second
	poll    = 5 * time.Millisecond
)

var quarter = coin.Measurements{24.26, 1.75, 5.67, 0.3}

type harness struct {
	eng      *Engine
	clock    *timeutil.MockClock
	sensor   *serialmux.TestableSerialPort
	actuator *serialmux.TestableSerialPort
	db       *db.DB
	calib    *calibration.Manager
	reg      *prometheus.Registry
	cancel   context.CancelFunc
	done     chan error
}

func intp(v int) *int { return &v }

func testConfig() *config.SorterConfig {
	cfg := config.EmptySorterConfig()
	cfg.Bins = map[string]int{"25c": 3}
	cfg.ClassifyWorkers = intp(1)
	return cfg
}

func newHarness(t *testing.T, cfg *config.SorterConfig, opts ...func(*Deps)) *harness {
	t.Helper()
	database, err := db.OpenDB(filepath.Join(t.TempDir(), "sorter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	clock := timeutil.NewMockClock(t0)
	sensor := serialmux.NewTestableSerialPort()
	sensor.BlockReads = true
	actuator := serialmux.NewTestableSerialPort()
	actuator.BlockReads = true

	calib := calibration.NewManager(calibration.ParamsFromConfig(cfg), database, clock)
	reg := prometheus.NewRegistry()
	deps := Deps{
		Config:      cfg,
		Clock:       clock,
		Calibration: calib,
		Sensors:     serialmux.NewSerialMux(sensor, "sensor"),
		Actuator:    serialmux.NewSerialMux(actuator, "actuator"),
		Archive:     database,
		Recorder:    metrics.NewRecorder(reg),
	}
	for _, o := range opts {
		o(&deps)
	}
	eng, err := New(deps)
	require.NoError(t, err)
	return &harness{eng: eng, clock: clock, sensor: sensor, actuator: actuator, db: database, calib: calib, reg: reg}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.eng.Run(ctx) }()
	require.Eventually(t, func() bool { return h.eng.Status().Running }, waitFor, poll)
	t.Cleanup(func() { h.stop(t) })
}

// stop shuts the engine down and waits for the archiver to flush.
func (h *harness) stop(t *testing.T) {
	t.Helper()
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("engine did not stop")
	}
	h.sensor.Close()
	h.actuator.Close()
}

// feedCoin writes one full burst for the default station at entry.
func (h *harness) feedCoin(entry time.Time, m coin.Measurements) {
	ns := entry.UnixNano()
	var b strings.Builder
	for i, sensor := range []string{"dia0", "thk0", "mass0", "cond0"} {
		fmt.Fprintf(&b, "S,%s,%d,%g\n", sensor, ns, m[i])
	}
	fmt.Fprintf(&b, "B,line0,%d\n", ns)
	h.sensor.AddReadData([]byte(b.String()))
}

func (h *harness) waitClassified(t *testing.T, ids ...coin.CoinEventID) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, id := range ids {
			rec, ok := h.eng.Controller().Pipeline().Get(id)
			if !ok || !rec.Classified() {
				return false
			}
		}
		return true
	}, waitFor, poll)
}

func (h *harness) waitGate(t *testing.T, want gate.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.eng.Controller().Snapshot()[0].State == want
	}, waitFor, poll)
}

// counterValue reads one labelled counter from the harness registry.
func (h *harness) counterValue(t *testing.T, name, label, value string) float64 {
	t.Helper()
	families, err := h.reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func commitQuarter(t *testing.T, m *calibration.Manager) {
	t.Helper()
	_, err := m.Commit(context.Background(), map[string]coin.DenominationProfile{
		"25c": {
			ID:        "25c",
			Centroid:  quarter,
			Tolerance: coin.Measurements{0.3, 0.1, 0.1, 0.05},
			Weights:   coin.Measurements{1, 1, 1, 1},
		},
	})
	require.NoError(t, err)
}

func TestEngine_SortsMatchedCoin(t *testing.T) {
	h := newHarness(t, testConfig())
	commitQuarter(t, h.calib)
	_, events := h.eng.Events().Subscribe()
	h.start(t)

	h.feedCoin(t0, quarter)
	h.waitClassified(t, 1)

	// Decision instant is arrival minus lead time.
	h.clock.Advance(360 * time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Contains(string(h.actuator.GetWrittenData()), "G,0,3,")
	}, waitFor, poll)

	written := string(h.actuator.GetWrittenData())
	assert.True(t, strings.HasPrefix(written, "C="), "clock sync is sent first: %q", written)
	assert.Contains(t, written, fmt.Sprintf("G,0,3,%d,1\n", t0.Add(400*time.Millisecond).UnixNano()))
	h.waitGate(t, gate.StateCommitted)

	h.actuator.AddReadData([]byte("A,0,1\n"))
	h.waitGate(t, gate.StateResetting)
	h.clock.Advance(20 * time.Millisecond)
	h.waitGate(t, gate.StateIdle)

	st := h.eng.Status()
	assert.False(t, st.SafeMode)
	assert.Zero(t, st.InFlight)
	require.Len(t, st.Bins, 1)
	assert.Equal(t, BinTally{Bin: 3, Count: 1, Value: 25, ByDenomination: map[string]int{"25c": 1}}, st.Bins[0])
	assert.Equal(t, uint64(1), st.ProfileVersion)
	assert.Equal(t, []string{"25c"}, st.Denominations)
	assert.Equal(t, "usd", st.Currency)

	var sawCommand bool
	for len(events) > 0 {
		if ev := <-events; ev.Type == metrics.EventCommand {
			sawCommand = true
		}
	}
	assert.True(t, sawCommand)

	h.stop(t)
	entries, err := h.db.RecentTransits(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, coin.CoinEventID(1), entries[0].CoinEventID)
	assert.Equal(t, 3, entries[0].Bin)
	assert.Equal(t, coin.ReasonMatched, entries[0].Reason)
	assert.Equal(t, "25c", entries[0].Denomination)
}

func TestEngine_UnclassifiedCoinIsRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)

	// An empty profile set classifies everything as unknown.
	h.feedCoin(t0, quarter)
	h.waitClassified(t, 1)
	h.clock.Advance(360 * time.Millisecond)

	require.Eventually(t, func() bool {
		return strings.Contains(string(h.actuator.GetWrittenData()), "G,0,0,")
	}, waitFor, poll)
	require.Eventually(t, func() bool {
		for _, f := range h.eng.RecentFaults(10) {
			if f.Kind == coin.FaultLowConfidence {
				return true
			}
		}
		return false
	}, waitFor, poll)
	bins := h.eng.Tally()
	require.Len(t, bins, 1)
	assert.Equal(t, 0, bins[0].Bin)
	assert.Zero(t, bins[0].Value, "rejected coins carry no value")
}

func TestEngine_FaultThresholdEntersSafeMode(t *testing.T) {
	cfg := testConfig()
	cfg.FaultThresholds = map[string]int{string(coin.FaultLowConfidence): 1}
	h := newHarness(t, cfg)
	h.start(t)

	h.feedCoin(t0, quarter)
	h.feedCoin(t0.Add(100*time.Millisecond), quarter)
	h.waitClassified(t, 1, 2)

	h.clock.Advance(360 * time.Millisecond)
	h.waitGate(t, gate.StateCommitted)
	h.actuator.AddReadData([]byte("A,0,1\n"))
	h.waitGate(t, gate.StateResetting)
	// Reset completes and the second coin arms in the same tick.
	h.clock.Advance(20 * time.Millisecond)
	h.waitGate(t, gate.StateArmed)
	assert.False(t, h.eng.Status().SafeMode)

	// Second coin decides at t0+460ms and breaches the threshold.
	h.clock.Advance(80 * time.Millisecond)
	require.Eventually(t, func() bool {
		f := h.eng.RecentFaults(1)
		return len(f) == 1 && f[0].Kind == coin.FaultDegradedMode
	}, waitFor, poll)

	st := h.eng.Status()
	assert.True(t, st.SafeMode)
	assert.True(t, st.Faults.Degraded)
	assert.Equal(t, coin.FaultLowConfidence, st.Faults.Cause)

	require.NoError(t, h.eng.ResetDegraded(context.Background()))
	st = h.eng.Status()
	assert.False(t, st.SafeMode)
	assert.False(t, st.Faults.Degraded)
}

func TestEngine_FaultsLogStructuredFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cfg := testConfig()
	cfg.FaultThresholds = map[string]int{string(coin.FaultGateOverrun): 1}
	h := newHarness(t, cfg, func(d *Deps) { d.Logger = zap.New(core).Sugar() })

	for id := coin.CoinEventID(7); id <= 8; id++ {
		h.eng.recordFault(coin.FaultEvent{Kind: coin.FaultGateOverrun, CoinEventID: id, GateID: 0, Detail: "late"}, t0)
	}

	faults := logs.FilterLoggerName("engine").FilterMessage("fault").All()
	require.Len(t, faults, 2)
	fields := faults[1].ContextMap()
	assert.Equal(t, string(coin.FaultGateOverrun), fields["fault_kind"])
	assert.Equal(t, uint64(8), fields["coin_event_id"])
	assert.Equal(t, int64(0), fields["gate_id"])
	assert.Equal(t, "late", fields["detail"])

	safe := logs.FilterLoggerName("engine").FilterMessage("entering safe mode").All()
	require.Len(t, safe, 1)
	assert.Equal(t, zap.WarnLevel, safe[0].Level)
	assert.Equal(t, string(coin.FaultGateOverrun), safe[0].ContextMap()["fault_kind"])

	switched := logs.FilterLoggerName("gate").FilterMessage("safe mode switched").All()
	require.Len(t, switched, 1)
	assert.Equal(t, true, switched[0].ContextMap()["safe_mode"])
}

func TestEngine_JamClearCancelsPendingCoins(t *testing.T) {
	h := newHarness(t, testConfig())
	commitQuarter(t, h.calib)
	h.start(t)

	h.feedCoin(t0, quarter)
	h.feedCoin(t0.Add(50*time.Millisecond), quarter)
	h.waitClassified(t, 1, 2)

	n, err := h.eng.JamClear(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, h.eng.Status().InFlight)
	assert.Equal(t, coin.FaultJamCleared, h.eng.RecentFaults(1)[0].Kind)

	_, err = h.eng.JamClear(context.Background(), 7)
	assert.ErrorIs(t, err, coin.ErrUnknownGate)

	// Nothing is commanded for a cancelled coin.
	h.clock.Advance(500 * time.Millisecond)
	h.stop(t)
	assert.NotContains(t, string(h.actuator.GetWrittenData()), "G,")

	entries, err := h.db.RecentTransits(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, db.NoBin, e.Bin)
		assert.Equal(t, db.ReasonCancelled, e.Reason)
	}
	faults, err := h.db.RecentFaults(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, faults)
	assert.Equal(t, coin.FaultJamCleared, faults[0].Kind)
}

func TestEngine_SensorBacklogKeepsEveryBoundary(t *testing.T) {
	h := newHarness(t, testConfig())
	commitQuarter(t, h.calib)
	// A second sensor reader that never drains, as a stalled debug tail.
	_, stalled := h.eng.sensors.Subscribe()
	h.start(t)

	ns := t0.UnixNano()
	var b strings.Builder
	for i := 0; i < serialmux.SubscriberBuffer; i++ {
		fmt.Fprintf(&b, "S,dia0,%d,%g\n", ns, quarter[0])
	}
	h.sensor.AddReadData([]byte(b.String()))
	h.feedCoin(t0, quarter)

	// The engine saw the boundary even though the stalled reader lost it.
	h.waitClassified(t, 1)
	rec, _ := h.eng.Controller().Pipeline().Get(1)
	assert.Equal(t, "25c", rec.Result.Denomination)
	assert.Len(t, stalled, serialmux.SubscriberBuffer)

	st := h.eng.Status()
	assert.Equal(t, uint64(5), st.SensorDrops)
	assert.Zero(t, st.ActuatorDrops)

	h.clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool {
		return h.counterValue(t, "coinsorter_queue_drops_total", "queue", "sensor") == 5
	}, waitFor, poll)
}

func TestEngine_IncompleteBurstIsFlagged(t *testing.T) {
	h := newHarness(t, testConfig())
	commitQuarter(t, h.calib)
	h.start(t)

	ns := t0.UnixNano()
	h.sensor.AddReadData([]byte(fmt.Sprintf("S,dia0,%d,24.26\nnot a line\nB,line0,%d\n", ns, ns)))
	h.waitClassified(t, 1)

	rec, _ := h.eng.Controller().Pipeline().Get(1)
	assert.LessOrEqual(t, rec.Result.Confidence, config.EmptySorterConfig().GetPartialConfidenceCeiling())
	require.Eventually(t, func() bool {
		f := h.eng.RecentFaults(1)
		return len(f) == 1 && f[0].Kind == coin.FaultIncompleteSampleSet
	}, waitFor, poll)
	assert.Equal(t, uint64(1), h.eng.Status().ParseErrors)
}

func TestEngine_OperatorRequestsNeedRunningEngine(t *testing.T) {
	h := newHarness(t, testConfig())
	assert.ErrorIs(t, h.eng.ResetDegraded(context.Background()), ErrNotRunning)
	_, err := h.eng.JamClear(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestEngine_ProfileCommitIsPublished(t *testing.T) {
	h := newHarness(t, testConfig())
	_, events := h.eng.Events().Subscribe()
	commitQuarter(t, h.calib)

	ev := <-events
	assert.Equal(t, metrics.EventProfileSet, ev.Type)
	assert.Equal(t, []string{"25c"}, ev.Data)
	assert.Equal(t, uint64(1), h.eng.Status().ProfileVersion)
}

func commandOutcome(id coin.CoinEventID) gate.Outcome {
	deadline := t0.Add(400 * time.Millisecond)
	return gate.Outcome{
		Record:  &coin.TransitRecord{CoinEventID: id, EntryAt: t0, ArrivalAt: deadline},
		Command: &coin.GateCommand{CoinEventID: id, Bin: 3, Deadline: deadline, Denomination: "25c", Confidence: 0.9, Reason: coin.ReasonMatched},
	}
}

func archivedEntries(e *Engine) map[coin.CoinEventID]db.ArchiveEntry {
	out := map[coin.CoinEventID]db.ArchiveEntry{}
	for len(e.archiveC) > 0 {
		if item := <-e.archiveC; item.entry != nil {
			out[item.entry.CoinEventID] = *item.entry
		}
	}
	return out
}

func TestEngine_CommandQueueHoldsEveryInFlightCoin(t *testing.T) {
	cfg := testConfig()
	cfg.CommandQueueSize = intp(1)
	cfg.MaxInFlight = intp(2)
	h := newHarness(t, cfg)

	h.eng.handleOutcomes([]gate.Outcome{commandOutcome(1), commandOutcome(2)}, t0)

	require.Len(t, h.eng.commands, 2)
	for _, want := range []coin.CoinEventID{1, 2} {
		assert.Equal(t, want, (<-h.eng.commands).CoinEventID)
	}
	assert.Zero(t, h.eng.Status().CommandDrops)
	entries := archivedEntries(h.eng)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, 3, e.Bin)
		assert.Equal(t, coin.ReasonMatched, e.Reason)
	}
}

func TestEngine_RefusedCommandIsArchivedAsBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.CommandQueueSize = intp(1)
	cfg.MaxInFlight = intp(1)
	h := newHarness(t, cfg)

	h.eng.handleOutcomes([]gate.Outcome{commandOutcome(1), commandOutcome(2)}, t0)

	require.Len(t, h.eng.commands, 1)
	assert.Equal(t, coin.CoinEventID(1), (<-h.eng.commands).CoinEventID)
	assert.Equal(t, uint64(1), h.eng.Status().CommandDrops)

	f := h.eng.RecentFaults(1)
	require.Len(t, f, 1)
	assert.Equal(t, coin.FaultBackpressure, f[0].Kind)
	assert.Equal(t, coin.CoinEventID(2), f[0].CoinEventID)

	entries := archivedEntries(h.eng)
	require.Len(t, entries, 2)
	assert.Equal(t, coin.ReasonMatched, entries[1].Reason)
	assert.Equal(t, 3, entries[1].Bin)
	assert.Equal(t, coin.ReasonBackpressure, entries[2].Reason)
	assert.Equal(t, db.NoBin, entries[2].Bin)
	assert.Equal(t, "25c", entries[2].Denomination)

	// Only the queued command counts towards the bin tally.
	bins := h.eng.Tally()
	require.Len(t, bins, 1)
	assert.Equal(t, 1, bins[0].Count)
}

func TestNew_RequiresCalibration(t *testing.T) {
	_, err := New(Deps{Config: testConfig()})
	assert.Error(t, err)
}

func TestChannelList(t *testing.T) {
	assert.Empty(t, channelList(nil))
	assert.Equal(t, "mass_g", channelList([]coin.Channel{coin.ChannelMass}))
	assert.Equal(t, "diameter_mm,conductivity", channelList([]coin.Channel{coin.ChannelDiameter, coin.ChannelConductivity}))
}

func TestFeatureQueue_DropsOldest(t *testing.T) {
	q := newFeatureQueue(2)
	for i := 1; i <= 2; i++ {
		_, dropped := q.push(coin.FeatureVector{CoinEventID: coin.CoinEventID(i)})
		assert.False(t, dropped)
	}
	old, dropped := q.push(coin.FeatureVector{CoinEventID: 3})
	require.True(t, dropped)
	assert.Equal(t, coin.CoinEventID(1), old.CoinEventID)
	assert.Equal(t, 2, q.len())

	ctx := context.Background()
	for _, want := range []coin.CoinEventID{2, 3} {
		v, err := q.pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, v.CoinEventID)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err := q.pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
