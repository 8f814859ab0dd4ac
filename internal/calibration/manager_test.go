package calibration

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/coinsorter/internal/catalog"
	"github.com/banshee-data/coinsorter/internal/classify"
	"github.com/banshee-data/coinsorter/internal/coin"
	"github.com/banshee-data/coinsorter/internal/db"
	"github.com/banshee-data/coinsorter/internal/timeutil"
)

type memStore struct {
	mu      sync.Mutex
	sets    []*coin.ProfileSet
	runs    map[string][]coin.LabeledVector
	saveErr error
	loadErr error
}

func (s *memStore) SaveProfileSet(_ context.Context, ps *coin.ProfileSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	for _, prev := range s.sets {
		if prev.Version() == ps.Version() {
			return errors.Newf("profile set v%d already stored", ps.Version())
		}
	}
	s.sets = append(s.sets, ps)
	return nil
}

func (s *memStore) LatestProfileVersion(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v uint64
	for _, ps := range s.sets {
		v = max(v, ps.Version())
	}
	return v, nil
}

func (s *memStore) LatestProfileSet(context.Context) (*coin.ProfileSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if len(s.sets) == 0 {
		return nil, nil
	}
	return s.sets[len(s.sets)-1], nil
}

func (s *memStore) SaveReferenceSamples(_ context.Context, runID string, samples []coin.LabeledVector, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		s.runs = make(map[string][]coin.LabeledVector)
	}
	s.runs[runID] = append(s.runs[runID], samples...)
	return nil
}

func testParams() Params {
	return Params{MinSamples: 10, MaxSpread: 0.05, ToleranceSigma: 4, MinToleranceFraction: 0.01}
}

// refs returns n reference vectors jittered around base by up to ±jitter
// (relative).
func refs(n int, base coin.Measurements, jitter float64) []coin.FeatureVector {
	out := make([]coin.FeatureVector, n)
	for i := range out {
		k := float64(i%5-2) / 2 // -1 .. 1
		var v coin.Measurements
		for c := range base {
			v[c] = base[c] * (1 + k*jitter)
		}
		out[i] = coin.FeatureVector{CoinEventID: coin.CoinEventID(i + 1), Values: v}
	}
	return out
}

var quarter = coin.Measurements{24.26, 1.75, 5.67, 0.3}

func newTestManager(store ProfileStore) *Manager {
	return NewManager(testParams(), store, timeutil.NewMockClock(time.Unix(1700000000, 0)))
}

func TestCalibrate_BuildsProfile(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)
	p, err := m.Calibrate("25c", refs(20, quarter, 0.002))
	require.NoError(t, err)

	assert.Equal(t, "25c", p.ID)
	var wsum float64
	for c := coin.Channel(0); c < coin.NumChannels; c++ {
		assert.InDelta(t, quarter[c], p.Centroid[c], 1e-9, "centroid on %s", c)
		assert.True(t, p.Constrained(c))
		assert.GreaterOrEqual(t, p.Tolerance[c], 0.01*quarter[c]*(1-1e-9))
		wsum += p.Weights[c]
	}
	assert.InDelta(t, float64(coin.NumChannels), wsum, 1e-9, "weights normalised to mean 1")

	// The calibrated profile accepts its own reference coins.
	ps, err := coin.NewProfileSet(1, time.Time{}, map[string]coin.DenominationProfile{"25c": p})
	require.NoError(t, err)
	res := classify.New(0.02, 0.5).Classify(coin.FeatureVector{Values: quarter}, ps)
	assert.Equal(t, "25c", res.Denomination)
	assert.InDelta(t, 1.0, res.Confidence, 1e-9)
}

func TestCalibrate_InsufficientData(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)
	_, err := m.Calibrate("25c", refs(9, quarter, 0.001))
	assert.True(t, errors.Is(err, coin.ErrInsufficientCalibrationData))

	// Partial vectors do not count towards the minimum.
	samples := refs(12, quarter, 0.001)
	for i := 0; i < 3; i++ {
		samples[i].Partial = true
	}
	_, err = m.Calibrate("25c", samples)
	assert.True(t, errors.Is(err, coin.ErrInsufficientCalibrationData))
}

func TestCalibrate_InconsistentReferenceSet(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)
	samples := refs(20, quarter, 0.001)
	for i := 0; i < 5; i++ {
		samples[i].Values[coin.ChannelMass] = 2.5 // pennies mixed into the quarters
	}
	_, err := m.Calibrate("25c", samples)
	assert.True(t, errors.Is(err, coin.ErrInconsistentReferenceSet))
	assert.ErrorContains(t, err, "mass_g")
}

func TestCalibrate_ChannelMissingInSomeSamples(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)
	samples := refs(12, quarter, 0.001)
	samples[4].Values[coin.ChannelConductivity] = math.NaN()
	p, err := m.Calibrate("25c", samples)
	require.NoError(t, err)
	assert.False(t, p.Constrained(coin.ChannelConductivity))
	assert.True(t, p.Constrained(coin.ChannelDiameter))
}

func TestCalibrate_Overrides(t *testing.T) {
	t.Parallel()
	params := testParams()
	params.Tolerances = map[string]map[string]float64{"25c": {"diameter_mm": 0.5}}
	params.Weights = map[string]map[string]float64{"25c": {"conductivity": 0}}
	m := NewManager(params, nil, nil)

	p, err := m.Calibrate("25c", refs(10, quarter, 0.001))
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.Tolerance[coin.ChannelDiameter])
	assert.False(t, p.Constrained(coin.ChannelConductivity))
}

func TestCalibrate_RejectsReservedID(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)
	_, err := m.Calibrate(coin.Unknown, refs(20, quarter, 0.001))
	assert.True(t, errors.Is(err, coin.ErrInvalidProfile))
}

func TestCommit_VersionsAndPersists(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	m := newTestManager(store)
	assert.Zero(t, m.Current().Version())

	var notified []uint64
	m.OnCommit(func(ps *coin.ProfileSet) { notified = append(notified, ps.Version()) })

	p, err := m.Calibrate("25c", refs(10, quarter, 0.001))
	require.NoError(t, err)

	ps1, err := m.Commit(context.Background(), map[string]coin.DenominationProfile{"25c": p})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ps1.Version())
	ps2, err := m.Commit(context.Background(), map[string]coin.DenominationProfile{"25c": p})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ps2.Version())

	assert.Same(t, ps2, m.Current())
	assert.Len(t, store.sets, 2)
	assert.Equal(t, []uint64{1, 2}, notified)
	got, _ := ps2.Get("25c")
	assert.Equal(t, uint64(2), got.Version)
}

func TestCommit_FailureKeepsPrevious(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	m := newTestManager(store)
	p, err := m.Calibrate("25c", refs(10, quarter, 0.001))
	require.NoError(t, err)
	prev, err := m.Commit(context.Background(), map[string]coin.DenominationProfile{"25c": p})
	require.NoError(t, err)

	store.saveErr = errors.New("disk full")
	_, err = m.Commit(context.Background(), map[string]coin.DenominationProfile{"25c": p})
	assert.ErrorContains(t, err, "disk full")
	assert.Same(t, prev, m.Current())

	store.saveErr = nil
	_, err = m.Commit(context.Background(), map[string]coin.DenominationProfile{"bad": {}})
	assert.True(t, errors.Is(err, coin.ErrInvalidProfile))
	assert.Same(t, prev, m.Current())
}

func TestRecalibrate_InsufficientLeavesVersionUnchanged(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	m := newTestManager(store)
	_, _, err := m.Recalibrate(context.Background(), map[string][]coin.FeatureVector{
		"25c": refs(20, quarter, 0.001),
	})
	require.NoError(t, err)
	before := m.Current()

	_, _, err = m.Recalibrate(context.Background(), map[string][]coin.FeatureVector{
		"25c": refs(20, quarter, 0.001),
		"10c": refs(3, coin.Measurements{17.91, 1.35, 2.268, 0.2}, 0.001),
	})
	assert.True(t, errors.Is(err, coin.ErrInsufficientCalibrationData))
	assert.Same(t, before, m.Current())
	assert.Equal(t, uint64(1), m.Current().Version())
	assert.Len(t, store.sets, 1)
}

func TestRecalibrate_MergesAndRecordsRun(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	m := newTestManager(store)
	ctx := context.Background()

	_, _, err := m.Recalibrate(ctx, map[string][]coin.FeatureVector{"25c": refs(10, quarter, 0.001)})
	require.NoError(t, err)
	ps, runID, err := m.Recalibrate(ctx, map[string][]coin.FeatureVector{"10c": refs(10, coin.Measurements{17.91, 1.35, 2.268, 0.2}, 0.001)})
	require.NoError(t, err)

	assert.Equal(t, []string{"10c", "25c"}, ps.IDs(), "untouched denominations carry over")
	_, err = uuid.Parse(runID)
	assert.NoError(t, err)
	require.Contains(t, store.runs, runID)
	assert.Len(t, store.runs[runID], 10)
	assert.Equal(t, "10c", store.runs[runID][0].Denomination)
}

func TestLoad_FallsBackToEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := newTestManager(&memStore{loadErr: errors.New("file is not a database")})
	ps := m.Load(ctx)
	assert.Zero(t, ps.Len())
	assert.Zero(t, ps.Version())

	m = newTestManager(&memStore{})
	assert.Zero(t, m.Load(ctx).Len())

	m = newTestManager(nil)
	assert.Zero(t, m.Load(ctx).Len())
}

func TestLoad_RestoresStoredSet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &memStore{}
	first := newTestManager(store)
	_, _, err := first.Recalibrate(ctx, map[string][]coin.FeatureVector{"25c": refs(10, quarter, 0.001)})
	require.NoError(t, err)

	second := newTestManager(store)
	ps := second.Load(ctx)
	assert.Equal(t, uint64(1), ps.Version())
	assert.Equal(t, []string{"25c"}, ps.IDs())

	// Versions keep counting from the restored set.
	next, err := second.Commit(ctx, ps.Map())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.Version())
}

func TestCommit_SkipsPastUndecodableStoredSet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, err := db.OpenDB(filepath.Join(t.TempDir(), "sorter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.Exec(`INSERT INTO profile_sets (version, committed_at) VALUES (1, 0)`)
	require.NoError(t, err)
	_, err = store.Exec(`INSERT INTO profiles (version, denomination, centroid_json, tolerance_json, weights_json)
		VALUES (1, '25c', '{not json', '[]', '[]')`)
	require.NoError(t, err)

	m := newTestManager(store)
	assert.Zero(t, m.Load(ctx).Version())

	ps, _, err := m.Recalibrate(ctx, map[string][]coin.FeatureVector{"25c": refs(10, quarter, 0.001)})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ps.Version())
	assert.Equal(t, uint64(2), m.Current().Version())

	// The next start-up restores the new set instead of the corrupt one.
	restored := newTestManager(store).Load(ctx)
	assert.Equal(t, uint64(2), restored.Version())
	assert.Equal(t, []string{"25c"}, restored.IDs())
}

func TestCommit_FollowsStoreAheadOfSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &memStore{}
	other := newTestManager(store)
	_, _, err := other.Recalibrate(ctx, map[string][]coin.FeatureVector{"25c": refs(10, quarter, 0.001)})
	require.NoError(t, err)

	// m never loaded, so its snapshot is still v0.
	m := newTestManager(store)
	ps, err := m.Commit(ctx, other.Current().Map())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ps.Version())
}

func TestCommit_ReadersNeverSeeMixedVersions(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)
	ctx := context.Background()
	base, err := m.Calibrate("25c", refs(10, quarter, 0.001))
	require.NoError(t, err)
	other, err := m.Calibrate("5c", refs(10, coin.Measurements{21.21, 1.95, 5.0, 0.25}, 0.001))
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var bad int64
	var mu sync.Mutex
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				ps := m.Current()
				for _, p := range ps.Profiles() {
					if p.Version != ps.Version() {
						mu.Lock()
						bad++
						mu.Unlock()
					}
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		_, err := m.Commit(ctx, map[string]coin.DenominationProfile{"25c": base, "5c": other})
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
	assert.Zero(t, bad)
	assert.Equal(t, uint64(200), m.Current().Version())
}

func TestSeedFromCatalog(t *testing.T) {
	t.Parallel()
	m := newTestManager(nil)
	usd, err := catalog.Lookup("usd")
	require.NoError(t, err)

	ps, err := m.SeedFromCatalog(context.Background(), usd, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"10c", "1c", "25c", "5c"}, ps.IDs())

	p, _ := ps.Get("25c")
	assert.Equal(t, 24.26, p.Centroid[coin.ChannelDiameter])
	assert.InDelta(t, 0.4852, p.Tolerance[coin.ChannelDiameter], 1e-9)
	assert.False(t, p.Constrained(coin.ChannelThickness))

	res := classify.New(0.02, 0.5).Classify(coin.FeatureVector{Values: coin.Measurements{19.05, math.NaN(), 2.5, math.NaN()}}, ps)
	assert.Equal(t, "1c", res.Denomination)

	_, err = m.SeedFromCatalog(context.Background(), usd, 0)
	assert.Error(t, err)
}
