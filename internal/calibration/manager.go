// Package calibration builds denomination profiles from reference coins and
// owns the live ProfileSet snapshot.
//
// The snapshot is published through an atomic pointer. Readers call Current
// and keep the returned set for as long as they need it; a commit never
// mutates a published set, it replaces the pointer.
package calibration

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/coinsorter/internal/catalog"
	"github.com/banshee-data/coinsorter/internal/coin"
	"github.com/banshee-data/coinsorter/internal/config"
	"github.com/banshee-data/coinsorter/internal/monitoring"
	"github.com/banshee-data/coinsorter/internal/timeutil"
)

// weightEpsilon keeps 1/cv finite for perfectly repeatable channels.
const weightEpsilon = 0.001

// ProfileStore persists committed profile sets and the reference samples
// they were built from.
type ProfileStore interface {
	SaveProfileSet(ctx context.Context, ps *coin.ProfileSet) error
	// LatestProfileSet returns the newest stored set, or (nil, nil) when
	// the store holds none.
	LatestProfileSet(ctx context.Context) (*coin.ProfileSet, error)
	// LatestProfileVersion returns the highest stored version, 0 if none,
	// including versions whose profiles no longer decode.
	LatestProfileVersion(ctx context.Context) (uint64, error)
	SaveReferenceSamples(ctx context.Context, runID string, samples []coin.LabeledVector, at time.Time) error
}

// Params are the calibration knobs taken from SorterConfig.
type Params struct {
	MinSamples           int
	MaxSpread            float64
	ToleranceSigma       float64
	MinToleranceFraction float64
	// Per-denomination overrides keyed by channel name.
	Tolerances map[string]map[string]float64
	Weights    map[string]map[string]float64
}

// ParamsFromConfig extracts Params from cfg.
func ParamsFromConfig(cfg *config.SorterConfig) Params {
	return Params{
		MinSamples:           cfg.GetMinCalibrationSamples(),
		MaxSpread:            cfg.GetMaxReferenceSpread(),
		ToleranceSigma:       cfg.GetToleranceSigma(),
		MinToleranceFraction: cfg.GetMinToleranceFraction(),
		Tolerances:           cfg.Tolerances,
		Weights:              cfg.Weights,
	}
}

// Manager builds, commits and serves profile sets.
type Manager struct {
	params Params
	store  ProfileStore
	clock  timeutil.Clock

	commitMu sync.Mutex
	current  atomic.Pointer[coin.ProfileSet]
	// onCommit is notified after every successful swap.
	onCommit func(*coin.ProfileSet)
}

// NewManager returns a manager serving the empty set. store may be nil, in
// which case commits are held in memory only.
func NewManager(params Params, store ProfileStore, clock timeutil.Clock) *Manager {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	m := &Manager{params: params, store: store, clock: clock}
	m.current.Store(coin.EmptyProfileSet())
	return m
}

// OnCommit registers a callback run after each successful commit.
// Call before the manager is shared.
func (m *Manager) OnCommit(fn func(*coin.ProfileSet)) { m.onCommit = fn }

// Current returns the live snapshot. Never nil.
func (m *Manager) Current() *coin.ProfileSet { return m.current.Load() }

// Load installs the newest stored set. A missing, unreadable or corrupt
// store leaves the empty set in place: every coin classifies as UNKNOWN
// until recalibration. Load never fails.
func (m *Manager) Load(ctx context.Context) *coin.ProfileSet {
	if m.store == nil {
		return m.Current()
	}
	ps, err := m.store.LatestProfileSet(ctx)
	switch {
	case err != nil:
		monitoring.Warnf("calibration: profile store unreadable, classifying every coin as %s until recalibrated: %v", coin.Unknown, err)
		ps = coin.EmptyProfileSet()
	case ps == nil:
		monitoring.Logf("calibration: no stored profiles, classifying every coin as %s until calibrated", coin.Unknown)
		ps = coin.EmptyProfileSet()
	default:
		monitoring.Logf("calibration: loaded profile set v%d with %d denominations", ps.Version(), ps.Len())
	}
	m.commitMu.Lock()
	m.current.Store(ps)
	m.commitMu.Unlock()
	return ps
}

// Calibrate builds a profile for one denomination from its reference
// vectors. Partial vectors are skipped. A channel is profiled only when
// every counted vector carries it.
func (m *Manager) Calibrate(denomination string, samples []coin.FeatureVector) (coin.DenominationProfile, error) {
	p := coin.DenominationProfile{
		ID:        denomination,
		Centroid:  coin.MissingMeasurements(),
		Tolerance: coin.Measurements{},
		Weights:   coin.Measurements{},
	}
	if denomination == "" || denomination == coin.Unknown {
		return p, errors.Wrapf(coin.ErrInvalidProfile, "cannot calibrate denomination %q", denomination)
	}

	usable := make([]coin.FeatureVector, 0, len(samples))
	for _, s := range samples {
		if !s.Partial {
			usable = append(usable, s)
		}
	}
	if len(usable) < m.params.MinSamples {
		return p, errors.Wrapf(coin.ErrInsufficientCalibrationData,
			"%s: %d usable reference samples, need %d", denomination, len(usable), m.params.MinSamples)
	}

	var cv coin.Measurements
	var profiled [coin.NumChannels]bool
	n := 0
	xs := make([]float64, len(usable))
	for c := coin.Channel(0); c < coin.NumChannels; c++ {
		complete := true
		for i, s := range usable {
			if !s.Values.Has(c) {
				complete = false
				break
			}
			xs[i] = s.Values[c]
		}
		if !complete {
			continue
		}
		mean, sd := stat.MeanStdDev(xs, nil)
		if math.IsNaN(sd) {
			sd = 0
		}
		spread := coefficientOfVariation(mean, sd)
		if spread > m.params.MaxSpread {
			return p, errors.Wrapf(coin.ErrInconsistentReferenceSet,
				"%s: %s spread %.4f exceeds %.4f", denomination, c, spread, m.params.MaxSpread)
		}
		p.Centroid[c] = mean
		p.Tolerance[c] = math.Max(m.params.ToleranceSigma*sd, m.params.MinToleranceFraction*math.Abs(mean))
		cv[c] = spread
		profiled[c] = true
		n++
	}
	if n == 0 {
		return p, errors.Wrapf(coin.ErrInsufficientCalibrationData, "%s: no channel present in every reference sample", denomination)
	}

	var sum float64
	for c := range cv {
		if profiled[c] {
			p.Weights[c] = 1 / (cv[c] + weightEpsilon)
			sum += p.Weights[c]
		}
	}
	for c := range cv {
		if profiled[c] {
			p.Weights[c] *= float64(n) / sum
		}
	}

	applyOverrides(&p, m.params.Tolerances[denomination], m.params.Weights[denomination])
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func coefficientOfVariation(mean, sd float64) float64 {
	if mean == 0 {
		if sd == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return sd / math.Abs(mean)
}

func applyOverrides(p *coin.DenominationProfile, tolerances, weights map[string]float64) {
	tv, tset := config.ChannelOverrides(tolerances)
	wv, wset := config.ChannelOverrides(weights)
	for c := 0; c < coin.NumChannels; c++ {
		if tset[c] {
			p.Tolerance[c] = tv[c]
		}
		if wset[c] {
			p.Weights[c] = wv[c]
		}
	}
}

// Commit validates profiles, persists them and only then publishes them as
// the new snapshot. The version follows both the live snapshot and the
// highest stored version, so a store whose newest set failed to load still
// accepts the next commit. On any failure the previous snapshot stays live.
func (m *Manager) Commit(ctx context.Context, profiles map[string]coin.DenominationProfile) (*coin.ProfileSet, error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	next := m.current.Load().Version()
	if m.store != nil {
		stored, err := m.store.LatestProfileVersion(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "read stored profile version")
		}
		next = max(next, stored)
	}
	ps, err := coin.NewProfileSet(next+1, m.clock.Now(), profiles)
	if err != nil {
		return nil, errors.Wrap(err, "commit refused")
	}
	if m.store != nil {
		if err := m.store.SaveProfileSet(ctx, ps); err != nil {
			return nil, errors.Wrapf(err, "persist profile set v%d", ps.Version())
		}
	}
	m.current.Store(ps)
	monitoring.Logf("calibration: committed profile set v%d (%v)", ps.Version(), ps.IDs())
	if m.onCommit != nil {
		m.onCommit(ps)
	}
	return ps, nil
}

// Recalibrate calibrates every denomination in refs, merges the results
// over the current snapshot and commits. Nothing is committed unless every
// denomination calibrates. The reference samples are recorded under a
// fresh run id.
func (m *Manager) Recalibrate(ctx context.Context, refs map[string][]coin.FeatureVector) (*coin.ProfileSet, string, error) {
	if len(refs) == 0 {
		return nil, "", errors.Wrap(coin.ErrInsufficientCalibrationData, "no reference samples")
	}
	denoms := make([]string, 0, len(refs))
	for d := range refs {
		denoms = append(denoms, d)
	}
	sort.Strings(denoms)

	built := make(map[string]coin.DenominationProfile, len(refs))
	var errs error
	for _, d := range denoms {
		p, err := m.Calibrate(d, refs[d])
		if err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		built[d] = p
	}
	if errs != nil {
		return nil, "", errs
	}

	merged := m.Current().Map()
	for d, p := range built {
		merged[d] = p
	}
	ps, err := m.Commit(ctx, merged)
	if err != nil {
		return nil, "", err
	}

	runID := uuid.NewString()
	if m.store != nil {
		var labeled []coin.LabeledVector
		for _, d := range denoms {
			for _, v := range refs[d] {
				labeled = append(labeled, coin.LabeledVector{Denomination: d, Vector: v})
			}
		}
		if err := m.store.SaveReferenceSamples(ctx, runID, labeled, ps.CommittedAt()); err != nil {
			monitoring.Warnf("calibration: run %s committed but reference samples not recorded: %v", runID, err)
		}
	}
	return ps, runID, nil
}

// SeedFromCatalog commits nominal diameter and mass profiles for every coin
// of a currency system. tolerancePct is the envelope half-width as a
// percentage of each nominal value. Seeded profiles are for bring-up only.
func (m *Manager) SeedFromCatalog(ctx context.Context, sys catalog.System, tolerancePct float64) (*coin.ProfileSet, error) {
	if tolerancePct <= 0 {
		return nil, errors.Newf("tolerance must be positive, got %v%%", tolerancePct)
	}
	frac := tolerancePct / 100
	profiles := make(map[string]coin.DenominationProfile, len(sys.Coins))
	for _, c := range sys.Coins {
		p := coin.DenominationProfile{
			ID:        c.Code,
			Centroid:  coin.MissingMeasurements(),
			Tolerance: coin.Measurements{},
			Weights:   coin.Measurements{},
		}
		p.Centroid[coin.ChannelDiameter] = c.DiameterMM
		p.Tolerance[coin.ChannelDiameter] = c.DiameterMM * frac
		p.Weights[coin.ChannelDiameter] = 1
		p.Centroid[coin.ChannelMass] = c.MassG
		p.Tolerance[coin.ChannelMass] = c.MassG * frac
		p.Weights[coin.ChannelMass] = 1
		applyOverrides(&p, m.params.Tolerances[c.Code], m.params.Weights[c.Code])
		profiles[c.Code] = p
	}
	return m.Commit(ctx, profiles)
}
