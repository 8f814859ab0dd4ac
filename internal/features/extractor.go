// Package features turns the raw sensor samples of one coin event into a
// fixed-dimension feature vector.
//
// Samples are buffered per sensor station between event boundaries. Closing
// a boundary allocates the coin event id, normalises every sample into its
// channel's units, and reduces each channel with a median filter over the
// newest samples.
package features

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/coinsorter/internal/coin"
	"github.com/banshee-data/coinsorter/internal/config"
)

// ErrUnknownSensor rejects samples from sensors that are not configured.
var ErrUnknownSensor = errors.New("unknown sensor")

// ErrUnknownStation rejects boundaries for stations that are not configured.
var ErrUnknownStation = errors.New("unknown station")

// Transit is the extractor's output for one coin event: the feature vector
// plus where and when the coin entered the transit path.
type Transit struct {
	Vector    coin.FeatureVector
	StationID string
	GateID    int
	// EntryAt is the earliest sample timestamp of the burst, or the
	// boundary time when the burst carried no samples.
	EntryAt  time.Time
	ClosedAt time.Time
	// Missing lists the required channels that had no usable sample.
	Missing []coin.Channel
}

type sensorBinding struct {
	station string
	channel coin.Channel
	scale   float64
	offset  float64
}

type stationState struct {
	gate     int
	required [coin.NumChannels]bool
	burst    [coin.NumChannels][]float64
	first    time.Time
	samples  int
}

func (st *stationState) reset() {
	for c := range st.burst {
		st.burst[c] = st.burst[c][:0]
	}
	st.first = time.Time{}
	st.samples = 0
}

// Extractor accumulates sample bursts per station. It is safe for
// concurrent use, although the ingest lane drives it from one goroutine.
type Extractor struct {
	mu           sync.Mutex
	ids          *coin.IDSource
	medianWindow int
	sensors      map[string]sensorBinding
	stations     map[string]*stationState
}

// NewExtractor builds an extractor for the given station layout. Every
// channel that has at least one sensor on a station is required on that
// station.
func NewExtractor(stations []config.StationConfig, medianWindow int, ids *coin.IDSource) (*Extractor, error) {
	if medianWindow < 1 {
		return nil, errors.Newf("median window must be at least 1, got %d", medianWindow)
	}
	if ids == nil {
		ids = &coin.IDSource{}
	}
	e := &Extractor{
		ids:          ids,
		medianWindow: medianWindow,
		sensors:      make(map[string]sensorBinding),
		stations:     make(map[string]*stationState),
	}
	for _, st := range stations {
		if _, dup := e.stations[st.ID]; dup {
			return nil, errors.Newf("duplicate station %q", st.ID)
		}
		state := &stationState{gate: st.Gate}
		for _, s := range st.Sensors {
			ch, err := coin.ParseChannel(s.Channel)
			if err != nil {
				return nil, errors.Wrapf(err, "station %s sensor %s", st.ID, s.ID)
			}
			if _, dup := e.sensors[s.ID]; dup {
				return nil, errors.Newf("duplicate sensor %q", s.ID)
			}
			e.sensors[s.ID] = sensorBinding{station: st.ID, channel: ch, scale: s.GetScale(), offset: s.Offset}
			state.required[ch] = true
		}
		e.stations[st.ID] = state
	}
	return e, nil
}

// Add buffers one raw sample for its station's current burst.
func (e *Extractor) Add(s coin.SensorSample) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.sensors[s.SensorID]
	if !ok {
		return errors.Wrapf(ErrUnknownSensor, "sensor %q", s.SensorID)
	}
	st := e.stations[b.station]
	v := s.RawValue*b.scale + b.offset
	st.burst[b.channel] = append(st.burst[b.channel], v)
	if st.samples == 0 || s.Timestamp.Before(st.first) {
		st.first = s.Timestamp
	}
	st.samples++
	return nil
}

// Close ends the current burst of a station and emits its coin event. When
// required channels have no usable sample Close returns the best-effort
// transit, flagged Partial, together with coin.ErrIncompleteSampleSet.
func (e *Extractor) Close(stationID string, at time.Time) (Transit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.stations[stationID]
	if !ok {
		return Transit{}, errors.Wrapf(ErrUnknownStation, "station %q", stationID)
	}
	defer st.reset()

	t := Transit{
		StationID: stationID,
		GateID:    st.gate,
		EntryAt:   at,
		ClosedAt:  at,
		Vector: coin.FeatureVector{
			CoinEventID: e.ids.Next(),
			Values:      coin.MissingMeasurements(),
		},
	}
	if st.samples > 0 {
		t.EntryAt = st.first
	}

	for c := coin.Channel(0); c < coin.NumChannels; c++ {
		if !st.required[c] {
			continue
		}
		v, ok := medianOfNewest(st.burst[c], e.medianWindow)
		if !ok {
			t.Missing = append(t.Missing, c)
			continue
		}
		t.Vector.Values[c] = v
	}

	if len(t.Missing) > 0 {
		t.Vector.Partial = true
		return t, errors.Wrapf(coin.ErrIncompleteSampleSet, "%s station %s missing %v", t.Vector.CoinEventID, stationID, t.Missing)
	}
	return t, nil
}

// Pending returns the number of samples buffered for a station.
func (e *Extractor) Pending(stationID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.stations[stationID]; ok {
		return st.samples
	}
	return 0
}

// medianOfNewest returns the lower median of the newest n finite values.
func medianOfNewest(values []float64, n int) (float64, bool) {
	finite := make([]float64, 0, n)
	for i := len(values) - 1; i >= 0 && len(finite) < n; i-- {
		v := values[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		finite = append(finite, v)
	}
	if len(finite) == 0 {
		return 0, false
	}
	sort.Float64s(finite)
	return stat.Quantile(0.5, stat.Empirical, finite, nil), true
}
