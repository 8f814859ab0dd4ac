// Package coin holds the data model shared by every stage of the sorter:
// raw sensor samples, feature vectors, denomination profiles, classification
// results, transit records, gate commands and fault events.
//
// Dependency rule: coin depends on nothing else in this module. No I/O and
// no goroutines live here.
package coin

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"
)

// CoinEventID identifies one physical coin's transit through the machine.
// Zero is never allocated and means "no coin".
type CoinEventID uint64

func (id CoinEventID) String() string { return fmt.Sprintf("coin-%d", uint64(id)) }

// IDSource allocates process-unique coin event ids. Only the feature
// extractor allocates ids; every later stage keys by them.
type IDSource struct {
	next atomic.Uint64
}

// Next returns a fresh id. Safe for concurrent use.
func (s *IDSource) Next() CoinEventID {
	return CoinEventID(s.next.Add(1))
}

// SensorSample is one timestamped scalar reading from a sensor. Samples are
// produced by the sensor driver and consumed exactly once by the extractor.
type SensorSample struct {
	SensorID  string
	Timestamp time.Time
	RawValue  float64
}

// Channel is a physical measurement dimension of a feature vector.
type Channel int

const (
	ChannelDiameter Channel = iota
	ChannelThickness
	ChannelMass
	ChannelConductivity

	NumChannels = 4
)

var channelNames = [NumChannels]string{
	ChannelDiameter:     "diameter_mm",
	ChannelThickness:    "thickness_mm",
	ChannelMass:         "mass_g",
	ChannelConductivity: "conductivity",
}

func (c Channel) String() string {
	if c < 0 || int(c) >= NumChannels {
		return fmt.Sprintf("channel(%d)", int(c))
	}
	return channelNames[c]
}

// ParseChannel maps a channel name (as used in configuration files) back to
// its Channel.
func ParseChannel(name string) (Channel, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, cn := range channelNames {
		if cn == n || strings.TrimSuffix(cn, "_mm") == n || strings.TrimSuffix(cn, "_g") == n {
			return Channel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown channel %q", name)
}

// Measurements is the ordered, fixed-dimension measurement array of a
// feature vector. Missing channels hold NaN.
type Measurements [NumChannels]float64

// MissingMeasurements returns a Measurements with every channel NaN.
func MissingMeasurements() Measurements {
	var m Measurements
	for i := range m {
		m[i] = math.NaN()
	}
	return m
}

// Has reports whether channel c carries a finite value.
func (m Measurements) Has(c Channel) bool {
	v := m[c]
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Complete reports whether every channel carries a finite value.
func (m Measurements) Complete() bool {
	for c := Channel(0); c < NumChannels; c++ {
		if !m.Has(c) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes missing channels as null.
func (m Measurements) MarshalJSON() ([]byte, error) {
	out := make([]*float64, NumChannels)
	for c := Channel(0); c < NumChannels; c++ {
		if m.Has(c) {
			v := m[c]
			out[c] = &v
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a channel array; null or absent entries become NaN.
func (m *Measurements) UnmarshalJSON(data []byte) error {
	var in []*float64
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if len(in) > NumChannels {
		return fmt.Errorf("measurements: %d values, want at most %d", len(in), NumChannels)
	}
	*m = MissingMeasurements()
	for i, v := range in {
		if v != nil {
			m[i] = *v
		}
	}
	return nil
}

// FeatureVector is the calibrated measurement set for one coin event. It is
// created once by the extractor and never modified afterwards.
type FeatureVector struct {
	CoinEventID CoinEventID  `json:"coin_event_id,omitempty"`
	Values      Measurements `json:"values"`
	// Partial is set when required channels were missing at the event
	// boundary. Classification still runs, at reduced confidence.
	Partial bool `json:"partial,omitempty"`
}

// LabeledVector is a reference-coin feature vector used for calibration.
type LabeledVector struct {
	Denomination string        `json:"denomination"`
	Vector       FeatureVector `json:"vector"`
}
