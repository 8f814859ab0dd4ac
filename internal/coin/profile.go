package coin

import (
	"math"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
)

// DenominationProfile is the calibrated signature of one denomination.
// A channel whose weight is 0 or whose tolerance is not positive is
// unconstrained and ignored by the classifier.
type DenominationProfile struct {
	ID        string       `json:"denomination"`
	Centroid  Measurements `json:"centroid"`
	Tolerance Measurements `json:"tolerance"`
	Weights   Measurements `json:"weights"`
	Version   uint64       `json:"version"`
}

// Constrained reports whether channel c participates in matching.
func (p DenominationProfile) Constrained(c Channel) bool {
	w, t, mu := p.Weights[c], p.Tolerance[c], p.Centroid[c]
	return w > 0 && t > 0 && !math.IsNaN(mu) && !math.IsInf(mu, 0) && !math.IsInf(t, 0) && !math.IsNaN(w)
}

// Validate checks the profile is usable by the classifier.
func (p DenominationProfile) Validate() error {
	if p.ID == "" {
		return errors.Wrap(ErrInvalidProfile, "empty denomination id")
	}
	if p.ID == Unknown {
		return errors.Wrapf(ErrInvalidProfile, "denomination id %q is reserved", Unknown)
	}
	n := 0
	for c := Channel(0); c < NumChannels; c++ {
		if p.Weights[c] < 0 {
			return errors.Wrapf(ErrInvalidProfile, "%s: negative weight on %s", p.ID, c)
		}
		if p.Constrained(c) {
			n++
		}
	}
	if n == 0 {
		return errors.Wrapf(ErrInvalidProfile, "%s: no constrained channels", p.ID)
	}
	return nil
}

// ProfileSet is an immutable snapshot of every committed denomination
// profile. It is replaced as a whole on recalibration and never mutated, so
// a reader holding one never observes a mix of versions.
type ProfileSet struct {
	version     uint64
	committedAt time.Time
	ids         []string
	profiles    map[string]DenominationProfile
}

// EmptyProfileSet is the set used before any calibration exists. Every coin
// classifies as Unknown against it.
func EmptyProfileSet() *ProfileSet {
	return &ProfileSet{profiles: map[string]DenominationProfile{}}
}

// NewProfileSet builds a snapshot from profiles. The input map is copied and
// each profile is stamped with version.
func NewProfileSet(version uint64, committedAt time.Time, profiles map[string]DenominationProfile) (*ProfileSet, error) {
	ps := &ProfileSet{
		version:     version,
		committedAt: committedAt,
		ids:         make([]string, 0, len(profiles)),
		profiles:    make(map[string]DenominationProfile, len(profiles)),
	}
	for id, p := range profiles {
		if p.ID == "" {
			p.ID = id
		}
		if p.ID != id {
			return nil, errors.Wrapf(ErrInvalidProfile, "profile keyed %q carries id %q", id, p.ID)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		p.Version = version
		ps.profiles[id] = p
		ps.ids = append(ps.ids, id)
	}
	sort.Strings(ps.ids)
	return ps, nil
}

// Version returns the snapshot version. The empty set is version 0.
func (ps *ProfileSet) Version() uint64 { return ps.version }

// CommittedAt returns when the snapshot was committed.
func (ps *ProfileSet) CommittedAt() time.Time { return ps.committedAt }

// Len returns the number of denominations.
func (ps *ProfileSet) Len() int { return len(ps.ids) }

// IDs returns the denomination ids in sorted order.
func (ps *ProfileSet) IDs() []string {
	out := make([]string, len(ps.ids))
	copy(out, ps.ids)
	return out
}

// Get returns the profile for a denomination.
func (ps *ProfileSet) Get(id string) (DenominationProfile, bool) {
	p, ok := ps.profiles[id]
	return p, ok
}

// Profiles returns every profile sorted by id.
func (ps *ProfileSet) Profiles() []DenominationProfile {
	out := make([]DenominationProfile, 0, len(ps.ids))
	for _, id := range ps.ids {
		out = append(out, ps.profiles[id])
	}
	return out
}

// Map returns a copy of the profiles keyed by id.
func (ps *ProfileSet) Map() map[string]DenominationProfile {
	out := make(map[string]DenominationProfile, len(ps.profiles))
	for k, v := range ps.profiles {
		out[k] = v
	}
	return out
}
