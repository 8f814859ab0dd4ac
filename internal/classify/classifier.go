// Package classify maps feature vectors to denominations by weighted,
// tolerance-normalised distance against a ProfileSet snapshot.
package classify

import (
	"math"
	"sort"

	"github.com/banshee-data/coinsorter/internal/coin"
	"github.com/banshee-data/coinsorter/internal/config"
)

// MaxAlternates bounds the ranked candidate list carried by a result.
const MaxAlternates = 3

// Classifier is stateless apart from its parameters. Any number of
// goroutines may call Classify concurrently.
type Classifier struct {
	tieEpsilon     float64
	partialCeiling float64
}

// New returns a classifier. tieEpsilon is the distance margin under which
// the top two candidates count as tied; partialCeiling caps the confidence
// of results computed from partial vectors.
func New(tieEpsilon, partialCeiling float64) *Classifier {
	return &Classifier{
		tieEpsilon:     math.Max(tieEpsilon, 0),
		partialCeiling: clampConfidence(partialCeiling, 0, 1),
	}
}

// NewFromConfig reads the classifier parameters from cfg.
func NewFromConfig(cfg *config.SorterConfig) *Classifier {
	return New(cfg.GetTieEpsilon(), cfg.GetPartialConfidenceCeiling())
}

// clampConfidence clamps a confidence value to the range [min, max].
func clampConfidence(value, min, max float64) float64 {
	if math.IsNaN(value) || value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// Distance returns the normalised distance from v to profile p over the
// channels p constrains and v carries. ok is false when no channel is
// usable.
func Distance(v coin.Measurements, p coin.DenominationProfile) (d float64, ok bool) {
	var num, den float64
	for c := coin.Channel(0); c < coin.NumChannels; c++ {
		if !p.Constrained(c) || !v.Has(c) {
			continue
		}
		z := (v[c] - p.Centroid[c]) / p.Tolerance[c]
		num += p.Weights[c] * z * z
		den += p.Weights[c]
	}
	if den == 0 {
		return 0, false
	}
	return math.Sqrt(num / den), true
}

// Classify scores vec against every profile in ps. The result is a pure
// function of its inputs: the same vector and snapshot always produce the
// same result.
func (cl *Classifier) Classify(vec coin.FeatureVector, ps *coin.ProfileSet) coin.ClassificationResult {
	if ps == nil {
		ps = coin.EmptyProfileSet()
	}
	res := coin.ClassificationResult{
		CoinEventID:    vec.CoinEventID,
		Denomination:   coin.Unknown,
		Partial:        vec.Partial,
		ProfileVersion: ps.Version(),
	}

	ranked := make([]coin.Candidate, 0, ps.Len())
	for _, p := range ps.Profiles() {
		d, ok := Distance(vec.Values, p)
		if !ok {
			continue
		}
		ranked = append(ranked, coin.Candidate{
			Denomination: p.ID,
			Distance:     d,
			Confidence:   cl.cap(1-d, res.Partial),
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Distance != ranked[j].Distance {
			return ranked[i].Distance < ranked[j].Distance
		}
		return ranked[i].Denomination < ranked[j].Denomination
	})
	if len(ranked) > MaxAlternates {
		ranked = ranked[:MaxAlternates]
	}
	if len(ranked) > 0 {
		res.Alternates = ranked
	}

	if len(ranked) == 0 || ranked[0].Distance > 1 {
		return res
	}

	best := ranked[0]
	res.Denomination = best.Denomination
	res.Confidence = best.Confidence
	if len(ranked) > 1 && ranked[1].Distance-best.Distance <= cl.tieEpsilon {
		// An ambiguous match is only as good as the weaker of the pair.
		res.Confidence = math.Min(res.Confidence, ranked[1].Confidence)
	}
	return res
}

func (cl *Classifier) cap(score float64, partial bool) float64 {
	if partial {
		return clampConfidence(score, 0, cl.partialCeiling)
	}
	return clampConfidence(score, 0, 1)
}
