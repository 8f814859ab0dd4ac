package coin

import "time"

// Unknown is the denomination id of a coin that matched no profile.
const Unknown = "UNKNOWN"

// Candidate is one ranked denomination match.
type Candidate struct {
	Denomination string  `json:"denomination"`
	Distance     float64 `json:"distance"`
	Confidence   float64 `json:"confidence"`
}

// ClassificationResult is produced once per feature vector.
type ClassificationResult struct {
	CoinEventID  CoinEventID `json:"coin_event_id"`
	Denomination string      `json:"denomination"`
	Confidence   float64     `json:"confidence"`
	Alternates   []Candidate `json:"alternates,omitempty"`
	Partial      bool        `json:"partial,omitempty"`
	// ProfileVersion is the snapshot version the result was computed against.
	ProfileVersion uint64 `json:"profile_version"`
}

// IsUnknown reports whether no denomination matched.
func (r ClassificationResult) IsUnknown() bool { return r.Denomination == Unknown || r.Denomination == "" }

// TransitRecord follows one coin from the sensor station to its gate.
type TransitRecord struct {
	CoinEventID CoinEventID
	GateID      int
	EntryAt     time.Time
	// ArrivalAt is when the coin reaches the gate.
	ArrivalAt time.Time
	// DecisionAt is ArrivalAt minus the actuation lead time; the gate
	// commits a routing decision at this instant.
	DecisionAt time.Time
	Result     *ClassificationResult
}

// Classified reports whether a classification result has been bound.
func (r *TransitRecord) Classified() bool { return r.Result != nil }

// RouteReason says why a gate command routes where it does.
type RouteReason string

const (
	ReasonMatched               RouteReason = "matched"
	ReasonClassificationTimeout RouteReason = "classification_timeout"
	ReasonLowConfidence         RouteReason = "low_confidence"
	ReasonUnknown               RouteReason = "unknown"
	ReasonGateOverrun           RouteReason = "gate_overrun"
	ReasonSafeMode              RouteReason = "safe_mode"
	ReasonBackpressure          RouteReason = "backpressure"
)

// GateCommand instructs the actuator to route a coin into a bin.
type GateCommand struct {
	GateID       int         `json:"gate_id"`
	Bin          int         `json:"bin"`
	Deadline     time.Time   `json:"deadline"`
	CoinEventID  CoinEventID `json:"coin_event_id"`
	Denomination string      `json:"denomination,omitempty"`
	Confidence   float64     `json:"confidence"`
	Reason       RouteReason `json:"reason"`
}

// Rejected reports whether the command routes to the reject bin for any
// reason other than a match.
func (c GateCommand) Rejected() bool { return c.Reason != ReasonMatched }
