package coin

import (
	"fmt"
	"time"
)

// FaultKind classifies a fault event.
type FaultKind string

const (
	FaultClassificationTimeout FaultKind = "ClassificationTimeout"
	FaultLowConfidence         FaultKind = "LowConfidence"
	FaultGateOverrun           FaultKind = "GateOverrun"
	FaultDegradedMode          FaultKind = "DegradedMode"
	FaultIncompleteSampleSet   FaultKind = "IncompleteSampleSet"
	FaultBackpressure          FaultKind = "Backpressure"
	FaultConfirmationTimeout   FaultKind = "ConfirmationTimeout"
	FaultJamCleared            FaultKind = "JamCleared"
)

// NoGate marks a fault not attributable to a gate.
const NoGate = -1

// FaultEvent is one observed anomaly.
type FaultEvent struct {
	Kind        FaultKind   `json:"kind"`
	CoinEventID CoinEventID `json:"coin_event_id,omitempty"`
	GateID      int         `json:"gate_id"`
	DetectedAt  time.Time   `json:"detected_at"`
	Detail      string      `json:"detail,omitempty"`
}

func (f FaultEvent) String() string {
	s := string(f.Kind)
	if f.CoinEventID != 0 {
		s += " " + f.CoinEventID.String()
	}
	if f.GateID != NoGate {
		s += fmt.Sprintf(" gate=%d", f.GateID)
	}
	if f.Detail != "" {
		s += ": " + f.Detail
	}
	return s
}
