package coin

import "github.com/cockroachdb/errors"

var (
	// ErrIncompleteSampleSet is returned by the extractor when required
	// channels are missing at the event boundary. It is always accompanied
	// by a best-effort vector flagged Partial.
	ErrIncompleteSampleSet = errors.New("incomplete sample set")

	// ErrInsufficientCalibrationData means fewer reference samples than the
	// configured minimum were supplied for a denomination.
	ErrInsufficientCalibrationData = errors.New("insufficient calibration data")

	// ErrInconsistentReferenceSet means the reference samples spread more
	// than allowed, which usually indicates contaminated reference coins.
	ErrInconsistentReferenceSet = errors.New("inconsistent reference set")

	// ErrInvalidProfile rejects a profile that cannot be committed.
	ErrInvalidProfile = errors.New("invalid denomination profile")

	// ErrUnknownCoinEvent is returned when a coin event id is not (or no
	// longer) tracked.
	ErrUnknownCoinEvent = errors.New("unknown coin event")

	// ErrAlreadyCommitted rejects cancellation of a coin whose gate action
	// has been committed.
	ErrAlreadyCommitted = errors.New("gate action already committed")

	// ErrUnknownGate is returned for a gate id outside the configured arena.
	ErrUnknownGate = errors.New("unknown gate")
)
