// Package gate runs the per-gate actuation state machines.
//
// Each gate cycles IDLE -> ARMED -> COMMITTED -> RESETTING -> IDLE. The
// controller is driven synchronously: the actuation lane feeds it entries
// and signals, and calls Tick with the current time; Tick returns the
// routing decisions that fell due. Gates are slots in one arena indexed by
// gate id and share nothing.
package gate

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/banshee-data/coinsorter/internal/coin"
	"github.com/banshee-data/coinsorter/internal/config"
	"github.com/banshee-data/coinsorter/internal/monitoring"
	"github.com/banshee-data/coinsorter/internal/transit"
)

// State is a gate's lifecycle state.
type State string

const (
	StateIdle      State = "IDLE"      // no record armed
	StateArmed     State = "ARMED"     // a record is approaching
	StateCommitted State = "COMMITTED" // command issued, awaiting confirmation
	StateResetting State = "RESETTING" // mechanism returning to rest
)

type event string

const (
	evArm     event = "arm"
	evDecide  event = "decide"
	evCancel  event = "cancel"
	evConfirm event = "confirm"
	evTimeout event = "timeout"
	evJam     event = "jam"
	evReset   event = "reset"
)

// transitions is the complete table of legal moves.
var transitions = map[State]map[event]State{
	StateIdle:      {evArm: StateArmed},
	StateArmed:     {evDecide: StateCommitted, evCancel: StateIdle},
	StateCommitted: {evConfirm: StateResetting, evTimeout: StateResetting, evJam: StateResetting},
	StateResetting: {evReset: StateIdle},
}

// ErrIllegalTransition reports a move the transition table does not allow.
var ErrIllegalTransition = errors.New("illegal gate transition")

// Outcome is one thing the controller decided. Command is nil when the coin
// was cancelled or for gate-level faults; Record is nil for gate-level
// faults.
type Outcome struct {
	Record  *coin.TransitRecord
	Command *coin.GateCommand
	Fault   *coin.FaultEvent
}

// Status is a read-only view of one gate.
type Status struct {
	GateID   int                `json:"gate_id"`
	State    State              `json:"state"`
	Armed    coin.CoinEventID   `json:"armed,omitempty"`
	Queued   []coin.CoinEventID `json:"queued,omitempty"`
	SafeMode bool               `json:"safe_mode"`
	Overruns int                `json:"overruns"`
	Last     *coin.GateCommand  `json:"last_command,omitempty"`
}

type gateSlot struct {
	state State
	// armed is the record on the mechanism, kept through COMMITTED and
	// RESETTING so late cancels can be refused.
	armed   coin.CoinEventID
	queue   []coin.CoinEventID
	since   time.Time // entry time of the current state
	last    *coin.GateCommand
	overrun int
}

// Options configure a Controller.
type Options struct {
	Gates               int
	RejectBin           int
	Bins                map[string]int
	Threshold           float64
	ConfirmationTimeout time.Duration
	ResetDuration       time.Duration
	// Logger receives structured gate events. Nil logs through
	// monitoring.Named("gate").
	Logger *zap.SugaredLogger
}

// OptionsFromConfig reads controller options from cfg.
func OptionsFromConfig(cfg *config.SorterConfig) Options {
	return Options{
		Gates:               cfg.GateCount(),
		RejectBin:           cfg.GetRejectBin(),
		Bins:                cfg.GetBins(),
		Threshold:           cfg.GetRoutingConfidenceThreshold(),
		ConfirmationTimeout: cfg.GetConfirmationTimeout(),
		ResetDuration:       cfg.GetResetDuration(),
	}
}

// Controller owns every gate's state machine and the transit pipeline's
// records once they are scheduled. Safe for concurrent use; the actuation
// lane is its only writer.
type Controller struct {
	opts     Options
	pipeline *transit.Pipeline
	log      *zap.SugaredLogger

	mu       sync.Mutex
	gates    []gateSlot
	safeMode bool
}

// NewController returns a controller with every gate IDLE.
func NewController(opts Options, pipeline *transit.Pipeline) *Controller {
	if opts.Gates < 1 {
		opts.Gates = 1
	}
	log := opts.Logger
	if log == nil {
		log = monitoring.Named("gate")
	}
	c := &Controller{opts: opts, pipeline: pipeline, log: log, gates: make([]gateSlot, opts.Gates)}
	for i := range c.gates {
		c.gates[i].state = StateIdle
	}
	return c
}

// Pipeline returns the transit pipeline the controller drains.
func (c *Controller) Pipeline() *transit.Pipeline { return c.pipeline }

func (c *Controller) slot(gate int) (*gateSlot, error) {
	if gate < 0 || gate >= len(c.gates) {
		return nil, errors.Wrapf(coin.ErrUnknownGate, "gate %d", gate)
	}
	return &c.gates[gate], nil
}

func (c *Controller) transition(gate int, s *gateSlot, ev event, now time.Time) error {
	next, ok := transitions[s.state][ev]
	if !ok {
		return errors.Wrapf(ErrIllegalTransition, "gate %d: %s on %s", gate, ev, s.state)
	}
	s.state = next
	s.since = now
	if next == StateIdle {
		s.armed = 0
	}
	return nil
}

// mustTransition applies a transition the caller has already checked.
func (c *Controller) mustTransition(gate int, s *gateSlot, ev event, now time.Time) {
	if err := c.transition(gate, s, ev, now); err != nil {
		panic(err)
	}
}

// Admit creates the transit record for a coin entering the path to gate
// and schedules it. If the pipeline had to evict a record to make room, the
// evicted coin is rejected and its outcome returned.
func (c *Controller) Admit(id coin.CoinEventID, gate int, entryAt, now time.Time) (*coin.TransitRecord, []Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.slot(gate)
	if err != nil {
		return nil, nil, err
	}
	rec, evicted, err := c.pipeline.Enter(id, gate, entryAt)
	if err != nil {
		return nil, nil, err
	}
	var out []Outcome
	if evicted != nil {
		c.unscheduleLocked(evicted.CoinEventID, now)
		out = append(out, c.rejectLocked(evicted, now, coin.ReasonBackpressure, coin.FaultBackpressure, "pipeline full"))
	}
	s.queue = append(s.queue, id)
	return rec, out, nil
}

// Evict rejects a coin whose feature vector was dropped before it could be
// classified. It reports false if the coin is no longer evictable.
func (c *Controller) Evict(id coin.CoinEventID, now time.Time, detail string) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.pipeline.EvictUnclassified(id)
	if !ok {
		return Outcome{}, false
	}
	c.unscheduleLocked(id, now)
	return c.rejectLocked(rec, now, coin.ReasonBackpressure, coin.FaultBackpressure, detail), true
}

// unscheduleLocked removes id from its gate's queue, or disarms it.
func (c *Controller) unscheduleLocked(id coin.CoinEventID, now time.Time) bool {
	for g := range c.gates {
		s := &c.gates[g]
		if s.state == StateArmed && s.armed == id {
			c.mustTransition(g, s, evCancel, now)
			return true
		}
		for i, q := range s.queue {
			if q == id {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Cancel withdraws a coin before its gate commits. After COMMITTED the
// physical action is irreversible and Cancel returns coin.ErrAlreadyCommitted.
// A cancelled coin produces no gate command.
func (c *Controller) Cancel(id coin.CoinEventID, now time.Time) (*coin.TransitRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for g := range c.gates {
		s := &c.gates[g]
		if s.armed == id && (s.state == StateCommitted || s.state == StateResetting) {
			return nil, errors.Wrapf(coin.ErrAlreadyCommitted, "%s on gate %d", id, g)
		}
	}
	if !c.unscheduleLocked(id, now) {
		return nil, errors.Wrapf(coin.ErrUnknownCoinEvent, "%s not in transit", id)
	}
	rec, _ := c.pipeline.Cancel(id)
	return rec, nil
}

// Confirm records the actuator's confirmation that gate executed the
// command for id.
func (c *Controller) Confirm(gate int, id coin.CoinEventID, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.slot(gate)
	if err != nil {
		return err
	}
	if s.state != StateCommitted || s.armed != id {
		return errors.Wrapf(coin.ErrUnknownCoinEvent, "stale confirmation for %s on gate %d (%s, armed %s)", id, gate, s.state, s.armed)
	}
	return c.transition(gate, s, evConfirm, now)
}

// JamClear handles the actuator's jam-clear signal for a gate: every coin
// not yet committed on it is cancelled and a committed mechanism is sent
// to reset.
func (c *Controller) JamClear(gate int, now time.Time) ([]Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.slot(gate)
	if err != nil {
		return nil, err
	}
	var out []Outcome
	cancel := func(id coin.CoinEventID) {
		if rec, ok := c.pipeline.Cancel(id); ok {
			out = append(out, Outcome{Record: rec})
		}
	}
	switch s.state {
	case StateArmed:
		id := s.armed
		c.mustTransition(gate, s, evCancel, now)
		cancel(id)
	case StateCommitted:
		c.mustTransition(gate, s, evJam, now)
	}
	for _, id := range s.queue {
		cancel(id)
	}
	s.queue = s.queue[:0]

	out = append(out, Outcome{Fault: &coin.FaultEvent{
		Kind:       coin.FaultJamCleared,
		GateID:     gate,
		DetectedAt: now,
		Detail:     fmt.Sprintf("%d coins cancelled", len(out)),
	}})
	return out, nil
}

// SetSafeMode switches every gate to reject-all, or back.
func (c *Controller) SetSafeMode(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.safeMode != on {
		c.log.Warnw("safe mode switched", "safe_mode", on, "gates", len(c.gates))
	}
	c.safeMode = on
}

// SafeMode reports whether reject-all is active.
func (c *Controller) SafeMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.safeMode
}

// Tick advances every gate to now and returns the outcomes that fell due.
func (c *Controller) Tick(now time.Time) []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Outcome
	for g := range c.gates {
		out = c.tickGateLocked(g, now, out)
	}
	return out
}

func (c *Controller) tickGateLocked(g int, now time.Time, out []Outcome) []Outcome {
	s := &c.gates[g]

	if s.state == StateCommitted && now.Sub(s.since) >= c.opts.ConfirmationTimeout {
		out = append(out, Outcome{Fault: &coin.FaultEvent{
			Kind:        coin.FaultConfirmationTimeout,
			CoinEventID: s.armed,
			GateID:      g,
			DetectedAt:  now,
			Detail:      fmt.Sprintf("no confirmation within %s", c.opts.ConfirmationTimeout),
		}})
		c.mustTransition(g, s, evTimeout, now)
	}
	if s.state == StateResetting && now.Sub(s.since) >= c.opts.ResetDuration {
		c.mustTransition(g, s, evReset, now)
	}
	if s.state == StateIdle && len(s.queue) > 0 {
		s.armed = s.queue[0]
		s.queue = s.queue[1:]
		c.mustTransition(g, s, evArm, now)
	}
	if s.state == StateArmed {
		rec, ok := c.pipeline.Get(s.armed)
		switch {
		case !ok:
			c.log.Warnw("armed coin missing from pipeline", "gate_id", g, "coin_event_id", uint64(s.armed))
			c.mustTransition(g, s, evCancel, now)
		case !now.Before(rec.DecisionAt):
			out = append(out, c.decideLocked(g, s, now))
		}
	}

	// Anything still queued whose decision instant has passed cannot be
	// served: the mechanism is busy with the armed coin.
	kept := s.queue[:0]
	for _, id := range s.queue {
		rec, ok := c.pipeline.Get(id)
		if !ok {
			continue
		}
		if now.Before(rec.DecisionAt) {
			kept = append(kept, id)
			continue
		}
		taken, _ := c.pipeline.Take(id)
		s.overrun++
		out = append(out, c.rejectLocked(taken, now, coin.ReasonGateOverrun, coin.FaultGateOverrun,
			fmt.Sprintf("gate %s with %s", s.state, s.armed)))
	}
	s.queue = kept
	return out
}

// decideLocked commits the armed record's routing decision.
func (c *Controller) decideLocked(g int, s *gateSlot, now time.Time) Outcome {
	rec, _ := c.pipeline.Take(s.armed)
	c.mustTransition(g, s, evDecide, now)

	o := c.route(rec, now)
	s.last = o.Command
	return o
}

// route applies the routing rules to a record at its decision instant.
func (c *Controller) route(rec *coin.TransitRecord, now time.Time) Outcome {
	res := rec.Result
	switch {
	case c.safeMode:
		var f *coin.FaultEvent
		if res == nil {
			f = timeoutFault(rec, now)
		}
		return c.command(rec, c.opts.RejectBin, coin.ReasonSafeMode, f)
	case res == nil:
		return c.command(rec, c.opts.RejectBin, coin.ReasonClassificationTimeout, timeoutFault(rec, now))
	case res.IsUnknown():
		return c.command(rec, c.opts.RejectBin, coin.ReasonUnknown, &coin.FaultEvent{
			Kind: coin.FaultLowConfidence, CoinEventID: rec.CoinEventID, GateID: rec.GateID, DetectedAt: now,
			Detail: "no denomination matched",
		})
	case res.Confidence < c.opts.Threshold:
		return c.command(rec, c.opts.RejectBin, coin.ReasonLowConfidence, &coin.FaultEvent{
			Kind: coin.FaultLowConfidence, CoinEventID: rec.CoinEventID, GateID: rec.GateID, DetectedAt: now,
			Detail: fmt.Sprintf("%s at %.3f below %.3f", res.Denomination, res.Confidence, c.opts.Threshold),
		})
	}
	bin, ok := c.opts.Bins[res.Denomination]
	if !ok {
		return c.command(rec, c.opts.RejectBin, coin.ReasonUnknown, &coin.FaultEvent{
			Kind: coin.FaultLowConfidence, CoinEventID: rec.CoinEventID, GateID: rec.GateID, DetectedAt: now,
			Detail: fmt.Sprintf("no bin mapped for %s", res.Denomination),
		})
	}
	return c.command(rec, bin, coin.ReasonMatched, nil)
}

func timeoutFault(rec *coin.TransitRecord, now time.Time) *coin.FaultEvent {
	return &coin.FaultEvent{
		Kind: coin.FaultClassificationTimeout, CoinEventID: rec.CoinEventID, GateID: rec.GateID, DetectedAt: now,
		Detail: "no classification by decision time",
	}
}

func (c *Controller) command(rec *coin.TransitRecord, bin int, reason coin.RouteReason, fault *coin.FaultEvent) Outcome {
	cmd := &coin.GateCommand{
		GateID:      rec.GateID,
		Bin:         bin,
		Deadline:    rec.ArrivalAt,
		CoinEventID: rec.CoinEventID,
		Reason:      reason,
	}
	if rec.Result != nil {
		cmd.Denomination = rec.Result.Denomination
		cmd.Confidence = rec.Result.Confidence
	}
	return Outcome{Record: rec, Command: cmd, Fault: fault}
}

// rejectLocked routes rec to the reject bin outside the gate's own cycle.
func (c *Controller) rejectLocked(rec *coin.TransitRecord, now time.Time, reason coin.RouteReason, kind coin.FaultKind, detail string) Outcome {
	return c.command(rec, c.opts.RejectBin, reason, &coin.FaultEvent{
		Kind:        kind,
		CoinEventID: rec.CoinEventID,
		GateID:      rec.GateID,
		DetectedAt:  now,
		Detail:      detail,
	})
}

// Snapshot returns the status of every gate.
func (c *Controller) Snapshot() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Status, len(c.gates))
	for g, s := range c.gates {
		st := Status{GateID: g, State: s.state, Armed: s.armed, SafeMode: c.safeMode, Overruns: s.overrun}
		if len(s.queue) > 0 {
			st.Queued = append([]coin.CoinEventID(nil), s.queue...)
		}
		if s.last != nil {
			last := *s.last
			st.Last = &last
		}
		out[g] = st
	}
	return out
}

// Gates returns the number of gates.
func (c *Controller) Gates() int { return len(c.gates) }
