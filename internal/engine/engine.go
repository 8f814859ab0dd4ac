// Package engine wires the sorter's components into running lanes.
//
// The ingest lane decodes sensor lines and runs the feature extractor. A
// pool of classify workers drains the bounded feature queue. One actuation
// lane owns the gate controller, transit pipeline and fault monitor; it is
// the only goroutine that changes them. Commands leave through a bounded
// queue drained by the actuator writer, and finished coins, faults and
// commands are persisted by the archiver. No lane ever blocks on output.
package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/banshee-data/coinsorter/internal/calibration"
	"github.com/banshee-data/coinsorter/internal/catalog"
	"github.com/banshee-data/coinsorter/internal/classify"
	"github.com/banshee-data/coinsorter/internal/coin"
	"github.com/banshee-data/coinsorter/internal/config"
	"github.com/banshee-data/coinsorter/internal/db"
	"github.com/banshee-data/coinsorter/internal/fault"
	"github.com/banshee-data/coinsorter/internal/features"
	"github.com/banshee-data/coinsorter/internal/gate"
	"github.com/banshee-data/coinsorter/internal/metrics"
	"github.com/banshee-data/coinsorter/internal/monitoring"
	"github.com/banshee-data/coinsorter/internal/serialmux"
	"github.com/banshee-data/coinsorter/internal/timeutil"
	"github.com/banshee-data/coinsorter/internal/transit"
)

// ErrNotRunning is returned by operator requests while the actuation lane
// is not running.
var ErrNotRunning = errors.New("engine not running")

// Archive persists the sorter's history. *db.DB implements it.
type Archive interface {
	RecordFault(ctx context.Context, f coin.FaultEvent) error
	ArchiveTransits(ctx context.Context, entries []db.ArchiveEntry) error
}

// Deps are the collaborators an Engine runs against.
type Deps struct {
	Config      *config.SorterConfig
	Clock       timeutil.Clock
	Calibration *calibration.Manager
	Sensors     serialmux.SerialMuxInterface
	Actuator    serialmux.SerialMuxInterface
	Archive     Archive // optional
	Recorder    *metrics.Recorder
	Events      *metrics.Broadcaster
	// Logger is the parent of the engine and gate loggers. Nil uses the
	// monitoring package logger.
	Logger *zap.SugaredLogger
}

// Engine runs the sorter.
type Engine struct {
	cfg        *config.SorterConfig
	clock      timeutil.Clock
	calib      *calibration.Manager
	extractor  *features.Extractor
	classifier *classify.Classifier
	controller *gate.Controller
	monitor    *fault.Monitor
	sensors    serialmux.SerialMuxInterface
	actuator   serialmux.SerialMuxInterface
	archive    Archive
	recorder   *metrics.Recorder
	events     *metrics.Broadcaster
	system     catalog.System
	log        *zap.SugaredLogger

	features *featureQueue
	ingress  chan ingressMsg
	results  chan coin.ClassificationResult
	requests chan request
	commands chan coin.GateCommand
	archiveC chan archiveItem

	running    atomic.Bool
	parseErrs  atomic.Uint64
	cmdDrops   atomic.Uint64
	archDrops  atomic.Uint64
	// serial line drops already reported to the recorder
	sensorSeen   uint64
	actuatorSeen uint64
	ingestLog  rate.Sometimes
	actuateLog rate.Sometimes

	tallyMu sync.Mutex
	tally   map[int]*BinTally
}

type ingressKind int

const (
	ingressAdmit ingressKind = iota
	ingressEvict
	ingressFault
)

// ingressMsg is what the ingest lane hands the actuation lane, in order.
type ingressMsg struct {
	kind    ingressKind
	transit features.Transit
	id      coin.CoinEventID
	fault   coin.FaultEvent
}

type request struct {
	fn   func(now time.Time) (any, error)
	resp chan response
}

type response struct {
	val any
	err error
}

type archiveItem struct {
	fault *coin.FaultEvent
	entry *db.ArchiveEntry
}

// New builds an engine from deps. Nothing runs until Run.
func New(deps Deps) (*Engine, error) {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.EmptySorterConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	clock := deps.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if deps.Calibration == nil {
		return nil, errors.New("engine: calibration manager required")
	}
	sensors, actuator := deps.Sensors, deps.Actuator
	if sensors == nil {
		sensors = serialmux.NewDisabledSerialMux("sensor")
	}
	if actuator == nil {
		actuator = serialmux.NewDisabledSerialMux("actuator")
	}
	system, err := catalog.Lookup(cfg.GetCurrencySystem())
	if err != nil {
		return nil, err
	}
	ext, err := features.NewExtractor(cfg.GetStations(), cfg.GetMedianWindow(), &coin.IDSource{})
	if err != nil {
		return nil, err
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = metrics.NewRecorder(nil)
	}
	events := deps.Events
	if events == nil {
		events = metrics.NewBroadcaster(0)
	}

	log, gateLog := monitoring.Named("engine"), monitoring.Named("gate")
	if deps.Logger != nil {
		log, gateLog = deps.Logger.Named("engine"), deps.Logger.Named("gate")
	}
	gateOpts := gate.OptionsFromConfig(cfg)
	gateOpts.Logger = gateLog

	pipeline := transit.NewPipeline(cfg.GetTransitDelay(), cfg.GetActuationLeadTime(), cfg.GetMaxInFlight())
	e := &Engine{
		cfg:        cfg,
		clock:      clock,
		calib:      deps.Calibration,
		extractor:  ext,
		classifier: classify.NewFromConfig(cfg),
		controller: gate.NewController(gateOpts, pipeline),
		monitor:    fault.NewMonitorFromConfig(cfg, clock),
		sensors:    sensors,
		actuator:   actuator,
		archive:    deps.Archive,
		recorder:   recorder,
		events:     events,
		system:     system,
		log:        log,
		features:   newFeatureQueue(cfg.GetFeatureQueueSize()),
		ingress:    make(chan ingressMsg, cfg.GetFeatureQueueSize()),
		results:    make(chan coin.ClassificationResult, cfg.GetFeatureQueueSize()),
		requests:   make(chan request),
		commands:   make(chan coin.GateCommand, cfg.GetCommandQueueSize()),
		archiveC:   make(chan archiveItem, 4*cfg.GetCommandQueueSize()),
		ingestLog:  rate.Sometimes{Interval: time.Second},
		actuateLog: rate.Sometimes{Interval: time.Second},
		tally:      make(map[int]*BinTally),
	}

	e.recorder.SetProfileVersion(e.calib.Current().Version())
	e.calib.OnCommit(func(ps *coin.ProfileSet) {
		e.recorder.SetProfileVersion(ps.Version())
		e.events.Publish(metrics.Event{Type: metrics.EventProfileSet, At: e.clock.Now(), Data: ps.IDs()})
	})
	return e, nil
}

// Controller exposes the gate controller for read-only inspection.
func (e *Engine) Controller() *gate.Controller { return e.controller }

// Monitor exposes the fault monitor for read-only inspection.
func (e *Engine) Monitor() *fault.Monitor { return e.monitor }

// Calibration returns the calibration manager the engine classifies with.
func (e *Engine) Calibration() *calibration.Manager { return e.calib }

// Profiles returns the profile set classification currently runs against.
func (e *Engine) Profiles() *coin.ProfileSet { return e.calib.Current() }

// Events returns the outbound event stream.
func (e *Engine) Events() *metrics.Broadcaster { return e.events }

// Recorder returns the engine's metrics recorder.
func (e *Engine) Recorder() *metrics.Recorder { return e.recorder }

// Run starts every lane and blocks until ctx is done or a lane fails.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	defer e.running.Store(false)

	// Subscribe before the monitors start so no line is missed. The sensor
	// port waits on ingest rather than dropping lines: a lost boundary would
	// merge two coins into one event.
	sensorSub, sensorLines := e.sensors.SubscribeBlocking()
	defer e.sensors.Unsubscribe(sensorSub)
	actSub, actLines := e.actuator.Subscribe()
	defer e.actuator.Unsubscribe(actSub)

	if err := e.actuator.Initialize(); err != nil {
		monitoring.Warnf("engine: actuator initialisation failed: %v", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, m := range []serialmux.SerialMuxInterface{e.sensors, e.actuator} {
		g.Go(func() error {
			if err := m.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Warnf("engine: serial monitor stopped: %v", err)
			}
			return nil
		})
	}
	g.Go(func() error { return e.ingestLane(ctx, sensorLines) })
	for i := 0; i < e.cfg.GetClassifyWorkers(); i++ {
		g.Go(func() error { return e.classifyWorker(ctx) })
	}
	g.Go(func() error { return e.actuationLane(ctx, actLines) })
	g.Go(func() error { return e.actuatorWriter(ctx) })
	g.Go(func() error { return e.archiver(ctx) })

	monitoring.Logf("engine: running with %d gates, %d classify workers, profile set v%d",
		e.controller.Gates(), e.cfg.GetClassifyWorkers(), e.calib.Current().Version())
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// ingestLane turns sensor lines into admitted transits and queued feature
// vectors. The admit is always sent before the vector is queued, so the
// actuation lane has the record before any result for it can exist.
func (e *Engine) ingestLane(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return ctx.Err()
			}
			if err := e.ingestLine(ctx, line); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) ingestLine(ctx context.Context, line string) error {
	parsed, err := serialmux.ParseSensorLine(line)
	if errors.Is(err, serialmux.ErrEmptyLine) {
		return nil
	}
	if err != nil {
		e.parseErrs.Add(1)
		e.ingestLog.Do(func() { monitoring.Warnf("engine: %v", err) })
		return nil
	}
	if parsed.Sample != nil {
		if err := e.extractor.Add(*parsed.Sample); err != nil {
			e.parseErrs.Add(1)
			e.ingestLog.Do(func() { monitoring.Warnf("engine: %v", err) })
		}
		return nil
	}

	tr, err := e.extractor.Close(parsed.Boundary.StationID, parsed.Boundary.At)
	partial := errors.Is(err, coin.ErrIncompleteSampleSet)
	if err != nil && !partial {
		e.parseErrs.Add(1)
		e.ingestLog.Do(func() { monitoring.Warnf("engine: %v", err) })
		return nil
	}
	if err := e.sendIngress(ctx, ingressMsg{kind: ingressAdmit, transit: tr}); err != nil {
		return err
	}
	if partial {
		f := coin.FaultEvent{
			Kind:        coin.FaultIncompleteSampleSet,
			CoinEventID: tr.Vector.CoinEventID,
			GateID:      tr.GateID,
			DetectedAt:  parsed.Boundary.At,
			Detail:      "missing " + channelList(tr.Missing),
		}
		if err := e.sendIngress(ctx, ingressMsg{kind: ingressFault, fault: f}); err != nil {
			return err
		}
	}
	if dropped, ok := e.features.push(tr.Vector); ok {
		e.recorder.ObserveDrop("features")
		return e.sendIngress(ctx, ingressMsg{kind: ingressEvict, id: dropped.CoinEventID})
	}
	return nil
}

func (e *Engine) sendIngress(ctx context.Context, msg ingressMsg) error {
	select {
	case e.ingress <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func channelList(cs []coin.Channel) string {
	names := make([]string, len(cs))
	for i, c := range cs {
		names[i] = c.String()
	}
	return strings.Join(names, ",")
}

// classifyWorker classifies queued vectors against the live profile set.
func (e *Engine) classifyWorker(ctx context.Context) error {
	for {
		vec, err := e.features.pop(ctx)
		if err != nil {
			return err
		}
		res := e.classifier.Classify(vec, e.calib.Current())
		e.recorder.ObserveClassification(res)
		select {
		case e.results <- res:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// actuationLane is the single owner of gate, pipeline and monitor state.
func (e *Engine) actuationLane(ctx context.Context, lines <-chan string) error {
	ticker := e.clock.NewTicker(e.cfg.GetTickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drainRequests()
			return ctx.Err()

		case msg := <-e.ingress:
			e.handleIngress(msg, e.clock.Now())

		case res := <-e.results:
			now := e.clock.Now()
			// Admits queued ahead of this result must land first.
			e.drainIngress(now)
			e.bind(res)

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			e.handleActuatorLine(line, e.clock.Now())

		case req := <-e.requests:
			val, err := req.fn(e.clock.Now())
			req.resp <- response{val: val, err: err}

		case now := <-ticker.C():
			e.handleOutcomes(e.controller.Tick(now), now)
			e.recorder.SetInFlight(e.controller.Pipeline().Len())
			e.reportSerialDrops()
		}
	}
}

// reportSerialDrops forwards new serial line drops to the recorder. Only
// the actuation lane calls it.
func (e *Engine) reportSerialDrops() {
	if n := e.sensors.Dropped(); n > e.sensorSeen {
		e.recorder.ObserveDrops("sensor", n-e.sensorSeen)
		e.sensorSeen = n
	}
	if n := e.actuator.Dropped(); n > e.actuatorSeen {
		e.recorder.ObserveDrops("actuator", n-e.actuatorSeen)
		e.actuatorSeen = n
	}
}

func (e *Engine) drainIngress(now time.Time) {
	for {
		select {
		case msg := <-e.ingress:
			e.handleIngress(msg, now)
		default:
			return
		}
	}
}

// drainRequests fails any operator request caught by shutdown.
func (e *Engine) drainRequests() {
	for {
		select {
		case req := <-e.requests:
			req.resp <- response{err: ErrNotRunning}
		default:
			return
		}
	}
}

func (e *Engine) handleIngress(msg ingressMsg, now time.Time) {
	switch msg.kind {
	case ingressAdmit:
		tr := msg.transit
		_, outs, err := e.controller.Admit(tr.Vector.CoinEventID, tr.GateID, tr.EntryAt, now)
		if err != nil {
			e.actuateLog.Do(func() {
				e.log.Warnw("admit failed", "coin_event_id", uint64(tr.Vector.CoinEventID), "gate_id", tr.GateID, "error", err)
			})
			return
		}
		e.handleOutcomes(outs, now)
	case ingressEvict:
		if out, ok := e.controller.Evict(msg.id, now, "feature queue full"); ok {
			e.handleOutcomes([]gate.Outcome{out}, now)
		}
	case ingressFault:
		e.recordFault(msg.fault, now)
	}
}

func (e *Engine) bind(res coin.ClassificationResult) {
	if _, err := e.controller.Pipeline().Bind(res); err != nil {
		e.recorder.ObserveLate()
		e.actuateLog.Do(func() { monitoring.Logf("engine: late classification: %v", err) })
	}
}

func (e *Engine) handleActuatorLine(line string, now time.Time) {
	msg, err := serialmux.ParseActuatorLine(line)
	if errors.Is(err, serialmux.ErrEmptyLine) {
		return
	}
	if err != nil {
		e.parseErrs.Add(1)
		e.actuateLog.Do(func() { monitoring.Warnf("engine: %v", err) })
		return
	}
	switch msg.Tag {
	case serialmux.TagConfirm:
		if err := e.controller.Confirm(msg.GateID, msg.CoinEventID, now); err != nil {
			e.actuateLog.Do(func() { monitoring.Logf("engine: %v", err) })
		}
	case serialmux.TagJamClear:
		outs, err := e.controller.JamClear(msg.GateID, now)
		if err != nil {
			e.actuateLog.Do(func() { monitoring.Warnf("engine: jam clear: %v", err) })
			return
		}
		e.handleOutcomes(outs, now)
	}
}

// handleOutcomes fans the controller's decisions out to the fault monitor,
// command queue, tally, metrics and archive.
func (e *Engine) handleOutcomes(outs []gate.Outcome, now time.Time) {
	for _, o := range outs {
		if o.Fault != nil {
			e.recordFault(*o.Fault, now)
		}
		sent := o.Command != nil && e.issue(*o.Command, now)
		if o.Record != nil {
			e.archiveRecord(o.Record, o.Command, sent, now)
		}
	}
}

// issue queues cmd for the actuator writer and reports whether it was
// accepted. A refused command is a Backpressure fault.
func (e *Engine) issue(cmd coin.GateCommand, now time.Time) bool {
	select {
	case e.commands <- cmd:
	default:
		e.cmdDrops.Add(1)
		e.recorder.ObserveDrop("commands")
		e.recordFault(coin.FaultEvent{
			Kind:        coin.FaultBackpressure,
			CoinEventID: cmd.CoinEventID,
			GateID:      cmd.GateID,
			DetectedAt:  now,
			Detail:      "command queue full",
		}, now)
		return false
	}
	e.recorder.ObserveCommand(cmd)
	e.addTally(cmd)
	e.events.Publish(metrics.Event{Type: metrics.EventCommand, At: now, Data: cmd})
	return true
}

// recordFault runs one fault through the monitor and, on the first breach
// of a threshold, switches every gate to safe mode.
func (e *Engine) recordFault(f coin.FaultEvent, now time.Time) {
	if f.DetectedAt.IsZero() {
		f.DetectedAt = now
	}
	raised := e.monitor.Record(f)
	e.recorder.ObserveFault(f)
	e.log.Infow("fault", "fault_kind", string(f.Kind), "coin_event_id", uint64(f.CoinEventID), "gate_id", f.GateID, "detail", f.Detail)
	e.events.Publish(metrics.Event{Type: metrics.EventFault, At: now, Data: f})
	e.enqueueArchive(archiveItem{fault: &f})
	if !raised {
		return
	}

	st := e.monitor.Status()
	e.controller.SetSafeMode(true)
	e.recorder.SetDegraded(true)
	degraded := coin.FaultEvent{
		Kind:        coin.FaultDegradedMode,
		CoinEventID: f.CoinEventID,
		GateID:      coin.NoGate,
		DetectedAt:  now,
		Detail:      st.Detail,
	}
	e.monitor.Record(degraded)
	e.recorder.ObserveFault(degraded)
	e.events.Publish(metrics.Event{Type: metrics.EventDegraded, At: now, Data: degraded})
	e.enqueueArchive(archiveItem{fault: &degraded})
	e.log.Warnw("entering safe mode", "fault_kind", string(st.Cause), "coin_event_id", uint64(f.CoinEventID), "detail", st.Detail)
}

// archiveRecord stores the coin's final disposition. A command that never
// reached the queue is archived with no bin and the backpressure reason.
func (e *Engine) archiveRecord(rec *coin.TransitRecord, cmd *coin.GateCommand, sent bool, now time.Time) {
	entry := db.ArchiveEntry{
		CoinEventID: rec.CoinEventID,
		GateID:      rec.GateID,
		Bin:         db.NoBin,
		Reason:      db.ReasonCancelled,
		EntryAt:     rec.EntryAt,
		Deadline:    rec.ArrivalAt,
		ArchivedAt:  now,
	}
	if rec.Result != nil {
		entry.Denomination = rec.Result.Denomination
		entry.Confidence = rec.Result.Confidence
	}
	if cmd != nil {
		entry.Deadline = cmd.Deadline
		entry.Reason = coin.ReasonBackpressure
		if sent {
			entry.Bin = cmd.Bin
			entry.Reason = cmd.Reason
		}
		if cmd.Denomination != "" {
			entry.Denomination = cmd.Denomination
		}
	}
	e.enqueueArchive(archiveItem{entry: &entry})
}

func (e *Engine) enqueueArchive(item archiveItem) {
	if e.archive == nil {
		return
	}
	select {
	case e.archiveC <- item:
	default:
		e.archDrops.Add(1)
		e.recorder.ObserveDrop("archive")
	}
}

// actuatorWriter sends queued commands to the actuator board.
func (e *Engine) actuatorWriter(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-e.commands:
			if err := e.actuator.SendCommand(serialmux.FormatGateCommand(cmd)); err != nil {
				e.log.Warnw("gate command not sent", "gate_id", cmd.GateID, "coin_event_id", uint64(cmd.CoinEventID), "error", err)
			}
		}
	}
}

const archiveBatch = 64

// archiver persists faults as they come and batches archive entries. On
// shutdown it flushes what is queued.
func (e *Engine) archiver(ctx context.Context) error {
	var batch []db.ArchiveEntry
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := e.archive.ArchiveTransits(ctx, batch); err != nil {
			monitoring.Warnf("engine: archive %d transits: %v", len(batch), err)
		}
		batch = batch[:0]
	}
	handle := func(ctx context.Context, item archiveItem) {
		if item.fault != nil {
			if err := e.archive.RecordFault(ctx, *item.fault); err != nil {
				monitoring.Warnf("engine: archive fault: %v", err)
			}
		}
		if item.entry != nil {
			batch = append(batch, *item.entry)
			if len(batch) >= archiveBatch {
				flush(ctx)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			if e.archive == nil {
				return ctx.Err()
			}
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case item := <-e.archiveC:
					handle(fctx, item)
				default:
					flush(fctx)
					return ctx.Err()
				}
			}
		case item := <-e.archiveC:
			handle(ctx, item)
			if len(e.archiveC) == 0 {
				flush(ctx)
			}
		}
	}
}

// do runs fn on the actuation lane and waits for its answer.
func (e *Engine) do(ctx context.Context, fn func(now time.Time) (any, error)) (any, error) {
	if !e.running.Load() {
		return nil, ErrNotRunning
	}
	req := request{fn: fn, resp: make(chan response, 1)}
	select {
	case e.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-req.resp:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResetDegraded is the operator's acknowledgement of DegradedMode: fault
// windows are cleared and gates resume normal routing.
func (e *Engine) ResetDegraded(ctx context.Context) error {
	_, err := e.do(ctx, func(now time.Time) (any, error) {
		was := e.monitor.Degraded()
		e.monitor.Reset()
		e.controller.SetSafeMode(false)
		e.recorder.SetDegraded(false)
		if was {
			e.log.Infow("safe mode cleared by operator")
			e.events.Publish(metrics.Event{Type: metrics.EventRecovered, At: now})
		}
		return nil, nil
	})
	return err
}

// JamClear cancels every uncommitted coin on gate, as the actuator's own
// jam-clear signal does, and reports how many coins were cancelled.
func (e *Engine) JamClear(ctx context.Context, gateID int) (int, error) {
	v, err := e.do(ctx, func(now time.Time) (any, error) {
		outs, err := e.controller.JamClear(gateID, now)
		if err != nil {
			return 0, err
		}
		e.handleOutcomes(outs, now)
		n := 0
		for _, o := range outs {
			if o.Record != nil {
				n++
			}
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// BinTally counts coins routed into one bin and their face value in the
// currency's smallest unit.
type BinTally struct {
	Bin            int            `json:"bin"`
	Count          int            `json:"count"`
	Value          int            `json:"value"`
	ByDenomination map[string]int `json:"by_denomination,omitempty"`
}

func (e *Engine) addTally(cmd coin.GateCommand) {
	e.tallyMu.Lock()
	defer e.tallyMu.Unlock()
	t, ok := e.tally[cmd.Bin]
	if !ok {
		t = &BinTally{Bin: cmd.Bin, ByDenomination: map[string]int{}}
		e.tally[cmd.Bin] = t
	}
	t.Count++
	if !cmd.Rejected() {
		t.Value += e.system.Value(cmd.Denomination)
		t.ByDenomination[cmd.Denomination]++
	}
}

// Tally returns the per-bin counts, ordered by bin.
func (e *Engine) Tally() []BinTally {
	e.tallyMu.Lock()
	defer e.tallyMu.Unlock()
	out := make([]BinTally, 0, len(e.tally))
	for _, t := range e.tally {
		c := *t
		c.ByDenomination = make(map[string]int, len(t.ByDenomination))
		for k, v := range t.ByDenomination {
			c.ByDenomination[k] = v
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bin < out[j].Bin })
	return out
}

// Status is a point-in-time view of the whole sorter.
type Status struct {
	Running        bool          `json:"running"`
	SafeMode       bool          `json:"safe_mode"`
	Faults         fault.Status  `json:"faults"`
	Gates          []gate.Status `json:"gates"`
	InFlight       int           `json:"in_flight"`
	Queued         int           `json:"queued"`
	LateResults    int           `json:"late_results"`
	ParseErrors    uint64        `json:"parse_errors"`
	CommandDrops   uint64        `json:"command_drops"`
	ArchiveDrops   uint64        `json:"archive_drops"`
	SensorDrops    uint64        `json:"sensor_drops"`
	ActuatorDrops  uint64        `json:"actuator_drops"`
	ProfileVersion uint64        `json:"profile_version"`
	Denominations  []string      `json:"denominations"`
	Currency       string        `json:"currency"`
	Bins           []BinTally    `json:"bins"`
}

// Status reports the sorter's state. Safe to call from any goroutine.
func (e *Engine) Status() Status {
	ps := e.calib.Current()
	p := e.controller.Pipeline()
	return Status{
		Running:        e.running.Load(),
		SafeMode:       e.controller.SafeMode(),
		Faults:         e.monitor.Status(),
		Gates:          e.controller.Snapshot(),
		InFlight:       p.Len(),
		Queued:         e.features.len(),
		LateResults:    p.Late(),
		ParseErrors:    e.parseErrs.Load(),
		CommandDrops:   e.cmdDrops.Load(),
		ArchiveDrops:   e.archDrops.Load(),
		SensorDrops:    e.sensors.Dropped(),
		ActuatorDrops:  e.actuator.Dropped(),
		ProfileVersion: ps.Version(),
		Denominations:  ps.IDs(),
		Currency:       e.system.Name,
		Bins:           e.Tally(),
	}
}

// RecentFaults returns up to n recent faults, newest first.
func (e *Engine) RecentFaults(n int) []coin.FaultEvent { return e.monitor.Recent(n) }
