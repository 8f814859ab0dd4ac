// Package metrics exposes the sorter's outbound telemetry: prometheus
// collectors, an in-process confidence distribution for the debug chart and
// an event broadcaster for live subscribers.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/coinsorter/internal/coin"
)

// ConfidenceBins is the number of equal-width buckets over [0, 1] kept for
// the confidence chart.
const ConfidenceBins = 10

// Recorder owns the sorter's prometheus collectors.
type Recorder struct {
	classifications *prometheus.CounterVec
	confidence      prometheus.Histogram
	commands        *prometheus.CounterVec
	faults          *prometheus.CounterVec
	degraded        prometheus.Gauge
	inFlight        prometheus.Gauge
	profileVersion  prometheus.Gauge
	queueDrops      *prometheus.CounterVec
	lateResults     prometheus.Counter

	mu      sync.Mutex
	buckets [ConfidenceBins]int
}

// NewRecorder creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "coinsorter", Name: "classifications_total", Help: "Classified coins by denomination."},
			[]string{"denomination"},
		),
		confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coinsorter", Name: "classification_confidence", Help: "Confidence of classification results.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, ConfidenceBins),
		}),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "coinsorter", Name: "gate_commands_total", Help: "Gate commands issued by gate, bin and reason."},
			[]string{"gate", "bin", "reason"},
		),
		faults: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "coinsorter", Name: "faults_total", Help: "Fault events by kind."},
			[]string{"kind"},
		),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coinsorter", Name: "degraded", Help: "1 while the sorter is in safe mode.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coinsorter", Name: "transit_in_flight", Help: "Coins between detection and actuation.",
		}),
		profileVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coinsorter", Name: "profile_set_version", Help: "Version of the active profile set.",
		}),
		queueDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "coinsorter", Name: "queue_drops_total", Help: "Items dropped from bounded queues."},
			[]string{"queue"},
		),
		lateResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coinsorter", Name: "late_classifications_total", Help: "Results that arrived after their coin had left the pipeline.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.classifications, r.confidence, r.commands, r.faults,
			r.degraded, r.inFlight, r.profileVersion, r.queueDrops, r.lateResults)
	}
	return r
}

// ObserveClassification records one classifier result.
func (r *Recorder) ObserveClassification(res coin.ClassificationResult) {
	r.classifications.WithLabelValues(res.Denomination).Inc()
	r.confidence.Observe(res.Confidence)

	bin := int(res.Confidence * ConfidenceBins)
	if bin >= ConfidenceBins {
		bin = ConfidenceBins - 1
	}
	if bin < 0 {
		bin = 0
	}
	r.mu.Lock()
	r.buckets[bin]++
	r.mu.Unlock()
}

// ObserveCommand records one issued gate command.
func (r *Recorder) ObserveCommand(cmd coin.GateCommand) {
	r.commands.WithLabelValues(strconv.Itoa(cmd.GateID), strconv.Itoa(cmd.Bin), string(cmd.Reason)).Inc()
}

// ObserveFault records one fault event.
func (r *Recorder) ObserveFault(ev coin.FaultEvent) {
	r.faults.WithLabelValues(string(ev.Kind)).Inc()
}

// ObserveLate counts a classification that found no pending coin.
func (r *Recorder) ObserveLate() { r.lateResults.Inc() }

// ObserveDrop counts an item dropped from the named queue.
func (r *Recorder) ObserveDrop(queue string) { r.queueDrops.WithLabelValues(queue).Inc() }

// ObserveDrops counts n items dropped from the named queue.
func (r *Recorder) ObserveDrops(queue string, n uint64) {
	if n > 0 {
		r.queueDrops.WithLabelValues(queue).Add(float64(n))
	}
}

func (r *Recorder) SetDegraded(on bool) {
	if on {
		r.degraded.Set(1)
		return
	}
	r.degraded.Set(0)
}

func (r *Recorder) SetInFlight(n int) { r.inFlight.Set(float64(n)) }

func (r *Recorder) SetProfileVersion(v uint64) { r.profileVersion.Set(float64(v)) }

// ConfidenceDistribution returns the count of results per confidence decile
// since start.
func (r *Recorder) ConfidenceDistribution() [ConfidenceBins]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buckets
}
