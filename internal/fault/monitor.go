// Package fault aggregates fault events into sliding-window rates and
// latches DegradedMode when a watched kind runs too hot.
package fault

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/coinsorter/internal/coin"
	"github.com/banshee-data/coinsorter/internal/config"
	"github.com/banshee-data/coinsorter/internal/monitoring"
	"github.com/banshee-data/coinsorter/internal/timeutil"
)

// DefaultHistory is the number of recent events kept for inspection.
const DefaultHistory = 256

// Status is a snapshot of the monitor.
type Status struct {
	Degraded bool                   `json:"degraded"`
	Since    time.Time              `json:"since,omitempty"`
	Cause    coin.FaultKind         `json:"cause,omitempty"`
	Detail   string                 `json:"detail,omitempty"`
	Rates    map[coin.FaultKind]int `json:"rates"`
	Totals   map[coin.FaultKind]int `json:"totals"`
}

// Monitor counts fault events per kind over a sliding window. Once a kind
// with a threshold exceeds it, DegradedMode stays latched until Reset.
type Monitor struct {
	window     time.Duration
	thresholds map[coin.FaultKind]int
	clock      timeutil.Clock

	mu       sync.Mutex
	events   map[coin.FaultKind][]time.Time
	totals   map[coin.FaultKind]int
	history  []coin.FaultEvent // ring
	next     int
	degraded bool
	since    time.Time
	cause    coin.FaultKind
	detail   string
}

// NewMonitor returns a monitor. Kinds absent from thresholds never raise
// DegradedMode.
func NewMonitor(window time.Duration, thresholds map[coin.FaultKind]int, clock timeutil.Clock) *Monitor {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	th := make(map[coin.FaultKind]int, len(thresholds))
	for k, v := range thresholds {
		th[k] = v
	}
	return &Monitor{
		window:     window,
		thresholds: th,
		clock:      clock,
		events:     make(map[coin.FaultKind][]time.Time),
		totals:     make(map[coin.FaultKind]int),
		history:    make([]coin.FaultEvent, 0, DefaultHistory),
	}
}

// NewMonitorFromConfig reads the window and thresholds from cfg.
func NewMonitorFromConfig(cfg *config.SorterConfig, clock timeutil.Clock) *Monitor {
	return NewMonitor(cfg.GetFaultWindow(), cfg.GetFaultThresholds(), clock)
}

// Record adds ev. It returns true only on the event that raises
// DegradedMode; events recorded while already degraded return false.
func (m *Monitor) Record(ev coin.FaultEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	at := ev.DetectedAt
	if at.IsZero() {
		at = m.clock.Now()
		ev.DetectedAt = at
	}
	m.totals[ev.Kind]++
	m.appendHistoryLocked(ev)

	ts := append(m.events[ev.Kind], at)
	ts = pruneBefore(ts, at.Add(-m.window))
	m.events[ev.Kind] = ts

	limit, watched := m.thresholds[ev.Kind]
	if !watched || m.degraded || len(ts) <= limit {
		return false
	}
	m.degraded = true
	m.since = at
	m.cause = ev.Kind
	m.detail = fmt.Sprintf("%d %s in %s exceeds %d", len(ts), ev.Kind, m.window, limit)
	monitoring.Warnf("fault: DegradedMode raised: %s", m.detail)
	return true
}

func (m *Monitor) appendHistoryLocked(ev coin.FaultEvent) {
	if len(m.history) < cap(m.history) {
		m.history = append(m.history, ev)
		return
	}
	m.history[m.next] = ev
	m.next = (m.next + 1) % len(m.history)
}

// pruneBefore drops timestamps not after cutoff. ts is in record order,
// which is near-monotonic; a full scan keeps it correct when it is not.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// Rate returns the number of kind events in the window ending now.
func (m *Monitor) Rate(kind coin.FaultKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rateLocked(kind, m.clock.Now())
}

func (m *Monitor) rateLocked(kind coin.FaultKind, now time.Time) int {
	cutoff := now.Add(-m.window)
	n := 0
	for _, t := range m.events[kind] {
		if t.After(cutoff) && !t.After(now) {
			n++
		}
	}
	return n
}

// Degraded reports whether DegradedMode is latched.
func (m *Monitor) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Reset clears the latch and every windowed count. Totals and history are
// kept.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.degraded {
		monitoring.Logf("fault: DegradedMode reset by operator after %s", m.clock.Since(m.since).Round(time.Millisecond))
	}
	m.degraded = false
	m.since = time.Time{}
	m.cause = ""
	m.detail = ""
	m.events = make(map[coin.FaultKind][]time.Time)
}

// Status returns a snapshot including current windowed rates.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	st := Status{
		Degraded: m.degraded,
		Since:    m.since,
		Cause:    m.cause,
		Detail:   m.detail,
		Rates:    make(map[coin.FaultKind]int, len(m.events)),
		Totals:   make(map[coin.FaultKind]int, len(m.totals)),
	}
	for k := range m.events {
		st.Rates[k] = m.rateLocked(k, now)
	}
	for k, v := range m.totals {
		st.Totals[k] = v
	}
	return st
}

// Recent returns up to n of the most recent events, newest first.
func (m *Monitor) Recent(n int) []coin.FaultEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	ordered := make([]coin.FaultEvent, 0, len(m.history))
	ordered = append(ordered, m.history[m.next:]...)
	ordered = append(ordered, m.history[:m.next]...)
	if n <= 0 || n > len(ordered) {
		n = len(ordered)
	}
	out := make([]coin.FaultEvent, 0, n)
	for i := len(ordered) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, ordered[i])
	}
	return out
}
