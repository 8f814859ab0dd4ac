// Package transit models each coin's physical travel from its sensor
// station to its sorting gate and binds classification results to coins by
// coin event id.
package transit

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/banshee-data/coinsorter/internal/coin"
)

// Pipeline holds one TransitRecord per coin in flight. Records are created
// on entry, mutated once when their classification binds, and removed at
// actuation, cancellation or eviction.
type Pipeline struct {
	transitDelay time.Duration
	leadTime     time.Duration
	maxInFlight  int

	mu      sync.Mutex
	records map[coin.CoinEventID]*coin.TransitRecord
	order   []coin.CoinEventID // entry order, may hold removed ids
	late    int
}

// NewPipeline returns an empty pipeline. maxInFlight < 1 means unbounded.
func NewPipeline(transitDelay, leadTime time.Duration, maxInFlight int) *Pipeline {
	return &Pipeline{
		transitDelay: transitDelay,
		leadTime:     leadTime,
		maxInFlight:  maxInFlight,
		records:      make(map[coin.CoinEventID]*coin.TransitRecord),
	}
}

// Enter creates the record for a coin entering the transit path. When the
// pipeline is full the oldest unclassified record (or, failing that, the
// oldest record) is evicted and returned so the caller can reject it.
func (p *Pipeline) Enter(id coin.CoinEventID, gate int, entryAt time.Time) (rec *coin.TransitRecord, evicted *coin.TransitRecord, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id == 0 {
		return nil, nil, errors.Wrap(coin.ErrUnknownCoinEvent, "zero coin event id")
	}
	if _, dup := p.records[id]; dup {
		return nil, nil, errors.Newf("%s already in transit", id)
	}
	if p.maxInFlight > 0 && len(p.records) >= p.maxInFlight {
		evicted = p.evictOldestLocked()
	}

	arrival := entryAt.Add(p.transitDelay)
	rec = &coin.TransitRecord{
		CoinEventID: id,
		GateID:      gate,
		EntryAt:     entryAt,
		ArrivalAt:   arrival,
		DecisionAt:  arrival.Add(-p.leadTime),
	}
	p.records[id] = rec
	p.order = append(p.order, id)
	return rec, evicted, nil
}

func (p *Pipeline) evictOldestLocked() *coin.TransitRecord {
	p.compactLocked()
	var fallback coin.CoinEventID
	for _, id := range p.order {
		r := p.records[id]
		if !r.Classified() {
			delete(p.records, id)
			return r
		}
		if fallback == 0 {
			fallback = id
		}
	}
	if fallback == 0 {
		return nil
	}
	r := p.records[fallback]
	delete(p.records, fallback)
	return r
}

// compactLocked drops ids of removed records from the order slice.
func (p *Pipeline) compactLocked() {
	n := 0
	for _, id := range p.order {
		if _, ok := p.records[id]; ok {
			p.order[n] = id
			n++
		}
	}
	p.order = p.order[:n]
}

// Bind attaches a classification result to its record by id, regardless
// of the order results arrive in. A result for a coin that is no longer in
// flight is late: it returns coin.ErrUnknownCoinEvent and is counted.
func (p *Pipeline) Bind(res coin.ClassificationResult) (*coin.TransitRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[res.CoinEventID]
	if !ok {
		p.late++
		return nil, errors.Wrapf(coin.ErrUnknownCoinEvent, "late result for %s", res.CoinEventID)
	}
	if rec.Classified() {
		return rec, errors.Newf("%s already classified", res.CoinEventID)
	}
	r := res
	rec.Result = &r
	return rec, nil
}

// Get returns a copy of the record for id.
func (p *Pipeline) Get(id coin.CoinEventID) (coin.TransitRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return coin.TransitRecord{}, false
	}
	return *rec, true
}

// Take removes and returns the record for id.
func (p *Pipeline) Take(id coin.CoinEventID) (*coin.TransitRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(id)
}

// Cancel removes an uncommitted record. Whether the coin is still
// cancellable is decided by the gate controller before calling Cancel.
func (p *Pipeline) Cancel(id coin.CoinEventID) (*coin.TransitRecord, bool) {
	return p.Take(id)
}

// EvictUnclassified removes id if it has not been classified yet. The
// ingest lane uses it when a feature vector is dropped on overflow.
func (p *Pipeline) EvictUnclassified(id coin.CoinEventID) (*coin.TransitRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok || rec.Classified() {
		return nil, false
	}
	return p.removeLocked(id)
}

func (p *Pipeline) removeLocked(id coin.CoinEventID) (*coin.TransitRecord, bool) {
	rec, ok := p.records[id]
	if !ok {
		return nil, false
	}
	delete(p.records, id)
	if len(p.order) > 2*len(p.records)+64 {
		p.compactLocked()
	}
	return rec, true
}

// Len returns the number of coins in flight.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// Late returns how many results arrived for coins no longer in flight.
func (p *Pipeline) Late() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.late
}

// TransitDelay returns the configured sensor-to-gate delay.
func (p *Pipeline) TransitDelay() time.Duration { return p.transitDelay }

// LeadTime returns the configured actuation lead time.
func (p *Pipeline) LeadTime() time.Duration { return p.leadTime }
