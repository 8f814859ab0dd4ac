package engine

import (
	"context"
	"sync"

	"github.com/banshee-data/coinsorter/internal/coin"
)

// featureQueue is a bounded FIFO between the ingest lane and the classify
// workers. A push into a full queue drops the oldest vector.
type featureQueue struct {
	mu     sync.Mutex
	items  []coin.FeatureVector
	limit  int
	signal chan struct{}
}

func newFeatureQueue(limit int) *featureQueue {
	if limit < 1 {
		limit = 1
	}
	return &featureQueue{
		items:  make([]coin.FeatureVector, 0, limit),
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

// push appends v. When the queue was full the displaced vector is returned
// with ok true.
func (q *featureQueue) push(v coin.FeatureVector) (dropped coin.FeatureVector, ok bool) {
	q.mu.Lock()
	if len(q.items) == q.limit {
		dropped, ok = q.items[0], true
		q.items = append(q.items[:0], q.items[1:]...)
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return dropped, ok
}

// pop blocks until a vector is available or ctx is done.
func (q *featureQueue) pop(ctx context.Context) (coin.FeatureVector, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items = append(q.items[:0], q.items[1:]...)
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				// Wake another worker for the remainder.
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			return v, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return coin.FeatureVector{}, ctx.Err()
		}
	}
}

func (q *featureQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
