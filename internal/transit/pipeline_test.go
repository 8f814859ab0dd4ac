package transit

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/coinsorter/internal/coin"
)

var t0 = time.Unix(1700000000, 0)

func TestEnter_ComputesArrivalAndDecision(t *testing.T) {
	t.Parallel()
	p := NewPipeline(400*time.Millisecond, 40*time.Millisecond, 0)
	rec, evicted, err := p.Enter(1, 2, t0)
	require.NoError(t, err)
	assert.Nil(t, evicted)
	assert.Equal(t, 2, rec.GateID)
	assert.Equal(t, t0.Add(400*time.Millisecond), rec.ArrivalAt)
	assert.Equal(t, t0.Add(360*time.Millisecond), rec.DecisionAt)
	assert.False(t, rec.Classified())
	assert.Equal(t, 1, p.Len())

	_, _, err = p.Enter(1, 2, t0)
	assert.Error(t, err, "duplicate id")
	_, _, err = p.Enter(0, 2, t0)
	assert.True(t, errors.Is(err, coin.ErrUnknownCoinEvent))
}

func TestBind_OutOfOrder(t *testing.T) {
	t.Parallel()
	p := NewPipeline(time.Second, 0, 0)
	for id := coin.CoinEventID(1); id <= 3; id++ {
		_, _, err := p.Enter(id, 0, t0.Add(time.Duration(id)*time.Millisecond))
		require.NoError(t, err)
	}

	// Results land in reverse order and still bind to the right coin.
	for id := coin.CoinEventID(3); id >= 1; id-- {
		rec, err := p.Bind(coin.ClassificationResult{CoinEventID: id, Denomination: "25c", Confidence: float64(id) / 10})
		require.NoError(t, err)
		assert.Equal(t, id, rec.CoinEventID)
	}
	for id := coin.CoinEventID(1); id <= 3; id++ {
		rec, ok := p.Get(id)
		require.True(t, ok)
		require.NotNil(t, rec.Result)
		assert.InDelta(t, float64(id)/10, rec.Result.Confidence, 1e-12)
	}

	_, err := p.Bind(coin.ClassificationResult{CoinEventID: 2})
	assert.ErrorContains(t, err, "already classified")
}

func TestBind_LateResult(t *testing.T) {
	t.Parallel()
	p := NewPipeline(time.Second, 0, 0)
	_, _, err := p.Enter(1, 0, t0)
	require.NoError(t, err)
	_, ok := p.Take(1)
	require.True(t, ok)

	_, err = p.Bind(coin.ClassificationResult{CoinEventID: 1})
	assert.True(t, errors.Is(err, coin.ErrUnknownCoinEvent))
	assert.Equal(t, 1, p.Late())
}

func TestEnter_EvictsOldestUnclassified(t *testing.T) {
	t.Parallel()
	p := NewPipeline(time.Second, 0, 3)
	for id := coin.CoinEventID(1); id <= 3; id++ {
		_, _, err := p.Enter(id, 0, t0)
		require.NoError(t, err)
	}
	_, err := p.Bind(coin.ClassificationResult{CoinEventID: 1})
	require.NoError(t, err)

	_, evicted, err := p.Enter(4, 0, t0)
	require.NoError(t, err)
	require.NotNil(t, evicted)
	assert.Equal(t, coin.CoinEventID(2), evicted.CoinEventID, "classified coin 1 is kept")
	assert.Equal(t, 3, p.Len())
	_, ok := p.Get(2)
	assert.False(t, ok)
}

func TestEnter_EvictsOldestWhenAllClassified(t *testing.T) {
	t.Parallel()
	p := NewPipeline(time.Second, 0, 2)
	for id := coin.CoinEventID(1); id <= 2; id++ {
		_, _, err := p.Enter(id, 0, t0)
		require.NoError(t, err)
		_, err = p.Bind(coin.ClassificationResult{CoinEventID: id})
		require.NoError(t, err)
	}
	_, evicted, err := p.Enter(3, 0, t0)
	require.NoError(t, err)
	require.NotNil(t, evicted)
	assert.Equal(t, coin.CoinEventID(1), evicted.CoinEventID)
	assert.Equal(t, 2, p.Len())
}

func TestEvictUnclassified(t *testing.T) {
	t.Parallel()
	p := NewPipeline(time.Second, 0, 0)
	_, _, _ = p.Enter(1, 0, t0)
	_, _, _ = p.Enter(2, 0, t0)
	_, _ = p.Bind(coin.ClassificationResult{CoinEventID: 2})

	rec, ok := p.EvictUnclassified(1)
	assert.True(t, ok)
	assert.Equal(t, coin.CoinEventID(1), rec.CoinEventID)

	_, ok = p.EvictUnclassified(2)
	assert.False(t, ok, "classified records are not evicted")
	_, ok = p.EvictUnclassified(99)
	assert.False(t, ok)
}

func TestTakeAndCancel(t *testing.T) {
	t.Parallel()
	p := NewPipeline(time.Second, 0, 0)
	_, _, _ = p.Enter(1, 0, t0)
	_, _, _ = p.Enter(2, 0, t0)

	rec, ok := p.Cancel(1)
	require.True(t, ok)
	assert.Equal(t, coin.CoinEventID(1), rec.CoinEventID)
	_, ok = p.Cancel(1)
	assert.False(t, ok)

	_, ok = p.Take(2)
	assert.True(t, ok)
	assert.Zero(t, p.Len())
}

func TestOrderCompaction(t *testing.T) {
	t.Parallel()
	p := NewPipeline(time.Second, 0, 4)
	for id := coin.CoinEventID(1); id <= 1000; id++ {
		_, _, err := p.Enter(id, 0, t0)
		require.NoError(t, err)
		_, ok := p.Take(id)
		require.True(t, ok)
	}
	assert.Zero(t, p.Len())
	assert.Less(t, len(p.order), 100)
}
