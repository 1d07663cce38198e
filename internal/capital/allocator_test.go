package capital

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func newTestAllocator(maxPosition float64) *Allocator {
	return NewAllocator(Config{
		TotalCapital:     d(100000),
		MaxPositionSize:  maxPosition,
		MaxDrawdownLimit: 0.2,
	})
}

func TestAllocator_Reserve_CapitalExceededLeavesLedgerUnchanged(t *testing.T) {
	a := newTestAllocator(1)
	require.NoError(t, a.Reserve("a", d(50000)))
	require.NoError(t, a.Reserve("b", d(40000)))
	before := a.Snapshot()

	err := a.Reserve("c", d(20000))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCapitalExceeded)

	assert.Equal(t, before, a.Snapshot(), "ledger must be unchanged after a rejected reservation")
	_, ok := a.Allocation("c")
	assert.False(t, ok)
}

func TestAllocator_Reserve_CapitalCheckedBeforePositionLimit(t *testing.T) {
	a := newTestAllocator(0.1)
	for i := 0; i < 9; i++ {
		require.NoError(t, a.Reserve(fmt.Sprintf("c%d", i), d(10000)))
	}
	err := a.Reserve("late", d(20000))
	assert.ErrorIs(t, err, ErrCapitalExceeded)
}

func TestAllocator_Reserve_PositionLimit(t *testing.T) {
	a := newTestAllocator(0.1)

	err := a.Reserve("big", d(10001))
	assert.ErrorIs(t, err, ErrPositionLimitExceeded)
	assert.True(t, a.Allocated().IsZero())

	require.NoError(t, a.Reserve("grow", d(6000)))
	err = a.Reserve("grow", d(5000))
	assert.ErrorIs(t, err, ErrPositionLimitExceeded, "resizing must respect the cumulative position size")
	amount, ok := a.Allocation("grow")
	require.True(t, ok)
	assert.True(t, amount.Equal(d(6000)))

	require.NoError(t, a.Reserve("grow", d(4000)))
	amount, _ = a.Allocation("grow")
	assert.True(t, amount.Equal(d(10000)))
}

func TestAllocator_Reserve_InvalidAmount(t *testing.T) {
	a := newTestAllocator(1)
	assert.ErrorIs(t, a.Reserve("x", decimal.Zero), ErrInvalidAmount)
	assert.ErrorIs(t, a.Reserve("x", d(-5)), ErrInvalidAmount)
}

func TestAllocator_ReserveMargin(t *testing.T) {
	a := NewAllocator(Config{TotalCapital: d(100000), ReserveMargin: 0.1, MaxPositionSize: 1})
	require.NoError(t, a.Reserve("a", d(90000)))
	assert.ErrorIs(t, a.Reserve("b", d(1)), ErrCapitalExceeded)
	assert.True(t, a.Snapshot().Free.IsZero())
}

func TestAllocator_Release_Idempotent(t *testing.T) {
	a := newTestAllocator(1)
	require.NoError(t, a.Reserve("a", d(30000)))
	require.NoError(t, a.Reserve("b", d(20000)))

	released := a.Release("a")
	assert.True(t, released.Equal(d(30000)))
	afterOnce := a.Snapshot()

	again := a.Release("a")
	assert.True(t, again.IsZero())
	assert.Equal(t, afterOnce, a.Snapshot())

	assert.True(t, a.Release("never-reserved").IsZero())
	assert.True(t, a.Allocated().Equal(d(20000)))
}

func TestAllocator_RandomSequencesKeepInvariant(t *testing.T) {
	a := NewAllocator(Config{TotalCapital: d(100000), ReserveMargin: 0.05, MaxPositionSize: 0.25})
	rng := rand.New(rand.NewSource(42))
	ids := []string{"a", "b", "c", "d", "e", "f", "g"}

	for i := 0; i < 5000; i++ {
		id := ids[rng.Intn(len(ids))]
		if rng.Intn(3) == 0 {
			a.Release(id)
		} else {
			amount := decimal.NewFromInt(int64(rng.Intn(30000) + 1))
			_ = a.Reserve(id, amount)
		}
		require.NoError(t, a.CheckInvariant(), "invariant violated at step %d", i)
		require.True(t, a.Allocated().LessThanOrEqual(a.Total()), "allocated exceeds total at step %d", i)
	}
}

func TestAllocator_ConcurrentReservations(t *testing.T) {
	a := newTestAllocator(1)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			if err := a.Reserve(id, d(5000)); err == nil && i%2 == 0 {
				a.Release(id)
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, a.CheckInvariant())
	assert.True(t, a.Allocated().LessThanOrEqual(d(100000)))
}

func TestAllocator_TransferAndSuspend(t *testing.T) {
	a := newTestAllocator(1)
	require.NoError(t, a.Reserve("retired", d(12000)))

	amount, err := a.Transfer("retired", "slot-1")
	require.NoError(t, err)
	assert.True(t, amount.Equal(d(12000)))
	_, ok := a.Allocation("retired")
	assert.False(t, ok)

	require.NoError(t, a.Suspend("slot-1"))
	snap := a.Snapshot()
	assert.True(t, snap.Held.Equal(d(12000)))
	assert.True(t, snap.Allocated.Equal(d(12000)), "held capital stays reserved")

	amount, err = a.Transfer("slot-1", "replacement")
	require.NoError(t, err)
	assert.True(t, amount.Equal(d(12000)))
	assert.True(t, a.Snapshot().Held.IsZero(), "transferred capital starts active")

	_, err = a.Transfer("slot-1", "other")
	assert.ErrorIs(t, err, ErrUnknownEntry)

	require.NoError(t, a.Reserve("x", d(1000)))
	_, err = a.Transfer("replacement", "x")
	assert.ErrorIs(t, err, ErrEntryExists)

	assert.ErrorIs(t, a.Suspend("missing"), ErrUnknownEntry)
	assert.ErrorIs(t, a.Resume("missing"), ErrUnknownEntry)
	require.NoError(t, a.CheckInvariant())
}

func TestAllocator_DrawdownBreach(t *testing.T) {
	a := newTestAllocator(1)
	require.NoError(t, a.Reserve("s", d(10000)))
	assert.False(t, a.DrawdownBreach("s"))

	require.NoError(t, a.RecordPnL("s", d(1000)))
	require.NoError(t, a.RecordPnL("s", d(-1500)))
	assert.False(t, a.DrawdownBreach("s"), "1500 below peak is under the 2000 limit")

	require.NoError(t, a.RecordPnL("s", d(-1000)))
	assert.True(t, a.DrawdownBreach("s"), "2500 below peak exceeds the 2000 limit")

	// Detection never acts on the ledger.
	amount, ok := a.Allocation("s")
	require.True(t, ok)
	assert.True(t, amount.Equal(d(10000)))

	assert.False(t, a.DrawdownBreach("missing"))
	assert.ErrorIs(t, a.RecordPnL("missing", d(1)), ErrUnknownEntry)

	require.NoError(t, a.ResetPnL("s"))
	assert.False(t, a.DrawdownBreach("s"), "reset starts a fresh baseline")
	assert.ErrorIs(t, a.ResetPnL("missing"), ErrUnknownEntry)
}

func TestSnapshot_Utilization(t *testing.T) {
	a := newTestAllocator(1)
	require.NoError(t, a.Reserve("a", d(25000)))
	assert.InDelta(t, 0.25, a.Snapshot().Utilization(), 1e-12)
	assert.Equal(t, 0.0, Snapshot{}.Utilization())
}
