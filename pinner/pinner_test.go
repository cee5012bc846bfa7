package pinner_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Lokad/ScratchSpace/pinner"
)

func TestTryPinSucceedsThenFailsOnceSealed(t *testing.T) {
	var p pinner.Pinner

	require.True(t, p.TryPin())
	require.True(t, p.TryPin())

	sealedAtZero := p.Seal()
	require.False(t, sealedAtZero, "two pins are outstanding, seal must not report zero")

	require.False(t, p.TryPin(), "try-pin must fail once sealed")
}

func TestSealReportsZeroOnlyWhenNoPinsOutstanding(t *testing.T) {
	var p pinner.Pinner

	require.True(t, p.Seal())
}

func TestSealIsIdempotent(t *testing.T) {
	var p pinner.Pinner

	require.True(t, p.Seal())
	require.False(t, p.Seal(), "sealing twice must not report zero again")
}

func TestUnpinReportsTrueOnlyWhenSealedAndLastPinDrops(t *testing.T) {
	var p pinner.Pinner

	require.True(t, p.TryPin())
	require.True(t, p.TryPin())

	p.Seal()

	require.False(t, p.Unpin(), "one pin remains, unpin must not fire removal")
	require.True(t, p.Unpin(), "last pin dropped under seal, unpin must fire removal")
}

func TestUnpinWithoutSealNeverFires(t *testing.T) {
	var p pinner.Pinner

	require.True(t, p.TryPin())
	require.False(t, p.Unpin())
}

func TestTryPinFailsAtDefensiveCap(t *testing.T) {
	var p pinner.Pinner

	for range pinner.Seal - 1 {
		require.True(t, p.TryPin())
	}

	require.False(t, p.TryPin(), "must fail once Seal-1 simultaneous pins are held")
}

func TestConcurrentPinUnpinNeverUnderflowsOrDoubleFires(t *testing.T) {
	var p pinner.Pinner

	const workers = 64

	var wg sync.WaitGroup

	var fireCount int64

	var mu sync.Mutex

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if p.TryPin() {
				if p.Unpin() {
					mu.Lock()
					fireCount++
					mu.Unlock()
				}
			}
		}()
	}

	wg.Wait()

	require.True(t, p.Seal())
	require.Equal(t, int64(0), fireCount, "no unpin should fire removal before Seal is called")
}
