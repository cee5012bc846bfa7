package readflag_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Lokad/ScratchSpace/readflag"
)

func TestNonePassesThrough(t *testing.T) {
	f, err := readflag.None.Wait()
	require.NoError(t, err)
	require.False(t, f.IsPending())
}

func TestPendingRunsActionOnce(t *testing.T) {
	var calls atomic.Int32

	f := readflag.Pending(func() error {
		calls.Add(1)
		return nil
	})

	_, err := f.Wait()
	require.NoError(t, err)

	_, err = f.Wait()
	require.NoError(t, err)

	require.Equal(t, int32(1), calls.Load())
}

func TestPendingErrorPropagatesToEveryWaiter(t *testing.T) {
	sentinel := errors.New("boom")

	f := readflag.Pending(func() error {
		return sentinel
	})

	var wg sync.WaitGroup

	errs := make([]error, 8)

	for i := range errs {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			_, err := f.Wait()
			errs[i] = err
		}(i)
	}

	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, sentinel)
	}
}

func TestConcurrentWaitersRunActionExactlyOnce(t *testing.T) {
	var calls atomic.Int32

	f := readflag.Pending(func() error {
		calls.Add(1)
		return nil
	})

	var wg sync.WaitGroup

	for range 32 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := f.Wait()
			require.NoError(t, err)
		}()
	}

	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
}

func TestWaitReturnsReadableAfterSuccess(t *testing.T) {
	f := readflag.Pending(func() error { return nil })

	next, err := f.Wait()
	require.NoError(t, err)
	require.False(t, next.IsPending())

	// Storing the returned value back and waiting again is cheap and a no-op.
	next2, err := next.Wait()
	require.NoError(t, err)
	require.False(t, next2.IsPending())
}
