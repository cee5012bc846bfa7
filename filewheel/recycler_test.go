package filewheel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetCurrentBlocksUntilPublished(t *testing.T) {
	r := NewRecycler[*int]()

	done := make(chan *int, 1)

	go func() {
		done <- r.GetCurrent()
	}()

	select {
	case <-done:
		t.Fatal("GetCurrent returned before any value was published")
	case <-time.After(20 * time.Millisecond):
	}

	v := new(int)
	r.CompleteRecycle(v)

	select {
	case got := <-done:
		require.Same(t, v, got)
	case <-time.After(time.Second):
		t.Fatal("GetCurrent never unblocked after CompleteRecycle")
	}
}

func TestPeekNonBlocking(t *testing.T) {
	r := NewRecycler[*int]()

	_, ok := r.Peek()
	require.False(t, ok)

	v := new(int)
	r.CompleteRecycle(v)

	got, ok := r.Peek()
	require.True(t, ok)
	require.Same(t, v, got)
}

func TestRequestRecycleOnlyClearsMatchingIdentity(t *testing.T) {
	r := NewRecycler[*int]()

	a := new(int)
	b := new(int)
	r.CompleteRecycle(a)

	// A stale identity must not disturb the current value.
	r.RequestRecycle(b)

	got, ok := r.Peek()
	require.True(t, ok)
	require.Same(t, a, got)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		r.RequestRecycle(a)
	}()

	popped, ok := r.TryNextToBeRecycled(time.Second, nil)
	require.True(t, ok)
	require.Same(t, a, popped)

	wg.Wait()

	_, ok = r.Peek()
	require.False(t, ok)
}

func TestTryNextToBeRecycledTimesOut(t *testing.T) {
	r := NewRecycler[*int]()

	start := time.Now()
	_, ok := r.TryNextToBeRecycled(20*time.Millisecond, nil)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestTryNextToBeRecycledRespectsCancel(t *testing.T) {
	r := NewRecycler[*int]()

	cancel := make(chan struct{})
	close(cancel)

	_, ok := r.TryNextToBeRecycled(time.Minute, cancel)
	require.False(t, ok)
}

func TestOnlyOneConcurrentRequestRecycleWins(t *testing.T) {
	r := NewRecycler[*int]()

	v := new(int)
	r.CompleteRecycle(v)

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup

	popDone := make(chan struct{})

	go func() {
		defer close(popDone)

		popped, ok := r.TryNextToBeRecycled(time.Second, nil)
		if ok && popped == v {
			mu.Lock()
			wins++
			mu.Unlock()
		}
	}()

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			r.RequestRecycle(v)
		}()
	}

	wg.Wait()
	<-popDone

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, wins)
}
