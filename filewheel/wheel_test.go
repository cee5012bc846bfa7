package filewheel

import (
	"hash/fnv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Lokad/ScratchSpace/blockaddr"
	"github.com/Lokad/ScratchSpace/blockfile"
	"github.com/Lokad/ScratchSpace/blockheader"
	"github.com/Lokad/ScratchSpace/filesource"
)

func testHash(payload []byte) blockheader.Hash {
	h1 := fnv.New64a()
	h1.Write(payload)

	h2 := fnv.New64a()
	h2.Write(payload)
	h2.Write([]byte{0xFF})

	return blockheader.Hash{Left: h1.Sum64(), Right: h2.Sum64()}
}

func openTestWheel(t *testing.T, files int, fileSize int64, onDeletion OnDeletion) *Wheel {
	t.Helper()

	cfg := filesource.Config{Folders: []string{t.TempDir()}, FilesPerFolder: files, FileSize: fileSize}

	src, err := filesource.Open(cfg)
	require.NoError(t, err)

	if onDeletion == nil {
		onDeletion = func(uint32, blockheader.Hash, blockaddr.Address) {}
	}

	w, err := Open(Config{Source: src, OnDeletion: onDeletion, HashFn: testHash})
	require.NoError(t, err)

	return w
}

func TestScheduleWriteThenReadRoundTrips(t *testing.T) {
	w := openTestWheel(t, 3, 3*4096, nil)

	payload := []byte("Hello, world!")

	addr, err := w.ScheduleWrite(1337, testHash(payload), int32(len(payload)), func(dst []byte) {
		copy(dst, payload)
	})
	require.NoError(t, err)
	require.False(t, addr.IsNone())

	var got []byte

	ok, err := w.TryWithBlockAtAddress(addr, 1337, testHash(payload), func(b []byte) {
		got = append([]byte(nil), b...)
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, payload, got)
}

func TestTryWithBlockAtAddressMissOnNone(t *testing.T) {
	w := openTestWheel(t, 3, 3*4096, nil)

	ok, err := w.TryWithBlockAtAddress(blockaddr.None, 1, blockheader.Hash{}, func(b []byte) {})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEnumerateRecoveredEmptyOnFreshWheel(t *testing.T) {
	w := openTestWheel(t, 3, 3*4096, nil)

	var refs []blockfile.BlockRef
	for ref := range w.EnumerateRecovered() {
		refs = append(refs, ref)
	}

	require.Empty(t, refs)
}

func TestReplaceFileInvokesOnDeletionForPriorBlocks(t *testing.T) {
	payload := []byte("abc")

	seen := make(chan struct{}, 1)

	w := openTestWheel(t, 3, 3*4096, func(realm uint32, h blockheader.Hash, _ blockaddr.Address) {
		if realm == 42 && h == testHash(payload) {
			select {
			case seen <- struct{}{}:
			default:
			}
		}
	})

	addr, err := w.ScheduleWrite(42, testHash(payload), int32(len(payload)), func(dst []byte) {
		copy(dst, payload)
	})
	require.NoError(t, err)
	require.False(t, addr.IsNone())

	pos := int(addr.File()) - 1

	require.NoError(t, w.replaceFile(pos))

	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("onDeletion was not invoked for the block in the recycled file")
	}

	// The address is no longer readable from this slot.
	ok, err := w.TryWithBlockAtAddress(addr, 42, testHash(payload), func(b []byte) {})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBackgroundLoopRecyclesOnExhaustion(t *testing.T) {
	// A tiny ring with tiny files forces a recycle quickly: each file
	// holds exactly one 4096-byte block.
	var mu sync.Mutex
	deletedCount := 0

	w := openTestWheel(t, 3, 4096, func(uint32, blockheader.Hash, blockaddr.Address) {
		mu.Lock()
		deletedCount++
		mu.Unlock()
	})

	cancel := make(chan struct{})
	w.Start(cancel)
	defer func() {
		close(cancel)
		<-w.Stopped()
	}()

	payload := []byte("x")

	for i := 0; i < 5; i++ {
		addr, err := w.ScheduleWrite(1, testHash(payload), int32(len(payload)), func(dst []byte) {
			copy(dst, payload)
		})
		require.NoError(t, err)
		require.False(t, addr.IsNone())

		time.Sleep(10 * time.Millisecond)
	}
}
