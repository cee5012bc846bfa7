package scratch_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Lokad/ScratchSpace/contenthash"
	"github.com/Lokad/ScratchSpace/filesource"
	"github.com/Lokad/ScratchSpace/scratch"
)

func testConfig(t *testing.T) scratch.Config {
	t.Helper()

	return scratch.Config{
		Source: filesource.Config{
			Folders:        []string{t.TempDir()},
			FilesPerFolder: 3,
			FileSize:       4096 * 16,
		},
		HashFn: contenthash.Sum,
	}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	ctx := context.Background()

	sc, err := scratch.Open(ctx, testConfig(t))
	require.NoError(t, err)
	defer sc.Dispose()

	payload := []byte("Hello, world!")
	hash := contenthash.Sum(payload)

	require.NoError(t, sc.Write(1337, hash, int32(len(payload)), func(buf []byte) {
		copy(buf, payload)
	}))

	got, err := scratch.Read(sc, 1337, hash, func(buf []byte) ([]byte, error) {
		out := make([]byte, len(buf))
		copy(out, buf)
		return out, nil
	})
	require.NoError(t, err)
	require.Equal(t, payload, got)

	require.True(t, sc.Contains(1337, hash))
	require.EqualValues(t, 1, sc.Count())
}

func TestReadMissingBlockFails(t *testing.T) {
	ctx := context.Background()

	sc, err := scratch.Open(ctx, testConfig(t))
	require.NoError(t, err)
	defer sc.Dispose()

	hash := contenthash.Sum([]byte("never written"))

	_, err = scratch.Read(sc, 1, hash, func(buf []byte) (int, error) { return len(buf), nil })
	require.ErrorIs(t, err, scratch.ErrMissingBlock)
	require.False(t, sc.Contains(1, hash))
}

func TestRemoveDropsIndexEntryButNotBytes(t *testing.T) {
	ctx := context.Background()

	sc, err := scratch.Open(ctx, testConfig(t))
	require.NoError(t, err)
	defer sc.Dispose()

	payload := []byte("removable")
	hash := contenthash.Sum(payload)

	require.NoError(t, sc.Write(2, hash, int32(len(payload)), func(buf []byte) {
		copy(buf, payload)
	}))
	require.True(t, sc.Contains(2, hash))

	sc.Remove(2, hash)
	require.False(t, sc.Contains(2, hash))

	_, err = scratch.Read(sc, 2, hash, func(buf []byte) (int, error) { return 0, nil })
	require.ErrorIs(t, err, scratch.ErrMissingBlock)
}

func TestDifferentRealmsAreDistinctKeys(t *testing.T) {
	ctx := context.Background()

	sc, err := scratch.Open(ctx, testConfig(t))
	require.NoError(t, err)
	defer sc.Dispose()

	payload := []byte("shared payload")
	hash := contenthash.Sum(payload)

	require.NoError(t, sc.Write(1, hash, int32(len(payload)), func(buf []byte) { copy(buf, payload) }))

	require.True(t, sc.Contains(1, hash))
	require.False(t, sc.Contains(2, hash))
}

func TestReopenRecoversBlocksFromDisk(t *testing.T) {
	dir := t.TempDir()
	cfg := scratch.Config{
		Source: filesource.Config{
			Folders:        []string{dir},
			FilesPerFolder: 3,
			FileSize:       4096 * 16,
		},
		HashFn: contenthash.Sum,
	}

	ctx := context.Background()

	sc1, err := scratch.Open(ctx, cfg)
	require.NoError(t, err)

	payload := []byte("survives a restart")
	hash := contenthash.Sum(payload)

	require.NoError(t, sc1.Write(7, hash, int32(len(payload)), func(buf []byte) { copy(buf, payload) }))

	// Force the payload to materialize before the process "restarts":
	// a fresh Open only recovers bytes that already made it to disk.
	_, err = scratch.Read(sc1, 7, hash, func(buf []byte) (int, error) { return len(buf), nil })
	require.NoError(t, err)

	sc1.Dispose()

	sc2, err := scratch.Open(ctx, cfg)
	require.NoError(t, err)
	defer sc2.Dispose()

	require.True(t, sc2.Contains(7, hash))

	got, err := scratch.Read(sc2, 7, hash, func(buf []byte) ([]byte, error) {
		out := make([]byte, len(buf))
		copy(out, buf)
		return out, nil
	})
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestManifestSurvivesAcrossSourceHandles(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	sc, err := scratch.Open(ctx, cfg)
	require.NoError(t, err)
	defer sc.Dispose()

	src, err := filesource.Open(cfg.Source)
	require.NoError(t, err)

	ids, err := src.Manifest()
	require.NoError(t, err)
	require.NotNil(t, ids)
	require.Contains(t, ids, 0)
	require.Contains(t, ids, 1)
}

func TestWriteTooLargeRejected(t *testing.T) {
	ctx := context.Background()

	cfg := scratch.Config{
		Source: filesource.Config{
			Folders:        []string{t.TempDir()},
			FilesPerFolder: 3,
			FileSize:       4096,
		},
		HashFn: contenthash.Sum,
	}

	sc, err := scratch.Open(ctx, cfg)
	require.NoError(t, err)
	defer sc.Dispose()

	payload := make([]byte, 4096*4)
	hash := contenthash.Sum(payload)

	err = sc.Write(1, hash, int32(len(payload)), func(buf []byte) { copy(buf, payload) })
	require.ErrorIs(t, err, scratch.ErrWriteTooLarge)
}

func TestDisposePreventsFurtherUse(t *testing.T) {
	ctx := context.Background()

	sc, err := scratch.Open(ctx, testConfig(t))
	require.NoError(t, err)

	sc.Dispose()
	sc.Dispose() // idempotent

	hash := contenthash.Sum([]byte("x"))
	err = sc.Write(1, hash, 1, func(buf []byte) { buf[0] = 'x' })
	require.ErrorIs(t, err, scratch.ErrClosed)

	_, err = scratch.Read(sc, 1, hash, func(buf []byte) (int, error) { return 0, nil })
	require.ErrorIs(t, err, scratch.ErrClosed)
}

func TestContextCancellationStopsBackgroundThread(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	sc, err := scratch.Open(ctx, testConfig(t))
	require.NoError(t, err)
	defer sc.Dispose()

	cancel()

	payload := []byte("still works after cancellation")
	hash := contenthash.Sum(payload)
	require.NoError(t, sc.Write(1, hash, int32(len(payload)), func(buf []byte) { copy(buf, payload) }))

	got, err := scratch.Read(sc, 1, hash, func(buf []byte) ([]byte, error) {
		out := make([]byte, len(buf))
		copy(out, buf)
		return out, nil
	})
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFolderPathJoined(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	cfg := scratch.Config{
		Source: filesource.Config{
			Folders:        []string{dir},
			FilesPerFolder: 3,
			FileSize:       4096 * 4,
		},
		HashFn: contenthash.Sum,
	}

	ctx := context.Background()

	sc, err := scratch.Open(ctx, cfg)
	require.NoError(t, err)
	defer sc.Dispose()

	require.EqualValues(t, 0, sc.Count())
}
