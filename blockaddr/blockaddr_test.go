package blockaddr_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Lokad/ScratchSpace/blockaddr"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	addr, err := blockaddr.Pack(13, 4096*5)
	require.NoError(t, err)
	require.False(t, addr.IsNone())
	require.Equal(t, uint32(13), addr.File())
	require.Equal(t, uint64(4096*5), addr.Offset())
}

func TestPackZeroOffset(t *testing.T) {
	addr, err := blockaddr.Pack(1, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(1), addr.File())
	require.Equal(t, uint64(0), addr.Offset())
}

func TestNoneIsZero(t *testing.T) {
	require.True(t, blockaddr.None.IsNone())
	require.True(t, blockaddr.Address(0).IsNone())
}

func TestPackRejectsFileOutOfRange(t *testing.T) {
	_, err := blockaddr.Pack(0, 0)
	require.Error(t, err)

	_, err = blockaddr.Pack(blockaddr.MaxFiles+1, 0)
	require.Error(t, err)
}

func TestPackRejectsUnalignedOffset(t *testing.T) {
	_, err := blockaddr.Pack(1, 100)
	require.Error(t, err)
}

func TestPackRejectsOverflow(t *testing.T) {
	_, err := blockaddr.Pack(blockaddr.MaxFiles, ^uint64(0)&^(blockaddr.Alignment-1))
	require.Error(t, err)
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, uint64(0), blockaddr.AlignUp(0))
	require.Equal(t, uint64(blockaddr.Alignment), blockaddr.AlignUp(1))
	require.Equal(t, uint64(blockaddr.Alignment), blockaddr.AlignUp(blockaddr.Alignment))
	require.Equal(t, uint64(2*blockaddr.Alignment), blockaddr.AlignUp(blockaddr.Alignment+1))
}

func TestMaxFileSizeApproximatelySixteenGiB(t *testing.T) {
	const gib = uint64(1) << 30
	require.InDelta(t, 16*float64(gib), float64(blockaddr.MaxFileSize), float64(gib))
}
