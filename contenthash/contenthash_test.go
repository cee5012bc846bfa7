package contenthash_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Lokad/ScratchSpace/contenthash"
)

func TestSumIsDeterministic(t *testing.T) {
	payload := []byte("Hello, world!")

	a := contenthash.Sum(payload)
	b := contenthash.Sum(payload)

	require.Equal(t, a, b)
}

func TestSumHalvesDiffer(t *testing.T) {
	h := contenthash.Sum([]byte("Hello, world!"))
	require.NotEqual(t, h.Left, h.Right)
}

func TestSumDistinguishesPayloads(t *testing.T) {
	a := contenthash.Sum([]byte("Hello, world!"))
	b := contenthash.Sum([]byte("Hello, world?"))
	require.NotEqual(t, a, b)
}
