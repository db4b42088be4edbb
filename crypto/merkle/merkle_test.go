package merkle

import (
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func leaves(n int) []common.Hash {
	out := make([]common.Hash, n)
	for i := range out {
		out[i] = LeafHash([]byte(fmt.Sprintf("leaf-%d", i)))
	}
	return out
}

func TestProofsVerifyForEveryLeaf(t *testing.T) {
	for n := 1; n <= 9; n++ {
		ls := leaves(n)
		tree := New(ls)
		require.Equal(t, n, tree.Len())
		for i, leaf := range ls {
			proof, err := tree.Proof(i)
			require.NoError(t, err)
			require.True(t, Verify(leaf, proof, tree.Root()), "n=%d i=%d", n, i)
		}
	}
}

func TestSingleLeafRootIsLeaf(t *testing.T) {
	ls := leaves(1)
	tree := New(ls)
	require.Equal(t, ls[0], tree.Root())
	proof, err := tree.Proof(0)
	require.NoError(t, err)
	require.Empty(t, proof)
}

func TestTamperedProofFails(t *testing.T) {
	ls := leaves(5)
	tree := New(ls)
	proof, err := tree.Proof(2)
	require.NoError(t, err)
	require.NotEmpty(t, proof)

	bad := append([]common.Hash(nil), proof...)
	bad[len(bad)-1][0] ^= 0x01
	require.False(t, Verify(ls[2], bad, tree.Root()))
	require.False(t, Verify(ls[3], proof, tree.Root()))
	require.False(t, Verify(ls[2], proof, common.Hash{}))

	other := New(leaves(6))
	require.False(t, Verify(ls[2], proof, other.Root()))
}

func TestHashPairIsOrderIndependent(t *testing.T) {
	a, b := LeafHash([]byte("a")), LeafHash([]byte("b"))
	require.Equal(t, HashPair(a, b), HashPair(b, a))
	require.NotEqual(t, a, LeafHash(a.Bytes()))
}

func TestProofErrors(t *testing.T) {
	_, err := New(nil).Proof(0)
	require.ErrorIs(t, err, ErrEmptyTree)
	require.Equal(t, common.Hash{}, New(nil).Root())
	_, err = New(leaves(3)).Proof(3)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
}
