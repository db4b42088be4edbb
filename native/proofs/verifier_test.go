package proofs

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"dexcrow/core/state"
	"dexcrow/crypto/merkle"
	"dexcrow/native/crosschain"
	nativecommon "dexcrow/native/common"
	"dexcrow/storage"
)

var (
	owner   = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	updater = common.HexToAddress("0x00000000000000000000000000000000000000f2")
)

func newVerifier(t *testing.T) *Verifier {
	t.Helper()
	v := NewVerifier(state.NewManager(storage.NewMemDB()))
	v.SetNowFunc(func() int64 { return 1_700_000_000 })
	require.NoError(t, v.Initialize(Config{Owner: owner}))
	require.NoError(t, v.SetUpdater(owner, updater, true))
	return v
}

func outbox(n int) []*crosschain.Message {
	out := make([]*crosschain.Message, n)
	for i := range out {
		out[i] = &crosschain.Message{
			SourceChainID: 1,
			TargetChainID: 137,
			Nonce:         uint64(i + 1),
			Payload: crosschain.Payload{
				Kind:     crosschain.KindSettle,
				EscrowID: common.BigToHash(big.NewInt(int64(i + 100))),
				Outcome:  crosschain.OutcomeCompleted,
			},
		}
	}
	return out
}

func tree(t *testing.T, msgs []*crosschain.Message) *merkle.Tree {
	t.Helper()
	leaves := make([]common.Hash, len(msgs))
	for i, m := range msgs {
		leaf, err := m.Leaf()
		require.NoError(t, err)
		leaves[i] = leaf
	}
	return merkle.New(leaves)
}

func TestUpdateMerkleRootMonotonic(t *testing.T) {
	v := newVerifier(t)
	root := common.HexToHash("0xaa")

	require.ErrorIs(t, v.UpdateMerkleRoot(owner, 1, root, 1), ErrUnauthorized)
	require.ErrorIs(t, v.UpdateMerkleRoot(updater, 1, common.Hash{}, 1), ErrInvalidRoot)
	require.NoError(t, v.UpdateMerkleRoot(updater, 1, root, 10))

	err := v.UpdateMerkleRoot(updater, 1, common.HexToHash("0xbb"), 10)
	require.ErrorIs(t, err, ErrStaleHeight)
	require.ErrorIs(t, err, nativecommon.ErrIntegrity)
	require.ErrorIs(t, v.UpdateMerkleRoot(updater, 1, common.HexToHash("0xbb"), 9), ErrStaleHeight)

	rec, err := v.Root(1)
	require.NoError(t, err)
	require.Equal(t, root, rec.Root)
	require.Equal(t, uint64(10), rec.Height)

	_, err = v.Root(2)
	require.ErrorIs(t, err, ErrNoRoot)
}

func TestVerifyCrossChainMessageUsesStoredRoot(t *testing.T) {
	v := newVerifier(t)
	msgs := outbox(3)
	first := tree(t, msgs[:2])
	proof, err := first.Proof(1)
	require.NoError(t, err)

	require.ErrorIs(t, v.VerifyCrossChainMessage(msgs[1], proof), ErrNoRoot)
	require.NoError(t, v.UpdateMerkleRoot(updater, 1, first.Root(), 1))
	require.NoError(t, v.VerifyCrossChainMessage(msgs[1], proof))

	leaf, err := msgs[1].Leaf()
	require.NoError(t, err)
	require.True(t, v.VerifyMerkleProof(leaf, proof, first.Root()))

	// a newer root supersedes the old one and the stale proof stops verifying
	second := tree(t, msgs)
	require.NoError(t, v.UpdateMerkleRoot(updater, 1, second.Root(), 2))
	require.ErrorIs(t, v.VerifyCrossChainMessage(msgs[1], proof), ErrProofMismatch)

	fresh, err := second.Proof(1)
	require.NoError(t, err)
	require.NoError(t, v.VerifyCrossChainMessage(msgs[1], fresh))

	tampered := *msgs[1]
	tampered.Nonce = 99
	require.ErrorIs(t, v.VerifyCrossChainMessage(&tampered, fresh), ErrProofMismatch)
}
