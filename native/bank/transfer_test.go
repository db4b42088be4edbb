package bank

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"dexcrow/core/state"
	nativecommon "dexcrow/native/common"
	"dexcrow/storage"
)

var (
	token = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func newBank(t *testing.T) *Bank {
	t.Helper()
	return New(state.NewManager(storage.NewMemDB()))
}

func balance(t *testing.T, b *Bank, asset, addr common.Address) int64 {
	t.Helper()
	bal, err := b.BalanceOf(asset, addr)
	require.NoError(t, err)
	return bal.Int64()
}

func TestTransferMovesBalance(t *testing.T) {
	b := newBank(t)
	require.NoError(t, b.Mint(NativeAsset, alice, big.NewInt(100)))
	require.NoError(t, b.Transfer(NativeAsset, alice, bob, big.NewInt(40)))
	require.Equal(t, int64(60), balance(t, b, NativeAsset, alice))
	require.Equal(t, int64(40), balance(t, b, NativeAsset, bob))

	err := b.Transfer(NativeAsset, alice, bob, big.NewInt(61))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.ErrorIs(t, err, nativecommon.ErrEconomic)
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	b := newBank(t)
	require.NoError(t, b.Mint(token, alice, big.NewInt(100)))
	require.NoError(t, b.Approve(token, alice, bob, big.NewInt(30)))

	require.ErrorIs(t, b.TransferFrom(token, bob, alice, bob, big.NewInt(31)), ErrInsufficientAllowance)
	require.NoError(t, b.TransferFrom(token, bob, alice, bob, big.NewInt(30)))

	left, err := b.Allowance(token, alice, bob)
	require.NoError(t, err)
	require.Zero(t, left.Sign())
	require.Equal(t, int64(30), balance(t, b, token, bob))
}

func TestFeeOnTransferDeliversLess(t *testing.T) {
	b := newBank(t)
	require.NoError(t, b.SetTransferFee(token, 100))
	require.ErrorIs(t, b.SetTransferFee(NativeAsset, 1), ErrNativeTransferFee)
	require.NoError(t, b.Mint(token, alice, big.NewInt(1000)))
	require.NoError(t, b.Transfer(token, alice, bob, big.NewInt(1000)))

	require.Equal(t, int64(990), balance(t, b, token, bob))
	supply, err := b.TotalSupply(token)
	require.NoError(t, err)
	require.Equal(t, int64(990), supply.Int64())
}

func TestReceiveHookCanReject(t *testing.T) {
	b := newBank(t)
	require.NoError(t, b.Mint(NativeAsset, alice, big.NewInt(10)))
	b.SetReceiveHook(bob, func(asset, from common.Address, amount *big.Int) error {
		return errors.New("no thanks")
	})
	require.ErrorIs(t, b.Transfer(NativeAsset, alice, bob, big.NewInt(5)), ErrRecipientRejected)

	b.SetReceiveHook(bob, nil)
	require.NoError(t, b.Transfer(NativeAsset, alice, bob, big.NewInt(5)))
}

func TestInvalidInputs(t *testing.T) {
	b := newBank(t)
	require.ErrorIs(t, b.Mint(NativeAsset, alice, big.NewInt(0)), ErrInvalidAmount)
	require.ErrorIs(t, b.Mint(NativeAsset, common.Address{}, big.NewInt(1)), ErrInvalidRecipient)
	require.ErrorIs(t, b.Transfer(NativeAsset, alice, common.Address{}, big.NewInt(1)), ErrInvalidRecipient)
}
