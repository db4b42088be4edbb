// Package bank keeps fungible balances for the native asset and for token
// assets, with the transfer/approve/transferFrom surface escrows rely on.
package bank

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"dexcrow/core/events"
	"dexcrow/core/types"
	nativecommon "dexcrow/native/common"
)

// NativeAsset is the sentinel asset identifier of the ledger's native value.
var NativeAsset = common.Address{}

var (
	ErrInvalidAmount          = nativecommon.NewError(nativecommon.ErrValidation, "bank: amount must be positive")
	ErrInvalidRecipient       = nativecommon.NewError(nativecommon.ErrValidation, "bank: recipient must not be zero")
	ErrInvalidFee             = nativecommon.NewError(nativecommon.ErrValidation, "bank: transfer fee out of range")
	ErrInsufficientBalance    = nativecommon.NewError(nativecommon.ErrEconomic, "bank: insufficient balance")
	ErrInsufficientAllowance  = nativecommon.NewError(nativecommon.ErrEconomic, "bank: insufficient allowance")
	ErrRecipientRejected      = nativecommon.NewError(nativecommon.ErrEconomic, "bank: recipient rejected transfer")
	ErrNativeTransferFee      = nativecommon.NewError(nativecommon.ErrValidation, "bank: native asset cannot carry a transfer fee")
)

const (
	EventTypeTransfer = "bank.transfer"
	EventTypeApproval = "bank.approval"
	EventTypeMint     = "bank.mint"

	maxTransferFeeBps = 10_000
)

// State is the key/value surface the bank persists through.
type State interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// ReceiveHook runs after an account has been credited. It models recipient
// code; returning an error aborts the surrounding transfer.
type ReceiveHook func(asset, from common.Address, amount *big.Int) error

// Bank moves balances between accounts.
type Bank struct {
	state   State
	emitter events.Emitter
	hooks   map[common.Address]ReceiveHook
}

// New constructs a bank bound to the supplied state.
func New(state State) *Bank {
	return &Bank{state: state, emitter: events.NoopEmitter{}, hooks: make(map[common.Address]ReceiveHook)}
}

// SetEmitter configures the event emitter.
func (b *Bank) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		b.emitter = events.NoopEmitter{}
		return
	}
	b.emitter = emitter
}

// SetReceiveHook installs (or with nil removes) the hook run when addr is
// credited.
func (b *Bank) SetReceiveHook(addr common.Address, hook ReceiveHook) {
	if hook == nil {
		delete(b.hooks, addr)
		return
	}
	b.hooks[addr] = hook
}

func balanceKey(asset, addr common.Address) []byte {
	return []byte(fmt.Sprintf("bank/balance/%x/%x", asset, addr))
}

func allowanceKey(asset, owner, spender common.Address) []byte {
	return []byte(fmt.Sprintf("bank/allowance/%x/%x/%x", asset, owner, spender))
}

func feeKey(asset common.Address) []byte {
	return []byte(fmt.Sprintf("bank/fee/%x", asset))
}

func supplyKey(asset common.Address) []byte {
	return []byte(fmt.Sprintf("bank/supply/%x", asset))
}

func (b *Bank) loadAmount(key []byte) (*big.Int, error) {
	out := new(big.Int)
	if _, err := b.state.KVGet(key, out); err != nil {
		return nil, err
	}
	return out, nil
}

// BalanceOf returns the balance of addr in asset.
func (b *Bank) BalanceOf(asset, addr common.Address) (*big.Int, error) {
	return b.loadAmount(balanceKey(asset, addr))
}

// TotalSupply returns the amount of asset minted minus amounts burned by
// transfer fees.
func (b *Bank) TotalSupply(asset common.Address) (*big.Int, error) {
	return b.loadAmount(supplyKey(asset))
}

// Allowance returns how much spender may move out of owner's balance.
func (b *Bank) Allowance(asset, owner, spender common.Address) (*big.Int, error) {
	return b.loadAmount(allowanceKey(asset, owner, spender))
}

// TransferFeeBps returns the fee charged by the asset on every transfer.
func (b *Bank) TransferFeeBps(asset common.Address) (uint32, error) {
	var bps uint32
	if _, err := b.state.KVGet(feeKey(asset), &bps); err != nil {
		return 0, err
	}
	return bps, nil
}

// SetTransferFee configures a fee-on-transfer token. The fee is burned.
func (b *Bank) SetTransferFee(asset common.Address, bps uint32) error {
	if asset == NativeAsset {
		return ErrNativeTransferFee
	}
	if bps > maxTransferFeeBps {
		return ErrInvalidFee
	}
	return b.state.KVPut(feeKey(asset), bps)
}

// Mint credits amount of asset to addr and grows the supply.
func (b *Bank) Mint(asset, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return ErrInvalidRecipient
	}
	if err := b.adjust(balanceKey(asset, to), amount); err != nil {
		return err
	}
	if err := b.adjust(supplyKey(asset), amount); err != nil {
		return err
	}
	b.emitter.Emit(&types.Event{Type: EventTypeMint, Attributes: map[string]string{
		"asset":  asset.Hex(),
		"to":     to.Hex(),
		"amount": amount.String(),
	}})
	return nil
}

// Transfer moves amount of asset from one account to another. Assets with a
// transfer fee deliver amount minus the fee.
func (b *Bank) Transfer(asset, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return ErrInvalidRecipient
	}
	balance, err := b.BalanceOf(asset, from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return nativecommon.Wrapf(ErrInsufficientBalance, "have %s, need %s", balance, amount)
	}
	delivered := new(big.Int).Set(amount)
	if asset != NativeAsset {
		bps, err := b.TransferFeeBps(asset)
		if err != nil {
			return err
		}
		if bps > 0 {
			fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bps)))
			fee.Quo(fee, big.NewInt(maxTransferFeeBps))
			delivered.Sub(delivered, fee)
			if err := b.adjust(supplyKey(asset), new(big.Int).Neg(fee)); err != nil {
				return err
			}
		}
	}
	if err := b.adjust(balanceKey(asset, from), new(big.Int).Neg(amount)); err != nil {
		return err
	}
	if err := b.adjust(balanceKey(asset, to), delivered); err != nil {
		return err
	}
	b.emitter.Emit(&types.Event{Type: EventTypeTransfer, Attributes: map[string]string{
		"asset":     asset.Hex(),
		"from":      from.Hex(),
		"to":        to.Hex(),
		"amount":    amount.String(),
		"delivered": delivered.String(),
	}})
	if hook := b.hooks[to]; hook != nil {
		if err := hook(asset, from, delivered); err != nil {
			return fmt.Errorf("%w: %v", ErrRecipientRejected, err)
		}
	}
	return nil
}

// Approve sets the allowance of spender over owner's balance.
func (b *Bank) Approve(asset, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if spender == (common.Address{}) {
		return ErrInvalidRecipient
	}
	if err := b.state.KVPut(allowanceKey(asset, owner, spender), amount); err != nil {
		return err
	}
	b.emitter.Emit(&types.Event{Type: EventTypeApproval, Attributes: map[string]string{
		"asset":   asset.Hex(),
		"owner":   owner.Hex(),
		"spender": spender.Hex(),
		"amount":  amount.String(),
	}})
	return nil
}

// TransferFrom moves amount out of from's balance on behalf of spender,
// consuming allowance.
func (b *Bank) TransferFrom(asset, spender, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	allowance, err := b.Allowance(asset, from, spender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return nativecommon.Wrapf(ErrInsufficientAllowance, "allowance %s, need %s", allowance, amount)
	}
	if err := b.state.KVPut(allowanceKey(asset, from, spender), new(big.Int).Sub(allowance, amount)); err != nil {
		return err
	}
	return b.Transfer(asset, from, to, amount)
}

func (b *Bank) adjust(key []byte, delta *big.Int) error {
	current, err := b.loadAmount(key)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(current, delta)
	if next.Sign() < 0 {
		return ErrInsufficientBalance
	}
	return b.state.KVPut(key, next)
}
