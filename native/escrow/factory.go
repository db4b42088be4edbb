package escrow

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"dexcrow/core/types"
	nativecommon "dexcrow/native/common"
)

// Dispute windows longer than this are rejected.
const MaxDisputeWindowHours = 30 * 24

var (
	ErrInvalidAddress       = nativecommon.NewError(nativecommon.ErrValidation, "escrow: address must not be zero")
	ErrSameParty            = nativecommon.NewError(nativecommon.ErrValidation, "escrow: buyer and seller must differ")
	ErrInvalidAmount        = nativecommon.NewError(nativecommon.ErrValidation, "escrow: amount must be positive")
	ErrInvalidDeadline      = nativecommon.NewError(nativecommon.ErrValidation, "escrow: deadline must be in the future")
	ErrInvalidDisputeWindow = nativecommon.NewError(nativecommon.ErrValidation, "escrow: dispute window out of range")
	ErrDescriptionTooLong   = nativecommon.NewError(nativecommon.ErrValidation, "escrow: description too long")
	ErrUnsupportedAsset     = nativecommon.NewError(nativecommon.ErrValidation, "escrow: asset not supported")
	ErrInvalidChain         = nativecommon.NewError(nativecommon.ErrValidation, "escrow: remote chain id required")
	ErrUnknownModule        = nativecommon.NewError(nativecommon.ErrValidation, "escrow: unknown pause module")
	ErrMirrorExists         = nativecommon.NewError(nativecommon.ErrReplay, "escrow: remote escrow already mirrored")
	ErrNothingToWithdraw    = nativecommon.NewError(nativecommon.ErrEconomic, "escrow: no fees to withdraw")
)

// Factory creates escrows, collects creation fees and owns the global
// parameters snapshotted onto every new escrow.
type Factory struct {
	engine *Engine
	guard  nativecommon.ReentrancyGuard
}

// NewFactory binds a factory to the engine whose escrows it creates.
func NewFactory(engine *Engine) *Factory {
	return &Factory{engine: engine}
}

// Vault is the account collecting creation fees.
func (f *Factory) Vault() common.Address {
	return nativecommon.ModuleAddress(nativecommon.ModuleFactory)
}

func (f *Factory) run(fn func() error) error {
	if f == nil || f.engine == nil || f.engine.state == nil {
		return errNilState
	}
	return f.guard.Execute(f.engine.state, fn)
}

// Initialize stores the genesis configuration and marks the native asset as
// supported. It is a no-op once a configuration exists.
func (f *Factory) Initialize(cfg Config) error {
	return f.run(func() error {
		if _, err := f.engine.loadConfig(); err == nil {
			return nil
		}
		if cfg.Owner == (common.Address{}) || cfg.FeeRecipient == (common.Address{}) {
			return ErrInvalidAddress
		}
		if !validFeeBps(cfg.PlatformFeeBps) || !validFeeBps(cfg.ArbiterFeeBps) {
			return ErrFeeOutOfRange
		}
		if cfg.DefaultDisputeWindowHours == 0 || cfg.DefaultDisputeWindowHours > MaxDisputeWindowHours {
			return ErrInvalidDisputeWindow
		}
		cfg.CreationFee = cloneBigInt(cfg.CreationFee)
		if err := f.engine.storeConfig(cfg); err != nil {
			return err
		}
		return f.engine.state.KVPut(assetKey(common.Address{}), true)
	})
}

// Config returns the current factory parameters.
func (f *Factory) Config() (Config, error) {
	return f.engine.loadConfig()
}

// IsSupportedAsset reports whether new escrows may use asset.
func (f *Factory) IsSupportedAsset(asset common.Address) bool {
	var ok bool
	found, err := f.engine.state.KVGet(assetKey(asset), &ok)
	return err == nil && found && ok
}

func (f *Factory) validate(p CreateParams, now uint64) (string, error) {
	if p.Buyer == (common.Address{}) || p.Seller == (common.Address{}) {
		return "", ErrInvalidAddress
	}
	if p.Buyer == p.Seller {
		return "", ErrSameParty
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return "", ErrInvalidAmount
	}
	if p.Amount.BitLen() > 256 {
		return "", ErrAmountTooLarge
	}
	if p.Deadline <= now {
		return "", nativecommon.Wrapf(ErrInvalidDeadline, "deadline %d, now %d", p.Deadline, now)
	}
	if p.DisputeWindowHours == 0 || p.DisputeWindowHours > MaxDisputeWindowHours {
		return "", ErrInvalidDisputeWindow
	}
	desc := strings.TrimSpace(p.Description)
	if len(desc) > maxDescriptionLength {
		return "", ErrDescriptionTooLong
	}
	if !f.IsSupportedAsset(p.Asset) {
		return "", ErrUnsupportedAsset
	}
	return desc, nil
}

// RequiredValue is the native value CreateEscrow expects for p.
func (f *Factory) RequiredValue(p CreateParams) (*big.Int, error) {
	cfg, err := f.engine.loadConfig()
	if err != nil {
		return nil, err
	}
	required := cloneBigInt(cfg.CreationFee)
	if p.FundNow && p.Asset == (common.Address{}) && p.Amount != nil {
		required.Add(required, p.Amount)
	}
	return required, nil
}

// CreateEscrow validates the terms, charges the creation fee and registers a
// new escrow. With FundNow set the caller deposits the amount in the same
// call and the escrow starts awaiting fulfillment.
func (f *Factory) CreateEscrow(caller common.Address, value *big.Int, p CreateParams) (*Escrow, error) {
	var out *Escrow
	err := f.run(func() error {
		if err := nativecommon.Guard(f.engine.pauses, nativecommon.ModuleFactory); err != nil {
			return err
		}
		cfg, err := f.engine.loadConfig()
		if err != nil {
			return err
		}
		now := f.engine.now()
		desc, err := f.validate(p, now)
		if err != nil {
			return err
		}
		required, err := f.RequiredValue(p)
		if err != nil {
			return err
		}
		attached := cloneBigInt(value)
		if attached.Cmp(required) != 0 {
			return nativecommon.Wrapf(ErrValueMismatch, "attached %s, required %s", attached, required)
		}
		if cfg.CreationFee.Sign() > 0 {
			if err := f.engine.bank.Transfer(common.Address{}, caller, f.Vault(), cfg.CreationFee); err != nil {
				return err
			}
		}
		esc, err := f.register(caller, cfg, now, p.Buyer, p.Seller, p.Asset, p.Amount, p.Deadline, p.DisputeWindowHours, desc, false)
		if err != nil {
			return err
		}
		if p.FundNow {
			var native *big.Int
			if p.Asset == (common.Address{}) {
				native = p.Amount
			}
			if err := f.engine.pullExact(p.Asset, caller, p.Amount, native); err != nil {
				return err
			}
			esc.State = StateAwaitingFulfillment
			esc.Depositor = caller
			esc.Locked = cloneBigInt(p.Amount)
			esc.FundedAt = now
			if err := f.engine.storeEscrow(esc); err != nil {
				return err
			}
			f.engine.emit(NewFundedEvent(esc, StateAwaitingDeposit))
		}
		out = esc
		return nil
	})
	return out, err
}

// register assigns the next sequence number, snapshots fees and indexes the
// escrow globally and per party.
func (f *Factory) register(creator common.Address, cfg Config, now uint64, buyer, seller, asset common.Address, amount *big.Int, deadline, window uint64, desc string, mirror bool) (*Escrow, error) {
	seq, err := f.engine.count()
	if err != nil {
		return nil, err
	}
	id, err := deriveID(seq, creator, buyer, seller)
	if err != nil {
		return nil, err
	}
	esc := &Escrow{
		ID:                 id,
		Sequence:           seq,
		Creator:            creator,
		Buyer:              buyer,
		Seller:             seller,
		Asset:              asset,
		Amount:             cloneBigInt(amount),
		Locked:             big.NewInt(0),
		CreatedAt:          now,
		Deadline:           deadline,
		DisputeWindowHours: window,
		Description:        desc,
		State:              StateAwaitingDeposit,
		Fees: FeeSnapshot{
			PlatformFeeBps: cfg.PlatformFeeBps,
			ArbiterFeeBps:  cfg.ArbiterFeeBps,
			FeeRecipient:   cfg.FeeRecipient,
		},
	}
	if err := f.engine.storeEscrow(esc); err != nil {
		return nil, err
	}
	if err := f.engine.state.KVPut(countKey, seq+1); err != nil {
		return nil, err
	}
	if err := f.engine.state.KVPut(sequenceKey(seq), id); err != nil {
		return nil, err
	}
	for _, party := range []common.Address{buyer, seller} {
		if err := f.engine.state.KVAppend(partyKey(party), id.Bytes()); err != nil {
			return nil, err
		}
	}
	if creator != buyer && creator != seller {
		if err := f.engine.state.KVAppend(partyKey(creator), id.Bytes()); err != nil {
			return nil, err
		}
	}
	if err := f.engine.updateStats(func(s *Stats) {
		s.Total++
		s.Active++
		if mirror {
			s.Mirrors++
		}
	}); err != nil {
		return nil, err
	}
	// mirror volume is already counted on the origin chain
	if !mirror {
		if err := f.engine.addVolume(asset, amount); err != nil {
			return nil, err
		}
	}
	f.engine.emit(NewCreatedEvent(esc))
	return esc, nil
}

// CreateOrigin creates a funded escrow whose outcome will be decided on
// targetChainID. Only the configured cross-chain module may call it; the
// module pays the creation fee and the deposit on behalf of the creator.
func (f *Factory) CreateOrigin(caller, creator common.Address, value *big.Int, p CreateParams, targetChainID uint64) (*Escrow, error) {
	var out *Escrow
	err := f.run(func() error {
		if err := nativecommon.Guard(f.engine.pauses, nativecommon.ModuleFactory); err != nil {
			return err
		}
		cfg, err := f.engine.loadConfig()
		if err != nil {
			return err
		}
		if cfg.CrossChainModule == (common.Address{}) || caller != cfg.CrossChainModule {
			return ErrUnauthorized
		}
		if targetChainID == 0 {
			return ErrInvalidChain
		}
		now := f.engine.now()
		desc, err := f.validate(p, now)
		if err != nil {
			return err
		}
		p.FundNow = true
		required, err := f.RequiredValue(p)
		if err != nil {
			return err
		}
		if attached := cloneBigInt(value); attached.Cmp(required) != 0 {
			return nativecommon.Wrapf(ErrValueMismatch, "attached %s, required %s", attached, required)
		}
		if cfg.CreationFee.Sign() > 0 {
			if err := f.engine.bank.Transfer(common.Address{}, caller, f.Vault(), cfg.CreationFee); err != nil {
				return err
			}
		}
		esc, err := f.register(creator, cfg, now, p.Buyer, p.Seller, p.Asset, p.Amount, p.Deadline, p.DisputeWindowHours, desc, false)
		if err != nil {
			return err
		}
		var native *big.Int
		if p.Asset == (common.Address{}) {
			native = p.Amount
		}
		if err := f.engine.pullExact(p.Asset, caller, p.Amount, native); err != nil {
			return err
		}
		esc.State = StateAwaitingFulfillment
		esc.Depositor = creator
		esc.Locked = cloneBigInt(p.Amount)
		esc.FundedAt = now
		esc.Remote.TargetChainID = targetChainID
		if err := f.engine.storeEscrow(esc); err != nil {
			return err
		}
		f.engine.emit(NewFundedEvent(esc, StateAwaitingDeposit))
		out = esc
		return nil
	})
	return out, err
}

// BindOriginNonce records the outbound message nonce on an origin escrow.
func (f *Factory) BindOriginNonce(caller common.Address, id common.Hash, nonce uint64) error {
	return f.run(func() error {
		cfg, err := f.engine.loadConfig()
		if err != nil {
			return err
		}
		if cfg.CrossChainModule == (common.Address{}) || caller != cfg.CrossChainModule {
			return ErrUnauthorized
		}
		esc, err := f.engine.loadEscrow(id)
		if err != nil {
			return err
		}
		esc.Remote.MessageNonce = nonce
		return f.engine.storeEscrow(esc)
	})
}

// CreateMirror materializes the local counterpart of an escrow funded on
// another chain. Each remote escrow is mirrored at most once. Mirrors hold no
// funds, pay no creation fee and start awaiting fulfillment.
func (f *Factory) CreateMirror(caller common.Address, p MirrorParams) (*Escrow, error) {
	var out *Escrow
	err := f.run(func() error {
		if err := nativecommon.Guard(f.engine.pauses, nativecommon.ModuleFactory); err != nil {
			return err
		}
		cfg, err := f.engine.loadConfig()
		if err != nil {
			return err
		}
		if cfg.CrossChainModule == (common.Address{}) || caller != cfg.CrossChainModule {
			return ErrUnauthorized
		}
		if p.SourceChainID == 0 {
			return ErrInvalidChain
		}
		if ok, err := f.engine.state.KVGet(mirrorKey(p.SourceChainID, p.OriginID), nil); err != nil {
			return err
		} else if ok {
			return ErrMirrorExists
		}
		if p.Buyer == (common.Address{}) || p.Seller == (common.Address{}) {
			return ErrInvalidAddress
		}
		if p.Buyer == p.Seller {
			return ErrSameParty
		}
		if p.Amount == nil || p.Amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		if p.DisputeWindowHours == 0 || p.DisputeWindowHours > MaxDisputeWindowHours {
			return ErrInvalidDisputeWindow
		}
		desc := strings.TrimSpace(p.Description)
		if len(desc) > maxDescriptionLength {
			return ErrDescriptionTooLong
		}
		now := f.engine.now()
		esc, err := f.register(caller, cfg, now, p.Buyer, p.Seller, p.Asset, p.Amount, p.Deadline, p.DisputeWindowHours, desc, true)
		if err != nil {
			return err
		}
		esc.State = StateAwaitingFulfillment
		esc.FundedAt = now
		esc.Remote = Remote{
			SourceChainID: p.SourceChainID,
			CounterpartID: p.OriginID,
			MessageNonce:  p.Nonce,
		}
		if err := f.engine.storeEscrow(esc); err != nil {
			return err
		}
		if err := f.engine.state.KVPut(mirrorKey(p.SourceChainID, p.OriginID), esc.ID); err != nil {
			return err
		}
		f.engine.emit(newTransitionEvent(EventTypeEscrowMirrored, esc, StateAwaitingDeposit, map[string]string{
			"nonce": strconv.FormatUint(p.Nonce, 10),
		}))
		out = esc
		return nil
	})
	return out, err
}

// MirrorOf returns the local mirror of a remote escrow.
func (f *Factory) MirrorOf(sourceChainID uint64, originID common.Hash) (*Escrow, error) {
	var id common.Hash
	ok, err := f.engine.state.KVGet(mirrorKey(sourceChainID, originID), &id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return f.engine.loadEscrow(id)
}

func (f *Factory) admin(caller common.Address, fn func(cfg *Config) error) error {
	return f.run(func() error {
		cfg, err := f.engine.loadConfig()
		if err != nil {
			return err
		}
		if caller != cfg.Owner {
			return ErrUnauthorized
		}
		if err := fn(&cfg); err != nil {
			return err
		}
		return f.engine.storeConfig(cfg)
	})
}

// SetCreationFee updates the flat native fee charged per escrow.
func (f *Factory) SetCreationFee(caller common.Address, fee *big.Int) error {
	return f.admin(caller, func(cfg *Config) error {
		if fee == nil || fee.Sign() < 0 {
			return ErrInvalidAmount
		}
		cfg.CreationFee = new(big.Int).Set(fee)
		f.engine.emit(newParamsEvent("creationFee", fee.String()))
		return nil
	})
}

// SetFees updates the platform and arbiter fee rates for future escrows.
func (f *Factory) SetFees(caller common.Address, platformBps, arbiterBps uint32) error {
	return f.admin(caller, func(cfg *Config) error {
		if !validFeeBps(platformBps) || !validFeeBps(arbiterBps) {
			return nativecommon.Wrapf(ErrFeeOutOfRange, "max %d bps", MaxFeeBps)
		}
		cfg.PlatformFeeBps = platformBps
		cfg.ArbiterFeeBps = arbiterBps
		f.engine.emit(newParamsEvent("fees", strconv.FormatUint(uint64(platformBps), 10)+"/"+strconv.FormatUint(uint64(arbiterBps), 10)))
		return nil
	})
}

// SetDefaultDisputeWindow updates the window suggested to clients that omit one.
func (f *Factory) SetDefaultDisputeWindow(caller common.Address, hours uint64) error {
	return f.admin(caller, func(cfg *Config) error {
		if hours == 0 || hours > MaxDisputeWindowHours {
			return ErrInvalidDisputeWindow
		}
		cfg.DefaultDisputeWindowHours = hours
		f.engine.emit(newParamsEvent("defaultDisputeWindowHours", strconv.FormatUint(hours, 10)))
		return nil
	})
}

// SetFeeRecipient updates the account receiving platform fees of future escrows.
func (f *Factory) SetFeeRecipient(caller, recipient common.Address) error {
	return f.admin(caller, func(cfg *Config) error {
		if recipient == (common.Address{}) {
			return ErrInvalidAddress
		}
		cfg.FeeRecipient = recipient
		f.engine.emit(newParamsEvent("feeRecipient", recipient.Hex()))
		return nil
	})
}

// SetCrossChainModule designates the account allowed to create and settle
// cross-chain escrows.
func (f *Factory) SetCrossChainModule(caller, module common.Address) error {
	return f.admin(caller, func(cfg *Config) error {
		cfg.CrossChainModule = module
		f.engine.emit(newParamsEvent("crossChainModule", module.Hex()))
		return nil
	})
}

// TransferOwnership hands the factory to a new owner.
func (f *Factory) TransferOwnership(caller, owner common.Address) error {
	return f.admin(caller, func(cfg *Config) error {
		if owner == (common.Address{}) {
			return ErrInvalidAddress
		}
		cfg.Owner = owner
		f.engine.emit(newParamsEvent("owner", owner.Hex()))
		return nil
	})
}

// SetSupportedAsset allows or disallows an asset for future escrows.
func (f *Factory) SetSupportedAsset(caller, asset common.Address, supported bool) error {
	return f.admin(caller, func(cfg *Config) error {
		f.engine.emit(newParamsEvent("asset:"+asset.Hex(), strconv.FormatBool(supported)))
		return f.engine.state.KVPut(assetKey(asset), supported)
	})
}

// SetPaused flips the pause switch of the escrow or factory module.
func (f *Factory) SetPaused(caller common.Address, module string, paused bool) error {
	return f.admin(caller, func(cfg *Config) error {
		if module != nativecommon.ModuleEscrow && module != nativecommon.ModuleFactory {
			return ErrUnknownModule
		}
		if f.engine.pauses == nil {
			return errNilState
		}
		f.engine.emit(newParamsEvent("paused:"+module, strconv.FormatBool(paused)))
		return f.engine.pauses.SetPaused(module, paused)
	})
}

// WithdrawFees moves the accumulated creation fees to recipient. It stays
// available while the factory is paused.
func (f *Factory) WithdrawFees(caller, recipient common.Address) (*big.Int, error) {
	var amount *big.Int
	err := f.admin(caller, func(cfg *Config) error {
		if recipient == (common.Address{}) {
			return ErrInvalidAddress
		}
		balance, err := f.engine.bank.BalanceOf(common.Address{}, f.Vault())
		if err != nil {
			return err
		}
		if balance.Sign() == 0 {
			return ErrNothingToWithdraw
		}
		amount = balance
		f.engine.emit(&types.Event{Type: EventTypeFactoryFeesWithdrawn, Attributes: map[string]string{
			"recipient": recipient.Hex(),
			"amount":    balance.String(),
		}})
		return f.engine.bank.Transfer(common.Address{}, f.Vault(), recipient, balance)
	})
	if err != nil {
		return nil, err
	}
	return amount, nil
}

// Escrow returns a snapshot of the escrow.
func (f *Factory) Escrow(id common.Hash) (*Escrow, error) {
	return f.engine.loadEscrow(id)
}

// EscrowAt returns the escrow created with sequence number seq.
func (f *Factory) EscrowAt(seq uint64) (*Escrow, error) {
	var id common.Hash
	ok, err := f.engine.state.KVGet(sequenceKey(seq), &id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return f.engine.loadEscrow(id)
}

// Count returns the number of escrows ever created.
func (f *Factory) Count() (uint64, error) {
	return f.engine.count()
}

// ListByParty returns the escrows where addr is buyer, seller or creator, in
// creation order.
func (f *Factory) ListByParty(addr common.Address) ([]*Escrow, error) {
	var ids [][]byte
	if err := f.engine.state.KVGetList(partyKey(addr), &ids); err != nil {
		return nil, err
	}
	out := make([]*Escrow, 0, len(ids))
	for _, raw := range ids {
		esc, err := f.engine.loadEscrow(common.BytesToHash(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, esc)
	}
	return out, nil
}

// Stats returns the lifecycle counters.
func (f *Factory) Stats() (Stats, error) {
	return f.engine.loadStats()
}

// Volume returns the total amount ever escrowed in asset.
func (f *Factory) Volume(asset common.Address) (*big.Int, error) {
	out := new(big.Int)
	if _, err := f.engine.state.KVGet(volumeKey(asset), out); err != nil {
		return nil, err
	}
	return out, nil
}
