// Package xescrow extends escrows across ledgers. The origin ledger locks the
// funds and announces the escrow through the messenger; the target ledger
// mirrors it once and reports the outcome back.
package xescrow

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"dexcrow/core/events"
	"dexcrow/core/types"
	"dexcrow/native/crosschain"
	nativecommon "dexcrow/native/common"
	"dexcrow/native/escrow"
	"dexcrow/native/messenger"
	"dexcrow/native/proofs"
	"dexcrow/native/tokens"
)

const (
	moduleName = "xescrow"

	EventTypeCrossChainCreated = "xescrow.created"
	EventTypeMessageProcessed  = "xescrow.processed"
	EventTypeOutcomeSent       = "xescrow.outcome_sent"
)

var (
	errNilState = errors.New("xescrow: state not configured")

	ErrUnsupportedChain    = nativecommon.NewError(nativecommon.ErrValidation, "xescrow: target chain not supported")
	ErrValueMismatch       = nativecommon.NewError(nativecommon.ErrEconomic, "xescrow: attached value does not match the quote")
	ErrCounterpartMismatch = nativecommon.NewError(nativecommon.ErrIntegrity, "xescrow: settle message does not match the origin escrow")
	ErrUntrustedSender     = nativecommon.NewError(nativecommon.ErrIntegrity, "xescrow: message was not sent by a coordinator")
	ErrNotMirror           = nativecommon.NewError(nativecommon.ErrValidation, "xescrow: escrow is not a mirror")
	ErrInvalidCall         = nativecommon.NewError(nativecommon.ErrValidation, "xescrow: invalid bridged call")
)

// Bank moves value on behalf of the coordinator.
type Bank interface {
	Transfer(asset, from, to common.Address, amount *big.Int) error
	TransferFrom(asset, spender, from, to common.Address, amount *big.Int) error
	Approve(asset, owner, spender common.Address, amount *big.Int) error
}

// CreateParams are the terms of an escrow that settles on another chain.
type CreateParams struct {
	Buyer              common.Address
	Seller             common.Address
	TokenID            common.Hash
	Amount             *big.Int
	Deadline           uint64
	DisputeWindowHours uint64
	Description        string
	TargetChainID      uint64
}

// CostBreakdown itemises what CreateCrossChainEscrow charges. Total is the
// native value that must be attached; Bridge is informational.
type CostBreakdown struct {
	CreationFee *big.Int
	Deposit     *big.Int
	MessageFee  *big.Int
	Total       *big.Int
	Bridge      Quote
}

// Coordinator wires the factory, messenger, token registry and proof verifier
// into the cross-chain escrow flow.
type Coordinator struct {
	state     nativecommon.Journal
	bank      Bank
	factory   *escrow.Factory
	engine    *escrow.Engine
	messenger *messenger.Messenger
	tokens    *tokens.Registry
	proofs    *proofs.Verifier
	bridge    Bridge
	emitter   events.Emitter
	guard     nativecommon.ReentrancyGuard
}

// New constructs a coordinator. Its Address must be configured as the
// factory's cross-chain module and authorized on the messenger.
func New(state nativecommon.Journal, bank Bank, factory *escrow.Factory, engine *escrow.Engine, msgr *messenger.Messenger, registry *tokens.Registry, verifier *proofs.Verifier) *Coordinator {
	return &Coordinator{
		state:     state,
		bank:      bank,
		factory:   factory,
		engine:    engine,
		messenger: msgr,
		tokens:    registry,
		proofs:    verifier,
		bridge:    NoopBridge{},
		emitter:   events.NoopEmitter{},
	}
}

func (c *Coordinator) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		c.emitter = events.NoopEmitter{}
		return
	}
	c.emitter = emitter
}

// SetBridge installs the external bridge client. Nil restores NoopBridge.
func (c *Coordinator) SetBridge(bridge Bridge) {
	if bridge == nil {
		c.bridge = NoopBridge{}
		return
	}
	c.bridge = bridge
}

// Address is the account the coordinator acts from.
func (c *Coordinator) Address() common.Address {
	return nativecommon.ModuleAddress(moduleName)
}

func (c *Coordinator) run(fn func() error) error {
	if c == nil || c.state == nil {
		return errNilState
	}
	return c.guard.Execute(c.state, fn)
}

func (c *Coordinator) localChainID() (uint64, error) {
	cfg, err := c.messenger.Config()
	if err != nil {
		return 0, err
	}
	return cfg.LocalChainID, nil
}

// resolve checks the route and returns the local asset and escrow terms.
func (c *Coordinator) resolve(p CreateParams) (escrow.CreateParams, uint64, error) {
	local, err := c.localChainID()
	if err != nil {
		return escrow.CreateParams{}, 0, err
	}
	if p.TargetChainID == 0 || p.TargetChainID == local || !c.tokens.IsChainSupported(p.TargetChainID) {
		return escrow.CreateParams{}, 0, nativecommon.Wrapf(ErrUnsupportedChain, "chain %d", p.TargetChainID)
	}
	asset, err := c.tokens.LocalAsset(p.TokenID, local)
	if err != nil {
		return escrow.CreateParams{}, 0, err
	}
	if _, err := c.tokens.GetTokenAddress(p.TokenID, p.TargetChainID); err != nil {
		return escrow.CreateParams{}, 0, err
	}
	return escrow.CreateParams{
		Buyer:              p.Buyer,
		Seller:             p.Seller,
		Asset:              asset,
		Amount:             p.Amount,
		Deadline:           p.Deadline,
		Description:        p.Description,
		DisputeWindowHours: p.DisputeWindowHours,
		FundNow:            true,
	}, local, nil
}

func createPayload(id common.Hash, p CreateParams) crosschain.Payload {
	return crosschain.Payload{
		Kind:               crosschain.KindCreate,
		EscrowID:           id,
		Buyer:              p.Buyer,
		Seller:             p.Seller,
		TokenID:            p.TokenID,
		Amount:             new(big.Int).Set(p.Amount),
		Deadline:           p.Deadline,
		DisputeWindowHours: p.DisputeWindowHours,
		Description:        strings.TrimSpace(p.Description),
	}
}

func (c *Coordinator) costs(p CreateParams) (escrow.CreateParams, CostBreakdown, error) {
	params, _, err := c.resolve(p)
	if err != nil {
		return escrow.CreateParams{}, CostBreakdown{}, err
	}
	escrowValue, err := c.factory.RequiredValue(params)
	if err != nil {
		return escrow.CreateParams{}, CostBreakdown{}, err
	}
	cfg, err := c.factory.Config()
	if err != nil {
		return escrow.CreateParams{}, CostBreakdown{}, err
	}
	// the escrow id has a fixed width, so a zero id prices the same message
	msgFee, err := c.messenger.QuotePayload(c.Address(), p.TargetChainID, createPayload(common.Hash{}, p))
	if err != nil {
		return escrow.CreateParams{}, CostBreakdown{}, err
	}
	out := CostBreakdown{
		CreationFee: new(big.Int).Set(cfg.CreationFee),
		Deposit:     new(big.Int).Sub(escrowValue, cfg.CreationFee),
		MessageFee:  msgFee,
		Total:       new(big.Int).Add(escrowValue, msgFee),
	}
	return params, out, nil
}

// Quote prices a cross-chain escrow: the on-ledger native charges plus the
// bridge's own estimate for moving the tokens.
func (c *Coordinator) Quote(ctx context.Context, p CreateParams) (CostBreakdown, error) {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return CostBreakdown{}, escrow.ErrInvalidAmount
	}
	_, out, err := c.costs(p)
	if err != nil {
		return CostBreakdown{}, err
	}
	local, err := c.localChainID()
	if err != nil {
		return CostBreakdown{}, err
	}
	bridgeQuote, err := c.bridge.EstimateCost(ctx, Route{
		SourceChainID: local,
		TargetChainID: p.TargetChainID,
		TokenID:       p.TokenID,
		Amount:        new(big.Int).Set(p.Amount),
	})
	if err != nil {
		return CostBreakdown{}, err
	}
	if bridgeQuote.Fee == nil {
		bridgeQuote.Fee = big.NewInt(0)
	}
	out.Bridge = bridgeQuote
	return out, nil
}

// CreateCrossChainEscrow locks the funds in a local origin escrow and sends
// the create message to the target chain. value must equal the Total of the
// quote; token deposits are pulled through the caller's allowance to Address.
func (c *Coordinator) CreateCrossChainEscrow(caller common.Address, value *big.Int, p CreateParams) (*escrow.Escrow, *crosschain.Message, error) {
	var (
		outEscrow *escrow.Escrow
		outMsg    *crosschain.Message
	)
	err := c.run(func() error {
		if p.Amount == nil || p.Amount.Sign() <= 0 {
			return escrow.ErrInvalidAmount
		}
		params, cost, err := c.costs(p)
		if err != nil {
			return err
		}
		attached := new(big.Int)
		if value != nil {
			attached.Set(value)
		}
		if attached.Cmp(cost.Total) != 0 {
			return nativecommon.Wrapf(ErrValueMismatch, "attached %s, required %s", attached, cost.Total)
		}
		module := c.Address()
		if cost.Total.Sign() > 0 {
			if err := c.bank.Transfer(common.Address{}, caller, module, cost.Total); err != nil {
				return err
			}
		}
		if params.Asset != (common.Address{}) {
			if err := c.bank.TransferFrom(params.Asset, module, caller, module, params.Amount); err != nil {
				return err
			}
			if err := c.bank.Approve(params.Asset, module, c.engine.Vault(), params.Amount); err != nil {
				return err
			}
		}
		escrowValue := new(big.Int).Sub(cost.Total, cost.MessageFee)
		esc, err := c.factory.CreateOrigin(module, caller, escrowValue, params, p.TargetChainID)
		if err != nil {
			return err
		}
		msg, err := c.messenger.SendMessage(module, cost.MessageFee, p.TargetChainID, createPayload(esc.ID, p))
		if err != nil {
			return err
		}
		if err := c.factory.BindOriginNonce(module, esc.ID, msg.Nonce); err != nil {
			return err
		}
		esc.Remote.MessageNonce = msg.Nonce
		c.emitter.Emit(&types.Event{Type: EventTypeCrossChainCreated, Attributes: map[string]string{
			"escrowId":      esc.ID.Hex(),
			"creator":       caller.Hex(),
			"targetChainId": strconv.FormatUint(p.TargetChainID, 10),
			"nonce":         strconv.FormatUint(msg.Nonce, 10),
			"messageFee":    cost.MessageFee.String(),
		}})
		outEscrow = esc
		outMsg = msg
		return nil
	})
	return outEscrow, outMsg, err
}

// ProcessCrossChainMessage applies a relayed message. Guardian signatures
// are checked first, then inclusion under the stored root of the source
// chain, then replay; only then does the message take effect. Any relayer
// may call it.
func (c *Coordinator) ProcessCrossChainMessage(caller common.Address, msg *crosschain.Message, sigs crosschain.GuardianSignatures, proof []common.Hash) (*escrow.Escrow, error) {
	var out *escrow.Escrow
	err := c.run(func() error {
		if err := c.messenger.Authenticate(msg, sigs); err != nil {
			return err
		}
		if err := c.proofs.VerifyCrossChainMessage(msg, proof); err != nil {
			return err
		}
		module := c.Address()
		if msg.Sender != module {
			return nativecommon.Wrapf(ErrUntrustedSender, "sender %s", msg.Sender.Hex())
		}
		payload, err := c.messenger.ReceiveMessage(module, msg, sigs)
		if err != nil {
			return err
		}
		var esc *escrow.Escrow
		switch payload.Kind {
		case crosschain.KindCreate:
			esc, err = c.applyCreate(msg, payload)
		case crosschain.KindSettle:
			esc, err = c.applySettle(msg, payload)
		default:
			err = crosschain.ErrInvalidMessage
		}
		if err != nil {
			return err
		}
		c.emitter.Emit(&types.Event{Type: EventTypeMessageProcessed, Attributes: map[string]string{
			"escrowId":      esc.ID.Hex(),
			"kind":          payload.Kind.String(),
			"sourceChainId": strconv.FormatUint(msg.SourceChainID, 10),
			"nonce":         strconv.FormatUint(msg.Nonce, 10),
			"relayer":       caller.Hex(),
		}})
		out = esc
		return nil
	})
	return out, err
}

func (c *Coordinator) applyCreate(msg *crosschain.Message, payload *crosschain.Payload) (*escrow.Escrow, error) {
	local, err := c.localChainID()
	if err != nil {
		return nil, err
	}
	asset, err := c.tokens.LocalAsset(payload.TokenID, local)
	if err != nil {
		return nil, err
	}
	return c.factory.CreateMirror(c.Address(), escrow.MirrorParams{
		SourceChainID:      msg.SourceChainID,
		OriginID:           payload.EscrowID,
		Nonce:              msg.Nonce,
		Buyer:              payload.Buyer,
		Seller:             payload.Seller,
		Asset:              asset,
		Amount:             payload.Amount,
		Deadline:           payload.Deadline,
		Description:        payload.Description,
		DisputeWindowHours: payload.DisputeWindowHours,
	})
}

func (c *Coordinator) applySettle(msg *crosschain.Message, payload *crosschain.Payload) (*escrow.Escrow, error) {
	esc, err := c.factory.Escrow(payload.EscrowID)
	if err != nil {
		return nil, err
	}
	if !esc.IsOrigin() || esc.Remote.TargetChainID != msg.SourceChainID {
		return nil, nativecommon.Wrapf(ErrCounterpartMismatch, "escrow %s, source chain %d", esc.ID.Hex(), msg.SourceChainID)
	}
	return c.engine.SettleRemote(c.Address(), esc.ID, payload.Outcome == crosschain.OutcomeCompleted, payload.Arbiter)
}

// QuoteSettlement prices the settle message of a mirror escrow.
func (c *Coordinator) QuoteSettlement(mirrorID common.Hash) (*big.Int, error) {
	esc, payload, err := c.settlePayload(mirrorID)
	if err != nil {
		return nil, err
	}
	return c.messenger.QuotePayload(c.Address(), esc.Remote.SourceChainID, payload)
}

func (c *Coordinator) settlePayload(mirrorID common.Hash) (*escrow.Escrow, crosschain.Payload, error) {
	esc, err := c.factory.Escrow(mirrorID)
	if err != nil {
		return nil, crosschain.Payload{}, err
	}
	if !esc.IsMirror() {
		return nil, crosschain.Payload{}, ErrNotMirror
	}
	payload := crosschain.Payload{
		Kind:     crosschain.KindSettle,
		EscrowID: esc.Remote.CounterpartID,
		Outcome:  crosschain.OutcomeCanceled,
	}
	if esc.State == escrow.StateCompleted {
		payload.Outcome = crosschain.OutcomeCompleted
	}
	if esc.Dispute.Decision != escrow.DecisionNone {
		payload.Arbiter = esc.Arbiter
	}
	return esc, payload, nil
}

// SettleCrossChain reports the outcome of a terminal mirror escrow to its
// origin chain. It succeeds once per mirror; value must equal the messenger
// fee.
func (c *Coordinator) SettleCrossChain(caller common.Address, value *big.Int, mirrorID common.Hash) (*crosschain.Message, error) {
	var out *crosschain.Message
	err := c.run(func() error {
		esc, payload, err := c.settlePayload(mirrorID)
		if err != nil {
			return err
		}
		module := c.Address()
		if _, err := c.engine.MarkOutcomeSent(module, esc.ID); err != nil {
			return err
		}
		fee, err := c.messenger.QuotePayload(module, esc.Remote.SourceChainID, payload)
		if err != nil {
			return err
		}
		attached := new(big.Int)
		if value != nil {
			attached.Set(value)
		}
		if attached.Cmp(fee) != 0 {
			return nativecommon.Wrapf(ErrValueMismatch, "attached %s, required %s", attached, fee)
		}
		if fee.Sign() > 0 {
			if err := c.bank.Transfer(common.Address{}, caller, module, fee); err != nil {
				return err
			}
		}
		msg, err := c.messenger.SendMessage(module, fee, esc.Remote.SourceChainID, payload)
		if err != nil {
			return err
		}
		c.emitter.Emit(&types.Event{Type: EventTypeOutcomeSent, Attributes: map[string]string{
			"escrowId":      esc.ID.Hex(),
			"originId":      esc.Remote.CounterpartID.Hex(),
			"outcome":       esc.State.String(),
			"targetChainId": strconv.FormatUint(esc.Remote.SourceChainID, 10),
			"nonce":         strconv.FormatUint(msg.Nonce, 10),
		}})
		out = msg
		return nil
	})
	return out, err
}

// ExecuteBridgedCall hands a post-bridge call to the bridge service. The
// target chain must be on the allowlist.
func (c *Coordinator) ExecuteBridgedCall(ctx context.Context, call Call) (string, error) {
	if call.ChainID == 0 || !c.tokens.IsChainSupported(call.ChainID) {
		return "", nativecommon.Wrapf(ErrUnsupportedChain, "chain %d", call.ChainID)
	}
	if strings.TrimSpace(call.Target) == "" {
		return "", nativecommon.Wrapf(ErrInvalidCall, "target required")
	}
	if call.Amount != nil && call.Amount.Sign() < 0 {
		return "", nativecommon.Wrapf(ErrInvalidCall, "negative amount")
	}
	return c.bridge.ExecuteCall(ctx, call)
}
