package escrow

import (
	"errors"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"dexcrow/core/events"
	"dexcrow/core/types"
	nativecommon "dexcrow/native/common"
)

const (
	maxReasonLength      = 1024
	maxEvidenceItems     = 32
	maxDescriptionLength = 1024
)

var (
	errNilState = errors.New("escrow engine: state not configured")

	ErrNotInitialised       = nativecommon.NewError(nativecommon.ErrInternal, "escrow: factory not initialised")
	ErrEscrowNotFound       = nativecommon.NewError(nativecommon.ErrValidation, "escrow: escrow not found")
	ErrUnauthorized         = nativecommon.NewError(nativecommon.ErrAuthorization, "escrow: caller not authorized")
	ErrNotAssignedArbiter   = nativecommon.NewError(nativecommon.ErrAuthorization, "escrow: caller is not the assigned arbiter")
	ErrPartyCannotArbitrate = nativecommon.NewError(nativecommon.ErrAuthorization, "escrow: a party cannot arbitrate its own escrow")
	ErrEmptyReason          = nativecommon.NewError(nativecommon.ErrValidation, "escrow: reason must not be empty")
	ErrReasonTooLong        = nativecommon.NewError(nativecommon.ErrValidation, "escrow: text exceeds maximum length")
	ErrValueMismatch        = nativecommon.NewError(nativecommon.ErrEconomic, "escrow: attached value does not match required amount")
	ErrShortDelivery        = nativecommon.NewError(nativecommon.ErrEconomic, "escrow: token transfer delivered less than the amount")
	ErrDeadlinePassed       = nativecommon.NewError(nativecommon.ErrStatePrecondition, "escrow: deadline has passed")
	ErrDeadlineNotReached   = nativecommon.NewError(nativecommon.ErrStatePrecondition, "escrow: deadline not reached")
	ErrDisputeWindowClosed  = nativecommon.NewError(nativecommon.ErrStatePrecondition, "escrow: dispute window has elapsed")
	ErrDisputeWindowOpen    = nativecommon.NewError(nativecommon.ErrStatePrecondition, "escrow: dispute window still open")
	ErrArbiterAssigned      = nativecommon.NewError(nativecommon.ErrStatePrecondition, "escrow: arbiter already assigned")
	ErrTooMuchEvidence      = nativecommon.NewError(nativecommon.ErrStatePrecondition, "escrow: evidence limit reached")
	ErrRemoteControlled     = nativecommon.NewError(nativecommon.ErrStatePrecondition, "escrow: outcome is decided on the remote chain")
	ErrNotPaused            = nativecommon.NewError(nativecommon.ErrStatePrecondition, "escrow: emergency refund requires the escrow module to be paused")
	ErrOutcomeAlreadySent   = nativecommon.NewError(nativecommon.ErrReplay, "escrow: mirror outcome already relayed")
)

// evidenceNamespace scopes deterministic evidence identifiers.
var evidenceNamespace = uuid.MustParse("6f1d2c4e-8a0b-4c55-9e1f-3d7a5b2c9e10")

// engineState is the slice of the state manager used by the escrow module.
type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
	nativecommon.Journal
}

// Bank moves native value and token balances.
type Bank interface {
	BalanceOf(asset, addr common.Address) (*big.Int, error)
	Transfer(asset, from, to common.Address, amount *big.Int) error
	TransferFrom(asset, spender, from, to common.Address, amount *big.Int) error
}

// Arbiters is the registry surface the escrow module needs. The escrow
// module only keeps the escrow->arbiter link; the registry keeps a count.
type Arbiters interface {
	IsApproved(addr common.Address) bool
	Engage(caller, arbiter common.Address) error
	Disengage(caller, arbiter common.Address, resolved bool) error
}

// Pauses stores the per-module pause switches.
type Pauses interface {
	nativecommon.PauseView
	SetPaused(module string, paused bool) error
}

// Engine drives individual escrows through their lifecycle.
type Engine struct {
	state    engineState
	bank     Bank
	arbiters Arbiters
	pauses   Pauses
	emitter  events.Emitter
	nowFn    func() int64
	guard    nativecommon.ReentrancyGuard
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine(state engineState, bank Bank, arbiters Arbiters, pauses Pauses) *Engine {
	return &Engine{
		state:    state,
		bank:     bank,
		arbiters: arbiters,
		pauses:   pauses,
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Vault is the account that holds every locked escrow amount.
func (e *Engine) Vault() common.Address {
	return nativecommon.ModuleAddress(nativecommon.ModuleEscrow)
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) now() uint64 {
	ts := e.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (e *Engine) run(fn func() error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.guard.Execute(e.state, fn)
}

func (e *Engine) checkPaused() error {
	return nativecommon.Guard(e.pauses, nativecommon.ModuleEscrow)
}

func cleanText(value string, required bool, requiredErr error) (string, error) {
	trimmed := strings.TrimSpace(value)
	if required && trimmed == "" {
		return "", requiredErr
	}
	if len(trimmed) > maxReasonLength {
		return "", ErrReasonTooLong
	}
	return trimmed, nil
}

// pullExact moves exactly amount of asset from payer into the vault. Native
// value must equal amount; token transfers are measured by the vault balance
// delta so fee-on-transfer tokens fail instead of under-funding.
func (e *Engine) pullExact(asset, payer common.Address, amount, value *big.Int) error {
	vault := e.Vault()
	if asset == (common.Address{}) {
		if value == nil || value.Cmp(amount) != 0 {
			return nativecommon.Wrapf(ErrValueMismatch, "attached %s, required %s", cloneBigInt(value), amount)
		}
		return e.bank.Transfer(asset, payer, vault, amount)
	}
	if value != nil && value.Sign() != 0 {
		return nativecommon.Wrapf(ErrValueMismatch, "token deposit must not attach native value")
	}
	before, err := e.bank.BalanceOf(asset, vault)
	if err != nil {
		return err
	}
	if err := e.bank.TransferFrom(asset, vault, payer, vault, amount); err != nil {
		return err
	}
	after, err := e.bank.BalanceOf(asset, vault)
	if err != nil {
		return err
	}
	if delivered := new(big.Int).Sub(after, before); delivered.Cmp(amount) != 0 {
		return nativecommon.Wrapf(ErrShortDelivery, "delivered %s of %s", delivered, amount)
	}
	return nil
}

func (e *Engine) pay(esc *Escrow, to common.Address, amount *big.Int) error {
	if esc.IsMirror() || amount == nil || amount.Sign() == 0 {
		return nil
	}
	return e.bank.Transfer(esc.Asset, e.Vault(), to, amount)
}

// Escrow returns a snapshot of the escrow.
func (e *Engine) Escrow(id common.Hash) (*Escrow, error) {
	return e.loadEscrow(id)
}

// Deposit funds an escrow awaiting deposit. Only the seller may deposit and
// exactly the escrow amount must arrive.
func (e *Engine) Deposit(caller common.Address, value *big.Int, id common.Hash) (*Escrow, error) {
	var out *Escrow
	err := e.run(func() error {
		if err := e.checkPaused(); err != nil {
			return err
		}
		esc, err := e.loadEscrow(id)
		if err != nil {
			return err
		}
		next, err := Transition(esc.State, ActionDeposit)
		if err != nil {
			return err
		}
		if caller != esc.Seller {
			return ErrUnauthorized
		}
		if esc.IsMirror() {
			return ErrRemoteControlled
		}
		if err := e.pullExact(esc.Asset, caller, esc.Amount, value); err != nil {
			return err
		}
		prev := esc.State
		esc.State = next
		esc.Depositor = caller
		esc.Locked = cloneBigInt(esc.Amount)
		esc.FundedAt = e.now()
		if err := e.storeEscrow(esc); err != nil {
			return err
		}
		e.emit(NewFundedEvent(esc, prev))
		out = esc
		return nil
	})
	return out, err
}

// ConfirmFulfillment releases the escrow to the seller. Only the buyer may
// confirm, and only before the deadline.
func (e *Engine) ConfirmFulfillment(caller common.Address, id common.Hash) (*Escrow, error) {
	var out *Escrow
	err := e.run(func() error {
		if err := e.checkPaused(); err != nil {
			return err
		}
		esc, err := e.loadEscrow(id)
		if err != nil {
			return err
		}
		next, err := Transition(esc.State, ActionConfirm)
		if err != nil {
			return err
		}
		if caller != esc.Buyer {
			return ErrUnauthorized
		}
		if esc.IsOrigin() {
			return ErrRemoteControlled
		}
		if e.now() >= esc.Deadline {
			return ErrDeadlinePassed
		}
		if err := e.release(esc, next, esc.Seller, esc.ArbiterEverAssigned); err != nil {
			return err
		}
		out = esc
		return nil
	})
	return out, err
}

// release settles esc into next, paying the locked amount minus fees to
// recipient. State is stored before any value moves.
func (e *Engine) release(esc *Escrow, next State, recipient common.Address, chargeArbiter bool) error {
	payout, platform, arbiterFee, err := split(esc.Amount, esc.Fees, chargeArbiter && esc.Arbiter != (common.Address{}))
	if err != nil {
		return err
	}
	prev := esc.State
	esc.State = next
	esc.Locked = big.NewInt(0)
	esc.Settlement.SettledAt = e.now()
	if !esc.IsMirror() {
		if recipient == esc.Seller {
			esc.Settlement.PaidSeller = cloneBigInt(payout)
		} else {
			esc.Settlement.PaidBuyer = cloneBigInt(payout)
		}
		esc.Settlement.PlatformFeePaid = cloneBigInt(platform)
		esc.Settlement.ArbiterFeePaid = cloneBigInt(arbiterFee)
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	if err := e.recordTerminal(next); err != nil {
		return err
	}
	eventType := EventTypeEscrowCompleted
	if next == StateCanceled {
		eventType = EventTypeEscrowCanceled
	}
	e.emit(newTransitionEvent(eventType, esc, prev, map[string]string{
		"recipient":   recipient.Hex(),
		"payout":      payout.String(),
		"platformFee": platform.String(),
		"arbiterFee":  arbiterFee.String(),
	}))
	if err := e.pay(esc, recipient, payout); err != nil {
		return err
	}
	if err := e.pay(esc, esc.Fees.FeeRecipient, platform); err != nil {
		return err
	}
	return e.pay(esc, esc.Arbiter, arbiterFee)
}

// refund cancels esc and returns the whole locked amount to the depositor.
func (e *Engine) refund(esc *Escrow, next State, eventType string) error {
	prev := esc.State
	amount := cloneBigInt(esc.Locked)
	esc.State = next
	esc.Locked = big.NewInt(0)
	esc.Settlement.SettledAt = e.now()
	if !esc.IsMirror() {
		esc.Settlement.Refunded = cloneBigInt(amount)
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	if err := e.recordTerminal(next); err != nil {
		return err
	}
	e.emit(newTransitionEvent(eventType, esc, prev, map[string]string{
		"refunded": amount.String(),
	}))
	if esc.Depositor == (common.Address{}) {
		return nil
	}
	return e.pay(esc, esc.Depositor, amount)
}

// RaiseDispute moves a funded escrow into dispute. Either party may raise it
// before the deadline with a non-empty reason.
func (e *Engine) RaiseDispute(caller common.Address, id common.Hash, reason string) (*Escrow, error) {
	var out *Escrow
	err := e.run(func() error {
		if err := e.checkPaused(); err != nil {
			return err
		}
		esc, err := e.loadEscrow(id)
		if err != nil {
			return err
		}
		next, err := Transition(esc.State, ActionRaiseDispute)
		if err != nil {
			return err
		}
		if !esc.IsParty(caller) {
			return ErrUnauthorized
		}
		if esc.IsOrigin() {
			return ErrRemoteControlled
		}
		cleaned, err := cleanText(reason, true, ErrEmptyReason)
		if err != nil {
			return err
		}
		now := e.now()
		if now >= esc.Deadline {
			return ErrDeadlinePassed
		}
		prev := esc.State
		esc.State = next
		esc.Dispute.RaisedBy = caller
		esc.Dispute.Reason = cleaned
		esc.Dispute.RaisedAt = now
		if err := e.storeEscrow(esc); err != nil {
			return err
		}
		if err := e.updateStats(func(s *Stats) { s.Disputed++ }); err != nil {
			return err
		}
		e.emit(newTransitionEvent(EventTypeEscrowDisputed, esc, prev, map[string]string{
			"raisedBy": caller.Hex(),
			"reason":   cleaned,
		}))
		out = esc
		return nil
	})
	return out, err
}

// BecomeArbiter attaches an approved arbiter to a disputed escrow that has
// none yet.
func (e *Engine) BecomeArbiter(caller common.Address, id common.Hash) (*Escrow, error) {
	var out *Escrow
	err := e.run(func() error {
		if err := e.checkPaused(); err != nil {
			return err
		}
		esc, err := e.loadEscrow(id)
		if err != nil {
			return err
		}
		if _, err := Transition(esc.State, ActionAttachArbiter); err != nil {
			return err
		}
		if esc.Arbiter != (common.Address{}) {
			return ErrArbiterAssigned
		}
		if esc.IsParty(caller) {
			return ErrPartyCannotArbitrate
		}
		if e.now() >= esc.DisputeDeadline() {
			return ErrDisputeWindowClosed
		}
		esc.Arbiter = caller
		esc.ArbiterEverAssigned = true
		if err := e.storeEscrow(esc); err != nil {
			return err
		}
		// the registry rejects callers that are not approved
		if err := e.arbiters.Engage(e.Vault(), caller); err != nil {
			return err
		}
		e.emit(newTransitionEvent(EventTypeEscrowArbiterAssigned, esc, esc.State, nil))
		out = esc
		return nil
	})
	return out, err
}

// ResolveDispute settles a disputed escrow. Only the assigned arbiter may
// resolve, within the dispute window. Both fees always apply.
func (e *Engine) ResolveDispute(caller common.Address, id common.Hash, favorBuyer bool, reasoning string) (*Escrow, error) {
	var out *Escrow
	err := e.run(func() error {
		if err := e.checkPaused(); err != nil {
			return err
		}
		esc, err := e.loadEscrow(id)
		if err != nil {
			return err
		}
		action := ActionResolveForSeller
		if favorBuyer {
			action = ActionResolveForBuyer
		}
		next, err := Transition(esc.State, action)
		if err != nil {
			return err
		}
		if esc.Arbiter == (common.Address{}) || caller != esc.Arbiter {
			return ErrNotAssignedArbiter
		}
		cleaned, err := cleanText(reasoning, true, ErrEmptyReason)
		if err != nil {
			return err
		}
		now := e.now()
		if now >= esc.DisputeDeadline() {
			return ErrDisputeWindowClosed
		}
		recipient := esc.Seller
		esc.Dispute.Decision = DecisionFavorSeller
		if favorBuyer {
			recipient = esc.Buyer
			esc.Dispute.Decision = DecisionFavorBuyer
		}
		esc.Dispute.Reasoning = cleaned
		esc.Dispute.ResolvedAt = now
		if err := e.arbiters.Disengage(e.Vault(), esc.Arbiter, true); err != nil {
			return err
		}
		e.emit(newTransitionEvent(EventTypeEscrowResolved, esc, esc.State, map[string]string{
			"decision":  esc.Dispute.Decision.String(),
			"reasoning": cleaned,
		}))
		if err := e.release(esc, next, recipient, true); err != nil {
			return err
		}
		out = esc
		return nil
	})
	return out, err
}

// Cancel refunds or abandons an escrow. Unfunded escrows may be canceled at
// any time; funded escrows once the deadline passed; disputed escrows once
// the dispute window elapsed without a resolution. Origin escrows only
// settle through SettleRemote.
func (e *Engine) Cancel(caller common.Address, id common.Hash) (*Escrow, error) {
	var out *Escrow
	err := e.run(func() error {
		if err := e.checkPaused(); err != nil {
			return err
		}
		esc, err := e.loadEscrow(id)
		if err != nil {
			return err
		}
		next, err := Transition(esc.State, ActionCancel)
		if err != nil {
			return err
		}
		if !esc.IsParty(caller) {
			return ErrUnauthorized
		}
		if esc.IsOrigin() {
			return ErrRemoteControlled
		}
		now := e.now()
		switch esc.State {
		case StateAwaitingFulfillment:
			if now < esc.Deadline {
				return ErrDeadlineNotReached
			}
		case StateDisputeRaised:
			if now < esc.DisputeDeadline() {
				return ErrDisputeWindowOpen
			}
			if esc.Arbiter != (common.Address{}) {
				if err := e.arbiters.Disengage(e.Vault(), esc.Arbiter, false); err != nil {
					return err
				}
			}
		}
		if err := e.refund(esc, next, EventTypeEscrowCanceled); err != nil {
			return err
		}
		out = esc
		return nil
	})
	return out, err
}

// SubmitEvidence appends an evidence item to a disputed escrow. Parties and
// the assigned arbiter may submit.
func (e *Engine) SubmitEvidence(caller common.Address, id common.Hash, kind, description, uri string) (*Evidence, error) {
	var out *Evidence
	err := e.run(func() error {
		if err := e.checkPaused(); err != nil {
			return err
		}
		esc, err := e.loadEscrow(id)
		if err != nil {
			return err
		}
		if _, err := Transition(esc.State, ActionSubmitEvidence); err != nil {
			return err
		}
		if !esc.IsParty(caller) && (esc.Arbiter == (common.Address{}) || caller != esc.Arbiter) {
			return ErrUnauthorized
		}
		if len(esc.Dispute.Evidence) >= maxEvidenceItems {
			return ErrTooMuchEvidence
		}
		desc, err := cleanText(description, true, ErrEmptyReason)
		if err != nil {
			return err
		}
		kind = strings.ToLower(strings.TrimSpace(kind))
		if kind == "" {
			kind = "text"
		}
		uri, err = cleanText(uri, false, nil)
		if err != nil {
			return err
		}
		index := len(esc.Dispute.Evidence)
		item := Evidence{
			ID:          uuid.NewSHA1(evidenceNamespace, append(esc.ID.Bytes(), byte(index))).String(),
			Kind:        kind,
			Description: desc,
			URI:         uri,
			SubmittedBy: caller,
			SubmittedAt: e.now(),
		}
		esc.Dispute.Evidence = append(esc.Dispute.Evidence, item)
		if err := e.storeEscrow(esc); err != nil {
			return err
		}
		e.emit(newTransitionEvent(EventTypeEscrowEvidence, esc, esc.State, map[string]string{
			"evidenceId":  item.ID,
			"kind":        item.Kind,
			"submittedBy": caller.Hex(),
			"index":       strconv.Itoa(index),
		}))
		out = &item
		return nil
	})
	return out, err
}

// EmergencyRefund returns the locked funds of a non-terminal escrow to its
// depositor. It is the funds-recovery path and only works while the escrow
// module is paused.
func (e *Engine) EmergencyRefund(caller common.Address, id common.Hash) (*Escrow, error) {
	var out *Escrow
	err := e.run(func() error {
		cfg, err := e.loadConfig()
		if err != nil {
			return err
		}
		if caller != cfg.Owner {
			return ErrUnauthorized
		}
		if e.pauses == nil || !e.pauses.IsPaused(nativecommon.ModuleEscrow) {
			return ErrNotPaused
		}
		esc, err := e.loadEscrow(id)
		if err != nil {
			return err
		}
		next, err := Transition(esc.State, ActionEmergencyRefund)
		if err != nil {
			return err
		}
		if esc.State == StateDisputeRaised && esc.Arbiter != (common.Address{}) {
			if err := e.arbiters.Disengage(e.Vault(), esc.Arbiter, false); err != nil {
				return err
			}
		}
		if err := e.refund(esc, next, EventTypeEscrowEmergencyRefund); err != nil {
			return err
		}
		out = esc
		return nil
	})
	return out, err
}

// SettleRemote applies the outcome of a mirror escrow to its funded origin.
// A completed mirror pays the seller; a canceled mirror refunds the
// depositor, or pays the buyer minus fees when an arbiter decided it.
func (e *Engine) SettleRemote(caller common.Address, id common.Hash, completed bool, arbiter common.Address) (*Escrow, error) {
	var out *Escrow
	err := e.run(func() error {
		if err := e.checkPaused(); err != nil {
			return err
		}
		cfg, err := e.loadConfig()
		if err != nil {
			return err
		}
		if cfg.CrossChainModule == (common.Address{}) || caller != cfg.CrossChainModule {
			return ErrUnauthorized
		}
		esc, err := e.loadEscrow(id)
		if err != nil {
			return err
		}
		if !esc.IsOrigin() {
			return nativecommon.Wrapf(ErrInvalidTransition, "escrow %s has no remote counterpart", esc.ID.Hex())
		}
		action := ActionRemoteCancel
		if completed {
			action = ActionRemoteComplete
		}
		next, err := Transition(esc.State, action)
		if err != nil {
			return err
		}
		esc.Remote.OutcomeApplied = true
		esc.Arbiter = arbiter
		esc.ArbiterEverAssigned = arbiter != (common.Address{})
		switch {
		case completed:
			err = e.release(esc, next, esc.Seller, true)
		case esc.ArbiterEverAssigned:
			err = e.release(esc, next, esc.Buyer, true)
		default:
			err = e.refund(esc, next, EventTypeEscrowCanceled)
		}
		if err != nil {
			return err
		}
		e.emit(newTransitionEvent(EventTypeEscrowRemoteSettled, esc, esc.State, map[string]string{
			"completed": strconv.FormatBool(completed),
		}))
		out = esc
		return nil
	})
	return out, err
}

// MarkOutcomeSent records that the outcome of a terminal mirror escrow has
// been relayed back to its origin chain. It can succeed only once.
func (e *Engine) MarkOutcomeSent(caller common.Address, id common.Hash) (*Escrow, error) {
	var out *Escrow
	err := e.run(func() error {
		cfg, err := e.loadConfig()
		if err != nil {
			return err
		}
		if cfg.CrossChainModule == (common.Address{}) || caller != cfg.CrossChainModule {
			return ErrUnauthorized
		}
		esc, err := e.loadEscrow(id)
		if err != nil {
			return err
		}
		if !esc.IsMirror() {
			return nativecommon.Wrapf(ErrInvalidTransition, "escrow %s is not a mirror", esc.ID.Hex())
		}
		if !esc.State.Terminal() {
			return nativecommon.Wrapf(ErrInvalidTransition, "mirror escrow still %s", esc.State)
		}
		if esc.Remote.OutcomeSent {
			return ErrOutcomeAlreadySent
		}
		esc.Remote.OutcomeSent = true
		if err := e.storeEscrow(esc); err != nil {
			return err
		}
		out = esc
		return nil
	})
	return out, err
}
