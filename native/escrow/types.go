package escrow

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// State is the lifecycle state of an escrow.
type State uint8

const (
	StateAwaitingDeposit State = iota
	StateAwaitingFulfillment
	StateDisputeRaised
	StateCompleted
	StateCanceled
)

// String returns the canonical state name.
func (s State) String() string {
	switch s {
	case StateAwaitingDeposit:
		return "AWAITING_DEPOSIT"
	case StateAwaitingFulfillment:
		return "AWAITING_FULFILLMENT"
	case StateDisputeRaised:
		return "DISPUTE_RAISED"
	case StateCompleted:
		return "COMPLETED"
	case StateCanceled:
		return "CANCELED"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// Valid reports whether the state value is one of the five lifecycle states.
func (s State) Valid() bool {
	return s <= StateCanceled
}

// Terminal reports whether no further mutation is permitted.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCanceled
}

// Decision is the outcome recorded by an arbiter.
type Decision uint8

const (
	DecisionNone Decision = iota
	DecisionFavorBuyer
	DecisionFavorSeller
)

func (d Decision) String() string {
	switch d {
	case DecisionFavorBuyer:
		return "favor_buyer"
	case DecisionFavorSeller:
		return "favor_seller"
	default:
		return "none"
	}
}

// FeeSnapshot is captured at creation and never changes afterwards.
type FeeSnapshot struct {
	PlatformFeeBps uint32
	ArbiterFeeBps  uint32
	FeeRecipient   common.Address
}

// Evidence is a single item attached to a dispute.
type Evidence struct {
	ID          string
	Kind        string
	Description string
	URI         string
	SubmittedBy common.Address
	SubmittedAt uint64
}

// Dispute holds the dispute record of an escrow.
type Dispute struct {
	RaisedBy   common.Address
	Reason     string
	RaisedAt   uint64
	Evidence   []Evidence
	Decision   Decision
	Reasoning  string
	ResolvedAt uint64
}

// Settlement records where the locked value went.
type Settlement struct {
	PaidSeller      *big.Int
	PaidBuyer       *big.Int
	Refunded        *big.Int
	PlatformFeePaid *big.Int
	ArbiterFeePaid  *big.Int
	SettledAt       uint64
}

// Remote links an escrow to its counterpart on another chain. An origin
// escrow holds the funds and has TargetChainID set; a mirror escrow carries
// no funds and has SourceChainID set.
type Remote struct {
	SourceChainID  uint64
	TargetChainID  uint64
	CounterpartID  common.Hash
	MessageNonce   uint64
	OutcomeSent    bool
	OutcomeApplied bool
}

// Escrow captures the immutable terms and runtime state of one trade.
type Escrow struct {
	ID                  common.Hash
	Sequence            uint64
	Creator             common.Address
	Buyer               common.Address
	Seller              common.Address
	Arbiter             common.Address
	ArbiterEverAssigned bool
	Depositor           common.Address
	Asset               common.Address
	Amount              *big.Int
	Locked              *big.Int
	CreatedAt           uint64
	FundedAt            uint64
	Deadline            uint64
	DisputeWindowHours  uint64
	Description         string
	State               State
	Fees                FeeSnapshot
	Dispute             Dispute
	Settlement          Settlement
	Remote              Remote
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Amount = cloneBigInt(e.Amount)
	clone.Locked = cloneBigInt(e.Locked)
	clone.Dispute.Evidence = append([]Evidence(nil), e.Dispute.Evidence...)
	clone.Settlement.PaidSeller = cloneBigInt(e.Settlement.PaidSeller)
	clone.Settlement.PaidBuyer = cloneBigInt(e.Settlement.PaidBuyer)
	clone.Settlement.Refunded = cloneBigInt(e.Settlement.Refunded)
	clone.Settlement.PlatformFeePaid = cloneBigInt(e.Settlement.PlatformFeePaid)
	clone.Settlement.ArbiterFeePaid = cloneBigInt(e.Settlement.ArbiterFeePaid)
	return &clone
}

// IsMirror reports whether the escrow reproduces a remote escrow and holds no
// funds locally.
func (e *Escrow) IsMirror() bool { return e.Remote.SourceChainID != 0 }

// IsOrigin reports whether the escrow's outcome is decided on another chain.
func (e *Escrow) IsOrigin() bool { return e.Remote.TargetChainID != 0 }

// IsParty reports whether addr is the buyer or the seller.
func (e *Escrow) IsParty(addr common.Address) bool {
	return addr == e.Buyer || addr == e.Seller
}

// DisputeDeadline returns the timestamp at which the dispute window closes.
func (e *Escrow) DisputeDeadline() uint64 {
	return e.Dispute.RaisedAt + e.DisputeWindowHours*3600
}

// CreateParams are the caller-supplied terms of a new escrow.
type CreateParams struct {
	Buyer              common.Address
	Seller             common.Address
	Asset              common.Address
	Amount             *big.Int
	Deadline           uint64
	Description        string
	DisputeWindowHours uint64
	// FundNow deposits the amount from the creator in the same call.
	FundNow bool
}

// MirrorParams describe an escrow created on another chain.
type MirrorParams struct {
	SourceChainID      uint64
	OriginID           common.Hash
	Nonce              uint64
	Buyer              common.Address
	Seller             common.Address
	Asset              common.Address
	Amount             *big.Int
	Deadline           uint64
	Description        string
	DisputeWindowHours uint64
}

// Config holds the owner-controlled factory parameters. Only escrows created
// after a change observe it.
type Config struct {
	Owner                     common.Address
	FeeRecipient              common.Address
	CreationFee               *big.Int
	PlatformFeeBps            uint32
	ArbiterFeeBps             uint32
	DefaultDisputeWindowHours uint64
	CrossChainModule          common.Address
}

// Stats aggregates the lifecycle counters maintained by the factory.
type Stats struct {
	Total     uint64
	Active    uint64
	Completed uint64
	Canceled  uint64
	Disputed  uint64
	// Mirrors counts escrows created for a remote origin. They are part of
	// Total but not of the traded volume.
	Mirrors uint64
}

// SuccessRate is the share of settled escrows that completed, in basis points.
func (s Stats) SuccessRate() uint64 {
	settled := s.Completed + s.Canceled
	if settled == 0 {
		return 0
	}
	return s.Completed * 10_000 / settled
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
