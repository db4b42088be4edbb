package arbiter

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultCooldown is the unlock cooldown applied when none is configured.
const DefaultCooldown = uint64(48 * 60 * 60)

// Record captures the stake and eligibility of a single arbiter. Records are
// never deleted; an unlocked arbiter keeps a zero stake.
type Record struct {
	Address        common.Address
	Stake          *big.Int
	Approved       bool
	Engagements    uint64
	Resolved       uint64
	RequestedAt    uint64
	ApprovedAt     uint64
	LastResolvedAt uint64
	LastUnlockAt   uint64
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Stake = cloneBigInt(r.Stake)
	return &out
}

// CooldownAnchor returns the timestamp from which the unlock cooldown runs:
// the later of approval and last resolution, falling back to the membership
// request for members that were never approved.
func (r *Record) CooldownAnchor() uint64 {
	anchor := r.RequestedAt
	if r.ApprovedAt > anchor {
		anchor = r.ApprovedAt
	}
	if r.LastResolvedAt > anchor {
		anchor = r.LastResolvedAt
	}
	return anchor
}

// Config holds the owner-controlled parameters of the registry.
type Config struct {
	Owner          common.Address
	StakingToken   common.Address
	MinimumHolding *big.Int
	Cooldown       uint64
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
