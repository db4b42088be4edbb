package messenger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "dexcrow/native/common"
)

const (
	// DefaultCongestionBps is the neutral congestion multiplier (1x).
	DefaultCongestionBps = 10_000
	// MaxCongestionBps caps the multiplier at 20x.
	MaxCongestionBps = 200_000
	// MaxPayloadBytes bounds the encoded size of one message.
	MaxPayloadBytes = 4096

	quotaScope = "messenger"
)

// Config holds the owner-controlled messenger parameters.
type Config struct {
	Owner        common.Address
	LocalChainID uint64
	FeeRecipient common.Address
	BaseFee      *big.Int
	PerByteFee   *big.Int
	Quota        nativecommon.Quota
}

// FeeFunc prices one outbound message.
type FeeFunc func(targetChainID uint64, size int, congestionBps uint32) *big.Int

// LinearFee charges base + perByte*size, scaled by the congestion multiplier.
func LinearFee(base, perByte *big.Int) FeeFunc {
	b := cloneBigInt(base)
	p := cloneBigInt(perByte)
	return func(_ uint64, size int, congestionBps uint32) *big.Int {
		fee := new(big.Int).Mul(p, big.NewInt(int64(size)))
		fee.Add(fee, b)
		fee.Mul(fee, new(big.Int).SetUint64(uint64(congestionBps)))
		return fee.Quo(fee, big.NewInt(DefaultCongestionBps))
	}
}

// Checkpoint commits to every message ever placed in the outbox.
type Checkpoint struct {
	ChainID uint64
	Root    common.Hash
	Height  uint64
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
