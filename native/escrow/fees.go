package escrow

import (
	"math/big"

	"github.com/holiman/uint256"

	nativecommon "dexcrow/native/common"
)

const (
	bpsDenominator = 10_000
	// MaxFeeBps caps each individual fee rate.
	MaxFeeBps = 1_000
)

var (
	ErrAmountTooLarge = nativecommon.NewError(nativecommon.ErrValidation, "escrow: amount exceeds 256 bits")
	ErrFeeOutOfRange  = nativecommon.NewError(nativecommon.ErrValidation, "escrow: fee bps out of range")
)

// feeAmount returns amount*bps/10_000 rounded down.
func feeAmount(amount *big.Int, bps uint32) (*big.Int, error) {
	if bps == 0 || amount == nil || amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if bps > bpsDenominator {
		return nil, ErrFeeOutOfRange
	}
	amt, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrAmountTooLarge
	}
	product, overflow := new(uint256.Int).MulOverflow(amt, uint256.NewInt(uint64(bps)))
	if overflow {
		return nil, ErrAmountTooLarge
	}
	return product.Div(product, uint256.NewInt(bpsDenominator)).ToBig(), nil
}

// split divides amount into the recipient payout, the platform fee and the
// arbiter fee. The three parts always add up to amount.
func split(amount *big.Int, fees FeeSnapshot, chargeArbiter bool) (payout, platform, arbiter *big.Int, err error) {
	platform, err = feeAmount(amount, fees.PlatformFeeBps)
	if err != nil {
		return nil, nil, nil, err
	}
	arbiter = big.NewInt(0)
	if chargeArbiter {
		arbiter, err = feeAmount(amount, fees.ArbiterFeeBps)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	payout = new(big.Int).Sub(amount, platform)
	payout.Sub(payout, arbiter)
	return payout, platform, arbiter, nil
}

func validFeeBps(bps uint32) bool {
	return bps <= MaxFeeBps
}
