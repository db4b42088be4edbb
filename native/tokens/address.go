package tokens

import (
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"

	nativecommon "dexcrow/native/common"
)

var bitcoinHRPs = map[string]struct{}{
	"bc":   {},
	"tb":   {},
	"bcrt": {},
}

// normalizeAddress validates raw for the chain type and returns its canonical
// form. Empty and zero addresses are accepted only for native mappings.
func normalizeAddress(chainType ChainType, raw string, isNative bool) (string, error) {
	trimmed := strings.TrimSpace(raw)
	switch chainType {
	case ChainTypeEVM:
		if trimmed == "" {
			if isNative {
				return "", nil
			}
			return "", ErrInvalidAddress
		}
		if !common.IsHexAddress(trimmed) {
			return "", nativecommon.Wrapf(ErrInvalidAddress, "%q is not a hex address", trimmed)
		}
		addr := common.HexToAddress(trimmed)
		if addr == (common.Address{}) {
			if isNative {
				return "", nil
			}
			return "", nativecommon.Wrapf(ErrInvalidAddress, "zero address requires isNative")
		}
		if isNative {
			return "", nativecommon.Wrapf(ErrInvalidAddress, "native mapping must not name a contract")
		}
		return addr.Hex(), nil
	case ChainTypeBitcoin:
		if trimmed == "" {
			if isNative {
				return "", nil
			}
			return "", ErrInvalidAddress
		}
		hrp, _, err := bech32.Decode(trimmed)
		if err != nil {
			return "", nativecommon.Wrapf(ErrInvalidAddress, "bech32: %v", err)
		}
		if _, ok := bitcoinHRPs[hrp]; !ok {
			return "", nativecommon.Wrapf(ErrInvalidAddress, "unexpected prefix %q", hrp)
		}
		return strings.ToLower(trimmed), nil
	default:
		if trimmed == "" && !isNative {
			return "", ErrInvalidAddress
		}
		return trimmed, nil
	}
}
