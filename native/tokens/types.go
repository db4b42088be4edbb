package tokens

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ChainType selects the address format of a chain.
type ChainType string

const (
	ChainTypeEVM     ChainType = "evm"
	ChainTypeBitcoin ChainType = "bitcoin"
	ChainTypeOther   ChainType = "other"
)

// Valid reports whether the chain type is known.
func (t ChainType) Valid() bool {
	switch t {
	case ChainTypeEVM, ChainTypeBitcoin, ChainTypeOther:
		return true
	default:
		return false
	}
}

// ChainInfo is an entry of the supported-chain allowlist.
type ChainInfo struct {
	ChainID uint64
	Type    ChainType
	Name    string
	Active  bool
}

// Mapping locates a token on one chain.
type Mapping struct {
	ChainID       uint64
	ChainType     ChainType
	Address       string
	Decimals      uint8
	IsNative      bool
	Active        bool
	RegisteredAt  uint64
	DeactivatedAt uint64
}

// Token is the chain-agnostic token entry. Symbol and Name are fixed by the
// first registration.
type Token struct {
	ID       common.Hash
	Symbol   string
	Name     string
	Verified bool
	Mappings []Mapping
}

// Clone returns a deep copy.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Mappings = append([]Mapping(nil), t.Mappings...)
	return &clone
}

func (t *Token) mapping(chainID uint64) (int, bool) {
	for i := range t.Mappings {
		if t.Mappings[i].ChainID == chainID {
			return i, true
		}
	}
	return -1, false
}

// RegisterParams describe one (token, chain) mapping.
type RegisterParams struct {
	Symbol    string
	Name      string
	ChainID   uint64
	ChainType ChainType
	Address   string
	Decimals  uint8
	IsNative  bool
}

// Config holds the registry owner.
type Config struct {
	Owner common.Address
}

// NormalizeSymbol upper-cases and trims a token symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// TokenID derives the chain-agnostic identifier of a symbol.
func TokenID(symbol string) common.Hash {
	return ethcrypto.Keccak256Hash([]byte(NormalizeSymbol(symbol)))
}
