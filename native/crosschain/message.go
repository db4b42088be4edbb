// Package crosschain defines the messages exchanged between ledgers, their
// canonical encoding and the guardian signatures that authenticate them.
package crosschain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"dexcrow/crypto/merkle"
	nativecommon "dexcrow/native/common"
)

// Domain separates dexcrow message encodings from any other signed payload.
const Domain = "dexcrow/xmsg/v1"

// Kind selects the effect of a message on the target ledger.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindCreate asks the target ledger to mirror a funded escrow.
	KindCreate
	// KindSettle reports the terminal outcome of a mirror back to its origin.
	KindSettle
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindSettle:
		return "settle"
	default:
		return "unknown"
	}
}

// Outcome is the terminal state carried by a settle message.
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	OutcomeCompleted
	OutcomeCanceled
)

var (
	ErrInvalidMessage = nativecommon.NewError(nativecommon.ErrValidation, "crosschain: malformed message")
	ErrWrongDomain    = nativecommon.NewError(nativecommon.ErrIntegrity, "crosschain: message domain mismatch")
)

// Payload carries the escrow terms or outcome.
type Payload struct {
	Kind               Kind           `json:"kind"`
	EscrowID           common.Hash    `json:"escrowId"`
	Buyer              common.Address `json:"buyer"`
	Seller             common.Address `json:"seller"`
	TokenID            common.Hash    `json:"tokenId"`
	Amount             *big.Int       `json:"amount"`
	Deadline           uint64         `json:"deadline"`
	DisputeWindowHours uint64         `json:"disputeWindowHours"`
	Description        string         `json:"description"`
	Outcome            Outcome        `json:"outcome"`
	Arbiter            common.Address `json:"arbiter"`
}

// Message is one entry of a ledger's outbox.
type Message struct {
	SourceChainID uint64         `json:"sourceChainId"`
	TargetChainID uint64         `json:"targetChainId"`
	Nonce         uint64         `json:"nonce"`
	Sender        common.Address `json:"sender"`
	Payload       Payload        `json:"payload"`
}

type encodedMessage struct {
	Domain        string
	SourceChainID uint64
	TargetChainID uint64
	Nonce         uint64
	Sender        common.Address
	Payload       Payload
}

// Validate checks the structural rules every message must satisfy.
func (m *Message) Validate() error {
	if m == nil {
		return ErrInvalidMessage
	}
	if m.SourceChainID == 0 || m.TargetChainID == 0 || m.SourceChainID == m.TargetChainID {
		return nativecommon.Wrapf(ErrInvalidMessage, "chains %d -> %d", m.SourceChainID, m.TargetChainID)
	}
	p := m.Payload
	switch p.Kind {
	case KindCreate:
		if p.Buyer == (common.Address{}) || p.Seller == (common.Address{}) || p.Buyer == p.Seller {
			return nativecommon.Wrapf(ErrInvalidMessage, "invalid parties")
		}
		if p.Amount == nil || p.Amount.Sign() <= 0 || p.Amount.BitLen() > 256 {
			return nativecommon.Wrapf(ErrInvalidMessage, "invalid amount")
		}
		if p.TokenID == (common.Hash{}) {
			return nativecommon.Wrapf(ErrInvalidMessage, "token id required")
		}
	case KindSettle:
		if p.Outcome != OutcomeCompleted && p.Outcome != OutcomeCanceled {
			return nativecommon.Wrapf(ErrInvalidMessage, "settle without outcome")
		}
	default:
		return nativecommon.Wrapf(ErrInvalidMessage, "unknown kind %d", p.Kind)
	}
	if p.EscrowID == (common.Hash{}) {
		return nativecommon.Wrapf(ErrInvalidMessage, "escrow id required")
	}
	return nil
}

// Encode returns the canonical RLP encoding of the message.
func (m *Message) Encode() ([]byte, error) {
	payload := m.Payload
	if payload.Amount == nil {
		payload.Amount = new(big.Int)
	}
	return rlp.EncodeToBytes(encodedMessage{
		Domain:        Domain,
		SourceChainID: m.SourceChainID,
		TargetChainID: m.TargetChainID,
		Nonce:         m.Nonce,
		Sender:        m.Sender,
		Payload:       payload,
	})
}

// Decode parses a canonical encoding produced by Encode.
func Decode(data []byte) (*Message, error) {
	var enc encodedMessage
	if err := rlp.DecodeBytes(data, &enc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if enc.Domain != Domain {
		return nil, ErrWrongDomain
	}
	return &Message{
		SourceChainID: enc.SourceChainID,
		TargetChainID: enc.TargetChainID,
		Nonce:         enc.Nonce,
		Sender:        enc.Sender,
		Payload:       enc.Payload,
	}, nil
}

// Hash is keccak256 of the canonical encoding.
func (m *Message) Hash() (common.Hash, error) {
	enc, err := m.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	return ethcrypto.Keccak256Hash(enc), nil
}

// Leaf is the Merkle leaf committed to by the source ledger's outbox.
func (m *Message) Leaf() (common.Hash, error) {
	enc, err := m.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	return merkle.LeafHash(enc), nil
}

// Key identifies the (source chain, nonce) pair used for replay protection.
func (m *Message) Key() string {
	return fmt.Sprintf("%d/%d", m.SourceChainID, m.Nonce)
}
