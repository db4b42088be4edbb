package types

import (
	"encoding/json"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"dexcrow/crypto"
)

// TxDomain separates transaction signatures from any other signed payload.
const TxDomain = "dexcrow/tx/v1"

var (
	ErrMissingSignature = errors.New("transaction: signature missing")
	ErrSenderMismatch   = errors.New("transaction: signature does not match sender")
)

// Transaction is the signed envelope submitted to the ledger. Method names a
// ledger call and Params carries its JSON arguments.
type Transaction struct {
	ChainID   uint64          `json:"chainId"`
	From      common.Address  `json:"from"`
	Nonce     uint64          `json:"nonce"`
	Method    string          `json:"method"`
	Value     *big.Int        `json:"value,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Signature []byte          `json:"signature"`
}

type signingEnvelope struct {
	Domain  string
	ChainID uint64
	From    common.Address
	Nonce   uint64
	Method  string
	Value   *big.Int
	Params  []byte
}

// Hash returns keccak256 over the canonical RLP encoding of every field but
// the signature.
func (tx *Transaction) Hash() (common.Hash, error) {
	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}
	enc, err := rlp.EncodeToBytes(signingEnvelope{
		Domain:  TxDomain,
		ChainID: tx.ChainID,
		From:    tx.From,
		Nonce:   tx.Nonce,
		Method:  tx.Method,
		Value:   value,
		Params:  []byte(tx.Params),
	})
	if err != nil {
		return common.Hash{}, err
	}
	return ethcrypto.Keccak256Hash(enc), nil
}

// Sign sets From to the key's address and signs the envelope.
func (tx *Transaction) Sign(key *crypto.PrivateKey) error {
	tx.From = key.Address()
	hash, err := tx.Hash()
	if err != nil {
		return err
	}
	sig, err := key.Sign(hash)
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}

// VerifySignature checks that Signature was produced by From.
func (tx *Transaction) VerifySignature() error {
	if len(tx.Signature) == 0 {
		return ErrMissingSignature
	}
	hash, err := tx.Hash()
	if err != nil {
		return err
	}
	signer, err := crypto.RecoverAddress(hash, tx.Signature)
	if err != nil {
		return err
	}
	if signer != tx.From {
		return ErrSenderMismatch
	}
	return nil
}
