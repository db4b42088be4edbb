package types

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
)

// Receipt statuses.
const (
	ReceiptSuccess = "success"
	ReceiptFailed  = "failed"
)

// Receipt reports the outcome of one applied transaction. A failed call
// leaves no state change besides the sender's nonce.
type Receipt struct {
	TxHash    common.Hash     `json:"txHash"`
	From      common.Address  `json:"from"`
	Nonce     uint64          `json:"nonce"`
	Method    string          `json:"method"`
	Status    string          `json:"status"`
	ErrorKind string          `json:"errorKind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Events    []*Event        `json:"events"`
	EventRoot common.Hash     `json:"eventRoot"`
}
