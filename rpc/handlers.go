package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"dexcrow/core"
	"dexcrow/core/types"
	"dexcrow/crypto"
	"dexcrow/native/tokens"
	"dexcrow/native/xescrow"
	"dexcrow/observability"
)

type readHandler func(ctx context.Context, params []json.RawMessage) (interface{}, error)

type paramError struct{ msg string }

func (e *paramError) Error() string { return e.msg }

func invalidParams(format string, args ...interface{}) error {
	return &paramError{msg: fmt.Sprintf(format, args...)}
}

func expectParams(params []json.RawMessage, n int) error {
	if len(params) != n {
		return invalidParams("expected %d parameters, got %d", n, len(params))
	}
	return nil
}

func decodeParam(raw json.RawMessage, out interface{}, name string) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return invalidParams("invalid %s: %v", name, err)
	}
	return nil
}

func addressParam(raw json.RawMessage, name string) (common.Address, error) {
	var s string
	if err := decodeParam(raw, &s, name); err != nil {
		return common.Address{}, err
	}
	addr, err := crypto.ParseAddress(strings.TrimSpace(s))
	if err != nil {
		return common.Address{}, invalidParams("invalid %s: %v", name, err)
	}
	return addr, nil
}

func hashParam(raw json.RawMessage, name string) (common.Hash, error) {
	var s string
	if err := decodeParam(raw, &s, name); err != nil {
		return common.Hash{}, err
	}
	s = strings.TrimSpace(s)
	if len(strings.TrimPrefix(s, "0x")) != 2*common.HashLength {
		return common.Hash{}, invalidParams("invalid %s: want 32-byte hex", name)
	}
	return common.HexToHash(s), nil
}

// tokenParam accepts a token id or a symbol.
func tokenParam(raw json.RawMessage) (common.Hash, error) {
	var s string
	if err := decodeParam(raw, &s, "token"); err != nil {
		return common.Hash{}, err
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") && len(s) == 2+2*common.HashLength {
		return common.HexToHash(s), nil
	}
	if s == "" {
		return common.Hash{}, invalidParams("token required")
	}
	return tokens.TokenID(s), nil
}

func uintParam(raw json.RawMessage, name string) (uint64, error) {
	var v uint64
	err := decodeParam(raw, &v, name)
	return v, err
}

func (s *Server) rememberTx(hash common.Hash) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, seenAt := range s.txSeen {
		if now.Sub(seenAt) > s.seenTTL {
			delete(s.txSeen, h)
		}
	}
	if _, exists := s.txSeen[hash]; exists {
		return false
	}
	s.txSeen[hash] = now
	return true
}

func (s *Server) forgetTx(hash common.Hash) {
	s.mu.Lock()
	delete(s.txSeen, hash)
	s.mu.Unlock()
}

func (s *Server) handleSendTransaction(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.auth.authorize(r, ScopeSubmit); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "transaction parameter required", nil)
		return
	}
	var tx types.Transaction
	if err := json.Unmarshal(req.Params[0], &tx); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid transaction format", err.Error())
		return
	}
	source := clientSource(r)
	if !s.limiter.allow(source) {
		observability.RPC().RecordThrottle("rate_limit")
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "transaction rate limit exceeded", source)
		return
	}
	hash, err := tx.Hash()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to hash transaction", err.Error())
		return
	}
	if !s.rememberTx(hash) {
		observability.RPC().RecordThrottle("duplicate")
		writeError(w, http.StatusConflict, req.ID, codeDuplicateTx, "transaction has already been submitted", hash.Hex())
		return
	}

	receipt, err := s.ledger.ApplyTransaction(r.Context(), &tx)
	logger := s.logger.With("requestid", requestIDFrom(r.Context()), "method", tx.Method, "from", tx.From.Hex())
	if err != nil {
		if receipt == nil {
			// rejected before execution; the same bytes may be retried
			s.forgetTx(hash)
			logger.Warn("transaction rejected", "error", err)
			writeCallError(w, req.ID, err, nil)
			return
		}
		writeCallError(w, req.ID, err, receipt)
		return
	}
	logger.Info("transaction applied", "events", len(receipt.Events))
	writeResult(w, req.ID, receipt)
}

func (s *Server) readHandlers() map[string]readHandler {
	l := s.ledger
	return map[string]readHandler{
		"dexcrow_chainId": func(context.Context, []json.RawMessage) (interface{}, error) {
			return l.ChainID(), nil
		},
		"dexcrow_methods": func(context.Context, []json.RawMessage) (interface{}, error) {
			return core.Methods(), nil
		},
		"dexcrow_getNonce": func(_ context.Context, p []json.RawMessage) (interface{}, error) {
			if err := expectParams(p, 1); err != nil {
				return nil, err
			}
			addr, err := addressParam(p[0], "address")
			if err != nil {
				return nil, err
			}
			return l.Nonce(addr), nil
		},
		"dexcrow_getBalance": func(_ context.Context, p []json.RawMessage) (interface{}, error) {
			if len(p) != 1 && len(p) != 2 {
				return nil, invalidParams("expected address and optional asset")
			}
			addr, err := addressParam(p[0], "address")
			if err != nil {
				return nil, err
			}
			var asset common.Address
			if len(p) == 2 {
				if asset, err = addressParam(p[1], "asset"); err != nil {
					return nil, err
				}
			}
			return l.Balance(asset, addr)
		},
		"dexcrow_getEscrow": func(_ context.Context, p []json.RawMessage) (interface{}, error) {
			if err := expectParams(p, 1); err != nil {
				return nil, err
			}
			id, err := hashParam(p[0], "escrow id")
			if err != nil {
				return nil, err
			}
			return l.Escrow(id)
		},
		"dexcrow_listEscrows": func(_ context.Context, p []json.RawMessage) (interface{}, error) {
			if err := expectParams(p, 1); err != nil {
				return nil, err
			}
			addr, err := addressParam(p[0], "party")
			if err != nil {
				return nil, err
			}
			return l.ListEscrows(addr)
		},
		"dexcrow_getStats": func(context.Context, []json.RawMessage) (interface{}, error) {
			return l.Stats()
		},
		"dexcrow_getFactoryConfig": func(context.Context, []json.RawMessage) (interface{}, error) {
			return l.FactoryConfig()
		},
		"dexcrow_getArbiter": func(_ context.Context, p []json.RawMessage) (interface{}, error) {
			if err := expectParams(p, 1); err != nil {
				return nil, err
			}
			addr, err := addressParam(p[0], "arbiter")
			if err != nil {
				return nil, err
			}
			return l.Arbiter(addr)
		},
		"dexcrow_getTokenAddress": func(_ context.Context, p []json.RawMessage) (interface{}, error) {
			if err := expectParams(p, 2); err != nil {
				return nil, err
			}
			id, err := tokenParam(p[0])
			if err != nil {
				return nil, err
			}
			chainID, err := uintParam(p[1], "chain id")
			if err != nil {
				return nil, err
			}
			return l.TokenAddress(id, chainID)
		},
		"dexcrow_getChains": func(context.Context, []json.RawMessage) (interface{}, error) {
			return l.Chains()
		},
		"dexcrow_getMerkleRoot": func(_ context.Context, p []json.RawMessage) (interface{}, error) {
			if err := expectParams(p, 1); err != nil {
				return nil, err
			}
			chainID, err := uintParam(p[0], "chain id")
			if err != nil {
				return nil, err
			}
			return l.MerkleRoot(chainID)
		},
		"dexcrow_getCheckpoint": func(context.Context, []json.RawMessage) (interface{}, error) {
			return l.Checkpoint()
		},
		"dexcrow_getGuardianSet": func(context.Context, []json.RawMessage) (interface{}, error) {
			return l.GuardianSet()
		},
		"dexcrow_getOutboxProof": func(_ context.Context, p []json.RawMessage) (interface{}, error) {
			if err := expectParams(p, 2); err != nil {
				return nil, err
			}
			target, err := uintParam(p[0], "target chain id")
			if err != nil {
				return nil, err
			}
			nonce, err := uintParam(p[1], "nonce")
			if err != nil {
				return nil, err
			}
			return l.OutboxProof(target, nonce)
		},
		"dexcrow_quoteCrossChain": func(ctx context.Context, p []json.RawMessage) (interface{}, error) {
			if err := expectParams(p, 1); err != nil {
				return nil, err
			}
			var q struct {
				Buyer              common.Address `json:"buyer"`
				Seller             common.Address `json:"seller"`
				TokenID            common.Hash    `json:"tokenId"`
				Amount             *big.Int       `json:"amount"`
				Deadline           uint64         `json:"deadline"`
				DisputeWindowHours uint64         `json:"disputeWindowHours"`
				Description        string         `json:"description"`
				TargetChainID      uint64         `json:"targetChainId"`
			}
			if err := decodeParam(p[0], &q, "quote params"); err != nil {
				return nil, err
			}
			return l.QuoteCrossChain(ctx, xescrow.CreateParams{
				Buyer:              q.Buyer,
				Seller:             q.Seller,
				TokenID:            q.TokenID,
				Amount:             q.Amount,
				Deadline:           q.Deadline,
				DisputeWindowHours: q.DisputeWindowHours,
				Description:        q.Description,
				TargetChainID:      q.TargetChainID,
			})
		},
		"dexcrow_quoteSettlement": func(_ context.Context, p []json.RawMessage) (interface{}, error) {
			if err := expectParams(p, 1); err != nil {
				return nil, err
			}
			id, err := hashParam(p[0], "mirror id")
			if err != nil {
				return nil, err
			}
			return l.QuoteSettlement(id)
		},
	}
}
