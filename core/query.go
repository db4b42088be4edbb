package core

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"dexcrow/native/arbiter"
	"dexcrow/native/crosschain"
	"dexcrow/native/escrow"
	"dexcrow/native/messenger"
	"dexcrow/native/proofs"
	"dexcrow/native/tokens"
	"dexcrow/native/xescrow"
)

// OutboxProof bundles what a relayer needs to deliver a message: the
// message, its inclusion proof and the checkpoint the proof is against.
type OutboxProof struct {
	Message    *crosschain.Message  `json:"message"`
	Proof      []common.Hash        `json:"proof"`
	Checkpoint messenger.Checkpoint `json:"checkpoint"`
}

// StatsView is the factory counters plus the derived success rate.
type StatsView struct {
	escrow.Stats
	SuccessRateBps uint64 `json:"successRateBps"`
}

func viewOf[T any](l *Ledger, fn func() (T, error)) (T, error) {
	var out T
	err := l.View(func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

func (l *Ledger) Escrow(id common.Hash) (*escrow.Escrow, error) {
	return viewOf(l, func() (*escrow.Escrow, error) { return l.Factory.Escrow(id) })
}

func (l *Ledger) ListEscrows(party common.Address) ([]*escrow.Escrow, error) {
	return viewOf(l, func() ([]*escrow.Escrow, error) { return l.Factory.ListByParty(party) })
}

func (l *Ledger) Stats() (StatsView, error) {
	return viewOf(l, func() (StatsView, error) {
		s, err := l.Factory.Stats()
		if err != nil {
			return StatsView{}, err
		}
		return StatsView{Stats: s, SuccessRateBps: s.SuccessRate()}, nil
	})
}

func (l *Ledger) FactoryConfig() (escrow.Config, error) {
	return viewOf(l, l.Factory.Config)
}

func (l *Ledger) Arbiter(addr common.Address) (*arbiter.Record, error) {
	return viewOf(l, func() (*arbiter.Record, error) { return l.Arbiters.Arbiter(addr) })
}

func (l *Ledger) TokenAddress(id common.Hash, chainID uint64) (tokens.Mapping, error) {
	return viewOf(l, func() (tokens.Mapping, error) { return l.Tokens.GetTokenAddress(id, chainID) })
}

func (l *Ledger) Chains() ([]tokens.ChainInfo, error) {
	return viewOf(l, l.Tokens.Chains)
}

func (l *Ledger) MerkleRoot(chainID uint64) (proofs.RootRecord, error) {
	return viewOf(l, func() (proofs.RootRecord, error) { return l.Proofs.Root(chainID) })
}

// Balance reads a bank balance. The zero asset is the native coin.
func (l *Ledger) Balance(asset, addr common.Address) (*big.Int, error) {
	return viewOf(l, func() (*big.Int, error) { return l.Bank.BalanceOf(asset, addr) })
}

func (l *Ledger) Checkpoint() (messenger.Checkpoint, error) {
	return viewOf(l, l.Messenger.Checkpoint)
}

func (l *Ledger) GuardianSet() (crosschain.GuardianSet, error) {
	return viewOf(l, l.Messenger.GuardianSet)
}

func (l *Ledger) OutboxProof(targetChainID, nonce uint64) (OutboxProof, error) {
	return viewOf(l, func() (OutboxProof, error) {
		msg, proof, cp, err := l.Messenger.OutboxProof(targetChainID, nonce)
		if err != nil {
			return OutboxProof{}, err
		}
		return OutboxProof{Message: msg, Proof: proof, Checkpoint: cp}, nil
	})
}

// QuoteCrossChain prices xescrow_create, including the bridge estimate.
func (l *Ledger) QuoteCrossChain(ctx context.Context, p xescrow.CreateParams) (xescrow.CostBreakdown, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.CrossChain.Quote(ctx, p)
}

func (l *Ledger) QuoteSettlement(mirrorID common.Hash) (*big.Int, error) {
	return viewOf(l, func() (*big.Int, error) { return l.CrossChain.QuoteSettlement(mirrorID) })
}
