package core

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"dexcrow/native/arbiter"
	"dexcrow/native/crosschain"
	nativecommon "dexcrow/native/common"
	"dexcrow/native/escrow"
	"dexcrow/native/messenger"
	"dexcrow/native/proofs"
	"dexcrow/native/tokens"
)

var genesisKey = []byte("ledger/genesis")

// Allocation credits an initial balance.
type Allocation struct {
	Asset   common.Address
	Address common.Address
	Amount  *big.Int
}

// Genesis is the initial configuration of every module. One Owner
// administers all of them.
type Genesis struct {
	ChainID      uint64
	Owner        common.Address
	FeeRecipient common.Address

	CreationFee               *big.Int
	PlatformFeeBps            uint32
	ArbiterFeeBps             uint32
	DefaultDisputeWindowHours uint64
	SupportedAssets           []common.Address

	StakingToken    common.Address
	MinimumStake    *big.Int
	CooldownSeconds uint64

	MessageBaseFee    *big.Int
	MessagePerByteFee *big.Int
	MessageQuota      nativecommon.Quota
	Guardians         *crosschain.GuardianSet

	Chains       []tokens.ChainInfo
	Tokens       []tokens.RegisterParams
	RootUpdaters []common.Address
	Allocations  []Allocation
}

func (g Genesis) validate() error {
	if g.ChainID == 0 {
		return fmt.Errorf("genesis: chain id required")
	}
	if g.Owner == (common.Address{}) {
		return fmt.Errorf("genesis: owner required")
	}
	if g.FeeRecipient == (common.Address{}) {
		return fmt.Errorf("genesis: fee recipient required")
	}
	return nil
}

// applyGenesis initialises the modules once. Later starts find the marker
// and leave the stored configuration untouched.
func (l *Ledger) applyGenesis(g Genesis) error {
	var chainID uint64
	done, err := l.state.KVGet(genesisKey, &chainID)
	if err != nil {
		return err
	}
	if done {
		if chainID != g.ChainID {
			return fmt.Errorf("genesis: database belongs to chain %d, configured %d", chainID, g.ChainID)
		}
		return nil
	}
	if err := g.validate(); err != nil {
		return err
	}
	if err := nativecommon.Atomic(l.state, func() error { return l.initModules(g) }); err != nil {
		l.state.Discard()
		return err
	}
	if err := l.state.KVPut(genesisKey, g.ChainID); err != nil {
		return err
	}
	evts := l.state.DrainEvents()
	if err := l.state.Commit(); err != nil {
		return err
	}
	l.logger.Info("genesis applied", "chainId", g.ChainID, "events", len(evts))
	return nil
}

func (l *Ledger) initModules(g Genesis) error {
	owner := g.Owner
	if err := l.Arbiters.Initialize(arbiter.Config{
		Owner:          owner,
		StakingToken:   g.StakingToken,
		MinimumHolding: g.MinimumStake,
		Cooldown:       g.CooldownSeconds,
	}); err != nil {
		return fmt.Errorf("genesis: arbiters: %w", err)
	}
	if err := l.Factory.Initialize(escrow.Config{
		Owner:                     owner,
		FeeRecipient:              g.FeeRecipient,
		CreationFee:               g.CreationFee,
		PlatformFeeBps:            g.PlatformFeeBps,
		ArbiterFeeBps:             g.ArbiterFeeBps,
		DefaultDisputeWindowHours: g.DefaultDisputeWindowHours,
		CrossChainModule:          l.CrossChain.Address(),
	}); err != nil {
		return fmt.Errorf("genesis: factory: %w", err)
	}
	if err := l.Arbiters.SetEngager(owner, l.Engine.Vault(), true); err != nil {
		return fmt.Errorf("genesis: arbiters: %w", err)
	}
	for _, asset := range g.SupportedAssets {
		if err := l.Factory.SetSupportedAsset(owner, asset, true); err != nil {
			return fmt.Errorf("genesis: supported asset %s: %w", asset.Hex(), err)
		}
	}

	if err := l.Tokens.Initialize(tokens.Config{Owner: owner}); err != nil {
		return fmt.Errorf("genesis: tokens: %w", err)
	}
	for _, chain := range g.Chains {
		if err := l.Tokens.AddChain(owner, chain); err != nil {
			return fmt.Errorf("genesis: chain %d: %w", chain.ChainID, err)
		}
	}
	for _, tok := range g.Tokens {
		if _, err := l.Tokens.RegisterToken(owner, tok); err != nil {
			return fmt.Errorf("genesis: token %s on %d: %w", tok.Symbol, tok.ChainID, err)
		}
	}

	if err := l.Proofs.Initialize(proofs.Config{Owner: owner}); err != nil {
		return fmt.Errorf("genesis: proofs: %w", err)
	}
	for _, updater := range g.RootUpdaters {
		if err := l.Proofs.SetUpdater(owner, updater, true); err != nil {
			return fmt.Errorf("genesis: root updater: %w", err)
		}
	}

	if err := l.Messenger.Initialize(messenger.Config{
		Owner:        owner,
		LocalChainID: g.ChainID,
		FeeRecipient: g.FeeRecipient,
		BaseFee:      g.MessageBaseFee,
		PerByteFee:   g.MessagePerByteFee,
		Quota:        g.MessageQuota,
	}); err != nil {
		return fmt.Errorf("genesis: messenger: %w", err)
	}
	if err := l.Messenger.SetAuthorized(owner, l.CrossChain.Address(), true); err != nil {
		return fmt.Errorf("genesis: messenger: %w", err)
	}
	if g.Guardians != nil {
		if err := l.Messenger.UpdateGuardianSet(owner, *g.Guardians); err != nil {
			return fmt.Errorf("genesis: guardians: %w", err)
		}
	}

	for _, alloc := range g.Allocations {
		if err := l.Bank.Mint(alloc.Asset, alloc.Address, alloc.Amount); err != nil {
			return fmt.Errorf("genesis: allocation to %s: %w", alloc.Address.Hex(), err)
		}
	}
	return nil
}
