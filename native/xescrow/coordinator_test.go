package xescrow

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"dexcrow/core/events"
	"dexcrow/core/state"
	"dexcrow/crypto"
	"dexcrow/native/arbiter"
	"dexcrow/native/bank"
	"dexcrow/native/crosschain"
	nativecommon "dexcrow/native/common"
	"dexcrow/native/escrow"
	"dexcrow/native/messenger"
	"dexcrow/native/params"
	"dexcrow/native/proofs"
	"dexcrow/native/tokens"
	"dexcrow/storage"
)

const (
	chainA = uint64(1)
	chainB = uint64(137)
)

var (
	owner      = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	feeSink    = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	relayer    = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	buyer      = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	seller     = common.HexToAddress("0x0000000000000000000000000000000000000501")
	judge      = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	stakeToken = common.HexToAddress("0x00000000000000000000000000000000000057a1")
	usdcA      = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	usdcB      = common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")

	nativeToken = tokens.TokenID("DXC")
	usdcToken   = tokens.TokenID("USDC")
	oneEther    = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	creationFee = big.NewInt(1_000)
)

// ledger is one chain's set of modules.
type ledger struct {
	chainID   uint64
	bank      *bank.Bank
	engine    *escrow.Engine
	factory   *escrow.Factory
	messenger *messenger.Messenger
	tokens    *tokens.Registry
	proofs    *proofs.Verifier
	coord     *Coordinator
	rec       *events.Recorder
}

type network struct {
	now       int64
	guardians []*crypto.PrivateKey
	set       crosschain.GuardianSet
	a, b      *ledger
}

func newNetwork(t *testing.T) *network {
	t.Helper()
	n := &network{now: 1_700_000_000, set: crosschain.GuardianSet{Index: 1}}
	for i := 0; i < 3; i++ {
		key, err := crypto.GeneratePrivateKey()
		require.NoError(t, err)
		n.guardians = append(n.guardians, key)
		n.set.Guardians = append(n.set.Guardians, key.Address())
	}
	n.a = n.newLedger(t, chainA, usdcA)
	n.b = n.newLedger(t, chainB, usdcB)
	return n
}

func (n *network) newLedger(t *testing.T, chainID uint64, usdc common.Address) *ledger {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	clock := func() int64 { return n.now }
	l := &ledger{chainID: chainID, bank: bank.New(mgr), rec: &events.Recorder{}}
	pauses := params.NewStore(mgr)

	arbiters := arbiter.NewRegistry(mgr, l.bank)
	arbiters.SetNowFunc(clock)
	require.NoError(t, arbiters.Initialize(arbiter.Config{Owner: owner, StakingToken: stakeToken, MinimumHolding: big.NewInt(100)}))

	l.engine = escrow.NewEngine(mgr, l.bank, arbiters, pauses)
	l.engine.SetNowFunc(clock)
	l.engine.SetEmitter(l.rec)
	l.factory = escrow.NewFactory(l.engine)

	l.tokens = tokens.NewRegistry(mgr)
	l.tokens.SetNowFunc(clock)
	require.NoError(t, l.tokens.Initialize(tokens.Config{Owner: owner}))
	require.NoError(t, l.tokens.AddChain(owner, tokens.ChainInfo{ChainID: chainA, Type: tokens.ChainTypeEVM, Name: "alpha", Active: true}))
	require.NoError(t, l.tokens.AddChain(owner, tokens.ChainInfo{ChainID: chainB, Type: tokens.ChainTypeEVM, Name: "beta", Active: true}))
	for _, cid := range []uint64{chainA, chainB} {
		_, err := l.tokens.RegisterToken(owner, tokens.RegisterParams{Symbol: "DXC", Name: "Dexcrow Coin", ChainID: cid, Decimals: 18, IsNative: true})
		require.NoError(t, err)
	}
	_, err := l.tokens.RegisterToken(owner, tokens.RegisterParams{Symbol: "USDC", Name: "USD Coin", ChainID: chainA, Address: usdcA.Hex(), Decimals: 6})
	require.NoError(t, err)
	_, err = l.tokens.RegisterToken(owner, tokens.RegisterParams{Symbol: "USDC", Name: "USD Coin", ChainID: chainB, Address: usdcB.Hex(), Decimals: 6})
	require.NoError(t, err)

	l.messenger = messenger.New(mgr, l.bank, pauses)
	l.messenger.SetNowFunc(clock)
	require.NoError(t, l.messenger.Initialize(messenger.Config{
		Owner:        owner,
		LocalChainID: chainID,
		FeeRecipient: feeSink,
		BaseFee:      big.NewInt(500),
		PerByteFee:   big.NewInt(1),
	}))
	require.NoError(t, l.messenger.UpdateGuardianSet(owner, n.set))

	l.proofs = proofs.NewVerifier(mgr)
	l.proofs.SetNowFunc(clock)
	require.NoError(t, l.proofs.Initialize(proofs.Config{Owner: owner}))
	require.NoError(t, l.proofs.SetUpdater(owner, relayer, true))

	l.coord = New(mgr, l.bank, l.factory, l.engine, l.messenger, l.tokens, l.proofs)
	l.coord.SetEmitter(l.rec)
	require.NoError(t, l.messenger.SetAuthorized(owner, l.coord.Address(), true))
	require.NoError(t, l.factory.Initialize(escrow.Config{
		Owner:                     owner,
		FeeRecipient:              feeSink,
		CreationFee:               creationFee,
		PlatformFeeBps:            50,
		ArbiterFeeBps:             100,
		DefaultDisputeWindowHours: 72,
		CrossChainModule:          l.coord.Address(),
	}))
	require.NoError(t, l.factory.SetSupportedAsset(owner, usdc, true))
	require.NoError(t, arbiters.SetEngager(owner, l.engine.Vault(), true))

	for _, addr := range []common.Address{buyer, seller, relayer} {
		require.NoError(t, l.bank.Mint(bank.NativeAsset, addr, new(big.Int).Mul(oneEther, big.NewInt(10))))
	}
	require.NoError(t, l.bank.Mint(usdc, buyer, big.NewInt(1_000_000_000)))
	require.NoError(t, l.bank.Mint(stakeToken, judge, big.NewInt(1_000)))
	require.NoError(t, l.bank.Approve(stakeToken, judge, arbiters.Vault(), big.NewInt(1_000)))
	_, err = arbiters.RequestMembership(judge, big.NewInt(100))
	require.NoError(t, err)
	require.NoError(t, arbiters.Approve(owner, judge))
	return l
}

func (n *network) sign(t *testing.T, msg *crosschain.Message) crosschain.GuardianSignatures {
	t.Helper()
	sigs := crosschain.GuardianSignatures{SetIndex: n.set.Index}
	for i := 0; i < crosschain.Quorum(len(n.guardians)); i++ {
		entry, err := crosschain.Sign(n.guardians[i], msg, n.set.Index, uint32(i))
		require.NoError(t, err)
		sigs.Entries = append(sigs.Entries, entry)
	}
	return sigs
}

// relay publishes from's outbox root on to and delivers the message with
// the given nonce.
func (n *network) relay(t *testing.T, from, to *ledger, nonce uint64) (*escrow.Escrow, error) {
	t.Helper()
	msg, proof, cp, err := from.messenger.OutboxProof(to.chainID, nonce)
	require.NoError(t, err)
	if rec, err := to.proofs.Root(from.chainID); err != nil || rec.Height < cp.Height {
		require.NoError(t, to.proofs.UpdateMerkleRoot(relayer, from.chainID, cp.Root, cp.Height))
	}
	return to.coord.ProcessCrossChainMessage(relayer, msg, n.sign(t, msg), proof)
}

func (n *network) params(token common.Hash, amount *big.Int) CreateParams {
	return CreateParams{
		Buyer:              buyer,
		Seller:             seller,
		TokenID:            token,
		Amount:             amount,
		Deadline:           uint64(n.now + 7*24*3600),
		DisputeWindowHours: 48,
		Description:        "freight container",
		TargetChainID:      chainB,
	}
}

func balance(t *testing.T, l *ledger, asset, addr common.Address) *big.Int {
	t.Helper()
	bal, err := l.bank.BalanceOf(asset, addr)
	require.NoError(t, err)
	return bal
}

func TestCrossChainEscrowCompletesOnOrigin(t *testing.T) {
	n := newNetwork(t)
	ctx := context.Background()
	p := n.params(nativeToken, oneEther)

	quote, err := n.a.coord.Quote(ctx, p)
	require.NoError(t, err)
	require.Equal(t, creationFee, quote.CreationFee)
	require.Equal(t, oneEther, quote.Deposit)
	require.Positive(t, quote.MessageFee.Sign())
	require.Zero(t, quote.Bridge.Fee.Sign())

	_, _, err = n.a.coord.CreateCrossChainEscrow(buyer, oneEther, p)
	require.ErrorIs(t, err, ErrValueMismatch)

	origin, msg, err := n.a.coord.CreateCrossChainEscrow(buyer, quote.Total, p)
	require.NoError(t, err)
	require.True(t, origin.IsOrigin())
	require.Equal(t, escrow.StateAwaitingFulfillment, origin.State)
	require.Equal(t, buyer, origin.Depositor)
	require.Equal(t, msg.Nonce, origin.Remote.MessageNonce)
	require.Equal(t, oneEther, balance(t, n.a, bank.NativeAsset, n.a.engine.Vault()))

	_, err = n.a.engine.ConfirmFulfillment(buyer, origin.ID)
	require.ErrorIs(t, err, escrow.ErrRemoteControlled)

	mirror, err := n.relay(t, n.a, n.b, msg.Nonce)
	require.NoError(t, err)
	require.True(t, mirror.IsMirror())
	require.Equal(t, escrow.StateAwaitingFulfillment, mirror.State)
	require.Equal(t, origin.ID, mirror.Remote.CounterpartID)
	require.Zero(t, balance(t, n.b, bank.NativeAsset, n.b.engine.Vault()).Sign())

	_, err = n.relay(t, n.a, n.b, msg.Nonce)
	require.ErrorIs(t, err, messenger.ErrAlreadyConsumed)

	_, err = n.b.coord.SettleCrossChain(seller, big.NewInt(0), mirror.ID)
	require.ErrorIs(t, err, escrow.ErrInvalidTransition)

	_, err = n.b.engine.ConfirmFulfillment(buyer, mirror.ID)
	require.NoError(t, err)

	fee, err := n.b.coord.QuoteSettlement(mirror.ID)
	require.NoError(t, err)
	back, err := n.b.coord.SettleCrossChain(seller, fee, mirror.ID)
	require.NoError(t, err)
	require.Equal(t, crosschain.OutcomeCompleted, back.Payload.Outcome)
	_, err = n.b.coord.SettleCrossChain(seller, fee, mirror.ID)
	require.ErrorIs(t, err, escrow.ErrOutcomeAlreadySent)

	sellerBefore := balance(t, n.a, bank.NativeAsset, seller)
	settled, err := n.relay(t, n.b, n.a, back.Nonce)
	require.NoError(t, err)
	require.Equal(t, escrow.StateCompleted, settled.State)
	require.True(t, settled.Remote.OutcomeApplied)

	payout := new(big.Int).Sub(oneEther, big.NewInt(5_000_000_000_000_000))
	require.Equal(t, new(big.Int).Add(sellerBefore, payout), balance(t, n.a, bank.NativeAsset, seller))
	require.Zero(t, balance(t, n.a, bank.NativeAsset, n.a.engine.Vault()).Sign())
	require.Contains(t, n.a.rec.Types(), EventTypeMessageProcessed)
	require.Contains(t, n.b.rec.Types(), EventTypeOutcomeSent)
}

func TestOriginCancelWaitsForMirrorOutcome(t *testing.T) {
	n := newNetwork(t)
	p := n.params(nativeToken, oneEther)
	quote, err := n.a.coord.Quote(context.Background(), p)
	require.NoError(t, err)
	origin, msg, err := n.a.coord.CreateCrossChainEscrow(buyer, quote.Total, p)
	require.NoError(t, err)
	mirror, err := n.relay(t, n.a, n.b, msg.Nonce)
	require.NoError(t, err)
	_, err = n.b.engine.ConfirmFulfillment(buyer, mirror.ID)
	require.NoError(t, err)

	n.now = int64(origin.Deadline) + 1
	buyerBefore := balance(t, n.a, bank.NativeAsset, buyer)
	_, err = n.a.engine.Cancel(buyer, origin.ID)
	require.ErrorIs(t, err, escrow.ErrRemoteControlled)
	require.Equal(t, buyerBefore, balance(t, n.a, bank.NativeAsset, buyer))

	fee, err := n.b.coord.QuoteSettlement(mirror.ID)
	require.NoError(t, err)
	back, err := n.b.coord.SettleCrossChain(seller, fee, mirror.ID)
	require.NoError(t, err)

	sellerBefore := balance(t, n.a, bank.NativeAsset, seller)
	settled, err := n.relay(t, n.b, n.a, back.Nonce)
	require.NoError(t, err)
	require.Equal(t, escrow.StateCompleted, settled.State)
	payout := new(big.Int).Sub(oneEther, big.NewInt(5_000_000_000_000_000))
	require.Equal(t, new(big.Int).Add(sellerBefore, payout), balance(t, n.a, bank.NativeAsset, seller))
	require.Equal(t, buyerBefore, balance(t, n.a, bank.NativeAsset, buyer))
}

func TestCrossChainDisputeResolvedOnMirror(t *testing.T) {
	n := newNetwork(t)
	p := n.params(usdcToken, big.NewInt(10_000))

	quote, err := n.a.coord.Quote(context.Background(), p)
	require.NoError(t, err)
	require.Zero(t, quote.Deposit.Sign())

	_, _, err = n.a.coord.CreateCrossChainEscrow(buyer, quote.Total, p)
	require.Error(t, err)
	require.NoError(t, n.a.bank.Approve(usdcA, buyer, n.a.coord.Address(), big.NewInt(10_000)))

	origin, msg, err := n.a.coord.CreateCrossChainEscrow(buyer, quote.Total, p)
	require.NoError(t, err)
	require.Equal(t, usdcA, origin.Asset)
	require.Equal(t, big.NewInt(10_000), balance(t, n.a, usdcA, n.a.engine.Vault()))

	mirror, err := n.relay(t, n.a, n.b, msg.Nonce)
	require.NoError(t, err)
	require.Equal(t, usdcB, mirror.Asset)

	_, err = n.b.engine.RaiseDispute(buyer, mirror.ID, "container arrived empty")
	require.NoError(t, err)
	_, err = n.b.engine.BecomeArbiter(judge, mirror.ID)
	require.NoError(t, err)
	_, err = n.b.engine.ResolveDispute(judge, mirror.ID, true, "photos confirm")
	require.NoError(t, err)

	fee, err := n.b.coord.QuoteSettlement(mirror.ID)
	require.NoError(t, err)
	back, err := n.b.coord.SettleCrossChain(buyer, fee, mirror.ID)
	require.NoError(t, err)
	require.Equal(t, crosschain.OutcomeCanceled, back.Payload.Outcome)
	require.Equal(t, judge, back.Payload.Arbiter)

	buyerBefore := balance(t, n.a, usdcA, buyer)
	settled, err := n.relay(t, n.b, n.a, back.Nonce)
	require.NoError(t, err)
	require.Equal(t, escrow.StateCanceled, settled.State)
	require.Equal(t, new(big.Int).Add(buyerBefore, big.NewInt(9_850)), balance(t, n.a, usdcA, buyer))
	require.Equal(t, big.NewInt(100), balance(t, n.a, usdcA, judge))
	require.Equal(t, big.NewInt(50), balance(t, n.a, usdcA, feeSink))
}

func TestProcessCrossChainMessageRejectsUntrustedInput(t *testing.T) {
	n := newNetwork(t)
	p := n.params(nativeToken, big.NewInt(10_000))
	quote, err := n.a.coord.Quote(context.Background(), p)
	require.NoError(t, err)
	_, msg, err := n.a.coord.CreateCrossChainEscrow(buyer, quote.Total, p)
	require.NoError(t, err)

	out, proof, cp, err := n.a.messenger.OutboxProof(chainB, msg.Nonce)
	require.NoError(t, err)

	// no root published yet
	_, err = n.b.coord.ProcessCrossChainMessage(relayer, out, n.sign(t, out), proof)
	require.ErrorIs(t, err, nativecommon.ErrIntegrity)

	require.NoError(t, n.b.proofs.UpdateMerkleRoot(relayer, chainA, cp.Root, cp.Height))

	// a forged payload fails the guardian check before the proof is looked at
	forged := *out
	forged.Payload.Amount = big.NewInt(1)
	sigs := n.sign(t, out)
	_, err = n.b.coord.ProcessCrossChainMessage(relayer, &forged, sigs, proof)
	require.ErrorIs(t, err, nativecommon.ErrIntegrity)

	// correctly signed but not in the published outbox
	signedForgery := n.sign(t, &forged)
	_, err = n.b.coord.ProcessCrossChainMessage(relayer, &forged, signedForgery, proof)
	require.ErrorIs(t, err, proofs.ErrProofMismatch)
	require.False(t, n.b.messenger.IsConsumed(chainA, out.Nonce))

	_, err = n.b.coord.ProcessCrossChainMessage(relayer, out, sigs, proof)
	require.NoError(t, err)
	require.True(t, n.b.messenger.IsConsumed(chainA, out.Nonce))
}

func TestCreateCrossChainEscrowRouteChecks(t *testing.T) {
	n := newNetwork(t)

	p := n.params(nativeToken, big.NewInt(10_000))
	p.TargetChainID = chainA
	_, _, err := n.a.coord.CreateCrossChainEscrow(buyer, big.NewInt(0), p)
	require.ErrorIs(t, err, ErrUnsupportedChain)

	p.TargetChainID = 10
	_, err = n.a.coord.Quote(context.Background(), p)
	require.ErrorIs(t, err, ErrUnsupportedChain)

	require.NoError(t, n.a.tokens.DeactivateToken(owner, usdcToken, chainB))
	p = n.params(usdcToken, big.NewInt(10_000))
	_, err = n.a.coord.Quote(context.Background(), p)
	require.ErrorIs(t, err, tokens.ErrMappingInactive)

	p = n.params(tokens.TokenID("NOPE"), big.NewInt(10_000))
	_, err = n.a.coord.Quote(context.Background(), p)
	require.ErrorIs(t, err, tokens.ErrTokenNotFound)
}

func TestBridgeDelegation(t *testing.T) {
	n := newNetwork(t)
	ctx := context.Background()

	_, err := n.a.coord.ExecuteBridgedCall(ctx, Call{ChainID: chainB, Target: usdcB.Hex()})
	require.ErrorIs(t, err, ErrBridgeUnavailable)
	require.True(t, nativecommon.Retryable(err))

	var seen Call
	n.a.coord.SetBridge(FuncBridge{
		EstimateFn: func(_ context.Context, r Route) (Quote, error) {
			return Quote{Fee: new(big.Int).Div(r.Amount, big.NewInt(100)), Provider: "test"}, nil
		},
		ExecuteFn: func(_ context.Context, c Call) (string, error) {
			seen = c
			return "0xabc", nil
		},
	})
	quote, err := n.a.coord.Quote(ctx, n.params(nativeToken, big.NewInt(10_000)))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100), quote.Bridge.Fee)

	_, err = n.a.coord.ExecuteBridgedCall(ctx, Call{ChainID: 10, Target: "0x1"})
	require.ErrorIs(t, err, ErrUnsupportedChain)
	_, err = n.a.coord.ExecuteBridgedCall(ctx, Call{ChainID: chainB})
	require.ErrorIs(t, err, ErrInvalidCall)

	ref, err := n.a.coord.ExecuteBridgedCall(ctx, Call{ChainID: chainB, Target: usdcB.Hex(), Data: []byte{1}})
	require.NoError(t, err)
	require.Equal(t, "0xabc", ref)
	require.Equal(t, []byte{1}, seen.Data)
}
