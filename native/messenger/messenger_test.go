package messenger

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"dexcrow/core/events"
	"dexcrow/core/state"
	"dexcrow/crypto"
	"dexcrow/crypto/merkle"
	"dexcrow/native/bank"
	"dexcrow/native/crosschain"
	nativecommon "dexcrow/native/common"
	"dexcrow/native/params"
	"dexcrow/storage"
)

const (
	localChain  = uint64(1)
	remoteChain = uint64(137)
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	feeSink  = common.HexToAddress("0x00000000000000000000000000000000000000f3")
	agent    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	stranger = common.HexToAddress("0x0000000000000000000000000000000000000999")
)

type fixture struct {
	messenger *Messenger
	bank      *bank.Bank
	recorder  *events.Recorder
	guardians []*crypto.PrivateKey
	set       crosschain.GuardianSet
	now       int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	b := bank.New(manager)
	f := &fixture{bank: b, recorder: &events.Recorder{}, now: 1_700_000_000}
	m := New(manager, b, params.NewStore(manager))
	m.SetEmitter(f.recorder)
	m.SetNowFunc(func() int64 { return f.now })
	require.NoError(t, m.Initialize(Config{
		Owner:        owner,
		LocalChainID: localChain,
		FeeRecipient: feeSink,
		BaseFee:      big.NewInt(1_000),
		PerByteFee:   big.NewInt(2),
	}))
	require.NoError(t, m.SetAuthorized(owner, agent, true))
	require.NoError(t, b.Mint(bank.NativeAsset, agent, big.NewInt(1_000_000_000)))

	f.set = crosschain.GuardianSet{Index: 1}
	for i := 0; i < 4; i++ {
		key, err := crypto.GeneratePrivateKey()
		require.NoError(t, err)
		f.guardians = append(f.guardians, key)
		f.set.Guardians = append(f.set.Guardians, key.Address())
	}
	require.NoError(t, m.UpdateGuardianSet(owner, f.set))
	f.messenger = m
	return f
}

func settlePayload(seed int64) crosschain.Payload {
	return crosschain.Payload{
		Kind:     crosschain.KindSettle,
		EscrowID: common.BigToHash(big.NewInt(seed)),
		Outcome:  crosschain.OutcomeCompleted,
	}
}

func (f *fixture) sign(t *testing.T, msg *crosschain.Message, count int) crosschain.GuardianSignatures {
	t.Helper()
	sigs := crosschain.GuardianSignatures{SetIndex: f.set.Index}
	for i := 0; i < count; i++ {
		entry, err := crosschain.Sign(f.guardians[i], msg, f.set.Index, uint32(i))
		require.NoError(t, err)
		sigs.Entries = append(sigs.Entries, entry)
	}
	return sigs
}

func inbound(nonce uint64) *crosschain.Message {
	return &crosschain.Message{
		SourceChainID: remoteChain,
		TargetChainID: localChain,
		Nonce:         nonce,
		Sender:        agent,
		Payload:       settlePayload(int64(nonce)),
	}
}

func TestLinearFeeScalesWithCongestion(t *testing.T) {
	fn := LinearFee(big.NewInt(100), big.NewInt(3))
	require.Equal(t, big.NewInt(130), fn(remoteChain, 10, DefaultCongestionBps))
	require.Equal(t, big.NewInt(260), fn(remoteChain, 10, 2*DefaultCongestionBps))
	require.Equal(t, big.NewInt(65), fn(remoteChain, 10, DefaultCongestionBps/2))
}

func TestSendMessageAssignsNoncesAndChargesFee(t *testing.T) {
	f := newFixture(t)
	m := f.messenger

	fee, err := m.QuotePayload(agent, remoteChain, settlePayload(7))
	require.NoError(t, err)
	require.Positive(t, fee.Sign())

	_, err = m.SendMessage(agent, new(big.Int).Sub(fee, big.NewInt(1)), remoteChain, settlePayload(7))
	require.ErrorIs(t, err, ErrInsufficientFee)
	require.ErrorIs(t, err, nativecommon.ErrEconomic)

	overpay := new(big.Int).Add(fee, big.NewInt(500))
	first, err := m.SendMessage(agent, overpay, remoteChain, settlePayload(7))
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.Nonce)
	require.Equal(t, localChain, first.SourceChainID)
	require.Equal(t, agent, first.Sender)

	second, err := m.SendMessage(agent, overpay, remoteChain, settlePayload(8))
	require.NoError(t, err)
	require.Equal(t, uint64(2), second.Nonce)

	other, err := m.SendMessage(agent, overpay, 10, settlePayload(9))
	require.NoError(t, err)
	require.Equal(t, uint64(1), other.Nonce)

	collected, err := f.bank.BalanceOf(bank.NativeAsset, feeSink)
	require.NoError(t, err)
	require.Equal(t, 1, collected.Cmp(new(big.Int).Mul(fee, big.NewInt(2))))
	left, err := f.bank.BalanceOf(bank.NativeAsset, agent)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_000_000_000), new(big.Int).Add(left, collected))
	require.Contains(t, f.recorder.Types(), EventTypeMessageSent)
}

func TestSendMessageRejections(t *testing.T) {
	f := newFixture(t)
	m := f.messenger
	value := big.NewInt(1_000_000)

	_, err := m.SendMessage(stranger, value, remoteChain, settlePayload(1))
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = m.SendMessage(agent, value, localChain, settlePayload(1))
	require.ErrorIs(t, err, ErrInvalidTarget)
	_, err = m.SendMessage(agent, value, remoteChain, crosschain.Payload{Kind: crosschain.KindSettle})
	require.ErrorIs(t, err, crosschain.ErrInvalidMessage)

	require.NoError(t, m.SetPaused(owner, true))
	_, err = m.SendMessage(agent, value, remoteChain, settlePayload(1))
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)
	require.NoError(t, m.SetPaused(owner, false))

	require.Zero(t, m.Nonce(remoteChain))
}

func TestSendMessageQuotaPerTargetChain(t *testing.T) {
	f := newFixture(t)
	m := f.messenger
	value := big.NewInt(1_000_000)
	require.NoError(t, m.SetQuota(owner, nativecommon.Quota{MaxMessagesPerEpoch: 2, EpochSeconds: 3600}))

	for i := int64(0); i < 2; i++ {
		_, err := m.SendMessage(agent, value, remoteChain, settlePayload(i+1))
		require.NoError(t, err)
	}
	_, err := m.SendMessage(agent, value, remoteChain, settlePayload(3))
	require.ErrorIs(t, err, nativecommon.ErrQuotaMessagesExceeded)
	require.True(t, nativecommon.Retryable(err))

	_, err = m.SendMessage(agent, value, 10, settlePayload(3))
	require.NoError(t, err)

	f.now += 3600
	_, err = m.SendMessage(agent, value, remoteChain, settlePayload(3))
	require.NoError(t, err)

	cfg, err := m.Config()
	require.NoError(t, err)
	require.NoError(t, m.PruneQuotaEpoch(owner, cfg.Quota.Epoch(uint64(f.now))-1))
	require.ErrorIs(t, m.PruneQuotaEpoch(owner, cfg.Quota.Epoch(uint64(f.now))), ErrInvalidConfig)
}

func TestCongestionRaisesQuote(t *testing.T) {
	f := newFixture(t)
	m := f.messenger
	base, err := m.QuoteFee(remoteChain, 100)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1_200), base)

	require.ErrorIs(t, m.SetCongestion(owner, remoteChain, 0), ErrInvalidCongestion)
	require.ErrorIs(t, m.SetCongestion(stranger, remoteChain, 20_000), ErrUnauthorized)
	require.NoError(t, m.SetCongestion(owner, remoteChain, 20_000))

	busy, err := m.QuoteFee(remoteChain, 100)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(2_400), busy)

	m.SetFeeFunc(func(uint64, int, uint32) *big.Int { return big.NewInt(5) })
	custom, err := m.QuoteFee(remoteChain, 100)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(5), custom)
}

func TestOutboxProofsVerifyAgainstLatestCheckpoint(t *testing.T) {
	f := newFixture(t)
	m := f.messenger
	value := big.NewInt(1_000_000)

	empty, err := m.Checkpoint()
	require.NoError(t, err)
	require.Zero(t, empty.Height)

	for i := int64(0); i < 5; i++ {
		_, err := m.SendMessage(agent, value, remoteChain, settlePayload(i+1))
		require.NoError(t, err)
	}
	cp, err := m.Checkpoint()
	require.NoError(t, err)
	require.Equal(t, uint64(5), cp.Height)
	require.Equal(t, localChain, cp.ChainID)

	for nonce := uint64(1); nonce <= 5; nonce++ {
		msg, proof, proofCp, err := m.OutboxProof(remoteChain, nonce)
		require.NoError(t, err)
		require.Equal(t, cp, proofCp)
		leaf, err := msg.Leaf()
		require.NoError(t, err)
		require.True(t, merkle.Verify(leaf, proof, cp.Root))
	}

	_, _, _, err = m.OutboxProof(remoteChain, 6)
	require.ErrorIs(t, err, ErrMessageNotFound)
}

func TestReceiveMessageConsumesOnce(t *testing.T) {
	f := newFixture(t)
	m := f.messenger
	msg := inbound(1)
	sigs := f.sign(t, msg, crosschain.Quorum(len(f.set.Guardians)))

	_, err := m.ReceiveMessage(stranger, msg, sigs)
	require.ErrorIs(t, err, ErrUnauthorized)

	payload, err := m.ReceiveMessage(agent, msg, sigs)
	require.NoError(t, err)
	require.Equal(t, msg.Payload.EscrowID, payload.EscrowID)
	require.True(t, m.IsConsumed(remoteChain, 1))

	_, err = m.ReceiveMessage(agent, msg, sigs)
	require.ErrorIs(t, err, ErrAlreadyConsumed)
	require.ErrorIs(t, err, nativecommon.ErrReplay)
	require.False(t, nativecommon.Retryable(err))
}

func TestReceiveMessageRejectsBadAuthentication(t *testing.T) {
	f := newFixture(t)
	m := f.messenger
	msg := inbound(1)

	_, err := m.ReceiveMessage(agent, msg, f.sign(t, msg, 2))
	require.ErrorIs(t, err, crosschain.ErrQuorumNotMet)
	require.False(t, m.IsConsumed(remoteChain, 1))

	wrong := inbound(1)
	wrong.TargetChainID = 10
	_, err = m.ReceiveMessage(agent, wrong, f.sign(t, wrong, 3))
	require.ErrorIs(t, err, ErrWrongDestination)

	tampered := f.sign(t, msg, 3)
	other := inbound(1)
	other.Payload.Outcome = crosschain.OutcomeCanceled
	_, err = m.ReceiveMessage(agent, other, tampered)
	require.ErrorIs(t, err, nativecommon.ErrIntegrity)
}

func TestGuardianRotationInvalidatesOldSignatures(t *testing.T) {
	f := newFixture(t)
	m := f.messenger
	msg := inbound(1)
	old := f.sign(t, msg, 3)

	require.ErrorIs(t, m.UpdateGuardianSet(owner, f.set), ErrGuardianIndexStale)
	require.ErrorIs(t, m.UpdateGuardianSet(stranger, crosschain.GuardianSet{Index: 2, Guardians: f.set.Guardians}), ErrUnauthorized)
	require.NoError(t, m.UpdateGuardianSet(owner, crosschain.GuardianSet{Index: 2, Guardians: f.set.Guardians}))

	_, err := m.ReceiveMessage(agent, msg, old)
	require.ErrorIs(t, err, crosschain.ErrStaleGuardianSet)

	f.set.Index = 2
	_, err = m.ReceiveMessage(agent, msg, f.sign(t, msg, 3))
	require.NoError(t, err)
	require.Contains(t, f.recorder.Types(), EventTypeGuardiansUpdated)
}
