package messenger

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"dexcrow/core/events"
	"dexcrow/core/types"
	"dexcrow/crypto/merkle"
	"dexcrow/native/crosschain"
	nativecommon "dexcrow/native/common"
	"dexcrow/native/system/quotas"
)

const (
	EventTypeMessageSent      = "messenger.sent"
	EventTypeMessageReceived  = "messenger.received"
	EventTypeGuardiansUpdated = "messenger.guardians_updated"
	EventTypeParamsUpdated    = "messenger.params_updated"
)

var (
	errNilState = errors.New("messenger: state not configured")

	ErrNotInitialised     = nativecommon.NewError(nativecommon.ErrInternal, "messenger: not initialised")
	ErrUnauthorized       = nativecommon.NewError(nativecommon.ErrAuthorization, "messenger: caller not authorized")
	ErrInvalidConfig      = nativecommon.NewError(nativecommon.ErrValidation, "messenger: invalid configuration")
	ErrInvalidTarget      = nativecommon.NewError(nativecommon.ErrValidation, "messenger: invalid target chain")
	ErrWrongDestination   = nativecommon.NewError(nativecommon.ErrValidation, "messenger: message is not addressed to this chain")
	ErrPayloadTooLarge    = nativecommon.NewError(nativecommon.ErrValidation, "messenger: payload too large")
	ErrInvalidCongestion  = nativecommon.NewError(nativecommon.ErrValidation, "messenger: congestion multiplier out of range")
	ErrInsufficientFee    = nativecommon.NewError(nativecommon.ErrEconomic, "messenger: attached value does not cover the fee")
	ErrAlreadyConsumed    = nativecommon.NewError(nativecommon.ErrReplay, "messenger: message already consumed")
	ErrGuardianIndexStale = nativecommon.NewError(nativecommon.ErrValidation, "messenger: guardian set index must increase")
	ErrNoGuardianSet      = nativecommon.NewError(nativecommon.ErrIntegrity, "messenger: no guardian set configured")
	ErrMessageNotFound    = nativecommon.NewError(nativecommon.ErrValidation, "messenger: message not in outbox")
)

var (
	configKey      = []byte("messenger/config")
	guardianKey    = []byte("messenger/guardians")
	outboxCountKey = []byte("messenger/outbox/count")
)

func nonceKey(target uint64) []byte {
	return []byte(fmt.Sprintf("messenger/nonce/%d", target))
}

func outboxKey(pos uint64) []byte {
	return []byte(fmt.Sprintf("messenger/outbox/%d", pos))
}

func positionKey(target, nonce uint64) []byte {
	return []byte(fmt.Sprintf("messenger/outbox/pos/%d/%d", target, nonce))
}

func consumedKey(source, nonce uint64) []byte {
	return []byte(fmt.Sprintf("messenger/consumed/%d/%d", source, nonce))
}

func authorizedKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("messenger/authorized/%x", addr))
}

func congestionKey(chainID uint64) []byte {
	return []byte(fmt.Sprintf("messenger/congestion/%d", chainID))
}

// State is the slice of the state manager used by the messenger.
type State interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
	KVDelete(key []byte) error
	nativecommon.Journal
}

// Bank collects messenger fees in the native asset.
type Bank interface {
	Transfer(asset, from, to common.Address, amount *big.Int) error
}

// Pauses stores the per-module pause switches.
type Pauses interface {
	nativecommon.PauseView
	SetPaused(module string, paused bool) error
}

// Messenger sends outbound messages through a Merkle-committed outbox and
// accepts inbound messages authenticated by the guardian set.
type Messenger struct {
	state   State
	bank    Bank
	pauses  Pauses
	quotas  *quotas.Store
	feeFn   FeeFunc
	emitter events.Emitter
	nowFn   func() int64
	guard   nativecommon.ReentrancyGuard
}

// New constructs a messenger. The fee function defaults to LinearFee over the
// configured base and per-byte fees.
func New(state State, bank Bank, pauses Pauses) *Messenger {
	return &Messenger{
		state:   state,
		bank:    bank,
		pauses:  pauses,
		quotas:  quotas.NewStore(state),
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

func (m *Messenger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		m.emitter = events.NoopEmitter{}
		return
	}
	m.emitter = emitter
}

func (m *Messenger) SetNowFunc(now func() int64) {
	if now == nil {
		m.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	m.nowFn = now
}

// SetFeeFunc installs a custom fee function. Nil restores LinearFee.
func (m *Messenger) SetFeeFunc(fn FeeFunc) {
	m.feeFn = fn
}

func (m *Messenger) now() uint64 {
	if ts := m.nowFn(); ts > 0 {
		return uint64(ts)
	}
	return 0
}

func (m *Messenger) run(fn func() error) error {
	if m == nil || m.state == nil {
		return errNilState
	}
	return m.guard.Execute(m.state, fn)
}

// Initialize stores the genesis configuration once.
func (m *Messenger) Initialize(cfg Config) error {
	return m.run(func() error {
		if _, err := m.Config(); err == nil {
			return nil
		}
		if cfg.Owner == (common.Address{}) || cfg.FeeRecipient == (common.Address{}) || cfg.LocalChainID == 0 {
			return ErrInvalidConfig
		}
		cfg.BaseFee = cloneBigInt(cfg.BaseFee)
		cfg.PerByteFee = cloneBigInt(cfg.PerByteFee)
		if cfg.BaseFee.Sign() < 0 || cfg.PerByteFee.Sign() < 0 {
			return ErrInvalidConfig
		}
		return m.state.KVPut(configKey, cfg)
	})
}

// Config returns the messenger configuration.
func (m *Messenger) Config() (Config, error) {
	var cfg Config
	ok, err := m.state.KVGet(configKey, &cfg)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Config{}, ErrNotInitialised
	}
	cfg.BaseFee = cloneBigInt(cfg.BaseFee)
	cfg.PerByteFee = cloneBigInt(cfg.PerByteFee)
	return cfg, nil
}

func (m *Messenger) admin(caller common.Address, fn func(cfg *Config) error) error {
	return m.run(func() error {
		cfg, err := m.Config()
		if err != nil {
			return err
		}
		if caller != cfg.Owner {
			return ErrUnauthorized
		}
		return fn(&cfg)
	})
}

// IsAuthorized reports whether addr may send and receive messages.
func (m *Messenger) IsAuthorized(addr common.Address) bool {
	var ok bool
	found, err := m.state.KVGet(authorizedKey(addr), &ok)
	return err == nil && found && ok
}

// SetAuthorized grants or removes the right to send and receive messages.
func (m *Messenger) SetAuthorized(caller, addr common.Address, allowed bool) error {
	return m.admin(caller, func(*Config) error {
		m.emitParams("authorized:"+addr.Hex(), strconv.FormatBool(allowed))
		return m.state.KVPut(authorizedKey(addr), allowed)
	})
}

// SetPaused flips the messenger pause switch.
func (m *Messenger) SetPaused(caller common.Address, paused bool) error {
	return m.admin(caller, func(*Config) error {
		if m.pauses == nil {
			return errNilState
		}
		m.emitParams("paused", strconv.FormatBool(paused))
		return m.pauses.SetPaused(nativecommon.ModuleMessenger, paused)
	})
}

// SetCongestion sets the fee multiplier of a target chain in basis points.
func (m *Messenger) SetCongestion(caller common.Address, chainID uint64, bps uint32) error {
	return m.admin(caller, func(*Config) error {
		if bps == 0 || bps > MaxCongestionBps {
			return ErrInvalidCongestion
		}
		m.emitParams("congestion:"+strconv.FormatUint(chainID, 10), strconv.FormatUint(uint64(bps), 10))
		return m.state.KVPut(congestionKey(chainID), bps)
	})
}

// SetFees updates the parameters of the default fee function.
func (m *Messenger) SetFees(caller common.Address, base, perByte *big.Int) error {
	return m.admin(caller, func(cfg *Config) error {
		if base == nil || perByte == nil || base.Sign() < 0 || perByte.Sign() < 0 {
			return ErrInvalidConfig
		}
		cfg.BaseFee = new(big.Int).Set(base)
		cfg.PerByteFee = new(big.Int).Set(perByte)
		m.emitParams("fees", base.String()+"/"+perByte.String())
		return m.state.KVPut(configKey, *cfg)
	})
}

// SetQuota replaces the per-target outbound quota.
func (m *Messenger) SetQuota(caller common.Address, q nativecommon.Quota) error {
	return m.admin(caller, func(cfg *Config) error {
		if q.Enabled() && q.EpochSeconds == 0 {
			return ErrInvalidConfig
		}
		cfg.Quota = q
		m.emitParams("quota", fmt.Sprintf("%d/%d/%d", q.MaxMessagesPerEpoch, q.MaxBytesPerEpoch, q.EpochSeconds))
		return m.state.KVPut(configKey, *cfg)
	})
}

// PruneQuotaEpoch drops the quota counters of a finished epoch.
func (m *Messenger) PruneQuotaEpoch(caller common.Address, epoch uint64) error {
	return m.admin(caller, func(cfg *Config) error {
		if epoch >= cfg.Quota.Epoch(m.now()) {
			return nativecommon.Wrapf(ErrInvalidConfig, "epoch %d is not finished", epoch)
		}
		return m.quotas.PruneEpoch(quotaScope, epoch)
	})
}

// TransferOwnership hands the messenger to a new owner.
func (m *Messenger) TransferOwnership(caller, owner common.Address) error {
	return m.admin(caller, func(cfg *Config) error {
		if owner == (common.Address{}) {
			return ErrInvalidConfig
		}
		cfg.Owner = owner
		m.emitParams("owner", owner.Hex())
		return m.state.KVPut(configKey, *cfg)
	})
}

func (m *Messenger) emitParams(field, value string) {
	m.emitter.Emit(&types.Event{Type: EventTypeParamsUpdated, Attributes: map[string]string{
		"field": field,
		"value": value,
	}})
}

// Congestion returns the fee multiplier of chainID.
func (m *Messenger) Congestion(chainID uint64) uint32 {
	var bps uint32
	ok, err := m.state.KVGet(congestionKey(chainID), &bps)
	if err != nil || !ok || bps == 0 {
		return DefaultCongestionBps
	}
	return bps
}

// QuoteFee prices a message of size encoded bytes to targetChainID.
func (m *Messenger) QuoteFee(targetChainID uint64, size int) (*big.Int, error) {
	cfg, err := m.Config()
	if err != nil {
		return nil, err
	}
	fn := m.feeFn
	if fn == nil {
		fn = LinearFee(cfg.BaseFee, cfg.PerByteFee)
	}
	fee := fn(targetChainID, size, m.Congestion(targetChainID))
	if fee == nil || fee.Sign() < 0 {
		return big.NewInt(0), nil
	}
	return fee, nil
}

// QuotePayload prices payload as it would be sent from sender to targetChainID.
func (m *Messenger) QuotePayload(sender common.Address, targetChainID uint64, payload crosschain.Payload) (*big.Int, error) {
	cfg, err := m.Config()
	if err != nil {
		return nil, err
	}
	msg := &crosschain.Message{
		SourceChainID: cfg.LocalChainID,
		TargetChainID: targetChainID,
		Nonce:         m.Nonce(targetChainID) + 1,
		Sender:        sender,
		Payload:       payload,
	}
	enc, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	return m.QuoteFee(targetChainID, len(enc))
}

// Nonce returns the last nonce assigned towards targetChainID.
func (m *Messenger) Nonce(targetChainID uint64) uint64 {
	var n uint64
	if _, err := m.state.KVGet(nonceKey(targetChainID), &n); err != nil {
		return 0
	}
	return n
}

// SendMessage appends a message to the outbox. The fee is taken from value;
// any excess stays with the sender.
func (m *Messenger) SendMessage(sender common.Address, value *big.Int, targetChainID uint64, payload crosschain.Payload) (*crosschain.Message, error) {
	var out *crosschain.Message
	err := m.run(func() error {
		if err := nativecommon.Guard(m.pauses, nativecommon.ModuleMessenger); err != nil {
			return err
		}
		cfg, err := m.Config()
		if err != nil {
			return err
		}
		if !m.IsAuthorized(sender) {
			return ErrUnauthorized
		}
		if targetChainID == 0 || targetChainID == cfg.LocalChainID {
			return ErrInvalidTarget
		}
		nonce := m.Nonce(targetChainID) + 1
		msg := &crosschain.Message{
			SourceChainID: cfg.LocalChainID,
			TargetChainID: targetChainID,
			Nonce:         nonce,
			Sender:        sender,
			Payload:       payload,
		}
		if err := msg.Validate(); err != nil {
			return err
		}
		enc, err := msg.Encode()
		if err != nil {
			return err
		}
		if len(enc) > MaxPayloadBytes {
			return nativecommon.Wrapf(ErrPayloadTooLarge, "%d bytes", len(enc))
		}
		subject := []byte(strconv.FormatUint(targetChainID, 10))
		if _, err := m.quotas.Consume(quotaScope, cfg.Quota, m.now(), subject, 1, uint64(len(enc))); err != nil {
			return err
		}
		fee, err := m.QuoteFee(targetChainID, len(enc))
		if err != nil {
			return err
		}
		attached := cloneBigInt(value)
		if attached.Cmp(fee) < 0 {
			return nativecommon.Wrapf(ErrInsufficientFee, "attached %s, fee %s", attached, fee)
		}
		pos, err := m.outboxCount()
		if err != nil {
			return err
		}
		if err := m.state.KVPut(outboxKey(pos), msg); err != nil {
			return err
		}
		if err := m.state.KVPut(positionKey(targetChainID, nonce), pos); err != nil {
			return err
		}
		if err := m.state.KVPut(outboxCountKey, pos+1); err != nil {
			return err
		}
		if err := m.state.KVPut(nonceKey(targetChainID), nonce); err != nil {
			return err
		}
		if fee.Sign() > 0 {
			if err := m.bank.Transfer(common.Address{}, sender, cfg.FeeRecipient, fee); err != nil {
				return err
			}
		}
		m.emitter.Emit(newMessageEvent(EventTypeMessageSent, msg, map[string]string{
			"fee":      fee.String(),
			"refund":   new(big.Int).Sub(attached, fee).String(),
			"position": strconv.FormatUint(pos, 10),
		}))
		out = msg
		return nil
	})
	return out, err
}

func (m *Messenger) outboxCount() (uint64, error) {
	var n uint64
	if _, err := m.state.KVGet(outboxCountKey, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// OutboxMessage returns the message at outbox position pos.
func (m *Messenger) OutboxMessage(pos uint64) (*crosschain.Message, error) {
	var msg crosschain.Message
	ok, err := m.state.KVGet(outboxKey(pos), &msg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrMessageNotFound
	}
	return &msg, nil
}

func (m *Messenger) outboxTree() (*merkle.Tree, error) {
	count, err := m.outboxCount()
	if err != nil {
		return nil, err
	}
	leaves := make([]common.Hash, 0, count)
	for pos := uint64(0); pos < count; pos++ {
		msg, err := m.OutboxMessage(pos)
		if err != nil {
			return nil, err
		}
		leaf, err := msg.Leaf()
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, leaf)
	}
	return merkle.New(leaves), nil
}

// Checkpoint returns the root over the whole outbox. Height is the number of
// messages committed, so later checkpoints always have a greater height.
func (m *Messenger) Checkpoint() (Checkpoint, error) {
	cfg, err := m.Config()
	if err != nil {
		return Checkpoint{}, err
	}
	tree, err := m.outboxTree()
	if err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{ChainID: cfg.LocalChainID, Root: tree.Root(), Height: uint64(tree.Len())}, nil
}

// OutboxProof returns the message sent to targetChainID with nonce and its
// inclusion proof under the current checkpoint.
func (m *Messenger) OutboxProof(targetChainID, nonce uint64) (*crosschain.Message, []common.Hash, Checkpoint, error) {
	var pos uint64
	ok, err := m.state.KVGet(positionKey(targetChainID, nonce), &pos)
	if err != nil {
		return nil, nil, Checkpoint{}, err
	}
	if !ok {
		return nil, nil, Checkpoint{}, ErrMessageNotFound
	}
	msg, err := m.OutboxMessage(pos)
	if err != nil {
		return nil, nil, Checkpoint{}, err
	}
	tree, err := m.outboxTree()
	if err != nil {
		return nil, nil, Checkpoint{}, err
	}
	proof, err := tree.Proof(int(pos))
	if err != nil {
		return nil, nil, Checkpoint{}, err
	}
	cp := Checkpoint{ChainID: msg.SourceChainID, Root: tree.Root(), Height: uint64(tree.Len())}
	return msg, proof, cp, nil
}

// GuardianSet returns the current guardian set.
func (m *Messenger) GuardianSet() (crosschain.GuardianSet, error) {
	var set crosschain.GuardianSet
	ok, err := m.state.KVGet(guardianKey, &set)
	if err != nil {
		return crosschain.GuardianSet{}, err
	}
	if !ok {
		return crosschain.GuardianSet{}, ErrNoGuardianSet
	}
	return set, nil
}

// UpdateGuardianSet installs a new guardian set. Its index must be strictly
// greater than the current one, which invalidates every signature made under
// an older set.
func (m *Messenger) UpdateGuardianSet(caller common.Address, set crosschain.GuardianSet) error {
	return m.admin(caller, func(*Config) error {
		if err := set.Validate(); err != nil {
			return err
		}
		current, err := m.GuardianSet()
		switch {
		case err == nil:
			if set.Index <= current.Index {
				return nativecommon.Wrapf(ErrGuardianIndexStale, "index %d, current %d", set.Index, current.Index)
			}
		case !errors.Is(err, ErrNoGuardianSet):
			return err
		}
		if err := m.state.KVPut(guardianKey, set); err != nil {
			return err
		}
		m.emitter.Emit(&types.Event{Type: EventTypeGuardiansUpdated, Attributes: map[string]string{
			"index":  strconv.FormatUint(set.Index, 10),
			"size":   strconv.Itoa(len(set.Guardians)),
			"quorum": strconv.Itoa(crosschain.Quorum(len(set.Guardians))),
		}})
		return nil
	})
}

// Authenticate checks sigs against the current guardian set. It reads state
// but never writes.
func (m *Messenger) Authenticate(msg *crosschain.Message, sigs crosschain.GuardianSignatures) error {
	set, err := m.GuardianSet()
	if err != nil {
		return err
	}
	return Authenticate(set, msg, sigs)
}

// Authenticate is the pure signature stage: structural validation followed by
// the guardian quorum check.
func Authenticate(set crosschain.GuardianSet, msg *crosschain.Message, sigs crosschain.GuardianSignatures) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	return crosschain.VerifyQuorum(set, msg, sigs)
}

// IsConsumed reports whether (sourceChainID, nonce) was already received.
func (m *Messenger) IsConsumed(sourceChainID, nonce uint64) bool {
	var done bool
	ok, err := m.state.KVGet(consumedKey(sourceChainID, nonce), &done)
	return err == nil && ok && done
}

// ReceiveMessage authenticates msg, marks it consumed and returns its
// payload. A consumed (source, nonce) pair is rejected forever.
func (m *Messenger) ReceiveMessage(caller common.Address, msg *crosschain.Message, sigs crosschain.GuardianSignatures) (*crosschain.Payload, error) {
	var out *crosschain.Payload
	err := m.run(func() error {
		if err := nativecommon.Guard(m.pauses, nativecommon.ModuleMessenger); err != nil {
			return err
		}
		cfg, err := m.Config()
		if err != nil {
			return err
		}
		if !m.IsAuthorized(caller) {
			return ErrUnauthorized
		}
		if msg == nil {
			return crosschain.ErrInvalidMessage
		}
		if msg.TargetChainID != cfg.LocalChainID {
			return nativecommon.Wrapf(ErrWrongDestination, "target %d, local %d", msg.TargetChainID, cfg.LocalChainID)
		}
		if err := m.Authenticate(msg, sigs); err != nil {
			return err
		}
		if m.IsConsumed(msg.SourceChainID, msg.Nonce) {
			return nativecommon.Wrapf(ErrAlreadyConsumed, "%s", msg.Key())
		}
		if err := m.state.KVPut(consumedKey(msg.SourceChainID, msg.Nonce), true); err != nil {
			return err
		}
		m.emitter.Emit(newMessageEvent(EventTypeMessageReceived, msg, nil))
		payload := msg.Payload
		payload.Amount = cloneBigInt(msg.Payload.Amount)
		out = &payload
		return nil
	})
	return out, err
}

func newMessageEvent(eventType string, msg *crosschain.Message, extra map[string]string) *types.Event {
	attrs := map[string]string{
		"sourceChainId": strconv.FormatUint(msg.SourceChainID, 10),
		"targetChainId": strconv.FormatUint(msg.TargetChainID, 10),
		"nonce":         strconv.FormatUint(msg.Nonce, 10),
		"sender":        msg.Sender.Hex(),
		"kind":          msg.Payload.Kind.String(),
		"escrowId":      msg.Payload.EscrowID.Hex(),
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
