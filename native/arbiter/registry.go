// Package arbiter implements the stake-gated registry of addresses allowed to
// resolve escrow disputes.
package arbiter

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"dexcrow/core/events"
	nativecommon "dexcrow/native/common"
)

var (
	ErrNotInitialised    = nativecommon.NewError(nativecommon.ErrInternal, "arbiter: registry not initialised")
	ErrUnauthorized      = nativecommon.NewError(nativecommon.ErrAuthorization, "arbiter: caller not authorized")
	ErrInvalidAmount     = nativecommon.NewError(nativecommon.ErrValidation, "arbiter: stake amount must be positive")
	ErrInvalidAddress    = nativecommon.NewError(nativecommon.ErrValidation, "arbiter: address must not be zero")
	ErrInsufficientStake = nativecommon.NewError(nativecommon.ErrEconomic, "arbiter: insufficient stake")
	ErrNotMember         = nativecommon.NewError(nativecommon.ErrStatePrecondition, "arbiter: not a member")
	ErrNotApproved       = nativecommon.NewError(nativecommon.ErrStatePrecondition, "arbiter: not approved")
	ErrAlreadyApproved   = nativecommon.NewError(nativecommon.ErrStatePrecondition, "arbiter: already approved")
	ErrStillEngaged      = nativecommon.NewError(nativecommon.ErrStatePrecondition, "arbiter: still engaged in disputes")
	ErrCooldownActive    = nativecommon.NewError(nativecommon.ErrStatePrecondition, "arbiter: unlock cooldown not elapsed")
	ErrNothingStaked     = nativecommon.NewError(nativecommon.ErrStatePrecondition, "arbiter: nothing staked")
	ErrNotEngaged        = nativecommon.NewError(nativecommon.ErrStatePrecondition, "arbiter: no active engagement")
)

// State is the slice of the state manager the registry needs.
type State interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
	nativecommon.Journal
}

// Token moves the staking asset.
type Token interface {
	BalanceOf(asset, addr common.Address) (*big.Int, error)
	Transfer(asset, from, to common.Address, amount *big.Int) error
	TransferFrom(asset, spender, from, to common.Address, amount *big.Int) error
}

var (
	configKey = []byte("arbiter/config")
	indexKey  = []byte("arbiter/index")
)

func recordKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("arbiter/record/%x", addr))
}

func engagerKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("arbiter/engager/%x", addr))
}

// Registry is the arbiter staking and approval registry.
type Registry struct {
	state   State
	token   Token
	emitter events.Emitter
	nowFn   func() int64
	guard   nativecommon.ReentrancyGuard
}

// NewRegistry creates a registry bound to state and the staking token bank.
func NewRegistry(state State, token Token) *Registry {
	return &Registry{
		state:   state,
		token:   token,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetNowFunc overrides the clock used for cooldown accounting.
func (r *Registry) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

// Vault is the account holding all locked stake.
func (r *Registry) Vault() common.Address {
	return nativecommon.ModuleAddress("arbiter")
}

func (r *Registry) now() uint64 {
	ts := r.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// Initialize stores the genesis configuration. It is a no-op when a
// configuration already exists.
func (r *Registry) Initialize(cfg Config) error {
	if r == nil || r.state == nil {
		return ErrNotInitialised
	}
	if cfg.Owner == (common.Address{}) {
		return ErrInvalidAddress
	}
	ok, err := r.state.KVGet(configKey, nil)
	if err != nil || ok {
		return err
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultCooldown
	}
	cfg.MinimumHolding = cloneBigInt(cfg.MinimumHolding)
	return r.state.KVPut(configKey, cfg)
}

// Config returns the current registry configuration.
func (r *Registry) Config() (Config, error) {
	if r == nil || r.state == nil {
		return Config{}, ErrNotInitialised
	}
	var cfg Config
	ok, err := r.state.KVGet(configKey, &cfg)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Config{}, ErrNotInitialised
	}
	cfg.MinimumHolding = cloneBigInt(cfg.MinimumHolding)
	return cfg, nil
}

func (r *Registry) ownerConfig(caller common.Address) (Config, error) {
	cfg, err := r.Config()
	if err != nil {
		return Config{}, err
	}
	if caller != cfg.Owner {
		return Config{}, ErrUnauthorized
	}
	return cfg, nil
}

func (r *Registry) load(addr common.Address) (*Record, bool, error) {
	var rec Record
	ok, err := r.state.KVGet(recordKey(addr), &rec)
	if err != nil || !ok {
		return nil, ok, err
	}
	rec.Stake = cloneBigInt(rec.Stake)
	return &rec, true, nil
}

func (r *Registry) store(rec *Record) error {
	return r.state.KVPut(recordKey(rec.Address), rec)
}

// RequestMembership locks amount of the staking token from caller. A member
// that already holds at least the minimum stake is left untouched.
func (r *Registry) RequestMembership(caller common.Address, amount *big.Int) (*Record, error) {
	var out *Record
	err := r.guard.Execute(r.state, func() error {
		cfg, err := r.Config()
		if err != nil {
			return err
		}
		rec, exists, err := r.load(caller)
		if err != nil {
			return err
		}
		if exists && rec.Stake.Sign() > 0 && rec.Stake.Cmp(cfg.MinimumHolding) >= 0 {
			out = rec
			return nil
		}
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		if !exists {
			rec = &Record{Address: caller, Stake: big.NewInt(0)}
		}
		vault := r.Vault()
		before, err := r.token.BalanceOf(cfg.StakingToken, vault)
		if err != nil {
			return err
		}
		if err := r.token.TransferFrom(cfg.StakingToken, vault, caller, vault, amount); err != nil {
			return err
		}
		after, err := r.token.BalanceOf(cfg.StakingToken, vault)
		if err != nil {
			return err
		}
		credited := new(big.Int).Sub(after, before)
		total := new(big.Int).Add(rec.Stake, credited)
		if cfg.MinimumHolding.Sign() > 0 && total.Cmp(cfg.MinimumHolding) < 0 {
			return nativecommon.Wrapf(ErrInsufficientStake, "stake %s below minimum %s", total, cfg.MinimumHolding)
		}
		rec.Stake = total
		rec.RequestedAt = r.now()
		if err := r.store(rec); err != nil {
			return err
		}
		if !exists {
			if err := r.state.KVAppend(indexKey, caller.Bytes()); err != nil {
				return err
			}
		}
		r.emitter.Emit(newRecordEvent(EventTypeMembershipRequested, rec))
		out = rec.Clone()
		return nil
	})
	return out, err
}

// Approve marks addr as eligible to arbitrate.
func (r *Registry) Approve(caller, addr common.Address) error {
	return r.guard.Execute(r.state, func() error {
		cfg, err := r.ownerConfig(caller)
		if err != nil {
			return err
		}
		rec, ok, err := r.load(addr)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotMember
		}
		if rec.Approved {
			return ErrAlreadyApproved
		}
		if rec.Stake.Sign() == 0 || rec.Stake.Cmp(cfg.MinimumHolding) < 0 {
			return ErrInsufficientStake
		}
		rec.Approved = true
		rec.ApprovedAt = r.now()
		if err := r.store(rec); err != nil {
			return err
		}
		r.emitter.Emit(newRecordEvent(EventTypeApproved, rec))
		return nil
	})
}

// Revoke clears the approval of addr. Stake stays locked until Unlock.
func (r *Registry) Revoke(caller, addr common.Address) error {
	return r.guard.Execute(r.state, func() error {
		if _, err := r.ownerConfig(caller); err != nil {
			return err
		}
		rec, ok, err := r.load(addr)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotMember
		}
		if !rec.Approved {
			return ErrNotApproved
		}
		rec.Approved = false
		if err := r.store(rec); err != nil {
			return err
		}
		r.emitter.Emit(newRecordEvent(EventTypeRevoked, rec))
		return nil
	})
}

// Unlock returns the caller's whole stake and clears its approval.
func (r *Registry) Unlock(caller common.Address) (*big.Int, error) {
	var released *big.Int
	err := r.guard.Execute(r.state, func() error {
		cfg, err := r.Config()
		if err != nil {
			return err
		}
		rec, ok, err := r.load(caller)
		if err != nil {
			return err
		}
		if !ok || rec.Stake.Sign() == 0 {
			return ErrNothingStaked
		}
		if rec.Engagements > 0 {
			return nativecommon.Wrapf(ErrStillEngaged, "%d open disputes", rec.Engagements)
		}
		now := r.now()
		if readyAt := rec.CooldownAnchor() + cfg.Cooldown; now < readyAt {
			return nativecommon.Wrapf(ErrCooldownActive, "unlockable at %d", readyAt)
		}
		released = cloneBigInt(rec.Stake)
		rec.Stake = big.NewInt(0)
		rec.Approved = false
		rec.LastUnlockAt = now
		if err := r.store(rec); err != nil {
			return err
		}
		r.emitter.Emit(newRecordEvent(EventTypeUnlocked, rec))
		return r.token.Transfer(cfg.StakingToken, r.Vault(), caller, released)
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// Engage records that arbiter has attached itself to a disputed escrow.
// Only modules registered with SetEngager may call it.
func (r *Registry) Engage(caller, arbiter common.Address) error {
	return r.guard.Execute(r.state, func() error {
		if !r.IsEngager(caller) {
			return ErrUnauthorized
		}
		rec, ok, err := r.load(arbiter)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotMember
		}
		if !rec.Approved {
			return ErrNotApproved
		}
		rec.Engagements++
		if err := r.store(rec); err != nil {
			return err
		}
		r.emitter.Emit(newRecordEvent(EventTypeEngaged, rec))
		return nil
	})
}

// Disengage releases one engagement. When resolved is set the arbiter's last
// resolution timestamp restarts the unlock cooldown.
func (r *Registry) Disengage(caller, arbiter common.Address, resolved bool) error {
	return r.guard.Execute(r.state, func() error {
		if !r.IsEngager(caller) {
			return ErrUnauthorized
		}
		rec, ok, err := r.load(arbiter)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotMember
		}
		if rec.Engagements == 0 {
			return ErrNotEngaged
		}
		rec.Engagements--
		if resolved {
			rec.Resolved++
			rec.LastResolvedAt = r.now()
		}
		if err := r.store(rec); err != nil {
			return err
		}
		r.emitter.Emit(newRecordEvent(EventTypeDisengaged, rec))
		return nil
	})
}

// SetEngager grants or removes the right to call Engage/Disengage.
func (r *Registry) SetEngager(caller, module common.Address, allowed bool) error {
	return r.guard.Execute(r.state, func() error {
		if _, err := r.ownerConfig(caller); err != nil {
			return err
		}
		return r.state.KVPut(engagerKey(module), allowed)
	})
}

// IsEngager reports whether module may engage arbiters.
func (r *Registry) IsEngager(module common.Address) bool {
	var allowed bool
	ok, err := r.state.KVGet(engagerKey(module), &allowed)
	return err == nil && ok && allowed
}

// SetMinimumHolding updates the minimum stake. Approved arbiters whose stake
// falls below the new minimum lose their approval.
func (r *Registry) SetMinimumHolding(caller common.Address, amount *big.Int) error {
	return r.guard.Execute(r.state, func() error {
		cfg, err := r.ownerConfig(caller)
		if err != nil {
			return err
		}
		if amount == nil || amount.Sign() < 0 {
			return ErrInvalidAmount
		}
		cfg.MinimumHolding = new(big.Int).Set(amount)
		if err := r.state.KVPut(configKey, cfg); err != nil {
			return err
		}
		records, err := r.Arbiters()
		if err != nil {
			return err
		}
		for _, rec := range records {
			if !rec.Approved || rec.Stake.Cmp(cfg.MinimumHolding) >= 0 {
				continue
			}
			rec.Approved = false
			if err := r.store(rec); err != nil {
				return err
			}
			r.emitter.Emit(newRecordEvent(EventTypeRevoked, rec))
		}
		return nil
	})
}

// SetCooldown updates the unlock cooldown in seconds.
func (r *Registry) SetCooldown(caller common.Address, seconds uint64) error {
	return r.guard.Execute(r.state, func() error {
		cfg, err := r.ownerConfig(caller)
		if err != nil {
			return err
		}
		cfg.Cooldown = seconds
		return r.state.KVPut(configKey, cfg)
	})
}

// TransferOwnership hands the registry to a new owner.
func (r *Registry) TransferOwnership(caller, owner common.Address) error {
	return r.guard.Execute(r.state, func() error {
		cfg, err := r.ownerConfig(caller)
		if err != nil {
			return err
		}
		if owner == (common.Address{}) {
			return ErrInvalidAddress
		}
		cfg.Owner = owner
		return r.state.KVPut(configKey, cfg)
	})
}

// Arbiter returns a snapshot of the record of addr.
func (r *Registry) Arbiter(addr common.Address) (*Record, error) {
	rec, ok, err := r.load(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotMember
	}
	return rec, nil
}

// IsApproved reports whether addr may currently arbitrate.
func (r *Registry) IsApproved(addr common.Address) bool {
	rec, ok, err := r.load(addr)
	return err == nil && ok && rec.Approved
}

// Arbiters lists every record ever created, in registration order.
func (r *Registry) Arbiters() ([]*Record, error) {
	var addrs [][]byte
	if err := r.state.KVGetList(indexKey, &addrs); err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(addrs))
	for _, raw := range addrs {
		rec, ok, err := r.load(common.BytesToAddress(raw))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}
