package proofs

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"dexcrow/core/events"
	"dexcrow/core/types"
	"dexcrow/crypto/merkle"
	"dexcrow/native/crosschain"
	nativecommon "dexcrow/native/common"
)

const EventTypeRootUpdated = "proofs.root_updated"

var (
	errNilState = errors.New("proofs: state not configured")

	ErrNotInitialised = nativecommon.NewError(nativecommon.ErrInternal, "proofs: verifier not initialised")
	ErrUnauthorized   = nativecommon.NewError(nativecommon.ErrAuthorization, "proofs: caller is not a trusted updater")
	ErrInvalidRoot    = nativecommon.NewError(nativecommon.ErrValidation, "proofs: root and chain id must be non-zero")
	ErrStaleHeight    = nativecommon.NewError(nativecommon.ErrIntegrity, "proofs: height must be strictly greater than the stored height")
	ErrNoRoot         = nativecommon.NewError(nativecommon.ErrIntegrity, "proofs: no root published for chain")
	ErrProofMismatch  = nativecommon.NewError(nativecommon.ErrIntegrity, "proofs: inclusion proof does not match stored root")
)

var configKey = []byte("proofs/config")

func rootKey(chainID uint64) []byte {
	return []byte(fmt.Sprintf("proofs/root/%d", chainID))
}

func updaterKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("proofs/updater/%x", addr))
}

// RootRecord is the current committed root of one chain.
type RootRecord struct {
	ChainID   uint64
	Root      common.Hash
	Height    uint64
	UpdatedAt uint64
	Updater   common.Address
}

// Config holds the verifier owner.
type Config struct {
	Owner common.Address
}

// State is the slice of the state manager used by the verifier.
type State interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	nativecommon.Journal
}

// Verifier stores one Merkle root per chain and checks inclusion proofs
// against it.
type Verifier struct {
	state   State
	emitter events.Emitter
	nowFn   func() int64
	guard   nativecommon.ReentrancyGuard
}

func NewVerifier(state State) *Verifier {
	return &Verifier{
		state:   state,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

func (v *Verifier) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		v.emitter = events.NoopEmitter{}
		return
	}
	v.emitter = emitter
}

func (v *Verifier) SetNowFunc(now func() int64) {
	if now == nil {
		v.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	v.nowFn = now
}

func (v *Verifier) run(fn func() error) error {
	if v == nil || v.state == nil {
		return errNilState
	}
	return v.guard.Execute(v.state, fn)
}

// Initialize stores the owner once.
func (v *Verifier) Initialize(cfg Config) error {
	return v.run(func() error {
		if _, err := v.Config(); err == nil {
			return nil
		}
		if cfg.Owner == (common.Address{}) {
			return ErrUnauthorized
		}
		return v.state.KVPut(configKey, cfg)
	})
}

func (v *Verifier) Config() (Config, error) {
	var cfg Config
	ok, err := v.state.KVGet(configKey, &cfg)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Config{}, ErrNotInitialised
	}
	return cfg, nil
}

// SetUpdater grants or removes the trusted updater role.
func (v *Verifier) SetUpdater(caller, addr common.Address, allowed bool) error {
	return v.run(func() error {
		cfg, err := v.Config()
		if err != nil {
			return err
		}
		if caller != cfg.Owner {
			return ErrUnauthorized
		}
		return v.state.KVPut(updaterKey(addr), allowed)
	})
}

// IsUpdater reports whether addr may publish roots.
func (v *Verifier) IsUpdater(addr common.Address) bool {
	var ok bool
	found, err := v.state.KVGet(updaterKey(addr), &ok)
	return err == nil && found && ok
}

// UpdateMerkleRoot publishes root for chainID at height. Heights are strictly
// increasing per chain so an older root can never be restored.
func (v *Verifier) UpdateMerkleRoot(caller common.Address, chainID uint64, root common.Hash, height uint64) error {
	return v.run(func() error {
		if !v.IsUpdater(caller) {
			return ErrUnauthorized
		}
		if chainID == 0 || root == (common.Hash{}) {
			return ErrInvalidRoot
		}
		current, ok, err := v.load(chainID)
		if err != nil {
			return err
		}
		if ok && height <= current.Height {
			return nativecommon.Wrapf(ErrStaleHeight, "height %d, stored %d", height, current.Height)
		}
		rec := RootRecord{
			ChainID: chainID,
			Root:    root,
			Height:  height,
			Updater: caller,
		}
		if ts := v.nowFn(); ts > 0 {
			rec.UpdatedAt = uint64(ts)
		}
		if err := v.state.KVPut(rootKey(chainID), rec); err != nil {
			return err
		}
		v.emitter.Emit(&types.Event{Type: EventTypeRootUpdated, Attributes: map[string]string{
			"chainId": strconv.FormatUint(chainID, 10),
			"root":    root.Hex(),
			"height":  strconv.FormatUint(height, 10),
			"updater": caller.Hex(),
		}})
		return nil
	})
}

func (v *Verifier) load(chainID uint64) (RootRecord, bool, error) {
	var rec RootRecord
	ok, err := v.state.KVGet(rootKey(chainID), &rec)
	return rec, ok, err
}

// Root returns the current root record of chainID.
func (v *Verifier) Root(chainID uint64) (RootRecord, error) {
	rec, ok, err := v.load(chainID)
	if err != nil {
		return RootRecord{}, err
	}
	if !ok {
		return RootRecord{}, nativecommon.Wrapf(ErrNoRoot, "chain %d", chainID)
	}
	return rec, nil
}

// VerifyMerkleProof recomputes the root from leaf and proof.
func (v *Verifier) VerifyMerkleProof(leaf common.Hash, proof []common.Hash, root common.Hash) bool {
	return merkle.Verify(leaf, proof, root)
}

// VerifyCrossChainMessage checks that msg is included under the stored root
// of its source chain. Callers cannot supply the root.
func (v *Verifier) VerifyCrossChainMessage(msg *crosschain.Message, proof []common.Hash) error {
	if msg == nil {
		return crosschain.ErrInvalidMessage
	}
	rec, err := v.Root(msg.SourceChainID)
	if err != nil {
		return err
	}
	leaf, err := msg.Leaf()
	if err != nil {
		return err
	}
	if !merkle.Verify(leaf, proof, rec.Root) {
		return nativecommon.Wrapf(ErrProofMismatch, "chain %d height %d", rec.ChainID, rec.Height)
	}
	return nil
}
