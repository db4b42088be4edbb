package tokens

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"dexcrow/core/events"
	"dexcrow/core/types"
	nativecommon "dexcrow/native/common"
)

const (
	EventTypeTokenRegistered  = "tokens.registered"
	EventTypeTokenDeactivated = "tokens.deactivated"
	EventTypeTokenVerified    = "tokens.verified"
	EventTypeChainAdded       = "tokens.chain_added"
	EventTypeChainUpdated     = "tokens.chain_updated"

	maxSymbolLength = 16
	maxNameLength   = 64
)

var (
	errNilState = errors.New("tokens: state not configured")

	ErrNotInitialised    = nativecommon.NewError(nativecommon.ErrInternal, "tokens: registry not initialised")
	ErrUnauthorized      = nativecommon.NewError(nativecommon.ErrAuthorization, "tokens: caller not authorized")
	ErrInvalidSymbol     = nativecommon.NewError(nativecommon.ErrValidation, "tokens: invalid symbol")
	ErrInvalidName       = nativecommon.NewError(nativecommon.ErrValidation, "tokens: invalid name")
	ErrInvalidAddress    = nativecommon.NewError(nativecommon.ErrValidation, "tokens: invalid address for chain")
	ErrInvalidChain      = nativecommon.NewError(nativecommon.ErrValidation, "tokens: invalid chain")
	ErrUnknownChain      = nativecommon.NewError(nativecommon.ErrValidation, "tokens: chain not in allowlist")
	ErrChainTypeMismatch = nativecommon.NewError(nativecommon.ErrValidation, "tokens: chain type does not match allowlist")
	ErrMetadataMismatch  = nativecommon.NewError(nativecommon.ErrValidation, "tokens: metadata differs from first registration")
	ErrTokenNotFound     = nativecommon.NewError(nativecommon.ErrValidation, "tokens: token not registered on chain")
	ErrMappingInactive   = nativecommon.NewError(nativecommon.ErrStatePrecondition, "tokens: token mapping is inactive")
	ErrChainInactive     = nativecommon.NewError(nativecommon.ErrStatePrecondition, "tokens: chain is inactive")
	ErrAlreadyRegistered = nativecommon.NewError(nativecommon.ErrReplay, "tokens: token already registered on chain")
	ErrChainExists       = nativecommon.NewError(nativecommon.ErrReplay, "tokens: chain already in allowlist")
	ErrNotEVMAsset       = nativecommon.NewError(nativecommon.ErrValidation, "tokens: mapping is not an EVM asset")
)

var (
	configKey     = []byte("tokens/config")
	tokenIndexKey = []byte("tokens/index")
	chainIndexKey = []byte("tokens/chains")
)

func tokenKey(id common.Hash) []byte {
	return []byte(fmt.Sprintf("tokens/token/%x", id))
}

func chainKey(chainID uint64) []byte {
	return []byte(fmt.Sprintf("tokens/chain/%d", chainID))
}

func verifierKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("tokens/verifier/%x", addr))
}

// State is the slice of the state manager used by the registry.
type State interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
	nativecommon.Journal
}

// Registry maps chain-agnostic token ids to per-chain addresses and keeps the
// supported-chain allowlist.
type Registry struct {
	state   State
	emitter events.Emitter
	nowFn   func() int64
	guard   nativecommon.ReentrancyGuard
}

// NewRegistry constructs a registry backed by state.
func NewRegistry(state State) *Registry {
	return &Registry{
		state:   state,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter. Nil restores the no-op emitter.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetNowFunc overrides the clock.
func (r *Registry) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

func (r *Registry) now() uint64 {
	if ts := r.nowFn(); ts > 0 {
		return uint64(ts)
	}
	return 0
}

func (r *Registry) run(fn func() error) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	return r.guard.Execute(r.state, fn)
}

// Initialize stores the owner. Later calls are ignored.
func (r *Registry) Initialize(cfg Config) error {
	return r.run(func() error {
		if _, err := r.Config(); err == nil {
			return nil
		}
		if cfg.Owner == (common.Address{}) {
			return nativecommon.Wrapf(ErrInvalidAddress, "owner required")
		}
		return r.state.KVPut(configKey, cfg)
	})
}

// Config returns the registry configuration.
func (r *Registry) Config() (Config, error) {
	var cfg Config
	ok, err := r.state.KVGet(configKey, &cfg)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Config{}, ErrNotInitialised
	}
	return cfg, nil
}

func (r *Registry) requireOwner(caller common.Address) error {
	cfg, err := r.Config()
	if err != nil {
		return err
	}
	if caller != cfg.Owner {
		return ErrUnauthorized
	}
	return nil
}

// IsVerifier reports whether addr holds the verifier role.
func (r *Registry) IsVerifier(addr common.Address) bool {
	var ok bool
	found, err := r.state.KVGet(verifierKey(addr), &ok)
	return err == nil && found && ok
}

// SetVerifier grants or removes the verifier role.
func (r *Registry) SetVerifier(caller, addr common.Address, allowed bool) error {
	return r.run(func() error {
		if err := r.requireOwner(caller); err != nil {
			return err
		}
		if addr == (common.Address{}) {
			return ErrInvalidAddress
		}
		return r.state.KVPut(verifierKey(addr), allowed)
	})
}

func (r *Registry) ownerOrVerifier(caller common.Address) error {
	if r.IsVerifier(caller) {
		return nil
	}
	return r.requireOwner(caller)
}

// AddChain appends a chain to the allowlist.
func (r *Registry) AddChain(caller common.Address, info ChainInfo) error {
	return r.run(func() error {
		if err := r.requireOwner(caller); err != nil {
			return err
		}
		if info.ChainID == 0 || !info.Type.Valid() {
			return ErrInvalidChain
		}
		info.Name = strings.TrimSpace(info.Name)
		if _, err := r.Chain(info.ChainID); err == nil {
			return ErrChainExists
		} else if !errors.Is(err, ErrUnknownChain) {
			return err
		}
		if err := r.state.KVPut(chainKey(info.ChainID), info); err != nil {
			return err
		}
		if err := r.state.KVAppend(chainIndexKey, []byte(strconv.FormatUint(info.ChainID, 10))); err != nil {
			return err
		}
		r.emitter.Emit(newChainEvent(EventTypeChainAdded, info))
		return nil
	})
}

// SetChainActive toggles a chain without removing it from the allowlist.
func (r *Registry) SetChainActive(caller common.Address, chainID uint64, active bool) error {
	return r.run(func() error {
		if err := r.requireOwner(caller); err != nil {
			return err
		}
		info, err := r.Chain(chainID)
		if err != nil {
			return err
		}
		info.Active = active
		if err := r.state.KVPut(chainKey(chainID), info); err != nil {
			return err
		}
		r.emitter.Emit(newChainEvent(EventTypeChainUpdated, *info))
		return nil
	})
}

// Chain returns the allowlist entry of chainID.
func (r *Registry) Chain(chainID uint64) (*ChainInfo, error) {
	var info ChainInfo
	ok, err := r.state.KVGet(chainKey(chainID), &info)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nativecommon.Wrapf(ErrUnknownChain, "chain %d", chainID)
	}
	return &info, nil
}

// Chains lists the allowlist in insertion order.
func (r *Registry) Chains() ([]ChainInfo, error) {
	var ids [][]byte
	if err := r.state.KVGetList(chainIndexKey, &ids); err != nil {
		return nil, err
	}
	out := make([]ChainInfo, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return nil, err
		}
		info, err := r.Chain(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	return out, nil
}

// IsChainSupported reports whether chainID is allowlisted and active.
func (r *Registry) IsChainSupported(chainID uint64) bool {
	info, err := r.Chain(chainID)
	return err == nil && info.Active
}

func (r *Registry) load(id common.Hash) (*Token, bool, error) {
	var tok Token
	ok, err := r.state.KVGet(tokenKey(id), &tok)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &tok, true, nil
}

// RegisterToken adds the mapping of a token on one chain. The first
// registration of a symbol fixes its name; later registrations on other
// chains must repeat it.
func (r *Registry) RegisterToken(caller common.Address, p RegisterParams) (*Token, error) {
	var out *Token
	err := r.run(func() error {
		if err := r.ownerOrVerifier(caller); err != nil {
			return err
		}
		symbol := NormalizeSymbol(p.Symbol)
		if symbol == "" || len(symbol) > maxSymbolLength {
			return ErrInvalidSymbol
		}
		name := strings.TrimSpace(p.Name)
		if name == "" || len(name) > maxNameLength {
			return ErrInvalidName
		}
		chain, err := r.Chain(p.ChainID)
		if err != nil {
			return err
		}
		if p.ChainType != "" && p.ChainType != chain.Type {
			return nativecommon.Wrapf(ErrChainTypeMismatch, "chain %d is %s", chain.ChainID, chain.Type)
		}
		addr, err := normalizeAddress(chain.Type, p.Address, p.IsNative)
		if err != nil {
			return err
		}
		id := TokenID(symbol)
		tok, exists, err := r.load(id)
		if err != nil {
			return err
		}
		if !exists {
			tok = &Token{ID: id, Symbol: symbol, Name: name}
			if err := r.state.KVAppend(tokenIndexKey, id.Bytes()); err != nil {
				return err
			}
		} else if tok.Name != name {
			return nativecommon.Wrapf(ErrMetadataMismatch, "name %q, registered as %q", name, tok.Name)
		}
		if _, dup := tok.mapping(p.ChainID); dup {
			return nativecommon.Wrapf(ErrAlreadyRegistered, "%s on chain %d", symbol, p.ChainID)
		}
		mapping := Mapping{
			ChainID:      p.ChainID,
			ChainType:    chain.Type,
			Address:      addr,
			Decimals:     p.Decimals,
			IsNative:     p.IsNative,
			Active:       true,
			RegisteredAt: r.now(),
		}
		tok.Mappings = append(tok.Mappings, mapping)
		if err := r.state.KVPut(tokenKey(id), tok); err != nil {
			return err
		}
		r.emitter.Emit(newMappingEvent(EventTypeTokenRegistered, tok, mapping))
		out = tok.Clone()
		return nil
	})
	return out, err
}

// DeactivateToken marks a mapping inactive. The mapping stays on record.
func (r *Registry) DeactivateToken(caller common.Address, id common.Hash, chainID uint64) error {
	return r.run(func() error {
		if err := r.ownerOrVerifier(caller); err != nil {
			return err
		}
		tok, ok, err := r.load(id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrTokenNotFound
		}
		idx, found := tok.mapping(chainID)
		if !found {
			return ErrTokenNotFound
		}
		if !tok.Mappings[idx].Active {
			return ErrMappingInactive
		}
		tok.Mappings[idx].Active = false
		tok.Mappings[idx].DeactivatedAt = r.now()
		if err := r.state.KVPut(tokenKey(id), tok); err != nil {
			return err
		}
		r.emitter.Emit(newMappingEvent(EventTypeTokenDeactivated, tok, tok.Mappings[idx]))
		return nil
	})
}

// VerifyToken sets the verified flag. Only verifiers may call it; the owner
// must grant itself the role first.
func (r *Registry) VerifyToken(caller common.Address, id common.Hash) error {
	return r.run(func() error {
		if !r.IsVerifier(caller) {
			return ErrUnauthorized
		}
		tok, ok, err := r.load(id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrTokenNotFound
		}
		tok.Verified = true
		if err := r.state.KVPut(tokenKey(id), tok); err != nil {
			return err
		}
		r.emitter.Emit(&types.Event{Type: EventTypeTokenVerified, Attributes: map[string]string{
			"tokenId":  id.Hex(),
			"symbol":   tok.Symbol,
			"verifier": caller.Hex(),
		}})
		return nil
	})
}

// Token returns the token entry.
func (r *Registry) Token(id common.Hash) (*Token, error) {
	tok, ok, err := r.load(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTokenNotFound
	}
	return tok, nil
}

// Tokens lists every token in registration order.
func (r *Registry) Tokens() ([]*Token, error) {
	var ids [][]byte
	if err := r.state.KVGetList(tokenIndexKey, &ids); err != nil {
		return nil, err
	}
	out := make([]*Token, 0, len(ids))
	for _, raw := range ids {
		tok, err := r.Token(common.BytesToHash(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, nil
}

// GetTokenAddress returns the active mapping of a token on chainID. An absent
// mapping and an inactive one are reported as different errors.
func (r *Registry) GetTokenAddress(id common.Hash, chainID uint64) (Mapping, error) {
	tok, ok, err := r.load(id)
	if err != nil {
		return Mapping{}, err
	}
	if !ok {
		return Mapping{}, ErrTokenNotFound
	}
	idx, found := tok.mapping(chainID)
	if !found {
		return Mapping{}, ErrTokenNotFound
	}
	m := tok.Mappings[idx]
	if !m.Active {
		return m, ErrMappingInactive
	}
	return m, nil
}

// LocalAsset resolves the bank asset of a token on an EVM-style chain. Native
// mappings resolve to the zero address.
func (r *Registry) LocalAsset(id common.Hash, chainID uint64) (common.Address, error) {
	m, err := r.GetTokenAddress(id, chainID)
	if err != nil {
		return common.Address{}, err
	}
	if m.IsNative {
		return common.Address{}, nil
	}
	if m.ChainType != ChainTypeEVM {
		return common.Address{}, ErrNotEVMAsset
	}
	return common.HexToAddress(m.Address), nil
}

func newChainEvent(eventType string, info ChainInfo) *types.Event {
	return &types.Event{Type: eventType, Attributes: map[string]string{
		"chainId": strconv.FormatUint(info.ChainID, 10),
		"type":    string(info.Type),
		"name":    info.Name,
		"active":  strconv.FormatBool(info.Active),
	}}
}

func newMappingEvent(eventType string, tok *Token, m Mapping) *types.Event {
	return &types.Event{Type: eventType, Attributes: map[string]string{
		"tokenId":  tok.ID.Hex(),
		"symbol":   tok.Symbol,
		"chainId":  strconv.FormatUint(m.ChainID, 10),
		"address":  m.Address,
		"decimals": strconv.FormatUint(uint64(m.Decimals), 10),
		"native":   strconv.FormatBool(m.IsNative),
	}}
}
