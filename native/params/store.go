package params

import (
	"fmt"

	nativecommon "dexcrow/native/common"
)

// StoreState captures the subset of state manager capabilities required by the
// parameter helpers.
type StoreState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Store provides typed accessors for owner-controlled ledger parameters.
type Store struct {
	state StoreState
}

// NewStore constructs a parameter store wrapper using the supplied state
// backend.
func NewStore(state StoreState) *Store {
	return &Store{state: state}
}

func (s *Store) withState() (StoreState, error) {
	if s == nil || s.state == nil {
		return nil, fmt.Errorf("params: state not configured")
	}
	return s.state, nil
}

// SetPaused persists the pause switch of a module.
func (s *Store) SetPaused(module string, paused bool) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	if module == "" {
		return fmt.Errorf("params: module required")
	}
	return state.KVPut(pauseKey(module), paused)
}

// IsPaused implements nativecommon.PauseView. Read failures are reported as
// paused so that a corrupted flag never unblocks mutating calls.
func (s *Store) IsPaused(module string) bool {
	state, err := s.withState()
	if err != nil {
		return false
	}
	var paused bool
	ok, err := state.KVGet(pauseKey(module), &paused)
	if err != nil {
		return true
	}
	return ok && paused
}

// Pauses returns the pause switch of every module known to the ledger.
func (s *Store) Pauses() map[string]bool {
	out := make(map[string]bool, 3)
	for _, module := range []string{nativecommon.ModuleEscrow, nativecommon.ModuleFactory, nativecommon.ModuleMessenger} {
		out[module] = s.IsPaused(module)
	}
	return out
}
