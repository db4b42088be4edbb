// Package quotas persists per-epoch usage counters for rate-limited ledger
// operations such as outbound cross-chain messages.
package quotas

import (
	"fmt"

	nativecommon "dexcrow/native/common"
)

type counterRecord struct {
	Messages uint32
	Bytes    uint64
}

type StoreState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
	KVDelete(key []byte) error
}

type Store struct {
	state StoreState
}

func NewStore(state StoreState) *Store {
	return &Store{state: state}
}

func (s *Store) withState() (StoreState, error) {
	if s == nil || s.state == nil {
		return nil, fmt.Errorf("quota store not initialised")
	}
	return s.state, nil
}

// Load returns the counters recorded for subject in the epoch. Missing
// counters yield a zero value stamped with the epoch.
func (s *Store) Load(scope string, epoch uint64, subject []byte) (nativecommon.QuotaNow, error) {
	state, err := s.withState()
	if err != nil {
		return nativecommon.QuotaNow{}, err
	}
	if len(subject) == 0 {
		return nativecommon.QuotaNow{}, fmt.Errorf("quota: subject required")
	}
	var stored counterRecord
	ok, err := state.KVGet(counterKey(scope, epoch, subject), &stored)
	if err != nil {
		return nativecommon.QuotaNow{}, fmt.Errorf("quota: load counters: %w", err)
	}
	now := nativecommon.QuotaNow{EpochID: epoch}
	if ok {
		now.Messages = stored.Messages
		now.Bytes = stored.Bytes
	}
	return now, nil
}

func (s *Store) Save(scope string, subject []byte, counters nativecommon.QuotaNow) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	if len(subject) == 0 {
		return fmt.Errorf("quota: subject required")
	}
	record := counterRecord{Messages: counters.Messages, Bytes: counters.Bytes}
	if err := state.KVPut(counterKey(scope, counters.EpochID, subject), record); err != nil {
		return fmt.Errorf("quota: persist counters: %w", err)
	}
	if err := state.KVAppend(epochIndexKey(scope, counters.EpochID), append([]byte(nil), subject...)); err != nil {
		return fmt.Errorf("quota: update epoch index: %w", err)
	}
	return nil
}

// Consume loads the subject's counters, applies q and persists the result.
// A denied request leaves the stored counters untouched.
func (s *Store) Consume(scope string, q nativecommon.Quota, now uint64, subject []byte, messages uint32, bytes uint64) (nativecommon.QuotaNow, error) {
	if !q.Enabled() {
		return nativecommon.QuotaNow{}, nil
	}
	epoch := q.Epoch(now)
	prev, err := s.Load(scope, epoch, subject)
	if err != nil {
		return nativecommon.QuotaNow{}, err
	}
	next, err := nativecommon.CheckQuota(q, epoch, prev, messages, bytes)
	if err != nil {
		return prev, err
	}
	if err := s.Save(scope, subject, next); err != nil {
		return prev, err
	}
	return next, nil
}

// PruneEpoch removes every counter recorded for the epoch.
func (s *Store) PruneEpoch(scope string, epoch uint64) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	indexKey := epochIndexKey(scope, epoch)
	var subjects [][]byte
	if err := state.KVGetList(indexKey, &subjects); err != nil {
		return fmt.Errorf("quota: load epoch index: %w", err)
	}
	for _, subject := range subjects {
		if err := state.KVDelete(counterKey(scope, epoch, subject)); err != nil {
			return fmt.Errorf("quota: prune counter: %w", err)
		}
	}
	if err := state.KVDelete(indexKey); err != nil {
		return fmt.Errorf("quota: prune index: %w", err)
	}
	return nil
}
