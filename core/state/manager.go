package state

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"dexcrow/core/events"
	"dexcrow/storage"
)

// ErrInvalidSnapshot is returned when reverting to a snapshot that was never
// taken or has already been discarded by a commit.
var ErrInvalidSnapshot = errors.New("state: invalid snapshot")

type dirtyEntry struct {
	value   []byte
	deleted bool
}

type journalEntry struct {
	key     string
	prev    dirtyEntry
	hadPrev bool
}

type snapshot struct {
	journal int
	events  int
}

// Manager is a journaled key/value view over a storage.Database. Writes are
// buffered until Commit and every write is recorded so that a snapshot can be
// reverted exactly, including the events emitted since it was taken.
//
// Manager is not safe for concurrent use; the ledger serializes access.
type Manager struct {
	db        storage.Database
	dirty     map[string]dirtyEntry
	journal   []journalEntry
	snapshots []snapshot
	events    []events.Event
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:    db,
		dirty: make(map[string]dirtyEntry),
	}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func (m *Manager) read(hashed []byte) ([]byte, error) {
	if entry, ok := m.dirty[string(hashed)]; ok {
		if entry.deleted {
			return nil, nil
		}
		return entry.value, nil
	}
	data, err := m.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (m *Manager) write(hashed []byte, entry dirtyEntry) {
	key := string(hashed)
	prev, hadPrev := m.dirty[key]
	m.journal = append(m.journal, journalEntry{key: key, prev: prev, hadPrev: hadPrev})
	m.dirty[key] = entry
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 before it reaches the backing database.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.write(kvKey(key), dirtyEntry{value: encoded})
	return nil
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.read(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the key from state.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	m.write(kvKey(key), dirtyEntry{deleted: true})
	return nil
}

// KVAppend appends the provided value to the RLP-encoded byte slice list stored
// under the supplied key. Duplicate values are ignored to keep the index
// deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	data, err := m.read(hashed)
	if err != nil {
		return err
	}
	var list [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return err
		}
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	m.write(hashed, dirtyEntry{value: encoded})
	return nil
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.read(kvKey(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}

// Emit buffers an event. Buffered events are dropped by RevertToSnapshot when
// they were emitted after the snapshot.
func (m *Manager) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	m.events = append(m.events, evt)
}

// Snapshot records the current journal position and returns its identifier.
func (m *Manager) Snapshot() int {
	m.snapshots = append(m.snapshots, snapshot{journal: len(m.journal), events: len(m.events)})
	return len(m.snapshots) - 1
}

// RevertToSnapshot undoes every write and event recorded after the snapshot
// was taken. Later snapshots are invalidated.
func (m *Manager) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(m.snapshots) {
		return ErrInvalidSnapshot
	}
	snap := m.snapshots[id]
	for i := len(m.journal) - 1; i >= snap.journal; i-- {
		entry := m.journal[i]
		if entry.hadPrev {
			m.dirty[entry.key] = entry.prev
		} else {
			delete(m.dirty, entry.key)
		}
	}
	m.journal = m.journal[:snap.journal]
	m.events = m.events[:snap.events]
	m.snapshots = m.snapshots[:id]
	return nil
}

// PendingEvents returns a copy of the events emitted since the last drain.
func (m *Manager) PendingEvents() []events.Event {
	return append([]events.Event(nil), m.events...)
}

// DrainEvents returns and clears the buffered events.
func (m *Manager) DrainEvents() []events.Event {
	out := m.events
	m.events = nil
	return out
}

// Dirty reports the number of keys with uncommitted writes.
func (m *Manager) Dirty() int {
	return len(m.dirty)
}

// Commit flushes buffered writes to the database in a single atomic batch
// ordered by key, then resets the journal.
func (m *Manager) Commit() error {
	if len(m.dirty) == 0 {
		m.reset()
		return nil
	}
	keys := make([]string, 0, len(m.dirty))
	for k := range m.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ops := make([]storage.Op, 0, len(keys))
	for _, k := range keys {
		entry := m.dirty[k]
		ops = append(ops, storage.Op{Key: []byte(k), Value: entry.value, Delete: entry.deleted})
	}
	if err := m.db.Write(ops); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	m.reset()
	return nil
}

// Discard drops every uncommitted write and buffered event.
func (m *Manager) Discard() {
	m.reset()
	m.events = nil
}

func (m *Manager) reset() {
	m.dirty = make(map[string]dirtyEntry)
	m.journal = nil
	m.snapshots = nil
}
