package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"

	"dexcrow/core/types"
)

type encodedEvent struct {
	Type       string
	Attributes [][2]string
}

// ComputeEventRoot builds an Ethereum-style trie over the events of one call,
// keyed by the RLP encoding of each event's index, and returns its root.
// Attributes are encoded in key order so the root is deterministic.
func ComputeEventRoot(evts []*types.Event) (common.Hash, error) {
	db := rawdb.NewMemoryDatabase()
	trieDB := triedb.NewDatabase(db, triedb.HashDefaults)
	trie, err := gethtrie.New(gethtrie.TrieID(gethtypes.EmptyRootHash), trieDB)
	if err != nil {
		return common.Hash{}, err
	}
	for i, evt := range evts {
		enc := encodedEvent{Type: evt.Type}
		for _, k := range evt.SortedKeys() {
			enc.Attributes = append(enc.Attributes, [2]string{k, evt.Attributes[k]})
		}
		payload, err := rlp.EncodeToBytes(enc)
		if err != nil {
			return common.Hash{}, err
		}
		if err := trie.Update(rlp.AppendUint64(nil, uint64(i)), payload); err != nil {
			return common.Hash{}, err
		}
	}
	return trie.Hash(), nil
}
