// Package merkle builds keccak256 Merkle trees with sorted pair hashing, the
// layout used for outbox checkpoints and cross-chain inclusion proofs.
package merkle

import (
	"bytes"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrEmptyTree       = errors.New("merkle: tree has no leaves")
	ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")
)

// LeafHash hashes raw leaf data twice so a leaf can never be confused with an
// inner node.
func LeafHash(data []byte) common.Hash {
	inner := crypto.Keccak256(data)
	return crypto.Keccak256Hash(inner)
}

// HashPair hashes two nodes in ascending byte order.
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// Tree keeps every layer so proofs can be produced for any leaf.
type Tree struct {
	layers [][]common.Hash
}

// New builds a tree over already hashed leaves. An odd node at the end of a
// layer is promoted unchanged.
func New(leaves []common.Hash) *Tree {
	t := &Tree{}
	if len(leaves) == 0 {
		return t
	}
	layer := append([]common.Hash(nil), leaves...)
	t.layers = append(t.layers, layer)
	for len(layer) > 1 {
		next := make([]common.Hash, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 == len(layer) {
				next = append(next, layer[i])
				continue
			}
			next = append(next, HashPair(layer[i], layer[i+1]))
		}
		t.layers = append(t.layers, next)
		layer = next
	}
	return t
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	if len(t.layers) == 0 {
		return 0
	}
	return len(t.layers[0])
}

// Root returns the root hash, or the zero hash for an empty tree.
func (t *Tree) Root() common.Hash {
	if len(t.layers) == 0 {
		return common.Hash{}
	}
	return t.layers[len(t.layers)-1][0]
}

// Proof returns the sibling path of the leaf at index, from leaf to root.
func (t *Tree) Proof(index int) ([]common.Hash, error) {
	if len(t.layers) == 0 {
		return nil, ErrEmptyTree
	}
	if index < 0 || index >= len(t.layers[0]) {
		return nil, ErrIndexOutOfRange
	}
	proof := make([]common.Hash, 0, len(t.layers)-1)
	for _, layer := range t.layers[:len(t.layers)-1] {
		sibling := index ^ 1
		if sibling < len(layer) {
			proof = append(proof, layer[sibling])
		}
		index /= 2
	}
	return proof, nil
}

// Verify folds proof into leaf and compares the result with root. Any
// mismatching node fails the whole proof.
func Verify(leaf common.Hash, proof []common.Hash, root common.Hash) bool {
	if root == (common.Hash{}) {
		return false
	}
	computed := leaf
	for _, node := range proof {
		computed = HashPair(computed, node)
	}
	return computed == root
}
