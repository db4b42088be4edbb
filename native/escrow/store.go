package escrow

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

var (
	configKey = []byte("escrow/config")
	countKey  = []byte("escrow/count")
	statsKey  = []byte("escrow/stats")
)

func escrowKey(id common.Hash) []byte {
	return []byte(fmt.Sprintf("escrow/record/%x", id))
}

func sequenceKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("escrow/seq/%d", seq))
}

func partyKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("escrow/party/%x", addr))
}

func assetKey(asset common.Address) []byte {
	return []byte(fmt.Sprintf("escrow/asset/%x", asset))
}

func volumeKey(asset common.Address) []byte {
	return []byte(fmt.Sprintf("escrow/volume/%x", asset))
}

func mirrorKey(chainID uint64, originID common.Hash) []byte {
	return []byte(fmt.Sprintf("escrow/mirror/%d/%x", chainID, originID))
}

// deriveID hashes the factory sequence together with the creator and the two
// parties, so ids are unique and never reused.
func deriveID(seq uint64, creator, buyer, seller common.Address) (common.Hash, error) {
	encoded, err := rlp.EncodeToBytes([]interface{}{seq, creator, buyer, seller})
	if err != nil {
		return common.Hash{}, err
	}
	return ethcrypto.Keccak256Hash(encoded), nil
}

func (e *Engine) loadEscrow(id common.Hash) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var stored Escrow
	ok, err := e.state.KVGet(escrowKey(id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return stored.Clone(), nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !esc.State.Valid() {
		return fmt.Errorf("escrow: invalid state %d", esc.State)
	}
	return e.state.KVPut(escrowKey(esc.ID), esc)
}

func (e *Engine) loadConfig() (Config, error) {
	var cfg Config
	ok, err := e.state.KVGet(configKey, &cfg)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Config{}, ErrNotInitialised
	}
	cfg.CreationFee = cloneBigInt(cfg.CreationFee)
	return cfg, nil
}

func (e *Engine) storeConfig(cfg Config) error {
	return e.state.KVPut(configKey, cfg)
}

func (e *Engine) count() (uint64, error) {
	var n uint64
	if _, err := e.state.KVGet(countKey, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (e *Engine) loadStats() (Stats, error) {
	var s Stats
	if _, err := e.state.KVGet(statsKey, &s); err != nil {
		return Stats{}, err
	}
	return s, nil
}

func (e *Engine) updateStats(fn func(*Stats)) error {
	s, err := e.loadStats()
	if err != nil {
		return err
	}
	fn(&s)
	return e.state.KVPut(statsKey, s)
}

// recordTerminal moves an escrow out of the active set.
func (e *Engine) recordTerminal(state State) error {
	return e.updateStats(func(s *Stats) {
		if s.Active > 0 {
			s.Active--
		}
		if state == StateCompleted {
			s.Completed++
		} else {
			s.Canceled++
		}
	})
}

func (e *Engine) addVolume(asset common.Address, amount *big.Int) error {
	current := new(big.Int)
	if _, err := e.state.KVGet(volumeKey(asset), current); err != nil {
		return err
	}
	return e.state.KVPut(volumeKey(asset), current.Add(current, amount))
}
