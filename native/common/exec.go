package common

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrReentrantCall is returned when an entry point is invoked while another
// entry point of the same module is still executing.
var ErrReentrantCall = NewError(ErrStatePrecondition, "reentrant call")

// Journal is the snapshot/revert surface of the state manager.
type Journal interface {
	Snapshot() int
	RevertToSnapshot(id int) error
}

// Atomic runs fn against a snapshot of j. Any error or panic reverts every
// write and event made by fn.
func Atomic(j Journal, fn func() error) (err error) {
	if j == nil {
		return fn()
	}
	snap := j.Snapshot()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrInternal, r)
		}
		if err != nil {
			if rerr := j.RevertToSnapshot(snap); rerr != nil {
				err = fmt.Errorf("%w (revert failed: %v)", err, rerr)
			}
		}
	}()
	return fn()
}

// ReentrancyGuard is the entered flag shared by all mutating entry points of
// one module instance.
type ReentrancyGuard struct {
	entered bool
}

// Execute sets the entered flag, runs fn atomically and clears the flag.
func (g *ReentrancyGuard) Execute(j Journal, fn func() error) error {
	if g.entered {
		return ErrReentrantCall
	}
	g.entered = true
	defer func() { g.entered = false }()
	return Atomic(j, fn)
}

// Entered reports whether an entry point is currently executing.
func (g *ReentrancyGuard) Entered() bool { return g.entered }

// ModuleAddress derives the account that holds a module's funds.
func ModuleAddress(module string) common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256([]byte("dexcrow/module/" + module)))
}
