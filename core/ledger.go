// Package core wires the native modules into a single ledger that applies
// signed transactions atomically and commits them to storage.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"dexcrow/core/events"
	"dexcrow/core/state"
	"dexcrow/core/types"
	"dexcrow/native/arbiter"
	"dexcrow/native/bank"
	nativecommon "dexcrow/native/common"
	"dexcrow/native/escrow"
	"dexcrow/native/messenger"
	"dexcrow/native/params"
	"dexcrow/native/proofs"
	"dexcrow/native/tokens"
	"dexcrow/native/xescrow"
	"dexcrow/observability"
	"dexcrow/observability/otel"
	"dexcrow/storage"
)

var (
	ErrUnknownMethod = nativecommon.NewError(nativecommon.ErrValidation, "ledger: unknown method")
	ErrInvalidParams = nativecommon.NewError(nativecommon.ErrValidation, "ledger: invalid params")
	ErrWrongChain    = nativecommon.NewError(nativecommon.ErrValidation, "ledger: transaction signed for another chain")
	ErrBadSignature  = nativecommon.NewError(nativecommon.ErrAuthorization, "ledger: invalid transaction signature")
	ErrBadNonce      = nativecommon.NewError(nativecommon.ErrReplay, "ledger: unexpected account nonce")
)

func nonceKey(addr common.Address) []byte {
	return []byte("ledger/nonce/" + addr.Hex())
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock replaces the wall clock used by every module.
func WithClock(now func() int64) Option {
	return func(l *Ledger) {
		if now != nil {
			l.clock = now
		}
	}
}

// WithLogger sets the logger. slog.Default is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithEventSink receives every committed event after the call that produced
// it returns.
func WithEventSink(sink events.Emitter) Option {
	return func(l *Ledger) {
		l.sink = sink
	}
}

// Ledger is the central controller. Calls are serialized; each one runs
// against a fresh journal and is either committed whole or discarded.
type Ledger struct {
	mu      sync.Mutex
	chainID uint64
	db      storage.Database
	state   *state.Manager
	clock   func() int64
	logger  *slog.Logger
	sink    events.Emitter

	Bank       *bank.Bank
	Pauses     *params.Store
	Arbiters   *arbiter.Registry
	Engine     *escrow.Engine
	Factory    *escrow.Factory
	Tokens     *tokens.Registry
	Proofs     *proofs.Verifier
	Messenger  *messenger.Messenger
	CrossChain *xescrow.Coordinator
}

// NewLedger opens the ledger on db and applies genesis when db is empty.
func NewLedger(db storage.Database, genesis Genesis, opts ...Option) (*Ledger, error) {
	mgr := state.NewManager(db)
	l := &Ledger{
		chainID: genesis.ChainID,
		db:      db,
		state:   mgr,
		clock:   func() int64 { return time.Now().Unix() },
		logger:  slog.Default(),
		sink:    events.NoopEmitter{},
	}
	for _, opt := range opts {
		opt(l)
	}
	clock := func() int64 { return l.clock() }

	l.Bank = bank.New(mgr)
	l.Bank.SetEmitter(mgr)
	l.Pauses = params.NewStore(mgr)
	l.Arbiters = arbiter.NewRegistry(mgr, l.Bank)
	l.Arbiters.SetEmitter(mgr)
	l.Arbiters.SetNowFunc(clock)
	l.Engine = escrow.NewEngine(mgr, l.Bank, l.Arbiters, l.Pauses)
	l.Engine.SetEmitter(mgr)
	l.Engine.SetNowFunc(clock)
	l.Factory = escrow.NewFactory(l.Engine)
	l.Tokens = tokens.NewRegistry(mgr)
	l.Tokens.SetEmitter(mgr)
	l.Tokens.SetNowFunc(clock)
	l.Proofs = proofs.NewVerifier(mgr)
	l.Proofs.SetEmitter(mgr)
	l.Proofs.SetNowFunc(clock)
	l.Messenger = messenger.New(mgr, l.Bank, l.Pauses)
	l.Messenger.SetEmitter(mgr)
	l.Messenger.SetNowFunc(clock)
	l.CrossChain = xescrow.New(mgr, l.Bank, l.Factory, l.Engine, l.Messenger, l.Tokens, l.Proofs)
	l.CrossChain.SetEmitter(mgr)

	if err := l.applyGenesis(genesis); err != nil {
		return nil, err
	}
	return l, nil
}

// ChainID returns the local chain id.
func (l *Ledger) ChainID() uint64 { return l.chainID }

// Now returns the ledger clock.
func (l *Ledger) Now() int64 { return l.clock() }

// Nonce returns the next transaction nonce expected from addr.
func (l *Ledger) Nonce(addr common.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonce(addr)
}

func (l *Ledger) nonce(addr common.Address) uint64 {
	var n uint64
	if _, err := l.state.KVGet(nonceKey(addr), &n); err != nil {
		return 0
	}
	return n
}

// ApplyTransaction verifies the envelope, checks the sender's nonce and
// executes the call. The nonce advances whether or not the call succeeds;
// an envelope that fails verification changes nothing.
func (l *Ledger) ApplyTransaction(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	if tx == nil {
		return nil, ErrInvalidParams
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if tx.ChainID != l.chainID {
		return nil, nativecommon.Wrapf(ErrWrongChain, "chain %d", tx.ChainID)
	}
	if err := tx.VerifySignature(); err != nil {
		return nil, nativecommon.Wrapf(ErrBadSignature, "%v", err)
	}
	if expected := l.nonce(tx.From); tx.Nonce != expected {
		return nil, nativecommon.Wrapf(ErrBadNonce, "got %d, expected %d", tx.Nonce, expected)
	}
	hash, err := tx.Hash()
	if err != nil {
		return nil, err
	}
	receipt, callErr := l.execute(ctx, tx.From, tx.Value, tx.Method, tx.Params, func() error {
		return l.state.KVPut(nonceKey(tx.From), tx.Nonce+1)
	})
	receipt.TxHash = hash
	receipt.Nonce = tx.Nonce
	return receipt, callErr
}

// Call executes method for from without an envelope. It is meant for
// trusted in-process callers such as genesis tooling and tests.
func (l *Ledger) Call(ctx context.Context, from common.Address, value *big.Int, method string, params json.RawMessage) (*types.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.execute(ctx, from, value, method, params, nil)
}

// execute runs one call. after runs whether or not the call failed and is
// committed with it.
func (l *Ledger) execute(ctx context.Context, from common.Address, value *big.Int, method string, raw json.RawMessage, after func() error) (*types.Receipt, error) {
	start := time.Now()
	h, ok := handlers[method]
	module := "ledger"
	if ok {
		module = h.module
	}
	ctx, span := otel.StartSpan(ctx, "ledger."+method,
		attribute.String("module", module),
		attribute.String("from", from.Hex()),
	)
	defer span.End()

	receipt := &types.Receipt{From: from, Method: method, Status: types.ReceiptSuccess}
	var callErr error
	if !ok {
		callErr = nativecommon.Wrapf(ErrUnknownMethod, "%q", method)
	} else {
		var result any
		callErr = nativecommon.Atomic(l.state, func() error {
			var err error
			result, err = h.fn(ctx, l, callContext{from: from, value: value}, raw)
			return err
		})
		if callErr == nil && result != nil {
			enc, err := json.Marshal(result)
			if err != nil {
				callErr = err
			} else {
				receipt.Result = enc
			}
		}
	}
	if callErr != nil {
		l.state.Discard()
		receipt.Status = types.ReceiptFailed
		receipt.ErrorKind = nativecommon.KindOf(callErr)
		receipt.Error = callErr.Error()
		span.SetStatus(codes.Error, receipt.ErrorKind)
	}
	if after != nil {
		if err := after(); err != nil {
			l.state.Discard()
			return receipt, err
		}
	}

	committed := l.state.DrainEvents()
	receipt.Events = make([]*types.Event, 0, len(committed))
	for _, evt := range committed {
		if typed, ok := evt.(*types.Event); ok {
			receipt.Events = append(receipt.Events, typed)
		}
	}
	root, err := ComputeEventRoot(receipt.Events)
	if err != nil {
		l.state.Discard()
		return receipt, err
	}
	receipt.EventRoot = root
	if err := l.state.Commit(); err != nil {
		l.state.Discard()
		return receipt, err
	}

	metrics := observability.Ledger()
	metrics.ObserveCall(module, method, receipt.ErrorKind, time.Since(start))
	for _, evt := range receipt.Events {
		metrics.RecordEvent(evt.Type)
		recordMessage(metrics, evt)
		l.sink.Emit(evt)
	}
	logAttrs := []any{
		"module", module,
		"method", method,
		"from", from.Hex(),
		"events", len(receipt.Events),
		"duration", time.Since(start),
	}
	if callErr != nil {
		l.logger.Warn("ledger call rejected", append(logAttrs, "kind", receipt.ErrorKind, "error", callErr)...)
	} else {
		l.logger.Info("ledger call applied", logAttrs...)
	}
	return receipt, callErr
}

func recordMessage(metrics interface{ RecordMessage(string, uint64) }, evt *types.Event) {
	var direction, attr string
	switch evt.Type {
	case messenger.EventTypeMessageSent:
		direction, attr = "outbound", "targetChainId"
	case messenger.EventTypeMessageReceived:
		direction, attr = "inbound", "sourceChainId"
	default:
		return
	}
	chain, err := strconv.ParseUint(evt.Attributes[attr], 10, 64)
	if err != nil {
		return
	}
	metrics.RecordMessage(direction, chain)
}

// View runs fn under the ledger lock against committed state. fn must not
// write.
func (l *Ledger) View(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := fn()
	if l.state.Dirty() > 0 {
		l.state.Discard()
		return errors.Join(err, errors.New("ledger: view attempted a write"))
	}
	return err
}

// Close releases the database.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.db.Close()
}
