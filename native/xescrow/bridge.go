package xescrow

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "dexcrow/native/common"
)

// ErrBridgeUnavailable is returned when no bridging service is configured.
var ErrBridgeUnavailable = nativecommon.NewError(nativecommon.ErrUnavailable, "xescrow: bridge service unavailable")

// Route describes a token movement the bridge is asked to price.
type Route struct {
	SourceChainID uint64
	TargetChainID uint64
	TokenID       common.Hash
	Amount        *big.Int
}

// Quote is the bridge's own estimate for a route. The ledger never pays it.
type Quote struct {
	Fee      *big.Int
	Duration time.Duration
	Provider string
}

// Call is a single contract call executed on the target chain after the
// bridge has delivered the tokens and arranged the approval.
type Call struct {
	ChainID uint64
	Target  string
	Data    []byte
	TokenID common.Hash
	Amount  *big.Int
}

// Bridge is the external liquidity service. The ledger only asks it for
// estimates and to execute one post-bridge call.
type Bridge interface {
	EstimateCost(ctx context.Context, route Route) (Quote, error)
	ExecuteCall(ctx context.Context, call Call) (string, error)
}

// FuncBridge adapts plain functions to the Bridge interface.
type FuncBridge struct {
	EstimateFn func(ctx context.Context, route Route) (Quote, error)
	ExecuteFn  func(ctx context.Context, call Call) (string, error)
}

func (b FuncBridge) EstimateCost(ctx context.Context, route Route) (Quote, error) {
	if b.EstimateFn == nil {
		return Quote{}, ErrBridgeUnavailable
	}
	return b.EstimateFn(ctx, route)
}

func (b FuncBridge) ExecuteCall(ctx context.Context, call Call) (string, error) {
	if b.ExecuteFn == nil {
		return "", ErrBridgeUnavailable
	}
	return b.ExecuteFn(ctx, call)
}

// NoopBridge quotes nothing and refuses to execute.
type NoopBridge struct{}

func (NoopBridge) EstimateCost(context.Context, Route) (Quote, error) {
	return Quote{Fee: big.NewInt(0), Provider: "none"}, nil
}

func (NoopBridge) ExecuteCall(context.Context, Call) (string, error) {
	return "", ErrBridgeUnavailable
}
